// Package session manages the authenticated Deriv session: login, account
// switching and OAuth hand-off, all on the live connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/rewired-gh/digitbot/internal/accounts"
	"github.com/rewired-gh/digitbot/internal/bot"
	"github.com/rewired-gh/digitbot/internal/deriv"
	"github.com/rewired-gh/digitbot/internal/digits"
	"github.com/rewired-gh/digitbot/internal/events"
	"github.com/rewired-gh/digitbot/internal/logger"
	"github.com/rewired-gh/digitbot/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoToken is returned when neither a stored account nor a configured
	// token is available.
	ErrNoToken = errors.New("no API token available")
	// ErrNotAuthorized is returned by account operations before login.
	ErrNotAuthorized = errors.New("no authorized account")
	// ErrActiveAccount is returned when removing the account in use.
	ErrActiveAccount = errors.New("account is in use")
)

// tokenScopes are requested for API tokens minted from an OAuth session.
var tokenScopes = []string{"read", "trade"}

// Client is the subset of the Deriv client used for session management.
type Client interface {
	Authorize(ctx context.Context, token string) (*deriv.Authorization, error)
	SubscribeBalance(ctx context.Context) (decimal.Decimal, error)
	TicksHistory(ctx context.Context, symbol string, count int) ([]models.Tick, error)
	SubscribeTicks(ctx context.Context, symbol string) error
	ForgetAll(ctx context.Context, kinds ...string) error
	CreateAPIToken(ctx context.Context, name string, scopes []string) (string, error)
	CashierURL(ctx context.Context, action, verificationCode string) (string, error)
}

// Bot is the subset of the bot controller the session drives.
type Bot interface {
	State() models.BotState
	Stop(reason string) error
	InFlight() bool
	SetLoginID(loginID string)
	Reconcile(ctx context.Context)
}

// Seeder merges fetched tick history into the digit statistics.
type Seeder interface {
	Seed(symbol string, ticks []models.Tick) (digits.Stats, int)
}

// Publisher receives session events.
type Publisher interface {
	Emit(t events.Type, payload any)
}

// Config holds session parameters.
type Config struct {
	Symbols      []string
	HistoryCount int
	// APIToken is used when no account has been stored yet.
	APIToken string
}

// Manager owns the authenticated state of the connection.
type Manager struct {
	cfg      Config
	client   Client
	resolver *accounts.Resolver
	bot      Bot
	seeder   Seeder
	bus      Publisher

	mu      sync.Mutex
	account models.Account
	balance decimal.Decimal
}

// NewManager creates a manager. trader, seeder and bus may be nil.
func NewManager(cfg Config, client Client, resolver *accounts.Resolver, trader Bot, seeder Seeder, bus Publisher) *Manager {
	return &Manager{
		cfg:      cfg,
		client:   client,
		resolver: resolver,
		bot:      trader,
		seeder:   seeder,
		bus:      bus,
	}
}

// OnConnect is registered with the Deriv client. The first connection logs
// in. Later ones fill the tick gap and let the bot reconcile its contract;
// authorization and subscriptions are replayed by the client itself.
func (m *Manager) OnConnect(ctx context.Context, reconnect bool) {
	if !reconnect {
		if err := m.Login(ctx); err != nil {
			logger.Error("Login failed: %v", err)
		}
		return
	}
	m.seedTicks(ctx)
	if m.bot != nil {
		m.bot.Reconcile(ctx)
	}
}

// Login streams the configured symbols and authorizes with the active
// account, falling back to the stored then configured API token.
func (m *Manager) Login(ctx context.Context) error {
	m.seedTicks(ctx)
	for _, symbol := range m.cfg.Symbols {
		if err := m.client.SubscribeTicks(ctx, symbol); err != nil {
			logger.Error("Failed to subscribe to %s ticks: %v", symbol, err)
		}
	}

	acct, stored, err := m.activeAccount(ctx)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			logger.Warn("No API token configured, streaming public ticks only")
			return nil
		}
		return err
	}

	auth, err := m.authorize(ctx, acct.Token)
	if err != nil {
		return err
	}
	acct.LoginID = auth.LoginID
	acct.Currency = auth.Currency
	acct.IsVirtual = auth.Virtual()
	if !stored {
		if err := m.resolver.SaveAccount(ctx, acct); err != nil {
			return err
		}
		if _, err := m.resolver.SetActive(ctx, acct.LoginID); err != nil {
			return err
		}
	}
	return m.activate(ctx, acct, auth)
}

// SwitchAccount moves the session to loginID. A running bot is stopped and
// account-scoped streams are cancelled first. The switch is refused while a
// contract is in flight, since cancelling its stream would lose the result.
func (m *Manager) SwitchAccount(ctx context.Context, loginID string) error {
	token, err := m.resolver.ResolveToken(ctx, loginID)
	if err != nil {
		return err
	}
	from := m.Account().LoginID

	if m.bot != nil && m.bot.InFlight() {
		return fmt.Errorf("cannot switch to %s: %w", loginID, bot.ErrContractInFlight)
	}
	if m.bot != nil {
		switch m.bot.State() {
		case models.BotRunning, models.BotPaused:
			if err := m.bot.Stop("account switch"); err != nil {
				return fmt.Errorf("failed to stop bot: %w", err)
			}
		}
		// A buy may have started before the stop.
		if m.bot.InFlight() {
			return fmt.Errorf("cannot switch to %s: %w", loginID, bot.ErrContractInFlight)
		}
	}
	if err := m.client.ForgetAll(ctx, "balance", "proposal_open_contract"); err != nil {
		logger.Warn("forget_all before account switch failed: %v", err)
	}

	auth, err := m.authorize(ctx, token)
	if err != nil {
		return err
	}
	if auth.LoginID != loginID {
		return fmt.Errorf("token for %s authorized as %s", loginID, auth.LoginID)
	}
	acct, err := m.resolver.SetActive(ctx, loginID)
	if err != nil {
		return err
	}
	acct.Currency = auth.Currency
	acct.IsVirtual = auth.Virtual()
	if err := m.activate(ctx, acct, auth); err != nil {
		return err
	}

	logger.Info("Switched account %s -> %s", from, loginID)
	m.emit(events.TypeAccountSwitched, events.AccountSwitched{From: from, To: loginID})
	return nil
}

// HandleOAuth stores every account from an OAuth redirect and switches to
// the first one.
func (m *Manager) HandleOAuth(ctx context.Context, values url.Values) (models.Account, error) {
	accts, err := accounts.ParseOAuthCallback(values)
	if err != nil {
		return models.Account{}, err
	}
	if err := m.resolver.SaveOAuthAccounts(ctx, accts); err != nil {
		return models.Account{}, err
	}
	first := accts[0]
	if err := m.SwitchAccount(ctx, first.LoginID); err != nil {
		return models.Account{}, err
	}
	m.emit(events.TypeOAuthAccountSwitch, events.OAuthAccountSwitch{LoginID: first.LoginID, Accounts: len(accts)})
	first.Token = ""
	return first, nil
}

// CreateAPIToken mints a read/trade API token for the authorized account
// and stores it in place of the token the session logged in with.
func (m *Manager) CreateAPIToken(ctx context.Context, name string) (models.Account, error) {
	m.mu.Lock()
	acct := m.account
	m.mu.Unlock()
	if acct.LoginID == "" {
		return models.Account{}, ErrNotAuthorized
	}

	token, err := m.client.CreateAPIToken(ctx, name, tokenScopes)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to create api token for %s: %w", acct.LoginID, err)
	}
	acct.Token = token
	if err := m.resolver.SaveAccount(ctx, acct); err != nil {
		return models.Account{}, err
	}
	if _, err := m.resolver.SetActive(ctx, acct.LoginID); err != nil {
		return models.Account{}, err
	}

	m.mu.Lock()
	if m.account.LoginID == acct.LoginID {
		m.account.Token = token
	}
	m.mu.Unlock()
	logger.Info("Stored new API token %q for %s", name, acct.LoginID)
	acct.Token = ""
	return acct, nil
}

// CashierURL returns a deposit or withdrawal page for the authorized account.
func (m *Manager) CashierURL(ctx context.Context, action, verificationCode string) (string, error) {
	if m.Account().LoginID == "" {
		return "", ErrNotAuthorized
	}
	return m.client.CashierURL(ctx, action, verificationCode)
}

// RemoveAccount deletes a stored account. The authorized account cannot be
// removed.
func (m *Manager) RemoveAccount(ctx context.Context, loginID string) error {
	if loginID == m.Account().LoginID {
		return fmt.Errorf("cannot remove %s: %w", loginID, ErrActiveAccount)
	}
	if _, err := m.resolver.ResolveToken(ctx, loginID); err != nil {
		return err
	}
	if err := m.resolver.RemoveAccount(ctx, loginID); err != nil {
		return err
	}
	logger.Info("Removed account %s", loginID)
	return nil
}

// Account returns the authorized account without its token.
func (m *Manager) Account() models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.account
	acct.Token = ""
	return acct
}

// Balance returns the last known balance.
func (m *Manager) Balance() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// OnBalance records a balance push for the active account.
func (m *Manager) OnBalance(u events.BalanceUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.LoginID == "" || u.LoginID == m.account.LoginID {
		m.balance = u.Balance
	}
}

func (m *Manager) activeAccount(ctx context.Context) (models.Account, bool, error) {
	acct, err := m.resolver.Active(ctx)
	if err == nil {
		return acct, true, nil
	}
	if !errors.Is(err, accounts.ErrNoActiveAccount) && !errors.Is(err, accounts.ErrTokenNotFound) {
		return models.Account{}, false, err
	}

	token, err := m.resolver.APIToken(ctx)
	if errors.Is(err, accounts.ErrTokenNotFound) {
		token = m.cfg.APIToken
	} else if err != nil {
		return models.Account{}, false, err
	}
	if token == "" {
		return models.Account{}, false, ErrNoToken
	}
	return models.Account{Token: token}, false, nil
}

func (m *Manager) authorize(ctx context.Context, token string) (*deriv.Authorization, error) {
	auth, err := m.client.Authorize(ctx, token)
	if err != nil {
		m.emit(events.TypeTokenValidated, events.TokenValidated{Valid: false, Error: err.Error()})
		return nil, fmt.Errorf("authorize failed: %w", err)
	}
	m.emit(events.TypeTokenValidated, events.TokenValidated{LoginID: auth.LoginID, Valid: true})
	return auth, nil
}

func (m *Manager) activate(ctx context.Context, acct models.Account, auth *deriv.Authorization) error {
	balance := auth.Balance
	if b, err := m.client.SubscribeBalance(ctx); err != nil {
		logger.Warn("Failed to subscribe to balance for %s: %v", acct.LoginID, err)
	} else {
		balance = b
	}

	m.mu.Lock()
	m.account = acct
	m.balance = balance
	m.mu.Unlock()

	if m.bot != nil {
		m.bot.SetLoginID(acct.LoginID)
	}
	logger.Info("Authorized %s (%s, virtual=%v)", acct.LoginID, acct.Currency, acct.IsVirtual)
	m.emit(events.TypeAccountInfo, events.AccountInfo{
		LoginID:   acct.LoginID,
		Currency:  acct.Currency,
		Balance:   balance,
		IsVirtual: acct.IsVirtual,
		Email:     auth.Email,
	})
	return nil
}

func (m *Manager) seedTicks(ctx context.Context) {
	if m.seeder == nil || m.cfg.HistoryCount <= 0 {
		return
	}
	for _, symbol := range m.cfg.Symbols {
		ticks, err := m.client.TicksHistory(ctx, symbol, m.cfg.HistoryCount)
		if err != nil {
			logger.Warn("Failed to fetch %s tick history: %v", symbol, err)
			continue
		}
		_, added := m.seeder.Seed(symbol, ticks)
		logger.Debug("Seeded %d of %d %s ticks", added, len(ticks), symbol)
	}
}

func (m *Manager) emit(t events.Type, payload any) {
	if m.bus != nil {
		m.bus.Emit(t, payload)
	}
}
