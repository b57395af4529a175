// Package bot runs the digit trading bot: entry decisions, martingale
// staking, contract tracking, and profit/loss stop conditions.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/digitbot/internal/deriv"
	"github.com/rewired-gh/digitbot/internal/digits"
	"github.com/rewired-gh/digitbot/internal/events"
	"github.com/rewired-gh/digitbot/internal/logger"
	"github.com/rewired-gh/digitbot/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition = errors.New("invalid bot state transition")
	ErrContractInFlight  = errors.New("a contract is already in flight")
	ErrNoOpenContract    = errors.New("no such open contract")
)

// ReasonShutdown is the stop reason recorded when the process exits. A
// session stopped this way hands its martingale level to the next start.
const ReasonShutdown = "shutdown"

// Broker is the subset of the Deriv client the bot trades through.
type Broker interface {
	Buy(ctx context.Context, r deriv.BuyRequest) (*deriv.BuyReceipt, error)
	SubscribeContract(ctx context.Context, contractID int64) error
	Sell(ctx context.Context, contractID int64) (*deriv.SellReceipt, error)
	Portfolio(ctx context.Context) ([]deriv.PortfolioContract, error)
}

// Store persists contracts and sessions.
type Store interface {
	SaveContract(c *models.Contract) error
	SaveSession(s *models.Session) error
}

// Publisher receives bot events.
type Publisher interface {
	Emit(t events.Type, payload any)
}

// Config holds trading parameters.
type Config struct {
	Symbol       string
	Currency     string
	Duration     int
	DurationUnit string

	InitialStake decimal.Decimal
	Factor       decimal.Decimal
	LossVirtual  int
	MaxLevel     int
	ResetOnWin   bool

	// ProfitTarget and LossLimit stop the bot when reached. Zero disables.
	ProfitTarget decimal.Decimal
	LossLimit    decimal.Decimal

	RetryDelay time.Duration
	BuyTimeout time.Duration
}

// Status is a snapshot of the controller.
type Status struct {
	State          models.BotState `json:"state"`
	Strategy       string          `json:"strategy"`
	Symbol         string          `json:"symbol"`
	Session        *models.Session `json:"session,omitempty"`
	NextStake      decimal.Decimal `json:"next_stake"`
	InFlight       bool            `json:"in_flight"`
	BuyPending     bool            `json:"buy_pending"`
	OpenContractID int64           `json:"open_contract_id,omitempty"`
	RetryAt        *time.Time      `json:"retry_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// fatalCodes are API errors that retrying cannot fix.
var fatalCodes = map[string]bool{
	"InvalidToken":          true,
	"AuthorizationRequired": true,
	"PermissionDenied":      true,
	"DisabledClient":        true,
	"InsufficientBalance":   true,
}

// Controller is the bot state machine. At most one contract is in flight:
// from the buy request until its settlement update.
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	broker   Broker
	store    Store
	bus      Publisher
	strategy Strategy
	now      func() time.Time

	state      models.BotState
	session    *models.Session
	martingale Martingale
	loginID    string
	lastError  string
	carryLevel int

	inFlight     bool
	buyPending   bool
	buyRunning   bool
	pendingSince time.Time
	pendingSig   Signal
	open         *models.Contract
	retryAt      time.Time

	outbox []events.Event
	wg     sync.WaitGroup
}

// NewController creates an idle controller.
func NewController(cfg Config, strategy Strategy, broker Broker, store Store, bus Publisher) *Controller {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.BuyTimeout <= 0 {
		cfg.BuyTimeout = 30 * time.Second
	}
	c := &Controller{
		cfg:      cfg,
		broker:   broker,
		store:    store,
		bus:      bus,
		strategy: strategy,
		now:      time.Now,
		state:    models.BotIdle,
	}
	c.martingale = c.newMartingale()
	return c
}

func (c *Controller) newMartingale() Martingale {
	return Martingale{
		Initial:     c.cfg.InitialStake,
		Factor:      c.cfg.Factor,
		LossVirtual: c.cfg.LossVirtual,
		MaxLevel:    c.cfg.MaxLevel,
		ResetOnWin:  c.cfg.ResetOnWin,
	}
}

// unlock releases the lock and publishes queued events.
func (c *Controller) unlock() {
	out := c.outbox
	c.outbox = nil
	c.mu.Unlock()
	if c.bus == nil {
		return
	}
	for _, e := range out {
		c.bus.Emit(e.Type, e.Payload)
	}
}

func (c *Controller) queue(t events.Type, payload any) {
	c.outbox = append(c.outbox, events.Event{Type: t, Payload: payload})
}

func (c *Controller) transition(to models.BotState, reason string) {
	from := c.state
	c.state = to
	if c.session != nil {
		c.session.State = to
	}
	logger.Info("Bot %s -> %s %s", from, to, reason)
	c.queue(events.TypeBotState, events.BotState{From: from, To: to, Reason: reason})
}

// State returns the current state.
func (c *Controller) State() models.BotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetLoginID records the account new sessions trade on.
func (c *Controller) SetLoginID(loginID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loginID = loginID
}

// SetStrategy replaces the strategy. Only allowed while idle.
func (c *Controller) SetStrategy(s Strategy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != models.BotIdle {
		return fmt.Errorf("%w: strategy can only change while idle", ErrInvalidTransition)
	}
	c.strategy = s
	return nil
}

// Start begins a new session: idle -> running.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != models.BotIdle {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, c.state)
	}
	if c.inFlight {
		return ErrContractInFlight
	}
	if c.strategy == nil {
		return errors.New("no strategy configured")
	}

	c.martingale = c.newMartingale()
	if c.carryLevel > 0 {
		c.martingale.Restore(c.carryLevel)
		c.carryLevel = 0
	}
	now := c.now()
	c.session = &models.Session{
		ID:           uuid.NewString(),
		LoginID:      c.loginID,
		StrategyID:   c.strategy.Name(),
		Symbol:       c.cfg.Symbol,
		State:        models.BotRunning,
		Level:        c.martingale.Level(),
		Stake:        c.martingale.Stake(),
		InitialStake: c.cfg.InitialStake,
		Profit:       decimal.Zero,
		StartedAt:    now,
	}
	c.retryAt = time.Time{}
	c.lastError = ""
	c.transition(models.BotRunning, "started")
	c.persistSession()
	return nil
}

// ResumeLevel makes the next Start continue at last's martingale level when
// last was cut short by a shutdown or never recorded an end. Sessions that
// stopped for any other reason start over at the base stake.
func (c *Controller) ResumeLevel(last *models.Session) {
	if last == nil || last.Level == 0 {
		return
	}
	if !last.EndedAt.IsZero() && last.StopReason != ReasonShutdown {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if last.Symbol != c.cfg.Symbol {
		return
	}
	c.carryLevel = last.Level
	logger.Info("Next session resumes at martingale level %d from session %s", last.Level, last.ID)
}

// Pause stops placing new contracts: running -> paused. An open contract is
// still tracked to settlement.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != models.BotRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, c.state)
	}
	c.transition(models.BotPaused, "paused")
	c.persistSession()
	return nil
}

// Resume continues a paused session: paused -> running.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != models.BotPaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, c.state)
	}
	c.transition(models.BotRunning, "resumed")
	c.persistSession()
	return nil
}

// Stop ends the session: running|paused -> idle.
func (c *Controller) Stop(reason string) error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != models.BotRunning && c.state != models.BotPaused {
		return fmt.Errorf("%w: stop from %s", ErrInvalidTransition, c.state)
	}
	if reason == "" {
		reason = "stopped"
	}
	c.stopLocked(reason)
	return nil
}

func (c *Controller) stopLocked(reason string) {
	c.transition(models.BotIdle, reason)
	if c.session != nil {
		c.session.EndedAt = c.now()
		c.session.StopReason = reason
	}
	c.persistSession()
}

// Fail moves the bot into the absorbing error state.
func (c *Controller) Fail(err error) {
	c.mu.Lock()
	defer c.unlock()
	c.failLocked(err)
}

func (c *Controller) failLocked(err error) {
	c.lastError = err.Error()
	sessionID := ""
	if c.session != nil {
		sessionID = c.session.ID
		c.session.StopReason = err.Error()
		c.session.EndedAt = c.now()
	}
	if c.state != models.BotError {
		c.transition(models.BotError, err.Error())
	}
	c.persistSession()
	c.queue(events.TypeBotError, events.BotError{SessionID: sessionID, Error: err.Error()})
}

// Reset leaves the error state: error -> idle.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != models.BotError {
		return fmt.Errorf("%w: reset from %s", ErrInvalidTransition, c.state)
	}
	c.lastError = ""
	c.retryAt = time.Time{}
	c.transition(models.BotIdle, "reset")
	return nil
}

// OnTick evaluates the strategy and places a contract when it signals.
func (c *Controller) OnTick(tick models.Tick, stats digits.Stats) {
	c.mu.Lock()
	defer c.unlock()
	if c.state != models.BotRunning || tick.Symbol != c.cfg.Symbol || c.strategy == nil {
		return
	}
	if c.inFlight {
		return
	}
	if !c.retryAt.IsZero() && c.now().Before(c.retryAt) {
		return
	}
	sig, ok := c.strategy.Evaluate(stats)
	if !ok {
		return
	}

	req := deriv.BuyRequest{
		Symbol:       c.cfg.Symbol,
		ContractType: sig.ContractType,
		Barrier:      sig.Barrier,
		Amount:       c.martingale.Stake(),
		Currency:     c.cfg.Currency,
		Duration:     c.cfg.Duration,
		DurationUnit: c.cfg.DurationUnit,
	}
	c.inFlight = true
	c.buyPending = true
	c.buyRunning = true
	c.pendingSince = c.now()
	c.pendingSig = sig
	logger.Info("Buying %s %s barrier %s stake %s: %s", req.Symbol, req.ContractType, req.Barrier, req.Amount.StringFixed(2), sig.Reason)

	c.wg.Add(1)
	go c.buy(req)
}

func (c *Controller) buy(req deriv.BuyRequest) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BuyTimeout)
	defer cancel()

	receipt, err := c.broker.Buy(ctx, req)

	c.mu.Lock()
	c.buyRunning = false
	if err != nil {
		if errors.Is(err, deriv.ErrTimeout) || errors.Is(err, deriv.ErrNotConnected) || errors.Is(err, context.DeadlineExceeded) {
			// The buy may have executed; keep the pending flag for Reconcile.
			logger.Warn("Buy response lost: %v", err)
			c.unlock()
			if errors.Is(err, deriv.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				c.Reconcile(context.Background())
			}
			return
		}
		c.buyFailedLocked(err)
		c.unlock()
		return
	}

	contract := c.adoptLocked(receipt.ContractID, req.ContractType, req.Barrier, receipt.BuyPrice, receipt.Payout, time.Unix(receipt.PurchaseTime, 0))
	c.unlock()

	c.watch(context.Background(), contract.ContractID)
}

func (c *Controller) buyFailedLocked(err error) {
	c.inFlight = false
	c.buyPending = false
	c.retryAt = c.now().Add(c.cfg.RetryDelay)
	c.lastError = err.Error()
	logger.Error("Buy failed, retrying after %v: %v", c.cfg.RetryDelay, err)

	var apiErr *deriv.APIError
	if errors.As(err, &apiErr) && fatalCodes[apiErr.Code] && c.state != models.BotIdle {
		c.failLocked(err)
		return
	}
	sessionID := ""
	if c.session != nil {
		sessionID = c.session.ID
	}
	c.queue(events.TypeBotError, events.BotError{SessionID: sessionID, Error: err.Error()})
}

// adoptLocked records a bought contract as the open contract.
func (c *Controller) adoptLocked(id int64, contractType, barrier string, buyPrice, payout decimal.Decimal, purchased time.Time) models.Contract {
	contract := models.Contract{
		ContractID:   id,
		LoginID:      c.loginID,
		Symbol:       c.cfg.Symbol,
		ContractType: contractType,
		Barrier:      barrier,
		BuyPrice:     buyPrice,
		Payout:       payout,
		Profit:       decimal.Zero,
		Status:       models.ContractOpen,
		PurchasedAt:  purchased,
	}
	if c.session != nil {
		contract.SessionID = c.session.ID
	}
	if purchased.Unix() <= 0 {
		contract.PurchasedAt = c.now()
	}
	c.open = &contract
	c.buyPending = false
	c.inFlight = true
	if err := c.store.SaveContract(&contract); err != nil {
		logger.Error("Failed to save contract %d: %v", id, err)
	}
	return contract
}

// watch subscribes to updates of the open contract. If that fails and the
// portfolio no longer lists the contract, tracking is released.
func (c *Controller) watch(ctx context.Context, contractID int64) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BuyTimeout)
	defer cancel()
	subErr := c.broker.SubscribeContract(ctx, contractID)
	if subErr == nil {
		return
	}
	contracts, err := c.broker.Portfolio(ctx)
	if err != nil {
		logger.Warn("Failed to subscribe to contract %d, will retry on reconnect: %v", contractID, subErr)
		return
	}
	for _, p := range contracts {
		if p.ContractID == contractID {
			logger.Warn("Contract %d is open but its stream failed, will retry on reconnect: %v", contractID, subErr)
			return
		}
	}

	c.mu.Lock()
	defer c.unlock()
	if c.open == nil || c.open.ContractID != contractID {
		return
	}
	c.releaseLocked(fmt.Errorf("contract %d left the portfolio without a settlement update: %w", contractID, subErr))
}

// releaseLocked stops tracking the open contract without settling it.
func (c *Controller) releaseLocked(err error) {
	logger.Error("Releasing contract %d: %v", c.open.ContractID, err)
	c.open = nil
	c.inFlight = false
	c.lastError = err.Error()
	sessionID := ""
	if c.session != nil {
		sessionID = c.session.ID
	}
	c.queue(events.TypeBotError, events.BotError{SessionID: sessionID, Error: err.Error()})
}

// OnContractUpdate applies a contract push. Settlement updates P&L and the
// martingale, then checks the stop conditions.
func (c *Controller) OnContractUpdate(u models.Contract) {
	c.mu.Lock()
	defer c.unlock()
	if c.open == nil || c.open.ContractID != u.ContractID {
		return
	}
	if u.EntrySpot != 0 {
		c.open.EntrySpot = u.EntrySpot
	}
	if !u.IsSettled() {
		return
	}

	contract := *c.open
	contract.Status = u.Status
	contract.Profit = u.Profit
	contract.ExitSpot = u.ExitSpot
	contract.SettledAt = u.SettledAt
	if contract.SettledAt.IsZero() {
		contract.SettledAt = c.now()
	}
	if !u.Payout.IsZero() {
		contract.Payout = u.Payout
	}
	c.open = nil
	c.inFlight = false
	if err := c.store.SaveContract(&contract); err != nil {
		logger.Error("Failed to save contract %d: %v", contract.ContractID, err)
	}

	won := contract.Status == models.ContractWon ||
		(contract.Status == models.ContractSold && contract.Profit.IsPositive())
	if won {
		c.martingale.OnWin()
	} else {
		c.martingale.OnLoss()
	}

	s := c.session
	if s == nil {
		return
	}
	s.Profit = s.Profit.Add(contract.Profit)
	if won {
		s.Wins++
		s.WinStreak++
		s.LossStreak = 0
	} else {
		s.Losses++
		s.LossStreak++
		s.WinStreak = 0
	}
	s.Level = c.martingale.Level()
	s.Stake = c.martingale.Stake()
	logger.Info("Contract %d %s profit %s, session profit %s, next stake %s",
		contract.ContractID, contract.Status, contract.Profit.StringFixed(2), s.Profit.StringFixed(2), s.Stake.StringFixed(2))

	if c.state != models.BotRunning && c.state != models.BotPaused {
		c.persistSession()
		return
	}
	switch {
	case c.cfg.ProfitTarget.IsPositive() && s.Profit.GreaterThanOrEqual(c.cfg.ProfitTarget):
		c.stopLocked("profit target reached")
		c.queue(events.TypeProfitTargetReached, events.StopCondition{
			SessionID: s.ID, Profit: s.Profit, Threshold: c.cfg.ProfitTarget,
		})
	case c.cfg.LossLimit.IsPositive() && s.Profit.LessThanOrEqual(c.cfg.LossLimit.Neg()):
		c.stopLocked("loss limit reached")
		c.queue(events.TypeLossLimitReached, events.StopCondition{
			SessionID: s.ID, Profit: s.Profit, Threshold: c.cfg.LossLimit,
		})
	default:
		c.persistSession()
	}
}

// Reconcile restores contract tracking after a reconnect. An open contract
// is re-subscribed. A buy whose response was lost is matched against the
// portfolio and adopted, or cleared when no matching contract exists.
func (c *Controller) Reconcile(ctx context.Context) {
	c.mu.Lock()
	open := c.open
	pending := c.buyPending && !c.buyRunning
	since := c.pendingSince
	sig := c.pendingSig
	c.mu.Unlock()

	if open != nil {
		c.watch(ctx, open.ContractID)
		return
	}
	if !pending {
		return
	}

	contracts, err := c.broker.Portfolio(ctx)
	if err != nil {
		logger.Warn("Portfolio lookup failed during reconcile: %v", err)
		return
	}

	c.mu.Lock()
	if !c.buyPending || c.buyRunning {
		c.unlock()
		return
	}
	for i := range contracts {
		p := contracts[i]
		if p.Symbol != c.cfg.Symbol || p.ContractType != sig.ContractType {
			continue
		}
		// Purchase times have one-second resolution.
		if p.Purchased().Before(since.Truncate(time.Second)) {
			continue
		}
		logger.Info("Adopting contract %d found in portfolio", p.ContractID)
		contract := c.adoptLocked(p.ContractID, p.ContractType, sig.Barrier, p.BuyPrice, p.Payout, p.Purchased())
		c.unlock()
		c.watch(ctx, contract.ContractID)
		return
	}
	logger.Warn("No contract found for lost buy request, clearing pending state")
	c.buyPending = false
	c.inFlight = false
	c.unlock()
}

// Sell closes the open contract at market. The settlement arrives through the
// contract stream like any other.
func (c *Controller) Sell(ctx context.Context, contractID int64) (*deriv.SellReceipt, error) {
	c.mu.Lock()
	open := c.open != nil && c.open.ContractID == contractID
	c.mu.Unlock()
	if !open {
		return nil, fmt.Errorf("contract %d: %w", contractID, ErrNoOpenContract)
	}
	receipt, err := c.broker.Sell(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to sell contract %d: %w", contractID, err)
	}
	logger.Info("Sold contract %d for %s", contractID, receipt.SoldFor.StringFixed(2))
	return receipt, nil
}

// InFlight reports whether a buy is pending or a contract is open.
func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Status returns a snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:      c.state,
		Symbol:     c.cfg.Symbol,
		NextStake:  c.martingale.Stake(),
		InFlight:   c.inFlight,
		BuyPending: c.buyPending,
		LastError:  c.lastError,
	}
	if c.strategy != nil {
		st.Strategy = c.strategy.Name()
	}
	if c.session != nil {
		s := *c.session
		st.Session = &s
	}
	if c.open != nil {
		st.OpenContractID = c.open.ContractID
	}
	if !c.retryAt.IsZero() && c.now().Before(c.retryAt) {
		t := c.retryAt
		st.RetryAt = &t
	}
	return st
}

// Martingale returns a copy of the current staking state.
func (c *Controller) Martingale() Martingale {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.martingale
}

// Wait blocks until in-progress buy requests return.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) persistSession() {
	if c.session == nil {
		return
	}
	if err := c.store.SaveSession(c.session); err != nil {
		logger.Error("Failed to save session %s: %v", c.session.ID, err)
	}
}
