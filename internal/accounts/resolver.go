// Package accounts stores Deriv accounts and resolves their API tokens.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rewired-gh/digitbot/internal/models"
	"github.com/rewired-gh/digitbot/internal/storage"
)

var (
	// ErrTokenNotFound is returned when no stored format holds a token for the account.
	ErrTokenNotFound = errors.New("token not found")
	// ErrNoActiveAccount is returned when no account has been activated.
	ErrNoActiveAccount = errors.New("no active account")
)

// userAccount is the shape of entries in deriv_user_accounts.
type userAccount struct {
	Account  string `json:"account"`
	Token    string `json:"token"`
	Currency string `json:"currency,omitempty"`
}

// activeAccount is the shape of deriv_active_account.
type activeAccount struct {
	LoginID   string `json:"loginid"`
	Currency  string `json:"currency,omitempty"`
	IsVirtual bool   `json:"is_virtual"`
}

// Resolver is the single reader and writer of account and token keys.
type Resolver struct {
	kv     storage.KV
	sealer *Sealer
}

// NewResolver creates a resolver over kv. sealer may be nil.
func NewResolver(kv storage.KV, sealer *Sealer) *Resolver {
	return &Resolver{kv: kv, sealer: sealer}
}

// SaveAccount writes acct into every token format in one atomic batch.
func (r *Resolver) SaveAccount(ctx context.Context, acct models.Account) error {
	return r.saveAll(ctx, []models.Account{acct}, nil)
}

// SaveOAuthAccounts stores every account from an OAuth callback and records
// the first token as the OAuth token.
func (r *Resolver) SaveOAuthAccounts(ctx context.Context, accts []models.Account) error {
	if len(accts) == 0 {
		return errors.New("no accounts to save")
	}
	sealed, err := r.sealer.Seal(accts[0].Token)
	if err != nil {
		return err
	}
	return r.saveAll(ctx, accts, map[string]string{storage.KeyOAuthToken: sealed})
}

func (r *Resolver) saveAll(ctx context.Context, accts []models.Account, extra map[string]string) error {
	list, err := r.loadAccounts(ctx)
	if err != nil {
		return err
	}
	users, err := r.loadUserAccounts(ctx)
	if err != nil {
		return err
	}
	tokenMap, err := r.loadTokenMap(ctx)
	if err != nil {
		return err
	}

	entries := make(map[string]string, len(accts)*2+3+len(extra))
	for k, v := range extra {
		entries[k] = v
	}
	for _, acct := range accts {
		if err := acct.Validate(); err != nil {
			return fmt.Errorf("invalid account: %w", err)
		}
		sealed, err := r.sealer.Seal(acct.Token)
		if err != nil {
			return err
		}
		stored := acct
		stored.Token = sealed

		list = upsertAccount(list, stored)
		users = upsertUserAccount(users, userAccount{Account: acct.LoginID, Token: sealed, Currency: acct.Currency})
		tokenMap[acct.LoginID] = sealed
		entries[storage.VerifiedTokenKey(acct.LoginID)] = sealed
		entries[storage.TokenKey(acct.LoginID)] = sealed
	}

	if err := putJSON(entries, storage.KeyAccounts, list); err != nil {
		return err
	}
	if err := putJSON(entries, storage.KeyUserAccounts, users); err != nil {
		return err
	}
	if err := putJSON(entries, storage.KeyAccountTokenMap, tokenMap); err != nil {
		return err
	}
	if err := r.kv.SetMany(ctx, entries); err != nil {
		return fmt.Errorf("failed to save accounts: %w", err)
	}
	return nil
}

// ResolveToken returns the token for loginID from the first format that has
// it: verified token, lower-cased token, token map, account list, user
// account list.
func (r *Resolver) ResolveToken(ctx context.Context, loginID string) (string, error) {
	lookups := []func() (string, error){
		func() (string, error) { return r.getRaw(ctx, storage.VerifiedTokenKey(loginID)) },
		func() (string, error) { return r.getRaw(ctx, storage.TokenKey(loginID)) },
		func() (string, error) {
			m, err := r.loadTokenMap(ctx)
			if err != nil {
				return "", err
			}
			return m[loginID], nil
		},
		func() (string, error) {
			list, err := r.loadAccounts(ctx)
			if err != nil {
				return "", err
			}
			for _, a := range list {
				if a.LoginID == loginID {
					return a.Token, nil
				}
			}
			return "", nil
		},
		func() (string, error) {
			users, err := r.loadUserAccounts(ctx)
			if err != nil {
				return "", err
			}
			for _, u := range users {
				if u.Account == loginID {
					return u.Token, nil
				}
			}
			return "", nil
		},
	}

	for _, lookup := range lookups {
		raw, err := lookup()
		if err != nil {
			return "", err
		}
		if raw == "" {
			continue
		}
		return r.sealer.Open(raw)
	}
	return "", fmt.Errorf("account %s: %w", loginID, ErrTokenNotFound)
}

// SetActive makes loginID the active account.
func (r *Resolver) SetActive(ctx context.Context, loginID string) (models.Account, error) {
	token, err := r.ResolveToken(ctx, loginID)
	if err != nil {
		return models.Account{}, err
	}
	acct := models.Account{LoginID: loginID, Token: token, IsVirtual: IsVirtualLoginID(loginID)}
	list, err := r.loadAccounts(ctx)
	if err != nil {
		return models.Account{}, err
	}
	for _, a := range list {
		if a.LoginID == loginID {
			acct.Currency = a.Currency
			acct.IsVirtual = a.IsVirtual
		}
	}

	sealed, err := r.sealer.Seal(token)
	if err != nil {
		return models.Account{}, err
	}
	entries := map[string]string{
		storage.KeyActiveLoginID: loginID,
		storage.KeyAPIToken:      sealed,
	}
	if err := putJSON(entries, storage.KeyActiveAccount, activeAccount{
		LoginID: acct.LoginID, Currency: acct.Currency, IsVirtual: acct.IsVirtual,
	}); err != nil {
		return models.Account{}, err
	}
	if err := r.kv.SetMany(ctx, entries); err != nil {
		return models.Account{}, fmt.Errorf("failed to activate account %s: %w", loginID, err)
	}
	return acct, nil
}

// Active returns the active account with its token.
func (r *Resolver) Active(ctx context.Context) (models.Account, error) {
	loginID, err := r.getRaw(ctx, storage.KeyActiveLoginID)
	if err != nil {
		return models.Account{}, err
	}
	if loginID == "" {
		return models.Account{}, ErrNoActiveAccount
	}
	token, err := r.ResolveToken(ctx, loginID)
	if err != nil {
		return models.Account{}, err
	}
	acct := models.Account{LoginID: loginID, Token: token, IsVirtual: IsVirtualLoginID(loginID)}

	raw, err := r.getRaw(ctx, storage.KeyActiveAccount)
	if err != nil {
		return models.Account{}, err
	}
	if raw != "" {
		var meta activeAccount
		if err := json.Unmarshal([]byte(raw), &meta); err == nil && meta.LoginID == loginID {
			acct.Currency = meta.Currency
			acct.IsVirtual = meta.IsVirtual
		}
	}
	return acct, nil
}

// APIToken returns the token stored under deriv_api_token, if any.
func (r *Resolver) APIToken(ctx context.Context) (string, error) {
	raw, err := r.getRaw(ctx, storage.KeyAPIToken)
	if err != nil {
		return "", err
	}
	if raw == "" {
		return "", ErrTokenNotFound
	}
	return r.sealer.Open(raw)
}

// Accounts returns the stored accounts sorted by login ID, without tokens.
func (r *Resolver) Accounts(ctx context.Context) ([]models.Account, error) {
	list, err := r.loadAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Account, len(list))
	for i, a := range list {
		a.Token = ""
		out[i] = a
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoginID < out[j].LoginID })
	return out, nil
}

// RemoveAccount deletes loginID from every format, deactivating it if active.
func (r *Resolver) RemoveAccount(ctx context.Context, loginID string) error {
	list, err := r.loadAccounts(ctx)
	if err != nil {
		return err
	}
	users, err := r.loadUserAccounts(ctx)
	if err != nil {
		return err
	}
	tokenMap, err := r.loadTokenMap(ctx)
	if err != nil {
		return err
	}

	keptAccounts := list[:0]
	for _, a := range list {
		if a.LoginID != loginID {
			keptAccounts = append(keptAccounts, a)
		}
	}
	keptUsers := users[:0]
	for _, u := range users {
		if u.Account != loginID {
			keptUsers = append(keptUsers, u)
		}
	}
	delete(tokenMap, loginID)

	entries := map[string]string{}
	if err := putJSON(entries, storage.KeyAccounts, keptAccounts); err != nil {
		return err
	}
	if err := putJSON(entries, storage.KeyUserAccounts, keptUsers); err != nil {
		return err
	}
	if err := putJSON(entries, storage.KeyAccountTokenMap, tokenMap); err != nil {
		return err
	}
	if err := r.kv.SetMany(ctx, entries); err != nil {
		return fmt.Errorf("failed to remove account %s: %w", loginID, err)
	}

	stale := []string{storage.VerifiedTokenKey(loginID), storage.TokenKey(loginID)}
	if active, err := r.getRaw(ctx, storage.KeyActiveLoginID); err == nil && active == loginID {
		stale = append(stale, storage.KeyActiveLoginID, storage.KeyActiveAccount, storage.KeyAPIToken)
	}
	return r.kv.Delete(ctx, stale...)
}

// getRaw returns "" for missing keys.
func (r *Resolver) getRaw(ctx context.Context, key string) (string, error) {
	v, err := r.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (r *Resolver) loadAccounts(ctx context.Context) ([]models.Account, error) {
	var list []models.Account
	if err := r.getJSON(ctx, storage.KeyAccounts, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (r *Resolver) loadUserAccounts(ctx context.Context) ([]userAccount, error) {
	var users []userAccount
	if err := r.getJSON(ctx, storage.KeyUserAccounts, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *Resolver) loadTokenMap(ctx context.Context) (map[string]string, error) {
	m := map[string]string{}
	if err := r.getJSON(ctx, storage.KeyAccountTokenMap, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

func (r *Resolver) getJSON(ctx context.Context, key string, dst any) error {
	raw, err := r.getRaw(ctx, key)
	if err != nil || raw == "" {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("corrupt %s: %w", key, err)
	}
	return nil
}

func putJSON(entries map[string]string, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	entries[key] = string(data)
	return nil
}

func upsertAccount(list []models.Account, acct models.Account) []models.Account {
	for i := range list {
		if list[i].LoginID == acct.LoginID {
			list[i] = acct
			return list
		}
	}
	return append(list, acct)
}

func upsertUserAccount(list []userAccount, u userAccount) []userAccount {
	for i := range list {
		if list[i].Account == u.Account {
			list[i] = u
			return list
		}
	}
	return append(list, u)
}
