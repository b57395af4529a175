package storage

import (
	"context"
	"strings"
)

// KV is a string key-value store. Get returns ErrNotFound for missing keys.
// SetMany is atomic: either every entry is written or none is.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetMany(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

var _ KV = (*Storage)(nil)

// Keys shared by the account resolver, the bot, and the stats aggregator.
const (
	KeyAPIToken        = "deriv_api_token"
	KeyOAuthToken      = "deriv_oauth_token"
	KeyActiveLoginID   = "deriv_active_loginid"
	KeyAccounts        = "deriv_accounts"
	KeyUserAccounts    = "deriv_user_accounts"
	KeyAccountTokenMap = "deriv_account_token_map"
	KeyActiveAccount   = "deriv_active_account"

	PrefixVerifiedToken  = "deriv_verified_token_"
	PrefixToken          = "deriv_token_"
	PrefixStrategyConfig = "strategy_config_"
	PrefixDigitStats     = "digitStats_"
)

// VerifiedTokenKey is the per-account key written after a token authorizes successfully.
func VerifiedTokenKey(loginID string) string {
	return PrefixVerifiedToken + loginID
}

// TokenKey is the lower-cased per-account token key.
func TokenKey(loginID string) string {
	return PrefixToken + strings.ToLower(loginID)
}

// StrategyConfigKey holds the persisted parameters of a strategy.
func StrategyConfigKey(id string) string {
	return PrefixStrategyConfig + id
}

// DigitStatsKey holds the latest digit statistics snapshot for a symbol.
func DigitStatsKey(symbol string) string {
	return PrefixDigitStats + symbol
}
