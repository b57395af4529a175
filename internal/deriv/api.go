package deriv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rewired-gh/digitbot/internal/models"
	"github.com/shopspring/decimal"
)

// Authorize authenticates the connection. On success the token is kept and
// replayed after every reconnect.
func (c *Client) Authorize(ctx context.Context, token string) (*Authorization, error) {
	var resp struct {
		Authorize Authorization `json:"authorize"`
	}
	if _, err := c.call(ctx, map[string]any{"authorize": token}, &resp); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return &resp.Authorize, nil
}

// TicksHistory fetches up to count of the latest ticks for symbol, oldest first.
func (c *Client) TicksHistory(ctx context.Context, symbol string, count int) ([]models.Tick, error) {
	var resp historyResponse
	req := map[string]any{
		"ticks_history":     symbol,
		"count":             count,
		"end":               "latest",
		"style":             "ticks",
		"adjust_start_time": 1,
	}
	if _, err := c.call(ctx, req, &resp); err != nil {
		return nil, err
	}
	prices, times := resp.History.Prices, resp.History.Times
	if len(prices) != len(times) {
		return nil, fmt.Errorf("ticks_history for %s: %d prices but %d times", symbol, len(prices), len(times))
	}
	ticks := make([]models.Tick, len(prices))
	for i := range prices {
		ticks[i] = tickPayload{
			Symbol:  symbol,
			Quote:   prices[i],
			Epoch:   times[i],
			PipSize: resp.PipSize,
		}.toModel()
	}
	return ticks, nil
}

// SubscribeTicks streams ticks for symbol. Ticks are published as events.
func (c *Client) SubscribeTicks(ctx context.Context, symbol string) error {
	return c.subscribe(ctx, ticksKey(symbol), "ticks", map[string]any{"ticks": symbol}, nil)
}

// SubscribeBalance streams balance changes of the authorized account and
// returns the current balance.
func (c *Client) SubscribeBalance(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		Balance balancePayload `json:"balance"`
	}
	if err := c.subscribe(ctx, balanceKey, "balance", map[string]any{"balance": 1}, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Balance.Balance, nil
}

// SubscribeContract streams updates for an open contract until it settles.
func (c *Client) SubscribeContract(ctx context.Context, contractID int64) error {
	req := map[string]any{"proposal_open_contract": 1, "contract_id": contractID}
	return c.subscribe(ctx, contractKey(contractID), "proposal_open_contract", req, nil)
}

// Buy purchases a contract. The stake is rounded to cents on the wire.
func (c *Client) Buy(ctx context.Context, r BuyRequest) (*BuyReceipt, error) {
	amount := r.Amount.Round(2).InexactFloat64()
	params := map[string]any{
		"amount":        amount,
		"basis":         "stake",
		"contract_type": r.ContractType,
		"currency":      r.Currency,
		"duration":      r.Duration,
		"duration_unit": r.DurationUnit,
		"symbol":        r.Symbol,
	}
	if r.Barrier != "" {
		params["barrier"] = r.Barrier
	}
	var resp struct {
		Buy BuyReceipt `json:"buy"`
	}
	if _, err := c.call(ctx, map[string]any{"buy": 1, "price": amount, "parameters": params}, &resp); err != nil {
		return nil, err
	}
	if resp.Buy.ContractID == 0 {
		return nil, errors.New("buy response carries no contract id")
	}
	return &resp.Buy, nil
}

// Sell sells an open contract at market (price 0).
func (c *Client) Sell(ctx context.Context, contractID int64) (*SellReceipt, error) {
	var resp struct {
		Sell SellReceipt `json:"sell"`
	}
	if _, err := c.call(ctx, map[string]any{"sell": contractID, "price": 0}, &resp); err != nil {
		return nil, err
	}
	return &resp.Sell, nil
}

// Portfolio lists the open contracts of the authorized account.
func (c *Client) Portfolio(ctx context.Context) ([]PortfolioContract, error) {
	var resp struct {
		Portfolio struct {
			Contracts []PortfolioContract `json:"contracts"`
		} `json:"portfolio"`
	}
	if _, err := c.call(ctx, map[string]any{"portfolio": 1}, &resp); err != nil {
		return nil, err
	}
	return resp.Portfolio.Contracts, nil
}

// Forget cancels the subscription recorded under key.
func (c *Client) Forget(ctx context.Context, key string) error {
	c.mu.Lock()
	s, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if !ok || s.id == "" {
		return nil
	}
	_, err := c.call(ctx, map[string]any{"forget": s.id}, nil)
	return err
}

// ForgetTicks cancels the tick stream for symbol.
func (c *Client) ForgetTicks(ctx context.Context, symbol string) error {
	return c.Forget(ctx, ticksKey(symbol))
}

// ForgetAll cancels every stream of the given kinds, e.g. "balance",
// "proposal_open_contract", "ticks".
func (c *Client) ForgetAll(ctx context.Context, kinds ...string) error {
	if len(kinds) == 0 {
		return nil
	}
	c.mu.Lock()
	for key, s := range c.subs {
		for _, k := range kinds {
			if s.kind == k || hasKind(key, k) {
				delete(c.subs, key)
			}
		}
	}
	c.mu.Unlock()
	_, err := c.call(ctx, map[string]any{"forget_all": kinds}, nil)
	return err
}

// CreateAPIToken creates a named API token with the given scopes and returns it.
func (c *Client) CreateAPIToken(ctx context.Context, name string, scopes []string) (string, error) {
	var resp struct {
		APIToken struct {
			Tokens []struct {
				DisplayName string `json:"display_name"`
				Token       string `json:"token"`
			} `json:"tokens"`
		} `json:"api_token"`
	}
	req := map[string]any{"api_token": 1, "new_token": name, "new_token_scopes": scopes}
	if _, err := c.call(ctx, req, &resp); err != nil {
		return "", err
	}
	for _, t := range resp.APIToken.Tokens {
		if t.DisplayName == name {
			return t.Token, nil
		}
	}
	return "", fmt.Errorf("api_token response does not contain %q", name)
}

// CashierURL returns the cashier URL for action ("deposit" or "withdraw").
// Withdrawals need the verification code emailed by Deriv.
func (c *Client) CashierURL(ctx context.Context, action, verificationCode string) (string, error) {
	action = strings.ToLower(action)
	if action != "deposit" && action != "withdraw" {
		return "", fmt.Errorf("unknown cashier action %q", action)
	}
	req := map[string]any{"cashier": action, "provider": "doughflow"}
	if verificationCode != "" {
		req["verification_code"] = verificationCode
	}
	var resp struct {
		Cashier string `json:"cashier"`
	}
	if _, err := c.call(ctx, req, &resp); err != nil {
		return "", err
	}
	return resp.Cashier, nil
}

// Ping checks that the connection is responsive.
func (c *Client) Ping(ctx context.Context) error {
	var resp struct {
		Ping string `json:"ping"`
	}
	if _, err := c.call(ctx, map[string]any{"ping": 1}, &resp); err != nil {
		return err
	}
	if resp.Ping != "pong" {
		return fmt.Errorf("unexpected ping reply %q", resp.Ping)
	}
	return nil
}
