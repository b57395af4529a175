// Package events is the in-process publish/subscribe bus connecting the
// Deriv connection, the bot, and the HTTP broadcast hub.
package events

import (
	"sync"
	"time"

	"github.com/rewired-gh/digitbot/internal/models"
	"github.com/shopspring/decimal"
)

// Type identifies an event.
type Type string

const (
	TypeConnectionStatus    Type = "connection_status"
	TypeContractUpdate      Type = "contract_update"
	TypeAccountInfo         Type = "account_info"
	TypeAccountSwitched     Type = "account_switched"
	TypeOAuthAccountSwitch  Type = "oauth_account_switch"
	TypeTokenValidated      Type = "token_validated"
	TypeBalanceUpdate       Type = "balance_update"
	TypeTick                Type = "tick"
	TypeBotState            Type = "bot_state"
	TypeProfitTargetReached Type = "profit_target_reached"
	TypeLossLimitReached    Type = "loss_limit_reached"
	TypeBotError            Type = "bot_error"
)

// Event is a published message. Payload holds one of the payload types below.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// ConnectionStatus reports upstream connectivity.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Attempt   int    `json:"attempt,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ContractUpdate carries the latest view of a contract.
type ContractUpdate struct {
	Contract models.Contract `json:"contract"`
}

// AccountInfo is published after a successful authorize.
type AccountInfo struct {
	LoginID   string          `json:"loginid"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	IsVirtual bool            `json:"is_virtual"`
	Email     string          `json:"email,omitempty"`
}

// AccountSwitched is published when the active account changes.
type AccountSwitched struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
}

// OAuthAccountSwitch is published after an OAuth callback activated an account.
type OAuthAccountSwitch struct {
	LoginID  string `json:"loginid"`
	Accounts int    `json:"accounts"`
}

// TokenValidated reports the outcome of authorizing a token.
type TokenValidated struct {
	LoginID string `json:"loginid,omitempty"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

// BalanceUpdate carries a balance push.
type BalanceUpdate struct {
	LoginID  string          `json:"loginid"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

// BotState reports a bot state transition.
type BotState struct {
	From   models.BotState `json:"from"`
	To     models.BotState `json:"to"`
	Reason string          `json:"reason,omitempty"`
}

// StopCondition is the payload of profit_target_reached and loss_limit_reached.
type StopCondition struct {
	SessionID string          `json:"session_id"`
	Profit    decimal.Decimal `json:"profit"`
	Threshold decimal.Decimal `json:"threshold"`
}

// BotError reports a failure inside the bot.
type BotError struct {
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error"`
}

// Handler receives events.
type Handler func(Event)

// Bus delivers events synchronously, in subscription order, on the
// publishing goroutine. Handlers must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers e to type subscribers first, then to catch-all subscribers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[e.Type])+len(b.all))
	handlers = append(handlers, b.handlers[e.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Emit publishes payload under type t.
func (b *Bus) Emit(t Type, payload any) {
	b.Publish(Event{Type: t, Payload: payload})
}
