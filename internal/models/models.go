// Package models defines the core domain entities: ticks, accounts, contracts, and bot sessions.
package models

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single price update for a symbol. Digit is derived from Quote and PipSize.
type Tick struct {
	Symbol  string  `json:"symbol"`
	Quote   float64 `json:"quote"`
	Epoch   int64   `json:"epoch"`
	PipSize int     `json:"pip_size"`
	Digit   int     `json:"digit"`
}

// Validate checks tick field constraints.
func (t *Tick) Validate() error {
	if t.Symbol == "" {
		return errors.New("tick symbol must not be empty")
	}
	if math.IsNaN(t.Quote) || math.IsInf(t.Quote, 0) || t.Quote <= 0 {
		return errors.New("tick quote must be a positive finite number")
	}
	if t.Epoch <= 0 {
		return errors.New("tick epoch must be positive")
	}
	if t.Digit < 0 || t.Digit > 9 {
		return errors.New("tick digit must be between 0 and 9")
	}
	return nil
}

// Time returns the tick epoch as a time.
func (t *Tick) Time() time.Time {
	return time.Unix(t.Epoch, 0)
}

// Account associates a Deriv login ID with its API token.
type Account struct {
	LoginID   string `json:"loginid"`
	Token     string `json:"token"`
	Currency  string `json:"currency,omitempty"`
	IsVirtual bool   `json:"is_virtual"`
}

// Validate checks account field constraints.
func (a *Account) Validate() error {
	if strings.TrimSpace(a.LoginID) == "" {
		return errors.New("account login ID must not be empty")
	}
	if strings.TrimSpace(a.Token) == "" {
		return errors.New("account token must not be empty")
	}
	return nil
}

// ContractStatus is the exchange-reported contract state.
type ContractStatus string

const (
	ContractOpen ContractStatus = "open"
	ContractWon  ContractStatus = "won"
	ContractLost ContractStatus = "lost"
	ContractSold ContractStatus = "sold"
)

// Contract is a bought contract tracked from buy response to settlement.
type Contract struct {
	ContractID   int64           `json:"contract_id"`
	SessionID    string          `json:"session_id,omitempty"`
	LoginID      string          `json:"loginid,omitempty"`
	Symbol       string          `json:"symbol"`
	ContractType string          `json:"contract_type"`
	Barrier      string          `json:"barrier,omitempty"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	Payout       decimal.Decimal `json:"payout"`
	EntrySpot    float64         `json:"entry_spot,omitempty"`
	ExitSpot     float64         `json:"exit_spot,omitempty"`
	Profit       decimal.Decimal `json:"profit"`
	Status       ContractStatus  `json:"status"`
	PurchasedAt  time.Time       `json:"purchased_at"`
	SettledAt    time.Time       `json:"settled_at,omitempty"`
}

// IsSettled reports whether the contract has reached a final state.
func (c *Contract) IsSettled() bool {
	switch c.Status {
	case ContractWon, ContractLost, ContractSold:
		return true
	}
	return false
}

// Validate checks contract field constraints.
func (c *Contract) Validate() error {
	if c.ContractID <= 0 {
		return errors.New("contract ID must be positive")
	}
	if c.Symbol == "" {
		return errors.New("contract symbol must not be empty")
	}
	switch c.Status {
	case ContractOpen, ContractWon, ContractLost, ContractSold:
	default:
		return errors.New("contract status must be one of open, won, lost, sold")
	}
	if c.BuyPrice.IsNegative() {
		return errors.New("contract buy price must not be negative")
	}
	return nil
}

// BotState is the trading bot's lifecycle state.
type BotState string

const (
	BotIdle    BotState = "idle"
	BotRunning BotState = "running"
	BotPaused  BotState = "paused"
	BotError   BotState = "error"
)

// Session is the bookkeeping of one bot run.
type Session struct {
	ID           string          `json:"id"`
	LoginID      string          `json:"loginid"`
	StrategyID   string          `json:"strategy_id"`
	Symbol       string          `json:"symbol"`
	State        BotState        `json:"state"`
	Level        int             `json:"martingale_level"`
	Stake        decimal.Decimal `json:"stake"`
	InitialStake decimal.Decimal `json:"initial_stake"`
	Profit       decimal.Decimal `json:"profit"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	WinStreak    int             `json:"win_streak"`
	LossStreak   int             `json:"loss_streak"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at,omitempty"`
	StopReason   string          `json:"stop_reason,omitempty"`
}

// Trades returns the number of settled contracts in the session.
func (s *Session) Trades() int {
	return s.Wins + s.Losses
}

// WinRate returns the percentage of winning contracts, 0 when none settled.
func (s *Session) WinRate() float64 {
	if s.Trades() == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades()) * 100
}

// Validate checks session field constraints.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session ID must not be empty")
	}
	if s.StrategyID == "" {
		return errors.New("session strategy ID must not be empty")
	}
	if s.Level < 0 {
		return errors.New("martingale level must not be negative")
	}
	if s.Wins < 0 || s.Losses < 0 {
		return errors.New("win/loss counters must not be negative")
	}
	if s.StartedAt.IsZero() {
		return errors.New("session start time must be set")
	}
	return nil
}
