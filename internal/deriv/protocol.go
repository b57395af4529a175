package deriv

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/digitbot/internal/digits"
	"github.com/rewired-gh/digitbot/internal/models"
	"github.com/shopspring/decimal"
)

// APIError is an error object returned by the Deriv API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	MsgType string `json:"-"`
}

func (e *APIError) Error() string {
	if e.MsgType != "" {
		return fmt.Sprintf("deriv %s: %s (%s)", e.MsgType, e.Message, e.Code)
	}
	return fmt.Sprintf("deriv: %s (%s)", e.Message, e.Code)
}

// envelope holds the fields common to every response.
type envelope struct {
	MsgType      string    `json:"msg_type"`
	ReqID        int64     `json:"req_id"`
	Error        *APIError `json:"error"`
	Subscription *struct {
		ID string `json:"id"`
	} `json:"subscription"`
}

// flexFloat accepts JSON numbers and numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// Authorization is the authorize response body.
type Authorization struct {
	LoginID     string          `json:"loginid"`
	Currency    string          `json:"currency"`
	Balance     decimal.Decimal `json:"balance"`
	Email       string          `json:"email"`
	IsVirtual   int             `json:"is_virtual"`
	Scopes      []string        `json:"scopes"`
	AccountList []struct {
		LoginID   string `json:"loginid"`
		Currency  string `json:"currency"`
		IsVirtual int    `json:"is_virtual"`
	} `json:"account_list"`
}

// Virtual reports whether the authorized account is a demo account.
func (a *Authorization) Virtual() bool {
	return a.IsVirtual == 1
}

type tickPayload struct {
	Symbol  string    `json:"symbol"`
	Quote   flexFloat `json:"quote"`
	Epoch   int64     `json:"epoch"`
	PipSize flexFloat `json:"pip_size"`
}

func (t tickPayload) toModel() models.Tick {
	pip := int(t.PipSize)
	return models.Tick{
		Symbol:  t.Symbol,
		Quote:   float64(t.Quote),
		Epoch:   t.Epoch,
		PipSize: pip,
		Digit:   digits.LastDigit(float64(t.Quote), pip),
	}
}

type historyResponse struct {
	History struct {
		Prices []flexFloat `json:"prices"`
		Times  []int64     `json:"times"`
	} `json:"history"`
	PipSize flexFloat `json:"pip_size"`
}

// BuyRequest describes a contract purchase.
type BuyRequest struct {
	Symbol       string
	ContractType string
	Barrier      string
	Amount       decimal.Decimal
	Currency     string
	Duration     int
	DurationUnit string
}

// BuyReceipt is the buy response body.
type BuyReceipt struct {
	ContractID    int64           `json:"contract_id"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	Payout        decimal.Decimal `json:"payout"`
	PurchaseTime  int64           `json:"purchase_time"`
	StartTime     int64           `json:"start_time"`
	TransactionID int64           `json:"transaction_id"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Longcode      string          `json:"longcode"`
}

// SellReceipt is the sell response body.
type SellReceipt struct {
	ContractID    int64           `json:"contract_id"`
	SoldFor       decimal.Decimal `json:"sold_for"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	TransactionID int64           `json:"transaction_id"`
}

// PortfolioContract is an open contract listed by portfolio.
type PortfolioContract struct {
	ContractID   int64           `json:"contract_id"`
	ContractType string          `json:"contract_type"`
	Symbol       string          `json:"symbol"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	Payout       decimal.Decimal `json:"payout"`
	PurchaseTime int64           `json:"purchase_time"`
}

// Purchased returns the purchase time.
func (p *PortfolioContract) Purchased() time.Time {
	return time.Unix(p.PurchaseTime, 0)
}

type openContract struct {
	ContractID   int64           `json:"contract_id"`
	ContractType string          `json:"contract_type"`
	Underlying   string          `json:"underlying"`
	Barrier      json.RawMessage `json:"barrier"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	Payout       decimal.Decimal `json:"payout"`
	Profit       decimal.Decimal `json:"profit"`
	EntrySpot    flexFloat       `json:"entry_spot"`
	ExitTick     flexFloat       `json:"exit_tick"`
	Status       string          `json:"status"`
	IsSold       int             `json:"is_sold"`
	PurchaseTime int64           `json:"purchase_time"`
	SellTime     int64           `json:"sell_time"`
}

func (o openContract) toModel() models.Contract {
	c := models.Contract{
		ContractID:   o.ContractID,
		Symbol:       o.Underlying,
		ContractType: o.ContractType,
		Barrier:      strings.Trim(string(o.Barrier), `"`),
		BuyPrice:     o.BuyPrice,
		Payout:       o.Payout,
		Profit:       o.Profit,
		EntrySpot:    float64(o.EntrySpot),
		ExitSpot:     float64(o.ExitTick),
		Status:       models.ContractStatus(o.Status),
	}
	if c.Barrier == "null" {
		c.Barrier = ""
	}
	if o.PurchaseTime > 0 {
		c.PurchasedAt = time.Unix(o.PurchaseTime, 0)
	}
	switch c.Status {
	case models.ContractOpen, models.ContractWon, models.ContractLost, models.ContractSold:
	default:
		c.Status = models.ContractOpen
	}
	if o.IsSold == 1 && c.Status == models.ContractOpen {
		c.Status = models.ContractSold
	}
	if c.IsSettled() && o.SellTime > 0 {
		c.SettledAt = time.Unix(o.SellTime, 0)
	}
	return c
}

type balancePayload struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	LoginID  string          `json:"loginid"`
}
