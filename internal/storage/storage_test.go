package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rewired-gh/digitbot/internal/models"
	"github.com/shopspring/decimal"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(100, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testTicks(symbol string, from int64, n int) []models.Tick {
	ticks := make([]models.Tick, n)
	for i := range ticks {
		ticks[i] = models.Tick{
			Symbol:  symbol,
			Quote:   1000 + float64(i)/100,
			Epoch:   from + int64(i),
			PipSize: 2,
			Digit:   i % 10,
		}
	}
	return ticks
}

func testContract(id int64, status models.ContractStatus, profit string, purchased time.Time) *models.Contract {
	return &models.Contract{
		ContractID:   id,
		SessionID:    "sess-1",
		LoginID:      "VRTC123",
		Symbol:       "R_100",
		ContractType: "DIGITOVER",
		Barrier:      "5",
		BuyPrice:     decimal.NewFromInt(1),
		Payout:       decimal.RequireFromString("2.34"),
		Profit:       decimal.RequireFromString(profit),
		Status:       status,
		PurchasedAt:  purchased,
	}
}

func TestStorage_AddAndRecentTicks(t *testing.T) {
	s := newTestStorage(t)
	if err := s.AddTicks("R_100", testTicks("R_100", 1700000000, 20)); err != nil {
		t.Fatalf("AddTicks: %v", err)
	}
	got, err := s.RecentTicks("R_100", 5)
	if err != nil {
		t.Fatalf("RecentTicks: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d ticks, want 5", len(got))
	}
	if got[0].Epoch != 1700000015 || got[4].Epoch != 1700000019 {
		t.Errorf("expected newest five oldest-first, got epochs %d..%d", got[0].Epoch, got[4].Epoch)
	}
	if got[4].Digit != 9 {
		t.Errorf("digit = %d, want 9", got[4].Digit)
	}
}

func TestStorage_AddTicks_Duplicate(t *testing.T) {
	s := newTestStorage(t)
	ticks := testTicks("R_100", 1700000000, 3)
	if err := s.AddTicks("R_100", ticks); err != nil {
		t.Fatalf("AddTicks: %v", err)
	}
	if err := s.AddTicks("R_100", ticks); err != nil {
		t.Fatalf("AddTicks duplicate: %v", err)
	}
	got, _ := s.RecentTicks("R_100", 10)
	if len(got) != 3 {
		t.Errorf("duplicates stored: got %d ticks, want 3", len(got))
	}
}

func TestStorage_AddTicks_Invalid(t *testing.T) {
	s := newTestStorage(t)
	if err := s.AddTicks("R_100", testTicks("R_50", 1, 1)); err == nil {
		t.Error("expected error for mismatched symbol")
	}
	bad := testTicks("R_100", 1, 1)
	bad[0].Quote = 0
	if err := s.AddTicks("R_100", bad); err == nil {
		t.Error("expected error for zero quote")
	}
}

func TestStorage_RotateTicks(t *testing.T) {
	s, err := New(5, ":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.AddTicks("R_100", testTicks("R_100", 1000, 12)); err != nil {
		t.Fatalf("AddTicks: %v", err)
	}
	if err := s.AddTicks("R_50", testTicks("R_50", 1000, 3)); err != nil {
		t.Fatalf("AddTicks: %v", err)
	}
	if err := s.RotateTicks(); err != nil {
		t.Fatalf("RotateTicks: %v", err)
	}

	r100, _ := s.RecentTicks("R_100", 100)
	if len(r100) != 5 {
		t.Errorf("R_100 kept %d ticks, want 5", len(r100))
	}
	if r100[0].Epoch != 1007 {
		t.Errorf("oldest kept epoch = %d, want 1007", r100[0].Epoch)
	}
	r50, _ := s.RecentTicks("R_50", 100)
	if len(r50) != 3 {
		t.Errorf("R_50 kept %d ticks, want 3", len(r50))
	}

	symbols, err := s.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "R_100" || symbols[1] != "R_50" {
		t.Errorf("symbols = %v", symbols)
	}
}

func TestStorage_SaveAndGetContract(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now()
	c := testContract(42, models.ContractOpen, "0", now)
	if err := s.SaveContract(c); err != nil {
		t.Fatalf("SaveContract: %v", err)
	}

	c.Status = models.ContractWon
	c.Profit = decimal.RequireFromString("1.34")
	c.ExitSpot = 1234.57
	c.SettledAt = now.Add(2 * time.Second)
	if err := s.SaveContract(c); err != nil {
		t.Fatalf("SaveContract update: %v", err)
	}

	got, err := s.GetContract(42)
	if err != nil {
		t.Fatalf("GetContract: %v", err)
	}
	if got.Status != models.ContractWon {
		t.Errorf("status = %s, want won", got.Status)
	}
	if !got.Profit.Equal(decimal.RequireFromString("1.34")) {
		t.Errorf("profit = %s, want 1.34", got.Profit)
	}
	if got.Barrier != "5" || got.ContractType != "DIGITOVER" {
		t.Errorf("unexpected contract fields: %+v", got)
	}
	if !got.SettledAt.Equal(c.SettledAt) {
		t.Errorf("settled_at = %v, want %v", got.SettledAt, c.SettledAt)
	}
}

func TestStorage_GetContract_NotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.GetContract(7)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStorage_RecentContractsAndSummary(t *testing.T) {
	s := newTestStorage(t)
	base := time.Now().Add(-time.Hour)
	rows := []struct {
		status models.ContractStatus
		profit string
	}{
		{models.ContractWon, "0.95"},
		{models.ContractLost, "-1"},
		{models.ContractLost, "-1.5"},
		{models.ContractWon, "2.14"},
		{models.ContractOpen, "0"},
	}
	for i, r := range rows {
		c := testContract(int64(i+1), r.status, r.profit, base.Add(time.Duration(i)*time.Minute))
		if err := s.SaveContract(c); err != nil {
			t.Fatalf("SaveContract: %v", err)
		}
	}

	recent, err := s.RecentContracts(2)
	if err != nil {
		t.Fatalf("RecentContracts: %v", err)
	}
	if len(recent) != 2 || recent[0].ContractID != 5 {
		t.Errorf("expected newest first, got %d contracts", len(recent))
	}

	sum, err := s.SummarizeContracts(base)
	if err != nil {
		t.Fatalf("SummarizeContracts: %v", err)
	}
	if sum.Count != 5 || sum.Open != 1 || sum.Wins != 2 || sum.Losses != 2 {
		t.Errorf("unexpected summary counts: %+v", sum)
	}
	if !sum.Profit.Equal(decimal.RequireFromString("0.59")) {
		t.Errorf("summary profit = %s, want 0.59", sum.Profit)
	}

	later, err := s.SummarizeContracts(base.Add(150 * time.Second))
	if err != nil {
		t.Fatalf("SummarizeContracts: %v", err)
	}
	if later.Count != 2 {
		t.Errorf("count since cutoff = %d, want 2", later.Count)
	}
}

func TestStorage_Sessions(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		sess := &models.Session{
			ID:           fmt.Sprintf("sess-%d", i),
			StrategyID:   "advance",
			Symbol:       "R_100",
			State:        models.BotRunning,
			Stake:        decimal.NewFromInt(1),
			InitialStake: decimal.NewFromInt(1),
			Profit:       decimal.Zero,
			StartedAt:    now.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveSession(sess); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}

	latest, err := s.LatestSession()
	if err != nil {
		t.Fatalf("LatestSession: %v", err)
	}
	if latest.ID != "sess-2" {
		t.Errorf("latest session = %s, want sess-2", latest.ID)
	}

	latest.State = models.BotIdle
	latest.Level = 3
	latest.Stake = decimal.RequireFromString("3.375")
	latest.Losses = 3
	latest.EndedAt = now.Add(time.Hour)
	latest.StopReason = "loss limit reached"
	if err := s.SaveSession(latest); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}
	got, err := s.GetSession("sess-2")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Level != 3 || !got.Stake.Equal(decimal.RequireFromString("3.375")) {
		t.Errorf("martingale state not persisted: level=%d stake=%s", got.Level, got.Stake)
	}
	if got.StopReason != "loss limit reached" || got.EndedAt.IsZero() {
		t.Errorf("stop fields not persisted: %+v", got)
	}

	if _, err := s.GetSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStorage_LatestSession_Empty(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.LatestSession(); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStorage_KV(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, KeyAPIToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}
	if err := s.Set(ctx, KeyAPIToken, "tok"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := s.Get(ctx, KeyAPIToken); err != nil || v != "tok" {
		t.Errorf("Get = %q, %v", v, err)
	}

	err := s.SetMany(ctx, map[string]string{
		VerifiedTokenKey("CR1"): "a",
		VerifiedTokenKey("CR2"): "b",
		TokenKey("CR1"):         "a",
	})
	if err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	keys, err := s.Keys(ctx, PrefixVerifiedToken)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "deriv_verified_token_CR1" {
		t.Errorf("keys = %v", keys)
	}

	if err := s.Delete(ctx, VerifiedTokenKey("CR1"), "never-set"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, VerifiedTokenKey("CR1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted key still present: %v", err)
	}
}

func TestStorage_SetMany_Atomic(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	err := s.SetMany(ctx, map[string]string{"good": "1", "": "2"})
	if err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := s.Get(ctx, "good"); !errors.Is(err, ErrNotFound) {
		t.Errorf("partial write visible after failed SetMany: %v", err)
	}
}

func TestTokenKeyLowercases(t *testing.T) {
	if got := TokenKey("CR9001"); got != "deriv_token_cr9001" {
		t.Errorf("TokenKey = %q", got)
	}
}
