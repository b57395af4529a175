package digits

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/digitbot/internal/logger"
	"github.com/rewired-gh/digitbot/internal/models"
	"github.com/rewired-gh/digitbot/internal/storage"
	"golang.org/x/time/rate"
)

// TickStore persists tick batches and reloads recent ticks.
type TickStore interface {
	AddTicks(symbol string, ticks []models.Tick) error
	RecentTicks(symbol string, n int) ([]models.Tick, error)
}

// Config holds aggregator parameters.
type Config struct {
	WindowSize      int
	PriceHistory    int
	RSIPeriod       int
	PersistInterval time.Duration
}

// DefaultConfig returns the parameters used for R_100 on the dashboard.
func DefaultConfig() Config {
	return Config{
		WindowSize:      100,
		PriceHistory:    500,
		RSIPeriod:       14,
		PersistInterval: 5 * time.Second,
	}
}

// Listener is called after every accepted tick with the updated stats.
type Listener func(tick models.Tick, stats Stats)

// Summary is the aggregate served to dashboards for one symbol.
type Summary struct {
	Stats
	Quote  float64 `json:"quote"`
	Epoch  int64   `json:"epoch"`
	RSI    float64 `json:"rsi"`
	Mean   float64 `json:"mean"`
	Sigma  float64 `json:"sigma"`
	Digits []int   `json:"digits"`
}

type series struct {
	window    *Window
	prices    *priceRing
	lastEpoch int64
	lastQuote float64
	pending   []models.Tick
	persist   *rate.Sometimes
}

// Aggregator maintains per-symbol digit windows and price history.
type Aggregator struct {
	mu        sync.Mutex
	cfg       Config
	store     TickStore
	snapshots storage.KV
	series    map[string]*series
	listeners []Listener
	now       func() time.Time
}

// NewAggregator creates an aggregator. store and snapshots may be nil.
func NewAggregator(cfg Config, store TickStore, snapshots storage.KV) *Aggregator {
	if cfg.PersistInterval < 5*time.Second {
		cfg.PersistInterval = 5 * time.Second
	}
	return &Aggregator{
		cfg:       cfg,
		store:     store,
		snapshots: snapshots,
		series:    make(map[string]*series),
		now:       time.Now,
	}
}

// OnUpdate registers a listener. Listeners run on the ingesting goroutine
// after the aggregator lock is released.
func (a *Aggregator) OnUpdate(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

func (a *Aggregator) getSeries(symbol string) *series {
	s, ok := a.series[symbol]
	if !ok {
		s = &series{
			window:  NewWindow(a.cfg.WindowSize),
			prices:  newPriceRing(a.cfg.PriceHistory),
			persist: &rate.Sometimes{Interval: a.cfg.PersistInterval},
		}
		a.series[symbol] = s
	}
	return s
}

// accept applies a tick to s. It returns false for malformed or stale ticks.
func (a *Aggregator) accept(s *series, t *models.Tick) bool {
	t.Digit = LastDigit(t.Quote, t.PipSize)
	if err := t.Validate(); err != nil {
		logger.Debug("Skipping malformed tick for %s: %v", t.Symbol, err)
		return false
	}
	if t.Epoch <= s.lastEpoch {
		return false
	}
	s.window.Push(t.Digit)
	s.prices.push(t.Quote)
	s.lastEpoch = t.Epoch
	s.lastQuote = t.Quote
	return true
}

// Ingest applies one live tick. Ticks not newer than the last seen epoch
// are dropped, which absorbs replays after a resubscribe.
func (a *Aggregator) Ingest(t models.Tick) (Stats, bool) {
	a.mu.Lock()
	s := a.getSeries(t.Symbol)
	if !a.accept(s, &t) {
		a.mu.Unlock()
		return Stats{}, false
	}
	stats := s.window.Stats(t.Symbol, a.now())
	s.pending = append(s.pending, t)
	batch := a.takeBatch(t.Symbol, s)
	listeners := append([]Listener(nil), a.listeners...)
	a.mu.Unlock()

	if batch != nil {
		a.persist(t.Symbol, batch, stats)
	}
	for _, l := range listeners {
		l(t, stats)
	}
	return stats, true
}

// Seed merges a bulk history fetch. Ticks are applied in epoch order and
// only those newer than the last seen epoch are kept.
func (a *Aggregator) Seed(symbol string, ticks []models.Tick) (Stats, int) {
	sorted := append([]models.Tick(nil), ticks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Epoch < sorted[j].Epoch })

	a.mu.Lock()
	s := a.getSeries(symbol)
	added := 0
	for i := range sorted {
		t := sorted[i]
		t.Symbol = symbol
		if a.accept(s, &t) {
			s.pending = append(s.pending, t)
			added++
		}
	}
	stats := s.window.Stats(symbol, a.now())
	batch := a.takeBatch(symbol, s)
	a.mu.Unlock()

	if batch != nil {
		a.persist(symbol, batch, stats)
	}
	return stats, added
}

// Restore reloads a symbol's window and price history from the tick store.
func (a *Aggregator) Restore(symbol string) (int, error) {
	if a.store == nil {
		return 0, nil
	}
	n := a.cfg.WindowSize
	if a.cfg.PriceHistory > n {
		n = a.cfg.PriceHistory
	}
	ticks, err := a.store.RecentTicks(symbol, n)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.getSeries(symbol)
	added := 0
	for i := range ticks {
		t := ticks[i]
		if a.accept(s, &t) {
			added++
		}
	}
	return added, nil
}

// takeBatch drains pending ticks when the persistence throttle allows it.
func (a *Aggregator) takeBatch(symbol string, s *series) []models.Tick {
	if a.store == nil && a.snapshots == nil {
		s.pending = nil
		return nil
	}
	var batch []models.Tick
	s.persist.Do(func() {
		batch = s.pending
		s.pending = nil
	})
	// Bound memory while a write is throttled.
	if limit := a.cfg.WindowSize + a.cfg.PriceHistory; len(s.pending) > limit {
		logger.Debug("Dropping %d unpersisted ticks for %s", len(s.pending)-limit, symbol)
		s.pending = s.pending[len(s.pending)-limit:]
	}
	return batch
}

func (a *Aggregator) persist(symbol string, batch []models.Tick, stats Stats) {
	if a.store != nil && len(batch) > 0 {
		if err := a.store.AddTicks(symbol, batch); err != nil {
			logger.Warn("Failed to persist %d ticks for %s: %v", len(batch), symbol, err)
		}
	}
	if a.snapshots != nil {
		data, err := json.Marshal(stats)
		if err != nil {
			logger.Warn("Failed to encode digit stats for %s: %v", symbol, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.snapshots.Set(ctx, storage.DigitStatsKey(symbol), string(data)); err != nil {
			logger.Warn("Failed to save digit stats snapshot for %s: %v", symbol, err)
		}
	}
}

// Flush writes every pending tick regardless of the throttle.
func (a *Aggregator) Flush() {
	type flush struct {
		symbol string
		batch  []models.Tick
		stats  Stats
	}
	a.mu.Lock()
	var todo []flush
	for sym, s := range a.series {
		if len(s.pending) == 0 {
			continue
		}
		todo = append(todo, flush{sym, s.pending, s.window.Stats(sym, a.now())})
		s.pending = nil
	}
	a.mu.Unlock()

	for _, f := range todo {
		a.persist(f.symbol, f.batch, f.stats)
	}
}

// Stats returns the current distribution for symbol.
func (a *Aggregator) Stats(symbol string) (Stats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[symbol]
	if !ok {
		return Stats{}, false
	}
	return s.window.Stats(symbol, a.now()), true
}

// Digits returns up to n of the newest digits for symbol, oldest first.
func (a *Aggregator) Digits(symbol string, n int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[symbol]
	if !ok {
		return []int{}
	}
	return s.window.Digits(n)
}

// Summary returns stats plus price indicators for symbol with up to
// historyDigits recent digits.
func (a *Aggregator) Summary(symbol string, historyDigits int) (Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[symbol]
	if !ok {
		return Summary{}, false
	}
	prices := s.prices.values()
	mean, sigma := meanSigma(prices)
	return Summary{
		Stats:  s.window.Stats(symbol, a.now()),
		Quote:  s.lastQuote,
		Epoch:  s.lastEpoch,
		RSI:    RSI(prices, a.cfg.RSIPeriod),
		Mean:   mean,
		Sigma:  sigma,
		Digits: s.window.Digits(historyDigits),
	}, true
}

// Symbols returns every symbol with at least one accepted tick, sorted.
func (a *Aggregator) Symbols() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.series))
	for sym, s := range a.series {
		if s.lastEpoch > 0 {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// LastEpoch returns the newest accepted epoch for symbol, 0 if none.
func (a *Aggregator) LastEpoch(symbol string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.series[symbol]; ok {
		return s.lastEpoch
	}
	return 0
}
