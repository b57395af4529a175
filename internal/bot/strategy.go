package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rewired-gh/digitbot/internal/digits"
	"github.com/rewired-gh/digitbot/internal/storage"
)

// Signal is a decision to buy a contract.
type Signal struct {
	ContractType string `json:"contract_type"`
	Barrier      string `json:"barrier,omitempty"`
	Reason       string `json:"reason"`
}

// Strategy decides on every tick whether to enter.
type Strategy interface {
	Name() string
	Evaluate(stats digits.Stats) (Signal, bool)
}

// ThresholdStrategy enters when the combined share of Digits falls to
// MaxPercent or below.
type ThresholdStrategy struct {
	ID           string  `json:"id"`
	Digits       []int   `json:"digits"`
	MaxPercent   float64 `json:"max_percent"`
	MinTicks     int     `json:"min_ticks"`
	ContractType string  `json:"contract_type"`
	Barrier      string  `json:"barrier,omitempty"`
}

// Name returns the strategy ID.
func (s *ThresholdStrategy) Name() string {
	return s.ID
}

// Evaluate implements Strategy.
func (s *ThresholdStrategy) Evaluate(stats digits.Stats) (Signal, bool) {
	if stats.Total == 0 || stats.Total < s.MinTicks {
		return Signal{}, false
	}
	share := stats.Percent(s.Digits...)
	if share > s.MaxPercent {
		return Signal{}, false
	}
	return Signal{
		ContractType: s.ContractType,
		Barrier:      s.Barrier,
		Reason:       fmt.Sprintf("digits %v at %.1f%% <= %.1f%%", s.Digits, share, s.MaxPercent),
	}, true
}

// Validate checks strategy parameters.
func (s *ThresholdStrategy) Validate() error {
	if s.ID == "" {
		return errors.New("strategy id must not be empty")
	}
	if len(s.Digits) == 0 {
		return errors.New("strategy must watch at least one digit")
	}
	for _, d := range s.Digits {
		if d < 0 || d > 9 {
			return fmt.Errorf("digit %d out of range", d)
		}
	}
	if s.MaxPercent < 0 || s.MaxPercent > 100 {
		return errors.New("max_percent must be between 0 and 100")
	}
	if s.MinTicks < 0 {
		return errors.New("min_ticks must not be negative")
	}
	switch s.ContractType {
	case "DIGITOVER", "DIGITUNDER", "DIGITMATCH", "DIGITDIFF", "DIGITEVEN", "DIGITODD":
	default:
		return fmt.Errorf("unsupported contract type %q", s.ContractType)
	}
	return nil
}

// Presets are the built-in strategies.
func Presets() map[string]ThresholdStrategy {
	return map[string]ThresholdStrategy{
		"advance": {
			ID: "advance", Digits: []int{0, 1}, MaxPercent: 10, MinTicks: 25,
			ContractType: "DIGITOVER", Barrier: "1",
		},
		"over_under": {
			ID: "over_under", Digits: []int{0, 1, 2}, MaxPercent: 24, MinTicks: 25,
			ContractType: "DIGITOVER", Barrier: "2",
		},
		"under_over": {
			ID: "under_over", Digits: []int{7, 8, 9}, MaxPercent: 24, MinTicks: 25,
			ContractType: "DIGITUNDER", Barrier: "7",
		},
	}
}

// StrategyStore persists strategy parameters under strategy_config_<id>.
type StrategyStore struct {
	kv storage.KV
}

// NewStrategyStore creates a store over kv.
func NewStrategyStore(kv storage.KV) *StrategyStore {
	return &StrategyStore{kv: kv}
}

// Load returns the saved strategy, falling back to the preset of the same ID.
func (s *StrategyStore) Load(ctx context.Context, id string) (*ThresholdStrategy, error) {
	raw, err := s.kv.Get(ctx, storage.StrategyConfigKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		preset, ok := Presets()[id]
		if !ok {
			return nil, fmt.Errorf("strategy %s: %w", id, storage.ErrNotFound)
		}
		return &preset, nil
	}
	if err != nil {
		return nil, err
	}
	var st ThresholdStrategy
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("corrupt strategy %s: %w", id, err)
	}
	st.ID = id
	return &st, nil
}

// Save validates and persists st.
func (s *StrategyStore) Save(ctx context.Context, st *ThresholdStrategy) error {
	if err := st.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, storage.StrategyConfigKey(st.ID), string(data))
}

// IDs returns preset and saved strategy IDs, sorted.
func (s *StrategyStore) IDs(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	for id := range Presets() {
		seen[id] = true
	}
	keys, err := s.kv.Keys(ctx, storage.PrefixStrategyConfig)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		seen[k[len(storage.PrefixStrategyConfig):]] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
