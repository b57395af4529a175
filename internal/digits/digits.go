// Package digits turns tick streams into rolling last-digit statistics.
package digits

import (
	"math"
	"time"
)

// DefaultPipSize is used when a tick carries no pip size.
const DefaultPipSize = 2

// LastDigit returns the least significant decimal digit of price at the
// given pip size: round(|price| * 10^pipSize) mod 10. This matches the last
// character of the price formatted with pipSize decimals.
func LastDigit(price float64, pipSize int) int {
	if pipSize <= 0 {
		pipSize = DefaultPipSize
	}
	scaled := math.Round(math.Abs(price) * math.Pow10(pipSize))
	return int(math.Mod(scaled, 10))
}

// Stats is the digit distribution over a window.
type Stats struct {
	Symbol      string      `json:"symbol"`
	Total       int         `json:"total"`
	Counts      [10]int     `json:"counts"`
	Percentages [10]float64 `json:"percentages"`
	Last        int         `json:"last_digit"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Percent sums the percentages of the given digits.
func (s *Stats) Percent(digits ...int) float64 {
	var p float64
	for _, d := range digits {
		if d >= 0 && d <= 9 {
			p += s.Percentages[d]
		}
	}
	return p
}

// Over returns the share of digits strictly above barrier.
func (s *Stats) Over(barrier int) float64 {
	var p float64
	for d := barrier + 1; d <= 9; d++ {
		if d >= 0 {
			p += s.Percentages[d]
		}
	}
	return p
}

// Under returns the share of digits strictly below barrier.
func (s *Stats) Under(barrier int) float64 {
	var p float64
	for d := 0; d < barrier && d <= 9; d++ {
		p += s.Percentages[d]
	}
	return p
}

// HotDigit returns the most frequent digit; ties go to the lower digit.
func (s *Stats) HotDigit() int {
	best := 0
	for d := 1; d < 10; d++ {
		if s.Counts[d] > s.Counts[best] {
			best = d
		}
	}
	return best
}

// ColdDigit returns the least frequent digit; ties go to the lower digit.
func (s *Stats) ColdDigit() int {
	best := 0
	for d := 1; d < 10; d++ {
		if s.Counts[d] < s.Counts[best] {
			best = d
		}
	}
	return best
}
