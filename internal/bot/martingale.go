package bot

import "github.com/shopspring/decimal"

// Martingale tracks stake escalation across a session.
type Martingale struct {
	Initial decimal.Decimal
	Factor  decimal.Decimal
	// LossVirtual is the number of consecutive losses needed per escalation
	// step. 0 and 1 both escalate on every loss.
	LossVirtual int
	// MaxLevel wraps the level back to 0 once exceeded. 0 means unbounded.
	MaxLevel   int
	ResetOnWin bool

	level  int
	losses int
}

// Level returns the current escalation level.
func (m *Martingale) Level() int {
	return m.level
}

// Stake returns the stake for the next contract.
func (m *Martingale) Stake() decimal.Decimal {
	return m.StakeAt(m.level)
}

// StakeAt returns Initial * Factor^level.
func (m *Martingale) StakeAt(level int) decimal.Decimal {
	stake := m.Initial
	for i := 0; i < level; i++ {
		stake = stake.Mul(m.Factor)
	}
	return stake
}

// OnLoss records a lost contract.
func (m *Martingale) OnLoss() {
	m.losses++
	threshold := m.LossVirtual
	if threshold < 1 {
		threshold = 1
	}
	if m.losses >= threshold {
		m.level++
		m.losses = 0
	}
	if m.MaxLevel > 0 && m.level > m.MaxLevel {
		m.level = 0
	}
}

// OnWin records a won contract.
func (m *Martingale) OnWin() {
	m.losses = 0
	if m.ResetOnWin {
		m.level = 0
	}
}

// Reset returns to the initial stake.
func (m *Martingale) Reset() {
	m.level = 0
	m.losses = 0
}

// Restore resumes at a persisted level.
func (m *Martingale) Restore(level int) {
	if level < 0 {
		level = 0
	}
	m.level = level
	m.losses = 0
}

// Sequence returns the stakes for levels 0..n.
func (m *Martingale) Sequence(n int) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, n+1)
	for level := 0; level <= n; level++ {
		out = append(out, m.StakeAt(level))
	}
	return out
}

// WorstCaseRisk is the total staked over n consecutive losses plus the
// following contract.
func (m *Martingale) WorstCaseRisk(n int) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range m.Sequence(n) {
		sum = sum.Add(s)
	}
	return sum
}
