package digits

import "time"

// Window is a fixed-size ring of digits with incrementally maintained counts.
type Window struct {
	buf    []int
	next   int
	full   bool
	counts [10]int
}

// NewWindow creates a window holding at most size digits.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{buf: make([]int, size)}
}

// Push appends d, evicting the oldest digit once the window is full.
func (w *Window) Push(d int) {
	if d < 0 || d > 9 {
		return
	}
	if w.full {
		w.counts[w.buf[w.next]]--
	}
	w.buf[w.next] = d
	w.counts[d]++
	w.next = (w.next + 1) % len(w.buf)
	if w.next == 0 {
		w.full = true
	}
}

// Len returns the number of digits currently held.
func (w *Window) Len() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

// Size returns the window capacity.
func (w *Window) Size() int {
	return len(w.buf)
}

// Last returns the most recently pushed digit.
func (w *Window) Last() (int, bool) {
	if w.Len() == 0 {
		return 0, false
	}
	i := (w.next - 1 + len(w.buf)) % len(w.buf)
	return w.buf[i], true
}

// Digits returns up to n of the newest digits, oldest first. n <= 0 returns all.
func (w *Window) Digits(n int) []int {
	l := w.Len()
	if n <= 0 || n > l {
		n = l
	}
	out := make([]int, n)
	start := (w.next - n + len(w.buf)) % len(w.buf)
	for i := 0; i < n; i++ {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}

// Reset empties the window.
func (w *Window) Reset() {
	w.next = 0
	w.full = false
	w.counts = [10]int{}
}

// Stats computes the distribution over the current contents.
func (w *Window) Stats(symbol string, at time.Time) Stats {
	s := Stats{Symbol: symbol, Counts: w.counts, Total: w.Len(), UpdatedAt: at}
	if last, ok := w.Last(); ok {
		s.Last = last
	}
	if s.Total == 0 {
		return s
	}
	for d := 0; d < 10; d++ {
		s.Percentages[d] = float64(w.counts[d]) / float64(s.Total) * 100
	}
	return s
}
