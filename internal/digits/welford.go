package digits

import "math"

// welford accumulates a running mean and variance of prices.
type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) update(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
}

// meanSigma returns the mean and sample standard deviation of prices.
func meanSigma(prices []float64) (float64, float64) {
	var w welford
	for _, p := range prices {
		w.update(p)
	}
	return w.mean, w.sigma()
}

func (w *welford) sigma() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count-1))
}

// priceRing keeps the newest prices for indicator calculations.
type priceRing struct {
	buf  []float64
	next int
	full bool
}

func newPriceRing(size int) *priceRing {
	if size < 1 {
		size = 1
	}
	return &priceRing{buf: make([]float64, size)}
}

func (r *priceRing) push(p float64) {
	r.buf[r.next] = p
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// values returns the prices oldest first.
func (r *priceRing) values() []float64 {
	if !r.full {
		return append([]float64(nil), r.buf[:r.next]...)
	}
	out := make([]float64, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
