// Package indicator provides streaming technical indicators. Each indicator
// keeps its own rolling state and is fed one value per call, so a strategy
// owns its indicators as private fields instead of sharing global state.
package indicator

import "math"

// EMA is an exponential moving average (smoothing 2/(p+1)) seeded with the
// SMA of the first p values.
type EMA struct {
	period int
	k      float64
	seed   float64
	n      int
	value  float64
}

// NewEMA returns an EMA over period p. Periods below 1 are treated as 1.
func NewEMA(p int) *EMA {
	if p < 1 {
		p = 1
	}
	return &EMA{period: p, k: 2.0 / float64(p+1)}
}

// Update feeds x and returns the current average and whether the EMA has
// seen enough values to be valid.
func (e *EMA) Update(x float64) (float64, bool) {
	e.n++
	switch {
	case e.n < e.period:
		e.seed += x
		return math.NaN(), false
	case e.n == e.period:
		e.seed += x
		e.value = e.seed / float64(e.period)
	default:
		e.value = (x-e.value)*e.k + e.value
	}
	return e.value, true
}

// Ready reports whether the warmup period has passed.
func (e *EMA) Ready() bool { return e.n >= e.period }

// RSI is the relative strength index over a rolling window of simple mean
// gains and losses.
type RSI struct {
	period  int
	prev    float64
	hasPrev bool
	gains   []float64
	losses  []float64
	idx     int
	filled  int
	sumGain float64
	sumLoss float64
}

// NewRSI returns an RSI over period p. Periods below 1 are treated as 1.
func NewRSI(p int) *RSI {
	if p < 1 {
		p = 1
	}
	return &RSI{period: p, gains: make([]float64, p), losses: make([]float64, p)}
}

// Update feeds the next price and returns the RSI in [0, 100] once period
// price changes have been observed.
func (r *RSI) Update(price float64) (float64, bool) {
	if !r.hasPrev {
		r.prev, r.hasPrev = price, true
		return math.NaN(), false
	}
	delta := price - r.prev
	r.prev = price

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	r.sumGain += gain - r.gains[r.idx]
	r.sumLoss += loss - r.losses[r.idx]
	r.gains[r.idx], r.losses[r.idx] = gain, loss
	r.idx = (r.idx + 1) % r.period
	if r.filled < r.period {
		r.filled++
	}
	if r.filled < r.period {
		return math.NaN(), false
	}

	// Running sums drift below zero by rounding on long series.
	avgGain := math.Max(r.sumGain, 0) / float64(r.period)
	avgLoss := math.Max(r.sumLoss, 0) / float64(r.period)
	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50, true
	case avgLoss == 0:
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}
