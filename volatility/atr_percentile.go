// Package volatility tracks the rolling empirical distribution of ATR values
// per (symbol, timeframe), used by strategies as a low-volatility-regime
// filter.
package volatility

import (
	"math"
	"sync"
)

const (
	DefaultMinSamples = 200
	DefaultMaxHistory = 10_000
)

// AtrPercentileTracker keeps a bounded FIFO of recent positive ATR values per
// (symbol, timeframe) and reports where a new value falls in that history.
type AtrPercentileTracker struct {
	mu         sync.Mutex
	minSamples int
	maxHistory int
	history    map[string][]float64
}

// NewAtrPercentileTracker builds a tracker. minSamples<=0 and maxHistory<=0
// fall back to the defaults.
func NewAtrPercentileTracker(minSamples, maxHistory int) *AtrPercentileTracker {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &AtrPercentileTracker{
		minSamples: minSamples,
		maxHistory: maxHistory,
		history:    make(map[string][]float64),
	}
}

func key(symbol, timeframe string) string { return symbol + "_" + timeframe }

func isValid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// Update appends a new ATR sample, silently dropping non-finite or
// non-positive values, and evicts the oldest sample once maxHistory is
// exceeded.
func (t *AtrPercentileTracker) Update(symbol, timeframe string, atrValue float64) {
	if !isValid(atrValue) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(symbol, timeframe)
	h := append(t.history[k], atrValue)
	if len(h) > t.maxHistory {
		h = h[len(h)-t.maxHistory:]
	}
	t.history[k] = h
}

// Percentile returns the fraction of history <= value, or nil if fewer than
// minSamples observations have been recorded — meaning "do not filter".
func (t *AtrPercentileTracker) Percentile(symbol, timeframe string, value float64) *float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.history[key(symbol, timeframe)]
	if len(h) < t.minSamples {
		return nil
	}
	count := 0
	for _, v := range h {
		if v <= value {
			count++
		}
	}
	p := float64(count) / float64(len(h))
	return &p
}

func (t *AtrPercentileTracker) Count(symbol, timeframe string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history[key(symbol, timeframe)])
}

func (t *AtrPercentileTracker) IsReady(symbol, timeframe string) bool {
	return t.Count(symbol, timeframe) >= t.minSamples
}

// BulkLoad seeds history for a (symbol, timeframe) from warmup data,
// filtering invalid values the same way Update does.
func (t *AtrPercentileTracker) BulkLoad(symbol, timeframe string, atrValues []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(symbol, timeframe)
	h := t.history[k]
	for _, v := range atrValues {
		if isValid(v) {
			h = append(h, v)
		}
	}
	if len(h) > t.maxHistory {
		h = h[len(h)-t.maxHistory:]
	}
	t.history[k] = h
}
