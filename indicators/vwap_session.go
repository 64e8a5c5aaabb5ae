package indicators

import "sync"

// VWAPSession is a session-anchored VWAP collector: it accumulates
// typical-price*volume from a fixed anchor bar forward and exposes slope,
// opening-range volatility and price-displacement measures relative to it.
// Perpetual futures have no exchange session close, so the anchor is
// whatever the caller chooses (funding interval boundary, UTC day, a
// strategy-local warmup point) rather than a stock-market open time.
type VWAPSession struct {
	mu        sync.RWMutex
	bars      []sessionBar
	anchorHigh float64
	anchorLow  float64
	openPrice float64
}

type sessionBar struct {
	Open, High, Low, Close, Volume, TypPrice float64
}

// NewVWAPSession creates an empty session collector.
func NewVWAPSession() *VWAPSession {
	return &VWAPSession{bars: make([]sessionBar, 0, 64)}
}

// AddBar folds one closed 1m bar into the session.
func (s *VWAPSession) AddBar(open, high, low, close, volume float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	typ := (high + low + close) / 3
	if len(s.bars) == 0 {
		s.openPrice = open
		s.anchorHigh = high
		s.anchorLow = low
	}
	if high > s.anchorHigh {
		s.anchorHigh = high
	}
	if low < s.anchorLow {
		s.anchorLow = low
	}
	s.bars = append(s.bars, sessionBar{Open: open, High: high, Low: low, Close: close, Volume: volume, TypPrice: typ})
}

// VWAP is Σ(typ*vol)/Σvol over every bar added since the last Reset.
func (s *VWAPSession) VWAP() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vwapLocked(len(s.bars))
}

func (s *VWAPSession) vwapLocked(n int) float64 {
	if n == 0 || n > len(s.bars) {
		return 0
	}
	var pv, v float64
	for i := 0; i < n; i++ {
		pv += s.bars[i].TypPrice * s.bars[i].Volume
		v += s.bars[i].Volume
	}
	if v == 0 {
		return 0
	}
	return pv / v
}

// Slope is the percent change in VWAP between the 10th bar and now; zero
// until at least 10 bars have been collected.
func (s *VWAPSession) Slope() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.bars) < 10 {
		return 0
	}
	early := s.vwapLocked(10)
	now := s.vwapLocked(len(s.bars))
	if early == 0 {
		return 0
	}
	return (now - early) / early * 100
}

// ORVolatility is the opening-range volatility relative to VWAP:
// max(rangeHigh-VWAP, VWAP-rangeLow) / VWAP.
func (s *VWAPSession) ORVolatility() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vwap := s.vwapLocked(len(s.bars))
	if vwap == 0 {
		return 0
	}
	up := s.anchorHigh - vwap
	down := vwap - s.anchorLow
	if down > up {
		return down / vwap
	}
	return up / vwap
}

// Stretch is price displacement from VWAP, normalized by VWAP.
func (s *VWAPSession) Stretch(price float64) float64 {
	vwap := s.VWAP()
	if vwap == 0 {
		return 0
	}
	return (price - vwap) / vwap
}

// Momentum is price displacement from the session's anchor open.
func (s *VWAPSession) Momentum(price float64) float64 {
	s.mu.RLock()
	open := s.openPrice
	s.mu.RUnlock()
	if open == 0 {
		return 0
	}
	return (price - open) / open
}

func (s *VWAPSession) BarCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bars)
}

func (s *VWAPSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars = s.bars[:0]
	s.openPrice = 0
	s.anchorHigh = 0
	s.anchorLow = 0
}
