// Package outcome resolves active signals against subsequent price action
// (C7): bar-sweep resolution with a pessimistic tie-break for backtest, and
// first-touch resolution for the live trade-tick path, plus timeout release
// and continuous MAE/MFE bookkeeping.
package outcome

import (
	"sync"
	"time"

	"github.com/synapsestrike/signalcore/kline"
	"github.com/synapsestrike/signalcore/signal"
)

// DefaultTimeout is the wall-clock duration after which an unresolved signal
// is released without a terminal outcome (§5 cancellation & timeouts).
const DefaultTimeout = 24 * time.Hour

// Notifier is invoked whenever an active signal leaves the tracker, whether
// resolved (TP/SL) or released unresolved (Active, meaning "timed out").
type Notifier func(r signal.Record, outcome signal.Outcome)

// Tracker holds the in-memory set of active signals for one engine instance
// (one per symbol in a dispatcher, or one shared instance for a single
// backtest run).
type Tracker struct {
	mu      sync.Mutex
	timeout time.Duration
	onOutcome Notifier

	active []signal.Record

	resolvedCount int
}

// New builds a Tracker. timeout<=0 falls back to DefaultTimeout.
func New(timeout time.Duration, onOutcome Notifier) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{timeout: timeout, onOutcome: onOutcome}
}

// AddSignal registers a newly emitted signal as active, occupying its
// position lock until CheckKline/ProcessTrade resolves or times it out.
func (t *Tracker) AddSignal(r signal.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = append(t.active, r)
}

func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *Tracker) ResolvedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolvedCount
}

// CheckKline is the backtest/live bar-resolution path, invoked once per
// closed 1m kline of k.Symbol. It runs timeout, then MAE/MFE update, then
// pessimistic TP/SL resolution, for every active signal matching the symbol.
func (t *Tracker) CheckKline(k kline.Kline) {
	t.mu.Lock()

	var fired []firedOutcome
	remaining := t.active[:0]
	for _, s := range t.active {
		if s.Symbol != k.Symbol {
			remaining = append(remaining, s)
			continue
		}

		if k.Timestamp.Sub(s.SignalTime) >= t.timeout {
			fired = append(fired, firedOutcome{s, signal.Active})
			continue
		}

		if s.Direction == signal.Long {
			s.UpdateMAE(k.Low)
			s.UpdateMAE(k.High)
		} else {
			s.UpdateMAE(k.High)
			s.UpdateMAE(k.Low)
		}

		outcome, resolved := pessimisticResolve(s, k)
		if resolved {
			s.Outcome = outcome
			ot := k.Timestamp
			s.OutcomeTime = &ot
			price := s.SLPrice
			if outcome == signal.TP {
				price = s.TPPrice
			}
			s.OutcomePrice = &price
			t.resolvedCount++
			fired = append(fired, firedOutcome{s, outcome})
			continue
		}

		remaining = append(remaining, s)
	}
	t.active = remaining
	t.mu.Unlock()

	t.notifyAll(fired)
}

type firedOutcome struct {
	record  signal.Record
	outcome signal.Outcome
}

func (t *Tracker) notifyAll(fired []firedOutcome) {
	if t.onOutcome == nil {
		return
	}
	for _, f := range fired {
		t.onOutcome(f.record, f.outcome)
	}
}

// pessimisticResolve applies §4.4's pessimistic rule: if both TP and SL
// would fire on the same bar, the outcome is SL.
func pessimisticResolve(s signal.Record, k kline.Kline) (signal.Outcome, bool) {
	var tpHit, slHit bool
	if s.Direction == signal.Long {
		tpHit = k.High.GreaterThanOrEqual(s.TPPrice)
		slHit = k.Low.LessThanOrEqual(s.SLPrice)
	} else {
		tpHit = k.Low.LessThanOrEqual(s.TPPrice)
		slHit = k.High.GreaterThanOrEqual(s.SLPrice)
	}
	switch {
	case tpHit && slHit:
		return signal.SL, true
	case slHit:
		return signal.SL, true
	case tpHit:
		return signal.TP, true
	default:
		return "", false
	}
}

// ProcessTrade is the live-only, first-touch resolution path (§4.4
// process_trade, §9 open question 1): unlike CheckKline, ties cannot occur
// because trades are single prices, so first-touch and pessimistic coincide
// by construction here — the distinction only matters when resolving against
// a bar's full high/low range.
func (t *Tracker) ProcessTrade(tr kline.Trade) {
	t.mu.Lock()

	var fired []firedOutcome
	remaining := t.active[:0]
	for _, s := range t.active {
		if s.Symbol != tr.Symbol {
			remaining = append(remaining, s)
			continue
		}
		s.UpdateMAE(tr.Price)
		if s.CheckOutcome(tr.Price, tr.Timestamp) {
			t.resolvedCount++
			fired = append(fired, firedOutcome{s, s.Outcome})
			continue
		}
		remaining = append(remaining, s)
	}
	t.active = remaining
	t.mu.Unlock()

	t.notifyAll(fired)
}

// UpdateATR raises max_atr for every active signal matching (symbol,
// timeframe) whenever a fresh, larger ATR reading is available.
func (t *Tracker) UpdateATR(symbol, timeframe string, currentATR float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.active {
		s := &t.active[i]
		if s.Symbol == symbol && s.Timeframe == timeframe && currentATR > s.MaxATR {
			s.MaxATR = currentATR
		}
	}
}

// Finalize leaves any remaining active signals in ACTIVE state, per §4.5
// step 4. It does not notify observers; callers that need to know which
// signals stayed open can inspect ActiveSignals beforehand.
func (t *Tracker) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = nil
}

// ActiveSignals returns a snapshot of the currently active signals.
func (t *Tracker) ActiveSignals() []signal.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]signal.Record, len(t.active))
	copy(out, t.active)
	return out
}

