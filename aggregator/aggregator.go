// Package aggregator folds closed 1-minute klines into higher timeframes,
// emitting each completed bar exactly once on the boundary after it closes.
package aggregator

import (
	"errors"
	"time"

	"github.com/synapsestrike/signalcore/kline"
)

var (
	// ErrNon1mInput is returned when a non-1m kline is fed to the aggregator;
	// this is a programmer error per the error taxonomy, not a recoverable one.
	ErrNon1mInput = errors.New("aggregator: input kline must be timeframe 1m")
	// ErrOutOfOrder is returned when a 1m kline with a timestamp not after the
	// last one seen for this symbol is fed in; also a programmer error.
	ErrOutOfOrder = errors.New("aggregator: out-of-order 1m kline")
)

// Aggregator owns one partial bar per target timeframe for a single symbol.
type Aggregator struct {
	symbol      string
	targets     []string
	partials    map[string]*state
	lastSeen    *time.Time
}

type state struct {
	open        bool
	bucketStart time.Time
	openPrice   kline.Kline
	highPrice   kline.Kline
	lowPrice    kline.Kline
	closePrice  kline.Kline
	volumeSum   kline.Kline
}

// New builds an Aggregator for symbol, folding into each of targets (each
// must be a key of kline.TimeframeMinutes other than "1m").
func New(symbol string, targets []string) *Aggregator {
	a := &Aggregator{symbol: symbol, targets: targets, partials: make(map[string]*state, len(targets))}
	for _, tf := range targets {
		a.partials[tf] = &state{}
	}
	return a
}

func bucketStart(t time.Time, tfMinutes int) time.Time {
	epochMinutes := t.Unix() / 60
	bucketMinutes := (epochMinutes / int64(tfMinutes)) * int64(tfMinutes)
	return time.Unix(bucketMinutes*60, 0).UTC()
}

// Add feeds one closed 1m kline and returns the set of higher-timeframe
// klines that closed as a result, one per target timeframe that rolled over,
// in the same order as a.targets.
func (a *Aggregator) Add(k kline.Kline) ([]kline.Kline, error) {
	if k.Timeframe != "1m" {
		return nil, ErrNon1mInput
	}
	if k.Symbol != a.symbol {
		return nil, ErrOutOfOrder
	}
	if a.lastSeen != nil && !k.Timestamp.After(*a.lastSeen) {
		return nil, ErrOutOfOrder
	}
	ts := k.Timestamp
	a.lastSeen = &ts

	var emitted []kline.Kline
	for _, tf := range a.targets {
		tfMinutes, ok := kline.TimeframeMinutes[tf]
		if !ok || tf == "1m" {
			return nil, ErrNon1mInput
		}
		st := a.partials[tf]
		bs := bucketStart(k.Timestamp, tfMinutes)

		if !st.open {
			a.openBucket(st, bs, k)
			continue
		}
		if bs.After(st.bucketStart) {
			emitted = append(emitted, a.closeBucket(st, tf))
			a.openBucket(st, bs, k)
			continue
		}
		a.extendBucket(st, k)
	}
	return emitted, nil
}

func (a *Aggregator) openBucket(st *state, bs time.Time, k kline.Kline) {
	st.open = true
	st.bucketStart = bs
	st.openPrice = k
	st.highPrice = k
	st.lowPrice = k
	st.closePrice = k
	st.volumeSum = k
}

func (a *Aggregator) extendBucket(st *state, k kline.Kline) {
	if k.High.GreaterThan(st.highPrice.High) {
		st.highPrice = k
	}
	if k.Low.LessThan(st.lowPrice.Low) {
		st.lowPrice = k
	}
	st.closePrice = k
	st.volumeSum.Volume = st.volumeSum.Volume.Add(k.Volume)
}

func (a *Aggregator) closeBucket(st *state, tf string) kline.Kline {
	return kline.Kline{
		Symbol:    a.symbol,
		Timeframe: tf,
		Timestamp: st.bucketStart,
		Open:      st.openPrice.Open,
		High:      st.highPrice.High,
		Low:       st.lowPrice.Low,
		Close:     st.closePrice.Close,
		Volume:    st.volumeSum.Volume,
		IsClosed:  true,
	}
}

// PrefillFromHistory folds an ascending run of 1m klines without emitting
// anything, used to warm the aggregator up from a persisted tail after a
// crash. It is equivalent to calling Add repeatedly and discarding results,
// except it tolerates re-priming an aggregator that already has state by
// simply continuing to fold forward.
func (a *Aggregator) PrefillFromHistory(ks []kline.Kline) error {
	for _, k := range ks {
		if _, err := a.Add(k); err != nil {
			return err
		}
	}
	return nil
}

// Flush emits the current in-progress bucket for every target timeframe that
// has one open, without waiting for the next bucket to arrive. Used at
// finalize time by callers that must not lose a trailing partial bar.
func (a *Aggregator) Flush() []kline.Kline {
	var out []kline.Kline
	for _, tf := range a.targets {
		st := a.partials[tf]
		if st.open {
			out = append(out, a.closeBucket(st, tf))
			st.open = false
		}
	}
	return out
}
