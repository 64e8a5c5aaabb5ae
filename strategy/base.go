package strategy

import (
	"context"
	"sync"

	"github.com/synapsestrike/signalcore/signal"
)

// base implements the bookkeeping every concrete strategy needs: the
// position lock, per-pair streak state, and the observer list. Concrete
// strategies embed it and supply ProcessKline.
type base struct {
	name string
	deps Deps

	mu      sync.Mutex
	locked  map[[2]string]bool
	streaks map[[2]string]signal.Streak

	obsMu     sync.Mutex
	observers []observerEntry
	nextObsID int
}

type observerEntry struct {
	id int
	cb SignalCallback
}

func newBase(name string, deps Deps) base {
	return base{
		name:    name,
		deps:    deps,
		locked:  make(map[[2]string]bool),
		streaks: make(map[[2]string]signal.Streak),
	}
}

func pairKey(symbol, timeframe string) [2]string { return [2]string{symbol, timeframe} }

// init rebuilds streak state from the cache and position locks from the
// signal store's active signals, for every (symbol, timeframe) the strategy
// has seen a filter configured for.
func (b *base) init(ctx context.Context, filters map[[2]string]signal.Filter) error {
	if b.deps.StreakCache != nil {
		loaded, err := b.deps.StreakCache.LoadAll(ctx)
		if err == nil {
			for k, v := range loaded {
				b.streaks[k] = v
			}
		}
	}
	if b.deps.SignalRepository != nil {
		for pair := range filters {
			active, err := b.deps.SignalRepository.GetActive(ctx, pair[0], pair[1])
			if err != nil {
				continue
			}
			if len(active) > 0 {
				b.acquireLock(pair[0], pair[1])
			}
		}
	}
	return nil
}

func (b *base) tryAcquireLock(symbol, timeframe string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := pairKey(symbol, timeframe)
	if b.locked[k] {
		return false
	}
	b.locked[k] = true
	return true
}

func (b *base) acquireLock(symbol, timeframe string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked[pairKey(symbol, timeframe)] = true
}

// ReleasePosition is idempotent lock release.
func (b *base) ReleasePosition(symbol, timeframe string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.locked, pairKey(symbol, timeframe))
}

func (b *base) isLocked(symbol, timeframe string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked[pairKey(symbol, timeframe)]
}

func (b *base) currentStreak(symbol, timeframe string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streaks[pairKey(symbol, timeframe)].Current
}

// RecordOutcome updates the streak tracker for (symbol, timeframe), persists
// it if a cache is wired, and releases the position lock.
func (b *base) RecordOutcome(ctx context.Context, outcome signal.Outcome, symbol, timeframe string) {
	b.mu.Lock()
	k := pairKey(symbol, timeframe)
	s := b.streaks[k]
	s.RecordOutcome(outcome)
	b.streaks[k] = s
	cache := b.deps.StreakCache
	b.mu.Unlock()

	if cache != nil {
		_ = cache.Save(ctx, symbol, timeframe, s)
	}
	b.ReleasePosition(symbol, timeframe)
}

func (b *base) OnSignal(obs SignalCallback) int {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	b.nextObsID++
	id := b.nextObsID
	b.observers = append(b.observers, observerEntry{id: id, cb: obs})
	return id
}

func (b *base) OffSignal(handle int) {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	for i, e := range b.observers {
		if e.id == handle {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return
		}
	}
}

// notify dispatches to every registered observer in registration order.
func (b *base) notify(r signal.Record) {
	b.obsMu.Lock()
	entries := make([]observerEntry, len(b.observers))
	copy(entries, b.observers)
	b.obsMu.Unlock()
	for _, e := range entries {
		e.cb(r)
	}
}

func (b *base) Name() string { return b.name }

func (b *base) filterAllows(filters map[[2]string]signal.Filter, symbol, timeframe string, streak int, atrPercentile *float64, threshold float64) bool {
	f, ok := filters[pairKey(symbol, timeframe)]
	if !ok {
		f = signal.DefaultFilter()
	}
	if !f.Enabled {
		return false
	}
	if !f.AllowsStreak(streak) {
		return false
	}
	if atrPercentile != nil && *atrPercentile < threshold {
		return false
	}
	return true
}
