package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/synapsestrike/signalcore/signal"
)

// Constructor builds a Strategy instance from a config and its collaborators.
type Constructor func(cfg signal.Config, filters map[[2]string]signal.Filter, deps Deps) Strategy

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds name to the process-wide registry. It panics on a duplicate
// registration, since two strategies sharing a name is a programmer error
// caught at package-init time, not a runtime condition to recover from.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("strategy: %q already registered", name))
	}
	registry[name] = ctor
}

// Create builds a strategy by name, or returns an error naming the
// registered alternatives.
func Create(name string, cfg signal.Config, filters map[[2]string]signal.Filter, deps Deps) (Strategy, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy: unknown strategy %q, available: %v", name, List())
	}
	return ctor(cfg, filters, deps), nil
}

// List returns the registered strategy names, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateFilters checks that every (symbol, timeframe) key in filters is
// one the process will actually run (a member of symbols x timeframes). A
// filter configured for an unrecognized pair is a startup-time configuration
// error per the error taxonomy: the process refuses to start rather than
// silently falling back to signal.DefaultFilter() for it at runtime.
func ValidateFilters(filters map[[2]string]signal.Filter, symbols, timeframes []string) error {
	known := make(map[[2]string]bool, len(symbols)*len(timeframes))
	for _, sym := range symbols {
		for _, tf := range timeframes {
			known[[2]string{sym, tf}] = true
		}
	}
	for pair := range filters {
		if !known[pair] {
			return fmt.Errorf("strategy: filter configured for unknown (symbol, timeframe) %v", pair)
		}
	}
	return nil
}
