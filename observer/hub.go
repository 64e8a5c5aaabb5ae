// Package observer implements the in-process signal-observer fan-out (C9
// concrete adapter): any number of collab.SignalObserver subscribers,
// registered and deregistered by google/uuid handle.
package observer

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/synapsestrike/signalcore/collab"
	"github.com/synapsestrike/signalcore/signal"
)

type subEntry struct {
	id  uuid.UUID
	obs collab.SignalObserver
}

// Hub fans every OnSignal/OnOutcome call out to its current subscribers.
// Dispatch runs synchronously in registration order, matching the
// per-symbol observer ordering guarantee of §5.
type Hub struct {
	mu   sync.RWMutex
	subs []subEntry
}

func NewHub() *Hub {
	return &Hub{}
}

// Subscribe registers obs and returns a handle for Unsubscribe.
func (h *Hub) Subscribe(obs collab.SignalObserver) uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := uuid.New()
	h.subs = append(h.subs, subEntry{id: id, obs: obs})
	return id
}

func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.subs {
		if e.id == id {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return
		}
	}
}

func (h *Hub) OnSignal(ctx context.Context, r signal.Record) {
	for _, obs := range h.snapshot() {
		obs.OnSignal(ctx, r)
	}
}

func (h *Hub) OnOutcome(ctx context.Context, r signal.Record, outcome signal.Outcome) {
	for _, obs := range h.snapshot() {
		obs.OnOutcome(ctx, r, outcome)
	}
}

func (h *Hub) snapshot() []collab.SignalObserver {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]collab.SignalObserver, len(h.subs))
	for i, e := range h.subs {
		out[i] = e.obs
	}
	return out
}
