package projection

import (
	"sync"

	"github.com/google/uuid"
)

// PriceTick is one oracle price vector as applied by the engine.
type PriceTick struct {
	Proposal      uuid.UUID `json:"proposal"`
	Prices        []int64   `json:"prices"`
	Slot          int64     `json:"slot"`
	PriceSequence int64     `json:"price_sequence"`
	Sequence      int64     `json:"sequence"`
}

// PriceHistory keeps a bounded ring of recent ticks per proposal so
// late websocket subscribers can backfill without hitting Postgres.
type PriceHistory struct {
	mu       sync.RWMutex
	capacity int
	ticks    map[uuid.UUID][]PriceTick
}

func NewPriceHistory(capacity int) *PriceHistory {
	if capacity <= 0 {
		capacity = 256
	}
	return &PriceHistory{
		capacity: capacity,
		ticks:    make(map[uuid.UUID][]PriceTick),
	}
}

// Record appends a tick, evicting the oldest past capacity.
func (h *PriceHistory) Record(tick PriceTick) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := append(h.ticks[tick.Proposal], tick)
	if len(ring) > h.capacity {
		ring = ring[len(ring)-h.capacity:]
	}
	h.ticks[tick.Proposal] = ring
}

// Recent returns up to limit most recent ticks, newest first.
func (h *PriceHistory) Recent(proposal uuid.UUID, limit int) []PriceTick {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring := h.ticks[proposal]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]PriceTick, 0, limit)
	for i := len(ring) - 1; i >= len(ring)-limit; i-- {
		out = append(out, ring[i])
	}
	return out
}
