// Package buffer keeps the most recent decoded order events in memory so the
// API can serve them without touching the datastore.
package buffer

import (
	"sync"

	"github.com/drblury/orderflow/internal/domain"
)

// DefaultCapacity bounds the recent-message buffer.
const DefaultCapacity = 100

// Ring is a bounded FIFO of order events backed by a circular slice. When the
// buffer is full the oldest entry is overwritten in place. The ingestor is
// the only writer; readers take snapshots.
type Ring struct {
	mu      sync.RWMutex
	entries []domain.Order
	head    int
	size    int
}

// New returns a Ring with the given capacity. A capacity of zero or less
// falls back to DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]domain.Order, capacity)}
}

// Append adds an order at the tail, evicting the oldest entry when the buffer
// is already at capacity.
func (r *Ring) Append(order domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.entries)
	r.entries[(r.head+r.size)%capacity] = order
	if r.size == capacity {
		r.head = (r.head + 1) % capacity
	} else {
		r.size++
	}
}

// Snapshot returns a copy of the buffered orders in arrival order, oldest
// first.
func (r *Ring) Snapshot() []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Order, r.size)
	for i := range out {
		out[i] = r.entries[(r.head+i)%len(r.entries)]
	}
	return out
}

// Len reports how many orders are currently buffered.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
