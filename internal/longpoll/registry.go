// Package longpoll turns the asynchronous order event stream into
// synchronous-looking HTTP responses. Clients register a waiter, and the next
// broker event resolves every waiter currently registered.
package longpoll

import (
	"sync"
	"time"

	"github.com/drblury/orderflow/internal/domain"
	"github.com/drblury/orderflow/internal/ids"
	"github.com/drblury/orderflow/internal/logging"
)

// DefaultTimeout is how long a waiter stays registered before it resolves
// with no message.
const DefaultTimeout = 30 * time.Second

// Waiter is one pending long-poll request. Exactly one of three outcomes
// resolves it: a broadcast order, a timeout (nil order), or removal on client
// disconnect. The completed flag, guarded by the registry mutex, makes the
// outcomes mutually exclusive.
type Waiter struct {
	id        string
	done      chan *domain.Order
	timer     *time.Timer
	completed bool
}

// Done yields the outcome: the broadcast order, or nil after the timeout.
// Nothing is ever delivered for a disconnected waiter.
func (w *Waiter) Done() <-chan *domain.Order {
	return w.done
}

// Registry holds the live set of pending long-poll waiters.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
	timeout time.Duration
	logger  logging.ServiceLogger

	waitingGauge interface{ Set(float64) }
}

// Option customises the registry.
type Option func(*Registry)

// WithTimeout overrides the per-waiter timeout. Mainly used by tests.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithWaitingGauge wires a gauge that tracks the live-set size.
func WithWaitingGauge(gauge interface{ Set(float64) }) Option {
	return func(r *Registry) { r.waitingGauge = gauge }
}

// NewRegistry returns an empty registry with the default 30-second timeout.
func NewRegistry(logger logging.ServiceLogger, opts ...Option) *Registry {
	r := &Registry{
		waiters: make(map[string]*Waiter),
		timeout: DefaultTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a waiter to the live set and arms its timeout timer. The
// caller must either receive from Done or call Disconnect, otherwise the
// waiter lingers until the timer fires.
func (r *Registry) Register() *Waiter {
	w := &Waiter{
		id: ids.NewULID(),
		// Buffered so notify and timeout never block on a slow reader.
		done: make(chan *domain.Order, 1),
	}

	r.mu.Lock()
	// The timer must be armed before the waiter is visible in the live set,
	// otherwise a concurrent Notify can stop a nil timer. expire takes the
	// lock itself, so arming under it is safe.
	w.timer = time.AfterFunc(r.timeout, func() { r.expire(w) })
	r.waiters[w.id] = w
	r.updateGaugeLocked()
	r.mu.Unlock()

	r.logger.Debug("long-poll client registered", logging.LogFields{"client_id": w.id})
	return w
}

// Notify resolves every live waiter with the same order and clears the live
// set. A single event is a broadcast, not a one-to-one dequeue.
func (r *Registry) Notify(order domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()

	resolved := 0
	for id, w := range r.waiters {
		if w.completed {
			continue
		}
		w.completed = true
		w.timer.Stop()
		o := order
		w.done <- &o
		delete(r.waiters, id)
		resolved++
	}
	r.updateGaugeLocked()

	if resolved > 0 {
		r.logger.Debug("long-poll clients notified", logging.LogFields{
			"order_id": order.ID,
			"clients":  resolved,
		})
	}
}

// Disconnect removes a waiter whose client went away before an outcome was
// delivered. The response channel is already gone, so nothing is sent.
func (r *Registry) Disconnect(w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w.completed {
		return
	}
	w.completed = true
	w.timer.Stop()
	delete(r.waiters, w.id)
	r.updateGaugeLocked()

	r.logger.Debug("long-poll client disconnected", logging.LogFields{"client_id": w.id})
}

// Waiting reports how many waiters are currently pending.
func (r *Registry) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// expire resolves a waiter with no message once its timer fires. A no-op if
// notify or disconnect won the race.
func (r *Registry) expire(w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w.completed {
		return
	}
	w.completed = true
	w.done <- nil
	delete(r.waiters, w.id)
	r.updateGaugeLocked()

	r.logger.Debug("long-poll client timed out", logging.LogFields{"client_id": w.id})
}

func (r *Registry) updateGaugeLocked() {
	if r.waitingGauge != nil {
		r.waitingGauge.Set(float64(len(r.waiters)))
	}
}
