package pty

import (
	"sync"

	"github.com/PiranhaCodes/ptykit/internal/metrics"
)

// MatchResult is the outcome of an Expect call. The zero value is NoMatch.
type MatchResult struct {
	// Pattern is the pattern that fired, as supplied by the caller.
	Pattern string
	Matched bool
}

// NoMatch is returned when an expectation times out, is cancelled, or the
// stream ends first.
var NoMatch = MatchResult{}

// waiter is one pending Expect registration.
type waiter struct {
	id      uint64
	matcher *Matcher
	sink    chan MatchResult // cap 1; written only by whoever wins take
}

// registry tracks pending waiters. Every waiter leaves it exactly once,
// through take or drain.
type registry struct {
	mu      sync.Mutex
	waiters map[uint64]*waiter
	next    uint64
	metrics *metrics.Metrics
}

func newRegistry(m *metrics.Metrics) *registry {
	return &registry{
		waiters: make(map[uint64]*waiter),
		metrics: m,
	}
}

// add registers a new waiter for m.
func (r *registry) add(m *Matcher) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	w := &waiter{
		id:      r.next,
		matcher: m,
		sink:    make(chan MatchResult, 1),
	}
	r.waiters[w.id] = w
	r.metrics.WaiterAdded()
	return w
}

// take removes the waiter if it is still present. Only the caller that gets
// true may resolve the waiter.
func (r *registry) take(id uint64) (*waiter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.waiters[id]
	if !ok {
		return nil, false
	}
	delete(r.waiters, id)
	r.metrics.WaiterRemoved()
	return w, true
}

// resolve takes id and delivers res to its sink.
func (r *registry) resolve(id uint64, res MatchResult) bool {
	w, ok := r.take(id)
	if !ok {
		return false
	}
	w.sink <- res
	return true
}

// snapshot returns the waiters pending right now.
func (r *registry) snapshot() []*waiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*waiter, 0, len(r.waiters))
	for _, w := range r.waiters {
		out = append(out, w)
	}
	return out
}

// drain resolves every pending waiter with NoMatch.
func (r *registry) drain() int {
	r.mu.Lock()
	pending := r.waiters
	r.waiters = make(map[uint64]*waiter)
	r.mu.Unlock()

	for _, w := range pending {
		r.metrics.WaiterRemoved()
		w.sink <- NoMatch
	}
	return len(pending)
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
