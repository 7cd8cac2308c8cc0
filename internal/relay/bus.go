package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/relay/internal/metrics"
)

// MaxBatch caps how many events a single poll returns.
const MaxBatch = 100

// Filter selects envelopes for a poll or a waiter. Zero values match
// everything. A recipient filter also matches broadcast envelopes
// (no recipient set).
type Filter struct {
	Since     time.Time
	Recipient string
	Sender    string
	Type      string
	Thread    string
}

// Matches reports whether an envelope passes the filter.
func (f Filter) Matches(e *Envelope) bool {
	if !f.Since.IsZero() && !e.TS.After(f.Since) {
		return false
	}
	if f.Recipient != "" && e.Recipient != nil && e.Recipient.ID != f.Recipient {
		return false
	}
	if f.Sender != "" && e.Sender.ID != f.Sender {
		return false
	}
	if f.Type != "" && !strings.EqualFold(f.Type, e.Type) {
		return false
	}
	if f.Thread != "" && (e.Thread == nil || e.Thread.ID != f.Thread) {
		return false
	}
	return true
}

// waiter is one parked long-poll request. The channel is buffered so
// the bus never blocks delivering; each waiter is resolved at most once
// and removed from the set on both the wakeup and the timeout path.
type waiter struct {
	ch     chan []*Envelope
	filter Filter
}

// Bus is the bounded append-only envelope ring plus the long-poll hub.
// Appends wake matching waiters; beyond capacity the oldest envelopes
// are dropped.
type Bus struct {
	mu       sync.Mutex
	ring     []*Envelope
	head     int // index of the oldest entry
	size     int
	capacity int
	waiters  map[*waiter]struct{}
}

// NewBus creates a bus holding at most capacity envelopes.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Bus{
		ring:     make([]*Envelope, capacity),
		capacity: capacity,
		waiters:  make(map[*waiter]struct{}),
	}
}

// Append adds an envelope to the ring and resolves every waiter whose
// filter matches. The caller has already validated and stamped it.
func (b *Bus) Append(e *Envelope) {
	b.mu.Lock()

	tail := (b.head + b.size) % b.capacity
	b.ring[tail] = e
	if b.size < b.capacity {
		b.size++
	} else {
		b.head = (b.head + 1) % b.capacity
	}

	var woken []*waiter
	for w := range b.waiters {
		if w.filter.Matches(e) {
			delete(b.waiters, w)
			woken = append(woken, w)
		}
	}
	b.mu.Unlock()

	for _, w := range woken {
		w.ch <- []*Envelope{e}
		metrics.LongPollWaiters.Dec()
	}
}

// Len returns the number of buffered envelopes.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// snapshot collects buffered matches in arrival order, oldest first.
func (b *Bus) snapshot(f Filter) []*Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []*Envelope
	for i := 0; i < b.size; i++ {
		e := b.ring[(b.head+i)%b.capacity]
		if f.Matches(e) {
			matched = append(matched, e)
		}
	}
	return matched
}

// Poll returns buffered envelopes matching the filter, capped at
// MaxBatch (hasMore reports truncation). With no buffered matches and a
// positive wait, it parks until the next matching Append, the wait
// elapses, or ctx is done, whichever comes first.
func (b *Bus) Poll(ctx context.Context, f Filter, wait time.Duration) (events []*Envelope, hasMore bool) {
	if matched := b.snapshot(f); len(matched) > 0 {
		return trimBatch(matched)
	}
	if wait <= 0 {
		return nil, false
	}

	w := &waiter{ch: make(chan []*Envelope, 1), filter: f}
	b.mu.Lock()
	b.waiters[w] = struct{}{}
	b.mu.Unlock()
	metrics.LongPollWaiters.Inc()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case events = <-w.ch:
		return events, false
	case <-timer.C:
	case <-ctx.Done():
	}

	// Timeout or cancellation. Deregister; if an Append won the race
	// and already pulled the waiter out, drain its delivery instead of
	// losing it.
	b.mu.Lock()
	_, parked := b.waiters[w]
	delete(b.waiters, w)
	b.mu.Unlock()
	if parked {
		metrics.LongPollWaiters.Dec()
		return nil, false
	}
	select {
	case events = <-w.ch:
		return events, false
	default:
		return nil, false
	}
}

// trimBatch keeps arrival order; ordering across producers is
// best-effort only.
func trimBatch(matched []*Envelope) ([]*Envelope, bool) {
	if len(matched) > MaxBatch {
		return matched[:MaxBatch], true
	}
	return matched, false
}
