package meshportal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewExchangeID mints a fresh exchange id. Ids only need to be unique
// within the lifetime of the originating portal, but a uuid
// costs nothing and matches the transport package's choice of uuid for
// connection ids.
func NewExchangeID() string {
	return uuid.NewString()
}

// waiter is one outstanding exchange: a buffered one-shot delivery channel
// plus the timer that bounds it.
type waiter struct {
	ch    chan ResponseEntity
	timer *time.Timer
}

// Table is a process-local mapping from exchange-id to one-shot
// responder, with a side timer per entry.
//
// Table is NOT safe for concurrent use: it is meant to be manipulated
// exclusively by the single goroutine that owns the surrounding portal's
// command loop (GuestPortal/HostPortal). Any other
// goroutine — in particular a timer callback — must hand its request back
// to the owner instead of touching the Table directly; that is what the
// onExpire callback passed to Register is for.
type Table struct {
	entries map[string]*waiter
	metrics Metrics
}

// NewTable creates an empty exchange table. metrics may be nil, in which
// case a NewDefaultMetrics() instance is used.
func NewTable(metrics Metrics) *Table {
	if metrics == nil {
		metrics = NewDefaultMetrics()
	}
	return &Table{entries: make(map[string]*waiter), metrics: metrics}
}

// Register assigns id a one-shot responder, arms a timeout timer, and
// returns the channel the caller should receive the eventual
// ResponseEntity from. onExpire is invoked from the timer's own goroutine
// (never the owner's) after timeout elapses and the entry is still
// present; it must hand control back to the owning goroutine (e.g. by
// posting to a command channel that eventually calls Expire) rather than
// call Table methods itself.
func (t *Table) Register(id string, timeout time.Duration, onExpire func(id string)) <-chan ResponseEntity {
	ch := make(chan ResponseEntity, 1)
	w := &waiter{ch: ch}
	w.timer = time.AfterFunc(timeout, func() { onExpire(id) })
	t.entries[id] = w
	t.metrics.IncrementExchangesOpened()
	return ch
}

// Complete delivers signal to id's waiter and removes the entry. It
// reports false if no such exchange exists; the caller logs SEVERE and
// drops the event.
func (t *Table) Complete(id string, signal ResponseEntity) bool {
	w, ok := t.entries[id]
	if !ok {
		return false
	}
	delete(t.entries, id)
	w.timer.Stop()
	w.ch <- signal
	t.metrics.IncrementExchangesCompleted()
	return true
}

// Expire delivers a timeout error to id's waiter and removes the entry.
// It reports false if the entry is already gone — completed, expired
// already, or drained — which is the ordinary race between a response and
// its own timer and not an error.
func (t *Table) Expire(id string) bool {
	w, ok := t.entries[id]
	if !ok {
		return false
	}
	delete(t.entries, id)
	w.ch <- Err("timeout")
	t.metrics.IncrementExchangesTimedOut()
	return true
}

// Drain resolves every outstanding exchange with an error signal derived
// from reason and empties the table. Called on portal shutdown, so every
// outstanding exchange on a closed portal resolves with an error within
// bounded time.
func (t *Table) Drain(reason string) {
	msg := fmt.Sprintf("portal closed: %s", reason)
	for id, w := range t.entries {
		w.timer.Stop()
		w.ch <- Err(msg)
		delete(t.entries, id)
	}
}

// Len reports the number of outstanding exchanges. Exposed for tests and
// for shutdown bookkeeping, never for cross-goroutine polling.
func (t *Table) Len() int {
	return len(t.entries)
}
