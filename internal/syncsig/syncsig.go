// Package syncsig provides the three signalling primitives that coordinate
// stage-1 and stage-2 of the ingest pipeline: a coalescing Notify, a
// drain-then-exit Finish token, and a hard-stop Abort token.
package syncsig

import "context"

// Notify is a single-slot, coalescing edge-trigger. Any number of Signal
// calls between two Wait calls is observed as exactly one subsequent wake.
// It is deliberately not a queue (which would buffer and defeat
// backpressure) and not a bare condvar (which would lose wakes that arrive
// before Wait is called).
type Notify struct {
	ch chan struct{}
}

// NewNotify creates a Notify. If armed is true, the first Wait returns
// immediately without a prior Signal — used to make stage-2 drain any
// backlog left over from a previous run before blocking.
func NewNotify(armed bool) *Notify {
	n := &Notify{ch: make(chan struct{}, 1)}
	if armed {
		n.ch <- struct{}{}
	}
	return n
}

// Signal wakes one pending or future Wait. Non-blocking: if a wake is
// already pending, this call is a no-op.
func (n *Notify) Signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Signal has been called at least once since the last
// Wait, or ctx is done.
func (n *Notify) Wait(ctx context.Context) error {
	select {
	case <-n.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C exposes the underlying channel for use in select statements that need
// to race Wait against other events without losing priority ordering.
func (n *Notify) C() <-chan struct{} { return n.ch }

// Token is a one-shot cancellation signal, used for both Finish (soft,
// drain-then-exit) and Abort (hard, stop-at-next-suspension-point). The two
// roles share this type; callers distinguish them by which Token they hold
// and by the select priority they implement (Abort must always be checked
// before Notify/Finish).
type Token struct {
	ch   chan struct{}
	done chan struct{}
}

// NewToken creates an uncancelled Token.
func NewToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Cancel signals the token. Safe to call more than once.
func (t *Token) Cancel() {
	select {
	case <-t.ch:
	default:
		close(t.ch)
	}
}

// Cancelled returns a channel that is closed once Cancel has been called.
func (t *Token) Cancelled() <-chan struct{} { return t.ch }

// IsCancelled reports whether Cancel has been called.
func (t *Token) IsCancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}
