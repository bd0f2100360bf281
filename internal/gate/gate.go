// Package gate provides a latest-wins guard for overlapping async work.
//
// Every call to Begin supersedes the previous one: the previous ticket's
// context is cancelled and its version stops being current. Results are only
// applied through CommitIfCurrent, so a slow or reordered completion can never
// overwrite the outcome of a newer call.
package gate

import (
	"context"
	"sync"
)

type Gate struct {
	mu      sync.Mutex
	version uint64
	cancel  context.CancelFunc
}

// Ticket identifies one Begin call.
type Ticket struct {
	version uint64
	ctx     context.Context
	cancel  context.CancelFunc
}

func New() *Gate {
	return &Gate{}
}

// Begin cancels the in-flight ticket, if any, and returns a new current one.
// The ticket's context is derived from parent.
func (g *Gate) Begin(parent context.Context) Ticket {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	g.mu.Lock()
	if g.cancel != nil {
		g.cancel()
	}
	g.version++
	g.cancel = cancel
	version := g.version
	g.mu.Unlock()

	return Ticket{version: version, ctx: ctx, cancel: cancel}
}

func (g *Gate) Version() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

func (g *Gate) IsCurrent(t Ticket) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return t.version != 0 && t.version == g.version
}

// CommitIfCurrent runs fn while holding the gate lock, but only when t is
// still the most recent ticket. No Begin can interleave with fn.
func (g *Gate) CommitIfCurrent(t Ticket, fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.version == 0 || t.version != g.version {
		return false
	}
	if fn != nil {
		fn()
	}
	return true
}

// Cancel aborts the in-flight ticket without starting a new one. The ticket
// stays current, so its owner can still clean up through CommitIfCurrent.
func (g *Gate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
}

func (t Ticket) Version() uint64 {
	return t.version
}

func (t Ticket) Context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// Cancelled reports whether the ticket's context is done. Combine it with
// Gate.IsCurrent to tell supersession apart from a parent cancel.
func (t Ticket) Cancelled() bool {
	return t.ctx != nil && t.ctx.Err() != nil
}

// Done releases the ticket's context. It is safe to call more than once.
func (t Ticket) Done() {
	if t.cancel != nil {
		t.cancel()
	}
}
