package server

import (
	"sync"
	"time"
)

// defaultReadinessWait bounds how long a write-bearing request is held while
// waiting for the controller's initial-instruction handshake.
const defaultReadinessWait = 5 * time.Second

// ReadinessGate blocks write-bearing endpoints until the initial instruction
// has been injected (or explicitly skipped). GET endpoints and task-board
// endpoints never consult the gate.
type ReadinessGate struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ready bool
	wait  time.Duration
}

// NewReadinessGate creates a closed gate with the default wait bound.
func NewReadinessGate() *ReadinessGate {
	g := &ReadinessGate{wait: defaultReadinessWait}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// NewReadinessGateWithWait creates a closed gate with a custom wait bound.
func NewReadinessGateWithWait(wait time.Duration) *ReadinessGate {
	if wait <= 0 {
		wait = defaultReadinessWait
	}
	g := &ReadinessGate{wait: wait}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Open marks the gate ready and releases every waiter. Idempotent.
func (g *ReadinessGate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ready {
		return
	}
	g.ready = true
	g.cond.Broadcast()
}

// Ready reports whether the gate is open without waiting.
func (g *ReadinessGate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// Wait holds the caller until the gate opens or the bounded wait elapses.
// It returns true if the gate is open.
func (g *ReadinessGate) Wait() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ready {
		return true
	}

	// Wake all waiters at the deadline so no request is held forever.
	timer := time.AfterFunc(g.wait, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(g.wait)
	for !g.ready && time.Now().Before(deadline) {
		g.cond.Wait()
	}
	return g.ready
}
