package server_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/synapse-agents/synapse/server"
)

func TestReadinessGateBlocksUntilOpen(t *testing.T) {
	gate := server.NewReadinessGateWithWait(100 * time.Millisecond)
	assert.False(t, gate.Ready())

	// Bounded wait times out while the gate is closed.
	start := time.Now()
	assert.False(t, gate.Wait())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	gate.Open()
	assert.True(t, gate.Ready())
	assert.True(t, gate.Wait())
}

func TestReadinessGateReleasesWaiters(t *testing.T) {
	gate := server.NewReadinessGateWithWait(5 * time.Second)

	done := make(chan bool, 1)
	go func() {
		done <- gate.Wait()
	}()

	time.Sleep(50 * time.Millisecond)
	gate.Open()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Open")
	}
}

func TestReadinessGateOpenIsIdempotent(t *testing.T) {
	gate := server.NewReadinessGate()
	gate.Open()
	gate.Open()
	assert.True(t, gate.Ready())
}
