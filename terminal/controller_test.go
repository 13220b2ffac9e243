package terminal

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	types "github.com/synapse-agents/synapse/types"
	"go.uber.org/zap"
)

// recordingSink collects published status transitions.
type recordingSink struct {
	mu       sync.Mutex
	statuses []types.AgentStatus
}

func (s *recordingSink) PublishStatus(status types.AgentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *recordingSink) seen(status types.AgentStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.statuses {
		if st == status {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

// echoController wraps sh+cat: prints a banner, then echoes stdin forever.
// The short timeout strategy drives quick READY transitions.
func echoController(t *testing.T, opts Options) *Controller {
	t.Helper()
	opts.Command = "/bin/sh"
	opts.Args = []string{"-c", "echo banner; cat"}
	if opts.Idle.Strategy == "" {
		opts.Idle = IdleDetection{Strategy: IdleStrategyTimeout, Timeout: 200 * time.Millisecond}
	}
	opts.Logger = zap.NewNop()

	c := NewController(opts)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

func TestControllerIdentityHandshake(t *testing.T) {
	sink := &recordingSink{}
	c := echoController(t, Options{
		AgentID:            "a1",
		AgentName:          "tester",
		AgentRole:          "qa",
		Port:               9000,
		InitialInstruction: "You are {{agent_id}} ({{agent_role}}) on port {{port}}.",
		StatusSink:         sink,
	})

	require.True(t, waitFor(t, 10*time.Second, c.IdentitySent),
		"identity was never injected")
	assert.True(t, sink.seen(types.AgentStatusReady))

	// The child (cat) echoed the injected instruction back.
	require.True(t, waitFor(t, 2*time.Second, func() bool {
		ctx := c.RenderedContext()
		return strings.Contains(ctx, "[A2A:a1:synapse-system]") &&
			strings.Contains(ctx, "You are a1 (qa) on port 9000.")
	}), "rendered context: %q", c.RenderedContext())
}

func TestControllerIdentityInjectedAtMostOnce(t *testing.T) {
	c := echoController(t, Options{
		AgentID:            "once",
		Port:               9001,
		InitialInstruction: "identity for {{agent_id}}",
	})

	require.True(t, waitFor(t, 10*time.Second, c.IdentitySent))

	// Cycle PROCESSING <-> READY a few times by feeding traffic.
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Write("tick"))
		waitFor(t, 2*time.Second, func() bool {
			return c.Status() == types.AgentStatusReady
		})
	}

	rendered := c.RenderedContext()
	assert.Equal(t, 1, strings.Count(rendered, "identity for once"),
		"identity must appear exactly once, context: %q", rendered)
}

func TestControllerSkipInitialInstructions(t *testing.T) {
	c := echoController(t, Options{
		AgentID:                 "skipper",
		Port:                    9002,
		InitialInstruction:      "should never be typed",
		SkipInitialInstructions: true,
	})

	require.True(t, waitFor(t, 10*time.Second, c.IdentitySent))
	assert.NotContains(t, c.RenderedContext(), "should never be typed")
}

func TestControllerWriteRoundTrip(t *testing.T) {
	c := echoController(t, Options{
		AgentID:                 "writer",
		Port:                    9003,
		SkipInitialInstructions: true,
	})
	require.True(t, waitFor(t, 10*time.Second, c.IdentitySent))

	require.NoError(t, c.Write("hello child"))
	assert.True(t, waitFor(t, 3*time.Second, func() bool {
		return strings.Contains(c.RenderedContext(), "hello child")
	}), "rendered context: %q", c.RenderedContext())
}

func TestControllerQuietChildReachesReady(t *testing.T) {
	// A child that prints once and then goes silent never wakes the reader
	// again, so READY must come from the idle ticker alone.
	sink := &recordingSink{}
	opts := Options{
		Command:            "/bin/sh",
		Args:               []string{"-c", "echo banner; sleep 60"},
		Idle:               IdleDetection{Strategy: IdleStrategyTimeout, Timeout: 200 * time.Millisecond},
		AgentID:            "quiet",
		Port:               9007,
		InitialInstruction: "identity for {{agent_id}}",
		StatusSink:         sink,
		Logger:             zap.NewNop(),
	}
	c := NewController(opts)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	require.True(t, waitFor(t, 5*time.Second, func() bool {
		return sink.seen(types.AgentStatusReady)
	}), "quiet child never inferred READY")
	require.True(t, waitFor(t, 5*time.Second, c.IdentitySent))
}

func TestControllerIdentityStickyAfterSettleTimeout(t *testing.T) {
	// The child consumes the identity line, then stays busy so the controller
	// never settles back to READY within the wait bound. The handshake still
	// counts as done: a later READY must not re-inject.
	opts := Options{
		Command:            "/bin/sh",
		Args:               []string{"-c", "echo banner; read line; i=0; while [ $i -lt 20 ]; do echo busy; sleep 0.1; i=$((i+1)); done; cat"},
		Idle:               IdleDetection{Strategy: IdleStrategyTimeout, Timeout: 200 * time.Millisecond},
		AgentID:            "sticky",
		Port:               9008,
		InitialInstruction: "identity for {{agent_id}}",
		Logger:             zap.NewNop(),
	}
	c := NewController(opts)
	c.identityWait = 300 * time.Millisecond
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	require.True(t, waitFor(t, 10*time.Second, c.IdentitySent),
		"settle timeout must mark the handshake done")

	// Once the busy loop ends the child settles; the identity line was typed
	// exactly once.
	require.True(t, waitFor(t, 5*time.Second, func() bool {
		return c.Status() == types.AgentStatusReady
	}))
	assert.Equal(t, 1, strings.Count(c.RenderedContext(), "identity for sticky"))
}

func TestControllerWriteBeforeStart(t *testing.T) {
	c := NewController(Options{Command: "/bin/cat", Logger: zap.NewNop()})
	assert.ErrorIs(t, c.Write("too early"), ErrNotStarted)
	assert.ErrorIs(t, c.Interrupt(), ErrNotStarted)
}

func TestControllerStopIsIdempotent(t *testing.T) {
	c := echoController(t, Options{
		AgentID:                 "stopper",
		Port:                    9004,
		SkipInitialInstructions: true,
	})

	c.Stop()
	c.Stop() // second call is a no-op

	assert.ErrorIs(t, c.Write("after stop"), ErrNotStarted)
}

func TestControllerWaitingDetection(t *testing.T) {
	sink := &recordingSink{}
	c := echoController(t, Options{
		AgentID:                 "asker",
		Port:                    9005,
		SkipInitialInstructions: true,
		WaitingRegex:            `\[y/n\]`,
		StatusSink:              sink,
	})
	require.True(t, waitFor(t, 10*time.Second, c.IdentitySent))

	require.NoError(t, c.Write("continue? [y/n]"))
	assert.True(t, waitFor(t, 3*time.Second, func() bool {
		return sink.seen(types.AgentStatusWaiting)
	}))
}

func TestControllerMarkDoneRelaxes(t *testing.T) {
	c := echoController(t, Options{
		AgentID:                 "finisher",
		Port:                    9006,
		SkipInitialInstructions: true,
	})
	require.True(t, waitFor(t, 10*time.Second, c.IdentitySent))

	c.MarkDone()
	assert.Equal(t, types.AgentStatusDone, c.Status())
}
