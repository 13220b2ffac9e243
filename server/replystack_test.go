package server_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synapse-agents/synapse/server"
	"github.com/synapse-agents/synapse/types"
	"go.uber.org/zap"
)

func target(id string) types.SenderInfo {
	return types.SenderInfo{
		SenderID:       id,
		SenderEndpoint: "http://127.0.0.1:9999",
		SenderTaskID:   "task-" + id,
	}
}

func TestReplyStackGetIsNonDestructive(t *testing.T) {
	stack := server.NewReplyStack(zap.NewNop())
	stack.Set("a", target("a"))

	got, ok := stack.Get("a")
	require.True(t, ok)
	assert.Equal(t, "task-a", got.SenderTaskID)

	// A second get still finds it.
	_, ok = stack.Get("a")
	assert.True(t, ok)
}

func TestReplyStackPopWithoutKeyIsLIFO(t *testing.T) {
	stack := server.NewReplyStack(zap.NewNop())
	stack.Set("a", target("a"))
	stack.Set("b", target("b"))
	stack.Set("c", target("c"))

	got, ok := stack.Pop("")
	require.True(t, ok)
	assert.Equal(t, "c", got.SenderID)

	got, ok = stack.Pop("")
	require.True(t, ok)
	assert.Equal(t, "b", got.SenderID)

	// Keyed pop removes just that entry.
	got, ok = stack.Pop("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.SenderID)

	_, ok = stack.Pop("")
	assert.False(t, ok)
}

func TestReplyStackSetRefreshesRecency(t *testing.T) {
	stack := server.NewReplyStack(zap.NewNop())
	stack.Set("a", target("a"))
	stack.Set("b", target("b"))
	stack.Set("a", target("a")) // touch a again

	got, ok := stack.Pop("")
	require.True(t, ok)
	assert.Equal(t, "a", got.SenderID)
}

func TestReplyStackListAndClear(t *testing.T) {
	stack := server.NewReplyStack(zap.NewNop())
	stack.Set("a", target("a"))
	stack.Set("b", target("b"))

	assert.ElementsMatch(t, []string{"a", "b"}, stack.ListSenders())

	last, ok := stack.PeekLast()
	require.True(t, ok)
	assert.Equal(t, "b", last.SenderID)

	stack.Clear()
	assert.Empty(t, stack.ListSenders())
	_, ok = stack.PeekLast()
	assert.False(t, ok)
}
