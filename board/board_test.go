package board_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synapse-agents/synapse/board"
	"go.uber.org/zap"
)

func openBoard(t *testing.T) *board.Board {
	t.Helper()
	b, err := board.Open(filepath.Join(t.TempDir(), "task_board.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBoardCreateAndGet(t *testing.T) {
	b := openBoard(t)

	id, err := b.Create("write docs", "user guide", "synapse-claude-8100", nil)
	require.NoError(t, err)
	require.Len(t, id, 36)

	task, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "write docs", task.Subject)
	assert.Equal(t, board.StatusPending, task.Status)
	assert.Empty(t, task.Assignee)
	assert.Nil(t, task.CompletedAt)

	_, err = b.Get("missing")
	assert.Error(t, err)

	_, err = b.Create("", "", "x", nil)
	assert.Error(t, err)
}

func TestBoardClaimRace(t *testing.T) {
	b := openBoard(t)

	id, err := b.Create("contended", "", "creator", nil)
	require.NoError(t, err)

	agents := []string{"agent-a", "agent-b", "agent-c", "agent-d"}
	results := make(map[string]bool, len(agents))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, agent := range agents {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			won, err := b.Claim(id, agent)
			assert.NoError(t, err)
			mu.Lock()
			results[agent] = won
			mu.Unlock()
		}(agent)
	}
	wg.Wait()

	winners := 0
	var winner string
	for agent, won := range results {
		if won {
			winners++
			winner = agent
		}
	}
	require.Equal(t, 1, winners, "exactly one claim must win")

	task, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, winner, task.Assignee)
	assert.Equal(t, board.StatusInProgress, task.Status)
}

func TestBoardDependencyUnblock(t *testing.T) {
	b := openBoard(t)

	a, err := b.Create("first", "", "creator", nil)
	require.NoError(t, err)
	dependent, err := b.Create("second", "", "creator", []string{a})
	require.NoError(t, err)

	// Blocked task cannot be claimed.
	won, err := b.Claim(dependent, "x")
	require.NoError(t, err)
	assert.False(t, won)

	won, err = b.Claim(a, "y")
	require.NoError(t, err)
	require.True(t, won)

	unblocked, err := b.Complete(a, "y")
	require.NoError(t, err)
	assert.Equal(t, []string{dependent}, unblocked)

	won, err = b.Claim(dependent, "x")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestBoardCompleteRequiresAssignee(t *testing.T) {
	b := openBoard(t)

	id, err := b.Create("task", "", "creator", nil)
	require.NoError(t, err)

	_, err = b.Complete(id, "imposter")
	assert.Error(t, err)

	won, err := b.Claim(id, "owner")
	require.NoError(t, err)
	require.True(t, won)

	_, err = b.Complete(id, "imposter")
	assert.Error(t, err)

	unblocked, err := b.Complete(id, "owner")
	require.NoError(t, err)
	assert.Empty(t, unblocked)

	task, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, board.StatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
}

func TestBoardAvailableFiltersBlockedAndAssigned(t *testing.T) {
	b := openBoard(t)

	free, err := b.Create("free", "", "c", nil)
	require.NoError(t, err)
	blockedOn, err := b.Create("gate", "", "c", nil)
	require.NoError(t, err)
	_, err = b.Create("blocked", "", "c", []string{blockedOn})
	require.NoError(t, err)

	taken, err := b.Create("taken", "", "c", nil)
	require.NoError(t, err)
	won, err := b.Claim(taken, "someone")
	require.NoError(t, err)
	require.True(t, won)

	available, err := b.Available()
	require.NoError(t, err)

	ids := make([]string, 0, len(available))
	for _, task := range available {
		ids = append(ids, task.ID)
	}
	assert.ElementsMatch(t, []string{free, blockedOn}, ids)
}

func TestBoardListFilters(t *testing.T) {
	b := openBoard(t)

	id, err := b.Create("one", "", "c", nil)
	require.NoError(t, err)
	_, err = b.Create("two", "", "c", nil)
	require.NoError(t, err)

	won, err := b.Claim(id, "a")
	require.NoError(t, err)
	require.True(t, won)

	pending, err := b.List(board.StatusPending, "")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	mine, err := b.List("", "a")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, id, mine[0].ID)

	all, err := b.List("", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
