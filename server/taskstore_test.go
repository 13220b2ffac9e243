package server_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synapse-agents/synapse/server"
	"github.com/synapse-agents/synapse/types"
	"go.uber.org/zap"
)

func newStore(t *testing.T) *server.InMemoryTaskStore {
	t.Helper()
	return server.NewInMemoryTaskStore(zap.NewNop())
}

func TestTaskStoreCreateAndGet(t *testing.T) {
	store := newStore(t)
	task := store.Create(types.NewTextMessage(types.RoleUser, "hello"), nil)

	require.Len(t, task.ID, 36)
	assert.Equal(t, types.TaskStateSubmitted, task.Status)

	got, ok := store.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, task.ID, got.ID)

	_, ok = store.Get("nope")
	assert.False(t, ok)
}

func TestTaskStorePrefixResolution(t *testing.T) {
	store := newStore(t)

	task := store.Create(types.NewTextMessage(types.RoleUser, "first"), nil)

	got, err := store.GetByPrefix(task.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	// Prefix matching is case-insensitive.
	got, err = store.GetByPrefix(strings.ToUpper(task.ID[:8]))
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	// Engineer a second task sharing the first character.
	var second *types.Task
	for i := 0; i < 10000; i++ {
		candidate := store.Create(types.NewTextMessage(types.RoleUser, "second"), nil)
		if candidate.ID[0] == task.ID[0] {
			second = candidate
			break
		}
	}
	require.NotNil(t, second, "expected to find a colliding first character")

	_, err = store.GetByPrefix(task.ID[:1])
	var ambiguous *server.AmbiguousTaskIDError
	require.ErrorAs(t, err, &ambiguous)
	assert.GreaterOrEqual(t, ambiguous.Matches, 2)

	_, err = store.GetByPrefix("zzzzzzzz")
	var notFound *server.TaskNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestTaskStoreStatusMonotonic(t *testing.T) {
	store := newStore(t)
	task := store.Create(types.NewTextMessage(types.RoleUser, "x"), nil)

	require.NoError(t, store.UpdateStatus(task.ID, types.TaskStateWorking))
	require.NoError(t, store.UpdateStatus(task.ID, types.TaskStateCompleted))

	err := store.UpdateStatus(task.ID, types.TaskStateWorking)
	var finalized *server.TaskFinalizedError
	require.ErrorAs(t, err, &finalized)
	assert.Equal(t, types.TaskStateCompleted, finalized.State)

	got, _ := store.Get(task.ID)
	assert.Equal(t, types.TaskStateCompleted, got.Status)
}

func TestTaskStoreArtifactsPreserveOrder(t *testing.T) {
	store := newStore(t)
	task := store.Create(types.NewTextMessage(types.RoleUser, "x"), nil)

	require.NoError(t, store.AddArtifact(task.ID, []types.Part{types.NewTextPart("one")}))
	require.NoError(t, store.AddArtifact(task.ID, []types.Part{types.NewTextPart("two")}))

	got, _ := store.Get(task.ID)
	require.Len(t, got.Artifacts, 2)
	assert.Equal(t, 0, got.Artifacts[0].Index)
	assert.Equal(t, 1, got.Artifacts[1].Index)
	assert.Equal(t, "one", got.Artifacts[0].Parts[0].Text)
	assert.Equal(t, "two", got.Artifacts[1].Parts[0].Text)
}

func TestTaskStoreEviction(t *testing.T) {
	store := server.NewInMemoryTaskStoreWithCap(zap.NewNop(), 3)

	first := store.Create(types.NewTextMessage(types.RoleUser, "a"), nil)
	require.NoError(t, store.UpdateStatus(first.ID, types.TaskStateCompleted))

	for i := 0; i < 3; i++ {
		store.Create(types.NewTextMessage(types.RoleUser, "fill"), nil)
	}

	// Terminal tasks go first when the cap is exceeded.
	_, ok := store.Get(first.ID)
	assert.False(t, ok)
	assert.LessOrEqual(t, len(store.List()), 3)
}
