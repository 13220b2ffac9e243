package server

import (
	"strings"
	"sync"
	"time"

	uuid "github.com/google/uuid"
	types "github.com/synapse-agents/synapse/types"
	zap "go.uber.org/zap"
)

// defaultTaskStoreCap bounds the number of tasks kept in memory. Terminal
// tasks are evicted before live ones when the cap is exceeded.
const defaultTaskStoreCap = 1000

// TaskStore manages the in-memory A2A task map for one wrapper process.
type TaskStore interface {
	// Create stores a new task in submitted state built from the message.
	Create(message types.Message, metadata map[string]any) *types.Task

	// Get retrieves a task by its full ID.
	Get(taskID string) (*types.Task, bool)

	// GetByPrefix resolves a task by full ID or case-insensitive unique
	// prefix. Returns TaskNotFoundError or AmbiguousTaskIDError on failure.
	GetByPrefix(prefix string) (*types.Task, error)

	// UpdateStatus transitions a task's state. Transitions out of terminal
	// states are rejected with TaskFinalizedError.
	UpdateStatus(taskID string, state types.TaskState) error

	// AddArtifact appends an artifact to a task preserving order; the
	// artifact index is assigned from the array position.
	AddArtifact(taskID string, parts []types.Part) error

	// List returns a snapshot of all stored tasks in insertion order.
	List() []*types.Task
}

// InMemoryTaskStore implements TaskStore behind a single mutex. Task counts
// are bounded and short-lived, so prefix lookup is a linear scan.
type InMemoryTaskStore struct {
	logger *zap.Logger
	mu     sync.Mutex
	tasks  map[string]*types.Task
	order  []string // insertion order, for ring-cap eviction
	cap    int
}

var _ TaskStore = (*InMemoryTaskStore)(nil)

// NewInMemoryTaskStore creates a task store with the default capacity.
func NewInMemoryTaskStore(logger *zap.Logger) *InMemoryTaskStore {
	return NewInMemoryTaskStoreWithCap(logger, defaultTaskStoreCap)
}

// NewInMemoryTaskStoreWithCap creates a task store with a custom capacity.
func NewInMemoryTaskStoreWithCap(logger *zap.Logger, capacity int) *InMemoryTaskStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = defaultTaskStoreCap
	}

	return &InMemoryTaskStore{
		logger: logger,
		tasks:  make(map[string]*types.Task),
		cap:    capacity,
	}
}

// Create stores a new task in submitted state
func (s *InMemoryTaskStore) Create(message types.Message, metadata map[string]any) *types.Task {
	now := time.Now().UTC()
	task := &types.Task{
		ID:        uuid.New().String(),
		Status:    types.TaskStateSubmitted,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	s.evictLocked()

	s.logger.Debug("task created",
		zap.String("task_id", task.ID),
		zap.String("state", string(task.Status)))

	return copyTask(task)
}

// Get retrieves a task by its full ID
func (s *InMemoryTaskStore) Get(taskID string) (*types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, false
	}
	return copyTask(task), true
}

// GetByPrefix resolves a task by full ID or case-insensitive unique prefix
func (s *InMemoryTaskStore) GetByPrefix(prefix string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A full 36-char UUID resolves by exact (lowercase-equivalent) match.
	needle := strings.ToLower(prefix)
	if len(needle) == 36 {
		if task, ok := s.tasks[needle]; ok {
			return copyTask(task), nil
		}
		return nil, NewTaskNotFoundError(prefix)
	}

	var match *types.Task
	matches := 0
	for id, task := range s.tasks {
		if strings.HasPrefix(id, needle) {
			match = task
			matches++
		}
	}

	switch matches {
	case 0:
		return nil, NewTaskNotFoundError(prefix)
	case 1:
		return copyTask(match), nil
	default:
		return nil, NewAmbiguousTaskIDError(prefix, matches)
	}
}

// UpdateStatus transitions a task's state
func (s *InMemoryTaskStore) UpdateStatus(taskID string, state types.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return NewTaskNotFoundError(taskID)
	}

	if task.Status.IsFinal() {
		return NewTaskFinalizedError(taskID, task.Status)
	}

	task.Status = state
	task.UpdatedAt = time.Now().UTC()

	s.logger.Debug("task state updated",
		zap.String("task_id", taskID),
		zap.String("state", string(state)))

	return nil
}

// AddArtifact appends an artifact to a task preserving order
func (s *InMemoryTaskStore) AddArtifact(taskID string, parts []types.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return NewTaskNotFoundError(taskID)
	}

	task.Artifacts = append(task.Artifacts, types.Artifact{
		Index: len(task.Artifacts),
		Parts: parts,
	})
	task.UpdatedAt = time.Now().UTC()

	s.logger.Debug("artifact added",
		zap.String("task_id", taskID),
		zap.Int("index", len(task.Artifacts)-1))

	return nil
}

// List returns a snapshot of all stored tasks in insertion order
func (s *InMemoryTaskStore) List() []*types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*types.Task, 0, len(s.order))
	for _, id := range s.order {
		if task, ok := s.tasks[id]; ok {
			result = append(result, copyTask(task))
		}
	}
	return result
}

// evictLocked drops the oldest tasks above capacity, terminal ones first.
// Caller must hold s.mu.
func (s *InMemoryTaskStore) evictLocked() {
	if len(s.order) <= s.cap {
		return
	}

	excess := len(s.order) - s.cap

	// First pass: oldest terminal tasks.
	for _, id := range s.order {
		if excess == 0 {
			break
		}
		if task, ok := s.tasks[id]; ok && task.Status.IsFinal() {
			delete(s.tasks, id)
			excess--
		}
	}

	// Second pass: oldest tasks regardless of state.
	for _, id := range s.order {
		if excess == 0 {
			break
		}
		if _, ok := s.tasks[id]; ok {
			delete(s.tasks, id)
			excess--
		}
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.tasks[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

// copyTask returns a shallow copy with its own artifact slice, so callers
// cannot mutate stored state.
func copyTask(task *types.Task) *types.Task {
	taskCopy := *task
	if task.Artifacts != nil {
		taskCopy.Artifacts = make([]types.Artifact, len(task.Artifacts))
		copy(taskCopy.Artifacts, task.Artifacts)
	}
	return &taskCopy
}
