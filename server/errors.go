package server

import (
	"fmt"

	types "github.com/synapse-agents/synapse/types"
)

// TaskNotFoundError represents an error when a task is not found
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return "task not found: " + e.TaskID
}

// NewTaskNotFoundError creates a new TaskNotFoundError
func NewTaskNotFoundError(taskID string) error {
	return &TaskNotFoundError{TaskID: taskID}
}

// AmbiguousTaskIDError represents a prefix lookup that matched more than one
// task. Matches carries the number of candidates so the caller can report it.
type AmbiguousTaskIDError struct {
	Prefix  string
	Matches int
}

func (e *AmbiguousTaskIDError) Error() string {
	return fmt.Sprintf("ambiguous task id prefix %q: %d matches", e.Prefix, e.Matches)
}

// NewAmbiguousTaskIDError creates a new AmbiguousTaskIDError
func NewAmbiguousTaskIDError(prefix string, matches int) error {
	return &AmbiguousTaskIDError{Prefix: prefix, Matches: matches}
}

// TaskFinalizedError represents an attempted transition out of a terminal
// task state.
type TaskFinalizedError struct {
	TaskID string
	State  types.TaskState
}

func (e *TaskFinalizedError) Error() string {
	return fmt.Sprintf("task %s is already %s and cannot change state", e.TaskID, e.State)
}

// NewTaskFinalizedError creates a new TaskFinalizedError
func NewTaskFinalizedError(taskID string, state types.TaskState) error {
	return &TaskFinalizedError{TaskID: taskID, State: state}
}

// NotReadyError represents a write-bearing request arriving before the
// controller finished its initial-instruction handshake.
type NotReadyError struct {
	RetryAfter int
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("agent is not ready for input, retry after %ds", e.RetryAfter)
}

// NewNotReadyError creates a new NotReadyError
func NewNotReadyError(retryAfter int) error {
	return &NotReadyError{RetryAfter: retryAfter}
}
