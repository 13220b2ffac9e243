package types

import "time"

// TaskState represents the lifecycle state of an A2A task.
type TaskState string

// TaskState enum values
const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input_required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

// String returns the string representation of the TaskState
func (s TaskState) String() string {
	return string(s)
}

// IsFinal reports whether the state is terminal. Terminal tasks are frozen:
// no endpoint may transition a task out of a terminal state.
func (s TaskState) IsFinal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	default:
		return false
	}
}

// AgentStatus is the liveness state the terminal controller infers for the
// wrapped CLI process.
type AgentStatus string

// AgentStatus enum values
const (
	AgentStatusProcessing AgentStatus = "PROCESSING"
	AgentStatusReady      AgentStatus = "READY"
	AgentStatusWaiting    AgentStatus = "WAITING"
	AgentStatusDone       AgentStatus = "DONE"
)

// String returns the string representation of the AgentStatus
func (s AgentStatus) String() string {
	return string(s)
}

// Role identifies the author of a message.
type Role string

// Role enum values
const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one unit of communication between peers: a role plus an ordered
// list of parts.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Artifact is a post-processed output segment appended to a task. Index is
// the artifact's position in the task's artifact list.
type Artifact struct {
	Index int    `json:"index"`
	Parts []Part `json:"parts"`
}

// Task is the core unit of A2A work. Status progresses monotonically into
// one of the terminal states; Metadata carries routing hints such as
// "sender", "in_reply_to" and "response_expected".
type Task struct {
	ID        string         `json:"id"`
	Status    TaskState      `json:"status"`
	Message   Message        `json:"message"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SenderInfo identifies the peer that sent a task, so the wrapper can route
// a reply home. Carried under metadata key "sender".
type SenderInfo struct {
	SenderID       string `json:"sender_id"`
	SenderEndpoint string `json:"sender_endpoint"`
	SenderTaskID   string `json:"sender_task_id,omitempty"`
	SenderUDSPath  string `json:"sender_uds_path,omitempty"`
	SenderType     string `json:"sender_type,omitempty"`
}

// Metadata keys the core relies on.
const (
	MetadataSender           = "sender"
	MetadataInReplyTo        = "in_reply_to"
	MetadataResponseExpected = "response_expected"
)

// AgentCapabilities describes what a wrapper can do on behalf of its child
// CLI.
type AgentCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"push_notifications"`
	TaskBoard         bool `json:"task_board"`
}

// AgentCard is the self-describing manifest served at
// /.well-known/agent.json.
type AgentCard struct {
	AgentID       string            `json:"agent_id"`
	AgentType     string            `json:"agent_type"`
	Name          string            `json:"name,omitempty"`
	Role          string            `json:"role,omitempty"`
	Description   string            `json:"description,omitempty"`
	Version       string            `json:"version"`
	Endpoint      string            `json:"endpoint"`
	UDSPath       string            `json:"uds_path,omitempty"`
	Capabilities  AgentCapabilities `json:"capabilities"`
	AcceptedParts []string          `json:"accepted_parts"`
}

// Health status constants
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)
