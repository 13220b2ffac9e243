package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synapse-agents/synapse/server"
	"github.com/synapse-agents/synapse/server/config"
	"github.com/synapse-agents/synapse/types"
	"go.uber.org/zap"
)

// fakeController stands in for the PTY controller.
type fakeController struct {
	mu         sync.Mutex
	writes     []string
	interrupts int
	status     types.AgentStatus
	writeErr   error
}

func (f *fakeController) Write(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, text)
	return nil
}

func (f *fakeController) Interrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeController) Status() types.AgentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		return types.AgentStatusReady
	}
	return f.status
}

func (f *fakeController) RenderedContext() string { return "$ " }
func (f *fakeController) MarkDone()               {}
func (f *fakeController) IdentitySent() bool      { return true }

func (f *fakeController) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.writes...)
}

func (f *fakeController) interrupted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

type testServer struct {
	srv        *server.Server
	controller *fakeController
	tasks      server.TaskStore
	gate       *server.ReadinessGate
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg, err := config.LoadWithLookuper(context.Background(), nil, envconfig.MapLookuper(map[string]string{
		"SYNAPSE_SERVER_READINESS_WAIT": "100ms",
		"SYNAPSE_TASK_BOARD_ENABLED":    "false",
	}))
	require.NoError(t, err)

	controller := &fakeController{}
	tasks := server.NewInMemoryTaskStore(zap.NewNop())
	gate := server.NewReadinessGateWithWait(100 * time.Millisecond)
	gate.Open()

	srv, err := server.NewServer(server.Options{
		Config:     cfg,
		Logger:     zap.NewNop(),
		Controller: controller,
		Tasks:      tasks,
		Gate:       gate,
		Card: types.AgentCard{
			AgentID:   "synapse-dummy-8190",
			AgentType: "dummy",
			Version:   server.Version,
			Endpoint:  "http://127.0.0.1:8190",
		},
	})
	require.NoError(t, err)

	return &testServer{srv: srv, controller: controller, tasks: tasks, gate: gate}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(w, req)
	return w
}

func decodeTask(t *testing.T, w *httptest.ResponseRecorder) types.Task {
	t.Helper()
	var task types.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	return task
}

func TestAgentCardAndStatus(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/.well-known/agent.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var card types.AgentCard
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))
	assert.Equal(t, "synapse-dummy-8190", card.AgentID)

	w = ts.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(types.AgentStatusReady))
}

func TestTaskSendWritesToChild(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/tasks/send", map[string]any{"text": "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	task := decodeTask(t, w)
	assert.Equal(t, types.TaskStateWorking, task.Status)

	writes := ts.controller.written()
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0], "hi")
	assert.Contains(t, writes[0], "[A2A:"+task.ID[:8])
}

func TestTaskCreateDoesNotWrite(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/tasks/create", map[string]any{
		"message": types.NewTextMessage(types.RoleUser, "pending work"),
		"metadata": map[string]any{
			types.MetadataResponseExpected: true,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	task := decodeTask(t, w)
	assert.Equal(t, types.TaskStateSubmitted, task.Status)
	assert.Empty(t, ts.controller.written())
}

func TestReadinessGateReturns503(t *testing.T) {
	ts := newTestServer(t)
	closed := server.NewReadinessGateWithWait(50 * time.Millisecond)

	srv, err := server.NewServer(server.Options{
		Config:     mustConfig(t),
		Logger:     zap.NewNop(),
		Controller: ts.controller,
		Gate:       closed,
		Card:       types.AgentCard{AgentID: "synapse-dummy-8191"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/tasks/send",
		bytes.NewReader([]byte(`{"text":"hi"}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	closed.Open()
	req = httptest.NewRequest(http.MethodPost, "/tasks/send",
		bytes.NewReader([]byte(`{"text":"hi"}`)))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func mustConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithLookuper(context.Background(), nil, envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)
	return cfg
}

func TestTaskPrefixLookupOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/tasks/send", map[string]any{"text": "one"})
	require.Equal(t, http.StatusOK, w.Code)
	task := decodeTask(t, w)

	w = ts.do(t, http.MethodGet, "/tasks/"+task.ID[:8], nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, task.ID, decodeTask(t, w).ID)

	w = ts.do(t, http.MethodGet, "/tasks/ffffffff", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskCancel(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/tasks/create", map[string]any{"text": "x"})
	task := decodeTask(t, w)

	w = ts.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.TaskStateCanceled, decodeTask(t, w).Status)

	// Terminal tasks are frozen; a second cancel conflicts.
	w = ts.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSendPriorityInterruptsAtThreshold(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/tasks/send-priority?priority=4", map[string]any{"text": "soft"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, ts.controller.interrupted())

	w = ts.do(t, http.MethodPost, "/tasks/send-priority?priority=5", map[string]any{"text": "urgent"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ts.controller.interrupted())
}

func TestSendPriorityCompletesReferencedTask(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/tasks/create", map[string]any{"text": "ask"})
	original := decodeTask(t, w)

	w = ts.do(t, http.MethodPost, "/tasks/send-priority", map[string]any{
		"text": "the answer",
		"metadata": map[string]any{
			types.MetadataInReplyTo: original.ID[:8],
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	completed := decodeTask(t, w)
	assert.Equal(t, original.ID, completed.ID)
	assert.Equal(t, types.TaskStateCompleted, completed.Status)
	require.Len(t, completed.Artifacts, 1)
	assert.Equal(t, "the answer", completed.Artifacts[0].Parts[0].Text)

	// The reply completed a local task; nothing goes to the child.
	assert.Empty(t, ts.controller.written())
}

func TestReplyRoutesToRecordedSender(t *testing.T) {
	ts := newTestServer(t)

	type received struct {
		Message  types.Message  `json:"message"`
		Metadata map[string]any `json:"metadata"`
	}
	got := make(chan received, 1)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body received
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got <- body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"reply-task"}`))
	}))
	defer peer.Close()

	// An inbound task records its sender as a reply target.
	w := ts.do(t, http.MethodPost, "/tasks/send", map[string]any{
		"text": "question",
		"metadata": map[string]any{
			types.MetadataSender: map[string]any{
				"sender_id":       "synapse-codex-8120",
				"sender_endpoint": peer.URL,
				"sender_task_id":  "their-task-id",
			},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/reply", map[string]any{"text": "the answer"})
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case body := <-got:
		assert.Equal(t, types.RoleAgent, body.Message.Role)
		assert.Equal(t, "the answer", types.FirstText(body.Message))
		assert.Equal(t, "their-task-id", body.Metadata[types.MetadataInReplyTo])
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the reply")
	}
}

func TestReplyWithoutTargetIs404(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/reply", map[string]any{"text": "orphan"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/reply", map[string]any{"text": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// mapMirror is an in-memory TaskMirror for exercising the shared-storage
// fallback on task lookup.
type mapMirror struct {
	mu    sync.Mutex
	tasks map[string]*types.Task
}

func newMapMirror() *mapMirror {
	return &mapMirror{tasks: make(map[string]*types.Task)}
}

func (m *mapMirror) Publish(ctx context.Context, task *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *mapMirror) Fetch(ctx context.Context, taskID string) (*types.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	return task, ok
}

func (m *mapMirror) Close() error { return nil }

func TestTaskGetFallsBackToMirror(t *testing.T) {
	mirror := newMapMirror()
	mirror.tasks["aaaabbbb-0000-0000-0000-000000000000"] = &types.Task{
		ID:     "aaaabbbb-0000-0000-0000-000000000000",
		Status: types.TaskStateCompleted,
	}

	gate := server.NewReadinessGateWithWait(100 * time.Millisecond)
	gate.Open()
	srv, err := server.NewServer(server.Options{
		Config:     mustConfig(t),
		Logger:     zap.NewNop(),
		Controller: &fakeController{},
		Tasks:      server.NewInMemoryTaskStore(zap.NewNop()),
		Gate:       gate,
		Mirror:     mirror,
		Card:       types.AgentCard{AgentID: "synapse-dummy-8190"},
	})
	require.NoError(t, err)
	ts := &testServer{srv: srv}

	// Unknown locally and unknown to the mirror.
	w := ts.do(t, http.MethodGet, "/tasks/ffffffff-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Unknown locally but mirrored by a sibling agent.
	w = ts.do(t, http.MethodGet, "/tasks/aaaabbbb-0000-0000-0000-000000000000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.TaskStateCompleted, decodeTask(t, w).Status)
}

func TestWebhookCRUDOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/webhooks", map[string]any{
		"url":    "http://127.0.0.1:9/hook",
		"events": []string{server.EventTaskCompleted},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodGet, "/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http://127.0.0.1:9/hook")

	w = ts.do(t, http.MethodDelete, "/webhooks/http%3A%2F%2F127.0.0.1%3A9%2Fhook", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/webhooks/deliveries", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSpawnWithoutSpawnerIs501(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/spawn", map[string]any{"profile": "dummy"})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestMalformedBodyIs400(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/tasks/send", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/tasks/send", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
