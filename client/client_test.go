package client_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synapse-agents/synapse/client"
	"github.com/synapse-agents/synapse/types"
)

func taskHandler(t *testing.T, wantPath string, capture *map[string]any) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, wantPath, r.URL.Path)

		var body struct {
			Message  types.Message  `json:"message"`
			Metadata map[string]any `json:"metadata"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if capture != nil {
			*capture = body.Metadata
		}

		task := types.Task{
			ID:     "11111111-2222-3333-4444-555555555555",
			Status: types.TaskStateWorking,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(task)
	}
}

func TestSendTask(t *testing.T) {
	var meta map[string]any
	srv := httptest.NewServer(taskHandler(t, "/tasks/send", &meta))
	defer srv.Close()

	c := client.NewClient(srv.URL)
	task, err := c.SendTask(context.Background(),
		types.NewTextMessage(types.RoleUser, "review the patch"),
		map[string]any{types.MetadataResponseExpected: true})
	require.NoError(t, err)

	assert.Equal(t, types.TaskStateWorking, task.Status)
	assert.Equal(t, true, meta[types.MetadataResponseExpected])
}

func TestSendPriorityTaskCarriesPriority(t *testing.T) {
	var gotPriority string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPriority = r.URL.Query().Get("priority")
		_ = json.NewEncoder(w).Encode(types.Task{ID: "t", Status: types.TaskStateWorking})
	}))
	defer srv.Close()

	c := client.NewClient(srv.URL)
	_, err := c.SendPriorityTask(context.Background(),
		types.NewTextMessage(types.RoleUser, "drop everything"), nil, 7)
	require.NoError(t, err)
	assert.Equal(t, "7", gotPriority)
}

func TestGetAgentCardAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/agent.json":
			_ = json.NewEncoder(w).Encode(types.AgentCard{AgentID: "synapse-claude-8100"})
		case "/status":
			_ = json.NewEncoder(w).Encode(client.StatusResponse{
				AgentID: "synapse-claude-8100",
				Status:  "READY",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := client.NewClient(srv.URL)

	card, err := c.GetAgentCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "synapse-claude-8100", card.AgentID)

	status, err := c.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "READY", status.Status)
}

func TestGetAndCancelTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/tasks/abc123":
			_ = json.NewEncoder(w).Encode(types.Task{ID: "abc123", Status: types.TaskStateWorking})
		case r.Method == http.MethodPost && r.URL.Path == "/tasks/abc123/cancel":
			_ = json.NewEncoder(w).Encode(types.Task{ID: "abc123", Status: types.TaskStateCanceled})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := client.NewClient(srv.URL)

	task, err := c.GetTask(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateWorking, task.Status)

	task, err = c.CancelTask(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCanceled, task.Status)
}

func TestNon2xxReturnsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := client.NewClient(srv.URL)
	_, err := c.GetTask(context.Background(), "missing")
	require.Error(t, err)

	var httpErr *client.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "task not found")
}

func TestUnixSocketTransport(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "peer.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.AgentCard{AgentID: "uds-peer"})
	})}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	// BaseURL points at a port nothing listens on; only the socket answers.
	c := client.NewClientWithConfig(&client.Config{
		BaseURL: "http://127.0.0.1:1",
		UDSPath: sockPath,
	})

	card, err := c.GetAgentCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "uds-peer", card.AgentID)
}

func TestMissingSocketFallsBackToTCP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.AgentCard{AgentID: "tcp-peer"})
	}))
	defer srv.Close()

	c := client.NewClientWithConfig(&client.Config{
		BaseURL: srv.URL,
		UDSPath: filepath.Join(t.TempDir(), "absent.sock"),
	})

	card, err := c.GetAgentCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tcp-peer", card.AgentID)
}
