// Package client implements the A2A protocol client wrappers use to talk to
// each other. Clients prefer a peer's Unix-domain socket when one is
// advertised; TCP is the universal fallback.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/synapse-agents/synapse/types"
	"go.uber.org/zap"
)

// A2AClient defines the interface for an A2A protocol client
type A2AClient interface {
	// Agent discovery
	GetAgentCard(ctx context.Context) (*types.AgentCard, error)
	GetStatus(ctx context.Context) (*StatusResponse, error)

	// Task operations
	SendTask(ctx context.Context, message types.Message, metadata map[string]any) (*types.Task, error)
	SendPriorityTask(ctx context.Context, message types.Message, metadata map[string]any, priority int) (*types.Task, error)
	CreateTask(ctx context.Context, message types.Message, metadata map[string]any) (*types.Task, error)
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	CancelTask(ctx context.Context, taskID string) (*types.Task, error)

	// Configuration
	SetTimeout(timeout time.Duration)
	BaseURL() string
}

var _ A2AClient = (*Client)(nil)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Context string `json:"context"`
}

// Config holds configuration options for the A2A client
type Config struct {
	// BaseURL is the peer's HTTP endpoint, e.g. http://127.0.0.1:8100.
	BaseURL string

	// UDSPath, when set and present on disk, is dialed instead of TCP.
	UDSPath string

	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client represents an A2A protocol client
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for a peer endpoint, TCP transport.
func NewClient(baseURL string) *Client {
	return NewClientWithConfig(&Config{BaseURL: baseURL})
}

// NewClientWithConfig creates a client with custom configuration. A usable
// UDSPath switches the transport to the peer's socket while keeping the
// http:// request URLs intact.
func NewClientWithConfig(config *Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
		if config.UDSPath != "" && socketUsable(config.UDSPath) {
			udsPath := config.UDSPath
			httpClient.Transport = &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", udsPath)
				},
			}
			logger.Debug("using unix socket transport", zap.String("path", udsPath))
		}
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}
}

func socketUsable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}

// BaseURL returns the configured peer endpoint.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// SetTimeout updates the request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// GetAgentCard fetches the peer's agent card.
func (c *Client) GetAgentCard(ctx context.Context) (*types.AgentCard, error) {
	var card types.AgentCard
	if err := c.get(ctx, "/.well-known/agent.json", &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// GetStatus fetches the peer's live status and rendered context.
func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.get(ctx, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// taskRequest is the body for the task-creating endpoints.
type taskRequest struct {
	Message  types.Message  `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SendTask creates and dispatches a task on the peer.
func (c *Client) SendTask(ctx context.Context, message types.Message, metadata map[string]any) (*types.Task, error) {
	var task types.Task
	err := c.post(ctx, "/tasks/send", taskRequest{Message: message, Metadata: metadata}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// SendPriorityTask is SendTask at a priority; priorities of 5 and above
// interrupt whatever the peer's child is doing first.
func (c *Client) SendPriorityTask(ctx context.Context, message types.Message, metadata map[string]any, priority int) (*types.Task, error) {
	var task types.Task
	path := fmt.Sprintf("/tasks/send-priority?priority=%d", priority)
	err := c.post(ctx, path, taskRequest{Message: message, Metadata: metadata}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask reserves a task on the peer without writing to its PTY.
func (c *Client) CreateTask(ctx context.Context, message types.Message, metadata map[string]any) (*types.Task, error) {
	var task types.Task
	err := c.post(ctx, "/tasks/create", taskRequest{Message: message, Metadata: metadata}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches a task by id or unique prefix.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var task types.Task
	if err := c.get(ctx, "/tasks/"+taskID, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CancelTask cancels a non-terminal task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*types.Task, error) {
	var task types.Task
	if err := c.post(ctx, "/tasks/"+taskID+"/cancel", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// HTTPError is a non-2xx response from a peer.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("peer returned %d: %s", e.StatusCode, e.Body)
}
