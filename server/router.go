package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/synapse-agents/synapse/board"
	"github.com/synapse-agents/synapse/client"
	"github.com/synapse-agents/synapse/history"
	"github.com/synapse-agents/synapse/registry"
	config "github.com/synapse-agents/synapse/server/config"
	"github.com/synapse-agents/synapse/server/middlewares"
	otel "github.com/synapse-agents/synapse/server/otel"
	"github.com/synapse-agents/synapse/types"
	"go.uber.org/zap"
)

// Version is the wrapper protocol version advertised on the agent card.
const Version = "0.4.0"

// ControllerAPI is the slice of the terminal controller the router drives.
type ControllerAPI interface {
	Write(text string) error
	Interrupt() error
	Status() types.AgentStatus
	RenderedContext() string
	MarkDone()
	IdentitySent() bool
}

// Spawner lets the A2A surface request new agents from whatever launched
// this wrapper. The host CLI provides the implementation; a wrapper started
// standalone has none and the spawn endpoints return 501.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (agentID string, err error)
	StartTeam(ctx context.Context, req TeamRequest) (agentIDs []string, err error)
}

// SpawnRequest asks for one new agent.
type SpawnRequest struct {
	Profile  string   `json:"profile" binding:"required"`
	Name     string   `json:"name,omitempty"`
	Role     string   `json:"role,omitempty"`
	SkillSet []string `json:"skill_set,omitempty"`
}

// TeamRequest asks for a named set of agents.
type TeamRequest struct {
	Team   string         `json:"team,omitempty"`
	Agents []SpawnRequest `json:"agents,omitempty"`
}

// externalPeer is a remembered remote agent, addressable by alias.
type externalPeer struct {
	Card     types.AgentCard
	Endpoint string
	UDSPath  string
}

// Server is the A2A HTTP surface of one wrapper.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	controller ControllerAPI
	tasks      TaskStore
	replies    *ReplyStack
	webhooks   *WebhookRegistry
	dispatcher *WebhookDispatcher
	gate       *ReadinessGate
	mirror     TaskMirror
	taskBoard  *board.Board
	historyDB  *history.Store
	agents     *registry.Registry
	telemetry  otel.OpenTelemetry
	spawner    Spawner

	card   types.AgentCard
	engine *gin.Engine

	mu        sync.Mutex
	externals map[string]externalPeer
}

// Options collects the dependencies of a Server. Controller, TaskStore and
// config are required; everything else degrades gracefully when nil.
type Options struct {
	Config     *config.Config
	Logger     *zap.Logger
	Controller ControllerAPI
	Tasks      TaskStore
	Replies    *ReplyStack
	Webhooks   *WebhookRegistry
	Dispatcher *WebhookDispatcher
	Gate       *ReadinessGate
	Mirror     TaskMirror
	Board      *board.Board
	History    *history.Store
	Registry   *registry.Registry
	Telemetry  otel.OpenTelemetry
	Spawner    Spawner
	Card       types.AgentCard
}

/// NewServer wires the router. Singleton-free: every dependency arrives
// through Options so tests can build isolated instances.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Controller == nil {
		return nil, errors.New("controller is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Tasks == nil {
		opts.Tasks = NewInMemoryTaskStore(logger)
	}
	if opts.Replies == nil {
		opts.Replies = NewReplyStack(logger)
	}
	if opts.Webhooks == nil {
		opts.Webhooks = NewWebhookRegistry(logger)
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewWebhookDispatcher(logger, opts.Webhooks,
			opts.Config.WebhookConfig.Timeout, opts.Config.WebhookConfig.MaxRetries)
		if opts.Telemetry != nil {
			opts.Dispatcher.WithTelemetry(opts.Telemetry)
		}
	}
	if opts.Gate == nil {
		opts.Gate = NewReadinessGateWithWait(opts.Config.ServerConfig.ReadinessWait)
	}
	if opts.Mirror == nil {
		opts.Mirror = &NoopTaskMirror{}
	}

	s := &Server{
		cfg:        opts.Config,
		logger:     logger,
		controller: opts.Controller,
		tasks:      opts.Tasks,
		replies:    opts.Replies,
		webhooks:   opts.Webhooks,
		dispatcher: opts.Dispatcher,
		gate:       opts.Gate,
		mirror:     opts.Mirror,
		taskBoard:  opts.Board,
		historyDB:  opts.History,
		agents:     opts.Registry,
		telemetry:  opts.Telemetry,
		spawner:    opts.Spawner,
		card:       opts.Card,
		externals:  make(map[string]externalPeer),
	}

	if err := s.buildEngine(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) buildEngine() error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middlewares.Logging(s.logger, s.cfg.ServerConfig.DisableHealthcheckLog))
	if s.telemetry != nil {
		engine.Use(middlewares.Telemetry(s.telemetry))
	}

	auth, err := middlewares.NewAuthenticatorMiddleware(s.logger, s.cfg.AuthConfig)
	if err != nil {
		return fmt.Errorf("build authenticator: %w", err)
	}
	engine.Use(auth.Middleware())

	engine.GET("/.well-known/agent.json", s.handleAgentCard)
	engine.GET("/health", s.handleHealth)
	engine.GET("/status", s.handleStatus)

	engine.POST("/tasks/create", s.handleTaskCreate)
	engine.POST("/tasks/send", s.handleTaskSend)
	engine.POST("/tasks/send-priority", s.handleTaskSendPriority)
	engine.GET("/tasks/:id", s.handleTaskGet)
	engine.POST("/tasks/:id/cancel", s.handleTaskCancel)

	engine.POST("/reply", s.handleReply)

	engine.GET("/tasks/board", s.handleBoardList)
	engine.POST("/tasks/board", s.handleBoardCreate)
	engine.POST("/tasks/board/:id/claim", s.handleBoardClaim)
	engine.POST("/tasks/board/:id/complete", s.handleBoardComplete)

	engine.POST("/spawn", s.handleSpawn)
	engine.POST("/team/start", s.handleTeamStart)

	engine.POST("/external/discover", s.handleExternalDiscover)
	engine.POST("/external/agents/:alias/send", s.handleExternalSend)

	engine.GET("/webhooks", s.handleWebhookList)
	engine.POST("/webhooks", s.handleWebhookRegister)
	engine.DELETE("/webhooks/*url", s.handleWebhookUnregister)
	engine.GET("/webhooks/deliveries", s.handleWebhookDeliveries)

	// Legacy message endpoint kept for older peers; same semantics as
	// /tasks/send.
	engine.POST("/message", s.handleTaskSend)

	s.engine = engine
	return nil
}

// Engine exposes the router for the listeners and for httptest.
func (s *Server) Engine() http.Handler {
	return s.engine
}

// Card returns the agent card served on /.well-known/agent.json.
func (s *Server) Card() types.AgentCard {
	return s.card
}

func (s *Server) handleAgentCard(c *gin.Context) {
	c.JSON(http.StatusOK, s.card)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": types.HealthStatusHealthy})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, client.StatusResponse{
		AgentID: s.card.AgentID,
		Status:  string(s.controller.Status()),
		Context: s.controller.RenderedContext(),
	})
}

// taskRequest is the shared body of the task-creating endpoints.
type taskRequest struct {
	Message  types.Message  `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Text is accepted as shorthand for a single-text-part user message.
	Text string `json:"text,omitempty"`
}

func (r *taskRequest) message() (types.Message, error) {
	if len(r.Message.Parts) > 0 {
		return r.Message, nil
	}
	if r.Text != "" {
		return types.NewTextMessage(types.RoleUser, r.Text), nil
	}
	return types.Message{}, errors.New("message with at least one part (or text) is required")
}

func (s *Server) bindTaskRequest(c *gin.Context) (*taskRequest, types.Message, bool) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "detail": err.Error()})
		return nil, types.Message{}, false
	}
	msg, err := req.message()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, types.Message{}, false
	}
	return &req, msg, true
}

// rememberSender pushes the task's reply target onto the reply stack.
func (s *Server) rememberSender(task *types.Task) {
	sender, ok := types.SenderFromMetadata(task.Metadata)
	if !ok || sender.SenderID == "" {
		return
	}
	s.replies.Set(sender.SenderID, sender)
}

// handleTaskCreate reserves a task without touching the PTY; senders use it
// to obtain a reply-back id before doing anything else.
func (s *Server) handleTaskCreate(c *gin.Context) {
	req, msg, ok := s.bindTaskRequest(c)
	if !ok {
		return
	}

	task := s.tasks.Create(msg, req.Metadata)
	s.rememberSender(task)
	if s.telemetry != nil {
		s.telemetry.RecordTaskCreated(c.Request.Context())
	}
	s.dispatcher.DispatchAsync(EventTaskCreated, map[string]any{
		"task_id": task.ID,
		"status":  string(task.Status),
	})

	c.JSON(http.StatusOK, task)
}

// handleTaskSend creates a task and types its text into the child.
func (s *Server) handleTaskSend(c *gin.Context) {
	if !s.waitReady(c) {
		return
	}
	req, msg, ok := s.bindTaskRequest(c)
	if !ok {
		return
	}

	task, ok := s.dispatchToChild(c, req, msg)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleTaskSendPriority is /tasks/send with two extra behaviors: priority 5
// and above interrupts the child first, and a resolvable in_reply_to turns
// the request into a completion of the referenced local task.
func (s *Server) handleTaskSendPriority(c *gin.Context) {
	if !s.waitReady(c) {
		return
	}
	req, msg, ok := s.bindTaskRequest(c)
	if !ok {
		return
	}

	if ref, refOK := types.InReplyTo(req.Metadata); refOK {
		if task, done := s.tryCompleteReferenced(c, ref, msg); done {
			c.JSON(http.StatusOK, task)
			return
		}
	}

	priority := 0
	if raw := c.Query("priority"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be an integer"})
			return
		}
		priority = p
	}
	if priority >= 5 {
		if err := s.controller.Interrupt(); err != nil {
			s.logger.Warn("priority interrupt failed", zap.Error(err))
		}
	}

	task, ok := s.dispatchToChild(c, req, msg)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

// tryCompleteReferenced resolves ref against the local task store; when it
// names a task in submitted or working state, the inbound message becomes
// that task's artifact and the task completes. Returns done=false when the
// request should fall through to a normal send.
func (s *Server) tryCompleteReferenced(c *gin.Context, ref string, msg types.Message) (*types.Task, bool) {
	task, err := s.tasks.GetByPrefix(ref)
	if err != nil {
		var ambiguous *AmbiguousTaskIDError
		if errors.As(err, &ambiguous) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "ambiguous task id prefix",
				"prefix":  ambiguous.Prefix,
				"matches": ambiguous.Matches,
			})
			return nil, true
		}
		return nil, false // unknown reference, treat as a normal send
	}
	if task.Status != types.TaskStateSubmitted && task.Status != types.TaskStateWorking {
		return nil, false
	}

	if err := s.tasks.AddArtifact(task.ID, msg.Parts); err != nil {
		s.logger.Warn("failed to attach reply artifact", zap.Error(err))
	}
	if err := s.tasks.UpdateStatus(task.ID, types.TaskStateCompleted); err != nil {
		s.logger.Warn("failed to complete replied task", zap.Error(err))
		return nil, false
	}

	completed, _ := s.tasks.Get(task.ID)
	s.finishTask(c.Request.Context(), completed)
	s.controller.MarkDone()
	return completed, true
}

// dispatchToChild creates a working task and writes its text to the PTY.
func (s *Server) dispatchToChild(c *gin.Context, req *taskRequest, msg types.Message) (*types.Task, bool) {
	text := types.JoinText(msg)
	if strings.TrimSpace(text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message has no text content"})
		return nil, false
	}

	task := s.tasks.Create(msg, req.Metadata)
	s.rememberSender(task)
	if s.telemetry != nil {
		s.telemetry.RecordTaskCreated(c.Request.Context())
	}

	if err := s.tasks.UpdateStatus(task.ID, types.TaskStateWorking); err != nil {
		s.logger.Warn("failed to mark task working", zap.Error(err))
	}

	if err := s.controller.Write(s.inboundPrefix(task) + text); err != nil {
		_ = s.tasks.UpdateStatus(task.ID, types.TaskStateFailed)
		failed, _ := s.tasks.Get(task.ID)
		s.finishTask(c.Request.Context(), failed)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write to child terminal", "detail": err.Error()})
		return nil, false
	}

	s.dispatcher.DispatchAsync(EventTaskCreated, map[string]any{
		"task_id": task.ID,
		"status":  string(types.TaskStateWorking),
	})

	working, _ := s.tasks.Get(task.ID)
	return working, true
}

// inboundPrefix marks injected messages so the child can attribute them to a
// peer rather than its human operator.
func (s *Server) inboundPrefix(task *types.Task) string {
	from := "external"
	if sender, ok := types.SenderFromMetadata(task.Metadata); ok && sender.SenderID != "" {
		from = sender.SenderID
	}
	short := task.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return "[A2A:" + short + ":" + from + "] "
}

// finishTask runs the shared post-terminal bookkeeping: webhook event,
// history observation, mirror snapshot, telemetry.
func (s *Server) finishTask(ctx context.Context, task *types.Task) {
	if task == nil || !task.Status.IsFinal() {
		return
	}

	event := EventTaskCompleted
	switch task.Status {
	case types.TaskStateFailed:
		event = EventTaskFailed
	case types.TaskStateCanceled:
		event = EventTaskCanceled
	}
	s.dispatcher.DispatchAsync(event, map[string]any{
		"task_id": task.ID,
		"status":  string(task.Status),
	})

	if s.telemetry != nil {
		s.telemetry.RecordTaskFinished(ctx, string(task.Status))
	}

	if err := s.mirror.Publish(ctx, task); err != nil {
		s.logger.Warn("task mirror publish failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	var output string
	for _, artifact := range task.Artifacts {
		output += types.JoinText(types.Message{Parts: artifact.Parts})
	}
	s.historyDB.Record(history.Observation{
		AgentName: s.card.AgentID,
		TaskID:    task.ID,
		Input:     types.JoinText(task.Message),
		Output:    output,
		Status:    string(task.Status),
	})
}

// waitReady holds write requests on the readiness gate; a timeout yields
// 503 with a Retry-After hint.
func (s *Server) waitReady(c *gin.Context) bool {
	if s.gate.Wait() {
		return true
	}
	retryAfter := 2
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": "agent is still initializing, retry shortly",
	})
	return false
}

func (s *Server) handleTaskGet(c *gin.Context) {
	id := c.Param("id")

	task, err := s.tasks.GetByPrefix(id)
	if err == nil {
		c.JSON(http.StatusOK, task)
		return
	}

	var ambiguous *AmbiguousTaskIDError
	if errors.As(err, &ambiguous) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "ambiguous task id prefix",
			"prefix":  ambiguous.Prefix,
			"matches": ambiguous.Matches,
		})
		return
	}

	// Not held locally; the task may have been created by another agent in
	// the team and mirrored into shared storage.
	if mirrored, ok := s.mirror.Fetch(c.Request.Context(), id); ok {
		c.JSON(http.StatusOK, mirrored)
		return
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "task not found", "id": id})
}

func (s *Server) handleTaskCancel(c *gin.Context) {
	task, ok := s.resolveTask(c, c.Param("id"))
	if !ok {
		return
	}

	if err := s.tasks.UpdateStatus(task.ID, types.TaskStateCanceled); err != nil {
		var finalized *TaskFinalizedError
		if errors.As(err, &finalized) {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "task already finalized",
				"status": string(finalized.State),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	canceled, _ := s.tasks.Get(task.ID)
	s.finishTask(c.Request.Context(), canceled)
	c.JSON(http.StatusOK, canceled)
}

// resolveTask performs exact-or-prefix task lookup, writing the error
// response itself on failure. The body distinguishes not-found from
// ambiguous.
func (s *Server) resolveTask(c *gin.Context, id string) (*types.Task, bool) {
	task, err := s.tasks.GetByPrefix(id)
	if err == nil {
		return task, true
	}

	var ambiguous *AmbiguousTaskIDError
	if errors.As(err, &ambiguous) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "ambiguous task id prefix",
			"prefix":  ambiguous.Prefix,
			"matches": ambiguous.Matches,
		})
		return nil, false
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "task not found", "id": id})
	return nil, false
}
