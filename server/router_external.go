package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/synapse-agents/synapse/client"
	"github.com/synapse-agents/synapse/types"
	"go.uber.org/zap"
)

func (s *Server) handleSpawn(c *gin.Context) {
	if s.spawner == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "this wrapper cannot spawn agents"})
		return
	}

	var req SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "detail": err.Error()})
		return
	}

	agentID, err := s.spawner.Spawn(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID})
}

func (s *Server) handleTeamStart(c *gin.Context) {
	if s.spawner == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "this wrapper cannot spawn agents"})
		return
	}

	var req TeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "detail": err.Error()})
		return
	}

	agentIDs, err := s.spawner.StartTeam(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_ids": agentIDs})
}

type externalDiscoverRequest struct {
	Alias    string `json:"alias,omitempty"`
	Endpoint string `json:"endpoint" binding:"required"`
	UDSPath  string `json:"uds_path,omitempty"`
}

// handleExternalDiscover fetches a remote peer's agent card and remembers it
// under an alias for later sends.
func (s *Server) handleExternalDiscover(c *gin.Context) {
	var req externalDiscoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "detail": err.Error()})
		return
	}

	peer := client.NewClientWithConfig(&client.Config{
		BaseURL: req.Endpoint,
		UDSPath: req.UDSPath,
		Timeout: 10 * time.Second,
		Logger:  s.logger,
	})

	card, err := peer.GetAgentCard(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "peer discovery failed", "detail": err.Error()})
		return
	}

	alias := req.Alias
	if alias == "" {
		alias = card.AgentID
	}

	s.mu.Lock()
	s.externals[alias] = externalPeer{Card: *card, Endpoint: req.Endpoint, UDSPath: req.UDSPath}
	s.mu.Unlock()

	s.logger.Info("external agent discovered",
		zap.String("alias", alias),
		zap.String("agent_id", card.AgentID),
		zap.String("endpoint", req.Endpoint))

	c.JSON(http.StatusOK, gin.H{"alias": alias, "card": card})
}

// handleExternalSend relays a message to a previously discovered peer.
func (s *Server) handleExternalSend(c *gin.Context) {
	alias := c.Param("alias")
	s.mu.Lock()
	peer, ok := s.externals[alias]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown external agent", "alias": alias})
		return
	}

	req, msg, bound := s.bindTaskRequest(c)
	if !bound {
		return
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	if _, exists := metadata[types.MetadataSender]; !exists {
		metadata[types.MetadataSender] = types.SenderInfo{
			SenderID:       s.card.AgentID,
			SenderEndpoint: s.card.Endpoint,
			SenderUDSPath:  s.card.UDSPath,
			SenderType:     s.card.AgentType,
		}
	}

	remote := client.NewClientWithConfig(&client.Config{
		BaseURL: peer.Endpoint,
		UDSPath: peer.UDSPath,
		Logger:  s.logger,
	})
	task, err := remote.SendTask(c.Request.Context(), msg, metadata)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "relay to peer failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

type webhookRegisterRequest struct {
	URL     string   `json:"url" binding:"required"`
	Events  []string `json:"events,omitempty"`
	Secret  string   `json:"secret,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
}

func (s *Server) handleWebhookRegister(c *gin.Context) {
	var req webhookRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "detail": err.Error()})
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = s.cfg.WebhookConfig.Secret
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sub := WebhookSubscription{
		URL:     req.URL,
		Events:  req.Events,
		Secret:  secret,
		Enabled: enabled,
	}
	if err := s.webhooks.Register(sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"url": req.URL, "events": sub.Events, "enabled": enabled})
}

func (s *Server) handleWebhookUnregister(c *gin.Context) {
	raw := strings.TrimPrefix(c.Param("url"), "/")
	target, err := url.PathUnescape(raw)
	if err != nil {
		target = raw
	}

	if !s.webhooks.Unregister(target) {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not registered", "url": target})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": target, "removed": true})
}

func (s *Server) handleWebhookList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"webhooks": s.webhooks.List()})
}

func (s *Server) handleWebhookDeliveries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deliveries": s.webhooks.Deliveries()})
}
