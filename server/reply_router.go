package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"
	"github.com/synapse-agents/synapse/client"
	"github.com/synapse-agents/synapse/types"
	"go.uber.org/zap"
)

// replyRequest is the body of POST /reply. sender_id is optional; without it
// the most recently recorded peer receives the reply.
type replyRequest struct {
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
}

// handleReply relays text back to the peer that last addressed this agent.
func (s *Server) handleReply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	if err := s.RouteReply(c.Request.Context(), req.SenderID, req.Text); err != nil {
		if errors.Is(err, ErrNoReplyTarget) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// ErrNoReplyTarget means no peer has addressed this agent yet.
var ErrNoReplyTarget = errors.New("no reply target recorded")

// RouteReply delivers child output back to a waiting peer. With a sender id
// the target is looked up non-destructively; with an empty id the most
// recent target across all senders is popped. The reply travels as a
// /tasks/send to the peer carrying in_reply_to so the peer can close out
// its original task.
func (s *Server) RouteReply(ctx context.Context, senderID, text string) error {
	var (
		target types.SenderInfo
		ok     bool
	)
	if senderID != "" {
		target, ok = s.replies.Get(senderID)
	} else {
		target, ok = s.replies.Pop("")
	}
	if !ok {
		return ErrNoReplyTarget
	}
	if target.SenderEndpoint == "" {
		return fmt.Errorf("reply target %s has no endpoint", target.SenderID)
	}

	metadata := map[string]any{
		types.MetadataSender: types.SenderInfo{
			SenderID:       s.card.AgentID,
			SenderEndpoint: s.card.Endpoint,
			SenderUDSPath:  s.card.UDSPath,
			SenderType:     s.card.AgentType,
		},
	}
	if target.SenderTaskID != "" {
		metadata[types.MetadataInReplyTo] = target.SenderTaskID
	}

	peer := client.ForSender(target, s.logger)
	msg := types.NewTextMessage(types.RoleAgent, text)
	if _, err := peer.SendTask(ctx, msg, metadata); err != nil {
		// Inter-agent replies are fire-and-forget; log and give up.
		s.logger.Warn("reply delivery failed",
			zap.String("target", target.SenderID),
			zap.String("endpoint", target.SenderEndpoint),
			zap.Error(err))
		return err
	}

	s.logger.Info("reply routed",
		zap.String("target", target.SenderID),
		zap.String("in_reply_to", target.SenderTaskID))
	return nil
}
