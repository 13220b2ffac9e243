package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/synapse-agents/synapse/board"
)

// boardEnabled writes a 503 and returns false when the wrapper runs without
// a task board.
func (s *Server) boardEnabled(c *gin.Context) bool {
	if s.taskBoard == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task board is disabled"})
		return false
	}
	return true
}

// handleBoardList lists board tasks. ?available=true narrows to claimable
// tasks; ?status= and ?assignee= filter otherwise.
func (s *Server) handleBoardList(c *gin.Context) {
	if !s.boardEnabled(c) {
		return
	}

	var (
		tasks []board.Task
		err   error
	)
	if strings.EqualFold(c.Query("available"), "true") {
		tasks, err = s.taskBoard.Available()
	} else {
		tasks, err = s.taskBoard.List(c.Query("status"), c.Query("assignee"))
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []board.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

type boardCreateRequest struct {
	Subject     string   `json:"subject" binding:"required"`
	Description string   `json:"description,omitempty"`
	BlockedBy   []string `json:"blocked_by,omitempty"`
}

func (s *Server) handleBoardCreate(c *gin.Context) {
	if !s.boardEnabled(c) {
		return
	}

	var req boardCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body", "detail": err.Error()})
		return
	}

	id, err := s.taskBoard.Create(req.Subject, req.Description, s.card.AgentID, req.BlockedBy)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	task, err := s.taskBoard.Get(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

type boardClaimRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

func (s *Server) handleBoardClaim(c *gin.Context) {
	if !s.boardEnabled(c) {
		return
	}

	var req boardClaimRequest
	_ = c.ShouldBindJSON(&req) // body optional, defaults to this agent
	agentID := req.AgentID
	if agentID == "" {
		agentID = s.card.AgentID
	}

	claimed, err := s.taskBoard.Claim(c.Param("id"), agentID)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"claimed":  claimed,
		"task_id":  c.Param("id"),
		"agent_id": agentID,
	})
}

func (s *Server) handleBoardComplete(c *gin.Context) {
	if !s.boardEnabled(c) {
		return
	}

	var req boardClaimRequest
	_ = c.ShouldBindJSON(&req)
	agentID := req.AgentID
	if agentID == "" {
		agentID = s.card.AgentID
	}

	unblocked, err := s.taskBoard.Complete(c.Param("id"), agentID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case strings.Contains(err.Error(), "not found"):
			status = http.StatusNotFound
		case strings.Contains(err.Error(), "not assigned"):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if unblocked == nil {
		unblocked = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":   c.Param("id"),
		"unblocked": unblocked,
	})
}
