package client

import (
	"fmt"

	"github.com/synapse-agents/synapse/registry"
	"github.com/synapse-agents/synapse/types"
	"go.uber.org/zap"
)

// ForRecord builds a client for a registered peer, preferring its socket.
func ForRecord(rec registry.AgentRecord, logger *zap.Logger) *Client {
	return NewClientWithConfig(&Config{
		BaseURL: rec.Endpoint,
		UDSPath: rec.UDSPath,
		Logger:  logger,
	})
}

// ForSender builds a client for the peer identified by a task's sender
// metadata, preferring its socket.
func ForSender(info types.SenderInfo, logger *zap.Logger) *Client {
	return NewClientWithConfig(&Config{
		BaseURL: info.SenderEndpoint,
		UDSPath: info.SenderUDSPath,
		Logger:  logger,
	})
}

// Discover finds a live peer by agent id in the registry and returns a
// client for it.
func Discover(reg *registry.Registry, agentID string, logger *zap.Logger) (*Client, error) {
	records, err := reg.List()
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}
	for _, rec := range records {
		if rec.AgentID == agentID {
			return ForRecord(rec, logger), nil
		}
	}
	return nil, fmt.Errorf("agent %s is not live", agentID)
}
