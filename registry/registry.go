package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	types "github.com/synapse-agents/synapse/types"
	zap "go.uber.org/zap"
)

// portProbeTimeout bounds the TCP connect used for liveness probing.
const portProbeTimeout = 300 * time.Millisecond

// AgentRecord is the on-disk registration of one running wrapper, stored as
// <agent_id>.json in the registry directory. Any process on the host may read
// the directory to discover peers.
type AgentRecord struct {
	AgentID      string            `json:"agent_id"`
	AgentType    string            `json:"agent_type"`
	Name         string            `json:"name,omitempty"`
	Role         string            `json:"role,omitempty"`
	PID          int               `json:"pid"`
	Port         int               `json:"port"`
	Endpoint     string            `json:"endpoint"`
	UDSPath      string            `json:"uds_path,omitempty"`
	Status       types.AgentStatus `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Registry is the file-based agent directory shared by every wrapper on the
// host. All methods are safe for concurrent use across processes: writes are
// atomic (temp file then rename) and reads tolerate records mid-replacement.
type Registry struct {
	dir    string
	logger *zap.Logger
}

// New creates a registry rooted at dir, creating the directory if needed.
func New(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &Registry{dir: dir, logger: logger}, nil
}

// Dir returns the registry directory.
func (r *Registry) Dir() string {
	return r.dir
}

func (r *Registry) recordPath(agentID string) string {
	return filepath.Join(r.dir, agentID+".json")
}

// Register writes (or rewrites) the record for an agent. The write is
// atomic so concurrent readers never see a torn file.
func (r *Registry) Register(rec AgentRecord) error {
	if rec.AgentID == "" {
		return errors.New("agent record missing agent_id")
	}
	now := time.Now().UTC()
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = now
	}
	rec.UpdatedAt = now

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent record: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, rec.AgentID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, r.recordPath(rec.AgentID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish agent record: %w", err)
	}
	return nil
}

// UpdateStatus rewrites the record with a new status, preserving the rest.
func (r *Registry) UpdateStatus(agentID string, status types.AgentStatus) error {
	rec, err := r.Get(agentID)
	if err != nil {
		return err
	}
	rec.Status = status
	return r.Register(*rec)
}

// Unregister removes an agent's record. Missing records are not an error.
func (r *Registry) Unregister(agentID string) error {
	err := os.Remove(r.recordPath(agentID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove agent record: %w", err)
	}
	return nil
}

// Get reads a single record by agent id.
func (r *Registry) Get(agentID string) (*AgentRecord, error) {
	data, err := os.ReadFile(r.recordPath(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("agent %s not registered", agentID)
		}
		return nil, fmt.Errorf("read agent record: %w", err)
	}
	var rec AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt agent record %s: %w", agentID, err)
	}
	return &rec, nil
}

// List returns the records of live agents, removing stale entries as a side
// effect. A record is live when its PID exists and its port accepts a TCP
// connection; agents reporting PROCESSING are exempt from the port probe
// because a busy child can starve its wrapper's accept loop.
func (r *Registry) List() ([]AgentRecord, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read registry dir: %w", err)
	}

	var live []AgentRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			continue // replaced or removed mid-scan
		}
		var rec AgentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Warn("removing corrupt registry record", zap.String("file", entry.Name()))
			os.Remove(filepath.Join(r.dir, entry.Name()))
			continue
		}

		if r.isLive(rec) {
			live = append(live, rec)
			continue
		}

		r.logger.Debug("removing stale registry record",
			zap.String("agent_id", rec.AgentID),
			zap.Int("pid", rec.PID))
		os.Remove(filepath.Join(r.dir, entry.Name()))
	}
	return live, nil
}

// isLive probes whether a registered wrapper is still running.
func (r *Registry) isLive(rec AgentRecord) bool {
	if !pidAlive(rec.PID) {
		return false
	}
	if rec.Status == types.AgentStatusProcessing {
		return true
	}
	return portOpen(rec.Port)
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func portOpen(port int) bool {
	if port <= 0 {
		return false
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), portProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
