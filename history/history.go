// Package history keeps an optional append-only log of completed task
// observations in SQLite. The store is advisory: when it cannot be opened
// the wrapper logs a warning and runs without it.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	zap "go.uber.org/zap"
)

// Observation is one completed task as seen by this wrapper.
type Observation struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	AgentName string         `json:"agent_name"`
	TaskID    string         `json:"task_id"`
	Input     string         `json:"input"`
	Output    string         `json:"output"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Store is the observation log. A nil *Store is a valid disabled store:
// every method no-ops, so callers need no enabled checks.
type Store struct {
	db      *sql.DB
	logger  *zap.Logger
	maxAge  time.Duration
	maxRows int
}

const schema = `
CREATE TABLE IF NOT EXISTS observations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL DEFAULT '',
	agent_name TEXT NOT NULL DEFAULT '',
	task_id    TEXT NOT NULL UNIQUE,
	input      TEXT NOT NULL DEFAULT '',
	output     TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	timestamp  TIMESTAMP NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_observations_agent_name ON observations(agent_name);
CREATE INDEX IF NOT EXISTS idx_observations_timestamp ON observations(timestamp);
CREATE INDEX IF NOT EXISTS idx_observations_task_id ON observations(task_id);
`

// Open opens the history database. Unlike the task board, failure here is
// soft: callers are expected to log the error and continue with a nil store.
func Open(path string, maxAge time.Duration, maxRows int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}

	logger.Info("history store open", zap.String("path", path))
	return &Store{db: db, logger: logger, maxAge: maxAge, maxRows: maxRows}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends an observation. Recording the same task id twice keeps the
// newer row. Write failures are logged, not returned: history must never
// affect task processing.
func (s *Store) Record(obs Observation) {
	if s == nil {
		return
	}
	metaJSON, err := json.Marshal(obs.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}

	_, err = s.db.Exec(
		`INSERT INTO observations (session_id, agent_name, task_id, input, output, status, timestamp, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
			output = excluded.output,
			status = excluded.status,
			timestamp = excluded.timestamp,
			metadata = excluded.metadata`,
		obs.SessionID, obs.AgentName, obs.TaskID, obs.Input, obs.Output,
		obs.Status, obs.Timestamp, string(metaJSON),
	)
	if err != nil {
		s.logger.Warn("history record failed",
			zap.String("task_id", obs.TaskID),
			zap.Error(err))
	}
}

// List returns the most recent observations, optionally filtered by agent
// name, newest first.
func (s *Store) List(agentName string, limit int) ([]Observation, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, session_id, agent_name, task_id, input, output, status, timestamp, metadata
	          FROM observations`
	var args []any
	if agentName != "" {
		query += " WHERE agent_name = ?"
		args = append(args, agentName)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var obs Observation
		var metaJSON string
		err := rows.Scan(&obs.ID, &obs.SessionID, &obs.AgentName, &obs.TaskID,
			&obs.Input, &obs.Output, &obs.Status, &obs.Timestamp, &metaJSON)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		if metaJSON != "" && metaJSON != "{}" {
			_ = json.Unmarshal([]byte(metaJSON), &obs.Metadata)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// Prune enforces the retention policy: rows older than maxAge go first, then
// the oldest rows beyond maxRows. Zero disables the respective limit.
func (s *Store) Prune() error {
	if s == nil {
		return nil
	}

	if s.maxAge > 0 {
		cutoff := time.Now().UTC().Add(-s.maxAge)
		if _, err := s.db.Exec(`DELETE FROM observations WHERE timestamp < ?`, cutoff); err != nil {
			return fmt.Errorf("prune by age: %w", err)
		}
	}

	if s.maxRows > 0 {
		_, err := s.db.Exec(
			`DELETE FROM observations WHERE id NOT IN (
				SELECT id FROM observations ORDER BY timestamp DESC LIMIT ?)`,
			s.maxRows)
		if err != nil {
			return fmt.Errorf("prune by count: %w", err)
		}
	}
	return nil
}
