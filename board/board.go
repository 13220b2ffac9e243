// Package board implements the shared task board: a SQLite-backed list of
// coordination tasks that multiple wrappers on one host create, claim, and
// complete. WAL journaling lets every wrapper open the same file; claim
// atomicity rides on SQLite's write lock.
package board

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	zap "go.uber.org/zap"
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Task is one coordination task on the shared board. BlockedBy lists ids of
// tasks that must complete before this one may be claimed.
type Task struct {
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Assignee    string     `json:"assignee,omitempty"`
	CreatedBy   string     `json:"created_by"`
	BlockedBy   []string   `json:"blocked_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Board is a handle on the shared task board database.
type Board struct {
	db     *sql.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS board_tasks (
	id           TEXT PRIMARY KEY,
	subject      TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'pending',
	assignee     TEXT,
	created_by   TEXT NOT NULL,
	blocked_by   TEXT NOT NULL DEFAULT '[]',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_board_tasks_status ON board_tasks(status);
CREATE INDEX IF NOT EXISTS idx_board_tasks_assignee ON board_tasks(assignee);
`

// Open opens (creating if needed) the board database at path. Open failure
// is fatal to the caller: the board is the coordination primitive and a
// wrapper without it is not part of the team.
func Open(path string, logger *zap.Logger) (*Board, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create board dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open board db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init board schema: %w", err)
	}

	logger.Info("task board open", zap.String("path", path))
	return &Board{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (b *Board) Close() error {
	return b.db.Close()
}

// Create inserts a new pending task and returns its id.
func (b *Board) Create(subject, description, createdBy string, blockedBy []string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("board task subject is required")
	}
	if blockedBy == nil {
		blockedBy = []string{}
	}
	blockedJSON, err := json.Marshal(blockedBy)
	if err != nil {
		return "", fmt.Errorf("encode blocked_by: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = b.db.Exec(
		`INSERT INTO board_tasks (id, subject, description, status, created_by, blocked_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, subject, description, StatusPending, createdBy, string(blockedJSON), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert board task: %w", err)
	}

	b.logger.Debug("board task created",
		zap.String("task_id", id),
		zap.String("created_by", createdBy),
		zap.Int("blocked_by", len(blockedBy)))
	return id, nil
}

// Claim attempts to take ownership of a pending, unblocked task for agentID.
// Returns true when this caller won the task. Losing a race, claiming a
// blocked task, or claiming a task that is not pending all return false.
func (b *Board) Claim(id, agentID string) (bool, error) {
	tx, err := b.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var blockedJSON string
	err = tx.QueryRow(`SELECT blocked_by FROM board_tasks WHERE id = ?`, id).Scan(&blockedJSON)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("board task %s not found", id)
	}
	if err != nil {
		return false, fmt.Errorf("read board task: %w", err)
	}

	unblocked, err := blockersCompleted(tx, blockedJSON)
	if err != nil {
		return false, err
	}
	if !unblocked {
		return false, nil
	}

	// The conditional UPDATE is the atomic claim: SQLite's write lock
	// serializes concurrent transactions, so at most one caller sees
	// rowcount 1.
	res, err := tx.Exec(
		`UPDATE board_tasks SET status = ?, assignee = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND assignee IS NULL`,
		StatusInProgress, agentID, time.Now().UTC(), id, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("claim board task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rowcount: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim: %w", err)
	}

	won := n > 0
	if won {
		b.logger.Debug("board task claimed",
			zap.String("task_id", id),
			zap.String("assignee", agentID))
	}
	return won, nil
}

// Complete marks a task completed by its assignee and returns the ids of
// pending tasks that became fully unblocked as a result.
func (b *Board) Complete(id, agentID string) ([]string, error) {
	tx, err := b.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE board_tasks SET status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND assignee = ?`,
		StatusCompleted, now, now, id, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("complete board task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("complete rowcount: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("board task %s is not assigned to %s", id, agentID)
	}

	// Find pending tasks this completion unblocked.
	rows, err := tx.Query(`SELECT id, blocked_by FROM board_tasks WHERE status = ?`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("scan pending tasks: %w", err)
	}

	type pending struct {
		id      string
		blocked string
	}
	var candidates []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.blocked); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending task: %w", err)
		}
		candidates = append(candidates, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending tasks: %w", err)
	}

	var unblocked []string
	for _, p := range candidates {
		var blockers []string
		if err := json.Unmarshal([]byte(p.blocked), &blockers); err != nil {
			continue
		}
		if !contains(blockers, id) {
			continue
		}
		done, err := blockersCompletedList(tx, blockers)
		if err != nil {
			return nil, err
		}
		if done {
			unblocked = append(unblocked, p.id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit complete: %w", err)
	}

	b.logger.Debug("board task completed",
		zap.String("task_id", id),
		zap.String("assignee", agentID),
		zap.Int("unblocked", len(unblocked)))
	return unblocked, nil
}

// Get fetches a single board task.
func (b *Board) Get(id string) (*Task, error) {
	row := b.db.QueryRow(
		`SELECT id, subject, description, status, assignee, created_by, blocked_by, created_at, updated_at, completed_at
		 FROM board_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("board task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read board task: %w", err)
	}
	return task, nil
}

// List returns tasks matching the optional status and assignee filters,
// newest first.
func (b *Board) List(status, assignee string) ([]Task, error) {
	query := `SELECT id, subject, description, status, assignee, created_by, blocked_by, created_at, updated_at, completed_at
	          FROM board_tasks WHERE 1=1`
	var args []any
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	if assignee != "" {
		query += " AND assignee = ?"
		args = append(args, assignee)
	}
	query += " ORDER BY created_at DESC"

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list board tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan board task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// Available returns pending, unassigned tasks whose blockers have all
// completed, oldest first so teams drain the backlog in order.
func (b *Board) Available() ([]Task, error) {
	rows, err := b.db.Query(
		`SELECT id, subject, description, status, assignee, created_by, blocked_by, created_at, updated_at, completed_at
		 FROM board_tasks WHERE status = ? AND assignee IS NULL ORDER BY created_at ASC`,
		StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list available tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan board task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Filter blocked tasks outside the result scan; blockersCompletedList
	// issues its own queries and the driver dislikes nesting them.
	var available []Task
	for _, task := range tasks {
		done, err := blockersCompletedList(b.db, task.BlockedBy)
		if err != nil {
			return nil, err
		}
		if done {
			available = append(available, task)
		}
	}
	return available, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var assignee sql.NullString
	var blockedJSON string
	var completedAt sql.NullTime
	err := row.Scan(&task.ID, &task.Subject, &task.Description, &task.Status,
		&assignee, &task.CreatedBy, &blockedJSON, &task.CreatedAt, &task.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	task.Assignee = assignee.String
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(blockedJSON), &task.BlockedBy); err != nil {
		task.BlockedBy = nil
	}
	return &task, nil
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func blockersCompleted(q querier, blockedJSON string) (bool, error) {
	var blockers []string
	if err := json.Unmarshal([]byte(blockedJSON), &blockers); err != nil {
		return false, fmt.Errorf("decode blocked_by: %w", err)
	}
	return blockersCompletedList(q, blockers)
}

func blockersCompletedList(q querier, blockers []string) (bool, error) {
	if len(blockers) == 0 {
		return true, nil
	}
	query := `SELECT COUNT(*) FROM board_tasks WHERE status = ? AND id IN (?` +
		strings.Repeat(",?", len(blockers)-1) + `)`
	args := make([]any, 0, len(blockers)+1)
	args = append(args, StatusCompleted)
	for _, id := range blockers {
		args = append(args, id)
	}
	var done int
	if err := q.QueryRow(query, args...).Scan(&done); err != nil {
		return false, fmt.Errorf("count completed blockers: %w", err)
	}
	return done == len(blockers), nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
