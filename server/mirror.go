package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	config "github.com/synapse-agents/synapse/server/config"
	types "github.com/synapse-agents/synapse/types"
	zap "go.uber.org/zap"
)

// TaskMirror publishes snapshots of finished tasks to a shared backend so
// sibling wrappers on the host can inspect each other's results. The task
// store of record stays in-memory; the mirror is best-effort.
type TaskMirror interface {
	// Publish stores a snapshot of a task.
	Publish(ctx context.Context, task *types.Task) error

	// Fetch retrieves a mirrored task snapshot by full ID.
	Fetch(ctx context.Context, taskID string) (*types.Task, bool)

	// Close releases backend resources.
	Close() error
}

// NewTaskMirror builds the mirror selected by cfg.Provider: "" or "memory"
// yields a no-op mirror, "redis" connects to cfg.URL. Connection failures
// are returned so the caller can fall back to the no-op mirror.
func NewTaskMirror(ctx context.Context, cfg config.MirrorConfig, logger *zap.Logger) (TaskMirror, error) {
	switch cfg.Provider {
	case "", "memory":
		return &NoopTaskMirror{}, nil
	case "redis":
		return newRedisTaskMirror(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported task mirror provider: %s (supported: memory, redis)", cfg.Provider)
	}
}

// NoopTaskMirror is the default mirror; it stores nothing.
type NoopTaskMirror struct{}

var _ TaskMirror = (*NoopTaskMirror)(nil)

func (m *NoopTaskMirror) Publish(ctx context.Context, task *types.Task) error {
	return nil
}

func (m *NoopTaskMirror) Fetch(ctx context.Context, taskID string) (*types.Task, bool) {
	return nil, false
}

func (m *NoopTaskMirror) Close() error {
	return nil
}

const taskMirrorKeyPrefix = "synapse:tasks:"

// RedisTaskMirror implements TaskMirror on a shared Redis instance.
type RedisTaskMirror struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

var _ TaskMirror = (*RedisTaskMirror)(nil)

func newRedisTaskMirror(ctx context.Context, cfg config.MirrorConfig, logger *zap.Logger) (*RedisTaskMirror, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if dbStr, exists := cfg.Options["db"]; exists {
		if db, err := strconv.Atoi(dbStr); err == nil {
			opt.DB = db
		}
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("task mirror connected to redis",
		zap.String("addr", opt.Addr),
		zap.Int("db", opt.DB))

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisTaskMirror{client: client, logger: logger, ttl: ttl}, nil
}

// Publish stores a snapshot of a task
func (m *RedisTaskMirror) Publish(ctx context.Context, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task for mirror: %w", err)
	}

	if err := m.client.Set(ctx, taskMirrorKeyPrefix+task.ID, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mirror task %s: %w", task.ID, err)
	}

	m.logger.Debug("task mirrored",
		zap.String("task_id", task.ID),
		zap.String("state", string(task.Status)))

	return nil
}

// Fetch retrieves a mirrored task snapshot by full ID
func (m *RedisTaskMirror) Fetch(ctx context.Context, taskID string) (*types.Task, bool) {
	data, err := m.client.Get(ctx, taskMirrorKeyPrefix+taskID).Bytes()
	if err != nil {
		return nil, false
	}

	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		m.logger.Warn("corrupt mirrored task",
			zap.String("task_id", taskID),
			zap.Error(err))
		return nil, false
	}

	return &task, true
}

// Close releases the redis client
func (m *RedisTaskMirror) Close() error {
	return m.client.Close()
}
