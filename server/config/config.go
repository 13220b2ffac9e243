package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all wrapper configuration. Environment variable names carry
// the SYNAPSE_ prefix throughout so one host can run many wrappers with a
// shared convention.
type Config struct {
	Profile                 string  `env:"SYNAPSE_PROFILE" description:"Agent profile name or YAML path"`
	Port                    int     `env:"SYNAPSE_PORT" description:"Fixed HTTP port; 0 allocates from the profile's band"`
	ToolArgs                string  `env:"SYNAPSE_TOOL_ARGS" description:"NUL-separated extra argv appended to the child command"`
	AgentID                 string  `env:"SYNAPSE_AGENT_ID" description:"Agent id override; normally derived as synapse-<type>-<port>"`
	AgentType               string  `env:"SYNAPSE_AGENT_TYPE" description:"Agent type override; normally the profile name"`
	AgentName               string  `env:"SYNAPSE_AGENT_NAME" description:"Human-readable agent name"`
	AgentRole               string  `env:"SYNAPSE_AGENT_ROLE" description:"Role string injected into the initial instruction"`
	Debug                   bool    `env:"SYNAPSE_DEBUG,default=false"`
	RegistryDir             string  `env:"SYNAPSE_REGISTRY_DIR" description:"Agent registry directory (default ~/.a2a/registry)"`
	SkipInitialInstructions bool    `env:"SYNAPSE_SKIP_INITIAL_INSTRUCTIONS,default=false" description:"Skip the one-shot identity injection"`
	InstructionFile         string  `env:"SYNAPSE_INSTRUCTION_FILE" description:"Path to the resolved initial-instruction template"`

	HistoryConfig   HistoryConfig   `env:",prefix=SYNAPSE_HISTORY_"`
	WebhookConfig   WebhookConfig   `env:",prefix=SYNAPSE_WEBHOOK_"`
	BoardConfig     BoardConfig     `env:",prefix=SYNAPSE_TASK_BOARD_"`
	MirrorConfig    MirrorConfig    `env:",prefix=SYNAPSE_MIRROR_"`
	ServerConfig    ServerConfig    `env:",prefix=SYNAPSE_SERVER_"`
	AuthConfig      AuthConfig      `env:",prefix=SYNAPSE_AUTH_"`
	TelemetryConfig TelemetryConfig `env:",prefix=SYNAPSE_TELEMETRY_"`
}

// HistoryConfig controls the optional SQLite observation log.
type HistoryConfig struct {
	Enabled bool   `env:"ENABLED,default=false"`
	DBPath  string `env:"DB_PATH" description:"History database path (default ~/.synapse/history/history.db)"`
	MaxAge  time.Duration `env:"MAX_AGE,default=720h" description:"Observations older than this are pruned"`
	MaxRows int           `env:"MAX_ROWS,default=10000" description:"Observation rows kept after pruning (0 = unlimited)"`
}

// WebhookConfig controls signed webhook delivery.
type WebhookConfig struct {
	Secret     string        `env:"SECRET" description:"Default HMAC secret for new subscriptions"`
	Timeout    time.Duration `env:"TIMEOUT,default=10s" description:"Per-attempt delivery timeout"`
	MaxRetries int           `env:"MAX_RETRIES,default=3"`
}

// BoardConfig controls the shared SQLite task board. The board is not
// optional at runtime: a wrapper that cannot open it fails to start.
type BoardConfig struct {
	Enabled bool   `env:"ENABLED,default=true"`
	DBPath  string `env:"DB_PATH,default=./.synapse/task_board.db"`
}

// MirrorConfig selects the optional shared task-snapshot backend.
type MirrorConfig struct {
	Provider string            `env:"PROVIDER,default=memory" description:"Task mirror provider (memory, redis)"`
	URL      string            `env:"URL" description:"Connection URL for the mirror backend"`
	TTL      time.Duration     `env:"TTL,default=24h"`
	Options  map[string]string `env:"OPTIONS" description:"Backend-specific options"`
}

// TLSConfig holds TLS listener configuration. TLS is enabled when both paths
// are provided.
type TLSConfig struct {
	CertPath string `env:"CERT_PATH" description:"TLS certificate path"`
	KeyPath  string `env:"KEY_PATH" description:"TLS key path"`
}

// Enabled reports whether both certificate and key are configured.
func (c TLSConfig) Enabled() bool {
	return c.CertPath != "" && c.KeyPath != ""
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host                  string        `env:"HOST,default=127.0.0.1"`
	ReadTimeout           time.Duration `env:"READ_TIMEOUT,default=120s"`
	WriteTimeout          time.Duration `env:"WRITE_TIMEOUT,default=120s"`
	IdleTimeout           time.Duration `env:"IDLE_TIMEOUT,default=120s"`
	ReadinessWait         time.Duration `env:"READINESS_WAIT,default=5s" description:"How long write endpoints are held before 503"`
	DisableHealthcheckLog bool          `env:"DISABLE_HEALTHCHECK_LOG,default=true"`
	SocketDir             string        `env:"SOCKET_DIR" description:"UDS directory (default ~/.synapse/sockets)"`
	TLSConfig             TLSConfig     `env:",prefix=TLS_"`
}

// AuthConfig holds authentication configuration. APIKey enables static
// api-key auth; IssuerURL enables OIDC bearer auth. Localhost callers may be
// allow-listed so the host CLI keeps working with auth enabled.
type AuthConfig struct {
	Enable         bool   `env:"ENABLE,default=false"`
	APIKey         string `env:"API_KEY"`
	IssuerURL      string `env:"ISSUER_URL"`
	ClientID       string `env:"CLIENT_ID"`
	AllowLocalhost bool   `env:"ALLOW_LOCALHOST,default=true"`
}

// MetricsConfig holds metrics server configuration.
type MetricsConfig struct {
	Host         string        `env:"HOST,default=127.0.0.1"`
	Port         string        `env:"PORT,default=9464"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT,default=30s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT,default=30s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT,default=60s"`
}

// TelemetryConfig holds telemetry configuration.
type TelemetryConfig struct {
	Enable        bool          `env:"ENABLE,default=false"`
	MetricsConfig MetricsConfig `env:",prefix=METRICS_"`
}

// Load loads configuration from environment variables, merging with the
// provided base config.
func Load(ctx context.Context, baseConfig *Config) (*Config, error) {
	return LoadWithLookuper(ctx, baseConfig, envconfig.OsLookuper())
}

// LoadWithLookuper loads configuration using a custom lookuper; tests pass a
// map lookuper for isolation.
func LoadWithLookuper(ctx context.Context, baseConfig *Config, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config

	if baseConfig != nil {
		cfg = *baseConfig
	}

	// Overwrite lets set environment variables win over non-zero baseConfig
	// fields; envconfig skips populated fields otherwise.
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           &cfg,
		Lookuper:         lookuper,
		DefaultOverwrite: true,
	})
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants and normalizes defaults that depend on the
// process environment.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.WebhookConfig.MaxRetries < 1 {
		c.WebhookConfig.MaxRetries = 1
	}

	if c.RegistryDir == "" {
		c.RegistryDir = filepath.Join(homeDir(), ".a2a", "registry")
	}
	if c.ServerConfig.SocketDir == "" {
		c.ServerConfig.SocketDir = filepath.Join(homeDir(), ".synapse", "sockets")
	}
	if c.HistoryConfig.DBPath == "" {
		c.HistoryConfig.DBPath = filepath.Join(homeDir(), ".synapse", "history", "history.db")
	}

	return nil
}

// SocketPath returns the UDS path advertised for an agent id.
func (c *Config) SocketPath(agentID string) string {
	return filepath.Join(c.ServerConfig.SocketDir, agentID+".sock")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
