// Command synapse wraps one interactive CLI coding agent under a PTY and
// serves the A2A protocol for it: peers send tasks over HTTP or a Unix
// socket, the wrapper types them into the child and reports what comes back.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/synapse-agents/synapse/board"
	"github.com/synapse-agents/synapse/history"
	"github.com/synapse-agents/synapse/profile"
	"github.com/synapse-agents/synapse/registry"
	"github.com/synapse-agents/synapse/server"
	"github.com/synapse-agents/synapse/server/config"
	otelpkg "github.com/synapse-agents/synapse/server/otel"
	"github.com/synapse-agents/synapse/terminal"
	"github.com/synapse-agents/synapse/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "synapse:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	prof, err := profile.Load(cfg.Profile)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	agents, err := registry.New(cfg.RegistryDir, logger)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	agentType := cfg.AgentType
	if agentType == "" {
		agentType = prof.Name
	}

	ports := registry.NewPortManager(agents)
	port, tcpListener, err := bindPort(ports, cfg, agentType)
	if err != nil {
		return err
	}

	agentID := cfg.AgentID
	if agentID == "" {
		agentID = fmt.Sprintf("synapse-%s-%d", agentType, port)
	}

	gate := server.NewReadinessGateWithWait(cfg.ServerConfig.ReadinessWait)

	var telemetry otelpkg.OpenTelemetry
	if cfg.TelemetryConfig.Enable {
		telemetry, err = otelpkg.NewOpenTelemetry(agentID, server.Version, logger)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
	}

	webhooks := server.NewWebhookRegistry(logger)
	dispatcher := server.NewWebhookDispatcher(logger, webhooks,
		cfg.WebhookConfig.Timeout, cfg.WebhookConfig.MaxRetries)
	if telemetry != nil {
		dispatcher.WithTelemetry(telemetry)
	}

	sink := &statusSink{
		agentID:    agentID,
		agents:     agents,
		dispatcher: dispatcher,
		telemetry:  telemetry,
		logger:     logger,
	}

	instruction, err := loadInstruction(cfg)
	if err != nil {
		return err
	}

	ctrl := terminal.NewController(terminal.Options{
		Command:                 prof.Command,
		Args:                    append(append([]string{}, prof.Args...), toolArgs(cfg.ToolArgs)...),
		Env:                     prof.Env,
		SubmitSequence:          prof.SubmitSequence,
		Idle:                    idleDetection(prof),
		WaitingRegex:            waitingRegex(prof),
		AgentID:                 agentID,
		AgentType:               agentType,
		AgentName:               cfg.AgentName,
		AgentRole:               cfg.AgentRole,
		Port:                    port,
		InitialInstruction:      instruction,
		SkipInitialInstructions: cfg.SkipInitialInstructions,
		OnIdentitySent:          gate.Open,
		StatusSink:              sink,
		Logger:                  logger,
	})

	var taskBoard *board.Board
	if cfg.BoardConfig.Enabled {
		// Board failure is fatal: a wrapper that cannot coordinate is not
		// part of the team.
		taskBoard, err = board.Open(cfg.BoardConfig.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open task board: %w", err)
		}
		defer taskBoard.Close()
	}

	var historyDB *history.Store
	if cfg.HistoryConfig.Enabled {
		historyDB, err = history.Open(cfg.HistoryConfig.DBPath,
			cfg.HistoryConfig.MaxAge, cfg.HistoryConfig.MaxRows, logger)
		if err != nil {
			logger.Warn("history store unavailable, continuing without it", zap.Error(err))
			historyDB = nil
		} else {
			defer historyDB.Close()
			if err := historyDB.Prune(); err != nil {
				logger.Warn("history prune failed", zap.Error(err))
			}
		}
	}

	mirror, err := server.NewTaskMirror(ctx, cfg.MirrorConfig, logger)
	if err != nil {
		logger.Warn("task mirror unavailable, continuing without it", zap.Error(err))
		mirror = &server.NoopTaskMirror{}
	}
	defer mirror.Close()

	endpoint := fmt.Sprintf("http://%s:%d", cfg.ServerConfig.Host, port)
	card := types.AgentCard{
		AgentID:   agentID,
		AgentType: agentType,
		Name:      cfg.AgentName,
		Role:      cfg.AgentRole,
		Version:   server.Version,
		Endpoint:  endpoint,
		UDSPath:   cfg.SocketPath(agentID),
		Capabilities: types.AgentCapabilities{
			TaskBoard: taskBoard != nil,
		},
		AcceptedParts: []string{
			string(types.PartTypeText),
			string(types.PartTypeFile),
			string(types.PartTypeData),
		},
	}

	srv, err := server.NewServer(server.Options{
		Config:     cfg,
		Logger:     logger,
		Controller: ctrl,
		Webhooks:   webhooks,
		Dispatcher: dispatcher,
		Gate:       gate,
		Mirror:     mirror,
		Board:      taskBoard,
		History:    historyDB,
		Registry:   agents,
		Telemetry:  telemetry,
		Card:       card,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		logger.Info("starting in attached mode", zap.String("agent_id", agentID))
	} else if err := ctrl.Start(); err != nil {
		return fmt.Errorf("start child: %w", err)
	}
	defer ctrl.Stop()

	if err := agents.Register(registry.AgentRecord{
		AgentID:   agentID,
		AgentType: agentType,
		Name:      cfg.AgentName,
		Role:      cfg.AgentRole,
		PID:       os.Getpid(),
		Port:      port,
		Endpoint:  endpoint,
		UDSPath:   card.UDSPath,
		Status:    types.AgentStatusProcessing,
	}); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	defer func() { _ = agents.Unregister(agentID) }()

	logger.Info("agent up",
		zap.String("agent_id", agentID),
		zap.String("endpoint", endpoint),
		zap.String("profile", prof.Name))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, tcpListener) })
	g.Go(func() error { return srv.RunMetrics(gctx) })
	if interactive {
		g.Go(func() error {
			defer stop()
			return ctrl.RunInteractive()
		})
	} else {
		g.Go(func() error {
			ctrl.Wait()
			stop()
			return nil
		})
	}

	return g.Wait()
}

// bindPort claims the pinned port or the first free one in the agent type's
// band. The listener is handed to the HTTP server as-is.
func bindPort(ports *registry.PortManager, cfg *config.Config, agentType string) (int, net.Listener, error) {
	if cfg.Port != 0 {
		ln, err := ports.Claim(cfg.ServerConfig.Host, cfg.Port)
		if err != nil {
			return 0, nil, err
		}
		return cfg.Port, ln, nil
	}
	return ports.Allocate(cfg.ServerConfig.Host, agentType)
}

// toolArgs splits the NUL-separated SYNAPSE_TOOL_ARGS value into argv
// entries. NUL separation lets callers pass arguments containing spaces.
func toolArgs(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, arg := range strings.Split(raw, "\x00") {
		if arg != "" {
			out = append(out, arg)
		}
	}
	return out
}

func idleDetection(prof *profile.Profile) terminal.IdleDetection {
	return terminal.IdleDetection{
		Strategy:   prof.IdleDetection.Strategy,
		Pattern:    prof.IdleDetection.Pattern,
		PatternUse: prof.IdleDetection.PatternUse,
		Timeout:    prof.IdleDetection.Timeout.Std(),
	}
}

func waitingRegex(prof *profile.Profile) string {
	if prof.WaitingDetection == nil {
		return ""
	}
	return prof.WaitingDetection.Regex
}

func loadInstruction(cfg *config.Config) (string, error) {
	if cfg.InstructionFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(cfg.InstructionFile)
	if err != nil {
		return "", fmt.Errorf("read instruction file: %w", err)
	}
	return string(data), nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// statusSink publishes controller status transitions to the registry, the
// webhook dispatcher and telemetry. The controller only calls it on change.
type statusSink struct {
	agentID    string
	agents     *registry.Registry
	dispatcher *server.WebhookDispatcher
	telemetry  otelpkg.OpenTelemetry
	logger     *zap.Logger
}

func (s *statusSink) PublishStatus(status types.AgentStatus) {
	if err := s.agents.UpdateStatus(s.agentID, status); err != nil {
		s.logger.Debug("registry status update failed", zap.Error(err))
	}
	s.dispatcher.DispatchAsync(server.EventAgentStatusChanged, map[string]any{
		"agent_id": s.agentID,
		"status":   string(status),
	})
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.telemetry.RecordStatusTransition(ctx, string(status))
	}
}
