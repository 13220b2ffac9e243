package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Run serves the A2A router on the given TCP listener and on the agent's
// Unix socket until ctx is canceled. The TCP listener typically arrives
// pre-bound from the port manager; the socket is created (and any stale one
// removed) here. When TLS is configured the TCP side is wrapped; the socket
// stays plain since filesystem permissions already gate it.
func (s *Server) Run(ctx context.Context, tcpListener net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ServerConfig.ReadTimeout,
		WriteTimeout: s.cfg.ServerConfig.WriteTimeout,
		IdleTimeout:  s.cfg.ServerConfig.IdleTimeout,
	}
	udsServer := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ServerConfig.ReadTimeout,
		WriteTimeout: s.cfg.ServerConfig.WriteTimeout,
		IdleTimeout:  s.cfg.ServerConfig.IdleTimeout,
	}

	udsListener, err := s.listenSocket()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tls := s.cfg.ServerConfig.TLSConfig
		var err error
		if tls.Enabled() {
			s.logger.Info("serving a2a over tls", zap.String("addr", tcpListener.Addr().String()))
			err = httpServer.ServeTLS(tcpListener, tls.CertPath, tls.KeyPath)
		} else {
			s.logger.Info("serving a2a", zap.String("addr", tcpListener.Addr().String()))
			err = httpServer.Serve(tcpListener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if udsListener != nil {
		g.Go(func() error {
			s.logger.Info("serving a2a on unix socket", zap.String("path", udsListener.Addr().String()))
			err := udsServer.Serve(udsListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = udsServer.Shutdown(shutdownCtx)
		s.removeSocket()
		return nil
	})

	return g.Wait()
}

// listenSocket binds the agent's Unix socket, replacing any stale one left
// by a previous run. Socket failures are soft: TCP still serves.
func (s *Server) listenSocket() (net.Listener, error) {
	path := s.cfg.SocketPath(s.card.AgentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Warn("cannot create socket dir, serving tcp only", zap.Error(err))
		return nil, nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("cannot remove stale socket, serving tcp only",
			zap.String("path", path), zap.Error(err))
		return nil, nil
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		s.logger.Warn("cannot bind unix socket, serving tcp only",
			zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	if err := os.Chmod(path, 0o600); err != nil {
		s.logger.Warn("cannot restrict socket permissions", zap.Error(err))
	}
	return ln, nil
}

func (s *Server) removeSocket() {
	path := s.cfg.SocketPath(s.card.AgentID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("socket cleanup failed", zap.String("path", path), zap.Error(err))
	}
}

// RunMetrics serves the prometheus scrape endpoint when telemetry is
// enabled, until ctx is canceled.
func (s *Server) RunMetrics(ctx context.Context) error {
	if !s.cfg.TelemetryConfig.Enable {
		return nil
	}

	metricsCfg := s.cfg.TelemetryConfig.MetricsConfig
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", metricsCfg.Host, metricsCfg.Port),
		Handler:      mux,
		ReadTimeout:  metricsCfg.ReadTimeout,
		WriteTimeout: metricsCfg.WriteTimeout,
		IdleTimeout:  metricsCfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("serving metrics", zap.String("addr", metricsServer.Addr))
		err := metricsServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
