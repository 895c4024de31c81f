package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/agentworkforce/relaygraph/internal/accessgate"
	"github.com/agentworkforce/relaygraph/internal/config"
	"github.com/agentworkforce/relaygraph/internal/httpapi"
	"github.com/agentworkforce/relaygraph/internal/observability"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.ValidateServe(); err != nil {
				return err
			}
			ln, err := net.Listen("tcp", a.cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr, err)
			}
			return serveOn(cmd.Context(), ln, a.cfg, observability.GetLogger())
		},
	}
}

// serveOn runs the API on ln until ctx is cancelled, then drains in-flight
// requests for up to server.shutdown_timeout.
func serveOn(ctx context.Context, ln net.Listener, cfg *config.Config, logger *zap.Logger) error {
	gate, err := accessgate.NewPolicyGate(cfg.Access.PolicyFile, logger)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() { _ = gate.Close() }()

	eng, err := buildEngine(ctx, cfg, gate, logger)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := eng.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("engine close failed", zap.Error(err))
		}
	}()
	if err := eng.requireRepairs(); err != nil {
		_ = ln.Close()
		return err
	}

	handler, err := httpapi.NewServer(httpapi.Dependencies{
		Nodes:   eng.nodes,
		Scanner: eng.scanner,
		Repairs: eng.repairs,
		Gate:    gate,
		Events:  eng.events,
	}, httpapi.ServerConfig{
		JWTSecret:       cfg.Auth.JWTSecret,
		Audience:        cfg.Auth.Audience,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Logger:          logger,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorLog:     zap.NewStdLog(logger.Named("http")),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("relaygraph listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("store", storeScheme(cfg.Store.DSN)),
		zap.Bool("git_sync", cfg.Sync.Enabled),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// storeScheme keeps credentials in the DSN out of logs.
func storeScheme(dsn string) string {
	if strings.TrimSpace(dsn) == "" {
		return "memory"
	}
	scheme, _, ok := strings.Cut(dsn, "://")
	if !ok {
		return "unknown"
	}
	return scheme
}
