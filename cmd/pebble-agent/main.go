package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pebble/pebble-agent/internal/api"
	"github.com/pebble/pebble-agent/internal/auth"
	"github.com/pebble/pebble-agent/internal/backend"
	"github.com/pebble/pebble-agent/internal/config"
	"github.com/pebble/pebble-agent/internal/executor"
	"github.com/pebble/pebble-agent/internal/observability"
	"github.com/pebble/pebble-agent/internal/result"
	"github.com/pebble/pebble-agent/internal/session"
	"github.com/pebble/pebble-agent/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv("pebble-agent")
	if err != nil {
		var missing *config.MissingError
		if errors.As(err, &missing) {
			_, _ = fmt.Fprintln(os.Stderr, "Missing required environment variables:")
			for _, key := range missing.Keys {
				_, _ = fmt.Fprintf(os.Stderr, "  - %s\n", key)
			}
		}
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	logger.Info("starting pebble agent",
		slog.String("api_url", cfg.Backend.URL),
		slog.String("company_id", cfg.Backend.CompanyID),
		slog.String("agent_key", observability.MaskSecret(cfg.Backend.AgentKey)),
		slog.String("instance", cfg.Database.InstanceConnectionName()),
		slog.String("database", cfg.Database.Name),
		slog.String("iam_user", cfg.Database.IAMUser),
		slog.String("ip_type", cfg.Database.IPType),
		slog.Int("num_workers", cfg.Worker.Count),
		slog.Duration("poll_interval", cfg.Worker.PollInterval),
		slog.Int("max_result_rows", cfg.Limits.MaxRows),
		slog.Int("max_result_bytes", cfg.Limits.MaxBytes),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, err := openSessions(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize database sessions", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = sessions.Close() }()

	exec := executor.New(sessions, executor.Config{
		Limits:         result.Limits{MaxRows: cfg.Limits.MaxRows, MaxBytes: cfg.Limits.MaxBytes},
		ConnectTimeout: cfg.Database.ConnectTimeout,
	}, logger)

	pool, err := worker.NewPool(cfg.Worker.Count, func(id int) (*worker.Worker, error) {
		client, err := backend.NewClient(backend.Config{
			BaseURL:       cfg.Backend.URL,
			AgentKey:      cfg.Backend.AgentKey,
			CompanyID:     cfg.Backend.CompanyID,
			Timeout:       cfg.Backend.HTTPTimeout,
			ReportRetries: cfg.Backend.ReportRetries,
		}, logger.With(slog.Int("worker_id", id)))
		if err != nil {
			return nil, err
		}
		return &worker.Worker{
			Backend:  client,
			Executor: exec,
			Config: worker.Config{
				PollInterval: cfg.Worker.PollInterval,
				MaxBackoff:   cfg.Worker.MaxBackoff,
			},
			Logger: logger,
		}, nil
	})
	if err != nil {
		logger.Error("failed to build worker pool", slog.Any("error", err))
		os.Exit(1)
	}
	pool.Logger = logger

	var server *http.Server
	if cfg.Ops.Address != "" {
		deps := api.Dependencies{
			Logger:           logger,
			Workers:          pool,
			Readiness:        api.CombineReadinessChecks(api.CheckNotStopping(ctx), api.CheckWorkersReady(pool)),
			DependencyTimout: time.Second,
		}
		if validator := auth.NewStaticTokenValidator(cfg.Ops.Token); validator.Enabled() {
			deps.AuthMiddleware = auth.Middleware(logger, validator)
		}
		server = &http.Server{
			Addr:         cfg.Ops.Address,
			Handler:      api.NewHandler(cfg, deps),
			ReadTimeout:  cfg.Ops.ReadTimeout,
			WriteTimeout: cfg.Ops.WriteTimeout,
			IdleTimeout:  cfg.Ops.IdleTimeout,
		}
		go func() {
			logger.Info("starting ops server", slog.String("addr", cfg.Ops.Address))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server failed", slog.Any("error", err))
			}
		}()
	}

	if err := pool.Run(ctx); err != nil {
		logger.Error("worker pool failed", slog.Any("error", err))
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", slog.Any("error", err))
			_ = server.Close()
		}
	}
	logger.Info("pebble agent stopped")
}

type sessionProvider interface {
	session.Provider
	Close() error
}

func openSessions(ctx context.Context, cfg config.Config, logger *slog.Logger) (sessionProvider, error) {
	if cfg.Database.DSN != "" {
		logger.Warn("using direct database dsn instead of the cloud sql connector")
		return session.NewDSN(cfg.Database.DSN)
	}
	ipType, err := session.ParseIPType(cfg.Database.IPType)
	if err != nil {
		return nil, err
	}
	return session.NewCloudSQL(ctx, session.CloudSQLConfig{
		InstanceConnectionName: cfg.Database.InstanceConnectionName(),
		Database:               cfg.Database.Name,
		IAMUser:                cfg.Database.IAMUser,
		IPType:                 ipType,
	}, logger)
}
