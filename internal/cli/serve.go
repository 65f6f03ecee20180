package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pricing/internal/audit"
	"github.com/kubilitics/kubilitics-pricing/internal/auth"
	"github.com/kubilitics/kubilitics-pricing/internal/catalog"
	"github.com/kubilitics/kubilitics-pricing/internal/config"
	"github.com/kubilitics/kubilitics-pricing/internal/db"
	"github.com/kubilitics/kubilitics-pricing/internal/oracle"
	"github.com/kubilitics/kubilitics-pricing/internal/pipeline"
	"github.com/kubilitics/kubilitics-pricing/internal/server"
	"github.com/kubilitics/kubilitics-pricing/internal/tools"
	"github.com/kubilitics/kubilitics-pricing/internal/tracing"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event stream and gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, mgr, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	auditLog, err := newAuditLogger(cfg)
	if err != nil {
		return err
	}
	defer auditLog.Close()
	logger := auditLog.App()
	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventConfigLoaded).
		WithAction(a.configPath).
		WithResult(audit.ResultSuccess))

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	products, err := catalog.LoadFile(cfg.Catalog.Path, logger)
	if err != nil {
		return err
	}
	cat, err := catalog.NewMemory(products)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", cfg.Catalog.Path, err)
	}
	logger.Info("catalog loaded", zap.String("path", cfg.Catalog.Path), zap.Int("products", cat.Len()))

	sug, err := oracle.New(cfg.Oracle.Provider, cfg.Oracle.APIKey, cfg.Oracle.BaseURL, cfg.Oracle.Model, cfg.Oracle.Timeout)
	if err != nil {
		return err
	}
	logger.Info("oracle configured", zap.String("provider", sug.Name()))

	hub := server.NewHub(cfg.Server.AllowedOrigins, logger)
	agentOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithAuditLogger(auditLog),
		pipeline.WithTracer(tracing.Tracer()),
		pipeline.WithSink(hub),
		pipeline.WithApprovalObserver(hub),
	}
	serverOpts := []server.Option{server.WithLogger(logger), server.WithHub(hub)}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		sink := db.NewSink(store, logger)
		agentOpts = append(agentOpts, pipeline.WithSink(sink), pipeline.WithApprovalObserver(sink))
		serverOpts = append(serverOpts, server.WithStore(store))
		logger.Info("database connected", zap.String("type", cfg.Database.Type))
	}

	if cfg.Auth.Enabled {
		issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, server.WithIssuer(issuer))
	}

	agent, err := pipeline.New(cfg, cat, sug, nil, agentOpts...)
	if err != nil {
		return err
	}
	if cfg.Tools.Enabled {
		reg := tools.NewRegistry(auditLog, cfg.Tools.ReadOnly)
		if err := tools.RegisterPricingTools(reg, agent); err != nil {
			return err
		}
		serverOpts = append(serverOpts, server.WithTools(reg))
	}
	srv, err := server.New(cfg, agent, serverOpts...)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithMetadata("port", cfg.Server.Port).
		WithMetadata("database", cfg.Database.Type).
		WithMetadata("oracle", sug.Name()).
		WithResult(audit.ResultSuccess))

	// Thresholds are fixed for the life of the agent; only the catalog
	// follows the file.
	changes := mgr.Watch(ctx)
	for {
		select {
		case next := <-changes:
			_ = auditLog.Log(ctx, audit.NewEvent(audit.EventConfigChanged).
				WithAction(a.configPath).
				WithResult(audit.ResultSuccess))
			reloadCatalog(cat, next.Catalog.Path, logger)
		case <-ctx.Done():
			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			err := srv.Stop(sctx)
			_ = auditLog.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).
				WithError(err, "shutdown_failed").
				WithResult(resultOf(err)))
			return err
		}
	}
}

func reloadCatalog(cat *catalog.Memory, path string, logger *zap.Logger) {
	products, err := catalog.LoadFile(path, logger)
	if err != nil {
		logger.Error("catalog reload failed", zap.String("path", path), zap.Error(err))
		return
	}
	if err := cat.Replace(products); err != nil {
		logger.Error("catalog reload rejected", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Info("catalog reloaded", zap.String("path", path), zap.Int("products", cat.Len()))
}

func newAuditLogger(cfg *config.Config) (audit.Logger, error) {
	l, err := audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Logging.AuditLogPath,
		AppLogPath:   cfg.Logging.AppLogPath,
		MaxSize:      cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAgeDays,
		Compress:     true,
		LogLevel:     cfg.Logging.Level,
		Console:      cfg.Logging.Console,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return l, nil
}

// openStore connects the configured database. An empty type means no
// persistence and a nil store.
func openStore(cfg *config.Config) (db.Store, error) {
	switch cfg.Database.Type {
	case "":
		return nil, nil
	case db.DriverSQLite:
		if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		return db.Open(db.DriverSQLite, cfg.Database.SQLitePath)
	default:
		return db.Open(cfg.Database.Type, cfg.Database.PostgresURL)
	}
}

func resultOf(err error) audit.Result {
	if err != nil {
		return audit.ResultFailure
	}
	return audit.ResultSuccess
}
