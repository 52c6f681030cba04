package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/app"
	"github.com/ekaya-inc/ekaya-forensics/pkg/config"
	"github.com/ekaya-inc/ekaya-forensics/pkg/handlers"
	"github.com/ekaya-inc/ekaya-forensics/pkg/logging"
	"github.com/ekaya-inc/ekaya-forensics/pkg/mcp"
	"github.com/ekaya-inc/ekaya-forensics/pkg/mcp/tools"
	"github.com/ekaya-inc/ekaya-forensics/pkg/middleware"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("base_url", cfg.BaseURL),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.String("llm_model", cfg.LLM.Model),
		zap.Bool("triple_store", cfg.TripleStore.IsConfigured()),
		zap.Bool("archive", cfg.Archive.IsConfigured()),
		zap.Float64("confidence_threshold", cfg.Pipeline.ConfidenceThreshold))

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	go reconcileOnStartup(ctx, a, logger)

	mux := http.NewServeMux()

	healthChecks := make(map[string]handlers.HealthCheck, len(a.Checks))
	toolChecks := make(map[string]tools.HealthCheck, len(a.Checks))
	for name, check := range a.Checks {
		healthChecks[name] = check
		toolChecks[name] = check
	}
	handlers.NewHealthHandler(cfg, healthChecks, logger).RegisterRoutes(mux)

	var history handlers.EventHistory
	if a.History != nil {
		history = a.History
	}
	handlers.NewAnalysisHandler(a.Pipeline, a.Batch, a.Persistence, history, logger).RegisterRoutes(mux)

	audit := mcp.NewAuditLogger(logger)
	mcpServer := mcp.NewServer("ekaya-forensics", cfg.Version, logger, server.WithHooks(audit.Hooks()))
	tools.RegisterHealthTool(mcpServer.MCP(), cfg.Version, toolChecks)
	tools.RegisterAnalysisTools(mcpServer.MCP(), &tools.AnalysisToolDeps{
		Pipeline:    a.Pipeline,
		Persistence: a.Persistence,
		Logger:      logger,
	})
	handlers.NewMCPHandler(mcpServer, logger).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: analysis streams stay open for the whole run.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-forensics",
			zap.String("addr", srv.Addr),
			zap.Bool("tls", cfg.TLSCertPath != ""))
		var err error
		if cfg.TLSCertPath != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown did not complete", zap.Error(err))
	}
	return nil
}

// reconcileOnStartup re-writes graphs for records saved while the triple
// store was down during a previous run.
func reconcileOnStartup(ctx context.Context, a *app.App, logger *zap.Logger) {
	if !a.Config.TripleStore.IsConfigured() {
		return
	}
	result, err := a.Persistence.Reconcile(ctx, a.Config.Pipeline.ReconcileLimit)
	if err != nil {
		logger.Warn("Startup reconciliation failed", zap.Error(err))
		return
	}
	if result.Scanned > 0 {
		logger.Info("Startup reconciliation finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("synced", result.Synced),
			zap.Strings("failed_ids", result.FailedIDs))
	}
}
