package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/procagent/internal/app"
	"github.com/MrWong99/procagent/internal/config"
	"github.com/MrWong99/procagent/internal/observe"
	"github.com/MrWong99/procagent/internal/server"
	"github.com/MrWong99/procagent/internal/tool/procedure"
)

// minSweepInterval bounds how often idle sessions are swept.
const minSweepInterval = time.Minute

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(parent context.Context) error {
	cfg := c.cfg
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 1. Telemetry ──────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// ── 2. Application ────────────────────────────────────────────────────────
	application, err := c.newApp(ctx, true, app.WithMetrics(metrics))
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}
	printStartupSummary(cfg)

	// ── 3. HTTP server ────────────────────────────────────────────────────────
	api, err := server.New(ctx, application,
		server.WithMetricsHandler(cfg.Telemetry.MetricsPath, tel.Handler),
		server.WithVersion(version),
	)
	if err != nil {
		_ = application.Shutdown(context.Background())
		_ = tel.Shutdown(context.Background())
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── 4. Tools file hot reload ──────────────────────────────────────────────
	if cfg.ToolsFile != "" {
		w, err := config.NewToolsWatcher(cfg.ToolsFile, func(diff config.ToolsDiff, defs []procedure.Definition) {
			slog.Info("tools file changed", "added", diff.Added, "removed", diff.Removed, "changed", diff.Changed)
			if err := application.SyncTools(ctx, diff, defs); err != nil {
				slog.Error("apply tools file", "err", err)
			}
		})
		if err != nil {
			slog.Warn("tools file watcher disabled", "path", cfg.ToolsFile, "err", err)
		} else {
			defer w.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", httpSrv.Addr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		return application.Sessions().Run(gctx, sweepInterval(cfg.Server.SessionTTL))
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	runErr := g.Wait()

	// ── 5. Graceful shutdown ──────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}

// sweepInterval checks for idle sessions four times per TTL.
func sweepInterval(ttl time.Duration) time.Duration {
	return max(ttl/4, minSweepInterval)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	llmName := "(not configured)"
	if cfg.LLM.Name != "" {
		llmName = cfg.LLM.Name + " / " + cfg.LLM.Model
	}
	mcpPath := "(disabled)"
	if cfg.Server.MCPPath != "" {
		mcpPath = cfg.Server.MCPPath
	}
	slog.Info("procagent starting",
		"version", version,
		"llm", llmName,
		"fallbacks", len(cfg.LLM.Fallbacks),
		"database", string(cfg.Database.Driver),
		"catalog", string(cfg.Catalog.Store),
		"config_tools", len(cfg.Tools),
		"tools_file", cfg.ToolsFile,
		"mcp_servers", len(cfg.MCP.Servers),
		"mcp_path", mcpPath,
		"listen_addr", cfg.Server.ListenAddr,
	)
}
