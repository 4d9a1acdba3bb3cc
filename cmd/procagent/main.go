// Command procagent is the entry point for the stored-procedure tool-calling
// agent: an HTTP API, an interactive chat, and an MCP server over the same
// tool registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/procagent/internal/app"
	"github.com/MrWong99/procagent/internal/config"
	"github.com/MrWong99/procagent/pkg/provider/llm"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "procagent: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "procagent",
		Short:         "Tool-calling agent over database stored procedures",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd.Flags().Changed("config"))
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(c),
		newChatCmd(c),
		newToolsCmd(c),
		newCallCmd(c),
		newMCPCmd(c),
		newEvalCmd(c),
	)
	return root
}

// load reads the config file and installs the logger. A missing default
// config file is not an error: the environment and defaults still apply.
func (c *cli) load(explicit bool) error {
	cfg, err := config.Load(c.configPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !explicit:
		if cfg, err = config.LoadFromReader(strings.NewReader("")); err != nil {
			return err
		}
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", c.configPath)
	default:
		return err
	}
	if c.logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(c.logLevel)
		if !cfg.Server.LogLevel.IsValid() {
			return fmt.Errorf("--log-level %q is invalid; valid values: debug, info, warn, error", c.logLevel)
		}
	}
	c.cfg = cfg
	slog.SetDefault(newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat))
	return nil
}

// newApp builds the application. withLLM controls whether an LLM provider is
// created; commands that only dispatch tools run without one.
func (c *cli) newApp(ctx context.Context, withLLM bool, opts ...app.Option) (*app.App, error) {
	var provider llm.Provider
	if withLLM {
		reg := config.NewRegistry()
		registerBuiltinProviders(reg)
		p, err := buildProvider(c.cfg.LLM, reg)
		if err != nil {
			return nil, err
		}
		provider = p
	}
	return app.New(ctx, c.cfg, provider, opts...)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
