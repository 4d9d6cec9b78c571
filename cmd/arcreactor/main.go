// Package main provides the CLI entry point for the Arc Reactor agent
// runtime.
//
// Start the server:
//
//	arcreactor serve --config arcreactor.yaml
//
// Check a configuration file without starting anything:
//
//	arcreactor validate --config arcreactor.yaml
//
// Configuration values may reference environment variables with ${VAR}
// syntax; they are expanded before parsing.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arclabs/arcreactor/internal/config"
	"github.com/arclabs/arcreactor/internal/observability"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arcreactor",
		Short: "Arc Reactor - multi-tenant agent runtime",
		Long: `Arc Reactor runs LLM agents with tool execution behind a guard
pipeline, lifecycle hooks, quota enforcement, and human-in-the-loop
tool approval.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Arc Reactor server",
		Long: `Start the agent runtime and its HTTP API.

The server loads the configuration, connects storage and model
providers, starts the metric drainer and any configured MCP tool
servers, and then serves the execution API until SIGINT or SIGTERM.`,
		Example: `  # Start with default config
  arcreactor serve

  # Start with a custom config and listen address
  arcreactor serve --config /etc/arcreactor/production.yaml --listen :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, listenAddr, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arcreactor.yaml",
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8080",
		"HTTP listen address")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"configuration valid: model=%s storage=%s guard=%v quota=%v mcp_servers=%d\n",
				cfg.LLM.DefaultModel, cfg.Storage.Backend,
				cfg.GuardEnabled(), cfg.Quota.Enabled, len(cfg.MCP.Servers))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "arcreactor.yaml",
		"Path to YAML configuration file")
	return cmd
}

// runServe loads configuration, assembles the runtime, and serves until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath, listenAddr string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	logger.Info("starting arcreactor",
		"version", version,
		"commit", commit,
		"config", configPath,
		"model", cfg.LLM.DefaultModel,
		"storage", cfg.Storage.Backend,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := newServer(rt, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(listenAddr)
	}()
	logger.Info("arcreactor started", "addr", listenAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	srv.Shutdown()
	logger.Info("arcreactor stopped")
	return nil
}
