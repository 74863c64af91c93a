// Package main is the CLI entry point for the inres incident response agent
// gateway.
//
// Start the server:
//
//	inres-agent serve --config agent.yaml
//
// Configuration can also come from environment variables (DATABASE_URL,
// REDIS_URL, ANTHROPIC_API_KEY, INRES_API_URL, and friends); environment
// always wins over the file.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
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

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "inres-agent",
		Short:        "inres incident response agent gateway",
		Long:         "Server-side runtime for the inres AI incident response agent:\nWebSocket streaming sessions, LLM turn orchestration, built-in incident\ntools, and external tool server subprocesses.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
