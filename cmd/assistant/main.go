// Package main provides the CLI entry point for the supply-chain assistant
// gateway.
//
// # Basic Usage
//
// Start the server:
//
//	assistant serve --config assistant.yaml
//
// Bootstrap the message schema:
//
//	assistant migrate --config assistant.yaml
//
// Replay a captured serving stream through the aggregator:
//
//	assistant replay capture.sse
//
// # Environment Variables
//
//   - ASSISTANT_CONFIG: Path to configuration file (default: assistant.yaml)
//   - DATABRICKS_HOST: Workspace URL used to build the invocations URL
//   - DATABRICKS_TOKEN: Bearer token for the serving endpoint
//   - SERVING_ENDPOINT_NAME: Serving endpoint name
//   - DATABASE_URL: Message store connection string
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "assistant.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "assistant",
		Short: "Supply-chain assistant gateway",
		Long: `The assistant gateway forwards chat requests to a model serving endpoint
and streams the aggregated reply, including tool calls and tool responses,
back to the client as server-sent events.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildReplayCmd(),
		buildNormalizeCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit flag, then ASSISTANT_CONFIG, then
// the default file when it exists. An empty result means environment-only
// configuration.
func resolveConfigPath(path string, explicit bool) string {
	if explicit {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("ASSISTANT_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}
