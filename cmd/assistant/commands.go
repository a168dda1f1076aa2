package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant gateway",
		Long: `Start the HTTP gateway.

The server will:
1. Load configuration from the specified file and the environment
2. Open the message store and the capability cache
3. Schedule capability pruning
4. Serve /api/chat, /api/chat/regenerate, /healthz and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  assistant serve

  # Start with debug logging
  assistant serve --config /etc/assistant/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath, cmd.Flags().Changed("config"))
			return runServe(cmd.Context(), path, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildMigrateCmd creates the "migrate" command that bootstraps the schema.
func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the message tables",
		Long: `Create the messages table and its indexes in the configured database.

The command is idempotent and only applies to the postgres and sqlite drivers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath, cmd.Flags().Changed("config"))
			return runMigrate(cmd, path)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
	return cmd
}

// buildReplayCmd creates the "replay" command.
func buildReplayCmd() *cobra.Command {
	var (
		sessionID string
		messageID string
	)

	cmd := &cobra.Command{
		Use:   "replay <capture|->",
		Short: "Run the aggregator over a captured serving stream",
		Long: `Replay reads a captured serving-endpoint event stream and prints the
events the gateway would send to the client. Use - to read from stdin.`,
		Example: `  assistant replay capture.sse
  curl -sN "$URL" -d @req.json | assistant replay -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args[0], sessionID, messageID)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "replay", "Session ID for the replayed reply")
	cmd.Flags().StringVar(&messageID, "message", "", "Message ID for the replayed reply (default: generated)")
	return cmd
}

// buildNormalizeCmd creates the "normalize" command.
func buildNormalizeCmd() *cobra.Command {
	var showKind bool

	cmd := &cobra.Command{
		Use:   "normalize <text|->",
		Short: "Render tool output as a tool-response block",
		Long: `Normalize decodes raw tool output (JSON, language literals or key=value
lists) and prints the tool-response block shown to users. Use - to read from stdin.`,
		Example: `  assistant normalize "var_name=l,index=('T1_1',),value=0.0"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(cmd, args[0], showKind)
		},
	}

	cmd.Flags().BoolVar(&showKind, "kind", false, "Print the detected payload kind to stderr")
	return cmd
}
