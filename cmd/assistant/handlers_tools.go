package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/messages"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/streaming"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/toolfmt"
	"github.com/databricks-industry-solutions/supply-chain-stress-test/internal/upstream"
)

// runReplay aggregates a captured stream against an in-memory store and
// writes the outbound frames to stdout.
func runReplay(cmd *cobra.Command, source, sessionID, messageID string) error {
	in, closeIn, err := openInput(cmd, source)
	if err != nil {
		return err
	}
	defer closeIn()

	handler, err := streaming.NewHandler(streaming.Options{
		Store:     messages.NewMemoryStore(),
		Extractor: upstream.TraceExtractor{},
		Logger:    slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		return err
	}
	req := streaming.Request{SessionID: sessionID, MessageID: messageID}
	return handler.Stream(cmd.Context(), in, req, streaming.NewSSEWriter(cmd.OutOrStdout()))
}

// runNormalize prints the tool-response block for raw tool output.
func runNormalize(cmd *cobra.Command, arg string, showKind bool) error {
	raw := arg
	if arg == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		raw = strings.TrimRight(string(data), "\r\n")
	}
	if showKind {
		fmt.Fprintf(cmd.ErrOrStderr(), "kind: %s\n", toolfmt.Normalize(raw).Kind)
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(toolfmt.FormatToolResponse(raw)))
	return nil
}

func openInput(cmd *cobra.Command, source string) (io.Reader, func(), error) {
	if source == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(source)
	if err != nil {
		return nil, nil, fmt.Errorf("open capture: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
