package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/smazurov/childwatch/internal/logging"
	"github.com/smazurov/childwatch/internal/process"
)

// Exit codes shared by the commands that run children.
const (
	ExitTimeout    = 124 // child outlived --timeout
	ExitSpawnError = 127 // child could not be started
)

// initLogging sets up logging for one-shot commands. Logs go to stderr
// through the regular handler chain so they never mix with child output.
func initLogging(level string, jsonFormat bool) *slog.Logger {
	format := "text"
	if jsonFormat {
		format = "json"
	}
	logging.Initialize(logging.Config{Level: level, Format: format, Stderr: true})
	return logging.GetLogger("cli")
}

// addLoggingFlags registers the flags every one-shot command shares.
func addLoggingFlags(cmd *cobra.Command, level *string, jsonFormat *bool) {
	cmd.Flags().StringVar(level, "logging-level", "warn", "Logging level (debug, info, warn, error)")
	cmd.Flags().BoolVar(jsonFormat, "log-json", false, "Log in JSON format")
}

// exitCodeFor maps a finished handle to a shell style exit code.
func exitCodeFor(h *process.Handle) int {
	switch h.Outcome() {
	case process.OutcomeExited:
		return h.Status()
	case process.OutcomeSignaled:
		return 128 + int(h.Signal())
	case process.OutcomeTimedOut:
		return ExitTimeout
	}
	return 1
}

// printLines writes captured lines, each prefixed when prefix is set.
func printLines(w io.Writer, prefix string, lines []string) {
	for _, line := range lines {
		if prefix != "" {
			fmt.Fprintf(w, "%s %s\n", prefix, line)
			continue
		}
		fmt.Fprintln(w, line)
	}
}

// exit terminates the process with code unless it is zero.
func exit(code int) {
	if code != 0 {
		os.Exit(code)
	}
}
