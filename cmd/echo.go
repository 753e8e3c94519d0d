package cmd

import (
	"github.com/spf13/cobra"

	"github.com/smazurov/childwatch/internal/echoer"
)

// CreateEchoCmd creates the echo command, a scripted child for exercising
// capture, exit status and timeouts.
func CreateEchoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "echo STATUS [STDOUT] [STDERR] [SLEEP_MS] [LINE_SLEEP_MS]",
		Short: "Print scripted output and exit with a given status",
		Long: `Prints STDOUT and STDERR line by line, sleeping LINE_SLEEP_MS between lines, ` +
			`then sleeps SLEEP_MS and exits with STATUS. Each stream argument is a file whose ` +
			`contents are printed, a literal string when no such file exists, or "-" for nothing.`,
		DisableFlagParsing: true,
		Run: func(cmd *cobra.Command, args []string) {
			exit(echoer.Run(args, cmd.OutOrStdout(), cmd.ErrOrStderr()))
		},
	}
}
