package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/childwatch/internal/children"
	"github.com/smazurov/childwatch/internal/config"
	"github.com/smazurov/childwatch/internal/logging"
	"github.com/smazurov/childwatch/internal/process"
)

// RunOptions configures the run command. Field names match flag names so
// config.LoadConfig can tell explicit flags from file and env values.
type RunOptions struct {
	Config        string
	Capture       string        `toml:"run.capture" env:"RUN_CAPTURE"`
	Timeout       time.Duration `toml:"run.timeout" env:"RUN_TIMEOUT"`
	KillOnTimeout bool          `toml:"run.kill_on_timeout" env:"RUN_KILL_ON_TIMEOUT"`
	Dir           string
	Prefix        bool
	LoggingLevel  string `toml:"logging.level" env:"LOGGING_LEVEL"`
	LogJSON       bool
}

// CreateRunCmd creates the run command.
func CreateRunCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run [flags] -- program [args...]",
		Short: "Run a program and wait for it",
		Long: `Spawns the program, captures the selected streams and waits for it to exit. ` +
			`With --timeout the wait is bounded; a child that outlives it is killed ` +
			`(SIGTERM, SIGINT, then SIGKILL) unless --kill-on-timeout=false. ` +
			`Exits with the child's status, 128+signal when it was killed by a signal, ` +
			`124 on timeout and 127 when it could not be started.`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := config.LoadConfig(opts, cmd); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Failed to load config:", err)
			}
			logger := initLogging(opts.LoggingLevel, opts.LogJSON)

			code, err := runProgram(opts, args, cmd.OutOrStdout(), cmd.ErrOrStderr(), logger)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
			exit(code)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "config.toml", "Path to configuration file")
	cmd.Flags().StringVarP(&opts.Capture, "capture", "C", "both", "Streams to capture (none, stdout, stderr, both)")
	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 0, "Give up waiting after this long (0 waits forever)")
	cmd.Flags().BoolVar(&opts.KillOnTimeout, "kill-on-timeout", true, "Kill the child when the timeout expires")
	cmd.Flags().StringVarP(&opts.Dir, "dir", "d", "", "Working directory of the child")
	cmd.Flags().BoolVar(&opts.Prefix, "prefix", false, "Prefix captured lines with 'out:' or 'err:'")
	addLoggingFlags(cmd, &opts.LoggingLevel, &opts.LogJSON)
	return cmd
}

// runProgram executes args[0] synchronously and writes its captured output.
// It returns the exit code the command should end with.
func runProgram(opts *RunOptions, args []string, stdout, stderr io.Writer, logger logging.Logger) (int, error) {
	capture, err := children.ParseCapture(opts.Capture)
	if err != nil {
		return ExitSpawnError, err
	}

	h := process.NewHandle(args[0],
		process.WithName(args[0]),
		process.WithDir(opts.Dir),
		process.WithLogger(logger))

	ok, err := h.SyncExecute(args[1:], capture, opts.Timeout)
	if err != nil {
		var perr *process.Error
		if errors.As(err, &perr) {
			return ExitSpawnError, fmt.Errorf("cannot run %s: %s", args[0], perr.Message)
		}
		return ExitSpawnError, err
	}

	timedOut := h.Outcome() == process.OutcomeTimedOut
	if timedOut {
		logger.Warn("Child outlived timeout", "pid", h.Pid(), "timeout", opts.Timeout)
		if opts.KillOnTimeout {
			h.Kill()
		}
	}

	outPrefix, errPrefix := "", ""
	if opts.Prefix {
		outPrefix, errPrefix = "out:", "err:"
	}
	printLines(stdout, outPrefix, h.OutputLines())
	printLines(stderr, errPrefix, h.ErrorLines())

	if ok {
		return 0, nil
	}
	if timedOut {
		return ExitTimeout, nil
	}
	return exitCodeFor(h), nil
}
