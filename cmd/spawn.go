package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/childwatch/internal/children"
	"github.com/smazurov/childwatch/internal/events"
	"github.com/smazurov/childwatch/internal/logging"
	"github.com/smazurov/childwatch/internal/process"
	"github.com/smazurov/childwatch/pkg/namedsem"
)

// SpawnOptions configures the spawn command.
type SpawnOptions struct {
	Count        int
	Capture      string
	Timeout      time.Duration
	Poll         bool
	LoggingLevel string
	LogJSON      bool
}

// CreateSpawnCmd creates the spawn command.
func CreateSpawnCmd() *cobra.Command {
	opts := &SpawnOptions{}

	cmd := &cobra.Command{
		Use:   "spawn [flags] -- program [args...]",
		Short: "Spawn copies of a program asynchronously and wait for all of them",
		Long: `Spawns --count copies of the program without blocking, then waits for every child. ` +
			`By default each child's death hook posts a private named semaphore that the command ` +
			`waits on; with --poll the command reaps children with explicit polling instead. ` +
			`Children still running when --timeout expires are killed.`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			logger := initLogging(opts.LoggingLevel, opts.LogJSON)
			code, err := spawnPrograms(cmd.Context(), opts, args, cmd.OutOrStdout(), logger)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
			exit(code)
		},
	}

	cmd.Flags().IntVarP(&opts.Count, "count", "n", 1, "Number of copies to spawn")
	cmd.Flags().StringVarP(&opts.Capture, "capture", "C", "both", "Streams to capture (none, stdout, stderr, both)")
	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 0, "Kill children still running after this long (0 waits forever)")
	cmd.Flags().BoolVar(&opts.Poll, "poll", false, "Reap with explicit polling instead of waiting on a semaphore")
	addLoggingFlags(cmd, &opts.LoggingLevel, &opts.LogJSON)
	return cmd
}

// spawnPrograms runs opts.Count copies of args[0] and reports each one on
// out. It returns 0 when every child exited with status 0.
func spawnPrograms(ctx context.Context, opts *SpawnOptions, args []string, out io.Writer, logger logging.Logger) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Count < 1 {
		return ExitSpawnError, errors.New("count must be at least 1")
	}
	capture, err := children.ParseCapture(opts.Capture)
	if err != nil {
		return ExitSpawnError, err
	}

	var sem *namedsem.Semaphore
	if !opts.Poll {
		sem = namedsem.New(fmt.Sprintf("childwatch-spawn-%d", os.Getpid()))
		if err := sem.Create(false, 0o600, 0); err != nil {
			return ExitSpawnError, fmt.Errorf("failed to create semaphore: %w", err)
		}
		// Deferred before the manager so it outlives every death hook.
		defer func() {
			_ = sem.Destroy()
			_ = sem.Close()
		}()
	}

	bus := events.New()
	unsubscribe := bus.Subscribe(func(e events.ChildExitedEvent) {
		logger.Info("Child exited", "name", e.Name, "pid", e.PID, "status", e.Status, "outcome", e.Outcome)
	})
	defer unsubscribe()

	mgr := process.NewManager(process.WithEventBus(bus), process.WithManagerLogger(logger))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(shutdownCtx)
	}()

	base := filepath.Base(args[0])
	handles := make([]*process.Handle, 0, opts.Count)
	for i := range opts.Count {
		h := process.NewHandle(args[0],
			process.WithName(fmt.Sprintf("%s#%d", base, i+1)),
			process.WithLogger(logger))
		if sem != nil {
			h.OnChildDeath(func(*process.Handle) { sem.Increment() })
		}
		if err := mgr.AsyncExecute(h, args[1:], capture); err != nil {
			logger.Error("Failed to spawn child", "name", h.Name(), "error", err)
			continue
		}
		handles = append(handles, h)
	}
	if len(handles) == 0 {
		return ExitSpawnError, fmt.Errorf("no copy of %s could be started", args[0])
	}

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}
	if sem != nil {
		waitSemaphore(sem, len(handles), deadline)
	} else {
		waitPolling(ctx, mgr, handles, deadline)
	}

	code := 0
	for _, h := range handles {
		if h.Running() {
			logger.Warn("Killing child that outlived timeout", "name", h.Name(), "pid", h.Pid())
			h.Kill()
			<-h.Done()
		}
		fmt.Fprintf(out, "%s pid=%d status=%d outcome=%s\n", h.Name(), h.Info().PID, h.Status(), h.Outcome())
		printLines(out, "  out:", h.OutputLines())
		printLines(out, "  err:", h.ErrorLines())
		if h.Outcome() != process.OutcomeExited || h.Status() != 0 {
			code = 1
		}
	}
	return code, nil
}

// waitSemaphore takes n posts from sem, giving up at deadline when set.
func waitSemaphore(sem *namedsem.Semaphore, n int, deadline time.Time) {
	for range n {
		timeout := time.Duration(0)
		if !deadline.IsZero() {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return
			}
		}
		if ok, _ := sem.Decrement(timeout); !ok {
			return
		}
	}
}

// waitPolling reaps with AsyncPoll until every handle is done.
func waitPolling(ctx context.Context, mgr *process.Manager, handles []*process.Handle, deadline time.Time) {
	var reaped []*process.Handle
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		reaped = mgr.AsyncPoll(reaped[:0])
		if allDone(handles) {
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func allDone(handles []*process.Handle) bool {
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			return false
		}
	}
	return true
}
