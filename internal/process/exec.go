//go:build linux

package process

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smazurov/childwatch/internal/metrics"
)

// reapState is the result of one collect attempt.
type reapState int

const (
	reapRunning   reapState = iota // child has not exited yet
	reapCollected                  // caller reaped it and must finalize
	reapFinished                   // another path owns finalization
)

// SyncExecute spawns the program and waits for it. A timeout <= 0 waits
// forever; otherwise the child is polled every tick until the budget is
// spent, after which the child is left running with Outcome OutcomeTimedOut.
// It returns true iff the child exited with status 0.
func (h *Handle) SyncExecute(args []string, capture Capture, timeout time.Duration) (bool, error) {
	if err := h.prepare(); err != nil {
		return false, err
	}
	if err := h.start(args, capture); err != nil {
		metrics.RecordSpawnFailure("sync")
		return false, err
	}
	metrics.RecordSpawn("sync")
	if capture != CaptureNone {
		h.startDrainers()
	}

	var ex Exit
	var st reapState
	if timeout <= 0 {
		pid := h.Pid()
		if err := waitExitable(pid); err != nil && !errors.Is(err, unix.ECHILD) {
			h.logger.Warn("waitid failed, falling back to polling", "pid", pid, "error", err)
		}
		ex, st = h.collect()
		for st == reapRunning {
			time.Sleep(h.pollTick)
			ex, st = h.collect()
		}
	} else {
		ex, st = h.collectWithin(timeout)
	}

	switch st {
	case reapCollected:
		h.finalize(ex, false)
	case reapFinished:
		<-h.Done()
	default:
		h.mu.Lock()
		h.outcome = OutcomeTimedOut
		h.mu.Unlock()
		metrics.RecordTimeout()
		h.logger.Info("Timed out waiting for process", "name", h.Name(), "pid", h.Pid(), "timeout", timeout)
		return false, nil
	}
	return h.Status() == 0, nil
}

// IsAlive reports whether the child is still running. An exit observed here
// finalizes the handle before false is returned. It must not be called from
// the handle's own OnChildDeath or completion hook.
func (h *Handle) IsAlive() bool {
	h.mu.Lock()
	pid, running, done := h.pid, h.running, h.done
	h.mu.Unlock()

	if !running {
		<-done
		return false
	}

	ex, st := h.collect()
	switch st {
	case reapCollected:
		h.finalize(ex, false)
		return false
	case reapFinished:
		<-h.Done()
		return false
	}
	return signalExists(pid)
}

// killReapTimeout bounds the wait for a child to be collected after SIGKILL.
const killReapTimeout = 5 * time.Second

// Kill terminates the child with SIGTERM, then SIGINT, then SIGKILL, waiting
// the kill grace after each of the first two. After SIGKILL the child is
// reaped, so even unregistered handles leave no zombie. It returns the exit
// status if the child was observed exiting, otherwise NoStatus.
func (h *Handle) Kill() int {
	h.mu.Lock()
	pid, running := h.pid, h.running
	h.mu.Unlock()

	if !running {
		<-h.Done()
		return h.Status()
	}

	for _, sig := range []syscall.Signal{unix.SIGTERM, unix.SIGINT} {
		if !h.sendSignal(pid, sig) {
			if ex, ok := h.awaitExit(0); ok {
				return ex.Status
			}
			return NoStatus
		}
		if ex, ok := h.awaitExit(h.killGrace); ok {
			return ex.Status
		}
	}

	h.sendSignal(pid, unix.SIGKILL)
	if ex, ok := h.awaitExit(killReapTimeout); ok {
		return ex.Status
	}
	h.logger.Warn("Process survived SIGKILL", "name", h.Name(), "pid", pid, "waited", killReapTimeout)
	return NoStatus
}

// AsyncReadStdout reads whatever stdout data is available right now.
func (h *Handle) AsyncReadStdout() int {
	return h.stdout.ReadAvailable(0)
}

// AsyncReadStderr reads whatever stderr data is available right now.
func (h *Handle) AsyncReadStderr() int {
	return h.stderr.ReadAvailable(0)
}

// AsyncReadStdoutTimeout waits up to d for stdout data and reads once.
func (h *Handle) AsyncReadStdoutTimeout(d time.Duration) int {
	return h.stdout.ReadAvailable(d)
}

// AsyncReadStderrTimeout waits up to d for stderr data and reads once.
func (h *Handle) AsyncReadStderrTimeout(d time.Duration) int {
	return h.stderr.ReadAvailable(d)
}

// SetLineSplitting changes how captured output is split into lines.
func (h *Handle) SetLineSplitting(delims, trim string) {
	h.stdout.setSplit(delims, trim)
	h.stderr.setSplit(delims, trim)
}

// DrainOutput reads both captured pipes to EOF and closes them. It returns
// the bytes read by this call.
func (h *Handle) DrainOutput() int {
	h.mu.Lock()
	drained := h.drained
	h.mu.Unlock()

	if drained != nil {
		<-drained
		return 0
	}
	return h.stdout.ReadAll() + h.stderr.ReadAll()
}

// Wait blocks until the current spawn is finalized or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare resets per-spawn state.
func (h *Handle) prepare() error {
	h.mu.Lock()
	if h.running {
		err := newError(ErrCodeBusy, "Process already running", nil)
		h.lastErr = err
		h.mu.Unlock()
		return err
	}
	h.pid = -1
	h.status = NoStatus
	h.outcome = OutcomeNone
	h.signal = 0
	h.drained = nil
	h.mgr = nil
	if h.path == "" {
		err := newError(ErrCodeNoPath, "Path to executable not specified or not found", h.resolveErr)
		h.lastErr = err
		h.state = StateError
		h.mu.Unlock()
		return err
	}
	h.mu.Unlock()

	h.stdout.attach(-1)
	h.stderr.attach(-1)
	return nil
}

// start forks the child and marks the handle running.
func (h *Handle) start(args []string, capture Capture) error {
	env := h.env
	if env == nil {
		env = os.Environ()
	}

	sp, err := forkExec(h.path, h.searchPath, args, capture, h.dir, env)
	if err != nil {
		h.mu.Lock()
		h.lastErr = err
		h.state = StateError
		h.mu.Unlock()
		h.logger.Error("Failed to start process", "path", h.path, "error", err)
		return err
	}

	h.stdout.attach(sp.stdoutFD)
	h.stderr.attach(sp.stderrFD)

	h.mu.Lock()
	h.pid = sp.pid
	h.args = append([]string(nil), args...)
	h.running = true
	h.state = StateRunning
	h.lastErr = nil
	h.startedAt = time.Now()
	h.finishedAt = time.Time{}
	h.done = make(chan struct{})
	name := h.name
	h.mu.Unlock()

	h.logger.Info("Process started", "name", name, "pid", sp.pid, "path", h.path)
	return nil
}

// startDrainers reads both pipes to EOF in the background for the sync path.
func (h *Handle) startDrainers() {
	drained := make(chan struct{})
	h.mu.Lock()
	h.drained = drained
	h.mu.Unlock()

	outputDone := make(chan struct{}, 2)
	go func() {
		h.stdout.ReadAll()
		outputDone <- struct{}{}
	}()
	go func() {
		h.stderr.ReadAll()
		outputDone <- struct{}{}
	}()
	go func() {
		<-outputDone
		<-outputDone
		close(drained)
	}()
}

// collect performs one non-blocking wait on the child. When it returns
// reapCollected the running flag has been cleared and the caller must call
// finalize exactly once.
func (h *Handle) collect() (Exit, reapState) {
	h.reapMu.Lock()
	defer h.reapMu.Unlock()

	h.mu.Lock()
	pid, running := h.pid, h.running
	h.mu.Unlock()
	if !running {
		return Exit{}, reapFinished
	}

	var ws unix.WaitStatus
	wpid, err := wait4(pid, &ws, unix.WNOHANG)

	var ex Exit
	switch {
	case errors.Is(err, unix.ECHILD):
		h.logger.Warn("Exit status already collected elsewhere", "pid", pid)
		ex = Exit{Pid: pid, Status: NoStatus, Outcome: OutcomeLost}
	case err != nil:
		h.logger.Error("wait4 failed", "pid", pid, "error", err)
		return Exit{}, reapRunning
	case wpid == 0:
		return Exit{}, reapRunning
	default:
		ex = exitFromWaitStatus(pid, ws)
	}

	h.mu.Lock()
	h.running = false
	h.state = StateExited
	h.status = ex.Status
	h.outcome = ex.Outcome
	h.signal = ex.Signal
	h.finishedAt = time.Now()
	h.mu.Unlock()
	return ex, reapCollected
}

// collectWithin polls collect every tick until the child exits or the budget
// is spent. The last check happens once the remaining budget goes negative.
func (h *Handle) collectWithin(timeout time.Duration) (Exit, reapState) {
	remaining := timeout
	for {
		ex, st := h.collect()
		if st != reapRunning || remaining < 0 {
			return ex, st
		}
		time.Sleep(h.pollTick)
		remaining -= h.pollTick
	}
}

// awaitExit waits up to d for the child and finalizes it if it exited.
func (h *Handle) awaitExit(d time.Duration) (Exit, bool) {
	ex, st := h.collectWithin(d)
	switch st {
	case reapCollected:
		h.finalize(ex, false)
		return ex, true
	case reapFinished:
		<-h.Done()
		return h.exit(), true
	}
	return Exit{}, false
}

// sendSignal delivers sig and reports whether the child could be signalled.
func (h *Handle) sendSignal(pid int, sig syscall.Signal) bool {
	err := unix.Kill(pid, sig)
	if err != nil {
		h.logger.Debug("Failed to signal process", "pid", pid, "signal", sig.String(), "error", err)
		return !errors.Is(err, unix.ESRCH)
	}
	metrics.RecordKillSignal(sig.String())
	h.logger.Debug("Signalled process", "name", h.Name(), "pid", pid, "signal", sig.String())

	h.mu.Lock()
	mgr := h.mgr
	h.mu.Unlock()
	if mgr != nil {
		mgr.signalled(h, pid, sig)
	}
	return true
}

// finalize runs the completion steps of one reaped spawn. dispatched is true
// when called from the SIGCHLD dispatcher, the only path that honours a
// custom completion handler.
func (h *Handle) finalize(ex Exit, dispatched bool) {
	h.mu.Lock()
	completion := h.completion
	onDeath := h.onDeath
	mgr := h.mgr
	done := h.done
	started := h.startedAt
	name := h.name
	h.mu.Unlock()

	if dispatched && completion != nil {
		completion(h, ex)
	} else {
		h.DrainOutput()
		if onDeath != nil {
			onDeath(h)
		}
	}

	metrics.RecordExit(ex.Outcome.String(), time.Since(started))
	h.logger.Info("Process finished",
		"name", name,
		"pid", ex.Pid,
		"status", ex.Status,
		"outcome", ex.Outcome.String())

	if mgr != nil {
		mgr.completed(h, ex)
	}
	close(done)
}
