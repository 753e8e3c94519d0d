//go:build linux

package process

import (
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/childwatch/internal/logging"
)

// Capture selects which standard streams of the child are piped back.
type Capture uint8

// Capture flags.
const (
	CaptureStdout Capture = 1 << iota
	CaptureStderr
)

// Capture shorthands.
const (
	CaptureNone Capture = 0
	CaptureBoth         = CaptureStdout | CaptureStderr
)

// Timing defaults.
const (
	DefaultPollTick  = 100 * time.Millisecond
	DefaultKillGrace = 500 * time.Millisecond
)

// alwaysClosed is returned by Done before the first spawn.
var alwaysClosed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Handle is one spawnable external program. A handle may be spawned again
// once its previous child has been finalized, but never while it is still
// running.
type Handle struct {
	requested  string
	path       string
	searchPath bool
	resolveErr error
	dir        string
	env        []string
	delims     string
	trim       string
	pollTick   time.Duration
	killGrace  time.Duration
	logger     logging.Logger

	// reapMu serialises wait4 with the running -> finished transition so
	// exactly one caller ends up owning finalization.
	reapMu sync.Mutex

	mu         sync.Mutex
	name       string
	args       []string
	pid        int
	running    bool
	state      State
	status     int
	outcome    Outcome
	signal     syscall.Signal
	lastErr    error
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}
	drained    chan struct{} // closed by the sync path's reader goroutines
	onDeath    func(*Handle)
	completion func(*Handle, Exit)
	mgr        *Manager

	stdout *PipeReader
	stderr *PipeReader
}

// Option configures a Handle.
type Option func(*Handle)

// WithName sets a human readable name used in logs and events.
func WithName(name string) Option {
	return func(h *Handle) { h.name = name }
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(h *Handle) { h.dir = dir }
}

// WithEnv replaces the environment inherited from the parent.
func WithEnv(env []string) Option {
	return func(h *Handle) { h.env = env }
}

// WithLogger sets the logger. Defaults to the "process" module logger.
func WithLogger(logger logging.Logger) Option {
	return func(h *Handle) { h.logger = logger }
}

// WithLineDelimiters sets the characters captured output is split on.
func WithLineDelimiters(delims string) Option {
	return func(h *Handle) { h.delims = delims }
}

// WithTrimChars sets the characters trimmed from each captured line.
func WithTrimChars(trim string) Option {
	return func(h *Handle) { h.trim = trim }
}

// WithPollTick sets the interval of non-blocking waits.
func WithPollTick(d time.Duration) Option {
	return func(h *Handle) { h.pollTick = d }
}

// WithKillGrace sets how long Kill waits after SIGTERM and after SIGINT.
func WithKillGrace(d time.Duration) Option {
	return func(h *Handle) { h.killGrace = d }
}

// NewHandle resolves path and returns an unspawned handle. A resolution
// failure is kept as the handle's last error and every later spawn attempt
// fails with ErrCodeNoPath.
func NewHandle(path string, opts ...Option) *Handle {
	h := &Handle{
		requested: path,
		pid:       -1,
		state:     StateIdle,
		status:    NoStatus,
		delims:    DefaultDelimiters,
		trim:      DefaultTrimChars,
		pollTick:  DefaultPollTick,
		killGrace: DefaultKillGrace,
		done:      alwaysClosed,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.GetLogger("process")
	}
	h.stdout = newPipeReader(h.delims, h.trim)
	h.stderr = newPipeReader(h.delims, h.trim)

	resolved, searchPath, err := Resolve(path)
	if err != nil {
		h.resolveErr = err
		h.lastErr = err
		h.logger.Warn("Failed to resolve executable", "path", path, "error", err)
	}
	h.path = resolved
	h.searchPath = searchPath
	return h
}

// OnChildDeath registers the hook run once per finalization, after status
// and captured output are final and before the handle leaves the registry.
// The hook must not call IsAlive, Kill or Wait on the same handle.
func (h *Handle) OnChildDeath(fn func(*Handle)) {
	h.mu.Lock()
	h.onDeath = fn
	h.mu.Unlock()
}

// SetCompletionHandler installs a custom finalizer used when the SIGCHLD
// dispatcher reaps this handle. It replaces draining and OnChildDeath on
// that path; call DrainOutput from fn to keep the captured output.
func (h *Handle) SetCompletionHandler(fn func(*Handle, Exit)) {
	h.mu.Lock()
	h.completion = fn
	h.mu.Unlock()
}

// Name returns the handle's name.
func (h *Handle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

// SetName sets the handle's name.
func (h *Handle) SetName(name string) {
	h.mu.Lock()
	h.name = name
	h.mu.Unlock()
}

// Path returns the resolved executable, or the bare name for search-path
// handles. It is empty when resolution failed.
func (h *Handle) Path() string {
	return h.path
}

// SearchPath reports whether the executable is looked up in PATH at spawn.
func (h *Handle) SearchPath() bool {
	return h.searchPath
}

// Dir returns the directory part of the resolved path.
func (h *Handle) Dir() string {
	return filepath.Dir(h.path)
}

// Filename returns the base name of the executable.
func (h *Handle) Filename() string {
	if h.path == "" {
		return filepath.Base(h.requested)
	}
	return filepath.Base(h.path)
}

// Args returns the arguments of the last spawn.
func (h *Handle) Args() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.args...)
}

// Pid returns the child's pid. It is only meaningful while Running is true.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// Running reports whether the last spawn has not been reaped yet.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Status returns the exit code of the last spawn, or NoStatus.
func (h *Handle) Status() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Outcome returns how the last spawn ended.
func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Signal returns the terminating signal when Outcome is OutcomeSignaled.
func (h *Handle) Signal() syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signal
}

// LastError returns the last spawn or resolution error, or nil.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Done returns a channel closed once the current spawn is finalized.
func (h *Handle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// RawOutput returns everything captured from stdout so far.
func (h *Handle) RawOutput() string { return h.stdout.Raw() }

// RawError returns everything captured from stderr so far.
func (h *Handle) RawError() string { return h.stderr.Raw() }

// OutputLines returns captured stdout split into trimmed lines.
func (h *Handle) OutputLines() []string { return h.stdout.Lines() }

// ErrorLines returns captured stderr split into trimmed lines.
func (h *Handle) ErrorLines() []string { return h.stderr.Lines() }

// OutputLineCount returns the number of captured stdout lines.
func (h *Handle) OutputLineCount() int { return len(h.stdout.Lines()) }

// ErrorLineCount returns the number of captured stderr lines.
func (h *Handle) ErrorLineCount() int { return len(h.stderr.Lines()) }

// Info returns a snapshot of the handle.
func (h *Handle) Info() *Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &Info{
		Name:       h.name,
		Path:       h.path,
		PID:        h.pid,
		State:      h.state,
		Status:     h.status,
		Outcome:    h.outcome,
		Signal:     h.signal,
		StartedAt:  h.startedAt,
		FinishedAt: h.finishedAt,
		LastError:  h.lastErr,
	}
}

func (h *Handle) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	code := 0
	msg := ""
	if h.lastErr != nil {
		code = ErrorCode(h.lastErr)
		msg = h.lastErr.Error()
	}
	return fmt.Sprintf("Process[path = %s name = %s, status = %d last_error = %d (%s)]",
		filepath.Dir(h.path), filepath.Base(h.path), h.status, code, msg)
}

// exit returns the handle's final state as an Exit.
func (h *Handle) exit() Exit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Exit{Pid: h.pid, Status: h.status, Outcome: h.outcome, Signal: h.signal}
}
