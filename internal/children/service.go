//go:build linux

package children

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/smazurov/childwatch/internal/config"
	"github.com/smazurov/childwatch/internal/logging"
	"github.com/smazurov/childwatch/internal/process"
)

// Service defines the interface for child operations.
type Service interface {
	CreateChild(ctx context.Context, params CreateParams) (*Child, error)
	DeleteChild(ctx context.Context, id string) error
	GetChild(ctx context.Context, id string) (*Child, error)
	ListChildren(ctx context.Context) ([]Child, error)
	StartChild(ctx context.Context, id string) (*Child, error)
	StopChild(ctx context.Context, id string) (*Child, error)
	RestartChild(ctx context.Context, id string) (*Child, error)
	GetOutput(ctx context.Context, id string) (*Output, error)
	Run(ctx context.Context, params RunParams) (*RunResult, error)
	LoadChildrenFromConfig() error
	Shutdown(ctx context.Context) error
}

// ServiceOptions configures the service.
type ServiceOptions struct {
	Store   *config.ChildStore
	Manager *process.Manager
	Logger  logging.Logger

	// OnStateChange is forwarded to the pool (optional).
	OnStateChange process.StateChangeCallback
}

type service struct {
	store   *config.ChildStore
	manager *process.Manager
	pool    process.Pool
	logger  logging.Logger

	runMu sync.Mutex
	runs  map[*process.Handle]struct{} // one-off runs still in flight
}

// NewService wires the store to a pool of managed children.
func NewService(opts *ServiceOptions) Service {
	if opts == nil || opts.Store == nil || opts.Manager == nil {
		panic("ServiceOptions with Store and Manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("children")
	}

	s := &service{
		store:   opts.Store,
		manager: opts.Manager,
		logger:  logger,
		runs:    make(map[*process.Handle]struct{}),
	}
	s.pool = process.NewPool(&process.PoolOptions{
		Manager:         opts.Manager,
		CommandProvider: s.command,
		CaptureFor:      s.capture,
		HandleOptions:   s.handleOptions,
		OnStateChange:   opts.OnStateChange,
		Logger:          logger,
	})
	return s
}

func (s *service) command(id string) (string, error) {
	c, ok := s.store.Get(id)
	if !ok {
		return "", fmt.Errorf("child %s not declared", id)
	}
	return c.Command, nil
}

func (s *service) capture(id string) process.Capture {
	c, _ := s.store.Get(id)
	capture, err := ParseCapture(c.Capture)
	if err != nil {
		s.logger.Warn("Ignoring invalid capture mode", "id", id, "capture", c.Capture)
	}
	return capture
}

func (s *service) handleOptions(id string) []process.Option {
	c, _ := s.store.Get(id)
	var opts []process.Option
	if c.Dir != "" {
		opts = append(opts, process.WithDir(c.Dir))
	}
	if len(c.Env) > 0 {
		opts = append(opts, process.WithEnv(append(os.Environ(), c.Env...)))
	}
	return opts
}

// CreateChild declares a child, persists it and optionally starts it.
func (s *service) CreateChild(ctx context.Context, params CreateParams) (*Child, error) {
	if params.ID == "" {
		return nil, NewChildError(ErrCodeInvalidParams, "child id is required", nil)
	}
	if _, err := process.ParseCommand(params.Command); err != nil {
		return nil, NewChildError(ErrCodeInvalidParams, "invalid command", err)
	}
	if _, err := ParseCapture(params.Capture); err != nil {
		return nil, NewChildError(ErrCodeInvalidParams, err.Error(), nil)
	}
	if _, exists := s.store.Get(params.ID); exists {
		return nil, NewChildError(ErrCodeChildExists,
			fmt.Sprintf("child %s already exists", params.ID), nil)
	}

	err := s.store.Add(config.ChildConfig{
		ID:        params.ID,
		Command:   params.Command,
		Capture:   params.Capture,
		Dir:       params.Dir,
		Env:       params.Env,
		Autostart: params.Autostart,
	})
	if err != nil {
		return nil, NewChildError(ErrCodeConfigError, "failed to save child", err)
	}
	s.logger.Info("Child declared", "id", params.ID, "command", params.Command)

	if params.Start {
		return s.StartChild(ctx, params.ID)
	}
	return s.GetChild(ctx, params.ID)
}

// DeleteChild stops a child and removes its declaration.
func (s *service) DeleteChild(_ context.Context, id string) error {
	if _, ok := s.store.Get(id); !ok {
		return NewChildError(ErrCodeChildNotFound, fmt.Sprintf("child %s not found", id), nil)
	}
	if err := s.pool.Stop(id); err != nil {
		return NewChildError(ErrCodeSpawnError, "failed to stop child", err)
	}
	if err := s.store.Remove(id); err != nil {
		return NewChildError(ErrCodeConfigError, "failed to delete child from configuration", err)
	}
	s.logger.Info("Child deleted", "id", id)
	return nil
}

// GetChild returns one child.
func (s *service) GetChild(_ context.Context, id string) (*Child, error) {
	c, ok := s.store.Get(id)
	if !ok {
		return nil, NewChildError(ErrCodeChildNotFound, fmt.Sprintf("child %s not found", id), nil)
	}
	child := s.toChild(c)
	return &child, nil
}

// ListChildren returns every declared child ordered by id.
func (s *service) ListChildren(_ context.Context) ([]Child, error) {
	decls := s.store.List()
	out := make([]Child, 0, len(decls))
	for _, c := range decls {
		out = append(out, s.toChild(c))
	}
	return out, nil
}

// StartChild spawns a declared child.
func (s *service) StartChild(ctx context.Context, id string) (*Child, error) {
	if _, ok := s.store.Get(id); !ok {
		return nil, NewChildError(ErrCodeChildNotFound, fmt.Sprintf("child %s not found", id), nil)
	}
	if s.pool.IsRunning(id) {
		return nil, NewChildError(ErrCodeChildRunning, fmt.Sprintf("child %s already running", id), nil)
	}
	if err := s.pool.Start(id); err != nil {
		return nil, NewChildError(ErrCodeSpawnError, fmt.Sprintf("failed to start %s", id), err)
	}
	return s.GetChild(ctx, id)
}

// StopChild kills a running child. Stopping an idle child is not an error.
func (s *service) StopChild(ctx context.Context, id string) (*Child, error) {
	if _, ok := s.store.Get(id); !ok {
		return nil, NewChildError(ErrCodeChildNotFound, fmt.Sprintf("child %s not found", id), nil)
	}
	h, known := s.pool.Handle(id)
	if err := s.pool.Stop(id); err != nil {
		return nil, NewChildError(ErrCodeSpawnError, "failed to stop child", err)
	}

	child, err := s.GetChild(ctx, id)
	if err != nil {
		return nil, err
	}
	// The pool forgets stopped children; report the final state of the
	// handle that was just stopped.
	if known {
		applyInfo(child, h.Info())
	}
	return child, nil
}

// RestartChild stops and starts a child.
func (s *service) RestartChild(ctx context.Context, id string) (*Child, error) {
	if _, ok := s.store.Get(id); !ok {
		return nil, NewChildError(ErrCodeChildNotFound, fmt.Sprintf("child %s not found", id), nil)
	}
	if err := s.pool.Restart(id); err != nil {
		return nil, NewChildError(ErrCodeSpawnError, fmt.Sprintf("failed to restart %s", id), err)
	}
	return s.GetChild(ctx, id)
}

// GetOutput returns the lines captured so far. Data still buffered in the
// pipe of a running child is read first; for an exited child it waits for
// finalization so the output is complete.
func (s *service) GetOutput(ctx context.Context, id string) (*Output, error) {
	if _, ok := s.store.Get(id); !ok {
		return nil, NewChildError(ErrCodeChildNotFound, fmt.Sprintf("child %s not found", id), nil)
	}
	out := &Output{ID: id, Stdout: []string{}, Stderr: []string{}}
	h, ok := s.pool.Handle(id)
	if !ok {
		return out, nil
	}
	if h.Running() {
		drainAvailable(h.AsyncReadStdout)
		drainAvailable(h.AsyncReadStderr)
	} else {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out.Stdout = h.OutputLines()
	out.Stderr = h.ErrorLines()
	return out, nil
}

// maxPendingReads bounds how long GetOutput keeps reading a chatty child.
const maxPendingReads = 64

func drainAvailable(read func() int) {
	for i := 0; i < maxPendingReads && read() > 0; i++ {
	}
}

// Run executes a command synchronously. A timed out child is killed before
// Run returns.
func (s *service) Run(_ context.Context, params RunParams) (*RunResult, error) {
	args, err := process.ParseCommand(params.Command)
	if err != nil {
		return nil, NewChildError(ErrCodeInvalidParams, "invalid command", err)
	}
	capture, err := ParseCapture(params.Capture)
	if err != nil {
		return nil, NewChildError(ErrCodeInvalidParams, err.Error(), nil)
	}

	opts := []process.Option{process.WithName("run:" + args[0]), process.WithLogger(s.logger)}
	if params.Dir != "" {
		opts = append(opts, process.WithDir(params.Dir))
	}
	h := process.NewHandle(args[0], opts...)

	s.trackRun(h, true)
	defer s.trackRun(h, false)

	start := time.Now()
	ok, err := h.SyncExecute(args[1:], capture, params.Timeout)
	if err != nil {
		var perr *process.Error
		if errors.As(err, &perr) && (perr.Code == process.ErrCodeNoPath || perr.Code == process.ErrCodeNotFound) {
			return nil, NewChildError(ErrCodeInvalidParams, "executable not found", err)
		}
		return nil, NewChildError(ErrCodeSpawnError, "failed to run command", err)
	}

	result := &RunResult{PID: h.Pid()}
	if h.Outcome() == process.OutcomeTimedOut {
		s.logger.Warn("Run timed out, killing child", "command", params.Command, "pid", h.Pid())
		result.Outcome = process.OutcomeTimedOut.String()
		h.Kill()
	} else {
		result.Outcome = h.Outcome().String()
	}
	result.Status = h.Status()
	if h.Outcome() == process.OutcomeSignaled {
		result.Signal = h.Signal().String()
	}
	result.Success = ok
	result.Stdout = h.OutputLines()
	result.Stderr = h.ErrorLines()
	result.Duration = time.Since(start)
	return result, nil
}

func (s *service) trackRun(h *process.Handle, active bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if active {
		s.runs[h] = struct{}{}
	} else {
		delete(s.runs, h)
	}
}

// LoadChildrenFromConfig loads the store and starts autostart children.
// Start failures are logged and do not stop the others.
func (s *service) LoadChildrenFromConfig() error {
	if err := s.store.Load(); err != nil {
		return NewChildError(ErrCodeConfigError, "failed to load children", err)
	}
	for _, c := range s.store.Autostart() {
		if err := s.pool.Start(c.ID); err != nil {
			s.logger.Error("Failed to autostart child", "id", c.ID, "error", err)
			continue
		}
		s.logger.Info("Autostarted child", "id", c.ID)
	}
	return nil
}

// Shutdown stops every pooled child and one-off run, then the manager.
func (s *service) Shutdown(ctx context.Context) error {
	s.pool.StopAll()

	s.runMu.Lock()
	runs := make([]*process.Handle, 0, len(s.runs))
	for h := range s.runs {
		runs = append(runs, h)
	}
	s.runMu.Unlock()
	for _, h := range runs {
		h.Kill()
	}

	return s.manager.Shutdown(ctx)
}

func (s *service) toChild(c config.ChildConfig) Child {
	child := Child{
		ID:        c.ID,
		Command:   c.Command,
		Capture:   c.Capture,
		Dir:       c.Dir,
		Autostart: c.Autostart,
	}
	if child.Capture == "" {
		child.Capture = "none"
	}
	info := s.pool.GetStatus(c.ID)
	applyInfo(&child, info)
	child.RestartCount = info.RestartCount
	return child
}

func applyInfo(child *Child, info *process.Info) {
	child.State = string(info.State)
	child.PID = info.PID
	child.Status = info.Status
	child.Outcome = info.Outcome.String()
	child.StartedAt = info.StartedAt
	child.FinishedAt = info.FinishedAt
	child.Signal = ""
	if info.Outcome == process.OutcomeSignaled {
		child.Signal = info.Signal.String()
	}
	child.LastError = ""
	if info.LastError != nil {
		child.LastError = info.LastError.Error()
	}
	if info.State != process.StateRunning {
		child.PID = -1
	}
}
