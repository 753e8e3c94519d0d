//go:build linux

package process

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smazurov/childwatch/internal/events"
	"github.com/smazurov/childwatch/internal/logging"
	"github.com/smazurov/childwatch/internal/metrics"
)

// ErrManagerClosed is returned by AsyncExecute after Shutdown.
var ErrManagerClosed = errors.New("process manager is shut down")

// Manager owns the registry and SIGCHLD dispatcher for asynchronously
// spawned children.
type Manager struct {
	registry   *Registry
	dispatcher *Dispatcher
	logger     logging.Logger
	bus        *events.Bus
	killGrace  time.Duration
	pollTick   time.Duration
	chained    []func()
	closed     chan struct{}
	closeOnce  sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the dispatcher and manager logger.
func WithManagerLogger(logger logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithEventBus publishes child lifecycle events on bus.
func WithEventBus(bus *events.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithChainedHandler adds a handler the dispatcher calls after each reap
// pass, for code that also needs to observe SIGCHLD.
func WithChainedHandler(fn func()) ManagerOption {
	return func(m *Manager) { m.chained = append(m.chained, fn) }
}

// WithShutdownGrace sets how long Shutdown waits between SIGTERM and SIGKILL.
func WithShutdownGrace(d time.Duration) ManagerOption {
	return func(m *Manager) { m.killGrace = d }
}

// WithShutdownPollTick sets how often Shutdown checks for exited children.
func WithShutdownPollTick(d time.Duration) ManagerOption {
	return func(m *Manager) { m.pollTick = d }
}

// NewManager creates a manager. The dispatcher is installed by the first
// AsyncExecute.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:  NewRegistry(),
		killGrace: DefaultKillGrace,
		pollTick:  DefaultPollTick,
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.GetLogger("dispatcher")
	}
	m.dispatcher = newDispatcher(m.reapRegistered, m.logger)
	for _, fn := range m.chained {
		m.dispatcher.Chain(fn)
	}
	return m
}

// Registry returns the manager's registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Dispatcher returns the manager's SIGCHLD dispatcher.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// AsyncExecute spawns h without waiting for it. The child is registered
// before AsyncExecute returns and is finalized by whichever of the
// dispatcher, AsyncPoll, IsAlive or Kill observes its exit first.
func (m *Manager) AsyncExecute(h *Handle, args []string, capture Capture) error {
	if h == nil {
		return newError(ErrCodeNilHandle, "No process handle given", nil)
	}
	select {
	case <-m.closed:
		return ErrManagerClosed
	default:
	}

	if err := h.prepare(); err != nil {
		metrics.RecordSpawnFailure("async")
		return err
	}

	m.dispatcher.Install()

	h.mu.Lock()
	h.mgr = m
	h.mu.Unlock()

	err := m.registry.spawn(h, func() (int, error) {
		if err := h.start(args, capture); err != nil {
			return -1, err
		}
		return h.Pid(), nil
	})
	if err != nil {
		h.mu.Lock()
		h.mgr = nil
		h.mu.Unlock()
		metrics.RecordSpawnFailure("async")
		return err
	}

	metrics.RecordSpawn("async")
	metrics.SetOutstanding(m.registry.Len())

	if m.bus != nil {
		info := h.Info()
		m.bus.Publish(events.ChildSpawnedEvent{
			Name:      info.Name,
			Path:      info.Path,
			Args:      h.Args(),
			PID:       info.PID,
			Timestamp: time.Now().Format(time.RFC3339),
		})
	}
	return nil
}

// AsyncPoll reaps every registered child that has exited, finalizes it and
// appends it to dst. It never blocks on a running child.
func (m *Manager) AsyncPoll(dst []*Handle) []*Handle {
	for _, h := range m.registry.handles() {
		ex, st := h.collect()
		if st != reapCollected {
			continue
		}
		h.finalize(ex, false)
		dst = append(dst, h)
	}
	return dst
}

// Outstanding returns the number of registered children not yet finalized.
func (m *Manager) Outstanding() int {
	return m.registry.Len()
}

// Wait blocks until h is finalized or ctx is done.
func (m *Manager) Wait(ctx context.Context, h *Handle) error {
	return h.Wait(ctx)
}

// Shutdown stops accepting spawns, sends SIGTERM to every outstanding child,
// sends SIGKILL to those still running after the shutdown grace, and
// finalizes them all before stopping the dispatcher.
func (m *Manager) Shutdown(ctx context.Context) error {
	first := false
	m.closeOnce.Do(func() {
		close(m.closed)
		first = true
	})
	if !first {
		return nil
	}

	n := m.registry.Len()
	if n > 0 {
		m.logger.Info("Stopping outstanding children", "count", n)
	}

	m.signalAll(unix.SIGTERM)
	deadline := time.Now().Add(m.killGrace)
	for m.registry.Len() > 0 && time.Now().Before(deadline) {
		m.reapRegistered()
		if err := m.sleep(ctx); err != nil {
			return err
		}
	}

	m.signalAll(unix.SIGKILL)
	for {
		m.reapRegistered()
		if m.registry.Len() == 0 {
			break
		}
		if err := m.sleep(ctx); err != nil {
			return err
		}
	}

	m.dispatcher.Stop()
	m.logger.Info("Process manager stopped")
	return nil
}

func (m *Manager) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.pollTick):
		return nil
	}
}

func (m *Manager) signalAll(sig syscall.Signal) {
	for pid, h := range m.registry.Snapshot() {
		if h.Running() {
			h.sendSignal(pid, sig)
		}
	}
}

// reapRegistered runs one reap pass on behalf of the dispatcher. Only
// registered pids are waited for, so children spawned elsewhere in the
// process keep their exit status. Each collected child is finalized on its
// own goroutine: draining waits for EOF, and a grandchild holding the pipe
// open must not delay the other children.
func (m *Manager) reapRegistered() int {
	n := 0
	for _, h := range m.registry.handles() {
		ex, st := h.collect()
		if st != reapCollected {
			continue
		}
		go h.finalize(ex, true)
		n++
	}
	return n
}

// completed deregisters a finalized child.
func (m *Manager) completed(h *Handle, ex Exit) {
	m.registry.removeHandle(ex.Pid, h)
	metrics.SetOutstanding(m.registry.Len())

	if m.bus == nil {
		return
	}
	ev := events.ChildExitedEvent{
		Name:      h.Name(),
		PID:       ex.Pid,
		Status:    ex.Status,
		Outcome:   ex.Outcome.String(),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if ex.Outcome == OutcomeSignaled {
		ev.Signal = ex.Signal.String()
	}
	m.bus.Publish(ev)
}

// signalled publishes a kill escalation step.
func (m *Manager) signalled(h *Handle, pid int, sig syscall.Signal) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.ChildKilledEvent{
		Name:      h.Name(),
		PID:       pid,
		Signal:    sig.String(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}
