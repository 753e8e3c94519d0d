//go:build linux

package process

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/smazurov/childwatch/internal/logging"
	"github.com/smazurov/childwatch/internal/metrics"
)

// Dispatcher turns SIGCHLD deliveries into reap passes over a registry.
// The runtime's signal handler only queues the notification; reaping, hooks
// and chained handlers all run on the dispatcher goroutine.
type Dispatcher struct {
	reap   func() int
	logger logging.Logger

	mu      sync.Mutex
	chained []func()

	installed  atomic.Bool
	deliveries atomic.Uint64
	sigCh      chan os.Signal
	stop       chan struct{}
	stopOnce   sync.Once
	stopped    chan struct{}
}

func newDispatcher(reap func() int, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		reap:    reap,
		logger:  logger,
		sigCh:   make(chan os.Signal, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Chain adds a handler called after every reap pass. Handlers added after
// Install are not picked up.
func (d *Dispatcher) Chain(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.chained = append(d.chained, fn)
	d.mu.Unlock()
	if d.installed.Load() {
		d.logger.Warn("Chained handler added after install is ignored")
	}
}

// Install subscribes to SIGCHLD and starts the reaper goroutine. Only the
// first call has an effect; it reports whether this call installed.
func (d *Dispatcher) Install() bool {
	if !d.installed.CompareAndSwap(false, true) {
		return false
	}

	d.mu.Lock()
	chained := append([]func(){}, d.chained...)
	d.mu.Unlock()

	signal.Notify(d.sigCh, syscall.SIGCHLD)
	go d.run(chained)
	d.logger.Debug("SIGCHLD dispatcher installed", "chained", len(chained))
	return true
}

// Installed reports whether Install has run.
func (d *Dispatcher) Installed() bool {
	return d.installed.Load()
}

// Deliveries returns the number of SIGCHLD wakeups handled so far.
func (d *Dispatcher) Deliveries() uint64 {
	return d.deliveries.Load()
}

// Stop unsubscribes from SIGCHLD and waits for the goroutine to exit.
func (d *Dispatcher) Stop() {
	if !d.installed.Load() {
		return
	}
	d.stopOnce.Do(func() {
		signal.Stop(d.sigCh)
		close(d.stop)
	})
	<-d.stopped
}

func (d *Dispatcher) run(chained []func()) {
	defer close(d.stopped)
	for {
		select {
		case <-d.stop:
			return
		case <-d.sigCh:
			d.deliveries.Add(1)
			metrics.RecordSigchld()
			d.dispatch(chained)
		}
	}
}

// dispatch repeats reap passes until one collects nothing, since several
// exits may have been coalesced into one delivery.
func (d *Dispatcher) dispatch(chained []func()) {
	for {
		n := d.reap()
		for _, fn := range chained {
			fn()
		}
		if n == 0 {
			return
		}
		d.logger.Debug("Reaped children", "count", n)
	}
}
