//go:build linux

package process

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/childwatch/internal/logging"
)

// Pool manages asynchronously spawned children by name.
type Pool interface {
	// Start spawns the child for id. Returns error if it is already running.
	Start(id string) error

	// Stop kills the child for id and forgets it.
	Stop(id string) error

	// Restart stops and restarts a child.
	Restart(id string) error

	// GetStatus returns child info. Returns idle state if not found.
	GetStatus(id string) *Info

	// IsRunning checks if a child is currently running.
	IsRunning(id string) bool

	// Handle returns the handle behind id.
	Handle(id string) (*Handle, bool)

	// List returns info for every known child, ordered by id.
	List() []*Info

	// StopAll kills every running child.
	StopAll()
}

// pooledChild tracks one child within the pool.
type pooledChild struct {
	handle       *Handle
	id           string
	restartCount int
}

// pool implements the Pool interface.
type pool struct {
	opts     PoolOptions
	children map[string]*pooledChild
	mu       sync.RWMutex
	logger   logging.Logger
	wg       sync.WaitGroup
}

// NewPool creates a new pool.
func NewPool(opts *PoolOptions) Pool {
	if opts == nil || opts.CommandProvider == nil || opts.Manager == nil {
		panic("PoolOptions with Manager and CommandProvider is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("process")
	}

	return &pool{
		opts:     *opts,
		children: make(map[string]*pooledChild),
		logger:   logger,
	}
}

// Start spawns the child for id.
func (p *pool) Start(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	restarts := 0
	if c, exists := p.children[id]; exists {
		if c.handle.Running() {
			return fmt.Errorf("child %s already running", id)
		}
		restarts = c.restartCount
	}

	command, err := p.opts.CommandProvider(id)
	if err != nil {
		return fmt.Errorf("failed to generate command: %w", err)
	}
	args, err := ParseCommand(command)
	if err != nil {
		return fmt.Errorf("failed to parse command: %w", err)
	}

	opts := []Option{WithName(id), WithLogger(p.logger)}
	if p.opts.HandleOptions != nil {
		opts = append(opts, p.opts.HandleOptions(id)...)
	}
	h := NewHandle(args[0], opts...)
	if p.opts.ConfigureHandle != nil {
		p.opts.ConfigureHandle(id, h)
	}

	capture := p.opts.Capture
	if p.opts.CaptureFor != nil {
		capture = p.opts.CaptureFor(id)
	}

	if err := p.opts.Manager.AsyncExecute(h, args[1:], capture); err != nil {
		p.children[id] = &pooledChild{handle: h, id: id, restartCount: restarts}
		p.notifyStateChange(id, StateIdle, StateError, err)
		return fmt.Errorf("failed to spawn %s: %w", id, err)
	}

	c := &pooledChild{handle: h, id: id, restartCount: restarts}
	p.children[id] = c
	p.notifyStateChange(id, StateIdle, StateRunning, nil)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.watch(c)
	}()

	return nil
}

// watch waits for the child to be finalized and reports the transition.
func (p *pool) watch(c *pooledChild) {
	<-c.handle.Done()

	newState := StateExited
	var err error
	switch c.handle.Outcome() {
	case OutcomeExited:
		if status := c.handle.Status(); status != 0 {
			newState = StateError
			err = fmt.Errorf("child exited with status %d", status)
			p.logger.Error("Child failed", "id", c.id, "status", status)
		}
	case OutcomeSignaled:
		err = fmt.Errorf("child terminated by %s", c.handle.Signal())
	case OutcomeLost:
		err = fmt.Errorf("child exit status lost")
	}

	p.notifyStateChange(c.id, StateRunning, newState, err)
	p.logger.Info("Child stopped", "id", c.id, "status", c.handle.Status(), "outcome", c.handle.Outcome().String())
}

// Stop kills the child for id and forgets it.
func (p *pool) Stop(id string) error {
	p.mu.Lock()
	c, exists := p.children[id]
	if !exists {
		p.mu.Unlock()
		return nil
	}
	delete(p.children, id)
	p.mu.Unlock()

	if !c.handle.Running() {
		return nil
	}

	p.logger.Info("Stopping child", "id", id)
	c.handle.Kill()

	select {
	case <-c.handle.Done():
	case <-time.After(10 * time.Second):
		p.logger.Warn("Timeout waiting for child to stop", "id", id)
	}
	return nil
}

// Restart stops and restarts a child.
func (p *pool) Restart(id string) error {
	p.logger.Info("Restarting child", "id", id)

	p.mu.RLock()
	restarts := 0
	if c, ok := p.children[id]; ok {
		restarts = c.restartCount
	}
	p.mu.RUnlock()

	if err := p.Stop(id); err != nil {
		return fmt.Errorf("failed to stop child: %w", err)
	}
	if err := p.Start(id); err != nil {
		return err
	}

	p.mu.Lock()
	if c, ok := p.children[id]; ok {
		c.restartCount = restarts + 1
	}
	p.mu.Unlock()
	return nil
}

// GetStatus returns child info.
func (p *pool) GetStatus(id string) *Info {
	p.mu.RLock()
	c, exists := p.children[id]
	p.mu.RUnlock()

	if !exists {
		return &Info{Name: id, PID: -1, State: StateIdle, Status: NoStatus}
	}
	info := c.handle.Info()
	info.RestartCount = c.restartCount
	return info
}

// IsRunning checks if a child is currently running.
func (p *pool) IsRunning(id string) bool {
	p.mu.RLock()
	c, exists := p.children[id]
	p.mu.RUnlock()
	return exists && c.handle.Running()
}

// Handle returns the handle behind id.
func (p *pool) Handle(id string) (*Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.children[id]
	if !ok {
		return nil, false
	}
	return c.handle, true
}

// List returns info for every known child.
func (p *pool) List() []*Info {
	p.mu.RLock()
	ids := make([]string, 0, len(p.children))
	for id := range p.children {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	slices.Sort(ids)
	infos := make([]*Info, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, p.GetStatus(id))
	}
	return infos
}

// StopAll kills every running child.
func (p *pool) StopAll() {
	p.logger.Info("Stopping all children")

	p.mu.RLock()
	ids := make([]string, 0, len(p.children))
	for id := range p.children {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Stop(id)
		}()
	}
	wg.Wait()

	p.wg.Wait()
	p.logger.Info("All children stopped")
}

// notifyStateChange invokes the OnStateChange callback if configured.
func (p *pool) notifyStateChange(id string, oldState, newState State, err error) {
	if p.opts.OnStateChange != nil {
		p.opts.OnStateChange(id, oldState, newState, err)
	}
}
