//go:build linux

package process

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func poolTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoPool returns a pool whose children run the echoer with the given
// argument string.
func echoPool(t *testing.T, args string, opts PoolOptions) Pool {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	opts.Manager = newTestManager(t)
	opts.Logger = poolTestLogger()
	if opts.CommandProvider == nil {
		opts.CommandProvider = func(string) (string, error) {
			return fmt.Sprintf("%q %s", exe, args), nil
		}
	}
	opts.HandleOptions = func(string) []Option {
		return []Option{WithEnv(append(os.Environ(), echoHelperEnv+"=1")), WithPollTick(10 * time.Millisecond)}
	}
	p := NewPool(&opts)
	t.Cleanup(p.StopAll)
	return p
}

func TestPoolStartStop(t *testing.T) {
	pool := echoPool(t, "0 - - 10000", PoolOptions{})

	if err := pool.Start("test1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !pool.IsRunning("test1") {
		t.Error("expected child to be running")
	}

	if err := pool.Stop("test1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if pool.IsRunning("test1") {
		t.Error("expected child to not be running")
	}
}

func TestPoolStartAlreadyRunning(t *testing.T) {
	pool := echoPool(t, "0 - - 10000", PoolOptions{})

	if err := pool.Start("test1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := pool.Start("test1"); err == nil {
		t.Error("expected error when starting an already running child")
	}
}

func TestPoolGetStatus(t *testing.T) {
	pool := echoPool(t, "0 - - 10000", PoolOptions{})

	info := pool.GetStatus("test1")
	if info.State != StateIdle || info.PID != -1 {
		t.Errorf("expected idle with no pid, got %v/%d", info.State, info.PID)
	}

	if err := pool.Start("test1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	info = pool.GetStatus("test1")
	if info.State != StateRunning {
		t.Errorf("expected StateRunning, got %v", info.State)
	}
	if info.Name != "test1" {
		t.Errorf("expected name 'test1', got %v", info.Name)
	}
	if info.PID <= 0 {
		t.Errorf("expected a pid, got %d", info.PID)
	}
}

func TestPoolRestart(t *testing.T) {
	exe, _ := os.Executable()
	var mu sync.Mutex
	callCount := 0
	pool := echoPool(t, "", PoolOptions{
		CommandProvider: func(string) (string, error) {
			mu.Lock()
			callCount++
			mu.Unlock()
			return fmt.Sprintf("%q 0 - - 10000", exe), nil
		},
	})

	if err := pool.Start("test1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	firstPID := pool.GetStatus("test1").PID

	if err := pool.Restart("test1"); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	mu.Lock()
	if callCount != 2 {
		t.Errorf("expected CommandProvider to be called twice, got %d", callCount)
	}
	mu.Unlock()

	info := pool.GetStatus("test1")
	if info.RestartCount != 1 {
		t.Errorf("expected RestartCount 1, got %d", info.RestartCount)
	}
	if info.PID == firstPID {
		t.Error("expected a new pid after restart")
	}
}

func TestPoolStopAll(t *testing.T) {
	pool := echoPool(t, "0 - - 10000", PoolOptions{})

	_ = pool.Start("test1")
	_ = pool.Start("test2")

	if !pool.IsRunning("test1") || !pool.IsRunning("test2") {
		t.Error("expected both children to be running")
	}
	if got := len(pool.List()); got != 2 {
		t.Errorf("List() returned %d entries, want 2", got)
	}

	pool.StopAll()

	if pool.IsRunning("test1") || pool.IsRunning("test2") {
		t.Error("expected both children to be stopped")
	}
}

func TestPoolStateChangeCallback(t *testing.T) {
	type transition struct {
		id       string
		oldState State
		newState State
	}
	var mu sync.Mutex
	var transitions []transition
	done := make(chan struct{})

	pool := echoPool(t, "0 hello", PoolOptions{
		OnStateChange: func(id string, oldState, newState State, _ error) {
			mu.Lock()
			transitions = append(transitions, transition{id, oldState, newState})
			n := len(transitions)
			mu.Unlock()
			if n == 2 {
				close(done)
			}
		},
	})

	if err := pool.Start("test1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("child never reported its exit")
	}

	mu.Lock()
	defer mu.Unlock()
	if transitions[0].newState != StateRunning {
		t.Errorf("expected first transition to StateRunning, got %v", transitions[0].newState)
	}
	if transitions[1].oldState != StateRunning || transitions[1].newState != StateExited {
		t.Errorf("expected running -> exited, got %v -> %v", transitions[1].oldState, transitions[1].newState)
	}
}

func TestPoolConfigureHandle(t *testing.T) {
	var configuredID string
	deaths := make(chan string, 1)
	pool := echoPool(t, "0 captured", PoolOptions{
		Capture: CaptureStdout,
		ConfigureHandle: func(id string, h *Handle) {
			configuredID = id
			h.OnChildDeath(func(h *Handle) { deaths <- h.RawOutput() })
		},
	})

	if err := pool.Start("test1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if configuredID != "test1" {
		t.Errorf("expected configuredID 'test1', got %v", configuredID)
	}

	select {
	case out := <-deaths:
		if out != "captured\n" {
			t.Errorf("captured output = %q", out)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("death hook set by ConfigureHandle never ran")
	}
}

func TestPoolCommandProviderError(t *testing.T) {
	pool := echoPool(t, "", PoolOptions{
		CommandProvider: func(id string) (string, error) {
			return "", fmt.Errorf("command error for %s", id)
		},
	})

	if err := pool.Start("test1"); err == nil {
		t.Error("expected error from CommandProvider")
	}
}

func TestPoolChildFailure(t *testing.T) {
	var mu sync.Mutex
	var lastErr error
	var lastState State
	done := make(chan struct{}, 1)

	pool := echoPool(t, "42", PoolOptions{
		OnStateChange: func(_ string, _, newState State, err error) {
			mu.Lock()
			lastState = newState
			lastErr = err
			mu.Unlock()
			if newState != StateRunning {
				done <- struct{}{}
			}
		},
	})

	_ = pool.Start("test1")
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("child never reported its exit")
	}

	info := pool.GetStatus("test1")
	if info.Status != 42 {
		t.Errorf("expected status 42, got %d", info.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if lastState != StateError {
		t.Errorf("expected callback to receive StateError, got %v", lastState)
	}
	if lastErr == nil {
		t.Error("expected callback to receive an error")
	}
}

func TestPoolStopNotRunning(t *testing.T) {
	pool := echoPool(t, "0", PoolOptions{})

	if err := pool.Stop("nonexistent"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestNewPoolPanicsWithoutCommandProvider(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic when options are missing")
		}
	}()

	NewPool(nil)
}
