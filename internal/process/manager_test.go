//go:build linux

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smazurov/childwatch/internal/events"
	"github.com/smazurov/childwatch/pkg/namedsem"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	opts = append([]ManagerOption{WithShutdownPollTick(10 * time.Millisecond)}, opts...)
	m := NewManager(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return m
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("child %s not finalized: %v", h.Name(), err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var semSeq atomic.Int64

// semaphore creates a private named semaphore for the test.
func semaphore(t *testing.T) *namedsem.Semaphore {
	t.Helper()
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skip("/dev/shm not available")
	}
	name := fmt.Sprintf("/childwatch-test-%d-%d", os.Getpid(), semSeq.Add(1))
	sem := namedsem.New(name)
	if err := sem.Create(false, namedsem.DefaultMode, 0); err != nil {
		t.Fatalf("create semaphore: %v", err)
	}
	t.Cleanup(func() {
		_ = sem.Close()
		_ = sem.Destroy()
	})
	return sem
}

func TestAsyncExecuteDeathHook(t *testing.T) {
	m := newTestManager(t)
	sem := semaphore(t)

	h := newEcho(t, WithName("death"))
	h.OnChildDeath(func(*Handle) { sem.Increment() })

	if err := m.AsyncExecute(h, []string{"42", "-", "-", "300"}, CaptureNone); err != nil {
		t.Fatalf("AsyncExecute() error = %v", err)
	}
	if !m.Dispatcher().Installed() {
		t.Error("dispatcher not installed by AsyncExecute")
	}

	ok, err := sem.Decrement(10 * time.Second)
	if !ok {
		t.Fatalf("death hook never signalled: %v", err)
	}
	if got := h.Status(); got != 42 {
		t.Errorf("Status() = %d, want 42", got)
	}
	waitDone(t, h)
	if got := m.Outstanding(); got != 0 {
		t.Errorf("Outstanding() = %d, want 0", got)
	}
}

func TestAsyncExecuteCapturesOutput(t *testing.T) {
	m := newTestManager(t)
	h := newEcho(t)
	out := numbered("Output", 9)
	errs := numbered("Error", 9)

	if err := m.AsyncExecute(h, []string{"0", joinLines(out), joinLines(errs), "0", "5"}, CaptureBoth); err != nil {
		t.Fatalf("AsyncExecute() error = %v", err)
	}
	waitDone(t, h)

	equalLines(t, "stdout", h.OutputLines(), out)
	equalLines(t, "stderr", h.ErrorLines(), errs)
}

func TestAsyncReadWhileRunning(t *testing.T) {
	m := newTestManager(t)
	h := newEcho(t)
	out := numbered("Output", 9)

	if err := m.AsyncExecute(h, []string{"0", joinLines(out), "-", "0", "20"}, CaptureStdout); err != nil {
		t.Fatalf("AsyncExecute() error = %v", err)
	}

	for h.Running() {
		h.AsyncReadStdoutTimeout(50 * time.Millisecond)
	}
	waitDone(t, h)
	equalLines(t, "stdout", h.OutputLines(), out)
}

func TestAsyncExecuteConcurrent(t *testing.T) {
	const n = 8
	m := newTestManager(t)

	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := range handles {
		handles[i] = newEcho(t, WithName(fmt.Sprintf("child-%d", i)))
		wg.Add(1)
		go func(h *Handle, i int) {
			defer wg.Done()
			args := []string{"0", fmt.Sprintf("Output %d", i), "-", fmt.Sprintf("%d", 10*i)}
			if err := m.AsyncExecute(h, args, CaptureStdout); err != nil {
				t.Errorf("AsyncExecute(%d) error = %v", i, err)
			}
		}(handles[i], i)
	}
	wg.Wait()

	for i, h := range handles {
		waitDone(t, h)
		if h.Status() != 0 {
			t.Errorf("child %d status = %d", i, h.Status())
		}
		equalLines(t, h.Name(), h.OutputLines(), []string{fmt.Sprintf("Output %d", i)})
	}
	if got := m.Outstanding(); got != 0 {
		t.Errorf("Outstanding() = %d, want 0", got)
	}
}

func TestAsyncExecuteSemaphoreWaiters(t *testing.T) {
	const n = 6
	m := newTestManager(t)

	sems := make([]*namedsem.Semaphore, n)
	handles := make([]*Handle, n)
	for i := range handles {
		sems[i] = semaphore(t)
		handles[i] = newEcho(t, WithName(fmt.Sprintf("waited-%d", i)))
		sem := sems[i]
		handles[i].OnChildDeath(func(*Handle) { sem.Increment() })
	}

	var wg sync.WaitGroup
	for i, sem := range sems {
		wg.Add(1)
		go func(i int, sem *namedsem.Semaphore) {
			defer wg.Done()
			if ok, err := sem.Decrement(0); !ok || err != nil {
				t.Errorf("waiter %d Decrement(0) = %v, %v", i, ok, err)
			}
		}(i, sem)
	}

	for i, h := range handles {
		args := []string{"0", "-", "-", fmt.Sprintf("%d", 50+20*i)}
		if err := m.AsyncExecute(h, args, CaptureNone); err != nil {
			t.Fatalf("AsyncExecute(%d) error = %v", i, err)
		}
	}

	released := make(chan struct{})
	go func() {
		wg.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(10 * time.Second):
		// unblock the waiters so cleanup can close the semaphores
		for _, sem := range sems {
			sem.Increment()
		}
		<-released
		t.Fatal("not every waiter was released by its child's death hook")
	}

	for i, h := range handles {
		waitDone(t, h)
		if got := h.Status(); got != 0 {
			t.Errorf("child %d status = %d, want 0", i, got)
		}
	}
}

func TestPipeHeldOpenDoesNotStallOthers(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	m := newTestManager(t)

	// The background sleep inherits stdout, so draining the parent's pipe
	// waits for it.
	holder := NewHandle("/bin/sh", WithName("holder"), WithPollTick(10*time.Millisecond))
	if err := m.AsyncExecute(holder, []string{"-c", "sleep 2 & echo hi"}, CaptureStdout); err != nil {
		t.Fatalf("AsyncExecute(holder) error = %v", err)
	}
	eventually(t, "holder reaped", func() bool { return !holder.Running() })

	h := newEcho(t, WithName("quick"))
	if err := m.AsyncExecute(h, []string{"0"}, CaptureNone); err != nil {
		t.Fatalf("AsyncExecute() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("quick child not finalized while another child's pipe was held open: %v", err)
	}

	waitDone(t, holder)
	equalLines(t, "holder stdout", holder.OutputLines(), []string{"hi"})
}

func TestAsyncPollFinalizesOnce(t *testing.T) {
	const n = 4
	m := newTestManager(t)

	var calls [n]atomic.Int32
	handles := make([]*Handle, n)
	for i := range handles {
		h := newEcho(t)
		h.OnChildDeath(func(*Handle) { calls[i].Add(1) })
		if err := m.AsyncExecute(h, []string{"0"}, CaptureNone); err != nil {
			t.Fatalf("AsyncExecute() error = %v", err)
		}
		handles[i] = h
	}

	seen := map[*Handle]int{}
	eventually(t, "all children finalized", func() bool {
		for _, h := range m.AsyncPoll(nil) {
			seen[h]++
		}
		return m.Outstanding() == 0
	})

	for h, count := range seen {
		if count != 1 {
			t.Errorf("AsyncPoll returned %s %d times", h.Name(), count)
		}
	}
	for i, h := range handles {
		waitDone(t, h)
		if got := calls[i].Load(); got != 1 {
			t.Errorf("child %d death hook ran %d times, want 1", i, got)
		}
	}
	if got := m.AsyncPoll(nil); len(got) != 0 {
		t.Errorf("AsyncPoll() after finalization returned %d handles", len(got))
	}
}

func TestCompletionHandlerReplacesDefault(t *testing.T) {
	m := newTestManager(t)
	h := newEcho(t)

	var deathCalls atomic.Int32
	h.OnChildDeath(func(*Handle) { deathCalls.Add(1) })

	got := make(chan Exit, 1)
	h.SetCompletionHandler(func(h *Handle, ex Exit) {
		h.DrainOutput()
		got <- ex
	})

	if err := m.AsyncExecute(h, []string{"3", "done"}, CaptureStdout); err != nil {
		t.Fatalf("AsyncExecute() error = %v", err)
	}

	select {
	case ex := <-got:
		if ex.Status != 3 || ex.Outcome != OutcomeExited {
			t.Errorf("completion Exit = %+v", ex)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("completion handler not called")
	}
	waitDone(t, h)
	if deathCalls.Load() != 0 {
		t.Error("OnChildDeath ran although a completion handler was set")
	}
	equalLines(t, "stdout", h.OutputLines(), []string{"done"})
}

func TestIsAliveAsync(t *testing.T) {
	m := newTestManager(t)
	h := newEcho(t)

	if err := m.AsyncExecute(h, []string{"0", "-", "-", "300"}, CaptureNone); err != nil {
		t.Fatalf("AsyncExecute() error = %v", err)
	}
	if !h.IsAlive() {
		t.Error("IsAlive() = false right after spawn")
	}
	waitDone(t, h)
	if h.IsAlive() {
		t.Error("IsAlive() = true after finalization")
	}
}

func TestKillAsync(t *testing.T) {
	bus := events.New()
	var killed atomic.Int32
	unsub := bus.Subscribe(func(events.ChildKilledEvent) { killed.Add(1) })
	defer unsub()

	m := newTestManager(t, WithEventBus(bus))
	h := newEcho(t, WithName("sleeper"), WithKillGrace(2*time.Second))

	if err := m.AsyncExecute(h, []string{"0", "-", "-", "10000"}, CaptureNone); err != nil {
		t.Fatalf("AsyncExecute() error = %v", err)
	}
	if got := h.Kill(); got != NoStatus {
		t.Errorf("Kill() = %d, want NoStatus", got)
	}
	waitDone(t, h)
	if h.Outcome() != OutcomeSignaled || h.Signal() != unix.SIGTERM {
		t.Errorf("Outcome/Signal = %v/%v, want signaled/SIGTERM", h.Outcome(), h.Signal())
	}
	if m.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", m.Outstanding())
	}
	eventually(t, "kill event", func() bool { return killed.Load() >= 1 })
}

func TestLifecycleEvents(t *testing.T) {
	bus := events.New()
	spawned := make(chan events.ChildSpawnedEvent, 1)
	exited := make(chan events.ChildExitedEvent, 1)
	defer bus.Subscribe(func(e events.ChildSpawnedEvent) { spawned <- e })()
	defer bus.Subscribe(func(e events.ChildExitedEvent) { exited <- e })()

	m := newTestManager(t, WithEventBus(bus))
	h := newEcho(t, WithName("evented"))
	if err := m.AsyncExecute(h, []string{"5"}, CaptureNone); err != nil {
		t.Fatalf("AsyncExecute() error = %v", err)
	}

	select {
	case e := <-spawned:
		if e.Name != "evented" || e.PID <= 0 {
			t.Errorf("spawned event = %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no spawned event")
	}
	select {
	case e := <-exited:
		if e.Name != "evented" || e.Status != 5 || e.Outcome != "exited" {
			t.Errorf("exited event = %+v", e)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no exited event")
	}
}

func TestChainedHandlerRuns(t *testing.T) {
	var chained atomic.Int32
	m := newTestManager(t, WithChainedHandler(func() { chained.Add(1) }))
	h := newEcho(t)

	if err := m.AsyncExecute(h, []string{"0"}, CaptureNone); err != nil {
		t.Fatalf("AsyncExecute() error = %v", err)
	}
	waitDone(t, h)
	eventually(t, "chained handler", func() bool { return chained.Load() > 0 })
	if m.Dispatcher().Deliveries() == 0 {
		t.Error("Deliveries() = 0 after a child exited")
	}
}

func TestForeignChildKeepsStatus(t *testing.T) {
	m := newTestManager(t)

	foreign := exec.Command("sh", "-c", "sleep 0.2; exit 9")
	if err := foreign.Start(); err != nil {
		t.Skipf("cannot start sh: %v", err)
	}

	h := newEcho(t)
	if err := m.AsyncExecute(h, []string{"0", "-", "-", "400"}, CaptureNone); err != nil {
		t.Fatalf("AsyncExecute() error = %v", err)
	}

	err := foreign.Wait()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 9 {
		t.Errorf("foreign child Wait() = %v, want exit status 9", err)
	}
	waitDone(t, h)
}

func TestAsyncExecuteErrors(t *testing.T) {
	m := NewManager()

	if err := m.AsyncExecute(nil, nil, CaptureNone); ErrorCode(err) != ErrCodeNilHandle {
		t.Errorf("AsyncExecute(nil) error = %v, want ErrCodeNilHandle", err)
	}

	h := NewHandle("/nonexistent/childwatch-missing")
	if err := m.AsyncExecute(h, nil, CaptureNone); ErrorCode(err) != ErrCodeNoPath {
		t.Errorf("AsyncExecute(missing) error = %v, want ErrCodeNoPath", err)
	}
	if m.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d after failed spawn", m.Outstanding())
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := m.AsyncExecute(newEcho(t), []string{"0"}, CaptureNone); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("AsyncExecute after Shutdown error = %v, want ErrManagerClosed", err)
	}
}

func TestAsyncExecuteBusy(t *testing.T) {
	m := newTestManager(t)
	h := newEcho(t)

	if err := m.AsyncExecute(h, []string{"0", "-", "-", "300"}, CaptureNone); err != nil {
		t.Fatalf("AsyncExecute() error = %v", err)
	}
	if err := m.AsyncExecute(h, []string{"0"}, CaptureNone); ErrorCode(err) != ErrCodeBusy {
		t.Errorf("second AsyncExecute error = %v, want ErrCodeBusy", err)
	}
	waitDone(t, h)
}

func TestShutdownStopsOutstanding(t *testing.T) {
	m := NewManager(WithShutdownGrace(2*time.Second), WithShutdownPollTick(10*time.Millisecond))

	handles := []*Handle{newEcho(t), newEcho(t)}
	for _, h := range handles {
		if err := m.AsyncExecute(h, []string{"0", "-", "-", "10000"}, CaptureNone); err != nil {
			t.Fatalf("AsyncExecute() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if m.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d after Shutdown", m.Outstanding())
	}
	for _, h := range handles {
		if h.Running() {
			t.Errorf("%s still running after Shutdown", h)
		}
	}
}
