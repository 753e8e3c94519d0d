package process

import (
	"math"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// NoStatus is the exit status of a handle that has no normal exit code:
// the wait timed out, the child died from a signal, or its status could not
// be collected. Real exit codes are always within 0..255.
const NoStatus = math.MinInt32

// State represents the current state of a handle.
type State string

// Handle states.
const (
	StateIdle    State = "idle"    // Never spawned
	StateRunning State = "running" // Spawned and not yet reaped
	StateExited  State = "exited"  // Reaped and finalized
	StateError   State = "error"   // Last spawn attempt failed
)

// Outcome describes how the last spawn of a handle ended.
type Outcome int

// Spawn outcomes.
const (
	OutcomeNone     Outcome = iota // Still running or never spawned
	OutcomeExited                  // Normal exit, status holds the code
	OutcomeSignaled                // Terminated by a signal
	OutcomeTimedOut                // Synchronous wait gave up, child left running
	OutcomeLost                    // Status was collected by someone else
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExited:
		return "exited"
	case OutcomeSignaled:
		return "signaled"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeLost:
		return "lost"
	default:
		return "none"
	}
}

// Exit is the result of reaping one child.
type Exit struct {
	Pid     int
	Status  int
	Outcome Outcome
	Signal  syscall.Signal
}

// exitFromWaitStatus converts a raw wait status into an Exit.
func exitFromWaitStatus(pid int, ws unix.WaitStatus) Exit {
	switch {
	case ws.Exited():
		return Exit{Pid: pid, Status: ws.ExitStatus(), Outcome: OutcomeExited}
	case ws.Signaled():
		return Exit{Pid: pid, Status: NoStatus, Outcome: OutcomeSignaled, Signal: ws.Signal()}
	default:
		return Exit{Pid: pid, Status: NoStatus, Outcome: OutcomeLost}
	}
}

// Info contains a point-in-time view of a handle.
type Info struct {
	Name       string
	Path       string
	PID        int
	State      State
	Status     int
	Outcome    Outcome
	Signal     syscall.Signal
	StartedAt  time.Time
	FinishedAt time.Time
	LastError  error

	// RestartCount is only set by Pool.
	RestartCount int
}
