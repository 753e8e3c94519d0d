package children

import (
	"fmt"
	"time"

	"github.com/smazurov/childwatch/internal/process"
)

// Child is the API view of a declared child and its last spawn.
type Child struct {
	ID           string
	Command      string
	Capture      string
	Dir          string
	Autostart    bool
	State        string
	PID          int
	Status       int
	Outcome      string
	Signal       string
	RestartCount int
	StartedAt    time.Time
	FinishedAt   time.Time
	LastError    string
}

// CreateParams declares a new child.
type CreateParams struct {
	ID        string
	Command   string
	Capture   string
	Dir       string
	Env       []string
	Autostart bool
	Start     bool // spawn right away
}

// Output holds the captured lines of a child's current or last spawn.
type Output struct {
	ID     string
	Stdout []string
	Stderr []string
}

// RunParams describes a one-off synchronous execution.
type RunParams struct {
	Command string
	Capture string
	Dir     string
	Timeout time.Duration
}

// RunResult is the outcome of a one-off execution.
type RunResult struct {
	Success  bool
	PID      int
	Status   int
	Outcome  string
	Signal   string // signal that ended the child, including a timeout kill
	Stdout   []string
	Stderr   []string
	Duration time.Duration
}

// ParseCapture maps a capture mode name to capture flags. The empty string
// means none.
func ParseCapture(mode string) (process.Capture, error) {
	switch mode {
	case "", "none":
		return process.CaptureNone, nil
	case "stdout":
		return process.CaptureStdout, nil
	case "stderr":
		return process.CaptureStderr, nil
	case "both":
		return process.CaptureBoth, nil
	}
	return process.CaptureNone, fmt.Errorf("invalid capture mode %q", mode)
}
