package events

// Event type constants for kelindar/event.
const (
	TypeChildSpawned uint32 = iota + 1
	TypeChildExited
	TypeChildKilled
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ChildSpawnedEvent is published after a managed child has been forked and
// registered.
type ChildSpawnedEvent struct {
	Name      string   `json:"name" example:"worker-1" doc:"Handle name"`
	Path      string   `json:"path" example:"/usr/bin/sleep" doc:"Executable path"`
	Args      []string `json:"args" doc:"Arguments passed to the child"`
	PID       int      `json:"pid" example:"4242" doc:"Process ID"`
	Timestamp string   `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ChildSpawnedEvent.
func (e ChildSpawnedEvent) Type() uint32 { return TypeChildSpawned }

// ChildExitedEvent is published once per managed child, after it has been
// finalized.
type ChildExitedEvent struct {
	Name      string `json:"name" example:"worker-1" doc:"Handle name"`
	PID       int    `json:"pid" example:"4242" doc:"Process ID"`
	Status    int    `json:"status" example:"0" doc:"Exit status, or -2147483648 when none was collected"`
	Outcome   string `json:"outcome" example:"exited" enum:"exited,signaled,timed_out,lost" doc:"How the child ended"`
	Signal    string `json:"signal,omitempty" example:"terminated" doc:"Terminating signal"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ChildExitedEvent.
func (e ChildExitedEvent) Type() uint32 { return TypeChildExited }

// ChildKilledEvent is published for every signal sent while escalating a kill.
type ChildKilledEvent struct {
	Name      string `json:"name" example:"worker-1" doc:"Handle name"`
	PID       int    `json:"pid" example:"4242" doc:"Process ID"`
	Signal    string `json:"signal" example:"terminated" doc:"Signal sent"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ChildKilledEvent.
func (e ChildKilledEvent) Type() uint32 { return TypeChildKilled }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"process" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
