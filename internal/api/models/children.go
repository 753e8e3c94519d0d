package models

import "time"

// ChildData is one declared child and the state of its last spawn.
type ChildData struct {
	ID           string    `json:"id" example:"worker-1" doc:"Child identifier"`
	Command      string    `json:"command" example:"sleep 60" doc:"Command line"`
	Capture      string    `json:"capture" enum:"none,stdout,stderr,both" example:"both" doc:"Captured streams"`
	Dir          string    `json:"dir,omitempty" example:"/var/lib/worker" doc:"Working directory"`
	Autostart    bool      `json:"autostart" example:"true" doc:"Spawned when the server starts"`
	State        string    `json:"state" enum:"idle,running,exited,error" example:"running" doc:"Handle state"`
	PID          int       `json:"pid" example:"4242" doc:"Process ID while running, -1 otherwise"`
	Status       int       `json:"status" example:"0" doc:"Exit status, or -2147483648 when none was collected"`
	Outcome      string    `json:"outcome" enum:"none,exited,signaled,timed_out,lost" example:"exited" doc:"How the last spawn ended"`
	Signal       string    `json:"signal,omitempty" example:"terminated" doc:"Terminating signal when signaled"`
	RestartCount int       `json:"restart_count" example:"0" doc:"Restarts through the API"`
	StartedAt    time.Time `json:"started_at,omitempty" doc:"When the last spawn started"`
	FinishedAt   time.Time `json:"finished_at,omitempty" doc:"When the last spawn was reaped"`
	LastError    string    `json:"last_error,omitempty" doc:"Last spawn error"`
}

type ChildResponse struct {
	Body ChildData
}

type ChildListData struct {
	Children []ChildData `json:"children" doc:"Declared children"`
	Count    int         `json:"count" example:"2" doc:"Number of declared children"`
}

type ChildListResponse struct {
	Body ChildListData
}

type ChildRequestData struct {
	ID        string   `json:"id" pattern:"^[a-zA-Z0-9_-]+$" minLength:"1" maxLength:"50" example:"worker-1" doc:"Child identifier (alphanumeric, dashes, underscores only)"`
	Command   string   `json:"command" minLength:"1" example:"sleep 60" doc:"Command line; quotes group words"`
	Capture   string   `json:"capture,omitempty" enum:"none,stdout,stderr,both" example:"both" doc:"Captured streams"`
	Dir       string   `json:"dir,omitempty" doc:"Working directory"`
	Env       []string `json:"env,omitempty" example:"[\"LOG_LEVEL=debug\"]" doc:"Extra environment variables"`
	Autostart bool     `json:"autostart,omitempty" doc:"Spawn when the server starts"`
	Start     bool     `json:"start,omitempty" doc:"Spawn right away"`
}

type ChildRequest struct {
	Body ChildRequestData
}

type ChildIDInput struct {
	ID string `path:"id" example:"worker-1" doc:"Child identifier"`
}

type OutputData struct {
	ID     string   `json:"id" example:"worker-1" doc:"Child identifier"`
	Stdout []string `json:"stdout" doc:"Captured stdout lines"`
	Stderr []string `json:"stderr" doc:"Captured stderr lines"`
}

type OutputResponse struct {
	Body OutputData
}

// RunRequestData describes a one-off synchronous execution.
type RunRequestData struct {
	Command   string `json:"command" minLength:"1" example:"uname -a" doc:"Command line; quotes group words"`
	Capture   string `json:"capture,omitempty" enum:"none,stdout,stderr,both" example:"both" doc:"Captured streams"`
	Dir       string `json:"dir,omitempty" doc:"Working directory"`
	TimeoutMs int    `json:"timeout_ms,omitempty" minimum:"0" example:"5000" doc:"Give up and kill the child after this many milliseconds; 0 waits forever"`
}

type RunRequest struct {
	Body RunRequestData
}

type RunData struct {
	Success    bool     `json:"success" example:"true" doc:"Exit status was 0"`
	PID        int      `json:"pid" example:"4242" doc:"Process ID of the run"`
	Status     int      `json:"status" example:"0" doc:"Exit status, or -2147483648 when none was collected"`
	Outcome    string   `json:"outcome" enum:"exited,signaled,timed_out,lost" example:"exited" doc:"How the run ended"`
	Signal     string   `json:"signal,omitempty" example:"terminated" doc:"Signal that ended the child, also set when a timed out run was killed"`
	Stdout     []string `json:"stdout" doc:"Captured stdout lines"`
	Stderr     []string `json:"stderr" doc:"Captured stderr lines"`
	DurationMs int64    `json:"duration_ms" example:"12" doc:"Wall time of the run"`
}

type RunResponse struct {
	Body RunData
}
