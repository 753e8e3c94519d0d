package models

import "time"

// Health check models
type HealthData struct {
	Status      string `json:"status" example:"ok" doc:"Service status"`
	Message     string `json:"message" example:"API is healthy" doc:"Status message"`
	Outstanding int    `json:"outstanding" example:"2" doc:"Children spawned asynchronously and not yet reaped"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2024-12-15 14:30" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"a1b2c3d4" doc:"Unique build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go compiler version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Compiler used"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Error response
type ErrorData struct {
	Status  string `json:"status" example:"error" doc:"Error status"`
	Message string `json:"message" example:"Child not found" doc:"Error message"`
}

type ErrorResponse struct {
	Body ErrorData
}

// Metrics summary models
type MetricsData struct {
	Spawns        map[string]uint64 `json:"spawns" doc:"Successful spawns by mode (sync, async)"`
	SpawnFailures uint64            `json:"spawn_failures" example:"0" doc:"Failed spawn attempts"`
	Exits         map[string]uint64 `json:"exits" doc:"Finalized children by outcome"`
	Timeouts      uint64            `json:"timeouts" example:"1" doc:"Synchronous waits that gave up"`
	Signals       map[string]uint64 `json:"signals" doc:"Signals sent while killing children"`
	Outstanding   int               `json:"outstanding" example:"2" doc:"Children not yet reaped"`
	Deliveries    uint64            `json:"sigchld_deliveries" example:"12" doc:"SIGCHLD wakeups handled by the dispatcher"`
	Uptime        time.Duration     `json:"uptime" example:"3600000000000" doc:"Server uptime in nanoseconds"`
}

type MetricsResponse struct {
	Body MetricsData
}
