package process

import "github.com/smazurov/childwatch/internal/logging"

// CommandProvider generates the command line for a child ID.
type CommandProvider func(id string) (command string, err error)

// StateChangeCallback is called when a pooled child changes state.
type StateChangeCallback func(id string, oldState, newState State, err error)

// Configurer configures a Handle before it is spawned.
type Configurer func(id string, h *Handle)

// PoolOptions configures a new Pool.
type PoolOptions struct {
	// Manager spawns and reaps the pool's children (required).
	Manager *Manager

	// CommandProvider generates the command for a given ID (required).
	CommandProvider CommandProvider

	// Capture selects the streams captured for every child.
	Capture Capture

	// CaptureFor overrides Capture per child (optional).
	CaptureFor func(id string) Capture

	// OnStateChange is called when a child's state transitions (optional).
	OnStateChange StateChangeCallback

	// HandleOptions returns extra options for the handle of id (optional).
	HandleOptions func(id string) []Option

	// ConfigureHandle allows customization of the Handle before spawn (optional).
	ConfigureHandle Configurer

	// Logger for pool operations. If nil, uses the "process" module logger.
	Logger logging.Logger
}
