package workflow

import (
	"time"

	"accession/internal/stage"
)

// State is a daemon's lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateDispatching State = "dispatching"
	StateDraining    State = "draining"
	StateStopped     State = "stopped"
)

// Status is a snapshot of one supervised daemon.
type Status struct {
	Name         string           `json:"name"`
	Target       string           `json:"target,omitempty"`
	State        State            `json:"state"`
	Workers      int              `json:"workers,omitempty"`
	InFlight     int              `json:"in_flight"`
	Counters     map[string]int64 `json:"counters,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	LastItem     string           `json:"last_item,omitempty"`
	LastActivity time.Time        `json:"last_activity,omitzero"`
	Health       *stage.Health    `json:"health,omitempty"`
}
