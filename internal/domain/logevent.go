package domain

import "time"

// LogEvent kinds.
const (
	EventKindLine   = "log"
	EventKindStatus = "status"
)

// Status event reasons.
const (
	ReasonExit       = "exit"
	ReasonTimeout    = "timeout"
	ReasonKilled     = "killed"
	ReasonSpawn      = "spawn_failed"
	ReasonOverflow   = "overflow"
	ReasonSuperseded = "superseded"
)

// LogEvent is an immutable event emitted by a deployment supervisor.
// Sequence is strictly increasing per deployment and establishes the total
// order used for replay and delivery guarantees.
type LogEvent struct {
	DeploymentID string
	Sequence     uint64
	Kind         string
	Payload      string
	Status       string
	Reason       string
	ExitCode     *int
	// EnvKeys lists the environment variable names supplied by the config.
	// Only carried on status events and redacted for unauthenticated
	// subscribers.
	EnvKeys   []string
	Timestamp time.Time
}
