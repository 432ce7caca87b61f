package domain

import "time"

// Deployment statuses. Terminal statuses admit no further transitions.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Deployment captures a single deployment attempt for a configured
// repository/branch pair.
type Deployment struct {
	ID            string
	RepoFullName  string
	Branch        string
	CommitSHA     string
	Status        string
	ManualTrigger bool
	TriggeredBy   string
	Error         string
	ExitCode      *int
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DeploymentStatusUpdate captures mutable fields for a deployment.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	Error        string
	ExitCode     *int
	StartedAt    *time.Time
	FinishedAt   *time.Time
}
