package domain

import "time"

// WebhookEvent is the audit record kept for every authentic webhook
// delivery, accepted or ignored.
type WebhookEvent struct {
	ID            string
	EventKind     string
	RepoFullName  string
	PayloadDigest string
	Outcome       string
	DeploymentID  string
	ReceivedAt    time.Time
}
