package domain

// Trigger origins.
const (
	TriggerOriginWebhook = "webhook"
	TriggerOriginManual  = "manual"
)

// Trigger is a normalized, verified request to run a deployment. It is
// produced once per verified webhook call (or manual request) and consumed
// immediately by the engine; it is never persisted as-is.
type Trigger struct {
	RepoFullName  string
	Branch        string
	CommitSHA     string
	EventKind     string
	PayloadDigest string
	Origin        string

	// Ignored marks an authentic event that does not map to a deployment
	// trigger (non-push event kinds, tag pushes, deleted branches).
	Ignored bool
	Reason  string
}
