// Package logs owns the deployment log pipeline: persisting the ordered
// event stream and fanning live events out to streaming subscribers.
package logs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sferro/deployd/internal/domain"
	"github.com/sferro/deployd/internal/repository"
	"github.com/sferro/deployd/internal/ws"
)

// wireEvent is the streaming and replay representation of a log event.
type wireEvent struct {
	Type         string   `json:"type"`
	DeploymentID string   `json:"deployment_id"`
	Sequence     uint64   `json:"sequence"`
	Line         string   `json:"line,omitempty"`
	Status       string   `json:"status,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	ExitCode     *int     `json:"exit_code,omitempty"`
	EnvKeys      []string `json:"env_keys,omitempty"`
	Timestamp    string   `json:"timestamp"`
}

// Service stores log events and broadcasts them. Append is called from a
// single goroutine per deployment, which preserves sequence order end to
// end.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs the log service around a running hub.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) *Service {
	return &Service{repo: repo, hub: hub, logger: logger}
}

// Hub exposes the broadcast hub for subscription handling.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

// Append persists the event and publishes it to live subscribers. Storage
// failures are logged but never interrupt the live stream.
func (s *Service) Append(ctx context.Context, event domain.LogEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := s.repo.AppendLogEvent(ctx, event); err != nil {
		s.logger.Error("failed to persist log event",
			"deployment_id", event.DeploymentID,
			"sequence", event.Sequence,
			"error", err)
	}
	s.hub.Publish(ws.Event{
		DeploymentID: event.DeploymentID,
		Sequence:     event.Sequence,
		Full:         MarshalEvent(event, false),
		Redacted:     redactedPayload(event),
	})
}

// Replay returns stored events for a deployment in sequence order,
// marshalled for the wire. redacted strips fields withheld from
// unauthenticated readers.
func (s *Service) Replay(ctx context.Context, deploymentID string, limit, offset int, redacted bool) ([]json.RawMessage, error) {
	events, err := s.repo.ListLogEvents(ctx, deploymentID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		out = append(out, MarshalEvent(ev, redacted))
	}
	return out, nil
}

// MarshalEvent renders a log event for the wire. With redacted set,
// environment variable names are withheld.
func MarshalEvent(event domain.LogEvent, redacted bool) []byte {
	wire := wireEvent{
		Type:         event.Kind,
		DeploymentID: event.DeploymentID,
		Sequence:     event.Sequence,
		Line:         event.Payload,
		Status:       event.Status,
		Reason:       event.Reason,
		ExitCode:     event.ExitCode,
		Timestamp:    event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if !redacted {
		wire.EnvKeys = event.EnvKeys
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		// wireEvent has no unmarshalable fields; this cannot happen.
		return []byte(`{}`)
	}
	return payload
}

// redactedPayload marshals the redacted variant only when it differs from
// the full payload, so the hub skips the extra copy for plain log lines.
func redactedPayload(event domain.LogEvent) []byte {
	if len(event.EnvKeys) == 0 {
		return nil
	}
	return MarshalEvent(event, true)
}
