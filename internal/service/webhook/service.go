package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/sferro/deployd/internal/domain"
	"github.com/sferro/deployd/internal/repository"
	"github.com/sferro/deployd/pkg/config"
	"github.com/sferro/deployd/pkg/crypto"
)

// Verification failures. Both terminate the request at the boundary with
// no side effects.
var (
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	ErrMalformedPayload = errors.New("webhook: malformed payload")
)

const signaturePrefix = "sha256="

// Service verifies webhook deliveries and normalizes them into triggers.
type Service struct {
	repo   repository.WebhookRepository
	logger *slog.Logger
	cfg    config.ServerConfig
}

// New constructs a webhook service.
func New(repo repository.WebhookRepository, logger *slog.Logger, cfg config.ServerConfig) Service {
	return Service{repo: repo, logger: logger, cfg: cfg}
}

// Verify authenticates the raw request body against the signature header
// and decodes the event into a normalized trigger. The signature is always
// checked before the body is parsed, on the exact bytes that were signed.
func (s Service) Verify(body []byte, signatureHeader, eventHeader string, secret []byte) (*domain.Trigger, error) {
	if err := s.checkSignature(body, signatureHeader, secret); err != nil {
		return nil, err
	}
	return s.decode(body, eventHeader)
}

func (s Service) checkSignature(body []byte, signatureHeader string, secret []byte) error {
	provided := strings.TrimSpace(signatureHeader)
	if !strings.HasPrefix(provided, signaturePrefix) {
		return ErrInvalidSignature
	}
	providedMAC, err := hex.DecodeString(strings.TrimPrefix(provided, signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(body)
	if !hmac.Equal(providedMAC, hasher.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// pushPayload covers the fields of a push event the engine cares about.
// Unrecognized event kinds never reach payload decoding.
type pushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	HeadCommit struct {
		ID string `json:"id"`
	} `json:"head_commit"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
}

func (s Service) decode(body []byte, eventHeader string) (*domain.Trigger, error) {
	eventKind := strings.TrimSpace(eventHeader)
	if eventKind == "" {
		return nil, ErrMalformedPayload
	}
	digest := sha256.Sum256(body)
	trigger := &domain.Trigger{
		EventKind:     eventKind,
		PayloadDigest: hex.EncodeToString(digest[:]),
		Origin:        domain.TriggerOriginWebhook,
	}

	if eventKind != "push" {
		trigger.Ignored = true
		trigger.Reason = fmt.Sprintf("event %q not handled", eventKind)
		// Best-effort repository extraction for the audit trail.
		var meta struct {
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		}
		if err := json.Unmarshal(body, &meta); err == nil {
			trigger.RepoFullName = meta.Repository.FullName
		}
		return trigger, nil
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, ErrMalformedPayload
	}
	if payload.Repository.FullName == "" {
		return nil, ErrMalformedPayload
	}
	trigger.RepoFullName = payload.Repository.FullName

	if !strings.HasPrefix(payload.Ref, "refs/heads/") {
		trigger.Ignored = true
		trigger.Reason = "ref is not a branch"
		return trigger, nil
	}
	if payload.Deleted {
		trigger.Ignored = true
		trigger.Reason = "branch deleted"
		return trigger, nil
	}
	trigger.Branch = strings.TrimPrefix(payload.Ref, "refs/heads/")

	commit := payload.HeadCommit.ID
	if commit == "" {
		commit = payload.After
	}
	if commit == "" {
		return nil, ErrMalformedPayload
	}
	trigger.CommitSHA = commit
	return trigger, nil
}

// SecretFor resolves the signing secret for a repository: the stored
// per-repository secret when present, the configured global secret
// otherwise.
func (s Service) SecretFor(ctx context.Context, repoFullName string) ([]byte, error) {
	if repoFullName != "" {
		sealed, err := s.repo.GetWebhookSecret(ctx, repoFullName)
		switch {
		case err == nil:
			raw, err := crypto.DecryptToString(s.cfg.EnvEncryptionKey, sealed)
			if err != nil {
				return nil, fmt.Errorf("decrypt webhook secret: %w", err)
			}
			return []byte(raw), nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
	}
	if s.cfg.WebhookSecret == "" {
		return nil, errors.New("webhook: no signing secret configured")
	}
	return []byte(s.cfg.WebhookSecret), nil
}

// UpsertSecret stores an encrypted per-repository signing secret.
func (s Service) UpsertSecret(ctx context.Context, repoFullName, secret string) error {
	value := strings.TrimSpace(secret)
	if value == "" {
		return errors.New("secret is required")
	}
	sealed, err := crypto.EncryptString(s.cfg.EnvEncryptionKey, value)
	if err != nil {
		return err
	}
	return s.repo.UpsertWebhookSecret(ctx, repoFullName, sealed)
}

// RecordEvent stores the audit record for an authentic delivery.
func (s Service) RecordEvent(ctx context.Context, event *domain.WebhookEvent) {
	if err := s.repo.InsertWebhookEvent(ctx, event); err != nil {
		s.logger.Warn("failed to record webhook event", "event_id", event.ID, "error", err)
	}
}
