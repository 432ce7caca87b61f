package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/sferro/deployd/internal/domain"
	"github.com/sferro/deployd/internal/repository"
	"github.com/sferro/deployd/pkg/config"
)

type fakeWebhookRepo struct {
	secrets map[string][]byte
	events  []*domain.WebhookEvent
}

func (f *fakeWebhookRepo) InsertWebhookEvent(_ context.Context, event *domain.WebhookEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeWebhookRepo) UpsertWebhookSecret(_ context.Context, repo string, secret []byte) error {
	if f.secrets == nil {
		f.secrets = map[string][]byte{}
	}
	f.secrets[repo] = secret
	return nil
}

func (f *fakeWebhookRepo) GetWebhookSecret(_ context.Context, repo string) ([]byte, error) {
	if s, ok := f.secrets[repo]; ok {
		return s, nil
	}
	return nil, repository.ErrNotFound
}

func sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func newTestService(repo repository.WebhookRepository) Service {
	cfg := config.ServerConfig{
		WebhookSecret:    "global-secret",
		EnvEncryptionKey: "test-encryption-key",
	}
	return New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
}

const pushBody = `{
	"ref": "refs/heads/main",
	"repository": {"full_name": "acme/site"},
	"head_commit": {"id": "abc123"},
	"after": "abc123"
}`

func TestVerifyPush(t *testing.T) {
	svc := newTestService(&fakeWebhookRepo{})
	body := []byte(pushBody)

	trigger, err := svc.Verify(body, sign("global-secret", body), "push", []byte("global-secret"))
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if trigger.Ignored {
		t.Fatalf("push to branch should not be ignored: %s", trigger.Reason)
	}
	if trigger.RepoFullName != "acme/site" || trigger.Branch != "main" || trigger.CommitSHA != "abc123" {
		t.Errorf("unexpected trigger: %+v", trigger)
	}
	if trigger.Origin != domain.TriggerOriginWebhook {
		t.Errorf("origin = %q, want webhook", trigger.Origin)
	}
	if trigger.PayloadDigest == "" {
		t.Error("payload digest should be set")
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	svc := newTestService(&fakeWebhookRepo{})
	body := []byte(pushBody)

	cases := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong secret", sign("other-secret", body)},
		{"no prefix", "abcdef"},
		{"bad hex", "sha256=zzzz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Verify(body, tc.header, "push", []byte("global-secret"))
			if !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("err = %v, want ErrInvalidSignature", err)
			}
		})
	}
}

func TestVerifySignatureCheckedBeforeParse(t *testing.T) {
	svc := newTestService(&fakeWebhookRepo{})
	body := []byte(`{not json at all`)

	_, err := svc.Verify(body, "sha256=deadbeef", "push", []byte("global-secret"))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature even for malformed body", err)
	}
}

func TestVerifyIgnoredEvents(t *testing.T) {
	svc := newTestService(&fakeWebhookRepo{})
	secret := []byte("global-secret")

	cases := []struct {
		name  string
		body  string
		event string
	}{
		{"ping", `{"zen": "keep it simple", "repository": {"full_name": "acme/site"}}`, "ping"},
		{"pull request", `{"repository": {"full_name": "acme/site"}}`, "pull_request"},
		{"tag push", `{"ref": "refs/tags/v1.0.0", "repository": {"full_name": "acme/site"}, "after": "abc"}`, "push"},
		{"branch delete", `{"ref": "refs/heads/old", "repository": {"full_name": "acme/site"}, "deleted": true, "after": "000"}`, "push"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte(tc.body)
			trigger, err := svc.Verify(body, sign("global-secret", body), tc.event, secret)
			if err != nil {
				t.Fatalf("Verify returned error: %v", err)
			}
			if !trigger.Ignored {
				t.Error("trigger should be ignored")
			}
			if trigger.Reason == "" {
				t.Error("ignored trigger should carry a reason")
			}
			if trigger.RepoFullName != "acme/site" {
				t.Errorf("repo = %q, want acme/site", trigger.RepoFullName)
			}
		})
	}
}

func TestVerifyMalformedPayload(t *testing.T) {
	svc := newTestService(&fakeWebhookRepo{})
	secret := []byte("global-secret")

	cases := []struct {
		name  string
		body  string
		event string
	}{
		{"invalid json", `{"ref": `, "push"},
		{"missing repository", `{"ref": "refs/heads/main", "after": "abc"}`, "push"},
		{"missing commit", `{"ref": "refs/heads/main", "repository": {"full_name": "acme/site"}}`, "push"},
		{"empty event header", pushBody, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte(tc.body)
			_, err := svc.Verify(body, sign("global-secret", body), tc.event, secret)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestSecretForFallsBackToGlobal(t *testing.T) {
	svc := newTestService(&fakeWebhookRepo{})

	secret, err := svc.SecretFor(context.Background(), "acme/site")
	if err != nil {
		t.Fatalf("SecretFor returned error: %v", err)
	}
	if string(secret) != "global-secret" {
		t.Errorf("secret = %q, want global fallback", secret)
	}
}

func TestSecretRoundTrip(t *testing.T) {
	repo := &fakeWebhookRepo{}
	svc := newTestService(repo)
	ctx := context.Background()

	if err := svc.UpsertSecret(ctx, "acme/site", "repo-secret"); err != nil {
		t.Fatalf("UpsertSecret returned error: %v", err)
	}
	if got := repo.secrets["acme/site"]; string(got) == "repo-secret" {
		t.Error("secret should be stored encrypted")
	}

	secret, err := svc.SecretFor(ctx, "acme/site")
	if err != nil {
		t.Fatalf("SecretFor returned error: %v", err)
	}
	if string(secret) != "repo-secret" {
		t.Errorf("secret = %q, want repo-secret", secret)
	}
}

func TestUpsertSecretRejectsEmpty(t *testing.T) {
	svc := newTestService(&fakeWebhookRepo{})
	if err := svc.UpsertSecret(context.Background(), "acme/site", "  "); err == nil {
		t.Error("expected error for empty secret")
	}
}
