package httpx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sferro/deployd/internal/domain"
	"github.com/sferro/deployd/internal/repository"
	"github.com/sferro/deployd/internal/service/auth"
	"github.com/sferro/deployd/internal/service/configs"
	"github.com/sferro/deployd/internal/service/engine"
	"github.com/sferro/deployd/internal/service/logs"
	"github.com/sferro/deployd/internal/service/webhook"
	"github.com/sferro/deployd/internal/ws"
	"github.com/sferro/deployd/pkg/config"
	"github.com/sferro/deployd/pkg/jwt"
)

const (
	testWebhookSecret = "hook-secret"
	testJWTSecret     = "jwt-secret"
)

type memoryStore struct {
	mu          sync.Mutex
	configs     map[string]*domain.DeployConfig
	deployments map[string]*domain.Deployment
	order       []string
	logEvents   []domain.LogEvent
	secrets     map[string][]byte
	webhooks    []*domain.WebhookEvent
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		configs:     map[string]*domain.DeployConfig{},
		deployments: map[string]*domain.Deployment{},
		secrets:     map[string][]byte{},
	}
}

func (m *memoryStore) UpsertConfig(_ context.Context, cfg *domain.DeployConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.configs[cfg.Key()]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else {
		cfg.CreatedAt = time.Now().UTC()
	}
	stored := *cfg
	m.configs[cfg.Key()] = &stored
	return nil
}

func (m *memoryStore) GetConfig(_ context.Context, repo, branch string) (*domain.DeployConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.configs[domain.ConfigKey(repo, branch)]; ok {
		copied := *cfg
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memoryStore) ListConfigs(_ context.Context, repo string) ([]domain.DeployConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeployConfig
	for _, cfg := range m.configs {
		if repo == "" || cfg.RepoFullName == repo {
			out = append(out, *cfg)
		}
	}
	return out, nil
}

func (m *memoryStore) DeleteConfig(_ context.Context, repo, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := domain.ConfigKey(repo, branch)
	if _, ok := m.configs[key]; !ok {
		return repository.ErrNotFound
	}
	delete(m.configs, key)
	return nil
}

func (m *memoryStore) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *d
	m.deployments[d.ID] = &stored
	m.order = append(m.order, d.ID)
	return nil
}

func (m *memoryStore) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = update.Status
	if update.Error != "" {
		d.Error = update.Error
	}
	if update.ExitCode != nil {
		d.ExitCode = update.ExitCode
	}
	if update.StartedAt != nil {
		d.StartedAt = update.StartedAt
	}
	if update.FinishedAt != nil {
		d.FinishedAt = update.FinishedAt
	}
	return nil
}

func (m *memoryStore) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deployments[id]; ok {
		copied := *d
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memoryStore) ListDeployments(_ context.Context, repo string, limit, offset int) ([]domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Deployment
	for i := len(m.order) - 1; i >= 0; i-- {
		d := m.deployments[m.order[i]]
		if repo == "" || d.RepoFullName == repo {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memoryStore) AppendLogEvent(_ context.Context, event domain.LogEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logEvents = append(m.logEvents, event)
	return nil
}

func (m *memoryStore) ListLogEvents(_ context.Context, deploymentID string, limit, offset int) ([]domain.LogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LogEvent
	for _, ev := range m.logEvents {
		if ev.DeploymentID == deploymentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memoryStore) InsertWebhookEvent(_ context.Context, event *domain.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, event)
	return nil
}

func (m *memoryStore) UpsertWebhookSecret(_ context.Context, repo string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[repo] = secret
	return nil
}

func (m *memoryStore) GetWebhookSecret(_ context.Context, repo string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.secrets[repo]; ok {
		return s, nil
	}
	return nil, repository.ErrNotFound
}

// tempDirStager skips the git checkout and runs commands in a temp dir.
type tempDirStager struct {
	t *testing.T
}

func (s tempDirStager) Stage(_ context.Context, _ *domain.Deployment, _ *domain.DeployConfig, _ func(string)) (string, error) {
	return s.t.TempDir(), nil
}

func (s tempDirStager) Cleanup(string) {}

type routerHarness struct {
	router *Router
	store  *memoryStore
	server *httptest.Server
	engine *engine.Engine
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	store := newMemoryStore()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.ServerConfig{
		WebhookSecret:    testWebhookSecret,
		JWTSecret:        testJWTSecret,
		EnvEncryptionKey: "encryption-key",
		DeployTimeout:    time.Minute,
	}

	hub := ws.NewHub(256)
	t.Cleanup(hub.Close)
	logSvc := logs.New(store, hub, discard)
	registry := configs.NewRegistry(store, discard)
	eng := engine.New(store, registry, logSvc, tempDirStager{t: t}, cfg, discard)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})

	router := NewRouter(
		discard,
		auth.New(testJWTSecret),
		registry,
		eng,
		logSvc,
		webhook.New(store, discard, cfg),
		nil,
		nil,
	)
	t.Cleanup(router.Close)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &routerHarness{router: router, store: store, server: server, engine: eng}
}

func (h *routerHarness) configure(t *testing.T, autoDeploy bool, command string) {
	t.Helper()
	err := h.store.UpsertConfig(context.Background(), &domain.DeployConfig{
		RepoFullName: "acme/app",
		Branch:       "main",
		AutoDeploy:   autoDeploy,
		Command:      command,
		EnvVars:      map[string]string{"MODE": "prod"},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func operatorToken(t *testing.T, repos ...string) string {
	t.Helper()
	token, err := jwt.GenerateToken("operator-1", repos, testJWTSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushBody(repo, branch, sha string) []byte {
	return []byte(fmt.Sprintf(
		`{"ref":"refs/heads/%s","repository":{"full_name":"%s"},"head_commit":{"id":"%s"},"after":"%s"}`,
		branch, repo, sha, sha))
}

func (h *routerHarness) postWebhook(t *testing.T, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/webhook/github", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signature)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	return payload
}

func (h *routerHarness) waitTerminal(t *testing.T, deploymentID string) *domain.Deployment {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		d, err := h.store.GetDeploymentByID(context.Background(), deploymentID)
		if err == nil && domain.Terminal(d.Status) {
			return d
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("deployment %s never finished", deploymentID)
	return nil
}

func TestWebhookTriggersDeployment(t *testing.T) {
	h := newRouterHarness(t)
	h.configure(t, true, "echo deploying")

	body := pushBody("acme/app", "main", "abc123")
	resp := h.postWebhook(t, body, signBody(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["status"] != "queued" {
		t.Fatalf("status = %v, want queued", payload["status"])
	}
	if payload["event_id"] == "" || payload["event_id"] == nil {
		t.Error("response should carry an event_id")
	}

	deploymentID, _ := payload["deployment_id"].(string)
	if deploymentID == "" {
		t.Fatal("response should carry a deployment_id")
	}
	final := h.waitTerminal(t, deploymentID)
	if final.Status != domain.StatusSucceeded {
		t.Errorf("deployment status = %q, want succeeded (%s)", final.Status, final.Error)
	}

	h.store.mu.Lock()
	recorded := len(h.store.webhooks)
	h.store.mu.Unlock()
	if recorded != 1 {
		t.Errorf("recorded %d webhook events, want 1", recorded)
	}
}

func TestWebhookLargePayloadAccepted(t *testing.T) {
	h := newRouterHarness(t)
	h.configure(t, true, "echo deploying")

	// Push payloads routinely exceed 1 MiB; the padding stands in for a
	// large commits list and must not disturb signature verification.
	padding := strings.Repeat("x", (1<<20)+4096)
	body := []byte(fmt.Sprintf(
		`{"ref":"refs/heads/main","repository":{"full_name":"acme/app"},"head_commit":{"id":"abc123"},"after":"abc123","padding":"%s"}`,
		padding))
	resp := h.postWebhook(t, body, signBody(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a correctly signed payload", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["status"] != "queued" {
		t.Fatalf("status = %v, want queued", payload["status"])
	}
	deploymentID, _ := payload["deployment_id"].(string)
	if deploymentID == "" {
		t.Fatal("response should carry a deployment_id")
	}
	if final := h.waitTerminal(t, deploymentID); final.Status != domain.StatusSucceeded {
		t.Errorf("deployment status = %q, want succeeded (%s)", final.Status, final.Error)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	h := newRouterHarness(t)
	h.configure(t, true, "echo deploying")

	body := pushBody("acme/app", "main", "abc123")
	tampered := bytes.Replace(body, []byte("abc123"), []byte("evil99"), -1)
	resp := h.postWebhook(t, tampered, signBody(body))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if len(h.store.order) != 0 {
		t.Error("no deployment may be created from a tampered payload")
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	h := newRouterHarness(t)
	body := []byte(`{"ref":"refs/heads/main"}`)
	resp := h.postWebhook(t, body, signBody(body))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebhookIgnoredWhenAutoDeployOff(t *testing.T) {
	h := newRouterHarness(t)
	h.configure(t, false, "echo deploying")

	body := pushBody("acme/app", "main", "abc123")
	resp := h.postWebhook(t, body, signBody(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["status"] != "ignored" {
		t.Errorf("status = %v, want ignored", payload["status"])
	}
	if len(h.store.order) != 0 {
		t.Error("no deployment may be created when auto-deploy is off")
	}
}

func TestWebhookIgnoredEventKind(t *testing.T) {
	h := newRouterHarness(t)
	body := []byte(`{"zen":"ship it","repository":{"full_name":"acme/app"}}`)
	req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature-256", signBody(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["status"] != "ignored" {
		t.Errorf("status = %v, want ignored", payload["status"])
	}
}

func TestConfigCRUDRequiresAuth(t *testing.T) {
	h := newRouterHarness(t)
	resp, err := http.Post(h.server.URL+"/configs", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func authedRequest(t *testing.T, method, url, token string, body string) *http.Request {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestConfigLifecycle(t *testing.T) {
	h := newRouterHarness(t)
	token := operatorToken(t, "*")

	create := authedRequest(t, http.MethodPost, h.server.URL+"/configs", token,
		`{"repo":"acme/app","branch":"main","auto_deploy":true,"command":"make deploy","env_vars":{"PORT":"8080"}}`)
	resp, err := http.DefaultClient.Do(create)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	get := authedRequest(t, http.MethodGet, h.server.URL+"/configs/acme/app/main", token, "")
	resp, err = http.DefaultClient.Do(get)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["command"] != "make deploy" {
		t.Errorf("command = %v, want make deploy", payload["command"])
	}

	del := authedRequest(t, http.MethodDelete, h.server.URL+"/configs/acme/app/main", token, "")
	resp, err = http.DefaultClient.Do(del)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.DefaultClient.Do(authedRequest(t, http.MethodGet, h.server.URL+"/configs/acme/app/main", token, ""))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestManualDeployAuthorization(t *testing.T) {
	h := newRouterHarness(t)
	h.configure(t, false, "echo manual run")

	// Token scoped to a different repository is refused.
	wrongToken := operatorToken(t, "other/repo")
	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodPost, h.server.URL+"/deploy", wrongToken,
		`{"repo":"acme/app","branch":"main","commit":"abc123"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	token := operatorToken(t, "acme/app")
	resp, err = http.DefaultClient.Do(authedRequest(t, http.MethodPost, h.server.URL+"/deploy", token,
		`{"repo":"acme/app","branch":"main","commit":"abc123"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatal("response should carry the deployment id")
	}
	if final := h.waitTerminal(t, id); final.Status != domain.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", final.Status)
	}
}

func TestDeploymentQueryAndLogsRedaction(t *testing.T) {
	h := newRouterHarness(t)
	h.configure(t, true, "echo visible line")

	body := pushBody("acme/app", "main", "abc123")
	resp := h.postWebhook(t, body, signBody(body))
	payload := decodeBody(t, resp)
	id := payload["deployment_id"].(string)
	h.waitTerminal(t, id)

	token := operatorToken(t, "acme/app")
	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, h.server.URL+"/deployments/"+id, token, ""))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get deployment status = %d, want 200", resp.StatusCode)
	}
	record := decodeBody(t, resp)
	if record["status"] != domain.StatusSucceeded {
		t.Errorf("deployment status = %v, want succeeded", record["status"])
	}

	// Anonymous replay: log lines visible, env_keys stripped.
	resp, err = http.Get(h.server.URL + "/deployments/" + id + "/logs")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("anonymous replay status = %d, want 200", resp.StatusCode)
	}
	anon := decodeBody(t, resp)
	anonRaw, _ := json.Marshal(anon)
	if !bytes.Contains(anonRaw, []byte("visible line")) {
		t.Error("anonymous replay should include log lines")
	}
	if bytes.Contains(anonRaw, []byte("env_keys")) {
		t.Error("anonymous replay should not expose env_keys")
	}

	// Authorized replay sees the env keys.
	resp, err = http.DefaultClient.Do(authedRequest(t, http.MethodGet, h.server.URL+"/deployments/"+id+"/logs", token, ""))
	if err != nil {
		t.Fatal(err)
	}
	full := decodeBody(t, resp)
	fullRaw, _ := json.Marshal(full)
	if !bytes.Contains(fullRaw, []byte("env_keys")) {
		t.Error("authorized replay should expose env_keys")
	}
}

func TestDeploymentListPagination(t *testing.T) {
	h := newRouterHarness(t)
	h.configure(t, true, "echo run")
	token := operatorToken(t, "*")

	for i := 0; i < 3; i++ {
		body := pushBody("acme/app", "main", fmt.Sprintf("sha%d", i))
		resp := h.postWebhook(t, body, signBody(body))
		payload := decodeBody(t, resp)
		if id, ok := payload["deployment_id"].(string); ok {
			h.waitTerminal(t, id)
		}
	}

	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, h.server.URL+"/deployments?repo=acme/app", token, ""))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) == 0 {
		t.Fatal("expected at least one deployment in the listing")
	}
}

func TestWebsocketStreamDeliversEvents(t *testing.T) {
	h := newRouterHarness(t)
	h.configure(t, true, "echo streamed line")

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/logs?channels=all_logs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// Subscription registration races the webhook below; give the hub a beat.
	time.Sleep(50 * time.Millisecond)

	body := pushBody("acme/app", "main", "abc123")
	resp := h.postWebhook(t, body, signBody(body))
	payload := decodeBody(t, resp)
	id := payload["deployment_id"].(string)
	h.waitTerminal(t, id)

	sawLine := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !sawLine {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var event map[string]any
		if err := json.Unmarshal(message, &event); err != nil {
			t.Fatalf("invalid stream payload %q: %v", message, err)
		}
		if event["type"] == "log" && event["line"] == "streamed line" {
			sawLine = true
		}
	}
	if !sawLine {
		t.Error("websocket subscriber never saw the deploy log line")
	}
}

func TestWebsocketRejectsUnknownChannel(t *testing.T) {
	h := newRouterHarness(t)
	resp, err := http.Get(h.server.URL + "/ws/logs?channels=bogus")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	h := newRouterHarness(t)
	h.configure(t, true, "echo sse line")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/events/logs?channels=all_logs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}
	time.Sleep(50 * time.Millisecond)

	body := pushBody("acme/app", "main", "abc123")
	hookResp := h.postWebhook(t, body, signBody(body))
	decodeBody(t, hookResp)

	buf := make([]byte, 4096)
	var collected []byte
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		collected = append(collected, buf[:n]...)
		if bytes.Contains(collected, []byte("sse line")) {
			return
		}
		if err != nil {
			break
		}
	}
	t.Errorf("sse stream never delivered the deploy log line; got %q", collected)
}

func TestHealthz(t *testing.T) {
	h := newRouterHarness(t)
	resp, err := http.Get(h.server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["status"] != "ok" {
		t.Errorf("status = %v, want ok", payload["status"])
	}
}

func TestMetricsExposed(t *testing.T) {
	h := newRouterHarness(t)
	resp, err := http.Get(h.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
