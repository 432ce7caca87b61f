// Package httpx wires the HTTP surface of deployd: webhook ingress, the
// deploy config and deployment APIs, and the live log stream endpoints.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sferro/deployd/internal/domain"
	"github.com/sferro/deployd/internal/repository"
	"github.com/sferro/deployd/internal/service/auth"
	"github.com/sferro/deployd/internal/service/configs"
	"github.com/sferro/deployd/internal/service/engine"
	"github.com/sferro/deployd/internal/service/logs"
	"github.com/sferro/deployd/internal/service/webhook"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	configs  *configs.Registry
	engine   *engine.Engine
	logs     *logs.Service
	webhook  webhook.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	logSubscribers     prometheus.Gauge
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWebhook   = 120
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second

	// GitHub delivers webhook payloads up to 25 MB.
	maxWebhookBodyBytes = 25 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	authSvc auth.Service,
	configSvc *configs.Registry,
	engineSvc *engine.Engine,
	logSvc *logs.Service,
	webhookSvc webhook.Service,
	limiter RateLimiter,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		auth:    authSvc,
		configs: configSvc,
		engine:  engineSvc,
		logs:    logSvc,
		webhook: webhookSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/webhook/github", r.audit(r.withRateLimit("webhook", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleWebhook)))
	r.mux.HandleFunc("/webhook/github/", r.audit(r.withRateLimit("webhook", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleWebhook)))
	r.mux.HandleFunc("/configs", r.audit(r.handlerAuthRate("configs", rateLimitWrite, rateWindowDefault, r.handleConfigs)))
	r.mux.HandleFunc("/configs/", r.audit(r.handlerAuthRate("configs", rateLimitWrite, rateWindowDefault, r.handleConfigSubroutes)))
	r.mux.HandleFunc("/deploy", r.audit(r.handlerAuthRate("deploy", rateLimitWrite, rateWindowDefault, r.handleDeploy)))
	r.mux.HandleFunc("/deployments", r.audit(r.handlerAuthRate("deployments", rateLimitRead, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit(r.handleDeploymentSubroutes))
	r.mux.HandleFunc("/ws/logs", r.audit(r.withRateLimit("ws_logs", rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleLogsWS)))
	r.mux.HandleFunc("/events/logs", r.audit(r.withRateLimit("sse_logs", rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleLogsSSE)))
}

// handleWebhook is the GitHub ingress. The bare endpoint verifies with the
// shared secret; a repository-scoped path verifies with that repository's
// stored secret. Verification always runs on the raw body before any
// payload parsing.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var scopedRepo string
	if trimmed := strings.TrimPrefix(req.URL.Path, "/webhook/github"); trimmed != "" {
		parts := strings.Split(strings.Trim(trimmed, "/"), "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			r.notFound(w)
			return
		}
		scopedRepo = parts[0] + "/" + parts[1]
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	secret, err := r.webhook.SecretFor(req.Context(), scopedRepo)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		r.logger.Error("webhook secret lookup failed", "repo", scopedRepo, "error", err)
		writeError(w, http.StatusInternalServerError, "webhook verification unavailable")
		return
	}

	signature := req.Header.Get("X-Hub-Signature-256")
	eventKind := req.Header.Get("X-GitHub-Event")
	trigger, err := r.webhook.Verify(body, signature, eventKind, secret)
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	case errors.Is(err, webhook.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if scopedRepo != "" && trigger.RepoFullName != "" && trigger.RepoFullName != scopedRepo {
		writeError(w, http.StatusBadRequest, "payload repository does not match endpoint")
		return
	}

	event := &domain.WebhookEvent{
		ID:            uuid.NewString(),
		EventKind:     trigger.EventKind,
		RepoFullName:  trigger.RepoFullName,
		PayloadDigest: trigger.PayloadDigest,
		ReceivedAt:    time.Now().UTC(),
	}

	if trigger.Ignored {
		event.Outcome = "ignored"
		r.webhook.RecordEvent(req.Context(), event)
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ignored",
			"reason":   trigger.Reason,
			"event_id": event.ID,
		})
		return
	}

	deployment, err := r.engine.Trigger(req.Context(), trigger, "webhook")
	switch {
	case errors.Is(err, configs.ErrNotConfigured), errors.Is(err, engine.ErrAutoDeployDisabled):
		event.Outcome = "ignored"
		r.webhook.RecordEvent(req.Context(), event)
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ignored",
			"reason":   "not configured for auto-deploy",
			"event_id": event.ID,
		})
		return
	case err != nil:
		event.Outcome = "error"
		r.webhook.RecordEvent(req.Context(), event)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	event.Outcome = "queued"
	event.DeploymentID = deployment.ID
	r.webhook.RecordEvent(req.Context(), event)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "queued",
		"event_id":      event.ID,
		"deployment_id": deployment.ID,
	})
}

func (r *Router) handleConfigs(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Repo       string            `json:"repo"`
			Branch     string            `json:"branch"`
			AutoDeploy bool              `json:"auto_deploy"`
			Command    string            `json:"command"`
			EnvVars    map[string]string `json:"env_vars"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		cfg := &domain.DeployConfig{
			RepoFullName: payload.Repo,
			Branch:       payload.Branch,
			AutoDeploy:   payload.AutoDeploy,
			Command:      payload.Command,
			EnvVars:      payload.EnvVars,
		}
		if err := r.configs.Upsert(req.Context(), cfg); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, configPayload(cfg))
	case http.MethodGet:
		list, err := r.configs.List(req.Context(), req.URL.Query().Get("repo"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]map[string]any, 0, len(list))
		for i := range list {
			out = append(out, configPayload(&list[i]))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		r.methodNotAllowed(w)
	}
}

// handleConfigSubroutes serves /configs/{owner}/{name}/{branch} and
// /configs/{owner}/{name}/webhook-secret.
func (r *Router) handleConfigSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/configs/"), "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		r.notFound(w)
		return
	}
	repo := parts[0] + "/" + parts[1]

	if parts[2] == "webhook-secret" {
		r.handleWebhookSecret(w, req, repo)
		return
	}
	branch := parts[2]
	switch req.Method {
	case http.MethodGet:
		cfg, err := r.configs.Get(req.Context(), repo, branch)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				r.notFound(w)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, configPayload(cfg))
	case http.MethodDelete:
		if err := r.configs.Delete(req.Context(), repo, branch); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				r.notFound(w)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request, repo string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.webhook.UpsertSecret(req.Context(), repo, payload.Secret); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

// handleDeploy triggers a deployment manually.
func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for deploy route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload struct {
		Repo   string `json:"repo"`
		Branch string `json:"branch"`
		Commit string `json:"commit"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Repo == "" || payload.Branch == "" {
		writeError(w, http.StatusBadRequest, "repo and branch are required")
		return
	}
	if !info.Claims.AllowsRepo(payload.Repo) {
		writeError(w, http.StatusForbidden, "not authorized for repository")
		return
	}
	commit := payload.Commit
	if commit == "" {
		commit = payload.Branch
	}
	trigger := &domain.Trigger{
		RepoFullName: payload.Repo,
		Branch:       payload.Branch,
		CommitSHA:    commit,
		EventKind:    "manual",
		Origin:       domain.TriggerOriginManual,
	}
	deployment, err := r.engine.Trigger(req.Context(), trigger, info.Subject)
	if err != nil {
		if errors.Is(err, configs.ErrNotConfigured) {
			writeError(w, http.StatusNotFound, "repository/branch not configured")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, deploymentPayload(deployment))
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	list, err := r.engine.List(req.Context(), req.URL.Query().Get("repo"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(list))
	for i := range list {
		out = append(out, deploymentPayload(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeploymentSubroutes serves /deployments/{id}, {id}/cancel and
// {id}/logs. The logs replay allows anonymous readers with redacted
// status metadata; everything else requires auth.
func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		r.notFound(w)
		return
	}
	id := parts[0]

	if len(parts) == 2 && parts[1] == "logs" {
		r.handleDeploymentLogs(w, req, id)
		return
	}

	r.handlerAuthRate("deployments", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
		switch {
		case len(parts) == 1 && req.Method == http.MethodGet:
			deployment, err := r.engine.Get(req.Context(), id)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					r.notFound(w)
					return
				}
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, deploymentPayload(deployment))
		case len(parts) == 2 && parts[1] == "cancel" && req.Method == http.MethodPost:
			if err := r.engine.Cancel(req.Context(), id); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					r.notFound(w)
					return
				}
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		default:
			r.notFound(w)
		}
	})(w, req)
}

// handleDeploymentLogs replays the stored event stream. A valid token
// authorized for the deployment's repository gets full detail; anyone else
// gets the redacted stream.
func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployment, err := r.engine.Get(req.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	redacted := true
	if claims, ok := r.optionalClaims(req); ok && claims.AllowsRepo(deployment.RepoFullName) {
		redacted = false
	}

	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	events, err := r.logs.Replay(req.Context(), id, limit, offset, redacted)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": id,
		"events":        events,
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func configPayload(cfg *domain.DeployConfig) map[string]any {
	return map[string]any{
		"repo":        cfg.RepoFullName,
		"branch":      cfg.Branch,
		"auto_deploy": cfg.AutoDeploy,
		"command":     cfg.Command,
		"env_vars":    cfg.EnvVars,
		"created_at":  cfg.CreatedAt,
		"updated_at":  cfg.UpdatedAt,
	}
}

func deploymentPayload(d *domain.Deployment) map[string]any {
	payload := map[string]any{
		"id":         d.ID,
		"repo":       d.RepoFullName,
		"branch":     d.Branch,
		"commit_sha": d.CommitSHA,
		"status":     d.Status,
		"manual":     d.ManualTrigger,
		"created_at": d.CreatedAt,
	}
	if d.TriggeredBy != "" {
		payload["triggered_by"] = d.TriggeredBy
	}
	if d.Error != "" {
		payload["error"] = d.Error
	}
	if d.ExitCode != nil {
		payload["exit_code"] = *d.ExitCode
	}
	if d.StartedAt != nil {
		payload["started_at"] = d.StartedAt
	}
	if d.FinishedAt != nil {
		payload["finished_at"] = d.FinishedAt
	}
	return payload
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "operator"
			fields = append(fields, "subject", info.Subject)
		} else if strings.HasPrefix(req.URL.Path, "/webhook/") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses paths with embedded identifiers so metric
// cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/webhook/"):
		return "/webhook/github"
	case strings.HasPrefix(path, "/configs"):
		return "/configs"
	case strings.HasPrefix(path, "/deployments"):
		return "/deployments"
	default:
		return path
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
