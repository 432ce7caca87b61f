package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sferro/deployd/internal/repository"
	"github.com/sferro/deployd/internal/ws"
	"github.com/sferro/deployd/pkg/jwt"
)

const sseHeartbeatInterval = 15 * time.Second

var errNoChannels = errors.New("at least one channel is required")

// parseChannels reads the requested channel names from the query string.
// Accepted: a comma-separated "channels" parameter, repeated "channel"
// parameters, or a "deployment_id" shorthand.
func parseChannels(req *http.Request) ([]string, error) {
	query := req.URL.Query()
	var names []string
	for _, raw := range strings.Split(query.Get("channels"), ",") {
		if name := strings.TrimSpace(raw); name != "" {
			names = append(names, name)
		}
	}
	for _, raw := range query["channel"] {
		if name := strings.TrimSpace(raw); name != "" {
			names = append(names, name)
		}
	}
	if id := strings.TrimSpace(query.Get("deployment_id")); id != "" {
		names = append(names, ws.DeploymentChannel(id))
	}
	if len(names) == 0 {
		return nil, errNoChannels
	}
	for _, name := range names {
		if !validChannelName(name) {
			return nil, errors.New("unknown channel " + name)
		}
	}
	return names, nil
}

func validChannelName(name string) bool {
	if name == ws.ChannelAllLogs || name == ws.ChannelAll {
		return true
	}
	return strings.HasPrefix(name, "deployment:") && len(name) > len("deployment:")
}

// streamToken pulls the optional bearer credential from the query string or
// the Authorization header. Browsers cannot set headers on WebSocket or
// EventSource requests, hence the query parameter.
func streamToken(req *http.Request) (string, bool) {
	if token := strings.TrimSpace(req.URL.Query().Get("token")); token != "" {
		return token, true
	}
	if header := strings.TrimSpace(req.Header.Get("Authorization")); header != "" {
		token, err := bearerToken(header)
		if err != nil {
			return "", true
		}
		return token, true
	}
	return "", false
}

// streamClaims resolves the optional credential: absent tokens yield nil
// claims, present-but-invalid tokens yield an error.
func (r *Router) streamClaims(req *http.Request) (*jwt.Claims, error) {
	token, present := streamToken(req)
	if !present {
		return nil, nil
	}
	return r.auth.Authorize(token)
}

// optionalClaims is the lenient variant used by replay reads: an invalid
// token degrades to anonymous instead of failing the request.
func (r *Router) optionalClaims(req *http.Request) (*jwt.Claims, bool) {
	claims, err := r.streamClaims(req)
	if err != nil || claims == nil {
		return nil, false
	}
	return claims, true
}

// channelsAuthorized reports whether the claims grant full detail on every
// requested channel. Per-deployment channels require authorization for that
// deployment's repository; aggregate channels require the wildcard grant.
func (r *Router) channelsAuthorized(ctx context.Context, claims *jwt.Claims, channels []string) bool {
	if claims == nil {
		return false
	}
	for _, name := range channels {
		canonical := ws.Canonical(name)
		if canonical == ws.ChannelAllLogs {
			if !claims.AllowsRepo("*") {
				return false
			}
			continue
		}
		id := strings.TrimPrefix(canonical, "deployment:")
		deployment, err := r.engine.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				r.logger.Warn("deployment lookup for stream auth failed", "deployment_id", id, "error", err)
			}
			return false
		}
		if !claims.AllowsRepo(deployment.RepoFullName) {
			return false
		}
	}
	return true
}

// handleLogsWS upgrades the connection and binds it to the requested
// channels until the peer goes away. The hub never closes the socket; this
// handler owns it.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	channels, err := parseChannels(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	claims, err := r.streamClaims(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	authenticated := r.channelsAuthorized(req.Context(), claims, channels)

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	sub := r.logs.Hub().Subscribe(channels, client, authenticated)
	r.subscriberAttached()
	r.logger.Info("log subscriber attached",
		"transport", "websocket",
		"channels", strings.Join(sub.Channels(), ","),
		"authenticated", authenticated)

	go func() {
		defer func() {
			r.logs.Hub().Unsubscribe(sub)
			client.Close()
			r.subscriberDetached()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleLogsSSE serves the same stream over Server-Sent Events for clients
// that cannot hold a WebSocket.
func (r *Router) handleLogsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	channels, err := parseChannels(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	claims, err := r.streamClaims(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	authenticated := r.channelsAuthorized(req.Context(), claims, channels)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	sub := r.logs.Hub().Subscribe(channels, client, authenticated)
	r.subscriberAttached()
	defer func() {
		r.logs.Hub().Unsubscribe(sub)
		client.Close()
		r.subscriberDetached()
	}()
	r.logger.Info("log subscriber attached",
		"transport", "sse",
		"channels", strings.Join(sub.Channels(), ","),
		"authenticated", authenticated)

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
