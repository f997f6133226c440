// Package httpx exposes the control-plane HTTP surface: webhook ingestion,
// build-machine callbacks, capability-token downloads and the deployment
// status API.
package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
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

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skiffhq/skiff/internal/coordinator"
	"github.com/skiffhq/skiff/internal/gitsource"
	"github.com/skiffhq/skiff/internal/ingest"
	"github.com/skiffhq/skiff/internal/repository"
	"github.com/skiffhq/skiff/internal/ws"
	"github.com/skiffhq/skiff/pkg/token"
)

// Coordinator is the slice of the admission registry the router drives.
type Coordinator interface {
	Cancel(ctx context.Context, tenantID, deploymentID string) error
	Fail(ctx context.Context, tenantID, deploymentID string) error
}

// BuildReporter routes build results into the deployment workflow.
type BuildReporter interface {
	Deliver(ctx context.Context, deploymentID string, manifestJSON []byte) error
	Cancel(deploymentID string)
}

// SourceFetcher streams repository archives for build machines.
type SourceFetcher interface {
	FetchTarball(ctx context.Context, installationID int64, owner, repo, ref string) (gitsource.Archive, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	coordinator Coordinator
	workflows   BuildReporter
	ingest      ingest.Service
	tokens      token.Service
	deployments repository.DeploymentRepository
	git         SourceFetcher
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	adminToken  string
	dbHealth    func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWebhook   = 60
	rateLimitCallback  = 60
	rateLimitDownload  = 30
	rateLimitRead      = 120
	rateLimitAdmin     = 60
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxCallbackBody    = 32 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	coord Coordinator,
	workflows BuildReporter,
	ingestSvc ingest.Service,
	tokens token.Service,
	deployments repository.DeploymentRepository,
	git SourceFetcher,
	hub *ws.Hub,
	limiter RateLimiter,
	adminToken string,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		coordinator: coord,
		workflows:   workflows,
		ingest:      ingestSvc,
		tokens:      tokens,
		deployments: deployments,
		git:         git,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    limiter,
		adminToken: strings.TrimSpace(adminToken),
		dbHealth:   dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
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
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/hooks/github/", r.audit("hooks", r.withRateLimit("hooks", rateLimitWebhook, rateWindowDefault, r.handleGitHubHook)))
	r.mux.HandleFunc("/deploy", r.audit("deploy", r.withRateLimit("deploy", rateLimitCallback, rateWindowDefault, r.handleDeployCallback)))
	r.mux.HandleFunc("/repository-download", r.audit("repository-download", r.withRateLimit("repository-download", rateLimitDownload, rateWindowDefault, r.handleRepositoryDownload)))
	r.mux.HandleFunc("/projects/", r.audit("projects", r.withRateLimit("projects", rateLimitRead, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/deployments/", r.audit("deployments", r.withRateLimit("deployments", rateLimitAdmin, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/ws/deployments", r.audit("ws", r.withRateLimit("ws", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentsWS)))
}

// handleGitHubHook accepts push events at /hooks/github/{projectID} and the
// admin secret rotation at /hooks/github/{projectID}/secret.
func (r *Router) handleGitHubHook(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/hooks/github/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 2 && parts[1] == "secret" {
		r.handleWebhookSecret(w, req, projectID)
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxCallbackBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Hub-Signature-256")
	if err := r.ingest.CheckSignature(req.Context(), projectID, body, signature); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeUnauthorized(w)
		return
	}

	created, err := r.ingest.HandlePush(req.Context(), projectID, body)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "queued",
		"deployments": created,
	})
}

func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyAdminToken(w, req) {
		return
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.Secret = strings.TrimSpace(payload.Secret)
	if payload.Secret == "" {
		writeError(w, http.StatusBadRequest, "secret is required")
		return
	}
	if err := r.ingest.UpsertSecret(req.Context(), projectID, payload.Secret); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

// handleDeployCallback is the build machine's completion report. The bearer
// token pins the callback to one deployment; the body is either the build
// manifest or a build error.
func (r *Router) handleDeployCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var props token.CompleteDeployment
	if err := r.tokens.Verify(token.TypeCompleteDeployment, bearerToken(req), &props); err != nil {
		writeUnauthorized(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxCallbackBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	var probe struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &probe)
	if strings.TrimSpace(probe.Error) != "" {
		r.logger.Warn("build reported failure",
			"deployment_id", props.DeploymentID,
			"error", probe.Error,
		)
		if err := r.coordinator.Fail(req.Context(), props.TenantID, props.DeploymentID); err != nil {
			r.deployStatusError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "failed"})
		return
	}

	if err := r.workflows.Deliver(req.Context(), props.DeploymentID, body); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

// handleRepositoryDownload streams the source tarball for the deployment a
// repository-download token was minted for.
func (r *Router) handleRepositoryDownload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	var props token.RepositoryDownload
	if err := r.tokens.Verify(token.TypeRepositoryDownload, bearerToken(req), &props); err != nil {
		writeUnauthorized(w)
		return
	}

	archive, err := r.git.FetchTarball(req.Context(), props.InstallationID, props.Owner, props.Repo, props.Ref)
	if err != nil {
		r.logger.Error("repository download failed",
			"owner", props.Owner,
			"repo", props.Repo,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "could not fetch repository")
		return
	}
	defer archive.Body.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+archive.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, archive.Body); err != nil {
		r.logger.Warn("repository download interrupted", "error", err)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "deployments" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	deployments, err := r.deployments.ListDeploymentsByProject(req.Context(), parts[0], limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "cancel" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyAdminToken(w, req) {
		return
	}
	deploymentID := parts[0]

	existing, err := r.deployments.GetDeploymentByID(req.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := r.coordinator.Cancel(req.Context(), existing.TenantID, deploymentID); err != nil {
		r.deployStatusError(w, err)
		return
	}
	r.workflows.Cancel(deploymentID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceled"})
}

func (r *Router) handleDeploymentsWS(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(projectID, client)
	go func() {
		defer func() {
			r.hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
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

// deployStatusError maps coordinator errors onto HTTP statuses.
func (r *Router) deployStatusError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnknownDeployment):
		r.notFound(w)
	case errors.Is(err, coordinator.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "deployment can no longer change to that status")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "client"
		switch {
		case strings.HasPrefix(req.URL.Path, "/hooks/"):
			actor = "git-provider"
		case req.URL.Path == "/deploy" || req.URL.Path == "/repository-download":
			actor = "builder"
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", actor,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

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

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
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

// verifyAdminToken guards operator endpoints with the configured shared
// secret.
func (r *Router) verifyAdminToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.adminToken
	if expected == "" {
		r.logger.Error("admin token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "admin authentication misconfigured")
		return false
	}
	provided := strings.TrimSpace(req.Header.Get("X-Admin-Token"))
	if len(provided) != len(expected) || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		r.logger.Warn("admin token mismatch", "path", req.URL.Path)
		writeUnauthorized(w)
		return false
	}
	return true
}

func bearerToken(req *http.Request) string {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
