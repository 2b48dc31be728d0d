// Package gateway is the HTTP surface of agentcore: a JSON API over the
// permission authority, model router, orchestrator, sandbox and scheduler,
// plus a websocket stream of owner notifications.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/orchestrator"
	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/router"
	"github.com/basket/agentcore/internal/sandbox"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/telemetry"
	"github.com/basket/agentcore/internal/toolhub"
)

const maxBodyBytes = 2 << 20

// Config wires the components. A nil component disables its routes with
// 503 Service Unavailable.
type Config struct {
	Store        *persistence.Store
	Auth         *permission.Authority
	Router       *router.Router
	Orchestrator *orchestrator.Orchestrator
	Sandbox      *sandbox.Sandbox
	Scheduler    *scheduler.Scheduler
	Tools        *toolhub.Hub
	Bus          *bus.Bus

	// AuthToken is the shared bearer token. Empty disables the check; the
	// serve command refuses non-loopback binds in that case.
	AuthToken string
	// AllowOrigins controls accepted Origin headers for browser clients.
	// Empty means same-origin only.
	AllowOrigins []string

	// RequestsPerMinute is the per-owner rate limit; 0 disables it.
	RequestsPerMinute int
	Burst             int

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
	Logger            *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *ownerLimiter
	started time.Time
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger, started: time.Now()}
	if s.logger == nil {
		s.logger = telemetry.Discard()
	}
	s.logger = s.logger.With("component", "gateway")
	if cfg.RequestsPerMinute > 0 {
		s.limiter = newOwnerLimiter(cfg.RequestsPerMinute, cfg.Burst)
	}
	return s
}

// Run evicts idle rate-limit buckets until ctx is done.
func (s *Server) Run(ctx context.Context) {
	if s.limiter != nil {
		s.limiter.runEviction(ctx, 5*time.Minute, 30*time.Minute)
	}
}

func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET /api/permissions", s.handleListPermissions)
	api.HandleFunc("POST /api/permissions", s.handleGrant)
	api.HandleFunc("DELETE /api/permissions/{id}", s.handleRevoke)
	api.HandleFunc("POST /api/permissions/check", s.handleCheck)
	api.HandleFunc("GET /api/permission-requests", s.handleListRequests)
	api.HandleFunc("POST /api/permission-requests", s.handleRequestPermission)
	api.HandleFunc("POST /api/permission-requests/{id}/approve", s.handleApproveRequest)
	api.HandleFunc("POST /api/permission-requests/{id}/deny", s.handleDenyRequest)

	api.HandleFunc("GET /api/models", s.handleModels)
	api.HandleFunc("POST /api/route", s.handleRoute)
	api.HandleFunc("GET /api/preferences", s.handlePreferences)
	api.HandleFunc("PUT /api/preferences/{task_type}", s.handleSetPreference)

	api.HandleFunc("GET /api/agents", s.handleListAgents)
	api.HandleFunc("POST /api/agents", s.handleSpawn)
	api.HandleFunc("POST /api/agents/process", s.handleProcessQueue)
	api.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	api.HandleFunc("POST /api/agents/{id}/pause", s.handlePause)
	api.HandleFunc("POST /api/agents/{id}/resume", s.handleResume)

	api.HandleFunc("GET /api/plugins", s.handleListPlugins)
	api.HandleFunc("POST /api/plugins", s.handleCreatePlugin)
	api.HandleFunc("GET /api/plugins/{id}", s.handleGetPlugin)
	api.HandleFunc("DELETE /api/plugins/{id}", s.handleDeletePlugin)
	api.HandleFunc("PUT /api/plugins/{id}/enabled", s.handleSetPluginEnabled)
	api.HandleFunc("POST /api/plugins/{id}/execute", s.handleExecutePlugin)
	api.HandleFunc("GET /api/plugins/{id}/executions", s.handlePluginExecutions)

	api.HandleFunc("GET /api/tasks", s.handleListTasks)
	api.HandleFunc("POST /api/tasks", s.handleRegisterTask)
	api.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	api.HandleFunc("PUT /api/tasks/{id}/enabled", s.handleSetTaskEnabled)
	api.HandleFunc("GET /api/tasks/{id}/executions", s.handleTaskExecutions)
	api.HandleFunc("POST /api/trigger", s.handleTrigger)

	api.HandleFunc("GET /api/tools", s.handleListTools)
	api.HandleFunc("POST /api/tools/{name}", s.handleCallTool)

	api.HandleFunc("GET /ws", s.handleWS)

	var protected http.Handler = api
	if s.limiter != nil {
		protected = s.limiter.wrap(protected)
	}
	protected = s.requireAuth(protected)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealthz)
	root.Handle("/api/", protected)
	root.Handle("/ws", protected)
	return corsMiddleware(s.cfg.AllowOrigins)(limitBody(maxBodyBytes)(root))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if _, err := s.cfg.Store.SchemaVersion(r.Context()); err != nil {
			dbOK = false
		}
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	})
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSONError(w, http.StatusServiceUnavailable, "unavailable", what+" is not configured")
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// --- permissions ---

type grantBody struct {
	Resource  string           `json:"resource"`
	Actions   []string         `json:"actions"`
	Scope     permission.Scope `json:"scope"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == nil {
		unavailable(w, "permission authority")
		return
	}
	var body grantBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.cfg.Auth.Grant(r.Context(), ownerFrom(r.Context()), body.Resource, body.Actions, body.Scope, body.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == nil {
		unavailable(w, "permission authority")
		return
	}
	all := r.URL.Query().Get("all") == "true"
	perms, err := s.cfg.Auth.List(r.Context(), ownerFrom(r.Context()), all)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == nil {
		unavailable(w, "permission authority")
		return
	}
	if err := s.cfg.Auth.Revoke(r.Context(), ownerFrom(r.Context()), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkBody struct {
	Resource string            `json:"resource"`
	Action   string            `json:"action"`
	Target   permission.Target `json:"target"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == nil {
		unavailable(w, "permission authority")
		return
	}
	var body checkBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	d := s.cfg.Auth.Decide(r.Context(), ownerFrom(r.Context()), body.Resource, body.Action, body.Target)
	writeJSON(w, http.StatusOK, d)
}

type requestBody struct {
	Resource string           `json:"resource"`
	Actions  []string         `json:"actions"`
	Scope    permission.Scope `json:"scope"`
	Reason   string           `json:"reason"`
}

func (s *Server) handleRequestPermission(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == nil {
		unavailable(w, "permission authority")
		return
	}
	var body requestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	req, err := s.cfg.Auth.RequestPermission(r.Context(), ownerFrom(r.Context()), body.Resource, body.Actions, body.Scope, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == nil {
		unavailable(w, "permission authority")
		return
	}
	reqs, err := s.cfg.Auth.PendingRequests(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

// ownedRequest resolves a request id for the caller; other owners' ids are
// reported as not found.
func (s *Server) ownedRequest(r *http.Request) error {
	req, err := s.cfg.Store.GetPermissionRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	if req == nil || req.Owner != ownerFrom(r.Context()) {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *Server) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == nil || s.cfg.Store == nil {
		unavailable(w, "permission authority")
		return
	}
	if err := s.ownedRequest(r); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	p, err := s.cfg.Auth.ApproveRequest(r.Context(), r.PathValue("id"), body.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDenyRequest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == nil || s.cfg.Store == nil {
		unavailable(w, "permission authority")
		return
	}
	if err := s.ownedRequest(r); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Note string `json:"note"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	req, err := s.cfg.Auth.DenyRequest(r.Context(), r.PathValue("id"), body.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- model router ---

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		unavailable(w, "model router")
		return
	}
	models, err := s.cfg.Router.Catalog().Models(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

type routeBody struct {
	SessionID       string   `json:"session_id"`
	TaskType        string   `json:"task_type"`
	Prompt          string   `json:"prompt"`
	Context         []string `json:"context"`
	Model           string   `json:"model"`
	SystemPrompt    bool     `json:"system_prompt"`
	Platform        string   `json:"platform"`
	IncludeTools    bool     `json:"include_tools"`
	IncludeMemories bool     `json:"include_memories"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		unavailable(w, "model router")
		return
	}
	var body routeBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeError(w, badRequest("prompt is required"))
		return
	}
	resp, err := s.cfg.Router.Route(r.Context(), router.Request{
		Owner:           ownerFrom(r.Context()),
		SessionID:       body.SessionID,
		TaskType:        router.TaskType(body.TaskType),
		Prompt:          body.Prompt,
		Context:         body.Context,
		ModelOverride:   body.Model,
		SystemPrompt:    body.SystemPrompt,
		Platform:        body.Platform,
		IncludeTools:    body.IncludeTools,
		IncludeMemories: body.IncludeMemories,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		unavailable(w, "model router")
		return
	}
	prefs, err := s.cfg.Router.Preferences(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		unavailable(w, "model router")
		return
	}
	var body struct {
		ModelID string `json:"model_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	taskType := router.TaskType(r.PathValue("task_type"))
	if err := s.cfg.Router.SetPreference(r.Context(), ownerFrom(r.Context()), taskType, body.ModelID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- agents ---

type spawnBody struct {
	Task      string         `json:"task"`
	Focus     string         `json:"focus"`
	MissionID string         `json:"mission_id"`
	TaskType  string         `json:"task_type"`
	ParentID  string         `json:"parent_id"`
	Fields    map[string]any `json:"fields"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Orchestrator == nil {
		unavailable(w, "orchestrator")
		return
	}
	var body spawnBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Task) == "" {
		writeError(w, badRequest("task is required"))
		return
	}
	a, err := s.cfg.Orchestrator.Spawn(r.Context(), ownerFrom(r.Context()), body.Task, orchestrator.SpawnConfig{
		Focus:     body.Focus,
		MissionID: body.MissionID,
		TaskType:  router.TaskType(body.TaskType),
		ParentID:  body.ParentID,
		Fields:    body.Fields,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Orchestrator == nil {
		unavailable(w, "orchestrator")
		return
	}
	var statuses []orchestrator.Status
	if v := r.URL.Query().Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			statuses = append(statuses, orchestrator.Status(strings.TrimSpace(st)))
		}
	}
	agents, err := s.cfg.Orchestrator.List(r.Context(), ownerFrom(r.Context()), statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Orchestrator == nil {
		unavailable(w, "orchestrator")
		return
	}
	a, err := s.cfg.Orchestrator.Get(r.Context(), ownerFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.agentTransition(w, r, (*orchestrator.Orchestrator).Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.agentTransition(w, r, (*orchestrator.Orchestrator).Resume)
}

func (s *Server) agentTransition(w http.ResponseWriter, r *http.Request,
	fn func(*orchestrator.Orchestrator, context.Context, string, string) error) {
	if s.cfg.Orchestrator == nil {
		unavailable(w, "orchestrator")
		return
	}
	owner, id := ownerFrom(r.Context()), r.PathValue("id")
	if err := fn(s.cfg.Orchestrator, r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.cfg.Orchestrator.Get(r.Context(), owner, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Orchestrator == nil {
		unavailable(w, "orchestrator")
		return
	}
	report, err := s.cfg.Orchestrator.ProcessQueue(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- plugins ---

func (s *Server) handleCreatePlugin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sandbox == nil {
		unavailable(w, "sandbox")
		return
	}
	var in sandbox.PluginInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.cfg.Sandbox.CreatePlugin(r.Context(), ownerFrom(r.Context()), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sandbox == nil {
		unavailable(w, "sandbox")
		return
	}
	plugins, err := s.cfg.Sandbox.ListPlugins(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": plugins})
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sandbox == nil {
		unavailable(w, "sandbox")
		return
	}
	p, err := s.cfg.Sandbox.GetPlugin(r.Context(), ownerFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePlugin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sandbox == nil {
		unavailable(w, "sandbox")
		return
	}
	if err := s.cfg.Sandbox.DeletePlugin(r.Context(), ownerFrom(r.Context()), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enabledBody struct {
	Enabled *bool `json:"enabled"`
}

func (b enabledBody) value() (bool, error) {
	if b.Enabled == nil {
		return false, badRequest("enabled is required")
	}
	return *b.Enabled, nil
}

func (s *Server) handleSetPluginEnabled(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sandbox == nil {
		unavailable(w, "sandbox")
		return
	}
	var body enabledBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	enabled, err := body.value()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Sandbox.SetEnabled(r.Context(), ownerFrom(r.Context()), r.PathValue("id"), enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeBody struct {
	Input     json.RawMessage `json:"input"`
	Context   map[string]any  `json:"context"`
	TimeoutMS int             `json:"timeout_ms"`
	Notify    bool            `json:"notify"`
}

func (s *Server) handleExecutePlugin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sandbox == nil {
		unavailable(w, "sandbox")
		return
	}
	var body executeBody
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	var input any
	if len(body.Input) > 0 {
		if err := json.Unmarshal(body.Input, &input); err != nil {
			writeError(w, badRequest("input: "+err.Error()))
			return
		}
	}
	exec, err := s.cfg.Sandbox.ExecutePlugin(r.Context(), ownerFrom(r.Context()), r.PathValue("id"), sandbox.ExecuteOptions{
		Input:   input,
		Context: body.Context,
		Timeout: time.Duration(body.TimeoutMS) * time.Millisecond,
		Notify:  body.Notify,
	})
	// A started run is reported as its execution record, failed or not.
	if exec != nil {
		writeJSON(w, http.StatusOK, exec)
		return
	}
	writeError(w, err)
}

func (s *Server) handlePluginExecutions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sandbox == nil {
		unavailable(w, "sandbox")
		return
	}
	execs, err := s.cfg.Sandbox.Executions(r.Context(), ownerFrom(r.Context()), r.PathValue("id"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// --- scheduled tasks ---

func (s *Server) handleRegisterTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	var spec scheduler.TaskSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.cfg.Scheduler.RegisterTask(r.Context(), ownerFrom(r.Context()), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	tasks, err := s.cfg.Scheduler.ListTasks(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	if err := s.cfg.Scheduler.DeleteTask(r.Context(), ownerFrom(r.Context()), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetTaskEnabled(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	var body enabledBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	enabled, err := body.value()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Scheduler.SetEnabled(r.Context(), ownerFrom(r.Context()), r.PathValue("id"), enabled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskExecutions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	execs, err := s.cfg.Scheduler.Executions(r.Context(), ownerFrom(r.Context()), r.PathValue("id"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

type triggerBody struct {
	Action  scheduler.ActionType `json:"action"`
	Payload json.RawMessage      `json:"payload"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	var body triggerBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	exec, err := s.cfg.Scheduler.Trigger(r.Context(), body.Action, ownerFrom(r.Context()), body.Payload)
	if exec != nil {
		writeJSON(w, http.StatusOK, exec)
		return
	}
	writeError(w, err)
}

// --- tools ---

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tools == nil {
		unavailable(w, "tool gateway")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.cfg.Tools.ToolDefinitions(ownerFrom(r.Context()))})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tools == nil {
		unavailable(w, "tool gateway")
		return
	}
	var args json.RawMessage
	if r.ContentLength != 0 {
		if err := decodeBody(r, &args); err != nil {
			writeError(w, err)
			return
		}
	}
	out, err := s.cfg.Tools.ExecuteTool(r.Context(), r.PathValue("name"), args, toolhub.CallContext{
		Owner:     ownerFrom(r.Context()),
		SessionID: r.URL.Query().Get("session_id"),
		HostShell: true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": out})
}
