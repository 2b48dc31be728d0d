// Package router selects a reasoning model per request and invokes it, with
// context-window reselection, cost estimates and one-step failover.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/prompt"
	"github.com/basket/agentcore/internal/safety"
	"github.com/basket/agentcore/internal/telemetry"
)

const (
	DefaultSession      = "default"
	DefaultHistoryTurns = 10
	defaultCallTimeout  = 30 * time.Second
)

// Provider call timeouts; unlisted providers get 30s.
var defaultProviderTimeouts = map[string]time.Duration{
	"anthropic":         120 * time.Second,
	"openrouter":        120 * time.Second,
	"openai":            90 * time.Second,
	"openai_compatible": 60 * time.Second,
	"google":            60 * time.Second,
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Completion is a backend's answer.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Backend invokes models of one provider.
type Backend interface {
	Generate(ctx context.Context, modelID string, msgs []Message) (Completion, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, modelID string, msgs []Message) (Completion, error)

func (f BackendFunc) Generate(ctx context.Context, modelID string, msgs []Message) (Completion, error) {
	return f(ctx, modelID, msgs)
}

type PreferenceStore interface {
	ModelPreferences(ctx context.Context, owner string) (map[string]string, error)
	SetModelPreference(ctx context.Context, owner, taskType, modelID string) error
}

type MessageLog interface {
	RecentMessages(ctx context.Context, owner, sessionID string, limit int) ([]persistence.Message, error)
	AppendMessages(ctx context.Context, msgs ...persistence.Message) error
}

type Request struct {
	Owner         string
	SessionID     string // defaults to DefaultSession
	TaskType      TaskType
	Prompt        string
	Context       []string
	ModelOverride string

	// SystemPrompt asks the Prompt Builder for a system message.
	SystemPrompt    bool
	Platform        string
	IncludeTools    bool
	IncludeMemories bool

	// HistoryTurns bounds prior session messages sent along; 0 means the
	// default and a negative value sends none.
	HistoryTurns int
}

type Response struct {
	Text         string    `json:"text"`
	Selection    Selection `json:"selection"`
	ModelID      string    `json:"model_id"`
	Provider     string    `json:"provider"`
	FallbackFrom string    `json:"fallback_from,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
}

type Config struct {
	Catalog          CatalogSource
	Preferences      PreferenceStore // optional
	Messages         MessageLog      // optional
	Prompts          prompt.Builder  // optional
	Backends         map[string]Backend
	DefaultModel     string
	HistoryTurns     int
	CatalogTTL       time.Duration
	ProviderTimeouts map[string]time.Duration
	Logger           *slog.Logger
	Tracer           trace.Tracer
	Metrics          *otel.Metrics
}

type Router struct {
	catalog      *Catalog
	prefs        PreferenceStore
	messages     MessageLog
	prompts      prompt.Builder
	backends     map[string]Backend
	defaultModel string
	historyTurns int
	timeouts     map[string]time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *otel.Metrics
}

func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	logger = logger.With("component", "router")
	r := &Router{
		catalog:      NewCatalog(cfg.Catalog, cfg.CatalogTTL, logger),
		prefs:        cfg.Preferences,
		messages:     cfg.Messages,
		prompts:      cfg.Prompts,
		backends:     cfg.Backends,
		defaultModel: cfg.DefaultModel,
		historyTurns: cfg.HistoryTurns,
		timeouts:     make(map[string]time.Duration, len(defaultProviderTimeouts)),
		logger:       logger,
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
	}
	if r.historyTurns <= 0 {
		r.historyTurns = DefaultHistoryTurns
	}
	for p, d := range defaultProviderTimeouts {
		r.timeouts[p] = d
	}
	for p, d := range cfg.ProviderTimeouts {
		if d > 0 {
			r.timeouts[p] = d
		}
	}
	return r
}

// Catalog exposes the router's catalog view for refresh and invalidation.
func (r *Router) Catalog() *Catalog { return r.catalog }

// available returns active catalog models whose provider has a backend.
func (r *Router) available(ctx context.Context) ([]Model, error) {
	all, err := r.catalog.Models(ctx)
	if err != nil {
		return nil, err
	}
	var out []Model
	for _, m := range all {
		if !m.Active {
			continue
		}
		if _, ok := r.backends[m.Provider]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// Route selects a model, invokes it and records the exchange.
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	sel, err := r.Select(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx, span := otel.StartSpan(ctx, r.tracer, "router.route",
		otel.AttrOwner.String(req.Owner),
		otel.AttrModel.String(sel.Model.ID),
		otel.AttrProvider.String(sel.Model.Provider),
		otel.AttrTokens.Int(sel.EstimatedTokens),
	)
	defer span.End()
	if r.metrics != nil {
		r.metrics.TokensEstimated.Add(ctx, int64(sel.EstimatedTokens))
	}

	session := req.SessionID
	if session == "" {
		session = DefaultSession
	}
	msgs := r.buildMessages(ctx, req, session)

	resp := &Response{Selection: sel, ModelID: sel.Model.ID, Provider: sel.Model.Provider}
	comp, err := r.invoke(ctx, sel.Model, msgs)
	if err != nil {
		class := ClassifyError(err)
		r.logger.Warn("model call failed", "owner", req.Owner, "model", sel.Model.ID, "class", class, "error", err)
		if class.UserFacing() || ctx.Err() != nil {
			span.SetStatus(codes.Error, string(class))
			return nil, &RouteError{Class: class, ModelID: sel.Model.ID, Err: err}
		}
		models, lerr := r.available(ctx)
		if lerr != nil {
			return nil, &RouteError{Class: class, ModelID: sel.Model.ID, Err: err}
		}
		fb, ok := r.fallbackFor(models, sel.Model, sel.EstimatedTokens)
		if !ok {
			span.SetStatus(codes.Error, string(class))
			return nil, &RouteError{Class: class, ModelID: sel.Model.ID, Err: err}
		}
		r.logger.Info("falling back to alternate model", "from", sel.Model.ID, "to", fb.ID, "class", class)
		if r.metrics != nil {
			r.metrics.RouteFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(class))))
		}
		comp, err = r.invoke(ctx, fb, msgs)
		if err != nil {
			fbClass := ClassifyError(err)
			r.logger.Warn("fallback model call failed", "owner", req.Owner, "model", fb.ID, "class", fbClass, "error", err)
			span.SetStatus(codes.Error, string(fbClass))
			return nil, &RouteError{Class: fbClass, ModelID: sel.Model.ID, Fallback: fb.ID, Err: err}
		}
		resp.FallbackFrom = sel.Model.ID
		resp.ModelID, resp.Provider = fb.ID, fb.Provider
	}

	resp.Text = comp.Text
	resp.InputTokens, resp.OutputTokens = comp.InputTokens, comp.OutputTokens
	resp.DurationMS = time.Since(start).Milliseconds()
	if r.metrics != nil {
		r.metrics.RouteDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("model", resp.ModelID)))
	}
	if findings := safety.ScanLeaks(comp.Text); len(findings) > 0 {
		r.logger.Warn("leak detector triggered on model output", "owner", req.Owner, "model", resp.ModelID, "findings_count", len(findings))
	}

	if r.messages != nil {
		now := time.Now().UTC()
		if err := r.messages.AppendMessages(ctx,
			persistence.Message{Owner: req.Owner, SessionID: session, Role: string(RoleUser), Content: req.Prompt, CreatedAt: now},
			persistence.Message{Owner: req.Owner, SessionID: session, Role: string(RoleAssistant), Content: comp.Text, ModelID: resp.ModelID, CreatedAt: now},
		); err != nil {
			r.logger.Warn("failed to append exchange to message log", "owner", req.Owner, "session_id", session, "error", err)
		}
	}
	return resp, nil
}

func (r *Router) invoke(ctx context.Context, m Model, msgs []Message) (Completion, error) {
	backend, ok := r.backends[m.Provider]
	if !ok {
		return Completion{}, fmt.Errorf("no backend for provider %q", m.Provider)
	}
	timeout, ok := r.timeouts[m.Provider]
	if !ok {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := otel.StartClientSpan(ctx, r.tracer, "router.generate",
		otel.AttrModel.String(m.ModelID), otel.AttrProvider.String(m.Provider))
	defer span.End()

	comp, err := backend.Generate(ctx, m.ModelID, msgs)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		return Completion{}, err
	}
	return comp, nil
}

// buildMessages assembles system prompt, history window, context turns and
// the prompt, in that order.
func (r *Router) buildMessages(ctx context.Context, req Request, session string) []Message {
	var msgs []Message
	if req.SystemPrompt && r.prompts != nil {
		p, err := r.prompts.BuildSystemPrompt(ctx, prompt.Options{
			Owner:           req.Owner,
			Platform:        req.Platform,
			SessionID:       session,
			IncludeTools:    req.IncludeTools,
			IncludeMemories: req.IncludeMemories,
		})
		if err != nil {
			r.logger.Warn("system prompt build failed; continuing without", "owner", req.Owner, "error", err)
		} else if strings.TrimSpace(p.SystemPrompt) != "" {
			msgs = append(msgs, Message{Role: RoleSystem, Content: p.SystemPrompt})
		}
	}

	turns := req.HistoryTurns
	if turns == 0 {
		turns = r.historyTurns
	}
	if turns > 0 && r.messages != nil {
		history, err := r.messages.RecentMessages(ctx, req.Owner, session, turns)
		if err != nil {
			r.logger.Warn("failed to load session history", "owner", req.Owner, "session_id", session, "error", err)
		}
		for _, h := range history {
			switch Role(h.Role) {
			case RoleUser, RoleAssistant:
				msgs = append(msgs, Message{Role: Role(h.Role), Content: h.Content})
			}
		}
	}

	for _, c := range req.Context {
		if strings.TrimSpace(c) != "" {
			msgs = append(msgs, Message{Role: RoleUser, Content: c})
		}
	}
	return append(msgs, Message{Role: RoleUser, Content: req.Prompt})
}

// SetPreference records owner's preferred model for a task type. The model
// must exist in the catalog.
func (r *Router) SetPreference(ctx context.Context, owner string, taskType TaskType, modelID string) error {
	if !taskType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTaskType, taskType)
	}
	if r.prefs == nil {
		return fmt.Errorf("model preferences are not configured")
	}
	all, err := r.catalog.Models(ctx)
	if err != nil {
		return err
	}
	m, ok := findModel(all, modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return r.prefs.SetModelPreference(ctx, owner, string(taskType), m.ID)
}

func (r *Router) Preferences(ctx context.Context, owner string) (map[string]string, error) {
	if r.prefs == nil {
		return map[string]string{}, nil
	}
	return r.prefs.ModelPreferences(ctx, owner)
}
