// Package toolhub maps tool names to capability-checked handlers. Agents
// call tools through Hub.ExecuteTool; names prefixed "mcp:" are forwarded
// to connected MCP servers.
package toolhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/capability"
	"github.com/basket/agentcore/internal/mcp"
	"github.com/basket/agentcore/internal/notify"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/prompt"
	"github.com/basket/agentcore/internal/telemetry"
)

const (
	mcpPrefix      = "mcp:"
	maxResultChars = 16000
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrNoOwner     = errors.New("tool call has no owner")
)

// CallContext identifies who a tool runs for.
type CallContext struct {
	Owner     string
	SessionID string
	AgentID   string

	// HostShell lets shell.exec honour "sandboxed": false. Only calls the
	// owner authored directly set it; agent calls are always sandboxed.
	HostShell bool
}

type Handler func(ctx context.Context, cc CallContext, args json.RawMessage) (string, error)

type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// ArgsError reports arguments that fail the tool's input schema.
type ArgsError struct {
	Tool string
	Err  error
}

func (e *ArgsError) Error() string { return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err) }
func (e *ArgsError) Unwrap() error { return e.Err }

// MCP is the slice of mcp.Manager the hub forwards to.
type MCP interface {
	Tools() []mcp.ServerTool
	CallTool(ctx context.Context, server, tool string, args json.RawMessage) (string, error)
}

type Config struct {
	Auth     capability.Authorizer
	Shell    capability.ShellRunner // optional
	Notifier notify.Notifier        // optional
	MCP      MCP                    // optional
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

type registered struct {
	Tool
	schema *jsonschema.Schema
}

type Hub struct {
	auth     capability.Authorizer
	shell    capability.ShellRunner
	notifier notify.Notifier
	mcp      MCP
	logger   *slog.Logger
	tracer   trace.Tracer

	mu    sync.RWMutex
	tools map[string]*registered
}

// New builds a hub with the builtin tools registered.
func New(cfg Config) *Hub {
	h := &Hub{
		auth:     cfg.Auth,
		shell:    cfg.Shell,
		notifier: cfg.Notifier,
		mcp:      cfg.MCP,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		tools:    make(map[string]*registered),
	}
	if h.logger == nil {
		h.logger = telemetry.Discard()
	}
	h.logger = h.logger.With("component", "toolhub")
	for _, t := range h.builtins() {
		if err := h.Register(t); err != nil {
			panic(fmt.Sprintf("toolhub: builtin %s: %v", t.Name, err))
		}
	}
	return h
}

// Register adds a tool. Names must be unique and must not use the mcp: prefix.
func (h *Hub) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return errors.New("tool needs a name and a handler")
	}
	if strings.HasPrefix(t.Name, mcpPrefix) {
		return fmt.Errorf("tool name %q uses the reserved %q prefix", t.Name, mcpPrefix)
	}
	r := &registered{Tool: t}
	if t.InputSchema != nil {
		s, err := compileSchema(t.Name, t.InputSchema)
		if err != nil {
			return err
		}
		r.schema = s
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.tools[t.Name]; dup {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	h.tools[t.Name] = r
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// ExecuteTool runs name with args for cc.Owner and returns its textual result.
func (h *Hub) ExecuteTool(ctx context.Context, name string, args json.RawMessage, cc CallContext) (out string, err error) {
	if cc.Owner == "" {
		return "", ErrNoOwner
	}
	if len(strings.TrimSpace(string(args))) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	ctx, span := otel.StartSpan(ctx, h.tracer, "toolhub.execute",
		otel.AttrToolName.String(name), otel.AttrOwner.String(cc.Owner), otel.AttrAgentID.String(cc.AgentID))
	defer span.End()
	start := time.Now()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			h.logger.Warn("tool call failed", "tool", name, "owner", cc.Owner, "agent_id", cc.AgentID, "error", err)
			return
		}
		h.logger.Debug("tool call finished", "tool", name, "owner", cc.Owner, "agent_id", cc.AgentID,
			"duration_ms", time.Since(start).Milliseconds())
	}()

	if strings.HasPrefix(name, mcpPrefix) {
		out, err = h.callMCP(ctx, name, args, cc)
		return truncate(out), err
	}

	h.mu.RLock()
	t, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if t.schema != nil {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
		if err != nil {
			return "", &ArgsError{Tool: name, Err: err}
		}
		if err := t.schema.Validate(doc); err != nil {
			return "", &ArgsError{Tool: name, Err: err}
		}
	}
	out, err = t.Handler(ctx, cc, args)
	return truncate(out), err
}

// callMCP forwards "mcp:<server>.<tool>" after a web/execute check scoped
// to the full tool name.
func (h *Hub) callMCP(ctx context.Context, name string, args json.RawMessage, cc CallContext) (string, error) {
	if h.mcp == nil {
		return "", fmt.Errorf("%w: %s (no MCP servers configured)", ErrUnknownTool, name)
	}
	server, tool, ok := strings.Cut(strings.TrimPrefix(name, mcpPrefix), ".")
	if !ok || server == "" || tool == "" {
		return "", fmt.Errorf("%w: %s (want mcp:<server>.<tool>)", ErrUnknownTool, name)
	}
	if err := h.auth.Require(ctx, cc.Owner, "web", "execute", permission.Target{Command: name}); err != nil {
		return "", err
	}
	out, err := h.mcp.CallTool(ctx, server, tool, args)
	decision := audit.DecisionAllow
	if err != nil {
		decision = "error"
	}
	audit.Record(ctx, cc.Owner, "tool.mcp", decision, name, cc.AgentID)
	return out, err
}

// ToolDefinitions lists builtin and MCP tools for prompt building.
func (h *Hub) ToolDefinitions(_ string) []prompt.ToolDefinition {
	h.mu.RLock()
	defs := make([]prompt.ToolDefinition, 0, len(h.tools))
	for _, t := range h.tools {
		defs = append(defs, prompt.ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	h.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	if h.mcp != nil {
		for _, st := range h.mcp.Tools() {
			schema := map[string]any{"type": "object"}
			if len(st.InputSchema) > 0 {
				if err := json.Unmarshal(st.InputSchema, &schema); err != nil {
					h.logger.Warn("bad mcp input schema", "server", st.Server, "tool", st.Name, "error", err)
				}
			}
			defs = append(defs, prompt.ToolDefinition{
				Name:        mcpPrefix + st.Server + "." + st.Name,
				Description: st.Description,
				InputSchema: schema,
			})
		}
	}
	return defs
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxResultChars {
		return s
	}
	return string(r[:maxResultChars]) + fmt.Sprintf("\n...(truncated, %d more characters)", len(r)-maxResultChars)
}
