// Package sandbox stores owner-authored automation plugins and runs them in
// an isolated interpreter (JavaScript via goja) or a WASM runtime (wazero),
// with permission-checked capabilities and a hard time box.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/capability"
	"github.com/basket/agentcore/internal/notify"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/telemetry"
)

const (
	DefaultTimeout = 10 * time.Second
	MinTimeout     = 200 * time.Millisecond
	MaxTimeout     = 60 * time.Second

	trialTimeout = 2 * time.Second
	maxLogLines  = 200
	maxLogLine   = 2000
)

type (
	Plugin    = persistence.Plugin
	Execution = persistence.PluginExecution
)

type Config struct {
	Store            *persistence.Store
	Auth             capability.Authorizer
	Shell            capability.ShellRunner // optional
	Notifier         notify.Notifier        // optional
	MemoryLimitPages uint32
	Logger           *slog.Logger
	Tracer           trace.Tracer
	Metrics          *otel.Metrics
}

type Sandbox struct {
	store    *persistence.Store
	auth     capability.Authorizer
	shell    capability.ShellRunner
	notifier notify.Notifier
	memPages uint32
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics
}

func New(cfg Config) *Sandbox {
	s := &Sandbox{
		store:    cfg.Store,
		auth:     cfg.Auth,
		shell:    cfg.Shell,
		notifier: cfg.Notifier,
		memPages: cfg.MemoryLimitPages,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
	}
	if s.logger == nil {
		s.logger = telemetry.Discard()
	}
	s.logger = s.logger.With("component", "sandbox")
	if s.memPages == 0 {
		s.memPages = DefaultMemoryLimitPages
	}
	return s
}

// ClampTimeout applies the default and the [MinTimeout, MaxTimeout] bounds.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

// CreatePlugin validates, trial-compiles and resolves the entrypoint before
// persisting. Nothing is stored when any step fails.
func (s *Sandbox) CreatePlugin(ctx context.Context, owner string, in PluginInput) (*Plugin, error) {
	if owner == "" {
		return nil, &ValidationError{Field: "owner", Reason: "required"}
	}
	if err := Validate(in); err != nil {
		return nil, err
	}
	name, runtime, entrypoint, config, enabled := normalize(in)
	p := &Plugin{
		Owner:       owner,
		Name:        name,
		Description: in.Description,
		Runtime:     runtime,
		Code:        in.Code,
		Entrypoint:  entrypoint,
		Config:      config,
		Enabled:     enabled,
	}
	if err := s.trial(ctx, p); err != nil {
		return nil, err
	}
	if err := s.store.CreatePlugin(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("plugin created", "owner", owner, "plugin_id", p.ID, "name", p.Name, "runtime", p.Runtime)
	audit.Record(ctx, owner, "plugin.create", audit.DecisionAllow, "validated", p.ID)
	return p, nil
}

// trial compiles the plugin and resolves its entrypoint without invoking it.
func (s *Sandbox) trial(ctx context.Context, p *Plugin) error {
	ctx, cancel := context.WithTimeout(ctx, trialTimeout)
	defer cancel()
	switch p.Runtime {
	case RuntimeWASM:
		bin, err := decodeWASM(p.Code)
		if err != nil {
			return &ValidationError{Field: "code", Reason: err.Error()}
		}
		rt := newWASMTrial(ctx, s.memPages)
		defer rt.Close(context.WithoutCancel(ctx))
		compiled, err := rt.CompileModule(ctx, bin)
		if err != nil {
			return &PluginFault{Reason: FaultCompile, Plugin: p.Name, Detail: err.Error()}
		}
		if _, ok := compiled.ExportedFunctions()[p.Entrypoint]; !ok {
			return &PluginFault{Reason: FaultEntrypoint, Plugin: p.Name, Detail: fmt.Sprintf("no exported function %q", p.Entrypoint)}
		}
		return nil
	default:
		js := newJSRuntime(newLogBuffer())
		stop := js.interruptOn(ctx)
		defer stop()
		_, err := js.load(p.Name, p.Code, p.Entrypoint)
		return err
	}
}

// GetPlugin returns an owner's plugin or ErrNotFound.
func (s *Sandbox) GetPlugin(ctx context.Context, owner, id string) (*Plugin, error) {
	p, err := s.store.GetPlugin(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("plugin %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (s *Sandbox) ListPlugins(ctx context.Context, owner string) ([]Plugin, error) {
	return s.store.ListPlugins(ctx, owner)
}

func (s *Sandbox) SetEnabled(ctx context.Context, owner, id string, enabled bool) error {
	return s.store.SetPluginEnabled(ctx, owner, id, enabled)
}

func (s *Sandbox) DeletePlugin(ctx context.Context, owner, id string) error {
	if err := s.store.DeletePlugin(ctx, owner, id); err != nil {
		return err
	}
	audit.Record(ctx, owner, "plugin.delete", audit.DecisionAllow, "deleted", id)
	return nil
}

func (s *Sandbox) Executions(ctx context.Context, owner, pluginID string, limit int) ([]Execution, error) {
	return s.store.ListPluginExecutions(ctx, owner, pluginID, limit)
}

type ExecuteOptions struct {
	Input   any
	Context map[string]any
	Timeout time.Duration
	// Notify pushes the outcome to the owner.
	Notify bool
}

// ExecutePlugin runs a plugin and records the attempt. A run that starts
// always yields an Execution row; its failure is also returned as a
// *PluginFault alongside the recorded Execution.
func (s *Sandbox) ExecutePlugin(ctx context.Context, owner, pluginID string, opts ExecuteOptions) (*Execution, error) {
	p, err := s.GetPlugin(ctx, owner, pluginID)
	if err != nil {
		return nil, err
	}
	if !p.Enabled {
		return nil, fmt.Errorf("plugin %s: %w", p.Name, ErrPluginDisabled)
	}
	timeout := ClampTimeout(opts.Timeout)

	ctx, span := otel.StartSpan(ctx, s.tracer, "sandbox.execute",
		otel.AttrOwner.String(owner), otel.AttrPluginID.String(p.ID))
	defer span.End()

	logs := newLogBuffer()
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	result, runErr := s.run(runCtx, p, opts, logs)
	cancel()
	duration := time.Since(start)

	exec := &Execution{
		PluginID:   p.ID,
		Owner:      owner,
		Success:    runErr == nil,
		DurationMS: duration.Milliseconds(),
		Result:     result,
		Logs:       logs.lines(),
	}
	if runErr != nil {
		exec.Result = nil
		exec.Error = runErr.Error()
		span.SetStatus(codes.Error, exec.Error)
	}
	if err := s.store.InsertPluginExecution(context.WithoutCancel(ctx), exec); err != nil {
		s.logger.Error("failed to record plugin execution", "plugin_id", p.ID, "error", err)
	}
	if s.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("runtime", p.Runtime))
		s.metrics.PluginDuration.Record(ctx, duration.Seconds(), attrs)
		if runErr != nil {
			s.metrics.PluginFailures.Add(ctx, 1, attrs)
		}
	}

	if runErr != nil {
		s.logger.Warn("plugin execution failed", "owner", owner, "plugin_id", p.ID, "duration_ms", exec.DurationMS, "error", runErr)
		if opts.Notify && s.notifier != nil {
			s.notifier.NotifyUser(ctx, owner, fmt.Sprintf("Plugin %q failed: %s", p.Name, runErr))
		}
		var fault *PluginFault
		if !errors.As(runErr, &fault) {
			runErr = &PluginFault{Reason: FaultRuntime, Plugin: p.Name, Detail: runErr.Error()}
		}
		return exec, runErr
	}
	s.logger.Info("plugin executed", "owner", owner, "plugin_id", p.ID, "duration_ms", exec.DurationMS)
	if opts.Notify && s.notifier != nil {
		s.notifier.NotifyUser(ctx, owner, fmt.Sprintf("Plugin %q finished in %dms.", p.Name, exec.DurationMS))
	}
	return exec, nil
}

func (s *Sandbox) run(ctx context.Context, p *Plugin, opts ExecuteOptions, logs *logBuffer) (json.RawMessage, error) {
	config := map[string]any{}
	if len(p.Config) > 0 {
		if err := json.Unmarshal(p.Config, &config); err != nil {
			return nil, fmt.Errorf("decode plugin config: %w", err)
		}
	}
	callCtx := opts.Context
	if callCtx == nil {
		callCtx = map[string]any{}
	}

	switch p.Runtime {
	case RuntimeWASM:
		bin, err := decodeWASM(p.Code)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(map[string]any{"input": opts.Input, "context": callCtx, "config": config})
		if err != nil {
			return nil, fmt.Errorf("encode plugin input: %w", err)
		}
		w := &wasmRun{pluginName: p.Name, input: payload, logs: logs}
		return w.execute(ctx, bin, p.Entrypoint, s.memPages)
	default:
		return s.runJS(ctx, p, opts.Input, callCtx, config, logs)
	}
}

func (s *Sandbox) runJS(ctx context.Context, p *Plugin, input any, callCtx, config map[string]any, logs *logBuffer) (json.RawMessage, error) {
	js := newJSRuntime(logs)
	stop := js.interruptOn(ctx)
	defer stop()

	fn, err := js.load(p.Name, p.Code, p.Entrypoint)
	if err != nil {
		return nil, err
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode plugin input: %w", err)
	}
	envJSON, err := json.Marshal(map[string]any{"context": callCtx, "config": config})
	if err != nil {
		return nil, fmt.Errorf("encode plugin context: %w", err)
	}
	inputVal, err := js.value(inputJSON)
	if err != nil {
		return nil, err
	}
	envVal, err := js.value(envJSON)
	if err != nil {
		return nil, err
	}
	env := envVal.ToObject(js.vm)
	caps := capability.Set{Owner: p.Owner, Auth: s.auth, Shell: s.shell}
	if err := env.Set("capabilities", js.capabilities(ctx, caps)); err != nil {
		return nil, err
	}

	out, err := js.call(p.Name, fn, inputVal, env)
	if err != nil {
		return nil, err
	}
	raw, _ := js.stringify(out)
	return raw, nil
}

// logBuffer captures bounded plugin log output.
type logBuffer struct {
	mu      sync.Mutex
	entries []string
	dropped int
}

func newLogBuffer() *logBuffer { return &logBuffer{} }

func (b *logBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= maxLogLines {
		b.dropped++
		return
	}
	if len(line) > maxLogLine {
		line = line[:maxLogLine] + "...(truncated)"
	}
	b.entries = append(b.entries, line)
}

func (b *logBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]string{}, b.entries...)
	if b.dropped > 0 {
		out = append(out, fmt.Sprintf("(%d log lines dropped)", b.dropped))
	}
	return out
}
