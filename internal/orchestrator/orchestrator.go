// Package orchestrator runs agent lifetimes: spawn, queue draining and the
// per-agent cognitive step loop.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/notify"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/router"
	"github.com/basket/agentcore/internal/telemetry"
	"github.com/basket/agentcore/internal/toolhub"
)

const (
	DefaultMaxAgents   = 100
	DefaultStepTimeout = 30 * time.Second
	QueueBatchSize     = 5
	HistoryWindow      = 5
	MaxHistory         = 20

	// DrainTaskName is the standing per-owner scheduled task that calls
	// ProcessQueue every minute.
	DrainTaskName = "drain-agent-queue"
	DrainCron     = "* * * * *"

	missingEnvelopeLimit = 2
)

var (
	ErrCapacity          = errors.New("agent capacity reached")
	ErrNotFound          = persistence.ErrNotFound
	ErrInvalidTransition = errors.New("invalid agent status transition")
)

type (
	Agent  = persistence.Agent
	Status = persistence.AgentStatus
)

// Reasoner is the slice of the model router used for cognitive steps.
type Reasoner interface {
	Route(ctx context.Context, req router.Request) (*router.Response, error)
}

type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, args json.RawMessage, cc toolhub.CallContext) (string, error)
}

// MissionReporter is told when a mission-bound agent reaches a terminal state.
type MissionReporter interface {
	HandleTaskCompletion(ctx context.Context, missionID, agentID string) error
}

type Config struct {
	Store       *persistence.Store
	Router      Reasoner
	Tools       ToolExecutor
	Notifier    notify.Notifier // optional
	Missions    MissionReporter // optional
	MaxAgents   int
	StepTimeout time.Duration
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *otel.Metrics
}

type Orchestrator struct {
	store       *persistence.Store
	router      Reasoner
	tools       ToolExecutor
	notifier    notify.Notifier
	missions    MissionReporter
	maxAgents   int
	stepTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *otel.Metrics

	// spawnMu serializes the capacity check with the insert.
	spawnMu sync.Mutex
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:       cfg.Store,
		router:      cfg.Router,
		tools:       cfg.Tools,
		notifier:    cfg.Notifier,
		missions:    cfg.Missions,
		maxAgents:   cfg.MaxAgents,
		stepTimeout: cfg.StepTimeout,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		metrics:     cfg.Metrics,
	}
	if o.logger == nil {
		o.logger = telemetry.Discard()
	}
	o.logger = o.logger.With("component", "orchestrator")
	if o.maxAgents <= 0 {
		o.maxAgents = DefaultMaxAgents
	}
	if o.stepTimeout <= 0 {
		o.stepTimeout = DefaultStepTimeout
	}
	if o.notifier == nil {
		o.notifier = notify.NewLog(o.logger)
	}
	return o
}

type SpawnConfig struct {
	Focus     string
	MissionID string
	TaskType  router.TaskType
	ParentID  string
	Fields    map[string]any
}

// Spawn persists a pending agent for owner and makes sure the owner's
// drain task exists.
func (o *Orchestrator) Spawn(ctx context.Context, owner, task string, cfg SpawnConfig) (*Agent, error) {
	owner, task = strings.TrimSpace(owner), strings.TrimSpace(task)
	if owner == "" || task == "" {
		return nil, errors.New("spawn: owner and task are required")
	}
	taskType := cfg.TaskType
	if taskType == "" {
		taskType = router.TaskAnalysis
	}
	if !taskType.Valid() {
		return nil, fmt.Errorf("spawn: %w: %q", router.ErrInvalidTaskType, taskType)
	}
	focus := cfg.Focus
	if focus == "" {
		focus = "general"
	}

	o.spawnMu.Lock()
	defer o.spawnMu.Unlock()
	live, err := o.store.CountLiveAgents(ctx, owner)
	if err != nil {
		return nil, err
	}
	if live >= o.maxAgents {
		audit.Record(ctx, owner, "agent.spawn", audit.DecisionDeny, "capacity", fmt.Sprintf("%d/%d", live, o.maxAgents))
		return nil, fmt.Errorf("%w: %d of %d agents live", ErrCapacity, live, o.maxAgents)
	}

	a := &Agent{
		Owner:    owner,
		ParentID: cfg.ParentID,
		Task:     task,
		Status:   persistence.AgentPending,
		Memory: persistence.AgentMemory{
			History:   []persistence.Turn{},
			Focus:     focus,
			MissionID: cfg.MissionID,
			TaskType:  string(taskType),
			Fields:    cfg.Fields,
		},
	}
	if err := o.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	if _, created, err := o.store.EnsureScheduledTask(ctx, persistence.ScheduledTask{
		Owner:    owner,
		Name:     DrainTaskName,
		Action:   persistence.ActionProcessAgentQueue,
		CronExpr: DrainCron,
		Enabled:  true,
	}); err != nil {
		o.logger.Error("failed to ensure drain task", "owner", owner, "error", err)
	} else if created {
		o.logger.Info("drain task provisioned", "owner", owner)
	}
	o.logger.Info("agent spawned", "owner", owner, "agent_id", a.ID, "focus", focus, "mission_id", cfg.MissionID)
	audit.Record(ctx, owner, "agent.spawn", audit.DecisionAllow, focus, a.ID)
	return a, nil
}

// StepResult is the outcome of one agent's step within a queue pass.
type StepResult struct {
	AgentID string `json:"agent_id"`
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
}

type QueueReport struct {
	Owner   string       `json:"owner"`
	Results []StepResult `json:"results"`
}

func (r QueueReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == persistence.AgentFailed {
			n++
		}
	}
	return n
}

// ProcessQueue runs one step for each of up to QueueBatchSize runnable
// agents, concurrently. A failing or timed-out agent is marked failed
// without affecting the others.
func (o *Orchestrator) ProcessQueue(ctx context.Context, owner string) (QueueReport, error) {
	report := QueueReport{Owner: owner}
	agents, err := o.store.RunnableAgents(ctx, owner, QueueBatchSize)
	if err != nil {
		return report, err
	}
	if len(agents) == 0 {
		return report, nil
	}

	report.Results = make([]StepResult, len(agents))
	var wg sync.WaitGroup
	for i := range agents {
		a := &agents[i]
		if a.Status == persistence.AgentPending {
			ok, err := o.store.UpdateAgentStatus(ctx, a.ID, persistence.AgentActive, persistence.AgentPending)
			if err != nil || !ok {
				report.Results[i] = StepResult{AgentID: a.ID, Status: a.Status, Error: "not promoted"}
				continue
			}
			a.Status = persistence.AgentActive
		}
		wg.Add(1)
		go func(i int, a *Agent) {
			defer wg.Done()
			report.Results[i] = o.runStep(ctx, a)
		}(i, a)
	}
	wg.Wait()
	o.logger.Info("agent queue processed", "owner", owner, "agents", len(agents), "failed", report.Failed())
	return report, nil
}

// runStep executes one step under the step deadline and converts any error
// into a failed agent.
func (o *Orchestrator) runStep(ctx context.Context, a *Agent) (res StepResult) {
	res.AgentID = a.ID
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("agent step panicked", "agent_id", a.ID, "panic", r)
			o.fail(ctx, a, fmt.Sprintf("internal error: %v", r))
			res.Status, res.Error = a.Status, fmt.Sprint(r)
		}
	}()

	stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	err := o.Step(stepCtx, a)
	if err == nil {
		res.Status = a.Status
		return res
	}
	reason := err.Error()
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		reason = fmt.Sprintf("step timed out after %s", o.stepTimeout)
	}
	o.logger.Warn("agent step failed", "owner", a.Owner, "agent_id", a.ID, "error", err)
	o.fail(ctx, a, reason)
	res.Status, res.Error = a.Status, reason
	return res
}

// fail persists a failed terminal state and runs the terminal hooks.
func (o *Orchestrator) fail(ctx context.Context, a *Agent, reason string) {
	ctx = context.WithoutCancel(ctx)
	a.Status = persistence.AgentFailed
	a.Result = reason
	appendTurn(a, "system", "Step failed: "+reason)
	if err := o.store.SaveAgentStep(ctx, a); err != nil {
		if errors.Is(err, persistence.ErrNotRunnable) {
			_ = o.discardStep(ctx, a)
			return
		}
		o.logger.Error("failed to persist failed agent", "agent_id", a.ID, "error", err)
	}
	o.finalize(ctx, a)
}

// finalize notifies the owner and reports mission-bound agents.
func (o *Orchestrator) finalize(ctx context.Context, a *Agent) {
	if o.metrics != nil && a.Status == persistence.AgentFailed {
		o.metrics.AgentFailures.Add(ctx, 1)
	}
	verb := "finished"
	if a.Status == persistence.AgentFailed {
		verb = "failed"
	}
	o.notifier.NotifyUser(ctx, a.Owner, fmt.Sprintf("Agent %s: %s\n\n%s", verb, excerpt(a.Task, 80), a.Result))

	missionID := a.Memory.MissionID
	if missionID == "" {
		return
	}
	if o.missions != nil {
		if err := o.missions.HandleTaskCompletion(ctx, missionID, a.ID); err != nil {
			o.logger.Warn("mission report failed", "mission_id", missionID, "agent_id", a.ID, "error", err)
		}
	}
	ev := &persistence.Evaluation{
		Owner:     a.Owner,
		AgentID:   a.ID,
		MissionID: missionID,
		Outcome:   string(a.Status),
		Notes:     excerpt(a.Result, 2000),
	}
	if a.Status == persistence.AgentCompleted {
		ev.Score = 1
	}
	if err := o.store.InsertEvaluation(ctx, ev); err != nil {
		o.logger.Warn("failed to record evaluation", "mission_id", missionID, "agent_id", a.ID, "error", err)
	}
}

// Get returns owner's agent or ErrNotFound.
func (o *Orchestrator) Get(ctx context.Context, owner, id string) (*Agent, error) {
	a, err := o.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil || a.Owner != owner {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (o *Orchestrator) List(ctx context.Context, owner string, statuses ...Status) ([]Agent, error) {
	return o.store.ListAgents(ctx, owner, statuses...)
}

// Pause takes a pending or active agent out of the queue.
func (o *Orchestrator) Pause(ctx context.Context, owner, id string) error {
	return o.transition(ctx, owner, id, persistence.AgentPaused, persistence.AgentPending, persistence.AgentActive)
}

// Resume puts a paused agent back in the queue.
func (o *Orchestrator) Resume(ctx context.Context, owner, id string) error {
	return o.transition(ctx, owner, id, persistence.AgentActive, persistence.AgentPaused)
}

func (o *Orchestrator) transition(ctx context.Context, owner, id string, to Status, from ...Status) error {
	a, err := o.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	ok, err := o.store.UpdateAgentStatus(ctx, id, to, from...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	o.logger.Info("agent status changed", "owner", owner, "agent_id", id, "from", a.Status, "to", to)
	return nil
}

func excerpt(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
