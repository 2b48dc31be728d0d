// Package scheduler runs owner-scheduled actions on 5-field cron
// expressions, with a single bounded retry per failure.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/notify"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/telemetry"
)

const (
	DefaultInterval   = time.Minute
	DefaultRetryDelay = 60 * time.Second
)

var (
	ErrUnknownAction  = errors.New("unknown action type")
	ErrMissingHandler = errors.New("action has no handler")
	ErrInvalidTask    = errors.New("invalid task")
	ErrNotFound       = persistence.ErrNotFound
)

type (
	ActionType    = persistence.ActionType
	Task          = persistence.ScheduledTask
	TaskExecution = persistence.TaskExecution
)

// Handler runs one action for owner. The returned string is stored as the
// execution output.
type Handler func(ctx context.Context, owner string, payload json.RawMessage) (string, error)

type Config struct {
	Store *persistence.Store
	// Collaborators used to build the default handlers; see handlers.go.
	Deps Deps
	// Handlers overrides or supplies handlers per action.
	Handlers   map[ActionType]Handler
	Notifier   notify.Notifier // optional
	Bus        *bus.Bus        // optional
	Interval   time.Duration
	RetryDelay time.Duration
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otel.Metrics
	Now        func() time.Time
}

type Scheduler struct {
	store      *persistence.Store
	handlers   map[ActionType]Handler
	notifier   notify.Notifier
	bus        *bus.Bus
	interval   time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otel.Metrics
	now        func() time.Time

	mu       sync.Mutex
	retries  map[string]*time.Timer
	stopping bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds the handler table. Every action in persistence.AllActions must
// end up with a handler.
func New(cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		bus:        cfg.Bus,
		interval:   cfg.Interval,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		retries:    make(map[string]*time.Timer),
	}
	if s.logger == nil {
		s.logger = telemetry.Discard()
	}
	s.logger = s.logger.With("component", "scheduler")
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.notifier == nil {
		s.notifier = notify.NewLog(s.logger)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	deps := cfg.Deps
	if deps.Memory == nil && cfg.Store != nil {
		deps.Memory = cfg.Store
	}
	if deps.Sessions == nil && cfg.Store != nil {
		deps.Sessions = cfg.Store
	}
	s.handlers = defaultHandlers(deps, s.notifier, s.now)
	for action, h := range cfg.Handlers {
		if !action.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
		}
		s.handlers[action] = h
	}
	var missing []string
	for _, action := range persistence.AllActions {
		if s.handlers[action] == nil {
			missing = append(missing, string(action))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingHandler, strings.Join(missing, ", "))
	}
	return s, nil
}

// Start runs the tick loop in the background until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	parentCancel := s.cancel
	s.cancel = func() { cancel(); parentCancel() }
	s.mu.Unlock()
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop ends the loop, disarms pending retries and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopping = true
	for id, t := range s.retries {
		if t != nil {
			t.Stop()
		}
		delete(s.retries, id)
	}
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled task that is due, one after another.
func (s *Scheduler) Tick(ctx context.Context) {
	tasks, err := s.store.ListEnabledScheduledTasks(ctx)
	if err != nil {
		s.logger.Error("failed to load scheduled tasks", "error", err)
		return
	}
	now := s.now()
	for i := range tasks {
		if ctx.Err() != nil {
			return
		}
		t := &tasks[i]
		due, err := IsDue(t.CronExpr, t.LastRunAt, now)
		if err != nil {
			s.logger.Error("invalid cron expression", "task_id", t.ID, "cron_expr", t.CronExpr, "error", err)
			continue
		}
		if due {
			_ = s.run(ctx, t, false, now)
		}
	}
}

// RunTask runs a task now as a natural (non-retry) attempt.
func (s *Scheduler) RunTask(ctx context.Context, t *Task) error {
	return s.run(ctx, t, false, s.now())
}

// run executes t and records at, the moment the run was started, as its
// lastRunAt so slow handlers do not push the next matching minute out of
// reach.
func (s *Scheduler) run(ctx context.Context, t *Task, isRetry bool, at time.Time) error {
	exec, err := s.execute(ctx, t.ID, t.Owner, t.Action, t.Payload, t.RetryCount+1)
	ctx = context.WithoutCancel(ctx)

	if err == nil {
		if recErr := s.store.RecordTaskRun(ctx, t.ID, at, persistence.RunStatusSuccess, 0); recErr != nil {
			s.logger.Error("failed to record task run", "task_id", t.ID, "error", recErr)
		}
		if isRetry {
			s.logger.Info("task retry succeeded", "task_id", t.ID, "name", t.Name)
		}
		return nil
	}

	retryCount := t.RetryCount
	armed := false
	switch {
	case errors.Is(err, ErrUnknownAction):
		s.notifier.NotifyUser(ctx, t.Owner, fmt.Sprintf("Scheduled task %q has an unknown action %q and will not run.", t.Name, t.Action))
	case isRetry:
		s.notifier.NotifyUser(ctx, t.Owner, fmt.Sprintf("Scheduled task %q failed again: %s", t.Name, exec.Error))
	case retryCount+1 <= t.MaxRetries:
		if s.reserveRetry(t.ID) {
			retryCount++
			armed = true
		}
	default:
		s.notifier.NotifyUser(ctx, t.Owner, fmt.Sprintf("Scheduled task %q failed: %s", t.Name, exec.Error))
	}
	if recErr := s.store.RecordTaskRun(ctx, t.ID, at, persistence.RunStatusFailed, retryCount); recErr != nil {
		s.logger.Error("failed to record task run", "task_id", t.ID, "error", recErr)
	}
	if armed {
		s.startRetry(t.ID)
	}
	s.logger.Warn("scheduled task failed", "task_id", t.ID, "name", t.Name, "action", t.Action,
		"retry", isRetry, "retry_armed", armed, "retry_count", retryCount, "error", err)
	return err
}

// reserveRetry claims the single retry slot for taskID. The timer itself
// starts in startRetry, after the failed run is recorded.
func (s *Scheduler) reserveRetry(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	if _, inFlight := s.retries[taskID]; inFlight {
		return false
	}
	s.retries[taskID] = nil
	return true
}

func (s *Scheduler) startRetry(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, reserved := s.retries[taskID]; !reserved || t != nil {
		return
	}
	s.retries[taskID] = time.AfterFunc(s.retryDelay, func() { s.fireRetry(taskID) })
	if s.metrics != nil {
		s.metrics.TaskRetries.Add(s.baseCtx, 1)
	}
}

func (s *Scheduler) fireRetry(taskID string) {
	s.mu.Lock()
	delete(s.retries, taskID)
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	t, err := s.store.GetScheduledTask(ctx, taskID)
	if err != nil || t == nil || !t.Enabled {
		s.logger.Info("retry skipped", "task_id", taskID, "error", err)
		return
	}
	_ = s.run(ctx, t, true, s.now())
}

// PendingRetries reports how many retry timers are armed.
func (s *Scheduler) PendingRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retries)
}

// Trigger runs an action immediately for owner without a stored task. The
// execution is still recorded.
func (s *Scheduler) Trigger(ctx context.Context, action ActionType, owner string, payload json.RawMessage) (*TaskExecution, error) {
	if owner == "" {
		return nil, errors.New("trigger: owner is required")
	}
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return s.execute(ctx, "", owner, action, payload, 1)
}

// execute dispatches one action and records a TaskExecution for it.
func (s *Scheduler) execute(ctx context.Context, taskID, owner string, action ActionType, payload json.RawMessage, attempt int) (*TaskExecution, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "scheduler.run",
		otel.AttrOwner.String(owner), otel.AttrTaskID.String(taskID), otel.AttrAction.String(string(action)))
	defer span.End()
	ctx = shared.WithOwnerID(shared.WithTaskID(ctx, taskID), owner)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}

	start := time.Now()
	var (
		out string
		err error
	)
	h := s.handlers[action]
	if !action.Valid() || h == nil {
		err = fmt.Errorf("%w: %q", ErrUnknownAction, action)
	} else {
		out, err = s.safeCall(ctx, h, owner, payload)
	}
	exec := &TaskExecution{
		TaskID:     taskID,
		Owner:      owner,
		Action:     action,
		Success:    err == nil,
		DurationMS: time.Since(start).Milliseconds(),
		Output:     out,
		Attempt:    attempt,
	}
	if err != nil {
		exec.Error = err.Error()
		span.SetStatus(codes.Error, exec.Error)
	}
	rctx := context.WithoutCancel(ctx)
	if recErr := s.store.InsertTaskExecution(rctx, exec); recErr != nil {
		s.logger.Error("failed to record task execution", "task_id", taskID, "action", action, "error", recErr)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskExecuted, bus.TaskExecutedEvent{
			ExecutionID: exec.ID, TaskID: taskID, Owner: owner, Action: string(action), Success: exec.Success, Attempt: attempt,
		})
	}
	if s.metrics != nil {
		s.metrics.TaskRuns.Add(rctx, 1, metric.WithAttributes(
			attribute.String("action", string(action)), attribute.Bool("success", exec.Success)))
	}
	decision := audit.DecisionAllow
	if err != nil {
		decision = "error"
	}
	audit.Record(rctx, owner, "task."+string(action), decision, exec.Error, taskID)
	return exec, err
}

func (s *Scheduler) safeCall(ctx context.Context, h Handler, owner string, payload json.RawMessage) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, owner, payload)
}

// TaskSpec describes a task to register.
type TaskSpec struct {
	Name       string          `json:"name"`
	Action     ActionType      `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CronExpr   string          `json:"cron_expr"`
	MaxRetries int             `json:"max_retries"`
	Disabled   bool            `json:"disabled,omitempty"`
}

func (spec TaskSpec) validate() error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if !spec.Action.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidTask, ErrUnknownAction, spec.Action)
	}
	if spec.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidTask)
	}
	if len(spec.Payload) > 0 && !json.Valid(spec.Payload) {
		return fmt.Errorf("%w: payload must be JSON", ErrInvalidTask)
	}
	if err := ValidateCron(spec.CronExpr); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	return nil
}

func (spec TaskSpec) task(owner string) Task {
	return Task{
		Owner:      owner,
		Name:       strings.TrimSpace(spec.Name),
		Action:     spec.Action,
		Payload:    spec.Payload,
		CronExpr:   spec.CronExpr,
		Enabled:    !spec.Disabled,
		MaxRetries: spec.MaxRetries,
	}
}

// RegisterTask creates a task; (owner, name) must be unique.
func (s *Scheduler) RegisterTask(ctx context.Context, owner string, spec TaskSpec) (*Task, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	t := spec.task(owner)
	if err := s.store.CreateScheduledTask(ctx, &t); err != nil {
		return nil, err
	}
	s.logger.Info("task registered", "owner", owner, "task_id", t.ID, "name", t.Name, "action", t.Action, "cron_expr", t.CronExpr)
	return &t, nil
}

// EnsureTask creates the task unless (owner, name) already exists.
func (s *Scheduler) EnsureTask(ctx context.Context, owner string, spec TaskSpec) (*Task, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	t, _, err := s.store.EnsureScheduledTask(ctx, spec.task(owner))
	return t, err
}

func (s *Scheduler) ListTasks(ctx context.Context, owner string) ([]Task, error) {
	return s.store.ListScheduledTasks(ctx, owner)
}

func (s *Scheduler) ownedTask(ctx context.Context, owner, id string) (*Task, error) {
	t, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil || t.Owner != owner {
		return nil, fmt.Errorf("scheduled task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *Scheduler) SetEnabled(ctx context.Context, owner, id string, enabled bool) error {
	if _, err := s.ownedTask(ctx, owner, id); err != nil {
		return err
	}
	if !enabled {
		s.disarm(id)
	}
	return s.store.SetScheduledTaskEnabled(ctx, id, enabled)
}

func (s *Scheduler) DeleteTask(ctx context.Context, owner, id string) error {
	if _, err := s.ownedTask(ctx, owner, id); err != nil {
		return err
	}
	s.disarm(id)
	return s.store.DeleteScheduledTask(ctx, id)
}

// Executions lists runs of a task, or ad hoc triggers when taskID is empty.
func (s *Scheduler) Executions(ctx context.Context, owner, taskID string, limit int) ([]TaskExecution, error) {
	return s.store.ListTaskExecutions(ctx, owner, taskID, limit)
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.retries[id]; ok {
		if t != nil {
			t.Stop()
		}
		delete(s.retries, id)
	}
}
