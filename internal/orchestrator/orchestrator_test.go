package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/router"
	"github.com/basket/agentcore/internal/toolhub"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentcore.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type scriptedRouter struct {
	mu    sync.Mutex
	reply func(req router.Request) (string, error)
	reqs  []router.Request
}

func (r *scriptedRouter) Route(ctx context.Context, req router.Request) (*router.Response, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	text, err := r.reply(req)
	if err != nil {
		return nil, err
	}
	return &router.Response{Text: text, ModelID: "fake-model"}, nil
}

type toolCall struct {
	name string
	args string
	cc   toolhub.CallContext
}

type fakeTools struct {
	mu    sync.Mutex
	calls []toolCall
	err   error
}

func (f *fakeTools) ExecuteTool(_ context.Context, name string, args json.RawMessage, cc toolhub.CallContext) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolCall{name: name, args: string(args), cc: cc})
	if f.err != nil {
		return "", f.err
	}
	return "42 files", nil
}

type notes struct {
	mu    sync.Mutex
	texts []string
}

func (n *notes) NotifyUser(_ context.Context, _ string, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func (n *notes) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.texts)
}

type missions struct {
	mu       sync.Mutex
	reported []string
}

func (m *missions) HandleTaskCompletion(_ context.Context, missionID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reported = append(m.reported, missionID+"/"+agentID)
	return nil
}

type harness struct {
	store    *persistence.Store
	router   *scriptedRouter
	tools    *fakeTools
	notes    *notes
	missions *missions
	orch     *Orchestrator
}

func newHarness(t *testing.T, reply func(router.Request) (string, error), opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:    openTestStore(t),
		router:   &scriptedRouter{reply: reply},
		tools:    &fakeTools{},
		notes:    &notes{},
		missions: &missions{},
	}
	cfg := Config{Store: h.store, Router: h.router, Tools: h.tools, Notifier: h.notes, Missions: h.missions}
	for _, o := range opts {
		o(&cfg)
	}
	h.orch = New(cfg)
	return h
}

func always(text string) func(router.Request) (string, error) {
	return func(router.Request) (string, error) { return text, nil }
}

func (h *harness) spawn(t *testing.T, task string, cfg SpawnConfig) *Agent {
	t.Helper()
	a, err := h.orch.Spawn(context.Background(), "u1", task, cfg)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	return a
}

func (h *harness) reload(t *testing.T, id string) *Agent {
	t.Helper()
	a, err := h.orch.Get(context.Background(), "u1", id)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	return a
}

func TestSpawn_InitializesAndProvisionsDrainTask(t *testing.T) {
	h := newHarness(t, always(""))
	a := h.spawn(t, "summarize my inbox", SpawnConfig{Focus: "email", MissionID: "m1"})
	if a.Status != persistence.AgentPending || a.Memory.Focus != "email" || a.Memory.MissionID != "m1" || len(a.Memory.History) != 0 {
		t.Fatalf("unexpected agent: %+v", a)
	}
	h.spawn(t, "another", SpawnConfig{})

	tasks, err := h.store.ListScheduledTasks(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Name != DrainTaskName || tasks[0].Action != persistence.ActionProcessAgentQueue || tasks[0].CronExpr != DrainCron {
		t.Fatalf("drain tasks = %+v", tasks)
	}
}

func TestSpawn_CapacityEnforced(t *testing.T) {
	h := newHarness(t, always(""), func(c *Config) { c.MaxAgents = 2 })
	h.spawn(t, "one", SpawnConfig{})
	h.spawn(t, "two", SpawnConfig{})
	if _, err := h.orch.Spawn(context.Background(), "u1", "three", SpawnConfig{}); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if _, err := h.orch.Spawn(context.Background(), "u2", "other owner", SpawnConfig{}); err != nil {
		t.Fatalf("cap must be per owner: %v", err)
	}
	if _, err := h.orch.Spawn(context.Background(), "u1", "x", SpawnConfig{TaskType: "poetry"}); !errors.Is(err, router.ErrInvalidTaskType) {
		t.Fatalf("expected ErrInvalidTaskType, got %v", err)
	}
}

func TestProcessQueue_SayHelloCompletesWithOneNotification(t *testing.T) {
	h := newHarness(t, always(`{"status":"done","message":"Hello!"}`))
	a := h.spawn(t, "say hello", SpawnConfig{})

	report, err := h.orch.ProcessQueue(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].Status != persistence.AgentCompleted {
		t.Fatalf("report = %+v", report)
	}
	got := h.reload(t, a.ID)
	if got.Status != persistence.AgentCompleted || got.Result != "Hello!" || got.CompletedAt == nil {
		t.Fatalf("agent = %+v", got)
	}
	if h.notes.count() != 1 || !strings.Contains(h.notes.texts[0], "Hello!") {
		t.Fatalf("notifications = %v", h.notes.texts)
	}

	req := h.router.reqs[0]
	if req.SessionID != "agent:"+a.ID || req.HistoryTurns >= 0 || !req.SystemPrompt || !strings.Contains(req.Prompt, "say hello") {
		t.Fatalf("route request = %+v", req)
	}

	// A completed agent is never stepped again.
	if report, _ := h.orch.ProcessQueue(context.Background(), "u1"); len(report.Results) != 0 {
		t.Fatalf("completed agent re-run: %+v", report)
	}
	if h.notes.count() != 1 {
		t.Fatalf("extra notifications: %v", h.notes.texts)
	}
}

func TestStep_ToolCallThenDone(t *testing.T) {
	step := 0
	h := newHarness(t, func(req router.Request) (string, error) {
		step++
		if step == 1 {
			return `{"status":"continue","message":"listing","toolCall":{"tool":"files.list","args":{"path":"/tmp"}}}`, nil
		}
		if !strings.Contains(req.Prompt, "Tool files.list result: 42 files") {
			return "", fmt.Errorf("tool result missing from prompt:\n%s", req.Prompt)
		}
		return `{"status":"done","message":"There are 42 files."}`, nil
	})
	a := h.spawn(t, "count files", SpawnConfig{})

	if _, err := h.orch.ProcessQueue(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	mid := h.reload(t, a.ID)
	if mid.Status != persistence.AgentActive || len(mid.Memory.History) != 2 {
		t.Fatalf("after step 1: %+v", mid)
	}
	if len(h.tools.calls) != 1 {
		t.Fatalf("tool calls = %+v", h.tools.calls)
	}
	call := h.tools.calls[0]
	if call.name != "files.list" || call.args != `{"path":"/tmp"}` || call.cc.Owner != "u1" || call.cc.AgentID != a.ID {
		t.Fatalf("tool call = %+v", call)
	}

	if _, err := h.orch.ProcessQueue(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if got := h.reload(t, a.ID); got.Status != persistence.AgentCompleted || got.Result != "There are 42 files." {
		t.Fatalf("after step 2: %+v", got)
	}
}

func TestStep_ToolErrorIsAppendedNotFatal(t *testing.T) {
	h := newHarness(t, always(`{"status":"continue","message":"try","toolCall":{"tool":"shell.exec","args":{"command":"ls"}}}`))
	h.tools.err = errors.New("permission denied: shell.execute (no_grant)")
	a := h.spawn(t, "list", SpawnConfig{})
	if _, err := h.orch.ProcessQueue(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	got := h.reload(t, a.ID)
	if got.Status != persistence.AgentActive {
		t.Fatalf("status = %s", got.Status)
	}
	last := got.Memory.History[len(got.Memory.History)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "no_grant") {
		t.Fatalf("last turn = %+v", last)
	}
}

func TestStep_MissingEnvelopeAutoCompletesOnSecondStep(t *testing.T) {
	h := newHarness(t, always("I am thinking about it."))
	a := h.spawn(t, "ponder", SpawnConfig{})

	h.orch.ProcessQueue(context.Background(), "u1")
	got := h.reload(t, a.ID)
	if got.Status != persistence.AgentActive || got.Memory.MissingEnvelopeStreak != 1 {
		t.Fatalf("after first step: status=%s streak=%d", got.Status, got.Memory.MissingEnvelopeStreak)
	}
	h.orch.ProcessQueue(context.Background(), "u1")
	got = h.reload(t, a.ID)
	if got.Status != persistence.AgentCompleted || !strings.Contains(got.Result, missingEnvelopeNote) {
		t.Fatalf("after second step: %+v", got)
	}
}

func TestStep_RecognizedReplyResetsStreak(t *testing.T) {
	replies := []string{"rambling", "DONE: wrapped up"}
	i := 0
	h := newHarness(t, func(router.Request) (string, error) {
		r := replies[i]
		i++
		return r, nil
	})
	a := h.spawn(t, "mixed", SpawnConfig{})
	h.orch.ProcessQueue(context.Background(), "u1")
	h.orch.ProcessQueue(context.Background(), "u1")
	got := h.reload(t, a.ID)
	if got.Status != persistence.AgentCompleted || got.Result != "wrapped up" || got.Memory.MissingEnvelopeStreak != 0 {
		t.Fatalf("agent = %+v", got)
	}
}

func TestProcessQueue_IsolatesFailures(t *testing.T) {
	h := newHarness(t, func(req router.Request) (string, error) {
		if strings.Contains(req.Prompt, "explode") {
			return "", errors.New("backend unavailable")
		}
		return `{"status":"continue","message":"working"}`, nil
	})
	ok1 := h.spawn(t, "steady one", SpawnConfig{})
	bad := h.spawn(t, "explode", SpawnConfig{})
	ok2 := h.spawn(t, "steady two", SpawnConfig{})

	report, err := h.orch.ProcessQueue(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed() != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := h.reload(t, bad.ID); got.Status != persistence.AgentFailed || !strings.Contains(got.Result, "backend unavailable") {
		t.Fatalf("bad agent = %+v", got)
	}
	for _, id := range []string{ok1.ID, ok2.ID} {
		if got := h.reload(t, id); got.Status != persistence.AgentActive {
			t.Fatalf("sibling %s = %s", id, got.Status)
		}
	}
	if h.notes.count() != 1 || !strings.Contains(h.notes.texts[0], "failed") {
		t.Fatalf("notifications = %v", h.notes.texts)
	}
}

func TestProcessQueue_StepTimeoutFailsAgent(t *testing.T) {
	var h *harness
	h = newHarness(t, func(req router.Request) (string, error) {
		if strings.Contains(req.Prompt, "slow") {
			time.Sleep(300 * time.Millisecond)
			return "", context.DeadlineExceeded
		}
		return `{"status":"done","message":"quick"}`, nil
	}, func(c *Config) { c.StepTimeout = 50 * time.Millisecond })
	slow := h.spawn(t, "slow task", SpawnConfig{})
	fast := h.spawn(t, "fast task", SpawnConfig{})

	h.orch.ProcessQueue(context.Background(), "u1")
	if got := h.reload(t, slow.ID); got.Status != persistence.AgentFailed || !strings.Contains(got.Result, "timed out") {
		t.Fatalf("slow agent = %+v", got)
	}
	if got := h.reload(t, fast.ID); got.Status != persistence.AgentCompleted {
		t.Fatalf("fast agent = %+v", got)
	}
}

func TestProcessQueue_BatchLimit(t *testing.T) {
	h := newHarness(t, always(`{"status":"continue","message":"."}`))
	for i := 0; i < QueueBatchSize+2; i++ {
		h.spawn(t, fmt.Sprintf("task %d", i), SpawnConfig{})
	}
	report, err := h.orch.ProcessQueue(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Results) != QueueBatchSize {
		t.Fatalf("processed %d agents, want %d", len(report.Results), QueueBatchSize)
	}
	pending, _ := h.orch.List(context.Background(), "u1", persistence.AgentPending)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
}

func TestFinalize_MissionReportAndEvaluation(t *testing.T) {
	h := newHarness(t, always(`{"status":"done","message":"report ready"}`))
	a := h.spawn(t, "research", SpawnConfig{MissionID: "mission-7"})
	h.orch.ProcessQueue(context.Background(), "u1")

	if len(h.missions.reported) != 1 || h.missions.reported[0] != "mission-7/"+a.ID {
		t.Fatalf("reported = %v", h.missions.reported)
	}
	evals, err := h.store.ListEvaluations(context.Background(), "mission-7")
	if err != nil || len(evals) != 1 {
		t.Fatalf("evaluations = %v, %v", evals, err)
	}
	if evals[0].Outcome != string(persistence.AgentCompleted) || evals[0].Score != 1 || evals[0].AgentID != a.ID {
		t.Fatalf("evaluation = %+v", evals[0])
	}
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, always(`{"status":"continue","message":"."}`))
	a := h.spawn(t, "long job", SpawnConfig{})
	ctx := context.Background()

	if err := h.orch.Pause(ctx, "u1", a.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if report, _ := h.orch.ProcessQueue(ctx, "u1"); len(report.Results) != 0 {
		t.Fatalf("paused agent processed: %+v", report)
	}
	if err := h.orch.Pause(ctx, "u1", a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double pause = %v", err)
	}
	if err := h.orch.Resume(ctx, "u1", a.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if report, _ := h.orch.ProcessQueue(ctx, "u1"); len(report.Results) != 1 {
		t.Fatalf("resumed agent not processed: %+v", report)
	}
	if err := h.orch.Pause(ctx, "u2", a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pause by other owner = %v", err)
	}
}

func TestStep_HistoryCapped(t *testing.T) {
	h := newHarness(t, always(`{"status":"continue","message":"step","toolCall":{"tool":"notify.send","args":{"text":"x"}}}`))
	a := h.spawn(t, "loop", SpawnConfig{})
	a.Status = persistence.AgentActive
	for i := 0; i < 15; i++ {
		if err := h.orch.Step(context.Background(), a); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if len(a.Memory.History) != MaxHistory {
		t.Fatalf("history = %d, want %d", len(a.Memory.History), MaxHistory)
	}
	got := h.reload(t, a.ID)
	if len(got.Memory.History) != MaxHistory {
		t.Fatalf("persisted history = %d", len(got.Memory.History))
	}
	prompt := buildStepPrompt(got)
	if strings.Count(prompt, "\n[") != HistoryWindow {
		t.Fatalf("prompt carries %d turns, want %d:\n%s", strings.Count(prompt, "\n["), HistoryWindow, prompt)
	}
}

func TestProcessQueue_PauseDuringStepWins(t *testing.T) {
	var h *harness
	var agentID string
	pauseThen := func(text string, err error) func(router.Request) (string, error) {
		return func(router.Request) (string, error) {
			if perr := h.orch.Pause(context.Background(), "u1", agentID); perr != nil {
				t.Errorf("pause during step: %v", perr)
			}
			return text, err
		}
	}
	cases := []struct {
		name  string
		reply func(router.Request) (string, error)
	}{
		{"continue", pauseThen(`{"status":"continue","message":"working"}`, nil)},
		{"done", pauseThen(`{"status":"done","message":"finished"}`, nil)},
		{"model error", pauseThen("", errors.New("upstream exploded"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h = newHarness(t, tc.reply)
			agentID = h.spawn(t, "long job", SpawnConfig{}).ID

			report, err := h.orch.ProcessQueue(context.Background(), "u1")
			if err != nil {
				t.Fatalf("process: %v", err)
			}
			if len(report.Results) != 1 || report.Results[0].Status != persistence.AgentPaused {
				t.Fatalf("report = %+v, want the agent reported paused", report.Results)
			}
			got := h.reload(t, agentID)
			if got.Status != persistence.AgentPaused || got.CompletedAt != nil {
				t.Fatalf("status after pause during step = %s (completed_at %v)", got.Status, got.CompletedAt)
			}
			if n := h.notes.count(); n != 0 {
				t.Fatalf("paused agent should not notify the owner, got %d notes", n)
			}
		})
	}
}
