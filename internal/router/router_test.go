package router

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/prompt"
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

var testCatalog = []persistence.ModelRecord{
	{ID: "claude-small", Provider: "anthropic", ModelID: "claude-small", ContextWindow: 8000, InputCostPer1K: 0.25, OutputCostPer1K: 1.25, Active: true, SortOrder: 1},
	{ID: "claude-large", Provider: "anthropic", ModelID: "claude-large", ContextWindow: 200000, InputCostPer1K: 3, OutputCostPer1K: 15, Active: true, SortOrder: 2},
	{ID: "gpt-mini", Provider: "openai", ModelID: "gpt-mini", ContextWindow: 128000, InputCostPer1K: 0.15, OutputCostPer1K: 0.6, Active: true, SortOrder: 3},
	{ID: "gemini-pro", Provider: "google", ModelID: "gemini-pro", ContextWindow: 1000000, InputCostPer1K: 1.25, OutputCostPer1K: 5, Active: true, SortOrder: 4},
	{ID: "retired", Provider: "openai", ModelID: "retired", ContextWindow: 4000, Active: false, SortOrder: 5},
}

// scriptedBackend replies per model id; errs maps model id to a failure.
type scriptedBackend struct {
	mu    sync.Mutex
	calls []string
	msgs  [][]Message
	errs  map[string]error
	block bool
}

func (b *scriptedBackend) Generate(ctx context.Context, modelID string, msgs []Message) (Completion, error) {
	b.mu.Lock()
	b.calls = append(b.calls, modelID)
	b.msgs = append(b.msgs, msgs)
	err := b.errs[modelID]
	b.mu.Unlock()
	if b.block {
		<-ctx.Done()
		return Completion{}, ctx.Err()
	}
	if err != nil {
		return Completion{}, err
	}
	return Completion{Text: "reply from " + modelID, InputTokens: 10, OutputTokens: 5}, nil
}

func (b *scriptedBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func newTestRouter(t *testing.T, store *persistence.Store, backend Backend, mutate func(*Config)) *Router {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertModels(ctx, testCatalog); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	cfg := Config{
		Catalog:     store,
		Preferences: store,
		Messages:    store,
		Backends: map[string]Backend{
			"anthropic": backend,
			"openai":    backend,
			"google":    backend,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestSelect_PriorityOrder(t *testing.T) {
	store := openTestStore(t)
	r := newTestRouter(t, store, &scriptedBackend{}, nil)
	ctx := context.Background()

	sel, err := r.Select(ctx, Request{Owner: "u", TaskType: TaskResearch, Prompt: "hi"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Model.ID != "gemini-pro" || sel.Reason != ReasonProviderHint {
		t.Fatalf("research hint: got %s (%s)", sel.Model.ID, sel.Reason)
	}

	if err := r.SetPreference(ctx, "u", TaskResearch, "gpt-mini"); err != nil {
		t.Fatalf("set preference: %v", err)
	}
	sel, _ = r.Select(ctx, Request{Owner: "u", TaskType: TaskResearch, Prompt: "hi"})
	if sel.Model.ID != "gpt-mini" || sel.Reason != ReasonPreference {
		t.Fatalf("preference: got %s (%s)", sel.Model.ID, sel.Reason)
	}

	sel, _ = r.Select(ctx, Request{Owner: "u", TaskType: TaskResearch, Prompt: "hi", ModelOverride: "claude-large"})
	if sel.Model.ID != "claude-large" || sel.Reason != ReasonOverride {
		t.Fatalf("override: got %s (%s)", sel.Model.ID, sel.Reason)
	}

	// Inactive override is ignored.
	sel, _ = r.Select(ctx, Request{Owner: "u", TaskType: TaskResearch, Prompt: "hi", ModelOverride: "retired"})
	if sel.Reason != ReasonPreference {
		t.Fatalf("inactive override should fall through, got %s", sel.Reason)
	}
}

func TestSelect_FirstAvailableWhenNoHintMatches(t *testing.T) {
	store := openTestStore(t)
	r := newTestRouter(t, store, &scriptedBackend{}, func(c *Config) {
		c.Backends = map[string]Backend{"google": &scriptedBackend{}}
	})
	sel, err := r.Select(context.Background(), Request{TaskType: TaskCoding, Prompt: "x"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Model.ID != "gemini-pro" || sel.Reason != ReasonFirstAvailable {
		t.Fatalf("got %s (%s)", sel.Model.ID, sel.Reason)
	}
}

func TestSelect_LargeContextReselects(t *testing.T) {
	store := openTestStore(t)
	r := newTestRouter(t, store, &scriptedBackend{}, nil)
	ctx := context.Background()
	big := strings.Repeat("a", 200000) // ~50k tokens

	sel, err := r.Select(ctx, Request{TaskType: TaskChat, Prompt: "summarize", Context: []string{big}, ModelOverride: "claude-small"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Model.ContextWindow < sel.EstimatedTokens {
		t.Fatalf("chosen window %d < tokens %d", sel.Model.ContextWindow, sel.EstimatedTokens)
	}
	if sel.Model.ID != "gpt-mini" || sel.Reason != ReasonContextFit {
		t.Fatalf("expected smallest fitting model gpt-mini, got %s (%s)", sel.Model.ID, sel.Reason)
	}
}

func TestSelect_NoModelFits(t *testing.T) {
	store := openTestStore(t)
	r := newTestRouter(t, store, &scriptedBackend{}, func(c *Config) {
		c.Backends = map[string]Backend{"anthropic": &scriptedBackend{}}
		c.Catalog = staticCatalog{{ID: "small", Provider: "anthropic", ModelID: "small", ContextWindow: 8000, Active: true}}
	})
	_, err := r.Select(context.Background(), Request{Prompt: "p", Context: []string{strings.Repeat("a", 200000)}})
	if !errors.Is(err, ErrNoModelFits) {
		t.Fatalf("expected ErrNoModelFits, got %v", err)
	}
}

func TestSelect_CostAndAlternatives(t *testing.T) {
	store := openTestStore(t)
	r := newTestRouter(t, store, &scriptedBackend{}, nil)
	sel, err := r.Select(context.Background(), Request{Prompt: strings.Repeat("a", 4000), ModelOverride: "claude-large"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// 1000 tokens * 3 / 1000 * avg(3, 15)
	if want := 27.0; sel.EstimatedCost != want {
		t.Fatalf("cost = %v, want %v", sel.EstimatedCost, want)
	}
	if len(sel.Alternatives) != 3 {
		t.Fatalf("alternatives = %d, want 3", len(sel.Alternatives))
	}
	for i := 1; i < len(sel.Alternatives); i++ {
		if sel.Alternatives[i].EstimatedCost < sel.Alternatives[i-1].EstimatedCost {
			t.Fatal("alternatives not sorted by cost")
		}
	}
	if sel.Alternatives[0].Model.ID != "gpt-mini" {
		t.Fatalf("cheapest alternative = %s", sel.Alternatives[0].Model.ID)
	}
}

func TestSelect_InvalidTaskType(t *testing.T) {
	store := openTestStore(t)
	r := newTestRouter(t, store, &scriptedBackend{}, nil)
	if _, err := r.Select(context.Background(), Request{TaskType: "poetry"}); !errors.Is(err, ErrInvalidTaskType) {
		t.Fatalf("expected ErrInvalidTaskType, got %v", err)
	}
}

type staticCatalog []persistence.ModelRecord

func (s staticCatalog) ListModels(context.Context) ([]persistence.ModelRecord, error) { return s, nil }

type fakePrompts struct{}

func (fakePrompts) BuildSystemPrompt(_ context.Context, opts prompt.Options) (prompt.Prompt, error) {
	return prompt.Prompt{SystemPrompt: "system for " + opts.Owner}, nil
}

func TestRoute_BuildsMessagesAndAppendsExchange(t *testing.T) {
	store := openTestStore(t)
	backend := &scriptedBackend{}
	r := newTestRouter(t, store, backend, func(c *Config) { c.Prompts = fakePrompts{} })
	ctx := context.Background()

	if err := store.AppendMessages(ctx,
		persistence.Message{Owner: "u", SessionID: "s1", Role: "user", Content: "earlier question"},
		persistence.Message{Owner: "u", SessionID: "s1", Role: "assistant", Content: "earlier answer"},
	); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	resp, err := r.Route(ctx, Request{
		Owner: "u", SessionID: "s1", TaskType: TaskChat, Prompt: "now this",
		Context: []string{"ctx one"}, SystemPrompt: true,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.ModelID != "claude-small" || resp.Text != "reply from claude-small" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	msgs := backend.msgs[0]
	wantRoles := []Role{RoleSystem, RoleUser, RoleAssistant, RoleUser, RoleUser}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("messages = %+v", msgs)
	}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Fatalf("message %d role = %s, want %s", i, msgs[i].Role, role)
		}
	}
	if msgs[0].Content != "system for u" || msgs[3].Content != "ctx one" || msgs[4].Content != "now this" {
		t.Fatalf("unexpected message content: %+v", msgs)
	}

	log, err := store.RecentMessages(ctx, "u", "s1", 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(log) != 4 || log[2].Content != "now this" || log[3].Role != "assistant" || log[3].ModelID != "claude-small" {
		t.Fatalf("exchange not appended: %+v", log)
	}
}

func TestRoute_NegativeHistorySkipsWindow(t *testing.T) {
	store := openTestStore(t)
	backend := &scriptedBackend{}
	r := newTestRouter(t, store, backend, nil)
	ctx := context.Background()
	_ = store.AppendMessages(ctx, persistence.Message{Owner: "u", SessionID: "agent:1", Role: "user", Content: "old"})
	if _, err := r.Route(ctx, Request{Owner: "u", SessionID: "agent:1", Prompt: "p", HistoryTurns: -1}); err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(backend.msgs[0]) != 1 {
		t.Fatalf("expected prompt only, got %+v", backend.msgs[0])
	}
}

func TestRoute_RateLimitIsUserFacing(t *testing.T) {
	store := openTestStore(t)
	backend := &scriptedBackend{errs: map[string]error{"claude-small": errors.New("429 Too Many Requests")}}
	r := newTestRouter(t, store, backend, nil)
	_, err := r.Route(context.Background(), Request{Owner: "u", Prompt: "p"})
	var re *RouteError
	if !errors.As(err, &re) || re.Class != ErrorClassRateLimit {
		t.Fatalf("expected rate limit RouteError, got %v", err)
	}
	if calls := backend.Calls(); len(calls) != 1 {
		t.Fatalf("rate limit must not fall back, calls = %v", calls)
	}
}

func TestRoute_FallsBackOnceToSameProvider(t *testing.T) {
	store := openTestStore(t)
	backend := &scriptedBackend{errs: map[string]error{"claude-small": errors.New("503 service unavailable")}}
	r := newTestRouter(t, store, backend, nil)
	resp, err := r.Route(context.Background(), Request{Owner: "u", Prompt: "p"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.ModelID != "claude-large" || resp.FallbackFrom != "claude-small" {
		t.Fatalf("unexpected fallback: %+v", resp)
	}
}

func TestRoute_FallbackFailureStops(t *testing.T) {
	store := openTestStore(t)
	fail := errors.New("500 internal error")
	backend := &scriptedBackend{errs: map[string]error{"claude-small": fail, "claude-large": fail, "gpt-mini": fail, "gemini-pro": fail}}
	r := newTestRouter(t, store, backend, nil)
	_, err := r.Route(context.Background(), Request{Owner: "u", Prompt: "p"})
	var re *RouteError
	if !errors.As(err, &re) || re.Fallback == "" {
		t.Fatalf("expected RouteError with fallback, got %v", err)
	}
	if calls := backend.Calls(); len(calls) != 2 {
		t.Fatalf("expected exactly one retry, calls = %v", calls)
	}
}

func TestRoute_DifferentProviderThenDefault(t *testing.T) {
	store := openTestStore(t)
	backend := &scriptedBackend{errs: map[string]error{"only-anthropic": errors.New("connection reset")}}
	r := newTestRouter(t, store, backend, func(c *Config) {
		c.Catalog = staticCatalog{
			{ID: "only-anthropic", Provider: "anthropic", ModelID: "only-anthropic", ContextWindow: 1000, Active: true},
			{ID: "openai-one", Provider: "openai", ModelID: "openai-one", ContextWindow: 1000, Active: true},
		}
	})
	resp, err := r.Route(context.Background(), Request{Owner: "u", Prompt: "p"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.ModelID != "openai-one" {
		t.Fatalf("expected cross-provider fallback, got %s", resp.ModelID)
	}
}

func TestRoute_TimeoutTriggersFallback(t *testing.T) {
	store := openTestStore(t)
	slow := &scriptedBackend{block: true}
	fast := &scriptedBackend{}
	r := newTestRouter(t, store, slow, func(c *Config) {
		c.Catalog = staticCatalog{
			{ID: "slow-model", Provider: "anthropic", ModelID: "slow-model", ContextWindow: 1000, Active: true},
			{ID: "fast-model", Provider: "openai", ModelID: "fast-model", ContextWindow: 1000, Active: true},
		}
		c.Backends = map[string]Backend{"anthropic": slow, "openai": fast}
		c.ProviderTimeouts = map[string]time.Duration{"anthropic": 20 * time.Millisecond}
	})
	resp, err := r.Route(context.Background(), Request{Owner: "u", TaskType: TaskChat, Prompt: "p"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.ModelID != "fast-model" || resp.FallbackFrom != "slow-model" {
		t.Fatalf("expected fallback after timeout, got %+v", resp)
	}
}

func TestClassifyError(t *testing.T) {
	cases := map[string]ErrorClass{
		"401 Unauthorized":             ErrorClassAuth,
		"rate limit exceeded":          ErrorClassRateLimit,
		"request timed out":            ErrorClassTimeout,
		"billing hard limit reached":   ErrorClassBilling,
		"maximum context length is 8k": ErrorClassContextOverflow,
		"dial tcp: connection refused": ErrorClassTransport,
		"something odd happened":       ErrorClassUnknown,
	}
	for msg, want := range cases {
		if got := ClassifyError(errors.New(msg)); got != want {
			t.Errorf("ClassifyError(%q) = %s, want %s", msg, got, want)
		}
	}
	if ClassifyError(context.DeadlineExceeded) != ErrorClassTimeout {
		t.Error("deadline exceeded should classify as timeout")
	}
	if ClassifyError(nil) != ErrorClassUnknown {
		t.Error("nil should classify as unknown")
	}
}

type countingCatalog struct {
	mu    sync.Mutex
	loads int
	err   error
}

func (c *countingCatalog) ListModels(context.Context) ([]persistence.ModelRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	if c.err != nil {
		return nil, c.err
	}
	return testCatalog, nil
}

func TestCatalog_TTLAndInvalidate(t *testing.T) {
	src := &countingCatalog{}
	c := NewCatalog(src, time.Minute, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Models(ctx); err != nil {
			t.Fatalf("models: %v", err)
		}
	}
	if src.loads != 1 {
		t.Fatalf("loads = %d, want 1", src.loads)
	}
	now = now.Add(2 * time.Minute)
	_, _ = c.Models(ctx)
	if src.loads != 2 {
		t.Fatalf("stale view not reloaded, loads = %d", src.loads)
	}
	c.Invalidate()
	_, _ = c.Models(ctx)
	if src.loads != 3 {
		t.Fatalf("invalidate did not force reload, loads = %d", src.loads)
	}

	src.err = errors.New("catalog offline")
	c.Invalidate()
	models, err := c.Models(ctx)
	if err != nil || len(models) != len(testCatalog) {
		t.Fatalf("expected stale view on refresh failure, got %d models, err %v", len(models), err)
	}
	if err := c.Refresh(ctx); err == nil {
		t.Fatal("explicit refresh should report the failure")
	}
}
