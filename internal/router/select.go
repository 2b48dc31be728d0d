package router

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/basket/agentcore/internal/tokenutil"
)

type TaskType string

const (
	TaskChat          TaskType = "chat"
	TaskResearch      TaskType = "research"
	TaskCoding        TaskType = "coding"
	TaskAnalysis      TaskType = "analysis"
	TaskSummarization TaskType = "summarization"
	TaskCreative      TaskType = "creative"
)

var TaskTypes = []TaskType{TaskChat, TaskResearch, TaskCoding, TaskAnalysis, TaskSummarization, TaskCreative}

func (t TaskType) Valid() bool { return slices.Contains(TaskTypes, t) }

// providerHints orders providers per task type for the hint stage of selection.
var providerHints = map[TaskType][]string{
	TaskChat:          {"anthropic", "openai", "google"},
	TaskResearch:      {"google", "openai", "anthropic", "openrouter"},
	TaskCoding:        {"anthropic", "openai", "openrouter"},
	TaskAnalysis:      {"anthropic", "google", "openai"},
	TaskSummarization: {"google", "openai", "anthropic"},
	TaskCreative:      {"openai", "anthropic", "google"},
}

// Selection reasons.
const (
	ReasonOverride       = "override"
	ReasonPreference     = "preference"
	ReasonProviderHint   = "provider_hint"
	ReasonFirstAvailable = "first_available"
	ReasonContextFit     = "context_fit"
)

// Alternative is a cheaper model that also fits the request.
type Alternative struct {
	Model         Model   `json:"model"`
	EstimatedCost float64 `json:"estimated_cost"`
}

type Selection struct {
	Model           Model         `json:"model"`
	Reason          string        `json:"reason"`
	EstimatedTokens int           `json:"estimated_tokens"`
	EstimatedCost   float64       `json:"estimated_cost"`
	Alternatives    []Alternative `json:"alternatives,omitempty"`
}

// EstimateCost prices tokens×3 (response headroom) at the average of the
// model's input and output per-1k rates.
func EstimateCost(m Model, tokens int) float64 {
	avg := (m.InputCostPer1K + m.OutputCostPer1K) / 2
	return float64(tokens*3) / 1000 * avg
}

// Select picks a model for req without calling it.
func (r *Router) Select(ctx context.Context, req Request) (Selection, error) {
	taskType := req.TaskType
	if taskType == "" {
		taskType = TaskChat
	}
	if !taskType.Valid() {
		return Selection{}, fmt.Errorf("%w: %q", ErrInvalidTaskType, taskType)
	}
	models, err := r.available(ctx)
	if err != nil {
		return Selection{}, err
	}
	if len(models) == 0 {
		return Selection{}, ErrNoModels
	}

	chosen, reason := r.pick(ctx, models, req.Owner, taskType, req.ModelOverride)
	tokens := tokenutil.EstimateAll(append([]string{req.Prompt}, req.Context...)...)

	if tokens > chosen.ContextWindow {
		fit, ok := smallestFitting(models, tokens)
		if !ok {
			return Selection{}, fmt.Errorf("%w: ~%d tokens exceeds every available context window", ErrNoModelFits, tokens)
		}
		r.logger.Info("reselected model for context size", "from", chosen.ID, "to", fit.ID, "tokens", tokens)
		chosen, reason = fit, ReasonContextFit
	}

	sel := Selection{
		Model:           chosen,
		Reason:          reason,
		EstimatedTokens: tokens,
		EstimatedCost:   EstimateCost(chosen, tokens),
	}
	sel.Alternatives = cheaperAlternatives(models, chosen, tokens, sel.EstimatedCost, 3)
	return sel, nil
}

// pick applies override → preference → provider hint → first available.
func (r *Router) pick(ctx context.Context, models []Model, owner string, taskType TaskType, override string) (Model, string) {
	if override != "" {
		if m, ok := findModel(models, override); ok {
			return m, ReasonOverride
		}
		r.logger.Debug("model override not available; ignoring", "model", override)
	}
	if r.prefs != nil && owner != "" {
		prefs, err := r.prefs.ModelPreferences(ctx, owner)
		if err != nil {
			r.logger.Warn("failed to load model preferences", "owner", owner, "error", err)
		} else if id, ok := prefs[string(taskType)]; ok {
			if m, ok := findModel(models, id); ok {
				return m, ReasonPreference
			}
		}
	}
	for _, provider := range providerHints[taskType] {
		for _, m := range models {
			if m.Provider == provider {
				return m, ReasonProviderHint
			}
		}
	}
	return models[0], ReasonFirstAvailable
}

func findModel(models []Model, id string) (Model, bool) {
	for _, m := range models {
		if m.ID == id || m.ModelID == id {
			return m, true
		}
	}
	return Model{}, false
}

func smallestFitting(models []Model, tokens int) (Model, bool) {
	var best Model
	found := false
	for _, m := range models {
		if m.ContextWindow < tokens {
			continue
		}
		if !found || m.ContextWindow < best.ContextWindow {
			best, found = m, true
		}
	}
	return best, found
}

func cheaperAlternatives(models []Model, chosen Model, tokens int, cost float64, max int) []Alternative {
	var out []Alternative
	for _, m := range models {
		if m.ID == chosen.ID || m.ContextWindow < tokens {
			continue
		}
		if c := EstimateCost(m, tokens); c < cost {
			out = append(out, Alternative{Model: m, EstimatedCost: c})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EstimatedCost < out[j].EstimatedCost })
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// fallbackFor picks the single model tried after failed: the same provider's
// nearest-cost model, then any other provider's model, then the configured
// default.
func (r *Router) fallbackFor(models []Model, failed Model, tokens int) (Model, bool) {
	failedCost := (failed.InputCostPer1K + failed.OutputCostPer1K) / 2
	var (
		best     Model
		bestDiff = math.MaxFloat64
		found    bool
	)
	for _, m := range models {
		if m.ID == failed.ID || m.Provider != failed.Provider || m.ContextWindow < tokens {
			continue
		}
		diff := math.Abs((m.InputCostPer1K+m.OutputCostPer1K)/2 - failedCost)
		if diff < bestDiff {
			best, bestDiff, found = m, diff, true
		}
	}
	if found {
		return best, true
	}
	for _, m := range models {
		if m.Provider != failed.Provider && m.ContextWindow >= tokens {
			return m, true
		}
	}
	if r.defaultModel != "" && r.defaultModel != failed.ID && r.defaultModel != failed.ModelID {
		if m, ok := findModel(models, r.defaultModel); ok {
			return m, true
		}
	}
	return Model{}, false
}
