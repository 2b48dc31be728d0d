package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/notify"
	"github.com/basket/agentcore/internal/orchestrator"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/router"
	"github.com/basket/agentcore/internal/sandbox"
	"github.com/basket/agentcore/internal/toolhub"
)

const (
	DefaultUnverifiedTTL = 30 * 24 * time.Hour
	DefaultSessionTTL    = 7 * 24 * time.Hour
	maxOutput            = 4000
)

// MemoryMaintainer runs the memory hygiene passes.
type MemoryMaintainer interface {
	FlagContradictions(ctx context.Context, owner string) (int64, error)
	ExpireUnverifiedMemories(ctx context.Context, owner string, cutoff time.Time) (int64, error)
}

type SessionCleaner interface {
	DeleteStaleSessions(ctx context.Context, owner string, cutoff time.Time) (int64, error)
}

type QueueDrainer interface {
	ProcessQueue(ctx context.Context, owner string) (orchestrator.QueueReport, error)
}

type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, args json.RawMessage, cc toolhub.CallContext) (string, error)
}

type Reasoner interface {
	Route(ctx context.Context, req router.Request) (*router.Response, error)
}

type PluginRunner interface {
	ExecutePlugin(ctx context.Context, owner, pluginID string, opts sandbox.ExecuteOptions) (*sandbox.Execution, error)
}

// Deps are the collaborators the built-in handlers dispatch to. A nil
// collaborator leaves its action without a handler.
type Deps struct {
	Memory        MemoryMaintainer
	Sessions      SessionCleaner
	Agents        QueueDrainer
	Tools         ToolExecutor
	Router        Reasoner
	Plugins       PluginRunner
	UnverifiedTTL time.Duration
	SessionTTL    time.Duration
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxOutput {
		return s
	}
	return string(r[:maxOutput]) + "…"
}

func defaultHandlers(d Deps, notifier notify.Notifier, now func() time.Time) map[ActionType]Handler {
	if d.UnverifiedTTL <= 0 {
		d.UnverifiedTTL = DefaultUnverifiedTTL
	}
	if d.SessionTTL <= 0 {
		d.SessionTTL = DefaultSessionTTL
	}
	h := map[ActionType]Handler{
		persistence.ActionNotification: notificationHandler(notifier),
	}
	if d.Memory != nil {
		h[persistence.ActionDetectContradictions] = func(ctx context.Context, owner string, _ json.RawMessage) (string, error) {
			n, err := d.Memory.FlagContradictions(ctx, owner)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("flagged %d contradicting memories", n), nil
		}
		h[persistence.ActionExpireUnverifiedMemories] = func(ctx context.Context, owner string, payload json.RawMessage) (string, error) {
			var p struct {
				MaxAgeDays int `json:"max_age_days"`
			}
			if err := decode(payload, &p); err != nil {
				return "", err
			}
			ttl := d.UnverifiedTTL
			if p.MaxAgeDays > 0 {
				ttl = time.Duration(p.MaxAgeDays) * 24 * time.Hour
			}
			n, err := d.Memory.ExpireUnverifiedMemories(ctx, owner, now().Add(-ttl))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("expired %d unverified memories", n), nil
		}
	}
	if d.Sessions != nil {
		h[persistence.ActionCleanupStaleSessions] = func(ctx context.Context, owner string, payload json.RawMessage) (string, error) {
			var p struct {
				MaxAgeDays int `json:"max_age_days"`
			}
			if err := decode(payload, &p); err != nil {
				return "", err
			}
			ttl := d.SessionTTL
			if p.MaxAgeDays > 0 {
				ttl = time.Duration(p.MaxAgeDays) * 24 * time.Hour
			}
			n, err := d.Sessions.DeleteStaleSessions(ctx, owner, now().Add(-ttl))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("deleted %d stale session messages", n), nil
		}
	}
	if d.Agents != nil {
		h[persistence.ActionProcessAgentQueue] = func(ctx context.Context, owner string, _ json.RawMessage) (string, error) {
			report, err := d.Agents.ProcessQueue(ctx, owner)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("stepped %d agents, %d failed", len(report.Results), report.Failed()), nil
		}
	}
	if d.Tools != nil {
		h[persistence.ActionToolCall] = func(ctx context.Context, owner string, payload json.RawMessage) (string, error) {
			var p struct {
				Tool string          `json:"tool"`
				Args json.RawMessage `json:"args"`
			}
			if err := decode(payload, &p); err != nil {
				return "", err
			}
			if p.Tool == "" {
				return "", errors.New("tool_call: payload.tool is required")
			}
			out, err := d.Tools.ExecuteTool(ctx, p.Tool, p.Args, toolhub.CallContext{Owner: owner, SessionID: "scheduler", HostShell: true})
			return clip(out), err
		}
	}
	if d.Router != nil {
		h[persistence.ActionAISummary] = aiHandler(d.Router, notifier, router.TaskSummarization,
			"Summarize the following for the user concisely.")
		h[persistence.ActionAIMessage] = aiHandler(d.Router, notifier, router.TaskChat, "")
	}
	if d.Plugins != nil {
		h[persistence.ActionRunPlugin] = func(ctx context.Context, owner string, payload json.RawMessage) (string, error) {
			var p struct {
				PluginID  string          `json:"plugin_id"`
				Input     json.RawMessage `json:"input"`
				TimeoutMS int             `json:"timeout_ms"`
				Notify    bool            `json:"notify"`
			}
			if err := decode(payload, &p); err != nil {
				return "", err
			}
			if p.PluginID == "" {
				return "", errors.New("run_plugin: payload.plugin_id is required")
			}
			var input any
			if len(p.Input) > 0 {
				if err := json.Unmarshal(p.Input, &input); err != nil {
					return "", fmt.Errorf("run_plugin: decode input: %w", err)
				}
			}
			exec, err := d.Plugins.ExecutePlugin(ctx, owner, p.PluginID, sandbox.ExecuteOptions{
				Input:   input,
				Context: map[string]any{"trigger": "scheduler"},
				Timeout: time.Duration(p.TimeoutMS) * time.Millisecond,
				Notify:  p.Notify,
			})
			if err != nil {
				return "", err
			}
			return clip(string(exec.Result)), nil
		}
	}
	return h
}

func notificationHandler(notifier notify.Notifier) Handler {
	return func(ctx context.Context, owner string, payload json.RawMessage) (string, error) {
		var p struct {
			Text string `json:"text"`
		}
		if err := decode(payload, &p); err != nil {
			return "", err
		}
		text := strings.TrimSpace(p.Text)
		if text == "" {
			return "", errors.New("notification: payload.text is required")
		}
		notifier.NotifyUser(ctx, owner, text)
		return "sent", nil
	}
}

// aiHandler asks the router for a one-off reply and sends it to the owner.
// Payload: {"prompt": "...", "context": ["..."], "model": "..."}.
func aiHandler(r Reasoner, notifier notify.Notifier, taskType router.TaskType, instruction string) Handler {
	return func(ctx context.Context, owner string, payload json.RawMessage) (string, error) {
		var p struct {
			Prompt  string   `json:"prompt"`
			Context []string `json:"context"`
			Model   string   `json:"model"`
		}
		if err := decode(payload, &p); err != nil {
			return "", err
		}
		if strings.TrimSpace(p.Prompt) == "" {
			return "", fmt.Errorf("%s: payload.prompt is required", taskType)
		}
		prompt := p.Prompt
		if instruction != "" {
			prompt = instruction + "\n\n" + prompt
		}
		resp, err := r.Route(ctx, router.Request{
			Owner:         owner,
			SessionID:     "scheduler:" + string(taskType),
			TaskType:      taskType,
			Prompt:        prompt,
			Context:       p.Context,
			ModelOverride: p.Model,
			SystemPrompt:  true,
			HistoryTurns:  -1,
		})
		if err != nil {
			return "", err
		}
		text := strings.TrimSpace(resp.Text)
		if text == "" {
			return "", errors.New("model returned an empty reply")
		}
		notifier.NotifyUser(ctx, owner, text)
		return clip(text), nil
	}
}
