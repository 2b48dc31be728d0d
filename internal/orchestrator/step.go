package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/router"
	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/toolhub"
)

const envelopeInstructions = `Reply with exactly one JSON object and nothing else:
{"status": "continue" | "done" | "failed", "message": "<progress note or final answer>", "toolCall": {"tool": "<tool name>", "args": {...}}}
Use "continue" while work remains, "done" with the final answer, "failed" if the task cannot be completed.
Omit "toolCall" when no tool is needed.`

const missingEnvelopeNote = "[auto-completed: missing envelope]"

// SessionID is the message-log session an agent's model calls are filed under.
func SessionID(agentID string) string { return "agent:" + agentID }

func buildStepPrompt(a *Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", a.Task)
	if a.Memory.Focus != "" {
		fmt.Fprintf(&b, "Focus: %s\n", a.Memory.Focus)
	}
	hist := a.Memory.History
	if len(hist) > HistoryWindow {
		hist = hist[len(hist)-HistoryWindow:]
	}
	if len(hist) > 0 {
		b.WriteString("\nRecent history:\n")
		for _, t := range hist {
			fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.Content)
		}
	} else {
		b.WriteString("\nThis is the first step.\n")
	}
	b.WriteString("\n")
	b.WriteString(envelopeInstructions)
	return b.String()
}

func appendTurn(a *Agent, role, content string) {
	a.Memory.History = append(a.Memory.History, persistence.Turn{Role: role, Content: content, At: time.Now().UTC()})
	if n := len(a.Memory.History); n > MaxHistory {
		a.Memory.History = append([]persistence.Turn(nil), a.Memory.History[n-MaxHistory:]...)
	}
}

// discardStep drops a finished step whose agent was paused (or otherwise
// left the runnable states) meanwhile, and reloads the stored agent.
func (o *Orchestrator) discardStep(ctx context.Context, a *Agent) error {
	cur, err := o.store.GetAgent(ctx, a.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("agent %s: %w", a.ID, ErrNotFound)
	}
	o.logger.Info("agent changed state during step, result discarded", "agent_id", a.ID, "status", cur.Status)
	*a = *cur
	return nil
}

// Step runs one cognitive step for an active agent and persists the result.
// On error nothing is saved; ProcessQueue then fails the agent.
func (o *Orchestrator) Step(ctx context.Context, a *Agent) error {
	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.step",
		otel.AttrOwner.String(a.Owner), otel.AttrAgentID.String(a.ID))
	defer span.End()
	ctx = shared.WithAgentID(shared.WithOwnerID(ctx, a.Owner), a.ID)
	if o.metrics != nil {
		o.metrics.AgentSteps.Add(ctx, 1)
	}

	taskType := router.TaskType(a.Memory.TaskType)
	if !taskType.Valid() {
		taskType = router.TaskAnalysis
	}
	resp, err := o.router.Route(ctx, router.Request{
		Owner:        a.Owner,
		SessionID:    SessionID(a.ID),
		TaskType:     taskType,
		Prompt:       buildStepPrompt(a),
		SystemPrompt: true,
		IncludeTools: true,
		HistoryTurns: -1,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("reasoning call: %w", err)
	}

	d := parseReply(resp.Text)
	reply := d.Message
	if reply == "" {
		reply = strings.TrimSpace(resp.Text)
	}
	appendTurn(a, "assistant", reply)

	if d.ToolCall != nil {
		out, err := o.tools.ExecuteTool(ctx, d.ToolCall.Tool, d.ToolCall.Args, toolhub.CallContext{
			Owner: a.Owner, SessionID: SessionID(a.ID), AgentID: a.ID,
		})
		if ctx.Err() != nil {
			return fmt.Errorf("tool %s: %w", d.ToolCall.Tool, ctx.Err())
		}
		if err != nil {
			appendTurn(a, "tool", fmt.Sprintf("Tool %s error: %v", d.ToolCall.Tool, err))
		} else {
			appendTurn(a, "tool", fmt.Sprintf("Tool %s result: %s", d.ToolCall.Tool, out))
		}
	}

	status := d.Status
	if d.Recognized() {
		a.Memory.MissingEnvelopeStreak = 0
	} else {
		a.Memory.MissingEnvelopeStreak++
		if a.Memory.MissingEnvelopeStreak >= missingEnvelopeLimit {
			status = StatusDone
			reply = strings.TrimSpace(reply + "\n\n" + missingEnvelopeNote)
			o.logger.Warn("agent auto-completed without envelope", "agent_id", a.ID, "streak", a.Memory.MissingEnvelopeStreak)
		}
	}

	switch status {
	case StatusDone:
		a.Status = persistence.AgentCompleted
		a.Result = reply
	case StatusFailed:
		a.Status = persistence.AgentFailed
		a.Result = reply
	default:
		a.Status = persistence.AgentActive
	}
	if err := o.store.SaveAgentStep(context.WithoutCancel(ctx), a); err != nil {
		if errors.Is(err, persistence.ErrNotRunnable) {
			return o.discardStep(context.WithoutCancel(ctx), a)
		}
		return err
	}
	o.logger.Debug("agent step finished", "agent_id", a.ID, "status", a.Status, "source", d.Source,
		"model", resp.ModelID, "tool", toolName(d.ToolCall))
	if a.Status.Terminal() {
		o.finalize(context.WithoutCancel(ctx), a)
	}
	return nil
}

func toolName(tc *ToolCall) string {
	if tc == nil {
		return ""
	}
	return tc.Tool
}
