// Package prompt assembles system prompts from a persona, the owner's
// remembered facts and the tool catalog.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/telemetry"
)

const defaultMaxMemories = 10

type Options struct {
	Owner           string
	Platform        string
	SessionID       string
	IncludeTools    bool
	IncludeMemories bool
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type Prompt struct {
	SystemPrompt    string
	ToolDefinitions []ToolDefinition
}

// Builder produces the system prompt for one model call.
type Builder interface {
	BuildSystemPrompt(ctx context.Context, opts Options) (Prompt, error)
}

// ToolSource lists the tools an owner can call.
type ToolSource interface {
	ToolDefinitions(owner string) []ToolDefinition
}

type MemorySource interface {
	ListMemories(ctx context.Context, owner string) ([]persistence.Memory, error)
}

type Config struct {
	AgentName   string
	Persona     string // replaces the default persona when set
	Tools       ToolSource
	Memories    MemorySource
	MaxMemories int
	Logger      *slog.Logger
}

// Default is the stock Builder.
type Default struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	persona string
}

func NewDefault(cfg Config) *Default {
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = defaultMaxMemories
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Default{cfg: cfg, logger: logger.With("component", "prompt"), persona: cfg.Persona}
}

// SetPersona swaps the persona text, e.g. after PERSONA.md changes on disk.
// An empty persona restores the default one.
func (d *Default) SetPersona(persona string) {
	d.mu.Lock()
	d.persona = persona
	d.mu.Unlock()
}

func (d *Default) BuildSystemPrompt(ctx context.Context, opts Options) (Prompt, error) {
	var b strings.Builder
	d.mu.RLock()
	persona := strings.TrimSpace(d.persona)
	d.mu.RUnlock()
	if persona == "" {
		persona = defaultPersona(d.cfg.AgentName)
	}
	b.WriteString(persona)
	if opts.Platform != "" {
		fmt.Fprintf(&b, "\n\nYou are responding through the %s platform.", opts.Platform)
	}

	if opts.IncludeMemories && d.cfg.Memories != nil && opts.Owner != "" {
		mems, err := d.cfg.Memories.ListMemories(ctx, opts.Owner)
		if err != nil {
			// Continue without memories rather than failing the call.
			d.logger.Warn("failed to load memories", "owner", opts.Owner, "error", err)
		} else if block := formatMemories(mems, d.cfg.MaxMemories); block != "" {
			b.WriteString("\n\n")
			b.WriteString(block)
		}
	}

	var p Prompt
	if opts.IncludeTools && d.cfg.Tools != nil {
		p.ToolDefinitions = d.cfg.Tools.ToolDefinitions(opts.Owner)
		if len(p.ToolDefinitions) > 0 {
			b.WriteString("\n\nAvailable tools:\n")
			for _, t := range p.ToolDefinitions {
				fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
			}
		}
	}
	p.SystemPrompt = strings.TrimRight(b.String(), "\n")
	return p, nil
}

func defaultPersona(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "the assistant"
	}
	return fmt.Sprintf("You are %s, an autonomous agent working on behalf of one account. "+
		"Act on the task directly, use tools when they are needed, and report results plainly.", name)
}

// formatMemories renders a <core_memory> block, verified facts first.
// Contradicted facts are left out.
func formatMemories(mems []persistence.Memory, limit int) string {
	var kept []persistence.Memory
	for _, m := range mems {
		if !m.Contradicted && strings.TrimSpace(m.Key) != "" {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Verified != kept[j].Verified {
			return kept[i].Verified
		}
		return kept[i].CreatedAt.After(kept[j].CreatedAt)
	})
	if len(kept) > limit {
		kept = kept[:limit]
	}
	var b strings.Builder
	b.WriteString("<core_memory>\n")
	for _, m := range kept {
		fmt.Fprintf(&b, "%s: %s\n", m.Key, m.Value)
	}
	b.WriteString("</core_memory>")
	return b.String()
}
