package prompt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/persistence"
)

type fakeTools []ToolDefinition

func (f fakeTools) ToolDefinitions(string) []ToolDefinition { return f }

type fakeMemories struct {
	mems []persistence.Memory
	err  error
}

func (f fakeMemories) ListMemories(context.Context, string) ([]persistence.Memory, error) {
	return f.mems, f.err
}

func TestBuildSystemPrompt_DefaultPersona(t *testing.T) {
	p, err := NewDefault(Config{AgentName: "Ada"}).BuildSystemPrompt(context.Background(), Options{Owner: "u"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(p.SystemPrompt, "You are Ada") {
		t.Fatalf("unexpected prompt: %q", p.SystemPrompt)
	}
	if len(p.ToolDefinitions) != 0 {
		t.Fatalf("tools not requested but returned: %+v", p.ToolDefinitions)
	}
}

func TestSetPersona_ReplacesAndRestores(t *testing.T) {
	d := NewDefault(Config{AgentName: "Ada", Persona: "You are a pirate."})
	ctx := context.Background()

	p, _ := d.BuildSystemPrompt(ctx, Options{})
	if !strings.HasPrefix(p.SystemPrompt, "You are a pirate.") {
		t.Fatalf("configured persona ignored: %q", p.SystemPrompt)
	}
	d.SetPersona("You are a librarian.")
	p, _ = d.BuildSystemPrompt(ctx, Options{})
	if !strings.HasPrefix(p.SystemPrompt, "You are a librarian.") {
		t.Fatalf("swapped persona ignored: %q", p.SystemPrompt)
	}
	d.SetPersona("")
	p, _ = d.BuildSystemPrompt(ctx, Options{})
	if !strings.HasPrefix(p.SystemPrompt, "You are Ada") {
		t.Fatalf("empty persona should restore the default: %q", p.SystemPrompt)
	}
}

func TestBuildSystemPrompt_ToolsAndMemories(t *testing.T) {
	now := time.Now()
	b := NewDefault(Config{
		Persona: "Custom persona.",
		Tools:   fakeTools{{Name: "files.read", Description: "Read a file"}},
		Memories: fakeMemories{mems: []persistence.Memory{
			{Key: "lang", Value: "Go", CreatedAt: now},
			{Key: "tz", Value: "UTC", Verified: true, CreatedAt: now.Add(-time.Hour)},
			{Key: "bad", Value: "x", Contradicted: true},
		}},
	})
	p, err := b.BuildSystemPrompt(context.Background(), Options{
		Owner: "u", Platform: "telegram", IncludeTools: true, IncludeMemories: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, want := range []string{"Custom persona.", "telegram", "<core_memory>", "files.read: Read a file"} {
		if !strings.Contains(p.SystemPrompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p.SystemPrompt)
		}
	}
	if strings.Contains(p.SystemPrompt, "bad: x") {
		t.Fatal("contradicted memory included")
	}
	if strings.Index(p.SystemPrompt, "tz: UTC") > strings.Index(p.SystemPrompt, "lang: Go") {
		t.Fatal("verified memory should come first")
	}
	if len(p.ToolDefinitions) != 1 {
		t.Fatalf("tool definitions = %d, want 1", len(p.ToolDefinitions))
	}
}

func TestBuildSystemPrompt_MemoryErrorIsNotFatal(t *testing.T) {
	b := NewDefault(Config{Memories: fakeMemories{err: errors.New("db down")}})
	p, err := b.BuildSystemPrompt(context.Background(), Options{Owner: "u", IncludeMemories: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Contains(p.SystemPrompt, "core_memory") {
		t.Fatal("unexpected memory block")
	}
}

func TestFormatMemories_Limit(t *testing.T) {
	var mems []persistence.Memory
	for i := 0; i < 5; i++ {
		mems = append(mems, persistence.Memory{Key: "k", Value: "v"})
	}
	block := formatMemories(mems, 2)
	if strings.Count(block, "k: v") != 2 {
		t.Fatalf("limit not applied:\n%s", block)
	}
}
