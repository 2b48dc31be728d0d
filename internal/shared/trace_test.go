package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestContextKeys_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithOwnerID(ctx, "user-1")
	ctx = WithAgentID(ctx, "agent-1")
	ctx = WithTaskID(ctx, "task-1")

	if OwnerID(ctx) != "user-1" || AgentID(ctx) != "agent-1" || TaskID(ctx) != "task-1" {
		t.Fatalf("unexpected context values: owner=%q agent=%q task=%q",
			OwnerID(ctx), AgentID(ctx), TaskID(ctx))
	}
	if OwnerID(context.Background()) != "" {
		t.Fatal("expected empty owner on bare context")
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}
