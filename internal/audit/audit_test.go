package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/agentcore/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

func TestRecordWritesJSONL(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	ctx = shared.WithAgentID(shared.WithTaskID(ctx, "task-9"), "agent-7")
	Record(ctx, "user-1", "files.read", DecisionDeny, "no_grant", "/etc/passwd")
	Record(ctx, "user-1", "shell.execute", DecisionAllow, "allowed", "ls -la")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(lines))
	}
	var first Entry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if first.Decision != DecisionDeny || first.Action != "files.read" || first.Owner != "user-1" {
		t.Fatalf("unexpected entry: %+v", first)
	}
	if first.TraceID != "trace-1" {
		t.Fatalf("trace id = %q, want trace-1", first.TraceID)
	}
	if first.AgentID != "agent-7" || first.TaskID != "task-9" {
		t.Fatalf("expected agent and task ids from context, got %+v", first)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), "u", "shell.execute", DecisionAllow, "allowed", "curl -H 'Bearer abcdefghijklmnopqrstuvwxyz'")
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("expected secret to be redacted: %s", raw)
	}
}

func TestRecordWritesAuditTable(t *testing.T) {
	d, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer d.Close()
	if _, err := d.Exec(`CREATE TABLE audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT, trace_id TEXT, owner TEXT, action TEXT,
		decision TEXT, reason TEXT, subject TEXT, created_at DATETIME DEFAULT CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	SetDB(d)
	t.Cleanup(func() { _ = Close() })

	before := DenyCount()
	Record(context.Background(), "u2", "email.read", DecisionDeny, "not_connected", "")
	if DenyCount() != before+1 {
		t.Fatalf("deny count = %d, want %d", DenyCount(), before+1)
	}
	var n int
	if err := d.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE owner = 'u2' AND reason = 'not_connected'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}
