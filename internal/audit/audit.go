// Package audit keeps the append-only trail of authority decisions and
// other security-relevant events, as JSONL under <home>/logs and as rows
// in the audit_log table when a database is attached.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentcore/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Entry is one audit record. Action is "<resource>.<action>" for
// permission decisions and a free-form verb for other events.
type Entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Owner     string `json:"owner"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches the store database so entries are also written to audit_log.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record writes one decision. Failures to write are swallowed: auditing
// must never change the outcome of the audited operation.
func Record(ctx context.Context, owner, action, decision, reason, subject string) {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}
	ev := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Owner:     owner,
		Action:    action,
		Decision:  decision,
		Reason:    shared.Redact(reason),
		Subject:   shared.Redact(subject),
		AgentID:   shared.AgentID(ctx),
		TaskID:    shared.TaskID(ctx),
	}
	if tid := shared.TraceID(ctx); tid != "-" {
		ev.TraceID = tid
	}

	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		if b, err := json.Marshal(ev); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, owner, action, decision, reason, subject)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ev.TraceID, ev.Owner, ev.Action, ev.Decision, ev.Reason, ev.Subject)
	}
}
