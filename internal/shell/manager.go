// Package shell executes owner commands on the host or inside a
// throwaway container, with a deny list, timeouts and output limits.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/shared"
	"github.com/basket/agentcore/internal/telemetry"
)

const (
	DefaultTimeout = 30 * time.Second
	MaxTimeout     = 120 * time.Second
	maxOutputBytes = 8 * 1024
)

var (
	ErrEmptyCommand       = errors.New("empty command")
	ErrSandboxUnavailable = errors.New("sandboxed execution requested but no sandbox is configured")
)

// BlockedError rejects a command before it runs.
type BlockedError struct {
	Token  string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("command blocked: %s (%q)", e.Reason, e.Token)
}

var denyList = map[string]struct{}{
	"rm": {}, "rmdir": {}, "mkfs": {}, "dd": {}, "shutdown": {}, "reboot": {}, "halt": {},
	"poweroff": {}, "kill": {}, "killall": {}, "pkill": {}, "sudo": {}, "su": {},
	"chmod": {}, "chown": {},
}

type Request struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	TimeoutMs int      `json:"timeout_ms,omitempty"`
	Sandboxed bool     `json:"sandboxed,omitempty"`
}

// CommandLine joins Command and shell-quoted Args.
func (r Request) CommandLine() string {
	parts := []string{strings.TrimSpace(r.Command)}
	for _, a := range r.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

type Result struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

type Config struct {
	Host    Executor // defaults to HostExecutor
	Sandbox Executor // nil disables sandboxed execution
	Logger  *slog.Logger
}

type Manager struct {
	host    Executor
	sandbox Executor
	logger  *slog.Logger
}

func NewManager(cfg Config) *Manager {
	m := &Manager{host: cfg.Host, sandbox: cfg.Sandbox, logger: cfg.Logger}
	if m.host == nil {
		m.host = HostExecutor{}
	}
	if m.logger == nil {
		m.logger = telemetry.Discard()
	}
	m.logger = m.logger.With("component", "shell")
	return m
}

// Execute runs req for owner. A non-zero exit is a Result with Success
// false, not an error; errors mean the command never ran to completion.
func (m *Manager) Execute(ctx context.Context, owner string, req Request) (Result, error) {
	line := req.CommandLine()
	if strings.TrimSpace(req.Command) == "" {
		return Result{}, ErrEmptyCommand
	}
	if err := screen(line); err != nil {
		m.logger.Warn("command blocked", "owner", owner, "error", err)
		return Result{}, err
	}

	exec := m.host
	if req.Sandboxed {
		if m.sandbox == nil {
			return Result{}, ErrSandboxUnavailable
		}
		exec = m.sandbox
	}

	timeout := DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, code, err := exec.Exec(runCtx, line, req.Cwd)
	res := Result{
		ExitCode:   code,
		Stdout:     shared.Redact(truncate(stdout, maxOutputBytes)),
		Stderr:     shared.Redact(truncate(stderr, maxOutputBytes)),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			res.ExitCode = -1
			if res.Stderr == "" {
				res.Stderr = "command timed out"
			}
			m.logger.Info("command timed out", "owner", owner, "sandboxed", req.Sandboxed, "timeout", timeout)
			return res, nil
		}
		return res, fmt.Errorf("exec: %w", err)
	}
	res.Success = code == 0
	m.logger.Debug("command finished", "owner", owner, "sandboxed", req.Sandboxed,
		"exit_code", code, "duration_ms", res.DurationMs)
	return res, nil
}

// screen rejects substitution operators and deny-listed programs in any
// pipeline segment.
func screen(line string) error {
	for _, op := range []string{";", "$(", "`", "\n"} {
		if strings.Contains(line, op) {
			return &BlockedError{Token: op, Reason: "disallowed operator"}
		}
	}
	for _, seg := range splitSegments(line) {
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		prog := fields[0]
		if i := strings.LastIndex(prog, "/"); i >= 0 {
			prog = prog[i+1:]
		}
		if _, blocked := denyList[prog]; blocked {
			return &BlockedError{Token: prog, Reason: "program on deny list"}
		}
	}
	return nil
}

func splitSegments(cmd string) []string {
	var segments []string
	rest := cmd
	for rest != "" {
		idx, size := len(rest), 0
		for _, op := range []string{"||", "&&", "|", "&"} {
			if i := strings.Index(rest, op); i >= 0 && i < idx {
				idx, size = i, len(op)
			}
		}
		if seg := strings.TrimSpace(rest[:idx]); seg != "" {
			segments = append(segments, seg)
		}
		if size == 0 {
			break
		}
		rest = rest[idx+size:]
	}
	return segments
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

func quote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
