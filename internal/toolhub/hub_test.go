package toolhub

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/agentcore/internal/mcp"
	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/shell"
)

// grantAuth allows (resource.action) pairs listed in allowed, for any target.
type grantAuth struct {
	allowed map[string]bool
	checks  []string
}

func (a *grantAuth) Require(_ context.Context, _, resource, action string, t permission.Target) error {
	a.checks = append(a.checks, resource+"."+action+" "+t.String())
	if a.allowed[resource+"."+action] {
		return nil
	}
	return &permission.DeniedError{Resource: resource, Action: action, Reason: permission.ReasonNoGrant}
}

type fakeShell struct {
	got shell.Request
	res shell.Result
}

func (f *fakeShell) Execute(_ context.Context, _ string, req shell.Request) (shell.Result, error) {
	f.got = req
	return f.res, nil
}

type fakeMCP struct {
	calls []string
}

func (f *fakeMCP) Tools() []mcp.ServerTool {
	return []mcp.ServerTool{{Server: "github", Tool: mcp.Tool{
		Name: "search", Description: "Search issues", InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
	}}}
}

func (f *fakeMCP) CallTool(_ context.Context, server, tool string, args json.RawMessage) (string, error) {
	f.calls = append(f.calls, server+"."+tool+" "+string(args))
	return "3 issues", nil
}

type notes struct{ texts []string }

func (n *notes) NotifyUser(_ context.Context, _ string, text string) { n.texts = append(n.texts, text) }

var cc = CallContext{Owner: "u1", SessionID: "agent:a1", AgentID: "a1"}

func TestExecuteTool_FilesRoundTrip(t *testing.T) {
	auth := &grantAuth{allowed: map[string]bool{"files.read": true, "files.write": true}}
	h := New(Config{Auth: auth})
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "notes.txt")

	out, err := h.ExecuteTool(ctx, "files.write", json.RawMessage(`{"path":"`+path+`","content":"hello"}`), cc)
	if err != nil || !strings.HasPrefix(out, "wrote 5 bytes") {
		t.Fatalf("write = %q, %v", out, err)
	}
	out, err = h.ExecuteTool(ctx, "files.read", json.RawMessage(`{"path":"`+path+`"}`), cc)
	if err != nil || out != "hello" {
		t.Fatalf("read = %q, %v", out, err)
	}
	out, err = h.ExecuteTool(ctx, "files.list", json.RawMessage(`{"path":"`+dir+`"}`), cc)
	if err != nil || out != "sub/" {
		t.Fatalf("list = %q, %v", out, err)
	}
}

func TestExecuteTool_DeniedWithoutGrant(t *testing.T) {
	h := New(Config{Auth: &grantAuth{}})
	path := filepath.Join(t.TempDir(), "x.txt")
	_, err := h.ExecuteTool(context.Background(), "files.write", json.RawMessage(`{"path":"`+path+`","content":"x"}`), cc)
	var denied *permission.DeniedError
	if !errors.As(err, &denied) || denied.Reason != permission.ReasonNoGrant {
		t.Fatalf("expected denial, got %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatal("file written despite denial")
	}
}

func TestExecuteTool_ArgsValidatedAgainstSchema(t *testing.T) {
	auth := &grantAuth{allowed: map[string]bool{"files.read": true}}
	h := New(Config{Auth: auth})
	for _, args := range []string{`{}`, `{"path":""}`, `{"path":42}`, `not json`} {
		_, err := h.ExecuteTool(context.Background(), "files.read", json.RawMessage(args), cc)
		var ae *ArgsError
		if !errors.As(err, &ae) {
			t.Fatalf("args %s: expected ArgsError, got %v", args, err)
		}
	}
	if len(auth.checks) != 0 {
		t.Fatalf("authority consulted for invalid args: %v", auth.checks)
	}
}

func TestExecuteTool_ShellDefaultsToSandbox(t *testing.T) {
	auth := &grantAuth{allowed: map[string]bool{"shell.execute": true}}
	sh := &fakeShell{res: shell.Result{Success: true, Stdout: "hi\n"}}
	h := New(Config{Auth: auth, Shell: sh})

	out, err := h.ExecuteTool(context.Background(), "shell.exec", json.RawMessage(`{"command":"echo","args":["hi"]}`), cc)
	if err != nil {
		t.Fatalf("shell.exec: %v", err)
	}
	if !sh.got.Sandboxed || sh.got.Command != "echo" || !strings.Contains(out, "stdout:\nhi") {
		t.Fatalf("request=%+v out=%q", sh.got, out)
	}
	if auth.checks[0] != "shell.execute command=echo hi" {
		t.Fatalf("check = %q", auth.checks[0])
	}

	owner := CallContext{Owner: "u1", HostShell: true}
	sh.res = shell.Result{Success: false, ExitCode: 2, Stderr: "boom"}
	_, err = h.ExecuteTool(context.Background(), "shell.exec", json.RawMessage(`{"command":"false","sandboxed":false}`), owner)
	if err == nil || !strings.Contains(err.Error(), "boom") || sh.got.Sandboxed {
		t.Fatalf("failed command: err=%v request=%+v", err, sh.got)
	}
}

func TestExecuteTool_AgentCannotLeaveSandbox(t *testing.T) {
	auth := &grantAuth{allowed: map[string]bool{"shell.execute": true}}
	sh := &fakeShell{res: shell.Result{Success: true}}
	h := New(Config{Auth: auth, Shell: sh})
	args := json.RawMessage(`{"command":"echo","args":["hi"],"sandboxed":false}`)

	for name, c := range map[string]CallContext{
		"agent":                cc,
		"agent with host flag": {Owner: "u1", AgentID: "a1", HostShell: true},
		"untrusted caller":     {Owner: "u1"},
	} {
		sh.got = shell.Request{}
		if _, err := h.ExecuteTool(context.Background(), "shell.exec", args, c); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !sh.got.Sandboxed {
			t.Fatalf("%s: request escaped the sandbox: %+v", name, sh.got)
		}
	}
}

func TestExecuteTool_AgentShellFailsWithoutSandbox(t *testing.T) {
	auth := &grantAuth{allowed: map[string]bool{"shell.execute": true}}
	h := New(Config{Auth: auth, Shell: shell.NewManager(shell.Config{})})
	out, err := h.ExecuteTool(context.Background(), "shell.exec",
		json.RawMessage(`{"command":"echo ran-on-host","sandboxed":false}`), cc)
	if !errors.Is(err, shell.ErrSandboxUnavailable) {
		t.Fatalf("expected ErrSandboxUnavailable, got out=%q err=%v", out, err)
	}
}

func TestExecuteTool_NotifySend(t *testing.T) {
	n := &notes{}
	h := New(Config{Auth: &grantAuth{}, Notifier: n})
	if _, err := h.ExecuteTool(context.Background(), "notify.send", json.RawMessage(`{"text":"done"}`), cc); err != nil {
		t.Fatalf("notify.send: %v", err)
	}
	if len(n.texts) != 1 || n.texts[0] != "done" {
		t.Fatalf("texts = %v", n.texts)
	}
}

func TestExecuteTool_MCPForwarding(t *testing.T) {
	auth := &grantAuth{allowed: map[string]bool{"web.execute": true}}
	m := &fakeMCP{}
	h := New(Config{Auth: auth, MCP: m})

	out, err := h.ExecuteTool(context.Background(), "mcp:github.search", json.RawMessage(`{"q":"bug"}`), cc)
	if err != nil || out != "3 issues" {
		t.Fatalf("mcp call = %q, %v", out, err)
	}
	if len(m.calls) != 1 || m.calls[0] != `github.search {"q":"bug"}` {
		t.Fatalf("calls = %v", m.calls)
	}
	if _, err := h.ExecuteTool(context.Background(), "mcp:github", nil, cc); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("malformed mcp name: %v", err)
	}

	denied := New(Config{Auth: &grantAuth{}, MCP: m})
	if _, err := denied.ExecuteTool(context.Background(), "mcp:github.search", nil, cc); err == nil {
		t.Fatal("expected denial without web/execute grant")
	}
	if len(m.calls) != 1 {
		t.Fatal("denied call reached the server")
	}
}

func TestExecuteTool_UnknownAndOwnerless(t *testing.T) {
	h := New(Config{Auth: &grantAuth{}})
	if _, err := h.ExecuteTool(context.Background(), "web.search", nil, cc); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if _, err := h.ExecuteTool(context.Background(), "notify.send", nil, CallContext{}); !errors.Is(err, ErrNoOwner) {
		t.Fatalf("expected ErrNoOwner, got %v", err)
	}
}

func TestRegisterAndToolDefinitions(t *testing.T) {
	h := New(Config{Auth: &grantAuth{}, MCP: &fakeMCP{}})
	err := h.Register(Tool{Name: "echo", Description: "Echo text", Handler: func(_ context.Context, _ CallContext, args json.RawMessage) (string, error) {
		return string(args), nil
	}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.Register(Tool{Name: "echo", Handler: func(context.Context, CallContext, json.RawMessage) (string, error) { return "", nil }}); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if err := h.Register(Tool{Name: "mcp:x.y", Handler: func(context.Context, CallContext, json.RawMessage) (string, error) { return "", nil }}); err == nil {
		t.Fatal("reserved prefix accepted")
	}

	defs := h.ToolDefinitions("u1")
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	want := "echo,files.list,files.read,files.write,notify.send,shell.exec,mcp:github.search"
	if strings.Join(names, ",") != want {
		t.Fatalf("definitions = %v", names)
	}
	if defs[len(defs)-1].InputSchema["type"] != "object" {
		t.Fatalf("mcp schema not decoded: %+v", defs[len(defs)-1])
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("é", maxResultChars+10)
	out := truncate(long)
	if !strings.HasSuffix(out, "(truncated, 10 more characters)") {
		t.Fatalf("suffix = %q", out[len(out)-40:])
	}
}
