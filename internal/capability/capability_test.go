package capability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shell"
)

// prefixAuth allows files under root and commands starting with "echo".
type prefixAuth struct {
	root  string
	calls []string
}

func (a *prefixAuth) Require(_ context.Context, owner, resource, action string, t permission.Target) error {
	a.calls = append(a.calls, resource+"."+action)
	switch resource {
	case "files":
		if t.Path == a.root || strings.HasPrefix(t.Path, a.root+string(filepath.Separator)) {
			return nil
		}
	case "shell":
		if strings.HasPrefix(t.Command, "echo") {
			return nil
		}
	}
	return &permission.DeniedError{Resource: resource, Action: action, Reason: permission.ReasonScopeMismatch}
}

type fakeShell struct{ got shell.Request }

func (f *fakeShell) Execute(_ context.Context, _ string, req shell.Request) (shell.Result, error) {
	f.got = req
	return shell.Result{Success: true, Stdout: "hi\n"}, nil
}

func TestFiles_RoundTripWithinScope(t *testing.T) {
	root := t.TempDir()
	auth := &prefixAuth{root: root}
	s := Set{Owner: "u", Auth: auth}
	ctx := context.Background()

	path := filepath.Join(root, "notes", "a.txt")
	if n, err := s.WriteFile(ctx, path, "hello"); err != nil || n != 5 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	got, err := s.ReadFile(ctx, path)
	if err != nil || got != "hello" {
		t.Fatalf("read: %q %v", got, err)
	}
	entries, err := s.ListDir(ctx, filepath.Join(root, "notes"))
	if err != nil || len(entries) != 1 || entries[0].Name != "a.txt" || entries[0].Size != 5 {
		t.Fatalf("list: %+v %v", entries, err)
	}
	if strings.Join(auth.calls, ",") != "files.write,files.read,files.read" {
		t.Fatalf("checks = %v", auth.calls)
	}
}

func TestFiles_DeniedOutsideScope(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := Set{Owner: "u", Auth: &prefixAuth{root: root}}
	_, err := s.ReadFile(context.Background(), outside)
	var denied *permission.DeniedError
	if !errors.As(err, &denied) || denied.Reason != permission.ReasonScopeMismatch {
		t.Fatalf("expected scope mismatch, got %v", err)
	}
	if _, err := s.WriteFile(context.Background(), outside, "y"); !errors.As(err, &denied) {
		t.Fatalf("expected denial on write, got %v", err)
	}
	if data, _ := os.ReadFile(outside); string(data) != "x" {
		t.Fatal("denied write modified the file")
	}
}

func TestFiles_ReadTooLarge(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "big")
	if err := os.WriteFile(path, make([]byte, MaxReadBytes+1), 0o644); err != nil {
		t.Fatal(err)
	}
	s := Set{Owner: "u", Auth: &prefixAuth{root: root}}
	if _, err := s.ReadFile(context.Background(), path); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestExec_ChecksCommandLine(t *testing.T) {
	sh := &fakeShell{}
	s := Set{Owner: "u", Auth: &prefixAuth{}, Shell: sh}
	res, err := s.Exec(context.Background(), shell.Request{Command: "echo", Args: []string{"hi"}, Sandboxed: true})
	if err != nil || !res.Success {
		t.Fatalf("exec: %+v %v", res, err)
	}
	if sh.got.Command != "echo" || !sh.got.Sandboxed {
		t.Fatalf("unexpected forwarded request: %+v", sh.got)
	}
	if _, err := s.Exec(context.Background(), shell.Request{Command: "rm", Args: []string{"-rf", "/"}}); err == nil {
		t.Fatal("expected denial for rm")
	}
	if _, err := (Set{Owner: "u", Auth: &prefixAuth{}}).Exec(context.Background(), shell.Request{Command: "echo"}); err == nil {
		t.Fatal("expected error without shell runner")
	}
}

func TestExec_ChainedCommandOutsideScopeNeverRuns(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "agentcore.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	auth := permission.New(permission.Config{Store: store})
	ctx := context.Background()
	if _, err := auth.Grant(ctx, "u", "shell", []string{"execute"}, permission.Scope{Commands: []string{"echo"}}, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	s := Set{Owner: "u", Auth: auth, Shell: shell.NewManager(shell.Config{})}

	res, err := s.Exec(ctx, shell.Request{Command: "echo ok"})
	if err != nil || !strings.Contains(res.Stdout, "ok") {
		t.Fatalf("plain echo should run: %+v %v", res, err)
	}

	marker := filepath.Join(dir, "chained")
	_, err = s.Exec(ctx, shell.Request{Command: "echo ok && touch " + marker})
	var denied *permission.DeniedError
	if !errors.As(err, &denied) || denied.Reason != permission.ReasonScopeMismatch {
		t.Fatalf("expected scope mismatch, got %v", err)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Fatalf("chained command ran: stat err = %v", statErr)
	}
}
