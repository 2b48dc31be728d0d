// Package capability implements the privileged operations offered to agents
// and plugins. Every call is re-checked against the permission authority at
// the moment it runs.
package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/shell"
)

const (
	MaxReadBytes  = 1 << 20
	MaxWriteBytes = 1 << 20
	MaxListItems  = 1000
)

var ErrTooLarge = errors.New("content exceeds size limit")

// Authorizer is the slice of the permission authority used here.
type Authorizer interface {
	Require(ctx context.Context, owner, resource, action string, target permission.Target) error
}

type ShellRunner interface {
	Execute(ctx context.Context, owner string, req shell.Request) (shell.Result, error)
}

// Set binds capabilities to one owner.
type Set struct {
	Owner string
	Auth  Authorizer
	Shell ShellRunner // nil disables Exec
}

func absPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("path is required")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return abs, nil
}

// ReadFile returns the file's content, up to MaxReadBytes.
func (s Set) ReadFile(ctx context.Context, path string) (string, error) {
	abs, err := absPath(path)
	if err != nil {
		return "", err
	}
	if err := s.Auth.Require(ctx, s.Owner, "files", "read", permission.Target{Path: abs}); err != nil {
		return "", err
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, MaxReadBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > MaxReadBytes {
		return "", fmt.Errorf("%s: %w", abs, ErrTooLarge)
	}
	return string(data), nil
}

// Entry is one directory listing item.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// ListDir lists a directory, sorted by name.
func (s Set) ListDir(ctx context.Context, path string) ([]Entry, error) {
	abs, err := absPath(path)
	if err != nil {
		return nil, err
	}
	if err := s.Auth.Require(ctx, s.Owner, "files", "read", permission.Target{Path: abs}); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		if len(out) == MaxListItems {
			break
		}
		e := Entry{Name: it.Name(), IsDir: it.IsDir()}
		if info, err := it.Info(); err == nil && !it.IsDir() {
			e.Size = info.Size()
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// WriteFile replaces the file's content, creating parent directories.
func (s Set) WriteFile(ctx context.Context, path, content string) (int, error) {
	if len(content) > MaxWriteBytes {
		return 0, ErrTooLarge
	}
	abs, err := absPath(path)
	if err != nil {
		return 0, err
	}
	if err := s.Auth.Require(ctx, s.Owner, "files", "write", permission.Target{Path: abs}); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return 0, err
	}
	return len(content), nil
}

// Exec runs a command through the shell manager after a shell/execute check
// scoped to the full command line.
func (s Set) Exec(ctx context.Context, req shell.Request) (shell.Result, error) {
	if s.Shell == nil {
		return shell.Result{}, errors.New("shell execution is not configured")
	}
	if err := s.Auth.Require(ctx, s.Owner, "shell", "execute", permission.Target{Command: req.CommandLine()}); err != nil {
		return shell.Result{}, err
	}
	return s.Shell.Execute(ctx, s.Owner, req)
}
