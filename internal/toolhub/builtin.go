package toolhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/agentcore/internal/capability"
	"github.com/basket/agentcore/internal/shell"
)

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	str     = map[string]any{"type": "string", "minLength": 1}
	anyStr  = map[string]any{"type": "string"}
	strList = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
)

func (h *Hub) caps(cc CallContext) capability.Set {
	return capability.Set{Owner: cc.Owner, Auth: h.auth, Shell: h.shell}
}

func decode[T any](args json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("decode arguments: %w", err)
	}
	return v, nil
}

func (h *Hub) builtins() []Tool {
	return []Tool{
		{
			Name:        "files.read",
			Description: "Read a text file. Requires a files/read grant covering the path.",
			InputSchema: objectSchema([]string{"path"}, map[string]any{"path": str}),
			Handler: func(ctx context.Context, cc CallContext, args json.RawMessage) (string, error) {
				in, err := decode[struct{ Path string }](args)
				if err != nil {
					return "", err
				}
				return h.caps(cc).ReadFile(ctx, in.Path)
			},
		},
		{
			Name:        "files.list",
			Description: "List a directory. Requires a files/read grant covering the path.",
			InputSchema: objectSchema([]string{"path"}, map[string]any{"path": str}),
			Handler: func(ctx context.Context, cc CallContext, args json.RawMessage) (string, error) {
				in, err := decode[struct{ Path string }](args)
				if err != nil {
					return "", err
				}
				entries, err := h.caps(cc).ListDir(ctx, in.Path)
				if err != nil {
					return "", err
				}
				var b strings.Builder
				for _, e := range entries {
					if e.IsDir {
						fmt.Fprintf(&b, "%s/\n", e.Name)
					} else {
						fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name, e.Size)
					}
				}
				if b.Len() == 0 {
					return "(empty directory)", nil
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
		{
			Name:        "files.write",
			Description: "Write a text file, creating parent directories. Requires a files/write grant covering the path.",
			InputSchema: objectSchema([]string{"path", "content"}, map[string]any{"path": str, "content": anyStr}),
			Handler: func(ctx context.Context, cc CallContext, args json.RawMessage) (string, error) {
				in, err := decode[struct{ Path, Content string }](args)
				if err != nil {
					return "", err
				}
				n, err := h.caps(cc).WriteFile(ctx, in.Path, in.Content)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("wrote %d bytes to %s", n, in.Path), nil
			},
		},
		{
			Name:        "shell.exec",
			Description: "Run a command. Requires a shell/execute grant whose commands cover the command line. Runs sandboxed unless sandboxed is false.",
			InputSchema: objectSchema([]string{"command"}, map[string]any{
				"command":   str,
				"args":      strList,
				"cwd":       anyStr,
				"timeoutMs": map[string]any{"type": "integer", "minimum": 0},
				"sandboxed": map[string]any{"type": "boolean"},
			}),
			Handler: h.shellExec,
		},
		{
			Name:        "notify.send",
			Description: "Send a short message to the owner.",
			InputSchema: objectSchema([]string{"text"}, map[string]any{"text": str}),
			Handler: func(ctx context.Context, cc CallContext, args json.RawMessage) (string, error) {
				in, err := decode[struct{ Text string }](args)
				if err != nil {
					return "", err
				}
				if h.notifier == nil {
					return "", errors.New("notifications are not configured")
				}
				h.notifier.NotifyUser(ctx, cc.Owner, in.Text)
				return "notification sent", nil
			},
		},
	}
}

func (h *Hub) shellExec(ctx context.Context, cc CallContext, args json.RawMessage) (string, error) {
	in, err := decode[struct {
		Command   string   `json:"command"`
		Args      []string `json:"args"`
		Cwd       string   `json:"cwd"`
		TimeoutMs int      `json:"timeoutMs"`
		Sandboxed *bool    `json:"sandboxed"`
	}](args)
	if err != nil {
		return "", err
	}
	req := shell.Request{Command: in.Command, Args: in.Args, Cwd: in.Cwd, TimeoutMs: in.TimeoutMs, Sandboxed: true}
	if in.Sandboxed != nil && cc.HostShell && cc.AgentID == "" {
		req.Sandboxed = *in.Sandboxed
	}
	res, err := h.caps(cc).Exec(ctx, req)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "exit_code=%d duration_ms=%d", res.ExitCode, res.DurationMs)
	if res.TimedOut {
		b.WriteString(" timed_out=true")
	}
	if res.Stdout != "" {
		b.WriteString("\nstdout:\n" + res.Stdout)
	}
	if res.Stderr != "" {
		b.WriteString("\nstderr:\n" + res.Stderr)
	}
	if !res.Success {
		return "", fmt.Errorf("command failed: %s", b.String())
	}
	return b.String(), nil
}
