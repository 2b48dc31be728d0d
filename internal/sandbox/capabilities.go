package sandbox

import (
	"context"
	"encoding/json"

	"github.com/dop251/goja"

	"github.com/basket/agentcore/internal/capability"
	"github.com/basket/agentcore/internal/shell"
)

// capabilities builds the object handed to plugins as ctx.capabilities.
// Each function re-checks the owner's live grants when called.
func (r *jsRuntime) capabilities(ctx context.Context, caps capability.Set) *goja.Object {
	files := r.vm.NewObject()
	_ = files.Set("read", func(call goja.FunctionCall) goja.Value {
		data, err := caps.ReadFile(ctx, call.Argument(0).String())
		if err != nil {
			r.throw(err)
		}
		return r.vm.ToValue(data)
	})
	_ = files.Set("list", func(call goja.FunctionCall) goja.Value {
		entries, err := caps.ListDir(ctx, call.Argument(0).String())
		if err != nil {
			r.throw(err)
		}
		return r.jsonValue(entries)
	})
	_ = files.Set("write", func(call goja.FunctionCall) goja.Value {
		n, err := caps.WriteFile(ctx, call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			r.throw(err)
		}
		return r.vm.ToValue(n)
	})

	sh := r.vm.NewObject()
	_ = sh.Set("exec", func(call goja.FunctionCall) goja.Value {
		req := shell.Request{Command: call.Argument(0).String(), Sandboxed: true}
		if a := call.Argument(1); !goja.IsUndefined(a) && !goja.IsNull(a) {
			if err := r.vm.ExportTo(a, &req.Args); err != nil {
				r.throw(err)
			}
		}
		if o := call.Argument(2); !goja.IsUndefined(o) && !goja.IsNull(o) {
			opts := o.ToObject(r.vm)
			if v := opts.Get("cwd"); v != nil && !goja.IsUndefined(v) {
				req.Cwd = v.String()
			}
			if v := opts.Get("timeoutMs"); v != nil && !goja.IsUndefined(v) {
				req.TimeoutMs = int(v.ToInteger())
			}
		}
		res, err := caps.Exec(ctx, req)
		if err != nil {
			r.throw(err)
		}
		return r.jsonValue(map[string]any{
			"success":    res.Success,
			"exitCode":   res.ExitCode,
			"stdout":     res.Stdout,
			"stderr":     res.Stderr,
			"durationMs": res.DurationMs,
			"timedOut":   res.TimedOut,
		})
	})

	out := r.vm.NewObject()
	_ = out.Set("files", files)
	_ = out.Set("shell", sh)
	return out
}

// jsonValue converts v to a native JS value through JSON.
func (r *jsRuntime) jsonValue(v any) goja.Value {
	data, err := json.Marshal(v)
	if err != nil {
		r.throw(err)
	}
	val, err := r.value(data)
	if err != nil {
		r.throw(err)
	}
	return val
}
