package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
)

// Globals removed from every plugin runtime.
var absentGlobals = []string{
	"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval", "queueMicrotask",
	"fetch", "XMLHttpRequest", "WebSocket", "EventSource", "require", "process", "importScripts",
}

var (
	exportDefaultRe = regexp.MustCompile(`(?m)^(\s*)export\s+default\s+`)
	exportDeclRe    = regexp.MustCompile(`(?m)^(\s*)export\s+((?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)|(?:const|let|var|class)\s+([A-Za-z_$][\w$]*))`)
	exportListRe    = regexp.MustCompile(`(?m)^\s*export\s*\{([^}]*)\}\s*;?`)
)

// rewriteExports turns ES export forms into CommonJS assignments so the
// source runs as a plain script.
func rewriteExports(src string) string {
	var names []string
	src = exportDeclRe.ReplaceAllStringFunc(src, func(m string) string {
		sub := exportDeclRe.FindStringSubmatch(m)
		name := sub[3]
		if name == "" {
			name = sub[4]
		}
		names = append(names, name)
		return sub[1] + sub[2]
	})
	src = exportListRe.ReplaceAllStringFunc(src, func(m string) string {
		inner := exportListRe.FindStringSubmatch(m)[1]
		var b strings.Builder
		for _, part := range strings.Split(inner, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			local, exported := part, part
			if fields := strings.Fields(part); len(fields) == 3 && fields[1] == "as" {
				local, exported = fields[0], fields[2]
			}
			fmt.Fprintf(&b, "module.exports[%q] = %s; ", exported, local)
		}
		return b.String()
	})
	src = exportDefaultRe.ReplaceAllString(src, "${1}module.exports.default = ")
	if len(names) == 0 {
		return src
	}
	var tail strings.Builder
	tail.WriteString("\n;")
	for _, n := range names {
		fmt.Fprintf(&tail, "module.exports[%q] = %s;", n, n)
	}
	return src + tail.String()
}

func wrapModule(src string) string {
	return "(function (module, exports) {\n" + rewriteExports(src) + "\n;return module.exports;\n})"
}

// jsRuntime is one isolated interpreter for one plugin run.
type jsRuntime struct {
	vm   *goja.Runtime
	logs *logBuffer
}

func newJSRuntime(logs *logBuffer) *jsRuntime {
	vm := goja.New()
	r := &jsRuntime{vm: vm, logs: logs}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		prefix := ""
		if level != "log" && level != "info" {
			prefix = "[" + level + "] "
		}
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				parts = append(parts, r.display(a))
			}
			logs.add(prefix + strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	_ = vm.Set("console", console)
	for _, name := range absentGlobals {
		_ = vm.Set(name, goja.Undefined())
	}
	return r
}

// display renders a console argument: strings verbatim, the rest as JSON
// when possible.
func (r *jsRuntime) display(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if s, ok := v.Export().(string); ok {
		return s
	}
	if raw, ok := r.stringify(v); ok {
		return string(raw)
	}
	return v.String()
}

// load compiles the plugin and resolves its entrypoint: a bare exported
// function, then the named export, then the default export.
func (r *jsRuntime) load(pluginName, code, entrypoint string) (goja.Callable, error) {
	prog, err := goja.Compile(pluginName, wrapModule(code), false)
	if err != nil {
		return nil, &PluginFault{Reason: FaultCompile, Plugin: pluginName, Detail: err.Error()}
	}
	factory, err := r.vm.RunProgram(prog)
	if err != nil {
		return nil, &PluginFault{Reason: FaultCompile, Plugin: pluginName, Detail: err.Error()}
	}
	call, ok := goja.AssertFunction(factory)
	if !ok {
		return nil, &PluginFault{Reason: FaultCompile, Plugin: pluginName, Detail: "module wrapper is not callable"}
	}
	module := r.vm.NewObject()
	exports := r.vm.NewObject()
	_ = module.Set("exports", exports)
	exported, err := call(goja.Undefined(), module, exports)
	if err != nil {
		return nil, r.fault(pluginName, err)
	}

	if fn, ok := goja.AssertFunction(exported); ok {
		return fn, nil
	}
	if exported == nil || goja.IsUndefined(exported) || goja.IsNull(exported) {
		return nil, &PluginFault{Reason: FaultEntrypoint, Plugin: pluginName, Detail: "module exports nothing"}
	}
	obj := exported.ToObject(r.vm)
	if fn, ok := goja.AssertFunction(obj.Get(entrypoint)); ok {
		return fn, nil
	}
	if def := obj.Get("default"); def != nil {
		if fn, ok := goja.AssertFunction(def); ok {
			return fn, nil
		}
		if !goja.IsUndefined(def) && !goja.IsNull(def) {
			if fn, ok := goja.AssertFunction(def.ToObject(r.vm).Get(entrypoint)); ok {
				return fn, nil
			}
		}
	}
	return nil, &PluginFault{Reason: FaultEntrypoint, Plugin: pluginName, Detail: fmt.Sprintf("no %q, default or bare function export", entrypoint)}
}

// call invokes fn and settles a returned promise. Plugins have no event
// loop, so a promise still pending after the call is an error.
func (r *jsRuntime) call(pluginName string, fn goja.Callable, args ...goja.Value) (goja.Value, error) {
	v, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, r.fault(pluginName, err)
	}
	if p, ok := v.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return p.Result(), nil
		case goja.PromiseStateRejected:
			return nil, &PluginFault{Reason: FaultRuntime, Plugin: pluginName, Detail: "promise rejected: " + r.display(p.Result())}
		default:
			return nil, &PluginFault{Reason: FaultRuntime, Plugin: pluginName, Detail: "promise never settled"}
		}
	}
	return v, nil
}

func (r *jsRuntime) fault(pluginName string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &PluginFault{Reason: FaultTimeout, Plugin: pluginName, Detail: "execution interrupted: " + fmt.Sprint(interrupted.Value())}
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &PluginFault{Reason: FaultRuntime, Plugin: pluginName, Detail: exc.Error()}
	}
	return &PluginFault{Reason: FaultRuntime, Plugin: pluginName, Detail: err.Error()}
}

// interruptOn stops the interpreter once ctx is done.
func (r *jsRuntime) interruptOn(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		r.vm.Interrupt(ctx.Err().Error())
	})
}

// value parses JSON into a native JS value.
func (r *jsRuntime) value(data []byte) (goja.Value, error) {
	parse, ok := goja.AssertFunction(r.vm.Get("JSON").ToObject(r.vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	return parse(goja.Undefined(), r.vm.ToValue(string(data)))
}

// stringify serializes v with JSON.stringify. Values it cannot represent
// (functions, undefined, cycles, BigInt) report ok=false.
func (r *jsRuntime) stringify(v goja.Value) (json.RawMessage, bool) {
	fn, ok := goja.AssertFunction(r.vm.Get("JSON").ToObject(r.vm).Get("stringify"))
	if !ok {
		return nil, false
	}
	out, err := fn(goja.Undefined(), v)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return nil, false
	}
	s := out.String()
	if s == "null" || !json.Valid([]byte(s)) {
		return nil, false
	}
	return json.RawMessage(s), true
}

// throw raises err as a JS exception from inside a Go callback.
func (r *jsRuntime) throw(err error) {
	panic(r.vm.NewGoError(err))
}
