package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentcore.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) NotifyUser(_ context.Context, _ string, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
}

type fixture struct {
	store    *persistence.Store
	auth     *permission.Authority
	sb       *Sandbox
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := openTestStore(t)
	auth := permission.New(permission.Config{Store: store})
	n := &recordingNotifier{}
	return &fixture{
		store:    store,
		auth:     auth,
		notifier: n,
		sb:       New(Config{Store: store, Auth: auth, Notifier: n}),
	}
}

func (f *fixture) create(t *testing.T, in PluginInput) *Plugin {
	t.Helper()
	p, err := f.sb.CreatePlugin(context.Background(), "u", in)
	if err != nil {
		t.Fatalf("create plugin: %v", err)
	}
	return p
}

func TestValidate_Rejections(t *testing.T) {
	base := PluginInput{Name: "ok-name", Code: "export function run() { return 1; }"}
	cases := map[string]struct {
		mutate func(*PluginInput)
		field  string
	}{
		"short name":      {func(in *PluginInput) { in.Name = "x" }, "name"},
		"short code":      {func(in *PluginInput) { in.Code = "run()" }, "code"},
		"oversized code":  {func(in *PluginInput) { in.Code = "// " + strings.Repeat("a", maxCodeBytes) }, "code"},
		"enabled string":  {func(in *PluginInput) { in.Enabled = json.RawMessage(`"yes"`) }, "enabled"},
		"enabled null":    {func(in *PluginInput) { in.Enabled = json.RawMessage(`null`) }, "enabled"},
		"bad entrypoint":  {func(in *PluginInput) { in.Entrypoint = "1run" }, "entrypoint"},
		"config array":    {func(in *PluginInput) { in.Config = json.RawMessage(`[1,2]`) }, "config"},
		"config null":     {func(in *PluginInput) { in.Config = json.RawMessage(`null`) }, "config"},
		"unknown runtime": {func(in *PluginInput) { in.Runtime = "python" }, "runtime"},
		"require":         {func(in *PluginInput) { in.Code = `const fs = require("fs"); export function run(){}` }, "code"},
		"eval":            {func(in *PluginInput) { in.Code = `export function run(i){ return eval(i.x); }` }, "code"},
		"wasm not base64": {func(in *PluginInput) { in.Runtime = RuntimeWASM; in.Code = "!!!not-base64!!!" }, "code"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			err := Validate(in)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("Validate = %v, want ValidationError on %s", err, tc.field)
			}
		})
	}
	if err := Validate(base); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
}

func TestCreatePlugin_DenylistedSourceNeverStoredOrRun(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	code := `const m = require("child_process");
module.exports = function run() { m.execSync("touch ` + marker + `"); };`
	_, err := f.sb.CreatePlugin(context.Background(), "u", PluginInput{Name: "bad", Code: code})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	plugins, _ := f.sb.ListPlugins(context.Background(), "u")
	if len(plugins) != 0 {
		t.Fatalf("denylisted plugin was stored: %+v", plugins)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("denylisted code executed")
	}
}

func TestExecutePlugin_NamedExportWithConfigAndLogs(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, PluginInput{
		Name:   "doubler",
		Code:   `export function run(input, ctx) { console.log("got", input.n); console.warn({a: 1}); return { doubled: input.n * 2, cfg: ctx.config.k, who: ctx.context.caller }; }`,
		Config: json.RawMessage(`{"k":"v"}`),
	})
	exec, err := f.sb.ExecutePlugin(context.Background(), "u", p.ID, ExecuteOptions{
		Input:   map[string]any{"n": 21},
		Context: map[string]any{"caller": "test"},
		Notify:  true,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(exec.Result, &got); err != nil {
		t.Fatalf("result not JSON: %s", exec.Result)
	}
	want := map[string]any{"doubled": float64(42), "cfg": "v", "who": "test"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("result = %v, want %v", got, want)
	}
	if len(exec.Logs) != 2 || exec.Logs[0] != "got 21" || exec.Logs[1] != `[warn] {"a":1}` {
		t.Fatalf("logs = %q", exec.Logs)
	}

	stored, err := f.store.ListPluginExecutions(context.Background(), "u", p.ID, 10)
	if err != nil || len(stored) != 1 {
		t.Fatalf("stored executions: %v %v", stored, err)
	}
	var storedResult map[string]any
	if err := json.Unmarshal(stored[0].Result, &storedResult); err != nil || !reflect.DeepEqual(storedResult, want) {
		t.Fatalf("stored result = %s", stored[0].Result)
	}
	if len(f.notifier.msgs) != 1 || !strings.Contains(f.notifier.msgs[0], "doubler") {
		t.Fatalf("notifications = %v", f.notifier.msgs)
	}
}

func TestExecutePlugin_EntrypointResolution(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name, code, entry string
	}{
		{"bare-function", `module.exports = function (input) { return "bare"; };`, ""},
		{"named-custom", `export const main = (input) => "named";
export function run() { return "wrong"; }`, "main"},
		{"default-export", `export default function (input) { return "default"; }`, ""},
		{"export-list", `function handler() { return "listed"; }
export { handler as run };`, ""},
	}
	want := map[string]string{"bare-function": "bare", "named-custom": "named", "default-export": "default", "export-list": "listed"}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := f.create(t, PluginInput{Name: tc.name, Code: tc.code, Entrypoint: tc.entry})
			exec, err := f.sb.ExecutePlugin(context.Background(), "u", p.ID, ExecuteOptions{})
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if string(exec.Result) != `"`+want[tc.name]+`"` {
				t.Fatalf("result = %s", exec.Result)
			}
		})
	}
}

func TestCreatePlugin_UnresolvedEntrypoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.sb.CreatePlugin(context.Background(), "u", PluginInput{Name: "noentry", Code: `export const value = 42;`})
	if !errors.Is(err, ErrEntrypointUnresolved) {
		t.Fatalf("expected ErrEntrypointUnresolved, got %v", err)
	}
	_, err = f.sb.CreatePlugin(context.Background(), "u", PluginInput{Name: "broken", Code: `export function run( { return 1; }`})
	var fault *PluginFault
	if !errors.As(err, &fault) || fault.Reason != FaultCompile {
		t.Fatalf("expected compile fault, got %v", err)
	}
}

func TestExecutePlugin_NonSerializableCollapsesToNull(t *testing.T) {
	f := newFixture(t)
	for i, code := range []string{
		`export function run() { return function () {}; }`,
		`export function run() { return undefined; }`,
		`export function run() { const a = {}; a.self = a; return a; }`,
	} {
		p := f.create(t, PluginInput{Name: fmt.Sprintf("nonserial-%d", i), Code: code})
		exec, err := f.sb.ExecutePlugin(context.Background(), "u", p.ID, ExecuteOptions{})
		if err != nil {
			t.Fatalf("execute %q: %v", code, err)
		}
		if !exec.Success || exec.Result != nil {
			t.Fatalf("%q: success=%v result=%s", code, exec.Success, exec.Result)
		}
	}
}

func TestExecutePlugin_TimeoutInterrupts(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, PluginInput{Name: "spin", Code: `export function run() { while (true) {} }`})
	start := time.Now()
	exec, err := f.sb.ExecutePlugin(context.Background(), "u", p.ID, ExecuteOptions{Timeout: time.Millisecond})
	var fault *PluginFault
	if !errors.As(err, &fault) || fault.Reason != FaultTimeout {
		t.Fatalf("expected timeout fault, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < MinTimeout || elapsed > 5*time.Second {
		t.Fatalf("elapsed %v outside clamped window", elapsed)
	}
	if exec == nil || exec.Success || exec.Error == "" {
		t.Fatalf("failed run not recorded: %+v", exec)
	}
}

func TestExecutePlugin_AbsentGlobals(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, PluginInput{Name: "globals", Code: `export function run() {
  return [typeof setTimeout, typeof setInterval, typeof fetch, typeof XMLHttpRequest, typeof console.log].join(",");
}`})
	exec, err := f.sb.ExecutePlugin(context.Background(), "u", p.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(exec.Result) != `"undefined,undefined,undefined,undefined,function"` {
		t.Fatalf("result = %s", exec.Result)
	}
}

func TestExecutePlugin_FileCapabilitiesArePermissionChecked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docs := t.TempDir()
	other := t.TempDir()
	if err := os.WriteFile(filepath.Join(docs, "a.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(other, "b.txt"), []byte("beta"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.auth.Grant(ctx, "u", "files", []string{"read"}, permission.Scope{AllowedPaths: []string{docs}}, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	p := f.create(t, PluginInput{Name: "reader", Code: `export function run(input, ctx) {
  const list = ctx.capabilities.files.list(input.dir);
  const text = ctx.capabilities.files.read(input.dir + "/" + list[0].name);
  let denied = "";
  try { ctx.capabilities.files.read(input.other); } catch (e) { denied = String(e); }
  return { count: list.length, text: text, denied: denied };
}`})
	exec, err := f.sb.ExecutePlugin(ctx, "u", p.ID, ExecuteOptions{Input: map[string]any{
		"dir": docs, "other": filepath.Join(other, "b.txt"),
	}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var got struct {
		Count  int    `json:"count"`
		Text   string `json:"text"`
		Denied string `json:"denied"`
	}
	if err := json.Unmarshal(exec.Result, &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, exec.Result)
	}
	if got.Count != 1 || got.Text != "alpha" || !strings.Contains(got.Denied, "scope_mismatch") {
		t.Fatalf("unexpected result: %+v", got)
	}

	// Writes need their own grant.
	w := f.create(t, PluginInput{Name: "writer", Code: `export function run(input, ctx) { return ctx.capabilities.files.write(input.path, "x"); }`})
	_, err = f.sb.ExecutePlugin(ctx, "u", w.ID, ExecuteOptions{Input: map[string]any{"path": filepath.Join(docs, "new.txt")}})
	if err == nil || !strings.Contains(err.Error(), "no_grant") {
		t.Fatalf("expected no_grant denial, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(docs, "new.txt")); !os.IsNotExist(statErr) {
		t.Fatal("denied write created the file")
	}
}

func TestExecutePlugin_DisabledAndMissing(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, PluginInput{Name: "off", Code: `export function run() { return 1; }`, Enabled: json.RawMessage(`false`)})
	if _, err := f.sb.ExecutePlugin(context.Background(), "u", p.ID, ExecuteOptions{}); !errors.Is(err, ErrPluginDisabled) {
		t.Fatalf("expected ErrPluginDisabled, got %v", err)
	}
	if err := f.sb.SetEnabled(context.Background(), "u", p.ID, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := f.sb.ExecutePlugin(context.Background(), "u", p.ID, ExecuteOptions{}); err != nil {
		t.Fatalf("execute after enable: %v", err)
	}
	if _, err := f.sb.ExecutePlugin(context.Background(), "other-owner", p.ID, ExecuteOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other owner, got %v", err)
	}
}

func TestExecutePlugin_ThrownErrorRecorded(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, PluginInput{Name: "thrower", Code: `export function run() { console.log("before"); throw new Error("boom"); }`})
	exec, err := f.sb.ExecutePlugin(context.Background(), "u", p.ID, ExecuteOptions{Notify: true})
	var fault *PluginFault
	if !errors.As(err, &fault) || fault.Reason != FaultRuntime || !strings.Contains(fault.Detail, "boom") {
		t.Fatalf("expected runtime fault, got %v", err)
	}
	if exec.Success || exec.Result != nil || len(exec.Logs) != 1 {
		t.Fatalf("unexpected execution: %+v", exec)
	}
	if len(f.notifier.msgs) != 1 || !strings.Contains(f.notifier.msgs[0], "failed") {
		t.Fatalf("notifications = %v", f.notifier.msgs)
	}
}

func TestClampTimeout(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                     DefaultTimeout,
		-time.Second:          DefaultTimeout,
		50 * time.Millisecond: MinTimeout,
		5 * time.Second:       5 * time.Second,
		10 * time.Minute:      MaxTimeout,
	}
	for in, want := range cases {
		if got := ClampTimeout(in); got != want {
			t.Errorf("ClampTimeout(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestRewriteExports(t *testing.T) {
	src := "export async function run(a) { return a; }\nexport const x = 1;\nexport default 5;"
	out := rewriteExports(src)
	for _, want := range []string{"async function run(a)", "const x = 1;", "module.exports.default = 5;", `module.exports["run"] = run;`, `module.exports["x"] = x;`} {
		if !strings.Contains(out, want) {
			t.Fatalf("rewritten source missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "export ") {
		t.Fatalf("export keyword left behind:\n%s", out)
	}
}

// outputModule is a hand-assembled WASM module importing env.output_write
// and exporting "run", which writes {"ok":true} from its data segment.
var outputModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i32,i32)->(), ()->()
	0x01, 0x09, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x00, 0x60, 0x00, 0x00,
	// import env.output_write type 0
	0x02, 0x14, 0x01, 0x03, 'e', 'n', 'v', 0x0c, 'o', 'u', 't', 'p', 'u', 't', '_', 'w', 'r', 'i', 't', 'e', 0x00, 0x00,
	// function 1 has type 1
	0x03, 0x02, 0x01, 0x01,
	// memory min 1
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export run=func 1, memory=mem 0
	0x07, 0x10, 0x02, 0x03, 'r', 'u', 'n', 0x00, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	// code: output_write(0, 11)
	0x0a, 0x0a, 0x01, 0x08, 0x00, 0x41, 0x00, 0x41, 0x0b, 0x10, 0x00, 0x0b,
	// data at 0
	0x0b, 0x11, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x0b, '{', '"', 'o', 'k', '"', ':', 't', 'r', 'u', 'e', '}',
}

// spinModule exports "run" as an infinite loop.
var spinModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 'r', 'u', 'n', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
}

func TestExecutePlugin_WASM(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, PluginInput{Name: "wasm-ok", Runtime: RuntimeWASM, Code: base64.StdEncoding.EncodeToString(outputModule)})
	exec, err := f.sb.ExecutePlugin(context.Background(), "u", p.ID, ExecuteOptions{Input: map[string]any{"a": 1}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(exec.Result) != `{"ok":true}` {
		t.Fatalf("result = %s", exec.Result)
	}

	spin := f.create(t, PluginInput{Name: "wasm-spin", Runtime: RuntimeWASM, Code: base64.StdEncoding.EncodeToString(spinModule)})
	_, err = f.sb.ExecutePlugin(context.Background(), "u", spin.ID, ExecuteOptions{Timeout: MinTimeout})
	var fault *PluginFault
	if !errors.As(err, &fault) || fault.Reason != FaultTimeout {
		t.Fatalf("expected timeout fault, got %v", err)
	}

	_, err = f.sb.CreatePlugin(context.Background(), "u", PluginInput{
		Name: "wasm-noentry", Runtime: RuntimeWASM, Entrypoint: "main",
		Code: base64.StdEncoding.EncodeToString(spinModule),
	})
	if !errors.Is(err, ErrEntrypointUnresolved) {
		t.Fatalf("expected ErrEntrypointUnresolved, got %v", err)
	}
}
