package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

const maxWASMOutput = 1 << 20

// wasmRun executes one module in a fresh runtime. The guest ABI is the "env"
// host module:
//
//	input_len() i32              length of the JSON invocation payload
//	input_read(ptr i32)          copy the payload into guest memory at ptr
//	output_write(ptr i32, n i32) set the result to n bytes of JSON at ptr
//	log(ptr i32, n i32)          append a log line
//
// The module exports entrypoint as a function without parameters.
type wasmRun struct {
	pluginName string
	input      []byte
	output     []byte
	logs       *logBuffer
}

func (w *wasmRun) execute(ctx context.Context, bin []byte, entrypoint string, memPages uint32) (json.RawMessage, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true))
	defer runtime.Close(context.WithoutCancel(ctx))

	_, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(w.inputLen).Export("input_len").
		NewFunctionBuilder().WithFunc(w.inputRead).Export("input_read").
		NewFunctionBuilder().WithFunc(w.outputWrite).Export("output_write").
		NewFunctionBuilder().WithFunc(w.log).Export("log").
		Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, &PluginFault{Reason: FaultCompile, Plugin: w.pluginName, Detail: err.Error()}
	}
	if _, ok := compiled.ExportedFunctions()[entrypoint]; !ok {
		return nil, &PluginFault{Reason: FaultEntrypoint, Plugin: w.pluginName, Detail: fmt.Sprintf("no exported function %q", entrypoint)}
	}
	module, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return nil, w.classify(err)
	}
	if _, err := module.ExportedFunction(entrypoint).Call(ctx); err != nil {
		return nil, w.classify(err)
	}
	if len(w.output) == 0 || !json.Valid(w.output) {
		return nil, nil
	}
	return json.RawMessage(w.output), nil
}

func (w *wasmRun) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &PluginFault{Reason: FaultTimeout, Plugin: w.pluginName, Detail: err.Error()}
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &PluginFault{Reason: FaultTimeout, Plugin: w.pluginName, Detail: err.Error()}
	}
	if strings.Contains(err.Error(), "memory") {
		return &PluginFault{Reason: FaultMemoryExceeded, Plugin: w.pluginName, Detail: err.Error()}
	}
	return &PluginFault{Reason: FaultRuntime, Plugin: w.pluginName, Detail: err.Error()}
}

func (w *wasmRun) inputLen(context.Context, api.Module) uint32 {
	return uint32(len(w.input))
}

func (w *wasmRun) inputRead(_ context.Context, m api.Module, ptr uint32) {
	if m.Memory() == nil || !m.Memory().Write(ptr, w.input) {
		w.logs.add("[error] input_read: pointer out of range")
	}
}

func (w *wasmRun) outputWrite(_ context.Context, m api.Module, ptr, n uint32) {
	if n > maxWASMOutput {
		w.logs.add("[error] output_write: result too large")
		return
	}
	if m.Memory() == nil {
		return
	}
	data, ok := m.Memory().Read(ptr, n)
	if !ok {
		w.logs.add("[error] output_write: pointer out of range")
		return
	}
	w.output = append([]byte(nil), data...)
}

func (w *wasmRun) log(_ context.Context, m api.Module, ptr, n uint32) {
	if m.Memory() == nil {
		return
	}
	data, ok := m.Memory().Read(ptr, n)
	if !ok {
		return
	}
	w.logs.add(string(data))
}

// newWASMTrial returns a bare runtime used only to compile and inspect a module.
func newWASMTrial(ctx context.Context, memPages uint32) wazero.Runtime {
	return wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true))
}
