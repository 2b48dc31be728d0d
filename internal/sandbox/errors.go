package sandbox

import (
	"errors"
	"fmt"

	"github.com/basket/agentcore/internal/persistence"
)

var (
	ErrNotFound = persistence.ErrNotFound
	// ErrEntrypointUnresolved means the source exports no callable entrypoint.
	ErrEntrypointUnresolved = errors.New("plugin entrypoint unresolved")
	ErrPluginDisabled       = errors.New("plugin is disabled")
)

// ValidationError rejects plugin input before anything is stored or run.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plugin %s: %s", e.Field, e.Reason)
}

// Deterministic fault reasons for plugin runs.
const (
	FaultCompile        = "PLUGIN_COMPILE_ERROR"
	FaultEntrypoint     = "PLUGIN_ENTRYPOINT_UNRESOLVED"
	FaultTimeout        = "PLUGIN_TIMEOUT"
	FaultRuntime        = "PLUGIN_RUNTIME_ERROR"
	FaultMemoryExceeded = "PLUGIN_MEMORY_EXCEEDED"
)

// PluginFault is the structured error of a failed plugin run.
type PluginFault struct {
	Reason string
	Plugin string
	Detail string
}

func (e *PluginFault) Error() string {
	return fmt.Sprintf("%s: plugin=%s: %s", e.Reason, e.Plugin, e.Detail)
}

func (e *PluginFault) Unwrap() error {
	if e.Reason == FaultEntrypoint {
		return ErrEntrypointUnresolved
	}
	return nil
}
