package sandbox

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/agentcore/internal/safety"
)

const (
	RuntimeJavaScript = "javascript"
	RuntimeWASM       = "wasm"

	DefaultEntrypoint = "run"

	minNameLen    = 2
	maxNameLen    = 100
	minCodeLen    = 10
	maxCodeBytes  = 64 << 10
	maxWASMBase64 = 2 << 20
)

var entrypointRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]{0,63}$`)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// PluginInput is untrusted plugin data as submitted by an owner. Enabled and
// Config stay raw so their JSON types can be checked.
type PluginInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Runtime     string          `json:"runtime,omitempty"`
	Code        string          `json:"code"`
	Entrypoint  string          `json:"entrypoint,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	Enabled     json.RawMessage `json:"enabled,omitempty"`
}

// Validate runs every static check. It never executes code.
func Validate(in PluginInput) error {
	name := strings.TrimSpace(in.Name)
	if len(name) < minNameLen {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("must be at least %d characters", minNameLen)}
	}
	if len(name) > maxNameLen {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("must be at most %d characters", maxNameLen)}
	}

	runtime := in.Runtime
	if runtime == "" {
		runtime = RuntimeJavaScript
	}
	if runtime != RuntimeJavaScript && runtime != RuntimeWASM {
		return &ValidationError{Field: "runtime", Reason: fmt.Sprintf("%q is not javascript or wasm", in.Runtime)}
	}

	if len(strings.TrimSpace(in.Code)) < minCodeLen {
		return &ValidationError{Field: "code", Reason: fmt.Sprintf("must be at least %d characters", minCodeLen)}
	}
	if runtime == RuntimeJavaScript && len(in.Code) > maxCodeBytes {
		return &ValidationError{Field: "code", Reason: fmt.Sprintf("exceeds %d bytes", maxCodeBytes)}
	}

	if in.Entrypoint != "" && !entrypointRe.MatchString(in.Entrypoint) {
		return &ValidationError{Field: "entrypoint", Reason: "must be a plain identifier"}
	}
	if raw := bytes.TrimSpace(in.Enabled); len(raw) > 0 {
		var b bool
		if bytes.Equal(raw, []byte("null")) || json.Unmarshal(raw, &b) != nil {
			return &ValidationError{Field: "enabled", Reason: "must be a boolean"}
		}
	}
	if raw := bytes.TrimSpace(in.Config); len(raw) > 0 {
		var obj map[string]any
		if raw[0] != '{' || json.Unmarshal(raw, &obj) != nil {
			return &ValidationError{Field: "config", Reason: "must be a JSON object"}
		}
	}

	switch runtime {
	case RuntimeJavaScript:
		if findings := safety.ScanSource(in.Code); len(findings) > 0 {
			f := findings[0]
			return &ValidationError{Field: "code", Reason: fmt.Sprintf("forbidden token %q (%s)", f.Match, f.Reason)}
		}
	case RuntimeWASM:
		if len(in.Code) > maxWASMBase64 {
			return &ValidationError{Field: "code", Reason: fmt.Sprintf("exceeds %d bytes", maxWASMBase64)}
		}
		if _, err := decodeWASM(in.Code); err != nil {
			return &ValidationError{Field: "code", Reason: err.Error()}
		}
	}
	return nil
}

func decodeWASM(code string) ([]byte, error) {
	bin, err := base64.StdEncoding.DecodeString(strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("wasm code must be base64: %v", err)
	}
	if !bytes.HasPrefix(bin, wasmMagic) {
		return nil, fmt.Errorf("not a wasm module")
	}
	return bin, nil
}

// normalize applies defaults to validated input.
func normalize(in PluginInput) (name, runtime, entrypoint string, config json.RawMessage, enabled bool) {
	name = strings.TrimSpace(in.Name)
	runtime = in.Runtime
	if runtime == "" {
		runtime = RuntimeJavaScript
	}
	entrypoint = in.Entrypoint
	if entrypoint == "" {
		entrypoint = DefaultEntrypoint
	}
	config = json.RawMessage("{}")
	if raw := bytes.TrimSpace(in.Config); len(raw) > 0 {
		config = json.RawMessage(raw)
	}
	enabled = true
	if len(bytes.TrimSpace(in.Enabled)) > 0 {
		_ = json.Unmarshal(in.Enabled, &enabled)
	}
	return
}
