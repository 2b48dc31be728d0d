package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Envelope statuses.
const (
	StatusContinue = "continue"
	StatusDone     = "done"
	StatusFailed   = "failed"
)

const envelopeSchema = `{
  "type": "object",
  "required": ["status", "message"],
  "additionalProperties": false,
  "properties": {
    "status": {"enum": ["continue", "done", "failed"]},
    "message": {"type": "string"},
    "toolCall": {
      "type": ["object", "null"],
      "required": ["tool"],
      "properties": {
        "tool": {"type": "string", "minLength": 1},
        "args": {"type": "object"}
      }
    }
  }
}`

var compiledEnvelope = mustCompile(envelopeSchema)

func mustCompile(schema string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	sch, err := c.Compile("envelope.json")
	if err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	return sch
}

type ToolCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Envelope is the structured reply expected from a reasoning call.
type Envelope struct {
	Status   string    `json:"status"`
	Message  string    `json:"message"`
	ToolCall *ToolCall `json:"toolCall,omitempty"`
}

// Parse sources.
const (
	SourceEnvelope = "envelope"
	SourceLegacy   = "legacy"
	SourceNone     = "none"
)

// Decision is what one model reply asks the agent to do.
type Decision struct {
	Status   string
	Message  string
	ToolCall *ToolCall
	Source   string
}

// Recognized reports whether the reply carried anything actionable.
func (d Decision) Recognized() bool { return d.Source != SourceNone }

var (
	doneMarkerRe   = regexp.MustCompile(`(?m)^[ \t]*(?:DONE|COMPLETED|FINISHED)\b[:\-\s]*(.*)$`)
	failedMarkerRe = regexp.MustCompile(`(?m)^[ \t]*(?:FAILED|ERROR)\b[:\-\s]*(.*)$`)
	fencedBlockRe  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")
)

// parseReply decodes a strict envelope first and falls back to the legacy
// marker and tool-object conventions.
func parseReply(text string) Decision {
	if env, ok := decodeEnvelope(text); ok {
		d := Decision{Status: env.Status, Message: strings.TrimSpace(env.Message), ToolCall: env.ToolCall, Source: SourceEnvelope}
		if d.ToolCall != nil && len(d.ToolCall.Args) == 0 {
			d.ToolCall.Args = json.RawMessage("{}")
		}
		return d
	}

	d := Decision{Status: StatusContinue, Message: strings.TrimSpace(text), Source: SourceNone}
	if m := failedMarkerRe.FindStringSubmatch(text); m != nil {
		d.Status, d.Source = StatusFailed, SourceLegacy
		if msg := strings.TrimSpace(m[1]); msg != "" {
			d.Message = msg
		}
	} else if m := doneMarkerRe.FindStringSubmatch(text); m != nil {
		d.Status, d.Source = StatusDone, SourceLegacy
		if msg := strings.TrimSpace(m[1]); msg != "" {
			d.Message = msg
		}
	}
	if tc := legacyToolCall(text); tc != nil {
		d.ToolCall, d.Source = tc, SourceLegacy
	}
	return d
}

func decodeEnvelope(text string) (Envelope, bool) {
	for _, candidate := range jsonCandidates(text) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(candidate))
		if err != nil {
			continue
		}
		if compiledEnvelope.Validate(doc) != nil {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(candidate), &env); err != nil {
			continue
		}
		return env, true
	}
	return Envelope{}, false
}

// legacyToolCall finds a {"tool": ..., "args": ...} object in a fenced
// block or inline in the text.
func legacyToolCall(text string) *ToolCall {
	for _, candidate := range jsonCandidates(text) {
		var raw struct {
			Tool string          `json:"tool"`
			Args json.RawMessage `json:"args"`
		}
		if json.Unmarshal([]byte(candidate), &raw) != nil || strings.TrimSpace(raw.Tool) == "" {
			continue
		}
		args := raw.Args
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage("{}")
		}
		return &ToolCall{Tool: strings.TrimSpace(raw.Tool), Args: args}
	}
	return nil
}

// jsonCandidates returns JSON objects found in text: fenced blocks first,
// then every balanced top-level object in order.
func jsonCandidates(text string) []string {
	var out []string
	for _, m := range fencedBlockRe.FindAllStringSubmatch(text, -1) {
		if c := strings.TrimSpace(m[1]); strings.HasPrefix(c, "{") && json.Valid([]byte(c)) {
			out = append(out, c)
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		c := extractBalanced(text[i:])
		if c == "" {
			continue
		}
		if json.Valid([]byte(c)) {
			out = append(out, c)
			i += len(c) - 1
		}
	}
	return out
}

// extractBalanced returns the brace-balanced object at the start of s,
// honoring string literals.
func extractBalanced(s string) string {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
