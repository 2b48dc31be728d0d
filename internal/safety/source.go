// Package safety holds pattern scanners for untrusted text: plugin source
// screening before execution, and secret-leak detection on model output.
package safety

import (
	"regexp"
	"strings"
)

// Category groups denylisted source patterns.
type Category string

const (
	CategoryDynamicLoad   Category = "dynamic_load"
	CategoryHostAccess    Category = "host_access"
	CategoryFilesystem    Category = "filesystem"
	CategoryNetwork       Category = "network"
	CategoryNestedSandbox Category = "nested_sandbox"
)

// Finding is one denylisted token found in source.
type Finding struct {
	Category Category
	Reason   string
	Match    string
}

type sourcePattern struct {
	re       *regexp.Regexp
	category Category
	reason   string
}

// Patterns match raw source text, so a hit inside a comment or string
// literal still counts.
var sourcePatterns = []sourcePattern{
	{regexp.MustCompile(`\brequire\s*\(`), CategoryDynamicLoad, "require() call"},
	{regexp.MustCompile(`\bimport\s*\(`), CategoryDynamicLoad, "dynamic import()"},
	{regexp.MustCompile(`(?m)^\s*import\s+[\w{*'"]`), CategoryDynamicLoad, "import statement"},
	{regexp.MustCompile(`\beval\s*\(`), CategoryDynamicLoad, "eval()"},
	{regexp.MustCompile(`\bnew\s+Function\b|\bFunction\s*\(`), CategoryDynamicLoad, "Function constructor"},
	{regexp.MustCompile(`\bconstructor\s*\.\s*constructor\b|\[\s*['"]constructor['"]\s*\]`), CategoryDynamicLoad, "constructor escape"},
	{regexp.MustCompile(`\bimportScripts\b`), CategoryDynamicLoad, "importScripts"},
	{regexp.MustCompile(`\bprocess\s*[.\[]`), CategoryHostAccess, "process access"},
	{regexp.MustCompile(`\bchild_process\b`), CategoryHostAccess, "child_process"},
	{regexp.MustCompile(`\b(Deno|Bun)\s*\.`), CategoryHostAccess, "host runtime global"},
	{regexp.MustCompile(`\bglobalThis\b|\b__proto__\b`), CategoryHostAccess, "global object access"},
	{regexp.MustCompile(`\bfs\s*\.\s*\w+|['"](node:)?fs(/promises)?['"]`), CategoryFilesystem, "fs module"},
	{regexp.MustCompile(`\bfetch\s*\(|\bXMLHttpRequest\b|\bWebSocket\b|\bEventSource\b`), CategoryNetwork, "network primitive"},
	{regexp.MustCompile(`['"](node:)?(net|http|https|dgram|tls|dns)['"]`), CategoryNetwork, "network module"},
	{regexp.MustCompile(`\bvm\s*\.\s*(runIn|Script|createContext)|['"](node:)?vm['"]`), CategoryNestedSandbox, "vm module"},
	{regexp.MustCompile(`\bnew\s+Worker\b|\bworker_threads\b|\bisolated-vm\b|\bShadowRealm\b`), CategoryNestedSandbox, "nested isolate"},
	{regexp.MustCompile(`\bWebAssembly\s*\.`), CategoryNestedSandbox, "WebAssembly instantiation"},
}

// ScanSource returns every denylisted token in code, in pattern order.
func ScanSource(code string) []Finding {
	if strings.TrimSpace(code) == "" {
		return nil
	}
	var out []Finding
	for _, p := range sourcePatterns {
		if m := p.re.FindString(code); m != "" {
			out = append(out, Finding{Category: p.category, Reason: p.reason, Match: strings.TrimSpace(m)})
		}
	}
	return out
}
