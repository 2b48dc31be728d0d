package permission

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/basket/agentcore/internal/persistence"
)

// Scope narrows a grant; see persistence.PermissionScope.
type Scope = persistence.PermissionScope

// Target describes what a check is about. Empty fields are not checked.
type Target struct {
	Path       string `json:"path,omitempty"`
	NotebookID string `json:"notebook_id,omitempty"`
	EmailLabel string `json:"email_label,omitempty"`
	VPSID      string `json:"vps_id,omitempty"`
	Command    string `json:"command,omitempty"`
}

func (t Target) String() string {
	var parts []string
	for _, kv := range [][2]string{
		{"path", t.Path}, {"notebook", t.NotebookID}, {"label", t.EmailLabel},
		{"vps", t.VPSID}, {"command", t.Command},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, " ")
}

const wildcard = "*"

// scopeAllows reports whether every dimension present in t is covered by sc.
// A dimension that is present in t but has no allow-list in sc is denied.
func scopeAllows(sc Scope, t Target) bool {
	if t.Path != "" && !pathAllowed(sc.AllowedPaths, t.Path) {
		return false
	}
	if t.NotebookID != "" && !memberOf(sc.NotebookIDs, t.NotebookID) {
		return false
	}
	if t.EmailLabel != "" && !memberOf(sc.EmailLabels, t.EmailLabel) {
		return false
	}
	if t.VPSID != "" && !memberOf(sc.VPSIDs, t.VPSID) {
		return false
	}
	if t.Command != "" && !commandAllowed(sc.Commands, t.Command) {
		return false
	}
	return true
}

func memberOf(list []string, v string) bool {
	return slices.Contains(list, wildcard) || slices.Contains(list, v)
}

// pathAllowed matches the cleaned, symlink-resolved path against each
// allowed entry: equal, or beneath it on a separator boundary.
func pathAllowed(allowed []string, path string) bool {
	resolved, ok := resolvePath(path)
	if !ok {
		return false
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == wildcard {
			return true
		}
		base, ok := resolvePath(entry)
		if !ok {
			continue
		}
		if resolved == base {
			return true
		}
		if base == string(filepath.Separator) || strings.HasPrefix(resolved, base+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func resolvePath(p string) (string, bool) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", false
	}
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		return r, true
	}
	// New files: resolve the parent so a symlinked directory cannot escape.
	if r, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(r, filepath.Base(abs)), true
	}
	return abs, true
}

// commandAllowed prefix-matches command against each entry on a token
// boundary, so "git" allows "git status" but not "gitx". A chained line
// ("a && b", "a | b") needs every segment allowed, and redirections or
// substitutions are only covered by the wildcard.
func commandAllowed(allowed []string, command string) bool {
	command = strings.Join(strings.Fields(command), " ")
	if command == "" {
		return false
	}
	entries := make([]string, 0, len(allowed))
	for _, entry := range allowed {
		entry = strings.Join(strings.Fields(entry), " ")
		if entry == wildcard {
			return true
		}
		if entry != "" {
			entries = append(entries, entry)
		}
	}
	if strings.ContainsAny(command, "<>;`\n") || strings.Contains(command, "$(") {
		return false
	}
	segments := commandSegments(command)
	if len(segments) == 0 {
		return false
	}
	for _, seg := range segments {
		if !slices.ContainsFunc(entries, func(entry string) bool {
			return seg == entry || strings.HasPrefix(seg, entry+" ")
		}) {
			return false
		}
	}
	return true
}

// commandSegments splits a command line on the shell list and pipe
// operators. An empty segment ("a &&") yields nil.
func commandSegments(command string) []string {
	var segments []string
	rest := command
	for {
		idx, size := len(rest), 0
		for _, op := range []string{"||", "&&", "|", "&"} {
			if i := strings.Index(rest, op); i >= 0 && i < idx {
				idx, size = i, len(op)
			}
		}
		seg := strings.TrimSpace(rest[:idx])
		if seg == "" {
			return nil
		}
		segments = append(segments, seg)
		if size == 0 {
			return segments
		}
		rest = rest[idx+size:]
	}
}
