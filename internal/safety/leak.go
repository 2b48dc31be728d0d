package safety

import "regexp"

// LeakWarning describes a secret-looking string in model or tool output.
type LeakWarning struct {
	Pattern string
	Sample  string // truncated match, safe to log
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), "API key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "Bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	{regexp.MustCompile(`sk-(ant-|or-)?[A-Za-z0-9_\-]{20,}`), "provider API key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

// ScanLeaks reports up to three matches per pattern. It never modifies text.
func ScanLeaks(text string) []LeakWarning {
	if text == "" {
		return nil
	}
	var out []LeakWarning
	for _, p := range leakPatterns {
		for _, m := range p.re.FindAllString(text, 3) {
			sample := m
			if len(sample) > 20 {
				sample = sample[:8] + "..."
			}
			out = append(out, LeakWarning{Pattern: p.desc, Sample: sample})
		}
	}
	return out
}
