package shared

import "testing"

func TestRedact_BearerToken(t *testing.T) {
	got := Redact("Bearer abc123def456ghi789jkl0")
	if got != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", got)
	}
}

func TestRedact_ProviderKeys(t *testing.T) {
	for _, in := range []string{
		"key sk-ant-REDACTED",
		"openai sk-abcdefghijklmnopqrstuvwxyz012345",
		"google AIzaSyA1234567890abcdefghijklmnopqrstuvwx",
		"bot 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsawq",
	} {
		if got := Redact(in); got == in {
			t.Errorf("expected redaction for %q", in)
		}
	}
}

func TestRedact_NoSecret(t *testing.T) {
	in := "agent 42 completed research task"
	if got := Redact(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
	if Redact("") != "" {
		t.Fatal("expected empty output for empty input")
	}
}

func TestIsSensitiveKey(t *testing.T) {
	cases := map[string]bool{
		"ANTHROPIC_API_KEY": true,
		"bot_token":         true,
		"password":          true,
		"bind_addr":         false,
		"":                  false,
	}
	for key, want := range cases {
		if got := IsSensitiveKey(key); got != want {
			t.Errorf("IsSensitiveKey(%q) = %v, want %v", key, got, want)
		}
	}
}
