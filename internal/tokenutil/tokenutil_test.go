package tokenutil

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "empty string", content: "", want: 0},
		{name: "single char", content: "a", want: 1},
		{name: "exact multiple", content: "abcdefgh", want: 2},
		{name: "rounds up", content: "hello", want: 2},
		{
			name: "CJK counts runes not bytes",
			// 8 characters, 24 bytes
			content: "你好世界欢迎光临",
			want:    2,
		},
		{name: "large context", content: strings.Repeat("x", 200000), want: 50000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.content); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestEstimateAll_RoundsOnce(t *testing.T) {
	// 3 + 3 chars: separately would be 1+1, combined is ceil(6/4) = 2.
	if got := EstimateAll("abc", "def"); got != 2 {
		t.Fatalf("EstimateAll = %d, want 2", got)
	}
	if got := EstimateAll("abcde", "abcde", "ab"); got != 3 {
		t.Fatalf("EstimateAll = %d, want 3", got)
	}
	if got := EstimateAll(); got != 0 {
		t.Fatalf("EstimateAll() = %d, want 0", got)
	}
}
