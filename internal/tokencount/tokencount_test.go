package tokencount

import (
	"strings"
	"testing"

	relay "github.com/veylan/relay/internal"
)

func TestEstimateRequest(t *testing.T) {
	t.Parallel()

	// 40 chars system + 40 chars user -> 10 + 10 tokens, plus 8 overhead.
	req := &relay.ModelRequest{
		SystemPrompt: strings.Repeat("a", 40),
		UserMessage:  strings.Repeat("b", 40),
	}
	if got := EstimateRequest(req); got != 28 {
		t.Errorf("EstimateRequest = %d, want 28", got)
	}

	// An attached image adds the flat charge.
	req.ImageBase64 = "aGk="
	if got := EstimateRequest(req); got != 28+850 {
		t.Errorf("with image = %d, want %d", got, 28+850)
	}

	// Empty requests still count at least one token.
	if got := EstimateRequest(&relay.ModelRequest{}); got < 1 {
		t.Errorf("empty request = %d", got)
	}
}

func TestCountText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want int
	}{
		{"", 1},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := CountText(tt.text); got != tt.want {
			t.Errorf("CountText(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}
