package sseutil

import (
	"strings"
	"testing"
)

func TestParseSSELine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line  string
		event string
		data  string
		ok    bool
	}{
		{"data: {\"x\":1}", "", `{"x":1}`, true},
		{"data:{\"x\":1}", "", `{"x":1}`, true},
		{"data:  spaced", "", " spaced", true},
		{"event: message_stop", "message_stop", "", true},
		{"", "", "", false},
		{": keep-alive comment", "", "", false},
		{"id: 7", "", "", false},
		{"no colon here", "", "", false},
	}
	for _, tt := range tests {
		event, data, ok := ParseSSELine(tt.line)
		if event != tt.event || data != tt.data || ok != tt.ok {
			t.Errorf("ParseSSELine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.line, event, data, ok, tt.event, tt.data, tt.ok)
		}
	}
}

func TestScannerLongLine(t *testing.T) {
	t.Parallel()
	long := "data: " + strings.Repeat("a", 32*1024)
	s := NewScanner(strings.NewReader(long + "\n"))
	if !s.Scan() {
		t.Fatalf("Scan failed: %v", s.Err())
	}
	if s.Text() != long {
		t.Error("long line truncated")
	}
}
