package embedded

import (
	"strings"
	"testing"
)

func TestMenu(t *testing.T) {
	lines := Menu()
	if len(lines) != 7 {
		t.Fatalf("Menu() has %d lines, want 7", len(lines))
	}
	for i, line := range lines {
		prefix := "[" + string(rune('1'+i)) + "]"
		if !strings.HasPrefix(line, prefix) {
			t.Errorf("Menu()[%d] = %q, want prefix %q", i, line, prefix)
		}
		if strings.ContainsAny(line, "\r\n") {
			t.Errorf("Menu()[%d] contains a line break", i)
		}
	}
}
