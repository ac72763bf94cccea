package adapter

import (
	"strings"
	"testing"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, strings.Repeat("x", 9))
	}
	text := strings.Join(lines, "\n")

	chunks := splitTelegramText(text, 50)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 50 {
			t.Fatalf("chunk %d over limit: %d runes", i, len([]rune(c)))
		}
		// Newline-preferring split should never cut a line in half.
		for _, line := range strings.Split(c, "\n") {
			if line != "" && line != strings.Repeat("x", 9) {
				t.Fatalf("chunk %d broke a line: %q", i, line)
			}
		}
	}
}

func TestSplitTelegramTextHardSplit(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("y", 120)
	chunks := splitTelegramText(text, 50)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(chunks), chunks)
	}
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	if total != 120 {
		t.Fatalf("content lost or duplicated: %d runes total", total)
	}
}
