package sym

import (
	"testing"
	"unicode/utf8"
)

func TestSystemSymbolsAreSingleRunes(t *testing.T) {
	for name, glyph := range map[string]string{
		"Pulse":      Pulse,
		"PulseOpen":  PulseOpen,
		"PulseClose": PulseClose,
		"DB":         DB,
		"AM":         AM,
		"Signal":     Signal,
	} {
		if utf8.RuneCountInString(glyph) != 1 {
			t.Errorf("%s should be a single rune, got %q", name, glyph)
		}
	}
}

func TestStatusGlyph(t *testing.T) {
	if got := StatusGlyph("ok"); got != "✓" {
		t.Errorf("StatusGlyph(ok) = %q", got)
	}
	if got := StatusGlyph("running"); got != "?" {
		t.Errorf("StatusGlyph(running) = %q, want ?", got)
	}
}
