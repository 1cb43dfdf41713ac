// Package sym defines the glyphs crmpulse uses as log and CLI markers.
// They are stable across the daemon, the CLI and the structured logs.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // scheduler loop and job execution
	PulseOpen  = "✿" // graceful startup (migrations, periodic rows, queue consumer)
	PulseClose = "❀" // graceful shutdown (draining execution slots)
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Signal     = "⟶" // queue signals (start / refresh)
)

// StatusGlyphs maps persisted job status values to a single-character marker
// for terminal listings.
var StatusGlyphs = map[string]string{
	"wait":  "…",
	"ok":    "✓",
	"error": "✗",
}

// StatusGlyph returns the marker for a status, or "?" when the status is unknown.
func StatusGlyph(status string) string {
	if g, ok := StatusGlyphs[status]; ok {
		return g
	}
	return "?"
}
