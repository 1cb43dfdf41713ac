package display

import "encoding/json"

// MarshalJSON indents for terminals and stays compact when piped, so
// `crmpulse jobs ls --json | jq` gets one document per line
func MarshalJSON(v interface{}) ([]byte, error) {
	if isTerminal() {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}
