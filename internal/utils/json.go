package utils

import (
	"bytes"
	"encoding/json"
)

// MarshalNoEscape is json.Marshal without HTML escaping. Persisted
// request/response columns would otherwise inflate with a six-character
// unicode escape for every '<' in captured bodies.
func MarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encode terminates with a newline that json.Marshal would not emit.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MarshalString is MarshalNoEscape returning a string, with errors collapsed
// to "" for call sites that store optional JSON columns.
func MarshalString(v any) string {
	out, err := MarshalNoEscape(v)
	if err != nil {
		return ""
	}
	return string(out)
}
