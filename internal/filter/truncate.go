package filter

// TruncateStrings deep-clones a decoded JSON value, replacing every string
// longer than maxLen code points with its first maxLen code points plus "...".
// Object and array shapes are unchanged; the result never aliases the input.
func TruncateStrings(val any, maxLen int) any {
	switch v := val.(type) {
	case string:
		runes := []rune(v)
		if len(runes) > maxLen {
			return string(runes[:maxLen]) + "..."
		}
		return v
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = TruncateStrings(item, maxLen)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = TruncateStrings(item, maxLen)
		}
		return out
	default:
		return val
	}
}
