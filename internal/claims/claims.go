package claims

import "maps"

// Claims is a set of claims about a subject, keyed by claim name.
// Values are arbitrary JSON-compatible types as decoded from a token payload.
type Claims map[string]any

// Copy returns a shallow copy of the claims
func (c Claims) Copy() Claims {
	if c == nil {
		return nil
	}
	out := make(Claims, len(c))
	maps.Copy(out, c)
	return out
}

// String returns the claim as a string, or "" if absent or not a string
func (c Claims) String(name string) string {
	if c == nil {
		return ""
	}
	s, _ := c[name].(string)
	return s
}

// StringSlice returns the claim as a slice of strings. It accepts a native
// []string, a []any of strings (the usual shape after JSON decoding), or a
// single string which becomes a one-element slice. Non-string elements are
// skipped.
func (c Claims) StringSlice(name string) []string {
	if c == nil {
		return nil
	}
	switch v := c[name].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
