package claims

// Filter narrows a claim set to what a consumer is allowed to see
type Filter interface {
	Filter(c Claims) Claims
}

// AllowList is a Filter passing only named claims through
type AllowList struct {
	allowed map[string]bool
}

// NewAllowList creates a filter passing only the given claim names
func NewAllowList(names ...string) *AllowList {
	allowed := make(map[string]bool, len(names))
	for _, name := range names {
		allowed[name] = true
	}
	return &AllowList{allowed: allowed}
}

// Filter returns the claims whose names are on the allow list
func (f *AllowList) Filter(c Claims) Claims {
	if c == nil {
		return nil
	}
	filtered := make(Claims, len(f.allowed))
	for name, value := range c {
		if f.allowed[name] {
			filtered[name] = value
		}
	}
	return filtered
}
