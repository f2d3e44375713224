package mapper

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/project-umbra/warden/internal/claims"
)

// CELExtractor evaluates a CEL expression against a decoded token payload to
// pull a claim value out of an identity-provider specific shape.
//
// The expression has access to a single variable:
//   - claims - the decoded token payload as a map
//
// Example expressions:
//
//	// Flat claim
//	claims.roles
//
//	// Nested (Keycloak-style) claim
//	claims.realm_access.roles
//
//	// Conditional fallback
//	has(claims.preferred_username) ? claims.preferred_username : claims.sub
type CELExtractor struct {
	script  string
	program cel.Program
}

// NewCELExtractor compiles a CEL expression into an extractor.
// The script is compiled once at construction time.
func NewCELExtractor(script string) (*CELExtractor, error) {
	if script == "" {
		return nil, fmt.Errorf("CEL script cannot be empty")
	}

	env, err := cel.NewEnv(
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(script)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL script: %w", issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &CELExtractor{
		script:  script,
		program: program,
	}, nil
}

// Script returns the CEL script used by this extractor
func (e *CELExtractor) Script() string {
	return e.script
}

// Eval evaluates the expression against the payload and returns the native
// Go value. A runtime evaluation error (typically a missing claim) is
// returned so the caller can decide whether absence is fatal.
func (e *CELExtractor) Eval(payload claims.Claims) (any, error) {
	activation := map[string]any{
		"claims": map[string]any(payload),
	}

	result, _, err := e.program.Eval(activation)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	return convertCELValue(result), nil
}

// EvalString evaluates the expression and coerces the result to a string.
// Missing claims and non-string results evaluate to "".
func (e *CELExtractor) EvalString(payload claims.Claims) string {
	value, err := e.Eval(payload)
	if err != nil {
		return ""
	}
	s, _ := value.(string)
	return s
}

// EvalStringSlice evaluates the expression and coerces the result to a slice
// of strings. A single string becomes a one-element slice; non-string list
// elements are skipped; missing claims evaluate to nil.
func (e *CELExtractor) EvalStringSlice(payload claims.Claims) []string {
	value, err := e.Eval(payload)
	if err != nil {
		return nil
	}

	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, el := range v {
			if s, ok := el.(string); ok {
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

// convertCELValue converts a CEL value to a native Go value.
// Lists and maps are converted recursively; scalars use their native form.
func convertCELValue(val ref.Val) any {
	if val == nil {
		return nil
	}

	switch v := val.(type) {
	case types.String:
		return string(v)
	case types.Bool:
		return bool(v)
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.Null:
		return nil
	case traits.Lister:
		var out []any
		it := v.Iterator()
		for it.HasNext() == types.True {
			out = append(out, convertCELValue(it.Next()))
		}
		return out
	case traits.Mapper:
		out := make(map[string]any)
		it := v.Iterator()
		for it.HasNext() == types.True {
			key := it.Next()
			keyStr, ok := convertCELValue(key).(string)
			if !ok {
				continue
			}
			out[keyStr] = convertCELValue(v.Get(key))
		}
		return out
	default:
		return val.Value()
	}
}
