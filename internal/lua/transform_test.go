package lua

import (
	"reflect"
	"testing"

	glua "github.com/yuin/gopher-lua"
)

func TestNewTransformer_Validation(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{name: "empty script", script: ""},
		{name: "syntax error", script: `function transform(`},
		{name: "missing transform function", script: `local x = 1`},
		{name: "transform is not a function", script: `transform = 42`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTransformer(TransformerConfig{Script: tt.script}); err == nil {
				t.Error("expected construction to fail")
			}
		})
	}
}

func TestTransform_Reshape(t *testing.T) {
	transformer, err := NewTransformer(TransformerConfig{Script: `
		function transform(response)
		  local ids = {}
		  for i, item in ipairs(response.body.results) do
		    ids[i] = item.id
		  end
		  return {
		    status = response.status,
		    ids = ids,
		  }
		end
	`})
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	out, err := transformer.Transform(map[string]any{
		"status": 200,
		"body": map[string]any{
			"results": []any{
				map[string]any{"id": float64(7)},
				map[string]any{"id": float64(9)},
			},
		},
	})
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}

	want := map[string]any{
		"status": float64(200),
		"ids":    []any{float64(7), float64(9)},
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("unexpected transform output: got %v, want %v", out, want)
	}
}

func TestTransform_NilReturnPassesThrough(t *testing.T) {
	transformer, err := NewTransformer(TransformerConfig{Script: `
		function transform(response)
		  return nil
		end
	`})
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	payload := map[string]any{"status": 200, "body": "unchanged"}
	out, err := transformer.Transform(payload)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if !reflect.DeepEqual(out, payload) {
		t.Errorf("expected payload passed through, got %v", out)
	}
}

func TestTransform_NonTableReturnFails(t *testing.T) {
	transformer, err := NewTransformer(TransformerConfig{Script: `
		function transform(response)
		  return "oops"
		end
	`})
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	if _, err := transformer.Transform(map[string]any{"status": 200}); err == nil {
		t.Error("expected non-table return to fail")
	}
}

func TestTransform_RuntimeErrorSurfaces(t *testing.T) {
	transformer, err := NewTransformer(TransformerConfig{Script: `
		function transform(response)
		  error("boom")
		end
	`})
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	if _, err := transformer.Transform(map[string]any{"status": 200}); err == nil {
		t.Error("expected script error to surface")
	}
}

func TestGoToLua_RoundTrip(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	in := map[string]any{
		"name":    "alice",
		"count":   int64(3),
		"ratio":   0.5,
		"enabled": true,
		"tags":    []string{"a", "b"},
		"nested":  map[string]any{"k": "v"},
	}

	out, ok := LuaToGo(GoToLua(L, in)).(map[string]any)
	if !ok {
		t.Fatal("expected a map back")
	}

	want := map[string]any{
		"name":    "alice",
		"count":   float64(3),
		"ratio":   0.5,
		"enabled": true,
		"tags":    []any{"a", "b"},
		"nested":  map[string]any{"k": "v"},
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("unexpected round trip: got %v, want %v", out, want)
	}
}

func TestGoToLua_UnsupportedTypeBecomesNil(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	if GoToLua(L, struct{}{}) != glua.LNil {
		t.Error("expected unsupported type to convert to nil")
	}
}
