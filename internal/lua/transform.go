package lua

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// transformFunc is the global the script must define
const transformFunc = "transform"

// DefaultTimeout bounds a single script run
const DefaultTimeout = 5 * time.Second

// Transformer executes a Lua script against a downstream response payload.
//
// The script must define a function called 'transform' that takes the
// response table and returns the reshaped table (or nil to pass the
// response through unchanged):
//
//	function transform(response)
//	  return {
//	    status = response.status,
//	    items = response.body.results,
//	  }
//	end
//
// Each run gets a fresh interpreter state; scripts cannot retain state
// between calls.
type Transformer struct {
	script  string
	timeout time.Duration
}

// TransformerConfig configures a transformer
type TransformerConfig struct {
	// Script is the Lua source. Required.
	Script string

	// Timeout bounds one run (default 5s)
	Timeout time.Duration
}

// NewTransformer validates the script and creates a transformer. The
// script is loaded once here so a missing transform function fails at
// configuration time.
func NewTransformer(cfg TransformerConfig) (*Transformer, error) {
	if cfg.Script == "" {
		return nil, fmt.Errorf("script is required")
	}

	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(cfg.Script); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}
	if L.GetGlobal(transformFunc).Type() != lua.LTFunction {
		return nil, fmt.Errorf("script must define a %q function", transformFunc)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Transformer{script: cfg.Script, timeout: timeout}, nil
}

// Transform runs the script against the payload. A nil script return
// passes the payload through unchanged.
func (t *Transformer) Transform(payload map[string]any) (map[string]any, error) {
	L := lua.NewState()
	defer L.Close()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	L.SetContext(ctx)

	if err := L.DoString(t.script); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	input := L.NewTable()
	for key, value := range payload {
		input.RawSetString(key, GoToLua(L, value))
	}

	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(transformFunc),
		NRet:    1,
		Protect: true,
	}, input); err != nil {
		return nil, fmt.Errorf("script execution failed: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)

	if ret.Type() == lua.LTNil {
		return payload, nil
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("transform must return a table or nil, got %s", ret.Type())
	}

	out, ok := LuaToGo(tbl).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("transform must return a map-like table")
	}
	return out, nil
}
