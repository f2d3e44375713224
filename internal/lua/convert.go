// Package lua runs operator-supplied Lua scripts that reshape downstream
// responses before they reach tool callers.
package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// GoToLua converts a Go value to its Lua representation. Maps and slices
// convert recursively; unsupported types become nil.
func GoToLua(L *lua.LState, value any) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case []any:
		tbl := L.NewTable()
		for _, el := range v {
			tbl.Append(GoToLua(L, el))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for _, el := range v {
			tbl.Append(lua.LString(el))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for key, el := range v {
			tbl.RawSetString(key, GoToLua(L, el))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// LuaToGo converts a Lua value to its Go representation. Tables with only
// sequential integer keys become slices; all other tables become maps.
func LuaToGo(value lua.LValue) any {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return float64(v)
	case *lua.LTable:
		return tableToGo(v)
	default:
		return nil
	}
}

func tableToGo(tbl *lua.LTable) any {
	maxN := tbl.MaxN()
	if maxN > 0 {
		out := make([]any, 0, maxN)
		for i := 1; i <= maxN; i++ {
			out = append(out, LuaToGo(tbl.RawGetInt(i)))
		}
		return out
	}

	out := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		if k.Type() == lua.LTString {
			out[k.String()] = LuaToGo(v)
		}
	})
	return out
}
