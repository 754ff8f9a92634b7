// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package script

import (
	"reflect"

	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/modrt/pkg/modapi"
)

// nilMarker is the userdata value behind hook.NIL.
type nilMarker struct{}

func toGo(v lua.LValue) any {
	switch v := v.(type) {
	case nil, *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LUserData:
		if _, ok := v.Value.(nilMarker); ok {
			return modapi.ReplaceNil
		}
		return v.Value
	case *lua.LTable:
		return tableToGo(v)
	default:
		return v
	}
}

// tableToGo turns a sequence into []any and anything else into
// map[string]any keyed by the string form of each key.
func tableToGo(t *lua.LTable) any {
	if n := t.Len(); n > 0 {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, toGo(t.RawGetInt(i)))
		}
		return out
	}
	out := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = toGo(v)
	})
	return out
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case error:
		return lua.LString(v.Error())
	case []any:
		t := L.CreateTable(len(v), 0)
		for _, item := range v {
			t.Append(toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(v))
		for k, item := range v {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	}
	if v == any(modapi.ReplaceNil) {
		return newNilMarker(L)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return lua.LNumber(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float())
	}
	ud := L.NewUserData()
	ud.Value = v
	return ud
}

func newNilMarker(L *lua.LState) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = nilMarker{}
	return ud
}

func argsToLua(L *lua.LState, args []any) []lua.LValue {
	out := make([]lua.LValue, len(args))
	for i, a := range args {
		out[i] = toLua(L, a)
	}
	return out
}
