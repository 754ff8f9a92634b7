// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package script runs package scripts in sandboxed Lua states and bridges
// them into the hook registry, the method patcher and the gatekeeper.
//
//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package script

import (
	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

type library struct {
	name string
	fn   lua.LGFunction
}

func safeLibraries() []library {
	return []library{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// Base functions that reach the file system or load arbitrary chunks.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load", "require", "collectgarbage"}

// StateFactory creates Lua states with only the safe libraries open.
type StateFactory struct {
	libraries []library
}

// NewStateFactory creates a state factory.
func NewStateFactory() *StateFactory {
	return &StateFactory{libraries: safeLibraries()}
}

// NewState returns a fresh sandboxed state. The caller closes it.
func (f *StateFactory) NewState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, oops.In("script").With("library", lib.name).Hint("failed to open library").Wrap(err)
		}
	}
	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}
	return L, nil
}
