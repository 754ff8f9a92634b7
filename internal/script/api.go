// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package script

import (
	"context"
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/modrt/internal/events"
	"github.com/holomush/modrt/internal/ident"
	"github.com/holomush/modrt/internal/patching"
	"github.com/holomush/modrt/internal/sandbox"
	"github.com/holomush/modrt/pkg/modapi"
)

// pushError pushes nil and a message. Sandbox denials use it too, so a
// script sees a failed call rather than a catchable error.
func pushError(L *lua.LState, msg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(msg))
	return 2
}

func pushSuccess(L *lua.LState, v lua.LValue) int {
	L.Push(v)
	L.Push(lua.LNil)
	return 2
}

// register installs the Lua API: the modrt, hook, file and types tables.
func (rt *runtime) register() {
	L := rt.L

	mod := L.NewTable()
	L.SetField(mod, "package", lua.LString(rt.pkg))
	L.SetField(mod, "log", L.NewFunction(rt.logFn))
	L.SetField(mod, "new_id", L.NewFunction(newIDFn))
	L.SetGlobal("modrt", mod)

	hook := L.NewTable()
	L.SetField(hook, "NIL", newNilMarker(L))
	L.SetField(hook, "add", L.NewFunction(rt.wrap(sandbox.CapHookAdd, rt.hookAddFn)))
	L.SetField(hook, "remove", L.NewFunction(rt.wrap(sandbox.CapHookAdd, rt.hookRemoveFn)))
	L.SetField(hook, "call", L.NewFunction(rt.hookCallFn))
	L.SetField(hook, "patch", L.NewFunction(rt.wrap(sandbox.CapPatchApply, rt.patchFn)))
	L.SetField(hook, "unpatch", L.NewFunction(rt.wrap(sandbox.CapPatchApply, rt.unpatchFn)))
	L.SetGlobal("hook", hook)

	file := L.NewTable()
	L.SetField(file, "read", L.NewFunction(rt.wrap(sandbox.CapFileRead, rt.fileReadFn)))
	L.SetField(file, "write", L.NewFunction(rt.wrap(sandbox.CapFileWrite, rt.fileWriteFn)))
	L.SetField(file, "exists", L.NewFunction(rt.wrap(sandbox.CapFileRead, rt.fileExistsFn)))
	L.SetGlobal("file", file)

	types := L.NewTable()
	L.SetField(types, "register", L.NewFunction(rt.wrap(sandbox.CapTypesRegister, rt.typesRegisterFn)))
	L.SetField(types, "unregister", L.NewFunction(rt.wrap(sandbox.CapTypesRegister, rt.typesUnregisterFn)))
	L.SetField(types, "is_registered", L.NewFunction(rt.typesIsRegisteredFn))
	L.SetField(types, "allowed", L.NewFunction(rt.typesAllowedFn))
	L.SetField(types, "new", L.NewFunction(rt.wrap(sandbox.CapTypesNew, rt.typesNewFn)))
	L.SetGlobal("types", types)
}

// wrap gates fn behind a capability grant.
func (rt *runtime) wrap(capName string, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		caps := rt.host.deps.Capabilities
		if caps == nil || !caps.Check(rt.pkg, capName) {
			rt.host.metrics.RecordSandboxDenial("capability")
			rt.logger.Warn("capability denied", "capability", capName)
			return pushError(L, "capability denied: "+rt.pkg+" requires "+capName)
		}
		return fn(L)
	}
}

func (rt *runtime) logFn(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	switch strings.ToLower(level) {
	case "debug":
		rt.logger.Debug(msg)
	case "warn":
		rt.logger.Warn(msg)
	case "error":
		rt.logger.Error(msg)
	default:
		rt.logger.Info(msg)
	}
	return 0
}

func newIDFn(L *lua.LState) int {
	L.Push(lua.LString(ident.NewString()))
	return 1
}

// callContext is the context of the Lua call currently running on L.
func callContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// hook.add(name, fn) or hook.add(name, id, fn) returns the id.
func (rt *runtime) hookAddFn(L *lua.LState) int {
	reg := rt.host.deps.Events
	if reg == nil {
		return pushError(L, "hooks are not available")
	}
	name := L.CheckString(1)
	id := ""
	fnArg := 2
	if L.GetTop() >= 3 {
		id = L.CheckString(2)
		fnArg = 3
	}
	fn := L.CheckFunction(fnArg)

	got, err := reg.AddContext(name, id, rt.callback(name, fn), events.WithOwner(rt.pkg))
	if err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LString(got))
}

// callback adapts a Lua function to a legacy hook.
func (rt *runtime) callback(name string, fn *lua.LFunction) events.ContextCallback {
	return func(ctx context.Context, args ...any) any {
		out, err := rt.call(ctx, fn, args...)
		if err != nil {
			err = oops.In("script").Code(CodeScriptFailed).With("event", name).Wrap(err)
			rt.failed("scripted hook failed", err, "event", name)
			return err
		}
		return out
	}
}

func (rt *runtime) hookRemoveFn(L *lua.LState) int {
	reg := rt.host.deps.Events
	if reg == nil {
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LBool(reg.Remove(L.CheckString(1), L.CheckString(2), events.WithOwner(rt.pkg))))
	return 1
}

// hook.call(name, ...) returns the aggregated result.
func (rt *runtime) hookCallFn(L *lua.LState) int {
	reg := rt.host.deps.Events
	if reg == nil {
		L.Push(lua.LNil)
		return 1
	}
	name := L.CheckString(1)
	args := make([]any, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		args = append(args, toGo(L.Get(i)))
	}
	L.Push(toLua(L, reg.CallRawContext(callContext(L), name, args...)))
	return 1
}

func parseHookType(s string) (modapi.HookType, bool) {
	switch strings.ToLower(s) {
	case "before", "prefix":
		return modapi.Before, true
	case "after", "postfix":
		return modapi.After, true
	}
	return 0, false
}

func (rt *runtime) lookupMethod(L *lua.LState) (patching.Method, modapi.HookType, string) {
	p := rt.host.deps.Patcher
	if p == nil {
		return patching.Method{}, 0, "patching is not available"
	}
	m, ok := p.Lookup(L.CheckString(1))
	if !ok {
		return patching.Method{}, 0, "unknown method: " + L.CheckString(1)
	}
	hook, ok := parseHookType(L.CheckString(2))
	if !ok {
		return patching.Method{}, 0, "hook must be \"before\" or \"after\""
	}
	return m, hook, ""
}

// hook.patch(method, "before"|"after", fn [, id]) returns the patch id. fn
// receives the instance and a params table.
func (rt *runtime) patchFn(L *lua.LState) int {
	m, hook, msg := rt.lookupMethod(L)
	if msg != "" {
		return pushError(L, msg)
	}
	fn := L.CheckFunction(3)
	id := L.OptString(4, "")

	got, err := rt.host.deps.Patcher.Patch(id, m, rt.patch(m, fn), hook, patching.WithOwner(rt.pkg))
	if err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LString(got))
}

// patch adapts a Lua function to a patch. Patches run inline at the host
// call site, so they never wait for a state held by another call tree.
func (rt *runtime) patch(m patching.Method, fn *lua.LFunction) patching.Func {
	return func(instance any, pt *patching.ParameterTable) error {
		_, err := rt.callWith(pt.Context(), false, fn, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{toLua(L, instance), paramsTable(L, pt)}
		})
		if err != nil {
			return oops.In("script").Code(CodeScriptFailed).With("method", m.FullName()).Wrap(err)
		}
		return nil
	}
}

// paramsTable exposes a ParameterTable to Lua.
func paramsTable(L *lua.LState, pt *patching.ParameterTable) lua.LValue {
	t := L.NewTable()
	L.SetField(t, "get", L.NewFunction(func(L *lua.LState) int {
		v, _ := pt.Get(L.CheckString(1))
		L.Push(toLua(L, v))
		return 1
	}))
	L.SetField(t, "original", L.NewFunction(func(L *lua.LState) int {
		v, _ := pt.Original(L.CheckString(1))
		L.Push(toLua(L, v))
		return 1
	}))
	L.SetField(t, "set", L.NewFunction(func(L *lua.LState) int {
		if err := pt.Set(L.CheckString(1), toGo(L.Get(2))); err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LTrue)
	}))
	L.SetField(t, "names", L.NewFunction(func(L *lua.LState) int {
		names := L.NewTable()
		for _, n := range pt.Names() {
			names.Append(lua.LString(n))
		}
		L.Push(names)
		return 1
	}))
	L.SetField(t, "result", L.NewFunction(func(L *lua.LState) int {
		L.Push(toLua(L, pt.Return()))
		return 1
	}))
	L.SetField(t, "set_result", L.NewFunction(func(L *lua.LState) int {
		if err := pt.SetReturn(toGo(L.Get(1))); err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LTrue)
	}))
	L.SetField(t, "prevent", L.NewFunction(func(*lua.LState) int {
		pt.PreventExecution()
		return 0
	}))
	return t
}

// hook.unpatch(method, "before"|"after", id) reports whether a patch was
// removed.
func (rt *runtime) unpatchFn(L *lua.LState) int {
	m, hook, msg := rt.lookupMethod(L)
	if msg != "" {
		return pushError(L, msg)
	}
	return pushSuccess(L, lua.LBool(rt.host.deps.Patcher.RemovePatch(L.CheckString(3), m, hook, patching.WithOwner(rt.pkg))))
}

func (rt *runtime) fileReadFn(L *lua.LState) int {
	files := rt.host.deps.Files
	if files == nil {
		return pushError(L, "file access is not available")
	}
	data, err := files.ReadFile(L.CheckString(1))
	if err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LString(data))
}

func (rt *runtime) fileWriteFn(L *lua.LState) int {
	files := rt.host.deps.Files
	if files == nil {
		return pushError(L, "file access is not available")
	}
	if err := files.WriteFile(L.CheckString(1), []byte(L.CheckString(2))); err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LTrue)
}

func (rt *runtime) fileExistsFn(L *lua.LState) int {
	files := rt.host.deps.Files
	L.Push(lua.LBool(files != nil && files.IsFileAccessible(L.CheckString(1), true, false)))
	return 1
}

func (rt *runtime) typesRegisterFn(L *lua.LState) int {
	policy := rt.host.deps.Types
	if policy == nil {
		return pushError(L, "type registration is not available")
	}
	if err := policy.Register(L.CheckString(1), rt.pkg); err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LTrue)
}

func (rt *runtime) typesUnregisterFn(L *lua.LState) int {
	policy := rt.host.deps.Types
	if policy == nil {
		return pushError(L, "type registration is not available")
	}
	removed, err := policy.Unregister(L.CheckString(1))
	if err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LBool(removed))
}

func (rt *runtime) typesIsRegisteredFn(L *lua.LState) int {
	policy := rt.host.deps.Types
	L.Push(lua.LBool(policy != nil && policy.IsRegistered(L.CheckString(1))))
	return 1
}

func (rt *runtime) typesAllowedFn(L *lua.LState) int {
	policy := rt.host.deps.Types
	L.Push(lua.LBool(policy != nil && policy.IsTypeAllowed(L.CheckString(1))))
	return 1
}

// types.new(name) constructs the first instantiable type with that name
// across the live load contexts.
func (rt *runtime) typesNewFn(L *lua.LState) int {
	name := L.CheckString(1)
	policy, contexts := rt.host.deps.Types, rt.host.deps.Contexts
	if policy == nil || contexts == nil {
		return pushError(L, "type construction is not available")
	}
	if !policy.IsTypeAllowed(name) {
		rt.host.metrics.RecordSandboxDenial("type")
		rt.logger.Warn("type construction denied", "type", name)
		return pushError(L, "type not allowed: "+name)
	}
	var lastErr error
	for _, t := range contexts.GetTypesByName(name) {
		if t.Interface {
			continue
		}
		v, err := t.New()
		if err != nil {
			lastErr = err
			continue
		}
		return pushSuccess(L, toLua(L, v))
	}
	if lastErr != nil {
		return pushError(L, lastErr.Error())
	}
	return pushError(L, "unknown type: "+name)
}
