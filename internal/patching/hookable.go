// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package patching

import (
	"context"
	"fmt"
	"reflect"
)

var contextType = reflect.TypeFor[context.Context]()

// Hookable declares fn as a static hookable method and returns a wrapper
// with fn's signature that routes every call through the patcher. Parameter
// names not supplied default to "arg0", "arg1", ...
//
//	tick, _ := patching.Hookable(p, "host.World", "Tick", w.tick, "delta")
//	tick(0.016)
func Hookable[F any](p *Patcher, module, name string, fn F, paramNames ...string) (F, Method) {
	t := checkFunc[F]()
	m := p.Declare(module, name, paramList(t, 0, paramNames), t.NumOut() == 1, true)
	return Wrap(p, m, fn), m
}

// HookableMethod declares a method whose first parameter is the receiver.
// The receiver is passed to patches as the instance and is not part of the
// parameter table.
func HookableMethod[F any](p *Patcher, module, name string, fn F, paramNames ...string) (F, Method) {
	t := checkFunc[F]()
	if t.NumIn() == 0 {
		panic(fmt.Sprintf("patching: %s.%s has no receiver parameter", module, name))
	}
	m := p.Declare(module, name, paramList(t, 1, paramNames), t.NumOut() == 1, false)
	return Wrap(p, m, fn), m
}

// Wrap returns a function with fn's signature that invokes m's patches
// around fn. For an instance method the first argument is the instance. The
// first context.Context parameter, if any, is handed to the patches.
func Wrap[F any](p *Patcher, m Method, fn F) F {
	t := checkFunc[F]()
	target := reflect.ValueOf(fn)
	skip := 0
	if !m.Static {
		skip = 1
	}
	ctxArg := -1
	for i := skip; i < t.NumIn(); i++ {
		if t.In(i) == contextType {
			ctxArg = i
			break
		}
	}

	wrapped := reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		var instance any
		if skip == 1 {
			instance = in[0].Interface()
		}
		args := make([]any, len(in)-skip)
		for i := range args {
			args[i] = in[i+skip].Interface()
		}

		ctx := context.Background()
		if ctxArg >= 0 {
			if c, ok := in[ctxArg].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
		}

		result := p.InvokeContext(ctx, m, instance, args, func(args []any) any {
			call := make([]reflect.Value, len(in))
			if skip == 1 {
				call[0] = in[0]
			}
			for i, a := range args {
				call[i+skip] = valueFor(a, t.In(i+skip))
			}
			out := target.Call(call)
			if len(out) == 0 {
				return nil
			}
			return out[0].Interface()
		})

		if t.NumOut() == 0 {
			return nil
		}
		return []reflect.Value{valueFor(result, t.Out(0))}
	})
	return wrapped.Interface().(F)
}

func checkFunc[F any]() reflect.Type {
	t := reflect.TypeFor[F]()
	if t.Kind() != reflect.Func {
		panic(fmt.Sprintf("patching: %s is not a function type", t))
	}
	if t.NumOut() > 1 {
		panic(fmt.Sprintf("patching: %s has more than one result", t))
	}
	if t.IsVariadic() {
		panic(fmt.Sprintf("patching: %s is variadic", t))
	}
	return t
}

func paramList(t reflect.Type, skip int, names []string) []string {
	params := make([]string, 0, t.NumIn()-skip)
	for i := skip; i < t.NumIn(); i++ {
		if j := i - skip; j < len(names) {
			params = append(params, names[j])
			continue
		}
		params = append(params, fmt.Sprintf("arg%d", i-skip))
	}
	return params
}

// valueFor converts v to a reflect.Value of type t, using the zero value for
// nil and converting between compatible kinds.
func valueFor(v any, t reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(t)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		if rv.Type() == t {
			return rv
		}
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out
	}
	if rv.CanConvert(t) && isNumeric(rv.Kind()) && isNumeric(t.Kind()) {
		return rv.Convert(t)
	}
	return reflect.Zero(t)
}
