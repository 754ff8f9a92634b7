// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package patching

import (
	"context"
	"reflect"
	"slices"

	"github.com/samber/oops"

	"github.com/holomush/modrt/pkg/modapi"
)

// ParameterTable is the per-call view of an intercepted call. Patches read
// and write parameters and the return value through it; modifications are
// visible to later patches and written back into the caller's argument slots.
type ParameterTable struct {
	ctx      context.Context
	method   string
	names    []string
	original []any
	overlay  map[int]any

	hasReturn     bool
	origReturn    any
	haveOrig      bool
	ret           any
	retOverridden bool

	prevent bool
}

var _ modapi.Params = (*ParameterTable)(nil)

// NewParameterTable snapshots args for a call to m.
func NewParameterTable(m Method, args []any) *ParameterTable {
	return &ParameterTable{
		method:    m.FullName(),
		names:     m.Params,
		original:  slices.Clone(args),
		overlay:   make(map[int]any),
		hasReturn: m.Returns,
	}
}

// Context returns the context the intercepted call was made with, or
// context.Background when the call site had none.
func (pt *ParameterTable) Context() context.Context {
	if pt.ctx == nil {
		return context.Background()
	}
	return pt.ctx
}

// Names returns the parameter names in declaration order.
func (pt *ParameterTable) Names() []string {
	return slices.Clone(pt.names)
}

func (pt *ParameterTable) index(name string) int {
	return slices.Index(pt.names, name)
}

// Get returns the current value of a parameter.
func (pt *ParameterTable) Get(name string) (any, bool) {
	i := pt.index(name)
	if i < 0 || i >= len(pt.original) {
		return nil, false
	}
	if v, ok := pt.overlay[i]; ok {
		return v, true
	}
	return pt.original[i], true
}

// Original returns the value the caller passed.
func (pt *ParameterTable) Original(name string) (any, bool) {
	i := pt.index(name)
	if i < 0 || i >= len(pt.original) {
		return nil, false
	}
	return pt.original[i], true
}

// Set replaces a parameter. The value is converted to the caller's argument
// type where a numeric conversion applies.
func (pt *ParameterTable) Set(name string, value any) error {
	i := pt.index(name)
	if i < 0 || i >= len(pt.original) {
		return errUnknownParameter(name)
	}
	v, err := coerce(pt.original[i], value)
	if err != nil {
		return oops.In("patching").With("parameter", name).With("method", pt.method).Wrap(err)
	}
	pt.overlay[i] = v
	return nil
}

// Modified reports whether any parameter was set.
func (pt *ParameterTable) Modified() bool {
	return len(pt.overlay) > 0
}

// Return returns the overridden return value when set, else the original
// call's result. Before the original ran it is nil.
func (pt *ParameterTable) Return() any {
	if pt.retOverridden {
		return pt.ret
	}
	return pt.origReturn
}

// OriginalReturn returns what the original call produced and whether it ran.
func (pt *ParameterTable) OriginalReturn() (any, bool) {
	return pt.origReturn, pt.haveOrig
}

// SetReturn overrides the return value.
func (pt *ParameterTable) SetReturn(value any) error {
	if !pt.hasReturn {
		return errNoReturn(pt.method)
	}
	if pt.haveOrig {
		v, err := coerce(pt.origReturn, value)
		if err != nil {
			return oops.In("patching").With("method", pt.method).Wrap(err)
		}
		value = v
	}
	pt.ret = value
	pt.retOverridden = true
	return nil
}

// ReturnOverridden reports whether a patch set the return value.
func (pt *ParameterTable) ReturnOverridden() bool {
	return pt.retOverridden
}

// PreventExecution skips the original call and every remaining patch.
func (pt *ParameterTable) PreventExecution() {
	pt.prevent = true
}

// ExecutionPrevented reports whether a patch prevented execution.
func (pt *ParameterTable) ExecutionPrevented() bool {
	return pt.prevent
}

func (pt *ParameterTable) setOriginalReturn(v any) {
	pt.origReturn = v
	pt.haveOrig = true
}

// writeBack pushes modified parameters into args.
func (pt *ParameterTable) writeBack(args []any) {
	for i, v := range pt.overlay {
		if i < len(args) {
			args[i] = v
		}
	}
}

// coerce converts value to the dynamic type of like. Values of the same
// type, nil, and an untyped like pass through; numeric kinds convert into
// each other. Anything else is a type mismatch.
func coerce(like, value any) (any, error) {
	if like == nil || value == nil {
		return value, nil
	}
	want := reflect.TypeOf(like)
	v := reflect.ValueOf(value)
	if v.Type() == want || v.Type().AssignableTo(want) {
		return value, nil
	}
	if isNumeric(v.Kind()) && isNumeric(want.Kind()) {
		return v.Convert(want).Interface(), nil
	}
	return nil, oops.Code(CodeTypeMismatch).
		With("want", want.String()).
		With("got", v.Type().String()).
		Errorf("cannot use %s as %s", v.Type(), want)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
