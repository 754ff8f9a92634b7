// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loadctx

import (
	"fmt"
	"path"
	"reflect"
	"slices"

	"github.com/samber/oops"

	"github.com/holomush/modrt/pkg/modapi"
)

// Unit is one loaded unit: a compiled source bundle or one file of a
// file-loaded cluster. Anything still holding one of its Types keeps the
// unit, and so its context, from being reported as collected.
type Unit struct {
	Name  string
	Path  string
	specs []modapi.TypeSpec
}

// Type describes one type exported by a unit.
type Type struct {
	Name       string
	Interface  bool
	Implements []string
	// ByRef is set on the by-reference variant returned for "ref " and
	// "out " name queries. New then returns a pointer to the instance.
	ByRef bool

	spec modapi.TypeSpec
	unit *Unit
	ctx  *Context
}

// Context returns the id of the owning context.
func (t *Type) Context() ID {
	return t.ctx.id
}

// Unit returns the name of the unit that defined the type.
func (t *Type) Unit() string {
	return t.unit.Name
}

// HasCapability reports whether the type implements the named capability.
func (t *Type) HasCapability(capability string) bool {
	return slices.Contains(t.Implements, capability)
}

// New constructs an instance. It fails for interfaces, for types whose
// context was unloaded, and for template-only contexts. A panic in the
// constructor is returned as an error.
func (t *Type) New() (v any, err error) {
	b := oops.In("loadctx").With("type", t.Name).With("context", string(t.ctx.id))
	if t.Interface || t.spec.New == nil {
		return nil, b.Code(CodeNotInstantiable).Errorf("type is not instantiable")
	}
	if t.ctx.IsUnloaded() {
		return nil, b.Code(CodeContextUnloaded).Errorf("load context was unloaded")
	}
	if t.ctx.IsTemplate() {
		return nil, b.Code(CodeTemplateOnly).Errorf("load context is template-only")
	}

	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = b.Errorf("constructor panicked: %v", r)
		}
	}()

	v = t.spec.New()
	if v == nil {
		return nil, b.Errorf("constructor returned nil")
	}
	t.ctx.instances.track(v)
	if t.ByRef {
		ptr := reflect.New(reflect.TypeOf(v))
		ptr.Elem().Set(reflect.ValueOf(v))
		return ptr.Interface(), nil
	}
	return v, nil
}

func (t *Type) byRef() *Type {
	c := *t
	c.ByRef = true
	return &c
}

// CapabilityName returns the capability name for a Go type: the last element
// of its package path joined with the type name, e.g. "modapi.Plugin".
func CapabilityName(t reflect.Type) string {
	if t.Name() == "" {
		return t.String()
	}
	return path.Base(t.PkgPath()) + "." + t.Name()
}

// CapabilityOf returns CapabilityName for T.
func CapabilityOf[T any]() string {
	return CapabilityName(reflect.TypeFor[T]())
}

// validateSpec reports why a spec cannot be added to a type table.
func validateSpec(spec modapi.TypeSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("type name is empty")
	}
	if !spec.Interface && spec.New == nil {
		return fmt.Errorf("type %s has no constructor", spec.Name)
	}
	return nil
}
