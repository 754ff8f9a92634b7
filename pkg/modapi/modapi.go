// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package modapi is the contract between the modrt host and the mods it loads.
//
// Go-source mods import it as "modapi" and describe their types with Define:
//
//	package main
//
//	import "modapi"
//
//	var _ = modapi.Define(modapi.TypeSpec{
//		Name:       "greeter.Plugin",
//		Implements: []string{modapi.PluginCapability},
//		New: func() any {
//			return &modapi.PluginFuncs{
//				OnInitialize: func(h modapi.Host) error {
//					h.Log("info", "hello")
//					return nil
//				},
//			}
//		},
//	})
//
// Natively compiled plugins implement Plugin directly and are defined in the
// host's default load context.
package modapi

// APIVersion is the version of this contract. Package manifests constrain it
// with their "api" field.
const APIVersion = "1.2.0"

// Capability names used to tag types. A type lists the capabilities it
// implements in TypeSpec.Implements.
const (
	// PluginCapability marks an entry point instantiated when its package starts.
	PluginCapability = "modapi.Plugin"
)

// TypeSpec describes one type exported by a loaded unit.
type TypeSpec struct {
	// Name is the fully-qualified type name, e.g. "greeter.Plugin".
	Name string
	// Interface marks contract-only types. They are returned by name lookups
	// but never by capability queries and cannot be instantiated.
	Interface bool
	// Implements lists capability names this type satisfies.
	Implements []string
	// New constructs an instance. Required unless Interface is set.
	New func() any
}

// Definer receives type definitions while a unit is being loaded.
type Definer interface {
	Define(spec TypeSpec) bool
}

// HookType selects where a patch runs relative to the original call.
type HookType uint8

// Hook positions.
const (
	Before HookType = iota
	After
)

// String returns "before" or "after".
func (h HookType) String() string {
	if h == After {
		return "after"
	}
	return "before"
}

// Params is the per-call view a patch gets of the intercepted call.
type Params interface {
	// Names returns the parameter names in declaration order.
	Names() []string
	// Get returns the current value of a parameter, including modifications
	// made by earlier patches.
	Get(name string) (any, bool)
	// Original returns the value the caller passed.
	Original(name string) (any, bool)
	// Set replaces a parameter for the rest of the chain and the original call.
	Set(name string, value any) error
	// Return returns the current return value.
	Return() any
	// SetReturn overrides the return value.
	SetReturn(value any) error
	// PreventExecution skips the original call and the remaining patches.
	PreventExecution()
}

// PatchFunc is a mod-supplied patch.
type PatchFunc func(instance any, params Params) error

// HookFunc is a legacy string-keyed hook callback. Returning a nil value means
// "no opinion" unless ReplaceNil is used.
type HookFunc func(args ...any) any

// ReplaceNil is returned by a HookFunc to make the aggregated result nil even
// when an earlier hook returned a value.
var ReplaceNil = replaceNil{}

type replaceNil struct{}

// Host is the set of services a plugin instance receives on initialization.
type Host interface {
	// PackageName is the name of the package that owns the plugin.
	PackageName() string
	// Log writes a structured log line tagged with the package name.
	Log(level, msg string)
	// AddHook registers a legacy hook; an empty id generates one.
	AddHook(event, id string, fn HookFunc) string
	// RemoveHook removes a legacy hook.
	RemoveHook(event, id string) bool
	// CallHook calls every hook registered under event and returns the
	// aggregated result.
	CallHook(event string, args ...any) any
	// Patch registers a patch on a host method by its full name.
	Patch(id, method string, hook HookType, fn PatchFunc) (string, error)
	// Unpatch removes a patch.
	Unpatch(id, method string, hook HookType) bool
	// Subscribe registers sub for every host event interface it implements.
	Subscribe(sub any) error
	// Unsubscribe removes sub from every host event.
	Unsubscribe(sub any) int
	// Config returns a parsed config resource of the package.
	Config(name string) (map[string]any, bool)
}

// Plugin is a package entry point.
type Plugin interface {
	// Initialize is called once after the package's units are loaded.
	Initialize(host Host) error
	// OnLoadCompleted is called after every package in the batch has started.
	OnLoadCompleted()
	// Dispose is called before the package's load context is unloaded. The
	// plugin must release its subscriptions and patches here.
	Dispose()
}

// PluginFuncs adapts plain functions to Plugin. Interpreted mods use it
// because they cannot implement host interfaces directly.
type PluginFuncs struct {
	OnInitialize     func(host Host) error
	OnLoadsCompleted func()
	OnDispose        func()
}

// Initialize calls OnInitialize when set.
func (p *PluginFuncs) Initialize(host Host) error {
	if p.OnInitialize == nil {
		return nil
	}
	return p.OnInitialize(host)
}

// OnLoadCompleted calls OnLoadsCompleted when set.
func (p *PluginFuncs) OnLoadCompleted() {
	if p.OnLoadsCompleted != nil {
		p.OnLoadsCompleted()
	}
}

// Dispose calls OnDispose when set.
func (p *PluginFuncs) Dispose() {
	if p.OnDispose != nil {
		p.OnDispose()
	}
}
