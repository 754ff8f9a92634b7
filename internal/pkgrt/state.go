// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt

import (
	"slices"

	"github.com/samber/oops"
)

// State is a package's lifecycle state.
type State uint8

// Lifecycle states.
const (
	StateDiscovered State = iota
	StateLoaded
	StateRunning
	StateUnloading
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateUnloading:
		return "unloading"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateDiscovered, StateLoaded, StateRunning, StateUnloading, StateUnloaded}

// transitions lists the states each state may move to. A loaded package
// that never started may still be unloaded, and an unloaded package may be
// loaded again.
var transitions = map[State][]State{
	StateDiscovered: {StateLoaded, StateUnloaded},
	StateLoaded:     {StateRunning, StateUnloading},
	StateRunning:    {StateUnloading},
	StateUnloading:  {StateUnloaded},
	StateUnloaded:   {StateLoaded},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func errTransition(pkg string, from, to State) error {
	return oops.In("pkgrt").
		Code(CodeInvalidTransition).
		With("package", pkg).
		With("from", from.String()).
		With("to", to.String()).
		Errorf("package %s cannot move from %s to %s", pkg, from, to)
}
