// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package loadctx manages isolated load contexts for mod code.
//
// A Context hosts one compiled unit, or a cluster of source files loaded from
// disk, inside its own yaegi interpreter with its own type table. The Registry
// owns every Context plus the host's default context, answers merged type
// queries, and drives the two-phase unload protocol:
//
//	if reg.BeginUnloadAll() {
//		for !reg.PollUnloadCompletion() {
//			// once per frame, with a caller-side give-up policy
//		}
//	}
//
// Types are tagged with capability names rather than resolved through live
// reflection, and the capability index is rebuilt on every load and unload.
package loadctx

import (
	"fmt"

	"github.com/samber/oops"

	"github.com/holomush/modrt/pkg/modapi"
)

// ID identifies a load context. The empty ID asks the registry to allocate one.
type ID string

// DefaultID is the id of the host's own context.
const DefaultID ID = "default"

// Status is the typed outcome of a load operation.
type Status uint8

// Load outcomes.
const (
	StatusSuccess Status = iota
	StatusBadName
	StatusInvalidAssembly
	StatusAlreadyLoaded
	StatusNoAssemblyFound
	StatusCompilationFailed
	StatusLoadFailed
)

// Error codes carried by LoadResult.Err and the package's other errors.
const (
	CodeBadName           = "LOADCTX_BAD_NAME"
	CodeInvalidAssembly   = "LOADCTX_INVALID_ASSEMBLY"
	CodeAlreadyLoaded     = "LOADCTX_ALREADY_LOADED"
	CodeNoAssemblyFound   = "LOADCTX_NO_ASSEMBLY_FOUND"
	CodeCompilationFailed = "LOADCTX_COMPILATION_FAILED"
	CodeLoadFailed        = "LOADCTX_LOAD_FAILED"
	CodeContextUnloaded   = "LOADCTX_CONTEXT_UNLOADED"
	CodeTemplateOnly      = "LOADCTX_TEMPLATE_ONLY"
	CodeNotInstantiable   = "LOADCTX_NOT_INSTANTIABLE"
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusBadName:
		return "bad name"
	case StatusInvalidAssembly:
		return "invalid assembly"
	case StatusAlreadyLoaded:
		return "already loaded"
	case StatusNoAssemblyFound:
		return "no assembly found"
	case StatusCompilationFailed:
		return "compilation failed"
	case StatusLoadFailed:
		return "load failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Code returns the oops error code for a failed status.
func (s Status) Code() string {
	switch s {
	case StatusBadName:
		return CodeBadName
	case StatusInvalidAssembly:
		return CodeInvalidAssembly
	case StatusAlreadyLoaded:
		return CodeAlreadyLoaded
	case StatusNoAssemblyFound:
		return CodeNoAssemblyFound
	case StatusCompilationFailed:
		return CodeCompilationFailed
	case StatusLoadFailed:
		return CodeLoadFailed
	default:
		return ""
	}
}

// LoadResult is returned by the registry's load operations.
type LoadResult struct {
	Status Status
	// ID is the context the operation resolved to. Callers must adopt it;
	// it may differ from the id they passed in.
	ID ID
	// Units lists the units that were loaded.
	Units []modapi.UnitInfo
	// Diagnostics carries compiler or loader output on failure.
	Diagnostics string
}

// OK reports whether the load succeeded.
func (r LoadResult) OK() bool {
	return r.Status == StatusSuccess
}

// Err converts a failed result into an oops error carrying the status code.
func (r LoadResult) Err() error {
	if r.OK() {
		return nil
	}
	b := oops.In("loadctx").Code(r.Status.Code()).With("context", string(r.ID))
	if r.Diagnostics != "" {
		return b.Errorf("%s: %s", r.Status, r.Diagnostics)
	}
	return b.Errorf("%s", r.Status)
}

// Notifier receives unit lifecycle notifications. Calls are made without any
// registry lock held.
type Notifier interface {
	UnitLoaded(unit modapi.UnitInfo)
	UnitUnloading(unit modapi.UnitInfo)
}

type nopNotifier struct{}

func (nopNotifier) UnitLoaded(modapi.UnitInfo)    {}
func (nopNotifier) UnitUnloading(modapi.UnitInfo) {}
