// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loadctx

import (
	"reflect"
	"runtime"
	"sync/atomic"
	"weak"

	"github.com/traefik/yaegi/interp"
)

// RegisterUnloadCheck adds a readiness predicate for a context. Every check
// of every targeted context must pass before an unload proceeds.
func (r *Registry) RegisterUnloadCheck(id ID, check UnloadCheck) {
	if check == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[id] = append(r.checks[id], check)
}

// BeginUnloadAll starts unloading every isolated context. See BeginUnload.
func (r *Registry) BeginUnloadAll() bool {
	return r.BeginUnload(r.Contexts()...)
}

// BeginUnload starts unloading the given contexts. If any readiness check
// vetoes, nothing is unloaded and false is returned. Otherwise each context's
// units are announced as unloading, its type table is cleared immediately,
// and the context is tracked until PollUnloadCompletion observes it
// collected. Unknown ids are ignored, so repeating a call is safe.
func (r *Registry) BeginUnload(ids ...ID) bool {
	return r.beginUnload(false, ids)
}

// ForceUnload unloads the given contexts without consulting their readiness
// checks. Callers use it once they have given up waiting for a veto to clear.
func (r *Registry) ForceUnload(ids ...ID) {
	r.beginUnload(true, ids)
}

func (r *Registry) beginUnload(force bool, ids []ID) bool {
	type target struct {
		c      *Context
		checks []UnloadCheck
	}

	r.mu.RLock()
	targets := make([]target, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.contexts[id]; ok {
			targets = append(targets, target{c: c, checks: append([]UnloadCheck(nil), r.checks[id]...)})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		for _, check := range t.checks {
			if check(t.c.id) {
				continue
			}
			if !force {
				r.logger.Info("unload vetoed", "context", string(t.c.id), "label", t.c.label)
				return false
			}
			r.logger.Warn("forcing unload past veto", "context", string(t.c.id), "label", t.c.label)
			break
		}
	}

	r.mu.Lock()
	claimed := make([]*Context, 0, len(targets))
	for _, t := range targets {
		if _, ok := r.contexts[t.c.id]; !ok {
			continue
		}
		delete(r.contexts, t.c.id)
		delete(r.checks, t.c.id)
		claimed = append(claimed, t.c)
	}
	n := len(r.contexts)
	r.mu.Unlock()

	for _, c := range claimed {
		for _, info := range c.Units() {
			r.notifier.UnitUnloading(info)
		}
		ts := c.release()
		r.pendingMu.Lock()
		r.pending[c.id] = ts
		r.pendingMu.Unlock()
		r.logger.Debug("load context unloading", "context", string(c.id), "units", len(ts.units))
	}

	if len(claimed) > 0 {
		r.metrics.SetLoadContexts(n)
		r.invalidate()
	}
	return true
}

// PollUnloadCompletion forces a collection and reports whether the given
// unloaded contexts have been reclaimed. With no ids it covers every context
// unloaded so far. Ids that are not pending count as reclaimed. It is safe to
// call repeatedly.
func (r *Registry) PollUnloadCompletion(ids ...ID) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if len(r.pending) == 0 {
		return true
	}
	if len(ids) > 0 && !r.anyPendingLocked(ids) {
		return true
	}
	runtime.GC()
	for id, ts := range r.pending {
		if ts.collected() {
			delete(r.pending, id)
		}
	}
	if len(ids) == 0 {
		return len(r.pending) == 0
	}
	return !r.anyPendingLocked(ids)
}

func (r *Registry) anyPendingLocked(ids []ID) bool {
	for _, id := range ids {
		if _, ok := r.pending[id]; ok {
			return true
		}
	}
	return false
}

// PendingUnloads returns how many unloaded contexts are not yet reclaimed.
func (r *Registry) PendingUnloads() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// tombstone observes an unloaded context. The context counts as collected
// once its units and interpreter are unreachable and every instance its
// types constructed has been reclaimed.
type tombstone struct {
	label     string
	units     []weak.Pointer[Unit]
	interp    weak.Pointer[interp.Interpreter]
	instances *instanceCount
}

func newTombstone(c *Context, units []*Unit, in *interp.Interpreter) *tombstone {
	ts := &tombstone{
		label:     c.label,
		units:     make([]weak.Pointer[Unit], 0, len(units)),
		instances: c.instances,
	}
	for _, u := range units {
		ts.units = append(ts.units, weak.Make(u))
	}
	if in != nil {
		ts.interp = weak.Make(in)
	}
	return ts
}

func (ts *tombstone) collected() bool {
	if ts.interp.Value() != nil || ts.instances.live() > 0 {
		return false
	}
	for _, u := range ts.units {
		if u.Value() != nil {
			return false
		}
	}
	return true
}

// instanceCount tracks instances constructed from a context's types that are
// still reachable. Only reference-like values are tracked; plain values are
// copies and cannot outlive anything.
type instanceCount struct {
	n atomic.Int64
}

func (ic *instanceCount) track(v any) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan:
	default:
		return
	}
	p := rv.UnsafePointer()
	if p == nil {
		return
	}
	ic.n.Add(1)
	defer func() {
		if recover() != nil {
			ic.n.Add(-1)
		}
	}()
	// Objects outside the heap, including zero-sized ones, never get a
	// cleanup and are not counted.
	if runtime.AddCleanup((*byte)(p), (*instanceCount).release, ic) == (runtime.Cleanup{}) {
		ic.n.Add(-1)
	}
}

func (ic *instanceCount) release() {
	ic.n.Add(-1)
}

func (ic *instanceCount) live() int64 {
	return ic.n.Load()
}
