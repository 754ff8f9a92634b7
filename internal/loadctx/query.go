// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loadctx

import "strings"

// GetTypesByName returns every type with the given fully-qualified name across
// the host context and all non-template contexts, interfaces included. A
// "ref " or "out " prefix returns the by-reference variants.
func (r *Registry) GetTypesByName(name string) []*Type {
	byRef := false
	for _, prefix := range []string{"ref ", "out "} {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			name = strings.TrimSpace(rest)
			byRef = true
			break
		}
	}
	if name == "" {
		return nil
	}

	r.cacheMu.Lock()
	found, ok := r.nameCache[name]
	r.cacheMu.Unlock()
	if !ok {
		for _, c := range r.live() {
			if c.IsTemplate() {
				continue
			}
			if t, hit := c.TypeByName(name); hit {
				found = append(found, t)
			}
		}
		r.cacheMu.Lock()
		if r.nameCache == nil {
			r.nameCache = make(map[string][]*Type)
		}
		r.nameCache[name] = found
		r.cacheMu.Unlock()
	}

	out := make([]*Type, 0, len(found))
	for _, t := range found {
		if byRef {
			t = t.byRef()
		}
		out = append(out, t)
	}
	return out
}

// GetAllTypes returns every type in every context, template contexts included.
func (r *Registry) GetAllTypes() []*Type {
	var out []*Type
	for _, c := range r.live() {
		out = append(out, c.Types()...)
	}
	return out
}

// Subtypes returns the concrete types implementing capability across the host
// context and all non-template contexts.
func (r *Registry) Subtypes(capability string) []*Type {
	r.cacheMu.Lock()
	index, valid := r.capIndex, r.indexValid
	r.cacheMu.Unlock()
	if !valid {
		index = r.rebuildIndex()
	}
	return append([]*Type(nil), index[capability]...)
}

// rebuildIndex recomputes the capability index from every live context.
func (r *Registry) rebuildIndex() map[string][]*Type {
	index := make(map[string][]*Type)
	for _, c := range r.live() {
		if c.IsTemplate() {
			continue
		}
		for _, t := range c.Types() {
			if t.Interface {
				continue
			}
			for _, capability := range t.Implements {
				index[capability] = append(index[capability], t)
			}
		}
	}
	r.cacheMu.Lock()
	r.capIndex = index
	r.indexValid = true
	r.cacheMu.Unlock()
	return index
}

// RebuildTypes recomputes every context's type table and drops all derived
// lookup tables.
func (r *Registry) RebuildTypes() {
	for _, c := range r.live() {
		c.RebuildTypesList(r.logger)
	}
	r.invalidate()
}

// SubtypesOf returns the concrete types tagged with T's capability name. With
// rebuild set, every context's type table is recomputed first.
func SubtypesOf[T any](r *Registry, rebuild bool) []*Type {
	if rebuild {
		r.RebuildTypes()
	}
	return r.Subtypes(CapabilityOf[T]())
}

// SubtypesIn returns the concrete types tagged with T's capability name in one
// context. It reports false for an unknown id.
func SubtypesIn[T any](r *Registry, id ID) ([]*Type, bool) {
	c, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	capability := CapabilityOf[T]()
	var out []*Type
	for _, t := range c.Types() {
		if !t.Interface && t.HasCapability(capability) {
			out = append(out, t)
		}
	}
	return out, true
}
