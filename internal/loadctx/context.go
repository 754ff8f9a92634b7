// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loadctx

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/traefik/yaegi/interp"

	"github.com/holomush/modrt/pkg/modapi"
)

// Context is an isolated load context.
type Context struct {
	id    ID
	label string

	mu        sync.RWMutex
	interp    *interp.Interpreter
	units     []*Unit
	types     map[string]*Type
	order     []string
	populated bool
	template  bool
	unloaded  bool

	instances *instanceCount
}

func newContext(id ID, label string) *Context {
	return &Context{
		id:        id,
		label:     label,
		types:     make(map[string]*Type),
		instances: &instanceCount{},
	}
}

// ID returns the context id.
func (c *Context) ID() ID {
	return c.id
}

// Label returns the human-readable label given at creation.
func (c *Context) Label() string {
	return c.label
}

// IsPopulated reports whether a load already succeeded in this context.
func (c *Context) IsPopulated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.populated
}

// IsTemplate reports whether the context was marked template-only.
func (c *Context) IsTemplate() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.template
}

// IsUnloaded reports whether the context has begun unloading.
func (c *Context) IsUnloaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unloaded
}

// Units describes the units loaded into the context.
func (c *Context) Units() []modapi.UnitInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unitInfosLocked(c.units)
}

// Types returns the context's own type table in definition order.
func (c *Context) Types() []*Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Type, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.types[name])
	}
	return out
}

// TypeByName looks a type up in this context only.
func (c *Context) TypeByName(name string) (*Type, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.types[name]
	return t, ok
}

func (c *Context) unitInfosLocked(units []*Unit) []modapi.UnitInfo {
	infos := make([]modapi.UnitInfo, 0, len(units))
	for _, u := range units {
		info := modapi.UnitInfo{Context: string(c.id), Name: u.Name, Path: u.Path}
		for _, s := range u.specs {
			info.Types = append(info.Types, s.Name)
		}
		infos = append(infos, info)
	}
	return infos
}

// populate installs freshly loaded units and rebuilds the type table.
func (c *Context) populate(in *interp.Interpreter, units []*Unit, logger *slog.Logger) []modapi.UnitInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interp = in
	c.units = append(c.units, units...)
	c.populated = true
	c.rebuildTypesLocked(logger)
	return c.unitInfosLocked(units)
}

// addUnit appends a unit without marking the context populated. The host
// default context grows this way.
func (c *Context) addUnit(u *Unit, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = append(c.units, u)
	c.rebuildTypesLocked(logger)
}

// RebuildTypesList recomputes the type table from the loaded units. The
// first definition of a name wins; later duplicates and invalid specs are
// logged and dropped.
func (c *Context) RebuildTypesList(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuildTypesLocked(logger)
}

func (c *Context) rebuildTypesLocked(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	types := make(map[string]*Type)
	order := make([]string, 0, len(c.order))
	for _, u := range c.units {
		for _, spec := range u.specs {
			if err := validateSpec(spec); err != nil {
				logger.Warn("skipping invalid type",
					"context", string(c.id),
					"unit", u.Name,
					"error", err)
				continue
			}
			if _, dup := types[spec.Name]; dup {
				logger.Debug("skipping duplicate type",
					"context", string(c.id),
					"unit", u.Name,
					"type", spec.Name)
				continue
			}
			types[spec.Name] = &Type{
				Name:       spec.Name,
				Interface:  spec.Interface,
				Implements: slices.Clone(spec.Implements),
				spec:       spec,
				unit:       u,
				ctx:        c,
			}
			order = append(order, spec.Name)
		}
	}
	c.types = types
	c.order = order
}

// markTemplate sets the irreversible template flag.
func (c *Context) markTemplate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.template = true
}

// release clears the type table, drops the interpreter and returns a
// tombstone that observes the collection of everything the context handed
// out.
func (c *Context) release() *tombstone {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := newTombstone(c, c.units, c.interp)
	c.units = nil
	c.types = make(map[string]*Type)
	c.order = nil
	c.interp = nil
	c.unloaded = true
	return ts
}

// reset empties a context after a failed load so it can be retried.
func (c *Context) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = nil
	c.types = make(map[string]*Type)
	c.order = nil
	c.interp = nil
	c.populated = false
}
