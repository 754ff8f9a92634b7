// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package events

import (
	"reflect"

	"github.com/samber/oops"
)

type alias struct {
	name    string
	target  reflect.Type
	method  string
	factory func(Callback) any
}

func syntheticID(name, id string) string {
	return name + "/" + id
}

// RegisterEventAlias routes legacy registrations under legacyName into the
// typed event T. factory builds a T whose targetMethod forwards to the
// legacy callback. Callbacks already registered under the name are promoted.
func RegisterEventAlias[T any](r *Registry, legacyName, targetMethod string, factory func(Callback) T) error {
	name := normalizeName(legacyName)
	t := reflect.TypeFor[T]()
	b := oops.In("events").With("alias", name).With("event", eventName(t))
	if name == "" || factory == nil {
		return b.Code(CodeInvalidAlias).Errorf("alias needs a name and a factory")
	}
	if _, ok := t.MethodByName(targetMethod); !ok {
		return b.Code(CodeInvalidAlias).
			With("method", targetMethod).
			Errorf("%s has no method %s", eventName(t), targetMethod)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.aliases[name]; ok {
		return b.Code(CodeAliasExists).
			With("existing", eventName(existing.target)).
			Errorf("alias %s already registered", name)
	}
	a := alias{
		name:   name,
		target: t,
		method: targetMethod,
		factory: func(cb Callback) any {
			return factory(cb)
		},
	}
	r.aliases[name] = a

	for _, e := range r.legacy[name] {
		if err := r.addAliasedLocked(a, e); err != nil {
			r.logger.Warn("legacy hook not promoted", "alias", name, "id", e.id, "error", err)
		}
	}
	delete(r.legacy, name)
	r.logger.Debug("event alias registered", "alias", name, "event", eventName(t), "method", targetMethod)
	return nil
}

// addAliasedLocked subscribes an adapter for e under a synthetic id,
// replacing an adapter the same owner previously added with the same id.
func (r *Registry) addAliasedLocked(a alias, e legacyEntry) error {
	h := handle{
		synthetic: true,
		id:        syntheticID(a.name, e.id),
		owner:     e.owner,
		value:     a.factory(e.plain()),
	}
	list := r.typed[a.target]
	for i, existing := range list {
		if existing.synthetic && existing.id == h.id {
			if existing.owner != h.owner {
				return errHookOwned(a.name, e.id, existing.owner)
			}
			next := append([]handle(nil), list...)
			next[i] = h
			r.typed[a.target] = next
			return nil
		}
	}
	r.typed[a.target] = append(append([]handle(nil), list...), h)
	return nil
}

// Aliases returns the legacy names that are aliased, with their target event.
func (r *Registry) Aliases() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.aliases))
	for name, a := range r.aliases {
		out[name] = eventName(a.target) + "." + a.method
	}
	return out
}
