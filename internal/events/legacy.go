// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package events

import (
	"context"
	"log/slog"
	"reflect"
	"slices"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/modrt/internal/ident"
	"github.com/holomush/modrt/pkg/errutil"
	"github.com/holomush/modrt/pkg/modapi"
)

// Callback is a legacy string-keyed hook.
type Callback = modapi.HookFunc

// ContextCallback is a legacy hook that also receives the context passed to
// CallRawContext.
type ContextCallback func(ctx context.Context, args ...any) any

// Result lets a callback state its result explicitly. With ReplaceNil set
// and a nil Value, the aggregated result becomes nil even when an earlier
// callback produced a value.
type Result struct {
	Value      any
	ReplaceNil bool
}

type legacyEntry struct {
	id    string
	owner string
	cb    ContextCallback
}

// plain adapts the entry for typed adapters, which carry no context.
func (e legacyEntry) plain() Callback {
	return func(args ...any) any {
		return e.cb(context.Background(), args...)
	}
}

// AddOption configures a legacy registration or removal.
type AddOption func(*legacyEntry)

// WithOwner tags a registration with the package that made it. Passed to
// Remove it restricts removal to that owner's callbacks.
func WithOwner(owner string) AddOption {
	return func(e *legacyEntry) {
		e.owner = owner
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Add registers cb under name and returns the normalized id; an empty id
// generates one. Re-adding an id replaces the callback in place, but only for
// the owner that registered it. If name is
// aliased, the callback is adapted and subscribed to the alias's typed event
// instead.
func (r *Registry) Add(name, id string, cb Callback, opts ...AddOption) (string, error) {
	if cb == nil {
		return r.AddContext(name, id, nil, opts...)
	}
	return r.AddContext(name, id, func(_ context.Context, args ...any) any {
		return cb(args...)
	}, opts...)
}

// AddContext is Add for a callback that wants the caller's context.
func (r *Registry) AddContext(name, id string, cb ContextCallback, opts ...AddOption) (string, error) {
	name = normalizeName(name)
	if name == "" || cb == nil {
		return "", oops.In("events").
			Code(CodeInvalidSubscriber).
			With("event", name).
			Errorf("legacy hook needs a name and a callback")
	}
	e := legacyEntry{id: ident.Normalize(id), cb: cb}
	for _, opt := range opts {
		opt(&e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.aliases[name]; ok {
		if err := r.addAliasedLocked(a, e); err != nil {
			return "", err
		}
		return e.id, nil
	}

	list := r.legacy[name]
	if i := slices.IndexFunc(list, func(x legacyEntry) bool { return x.id == e.id }); i >= 0 {
		if list[i].owner != e.owner {
			return "", errHookOwned(name, e.id, list[i].owner)
		}
		next := slices.Clone(list)
		next[i] = e
		r.legacy[name] = next
		return e.id, nil
	}
	r.legacy[name] = append(slices.Clone(list), e)
	return e.id, nil
}

// AddAuto registers cb under name with a generated id and returns the id.
func (r *Registry) AddAuto(name string, cb Callback, opts ...AddOption) (string, error) {
	return r.Add(name, "", cb, opts...)
}

// Remove removes the callback registered under name and id. With WithOwner
// it leaves other owners' callbacks in place and reports false.
func (r *Registry) Remove(name, id string, opts ...AddOption) bool {
	name = normalizeName(name)
	want := legacyEntry{id: strings.ToLower(strings.TrimSpace(id))}
	for _, opt := range opts {
		opt(&want)
	}
	owned := func(owner string) bool {
		return want.owner == "" || owner == want.owner
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.aliases[name]; ok {
		return r.removeTypedLocked(a.target, func(h handle) bool {
			return h.synthetic && h.id == syntheticID(name, want.id) && owned(h.owner)
		}) > 0
	}
	list := r.legacy[name]
	i := slices.IndexFunc(list, func(x legacyEntry) bool { return x.id == want.id })
	if i < 0 || !owned(list[i].owner) {
		return false
	}
	r.legacy[name] = slices.Delete(slices.Clone(list), i, i+1)
	return true
}

// RemoveOwner removes every legacy callback and alias adapter registered by
// owner and returns how many were removed.
func (r *Registry) RemoveOwner(owner string) int {
	if owner == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for name, list := range r.legacy {
		kept := slices.DeleteFunc(slices.Clone(list), func(x legacyEntry) bool { return x.owner == owner })
		removed += len(list) - len(kept)
		r.legacy[name] = kept
	}
	for t := range r.typed {
		removed += r.removeTypedLocked(t, func(h handle) bool {
			return h.synthetic && h.owner == owner
		})
	}
	return removed
}

// Has reports whether name has legacy callbacks.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.legacy[normalizeName(name)]) > 0
}

// CallRaw calls every callback registered under name in registration order
// and aggregates their results: the last non-nil result wins, and a
// callback returning modapi.ReplaceNil or Result{ReplaceNil: true} resets the
// result to nil. Failing callbacks are logged and skipped.
func (r *Registry) CallRaw(name string, args ...any) any {
	return r.CallRawContext(context.Background(), name, args...)
}

// CallRawContext is CallRaw with ctx handed to every ContextCallback.
func (r *Registry) CallRawContext(ctx context.Context, name string, args ...any) any {
	name = normalizeName(name)
	r.mu.RLock()
	list := r.legacy[name]
	r.mu.RUnlock()

	var result any
	for _, e := range list {
		var out any
		err := errutil.Recover("events", func() error {
			out = e.cb(ctx, args...)
			return nil
		})
		if err == nil {
			if failed, ok := out.(error); ok {
				err = failed
			}
		}
		if err != nil {
			r.metrics.RecordEventFailure(name)
			errutil.Log(r.logger, slog.LevelWarn, "legacy hook failed",
				oops.In("events").Code(CodeCallbackFailed).With("event", name).With("id", e.id).Wrap(err),
				"event", name,
				"package", e.owner)
			continue
		}

		switch v := out.(type) {
		case nil:
		case Result:
			if v.Value != nil {
				result = v.Value
			} else if v.ReplaceNil {
				result = nil
			}
		default:
			if out == any(modapi.ReplaceNil) {
				result = nil
				continue
			}
			result = out
		}
	}
	return result
}

// Call is CallRaw with the result converted to T. It reports false when the
// aggregated result is nil or cannot be converted.
func Call[T any](r *Registry, name string, args ...any) (T, bool) {
	return CallContext[T](context.Background(), r, name, args...)
}

// CallContext is Call with a context for ContextCallbacks.
func CallContext[T any](ctx context.Context, r *Registry, name string, args ...any) (T, bool) {
	var zero T
	raw := r.CallRawContext(ctx, name, args...)
	if raw == nil {
		return zero, false
	}
	if v, ok := raw.(T); ok {
		return v, true
	}
	rv := reflect.ValueOf(raw)
	want := reflect.TypeFor[T]()
	if want.Kind() != reflect.String && rv.CanConvert(want) {
		return rv.Convert(want).Interface().(T), true
	}
	r.logger.Debug("legacy hook result not convertible",
		"event", normalizeName(name),
		"got", rv.Type().String(),
		"want", want.String())
	return zero, false
}

func errHookOwned(name, id, owner string) error {
	return oops.In("events").
		Code(CodeHookOwned).
		With("event", name).
		With("id", id).
		With("owner", owner).
		Errorf("hook %s on %s belongs to %s", id, name, owner)
}
