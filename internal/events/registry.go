// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package events dispatches host events to loaded code.
//
// It keeps three tables. The typed table maps an event interface to its
// subscribers and delivers to every one of them, collecting failures. The
// legacy table maps a lowercase string name to ordered callbacks whose
// results aggregate with last-non-nil-wins semantics. The alias table lets a
// legacy name promote its callbacks into the typed table through an adapter.
package events

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/modrt/internal/observability"
	"github.com/holomush/modrt/pkg/errutil"
)

// Error codes for event registry failures.
const (
	CodeDuplicateSubscriber = "EVENT_DUPLICATE_SUBSCRIBER"
	CodeInvalidSubscriber   = "EVENT_INVALID_SUBSCRIBER"
	CodeSubscriberFailed    = "EVENT_SUBSCRIBER_FAILED"
	CodeAliasExists         = "EVENT_ALIAS_EXISTS"
	CodeInvalidAlias        = "EVENT_INVALID_ALIAS"
	CodeCallbackFailed      = "EVENT_CALLBACK_FAILED"
	CodeHookOwned           = "EVENT_HOOK_OWNED"
)

// handle is one typed subscription: either a native subscriber object or a
// synthetic id standing for an adapter built from a legacy callback.
type handle struct {
	synthetic bool
	id        string
	owner     string
	value     any
}

func (h handle) String() string {
	if h.synthetic {
		return "alias:" + h.id
	}
	return fmt.Sprintf("%T", h.value)
}

// Registry holds typed subscribers, legacy callbacks and aliases.
type Registry struct {
	mu      sync.RWMutex
	typed   map[reflect.Type][]handle
	legacy  map[string][]legacyEntry
	aliases map[string]alias

	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records subscriber failures.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		typed:   make(map[reflect.Type][]handle),
		legacy:  make(map[string][]legacyEntry),
		aliases: make(map[string]alias),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func eventName(t reflect.Type) string {
	return t.String()
}

// Subscribe registers sub for events of type T. Subscribing the same
// subscriber twice is an error, as is a subscriber that cannot be compared
// for identity.
func Subscribe[T any](r *Registry, sub T) error {
	t := reflect.TypeFor[T]()
	v := any(sub)
	if v == nil {
		return oops.In("events").Code(CodeInvalidSubscriber).With("event", eventName(t)).Errorf("nil subscriber")
	}
	if !reflect.TypeOf(v).Comparable() {
		return oops.In("events").
			Code(CodeInvalidSubscriber).
			With("event", eventName(t)).
			With("subscriber", fmt.Sprintf("%T", v)).
			Hint("subscribe a pointer").
			Errorf("subscriber %T is not comparable", v)
	}
	return r.subscribe(t, handle{value: v})
}

func (r *Registry) subscribe(t reflect.Type, h handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.typed[t] {
		if existing.synthetic == h.synthetic && ((h.synthetic && existing.id == h.id) || (!h.synthetic && existing.value == h.value)) {
			return oops.In("events").
				Code(CodeDuplicateSubscriber).
				With("event", eventName(t)).
				With("subscriber", h.String()).
				Errorf("subscriber already registered for %s", eventName(t))
		}
	}
	r.typed[t] = append(slices.Clone(r.typed[t]), h)
	return nil
}

// Unsubscribe removes sub from events of type T. It reports whether sub was
// registered.
func Unsubscribe[T any](r *Registry, sub T) bool {
	v := any(sub)
	if v == nil || !reflect.TypeOf(v).Comparable() {
		return false
	}
	return r.removeTyped(reflect.TypeFor[T](), func(h handle) bool {
		return !h.synthetic && h.value == v
	}) > 0
}

func (r *Registry) removeTyped(t reflect.Type, match func(handle) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeTypedLocked(t, match)
}

func (r *Registry) removeTypedLocked(t reflect.Type, match func(handle) bool) int {
	list := r.typed[t]
	kept := slices.DeleteFunc(slices.Clone(list), match)
	if len(kept) == 0 {
		delete(r.typed, t)
	} else {
		r.typed[t] = kept
	}
	return len(list) - len(kept)
}

// UnsubscribeAll removes sub from every event type and returns how many
// subscriptions were removed.
func (r *Registry) UnsubscribeAll(sub any) int {
	if sub == nil || !reflect.TypeOf(sub).Comparable() {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for t := range r.typed {
		removed += r.removeTypedLocked(t, func(h handle) bool {
			return !h.synthetic && h.value == sub
		})
	}
	return removed
}

// IsSubscribed reports whether sub is subscribed to any event type.
func (r *Registry) IsSubscribed(sub any) bool {
	if sub == nil || !reflect.TypeOf(sub).Comparable() {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, list := range r.typed {
		for _, h := range list {
			if !h.synthetic && h.value == sub {
				return true
			}
		}
	}
	return false
}

// ClearAllEventSubscribers removes every subscriber of T.
func ClearAllEventSubscribers[T any](r *Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.typed, reflect.TypeFor[T]())
}

// ClearAllSubscribers removes every typed subscriber and legacy callback.
// Aliases stay registered.
func (r *Registry) ClearAllSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typed = make(map[reflect.Type][]handle)
	r.legacy = make(map[string][]legacyEntry)
}

// Subscribers returns how many subscribers T has.
func Subscribers[T any](r *Registry) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.typed[reflect.TypeFor[T]()])
}

// PublishEvent calls invoker once for every subscriber of T registered at
// the time of the call. A subscriber that fails or panics does not stop
// delivery; all failures are returned joined.
func PublishEvent[T any](r *Registry, invoker func(T) error) error {
	t := reflect.TypeFor[T]()
	r.mu.RLock()
	subs := r.typed[t]
	r.mu.RUnlock()

	var errs []error
	for _, h := range subs {
		sub, ok := h.value.(T)
		if !ok {
			continue
		}
		err := errutil.Recover("events", func() error {
			return invoker(sub)
		})
		if err == nil {
			continue
		}
		wrapped := oops.In("events").
			Code(CodeSubscriberFailed).
			With("event", eventName(t)).
			With("subscriber", h.String()).
			With("package", h.owner).
			Wrap(err)
		r.metrics.RecordEventFailure(eventName(t))
		errutil.Log(r.logger, slog.LevelWarn, "event subscriber failed", wrapped,
			"event", eventName(t),
			"package", h.owner)
		errs = append(errs, wrapped)
	}
	return errors.Join(errs...)
}
