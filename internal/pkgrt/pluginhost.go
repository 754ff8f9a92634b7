// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/modrt/internal/events"
	"github.com/holomush/modrt/internal/logging"
	"github.com/holomush/modrt/internal/patching"
	"github.com/holomush/modrt/internal/sandbox"
	"github.com/holomush/modrt/pkg/modapi"
)

// CodeCapabilityDenied is returned when a plugin uses a service its
// package was not granted.
const CodeCapabilityDenied = "PKG_CAPABILITY_DENIED"

// subscribeFunc subscribes sub to one host event if it implements it.
type subscribeFunc func(r *events.Registry, sub any) (bool, error)

func subscribeAs[T any]() subscribeFunc {
	return func(r *events.Registry, sub any) (bool, error) {
		s, ok := sub.(T)
		if !ok {
			return false, nil
		}
		return true, events.Subscribe(r, s)
	}
}

var hostEvents = []subscribeFunc{
	subscribeAs[modapi.AssemblyLoaded](),
	subscribeAs[modapi.AssemblyUnloading](),
	subscribeAs[modapi.Updater](),
	subscribeAs[modapi.ScreenSelected](),
	subscribeAs[modapi.PackageListChanged](),
	subscribeAs[modapi.CharacterCreated](),
}

// pluginHost is the modapi.Host one package's plugins receive. Everything
// it registers is tagged with the package so unload can find it.
type pluginHost struct {
	pkg     string
	o       *Orchestrator
	logger  *slog.Logger
	configs map[string]map[string]any

	mu   sync.Mutex
	subs []any
}

var _ modapi.Host = (*pluginHost)(nil)

func newPluginHost(o *Orchestrator, p *Package) *pluginHost {
	return &pluginHost{
		pkg:     p.Name(),
		o:       o,
		logger:  logging.ForPackage(o.logger, p.Name()),
		configs: p.configs,
	}
}

func (h *pluginHost) PackageName() string {
	return h.pkg
}

func (h *pluginHost) Log(level, msg string) {
	h.logger.Log(context.Background(), logging.ParseLevel(level), msg, "source", "plugin")
}

func (h *pluginHost) allowed(capability string) error {
	if h.o.caps.Check(h.pkg, capability) {
		return nil
	}
	h.o.metrics.RecordSandboxDenial("capability")
	h.logger.Warn("capability denied", "capability", capability)
	return oops.In("pkgrt").
		Code(CodeCapabilityDenied).
		With("package", h.pkg).
		With("capability", capability).
		Hint("add the capability to package.yaml").
		Errorf("package %s lacks capability %s", h.pkg, capability)
}

func (h *pluginHost) AddHook(event, id string, fn modapi.HookFunc) string {
	if err := h.allowed(sandbox.CapHookAdd); err != nil {
		return ""
	}
	got, err := h.o.events.Add(event, id, fn, events.WithOwner(h.pkg))
	if err != nil {
		h.logger.Warn("hook registration failed", "event", event, "error", err)
		return ""
	}
	return got
}

// RemoveHook removes one of the package's own hooks.
func (h *pluginHost) RemoveHook(event, id string) bool {
	return h.o.events.Remove(event, id, events.WithOwner(h.pkg))
}

func (h *pluginHost) CallHook(event string, args ...any) any {
	return h.o.events.CallRaw(event, args...)
}

func (h *pluginHost) Patch(id, method string, hook modapi.HookType, fn modapi.PatchFunc) (string, error) {
	if err := h.allowed(sandbox.CapPatchApply); err != nil {
		return "", err
	}
	m, ok := h.o.patcher.Lookup(method)
	if !ok {
		return "", patching.ErrUnknownMethod(method)
	}
	return h.o.patcher.Patch(id, m, patching.FromAPI(fn), hook, patching.WithOwner(h.pkg))
}

func (h *pluginHost) Unpatch(id, method string, hook modapi.HookType) bool {
	m, ok := h.o.patcher.Lookup(method)
	if !ok {
		return false
	}
	return h.o.patcher.RemovePatch(id, m, hook, patching.WithOwner(h.pkg))
}

func (h *pluginHost) Subscribe(sub any) error {
	var (
		matched bool
		errs    []error
	)
	for _, subscribe := range hostEvents {
		ok, err := subscribe(h.o.events, sub)
		matched = matched || ok
		if err != nil {
			errs = append(errs, err)
		}
	}
	if !matched {
		return oops.In("pkgrt").
			Code(events.CodeInvalidSubscriber).
			With("package", h.pkg).
			With("subscriber", fmt.Sprintf("%T", sub)).
			Errorf("%T implements no host event", sub)
	}
	if reflect.TypeOf(sub).Comparable() {
		h.mu.Lock()
		if !slices.Contains(h.subs, sub) {
			h.subs = append(h.subs, sub)
		}
		h.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (h *pluginHost) Unsubscribe(sub any) int {
	h.mu.Lock()
	h.subs = slices.DeleteFunc(h.subs, func(x any) bool { return x == sub })
	h.mu.Unlock()
	return h.o.events.UnsubscribeAll(sub)
}

func (h *pluginHost) Config(name string) (map[string]any, bool) {
	c, ok := h.configs[name]
	return c, ok
}

// subscribers returns what the package subscribed and never unsubscribed.
func (h *pluginHost) subscribers() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.subs)
}

// live reports whether any tracked subscriber is still registered.
func (h *pluginHost) live() bool {
	for _, sub := range h.subscribers() {
		if h.o.events.IsSubscribed(sub) {
			return true
		}
	}
	return false
}
