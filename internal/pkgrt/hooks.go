// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt

import (
	"errors"
	"log/slog"

	"github.com/holomush/modrt/internal/events"
	"github.com/holomush/modrt/pkg/modapi"
)

// Legacy hook names aliased onto the typed host events.
const (
	HookThink             = "think"
	HookScreenSelected    = "screen.selected"
	HookPackagesChanged   = "packages.changed"
	HookCharacterCreated  = "character.created"
	HookAssemblyLoaded    = "assembly.loaded"
	HookAssemblyUnloading = "assembly.unloading"
)

// HostHooks is where the host engine reports what happened. Every call
// publishes a typed event; subscribers fail in isolation.
type HostHooks struct {
	events *events.Registry
	logger *slog.Logger
}

// NewHostHooks registers the legacy aliases on r and returns the hook
// points. It fails if one of the aliases is already taken.
func NewHostHooks(r *events.Registry, logger *slog.Logger) (*HostHooks, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HostHooks{events: r, logger: logger}
	err := errors.Join(
		events.RegisterEventAlias(r, HookThink, "OnUpdate", func(cb events.Callback) modapi.Updater {
			return &updateAdapter{cb}
		}),
		events.RegisterEventAlias(r, HookScreenSelected, "OnScreenSelected", func(cb events.Callback) modapi.ScreenSelected {
			return &screenAdapter{cb}
		}),
		events.RegisterEventAlias(r, HookPackagesChanged, "OnPackageListChanged", func(cb events.Callback) modapi.PackageListChanged {
			return &packagesAdapter{cb}
		}),
		events.RegisterEventAlias(r, HookCharacterCreated, "OnCharacterCreated", func(cb events.Callback) modapi.CharacterCreated {
			return &characterAdapter{cb}
		}),
		events.RegisterEventAlias(r, HookAssemblyLoaded, "OnAssemblyLoaded", func(cb events.Callback) modapi.AssemblyLoaded {
			return &unitAdapter{cb}
		}),
		events.RegisterEventAlias(r, HookAssemblyUnloading, "OnAssemblyUnloading", func(cb events.Callback) modapi.AssemblyUnloading {
			return &unitAdapter{cb}
		}),
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// UnitLoaded publishes AssemblyLoaded. It satisfies loadctx.Notifier.
func (h *HostHooks) UnitLoaded(unit modapi.UnitInfo) {
	_ = events.PublishEvent(h.events, func(s modapi.AssemblyLoaded) error {
		s.OnAssemblyLoaded(unit)
		return nil
	})
}

// UnitUnloading publishes AssemblyUnloading. It satisfies loadctx.Notifier.
func (h *HostHooks) UnitUnloading(unit modapi.UnitInfo) {
	_ = events.PublishEvent(h.events, func(s modapi.AssemblyUnloading) error {
		s.OnAssemblyUnloading(unit)
		return nil
	})
}

// Update publishes one frame.
func (h *HostHooks) Update(deltaSeconds float64) error {
	return events.PublishEvent(h.events, func(s modapi.Updater) error {
		s.OnUpdate(deltaSeconds)
		return nil
	})
}

// ScreenSelected publishes a screen change.
func (h *HostHooks) ScreenSelected(screen string) error {
	return events.PublishEvent(h.events, func(s modapi.ScreenSelected) error {
		s.OnScreenSelected(screen)
		return nil
	})
}

// PackageListChanged publishes the enabled and installed package names.
func (h *HostHooks) PackageListChanged(enabled, all []string) error {
	h.logger.Debug("package list changed", "enabled", len(enabled), "all", len(all))
	return events.PublishEvent(h.events, func(s modapi.PackageListChanged) error {
		s.OnPackageListChanged(enabled, all)
		return nil
	})
}

// CharacterCreated publishes a new character.
func (h *HostHooks) CharacterCreated(c modapi.Character) error {
	return events.PublishEvent(h.events, func(s modapi.CharacterCreated) error {
		s.OnCharacterCreated(c)
		return nil
	})
}

// The adapters hand legacy callbacks plain values that scripts can index.
// The typed methods return nothing, so a callback's error is raised as a
// panic for PublishEvent to recover and report.

func forward(cb events.Callback, args ...any) {
	if err, ok := cb(args...).(error); ok {
		panic(err)
	}
}

type updateAdapter struct{ cb events.Callback }

func (a *updateAdapter) OnUpdate(deltaSeconds float64) { forward(a.cb, deltaSeconds) }

type screenAdapter struct{ cb events.Callback }

func (a *screenAdapter) OnScreenSelected(screen string) { forward(a.cb, screen) }

type packagesAdapter struct{ cb events.Callback }

func (a *packagesAdapter) OnPackageListChanged(enabled, all []string) {
	forward(a.cb, stringsToAny(enabled), stringsToAny(all))
}

type characterAdapter struct{ cb events.Callback }

func (a *characterAdapter) OnCharacterCreated(c modapi.Character) {
	forward(a.cb, map[string]any{"id": c.ID, "name": c.Name})
}

type unitAdapter struct{ cb events.Callback }

func (a *unitAdapter) OnAssemblyLoaded(u modapi.UnitInfo)    { forward(a.cb, unitToMap(u)) }
func (a *unitAdapter) OnAssemblyUnloading(u modapi.UnitInfo) { forward(a.cb, unitToMap(u)) }

func unitToMap(u modapi.UnitInfo) map[string]any {
	return map[string]any{
		"context": u.Context,
		"name":    u.Name,
		"path":    u.Path,
		"types":   stringsToAny(u.Types),
	}
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
