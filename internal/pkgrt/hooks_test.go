// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/modrt/internal/events"
	"github.com/holomush/modrt/internal/pkgrt"
	"github.com/holomush/modrt/pkg/modapi"
)

type frameCounter struct {
	mu     sync.Mutex
	frames []float64
	screen string
}

func (f *frameCounter) OnUpdate(dt float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, dt)
}

func (f *frameCounter) OnScreenSelected(screen string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screen = screen
}

type panicky struct{}

func (panicky) OnUpdate(float64) { panic("boom") }

func TestHostHooks_TypedSubscribers(t *testing.T) {
	r := events.New()
	h, err := pkgrt.NewHostHooks(r, nil)
	require.NoError(t, err)

	fc := &frameCounter{}
	require.NoError(t, events.Subscribe[modapi.Updater](r, fc))
	require.NoError(t, events.Subscribe[modapi.ScreenSelected](r, fc))

	require.NoError(t, h.Update(0.25))
	require.NoError(t, h.Update(0.5))
	require.NoError(t, h.ScreenSelected("inventory"))

	assert.Equal(t, []float64{0.25, 0.5}, fc.frames)
	assert.Equal(t, "inventory", fc.screen)
}

func TestHostHooks_FailingSubscriberIsIsolated(t *testing.T) {
	r := events.New()
	h, err := pkgrt.NewHostHooks(r, nil)
	require.NoError(t, err)

	fc := &frameCounter{}
	require.NoError(t, events.Subscribe[modapi.Updater](r, panicky{}))
	require.NoError(t, events.Subscribe[modapi.Updater](r, fc))

	err = h.Update(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []float64{1}, fc.frames)
}

func TestHostHooks_LegacyAliases(t *testing.T) {
	r := events.New()
	h, err := pkgrt.NewHostHooks(r, nil)
	require.NoError(t, err)

	var got []any
	record := func(args ...any) any {
		got = append(got, args...)
		return nil
	}
	for _, name := range []string{pkgrt.HookThink, pkgrt.HookPackagesChanged, pkgrt.HookCharacterCreated, pkgrt.HookAssemblyLoaded} {
		_, err := r.Add(name, "recorder", record)
		require.NoError(t, err, name)
	}
	assert.Equal(t, 1, events.Subscribers[modapi.Updater](r))

	require.NoError(t, h.Update(0.1))
	require.NoError(t, h.PackageListChanged([]string{"a"}, []string{"a", "b"}))
	require.NoError(t, h.CharacterCreated(modapi.Character{ID: "c1", Name: "Ada"}))
	h.UnitLoaded(modapi.UnitInfo{Context: "ctx", Name: "main", Path: "/p/main.go", Types: []string{"x.Plugin"}})

	require.Len(t, got, 5)
	assert.Equal(t, 0.1, got[0])
	assert.Equal(t, []any{"a"}, got[1])
	assert.Equal(t, []any{"a", "b"}, got[2])
	assert.Equal(t, map[string]any{"id": "c1", "name": "Ada"}, got[3])
	assert.Equal(t, map[string]any{
		"context": "ctx",
		"name":    "main",
		"path":    "/p/main.go",
		"types":   []any{"x.Plugin"},
	}, got[4])

	assert.True(t, r.Remove(pkgrt.HookThink, "recorder"))
	assert.Zero(t, events.Subscribers[modapi.Updater](r))
}

func TestNewHostHooks_AliasTaken(t *testing.T) {
	r := events.New()
	_, err := pkgrt.NewHostHooks(r, nil)
	require.NoError(t, err)

	_, err = pkgrt.NewHostHooks(r, nil)
	require.Error(t, err)
}

func TestHostHooks_LegacyFailureIsReported(t *testing.T) {
	r := events.New()
	h, err := pkgrt.NewHostHooks(r, nil)
	require.NoError(t, err)

	fc := &frameCounter{}
	cause := errors.New("think failed")
	_, err = r.Add(pkgrt.HookThink, "broken", func(...any) any { return cause })
	require.NoError(t, err)
	require.NoError(t, events.Subscribe[modapi.Updater](r, fc))

	err = h.Update(0.5)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, []float64{0.5}, fc.frames, "later subscribers still run")

	_, err = r.Add(pkgrt.HookScreenSelected, "fine", func(...any) any { return "ignored" })
	require.NoError(t, err)
	assert.NoError(t, h.ScreenSelected("map"))
}
