// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/modrt/internal/pkgrt"
)

func resolvedNames(rs []pkgrt.ResolvedResource) []string {
	names := make([]string, len(rs))
	for i, r := range rs {
		names[i] = r.Kind.String() + ":" + r.Name
	}
	return names
}

func TestResolve_Filters(t *testing.T) {
	m, err := pkgrt.ParseManifest([]byte(`
name: weather
version: 1.0.0
assemblies:
  - name: core
    file: core.go
  - name: windows-only
    file: win.go
    platforms: [windows]
scripts:
  - name: late
    file: late.lua
    priority: 10
  - name: early
    file: early.lua
    priority: -1
  - name: server-side
    file: server.lua
    targets: [server]
  - name: needs-seasons
    file: seasons.lua
    requires: [seasons]
  - name: not-with-tropics
    file: tropics.lua
    incompatible: [tropics]
  - name: conditional
    file: cond.lua
    when: "seasons & !deserts"
configs:
  - name: settings
    folder: conf
`))
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "weather")
	env := pkgrt.NewEnvironment([]string{"weather", "seasons", "tropics"}, pkgrt.PlatformLinux, pkgrt.TargetClient)
	rs, err := m.Resolve(dir, env)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"assembly:core",
		"script:early",
		"script:needs-seasons",
		"script:conditional",
		"script:late",
		"config:settings",
	}, resolvedNames(rs))

	assert.Equal(t, filepath.Join(dir, "core.go"), rs[0].Path)
	assert.False(t, rs[0].Folder)
	assert.True(t, rs[len(rs)-1].Folder)
	assert.Equal(t, filepath.Join(dir, "conf"), rs[len(rs)-1].Path)
}

func TestResolve_StableWithinPriority(t *testing.T) {
	m, err := pkgrt.ParseManifest([]byte(`
name: order
version: 1.0.0
scripts:
  - name: b
    file: b.lua
  - name: a
    file: a.lua
  - name: c
    file: c.lua
`))
	require.NoError(t, err)

	rs, err := m.Resolve(t.TempDir(), pkgrt.NewEnvironment(nil, pkgrt.PlatformDarwin, pkgrt.TargetServer))
	require.NoError(t, err)
	assert.Equal(t, []string{"script:b", "script:a", "script:c"}, resolvedNames(rs))
}

func TestParsePlatformsAndTargets(t *testing.T) {
	p, err := pkgrt.ParsePlatforms([]string{"Linux", " macos "})
	require.NoError(t, err)
	assert.Equal(t, pkgrt.PlatformLinux|pkgrt.PlatformDarwin, p)

	p, err = pkgrt.ParsePlatforms(nil)
	require.NoError(t, err)
	assert.Equal(t, pkgrt.PlatformAny, p)

	_, err = pkgrt.ParsePlatforms([]string{"beos"})
	assert.Error(t, err)

	tg, err := pkgrt.ParseTargets([]string{"any"})
	require.NoError(t, err)
	assert.Equal(t, pkgrt.TargetAny, tg)

	_, err = pkgrt.ParseTargets([]string{"kiosk"})
	assert.Error(t, err)

	assert.NotZero(t, pkgrt.CurrentPlatform()&pkgrt.PlatformAny)
}
