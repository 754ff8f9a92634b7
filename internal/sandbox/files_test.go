// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package sandbox_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/modrt/internal/observability"
	"github.com/holomush/modrt/internal/sandbox"
	"github.com/holomush/modrt/pkg/errutil"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCanonicalize(t *testing.T) {
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	got, err := sandbox.Canonicalize(filepath.Join(dir, "a", "..", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(resolved, "b.txt"), got, "missing files resolve through their parent")

	got, err = sandbox.Canonicalize(filepath.Join(dir, "x", "y", "z.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(resolved, "x", "y", "z.txt"), got)

	_, err = sandbox.Canonicalize("")
	errutil.AssertErrorCode(t, err, sandbox.CodeBadPath)
}

func TestCanonicalize_FollowsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	target := writeFile(t, dir, "real/data.txt", "x")
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(filepath.Dir(target), link))

	g := sandbox.NewGatekeeper()
	require.NoError(t, g.AddFileToWhitelist(target, sandbox.Read))
	assert.True(t, g.IsFileAccessible(filepath.Join(link, "data.txt"), true, true))
}

func TestIsFileAccessible_Whitelists(t *testing.T) {
	dir := t.TempDir()
	readable := writeFile(t, dir, "read/config.yaml", "a: 1")
	writable := writeFile(t, dir, "save/state.json", "{}")
	other := writeFile(t, dir, "other.txt", "")

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	g := sandbox.NewGatekeeper(sandbox.WithMetrics(metrics))
	require.NoError(t, g.AddFileToWhitelist(filepath.Dir(readable), sandbox.Read))
	require.NoError(t, g.AddFileToWhitelist(filepath.Dir(writable), sandbox.ReadWrite))

	tests := []struct {
		name     string
		path     string
		readOnly bool
		want     bool
	}{
		{"read under read dir", readable, true, true},
		{"write under read dir", readable, false, false},
		{"read under write dir", writable, true, true},
		{"write under write dir", writable, false, true},
		{"new file under write dir", filepath.Join(filepath.Dir(writable), "new.json"), false, true},
		{"unlisted read", other, true, false},
		{"unlisted write", other, false, false},
		{"escape through dot-dot", filepath.Join(filepath.Dir(readable), "..", "other.txt"), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.IsFileAccessible(tt.path, tt.readOnly, false))
		})
	}
	assert.Positive(t, testutil.ToFloat64(metrics.SandboxDenials.WithLabelValues("file_write")))
	assert.Positive(t, testutil.ToFloat64(metrics.SandboxDenials.WithLabelValues("file_read")))
}

func TestIsFileAccessible_OSProbe(t *testing.T) {
	dir := t.TempDir()
	g := sandbox.NewGatekeeper()
	require.NoError(t, g.AddFileToWhitelist(dir, sandbox.ReadWrite))

	missing := filepath.Join(dir, "missing.txt")
	assert.True(t, g.IsFileAccessible(missing, true, true), "whitelist-only ignores the file system")
	assert.False(t, g.IsFileAccessible(missing, true, false), "missing file cannot be opened for reading")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.True(t, g.IsFileAccessible(missing, false, false))
	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, after, len(entries), "write probe leaves nothing behind")
}

func TestSetWhitelists_ReplaceTotally(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "")
	b := writeFile(t, dir, "b.txt", "")

	g := sandbox.NewGatekeeper()
	require.NoError(t, g.SetReadOnlyWhitelist([]string{a}))
	require.NoError(t, g.SetReadOnlyWhitelist([]string{b}))
	assert.False(t, g.IsFileAccessible(a, true, true))
	assert.True(t, g.IsFileAccessible(b, true, true))

	err := g.SetReadOnlyWhitelist([]string{a, ""})
	errutil.AssertErrorCode(t, err, sandbox.CodeBadPath)
	assert.True(t, g.IsFileAccessible(b, true, true), "failed replacement keeps the old list")
	assert.False(t, g.IsFileAccessible(a, true, true))

	require.NoError(t, g.SetReadWriteWhitelist([]string{a}))
	require.NoError(t, g.SetReadWriteWhitelist(nil))
	assert.False(t, g.IsFileAccessible(a, false, true))
}

func TestRemoveAndClear(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "")

	g := sandbox.NewGatekeeper()
	require.NoError(t, g.AddFileToWhitelist(a, sandbox.Read))
	require.NoError(t, g.AddFileToWhitelist(a, sandbox.ReadWrite))
	assert.True(t, g.RemoveFileFromAllWhitelists(a))
	assert.False(t, g.RemoveFileFromAllWhitelists(a))
	assert.False(t, g.IsFileAccessible(a, true, true))

	require.NoError(t, g.AddFileToWhitelist(dir, sandbox.ReadWrite))
	g.ClearAllWhitelists()
	assert.False(t, g.IsFileAccessible(a, true, true))
}

func TestEnableReadOnlyMode(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "save.dat", "v1")

	g := sandbox.NewGatekeeper()
	require.NoError(t, g.AddFileToWhitelist(dir, sandbox.ReadWrite))
	require.NoError(t, g.WriteFile(path, []byte("v2")))

	g.EnableReadOnlyMode()
	g.EnableReadOnlyMode()
	assert.True(t, g.IsReadOnly())
	assert.False(t, g.IsFileAccessible(path, false, true))
	errutil.AssertErrorCode(t, g.WriteFile(path, []byte("v3")), sandbox.CodeFileDenied)

	data, err := g.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data), "reads still work in read-only mode")
}

func TestReadFile_Denied(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "secret.txt", "x")

	g := sandbox.NewGatekeeper()
	_, err := g.ReadFile(path)
	errutil.AssertErrorCode(t, err, sandbox.CodeFileDenied)
	errutil.AssertErrorContext(t, err, "op", "read")
}
