// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package xdg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirs(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		got  func() string
		want string
	}{
		{
			name: "config from env",
			env:  map[string]string{"XDG_CONFIG_HOME": "/custom/config"},
			got:  ConfigDir,
			want: "/custom/config/modrt",
		},
		{
			name: "config default",
			env:  map[string]string{"XDG_CONFIG_HOME": "", "HOME": "/home/testuser"},
			got:  ConfigDir,
			want: "/home/testuser/.config/modrt",
		},
		{
			name: "data from env",
			env:  map[string]string{"XDG_DATA_HOME": "/custom/data"},
			got:  DataDir,
			want: "/custom/data/modrt",
		},
		{
			name: "data default",
			env:  map[string]string{"XDG_DATA_HOME": "", "HOME": "/home/testuser"},
			got:  DataDir,
			want: "/home/testuser/.local/share/modrt",
		},
		{
			name: "packages",
			env:  map[string]string{"XDG_DATA_HOME": "/custom/data"},
			got:  PackagesDir,
			want: "/custom/data/modrt/packages",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, filepath.FromSlash(tt.want), tt.got())
		})
	}
}

func TestConfigFile(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)

	assert.Empty(t, ConfigFile(), "missing file")

	require.NoError(t, EnsureDir(filepath.Join(base, appName)))
	path := filepath.Join(base, appName, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("tick: 1s\n"), 0o600))
	assert.Equal(t, path, ConfigFile())
}

func TestEnsureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestEnsureDir_Error(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	assert.Error(t, EnsureDir(filepath.Join(file, "sub")))
}
