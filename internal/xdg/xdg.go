// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package xdg provides XDG Base Directory paths for modrt.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "modrt"

// ConfigFileName is the config file looked up in ConfigDir.
const ConfigFileName = "config.yaml"

// ConfigDir returns the XDG config directory for modrt.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() string {
	return dir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the XDG data directory for modrt.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() string {
	return dir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// PackagesDir is where installed packages live by default.
func PackagesDir() string {
	return filepath.Join(DataDir(), "packages")
}

// ConfigFile returns the default config file path when it exists, or "".
func ConfigFile() string {
	path := filepath.Join(ConfigDir(), ConfigFileName)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return path
	}
	return ""
}

func dir(env, fallback string) string {
	base := os.Getenv(env)
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), fallback)
	}
	return filepath.Join(base, appName)
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.With("path", path).Wrapf(err, "create directory")
	}
	return nil
}
