// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package sandbox gates what loaded and scripted code may touch: files
// through a read and a read-write whitelist, type registration through an
// allow/deny policy, and host services through per-package capabilities.
package sandbox

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/modrt/internal/observability"
)

// Error codes for sandbox failures.
const (
	CodeFileDenied    = "SANDBOX_FILE_DENIED"
	CodeBadPath       = "SANDBOX_BAD_PATH"
	CodeTypeDenied    = "SANDBOX_TYPE_DENIED"
	CodeProtectedType = "SANDBOX_PROTECTED_TYPE"
	CodeInvalidGrant  = "SANDBOX_INVALID_GRANT"
)

// Access is the level a whitelist entry grants.
type Access uint8

// Access levels. ReadWrite implies Read.
const (
	Read Access = iota
	ReadWrite
)

// Gatekeeper holds the file whitelists. Directory entries cover everything
// beneath them.
type Gatekeeper struct {
	mu       sync.RWMutex
	read     map[string]struct{}
	write    map[string]struct{}
	readOnly bool

	settings
}

type settings struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Gatekeeper or TypePolicy.
type Option func(*settings)

// WithLogger sets the logger for denials.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records denials.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

func newSettings(opts []Option) settings {
	s := settings{logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// NewGatekeeper creates a gatekeeper with empty whitelists.
func NewGatekeeper(opts ...Option) *Gatekeeper {
	return &Gatekeeper{
		read:     make(map[string]struct{}),
		write:    make(map[string]struct{}),
		settings: newSettings(opts),
	}
}

// Canonicalize returns the absolute, cleaned, symlink-resolved form of path.
// Paths that do not exist yet resolve through their nearest existing parent.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", oops.In("sandbox").Code(CodeBadPath).Errorf("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", oops.In("sandbox").Code(CodeBadPath).With("path", path).Wrap(err)
	}
	abs = filepath.Clean(abs)

	var missing []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			slices.Reverse(missing)
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", oops.In("sandbox").Code(CodeBadPath).With("path", path).Wrap(err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

func canonicalizeAll(paths []string) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		c, err := Canonicalize(p)
		if err != nil {
			return nil, err
		}
		set[c] = struct{}{}
	}
	return set, nil
}

// covered reports whether path or one of its ancestors is in set.
func covered(set map[string]struct{}, path string) bool {
	for cur := path; ; {
		if _, ok := set[cur]; ok {
			return true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return false
		}
		cur = parent
	}
}

// AddFileToWhitelist adds path at the given access level. Adding twice is a
// no-op.
func (g *Gatekeeper) AddFileToWhitelist(path string, access Access) error {
	c, err := Canonicalize(path)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if access == ReadWrite {
		g.write[c] = struct{}{}
	} else {
		g.read[c] = struct{}{}
	}
	return nil
}

// RemoveFileFromAllWhitelists removes path from both whitelists and reports
// whether it was present in either.
func (g *Gatekeeper) RemoveFileFromAllWhitelists(path string) bool {
	c, err := Canonicalize(path)
	if err != nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, inRead := g.read[c]
	_, inWrite := g.write[c]
	delete(g.read, c)
	delete(g.write, c)
	return inRead || inWrite
}

// SetReadOnlyWhitelist replaces the read whitelist. On error nothing changes.
func (g *Gatekeeper) SetReadOnlyWhitelist(paths []string) error {
	set, err := canonicalizeAll(paths)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.read = set
	return nil
}

// SetReadWriteWhitelist replaces the read-write whitelist. On error nothing
// changes.
func (g *Gatekeeper) SetReadWriteWhitelist(paths []string) error {
	set, err := canonicalizeAll(paths)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.write = set
	return nil
}

// ClearAllWhitelists empties both whitelists.
func (g *Gatekeeper) ClearAllWhitelists() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.read = make(map[string]struct{})
	g.write = make(map[string]struct{})
}

// EnableReadOnlyMode makes every later write check fail. It cannot be undone.
func (g *Gatekeeper) EnableReadOnlyMode() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readOnly = true
}

// IsReadOnly reports whether read-only mode is on.
func (g *Gatekeeper) IsReadOnly() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.readOnly
}

// IsFileAccessible reports whether path may be read (readOnly) or written.
// With whitelistOnly unset the operating system must also grant the access,
// so a whitelisted but locked or missing file is reported inaccessible.
func (g *Gatekeeper) IsFileAccessible(path string, readOnly, whitelistOnly bool) bool {
	c, err := Canonicalize(path)
	if err != nil {
		g.deny(path, readOnly, "bad path")
		return false
	}

	g.mu.RLock()
	var listed bool
	if readOnly {
		listed = covered(g.read, c) || covered(g.write, c)
	} else {
		listed = !g.readOnly && covered(g.write, c)
	}
	g.mu.RUnlock()

	if !listed {
		g.deny(c, readOnly, "not whitelisted")
		return false
	}
	if whitelistOnly {
		return true
	}
	if err := probe(c, readOnly); err != nil {
		g.deny(c, readOnly, err.Error())
		return false
	}
	return true
}

func (g *Gatekeeper) deny(path string, readOnly bool, reason string) {
	kind := "file_write"
	if readOnly {
		kind = "file_read"
	}
	g.metrics.RecordSandboxDenial(kind)
	g.logger.Debug("file access denied", "path", path, "kind", kind, "reason", reason)
}

// probe asks the operating system for the access.
func probe(path string, readOnly bool) error {
	if readOnly {
		f, err := os.Open(path) //nolint:gosec // path was whitelisted by the caller
		if err != nil {
			return err
		}
		return f.Close()
	}

	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return probeCreate(path)
	case err == nil:
		f, err := os.OpenFile(path, os.O_WRONLY, 0) //nolint:gosec // path was whitelisted by the caller
		if err != nil {
			return err
		}
		return f.Close()
	case errors.Is(err, fs.ErrNotExist):
		return probeCreate(filepath.Dir(path))
	default:
		return err
	}
}

func probeCreate(dir string) error {
	f, err := os.CreateTemp(dir, ".modrt-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

func errFileDenied(path string, write bool) error {
	op := "read"
	if write {
		op = "write"
	}
	return oops.In("sandbox").
		Code(CodeFileDenied).
		With("path", path).
		With("op", op).
		Errorf("%s access denied: %s", op, path)
}

// ReadFile reads a whitelisted file.
func (g *Gatekeeper) ReadFile(path string) ([]byte, error) {
	if !g.IsFileAccessible(path, true, true) {
		return nil, errFileDenied(path, false)
	}
	data, err := os.ReadFile(path) //nolint:gosec // path was whitelisted above
	if err != nil {
		return nil, oops.In("sandbox").With("path", path).Wrap(err)
	}
	return data, nil
}

// WriteFile writes a whitelisted file.
func (g *Gatekeeper) WriteFile(path string, data []byte) error {
	if !g.IsFileAccessible(path, false, true) {
		return errFileDenied(path, true)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return oops.In("sandbox").With("path", path).Wrap(err)
	}
	return nil
}
