// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package sandbox

import (
	"slices"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Capabilities a package can be granted. Grants are glob patterns with '.'
// as the segment separator: '*' matches one segment and '**' any number.
const (
	CapFileRead      = "file.read"
	CapFileWrite     = "file.write"
	CapPatchApply    = "patch.apply"
	CapTypesRegister = "types.register"
	CapTypesNew      = "types.new"
	CapHookAdd       = "hook.add"
)

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer checks package capabilities at runtime. The zero value is ready
// to use.
type Enforcer struct {
	grants map[string][]compiledGrant
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// SetGrants replaces the capabilities of a package. Every pattern is
// compiled before any state changes, so an invalid pattern leaves the
// previous grants in place.
func (e *Enforcer) SetGrants(pkg string, capabilities []string) error {
	if pkg == "" {
		return oops.In("sandbox").Code(CodeInvalidGrant).Errorf("package name cannot be empty")
	}

	compiled := make([]compiledGrant, len(capabilities))
	for i, pattern := range capabilities {
		if pattern == "" {
			return oops.In("sandbox").
				Code(CodeInvalidGrant).
				With("package", pkg).
				With("index", i).
				Errorf("empty capability pattern")
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return oops.In("sandbox").
				Code(CodeInvalidGrant).
				With("package", pkg).
				With("pattern", pattern).
				Wrap(err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[pkg] = compiled
	return nil
}

// IsRegistered reports whether the package has grants, even empty ones.
func (e *Enforcer) IsRegistered(pkg string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.grants[pkg]
	return ok
}

// RemoveGrants forgets a package.
func (e *Enforcer) RemoveGrants(pkg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, pkg)
}

// Grants returns a copy of a package's patterns, nil if unknown.
func (e *Enforcer) Grants(pkg string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	grants, ok := e.grants[pkg]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Packages returns the registered package names, sorted.
func (e *Enforcer) Packages() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.grants))
	for name := range e.grants {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Check reports whether pkg holds capability. Unknown packages and empty
// capabilities are denied.
func (e *Enforcer) Check(pkg, capability string) bool {
	if capability == "" {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, grant := range e.grants[pkg] {
		if grant.glob.Match(capability) {
			return true
		}
	}
	return false
}
