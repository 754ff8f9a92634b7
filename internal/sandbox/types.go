// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package sandbox

import (
	"slices"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// DefaultDeniedTypes are the runtime's own namespaces. Scripts may never
// register or construct types under them.
var DefaultDeniedTypes = []string{
	"modrt",
	"loadctx",
	"patching",
	"sandbox",
	"script",
	"pkgrt",
}

type rule struct {
	prefix string
	globs  []glob.Glob
}

func (r rule) match(name string) bool {
	for _, g := range r.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// compileRule turns a prefix into a rule. A plain prefix "a.b" matches "a.b"
// and everything under it; a prefix with glob metacharacters is used as is.
func compileRule(prefix string) (rule, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return rule{}, oops.In("sandbox").Code(CodeInvalidGrant).Errorf("empty type prefix")
	}
	patterns := []string{prefix}
	if !strings.ContainsAny(prefix, "*?[{") {
		patterns = append(patterns, prefix+".**")
	}
	r := rule{prefix: prefix}
	for _, p := range patterns {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return rule{}, oops.In("sandbox").Code(CodeInvalidGrant).With("prefix", prefix).Wrap(err)
		}
		r.globs = append(r.globs, g)
	}
	return r, nil
}

type registration struct {
	owner     string
	protected bool
}

// TypePolicy decides which script-visible type names may be registered and
// constructed. With no allow rules every name not denied is allowed. Deny
// rules always win.
type TypePolicy struct {
	mu         sync.RWMutex
	allow      []rule
	deny       []rule
	registered map[string]registration

	settings
}

// NewTypePolicy creates a policy that denies DefaultDeniedTypes.
func NewTypePolicy(opts ...Option) *TypePolicy {
	p := &TypePolicy{
		registered: make(map[string]registration),
		settings:   newSettings(opts),
	}
	for _, prefix := range DefaultDeniedTypes {
		r, err := compileRule(prefix)
		if err != nil {
			panic(err)
		}
		p.deny = append(p.deny, r)
	}
	return p
}

// AllowPrefix adds an allow rule.
func (p *TypePolicy) AllowPrefix(prefix string) error {
	r, err := compileRule(prefix)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allow = append(p.allow, r)
	return nil
}

// DenyPrefix adds a deny rule.
func (p *TypePolicy) DenyPrefix(prefix string) error {
	r, err := compileRule(prefix)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deny = append(p.deny, r)
	return nil
}

// DeniedPrefixes returns the deny rules in the order they were added.
func (p *TypePolicy) DeniedPrefixes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.deny))
	for i, r := range p.deny {
		out[i] = r.prefix
	}
	return out
}

// IsTypeAllowed reports whether name passes the allow and deny rules.
func (p *TypePolicy) IsTypeAllowed(name string) bool {
	if name == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.allowedLocked(name)
}

func (p *TypePolicy) allowedLocked(name string) bool {
	for _, r := range p.deny {
		if r.match(name) {
			return false
		}
	}
	if len(p.allow) == 0 {
		return true
	}
	for _, r := range p.allow {
		if r.match(name) {
			return true
		}
	}
	return false
}

// Register records name as owned by owner. Names that fail the rules, or
// that are already protected, are rejected.
func (p *TypePolicy) Register(name, owner string) error {
	return p.register(name, owner, false)
}

// RegisterProtected records name and marks it protected. A protected name
// can never be unregistered or re-registered.
func (p *TypePolicy) RegisterProtected(name, owner string) error {
	return p.register(name, owner, true)
}

func (p *TypePolicy) register(name, owner string, protected bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.allowedLocked(name) {
		p.metrics.RecordSandboxDenial("type")
		p.logger.Debug("type registration denied", "type", name, "owner", owner)
		return oops.In("sandbox").
			Code(CodeTypeDenied).
			With("type", name).
			With("owner", owner).
			Errorf("type %q is not allowed", name)
	}
	if existing, ok := p.registered[name]; ok && existing.protected {
		return oops.In("sandbox").
			Code(CodeProtectedType).
			With("type", name).
			With("owner", existing.owner).
			Errorf("type %q is protected", name)
	}
	p.registered[name] = registration{owner: owner, protected: protected}
	return nil
}

// Unregister removes name. Protected names stay and return an error.
func (p *TypePolicy) Unregister(name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.registered[name]
	if !ok {
		return false, nil
	}
	if existing.protected {
		return false, oops.In("sandbox").
			Code(CodeProtectedType).
			With("type", name).
			Errorf("type %q is protected", name)
	}
	delete(p.registered, name)
	return true, nil
}

// UnregisterOwner removes every unprotected name owned by owner and returns
// how many were removed.
func (p *TypePolicy) UnregisterOwner(owner string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for name, reg := range p.registered {
		if reg.owner == owner && !reg.protected {
			delete(p.registered, name)
			n++
		}
	}
	return n
}

// IsRegistered reports whether name is registered.
func (p *TypePolicy) IsRegistered(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.registered[name]
	return ok
}

// Registered returns the registered names, sorted.
func (p *TypePolicy) Registered() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.registered))
	for name := range p.registered {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
