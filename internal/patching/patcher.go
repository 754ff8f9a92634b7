// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package patching intercepts host methods at hookable call sites.
//
// The host declares each method it wants to be patchable and routes calls
// through the Patcher, either explicitly with Invoke or through a wrapper made
// by Hookable or Wrap. Mods then register ordered prefix (Before) and postfix
// (After) patches that can read and rewrite parameters, override the return
// value, or prevent the original call from running.
package patching

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/holomush/modrt/internal/ident"
	"github.com/holomush/modrt/internal/observability"
	"github.com/holomush/modrt/pkg/errutil"
	"github.com/holomush/modrt/pkg/modapi"
)

// DefaultProtectedNamespaces are the modules no patch may target.
var DefaultProtectedNamespaces = []string{
	"patching",
	"github.com/holomush/modrt/internal/patching",
}

// MethodKey identifies a declared method independently of its name: the
// declaring module's handle and the method's token within that module.
type MethodKey struct {
	Module uint32
	Token  uint32
}

// Method is a declared hookable method. Copies of a Method resolve to the
// same patch record.
type Method struct {
	Key     MethodKey
	Module  string
	Name    string
	Params  []string
	Returns bool
	Static  bool
}

// FullName returns "module.name".
func (m Method) FullName() string {
	return m.Module + "." + m.Name
}

// Func is a patch. It returns an error, or panics, to report failure; either
// is logged and never reaches the host call site.
type Func func(instance any, pt *ParameterTable) error

// FromAPI adapts a modapi.PatchFunc.
func FromAPI(fn modapi.PatchFunc) Func {
	return func(instance any, pt *ParameterTable) error {
		return fn(instance, pt)
	}
}

type entry struct {
	id    string
	owner string
	fn    Func
}

// record holds the patches of one method. Its two wrappers are created with
// the record and reused by every later registration.
type record struct {
	method   Method
	patches  [2][]entry
	wrappers [2]*wrapper
}

// Patcher holds declared methods and their patches.
type Patcher struct {
	mu        sync.RWMutex
	modules   map[string]uint32
	tokens    map[uint32]uint32
	methods   map[MethodKey]Method
	byName    map[string]MethodKey
	records   map[MethodKey]*record
	protected []string
	disposed  bool

	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithLogger sets the patcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Patcher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records patch invocations and failures.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Patcher) {
		p.metrics = m
	}
}

// WithProtectedNamespaces adds module prefixes that may not be patched.
func WithProtectedNamespaces(namespaces ...string) Option {
	return func(p *Patcher) {
		p.protected = append(p.protected, namespaces...)
	}
}

// New creates a patcher.
func New(opts ...Option) *Patcher {
	p := &Patcher{
		modules:   make(map[string]uint32),
		tokens:    make(map[uint32]uint32),
		methods:   make(map[MethodKey]Method),
		byName:    make(map[string]MethodKey),
		records:   make(map[MethodKey]*record),
		protected: slices.Clone(DefaultProtectedNamespaces),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Declare registers a hookable method. Declaring the same module and name
// again returns the existing Method.
func (p *Patcher) Declare(module, name string, params []string, returns, static bool) Method {
	full := strings.ToLower(module + "." + name)

	p.mu.Lock()
	defer p.mu.Unlock()
	if key, ok := p.byName[full]; ok {
		return p.methods[key]
	}
	handle, ok := p.modules[module]
	if !ok {
		handle = uint32(len(p.modules) + 1)
		p.modules[module] = handle
	}
	p.tokens[handle]++
	m := Method{
		Key:     MethodKey{Module: handle, Token: p.tokens[handle]},
		Module:  module,
		Name:    name,
		Params:  slices.Clone(params),
		Returns: returns,
		Static:  static,
	}
	p.methods[m.Key] = m
	p.byName[full] = m.Key
	return m
}

// Lookup finds a declared method by its case-insensitive full name.
func (p *Patcher) Lookup(fullName string) (Method, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok := p.byName[strings.ToLower(fullName)]
	if !ok {
		return Method{}, false
	}
	return p.methods[key], true
}

// Methods returns every declared method ordered by full name.
func (p *Patcher) Methods() []Method {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Method, 0, len(p.methods))
	for _, m := range p.methods {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Method) int {
		return cmp.Compare(a.FullName(), b.FullName())
	})
	return out
}

// PatchOption configures one patch registration or removal.
type PatchOption func(*entry)

// WithOwner tags a patch with the package that registered it. Passed to
// RemovePatch it restricts removal to that owner's patches.
func WithOwner(owner string) PatchOption {
	return func(e *entry) {
		e.owner = owner
	}
}

func (p *Patcher) protectedNamespace(module string) (string, bool) {
	lower := strings.ToLower(module)
	for _, ns := range p.protected {
		ns = strings.ToLower(ns)
		if lower == ns || strings.HasPrefix(lower, ns+".") || strings.HasPrefix(lower, ns+"/") {
			return ns, true
		}
	}
	return "", false
}

func validHook(hook modapi.HookType) bool {
	return hook == modapi.Before || hook == modapi.After
}

// Patch registers fn on m at the hook position and returns the normalized
// identifier. An empty id generates one. A patch already registered under
// the same id for the same method and hook is replaced in place when the
// owners match; another owner's patch is left alone and an error returned.
func (p *Patcher) Patch(id string, m Method, fn Func, hook modapi.HookType, opts ...PatchOption) (string, error) {
	if fn == nil {
		return "", errNilPatch(m.FullName())
	}
	if !validHook(hook) {
		return "", errInvalidHook(m.FullName(), hook)
	}
	if ns, ok := p.protectedNamespace(m.Module); ok {
		return "", ErrProtectedNamespace(m.FullName(), ns)
	}

	e := entry{id: ident.Normalize(id), fn: fn}
	for _, opt := range opts {
		opt(&e)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return "", ErrDisposed
	}
	declared, ok := p.methods[m.Key]
	if !ok || !strings.EqualFold(declared.FullName(), m.FullName()) {
		return "", ErrUnknownMethod(m.FullName())
	}

	rec, ok := p.records[m.Key]
	if !ok {
		rec = &record{method: declared}
		rec.wrappers[modapi.Before] = &wrapper{p: p, key: m.Key, hook: modapi.Before}
		rec.wrappers[modapi.After] = &wrapper{p: p, key: m.Key, hook: modapi.After}
		p.records[m.Key] = rec
	}

	list := rec.patches[hook]
	if i := slices.IndexFunc(list, func(x entry) bool { return x.id == e.id }); i >= 0 {
		if list[i].owner != e.owner {
			return "", errPatchOwned(declared.FullName(), e.id, list[i].owner)
		}
		p.logger.Debug("replacing patch",
			"method", declared.FullName(),
			"hook", hook.String(),
			"id", e.id,
			"owner", e.owner)
		next := slices.Clone(list)
		next[i] = e
		rec.patches[hook] = next
		return e.id, nil
	}
	rec.patches[hook] = append(slices.Clone(list), e)
	p.logger.Debug("patch registered",
		"method", declared.FullName(),
		"hook", hook.String(),
		"id", e.id,
		"owner", e.owner)
	return e.id, nil
}

// RemovePatch removes a patch. It reports false when the method has no
// patches, the id is not registered, or WithOwner names someone else.
func (p *Patcher) RemovePatch(id string, m Method, hook modapi.HookType, opts ...PatchOption) bool {
	if !validHook(hook) {
		return false
	}
	want := entry{id: strings.ToLower(strings.TrimSpace(id))}
	for _, opt := range opts {
		opt(&want)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[m.Key]
	if !ok {
		return false
	}
	list := rec.patches[hook]
	i := slices.IndexFunc(list, func(x entry) bool { return x.id == want.id })
	if i < 0 {
		return false
	}
	if want.owner != "" && list[i].owner != want.owner {
		p.logger.Warn("refusing to remove another owner's patch",
			"method", rec.method.FullName(),
			"hook", hook.String(),
			"id", want.id,
			"owner", list[i].owner,
			"requested_by", want.owner)
		return false
	}
	rec.patches[hook] = slices.Delete(slices.Clone(list), i, i+1)
	return true
}

// RemoveOwner removes every patch registered with the owner and returns how
// many were removed.
func (p *Patcher) RemoveOwner(owner string) int {
	if owner == "" {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for _, rec := range p.records {
		for hook, list := range rec.patches {
			kept := slices.DeleteFunc(slices.Clone(list), func(x entry) bool { return x.owner == owner })
			removed += len(list) - len(kept)
			rec.patches[hook] = kept
		}
	}
	return removed
}

// Patches returns the ids registered on m at hook, in run order.
func (p *Patcher) Patches(m Method, hook modapi.HookType) []string {
	if !validHook(hook) {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[m.Key]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(rec.patches[hook]))
	for _, e := range rec.patches[hook] {
		ids = append(ids, e.id)
	}
	return ids
}

// Reset removes every patch and releases the wrappers. Declared methods stay
// declared and their call sites fall through to the original.
func (p *Patcher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *Patcher) resetLocked() {
	for _, rec := range p.records {
		for _, w := range rec.wrappers {
			w.release()
		}
	}
	p.records = make(map[MethodKey]*record)
}

// Dispose resets the patcher and refuses further patches. Disposing twice is
// an error.
func (p *Patcher) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrDisposed
	}
	p.resetLocked()
	p.disposed = true
	return nil
}

// snapshot returns the wrapper and current patches for m at hook.
func (p *Patcher) snapshot(key MethodKey, hook modapi.HookType) (*wrapper, []entry) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[key]
	if !ok || len(rec.patches[hook]) == 0 {
		return nil, nil
	}
	// Lists are copy-on-write, so the slice is stable after unlock.
	return rec.wrappers[hook], rec.patches[hook]
}

// Invoke runs a call to m through its patches. args are the caller's
// argument slots: modified parameters are written back into them before the
// original runs and again after the postfixes. original receives the
// possibly rewritten args and returns the call's result, nil for methods
// without one.
func (p *Patcher) Invoke(m Method, instance any, args []any, original func(args []any) any) any {
	return p.InvokeContext(context.Background(), m, instance, args, original)
}

// InvokeContext is Invoke with the caller's context, which patches see
// through ParameterTable.Context.
func (p *Patcher) InvokeContext(ctx context.Context, m Method, instance any, args []any, original func(args []any) any) any {
	prefix, before := p.snapshot(m.Key, modapi.Before)
	postfix, after := p.snapshot(m.Key, modapi.After)
	if prefix == nil && postfix == nil {
		return original(args)
	}

	pt := NewParameterTable(m, args)
	pt.ctx = ctx
	if prefix != nil {
		prefix.run(m, instance, pt, before)
		pt.writeBack(args)
		if pt.ExecutionPrevented() {
			return pt.Return()
		}
	}

	pt.setOriginalReturn(original(args))

	if postfix != nil {
		pt.prevent = false
		postfix.run(m, instance, pt, after)
		pt.writeBack(args)
	}
	return pt.Return()
}

// wrapper runs the patches of one (method, hook) pair. It holds the only
// reference from patch execution back to the patcher; release drops it.
type wrapper struct {
	mu   sync.RWMutex
	p    *Patcher
	key  MethodKey
	hook modapi.HookType
}

func (w *wrapper) release() {
	w.mu.Lock()
	w.p = nil
	w.mu.Unlock()
}

func (w *wrapper) patcher() *Patcher {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.p
}

// run calls each patch in registration order until one prevents execution.
func (w *wrapper) run(m Method, instance any, pt *ParameterTable, patches []entry) {
	p := w.patcher()
	if p == nil {
		return
	}
	if m.Static {
		instance = nil
	}
	for _, e := range patches {
		p.metrics.RecordPatchInvocation(w.hook.String())
		err := errutil.Recover("patching", func() error {
			return e.fn(instance, pt)
		})
		if err != nil {
			p.metrics.RecordPatchFailure()
			errutil.Log(p.logger, slog.LevelWarn, "patch failed", err,
				"method", m.FullName(),
				"hook", w.hook.String(),
				"id", e.id,
				"package", e.owner)
		}
		if pt.ExecutionPrevented() {
			return
		}
	}
}
