// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loadctx

import (
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/holomush/modrt/internal/ident"
	"github.com/holomush/modrt/internal/observability"
	"github.com/holomush/modrt/pkg/modapi"
)

// UnloadCheck reports whether a context may be unloaded now.
type UnloadCheck func(id ID) bool

// Registry owns every load context plus the host's default context.
type Registry struct {
	mu       sync.RWMutex
	contexts map[ID]*Context
	host     *Context
	checks   map[ID][]UnloadCheck

	// cacheMu guards the derived lookup tables. They are dropped wholesale
	// whenever any context changes.
	cacheMu    sync.Mutex
	nameCache  map[string][]*Type
	capIndex   map[string][]*Type
	indexValid bool

	pendingMu sync.Mutex
	pending   map[ID]*tombstone

	notifier Notifier
	logger   *slog.Logger
	metrics  *observability.Metrics
	readFile func(string) ([]byte, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier sets the receiver of unit lifecycle notifications.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithLogger sets the registry's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records context and unit counts.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithFileReader replaces os.ReadFile for LoadFromPaths, typically with a
// gatekeeper-checked reader.
func WithFileReader(read func(string) ([]byte, error)) Option {
	return func(r *Registry) {
		if read != nil {
			r.readFile = read
		}
	}
}

// NewRegistry creates a registry with an empty host default context.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		contexts: make(map[ID]*Context),
		host:     newContext(DefaultID, "host"),
		checks:   make(map[ID][]UnloadCheck),
		pending:  make(map[ID]*tombstone),
		notifier: nopNotifier{},
		logger:   slog.Default(),
		readFile: os.ReadFile,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.host.addUnit(&Unit{Name: "host"}, r.logger)
	return r
}

// Host returns the host's default context definer. Natively compiled types
// are registered here and participate in every merged query.
func (r *Registry) Host() modapi.Definer {
	return hostDefiner{r: r}
}

type hostDefiner struct {
	r *Registry
}

func (h hostDefiner) Define(spec modapi.TypeSpec) bool {
	if err := validateSpec(spec); err != nil {
		h.r.logger.Warn("rejecting host type", "error", err)
		return false
	}
	h.r.host.mu.Lock()
	h.r.host.units[0].specs = append(h.r.host.units[0].specs, spec)
	h.r.host.rebuildTypesLocked(h.r.logger)
	h.r.host.mu.Unlock()
	h.r.invalidate()
	return true
}

// DefineNative registers a Go type from the host binary under its capability
// name. The constructor returns a zero value of T.
func DefineNative[T any](r *Registry, implements ...string) bool {
	t := reflect.TypeFor[T]()
	return r.Host().Define(modapi.TypeSpec{
		Name:       CapabilityName(t),
		Interface:  t.Kind() == reflect.Interface,
		Implements: implements,
		New: func() any {
			return reflect.New(t).Interface()
		},
	})
}

// GetOrCreate returns the context for id. An empty or unknown id allocates a
// new context under a fresh id; callers must adopt the returned context's ID.
func (r *Registry) GetOrCreate(id ID, label string) *Context {
	if id != "" {
		r.mu.RLock()
		c, ok := r.contexts[id]
		r.mu.RUnlock()
		if ok {
			return c
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		if c, ok := r.contexts[id]; ok {
			return c
		}
	}
	c := newContext(ID(ident.NewString()), label)
	r.contexts[c.id] = c
	r.metrics.SetLoadContexts(len(r.contexts))
	r.logger.Debug("load context created", "context", string(c.id), "label", label)
	return c
}

// Get returns an existing context.
func (r *Registry) Get(id ID) (*Context, bool) {
	if id == DefaultID {
		return r.host, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[id]
	return c, ok
}

// Contexts returns the ids of every live isolated context.
func (r *Registry) Contexts() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.contexts))
	for id := range r.contexts {
		ids = append(ids, id)
	}
	return ids
}

// LoadFromSource compiles unit into the context resolved from id. A compile
// failure leaves the context empty so the same id can be retried.
func (r *Registry) LoadFromSource(id ID, unit *CompilationUnit, references []string, opts CompileOptions) LoadResult {
	if unit == nil || len(unit.Sources) == 0 {
		return LoadResult{Status: StatusInvalidAssembly, ID: id}
	}
	if strings.TrimSpace(unit.Name) == "" {
		return LoadResult{Status: StatusBadName, ID: id}
	}

	c := r.GetOrCreate(id, unit.Name)
	if c.IsPopulated() {
		return LoadResult{Status: StatusAlreadyLoaded, ID: c.id}
	}

	in, u, err := compileUnit(unit, references, opts)
	if err != nil {
		c.reset()
		r.logger.Warn("compilation failed",
			"context", string(c.id),
			"unit", unit.Name,
			"error", err)
		return LoadResult{Status: StatusCompilationFailed, ID: c.id, Diagnostics: err.Error()}
	}

	infos := c.populate(in, []*Unit{u}, r.logger)
	r.invalidate()
	r.announce(infos)
	return LoadResult{Status: StatusSuccess, ID: c.id, Units: infos}
}

// LoadFromPaths loads Go source files, or directories of them, as a cluster
// of units sharing one context. Any failure tears the context down.
func (r *Registry) LoadFromPaths(id ID, paths []string, label string) LoadResult {
	if len(paths) == 0 {
		return LoadResult{Status: StatusNoAssemblyFound, ID: id}
	}

	c := r.GetOrCreate(id, label)
	if c.IsPopulated() {
		return LoadResult{Status: StatusAlreadyLoaded, ID: c.id}
	}

	groups, err := expandPaths(paths)
	if err != nil {
		r.discard(c)
		return LoadResult{Status: StatusLoadFailed, ID: c.id, Diagnostics: err.Error()}
	}
	if len(groups) == 0 {
		r.discard(c)
		return LoadResult{Status: StatusNoAssemblyFound, ID: c.id}
	}

	in, units, err := loadFiles(groups, r.readFile)
	if err != nil {
		r.discard(c)
		r.logger.Warn("file load failed",
			"context", string(c.id),
			"label", label,
			"error", err)
		return LoadResult{Status: StatusLoadFailed, ID: c.id, Diagnostics: err.Error()}
	}

	infos := c.populate(in, units, r.logger)
	r.invalidate()
	r.announce(infos)
	return LoadResult{Status: StatusSuccess, ID: c.id, Units: infos}
}

// discard removes a context that never finished loading.
func (r *Registry) discard(c *Context) {
	c.release()
	r.mu.Lock()
	delete(r.contexts, c.id)
	delete(r.checks, c.id)
	n := len(r.contexts)
	r.mu.Unlock()
	r.metrics.SetLoadContexts(n)
	r.invalidate()
}

func (r *Registry) announce(infos []modapi.UnitInfo) {
	for _, info := range infos {
		r.metrics.RecordUnitLoaded()
		r.logger.Info("unit loaded",
			"context", info.Context,
			"unit", info.Name,
			"types", len(info.Types))
		r.notifier.UnitLoaded(info)
	}
}

// SetTemplateMode marks a context as informational only. Its types stop
// taking part in name and capability resolution and cannot be instantiated.
func (r *Registry) SetTemplateMode(id ID) bool {
	r.mu.RLock()
	c, ok := r.contexts[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.markTemplate()
	r.invalidate()
	return true
}

// invalidate drops every derived lookup table.
func (r *Registry) invalidate() {
	r.cacheMu.Lock()
	r.nameCache = nil
	r.capIndex = nil
	r.indexValid = false
	r.cacheMu.Unlock()
}

// live returns the host context followed by every isolated context.
func (r *Registry) live() []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Context, 0, len(r.contexts)+1)
	out = append(out, r.host)
	for _, c := range r.contexts {
		out = append(out, c)
	}
	slices.SortFunc(out[1:], func(a, b *Context) int {
		return strings.Compare(string(a.id), string(b.id))
	})
	return out
}
