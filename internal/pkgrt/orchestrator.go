// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/modrt/internal/events"
	"github.com/holomush/modrt/internal/loadctx"
	"github.com/holomush/modrt/internal/logging"
	"github.com/holomush/modrt/internal/observability"
	"github.com/holomush/modrt/internal/patching"
	"github.com/holomush/modrt/internal/sandbox"
	"github.com/holomush/modrt/internal/script"
	"github.com/holomush/modrt/pkg/errutil"
	"github.com/holomush/modrt/pkg/modapi"
)

var tracer = otel.Tracer("modrt/pkgrt")

// Defaults for Config fields left zero.
const (
	DefaultParseWorkers       = 2
	DefaultUnloadTimeout      = 5 * time.Second
	DefaultUnloadPollInterval = 50 * time.Millisecond
	DefaultWatchDebounce      = 250 * time.Millisecond
)

// Config tunes an Orchestrator.
type Config struct {
	// Dir holds one sub-directory per package.
	Dir      string
	Platform Platform
	Target   Target
	// Enabled lists the packages that may load. Nil enables every
	// discovered package.
	Enabled []string
	// ParseWorkers caps concurrent resource parsing.
	ParseWorkers int
	// UnloadTimeout is how long Unload waits for a load context to be
	// reclaimed before reporting it leaked.
	UnloadTimeout      time.Duration
	UnloadPollInterval time.Duration
	WatchDebounce      time.Duration
	// References are extra standard library packages shared contexts may
	// import.
	References []string
}

func (c Config) withDefaults() Config {
	if c.Platform == 0 {
		c.Platform = CurrentPlatform()
	}
	if c.Target == 0 {
		c.Target = TargetAny
	}
	if c.ParseWorkers <= 0 {
		c.ParseWorkers = DefaultParseWorkers
	}
	if c.UnloadTimeout <= 0 {
		c.UnloadTimeout = DefaultUnloadTimeout
	}
	if c.UnloadPollInterval <= 0 {
		c.UnloadPollInterval = DefaultUnloadPollInterval
	}
	if c.WatchDebounce <= 0 {
		c.WatchDebounce = DefaultWatchDebounce
	}
	return c
}

// Deps are the services the orchestrator drives. Nil fields are created
// with defaults; a caller-supplied Contexts registry should use Hooks as its
// notifier.
type Deps struct {
	Contexts     *loadctx.Registry
	Events       *events.Registry
	Patcher      *patching.Patcher
	Files        *sandbox.Gatekeeper
	Types        *sandbox.TypePolicy
	Capabilities *sandbox.Enforcer
	Scripts      *script.Host
	Hooks        *HostHooks
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	// ScriptTimeout bounds one script run when Scripts is nil.
	ScriptTimeout time.Duration
}

// Orchestrator runs the package lifecycle.
type Orchestrator struct {
	cfg Config

	contexts *loadctx.Registry
	events   *events.Registry
	patcher  *patching.Patcher
	files    *sandbox.Gatekeeper
	types    *sandbox.TypePolicy
	caps     *sandbox.Enforcer
	scripts  *script.Host
	hooks    *HostHooks
	logger   *slog.Logger
	metrics  *observability.Metrics

	// op serializes lifecycle operations; mu guards packages and their
	// fields for readers.
	op       sync.Mutex
	mu       sync.RWMutex
	packages map[string]*Package
	enabled  []string
}

// New wires an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		packages: make(map[string]*Package),
		enabled:  slices.Clone(cfg.Enabled),
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	o.events = deps.Events
	if o.events == nil {
		o.events = events.New(events.WithLogger(o.logger), events.WithMetrics(o.metrics))
	}
	o.hooks = deps.Hooks
	if o.hooks == nil {
		h, err := NewHostHooks(o.events, o.logger)
		if err != nil {
			return nil, err
		}
		o.hooks = h
	}
	o.patcher = deps.Patcher
	if o.patcher == nil {
		o.patcher = patching.New(patching.WithLogger(o.logger), patching.WithMetrics(o.metrics))
	}
	o.files = deps.Files
	if o.files == nil {
		o.files = sandbox.NewGatekeeper(sandbox.WithLogger(o.logger), sandbox.WithMetrics(o.metrics))
	}
	o.types = deps.Types
	if o.types == nil {
		o.types = sandbox.NewTypePolicy(sandbox.WithLogger(o.logger), sandbox.WithMetrics(o.metrics))
	}
	o.caps = deps.Capabilities
	if o.caps == nil {
		o.caps = sandbox.NewEnforcer()
	}
	o.contexts = deps.Contexts
	if o.contexts == nil {
		o.contexts = loadctx.NewRegistry(
			loadctx.WithNotifier(o.hooks),
			loadctx.WithLogger(o.logger),
			loadctx.WithMetrics(o.metrics),
			loadctx.WithFileReader(o.files.ReadFile),
		)
	}
	o.scripts = deps.Scripts
	if o.scripts == nil {
		o.scripts = script.NewHost(script.Deps{
			Events:       o.events,
			Patcher:      o.patcher,
			Files:        o.files,
			Types:        o.types,
			Capabilities: o.caps,
			Contexts:     o.contexts,
		}, script.WithLogger(o.logger), script.WithMetrics(o.metrics), script.WithTimeout(deps.ScriptTimeout))
	}
	return o, nil
}

// Hooks returns the host hook points.
func (o *Orchestrator) Hooks() *HostHooks { return o.hooks }

// Events returns the event registry.
func (o *Orchestrator) Events() *events.Registry { return o.events }

// Patcher returns the method patcher.
func (o *Orchestrator) Patcher() *patching.Patcher { return o.patcher }

// Contexts returns the load context registry.
func (o *Orchestrator) Contexts() *loadctx.Registry { return o.contexts }

// Files returns the file gatekeeper.
func (o *Orchestrator) Files() *sandbox.Gatekeeper { return o.files }

// Types returns the type policy.
func (o *Orchestrator) Types() *sandbox.TypePolicy { return o.types }

// Capabilities returns the capability enforcer.
func (o *Orchestrator) Capabilities() *sandbox.Enforcer { return o.caps }

// Scripts returns the scripting host.
func (o *Orchestrator) Scripts() *script.Host { return o.scripts }

// Discover reads every package directory under the configured root. New
// packages enter the Discovered state; invalid ones are logged and skipped.
// Packages whose directory vanished are forgotten unless they are loaded.
// It returns every known package name, sorted.
func (o *Orchestrator) Discover(ctx context.Context) ([]string, error) {
	o.op.Lock()
	defer o.op.Unlock()

	_, span := tracer.Start(ctx, "pkgrt.discover", trace.WithAttributes(attribute.String("pkgrt.dir", o.cfg.Dir)))
	defer span.End()

	entries, err := os.ReadDir(o.cfg.Dir)
	if err != nil && !os.IsNotExist(err) {
		err = oops.In("pkgrt").With("dir", o.cfg.Dir).Wrapf(err, "read packages directory")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	found := make(map[string]*Package)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(o.cfg.Dir, entry.Name())
		data, err := os.ReadFile(filepath.Join(dir, ManifestFile)) //nolint:gosec // path is built from ReadDir entries
		if err != nil {
			o.logger.Warn("skipping package without manifest", "dir", entry.Name(), "error", err)
			continue
		}
		m, err := ParseManifest(data)
		if err != nil {
			errutil.Log(o.logger, slog.LevelWarn, "skipping package with invalid manifest", err, "dir", entry.Name())
			continue
		}
		if prev, ok := found[m.Name]; ok {
			o.logger.Warn("skipping duplicate package",
				"package", m.Name,
				"dir", entry.Name(),
				"first", prev.dir)
			continue
		}
		found[m.Name] = &Package{manifest: m, dir: dir, state: StateDiscovered}
	}

	o.mu.Lock()
	for name, p := range o.packages {
		if _, ok := found[name]; ok || (p.state != StateDiscovered && p.state != StateUnloaded) {
			continue
		}
		delete(o.packages, name)
	}
	for name, p := range found {
		existing, ok := o.packages[name]
		if ok && existing.state != StateDiscovered && existing.state != StateUnloaded {
			continue
		}
		o.packages[name] = p
	}
	names := o.namesLocked()
	o.mu.Unlock()

	span.SetAttributes(attribute.Int("pkgrt.packages", len(names)))
	o.recordStates()
	o.logger.Info("packages discovered", "count", len(names))
	return names, nil
}

// Load parses the resources of the named packages, or of every enabled
// package that is not loaded yet. Packages fail independently; the failures
// are returned joined.
func (o *Orchestrator) Load(ctx context.Context, names ...string) (err error) {
	o.op.Lock()
	defer o.op.Unlock()

	ctx, span := tracer.Start(ctx, "pkgrt.load")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	pkgs, errs := o.pick(names, func(p *Package) bool {
		return (p.state == StateDiscovered || p.state == StateUnloaded) && o.isEnabled(p.Name())
	})
	env := NewEnvironment(o.Enabled(), o.cfg.Platform, o.cfg.Target)

	var (
		jobs  []parseJob
		ready []*Package
	)
	for _, p := range pkgs {
		if !CanTransition(p.state, StateLoaded) {
			errs = append(errs, errTransition(p.Name(), p.state, StateLoaded))
			continue
		}
		resolved, rerr := p.manifest.Resolve(p.dir, env)
		if rerr != nil {
			errs = append(errs, o.fail(p, rerr, "package manifest did not resolve"))
			continue
		}
		if werr := o.files.AddFileToWhitelist(p.dir, sandbox.Read); werr != nil {
			errs = append(errs, o.fail(p, werr, "package directory could not be whitelisted"))
			continue
		}
		o.mu.Lock()
		p.resources = resolved
		o.mu.Unlock()
		for _, rr := range resolved {
			jobs = append(jobs, parseJob{pkg: p, res: rr})
		}
		ready = append(ready, p)
	}
	span.SetAttributes(attribute.Int("pkgrt.packages", len(ready)), attribute.Int("pkgrt.resources", len(jobs)))

	results := o.parseAll(ctx, jobs, o.cfg.ParseWorkers)
	byPkg := make(map[*Package][]parsed, len(ready))
	for i, r := range results {
		byPkg[jobs[i].pkg] = append(byPkg[jobs[i].pkg], r)
	}

	for _, p := range ready {
		logger := logging.ForPackage(o.logger, p.Name())
		o.mu.Lock()
		aerr := p.apply(byPkg[p], logger)
		o.mu.Unlock()
		if aerr != nil {
			o.files.RemoveFileFromAllWhitelists(p.dir)
			errs = append(errs, o.fail(p, aerr, "package failed to load"))
			continue
		}
		o.setState(p, StateLoaded, nil)
		logger.Info("package loaded",
			"version", p.manifest.Version,
			"resources", len(p.resources),
			"skipped", len(p.skipped))
	}

	o.recordStates()
	return errors.Join(errs...)
}

// startGroup is the set of loaded packages that share a load context.
type startGroup struct {
	key     string
	members []*Package
}

// Start loads the assemblies of the named loaded packages, or of every
// loaded package, instantiates their plugins and runs their autorun
// scripts. A failing script does not fail its package; a failing assembly
// or plugin does, and the package stays Loaded. OnLoadCompleted is called
// on every started plugin once the whole batch has started.
func (o *Orchestrator) Start(ctx context.Context, names ...string) (err error) {
	o.op.Lock()
	defer o.op.Unlock()

	ctx, span := tracer.Start(ctx, "pkgrt.start")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	loaded := func(p *Package) bool { return p.state == StateLoaded }
	pkgs, errs := o.pick(names, loaded)
	pkgs = o.withGroupMates(pkgs, loaded)
	var started []*Package
	for _, g := range o.groups(pkgs) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, oops.In("pkgrt").Wrap(err))
			break
		}
		if gerr := o.startGroup(ctx, g); gerr != nil {
			errs = append(errs, gerr)
			continue
		}
		started = append(started, g.members...)
	}

	for _, p := range started {
		for _, pl := range p.plugins {
			if rerr := errutil.Recover("pkgrt", func() error {
				pl.OnLoadCompleted()
				return nil
			}); rerr != nil {
				errutil.Log(logging.ForPackage(o.logger, p.Name()), slog.LevelWarn, "plugin load-completed hook failed", rerr)
			}
		}
	}

	span.SetAttributes(attribute.Int("pkgrt.started", len(started)))
	o.recordStates()
	return errors.Join(errs...)
}

// groups buckets packages by shared context, in name order.
func (o *Orchestrator) groups(pkgs []*Package) []startGroup {
	index := make(map[string]int)
	var out []startGroup
	for _, p := range pkgs {
		key := p.group()
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, startGroup{key: key})
		}
		out[i].members = append(out[i].members, p)
	}
	return out
}

func (o *Orchestrator) startGroup(ctx context.Context, g startGroup) error {
	hosts := make(map[*Package]*pluginHost, len(g.members))
	plugins := make(map[*Package][]modapi.Plugin, len(g.members))
	for _, p := range g.members {
		if !CanTransition(p.state, StateRunning) {
			return errTransition(p.Name(), p.state, StateRunning)
		}
		hosts[p] = newPluginHost(o, p)
	}
	for _, p := range g.members {
		if err := o.caps.SetGrants(p.Name(), p.manifest.Capabilities); err != nil {
			return o.failStart(ctx, g, "", hosts, plugins, err)
		}
	}

	id, err := o.loadAssemblies(g)
	if err != nil {
		return o.failStart(ctx, g, id, hosts, plugins, err)
	}
	if id != "" {
		if err := o.startPlugins(g, id, hosts, plugins); err != nil {
			return o.failStart(ctx, g, id, hosts, plugins, err)
		}
		o.contexts.RegisterUnloadCheck(id, func(loadctx.ID) bool {
			for _, h := range hosts {
				if h.live() {
					return false
				}
			}
			return true
		})
	}

	for _, p := range g.members {
		o.mu.Lock()
		p.context = id
		p.host = hosts[p]
		p.plugins = plugins[p]
		o.mu.Unlock()

		logger := logging.ForPackage(o.logger, p.Name())
		if serr := o.scripts.Execute(ctx, p.Name(), p.autorunScripts()); serr != nil {
			errutil.Log(logger, slog.LevelWarn, "autorun scripts reported failures", serr)
		}
		o.setState(p, StateRunning, nil)
		logger.Info("package started", "context", string(id), "plugins", len(plugins[p]))
	}
	return nil
}

// loadAssemblies loads the group's assemblies into a fresh load context. A
// group with several members compiles all their sources as one unit. It
// returns the empty id when the group has no assemblies.
func (o *Orchestrator) loadAssemblies(g startGroup) (loadctx.ID, error) {
	if len(g.members) == 1 && g.members[0].manifest.SharedContext == "" {
		p := g.members[0]
		if len(p.paths) == 0 {
			return "", nil
		}
		res := o.contexts.LoadFromPaths("", p.paths, p.Name())
		if !res.OK() {
			return "", res.Err()
		}
		return res.ID, nil
	}

	if running := o.runningContext(g.key); running != "" {
		// The shared context was populated by an earlier batch.
		return "", oops.In("pkgrt").
			Code(loadctx.CodeAlreadyLoaded).
			With("context", string(running)).
			Hint("unload the running members of the shared context first").
			Errorf("shared context %s is already loaded", strings.TrimPrefix(g.key, "shared:"))
	}

	unit := &loadctx.CompilationUnit{Name: strings.TrimPrefix(g.key, "shared:")}
	for _, p := range g.members {
		unit.Sources = append(unit.Sources, p.sources...)
	}
	if len(unit.Sources) == 0 {
		return "", nil
	}
	res := o.contexts.LoadFromSource("", unit, o.cfg.References, loadctx.CompileOptions{StripBuildTags: true})
	if !res.OK() {
		// A compile failure leaves an empty context behind for retries; the
		// orchestrator always starts from a fresh one.
		o.contexts.ForceUnload(res.ID)
		return "", res.Err()
	}
	return res.ID, nil
}

// runningContext returns the load context of a running package in group
// key, if any.
func (o *Orchestrator) runningContext(key string) loadctx.ID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, p := range o.packages {
		if p.group() == key && p.state == StateRunning && p.context != "" {
			return p.context
		}
	}
	return ""
}

// startPlugins instantiates and initializes every plugin type of context
// id. Types named "<package>.X" belong to that package; any other type
// belongs to the group's first member.
func (o *Orchestrator) startPlugins(g startGroup, id loadctx.ID, hosts map[*Package]*pluginHost, plugins map[*Package][]modapi.Plugin) error {
	types, _ := loadctx.SubtypesIn[modapi.Plugin](o.contexts, id)
	slices.SortFunc(types, func(a, b *loadctx.Type) int { return cmp.Compare(a.Name, b.Name) })

	for _, t := range types {
		owner := g.members[0]
		for _, p := range g.members {
			if strings.HasPrefix(t.Name, p.Name()+".") {
				owner = p
				break
			}
		}
		b := oops.In("pkgrt").Code(CodeStartFailed).With("package", owner.Name()).With("type", t.Name)

		if err := o.types.Register(t.Name, owner.Name()); err != nil {
			return b.Wrap(err)
		}
		v, err := t.New()
		if err != nil {
			return b.Wrap(err)
		}
		pl, ok := v.(modapi.Plugin)
		if !ok {
			return b.Errorf("type %s does not implement modapi.Plugin", t.Name)
		}
		plugins[owner] = append(plugins[owner], pl)
		if err := errutil.Recover("pkgrt", func() error {
			return pl.Initialize(hosts[owner])
		}); err != nil {
			return b.Wrapf(err, "initialize %s", t.Name)
		}
	}
	return nil
}

// failStart undoes a partial start. Members stay Loaded with the error
// recorded.
func (o *Orchestrator) failStart(ctx context.Context, g startGroup, id loadctx.ID, hosts map[*Package]*pluginHost, plugins map[*Package][]modapi.Plugin, cause error) error {
	for _, p := range g.members {
		o.scripts.Unload(ctx, p.Name())
		o.dispose(p.Name(), plugins[p])
		o.release(ctx, p.Name(), hosts[p], plugins[p])
		o.caps.RemoveGrants(p.Name())
	}
	if id != "" {
		o.contexts.ForceUnload(id)
	}
	var errs []error
	for _, p := range g.members {
		err := oops.In("pkgrt").Code(CodeStartFailed).With("package", p.Name()).Wrap(cause)
		errutil.LogError(logging.ForPackage(o.logger, p.Name()), "package failed to start", err)
		o.mu.Lock()
		p.err = err
		o.mu.Unlock()
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Unload tears down the named packages, or every loaded or running
// package. Packages sharing a load context are unloaded together.
func (o *Orchestrator) Unload(ctx context.Context, names ...string) (err error) {
	o.op.Lock()
	defer o.op.Unlock()

	ctx, span := tracer.Start(ctx, "pkgrt.unload")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	active := func(p *Package) bool {
		return p.state == StateLoaded || p.state == StateRunning
	}
	pkgs, errs := o.pick(names, active)
	pkgs = o.withGroupMates(pkgs, active)

	for _, g := range o.groups(pkgs) {
		if gerr := o.unloadGroup(ctx, g); gerr != nil {
			errs = append(errs, gerr)
		}
	}
	span.SetAttributes(attribute.Int("pkgrt.unloaded", len(pkgs)))
	o.recordStates()
	return errors.Join(errs...)
}

// UnloadAll unloads every package and closes the scripting host.
func (o *Orchestrator) UnloadAll(ctx context.Context) error {
	err := o.Unload(ctx)
	o.scripts.Close(ctx)
	return err
}

// withGroupMates adds the packages that share a load context with one of
// pkgs and satisfy keep.
func (o *Orchestrator) withGroupMates(pkgs []*Package, keep func(*Package) bool) []*Package {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := slices.Clone(pkgs)
	for _, p := range pkgs {
		if p.manifest.SharedContext == "" {
			continue
		}
		for _, q := range o.packages {
			if q.group() == p.group() && keep(q) && !slices.Contains(out, q) {
				out = append(out, q)
			}
		}
	}
	slices.SortFunc(out, func(a, b *Package) int { return cmp.Compare(a.Name(), b.Name()) })
	return out
}

func (o *Orchestrator) unloadGroup(ctx context.Context, g startGroup) error {
	for _, p := range g.members {
		if !CanTransition(p.state, StateUnloading) {
			return errTransition(p.Name(), p.state, StateUnloading)
		}
	}
	var id loadctx.ID
	for _, p := range g.members {
		o.setState(p, StateUnloading, nil)
		if p.context != "" {
			id = p.context
		}
	}

	for _, p := range g.members {
		o.scripts.Unload(ctx, p.Name())
		o.dispose(p.Name(), p.plugins)
		o.release(ctx, p.Name(), p.host, p.plugins)

		o.mu.Lock()
		p.plugins = nil
		p.host = nil
		p.context = ""
		p.sources = nil
		o.mu.Unlock()
	}

	var err error
	if id != "" {
		names := make([]string, 0, len(g.members))
		for _, p := range g.members {
			names = append(names, p.Name())
		}
		err = o.driveUnload(ctx, id, names)
	}

	for _, p := range g.members {
		o.caps.RemoveGrants(p.Name())
		o.files.RemoveFileFromAllWhitelists(p.dir)
		o.setState(p, StateUnloaded, err)
		logging.ForPackage(o.logger, p.Name()).Info("package unloaded")
	}
	return err
}

// dispose asks each plugin to release what it registered.
func (o *Orchestrator) dispose(pkg string, plugins []modapi.Plugin) {
	for _, pl := range plugins {
		if err := errutil.Recover("pkgrt", func() error {
			pl.Dispose()
			return nil
		}); err != nil {
			errutil.Log(logging.ForPackage(o.logger, pkg), slog.LevelWarn, "plugin dispose failed", err)
		}
	}
}

// release removes everything still registered by pkg after its plugins
// were disposed. Subscribers a plugin forgot are reported and removed.
func (o *Orchestrator) release(ctx context.Context, pkg string, host *pluginHost, plugins []modapi.Plugin) {
	logger := logging.ForPackage(o.logger, pkg)
	var dangling []any
	if host != nil {
		dangling = host.subscribers()
	}
	for _, pl := range plugins {
		dangling = append(dangling, pl)
	}
	for _, sub := range dangling {
		if n := o.events.UnsubscribeAll(sub); n > 0 {
			logger.WarnContext(ctx, "removed subscriber left registered after dispose", "subscriptions", n)
		}
	}
	hooks := o.events.RemoveOwner(pkg)
	patches := o.patcher.RemoveOwner(pkg)
	types := o.types.UnregisterOwner(pkg)
	if hooks+patches > 0 {
		logger.WarnContext(ctx, "removed registrations left after dispose", "hooks", hooks, "patches", patches)
	}
	logger.DebugContext(ctx, "package registrations released", "types", types)
}

// forcedUnloadPolls bounds the wait for collection after a veto is
// overridden.
const forcedUnloadPolls = 5

// driveUnload runs the two-phase unload for id until the context is
// reclaimed or the configured timeout passes. A veto still standing at the
// timeout is overridden so the context's types stop resolving. A context that
// is still not reclaimed is reported as a leak of its packages.
func (o *Orchestrator) driveUnload(ctx context.Context, id loadctx.ID, pkgs []string) error {
	begun := false
	b := retry.WithMaxDuration(o.cfg.UnloadTimeout, retry.NewConstant(o.cfg.UnloadPollInterval))
	err := retry.Do(ctx, b, func(context.Context) error {
		if !begun {
			if !o.contexts.BeginUnload(id) {
				return retry.RetryableError(errors.New("unload vetoed"))
			}
			begun = true
		}
		if !o.contexts.PollUnloadCompletion(id) {
			return retry.RetryableError(errors.New("units not yet reclaimed"))
		}
		return nil
	})
	if err == nil {
		return nil
	}

	eb := oops.In("pkgrt").
		Code(CodeUnloadTimeout).
		With("context", string(id)).
		With("packages", pkgs).
		With("timeout", o.cfg.UnloadTimeout.String())
	if !begun {
		o.contexts.ForceUnload(id)
		grace := retry.WithMaxRetries(forcedUnloadPolls, retry.NewConstant(o.cfg.UnloadPollInterval))
		if retry.Do(context.WithoutCancel(ctx), grace, func(context.Context) error {
			if !o.contexts.PollUnloadCompletion(id) {
				return retry.RetryableError(errors.New("units not yet reclaimed"))
			}
			return nil
		}) == nil {
			err = eb.Hint("an unload check never cleared").
				Wrapf(err, "unload of %s forced past veto", strings.Join(pkgs, ", "))
			errutil.Log(o.logger, slog.LevelWarn, "unload forced", err)
			return err
		}
	}
	o.metrics.RecordUnloadLeak()
	err = eb.Hint("something still references the unloaded code").
		Wrapf(err, "load context of %s was not reclaimed", strings.Join(pkgs, ", "))
	errutil.LogError(o.logger, "load context leaked", err)
	return err
}

// RunScript runs one parsed script of a running package on demand.
func (o *Orchestrator) RunScript(ctx context.Context, pkg, name string) error {
	o.mu.RLock()
	p, ok := o.packages[pkg]
	var (
		s     script.Script
		found bool
		state State
	)
	if ok {
		state = p.state
		for _, x := range p.scripts {
			if x.Name == name {
				s, found = x, true
				break
			}
		}
	}
	o.mu.RUnlock()

	b := oops.In("pkgrt").With("package", pkg).With("script", name)
	switch {
	case !ok:
		return b.Code(CodeUnknownPackage).Errorf("unknown package %s", pkg)
	case state != StateRunning:
		return b.Code(CodeInvalidTransition).Errorf("package %s is %s, not running", pkg, state)
	case !found:
		return b.Code(CodeResourceFailed).Errorf("package %s has no script %s", pkg, name)
	}
	return o.scripts.Execute(ctx, pkg, []script.Script{s})
}

// Packages returns a snapshot of every known package, sorted by name.
func (o *Orchestrator) Packages() []Info {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Info, 0, len(o.packages))
	for _, name := range o.namesLocked() {
		out = append(out, o.packages[name].info())
	}
	return out
}

// Package returns a snapshot of one package.
func (o *Orchestrator) Package(name string) (Info, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.packages[name]
	if !ok {
		return Info{}, false
	}
	return p.info(), true
}

// Enabled returns the enabled package names: the configured list, or
// every known package when none was configured.
func (o *Orchestrator) Enabled() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.enabled != nil {
		return slices.Clone(o.enabled)
	}
	return o.namesLocked()
}

// SetEnabled replaces the enabled list and publishes PackageListChanged.
// Already running packages are not affected until they are reloaded.
func (o *Orchestrator) SetEnabled(names []string) error {
	o.mu.Lock()
	o.enabled = slices.Clone(names)
	all := o.namesLocked()
	o.mu.Unlock()
	return o.hooks.PackageListChanged(slices.Clone(names), all)
}

func (o *Orchestrator) isEnabled(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.enabled == nil || slices.Contains(o.enabled, name)
}

func (o *Orchestrator) namesLocked() []string {
	names := make([]string, 0, len(o.packages))
	for name := range o.packages {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// pick returns the named packages, or every package matching def when no
// names are given, sorted by name. Unknown names are reported.
func (o *Orchestrator) pick(names []string, def func(*Package) bool) ([]*Package, []error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var (
		out  []*Package
		errs []error
	)
	if len(names) == 0 {
		for _, name := range o.namesLocked() {
			if p := o.packages[name]; def(p) {
				out = append(out, p)
			}
		}
		return out, nil
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		p, ok := o.packages[name]
		if !ok {
			errs = append(errs, oops.In("pkgrt").Code(CodeUnknownPackage).With("package", name).Errorf("unknown package %s", name))
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Package) int { return cmp.Compare(a.Name(), b.Name()) })
	return out, errs
}

func (o *Orchestrator) setState(p *Package, s State, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p.state = s
	p.err = err
}

// fail records err on p and returns it tagged with the package.
func (o *Orchestrator) fail(p *Package, cause error, msg string) error {
	err := oops.In("pkgrt").With("package", p.Name()).Wrap(cause)
	errutil.LogError(logging.ForPackage(o.logger, p.Name()), msg, err)
	o.mu.Lock()
	p.err = err
	o.mu.Unlock()
	return err
}

func (o *Orchestrator) recordStates() {
	if o.metrics == nil {
		return
	}
	counts := make(map[string]int, len(AllStates))
	for _, s := range AllStates {
		counts[s.String()] = 0
	}
	o.mu.RLock()
	for _, p := range o.packages {
		counts[p.state.String()]++
	}
	o.mu.RUnlock()
	o.metrics.SetPackagesByState(counts)
}
