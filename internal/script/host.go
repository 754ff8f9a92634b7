// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package script

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/modrt/internal/events"
	"github.com/holomush/modrt/internal/loadctx"
	"github.com/holomush/modrt/internal/logging"
	"github.com/holomush/modrt/internal/observability"
	"github.com/holomush/modrt/internal/patching"
	"github.com/holomush/modrt/internal/sandbox"
	"github.com/holomush/modrt/pkg/errutil"
)

// Error codes for script failures.
const (
	CodeScriptFailed = "SCRIPT_FAILED"
	CodeHostClosed   = "SCRIPT_HOST_CLOSED"
	CodeBusy         = "SCRIPT_BUSY"
	CodeUnloaded     = "SCRIPT_UNLOADED"
)

// DefaultTimeout bounds one script run or one scripted callback.
const DefaultTimeout = 5 * time.Second

// Script is one Lua resource of a package.
type Script struct {
	Name     string
	Priority int
	Code     string
}

// Deps are the services scripts reach through the Lua API. Nil services make
// the matching API calls fail.
type Deps struct {
	Events       *events.Registry
	Patcher      *patching.Patcher
	Files        *sandbox.Gatekeeper
	Types        *sandbox.TypePolicy
	Capabilities *sandbox.Enforcer
	Contexts     *loadctx.Registry
}

// Host owns one Lua state per package.
type Host struct {
	deps    Deps
	factory *StateFactory
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	runtimes map[string]*runtime
	closed   bool
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the host's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics records script failures.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Host) {
		h.metrics = m
	}
}

// WithTimeout sets the per-run timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHost creates a scripting host.
func NewHost(deps Deps, opts ...Option) *Host {
	h := &Host{
		deps:     deps,
		factory:  NewStateFactory(),
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		runtimes: make(map[string]*runtime),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// runtime is one package's Lua state. sem serializes access to L; a context
// carrying heldKey{rt} marks a call tree that already holds it.
type runtime struct {
	pkg     string
	host    *Host
	L       *lua.LState
	sem     chan struct{}
	life    context.Context
	stop    context.CancelFunc
	closed  atomic.Bool
	logger  *slog.Logger
	timeout time.Duration
}

type heldKey struct{ rt *runtime }

func (h *Host) runtime(pkg string) (*runtime, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, oops.In("script").Code(CodeHostClosed).With("package", pkg).Errorf("script host is closed")
	}
	if rt, ok := h.runtimes[pkg]; ok {
		return rt, nil
	}
	L, err := h.factory.NewState()
	if err != nil {
		return nil, oops.In("script").With("package", pkg).Wrap(err)
	}
	life, stop := context.WithCancel(context.Background())
	rt := &runtime{
		pkg:     pkg,
		host:    h,
		L:       L,
		sem:     make(chan struct{}, 1),
		life:    life,
		stop:    stop,
		logger:  logging.ForPackage(h.logger, pkg),
		timeout: h.timeout,
	}
	rt.register()
	h.runtimes[pkg] = rt
	return rt, nil
}

// enter acquires the state for a call tree rooted in ctx. Nested calls from
// the same tree pass straight through. Without wait a busy state fails at
// once instead of queueing.
func (rt *runtime) enter(ctx context.Context, wait bool) (func(), error) {
	if ctx.Value(heldKey{rt}) != nil {
		return func() {}, nil
	}
	b := oops.In("script").With("package", rt.pkg)
	if rt.closed.Load() {
		return nil, b.Code(CodeUnloaded).Errorf("package scripts were unloaded")
	}

	tctx, cancel := context.WithTimeout(ctx, rt.timeout)
	if wait {
		select {
		case rt.sem <- struct{}{}:
		case <-tctx.Done():
			cancel()
			return nil, b.Code(CodeBusy).Wrapf(tctx.Err(), "lua state busy")
		}
	} else {
		select {
		case rt.sem <- struct{}{}:
		default:
			cancel()
			return nil, b.Code(CodeBusy).Errorf("lua state busy")
		}
	}
	if rt.closed.Load() {
		<-rt.sem
		cancel()
		return nil, b.Code(CodeUnloaded).Errorf("package scripts were unloaded")
	}

	unhook := context.AfterFunc(rt.life, cancel)
	held := context.WithValue(tctx, heldKey{rt}, true)
	rt.L.SetContext(held)
	return func() {
		rt.L.RemoveContext()
		unhook()
		cancel()
		<-rt.sem
	}, nil
}

// call runs fn with args and returns its first result.
func (rt *runtime) call(ctx context.Context, fn lua.LValue, args ...any) (any, error) {
	return rt.callWith(ctx, true, fn, func(L *lua.LState) []lua.LValue {
		return argsToLua(L, args)
	})
}

// callWith is call with arguments built once the state is held.
func (rt *runtime) callWith(ctx context.Context, wait bool, fn lua.LValue, build func(*lua.LState) []lua.LValue) (any, error) {
	release, err := rt.enter(ctx, wait)
	if err != nil {
		return nil, err
	}
	defer release()

	var out any
	err = errutil.Recover("script", func() error {
		L := rt.L
		top := L.GetTop()
		defer L.SetTop(top)
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, build(L)...); err != nil {
			return err
		}
		out = toGo(L.Get(-1))
		return nil
	})
	return out, err
}

func (rt *runtime) run(ctx context.Context, s Script) error {
	release, err := rt.enter(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	return errutil.Recover("script", func() error {
		fn, err := rt.L.Load(strings.NewReader(s.Code), s.Name)
		if err != nil {
			return err
		}
		rt.L.Push(fn)
		return rt.L.PCall(0, lua.MultRet, nil)
	})
}

// close stops any running script and closes the state once it is free. When
// ctx ends first the state is left for the collector.
func (rt *runtime) close(ctx context.Context) {
	rt.closed.Store(true)
	rt.stop()
	select {
	case rt.sem <- struct{}{}:
		rt.L.Close()
		<-rt.sem
	case <-ctx.Done():
		rt.logger.Warn("lua state still busy at unload", "error", ctx.Err())
	}
}

func (rt *runtime) failed(msg string, err error, attrs ...any) {
	rt.host.metrics.RecordScriptFailure()
	errutil.Log(rt.logger, slog.LevelWarn, msg, err, attrs...)
}

// Execute runs scripts for pkg in ascending priority. A failing script is
// logged and the rest still run; the failures are returned joined.
func (h *Host) Execute(ctx context.Context, pkg string, scripts []Script) error {
	rt, err := h.runtime(pkg)
	if err != nil {
		return err
	}

	ordered := slices.Clone(scripts)
	slices.SortStableFunc(ordered, func(a, b Script) int {
		return cmp.Compare(a.Priority, b.Priority)
	})

	var errs []error
	for _, s := range ordered {
		if err := ctx.Err(); err != nil {
			errs = append(errs, oops.In("script").With("package", pkg).Wrap(err))
			break
		}
		if err := rt.run(ctx, s); err != nil {
			err = oops.In("script").
				Code(CodeScriptFailed).
				With("package", pkg).
				With("script", s.Name).
				With("priority", s.Priority).
				Wrap(err)
			rt.failed("script failed", err, "script", s.Name)
			errs = append(errs, err)
			continue
		}
		rt.logger.Debug("script executed", "script", s.Name, "priority", s.Priority)
	}
	return errors.Join(errs...)
}

// Unload removes the package's hooks, patches and type registrations, stops
// its scripts and closes its state. It reports whether the package had a
// state.
func (h *Host) Unload(ctx context.Context, pkg string) bool {
	h.mu.Lock()
	rt, ok := h.runtimes[pkg]
	delete(h.runtimes, pkg)
	h.mu.Unlock()

	h.release(pkg)
	if ok {
		rt.close(ctx)
	}
	return ok
}

func (h *Host) release(pkg string) {
	if h.deps.Events != nil {
		h.deps.Events.RemoveOwner(pkg)
	}
	if h.deps.Patcher != nil {
		h.deps.Patcher.RemoveOwner(pkg)
	}
	if h.deps.Types != nil {
		h.deps.Types.UnregisterOwner(pkg)
	}
}

// Packages returns the packages with a live state, sorted.
func (h *Host) Packages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.runtimes))
	for name := range h.runtimes {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Close unloads every package and rejects further Execute calls.
func (h *Host) Close(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	pkgs := make([]string, 0, len(h.runtimes))
	for name := range h.runtimes {
		pkgs = append(pkgs, name)
	}
	h.mu.Unlock()

	for _, pkg := range pkgs {
		h.Unload(ctx, pkg)
	}
}
