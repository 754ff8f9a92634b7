// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/oops"

	"github.com/holomush/modrt/internal/loadctx"
	"github.com/holomush/modrt/internal/observability"
	"github.com/holomush/modrt/internal/pkgrt"
)

// recorder collects the arguments of every "record" hook call.
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) hook(args ...any) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range args {
		r.got = append(r.got, fmt.Sprint(a))
	}
	return nil
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = nil
}

// writePackage creates root/dir with the given files.
func writePackage(root, dir string, files map[string]string) {
	for name, content := range files {
		path := filepath.Join(root, dir, filepath.FromSlash(name))
		Expect(os.MkdirAll(filepath.Dir(path), 0o750)).To(Succeed())
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
	}
}

// pluginSource is a Go-source plugin that reports its lifecycle through the
// "record" hook. ident keeps declarations apart when several sources share
// one interpreter.
func pluginSource(pkg, ident string) string {
	return fmt.Sprintf(`package main

import "modapi"

var %[2]sHost modapi.Host

var _ = modapi.Define(modapi.TypeSpec{
	Name:       "%[1]s.Plugin",
	Implements: []string{modapi.PluginCapability},
	New: func() any {
		return &modapi.PluginFuncs{
			OnInitialize: func(h modapi.Host) error {
				%[2]sHost = h
				h.CallHook("record", "init:"+h.PackageName())
				if c, ok := h.Config("settings"); ok {
					h.CallHook("record", c["greeting"])
				}
				return nil
			},
			OnLoadsCompleted: func() {
				%[2]sHost.CallHook("record", "completed:"+%[2]sHost.PackageName())
			},
			OnDispose: func() {
				%[2]sHost.CallHook("record", "dispose:"+%[2]sHost.PackageName())
			},
		}
	},
})
`, pkg, ident)
}

const greeterSource = `package main

import "modapi"

var _ = modapi.Define(modapi.TypeSpec{
	Name:       "greeter.Plugin",
	Implements: []string{modapi.PluginCapability},
	New: func() any {
		return &modapi.PluginFuncs{
			OnInitialize: func(h modapi.Host) error {
				h.AddHook("greet", "hello", func(args ...any) any {
					return "hi from greeter"
				})
				return nil
			},
		}
	},
})
`

const lockedSource = `package main

import "modapi"

var _ = modapi.Define(modapi.TypeSpec{
	Name:       "locked.Plugin",
	Implements: []string{modapi.PluginCapability},
	New: func() any {
		return &modapi.PluginFuncs{
			OnInitialize: func(h modapi.Host) error {
				_, err := h.Patch("jump", "game.Player.Jump", modapi.Before, func(instance any, p modapi.Params) error {
					return nil
				})
				return err
			},
		}
	},
})
`

func newOrchestrator(root string, unloadTimeout time.Duration) (*pkgrt.Orchestrator, *observability.Metrics, *recorder) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	orch, err := pkgrt.New(pkgrt.Config{
		Dir:                root,
		Target:             pkgrt.TargetClient,
		UnloadTimeout:      unloadTimeout,
		UnloadPollInterval: 10 * time.Millisecond,
	}, pkgrt.Deps{
		Logger:  slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Metrics: metrics,
	})
	Expect(err).NotTo(HaveOccurred())

	rec := &recorder{}
	_, err = orch.Events().AddAuto("record", rec.hook)
	Expect(err).NotTo(HaveOccurred())

	DeferCleanup(func() {
		_ = orch.UnloadAll(context.Background())
	})
	return orch, metrics, rec
}

func errorCode(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		code, _ := oopsErr.Code().(string)
		return code
	}
	return ""
}

func tempRoot() string {
	root, err := os.MkdirTemp("", "pkgrt-")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(os.RemoveAll, root)
	return root
}

func mustInfo(orch *pkgrt.Orchestrator, name string) pkgrt.Info {
	info, ok := orch.Package(name)
	Expect(ok).To(BeTrue(), "package %s is unknown", name)
	return info
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx     context.Context
		root    string
		orch    *pkgrt.Orchestrator
		metrics *observability.Metrics
		rec     *recorder
	)

	BeforeEach(func() {
		ctx = context.Background()
		root = tempRoot()
		orch, metrics, rec = newOrchestrator(root, 2*time.Second)
	})

	Describe("Discover", func() {
		It("lists valid packages and skips broken ones", func() {
			writePackage(root, "alpha", map[string]string{"package.yaml": "name: alpha\nversion: 1.0.0\n"})
			writePackage(root, "beta", map[string]string{"package.yaml": "name: beta\nversion: 0.1.0\n"})
			writePackage(root, "broken", map[string]string{"package.yaml": "name: Broken!\nversion: 1\n"})
			writePackage(root, "bare", map[string]string{"README": "no manifest here"})
			writePackage(root, "zz-copy", map[string]string{"package.yaml": "name: alpha\nversion: 2.0.0\n"})
			Expect(os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o600)).To(Succeed())

			names, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"alpha", "beta"}))
			Expect(mustInfo(orch, "alpha").Version).To(Equal("1.0.0"))
			Expect(mustInfo(orch, "alpha").State).To(Equal(pkgrt.StateDiscovered))
		})

		It("tolerates a missing packages directory", func() {
			Expect(os.RemoveAll(root)).To(Succeed())
			names, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(BeEmpty())
		})

		It("forgets packages whose directory vanished", func() {
			writePackage(root, "alpha", map[string]string{"package.yaml": "name: alpha\nversion: 1.0.0\n"})
			_, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(os.RemoveAll(filepath.Join(root, "alpha"))).To(Succeed())
			names, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(BeEmpty())
		})
	})

	Describe("a package with plugins, scripts and configs", func() {
		BeforeEach(func() {
			writePackage(root, "hello", map[string]string{
				"package.yaml": `
name: hello
version: 1.0.0
api: ^1.0.0
capabilities: [hook.add]
assemblies:
  - name: main
    file: main.go
scripts:
  - name: init
    file: lua/init.lua
    autorun: true
    priority: 5
  - name: early
    file: lua/early.lua
    autorun: true
    priority: -1
  - name: ticker
    file: lua/ticker.lua
    autorun: true
    priority: 10
  - name: manual
    file: lua/manual.lua
  - name: server-only
    file: lua/server.lua
    autorun: true
    targets: [server]
  - name: extra
    file: lua/missing.lua
    optional: true
configs:
  - name: settings
    file: settings.yaml
`,
				"main.go":        pluginSource("hello", "hello"),
				"lua/init.lua":   `hook.call("record", "script:init")`,
				"lua/early.lua":  `hook.call("record", "script:early")`,
				"lua/ticker.lua": `hook.add("think", "tick", function(dt) hook.call("record", "tick:" .. dt) end)`,
				"lua/manual.lua": `hook.call("record", "script:manual")`,
				"lua/server.lua": `hook.call("record", "script:server")`,
				"settings.yaml":  "greeting: hello there\n",
			})
			_, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("loads, starts and unloads", func() {
			Expect(orch.Load(ctx)).To(Succeed())
			info := mustInfo(orch, "hello")
			Expect(info.State).To(Equal(pkgrt.StateLoaded))
			Expect(info.Skipped).To(Equal([]string{"extra"}))
			Expect(info.Scripts).To(ConsistOf("init", "early", "ticker", "manual"))
			Expect(info.Configs).To(Equal([]string{"settings"}))

			Expect(orch.Start(ctx)).To(Succeed())
			info = mustInfo(orch, "hello")
			Expect(info.State).To(Equal(pkgrt.StateRunning))
			Expect(info.Plugins).To(Equal(1))
			Expect(info.Context).NotTo(BeEmpty())
			Expect(rec.entries()).To(Equal([]string{
				"init:hello",
				"hello there",
				"script:early",
				"script:init",
				"completed:hello",
			}))
			Expect(testutil.ToFloat64(metrics.PackagesByState.WithLabelValues("running"))).To(Equal(1.0))

			rec.reset()
			Expect(orch.Hooks().Update(0.5)).To(Succeed())
			Expect(rec.entries()).To(Equal([]string{"tick:0.5"}))

			id := info.Context
			rec.reset()
			Expect(orch.Unload(ctx, "hello")).To(Succeed())
			info = mustInfo(orch, "hello")
			Expect(info.State).To(Equal(pkgrt.StateUnloaded))
			Expect(info.Err).NotTo(HaveOccurred())
			Expect(info.Context).To(BeEmpty())
			Expect(rec.entries()).To(Equal([]string{"dispose:hello"}))
			Expect(orch.Contexts().Contexts()).NotTo(ContainElement(id))
			Expect(orch.Contexts().PendingUnloads()).To(BeZero())
			Expect(orch.Capabilities().IsRegistered("hello")).To(BeFalse())

			rec.reset()
			Expect(orch.Hooks().Update(0.5)).To(Succeed())
			Expect(rec.entries()).To(BeEmpty())
		})

		It("runs scripts that are not autorun on demand", func() {
			Expect(orch.RunScript(ctx, "hello", "manual")).To(MatchError(ContainSubstring("not running")))

			Expect(orch.Load(ctx)).To(Succeed())
			Expect(orch.Start(ctx)).To(Succeed())
			rec.reset()

			Expect(orch.RunScript(ctx, "hello", "manual")).To(Succeed())
			Expect(rec.entries()).To(Equal([]string{"script:manual"}))
			Expect(orch.RunScript(ctx, "hello", "nope")).To(MatchError(ContainSubstring("no script")))
			Expect(orch.RunScript(ctx, "ghost", "manual")).To(MatchError(ContainSubstring("unknown package")))
		})

		It("can load again after unloading", func() {
			Expect(orch.Load(ctx)).To(Succeed())
			Expect(orch.Start(ctx)).To(Succeed())
			Expect(orch.Unload(ctx)).To(Succeed())

			rec.reset()
			Expect(orch.Load(ctx, "hello")).To(Succeed())
			Expect(orch.Start(ctx, "hello")).To(Succeed())
			Expect(rec.entries()).To(ContainElement("init:hello"))
			Expect(mustInfo(orch, "hello").State).To(Equal(pkgrt.StateRunning))
		})

		It("rejects lifecycle steps out of order", func() {
			err := orch.Unload(ctx, "hello")
			Expect(err).To(MatchError(ContainSubstring("cannot move from discovered")))
			Expect(orch.Start(ctx, "ghost")).To(MatchError(ContainSubstring("unknown package")))
		})

		It("skips packages that are not enabled", func() {
			Expect(orch.SetEnabled([]string{"other"})).To(Succeed())
			Expect(orch.Load(ctx)).To(Succeed())
			Expect(mustInfo(orch, "hello").State).To(Equal(pkgrt.StateDiscovered))
		})
	})

	Describe("failures", func() {
		It("fails a package whose required resource is missing", func() {
			writePackage(root, "needy", map[string]string{
				"package.yaml": "name: needy\nversion: 1.0.0\nscripts:\n  - name: gone\n    file: gone.lua\n",
			})
			writePackage(root, "fine", map[string]string{
				"package.yaml": "name: fine\nversion: 1.0.0\n",
			})
			_, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())

			err = orch.Load(ctx)
			Expect(err).To(MatchError(ContainSubstring("gone")))
			Expect(mustInfo(orch, "needy").State).To(Equal(pkgrt.StateDiscovered))
			Expect(mustInfo(orch, "needy").Err).To(HaveOccurred())
			Expect(mustInfo(orch, "fine").State).To(Equal(pkgrt.StateLoaded))
		})

		It("fails a package whose script does not parse", func() {
			writePackage(root, "typo", map[string]string{
				"package.yaml": "name: typo\nversion: 1.0.0\nscripts:\n  - name: bad\n    file: bad.lua\n",
				"bad.lua":      "hook.call(\"record\"",
			})
			_, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(orch.Load(ctx)).To(MatchError(ContainSubstring("lua syntax")))
		})

		It("keeps a package loaded when its assembly does not compile", func() {
			writePackage(root, "broken", map[string]string{
				"package.yaml": "name: broken\nversion: 1.0.0\nassemblies:\n  - name: main\n    file: main.go\n",
				"main.go":      "package main\n\nfunc init() { undefinedCall() }\n",
			})
			_, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(orch.Load(ctx)).To(Succeed())

			Expect(orch.Start(ctx)).NotTo(Succeed())
			info := mustInfo(orch, "broken")
			Expect(info.State).To(Equal(pkgrt.StateLoaded))
			Expect(info.Err).To(HaveOccurred())
			Expect(orch.Contexts().Contexts()).To(BeEmpty())
		})

		It("denies services the package was not granted", func() {
			writePackage(root, "locked", map[string]string{
				"package.yaml": `
name: locked
version: 1.0.0
assemblies:
  - name: main
    file: main.go
scripts:
  - name: sneaky
    file: sneaky.lua
    autorun: true
`,
				"main.go":    lockedSource,
				"sneaky.lua": `local id, err = hook.add("think", function() end) hook.call("record", tostring(id), err)`,
			})
			_, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(orch.Load(ctx)).To(Succeed())

			err = orch.Start(ctx)
			Expect(err).To(MatchError(ContainSubstring("lacks capability patch.apply")))
			Expect(mustInfo(orch, "locked").State).To(Equal(pkgrt.StateLoaded))
			Expect(testutil.ToFloat64(metrics.SandboxDenials.WithLabelValues("capability"))).To(BeNumerically(">=", 1))

			Expect(orch.Capabilities().IsRegistered("locked")).To(BeFalse())
		})

		It("denies scripted hooks without the hook capability", func() {
			writePackage(root, "quiet", map[string]string{
				"package.yaml": "name: quiet\nversion: 1.0.0\nscripts:\n  - name: sneaky\n    file: sneaky.lua\n    autorun: true\n",
				"sneaky.lua":   `local id, err = hook.add("think", function() end) hook.call("record", tostring(id), err)`,
			})
			_, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(orch.Load(ctx)).To(Succeed())
			Expect(orch.Start(ctx)).To(Succeed())

			got := rec.entries()
			Expect(got).To(HaveLen(2))
			Expect(got[0]).To(Equal("nil"))
			Expect(got[1]).To(ContainSubstring("capability denied"))
		})
	})

	Describe("plugin registrations", func() {
		It("removes hooks a plugin left behind", func() {
			writePackage(root, "greeter", map[string]string{
				"package.yaml": "name: greeter\nversion: 1.0.0\ncapabilities: [hook.*]\nassemblies:\n  - name: main\n    file: main.go\n",
				"main.go":      greeterSource,
			})
			_, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(orch.Load(ctx)).To(Succeed())
			Expect(orch.Start(ctx)).To(Succeed())
			Expect(orch.Events().CallRaw("greet")).To(Equal("hi from greeter"))

			Expect(orch.Unload(ctx)).To(Succeed())
			Expect(orch.Events().CallRaw("greet")).To(BeNil())
		})
	})

	Describe("shared contexts", func() {
		BeforeEach(func() {
			for _, name := range []string{"alpha", "beta"} {
				writePackage(root, name, map[string]string{
					"package.yaml": fmt.Sprintf("name: %s\nversion: 1.0.0\nshared-context: core\nassemblies:\n  - name: main\n    file: main.go\n", name),
					"main.go":      "//go:build ignore\n\n" + pluginSource(name, name),
				})
			}
			_, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("compiles group members into one context and unloads them together", func() {
			Expect(orch.Load(ctx)).To(Succeed())
			Expect(orch.Start(ctx)).To(Succeed())

			alpha, beta := mustInfo(orch, "alpha"), mustInfo(orch, "beta")
			Expect(alpha.Context).NotTo(BeEmpty())
			Expect(beta.Context).To(Equal(alpha.Context))
			Expect(alpha.Plugins).To(Equal(1))
			Expect(beta.Plugins).To(Equal(1))
			Expect(rec.entries()).To(ContainElements("init:alpha", "init:beta", "completed:alpha", "completed:beta"))

			Expect(orch.Unload(ctx, "alpha")).To(Succeed())
			Expect(mustInfo(orch, "alpha").State).To(Equal(pkgrt.StateUnloaded))
			Expect(mustInfo(orch, "beta").State).To(Equal(pkgrt.StateUnloaded))
			Expect(orch.Contexts().Contexts()).To(BeEmpty())
		})

		It("starts group mates together even when one is named", func() {
			Expect(orch.Load(ctx)).To(Succeed())
			Expect(orch.Start(ctx, "beta")).To(Succeed())
			Expect(mustInfo(orch, "alpha").State).To(Equal(pkgrt.StateRunning))
		})

		It("refuses a late member once the context is populated", func() {
			Expect(orch.Load(ctx, "alpha")).To(Succeed())
			Expect(orch.Start(ctx)).To(Succeed())

			Expect(orch.Load(ctx, "beta")).To(Succeed())
			err := orch.Start(ctx, "beta")
			Expect(err).To(MatchError(ContainSubstring("already loaded")))
			Expect(mustInfo(orch, "beta").State).To(Equal(pkgrt.StateLoaded))
			Expect(mustInfo(orch, "alpha").State).To(Equal(pkgrt.StateRunning))
		})
	})

	Describe("unload leaks", func() {
		startPackages := func(names ...string) {
			for _, name := range names {
				writePackage(root, name, map[string]string{
					"package.yaml": "name: " + name + "\nversion: 1.0.0\nassemblies:\n  - name: main\n    file: main.go\n",
					"main.go":      pluginSource(name, name),
				})
			}
			_, err := orch.Discover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(orch.Load(ctx)).To(Succeed())
			Expect(orch.Start(ctx)).To(Succeed())
		}

		It("forces the unload when a veto outlasts the timeout", func() {
			orch, metrics, _ = newOrchestrator(root, 100*time.Millisecond)
			startPackages("sticky")

			id := mustInfo(orch, "sticky").Context
			orch.Contexts().RegisterUnloadCheck(id, func(loadctx.ID) bool { return false })

			start := time.Now()
			err := orch.Unload(ctx, "sticky")
			Expect(err).To(MatchError(ContainSubstring("sticky")))
			Expect(errorCode(err)).To(Equal(pkgrt.CodeUnloadTimeout))
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))

			info := mustInfo(orch, "sticky")
			Expect(info.State).To(Equal(pkgrt.StateUnloaded))
			Expect(info.Err).To(HaveOccurred())
			Expect(orch.Contexts().Contexts()).To(BeEmpty())
			Expect(orch.Contexts().GetTypesByName("sticky.Plugin")).To(BeEmpty())

			Expect(orch.Load(ctx)).To(Succeed())
			Expect(orch.Start(ctx)).To(Succeed())
			Expect(orch.Contexts().Contexts()).To(HaveLen(1))
			Expect(orch.Contexts().GetTypesByName("sticky.Plugin")).To(HaveLen(1))
		})

		It("reports a held context as leaked without blaming other packages", func() {
			orch, metrics, _ = newOrchestrator(root, 100*time.Millisecond)
			startPackages("aaa", "bbb")

			held := orch.Contexts().GetTypesByName("aaa.Plugin")
			Expect(held).To(HaveLen(1))

			err := orch.Unload(ctx, "aaa")
			Expect(err).To(MatchError(ContainSubstring("not reclaimed")))
			Expect(err).To(MatchError(ContainSubstring("aaa")))
			Expect(errorCode(err)).To(Equal(pkgrt.CodeUnloadTimeout))
			Expect(testutil.ToFloat64(metrics.UnloadLeaks)).To(Equal(1.0))

			Expect(orch.Unload(ctx, "bbb")).To(Succeed())
			Expect(mustInfo(orch, "bbb").Err).NotTo(HaveOccurred())
			Expect(testutil.ToFloat64(metrics.UnloadLeaks)).To(Equal(1.0))
			Expect(orch.Contexts().PendingUnloads()).To(Equal(1))
			runtime.KeepAlive(held)
		})
	})
})
