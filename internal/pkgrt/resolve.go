// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt

import (
	"cmp"
	"path/filepath"
	goruntime "runtime"
	"slices"
	"strings"

	"github.com/samber/oops"
)

// Platform is a bit set of operating systems a resource supports.
type Platform uint8

// Platforms.
const (
	PlatformWindows Platform = 1 << iota
	PlatformLinux
	PlatformDarwin

	PlatformAny = PlatformWindows | PlatformLinux | PlatformDarwin
)

var platformNames = map[string]Platform{
	"windows": PlatformWindows,
	"linux":   PlatformLinux,
	"darwin":  PlatformDarwin,
	"macos":   PlatformDarwin,
	"any":     PlatformAny,
}

// ParsePlatforms combines platform names. No names means every platform.
func ParsePlatforms(names []string) (Platform, error) {
	if len(names) == 0 {
		return PlatformAny, nil
	}
	var p Platform
	for _, n := range names {
		v, ok := platformNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, oops.In("pkgrt").Code(CodeInvalidManifest).With("platform", n).Errorf("unknown platform %q", n)
		}
		p |= v
	}
	return p, nil
}

// CurrentPlatform returns the platform the process runs on.
func CurrentPlatform() Platform {
	switch goruntime.GOOS {
	case "windows":
		return PlatformWindows
	case "darwin":
		return PlatformDarwin
	default:
		return PlatformLinux
	}
}

// Target is a bit set of host roles a resource supports.
type Target uint8

// Targets.
const (
	TargetClient Target = 1 << iota
	TargetServer

	TargetAny = TargetClient | TargetServer
)

var targetNames = map[string]Target{
	"client": TargetClient,
	"server": TargetServer,
	"any":    TargetAny,
}

// ParseTargets combines target names. No names means every target.
func ParseTargets(names []string) (Target, error) {
	if len(names) == 0 {
		return TargetAny, nil
	}
	var t Target
	for _, n := range names {
		v, ok := targetNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, oops.In("pkgrt").Code(CodeInvalidManifest).With("target", n).Errorf("unknown target %q", n)
		}
		t |= v
	}
	return t, nil
}

// ResourceKind tells assemblies, scripts and configs apart.
type ResourceKind uint8

// Resource kinds.
const (
	KindAssembly ResourceKind = iota
	KindScript
	KindConfig
)

func (k ResourceKind) String() string {
	switch k {
	case KindAssembly:
		return "assembly"
	case KindScript:
		return "script"
	default:
		return "config"
	}
}

// Environment is what resources are resolved against.
type Environment struct {
	Enabled  map[string]bool
	Platform Platform
	Target   Target
}

// NewEnvironment builds an environment from a list of enabled packages.
func NewEnvironment(enabled []string, platform Platform, target Target) Environment {
	set := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		set[name] = true
	}
	return Environment{Enabled: set, Platform: platform, Target: target}
}

// ResolvedResource is a resource that applies in the current environment,
// with its content path made absolute.
type ResolvedResource struct {
	Kind         ResourceKind
	Name         string
	Path         string
	Folder       bool
	Platforms    Platform
	Targets      Target
	Priority     int
	Optional     bool
	Autorun      bool
	Requires     []string
	Incompatible []string
}

// Resolve returns the resources of m that apply in env, with paths rooted
// at dir. The result is ordered by kind and then by ascending priority.
func (m *Manifest) Resolve(dir string, env Environment) ([]ResolvedResource, error) {
	var out []ResolvedResource
	for _, group := range []struct {
		kind      ResourceKind
		resources []Resource
	}{
		{KindAssembly, m.Assemblies},
		{KindScript, m.Scripts},
		{KindConfig, m.Configs},
	} {
		for _, r := range group.resources {
			rr, ok, err := r.resolve(group.kind, dir, env)
			if err != nil {
				return nil, oops.In("pkgrt").With("package", m.Name).With("resource", r.Name).Wrap(err)
			}
			if ok {
				out = append(out, rr)
			}
		}
	}
	slices.SortStableFunc(out, func(a, b ResolvedResource) int {
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return cmp.Compare(a.Priority, b.Priority)
	})
	return out, nil
}

func (r Resource) resolve(kind ResourceKind, dir string, env Environment) (ResolvedResource, bool, error) {
	platforms, err := ParsePlatforms(r.Platforms)
	if err != nil {
		return ResolvedResource{}, false, err
	}
	targets, err := ParseTargets(r.Targets)
	if err != nil {
		return ResolvedResource{}, false, err
	}
	if env.Platform != 0 && platforms&env.Platform == 0 {
		return ResolvedResource{}, false, nil
	}
	if env.Target != 0 && targets&env.Target == 0 {
		return ResolvedResource{}, false, nil
	}
	for _, req := range r.Requires {
		if !env.Enabled[req] {
			return ResolvedResource{}, false, nil
		}
	}
	for _, inc := range r.Incompatible {
		if env.Enabled[inc] {
			return ResolvedResource{}, false, nil
		}
	}
	if r.When != "" {
		cond, err := ParseCondition(r.When)
		if err != nil {
			return ResolvedResource{}, false, err
		}
		if !cond.Eval(env.Enabled) {
			return ResolvedResource{}, false, nil
		}
	}

	return ResolvedResource{
		Kind:         kind,
		Name:         r.Name,
		Path:         filepath.Join(dir, filepath.FromSlash(r.location())),
		Folder:       r.Folder != "",
		Platforms:    platforms,
		Targets:      targets,
		Priority:     r.Priority,
		Optional:     r.Optional,
		Autorun:      r.Autorun,
		Requires:     slices.Clone(r.Requires),
		Incompatible: slices.Clone(r.Incompatible),
	}, true, nil
}
