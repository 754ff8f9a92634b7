// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/remeh/sizedwaitgroup"
	"github.com/samber/oops"
	"github.com/yuin/gopher-lua/parse"
	"gopkg.in/yaml.v3"

	"github.com/holomush/modrt/internal/loadctx"
	"github.com/holomush/modrt/internal/script"
	"github.com/holomush/modrt/pkg/errutil"
	"github.com/holomush/modrt/pkg/modapi"
)

// Package is the runtime record of one content package.
type Package struct {
	manifest *Manifest
	dir      string
	state    State
	err      error

	resources []ResolvedResource
	skipped   []string
	sources   []loadctx.Source
	paths     []string
	scripts   []script.Script
	autorun   map[string]bool
	configs   map[string]map[string]any

	context loadctx.ID
	plugins []modapi.Plugin
	host    *pluginHost
}

// Name returns the package name.
func (p *Package) Name() string {
	return p.manifest.Name
}

// group is the key packages sharing a load context have in common.
func (p *Package) group() string {
	if p.manifest.SharedContext != "" {
		return "shared:" + p.manifest.SharedContext
	}
	return "pkg:" + p.manifest.Name
}

// Info is a snapshot of a package.
type Info struct {
	Name          string
	Version       string
	Dir           string
	State         State
	SharedContext string
	Context       loadctx.ID
	Resources     []ResolvedResource
	Skipped       []string
	Scripts       []string
	Configs       []string
	Plugins       int
	Err           error
}

func (p *Package) info() Info {
	in := Info{
		Name:          p.manifest.Name,
		Version:       p.manifest.Version,
		Dir:           p.dir,
		State:         p.state,
		SharedContext: p.manifest.SharedContext,
		Context:       p.context,
		Resources:     slices.Clone(p.resources),
		Skipped:       slices.Clone(p.skipped),
		Plugins:       len(p.plugins),
		Err:           p.err,
	}
	for _, s := range p.scripts {
		in.Scripts = append(in.Scripts, s.Name)
	}
	for name := range p.configs {
		in.Configs = append(in.Configs, name)
	}
	slices.Sort(in.Configs)
	return in
}

// parsed is the outcome of parsing one resource.
type parsed struct {
	res     ResolvedResource
	sources []loadctx.Source
	scripts []script.Script
	config  map[string]any
	err     error
}

type parseJob struct {
	pkg *Package
	res ResolvedResource
}

// parseAll parses every job with at most workers running at once. A
// cancelled ctx leaves the remaining jobs failed with ctx's error.
func (o *Orchestrator) parseAll(ctx context.Context, jobs []parseJob, workers int) []parsed {
	results := make([]parsed, len(jobs))
	swg := sizedwaitgroup.New(workers)
	for i, job := range jobs {
		if err := swg.AddWithContext(ctx); err != nil {
			for j := i; j < len(jobs); j++ {
				results[j] = parsed{res: jobs[j].res, err: err}
			}
			break
		}
		go func() {
			defer swg.Done()
			results[i] = o.parseResource(job.res)
		}()
	}
	swg.Wait()
	return results
}

func (o *Orchestrator) parseResource(rr ResolvedResource) parsed {
	out := parsed{res: rr}
	files, err := resourceFiles(rr)
	if err != nil {
		out.err = err
		return out
	}
	for _, f := range files {
		data, err := o.files.ReadFile(f)
		if err != nil {
			out.err = err
			return out
		}
		switch rr.Kind {
		case KindAssembly:
			out.sources = append(out.sources, loadctx.Source{Path: f, Code: string(data)})
		case KindScript:
			name := rr.Name
			if rr.Folder {
				name = rr.Name + "/" + filepath.Base(f)
			}
			if _, err := parse.Parse(strings.NewReader(string(data)), name); err != nil {
				out.err = oops.With("file", f).Wrapf(err, "lua syntax")
				return out
			}
			out.scripts = append(out.scripts, script.Script{Name: name, Priority: rr.Priority, Code: string(data)})
		case KindConfig:
			var doc map[string]any
			if err := yaml.Unmarshal(data, &doc); err != nil {
				out.err = oops.With("file", f).Wrapf(err, "invalid YAML")
				return out
			}
			if !rr.Folder {
				out.config = doc
				continue
			}
			if out.config == nil {
				out.config = make(map[string]any)
			}
			out.config[strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))] = doc
		}
	}
	return out
}

var resourceExts = map[ResourceKind][]string{
	KindAssembly: {".go"},
	KindScript:   {".lua"},
	KindConfig:   {".yaml", ".yml"},
}

// resourceFiles lists the files a resource covers. Folders contribute their
// files with the kind's extensions in lexical order, excluding Go tests.
func resourceFiles(rr ResolvedResource) ([]string, error) {
	if !rr.Folder {
		return []string{rr.Path}, nil
	}
	entries, err := os.ReadDir(rr.Path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, "_test.go") {
			continue
		}
		if slices.Contains(resourceExts[rr.Kind], filepath.Ext(name)) {
			files = append(files, filepath.Join(rr.Path, name))
		}
	}
	if len(files) == 0 {
		return nil, errors.New("folder has no " + rr.Kind.String() + " files")
	}
	slices.Sort(files)
	return files, nil
}

// apply stores the parse results on p. Failed optional resources are
// skipped; a failed required resource fails the package.
func (p *Package) apply(results []parsed, logger *slog.Logger) error {
	p.skipped = nil
	p.sources = nil
	p.paths = nil
	p.scripts = nil
	p.autorun = make(map[string]bool)
	p.configs = make(map[string]map[string]any)

	var errs []error
	for _, r := range results {
		if r.err != nil {
			err := oops.In("pkgrt").
				Code(CodeResourceFailed).
				With("package", p.Name()).
				With("resource", r.res.Name).
				With("kind", r.res.Kind.String()).
				With("path", r.res.Path).
				Wrap(r.err)
			if r.res.Optional {
				errutil.Log(logger, slog.LevelWarn, "optional resource skipped", err)
				p.skipped = append(p.skipped, r.res.Name)
				continue
			}
			errs = append(errs, err)
			continue
		}
		switch r.res.Kind {
		case KindAssembly:
			p.sources = append(p.sources, r.sources...)
			p.paths = append(p.paths, r.res.Path)
		case KindScript:
			p.scripts = append(p.scripts, r.scripts...)
			for _, s := range r.scripts {
				p.autorun[s.Name] = r.res.Autorun
			}
		case KindConfig:
			p.configs[r.res.Name] = r.config
		}
	}
	return errors.Join(errs...)
}

func (p *Package) autorunScripts() []script.Script {
	var out []script.Script
	for _, s := range p.scripts {
		if p.autorun[s.Name] {
			out = append(out, s)
		}
	}
	return out
}
