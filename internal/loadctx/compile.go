// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loadctx

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/holomush/modrt/pkg/modapi"
)

// Source is one Go source file of a compilation unit.
type Source struct {
	Path string
	Code string
}

// CompilationUnit is a named bundle of Go sources compiled together into one
// unit.
type CompilationUnit struct {
	Name    string
	Sources []Source
}

// CompileOptions tunes the interpreter used for a context.
type CompileOptions struct {
	// Unrestricted exposes the full standard library, including os/exec and
	// unsafe, and lifts the interpreter's own restrictions. Only the host's
	// trusted content should set it.
	Unrestricted bool
	// StripBuildTags drops leading //go:build and // +build lines, which mods
	// use to keep their sources out of the host's own build.
	StripBuildTags bool
}

// DefaultImports is the standard library a restricted context may import.
var DefaultImports = []string{
	"bytes",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"math/big",
	"math/rand",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode/utf8",
}

// symbolKey converts an import path into the key yaegi uses for its export
// tables: "importPath/pkgName".
func symbolKey(importPath string) string {
	return importPath + "/" + path.Base(importPath)
}

// importTable builds the stdlib exports for a restricted context. Every
// reference must name a known standard library package.
func importTable(references []string) (interp.Exports, error) {
	restricted := interp.Exports{}
	for _, imp := range DefaultImports {
		if syms, ok := stdlib.Symbols[symbolKey(imp)]; ok {
			restricted[symbolKey(imp)] = syms
		}
	}
	var unknown []string
	for _, ref := range references {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		syms, ok := stdlib.Symbols[symbolKey(ref)]
		if !ok {
			unknown = append(unknown, ref)
			continue
		}
		restricted[symbolKey(ref)] = syms
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown references: %s", strings.Join(unknown, ", "))
	}
	return restricted, nil
}

// collector receives modapi.Define calls made while a unit is evaluated.
type collector struct {
	current *Unit
}

func (c *collector) Define(spec modapi.TypeSpec) bool {
	if c.current == nil {
		return false
	}
	c.current.specs = append(c.current.specs, spec)
	return true
}

// apiExports exposes the modapi package to interpreted code under both the
// short "modapi" path and the module-qualified path.
func apiExports(c *collector) interp.Exports {
	symbols := map[string]reflect.Value{
		"APIVersion":       reflect.ValueOf(modapi.APIVersion),
		"PluginCapability": reflect.ValueOf(modapi.PluginCapability),
		"Before":           reflect.ValueOf(modapi.Before),
		"After":            reflect.ValueOf(modapi.After),
		"ReplaceNil":       reflect.ValueOf(&modapi.ReplaceNil).Elem(),
		"Define":           reflect.ValueOf(c.Define),

		"TypeSpec":    reflect.ValueOf((*modapi.TypeSpec)(nil)),
		"PluginFuncs": reflect.ValueOf((*modapi.PluginFuncs)(nil)),
		"Host":        reflect.ValueOf((*modapi.Host)(nil)),
		"Params":      reflect.ValueOf((*modapi.Params)(nil)),
		"Plugin":      reflect.ValueOf((*modapi.Plugin)(nil)),
		"HookType":    reflect.ValueOf((*modapi.HookType)(nil)),
		"HookFunc":    reflect.ValueOf((*modapi.HookFunc)(nil)),
		"PatchFunc":   reflect.ValueOf((*modapi.PatchFunc)(nil)),
		"UnitInfo":    reflect.ValueOf((*modapi.UnitInfo)(nil)),
		"Character":   reflect.ValueOf((*modapi.Character)(nil)),
	}
	return interp.Exports{
		"modapi/modapi": symbols,
		"github.com/holomush/modrt/pkg/modapi/modapi": symbols,
	}
}

// newInterpreter builds a context's interpreter with the restricted stdlib and
// the modapi exports bound to c.
func newInterpreter(c *collector, references []string, opts CompileOptions) (*interp.Interpreter, error) {
	i := interp.New(interp.Options{Unrestricted: opts.Unrestricted})
	if opts.Unrestricted {
		if err := i.Use(stdlib.Symbols); err != nil {
			return nil, err
		}
	} else {
		table, err := importTable(references)
		if err != nil {
			return nil, err
		}
		if err := i.Use(table); err != nil {
			return nil, err
		}
	}
	if err := i.Use(apiExports(c)); err != nil {
		return nil, err
	}
	return i, nil
}

// eval evaluates one source, converting interpreter panics into errors.
func eval(i *interp.Interpreter, src string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()
	_, err = i.Eval(src)
	return err
}

// stripBuildDirectives blanks the build constraints in the comment header
// before the package clause. They are meaningful to the Go toolchain, and the
// interpreter would skip the file over them. Line numbers are preserved.
func stripBuildDirectives(src string) string {
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "//go:build") || strings.HasPrefix(l, "// +build") {
			lines[i] = ""
			continue
		}
		if l != "" && !strings.HasPrefix(l, "//") {
			break
		}
	}
	return strings.Join(lines, "\n")
}

// compileUnit evaluates every source of unit into one interpreter.
func compileUnit(unit *CompilationUnit, references []string, opts CompileOptions) (*interp.Interpreter, *Unit, error) {
	c := &collector{}
	i, err := newInterpreter(c, references, opts)
	if err != nil {
		return nil, nil, err
	}
	u := &Unit{Name: unit.Name}
	if len(unit.Sources) > 0 {
		u.Path = unit.Sources[0].Path
	}
	c.current = u
	for _, src := range unit.Sources {
		code := src.Code
		if opts.StripBuildTags {
			code = stripBuildDirectives(code)
		}
		if err := eval(i, code); err != nil {
			if src.Path != "" {
				return nil, nil, fmt.Errorf("%s: %w", src.Path, err)
			}
			return nil, nil, err
		}
	}
	c.current = nil
	return i, u, nil
}

// fileGroup is one file-loaded unit: a single file or a directory of .go files.
type fileGroup struct {
	name  string
	path  string
	files []string
}

// expandPaths turns the requested paths into file groups. Directories
// contribute their .go files, excluding tests, in lexical order.
func expandPaths(paths []string) ([]fileGroup, error) {
	groups := make([]fileGroup, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			groups = append(groups, fileGroup{
				name:  strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)),
				path:  p,
				files: []string{p},
			})
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		var files []string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				continue
			}
			files = append(files, filepath.Join(p, name))
		}
		if len(files) == 0 {
			continue
		}
		sort.Strings(files)
		groups = append(groups, fileGroup{name: filepath.Base(p), path: p, files: files})
	}
	return groups, nil
}

// loadFiles evaluates each file group as its own unit inside one shared
// interpreter, so later groups can use what earlier ones declared.
func loadFiles(groups []fileGroup, read func(string) ([]byte, error)) (*interp.Interpreter, []*Unit, error) {
	c := &collector{}
	i, err := newInterpreter(c, nil, CompileOptions{StripBuildTags: true})
	if err != nil {
		return nil, nil, err
	}
	units := make([]*Unit, 0, len(groups))
	for _, g := range groups {
		u := &Unit{Name: g.name, Path: g.path}
		c.current = u
		for _, f := range g.files {
			data, err := read(f)
			if err != nil {
				return nil, nil, err
			}
			if err := eval(i, stripBuildDirectives(string(data))); err != nil {
				return nil, nil, fmt.Errorf("%s: %w", f, err)
			}
		}
		units = append(units, u)
	}
	c.current = nil
	return i, units, nil
}
