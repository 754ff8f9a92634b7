// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pkgrt sequences the lifecycle of content packages: discover their
// manifests, parse their resources, load their assemblies into load
// contexts, start their plugins and scripts, and tear it all down again.
package pkgrt

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/modrt/pkg/modapi"
)

// ManifestFile is the manifest file name inside a package directory.
const ManifestFile = "package.yaml"

// Error codes for orchestrator failures.
const (
	CodeInvalidManifest   = "PKG_INVALID_MANIFEST"
	CodeIncompatibleAPI   = "PKG_INCOMPATIBLE_API"
	CodeInvalidCondition  = "PKG_INVALID_CONDITION"
	CodeResourceFailed    = "PKG_RESOURCE_FAILED"
	CodeUnknownPackage    = "PKG_UNKNOWN_PACKAGE"
	CodeInvalidTransition = "PKG_INVALID_TRANSITION"
	CodeStartFailed       = "PKG_START_FAILED"
	CodeUnloadTimeout     = "PKG_UNLOAD_TIMEOUT"
	CodeDuplicatePackage  = "PKG_DUPLICATE"
)

// Manifest represents a package.yaml file.
type Manifest struct {
	Name        string `yaml:"name" json:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version     string `yaml:"version" json:"version" jsonschema:"description=Semantic version of the package"`
	API         string `yaml:"api,omitempty" json:"api,omitempty" jsonschema:"description=Constraint on the host API version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Capabilities are the host services the package's plugins and
	// scripts may use, as glob patterns.
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	// SharedContext names a load context group. Packages in the same group
	// are compiled together into one context.
	SharedContext string     `yaml:"shared-context,omitempty" json:"shared-context,omitempty"`
	Assemblies    []Resource `yaml:"assemblies,omitempty" json:"assemblies,omitempty"`
	Scripts       []Resource `yaml:"scripts,omitempty" json:"scripts,omitempty"`
	Configs       []Resource `yaml:"configs,omitempty" json:"configs,omitempty"`
}

// Resource is one assembly, script or config entry of a manifest.
type Resource struct {
	Name         string   `yaml:"name" json:"name"`
	File         string   `yaml:"file,omitempty" json:"file,omitempty"`
	Folder       string   `yaml:"folder,omitempty" json:"folder,omitempty"`
	Priority     int      `yaml:"priority,omitempty" json:"priority,omitempty" jsonschema:"description=Lower values run first"`
	Optional     bool     `yaml:"optional,omitempty" json:"optional,omitempty"`
	Autorun      bool     `yaml:"autorun,omitempty" json:"autorun,omitempty"`
	Platforms    []string `yaml:"platforms,omitempty" json:"platforms,omitempty" jsonschema:"enum=windows,enum=linux,enum=darwin,enum=any"`
	Targets      []string `yaml:"targets,omitempty" json:"targets,omitempty" jsonschema:"enum=client,enum=server,enum=any"`
	Requires     []string `yaml:"requires,omitempty" json:"requires,omitempty"`
	Incompatible []string `yaml:"incompatible,omitempty" json:"incompatible,omitempty"`
	When         string   `yaml:"when,omitempty" json:"when,omitempty" jsonschema:"description=Condition over enabled packages such as 'a & !b'"`
}

// maxNameLength is the maximum allowed length for package names.
const maxNameLength = 64

// namePattern validates package names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a package.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.In("pkgrt").Code(CodeInvalidManifest).Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.In("pkgrt").Code(CodeInvalidManifest).Wrapf(err, "invalid YAML")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	b := oops.In("pkgrt").Code(CodeInvalidManifest).With("package", m.Name)
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return b.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return b.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return b.Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return b.With("version", m.Version).Wrapf(err, "version is not a semantic version")
	}

	if err := m.checkAPI(); err != nil {
		return err
	}

	if m.SharedContext != "" && !namePattern.MatchString(m.SharedContext) {
		return b.Errorf("shared-context %q must follow the package name rules", m.SharedContext)
	}

	for _, group := range []struct {
		kind      string
		resources []Resource
	}{
		{"assemblies", m.Assemblies},
		{"scripts", m.Scripts},
		{"configs", m.Configs},
	} {
		seen := make(map[string]bool, len(group.resources))
		for i, r := range group.resources {
			if err := r.validate(); err != nil {
				return b.With("resource", group.kind).With("index", i).Wrap(err)
			}
			if seen[r.Name] {
				return b.Errorf("%s: duplicate resource name %q", group.kind, r.Name)
			}
			seen[r.Name] = true
		}
	}
	return nil
}

// checkAPI verifies the package accepts the host's API version.
func (m *Manifest) checkAPI() error {
	if m.API == "" {
		return nil
	}
	c, err := semver.NewConstraint(m.API)
	if err != nil {
		return oops.In("pkgrt").
			Code(CodeInvalidManifest).
			With("package", m.Name).
			With("api", m.API).
			Wrapf(err, "api is not a version constraint")
	}
	host := semver.MustParse(modapi.APIVersion)
	if !c.Check(host) {
		return oops.In("pkgrt").
			Code(CodeIncompatibleAPI).
			With("package", m.Name).
			With("api", m.API).
			With("host_api", modapi.APIVersion).
			Hint("update the package or the host").
			Errorf("package requires API %s, host provides %s", m.API, modapi.APIVersion)
	}
	return nil
}

func (r Resource) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return oops.Errorf("resource name is required")
	}
	if (r.File == "") == (r.Folder == "") {
		return oops.With("name", r.Name).Errorf("resource %q needs exactly one of file or folder", r.Name)
	}
	if p := r.location(); !filepath.IsLocal(filepath.FromSlash(p)) {
		return oops.With("name", r.Name).With("path", p).Errorf("resource %q path must stay inside the package", r.Name)
	}
	if _, err := ParsePlatforms(r.Platforms); err != nil {
		return err
	}
	if _, err := ParseTargets(r.Targets); err != nil {
		return err
	}
	if r.When != "" {
		if _, err := ParseCondition(r.When); err != nil {
			return err
		}
	}
	return nil
}

func (r Resource) location() string {
	if r.Folder != "" {
		return r.Folder
	}
	return r.File
}
