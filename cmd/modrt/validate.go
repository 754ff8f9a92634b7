// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/modrt/internal/pkgrt"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate package manifests",
		Long: `Validate the package.yaml of every package under dir against the
manifest schema and the manifest rules. dir may also be a single package
directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
}

func runValidate(cmd *cobra.Command, dir string) error {
	manifests, err := findManifests(dir)
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		return oops.With("dir", dir).Errorf("no %s found", pkgrt.ManifestFile)
	}

	failed := 0
	for _, path := range manifests {
		name, err := validateManifest(path)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %s: %s\n", path, pkgrt.FormatSchemaError(err)) //nolint:errcheck // console output
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s)\n", path, name) //nolint:errcheck // console output
	}

	if failed > 0 {
		return oops.With("failed", failed).Errorf("%d of %d manifests invalid", failed, len(manifests))
	}
	return nil
}

// findManifests returns dir's own manifest, or else the manifests of its
// immediate sub-directories.
func findManifests(dir string) ([]string, error) {
	own := filepath.Join(dir, pkgrt.ManifestFile)
	if _, err := os.Stat(own); err == nil {
		return []string{own}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, oops.With("dir", dir).Wrap(err)
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), pkgrt.ManifestFile)
		if _, err := os.Stat(path); err == nil {
			out = append(out, path)
		}
	}
	return out, nil
}

func validateManifest(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the user's own directory
	if err != nil {
		return "", err
	}
	if err := pkgrt.ValidateSchema(data); err != nil {
		return "", err
	}
	m, err := pkgrt.ParseManifest(data)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", m.Name, m.Version), nil
}
