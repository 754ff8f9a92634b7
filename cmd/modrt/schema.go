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

// NewSchemaCmd creates the schema subcommand.
func NewSchemaCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the package manifest JSON schema",
		Long: `Print the JSON schema for package.yaml manifests, or write it to a
file with --out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := pkgrt.GenerateSchema()
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
				return oops.With("path", outPath).Wrap(err)
			}
			if err := os.WriteFile(outPath, schema, 0o600); err != nil {
				return oops.With("path", outPath).Wrap(err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Generated %s\n", outPath)
			return err
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "write the schema to this file instead of stdout")
	return cmd
}
