// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the modrt CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modrt",
		Short: "modrt - a mod and package runtime",
		Long: `modrt discovers mod packages on disk, loads their assemblies into
collectible load contexts, runs their Lua scripts in a sandbox and
drives their plugins through a host tick loop.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewSchemaCmd())

	return cmd
}
