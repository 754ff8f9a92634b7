// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build modrt

// Package main is the echo mod. It is interpreted by modrt, not compiled
// into the host.
package main

import "modapi"

var echoHost modapi.Host

var _ = modapi.Define(modapi.TypeSpec{
	Name:       "echo.Plugin",
	Implements: []string{modapi.PluginCapability},
	New: func() any {
		return &modapi.PluginFuncs{
			OnInitialize: func(h modapi.Host) error {
				echoHost = h
				prefix := "echo: "
				if c, ok := h.Config("settings"); ok {
					if p, ok := c["prefix"].(string); ok {
						prefix = p
					}
				}
				h.AddHook("say", "echo", func(args ...any) any {
					if len(args) == 0 {
						return nil
					}
					msg, _ := args[0].(string)
					return prefix + msg
				})
				return nil
			},
			OnDispose: func() {
				echoHost.Log("info", "echo stopped")
			},
		}
	},
})
