// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/modrt/internal/pkgrt"
	"github.com/holomush/modrt/internal/xdg"
)

// Error codes for configuration problems.
const (
	CodeConfigLoad    = "CONFIG_LOAD_FAILED"
	CodeConfigInvalid = "CONFIG_INVALID"
)

// runConfig holds configuration for the run command. Values come from the
// optional config file with command-line flags layered on top.
type runConfig struct {
	PackagesDir        string        `koanf:"packages-dir"`
	Platform           []string      `koanf:"platform"`
	Target             []string      `koanf:"target"`
	Enabled            []string      `koanf:"enabled"`
	LogFormat          string        `koanf:"log-format"`
	LogLevel           string        `koanf:"log-level"`
	MetricsAddr        string        `koanf:"metrics-addr"`
	Tick               time.Duration `koanf:"tick"`
	Ticks              int           `koanf:"ticks"`
	UnloadTimeout      time.Duration `koanf:"unload-timeout"`
	UnloadPollInterval time.Duration `koanf:"unload-poll-interval"`
	ParseWorkers       int           `koanf:"parse-workers"`
	ReadOnly           bool          `koanf:"read-only"`
	AllowTypes         []string      `koanf:"allow-types"`
	DenyTypes          []string      `koanf:"deny-types"`
	Watch              bool          `koanf:"watch"`
}

// Default values for run command flags.
const (
	defaultLogFormat    = "json"
	defaultLogLevel     = "info"
	defaultMetricsAddr  = "127.0.0.1:9100"
	defaultTick         = 100 * time.Millisecond
	defaultParseWorkers = pkgrt.DefaultParseWorkers
)

func addRunFlags(fs *pflag.FlagSet) {
	fs.String("packages-dir", "", "directory holding one sub-directory per package (default: XDG_DATA_HOME/modrt/packages)")
	fs.StringSlice("platform", nil, "platforms to resolve resources for (default: current)")
	fs.StringSlice("target", nil, "host targets to resolve resources for: client, server (default: any)")
	fs.StringSlice("enabled", nil, "packages to enable (default: all discovered)")
	fs.String("log-format", defaultLogFormat, "log format (json or text)")
	fs.String("log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.String("metrics-addr", defaultMetricsAddr, "metrics/health HTTP address (empty = disabled)")
	fs.Duration("tick", defaultTick, "interval between update ticks")
	fs.Int("ticks", 0, "stop after this many ticks (0 = run until interrupted)")
	fs.Duration("unload-timeout", pkgrt.DefaultUnloadTimeout, "how long to wait for a load context to be reclaimed")
	fs.Duration("unload-poll-interval", pkgrt.DefaultUnloadPollInterval, "how often to poll for reclaimed load contexts")
	fs.Int("parse-workers", defaultParseWorkers, "concurrent resource parsers")
	fs.Bool("read-only", false, "deny every file write from mod code")
	fs.StringSlice("allow-types", nil, "type name prefixes mods may reach")
	fs.StringSlice("deny-types", nil, "type name prefixes mods may not reach")
	fs.Bool("watch", false, "rediscover packages when the packages directory changes")
}

// loadConfig reads path, or the XDG config file when path is empty, and
// overlays the flags that were set explicitly. Flag defaults fill keys the
// file leaves out.
func loadConfig(fs *pflag.FlagSet, path string) (*runConfig, error) {
	if path == "" {
		path = xdg.ConfigFile()
	}
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code(CodeConfigLoad).With("path", path).Wrap(err)
		}
	}
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return nil, oops.Code(CodeConfigLoad).Wrap(err)
	}

	cfg := &runConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code(CodeConfigLoad).Wrap(err)
	}
	if cfg.PackagesDir == "" {
		cfg.PackagesDir = xdg.PackagesDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (cfg *runConfig) Validate() error {
	invalid := oops.Code(CodeConfigInvalid)
	if cfg.PackagesDir == "" {
		return invalid.Errorf("packages-dir is required")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return invalid.Errorf("log-format must be 'json' or 'text', got %q", cfg.LogFormat)
	}
	if cfg.Tick <= 0 {
		return invalid.Errorf("tick must be positive, got %s", cfg.Tick)
	}
	if cfg.Ticks < 0 {
		return invalid.Errorf("ticks must not be negative, got %d", cfg.Ticks)
	}
	if cfg.ParseWorkers < 0 {
		return invalid.Errorf("parse-workers must not be negative, got %d", cfg.ParseWorkers)
	}
	if _, err := pkgrt.ParsePlatforms(cfg.Platform); err != nil {
		return invalid.Wrap(err)
	}
	if _, err := pkgrt.ParseTargets(cfg.Target); err != nil {
		return invalid.Wrap(err)
	}
	return nil
}

// orchestratorConfig maps the run configuration onto the orchestrator's.
func (cfg *runConfig) orchestratorConfig() (pkgrt.Config, error) {
	out := pkgrt.Config{
		Dir:                cfg.PackagesDir,
		ParseWorkers:       cfg.ParseWorkers,
		UnloadTimeout:      cfg.UnloadTimeout,
		UnloadPollInterval: cfg.UnloadPollInterval,
	}
	if len(cfg.Platform) > 0 {
		p, err := pkgrt.ParsePlatforms(cfg.Platform)
		if err != nil {
			return pkgrt.Config{}, err
		}
		out.Platform = p
	}
	t, err := pkgrt.ParseTargets(cfg.Target)
	if err != nil {
		return pkgrt.Config{}, err
	}
	out.Target = t
	// An empty list from the flag default means "everything".
	if len(cfg.Enabled) > 0 {
		out.Enabled = cfg.Enabled
	}
	return out, nil
}
