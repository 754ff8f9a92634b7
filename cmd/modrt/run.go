// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/modrt/internal/logging"
	"github.com/holomush/modrt/internal/observability"
	"github.com/holomush/modrt/internal/pkgrt"
	"github.com/holomush/modrt/pkg/errutil"
)

const shutdownTimeout = 5 * time.Second

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load packages and run the host tick loop",
		Long: `Discover, load and start every enabled package, then publish an
update tick at a fixed interval until interrupted or until --ticks ticks
have run. Packages are unloaded on the way out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRuntime(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	addRunFlags(cmd.Flags())
	return cmd
}

// runRuntime drives one runtime session: start packages, tick, unload.
// A summary of the final package states is written to out.
func runRuntime(ctx context.Context, cfg *runConfig, out, logOut io.Writer) error {
	logger := logging.Setup("modrt", version, cfg.LogFormat, logging.ParseLevel(cfg.LogLevel), logOut)

	var ready atomic.Bool
	var orch *pkgrt.Orchestrator
	var srv *observability.Server
	var metrics *observability.Metrics
	if cfg.MetricsAddr != "" {
		srv = observability.NewServer(cfg.MetricsAddr,
			observability.WithReadiness(ready.Load),
			observability.WithPackages(func() any { return packageStatuses(orch.Packages()) }),
			observability.WithLogger(logger),
		)
		metrics = srv.Metrics()
	} else {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	orchCfg, err := cfg.orchestratorConfig()
	if err != nil {
		return err
	}
	orch, err = pkgrt.New(orchCfg, pkgrt.Deps{Logger: logger, Metrics: metrics})
	if err != nil {
		return err
	}
	defer orch.Scripts().Close(context.WithoutCancel(ctx))

	var srvErr <-chan error
	if srv != nil {
		errCh, err := srv.Start()
		if err != nil {
			return oops.With("operation", "start_observability_server").Wrap(err)
		}
		srvErr = errCh
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				errutil.LogError(logger, "failed to stop observability server", err)
			}
		}()
	}

	if err := applySandbox(orch, cfg); err != nil {
		return err
	}

	names, err := orch.Discover(ctx)
	if err != nil {
		return err
	}
	logger.Info("starting packages", "discovered", len(names), "enabled", len(orch.Enabled()))

	if err := orch.Load(ctx); err != nil {
		errutil.LogError(logger, "some packages failed to load", err)
	}
	if err := orch.Start(ctx); err != nil {
		errutil.LogError(logger, "some packages failed to start", err)
	}
	ready.Store(true)

	var wg sync.WaitGroup
	watchCtx, stopWatch := context.WithCancel(ctx)
	if cfg.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := orch.Watch(watchCtx); err != nil {
				errutil.LogError(logger, "package watcher stopped", err)
			}
		}()
	}

	loopErr := tick(ctx, orch, cfg, srvErr, logger)

	stopWatch()
	wg.Wait()
	ready.Store(false)

	// Unload even when ctx was cancelled by a signal.
	unloadErr := orch.UnloadAll(context.WithoutCancel(ctx))
	if unloadErr != nil {
		errutil.LogError(logger, "some packages failed to unload", unloadErr)
	}

	printSummary(out, orch.Packages())
	if loopErr != nil {
		return loopErr
	}
	return unloadErr
}

// applySandbox configures file and type restrictions before anything loads.
func applySandbox(orch *pkgrt.Orchestrator, cfg *runConfig) error {
	if cfg.ReadOnly {
		orch.Files().EnableReadOnlyMode()
	}
	for _, prefix := range cfg.AllowTypes {
		if err := orch.Types().AllowPrefix(prefix); err != nil {
			return err
		}
	}
	for _, prefix := range cfg.DenyTypes {
		if err := orch.Types().DenyPrefix(prefix); err != nil {
			return err
		}
	}
	return nil
}

// tick publishes Update until ctx ends, the tick budget runs out or the
// observability server fails.
func tick(ctx context.Context, orch *pkgrt.Orchestrator, cfg *runConfig, srvErr <-chan error, logger *slog.Logger) error {
	ticker := time.NewTicker(cfg.Tick)
	defer ticker.Stop()

	last := time.Now()
	for n := 0; cfg.Ticks == 0 || n < cfg.Ticks; n++ {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", "reason", context.Cause(ctx))
			return nil
		case err, ok := <-srvErr:
			if ok && err != nil {
				return oops.With("operation", "observability_server").Wrap(err)
			}
			srvErr = nil
			n--
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			if err := orch.Hooks().Update(dt); err != nil {
				errutil.Log(logger, slog.LevelWarn, "update subscribers failed", err)
			}
		}
	}
	logger.Info("tick budget reached", "ticks", cfg.Ticks)
	return nil
}

// packageStatus is the /debug/packages view of one package.
type packageStatus struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	State   string `json:"state"`
	Context string `json:"context,omitempty"`
	Plugins int    `json:"plugins"`
	Scripts int    `json:"scripts"`
	Error   string `json:"error,omitempty"`
}

func packageStatuses(infos []pkgrt.Info) []packageStatus {
	out := make([]packageStatus, 0, len(infos))
	for _, in := range infos {
		st := packageStatus{
			Name:    in.Name,
			Version: in.Version,
			State:   in.State.String(),
			Context: string(in.Context),
			Plugins: in.Plugins,
			Scripts: len(in.Scripts),
		}
		if in.Err != nil {
			st.Error = in.Err.Error()
		}
		out = append(out, st)
	}
	return out
}

func printSummary(out io.Writer, infos []pkgrt.Info) {
	for _, in := range infos {
		line := fmt.Sprintf("%s %s %s", in.Name, in.Version, in.State)
		if in.Err != nil {
			line += ": " + in.Err.Error()
		}
		//nolint:errcheck // best-effort console output
		fmt.Fprintln(out, line)
	}
}
