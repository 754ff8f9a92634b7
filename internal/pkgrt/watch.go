// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/holomush/modrt/pkg/errutil"
)

// Watch blocks until ctx is done, rediscovering packages whenever the
// packages directory changes. Bursts of changes are debounced; each settled
// change that alters the known package set publishes PackageListChanged.
// Loaded packages are never reloaded by the watcher.
func (o *Orchestrator) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return oops.In("pkgrt").Wrapf(err, "create watcher")
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(o.cfg.Dir); err != nil {
		return oops.In("pkgrt").With("dir", o.cfg.Dir).Wrapf(err, "watch packages directory")
	}
	o.watchTree(w, o.cfg.Dir)
	o.logger.Info("watching packages directory", "dir", o.cfg.Dir, "debounce", o.cfg.WatchDebounce)

	known := o.knownNames()
	timer := time.NewTimer(o.cfg.WatchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, serr := os.Stat(ev.Name); serr == nil && info.IsDir() {
					o.watchTree(w, ev.Name)
				}
			}
			timer.Reset(o.cfg.WatchDebounce)

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn("packages watcher error", "error", werr)

		case <-timer.C:
			names, derr := o.Discover(ctx)
			if derr != nil {
				errutil.LogError(o.logger, "rediscovery failed", derr)
				continue
			}
			if slices.Equal(names, known) {
				o.logger.Debug("packages directory changed, package set unchanged")
				continue
			}
			known = names
			if perr := o.hooks.PackageListChanged(o.Enabled(), names); perr != nil {
				errutil.LogError(o.logger, "package list subscribers failed", perr)
			}
		}
	}
}

// watchTree adds dir and every directory below it.
func (o *Orchestrator) watchTree(w *fsnotify.Watcher, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if aerr := w.Add(path); aerr != nil {
			o.logger.Warn("cannot watch directory", "dir", path, "error", aerr)
		}
		return nil
	})
}

func (o *Orchestrator) knownNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.namesLocked()
}

// relevant drops pure attribute changes.
func relevant(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}
