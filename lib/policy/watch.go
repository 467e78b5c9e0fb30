// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Editors and config management tools produce bursts of filesystem
// events for a single logical change; wait for the burst to settle
// before reloading.
const reloadDebounce = 100 * time.Millisecond

// Reload re-reads the rule directory and swaps the snapshot if the
// content changed. On error the previous snapshot stays in effect.
func (r *Resolver) Reload() error {
	snapshot, err := loadSnapshot(r.directory)
	if err != nil {
		return err
	}
	if snapshot.digest == r.snapshot.Load().digest {
		r.logger.Debug("policy unchanged", "digest", snapshot.DigestString())
		return nil
	}
	r.snapshot.Store(snapshot)
	r.logger.Info("policy reloaded",
		"services", len(snapshot.services),
		"digest", snapshot.DigestString(),
	)
	return nil
}

// Watch reloads the policy whenever the rule directory changes, until
// the context is cancelled. Reload failures are logged and the
// previous rules stay live; the watcher keeps running.
func (r *Resolver) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.directory); err != nil {
		return fmt.Errorf("watch policy directory: %w", err)
	}

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				settle = time.After(reloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("policy watch error", "error", err)

		case <-settle:
			settle = nil
			if err := r.Reload(); err != nil {
				r.logger.Error("policy reload failed, keeping previous rules", "error", err)
			}
		}
	}
}
