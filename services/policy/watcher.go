// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads an engine's rule set when its source file changes.
//
// # Description
//
// Watches the directory containing the rule file (not the file itself,
// because editors typically replace files via rename) and reloads the
// engine after a short debounce window. A reload that fails leaves the
// previous rule set active.
//
// # Thread Safety
//
// Start may be called once. The reload path is serialized by a single
// goroutine; Engine handles its own locking.
type Watcher struct {
	engine   *Engine
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the rule file at path, bound to the
// given engine.
func NewWatcher(engine *Engine, path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		engine:   engine,
		path:     path,
		debounce: 250 * time.Millisecond,
		watcher:  fsWatcher,
	}, nil
}

// Start begins watching until ctx is cancelled. It returns immediately;
// event processing runs on a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.engine.Reload(w.path); err != nil {
				slog.Error("policy reload failed, keeping previous rule set",
					"path", w.path, "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("policy watcher error", "error", err)
		}
	}
}
