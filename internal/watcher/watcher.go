package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Handler reacts to debounced document events. Ingest receives created
// and modified files; Delete receives removed ones.
type Handler interface {
	Ingest(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
}

// Watcher watches a directory tree for supported documents and drives
// the handler with debounced events.
type Watcher struct {
	handler   Handler
	debouncer *Debouncer
	fsw       *fsnotify.Watcher
}

// supportedExt reports whether the path has an ingestable extension.
func supportedExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".pdf":
		return true
	}
	return false
}

// New creates a watcher with the given debounce window.
func New(handler Handler, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		handler:   handler,
		debouncer: NewDebouncer(debounce),
		fsw:       fsw,
	}, nil
}

// Run watches dir recursively until the context is cancelled. Existing
// supported files are ingested on startup so a fresh directory and a
// restarted watcher behave the same.
func (w *Watcher) Run(ctx context.Context, dir string) error {
	if err := w.addRecursive(dir); err != nil {
		return err
	}

	// Initial sweep.
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !supportedExt(path) {
			return nil
		}
		if err := w.handler.Ingest(ctx, path); err != nil {
			slog.Warn("watch_initial_ingest_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return nil
	})

	go w.translate(ctx)

	for {
		select {
		case <-ctx.Done():
			w.debouncer.Stop()
			return w.fsw.Close()
		case batch := <-w.debouncer.Events():
			w.apply(ctx, batch)
		}
	}
}

// translate converts raw fsnotify events into debounced document events
// and tracks new subdirectories.
func (w *Watcher) translate(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(event.Name)
					continue
				}
			}
			if !supportedExt(event.Name) {
				continue
			}

			var op Operation
			switch {
			case event.Op.Has(fsnotify.Create):
				op = OpCreate
			case event.Op.Has(fsnotify.Write):
				op = OpModify
			case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
				op = OpDelete
			default:
				continue
			}

			w.debouncer.Add(FileEvent{
				Path:      event.Name,
				Operation: op,
				Timestamp: time.Now(),
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

// apply drives the handler for one debounced batch.
func (w *Watcher) apply(ctx context.Context, batch []FileEvent) {
	for _, event := range batch {
		var err error
		switch event.Operation {
		case OpCreate, OpModify:
			err = w.handler.Ingest(ctx, event.Path)
		case OpDelete:
			err = w.handler.Delete(ctx, event.Path)
		}
		if err != nil {
			slog.Warn("watch_event_failed",
				slog.String("path", event.Path),
				slog.String("op", event.Operation.String()),
				slog.String("error", err.Error()))
		}
	}
}

// addRecursive registers dir and all its subdirectories.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}
