package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback receives each successfully reloaded configuration.
type ChangeCallback func(cfg *Config)

// ErrorCallback is called when a reload fails or the watcher reports an error.
type ErrorCallback func(err error)

// Watcher reloads a config file whenever it changes on disk. The parent
// directory is watched so that editors replacing the file by rename are seen.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onChange ChangeCallback
	onError  ErrorCallback

	reloads atomic.Int64

	done chan struct{}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, onChange ChangeCallback) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	dir := filepath.Dir(abs)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot access config directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config parent is not a directory: %s", dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		path:     abs,
		fsw:      fsw,
		onChange: onChange,
		done:     make(chan struct{}),
	}, nil
}

// SetErrorCallback sets a callback for reload and watch errors.
func (w *Watcher) SetErrorCallback(cb ErrorCallback) {
	w.onError = cb
}

// Reloads returns how many times the file was reloaded successfully.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Start watches for changes (blocking).
// Returns when the context is cancelled or Close() is called.
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// a half-written file fails to parse; the next write event retries
		w.report(fmt.Errorf("reload %s: %w", w.path, err))
		return
	}
	w.reloads.Add(1)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

func (w *Watcher) report(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

// Close stops the watcher and signals Start() to return.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.fsw.Close()
}
