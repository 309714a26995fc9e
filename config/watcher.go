package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/99souls/pulse/types"
)

// Change carries one successful hot reload.
type Change struct {
	Config Config
	Path   string
}

// Watcher re-reads the config file on filesystem writes and emits validated
// configs. Invalid intermediate states (partial writes, bad edits) are
// reported on the error channel and the previous config stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
}

// NewWatcher sets up a filesystem watch on the config file's directory
// (watching the directory survives editors that replace the file).
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, types.WrapError(types.ErrResourceUnavailable, err, "create fs watcher")
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, types.WrapError(types.ErrResourceUnavailable, err, "watch %s", path)
	}
	return &Watcher{path: path, watcher: fsw}, nil
}

// Watch emits reloads until ctx is done. Both channels close on return.
func (w *Watcher) Watch(ctx context.Context) (<-chan Change, <-chan error) {
	changes := make(chan Change, 4)
	errs := make(chan error, 4)

	go func() {
		defer close(changes)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(w.path)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					continue
				}
				select {
				case changes <- Change{Config: cfg, Path: w.path}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				select {
				case errs <- err:
				default:
				}
			}
		}
	}()
	return changes, errs
}

// Close releases the filesystem watch.
func (w *Watcher) Close() error { return w.watcher.Close() }
