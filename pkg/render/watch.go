package render

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher signals when the template file changes
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	changes chan struct{}
}

// Watch starts watching the template at path. The parent directory is
// watched so editors that replace the file are also noticed.
func Watch(ctx context.Context, path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}

	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		watcher: fw,
		path:    abs,
		changes: make(chan struct{}, 1),
	}
	go w.run(ctx)

	log.Debug("Watching template", "path", abs)
	return w, nil
}

// Changes delivers at most one pending notification
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Info("Template modified", "path", w.path, "op", event.Op.String())
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error("Template watcher error", "err", err)
		case <-ctx.Done():
			return
		}
	}
}
