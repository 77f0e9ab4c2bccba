package demo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

func (d *Demo) newWatcher() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(d.watchDir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", d.watchDir, err)
	}
	return w, nil
}

// watch turns file events into resource notifications: content changes become resource
// updates, files appearing or disappearing publish a rebuilt registry.
func (d *Demo) watch(ctx context.Context, w *fsnotify.Watcher, pub Publisher) {
	defer func() {
		_ = w.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.publishRegistry(pub)
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if fi, err := os.Stat(ev.Name); err != nil || !fi.Mode().IsRegular() {
					continue
				}
				uri, err := fileURI(ev.Name)
				if err != nil {
					continue
				}
				n := pub.NotifyResourceUpdated(uri)
				d.logger.Debug("file changed", slog.String("uri", uri), slog.Int("notified", n))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", slog.String("err", err.Error()))
		}
	}
}

func (d *Demo) publishRegistry(pub Publisher) {
	reg, err := d.Registry()
	if err != nil {
		d.logger.Error("failed to rebuild registry", slog.String("err", err.Error()))
		return
	}
	pub.UpdateRegistry(reg)
}

// fileURI maps a path to its file:// resource URI.
func fileURI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}
