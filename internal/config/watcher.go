package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"conductor/internal/errs"
	"conductor/internal/logging"
)

// Watcher reloads the config file when it changes on disk and hands each
// successfully parsed result to the callback. Invalid intermediate saves are
// logged and skipped; the last good settings stay in effect.
type Watcher struct {
	fw   *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching path. The directory is watched rather than the file
// itself so editors that replace-on-save (rename over the file) still trigger
// a reload.
func Watch(path string, logger *logging.Logger, onChange func(Settings)) (*Watcher, error) {
	const op = errs.Op("config.Watch")

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.E(op, err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, errs.E(op, err)
	}

	w := &Watcher{fw: fw, done: make(chan struct{})}
	base := filepath.Base(path)

	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				settings, err := Load(path)
				if err != nil {
					if logger != nil {
						logger.Warn("config reload failed", map[string]string{
							"path":  path,
							"error": err.Error(),
						})
					}
					continue
				}
				if logger != nil {
					logger.Info("config reloaded", map[string]string{"path": path})
				}
				onChange(settings)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn("config watcher error", map[string]string{"error": err.Error()})
				}
			}
		}
	}()
	return w, nil
}

// Close stops watching and waits for the event loop to drain.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
