package credentials

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher notifies when the credentials file changes on disk, including
// changes made by other processes.
type Watcher struct {
	fsw       *fsnotify.Watcher
	target    string
	onChange  func()
	logger    *zap.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// Watch starts watching the store's directory and calls onChange whenever the
// credentials file is written, replaced, or removed. onChange runs on the
// watcher goroutine.
func (m *Manager) Watch(onChange func()) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("onChange callback is required")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the directory: atomic renames replace the file's inode.
	if err := fsw.Add(filepath.Dir(m.targetPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching credentials dir: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		target:   filepath.Clean(m.targetPath),
		onChange: onChange,
		logger:   m.logger,
		done:     make(chan struct{}),
	}
	go w.loop()

	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				w.logger.Debug("credential store changed",
					zap.String("path", event.Name),
					zap.String("op", event.Op.String()),
				)
				w.onChange()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("credential store watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fsw.Close()
		<-w.done
	})
	return err
}
