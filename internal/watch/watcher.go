// Package watch republishes the served snapshot when the served directory
// changes on disk.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"patchd/internal/snapshot"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Publisher builds and installs a new snapshot.
type Publisher interface {
	Publish(ctx context.Context) (*snapshot.Snapshot, error)
}

// Watcher coalesces filesystem events under a root into republish calls.
// Events arriving within Debounce of each other trigger one publish.
type Watcher struct {
	root      string
	debounce  time.Duration
	ignore    func(rel string) bool
	publisher Publisher
	watcher   *fsnotify.Watcher
	logger    *zap.Logger
}

// New watches root and every directory below it that ignore does not
// reject. ignore receives slash-separated paths relative to root.
func New(root string, debounce time.Duration, ignore func(rel string) bool, publisher Publisher, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		root:      root,
		debounce:  debounce,
		ignore:    ignore,
		publisher: publisher,
		watcher:   fw,
		logger:    logger,
	}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// addTree adds dir and its subdirectories to the watch list.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The directory may have vanished between event and walk.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.rel(path); ok && rel != "" && w.ignore(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("adding directory to watcher: %w", err)
		}
		return nil
	})
}

func (w *Watcher) rel(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return filepath.ToSlash(rel), true
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("Failed to watch new directory",
							zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			w.logger.Debug("Change detected",
				zap.String("path", event.Name), zap.Stringer("op", event.Op))
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			if _, err := w.publisher.Publish(ctx); err != nil {
				w.logger.Error("Republish after change failed", zap.Error(err))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	rel, ok := w.rel(event.Name)
	if !ok || rel == "" {
		return false
	}
	return !w.ignore(rel)
}
