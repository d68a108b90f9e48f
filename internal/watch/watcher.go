// Package watch invalidates the in-memory library index when files in a
// watched library root change, so lookups notice staleness immediately
// instead of waiting out the recheck interval.
package watch

import (
	"context"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Invalidator is what the watcher pokes when a library root changes.
// Satisfied by the index store.
type Invalidator interface {
	MarkDirty()
}

// Watcher monitors library roots for source changes.
type Watcher struct {
	logger     *zap.Logger
	target     Invalidator
	extensions []string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a Watcher that marks target dirty on changes to
// files with the given extensions.
func NewWatcher(logger *zap.Logger, target Invalidator, extensions []string) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		logger:     logger,
		target:     target,
		extensions: extensions,
		watcher:    fw,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Watch adds a library root to the watch set. Safe to call while running.
func (w *Watcher) Watch(dir string) error {
	return w.watcher.Add(dir)
}

// Start begins watching. Non-blocking; events are handled in a goroutine
// until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.loop(ctx)
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.logger.Debug("library change detected",
					zap.String("file", event.Name),
					zap.String("op", event.Op.String()))
				w.target.MarkDirty()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	for _, ext := range w.extensions {
		if strings.HasSuffix(event.Name, ext) {
			return true
		}
	}
	return false
}
