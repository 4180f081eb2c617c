package syncengine

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher maps filesystem events under the cache directories to mutation
// notifications. Writes the cache made itself are filtered out via the
// suppress callback so applied pulls do not loop back into pushes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	suppress func(path string) bool
	notify   func(reason string)
	log      *zap.SugaredLogger
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewWatcher(dirs []string, suppress func(path string) bool, notify func(reason string), logger *zap.SugaredLogger) (*Watcher, error) {
	if notify == nil {
		return nil, fmt.Errorf("syncengine: notify callback is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("syncengine: create watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("syncengine: watch %s: %w", dir, err)
		}
	}
	w := &Watcher{
		watcher:  fw,
		suppress: suppress,
		notify:   notify,
		log:      logger,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

// Close stops the event loop and blocks until it has exited.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	name := filepath.Base(event.Name)
	if strings.HasSuffix(name, ".tmp") {
		return
	}
	if w.suppress != nil && w.suppress(event.Name) {
		return
	}
	w.notify("file:" + name)
}
