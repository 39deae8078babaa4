package cache

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/plauderschnell/internal/eventbus"
	"github.com/codefionn/plauderschnell/internal/logger"
)

// Watcher mirrors external changes to the persistent tier into a Store's
// memory tier. Other processes share the same cache directory; when one of
// them writes or removes a conversation file, the watcher absorbs the change
// and announces it on the event bus.
type Watcher struct {
	store   *Store
	bus     *eventbus.Bus
	watcher *fsnotify.Watcher
	log     *logger.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher starts watching the store's cache directory.
func NewWatcher(store *Store, bus *eventbus.Bus, log *logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create cache watcher: %w", err)
	}
	if err := fsw.Add(store.dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch cache directory: %w", err)
	}
	if log == nil {
		log = logger.Global().WithPrefix("cache-watch")
	}

	w := &Watcher{
		store:   store,
		bus:     bus,
		watcher: fsw,
		log:     log,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("cache watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	id, ok := conversationID(event.Name)
	if !ok {
		return
	}

	switch {
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		if w.store.absorbExternal(id) {
			w.log.Debug("absorbed external write for conversation %s", id)
			w.publish(id, false)
		}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if w.store.forgetExternal(id) {
			w.log.Debug("dropped conversation %s after external removal", id)
			w.publish(id, true)
		}
	}
}

func (w *Watcher) publish(id string, removed bool) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(eventbus.CacheSynced{ConversationID: id, Removed: removed})
}

// conversationID extracts the conversation id from a cache file path,
// ignoring the metadata index, the lock and in-flight temp files.
func conversationID(path string) (string, bool) {
	name := filepath.Base(path)
	if name == metadataFile || name == lockName {
		return "", false
	}
	if !strings.HasSuffix(name, ".json") {
		return "", false
	}
	return strings.TrimSuffix(name, ".json"), true
}
