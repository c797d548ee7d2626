package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/wisync/internal/cache"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new item document was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing item document was rewritten.
	OpModify
	// OpDelete indicates an item document was removed.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ItemEvent is a change to one cached item document.
type ItemEvent struct {
	// Path is the absolute path to the document that changed.
	Path string
	// Type is the item type, taken from the partition directory.
	Type string
	// ID is the unescaped item id.
	ID string
	// Op is the operation that occurred.
	Op EventOp
}

// FileWatcher watches the per-type item directories of a file cache.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	itemsDir string
	events   chan ItemEvent
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	watched  map[string]string // absolute dir -> type
}

// NewFileWatcher creates a watcher for the item directories under
// itemsDir. The watcher must be started before it emits events.
func NewFileWatcher(itemsDir string) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(itemsDir)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve %s: %w", itemsDir, err)
	}
	return &FileWatcher{
		watcher:  watcher,
		itemsDir: abs,
		events:   make(chan ItemEvent, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		watched:  make(map[string]string),
	}, nil
}

// Start begins watching the directory of every given type, creating
// missing directories.
func (fw *FileWatcher) Start(itemTypes []string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	if len(itemTypes) == 0 {
		return fmt.Errorf("no item types to watch")
	}

	for _, typ := range itemTypes {
		dir := filepath.Join(fw.itemsDir, typ)
		if err := os.MkdirAll(dir, 0755); err != nil {
			fw.unwatchAll()
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := fw.watcher.Add(dir); err != nil {
			fw.unwatchAll()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		fw.watched[dir] = typ
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()
	return nil
}

// unwatchAll must be called with mu held.
func (fw *FileWatcher) unwatchAll() {
	for dir := range fw.watched {
		_ = fw.watcher.Remove(dir)
		delete(fw.watched, dir)
	}
}

// Stop stops watching and blocks until the event loop has exited. The
// event and error channels are closed afterwards.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)
	return nil
}

// Events returns the channel of item events.
func (fw *FileWatcher) Events() <-chan ItemEvent {
	return fw.events
}

// Errors returns the channel of watcher errors.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if itemEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- itemEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to an ItemEvent. Temporary files
// written during atomic saves, and anything that is not an item document
// in a watched directory, are ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (ItemEvent, bool) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, cache.ItemExt) {
		return ItemEvent{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return ItemEvent{}, false
	}
	fw.mu.Lock()
	typ, ok := fw.watched[filepath.Dir(abs)]
	fw.mu.Unlock()
	if !ok {
		return ItemEvent{}, false
	}

	id, err := cache.UnescapeID(strings.TrimSuffix(name, cache.ItemExt))
	if err != nil {
		return ItemEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return ItemEvent{}, false
	}

	return ItemEvent{Path: abs, Type: typ, ID: id, Op: op}, true
}
