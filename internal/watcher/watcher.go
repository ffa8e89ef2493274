// Package watcher turns fsnotify events under the project root into
// debounced add/change/unlink events.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/kiln/internal/logging"
)

// Op is the kind of change.
type Op string

const (
	OpAdd    Op = "add"
	OpChange Op = "change"
	OpUnlink Op = "unlink"
)

// Event is one debounced file change.
type Event struct {
	Op   Op
	Path string
}

// Handler receives a batch of events, at most one per path.
type Handler func(ctx context.Context, events []Event)

// DefaultIgnore lists directories that are never watched.
var DefaultIgnore = []string{".git", "node_modules", ".kiln-build-*"}

// FileWatcher watches a directory tree with debouncing.
type FileWatcher struct {
	root      string
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	ignore    []string
	handlers  []Handler
	logger    logging.Logger
	mutex     sync.RWMutex
}

// Debouncer groups rapid file changes together.
type Debouncer struct {
	delay   time.Duration
	events  chan Event
	output  chan []Event
	timer   *time.Timer
	pending map[string]Op
	mutex   sync.Mutex
}

// NewFileWatcher creates a watcher for root. ignore holds glob patterns
// matched against base names and root-relative paths.
func NewFileWatcher(root string, debounceDelay time.Duration, ignore []string, logger logging.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FileWatcher{
		root:      root,
		watcher:   w,
		debouncer: newDebouncer(debounceDelay),
		ignore:    append(append([]string{}, DefaultIgnore...), ignore...),
		logger:    logging.OrNop(logger).WithComponent("watcher"),
	}, nil
}

func newDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		events:  make(chan Event, 256),
		output:  make(chan []Event, 16),
		pending: make(map[string]Op),
	}
}

// AddHandler adds a change handler.
func (fw *FileWatcher) AddHandler(handler Handler) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

// AddPath watches a single file or directory outside the tree, such as a
// config file or a file a plugin asked to watch.
func (fw *FileWatcher) AddPath(path string) error {
	return fw.watcher.Add(filepath.Clean(path))
}

// Ignored reports whether path matches an ignore pattern.
func (fw *FileWatcher) Ignored(path string) bool {
	return Match(fw.ignore, fw.root, path)
}

// Match reports whether path, or any of its directories below root,
// matches one of patterns.
func Match(patterns []string, root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = path
	}
	rel = filepath.ToSlash(rel)
	parts := strings.Split(rel, "/")
	for _, pattern := range patterns {
		pattern = strings.TrimSuffix(filepath.ToSlash(pattern), "/")
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if strings.Contains(pattern, "/") {
			if ok, _ := filepath.Match(strings.TrimPrefix(pattern, "**/"), rel); ok {
				return true
			}
			continue
		}
		for _, part := range parts {
			if ok, _ := filepath.Match(pattern, part); ok {
				return true
			}
		}
	}
	return false
}

// AddRecursive watches root and every directory below it that is not ignored.
func (fw *FileWatcher) AddRecursive() error {
	return filepath.WalkDir(fw.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != fw.root && fw.Ignored(path) {
			return filepath.SkipDir
		}
		return fw.watcher.Add(path)
	})
}

// Start runs the watch loop until ctx is done.
func (fw *FileWatcher) Start(ctx context.Context) error {
	if err := fw.AddRecursive(); err != nil {
		return err
	}
	go fw.debouncer.start(ctx)
	go fw.processEvents(ctx)
	go fw.watchLoop(ctx)
	return nil
}

// Stop stops the file watcher and cleans up resources.
func (fw *FileWatcher) Stop() error {
	fw.debouncer.mutex.Lock()
	if fw.debouncer.timer != nil {
		fw.debouncer.timer.Stop()
	}
	fw.debouncer.mutex.Unlock()
	return fw.watcher.Close()
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn(ctx, err, "File watcher error")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	if fw.Ignored(event.Name) {
		return
	}

	var op Op
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			// New directories are watched; their files arrive as events.
			if err := fw.watcher.Add(event.Name); err != nil {
				fw.logger.Warn(context.Background(), err, "Cannot watch new directory", "path", event.Name)
			}
			return
		}
		op = OpAdd
	case event.Op&fsnotify.Write == fsnotify.Write:
		op = OpChange
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		op = OpUnlink
	default:
		return
	}

	select {
	case fw.debouncer.events <- Event{Op: op, Path: event.Name}:
	default:
		fw.logger.Warn(context.Background(), nil, "Dropping file event, queue full", "path", event.Name)
	}
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-fw.debouncer.output:
			fw.mutex.RLock()
			handlers := fw.handlers
			fw.mutex.RUnlock()

			for _, handler := range handlers {
				handler(ctx, events)
			}
		}
	}
}

func (d *Debouncer) start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.addEvent(event)
		}
	}
}

func (d *Debouncer) addEvent(event Event) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pending[event.Path] = merge(d.pending[event.Path], event.Op)

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.flush)
}

// merge folds a new op into the pending op for the same path. A file that
// was added and then written is still an add; a file that came back after
// being removed has changed.
func merge(prev, next Op) Op {
	switch {
	case prev == "":
		return next
	case prev == OpAdd && next == OpChange:
		return OpAdd
	case prev == OpUnlink && next == OpAdd:
		return OpChange
	default:
		return next
	}
}

func (d *Debouncer) flush() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.pending) == 0 {
		return
	}

	events := make([]Event, 0, len(d.pending))
	for path, op := range d.pending {
		events = append(events, Event{Op: op, Path: path})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })

	select {
	case d.output <- events:
	default:
		// Channel full, skip
	}

	d.pending = make(map[string]Op)
}
