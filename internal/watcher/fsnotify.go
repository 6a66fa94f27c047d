package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSWatcher is the fsnotify-backed Watcher. fsnotify is not recursive on
// its own, so every directory under the root is registered individually
// and new directories are added as their create events arrive.
type FSWatcher struct {
	fsw      *fsnotify.Watcher
	deb      *debouncer
	events   chan []Event
	errs     chan error
	stopCh   chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool
	root     string
	opts     Options
}

var _ Watcher = (*FSWatcher)(nil)

// NewFSWatcher allocates a watcher; watching begins on Start.
func NewFSWatcher(opts Options) (*FSWatcher, error) {
	opts = opts.WithDefaults()
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &FSWatcher{
		fsw:    fsw,
		deb:    newDebouncer(opts.DebounceWindow),
		events: make(chan []Event, opts.EventBufferSize),
		errs:   make(chan error, 8),
		stopCh: make(chan struct{}),
		opts:   opts,
	}, nil
}

func (w *FSWatcher) Start(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve watch root: %w", err)
	}
	w.root = abs

	if err := w.addRecursive(abs); err != nil {
		return fmt.Errorf("register watch dirs: %w", err)
	}

	go w.forwardBatches(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

func (w *FSWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()

		close(w.stopCh)
		w.deb.stop()
		err = w.fsw.Close()
		close(w.events)
		close(w.errs)
	})
	return err
}

func (w *FSWatcher) Events() <-chan []Event { return w.events }
func (w *FSWatcher) Errors() <-chan error   { return w.errs }

func (w *FSWatcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		rel = ev.Name
	}
	if hiddenPath(rel) {
		return
	}

	isDir := false
	if info, err := os.Stat(ev.Name); err == nil {
		isDir = info.IsDir()
	}

	var op Op
	switch {
	case ev.Op&fsnotify.Create != 0:
		op = OpCreate
		if isDir {
			// Watch new subtrees as they appear.
			_ = w.addRecursive(ev.Name)
		}
	case ev.Op&fsnotify.Write != 0:
		op = OpModify
	case ev.Op&fsnotify.Remove != 0:
		op = OpDelete
	case ev.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		// Chmod and friends are irrelevant for indexing.
		return
	}

	w.deb.add(Event{Path: rel, Op: op, IsDir: isDir, At: time.Now()})
}

func (w *FSWatcher) forwardBatches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case batch, ok := <-w.deb.output():
			if !ok {
				return
			}
			w.emitBatch(batch)
		}
	}
}

func (w *FSWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(w.root, path)
		if rel != "." && hiddenPath(rel) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *FSWatcher) emitBatch(batch []Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return
	}
	select {
	case w.events <- batch:
	default:
		w.emitErrorLocked(fmt.Errorf("event buffer full, dropped batch of %d", len(batch)))
	}
}

func (w *FSWatcher) emitError(err error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return
	}
	w.emitErrorLocked(err)
}

func (w *FSWatcher) emitErrorLocked(err error) {
	select {
	case w.errs <- err:
	default:
	}
}

// hiddenPath reports whether any element of the relative path starts with
// a dot. Mirrors the scanner's skip rule so watch events and scans agree.
func hiddenPath(rel string) bool {
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return false
}
