// Package watcher emits batched change notifications for a watched folder.
// Raw fsnotify events are coalesced through a debounce window so that a
// burst of writes triggers a single re-index pass.
package watcher

import (
	"context"
	"time"
)

// Op classifies a file change.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
	OpRename
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// Event is one coalesced file change, with Path relative to the watch root.
type Event struct {
	Path  string
	Op    Op
	IsDir bool
	At    time.Time
}

// Watcher watches one folder recursively and delivers debounced batches.
type Watcher interface {
	// Start blocks, pumping events until the context is cancelled or Stop
	// is called.
	Start(ctx context.Context, root string) error
	Stop() error

	// Events delivers debounced batches. Closed when the watcher stops.
	Events() <-chan []Event

	// Errors carries non-fatal watch errors; the watcher keeps running.
	Errors() <-chan error
}

// Options tunes debouncing and buffering.
type Options struct {
	DebounceWindow  time.Duration
	EventBufferSize int
}

// WithDefaults fills zero values.
func (o Options) WithDefaults() Options {
	if o.DebounceWindow == 0 {
		o.DebounceWindow = 200 * time.Millisecond
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = 256
	}
	return o
}
