package watcher

import (
	"log/slog"
	"sync"
	"time"
)

// debouncer coalesces rapid events per path before emitting them as one
// batch. Coalescing rules:
//   - CREATE then MODIFY keeps CREATE (the file is still new)
//   - CREATE then DELETE cancels out
//   - MODIFY then DELETE keeps DELETE
//   - DELETE then CREATE becomes MODIFY (the file was replaced)
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]Event
	timer   *time.Timer
	out     chan []Event
	stopped bool
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window:  window,
		pending: make(map[string]Event),
		out:     make(chan []Event, 8),
	}
}

func (d *debouncer) add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if prev, ok := d.pending[ev.Path]; ok {
		merged, keep := mergeOps(prev, ev)
		if !keep {
			delete(d.pending, ev.Path)
		} else {
			d.pending[ev.Path] = merged
		}
	} else {
		d.pending[ev.Path] = ev
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func mergeOps(prev, next Event) (Event, bool) {
	switch prev.Op {
	case OpCreate:
		switch next.Op {
		case OpModify:
			return prev, true
		case OpDelete:
			return Event{}, false
		}
	case OpDelete:
		if next.Op == OpCreate {
			next.Op = OpModify
			return next, true
		}
	}
	return next, true
}

func (d *debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]Event, 0, len(d.pending))
	for _, ev := range d.pending {
		batch = append(batch, ev)
	}
	d.pending = make(map[string]Event)

	select {
	case d.out <- batch:
	default:
		slog.Warn("debounce output full, dropping batch", "batch_size", len(batch))
	}
}

func (d *debouncer) output() <-chan []Event {
	return d.out
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.out)
}
