// Package fmdm maintains the daemon's published state model: one
// authoritative snapshot of every folder, the resident model, and the
// indexing queue. Snapshots carry a monotonically increasing sequence
// number so consumers can detect gaps and re-sync.
package fmdm

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FolderState is the lifecycle state published for a folder.
type FolderState string

const (
	FolderPending          FolderState = "pending"
	FolderScanning         FolderState = "scanning"
	FolderDownloadingModel FolderState = "downloading-model"
	FolderReady            FolderState = "ready"
	FolderIndexing         FolderState = "indexing"
	FolderActive           FolderState = "active"
	FolderError            FolderState = "error"
)

// FolderView is the published state of one folder.
type FolderView struct {
	ID           string      `json:"id"`
	Path         string      `json:"path"`
	ModelID      string      `json:"modelId"`
	State        FolderState `json:"state"`
	Progress     float64     `json:"progress"`
	IndexedFiles int         `json:"indexedFiles"`
	TotalFiles   int         `json:"totalFiles"`
	ErrorCode    string      `json:"errorCode,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// ModelView is the published state of the resident model slot.
type ModelView struct {
	ModelID         string    `json:"modelId"`
	Backend         string    `json:"backend"`
	State           string    `json:"state"`
	DownloadPercent float64   `json:"downloadPercent"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Snapshot is one immutable published state. Seq increases by exactly one
// per publication.
type Snapshot struct {
	Seq        uint64       `json:"seq"`
	Daemon     string       `json:"daemon"`
	Model      ModelView    `json:"model"`
	Folders    []FolderView `json:"folders"`
	QueueDepth int          `json:"queueDepth"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

const subscriberBuffer = 32

// progressRate caps progress-only republications per folder; state changes
// always publish.
var progressRate = rate.Limit(10)

type subscriber struct {
	ch chan Snapshot
}

// Broadcaster owns the state model and fans snapshots out to subscribers.
// A slow subscriber loses intermediate snapshots, never the latest: on
// overflow the oldest queued snapshot is dropped. Every snapshot is
// complete, so the next delivery fully re-syncs the consumer.
type Broadcaster struct {
	mu         sync.Mutex
	seq        uint64
	daemon     string
	model      ModelView
	folders    map[string]FolderView
	queueDepth int

	progressLimits map[string]*rate.Limiter

	nextSubID int
	subs      map[int]*subscriber
}

// NewBroadcaster starts with an empty model and daemon status "starting".
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		daemon:         "starting",
		folders:        make(map[string]FolderView),
		progressLimits: make(map[string]*rate.Limiter),
		subs:           make(map[int]*subscriber),
	}
}

// Subscribe registers a consumer. The returned channel is primed with the
// current snapshot so new consumers bootstrap without a separate fetch.
// Cancel must be called to release the subscription.
func (b *Broadcaster) Subscribe() (<-chan Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++
	sub := &subscriber{ch: make(chan Snapshot, subscriberBuffer)}
	b.subs[id] = sub
	sub.ch <- b.snapshotLocked()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Current returns the latest snapshot without subscribing.
func (b *Broadcaster) Current() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// SetDaemonStatus publishes a new daemon status string.
func (b *Broadcaster) SetDaemonStatus(status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.daemon = status
	b.publishLocked()
}

// SetModel publishes the resident model slot state.
func (b *Broadcaster) SetModel(v ModelView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v.UpdatedAt = time.Now()
	b.model = v
	b.publishLocked()
}

// SetFolder publishes a folder's state. Progress-only updates (same state,
// new numbers) are rate limited per folder; anything else publishes
// immediately.
func (b *Broadcaster) SetFolder(v FolderView) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, existed := b.folders[v.ID]
	progressOnly := existed && prev.State == v.State && prev.ErrorCode == v.ErrorCode

	v.UpdatedAt = time.Now()
	b.folders[v.ID] = v

	if progressOnly {
		lim, ok := b.progressLimits[v.ID]
		if !ok {
			lim = rate.NewLimiter(progressRate, 1)
			b.progressLimits[v.ID] = lim
		}
		if !lim.Allow() {
			// State is recorded; the next publication carries it.
			return
		}
	}
	b.publishLocked()
}

// RemoveFolder drops a folder from the model.
func (b *Broadcaster) RemoveFolder(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.folders, id)
	delete(b.progressLimits, id)
	b.publishLocked()
}

// SetQueueDepth publishes the indexing queue depth.
func (b *Broadcaster) SetQueueDepth(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queueDepth == n {
		return
	}
	b.queueDepth = n
	b.publishLocked()
}

// Folder returns the published view of one folder.
func (b *Broadcaster) Folder(id string) (FolderView, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.folders[id]
	return v, ok
}

// Close drops all subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

func (b *Broadcaster) snapshotLocked() Snapshot {
	folders := make([]FolderView, 0, len(b.folders))
	for _, v := range b.folders {
		folders = append(folders, v)
	}
	slices.SortFunc(folders, func(a, c FolderView) int {
		switch {
		case a.ID < c.ID:
			return -1
		case a.ID > c.ID:
			return 1
		default:
			return 0
		}
	})
	return Snapshot{
		Seq:        b.seq,
		Daemon:     b.daemon,
		Model:      b.model,
		Folders:    folders,
		QueueDepth: b.queueDepth,
		UpdatedAt:  time.Now(),
	}
}

func (b *Broadcaster) publishLocked() {
	b.seq++
	snap := b.snapshotLocked()
	for _, s := range b.subs {
		for {
			select {
			case s.ch <- snap:
			default:
				// Full queue: evict the oldest snapshot and retry. The
				// subscriber skips ahead rather than stalling the daemon.
				select {
				case <-s.ch:
				default:
				}
				continue
			}
			break
		}
	}
}
