// Package scheduler grants exactly one folder at a time exclusive use of
// the resident embedding model. Admission is FIFO; a folder already queued
// or currently driving is never queued twice. The scheduler never unloads
// eagerly: the next folder's own load request decides whether a swap is
// needed, so consecutive folders sharing a model reload nothing.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/semfold/semfold/internal/folder"
	"github.com/semfold/semfold/internal/model"
)

type entry struct {
	ctrl       *folder.Controller
	reason     folder.Reason
	enqueuedAt time.Time
}

// Options wires the scheduler's collaborators.
type Options struct {
	Gate *model.Gate

	// OnQueueDepth observes queue depth changes. Must not block.
	OnQueueDepth func(int)

	// OnDownload observes weight download progress during a load the
	// scheduler itself triggers.
	OnDownload model.DownloadProgressFunc

	Logger *slog.Logger
}

// Scheduler is the global indexing queue.
type Scheduler struct {
	gate       *model.Gate
	onDepth    func(int)
	onDownload model.DownloadProgressFunc
	logger     *slog.Logger

	mu     sync.Mutex
	queue  []entry
	queued map[string]struct{}
	driver *folder.Controller
	paused bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped scheduler; call Start to begin granting.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		gate:       opts.Gate,
		onDepth:    opts.OnQueueDepth,
		onDownload: opts.OnDownload,
		logger:     opts.Logger,
		queued:     make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the grant loop.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
}

// Stop halts the grant loop. Folders holding a grant keep it until they
// release; no new grants are issued.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Enqueue adds a folder to the queue. Idempotent: a folder already queued
// or currently driving is ignored.
func (s *Scheduler) Enqueue(c *folder.Controller, reason folder.Reason) {
	s.mu.Lock()
	if _, dup := s.queued[c.Path()]; dup || s.driver == c {
		s.mu.Unlock()
		return
	}
	s.queued[c.Path()] = struct{}{}
	s.queue = append(s.queue, entry{ctrl: c, reason: reason, enqueuedAt: time.Now()})
	depth := len(s.queue)
	s.mu.Unlock()

	s.logger.Debug("folder queued",
		slog.String("folder", c.Path()),
		slog.String("reason", string(reason)),
		slog.Int("depth", depth))
	s.publishDepth(depth)
	s.wakeUp()
}

// Remove cancels a folder's pending queue entry. A driving folder is not
// touched here; cancelling its controller releases the grant.
func (s *Scheduler) Remove(path string) {
	s.mu.Lock()
	if _, ok := s.queued[path]; ok {
		delete(s.queued, path)
		for i, e := range s.queue {
			if e.ctrl.Path() == path {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
	depth := len(s.queue)
	s.mu.Unlock()
	s.publishDepth(depth)
}

// CurrentDriver returns the folder holding the grant, or nil.
func (s *Scheduler) CurrentDriver() *folder.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

// QueueDepth returns the number of waiting entries.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Pause stops new grants from being issued. The preemption controller
// pauses the scheduler for the duration of a model swap so a fresh grant
// cannot steal the model out from under a search.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables grants.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.wakeUp()
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		s.grantNext(ctx)
	}
}

// grantNext pops queue heads until a grant sticks or the queue drains.
// A model load failure sends that folder to error and advances.
func (s *Scheduler) grantNext(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.paused || s.driver != nil || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, e.ctrl.Path())
		s.driver = e.ctrl
		depth := len(s.queue)
		s.mu.Unlock()
		s.publishDepth(depth)

		c := e.ctrl
		s.logger.Info("granting drive access",
			slog.String("folder", c.Path()),
			slog.String("model", c.ModelID()))

		if _, err := s.gate.RequestLoad(ctx, c.ModelID(), s.onDownload); err != nil {
			s.logger.Error("model load failed, advancing queue",
				slog.String("folder", c.Path()),
				slog.String("model", c.ModelID()),
				slog.String("error", err.Error()))
			c.DriveRefused(err)
			s.mu.Lock()
			s.driver = nil
			s.mu.Unlock()
			continue
		}

		// A search may have paused the scheduler while the load was in
		// flight. Handing out the grant now would let the folder drive
		// against a model the search is about to swap away, so withdraw
		// it and put the folder back at the head of the queue instead.
		s.mu.Lock()
		if s.paused {
			s.driver = nil
			s.queue = append([]entry{e}, s.queue...)
			s.queued[c.Path()] = struct{}{}
			depth = len(s.queue)
			s.mu.Unlock()
			s.publishDepth(depth)
			s.logger.Info("grant withdrawn, scheduler paused mid-load",
				slog.String("folder", c.Path()))
			return
		}
		s.mu.Unlock()

		c.Grant(func() { s.release(c) })
		return
	}
}

// release returns the drive and advances the queue. The model stays loaded.
func (s *Scheduler) release(c *folder.Controller) {
	s.mu.Lock()
	if s.driver == c {
		s.driver = nil
	}
	s.mu.Unlock()
	s.logger.Debug("drive released", slog.String("folder", c.Path()))
	s.wakeUp()
}

func (s *Scheduler) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publishDepth(depth int) {
	if s.onDepth != nil {
		s.onDepth(depth)
	}
}
