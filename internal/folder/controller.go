// Package folder drives one registered folder through its indexing
// lifecycle: scan, optional model-weights download, queued wait, indexing
// under an exclusive scheduler grant, and the active steady state with a
// file watcher armed. Each controller is a single goroutine reacting to
// triggers; indexing yields between file units so a search can suspend it.
package folder

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	dmerrors "github.com/semfold/semfold/internal/errors"
	"github.com/semfold/semfold/internal/model"
	"github.com/semfold/semfold/internal/source"
	"github.com/semfold/semfold/internal/store"
	"github.com/semfold/semfold/internal/watcher"
)

// Embedder turns chunk text into vectors for a specific model. Satisfied
// by model.Manager.
type Embedder interface {
	Embed(ctx context.Context, expectedModelID string, texts []string) ([][]float32, error)
}

// ModelPreparer answers whether a model's weights are on disk and fetches
// them when they are not. Satisfied by model.Manager.
type ModelPreparer interface {
	WeightsReady(modelID string) (bool, error)
	EnsureWeights(ctx context.Context, modelID string, progressFn model.DownloadProgressFunc) error
}

// Enqueuer accepts a folder that has work and awaits a drive grant.
// Satisfied by the indexing scheduler.
type Enqueuer interface {
	Enqueue(c *Controller, reason Reason)
}

// Config identifies the folder and tunes its background checks.
type Config struct {
	Path    string
	ModelID string

	// ExistenceCheckInterval bounds how long a deleted folder can go
	// unnoticed. Filesystem delete events are unreliable cross-platform,
	// so a periodic stat is the authority.
	ExistenceCheckInterval time.Duration

	WatchDebounce time.Duration
}

// Deps are the controller's collaborators.
type Deps struct {
	Source   source.Source
	Index    store.FolderIndex
	Embedder Embedder
	Models   ModelPreparer
	Queue    Enqueuer

	// OnStatus receives every status change. Must not block.
	OnStatus func(Status)

	// NewWatcher builds the file watcher; nil disables watching.
	NewWatcher func() (watcher.Watcher, error)

	Logger *slog.Logger
}

type trigger int

const (
	triggerScan trigger = iota
	triggerRetry
)

// grantMsg carries a scheduler grant into the run loop. release must be
// called exactly once when the drive completes or fails.
type grantMsg struct {
	release func()
}

// suspendReq is the preemption handshake. The controller closes ack at its
// next yield point and then blocks until resume is closed.
type suspendReq struct {
	ack    chan struct{}
	resume chan struct{}
}

// indexPlan is the output of a scan: what to embed and what to drop.
type indexPlan struct {
	toIndex  []source.FileInfo
	toDelete []string
}

func (p *indexPlan) empty() bool {
	return len(p.toIndex) == 0 && len(p.toDelete) == 0
}

// Controller is the lifecycle state machine for one folder.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	status Status
	plan   *indexPlan

	triggers  chan trigger
	grants    chan grantMsg
	suspendCh chan *suspendReq

	rescanPending bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a controller in pending state. Call Start to run it.
func NewController(cfg Config, deps Deps) *Controller {
	if cfg.ExistenceCheckInterval <= 0 {
		cfg.ExistenceCheckInterval = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(slog.String("folder", cfg.Path)),
		status: Status{
			Path:    cfg.Path,
			ModelID: cfg.ModelID,
			State:   StatePending,
		},
		triggers:  make(chan trigger, 4),
		grants:    make(chan grantMsg, 1),
		suspendCh: make(chan *suspendReq, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the run loop and requests the initial scan.
func (c *Controller) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	c.triggers <- triggerScan
}

// Stop cancels the controller and waits for the run loop to exit.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

// Status returns the current status snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Path returns the folder path, the controller's identity.
func (c *Controller) Path() string { return c.cfg.Path }

// ModelID returns the embedding model assigned to this folder.
func (c *Controller) ModelID() string { return c.cfg.ModelID }

// Retry re-enters the lifecycle from error. Any other state rejects it.
func (c *Controller) Retry() error {
	if err := c.transition(StateError, StatePending); err != nil {
		return err
	}
	c.triggers <- triggerRetry
	return nil
}

// RequestScan asks an active folder to rescan. Used by the daemon when a
// change is reported externally; internal watch events arrive directly.
func (c *Controller) RequestScan() {
	select {
	case c.triggers <- triggerScan:
	default:
	}
}

// Grant hands the controller exclusive drive access. The scheduler calls
// this once the folder's model is resident; release returns the drive.
func (c *Controller) Grant(release func()) {
	c.grants <- grantMsg{release: release}
}

// DriveRefused reports that the scheduler could not make this folder's
// model resident. The folder moves to error with the load failure verbatim.
func (c *Controller) DriveRefused(err error) {
	c.fail(err)
}

// Suspend asks an indexing controller to pause at its next file boundary.
// It blocks until the controller acknowledges or ctx expires; on success
// the returned resume function unblocks the controller. The in-flight file
// unit is never interrupted.
func (c *Controller) Suspend(ctx context.Context) (resume func(), err error) {
	req := &suspendReq{
		ack:    make(chan struct{}),
		resume: make(chan struct{}),
	}
	select {
	case c.suspendCh <- req:
	case <-ctx.Done():
		return nil, dmerrors.Newf(dmerrors.ErrCodePreemptionTimeout,
			"folder %s did not accept suspend request", c.cfg.Path)
	}

	select {
	case <-req.ack:
		var once sync.Once
		return func() { once.Do(func() { close(req.resume) }) }, nil
	case <-ctx.Done():
		// Withdraw the request if it is still pending, and release the
		// resume latch either way so a controller that acknowledged just
		// after the deadline continues instead of stalling forever.
		select {
		case <-c.suspendCh:
		default:
		}
		close(req.resume)
		return nil, dmerrors.Newf(dmerrors.ErrCodePreemptionTimeout,
			"folder %s did not reach a yield point in time", c.cfg.Path)
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	existTicker := time.NewTicker(c.cfg.ExistenceCheckInterval)
	defer existTicker.Stop()

	watchEvents := c.startWatcher(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-c.triggers:
			switch tr {
			case triggerScan, triggerRetry:
				c.scan(ctx)
			}
		case g := <-c.grants:
			c.drive(ctx, g)
		case batch, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			c.onWatchBatch(len(batch))
		case <-existTicker.C:
			c.checkExistence()
		}
	}
}

func (c *Controller) startWatcher(ctx context.Context) <-chan []watcher.Event {
	if c.deps.NewWatcher == nil {
		return nil
	}
	w, err := c.deps.NewWatcher()
	if err != nil {
		c.logger.Warn("file watcher unavailable, relying on manual rescan", "error", err)
		return nil
	}
	go func() {
		if err := w.Start(ctx, c.cfg.Path); err != nil && ctx.Err() == nil {
			c.logger.Warn("file watcher stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = w.Stop()
	}()
	return w.Events()
}

// onWatchBatch reacts to a change notification: an active folder rescans
// immediately, any other state remembers that a rescan is owed.
func (c *Controller) onWatchBatch(changed int) {
	c.mu.Lock()
	state := c.status.State
	if state != StateActive {
		c.rescanPending = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Debug("watch events received", slog.Int("changed", changed))
	c.scanFromActive()
}

func (c *Controller) scanFromActive() {
	select {
	case c.triggers <- triggerScan:
	default:
	}
}

// scan runs the scanning phase: enumerate, fingerprint, diff, then route
// to downloading-model, ready, or active.
func (c *Controller) scan(ctx context.Context) {
	from := c.Status().State
	if from != StatePending && from != StateActive {
		c.logger.Debug("scan trigger ignored", slog.String("state", string(from)))
		return
	}
	if err := c.transition(from, StateScanning); err != nil {
		return
	}

	infos, err := c.deps.Source.Scan(ctx, c.cfg.Path)
	if err != nil {
		c.fail(dmerrors.Wrap(dmerrors.ErrCodeScanFailed, err))
		return
	}

	known, err := c.deps.Index.Fingerprints(ctx)
	if err != nil {
		c.fail(err)
		return
	}

	plan := diff(infos, known)
	if plan.empty() {
		c.setPlan(nil)
		if err := c.transition(StateScanning, StateActive); err == nil {
			c.logger.Info("scan found no changes")
		}
		// A change notification that arrived mid-scan describes content
		// the fingerprints just taken may not cover; honor it now.
		c.consumeRescan()
		return
	}

	c.logger.Info("scan complete",
		slog.Int("to_index", len(plan.toIndex)),
		slog.Int("to_delete", len(plan.toDelete)))
	c.setPlan(plan)
	c.setTotals(len(plan.toIndex) + len(plan.toDelete))

	if err := c.ensureModelWeights(ctx); err != nil {
		c.fail(err)
		return
	}

	if err := c.transitionToReady(); err != nil {
		return
	}
	c.deps.Queue.Enqueue(c, c.reasonForScan())
}

func (c *Controller) reasonForScan() Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.LastIndexedAt.IsZero() {
		return ReasonRescan
	}
	return ReasonInitial
}

// ensureModelWeights enters downloading-model only when weights are absent.
func (c *Controller) ensureModelWeights(ctx context.Context) error {
	present, err := c.deps.Models.WeightsReady(c.cfg.ModelID)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	if err := c.transition(StateScanning, StateDownloadingModel); err != nil {
		return err
	}
	return c.deps.Models.EnsureWeights(ctx, c.cfg.ModelID, func(p model.DownloadProgress) {
		c.setProgress(float64(p.Percent))
	})
}

func (c *Controller) transitionToReady() error {
	from := c.Status().State
	return c.transition(from, StateReady)
}

// drive is the indexing phase, run under an exclusive scheduler grant.
// Deletions go first, then each file is chunked, embedded, and stored as
// one atomic unit. Between units the controller honors suspend requests
// and cancellation; progress is retained across suspension.
func (c *Controller) drive(ctx context.Context, g grantMsg) {
	defer g.release()

	if err := c.transition(StateReady, StateIndexing); err != nil {
		return
	}

	c.mu.Lock()
	plan := c.plan
	c.mu.Unlock()
	if plan == nil {
		c.fail(dmerrors.New(dmerrors.ErrCodeInternal, "drive granted without a scan plan", nil))
		return
	}

	total := len(plan.toIndex) + len(plan.toDelete)
	processed := 0
	failed := 0

	for _, docID := range plan.toDelete {
		if !c.yield(ctx) {
			return
		}
		if err := c.deps.Index.Delete(ctx, docID); err != nil {
			c.fail(err)
			return
		}
		processed++
		c.setProgress(progressPct(processed, total))
	}

	for _, info := range plan.toIndex {
		if !c.yield(ctx) {
			return
		}
		if err := c.indexFile(ctx, info); err != nil {
			if fatal := c.classifyIndexError(err); fatal != nil {
				c.fail(fatal)
				return
			}
			failed++
			c.addFailedFile()
			c.logger.Warn("file skipped",
				slog.String("path", info.Path),
				slog.String("error", err.Error()))
		}
		processed++
		c.setProgress(progressPct(processed, total))
	}

	if err := c.deps.Index.Flush(); err != nil {
		c.fail(err)
		return
	}

	c.finishDrive(processed-len(plan.toDelete), failed)
	if err := c.transition(StateIndexing, StateActive); err != nil {
		return
	}
	c.logger.Info("indexing complete",
		slog.Int("indexed", processed-len(plan.toDelete)-failed),
		slog.Int("deleted", len(plan.toDelete)),
		slog.Int("failed", failed))

	c.consumeRescan()
}

// consumeRescan re-triggers a scan if a change notification arrived while
// the controller was scanning or indexing.
func (c *Controller) consumeRescan() {
	c.mu.Lock()
	rescan := c.rescanPending
	c.rescanPending = false
	c.mu.Unlock()
	if rescan {
		c.scanFromActive()
	}
}

// yield is the suspension and cancellation point between file units.
// Returns false when the controller must abandon the drive.
func (c *Controller) yield(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case req := <-c.suspendCh:
			c.logger.Info("indexing suspended")
			close(req.ack)
			select {
			case <-req.resume:
				c.logger.Info("indexing resumed")
				continue
			case <-ctx.Done():
				return false
			}
		default:
			return true
		}
	}
}

// indexFile chunks, embeds, and stores one document.
func (c *Controller) indexFile(ctx context.Context, info source.FileInfo) error {
	chunks, err := c.deps.Source.Chunks(ctx, c.cfg.Path, info.Path)
	if err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeEmbeddingFailed, err)
	}
	if len(chunks) == 0 {
		return c.deps.Index.Insert(ctx, info.Path, info.Fingerprint, nil, nil)
	}

	vectors, err := c.deps.Embedder.Embed(ctx, c.cfg.ModelID, chunks)
	if err != nil {
		return err
	}

	stored := make([]store.Chunk, len(chunks))
	for i, text := range chunks {
		stored[i] = store.Chunk{Ordinal: i, Text: text}
	}
	return c.deps.Index.Insert(ctx, info.Path, info.Fingerprint, stored, vectors)
}

// classifyIndexError separates per-file failures (recovered locally) from
// folder-fatal ones. A model mismatch or storage failure aborts the drive;
// anything else marks the file failed and the folder continues.
func (c *Controller) classifyIndexError(err error) error {
	switch dmerrors.GetCode(err) {
	case dmerrors.ErrCodeModelNotReady, dmerrors.ErrCodeStorageFailed, dmerrors.ErrCodeInternal:
		return err
	default:
		return nil
	}
}

// checkExistence forces the folder to error when its directory is gone.
func (c *Controller) checkExistence() {
	if _, err := os.Stat(c.cfg.Path); err == nil || !os.IsNotExist(err) {
		return
	}
	state := c.Status().State
	if state == StateError {
		return
	}
	c.logger.Warn("folder missing from disk")
	c.fail(dmerrors.Newf(dmerrors.ErrCodeFolderMissing, "folder missing: %s", c.cfg.Path))
}

// --- status bookkeeping ---

func (c *Controller) transition(from, to State) error {
	c.mu.Lock()
	if c.status.State != from || !transitionAllowed(from, to) {
		actual := c.status.State
		c.mu.Unlock()
		err := badTransition(c.cfg.Path, actual, to)
		c.logger.Error("illegal state transition refused",
			slog.String("from", string(actual)),
			slog.String("to", string(to)))
		return err
	}
	c.status.State = to
	switch to {
	case StateScanning, StatePending:
		c.status.Progress = 0
		c.status.ErrorCode = ""
		c.status.ErrorMessage = ""
	case StateDownloadingModel, StateIndexing:
		// Each progress-bearing phase reports 0..100 on its own.
		c.status.Progress = 0
	}
	if to == StateActive {
		c.status.Progress = 100
		c.status.LastIndexedAt = time.Now()
	}
	snap := c.status
	c.mu.Unlock()

	c.logger.Info("state transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	c.publish(snap)
	return nil
}

// fail moves the folder to error with the cause surfaced verbatim.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.status.State == StateError {
		c.mu.Unlock()
		return
	}
	from := c.status.State
	c.status.State = StateError
	c.status.ErrorCode = dmerrors.GetCode(err)
	c.status.ErrorMessage = err.Error()
	snap := c.status
	c.mu.Unlock()

	c.logger.Error("folder entered error state",
		slog.String("from", string(from)),
		slog.String("error", err.Error()))
	c.publish(snap)
}

func (c *Controller) setPlan(p *indexPlan) {
	c.mu.Lock()
	c.plan = p
	c.mu.Unlock()
}

func (c *Controller) setTotals(total int) {
	c.mu.Lock()
	c.status.TotalFiles = total
	c.status.IndexedFiles = 0
	c.status.FailedFiles = 0
	snap := c.status
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Controller) setProgress(pct float64) {
	c.mu.Lock()
	if pct > c.status.Progress {
		c.status.Progress = pct
	}
	snap := c.status
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Controller) addFailedFile() {
	c.mu.Lock()
	c.status.FailedFiles++
	c.mu.Unlock()
}

func (c *Controller) finishDrive(indexed, failed int) {
	c.mu.Lock()
	c.status.IndexedFiles = indexed - failed
	c.plan = nil
	c.mu.Unlock()
}

func (c *Controller) publish(s Status) {
	if c.deps.OnStatus != nil {
		c.deps.OnStatus(s)
	}
}

func progressPct(processed, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(processed) / float64(total) * 100
}

// diff compares a fresh scan against the stored fingerprints.
func diff(scanned []source.FileInfo, known map[string]string) *indexPlan {
	plan := &indexPlan{}
	seen := make(map[string]struct{}, len(scanned))
	for _, info := range scanned {
		seen[info.Path] = struct{}{}
		if known[info.Path] != info.Fingerprint {
			plan.toIndex = append(plan.toIndex, info)
		}
	}
	for docID := range known {
		if _, ok := seen[docID]; !ok {
			plan.toDelete = append(plan.toDelete, docID)
		}
	}
	return plan
}
