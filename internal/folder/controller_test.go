package folder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dmerrors "github.com/semfold/semfold/internal/errors"
	"github.com/semfold/semfold/internal/model"
	"github.com/semfold/semfold/internal/source"
	"github.com/semfold/semfold/internal/store"
)

const testDim = 8

// fakeEmbedder returns deterministic vectors and can fail or block per call.
type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	failText string // chunks containing this text fail

	// when set, each Embed call announces itself and waits for a release
	started chan struct{}
	proceed chan struct{}
}

func (f *fakeEmbedder) Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	if f.started != nil {
		f.started <- struct{}{}
		select {
		case <-f.proceed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failText != "" && strings.Contains(text, f.failText) {
			return nil, dmerrors.Newf(dmerrors.ErrCodeEmbeddingFailed, "embed failed for chunk")
		}
		v := make([]float32, testDim)
		for j := range v {
			v[j] = float32((len(text)+i+j)%13) + 0.5
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakePreparer simulates the weights cache, optionally absent at first.
type fakePreparer struct {
	mu      sync.Mutex
	present bool
	fetched bool
}

func (f *fakePreparer) WeightsReady(modelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present, nil
}

func (f *fakePreparer) EnsureWeights(ctx context.Context, modelID string, progressFn model.DownloadProgressFunc) error {
	f.mu.Lock()
	f.present = true
	f.fetched = true
	f.mu.Unlock()
	if progressFn != nil {
		for _, pct := range []int{0, 40, 100} {
			progressFn(model.DownloadProgress{ModelID: modelID, Percent: pct})
		}
	}
	return nil
}

// fakeQueue records enqueues and, when autoGrant is set, immediately hands
// out the drive grant.
type fakeQueue struct {
	mu        sync.Mutex
	enqueues  []Reason
	autoGrant bool
	released  chan struct{}
}

func (q *fakeQueue) Enqueue(c *Controller, reason Reason) {
	q.mu.Lock()
	q.enqueues = append(q.enqueues, reason)
	q.mu.Unlock()
	if q.autoGrant {
		go c.Grant(func() {
			if q.released != nil {
				q.released <- struct{}{}
			}
		})
	}
}

func (q *fakeQueue) reasons() []Reason {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Reason(nil), q.enqueues...)
}

// statusRecorder captures every published status for sequence assertions.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, s := range r.statuses {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

type testHarness struct {
	dir      string
	ctrl     *Controller
	embedder *fakeEmbedder
	preparer *fakePreparer
	queue    *fakeQueue
	rec      *statusRecorder
	index    store.FolderIndex
}

func newHarness(t *testing.T, files map[string]string) *testHarness {
	t.Helper()

	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	ds, err := store.NewDiskStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	index, err := ds.Folder("test", testDim)
	require.NoError(t, err)

	h := &testHarness{
		dir:      dir,
		embedder: &fakeEmbedder{},
		preparer: &fakePreparer{present: true},
		queue:    &fakeQueue{autoGrant: true},
		rec:      &statusRecorder{},
		index:    index,
	}
	h.ctrl = NewController(
		Config{Path: dir, ModelID: "m1", ExistenceCheckInterval: time.Hour},
		Deps{
			Source:   source.NewFileSource(),
			Index:    index,
			Embedder: h.embedder,
			Models:   h.preparer,
			Queue:    h.queue,
			OnStatus: h.rec.record,
			Logger:   slog.Default(),
		},
	)
	return h
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("folder never reached %s, stuck in %s", want, c.Status().State)
}

func TestLifecycleReachesActive(t *testing.T) {
	// Given a folder with two files and resident model weights
	h := newHarness(t, map[string]string{
		"a.txt": "alpha document",
		"b.txt": "beta document",
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// When the controller runs end to end
	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()
	waitForState(t, h.ctrl, StateActive)

	// Then the observed state sequence follows the graph exactly
	assert.Equal(t,
		[]State{StateScanning, StateReady, StateIndexing, StateActive},
		h.rec.states())
	assert.Equal(t, []Reason{ReasonInitial}, h.queue.reasons())

	// And both documents are fingerprinted in the index
	fps, err := h.index.Fingerprints(ctx)
	require.NoError(t, err)
	assert.Len(t, fps, 2)

	st := h.ctrl.Status()
	assert.Equal(t, 2, st.IndexedFiles)
	assert.Zero(t, st.FailedFiles)
	assert.Equal(t, float64(100), st.Progress)
	assert.False(t, st.LastIndexedAt.IsZero())
}

func TestNoChangesGoesStraightToActive(t *testing.T) {
	// Given a folder whose content is already indexed
	h := newHarness(t, map[string]string{"a.txt": "same content"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctrl.Start(ctx)
	waitForState(t, h.ctrl, StateActive)
	h.ctrl.Stop()

	// When a second controller scans the same folder against the same index
	rec2 := &statusRecorder{}
	queue2 := &fakeQueue{autoGrant: true}
	ctrl2 := NewController(
		Config{Path: h.dir, ModelID: "m1", ExistenceCheckInterval: time.Hour},
		Deps{
			Source:   source.NewFileSource(),
			Index:    h.index,
			Embedder: h.embedder,
			Models:   h.preparer,
			Queue:    queue2,
			OnStatus: rec2.record,
		},
	)
	ctrl2.Start(ctx)
	defer ctrl2.Stop()
	waitForState(t, ctrl2, StateActive)

	// Then no drive was requested: scanning went straight to active
	assert.Equal(t, []State{StateScanning, StateActive}, rec2.states())
	assert.Empty(t, queue2.reasons())
}

func TestAbsentWeightsPassThroughDownloadingModel(t *testing.T) {
	// Given model weights that are not yet on disk
	h := newHarness(t, map[string]string{"a.txt": "needs model"})
	h.preparer.present = false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()
	waitForState(t, h.ctrl, StateActive)

	// Then the lifecycle includes the download phase before ready
	assert.Equal(t,
		[]State{StateScanning, StateDownloadingModel, StateReady, StateIndexing, StateActive},
		h.rec.states())
	assert.True(t, h.preparer.fetched)

	// And download progress was forwarded
	var sawDownloadProgress bool
	h.rec.mu.Lock()
	for _, s := range h.rec.statuses {
		if s.State == StateDownloadingModel && s.Progress > 0 {
			sawDownloadProgress = true
		}
	}
	h.rec.mu.Unlock()
	assert.True(t, sawDownloadProgress)
}

func TestMissingFolderFailsScan(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.RemoveAll(h.dir))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()
	waitForState(t, h.ctrl, StateError)

	st := h.ctrl.Status()
	assert.Equal(t, dmerrors.ErrCodeScanFailed, st.ErrorCode)
	assert.NotEmpty(t, st.ErrorMessage)
}

func TestRetryReentersLifecycle(t *testing.T) {
	// Given a folder that failed its first scan
	h := newHarness(t, nil)
	require.NoError(t, os.RemoveAll(h.dir))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()
	waitForState(t, h.ctrl, StateError)

	// When the folder is restored on disk and retried
	require.NoError(t, os.MkdirAll(h.dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "a.txt"), []byte("back"), 0o644))
	require.NoError(t, h.ctrl.Retry())

	// Then it runs through to active
	waitForState(t, h.ctrl, StateActive)
	st := h.ctrl.Status()
	assert.Empty(t, st.ErrorCode)
	assert.Equal(t, 1, st.IndexedFiles)
}

func TestRetryOutsideErrorIsRefused(t *testing.T) {
	h := newHarness(t, map[string]string{"a.txt": "content"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()
	waitForState(t, h.ctrl, StateActive)

	err := h.ctrl.Retry()

	require.Error(t, err)
	assert.Equal(t, dmerrors.ErrCodeBadTransition, dmerrors.GetCode(err))
}

func TestPerFileEmbedFailureIsRecovered(t *testing.T) {
	// Given one file whose chunks fail to embed
	h := newHarness(t, map[string]string{
		"good.txt": "fine content",
		"bad.txt":  "POISON content",
	})
	h.embedder.failText = "POISON"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()
	waitForState(t, h.ctrl, StateActive)

	// Then the folder completes with partial success, not an error
	st := h.ctrl.Status()
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, 1, st.FailedFiles)
	assert.Equal(t, 1, st.IndexedFiles)

	fps, err := h.index.Fingerprints(ctx)
	require.NoError(t, err)
	assert.Contains(t, fps, "good.txt")
	assert.NotContains(t, fps, "bad.txt")
}

func TestSuspendResumeAtFileBoundary(t *testing.T) {
	// Given a drive in progress with embeds held by the test
	files := make(map[string]string)
	for i := 0; i < 4; i++ {
		files[fmt.Sprintf("f%d.txt", i)] = fmt.Sprintf("document %d", i)
	}
	h := newHarness(t, files)
	h.embedder.started = make(chan struct{})
	h.embedder.proceed = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()

	// First file unit is in flight
	<-h.embedder.started

	// When a suspend arrives mid-unit
	type suspendResult struct {
		resume func()
		err    error
	}
	suspendDone := make(chan suspendResult, 1)
	go func() {
		sctx, scancel := context.WithTimeout(ctx, 3*time.Second)
		defer scancel()
		resume, err := h.ctrl.Suspend(sctx)
		suspendDone <- suspendResult{resume: resume, err: err}
	}()

	// Then the in-flight unit completes before the ack
	h.embedder.proceed <- struct{}{}
	res := <-suspendDone
	require.NoError(t, res.err)
	resume := res.resume

	progressAtSuspend := h.ctrl.Status().Progress
	assert.Equal(t, StateIndexing, h.ctrl.Status().State)

	// And resuming drives the remaining units to completion
	resume()
	for i := 0; i < len(files)-1; i++ {
		<-h.embedder.started
		h.embedder.proceed <- struct{}{}
	}
	waitForState(t, h.ctrl, StateActive)

	// Progress never went backwards across the suspension
	assert.GreaterOrEqual(t, h.ctrl.Status().Progress, progressAtSuspend)
}

func TestSuspendTimesOutWhenNotIndexing(t *testing.T) {
	// Given a controller that is idle (active, nothing to yield)
	h := newHarness(t, map[string]string{"a.txt": "content"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()
	waitForState(t, h.ctrl, StateActive)

	// When suspend is requested with a short deadline
	sctx, scancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer scancel()
	_, err := h.ctrl.Suspend(sctx)

	// Then the handshake fails loudly instead of hanging
	require.Error(t, err)
	assert.Equal(t, dmerrors.ErrCodePreemptionTimeout, dmerrors.GetCode(err))
}

func TestExistenceCheckForcesError(t *testing.T) {
	// Given an active folder with a fast existence check
	h := newHarness(t, map[string]string{"a.txt": "content"})
	h.ctrl.cfg.ExistenceCheckInterval = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()
	waitForState(t, h.ctrl, StateActive)

	// When the directory disappears from disk
	require.NoError(t, os.RemoveAll(h.dir))

	// Then within one check interval the folder reports folder-missing
	waitForState(t, h.ctrl, StateError)
	st := h.ctrl.Status()
	assert.Equal(t, dmerrors.ErrCodeFolderMissing, st.ErrorCode)
	assert.Contains(t, st.ErrorMessage, "folder missing")
}

func TestDriveRefusedMovesToError(t *testing.T) {
	h := newHarness(t, map[string]string{"a.txt": "content"})
	h.queue.autoGrant = false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()
	waitForState(t, h.ctrl, StateReady)

	h.ctrl.DriveRefused(dmerrors.Newf(dmerrors.ErrCodeModelLoadError, "backend exploded"))

	waitForState(t, h.ctrl, StateError)
	assert.Equal(t, dmerrors.ErrCodeModelLoadError, h.ctrl.Status().ErrorCode)
}

func TestRescanAfterChangeDiffsIncrementally(t *testing.T) {
	// Given an active folder
	h := newHarness(t, map[string]string{"a.txt": "version one", "b.txt": "stable"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()
	waitForState(t, h.ctrl, StateActive)
	callsAfterFirst := h.embedder.callCount()

	// When one file changes and a rescan is requested
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "a.txt"), []byte("version two"), 0o644))
	h.ctrl.RequestScan()

	// Then the rescan queues again and only the changed file re-embeds
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(h.queue.reasons()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, []Reason{ReasonInitial, ReasonRescan}, h.queue.reasons())
	waitForState(t, h.ctrl, StateActive)
	assert.Equal(t, callsAfterFirst+1, h.embedder.callCount())
}

func TestTransitionTableRejectsSkips(t *testing.T) {
	tests := []struct {
		from, to State
		legal    bool
	}{
		{StatePending, StateScanning, true},
		{StatePending, StateActive, false},
		{StatePending, StateIndexing, false},
		{StateScanning, StateReady, true},
		{StateScanning, StateActive, true},
		{StateScanning, StateDownloadingModel, true},
		{StateDownloadingModel, StateReady, true},
		{StateDownloadingModel, StateIndexing, false},
		{StateReady, StateIndexing, true},
		{StateReady, StateActive, false},
		{StateIndexing, StateActive, true},
		{StateIndexing, StateScanning, false},
		{StateActive, StateScanning, true},
		{StateError, StatePending, true},
		{StateError, StateScanning, false},
		{StateActive, StateError, true},
		{StateIndexing, StateError, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.legal, transitionAllowed(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

// slowScanSource delegates to a real source but holds the first scan open
// until released, so the test can inject events mid-scan.
type slowScanSource struct {
	source.Source

	mu      sync.Mutex
	scans   int
	started chan struct{}
	release chan struct{}
}

func (s *slowScanSource) Scan(ctx context.Context, root string) ([]source.FileInfo, error) {
	s.mu.Lock()
	s.scans++
	first := s.scans == 1
	s.mu.Unlock()
	if first {
		close(s.started)
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Source.Scan(ctx, root)
}

func (s *slowScanSource) scanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

func TestChangeDuringScanTriggersFollowupScan(t *testing.T) {
	// Given a folder whose first scan the test holds open
	h := newHarness(t, nil)
	src := &slowScanSource{
		Source:  source.NewFileSource(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	h.ctrl.deps.Source = src
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()

	// When a change notification lands while the scan is in flight
	<-src.started
	h.ctrl.onWatchBatch(1)

	// And the held scan completes with nothing to index
	close(src.release)

	// Then the pending change forces a follow-up scan
	require.Eventually(t, func() bool { return src.scanCount() >= 2 },
		5*time.Second, 5*time.Millisecond,
		"change during scan was dropped instead of rescanned")
	waitForState(t, h.ctrl, StateActive)
}

func TestSuspendBeforePendingGrantAcksAtFirstYield(t *testing.T) {
	// Given a folder that is ready but whose grant has not arrived yet
	h := newHarness(t, map[string]string{"a.txt": "content"})
	h.queue.autoGrant = false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()
	waitForState(t, h.ctrl, StateReady)

	// When a suspend is parked before the grant lands
	type suspendResult struct {
		resume func()
		err    error
	}
	suspendDone := make(chan suspendResult, 1)
	go func() {
		sctx, scancel := context.WithTimeout(ctx, 3*time.Second)
		defer scancel()
		resume, err := h.ctrl.Suspend(sctx)
		suspendDone <- suspendResult{resume: resume, err: err}
	}()
	require.Eventually(t, func() bool { return len(h.ctrl.suspendCh) == 1 },
		time.Second, time.Millisecond)

	// And the grant arrives afterwards
	h.ctrl.Grant(func() {})
	res := <-suspendDone
	require.NoError(t, res.err)

	// Then the drive stops at its first yield point with nothing embedded
	assert.Equal(t, StateIndexing, h.ctrl.Status().State)
	assert.Zero(t, h.embedder.callCount())

	// And resuming lets the drive finish
	res.resume()
	waitForState(t, h.ctrl, StateActive)
}
