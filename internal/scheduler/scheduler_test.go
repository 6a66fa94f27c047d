package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semfold/semfold/internal/config"
	dmerrors "github.com/semfold/semfold/internal/errors"
	"github.com/semfold/semfold/internal/folder"
	"github.com/semfold/semfold/internal/model"
	"github.com/semfold/semfold/internal/source"
	"github.com/semfold/semfold/internal/store"
)

const testDim = 16

// handleRecorder captures every resident-model transition.
type handleRecorder struct {
	mu      sync.Mutex
	handles []model.Handle
}

func (r *handleRecorder) record(h model.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = append(r.handles, h)
}

func (r *handleRecorder) loadCount(modelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.handles {
		if h.ModelID == modelID && h.State == model.StateLoading {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, rec *handleRecorder) (*model.Manager, *model.Gate) {
	t.Helper()
	catalog, err := model.NewCatalog(t.TempDir(), []config.ModelConfig{
		{ID: "m1", Backend: "cpu-runtime", Dimension: testDim},
		{ID: "m2", Backend: "cpu-runtime", Dimension: testDim},
	})
	require.NoError(t, err)

	var onChange model.StateChangeFunc
	if rec != nil {
		onChange = rec.record
	}
	mgr, gate := model.NewManager(model.ManagerOptions{
		Catalog:     catalog,
		Backends:    []model.Backend{model.NewCPUBackend()},
		LoadTimeout: 5 * time.Second,
		OnChange:    onChange,
	})
	t.Cleanup(func() { mgr.Close() })
	return mgr, gate
}

func newTestFolder(t *testing.T, mgr *model.Manager, sched *Scheduler, modelID string, files map[string]string) *folder.Controller {
	t.Helper()

	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	ds, err := store.NewDiskStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	index, err := ds.Folder("f", testDim)
	require.NoError(t, err)

	return folder.NewController(
		folder.Config{Path: dir, ModelID: modelID, ExistenceCheckInterval: time.Hour},
		folder.Deps{
			Source:   source.NewFileSource(),
			Index:    index,
			Embedder: mgr,
			Models:   mgr,
			Queue:    sched,
			Logger:   slog.Default(),
		},
	)
}

func waitForState(t *testing.T, c *folder.Controller, want folder.State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("folder %s never reached %s, stuck in %s", c.Path(), want, c.Status().State)
}

func TestSharedModelAvoidsReload(t *testing.T) {
	// Given two folders assigned the same model, added together
	rec := &handleRecorder{}
	mgr, gate := newTestManager(t, rec)
	sched := New(Options{Gate: gate, Logger: slog.Default()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	fa := newTestFolder(t, mgr, sched, "m1", map[string]string{"a.txt": "first folder"})
	fb := newTestFolder(t, mgr, sched, "m1", map[string]string{"b.txt": "second folder"})

	// When both run through the scheduler
	fa.Start(ctx)
	defer fa.Stop()
	fb.Start(ctx)
	defer fb.Stop()

	waitForState(t, fa, folder.StateActive)
	waitForState(t, fb, folder.StateActive)

	// Then m1 was loaded exactly once: the second grant reused it
	assert.Equal(t, 1, rec.loadCount("m1"))
}

func TestDistinctModelsSwapBetweenFolders(t *testing.T) {
	rec := &handleRecorder{}
	mgr, gate := newTestManager(t, rec)
	sched := New(Options{Gate: gate, Logger: slog.Default()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	fa := newTestFolder(t, mgr, sched, "m1", map[string]string{"a.txt": "uses m1"})
	fb := newTestFolder(t, mgr, sched, "m2", map[string]string{"b.txt": "uses m2"})
	fa.Start(ctx)
	defer fa.Stop()
	fb.Start(ctx)
	defer fb.Stop()

	waitForState(t, fa, folder.StateActive)
	waitForState(t, fb, folder.StateActive)

	// One load each; the second grant swapped models
	assert.Equal(t, 1, rec.loadCount("m1"))
	assert.Equal(t, 1, rec.loadCount("m2"))
}

func TestEnqueueIsIdempotent(t *testing.T) {
	// Given a stopped scheduler so entries stay queued
	mgr, gate := newTestManager(t, nil)
	sched := New(Options{Gate: gate})

	fa := newTestFolder(t, mgr, sched, "m1", nil)

	sched.Enqueue(fa, folder.ReasonInitial)
	sched.Enqueue(fa, folder.ReasonRescan)
	sched.Enqueue(fa, folder.ReasonRetry)

	assert.Equal(t, 1, sched.QueueDepth())
}

func TestRemoveDropsPendingEntry(t *testing.T) {
	mgr, gate := newTestManager(t, nil)
	sched := New(Options{Gate: gate})

	fa := newTestFolder(t, mgr, sched, "m1", nil)
	fb := newTestFolder(t, mgr, sched, "m1", nil)
	sched.Enqueue(fa, folder.ReasonInitial)
	sched.Enqueue(fb, folder.ReasonInitial)

	sched.Remove(fa.Path())

	assert.Equal(t, 1, sched.QueueDepth())
	// Removing again is harmless
	sched.Remove(fa.Path())
	assert.Equal(t, 1, sched.QueueDepth())
}

func TestLoadFailureAdvancesQueue(t *testing.T) {
	// Given a folder assigned a model the catalog does not know
	mgr, gate := newTestManager(t, nil)
	sched := New(Options{Gate: gate, Logger: slog.Default()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	bad := newTestFolder(t, mgr, sched, "nope", map[string]string{"a.txt": "doomed"})
	good := newTestFolder(t, mgr, sched, "m1", map[string]string{"b.txt": "fine"})
	bad.Start(ctx)
	defer bad.Stop()
	good.Start(ctx)
	defer good.Stop()

	// Then the bad folder errors with the load failure and the good one
	// still gets its grant
	waitForState(t, bad, folder.StateError)
	waitForState(t, good, folder.StateActive)
	assert.Equal(t, dmerrors.ErrCodeModelUnknown, bad.Status().ErrorCode)
}

func TestQueueDepthIsPublished(t *testing.T) {
	mgr, gate := newTestManager(t, nil)
	var mu sync.Mutex
	var depths []int
	sched := New(Options{Gate: gate, OnQueueDepth: func(n int) {
		mu.Lock()
		depths = append(depths, n)
		mu.Unlock()
	}})

	fa := newTestFolder(t, mgr, sched, "m1", nil)
	fb := newTestFolder(t, mgr, sched, "m1", nil)
	sched.Enqueue(fa, folder.ReasonInitial)
	sched.Enqueue(fb, folder.ReasonInitial)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, depths)
}

// slowLoadBackend delegates to the CPU runtime but holds each load open
// until released, so the test can act while a load is in flight.
type slowLoadBackend struct {
	*model.CPUBackend
	started chan struct{}
	release chan struct{}
}

func (b *slowLoadBackend) Load(ctx context.Context, spec model.Spec) error {
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.CPUBackend.Load(ctx, spec)
}

func TestPauseDuringLoadWithdrawsGrant(t *testing.T) {
	// Given a folder whose model load the test holds open
	backend := &slowLoadBackend{
		CPUBackend: model.NewCPUBackend(),
		started:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	catalog, err := model.NewCatalog(t.TempDir(), []config.ModelConfig{
		{ID: "m1", Backend: "cpu-runtime", Dimension: testDim},
	})
	require.NoError(t, err)
	mgr, gate := model.NewManager(model.ManagerOptions{
		Catalog:     catalog,
		Backends:    []model.Backend{backend},
		LoadTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { mgr.Close() })

	sched := New(Options{Gate: gate, Logger: slog.Default()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	f := newTestFolder(t, mgr, sched, "m1", map[string]string{"a.txt": "held load"})
	f.Start(ctx)
	defer f.Stop()

	// When a pause lands while the grant's load is in flight
	<-backend.started
	sched.Pause()
	close(backend.release)

	// Then the grant is withdrawn and the folder waits back at the head
	require.Eventually(t, func() bool { return sched.QueueDepth() == 1 },
		5*time.Second, 5*time.Millisecond,
		"grant was handed out despite the pause")
	assert.Nil(t, sched.CurrentDriver())
	assert.Equal(t, folder.StateReady, f.Status().State)

	// And resuming hands the grant back out
	sched.Resume()
	waitForState(t, f, folder.StateActive)
}
