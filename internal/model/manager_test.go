package model

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semfold/semfold/internal/config"
	"github.com/semfold/semfold/internal/errors"
)

// fakeBackend records load/unload activity for sequencing assertions.
type fakeBackend struct {
	kind BackendKind

	mu       sync.Mutex
	loaded   string
	loads    []string
	unloads  int
	loadErr  error
	loadHang time.Duration
}

func (f *fakeBackend) Kind() BackendKind { return f.kind }

func (f *fakeBackend) Load(ctx context.Context, spec Spec) error {
	if f.loadHang > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.loadHang):
		}
	}
	if f.loadErr != nil {
		return f.loadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = spec.ID
	f.loads = append(f.loads, spec.ID)
	return nil
}

func (f *fakeBackend) Unload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = ""
	f.unloads++
	return nil
}

func (f *fakeBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded == "" {
		return nil, fmt.Errorf("nothing loaded")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeBackend) Close() error { return nil }

func testCatalog(t *testing.T, models ...config.ModelConfig) *Catalog {
	t.Helper()
	cat, err := NewCatalog(t.TempDir(), models)
	require.NoError(t, err)
	return cat
}

func newTestManager(t *testing.T, backend Backend, models ...config.ModelConfig) (*Manager, *Gate, *[]Handle) {
	t.Helper()

	var mu sync.Mutex
	var transitions []Handle
	mgr, gate := NewManager(ManagerOptions{
		Catalog:     testCatalog(t, models...),
		Backends:    []Backend{backend},
		LoadTimeout: time.Second,
		OnChange: func(h Handle) {
			mu.Lock()
			transitions = append(transitions, h)
			mu.Unlock()
		},
	})
	return mgr, gate, &transitions
}

func cpuModel(id string) config.ModelConfig {
	return config.ModelConfig{ID: id, Backend: "cpu-runtime", Dimension: 64}
}

func TestRequestLoad_NoOpWhenAlreadyReady(t *testing.T) {
	backend := &fakeBackend{kind: BackendCPURuntime}
	_, gate, _ := newTestManager(t, backend, cpuModel("m1"))

	ctx := context.Background()
	_, err := gate.RequestLoad(ctx, "m1", nil)
	require.NoError(t, err)

	// Second load of the same model must not touch the backend
	_, err = gate.RequestLoad(ctx, "m1", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"m1"}, backend.loads)
	assert.Equal(t, 0, backend.unloads)
}

func TestRequestLoad_SwapUnloadsPreviousModel(t *testing.T) {
	backend := &fakeBackend{kind: BackendCPURuntime}
	mgr, gate, transitions := newTestManager(t, backend, cpuModel("m1"), cpuModel("m2"))

	ctx := context.Background()
	_, err := gate.RequestLoad(ctx, "m1", nil)
	require.NoError(t, err)
	_, err = gate.RequestLoad(ctx, "m2", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2"}, backend.loads)
	assert.Equal(t, 1, backend.unloads)
	assert.Equal(t, "m2", mgr.State().ModelID)
	assert.Equal(t, StateReady, mgr.State().State)

	// Observed sequence: loading, ready, unloading, unloaded, loading, ready
	var states []LoadState
	for _, h := range *transitions {
		states = append(states, h.State)
	}
	assert.Equal(t, []LoadState{
		StateLoading, StateReady,
		StateUnloading, StateUnloaded,
		StateLoading, StateReady,
	}, states)
}

func TestRequestLoad_BackendFailureSurfacesError(t *testing.T) {
	backend := &fakeBackend{
		kind:    BackendCPURuntime,
		loadErr: fmt.Errorf("driver crashed"),
	}
	mgr, gate, _ := newTestManager(t, backend, cpuModel("m1"))

	_, err := gate.RequestLoad(context.Background(), "m1", nil)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelLoadError, errors.GetCode(err))
	assert.Equal(t, StateError, mgr.State().State)
	assert.Contains(t, mgr.State().Err, "driver crashed")
}

func TestRequestLoad_TimeoutYieldsModelLoadTimeout(t *testing.T) {
	backend := &fakeBackend{kind: BackendCPURuntime, loadHang: 5 * time.Second}
	mgr, gate := NewManager(ManagerOptions{
		Catalog:     testCatalog(t, cpuModel("m1")),
		Backends:    []Backend{backend},
		LoadTimeout: 20 * time.Millisecond,
	})

	_, err := gate.RequestLoad(context.Background(), "m1", nil)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelLoadTimeout, errors.GetCode(err))
	assert.Equal(t, StateError, mgr.State().State)
}

func TestRequestLoad_UnknownModel(t *testing.T) {
	backend := &fakeBackend{kind: BackendCPURuntime}
	_, gate, _ := newTestManager(t, backend, cpuModel("m1"))

	_, err := gate.RequestLoad(context.Background(), "ghost", nil)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelUnknown, errors.GetCode(err))
}

func TestEmbed_ModelMismatchFailsLoudly(t *testing.T) {
	backend := &fakeBackend{kind: BackendCPURuntime}
	mgr, gate, _ := newTestManager(t, backend, cpuModel("m1"), cpuModel("m2"))

	_, err := gate.RequestLoad(context.Background(), "m1", nil)
	require.NoError(t, err)

	// Caller expects m2 while m1 is resident
	_, err = mgr.Embed(context.Background(), "m2", []string{"hello"})

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelNotReady, errors.GetCode(err))
}

func TestEmbed_RequiresReadyState(t *testing.T) {
	backend := &fakeBackend{kind: BackendCPURuntime}
	mgr, _, _ := newTestManager(t, backend, cpuModel("m1"))

	_, err := mgr.Embed(context.Background(), "m1", []string{"hello"})

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelNotReady, errors.GetCode(err))
}

func TestUnload_OnlyValidFromReady(t *testing.T) {
	backend := &fakeBackend{kind: BackendCPURuntime}
	_, gate, _ := newTestManager(t, backend, cpuModel("m1"))

	err := gate.Unload(context.Background())

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelNotReady, errors.GetCode(err))
}

func TestRequestLoad_DownloadsAbsentWeightsWithProgress(t *testing.T) {
	payload := []byte("weights-bytes-weights-bytes-weights-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dataDir := t.TempDir()
	cat, err := NewCatalog(dataDir, []config.ModelConfig{{
		ID:         "m1",
		Backend:    "cpu-runtime",
		Dimension:  64,
		WeightsURL: srv.URL + "/m1.weights",
	}})
	require.NoError(t, err)

	backend := &fakeBackend{kind: BackendCPURuntime}
	_, gate := NewManager(ManagerOptions{
		Catalog:     cat,
		Backends:    []Backend{backend},
		LoadTimeout: time.Second,
	})

	var percents []int
	_, err = gate.RequestLoad(context.Background(), "m1", func(p DownloadProgress) {
		percents = append(percents, p.Percent)
	})

	require.NoError(t, err)
	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])
	assert.FileExists(t, filepath.Join(dataDir, "models", "m1.weights"))

	// Reloading must not re-download: weights are now present
	_, err = gate.RequestLoad(context.Background(), "m1", func(p DownloadProgress) {
		t.Fatal("unexpected download on second load")
	})
	require.NoError(t, err)
}

func TestRequestLoad_DownloadFailureYieldsModelDownloadFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	cat, err := NewCatalog(t.TempDir(), []config.ModelConfig{{
		ID:         "m1",
		Backend:    "cpu-runtime",
		Dimension:  64,
		WeightsURL: srv.URL + "/m1.weights",
	}})
	require.NoError(t, err)

	backend := &fakeBackend{kind: BackendCPURuntime}
	mgr, gate := NewManager(ManagerOptions{
		Catalog:     cat,
		Backends:    []Backend{backend},
		LoadTimeout: time.Second,
	})

	_, err = gate.RequestLoad(context.Background(), "m1", nil)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelDownloadFailed, errors.GetCode(err))
	assert.Equal(t, StateError, mgr.State().State)
	assert.Empty(t, backend.loads)
}
