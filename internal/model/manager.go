package model

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/semfold/semfold/internal/errors"
)

// Manager is the sole owner of the resident embedding model.
// It tracks exactly one Handle; a second model can never be loading or ready
// while the first is, because all mutations run under opMu on the single
// handle field.
//
// Mutations (load, unload) are reachable only through the Gate returned by
// NewManager. The daemon hands that Gate to the scheduler and the preemption
// controller and to nobody else, making invariant enforcement structural
// rather than conventional.
type Manager struct {
	catalog     *Catalog
	backends    map[BackendKind]Backend
	downloader  *Downloader
	loadTimeout time.Duration
	onChange    StateChangeFunc

	// opMu serializes load/unload cycles.
	opMu sync.Mutex

	// mu guards handle for cheap concurrent snapshots.
	mu     sync.RWMutex
	handle Handle
}

// ManagerOptions configures the Manager.
type ManagerOptions struct {
	Catalog     *Catalog
	Backends    []Backend
	LoadTimeout time.Duration
	// OnChange observes every handle transition; used to feed FMDM.
	OnChange StateChangeFunc
}

// NewManager creates the model manager and its Gate.
// The Gate is created exactly once; there is no other way to obtain one.
func NewManager(opts ManagerOptions) (*Manager, *Gate) {
	backends := make(map[BackendKind]Backend, len(opts.Backends))
	for _, b := range opts.Backends {
		backends[b.Kind()] = b
	}

	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 60 * time.Second
	}

	m := &Manager{
		catalog:     opts.Catalog,
		backends:    backends,
		downloader:  NewDownloader(),
		loadTimeout: opts.LoadTimeout,
		onChange:    opts.OnChange,
		handle:      Handle{State: StateUnloaded, ChangedAt: time.Now()},
	}
	return m, &Gate{m: m}
}

// Gate is the single entry point for model load/unload.
type Gate struct {
	m *Manager
}

// RequestLoad makes modelID the resident model.
// No-op if it already is. Otherwise the current model is unloaded first, then
// absent weights are downloaded (progress forwarded through progressFn), and
// finally the backend loads the model. Failures surface to the caller; there
// is no silent retry.
func (g *Gate) RequestLoad(ctx context.Context, modelID string, progressFn DownloadProgressFunc) (Handle, error) {
	return g.m.requestLoad(ctx, modelID, progressFn)
}

// Unload releases the resident model. Valid only from ready.
func (g *Gate) Unload(ctx context.Context) error {
	return g.m.unload(ctx)
}

// State returns an immutable snapshot of the resident model.
func (m *Manager) State() Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// Embed produces vectors for texts, requiring the resident model to be ready
// and to match the caller's expected model. A mismatch is a hard error:
// embedding into the wrong vector space must never happen silently.
func (m *Manager) Embed(ctx context.Context, expectedModelID string, texts []string) ([][]float32, error) {
	m.mu.RLock()
	handle := m.handle
	m.mu.RUnlock()

	if handle.State != StateReady {
		return nil, errors.Newf(errors.ErrCodeModelNotReady,
			"model %s requested but resident model is %s", expectedModelID, handle.State)
	}
	if handle.ModelID != expectedModelID {
		return nil, errors.Newf(errors.ErrCodeModelNotReady,
			"model %s requested but %s is loaded", expectedModelID, handle.ModelID)
	}

	backend, ok := m.backends[handle.Backend]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInternal, "no backend registered for %s", handle.Backend)
	}
	return backend.Embed(ctx, texts)
}

// WeightsReady reports whether modelID's weights are already on disk.
func (m *Manager) WeightsReady(modelID string) (bool, error) {
	return m.catalog.WeightsPresent(modelID)
}

// EnsureWeights downloads modelID's weights if absent, forwarding download
// progress through progressFn. Safe to call outside the Gate: it never
// touches the resident handle, only the weights cache on disk.
func (m *Manager) EnsureWeights(ctx context.Context, modelID string, progressFn DownloadProgressFunc) error {
	spec, err := m.catalog.Resolve(modelID)
	if err != nil {
		return err
	}
	present, err := m.catalog.WeightsPresent(modelID)
	if err != nil || present {
		return err
	}
	return m.downloader.Fetch(ctx, spec, progressFn)
}

// Close shuts down all backends.
func (m *Manager) Close() error {
	var firstErr error
	for _, b := range m.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) requestLoad(ctx context.Context, modelID string, progressFn DownloadProgressFunc) (Handle, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	current := m.State()
	if current.State == StateReady && current.ModelID == modelID {
		return current, nil
	}

	spec, err := m.catalog.Resolve(modelID)
	if err != nil {
		return current, err
	}
	backend, ok := m.backends[spec.Backend]
	if !ok {
		return current, errors.Newf(errors.ErrCodeInternal, "no backend registered for %s", spec.Backend)
	}

	// Unload whatever is currently resident and wait for completion
	if current.State == StateReady {
		if err := m.unloadLocked(ctx, current); err != nil {
			return m.State(), err
		}
	}

	// Absent weights trigger the download sub-flow before loading proceeds
	present, err := m.catalog.WeightsPresent(modelID)
	if err != nil {
		return m.State(), err
	}
	if !present {
		slog.Info("downloading model weights",
			slog.String("model", modelID),
			slog.String("url", spec.WeightsURL))
		if err := m.downloader.Fetch(ctx, spec, progressFn); err != nil {
			m.setHandle(Handle{
				ModelID: modelID, Backend: spec.Backend, State: StateError,
				Dimension: spec.Dimension, Err: err.Error(),
			})
			return m.State(), err
		}
	}

	m.setHandle(Handle{
		ModelID: modelID, Backend: spec.Backend, State: StateLoading,
		Dimension: spec.Dimension,
	})

	loadCtx, cancel := context.WithTimeout(ctx, m.loadTimeout)
	defer cancel()

	start := time.Now()
	if err := backend.Load(loadCtx, spec); err != nil {
		var de *errors.DaemonError
		if loadCtx.Err() == context.DeadlineExceeded {
			de = errors.Newf(errors.ErrCodeModelLoadTimeout,
				"model %s load exceeded %s", modelID, m.loadTimeout)
		} else if known, ok := err.(*errors.DaemonError); ok {
			de = known
		} else {
			de = errors.Wrap(errors.ErrCodeModelLoadError, err)
		}
		m.setHandle(Handle{
			ModelID: modelID, Backend: spec.Backend, State: StateError,
			Dimension: spec.Dimension, Err: de.Error(),
		})
		return m.State(), de
	}

	slog.Info("model loaded",
		slog.String("model", modelID),
		slog.String("backend", string(spec.Backend)),
		slog.Duration("took", time.Since(start)))

	m.setHandle(Handle{
		ModelID: modelID, Backend: spec.Backend, State: StateReady,
		Dimension: spec.Dimension,
	})
	return m.State(), nil
}

func (m *Manager) unload(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	current := m.State()
	if current.State != StateReady {
		return errors.Newf(errors.ErrCodeModelNotReady,
			"unload requested but model state is %s", current.State)
	}
	return m.unloadLocked(ctx, current)
}

// unloadLocked performs ready -> unloading -> unloaded. Caller holds opMu.
func (m *Manager) unloadLocked(ctx context.Context, current Handle) error {
	backend, ok := m.backends[current.Backend]
	if !ok {
		return errors.Newf(errors.ErrCodeInternal, "no backend registered for %s", current.Backend)
	}

	m.setHandle(Handle{
		ModelID: current.ModelID, Backend: current.Backend,
		State: StateUnloading, Dimension: current.Dimension,
	})

	if err := backend.Unload(ctx); err != nil {
		m.setHandle(Handle{
			ModelID: current.ModelID, Backend: current.Backend, State: StateError,
			Dimension: current.Dimension, Err: err.Error(),
		})
		return errors.Wrap(errors.ErrCodeModelLoadError, err)
	}

	slog.Debug("model unloaded", slog.String("model", current.ModelID))
	m.setHandle(Handle{State: StateUnloaded})
	return nil
}

func (m *Manager) setHandle(h Handle) {
	h.ChangedAt = time.Now()
	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(h)
	}
}
