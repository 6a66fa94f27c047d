// Package daemon hosts the semfold background service: a Unix-socket
// JSON-RPC server in front of the folder lifecycle controllers, the
// single-slot model manager, the indexing scheduler, and the search
// preemption path. One daemon owns one data directory.
package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/semfold/semfold/internal/config"
	"github.com/semfold/semfold/internal/errors"
	"github.com/semfold/semfold/internal/fmdm"
	"github.com/semfold/semfold/internal/folder"
	"github.com/semfold/semfold/internal/model"
	"github.com/semfold/semfold/internal/preempt"
	"github.com/semfold/semfold/internal/scheduler"
	"github.com/semfold/semfold/internal/source"
	"github.com/semfold/semfold/internal/store"
	"github.com/semfold/semfold/internal/watcher"
)

// GPUWorkerCommand is the executable the GPU backend spawns. Resolved
// through PATH; overridable for tests and packaging via Options.
const GPUWorkerCommand = "semfold-gpu-worker"

// Options tunes daemon construction beyond what the config file carries.
type Options struct {
	// ConfigPath is where folder registrations are persisted back to.
	ConfigPath string

	// GPUWorker overrides the GPU worker executable.
	GPUWorker string

	Logger *slog.Logger
}

// folderEntry is one registered folder and its wiring.
type folderEntry struct {
	id    string
	ctrl  *folder.Controller
	index store.FolderIndex
}

// Daemon owns every long-lived component and implements both the RPC
// RequestHandler and the search path's folder resolver.
type Daemon struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger

	catalog *model.Catalog
	manager *model.Manager
	gate    *model.Gate
	disk    *store.DiskStore
	sched   *scheduler.Scheduler
	search  *preempt.Controller
	state   *fmdm.Broadcaster
	src     source.Source
	pidFile *PIDFile
	server  *Server

	mu      sync.Mutex
	folders map[string]*folderEntry
	runCtx  context.Context
	started time.Time
}

var _ RequestHandler = (*Daemon)(nil)
var _ preempt.FolderResolver = (*Daemon)(nil)

// New wires a daemon from configuration. Nothing runs until Run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	gpuWorker := opts.GPUWorker
	if gpuWorker == "" {
		gpuWorker = GPUWorkerCommand
	}

	d := &Daemon{
		cfg:     cfg,
		cfgPath: cfgPath,
		logger:  logger,
		state:   fmdm.NewBroadcaster(),
		src:     source.NewFileSource(),
		pidFile: NewPIDFile(filepath.Join(cfg.Daemon.DataDir, "daemon.pid")),
		folders: make(map[string]*folderEntry),
	}

	catalog, err := model.NewCatalog(cfg.Daemon.DataDir, cfg.Models)
	if err != nil {
		return nil, err
	}
	d.catalog = catalog

	d.manager, d.gate = model.NewManager(model.ManagerOptions{
		Catalog: catalog,
		Backends: []model.Backend{
			model.NewCPUBackend(),
			model.NewGPUBackend(gpuWorker),
			model.NewRemoteBackend(),
		},
		LoadTimeout: cfg.Daemon.ModelLoadTimeout,
		OnChange:    d.onModelChange,
	})

	d.disk, err = store.NewDiskStore(cfg.Daemon.DataDir, logger)
	if err != nil {
		return nil, err
	}

	d.sched = scheduler.New(scheduler.Options{
		Gate:         d.gate,
		OnQueueDepth: d.state.SetQueueDepth,
		OnDownload:   d.onModelDownload,
		Logger:       logger,
	})

	d.search, err = preempt.NewController(preempt.Options{
		Gate:           d.gate,
		Manager:        d.manager,
		Sched:          d.sched,
		Folders:        d,
		SuspendTimeout: cfg.Daemon.PreemptionTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	d.server = NewServer(cfg.Daemon.SocketPath, d, logger)
	return d, nil
}

// Run acquires the singleton lock, restores persisted folders, and serves
// RPC until ctx is cancelled. Blocking.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.pidFile.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := d.pidFile.Release(); err != nil {
			d.logger.Warn("pidfile release", slog.String("error", err.Error()))
		}
	}()

	d.mu.Lock()
	d.runCtx = ctx
	d.started = time.Now()
	d.mu.Unlock()

	d.state.SetDaemonStatus("running")
	d.sched.Start(ctx)

	for _, f := range d.cfg.Folders {
		if err := d.registerFolder(ctx, f.Path, f.ModelID); err != nil {
			// One broken registration must not take the daemon down
			d.logger.Error("restore folder",
				slog.String("path", f.Path),
				slog.String("error", err.Error()))
		}
	}

	err := d.server.ListenAndServe(ctx)

	d.shutdown()
	return err
}

// shutdown tears components down in dependency order.
func (d *Daemon) shutdown() {
	d.state.SetDaemonStatus("stopping")

	d.mu.Lock()
	entries := make([]*folderEntry, 0, len(d.folders))
	for _, e := range d.folders {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	for _, e := range entries {
		e.ctrl.Stop()
	}
	d.sched.Stop()

	if err := d.manager.Close(); err != nil {
		d.logger.Warn("manager close", slog.String("error", err.Error()))
	}
	if err := d.disk.Close(); err != nil {
		d.logger.Warn("store close", slog.String("error", err.Error()))
	}
	d.state.Close()
}

// AddFolder implements RequestHandler. The registration is persisted
// before the controller starts so a crash cannot lose it.
func (d *Daemon) AddFolder(ctx context.Context, path, modelID string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(errors.ErrCodeFolderMissing, err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return errors.Newf(errors.ErrCodeFolderMissing, "not a directory: %s", abs)
	}
	if _, err := d.cfg.Model(modelID); err != nil {
		return err
	}

	d.mu.Lock()
	runCtx := d.runCtx
	d.mu.Unlock()

	if err := d.cfg.AddFolder(abs, modelID); err != nil {
		return err
	}
	if err := d.cfg.Save(d.cfgPath); err != nil {
		// Roll the in-memory registration back so config and memory agree
		_ = d.cfg.RemoveFolder(abs)
		return err
	}

	if err := d.registerFolder(runCtx, abs, modelID); err != nil {
		// Undo the persisted registration too; a folder with no running
		// controller must not survive into the next daemon start.
		_ = d.cfg.RemoveFolder(abs)
		if saveErr := d.cfg.Save(d.cfgPath); saveErr != nil {
			d.logger.Warn("rollback of failed registration not persisted",
				slog.String("path", abs),
				slog.String("error", saveErr.Error()))
		}
		return err
	}
	return nil
}

// RemoveFolder implements RequestHandler. The controller is stopped and
// its index dropped; weights and other folders are untouched.
func (d *Daemon) RemoveFolder(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(errors.ErrCodeFolderUnknown, err)
	}

	d.mu.Lock()
	entry, ok := d.folders[abs]
	if ok {
		delete(d.folders, abs)
	}
	d.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrCodeFolderUnknown, "folder not registered: %s", abs)
	}

	d.sched.Remove(abs)
	entry.ctrl.Stop()
	if err := d.disk.DropFolder(entry.id); err != nil {
		d.logger.Warn("drop folder index",
			slog.String("path", abs),
			slog.String("error", err.Error()))
	}
	d.state.RemoveFolder(entry.id)

	if err := d.cfg.RemoveFolder(abs); err != nil {
		return err
	}
	return d.cfg.Save(d.cfgPath)
}

// RetryFolder implements RequestHandler.
func (d *Daemon) RetryFolder(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(errors.ErrCodeFolderUnknown, err)
	}

	d.mu.Lock()
	entry, ok := d.folders[abs]
	d.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrCodeFolderUnknown, "folder not registered: %s", abs)
	}
	return entry.ctrl.Retry()
}

// Search implements RequestHandler via the preemption controller.
func (d *Daemon) Search(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	abs, err := filepath.Abs(params.Path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFolderUnknown, err)
	}

	hits, err := d.search.HandleSearch(ctx, abs, params.Query, params.Limit)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, len(hits))
	for i, h := range hits {
		results[i] = SearchResult{
			DocumentID: h.DocumentID,
			Ordinal:    h.Ordinal,
			Score:      float64(h.Score),
			Snippet:    h.Snippet,
		}
	}
	return results, nil
}

// Status implements RequestHandler.
func (d *Daemon) Status() StatusResult {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()

	snap := d.state.Current()
	folders := make([]FolderResult, len(snap.Folders))
	for i, f := range snap.Folders {
		folders[i] = FolderResult{
			Path:         f.Path,
			Model:        f.ModelID,
			State:        string(f.State),
			Progress:     f.Progress,
			IndexedFiles: f.IndexedFiles,
			TotalFiles:   f.TotalFiles,
			ErrorCode:    f.ErrorCode,
			ErrorMessage: f.ErrorMessage,
		}
	}

	return StatusResult{
		Running:    true,
		PID:        os.Getpid(),
		Uptime:     time.Since(started).Round(time.Second).String(),
		Model:      snap.Model,
		Folders:    folders,
		QueueDepth: snap.QueueDepth,
	}
}

// WatchUpdates implements RequestHandler.
func (d *Daemon) WatchUpdates() (<-chan fmdm.Snapshot, func()) {
	return d.state.Subscribe()
}

// LookupFolder implements preempt.FolderResolver.
func (d *Daemon) LookupFolder(path string) (string, store.FolderIndex, error) {
	d.mu.Lock()
	entry, ok := d.folders[path]
	d.mu.Unlock()
	if !ok {
		return "", nil, errors.Newf(errors.ErrCodeFolderUnknown, "folder not registered: %s", path)
	}
	return entry.ctrl.ModelID(), entry.index, nil
}

// registerFolder opens the folder's index and starts its controller.
func (d *Daemon) registerFolder(ctx context.Context, path, modelID string) error {
	spec, err := d.catalog.Resolve(modelID)
	if err != nil {
		return err
	}

	id := folderID(path)
	index, err := d.disk.Folder(id, spec.Dimension)
	if err != nil {
		return err
	}

	ctrl := folder.NewController(
		folder.Config{
			Path:                   path,
			ModelID:                modelID,
			ExistenceCheckInterval: d.cfg.Daemon.ExistenceCheckInterval,
			WatchDebounce:          d.cfg.Daemon.WatchDebounce,
		},
		folder.Deps{
			Source:   d.src,
			Index:    index,
			Embedder: d.manager,
			Models:   d.manager,
			Queue:    d.sched,
			OnStatus: func(s folder.Status) {
				d.state.SetFolder(folderView(id, s))
			},
			NewWatcher: func() (watcher.Watcher, error) {
				return watcher.NewFSWatcher(watcher.Options{
					DebounceWindow: d.cfg.Daemon.WatchDebounce,
				})
			},
			Logger: d.logger,
		},
	)

	d.mu.Lock()
	d.folders[path] = &folderEntry{id: id, ctrl: ctrl, index: index}
	d.mu.Unlock()

	ctrl.Start(ctx)
	return nil
}

// onModelChange bridges manager handle transitions into published state.
func (d *Daemon) onModelChange(h model.Handle) {
	d.state.SetModel(fmdm.ModelView{
		ModelID:      h.ModelID,
		Backend:      string(h.Backend),
		State:        string(h.State),
		ErrorMessage: h.Err,
		UpdatedAt:    h.ChangedAt,
	})
}

// onModelDownload publishes weight download progress.
func (d *Daemon) onModelDownload(p model.DownloadProgress) {
	h := d.manager.State()
	d.state.SetModel(fmdm.ModelView{
		ModelID:         p.ModelID,
		Backend:         string(h.Backend),
		State:           "downloading",
		DownloadPercent: float64(p.Percent),
		UpdatedAt:       time.Now(),
	})
}

// folderView converts a controller status into the published view.
func folderView(id string, s folder.Status) fmdm.FolderView {
	return fmdm.FolderView{
		ID:           id,
		Path:         s.Path,
		ModelID:      s.ModelID,
		State:        fmdm.FolderState(s.State),
		Progress:     s.Progress,
		IndexedFiles: s.IndexedFiles,
		TotalFiles:   s.TotalFiles,
		ErrorCode:    s.ErrorCode,
		ErrorMessage: s.ErrorMessage,
		UpdatedAt:    time.Now(),
	}
}

// folderID derives a stable identifier from the folder path. The path
// itself is not filesystem-safe; its hash prefix is.
func folderID(path string) string {
	h := sha256.Sum256([]byte(path))
	return hex.EncodeToString(h[:])[:16]
}
