// Package preempt lets interactive search interrupt background indexing.
// A search must embed its query with the exact model that produced the
// target folder's vectors; if a different model is resident the current
// driver is suspended at a file boundary, the models are swapped for the
// query, and the original model is restored before the driver resumes.
package preempt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	dmerrors "github.com/semfold/semfold/internal/errors"
	"github.com/semfold/semfold/internal/folder"
	"github.com/semfold/semfold/internal/model"
	"github.com/semfold/semfold/internal/scheduler"
	"github.com/semfold/semfold/internal/store"
)

// FolderResolver maps a folder path to its assigned model and index.
type FolderResolver interface {
	LookupFolder(path string) (modelID string, index store.FolderIndex, err error)
}

// Options wires the search controller.
type Options struct {
	Gate    *model.Gate
	Manager *model.Manager
	Sched   *scheduler.Scheduler
	Folders FolderResolver

	// SuspendTimeout bounds the suspend handshake with the driver.
	SuspendTimeout time.Duration

	// QueryCacheSize is the query-embedding LRU capacity per process.
	QueryCacheSize int

	Logger *slog.Logger
}

// Controller executes searches, preempting the indexing pipeline only
// when the required model is not already resident.
type Controller struct {
	gate           *model.Gate
	manager        *model.Manager
	sched          *scheduler.Scheduler
	folders        FolderResolver
	suspendTimeout time.Duration
	logger         *slog.Logger

	// swapMu: read side for searches on the resident model, write side
	// for model swaps. Same-model searches run concurrently; swaps
	// serialize against everything.
	swapMu sync.RWMutex

	// queryCache holds query embeddings keyed by model+query. A hit
	// answers from the index alone, with no model involvement at all.
	queryCache *lru.Cache[string, []float32]
}

// NewController builds the search controller.
func NewController(opts Options) (*Controller, error) {
	if opts.SuspendTimeout <= 0 {
		opts.SuspendTimeout = 10 * time.Second
	}
	if opts.QueryCacheSize <= 0 {
		opts.QueryCacheSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache, err := lru.New[string, []float32](opts.QueryCacheSize)
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.ErrCodeInternal, err)
	}
	return &Controller{
		gate:           opts.Gate,
		manager:        opts.Manager,
		sched:          opts.Sched,
		folders:        opts.Folders,
		suspendTimeout: opts.SuspendTimeout,
		logger:         opts.Logger,
		queryCache:     cache,
	}, nil
}

func cacheKey(modelID, query string) string {
	return modelID + "\x00" + query
}

// HandleSearch embeds query with the folder's assigned model and returns
// the topK nearest chunks.
func (p *Controller) HandleSearch(ctx context.Context, folderPath, query string, topK int) ([]store.SearchHit, error) {
	modelID, index, err := p.folders.LookupFolder(folderPath)
	if err != nil {
		return nil, err
	}

	// Cached query embedding: no model needed, no preemption possible.
	if vec, ok := p.queryCache.Get(cacheKey(modelID, query)); ok {
		return index.Search(ctx, vec, topK)
	}

	vec, err := p.queryVector(ctx, modelID, query)
	if err != nil {
		return nil, err
	}
	p.queryCache.Add(cacheKey(modelID, query), vec)
	return index.Search(ctx, vec, topK)
}

// queryVector produces the query embedding, swapping models if required.
func (p *Controller) queryVector(ctx context.Context, modelID, query string) ([]float32, error) {
	// Fast path: the required model is resident. Shared lock so
	// concurrent searches on the same model run freely.
	p.swapMu.RLock()
	if h := p.manager.State(); h.State == model.StateReady && h.ModelID == modelID {
		vecs, err := p.manager.Embed(ctx, modelID, []string{query})
		p.swapMu.RUnlock()
		if err != nil {
			return nil, err
		}
		return vecs[0], nil
	}
	p.swapMu.RUnlock()

	// Slow path: a swap is needed. Swaps serialize; searches needing
	// different models queue here one at a time.
	p.swapMu.Lock()
	defer p.swapMu.Unlock()

	// The previous swap holder may have loaded our model already.
	if h := p.manager.State(); h.State == model.StateReady && h.ModelID == modelID {
		vecs, err := p.manager.Embed(ctx, modelID, []string{query})
		if err != nil {
			return nil, err
		}
		return vecs[0], nil
	}
	return p.swapEmbedRestore(ctx, modelID, query)
}

// swapEmbedRestore suspends the driver if one is indexing, makes modelID
// resident, embeds the query, then restores the driver's model and resumes
// it in place. The suspended driver keeps its grant the whole time, which
// is what puts it at the head of the line: no newly queued folder can be
// granted before it finishes.
func (p *Controller) swapEmbedRestore(ctx context.Context, modelID, query string) ([]float32, error) {
	p.sched.Pause()
	defer p.sched.Resume()

	var (
		resume       func()
		restoreModel string
	)
	// A driver in ready state holds a grant whose drive has not begun
	// yet; it must be suspended too, or its first embed would race the
	// swap below and fail against the wrong model.
	if driver := p.sched.CurrentDriver(); driver != nil && driverSwappable(driver.Status().State) {
		suspendCtx, cancel := context.WithTimeout(ctx, p.suspendTimeout)
		defer cancel()

		r, err := driver.Suspend(suspendCtx)
		if err != nil {
			return nil, err
		}
		resume = r
		restoreModel = driver.ModelID()
		p.logger.Info("indexing preempted for search",
			slog.String("driver", driver.Path()),
			slog.String("from_model", restoreModel),
			slog.String("to_model", modelID))
	}

	if _, err := p.gate.RequestLoad(ctx, modelID, nil); err != nil {
		if resume != nil {
			resume()
		}
		return nil, err
	}

	vecs, embedErr := p.manager.Embed(ctx, modelID, []string{query})

	if resume != nil {
		// Restore the driver's model before waking it. A restore failure
		// is surfaced by the driver's next embed call, loudly.
		if _, err := p.gate.RequestLoad(ctx, restoreModel, nil); err != nil {
			p.logger.Error("failed to restore model after search",
				slog.String("model", restoreModel),
				slog.String("error", err.Error()))
		}
		resume()
	}

	if embedErr != nil {
		return nil, embedErr
	}
	return vecs[0], nil
}

// driverSwappable reports whether the current driver's model must be
// restored around a swap. Indexing means embeds are in progress; ready
// means the grant is issued and the first embed is imminent. Any other
// state means the drive is over and release is the only thing pending.
func driverSwappable(s folder.State) bool {
	return s == folder.StateIndexing || s == folder.StateReady
}
