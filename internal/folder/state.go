package folder

import (
	"time"

	dmerrors "github.com/semfold/semfold/internal/errors"
)

// State is a folder's lifecycle state.
type State string

const (
	StatePending          State = "pending"
	StateScanning         State = "scanning"
	StateDownloadingModel State = "downloading-model"
	StateReady            State = "ready"
	StateIndexing         State = "indexing"
	StateActive           State = "active"
	StateError            State = "error"
)

// Reason records why a folder was queued for indexing.
type Reason string

const (
	ReasonInitial Reason = "initial"
	ReasonRescan  Reason = "rescan"
	ReasonRetry   Reason = "retry"
)

// legalTransitions is the folder state graph. Every state may fall to
// error; error leaves only through retry back to pending.
var legalTransitions = map[State][]State{
	StatePending:          {StateScanning, StateError},
	StateScanning:         {StateDownloadingModel, StateReady, StateActive, StateError},
	StateDownloadingModel: {StateReady, StateError},
	StateReady:            {StateIndexing, StateError},
	StateIndexing:         {StateActive, StateError},
	StateActive:           {StateScanning, StateError},
	StateError:            {StatePending},
}

func transitionAllowed(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Status is the externally visible state of one folder, published on every
// transition and progress tick.
type Status struct {
	Path          string
	ModelID       string
	State         State
	Progress      float64
	IndexedFiles  int
	TotalFiles    int
	FailedFiles   int
	ErrorCode     string
	ErrorMessage  string
	LastIndexedAt time.Time
}

func badTransition(path string, from, to State) error {
	return dmerrors.Newf(dmerrors.ErrCodeBadTransition,
		"folder %s: illegal transition %s -> %s", path, from, to)
}
