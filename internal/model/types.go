// Package model owns the single loaded embedding model.
//
// Exactly one model may be resident at a time, regardless of backend kind.
// The Manager tracks the model through the unloaded -> loading -> ready ->
// unloading cycle, and load/unload are reachable only through the Gate, which
// is handed out once at wiring time (to the scheduler and the preemption
// controller). Every other component can observe state and embed, but cannot
// swap models.
package model

import (
	"context"
	"time"
)

// BackendKind identifies how a model executes.
type BackendKind string

const (
	// BackendGPUProcess runs the model in a long-lived worker subprocess.
	// The subprocess persists for the daemon's entire life; load and unload
	// only move weights in and out of it.
	BackendGPUProcess BackendKind = "gpu-process"

	// BackendCPURuntime runs the model as an in-process inference session.
	BackendCPURuntime BackendKind = "cpu-runtime"

	// BackendRemoteHTTP delegates embedding to a local HTTP endpoint.
	// No local weights exist; load is a reachability check.
	BackendRemoteHTTP BackendKind = "remote-http"
)

// LoadState is the lifecycle state of the resident model.
type LoadState string

const (
	StateUnloaded  LoadState = "unloaded"
	StateLoading   LoadState = "loading"
	StateReady     LoadState = "ready"
	StateUnloading LoadState = "unloading"
	StateError     LoadState = "error"
)

// Spec is a resolved catalog entry: everything a backend needs to load a model.
type Spec struct {
	// ID is the model identifier referenced by folder registrations.
	ID string

	// Backend selects which backend executes this model.
	Backend BackendKind

	// Dimension is the embedding dimension the model produces.
	Dimension int

	// WeightsURL is where weights are fetched from when absent.
	// Empty when the model has no local weights (remote-http).
	WeightsURL string

	// WeightsPath is the local weights file location under the data dir.
	// Empty when the model has no local weights.
	WeightsPath string

	// Endpoint is the remote embedding endpoint (remote-http only).
	Endpoint string
}

// HasWeights reports whether this model keeps weights on local disk.
func (s Spec) HasWeights() bool {
	return s.WeightsPath != ""
}

// Handle is an immutable snapshot of the resident model.
type Handle struct {
	ModelID   string      `json:"model_id"`
	Backend   BackendKind `json:"backend"`
	State     LoadState   `json:"state"`
	Dimension int         `json:"dimension"`
	// Err carries the failure detail when State is StateError.
	Err string `json:"error,omitempty"`
	// ChangedAt is when the handle entered its current state.
	ChangedAt time.Time `json:"changed_at"`
}

// Backend is the capability interface every execution kind implements.
// Callers never branch on backend kind; the Manager routes through this.
type Backend interface {
	// Kind identifies the backend.
	Kind() BackendKind

	// Load makes the given model resident. Blocking; honors ctx cancellation.
	Load(ctx context.Context, spec Spec) error

	// Unload releases the resident model's resources. For the GPU worker this
	// releases weights but keeps the subprocess alive; for the CPU runtime it
	// frees the inference session; for remote HTTP it is a no-op.
	Unload(ctx context.Context) error

	// Embed produces one vector per input text. Requires a loaded model.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Close releases backend-level resources at daemon shutdown.
	Close() error
}

// DownloadProgress is emitted while absent model weights are being fetched.
type DownloadProgress struct {
	ModelID string
	Percent int
}

// DownloadProgressFunc receives download progress events.
type DownloadProgressFunc func(DownloadProgress)

// StateChangeFunc observes every Handle transition (for FMDM).
type StateChangeFunc func(Handle)
