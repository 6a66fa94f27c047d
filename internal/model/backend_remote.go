package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/semfold/semfold/internal/errors"
)

// Remote backend defaults.
const (
	// DefaultRemoteTimeout bounds a single embed request.
	DefaultRemoteTimeout = 120 * time.Second

	remotePoolSize = 4
)

// remoteEmbedRequest is the POST /api/embed payload.
type remoteEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// remoteEmbedResponse is the embedding server's reply.
type remoteEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// RemoteBackend delegates embedding to a local HTTP embedding server.
// No weights live on local disk; load verifies reachability and unload is a
// no-op because the server manages its own residency.
type RemoteBackend struct {
	client *http.Client

	mu   sync.RWMutex
	spec *Spec
}

// NewRemoteBackend creates the remote HTTP backend.
func NewRemoteBackend() *RemoteBackend {
	// Per-request context timeouts; no client-level timeout that would
	// override them.
	return &RemoteBackend{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        remotePoolSize,
				MaxIdleConnsPerHost: remotePoolSize,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// Kind implements Backend.
func (b *RemoteBackend) Kind() BackendKind { return BackendRemoteHTTP }

// Load verifies the endpoint is reachable, then marks the model active.
func (b *RemoteBackend) Load(ctx context.Context, spec Spec) error {
	if spec.Endpoint == "" {
		return errors.Newf(errors.ErrCodeModelLoadError, "model %s has no endpoint configured", spec.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.Endpoint+"/health", nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeModelLoadError, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrCodeModelLoadError,
			fmt.Errorf("embedding server unreachable at %s: %w", spec.Endpoint, err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf(errors.ErrCodeModelLoadError,
			"embedding server health check failed with status %d", resp.StatusCode)
	}

	b.mu.Lock()
	b.spec = &spec
	b.mu.Unlock()
	return nil
}

// Unload is a no-op; the remote server owns its own residency.
func (b *RemoteBackend) Unload(ctx context.Context) error {
	b.mu.Lock()
	b.spec = nil
	b.mu.Unlock()
	return nil
}

// Embed posts texts to the embedding server.
func (b *RemoteBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	b.mu.RLock()
	spec := b.spec
	b.mu.RUnlock()

	if spec == nil {
		return nil, errors.New(errors.ErrCodeModelNotReady, "remote backend has no active model", nil)
	}

	body, err := json.Marshal(remoteEmbedRequest{Model: spec.ID, Input: texts})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, DefaultRemoteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, spec.Endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbeddingFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Newf(errors.ErrCodeEmbeddingFailed,
			"embed failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result remoteEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbeddingFailed, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, errors.Newf(errors.ErrCodeEmbeddingFailed,
			"server returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		vectors[i] = normalizeVector(vec)
	}
	return vectors, nil
}

// Close releases idle connections.
func (b *RemoteBackend) Close() error {
	if t, ok := b.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}
