package model

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/semfold/semfold/internal/errors"
)

// workerRequest is one command sent to the GPU worker subprocess.
// The protocol is newline-delimited JSON over stdin/stdout with three verbs:
// load, unload, embed.
type workerRequest struct {
	ID    int64    `json:"id"`
	Op    string   `json:"op"`
	Model string   `json:"model,omitempty"`
	Texts []string `json:"texts,omitempty"`
}

// workerResponse is the worker's reply to one request.
type workerResponse struct {
	ID      int64       `json:"id"`
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Vectors [][]float32 `json:"vectors,omitempty"`
}

// GPUBackend drives the singleton GPU worker subprocess.
// The subprocess is started lazily on first load and persists for the
// daemon's entire life; load and unload only move weights inside it.
type GPUBackend struct {
	command string
	args    []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  *bufio.Writer
	stdout *bufio.Scanner
	nextID int64
	closed bool
}

// NewGPUBackend creates the GPU worker backend.
// command is the worker executable; it is not spawned until the first load.
func NewGPUBackend(command string, args ...string) *GPUBackend {
	return &GPUBackend{command: command, args: args}
}

// Kind implements Backend.
func (b *GPUBackend) Kind() BackendKind { return BackendGPUProcess }

// Load sends the load verb to the worker, spawning it if necessary.
func (b *GPUBackend) Load(ctx context.Context, spec Spec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureWorker(); err != nil {
		return err
	}

	_, err := b.roundTrip(ctx, workerRequest{Op: "load", Model: spec.WeightsPath})
	return err
}

// Unload releases the weights inside the worker. The subprocess stays alive.
func (b *GPUBackend) Unload(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd == nil {
		return nil
	}
	_, err := b.roundTrip(ctx, workerRequest{Op: "unload"})
	return err
}

// Embed sends texts to the worker and returns the resulting vectors.
func (b *GPUBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd == nil {
		return nil, errors.New(errors.ErrCodeModelNotReady, "gpu worker not running", nil)
	}

	resp, err := b.roundTrip(ctx, workerRequest{Op: "embed", Texts: texts})
	if err != nil {
		return nil, err
	}
	if len(resp.Vectors) != len(texts) {
		return nil, errors.Newf(errors.ErrCodeEmbeddingFailed,
			"worker returned %d vectors for %d texts", len(resp.Vectors), len(texts))
	}
	return resp.Vectors, nil
}

// Close terminates the worker subprocess at daemon shutdown.
func (b *GPUBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.cmd == nil {
		return nil
	}

	cmd := b.cmd
	b.cmd = nil
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return cmd.Wait()
}

// ensureWorker spawns the subprocess if it is not running. Caller holds mu.
func (b *GPUBackend) ensureWorker() error {
	if b.closed {
		return errors.New(errors.ErrCodeInternal, "gpu backend is closed", nil)
	}
	if b.cmd != nil {
		return nil
	}

	cmd := exec.Command(b.command, b.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(errors.ErrCodeModelLoadError, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(errors.ErrCodeModelLoadError, err)
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(errors.ErrCodeModelLoadError,
			fmt.Errorf("failed to start gpu worker %s: %w", b.command, err))
	}

	b.cmd = cmd
	b.stdin = bufio.NewWriter(stdin)
	scanner := bufio.NewScanner(stdout)
	// Embedding batches can be large; allow responses up to 16MB
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	b.stdout = scanner
	return nil
}

// roundTrip sends one request and reads its reply. Caller holds mu, which
// also serializes access to the worker's pipes.
func (b *GPUBackend) roundTrip(ctx context.Context, req workerRequest) (*workerResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	b.nextID++
	req.ID = b.nextID

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}
	if _, err := b.stdin.Write(append(payload, '\n')); err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbeddingFailed, err)
	}
	if err := b.stdin.Flush(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbeddingFailed, err)
	}

	type result struct {
		resp *workerResponse
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		for b.stdout.Scan() {
			var resp workerResponse
			if err := json.Unmarshal(b.stdout.Bytes(), &resp); err != nil {
				resultCh <- result{nil, fmt.Errorf("malformed worker response: %w", err)}
				return
			}
			// Skip stale replies from requests abandoned on timeout
			if resp.ID != req.ID {
				continue
			}
			resultCh <- result{&resp, nil}
			return
		}
		if err := b.stdout.Err(); err != nil {
			resultCh <- result{nil, err}
			return
		}
		resultCh <- result{nil, fmt.Errorf("gpu worker exited unexpectedly")}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, errors.Wrap(errors.ErrCodeEmbeddingFailed, r.err)
		}
		if !r.resp.OK {
			return nil, errors.Newf(errors.ErrCodeEmbeddingFailed, "worker %s failed: %s", req.Op, r.resp.Error)
		}
		return r.resp, nil
	}
}
