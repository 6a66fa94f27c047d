package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/semfold/semfold/internal/errors"
)

// DownloadTimeout is the maximum time to wait for a weights download.
const DownloadTimeout = 30 * time.Minute

// Downloader fetches absent model weights. Downloads are guarded by a
// cross-process file lock so two daemon instances sharing a data dir never
// fetch the same weights concurrently.
type Downloader struct {
	client *http.Client
	retry  errors.RetryConfig
}

// NewDownloader creates a weights downloader.
func NewDownloader() *Downloader {
	return &Downloader{
		client: &http.Client{Timeout: DownloadTimeout},
		retry:  errors.DefaultRetryConfig(),
	}
}

// Fetch downloads spec's weights to spec.WeightsPath, reporting percent
// progress through progressFn. The file is written to a temp path and renamed
// on success so a partial download never masquerades as valid weights.
func (d *Downloader) Fetch(ctx context.Context, spec Spec, progressFn DownloadProgressFunc) error {
	if !spec.HasWeights() {
		return nil
	}

	dir := filepath.Dir(spec.WeightsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeModelDownloadFailed, err)
	}

	lock := flock.New(filepath.Join(dir, ".download.lock"))
	if err := lock.Lock(); err != nil {
		return errors.Wrap(errors.ErrCodeModelDownloadFailed, err)
	}
	defer func() { _ = lock.Unlock() }()

	// Another process may have finished the download while we waited
	if info, err := os.Stat(spec.WeightsPath); err == nil && info.Size() > 0 {
		if progressFn != nil {
			progressFn(DownloadProgress{ModelID: spec.ID, Percent: 100})
		}
		return nil
	}

	// Download failures are classified retryable; back off and try again
	// before giving up on the load.
	attempt := func() error {
		if err := d.download(ctx, spec, progressFn); err != nil {
			if de, ok := err.(*errors.DaemonError); ok {
				return de
			}
			return errors.Wrap(errors.ErrCodeModelDownloadFailed, err)
		}
		return nil
	}
	if err := errors.Retry(ctx, d.retry, attempt); err != nil {
		if de, ok := err.(*errors.DaemonError); ok {
			return de
		}
		return errors.Wrap(errors.ErrCodeModelDownloadFailed, err)
	}
	return nil
}

func (d *Downloader) download(ctx context.Context, spec Spec, progressFn DownloadProgressFunc) error {
	tmpPath := spec.WeightsPath + ".tmp"
	defer os.Remove(tmpPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.WeightsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "semfold/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer file.Close()

	totalSize := resp.ContentLength

	var downloaded int64
	lastPercent := -1
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("failed to write: %w", writeErr)
			}
			downloaded += int64(n)
			if progressFn != nil && totalSize > 0 {
				percent := int(downloaded * 100 / totalSize)
				if percent != lastPercent {
					lastPercent = percent
					progressFn(DownloadProgress{ModelID: spec.ID, Percent: percent})
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close: %w", err)
	}

	if err := os.Rename(tmpPath, spec.WeightsPath); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}

	if progressFn != nil {
		progressFn(DownloadProgress{ModelID: spec.ID, Percent: 100})
	}
	return nil
}
