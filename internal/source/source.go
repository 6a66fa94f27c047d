// Package source enumerates folder contents for indexing.
// It yields per-file content fingerprints for change diffing and chunk lists
// for embedding. The orchestration core consumes only those two things;
// everything else about file formats stays in here.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/semfold/semfold/internal/errors"
)

// DefaultMaxFileSize is the largest file the source will fingerprint (10MB).
const DefaultMaxFileSize = 10 * 1024 * 1024

// DefaultChunkSize is the target chunk size in bytes.
const DefaultChunkSize = 2048

// FileInfo describes one discovered file.
type FileInfo struct {
	// Path is relative to the folder root.
	Path string
	// Fingerprint is the SHA-256 of the file content.
	Fingerprint string
	// Size in bytes.
	Size int64
}

// Source yields files, fingerprints, and chunks for a folder.
type Source interface {
	// Scan enumerates indexable files under root with their fingerprints.
	Scan(ctx context.Context, root string) ([]FileInfo, error)

	// Chunks reads and chunks one file for embedding.
	Chunks(ctx context.Context, root, path string) ([]string, error)
}

// FileSource is the filesystem-backed Source.
type FileSource struct {
	// MaxFileSize caps fingerprinted files (default DefaultMaxFileSize).
	MaxFileSize int64
	// ChunkSize is the target chunk size in bytes (default DefaultChunkSize).
	ChunkSize int
	// Workers is the fingerprinting concurrency (default NumCPU).
	Workers int
}

var _ Source = (*FileSource)(nil)

// NewFileSource creates a Source with defaults.
func NewFileSource() *FileSource {
	return &FileSource{}
}

// Scan walks root, fingerprinting regular files concurrently.
// Hidden files and directories (dot-prefixed) and oversized files are
// skipped. Results are sorted by path for deterministic diffing.
func (s *FileSource) Scan(ctx context.Context, root string) ([]FileInfo, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeScanFailed, err)
	}
	if !info.IsDir() {
		return nil, errors.Newf(errors.ErrCodeScanFailed, "not a directory: %s", root)
	}

	maxSize := s.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	var candidates []FileInfo
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil || !fi.Mode().IsRegular() || fi.Size() > maxSize {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		candidates = append(candidates, FileInfo{Path: rel, Size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeScanFailed, err)
	}

	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var mu sync.Mutex
	results := make([]FileInfo, 0, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, c := range candidates {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			fp, err := fingerprintFile(filepath.Join(root, c.Path))
			if err != nil {
				// File vanished or became unreadable mid-scan; drop it
				return nil
			}
			c.Fingerprint = fp
			mu.Lock()
			results = append(results, c)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeScanFailed, err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}

// Chunks reads one file and splits it into embedding-sized chunks.
// Chunk boundaries prefer newlines so chunks stay readable.
func (s *FileSource) Chunks(ctx context.Context, root, path string) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(filepath.Join(root, path))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeScanFailed, err)
	}

	chunkSize := s.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= chunkSize {
			chunks = append(chunks, text)
			break
		}
		cut := chunkSize
		// Prefer the last newline within the window
		if idx := strings.LastIndexByte(text[:chunkSize], '\n'); idx > chunkSize/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks, nil
}

// fingerprintFile computes the SHA-256 content hash of a file.
func fingerprintFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
