// Package store persists the per-folder search index: chunk vectors in an
// in-memory HNSW graph saved to disk, and document fingerprints plus chunk
// text in a SQLite database. One FolderIndex is opened per registered folder
// and owns both halves.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	dmerrors "github.com/semfold/semfold/internal/errors"
)

// Chunk is one embeddable slice of a document.
type Chunk struct {
	Ordinal int
	Text    string
}

// SearchHit is a single ranked result from a folder index.
type SearchHit struct {
	DocumentID string  `json:"documentId"`
	Ordinal    int     `json:"ordinal"`
	Score      float32 `json:"score"`
	Snippet    string  `json:"snippet"`
}

// FolderIndex is the indexing and search surface for a single folder.
// Insert replaces all chunks of a document atomically with respect to
// readers; Delete removes a document entirely.
type FolderIndex interface {
	Insert(ctx context.Context, documentID, fingerprint string, chunks []Chunk, vectors [][]float32) error
	Delete(ctx context.Context, documentID string) error
	Search(ctx context.Context, query []float32, topK int) ([]SearchHit, error)

	// Fingerprints returns documentID -> content hash for every indexed
	// document, used to diff against a fresh scan.
	Fingerprints(ctx context.Context) (map[string]string, error)

	DocumentCount(ctx context.Context) (int, error)
	Flush() error
	Close() error
}

// Store opens folder indexes rooted under a shared data directory.
type Store interface {
	Folder(folderID string, dimension int) (FolderIndex, error)
	DropFolder(folderID string) error
	Close() error
}

// DiskStore keeps one index directory per folder under
// <dataDir>/indexes/<folderID>/.
type DiskStore struct {
	mu      sync.Mutex
	baseDir string
	logger  *slog.Logger
	open    map[string]*diskFolderIndex
	closed  bool
}

var _ Store = (*DiskStore)(nil)

// NewDiskStore creates the index root if needed.
func NewDiskStore(dataDir string, logger *slog.Logger) (*DiskStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	baseDir := filepath.Join(dataDir, "indexes")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("create index root: %w", err))
	}
	return &DiskStore{
		baseDir: baseDir,
		logger:  logger,
		open:    make(map[string]*diskFolderIndex),
	}, nil
}

// Folder opens (or creates) the index for folderID. Repeated calls return
// the same instance.
func (s *DiskStore) Folder(folderID string, dimension int) (FolderIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, dmerrors.New(dmerrors.ErrCodeStorageFailed, "store is closed", nil)
	}
	if idx, ok := s.open[folderID]; ok {
		return idx, nil
	}

	dir := filepath.Join(s.baseDir, sanitizeID(folderID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("create folder index dir: %w", err))
	}

	meta, err := openMetaDB(filepath.Join(dir, "meta.db"))
	if err != nil {
		return nil, err
	}
	vectors, err := openVectorIndex(filepath.Join(dir, "vectors.hnsw"), dimension)
	if err != nil {
		meta.Close()
		return nil, err
	}

	idx := &diskFolderIndex{
		folderID: folderID,
		meta:     meta,
		vectors:  vectors,
		logger:   s.logger.With("folder_id", folderID),
	}
	s.open[folderID] = idx
	return idx, nil
}

// DropFolder closes the folder's index and removes its files.
func (s *DiskStore) DropFolder(folderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.open[folderID]; ok {
		if err := idx.Close(); err != nil {
			s.logger.Warn("close index before drop", "folder_id", folderID, "error", err)
		}
		delete(s.open, folderID)
	}
	dir := filepath.Join(s.baseDir, sanitizeID(folderID))
	if err := os.RemoveAll(dir); err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("remove folder index: %w", err))
	}
	return nil
}

// Close flushes and closes every open folder index.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for id, idx := range s.open {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close index %s: %w", id, err)
		}
	}
	s.open = make(map[string]*diskFolderIndex)
	return firstErr
}

// diskFolderIndex binds the SQLite metadata half and the HNSW vector half
// for one folder. The vector key for chunk i of a document is "docID#i".
type diskFolderIndex struct {
	folderID string
	meta     *metaDB
	vectors  *vectorIndex
	logger   *slog.Logger
}

var _ FolderIndex = (*diskFolderIndex)(nil)

func chunkKey(documentID string, ordinal int) string {
	return fmt.Sprintf("%s#%d", documentID, ordinal)
}

func (f *diskFolderIndex) Insert(ctx context.Context, documentID, fingerprint string, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return dmerrors.Newf(dmerrors.ErrCodeStorageFailed, "chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}

	// Replace any previous version of the document first so a re-index of
	// a shrunk file leaves no stale chunk vectors behind.
	oldCount, err := f.meta.chunkCount(ctx, documentID)
	if err != nil {
		return err
	}
	if oldCount > 0 {
		keys := make([]string, 0, oldCount)
		for i := 0; i < oldCount; i++ {
			keys = append(keys, chunkKey(documentID, i))
		}
		f.vectors.delete(keys)
	}

	if err := f.meta.upsertDocument(ctx, documentID, fingerprint, chunks); err != nil {
		return err
	}

	keys := make([]string, len(chunks))
	for i, c := range chunks {
		keys[i] = chunkKey(documentID, c.Ordinal)
	}
	if err := f.vectors.add(keys, vectors); err != nil {
		return err
	}
	return nil
}

func (f *diskFolderIndex) Delete(ctx context.Context, documentID string) error {
	count, err := f.meta.chunkCount(ctx, documentID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, count)
	for i := 0; i < count; i++ {
		keys = append(keys, chunkKey(documentID, i))
	}
	f.vectors.delete(keys)
	return f.meta.deleteDocument(ctx, documentID)
}

func (f *diskFolderIndex) Search(ctx context.Context, query []float32, topK int) ([]SearchHit, error) {
	if topK <= 0 {
		topK = 10
	}
	matches, err := f.vectors.search(query, topK)
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(matches))
	for _, m := range matches {
		docID, ordinal, ok := splitChunkKey(m.key)
		if !ok {
			continue
		}
		snippet, err := f.meta.chunkText(ctx, docID, ordinal)
		if err != nil {
			f.logger.Warn("chunk text lookup failed", "document_id", docID, "ordinal", ordinal, "error", err)
			snippet = ""
		}
		hits = append(hits, SearchHit{
			DocumentID: docID,
			Ordinal:    ordinal,
			Score:      m.score,
			Snippet:    snippet,
		})
	}
	return hits, nil
}

func (f *diskFolderIndex) Fingerprints(ctx context.Context) (map[string]string, error) {
	return f.meta.fingerprints(ctx)
}

func (f *diskFolderIndex) DocumentCount(ctx context.Context) (int, error) {
	return f.meta.documentCount(ctx)
}

// Flush persists the vector graph to disk. SQLite writes are durable as
// they happen, so only the HNSW side needs an explicit save.
func (f *diskFolderIndex) Flush() error {
	return f.vectors.save()
}

func (f *diskFolderIndex) Close() error {
	vecErr := f.vectors.close()
	metaErr := f.meta.Close()
	if vecErr != nil {
		return vecErr
	}
	return metaErr
}

func splitChunkKey(key string) (documentID string, ordinal int, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '#' {
			var n int
			if _, err := fmt.Sscanf(key[i+1:], "%d", &n); err != nil {
				return "", 0, false
			}
			return key[:i], n, true
		}
	}
	return "", 0, false
}

// sanitizeID makes a folder ID safe to use as a directory name.
func sanitizeID(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
