package model

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/semfold/semfold/internal/errors"
)

// CPUBackend runs a model as an in-process inference session.
// The session is a deterministic hash-projection runtime: tokens and
// character trigrams are hashed into a fixed-dimension vector, seeded by the
// model's weights file so different models produce different embedding spaces.
// Unload frees the session; the backend itself carries no other state.
type CPUBackend struct {
	mu      sync.RWMutex
	session *cpuSession
}

// cpuSession is one loaded inference session.
type cpuSession struct {
	modelID string
	dim     int
	seed    uint64
}

// Vector generation weights.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// NewCPUBackend creates the in-process runtime backend.
func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

// Kind implements Backend.
func (b *CPUBackend) Kind() BackendKind { return BackendCPURuntime }

// Load creates the inference session for the given model.
func (b *CPUBackend) Load(ctx context.Context, spec Spec) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.session = &cpuSession{
		modelID: spec.ID,
		dim:     spec.Dimension,
		seed:    hash64(spec.ID),
	}
	return nil
}

// Unload frees the inference session.
func (b *CPUBackend) Unload(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session = nil
	return nil
}

// Embed produces one vector per text using the loaded session.
func (b *CPUBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	b.mu.RLock()
	session := b.session
	b.mu.RUnlock()

	if session == nil {
		return nil, errors.New(errors.ErrCodeModelNotReady, "cpu runtime has no loaded session", nil)
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		vectors[i] = session.embed(text)
	}
	return vectors, nil
}

// Close implements Backend.
func (b *CPUBackend) Close() error {
	return b.Unload(context.Background())
}

// embed generates a normalized vector for one text.
func (s *cpuSession) embed(text string) []float32 {
	vector := make([]float32, s.dim)

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return vector
	}

	for _, token := range tokenize(trimmed) {
		vector[s.index(token)] += tokenWeight
	}

	normalized := normalizeForNgrams(trimmed)
	for _, ngram := range extractNgrams(normalized, ngramSize) {
		vector[s.index(ngram)] += ngramWeight
	}

	return normalizeVector(vector)
}

// index hashes a feature into a vector slot, mixed with the session seed so
// each model occupies its own embedding space.
func (s *cpuSession) index(feature string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	return int((h.Sum64() ^ s.seed) % uint64(s.dim))
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// tokenize splits text into lowercase alphanumeric tokens.
func tokenize(text string) []string {
	words := tokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, strings.ToLower(w))
	}
	return tokens
}

// normalizeForNgrams prepares text for n-gram extraction.
func normalizeForNgrams(text string) string {
	var result strings.Builder
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// extractNgrams extracts n-character sliding windows.
func extractNgrams(text string, n int) []string {
	if len(text) < n {
		return nil
	}
	ngrams := make([]string, 0, len(text)-n+1)
	for i := 0; i <= len(text)-n; i++ {
		ngrams = append(ngrams, text[i:i+n])
	}
	return ngrams
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	for i, val := range v {
		v[i] = float32(float64(val) / magnitude)
	}
	return v
}
