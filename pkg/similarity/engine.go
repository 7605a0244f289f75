package similarity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/promptcluster/pkg/models"
)

// Engine defaults.
const (
	// DefaultBatchSize is the number of texts sent to the embedder per call.
	DefaultBatchSize = 32

	// DefaultConcurrency is the number of embedding batches in flight.
	DefaultConcurrency = 4

	// parallelRowsThreshold is the record count above which similarity rows
	// are computed on several goroutines.
	parallelRowsThreshold = 128
)

// Embedder turns texts into dense vectors, one per text, in input order.
// Implementations may identify a failing text by returning a
// *models.EmbeddingFailure whose Index is relative to texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// EngineConfig tunes how embeddings are fetched.
type EngineConfig struct {
	BatchSize   int
	Concurrency int
}

// Engine computes pairwise similarity matrices for one user's prompts.
// It holds no per-request state and is safe for concurrent use.
type Engine struct {
	embedder    Embedder
	batchSize   int
	concurrency int
}

// NewEngine creates an engine backed by the given embedder.
func NewEngine(embedder Embedder, cfg EngineConfig) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Engine{
		embedder:    embedder,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
	}
}

// BatchCount returns how many embedder calls Compute makes for n texts.
func (e *Engine) BatchCount(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + e.batchSize - 1) / e.batchSize
}

// Compute embeds texts and returns their cosine similarity matrix.
// Any embedding failure fails the whole computation; no partial matrix is returned.
func (e *Engine) Compute(ctx context.Context, userID string, texts []string) (*Matrix, error) {
	n := len(texts)
	if n == 0 {
		return NewMatrix(0), nil
	}

	vectors, err := e.embed(ctx, userID, texts)
	if err != nil {
		return nil, err
	}

	m := NewMatrix(n)
	if n < 2 {
		return m, nil
	}

	if n < parallelRowsThreshold {
		for i := 0; i < n; i++ {
			fillRow(m, vectors, i)
		}
		return m, nil
	}

	// Each goroutine owns whole rows of the upper triangle, so writes never overlap.
	var wg sync.WaitGroup
	rows := make(chan int)
	for w := 0; w < e.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range rows {
				fillRow(m, vectors, i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		rows <- i
	}
	close(rows)
	wg.Wait()

	return m, nil
}

// fillRow computes the upper-triangle cells of row i and mirrors them.
func fillRow(m *Matrix, vectors [][]float64, i int) {
	for j := i + 1; j < len(vectors); j++ {
		m.Set(i, j, CosineSimilarity(vectors[i], vectors[j]))
	}
}

// embed fetches all vectors in batches and checks their shape.
func (e *Engine) embed(ctx context.Context, userID string, texts []string) ([][]float64, error) {
	n := len(texts)
	batches := e.BatchCount(n)
	vectors := make([][]float64, n)
	errs := make([]error, batches)

	// Batches run to completion independently; the lowest failing batch is reported.
	var g errgroup.Group
	g.SetLimit(e.concurrency)

	for b := 0; b < batches; b++ {
		start := b * e.batchSize
		end := min(start+e.batchSize, n)

		g.Go(func() error {
			out, err := e.embedder.EmbedBatch(ctx, texts[start:end])
			if err != nil {
				errs[b] = rebaseFailure(userID, start, err)
				return nil
			}
			if len(out) != end-start {
				errs[b] = &models.ValidationError{
					UserID: userID,
					Index:  -1,
					Field:  "embeddings",
					Reason: fmt.Sprintf("provider returned %d vectors for %d texts (batch starting at %d)", len(out), end-start, start),
				}
				return nil
			}
			copy(vectors[start:end], out)
			return nil
		})
	}

	_ = g.Wait()
	for _, err := range errs {
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Int("records", n).Msg("Embedding failed")
			return nil, err
		}
	}

	dims := len(vectors[0])
	for i, v := range vectors {
		switch {
		case len(v) == 0:
			return nil, &models.EmbeddingFailure{UserID: userID, Index: i, Err: errors.New("empty vector")}
		case len(v) != dims:
			return nil, &models.EmbeddingFailure{
				UserID: userID,
				Index:  i,
				Err:    fmt.Errorf("vector has %d dimensions, want %d", len(v), dims),
			}
		}
	}

	return vectors, nil
}

// rebaseFailure turns a provider error into an EmbeddingFailure indexed
// against the full record set. Without an index from the provider the
// failure is attributed to the first record of the batch.
func rebaseFailure(userID string, batchStart int, err error) error {
	var failure *models.EmbeddingFailure
	if errors.As(err, &failure) {
		cause := failure.Err
		if cause == nil {
			cause = err
		}
		return &models.EmbeddingFailure{UserID: userID, Index: batchStart + failure.Index, Err: cause}
	}
	return &models.EmbeddingFailure{UserID: userID, Index: batchStart, Err: err}
}
