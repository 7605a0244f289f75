package similarity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/promptcluster/pkg/models"
)

// fakeEmbedder returns fixed vectors per text and records every call.
type fakeEmbedder struct {
	vectors map[string][]float64
	failOn  map[string]error
	// withIndex reports failures as *models.EmbeddingFailure relative to the batch.
	withIndex bool
	// short drops the last vector of every batch.
	short bool

	mu    sync.Mutex
	calls [][]string
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	f.mu.Unlock()

	out := make([][]float64, 0, len(texts))
	for i, text := range texts {
		if err, ok := f.failOn[text]; ok {
			if f.withIndex {
				return nil, &models.EmbeddingFailure{Index: i, Err: err}
			}
			return nil, err
		}
		v, ok := f.vectors[text]
		if !ok {
			v = []float64{1, 0, 0}
		}
		out = append(out, v)
	}
	if f.short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestEngine_Defaults(t *testing.T) {
	e := NewEngine(&fakeEmbedder{}, EngineConfig{})
	assert.Equal(t, DefaultBatchSize, e.batchSize)
	assert.Equal(t, DefaultConcurrency, e.concurrency)

	assert.Equal(t, 0, e.BatchCount(0))
	assert.Equal(t, 1, e.BatchCount(1))
	assert.Equal(t, 1, e.BatchCount(32))
	assert.Equal(t, 2, e.BatchCount(33))
}

func TestEngine_ComputeEmpty(t *testing.T) {
	emb := &fakeEmbedder{}
	m, err := NewEngine(emb, EngineConfig{}).Compute(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Size())
	assert.Zero(t, emb.callCount(), "no provider call for an empty input")
}

func TestEngine_ComputeSingle(t *testing.T) {
	m, err := NewEngine(&fakeEmbedder{}, EngineConfig{}).Compute(context.Background(), "u1", []string{"only"})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Size())
	require.NoError(t, m.Validate())
}

func TestEngine_ComputeMatrix(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"a": {1, 0},
		"b": {1, 1},
		"c": {0, 1},
	}}

	m, err := NewEngine(emb, EngineConfig{}).Compute(context.Background(), "u1", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	assert.InDelta(t, 0.7071, m.At(0, 1), 1e-4)
	assert.InDelta(t, 0.0, m.At(0, 2), 1e-12)
	assert.InDelta(t, 0.7071, m.At(1, 2), 1e-4)
	assert.Equal(t, m.At(0, 1), m.At(1, 0))
}

func TestEngine_Batching(t *testing.T) {
	emb := &fakeEmbedder{}
	texts := make([]string, 7)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}

	e := NewEngine(emb, EngineConfig{BatchSize: 3, Concurrency: 2})
	m, err := e.Compute(context.Background(), "u1", texts)
	require.NoError(t, err)
	assert.Equal(t, 7, m.Size())
	assert.Equal(t, 3, emb.callCount())

	var seen []string
	for _, call := range emb.calls {
		assert.LessOrEqual(t, len(call), 3)
		seen = append(seen, call...)
	}
	assert.ElementsMatch(t, texts, seen)
}

func TestEngine_FailureIndexRebased(t *testing.T) {
	texts := []string{"t0", "t1", "t2", "t3", "t4"}
	emb := &fakeEmbedder{
		failOn:    map[string]error{"t2": errors.New("provider unavailable")},
		withIndex: true,
	}

	m, err := NewEngine(emb, EngineConfig{BatchSize: 2}).Compute(context.Background(), "u9", texts)
	require.Error(t, err)
	assert.Nil(t, m)

	var failure *models.EmbeddingFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 2, failure.Index)
	assert.Equal(t, "u9", failure.UserID)
	assert.EqualError(t, failure.Err, "provider unavailable")
}

func TestEngine_FailureWithoutIndexUsesBatchStart(t *testing.T) {
	texts := []string{"t0", "t1", "t2", "t3", "t4"}
	emb := &fakeEmbedder{failOn: map[string]error{"t3": errors.New("boom")}}

	_, err := NewEngine(emb, EngineConfig{BatchSize: 2}).Compute(context.Background(), "u1", texts)

	var failure *models.EmbeddingFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 2, failure.Index)
}

func TestEngine_LowestFailingBatchReported(t *testing.T) {
	texts := []string{"t0", "t1", "t2", "t3", "t4", "t5"}
	emb := &fakeEmbedder{
		failOn: map[string]error{
			"t1": errors.New("first"),
			"t4": errors.New("second"),
		},
		withIndex: true,
	}

	for i := 0; i < 20; i++ {
		_, err := NewEngine(emb, EngineConfig{BatchSize: 2, Concurrency: 3}).Compute(context.Background(), "u1", texts)
		var failure *models.EmbeddingFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, 1, failure.Index)
	}
}

func TestEngine_VectorCountMismatch(t *testing.T) {
	emb := &fakeEmbedder{short: true}

	_, err := NewEngine(emb, EngineConfig{}).Compute(context.Background(), "u1", []string{"a", "b", "c"})

	var validation *models.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "embeddings", validation.Field)
	assert.Equal(t, -1, validation.Index)
}

func TestEngine_DimensionMismatch(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"a": {1, 0, 0},
		"b": {1, 0},
	}}

	_, err := NewEngine(emb, EngineConfig{}).Compute(context.Background(), "u1", []string{"a", "b"})

	var failure *models.EmbeddingFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Index)
}

func TestEngine_EmptyVector(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"a": {}}}

	_, err := NewEngine(emb, EngineConfig{}).Compute(context.Background(), "u1", []string{"a", "b"})

	var failure *models.EmbeddingFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 0, failure.Index)
}

func TestEngine_ParallelRowsMatchDirectComputation(t *testing.T) {
	n := parallelRowsThreshold + 37
	texts := make([]string, n)
	vectors := make(map[string][]float64, n)
	for i := 0; i < n; i++ {
		texts[i] = fmt.Sprintf("p%d", i)
		vectors[texts[i]] = []float64{float64(i%7) + 1, float64(i%5) - 2, float64(i%3) + 0.5}
	}

	m, err := NewEngine(&fakeEmbedder{vectors: vectors}, EngineConfig{Concurrency: 8}).
		Compute(context.Background(), "u1", texts)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			want := CosineSimilarity(vectors[texts[i]], vectors[texts[j]])
			if m.At(i, j) != want || m.At(j, i) != want {
				t.Fatalf("cell (%d,%d) = %g, want %g", i, j, m.At(i, j), want)
			}
		}
	}
}

func TestEngine_DoesNotMutateInput(t *testing.T) {
	texts := []string{"b", "a", "c"}
	_, err := NewEngine(&fakeEmbedder{}, EngineConfig{}).Compute(context.Background(), "u1", texts)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, texts)
}
