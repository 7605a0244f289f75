package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/promptcluster/pkg/models"
	"github.com/thebtf/promptcluster/pkg/similarity"
)

// tableEmbedder returns a fixed vector per text.
type tableEmbedder struct {
	vectors map[string][]float64
	fail    map[string]bool
	calls   atomic.Int32
	gate    chan struct{}
}

func (e *tableEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	e.calls.Add(1)
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		if e.fail[t] {
			return nil, &models.EmbeddingFailure{Index: i, Err: errors.New("provider rejected text")}
		}
		v, ok := e.vectors[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func rec(user, text string, minutes int) models.PromptRecord {
	return models.PromptRecord{UserID: user, Text: text, Timestamp: t0.Add(time.Duration(minutes) * time.Minute)}
}

func newEmbedder() *tableEmbedder {
	return &tableEmbedder{
		vectors: map[string][]float64{
			"a cat on a sofa":        {1, 0, 0},
			"a cat on a red sofa":    {0.98, 0.199, 0},
			"a dragon over mountain": {0, 0, 1},
			"a dragon over a castle": {0, 0.3, 0.954},
			"city skyline at night":  {0, 1, 0},
		},
		fail: map[string]bool{},
	}
}

func newAnalyzer(e similarity.Embedder) *Analyzer {
	fixed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return New(similarity.NewEngine(e, similarity.EngineConfig{BatchSize: 2}), Options{
		ModelVersion: "table",
		Now:          func() time.Time { return fixed },
	})
}

func TestAnalyzeUser(t *testing.T) {
	records := []models.PromptRecord{
		rec("u1", "a dragon over mountain", 5),
		rec("u1", "a cat on a sofa", 0),
		rec("u1", "city skyline at night", 3),
		rec("u1", "a cat on a red sofa", 1),
		rec("u1", "a cat on a sofa", 2),
	}

	a := newAnalyzer(newEmbedder())
	result, err := a.AnalyzeUser(context.Background(), "u1", records)
	require.NoError(t, err)

	assert.NotEmpty(t, result.ID)
	assert.Equal(t, "u1", result.UserID)
	assert.Equal(t, "table", result.ModelVersion)
	assert.Equal(t, similarity.DefaultThreshold, result.Threshold)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), result.CreatedAt)

	require.Len(t, result.Clusters, 3)
	assert.Equal(t, []int{1, 3, 4}, models.Cluster{Members: result.Clusters[0].Members}.Indices())
	assert.Equal(t, []int{2}, models.Cluster{Members: result.Clusters[1].Members}.Indices())
	assert.Equal(t, []int{0}, models.Cluster{Members: result.Clusters[2].Members}.Indices())
	for i, c := range result.Clusters {
		assert.Equal(t, i, c.ID)
		require.Len(t, c.Similarities, len(c.Members))
		for k := range c.Similarities {
			assert.InDelta(t, 1.0, c.Similarities[k][k], 1e-9)
		}
	}

	require.Len(t, result.IdenticalPairs, 1)
	assert.Equal(t, 1, result.IdenticalPairs[0].FirstIndex)
	assert.Equal(t, 4, result.IdenticalPairs[0].SecondIndex)
	assert.Equal(t, 1.0, result.IdenticalPairs[0].Lexical)

	require.Len(t, result.SimilarPairs, 2)
	for _, p := range result.SimilarPairs {
		assert.Greater(t, p.Similarity, 0.9)
		assert.NotEqual(t, p.First.Text, p.Second.Text)
		assert.Less(t, p.FirstIndex, p.SecondIndex)
		assert.Equal(t, []string{"cat", "sofa"}, p.CommonTerms)
		assert.InDelta(t, 2.0/3.0, p.Lexical, 1e-9)
	}
	assert.Equal(t, 1, result.SimilarPairs[0].FirstIndex, "equal similarity falls back to index order")
	assert.Equal(t, 3, result.SimilarPairs[0].SecondIndex)
	assert.Equal(t, []string{"red"}, result.SimilarPairs[0].UniqueToSecond)
	assert.Equal(t, []string{"red"}, result.SimilarPairs[1].UniqueToFirst)

	pair := result.SimilarPairs[0]
	require.Len(t, pair.FirstKeywords, 2)
	assert.Equal(t, "cat", pair.FirstKeywords[0].Term)
	assert.Equal(t, "sofa", pair.FirstKeywords[1].Term)
	require.Len(t, pair.SecondKeywords, 3)
	assert.Equal(t, "red", pair.SecondKeywords[0].Term, "rare in the history, so weighted highest")
	assert.InDelta(t, (math.Log(3)+1)/3, pair.SecondKeywords[0].Weight, 1e-9)
	assert.Empty(t, result.IdenticalPairs[0].FirstKeywords)

	assert.Equal(t, models.AnalysisStats{
		PromptCount:      5,
		ClusterCount:     3,
		SingletonCount:   2,
		LargestCluster:   3,
		IdenticalPairs:   1,
		SimilarPairs:     2,
		ChangeCount:      len(result.Changes),
		DurationMillis:   result.Stats.DurationMillis,
		EmbeddingBatches: 3,
	}, result.Stats)
	require.NotEmpty(t, result.Changes)
	assert.Equal(t, "a cat on a sofa", result.Changes[0].Previous)
	assert.Equal(t, "a cat on a red sofa", result.Changes[0].Current)
}

func TestAnalyzeUser_ThresholdIsStrict(t *testing.T) {
	e := newEmbedder()
	a := newAnalyzer(e)

	records := []models.PromptRecord{
		rec("u1", "a dragon over mountain", 0),
		rec("u1", "a dragon over a castle", 1),
	}

	result, err := a.AnalyzeUser(context.Background(), "u1", records)
	require.NoError(t, err)
	assert.Len(t, result.Clusters, 1, "about 0.954 is above the default threshold")

	exact := similarity.CosineSimilarity([]float64{0, 0, 1}, []float64{0, 0.3, 0.954})
	require.NoError(t, a.SetThreshold(exact))
	assert.Equal(t, exact, a.Threshold())
	result, err = a.AnalyzeUser(context.Background(), "u1", records)
	require.NoError(t, err)
	assert.Len(t, result.Clusters, 2, "similarity equal to the threshold does not link")
	assert.Empty(t, result.SimilarPairs)
}

func TestSetThreshold_Range(t *testing.T) {
	a := newAnalyzer(newEmbedder())

	for _, bad := range []float64{0, -0.5, 1.01} {
		assert.Error(t, a.SetThreshold(bad), "threshold %v", bad)
	}
	assert.Equal(t, similarity.DefaultThreshold, a.Threshold(), "rejected values leave the threshold unchanged")
	assert.NoError(t, a.SetThreshold(1))
	assert.Equal(t, 1.0, a.Threshold())
}

func TestAnalyzeUser_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("validation", func(t *testing.T) {
		a := newAnalyzer(newEmbedder())
		_, err := a.AnalyzeUser(ctx, "u1", []models.PromptRecord{
			rec("u1", "a cat on a sofa", 0),
			rec("u2", "a cat on a red sofa", 1),
		})
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, 1, verr.Index)
	})

	t.Run("embedding failure is rebased", func(t *testing.T) {
		e := newEmbedder()
		e.fail["city skyline at night"] = true
		a := newAnalyzer(e)

		_, err := a.AnalyzeUser(ctx, "u1", []models.PromptRecord{
			rec("u1", "a cat on a sofa", 0),
			rec("u1", "a cat on a red sofa", 1),
			rec("u1", "a dragon over mountain", 2),
			rec("u1", "city skyline at night", 3),
		})
		var failure *models.EmbeddingFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, 3, failure.Index)
		assert.Equal(t, "u1", failure.UserID)
	})

	t.Run("empty input", func(t *testing.T) {
		a := newAnalyzer(newEmbedder())
		result, err := a.AnalyzeUser(ctx, "u1", nil)
		require.NoError(t, err)
		assert.Empty(t, result.Clusters)
		assert.Empty(t, result.SimilarPairs)
		assert.Equal(t, 0, result.Stats.PromptCount)
	})
}

func TestAnalyzeUser_CoalescesIdenticalRequests(t *testing.T) {
	e := newEmbedder()
	e.gate = make(chan struct{})
	a := New(similarity.NewEngine(e, similarity.EngineConfig{BatchSize: 10}), Options{})

	records := []models.PromptRecord{
		rec("u1", "a cat on a sofa", 0),
		rec("u1", "a cat on a red sofa", 1),
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*models.AnalysisResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := a.AnalyzeUser(context.Background(), "u1", records)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	require.Eventually(t, func() bool { return e.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(e.gate)
	wg.Wait()

	assert.LessOrEqual(t, e.calls.Load(), int32(callers))
	for _, r := range results {
		require.NotNil(t, r)
		assert.Len(t, r.Clusters, 1)
	}
}

func TestAnalyzeUser_SharedRunSurvivesFirstCallerCancel(t *testing.T) {
	e := newEmbedder()
	e.gate = make(chan struct{})
	a := New(similarity.NewEngine(e, similarity.EngineConfig{BatchSize: 10}), Options{})

	records := []models.PromptRecord{
		rec("u1", "a cat on a sofa", 0),
		rec("u1", "a cat on a red sofa", 1),
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := a.AnalyzeUser(firstCtx, "u1", records)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return e.calls.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		result *models.AnalysisResult
		err    error
	}
	second := make(chan outcome, 1)
	go func() {
		r, err := a.AnalyzeUser(context.Background(), "u1", records)
		second <- outcome{r, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(e.gate)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		require.NotNil(t, got.result)
		assert.Len(t, got.result.Clusters, 1)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int32(1), e.calls.Load(), "second caller joined the running analysis")
}

func TestFlightKey(t *testing.T) {
	a := []models.PromptRecord{rec("u1", "x", 0), rec("u1", "y", 1)}
	b := []models.PromptRecord{rec("u1", "y", 1), rec("u1", "x", 0)}

	assert.Equal(t, flightKey("u1", 0.9, a), flightKey("u1", 0.9, a))
	assert.NotEqual(t, flightKey("u1", 0.9, a), flightKey("u1", 0.9, b), "order matters")
	assert.NotEqual(t, flightKey("u1", 0.9, a), flightKey("u1", 0.95, a))
	assert.NotEqual(t, flightKey("u1", 0.9, a), flightKey("u2", 0.9, a))
}

func TestAnalyzeAll(t *testing.T) {
	e := newEmbedder()
	e.fail["bad prompt"] = true
	a := newAnalyzer(e)

	records := []models.PromptRecord{
		rec("alice", "a cat on a sofa", 0),
		rec("bob", "bad prompt", 0),
		rec("alice", "a cat on a red sofa", 1),
		rec("carol", "city skyline at night", 0),
		rec("bob", "a cat on a sofa", 1),
	}

	summary, err := a.AnalyzeAll(context.Background(), records, 2)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalUsers)
	assert.Equal(t, 1, summary.SkippedUsers)
	assert.Equal(t, 1, summary.FailedUsers)
	assert.Equal(t, 2, summary.MinPrompts)

	require.Len(t, summary.Users, 2)
	assert.Equal(t, "alice", summary.Users[0].UserID)
	assert.Equal(t, 2, summary.Users[0].PromptCount)
	assert.Equal(t, 1, summary.Users[0].ClusterCount)
	assert.Empty(t, summary.Users[0].Error)

	assert.Equal(t, "bob", summary.Users[1].UserID)
	assert.Contains(t, summary.Users[1].Error, "record 0")

	require.Len(t, summary.Results, 1)
	assert.Equal(t, "alice", summary.Results[0].UserID)
}

func TestAnalyzeAll_AllFailed(t *testing.T) {
	e := newEmbedder()
	e.fail["a cat on a sofa"] = true
	a := newAnalyzer(e)

	summary, err := a.AnalyzeAll(context.Background(), []models.PromptRecord{
		rec("alice", "a cat on a sofa", 0),
	}, 1)
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.FailedUsers)
}

func TestAnalyzeAll_Cancelled(t *testing.T) {
	a := newAnalyzer(newEmbedder())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.AnalyzeAll(ctx, []models.PromptRecord{rec("alice", "a cat on a sofa", 0)}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
