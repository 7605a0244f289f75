// Package analysis turns a user's prompt history into clusters, repeated
// prompt pairs and an edit timeline.
package analysis

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/promptcluster/internal/ingest"
	"github.com/thebtf/promptcluster/internal/telemetry"
	"github.com/thebtf/promptcluster/pkg/models"
	"github.com/thebtf/promptcluster/pkg/similarity"
)

// DefaultUserConcurrency is the number of users analyzed at once by AnalyzeAll.
const DefaultUserConcurrency = 2

// Options configures an Analyzer.
type Options struct {
	Metrics      *telemetry.Metrics
	Now          func() time.Time
	ModelVersion string
	// Threshold must be in (0, 1]; zero selects similarity.DefaultThreshold.
	Threshold float64
	// UserConcurrency bounds parallel users in AnalyzeAll.
	UserConcurrency int
}

// Analyzer runs single-user and whole-dataset analyses. It is safe for concurrent use.
type Analyzer struct {
	engine          *similarity.Engine
	metrics         *telemetry.Metrics
	now             func() time.Time
	group           singleflight.Group
	modelVersion    string
	userConcurrency int

	mu        sync.RWMutex
	threshold float64
}

// New creates an analyzer on top of a similarity engine.
func New(engine *similarity.Engine, opts Options) *Analyzer {
	if opts.Threshold == 0 {
		opts.Threshold = similarity.DefaultThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UserConcurrency <= 0 {
		opts.UserConcurrency = DefaultUserConcurrency
	}
	return &Analyzer{
		engine:          engine,
		metrics:         opts.Metrics,
		now:             opts.Now,
		modelVersion:    opts.ModelVersion,
		userConcurrency: opts.UserConcurrency,
		threshold:       opts.Threshold,
	}
}

// Threshold returns the similarity threshold currently in use.
func (a *Analyzer) Threshold() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.threshold
}

// SetThreshold changes the threshold for analyses started afterwards.
func (a *Analyzer) SetThreshold(t float64) error {
	if !similarity.ValidThreshold(t) {
		return fmt.Errorf("threshold must be in (0, 1], got %v", t)
	}
	a.mu.Lock()
	a.threshold = t
	a.mu.Unlock()
	return nil
}

// AnalyzeUser clusters one user's prompts. Identical concurrent requests
// share a single computation; each caller still returns as soon as its own
// ctx is done. Any validation or embedding failure fails the whole analysis;
// no partial result is returned.
func (a *Analyzer) AnalyzeUser(ctx context.Context, userID string, records []models.PromptRecord) (*models.AnalysisResult, error) {
	threshold := a.Threshold()
	key := flightKey(userID, threshold, records)

	ch := a.group.DoChan(key, func() (interface{}, error) {
		// Not cancelled with the starting caller; its deadline still applies.
		flightCtx := context.WithoutCancel(ctx)
		if deadline, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			flightCtx, cancel = context.WithDeadline(flightCtx, deadline)
			defer cancel()
		}
		return a.analyze(flightCtx, userID, records, threshold)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Debug().Str("user_id", userID).Msg("Analysis shared with concurrent request")
		}
		return res.Val.(*models.AnalysisResult), nil
	}
}

func (a *Analyzer) analyze(ctx context.Context, userID string, records []models.PromptRecord, threshold float64) (result *models.AnalysisResult, err error) {
	start := time.Now()
	defer func() {
		clusters := 0
		if result != nil {
			clusters = result.Stats.ClusterCount
		}
		a.metrics.RecordAnalysis(ctx, time.Since(start), clusters, err)
	}()

	if err := models.ValidateBatch(userID, records); err != nil {
		return nil, err
	}

	m, err := a.engine.Compute(ctx, userID, models.Texts(records))
	if err != nil {
		return nil, err
	}

	clusters, err := similarity.BuildClusters(records, m, threshold)
	if err != nil {
		return nil, err
	}

	result = &models.AnalysisResult{
		ID:           uuid.NewString(),
		UserID:       userID,
		ModelVersion: a.modelVersion,
		Threshold:    threshold,
		CreatedAt:    a.now().UTC(),
		Clusters:     make([]models.ClusterView, len(clusters)),
		Changes:      similarity.TrackChanges(records),
	}
	result.IdenticalPairs, result.SimilarPairs = findPairs(records, m, threshold)

	for c, cluster := range clusters {
		result.Clusters[c] = models.ClusterView{
			ID:           c,
			Members:      cluster.Members,
			Similarities: m.Sub(cluster.Indices()),
		}
	}

	stats := &result.Stats
	stats.PromptCount = len(records)
	stats.ClusterCount = len(clusters)
	for _, c := range clusters {
		if c.Size() == 1 {
			stats.SingletonCount++
		}
		stats.LargestCluster = max(stats.LargestCluster, c.Size())
	}
	stats.IdenticalPairs = len(result.IdenticalPairs)
	stats.SimilarPairs = len(result.SimilarPairs)
	stats.ChangeCount = len(result.Changes)
	stats.EmbeddingBatches = a.engine.BatchCount(len(records))
	stats.DurationMillis = int(time.Since(start).Milliseconds())

	log.Info().
		Str("user_id", userID).
		Int("prompts", stats.PromptCount).
		Int("clusters", stats.ClusterCount).
		Int("similar_pairs", stats.SimilarPairs).
		Dur("duration", time.Since(start)).
		Msg("User analyzed")

	return result, nil
}

// findPairs lists textually identical pairs in index order and semantically
// similar pairs (different text, similarity above threshold) by descending
// similarity. Similar pairs carry the top keywords of both prompts, weighted
// against the user's whole history.
func findPairs(records []models.PromptRecord, m *similarity.Matrix, threshold float64) (identical, similar []models.PromptPair) {
	identical = make([]models.PromptPair, 0)
	similar = make([]models.PromptPair, 0)

	var index *similarity.KeywordIndex
	keywords := make(map[int][]models.Keyword)
	keywordsOf := func(i int) []models.Keyword {
		if index == nil {
			index = similarity.NewKeywordIndex(models.Texts(records))
		}
		kw, ok := keywords[i]
		if !ok {
			kw = index.Top(records[i].Text, similarity.DefaultKeywordCount)
			keywords[i] = kw
		}
		return kw
	}

	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			sim := m.At(i, j)
			pair := models.PromptPair{
				First:       records[i],
				Second:      records[j],
				FirstIndex:  i,
				SecondIndex: j,
				Similarity:  sim,
			}
			switch {
			case records[i].Text == records[j].Text:
				pair.Lexical = 1
				identical = append(identical, pair)
			case sim > threshold:
				diff := similarity.DiffTerms(records[i].Text, records[j].Text)
				pair.Lexical = similarity.JaccardSimilarity(
					similarity.ExtractTerms(records[i].Text),
					similarity.ExtractTerms(records[j].Text),
				)
				pair.UniqueToFirst = diff.UniqueToFirst
				pair.UniqueToSecond = diff.UniqueToSecond
				pair.CommonTerms = diff.Common
			pair.FirstKeywords = keywordsOf(i)
			pair.SecondKeywords = keywordsOf(j)
				similar = append(similar, pair)
			}
		}
	}

	sort.SliceStable(similar, func(a, b int) bool {
		if similar[a].Similarity != similar[b].Similarity {
			return similar[a].Similarity > similar[b].Similarity
		}
		if similar[a].FirstIndex != similar[b].FirstIndex {
			return similar[a].FirstIndex < similar[b].FirstIndex
		}
		return similar[a].SecondIndex < similar[b].SecondIndex
	})
	return identical, similar
}

// flightKey identifies an analysis request by user, threshold and exact input.
func flightKey(userID string, threshold float64, records []models.PromptRecord) string {
	h := fnv.New64a()
	var buf [8]byte
	for _, r := range records {
		_, _ = h.Write([]byte(r.UserID))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(r.Text))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(r.PreviewRef))
		_, _ = h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], uint64(r.Timestamp.UnixNano()))
		_, _ = h.Write(buf[:])
	}
	return userID + "|" + strconv.FormatFloat(threshold, 'g', -1, 64) + "|" + strconv.FormatUint(h.Sum64(), 16)
}

// AnalyzeAll analyzes every user with at least minPrompts records. Users
// below the minimum are counted as skipped; a failing user is recorded in
// the summary without stopping the others. Only context cancellation aborts
// the run.
func (a *Analyzer) AnalyzeAll(ctx context.Context, records []models.PromptRecord, minPrompts int) (*models.AnalysisSummary, error) {
	if minPrompts < 1 {
		minPrompts = 1
	}

	users, byUser := ingest.GroupByUser(records)
	summary := &models.AnalysisSummary{
		CreatedAt:  a.now().UTC(),
		TotalUsers: len(users),
		MinPrompts: minPrompts,
		Users:      make([]models.UserSummary, 0),
		Results:    make([]*models.AnalysisResult, 0),
	}

	eligible := make([]string, 0, len(users))
	for _, u := range users {
		if len(byUser[u]) >= minPrompts {
			eligible = append(eligible, u)
		} else {
			summary.SkippedUsers++
		}
	}

	results := make([]*models.AnalysisResult, len(eligible))
	errs := make([]error, len(eligible))

	var g errgroup.Group
	g.SetLimit(a.userConcurrency)
	for i, u := range eligible {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = a.AnalyzeUser(ctx, u, byUser[u])
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i, u := range eligible {
		line := models.UserSummary{UserID: u, PromptCount: len(byUser[u])}
		if errs[i] != nil {
			summary.FailedUsers++
			line.Error = errs[i].Error()
			log.Warn().Err(errs[i]).Str("user_id", u).Msg("User analysis failed")
		} else {
			line.ClusterCount = results[i].Stats.ClusterCount
			line.SimilarPairs = results[i].Stats.SimilarPairs
			summary.Results = append(summary.Results, results[i])
		}
		summary.Users = append(summary.Users, line)
	}

	log.Info().
		Int("users", summary.TotalUsers).
		Int("analyzed", len(summary.Results)).
		Int("skipped", summary.SkippedUsers).
		Int("failed", summary.FailedUsers).
		Msg("Dataset analyzed")

	if len(eligible) > 0 && summary.FailedUsers == len(eligible) {
		return summary, fmt.Errorf("all %d eligible users failed: %w", len(eligible), errs[0])
	}
	return summary, nil
}
