package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/thebtf/promptcluster/pkg/similarity"
)

// Model version constants
const (
	// HashModelVersion is the version string for the local feature-hashing model.
	HashModelVersion = "hash-v1"
	// HashModelName is the human-readable name for the local model.
	HashModelName = "feature-hash-256"
	// HashDimensions is the dimension of hash-v1 vectors.
	HashDimensions = 256
	// DefaultModelVersion is the default model to use
	DefaultModelVersion = HashModelVersion
)

// hashModel embeds text by hashing its terms into a fixed number of buckets.
// Prompts sharing the same meaningful terms map to parallel vectors, so
// resubmissions and stop-word-only edits score 1.0. It needs no network or
// model files and is deterministic across runs.
type hashModel struct {
	dims int
}

// Compile-time check that hashModel implements EmbeddingModel
var _ EmbeddingModel = (*hashModel)(nil)

func newHashModel() (EmbeddingModel, error) {
	return &hashModel{dims: HashDimensions}, nil
}

func (m *hashModel) Name() string    { return HashModelName }
func (m *hashModel) Version() string { return HashModelVersion }
func (m *hashModel) Dimensions() int { return m.dims }
func (m *hashModel) Close() error    { return nil }

// EmbedBatch generates one L2-normalized vector per text.
func (m *hashModel) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	results := make([][]float64, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = m.embed(text)
	}
	return results, nil
}

func (m *hashModel) embed(text string) []float64 {
	vec := make([]float64, m.dims)

	terms := similarity.ExtractTerms(text)
	if len(terms) == 0 {
		// Nothing but stop words; fall back to the whole normalized text.
		if t := strings.ToLower(strings.TrimSpace(text)); t != "" {
			terms = map[string]bool{t: true}
		}
	}

	for term := range terms {
		h := fnv.New64a()
		_, _ = h.Write([]byte(term))
		sum := h.Sum64()
		bucket := int(sum % uint64(m.dims))
		// The top bit picks the sign.
		if sum>>63 == 1 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func init() {
	RegisterModel(ModelMetadata{
		Name:        HashModelName,
		Version:     HashModelVersion,
		Dimensions:  HashDimensions,
		Description: "Local deterministic term-hashing model, no network required",
	}, newHashModel)
}
