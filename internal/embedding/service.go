package embedding

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/promptcluster/internal/telemetry"
	"github.com/thebtf/promptcluster/pkg/similarity"
)

// Service provides thread-safe text embedding generation with model abstraction.
// It satisfies similarity.Embedder.
type Service struct {
	model   EmbeddingModel
	metrics *telemetry.Metrics
}

var _ similarity.Embedder = (*Service)(nil)

// NewService creates a new embedding service using the default model.
func NewService() (*Service, error) {
	return NewServiceWithModel(DefaultModelVersion)
}

// NewServiceWithModel creates a new embedding service using the specified model.
func NewServiceWithModel(version string) (*Service, error) {
	if version == "" {
		version = DefaultModelVersion
	}

	model, err := GetModel(version)
	if err != nil {
		return nil, fmt.Errorf("get model %s: %w", version, err)
	}

	return &Service{model: model}, nil
}

// NewServiceFromModel wraps an already constructed model.
func NewServiceFromModel(model EmbeddingModel) *Service {
	return &Service{model: model}
}

// WithMetrics attaches instruments recording every batch call.
func (s *Service) WithMetrics(m *telemetry.Metrics) *Service {
	s.metrics = m
	return s
}

// Name returns the human-readable model name.
func (s *Service) Name() string {
	return s.model.Name()
}

// Version returns the short version string recorded with results.
func (s *Service) Version() string {
	return s.model.Version()
}

// Dimensions returns the embedding vector size.
func (s *Service) Dimensions() int {
	return s.model.Dimensions()
}

// Embed generates an embedding for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float64, error) {
	results, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("model %s returned no embedding", s.model.Version())
	}
	return results[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	results, err := s.model.EmbedBatch(ctx, texts)
	s.metrics.RecordEmbeddingBatch(ctx, s.model.Version(), len(texts), err)
	if err != nil {
		log.Debug().Err(err).Str("model", s.model.Version()).Int("texts", len(texts)).Msg("Embedding batch failed")
		return nil, err
	}
	return results, nil
}

// Close releases model resources.
func (s *Service) Close() error {
	return s.model.Close()
}
