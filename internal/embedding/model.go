// Package embedding provides text embedding generation with swappable models.
package embedding

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// EmbeddingModel represents a text embedding model.
type EmbeddingModel interface {
	// Name returns the human-readable model name (e.g., "text-embedding-3-small").
	Name() string

	// Version returns a short version string recorded with every analysis (e.g., "hash-v1").
	Version() string

	// Dimensions returns the embedding vector size.
	Dimensions() int

	// EmbedBatch generates one embedding per text, in input order.
	// A failure tied to one text is reported as *models.EmbeddingFailure
	// with Index relative to texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Close releases model resources.
	Close() error
}

// ErrUnknownModel is returned by GetModel for an unregistered version.
var ErrUnknownModel = errors.New("unknown model version")

// ModelMetadata describes a registered model for the models listing.
type ModelMetadata struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description" yaml:"description"`
	Dimensions  int    `json:"dimensions" yaml:"dimensions"`
	// Default is set by ListModels for DefaultModelVersion.
	Default bool `json:"default" yaml:"default"`
}

// ModelFactory builds a model. It runs on every GetModel call, so providers
// read their credentials at that point rather than at registration.
type ModelFactory func() (EmbeddingModel, error)

type registration struct {
	meta    ModelMetadata
	factory ModelFactory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]registration)
)

// RegisterModel makes a model available under meta.Version. It is meant to
// be called from init and panics on an empty or duplicate version.
func RegisterModel(meta ModelMetadata, factory ModelFactory) {
	if meta.Version == "" || factory == nil {
		panic("embedding: RegisterModel needs a version and a factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[meta.Version]; dup {
		panic("embedding: model version registered twice: " + meta.Version)
	}
	registry[meta.Version] = registration{meta: meta, factory: factory}
}

// GetModel builds the model registered as version.
func GetModel(version string) (EmbeddingModel, error) {
	registryMu.RLock()
	reg, ok := registry[version]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownModel, version, strings.Join(modelVersions(), ", "))
	}
	return reg.factory()
}

// ListModels returns every registered model ordered by version.
func ListModels() []ModelMetadata {
	registryMu.RLock()
	defer registryMu.RUnlock()

	list := make([]ModelMetadata, 0, len(registry))
	for version, reg := range registry {
		meta := reg.meta
		meta.Default = version == DefaultModelVersion
		list = append(list, meta)
	}
	slices.SortFunc(list, func(a, b ModelMetadata) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return list
}

func modelVersions() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	versions := make([]string, 0, len(registry))
	for v := range registry {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions
}
