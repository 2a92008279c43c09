// Package vectorizer turns registry entries into typed embeddings. Each
// resource yields one canonical text per vector type; types embed and fail
// independently, and a resource is completed only when every applicable type
// succeeded.
package vectorizer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/scout/internal/embedding"
	"github.com/kalambet/scout/internal/storage"
	"github.com/kalambet/scout/internal/vectorstore"
)

// Vector types produced by the vectorizer.
const (
	TypeDescription = "description"
	TypeCapability  = "capability"
)

// ModelConfig names the embedding model for one vector type and, optionally,
// the dimension that model is declared to produce. A non-zero dimension is
// enforced against every embedding; zero accepts whatever the provider
// returns.
type ModelConfig struct {
	Model     string
	Dimension int
}

// Config maps vector types to their model configuration.
type Config struct {
	Models map[string]ModelConfig
}

// DefaultConfig embeds both vector types with nomic-embed-text.
func DefaultConfig() Config {
	return Config{
		Models: map[string]ModelConfig{
			TypeDescription: {Model: "nomic-embed-text"},
			TypeCapability:  {Model: "nomic-embed-text"},
		},
	}
}

// VectorWriter persists vectors. Satisfied by vectorstore.SQLiteStore.
type VectorWriter interface {
	Upsert(vectors []vectorstore.Vector) error
}

// StatusStore records vectorization status transitions on the registry.
type StatusStore interface {
	SetVectorizationStatus(id, status string) error
	MarkVectorized(id string, vectorTypes []string, status string) error
}

// ConsistencyError reports a vector whose dimension disagrees with the
// model's declared dimension. It is not transient: retrying without a config
// or model change will not help, but the resource is still left failed so an
// operator fix is picked up by the next sync.
type ConsistencyError struct {
	ResourceID string
	VectorType string
	Want, Got  int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("vector %s/%s: dimension %d does not match declared %d",
		e.ResourceID, e.VectorType, e.Got, e.Want)
}

// Result reports the outcome of vectorizing one resource.
type Result struct {
	ResourceID      string
	Status          string
	VectorizedTypes []string
	// Errs holds the per-type failures; empty when Status is completed.
	Errs map[string]error
}

// Vectorizer embeds resources and persists their vectors.
type Vectorizer struct {
	provider embedding.Provider
	vectors  VectorWriter
	registry StatusStore
	cfg      Config
	logger   *slog.Logger
}

// New creates a Vectorizer. A zero-value cfg falls back to DefaultConfig.
func New(provider embedding.Provider, vectors VectorWriter, registry StatusStore, cfg Config) *Vectorizer {
	if len(cfg.Models) == 0 {
		cfg = DefaultConfig()
	}
	return &Vectorizer{
		provider: provider,
		vectors:  vectors,
		registry: registry,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// Config returns the active vector type configuration.
func (v *Vectorizer) Config() Config {
	return v.cfg
}

// Vectorize embeds every applicable vector type of the resource and persists
// the results, overwriting prior vectors of the same types. A failure on one
// type does not abort the others; the returned Result lists the types that
// succeeded and the per-type errors for the rest. Successful vectors are
// written in one transaction (embedding, dimension, and model together), so
// no partial vector row is ever visible.
func (v *Vectorizer) Vectorize(ctx context.Context, res storage.Resource) (Result, error) {
	result := Result{
		ResourceID: res.ID,
		Errs:       map[string]error{},
	}

	if err := v.registry.SetVectorizationStatus(res.ID, storage.VectorizationInProgress); err != nil {
		return result, fmt.Errorf("marking %s in progress: %w", res.ID, err)
	}

	texts := BuildTexts(res)
	types := make([]string, 0, len(texts))
	for vt := range texts {
		if _, ok := v.cfg.Models[vt]; ok {
			types = append(types, vt)
		}
	}
	sort.Strings(types)

	now := time.Now().UTC()
	var toStore []vectorstore.Vector
	for _, vt := range types {
		mc := v.cfg.Models[vt]
		vec, dim, err := v.provider.Embed(ctx, mc.Model, texts[vt])
		if err != nil {
			result.Errs[vt] = err
			continue
		}
		if mc.Dimension > 0 && dim != mc.Dimension {
			result.Errs[vt] = &ConsistencyError{
				ResourceID: res.ID, VectorType: vt, Want: mc.Dimension, Got: dim,
			}
			continue
		}
		toStore = append(toStore, vectorstore.Vector{
			ResourceID: res.ID,
			VectorType: vt,
			Embedding:  vec,
			Dimension:  dim,
			Model:      mc.Model,
			UpdatedAt:  now,
		})
		result.VectorizedTypes = append(result.VectorizedTypes, vt)
	}

	if len(toStore) > 0 {
		if err := v.vectors.Upsert(toStore); err != nil {
			// The whole batch rolled back; none of the types made it.
			for _, vec := range toStore {
				result.Errs[vec.VectorType] = err
			}
			result.VectorizedTypes = nil
		}
	}

	result.Status = storage.VectorizationCompleted
	if len(result.Errs) > 0 {
		result.Status = storage.VectorizationFailed
		for vt, err := range result.Errs {
			v.logger.Warn("vectorization failed for type",
				"resource_id", res.ID, "vector_type", vt, "error", err)
		}
	}

	if err := v.registry.MarkVectorized(res.ID, result.VectorizedTypes, result.Status); err != nil {
		return result, fmt.Errorf("recording status for %s: %w", res.ID, err)
	}
	return result, nil
}

// BuildTexts returns the canonical text per vector type for a resource.
// Types whose text would be empty are omitted and do not count against
// completion. Text2sql exemplars carry only a description vector; their
// exemplar SQL lives in the description text already.
func BuildTexts(res storage.Resource) map[string]string {
	texts := map[string]string{
		TypeDescription: descriptionText(res),
	}
	if res.Type == storage.TypeText2SQL {
		return texts
	}
	if ct := capabilityText(res); ct != "" {
		texts[TypeCapability] = ct
	}
	return texts
}

func descriptionText(res storage.Resource) string {
	parts := []string{res.Name}
	if res.Description != "" {
		parts = append(parts, res.Description)
	}
	if len(res.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(res.Tags, ", "))
	}
	return strings.Join(parts, "\n")
}

func capabilityText(res storage.Resource) string {
	return strings.Join(res.Capabilities, ", ")
}
