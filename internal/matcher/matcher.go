// Package matcher ranks registry resources against a free-text query by
// cosine similarity over their stored vectors. Matching is read-only and
// safe to run concurrently with synchronization: it reads whatever vector
// state is committed at query time, so a query issued mid-sync may miss
// freshly-changed resources (eventual consistency, by contract).
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kalambet/scout/internal/embedding"
	"github.com/kalambet/scout/internal/storage"
	"github.com/kalambet/scout/internal/vectorizer"
	"github.com/kalambet/scout/internal/vectorstore"
)

// DefaultWeights favors the description facet over the capability facet.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		vectorizer.TypeDescription: 0.7,
		vectorizer.TypeCapability:  0.3,
	}
}

// MatchResult pairs a resource with its raw similarity, calibrated
// confidence, and a short explanation of which vector type drove the match.
// Results are ephemeral; nothing here is persisted.
type MatchResult struct {
	Resource        storage.Resource
	SimilarityScore float64
	ConfidenceScore float64
	Reasoning       string
}

// ModelMismatchError reports a stored vector produced by a different model
// than the one configured for its vector type. Comparing embeddings across
// models is meaningless, so this is a hard error rather than a silent skip.
type ModelMismatchError struct {
	VectorType string
	Stored     string
	Configured string
}

func (e *ModelMismatchError) Error() string {
	return fmt.Sprintf("vector type %s: stored model %q does not match configured model %q",
		e.VectorType, e.Stored, e.Configured)
}

// VectorReader is the read-only slice of the vector store the matcher needs.
type VectorReader interface {
	VectorTypes() ([]string, error)
	ListByType(vectorType string) ([]vectorstore.Vector, error)
}

// ResourceLister lists active registry entries.
type ResourceLister interface {
	ListActive(resourceType string) ([]storage.Resource, error)
}

// Matcher ranks resources by query similarity.
type Matcher struct {
	provider embedding.Provider
	vectors  VectorReader
	registry ResourceLister
	cfg      vectorizer.Config
	weights  map[string]float64
	logger   *slog.Logger
}

// New creates a Matcher. Nil weights fall back to DefaultWeights; weights
// are used relative to each other, so they need not sum to exactly 1.
func New(provider embedding.Provider, vectors VectorReader, registry ResourceLister,
	cfg vectorizer.Config, weights map[string]float64) *Matcher {
	if len(cfg.Models) == 0 {
		cfg = vectorizer.DefaultConfig()
	}
	if len(weights) == 0 {
		weights = DefaultWeights()
	}
	return &Matcher{
		provider: provider,
		vectors:  vectors,
		registry: registry,
		cfg:      cfg,
		weights:  weights,
		logger:   slog.Default(),
	}
}

// Match embeds the query once per indexed vector type and returns up to topK
// active resources ordered by confidence descending, ties broken by
// similarity descending then resource_id ascending.
//
// An empty query returns an empty result set with no error: no signal is not
// a fault. topK larger than the candidate pool returns the whole pool. An
// unknown resource type in the filter contributes no candidates.
func (m *Matcher) Match(ctx context.Context, query string, topK int, resourceTypes []string, minConfidence float64) ([]MatchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	candidates, err := m.loadCandidates(resourceTypes)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	indexTypes, err := m.vectors.VectorTypes()
	if err != nil {
		return nil, fmt.Errorf("listing vector types: %w", err)
	}

	// perResource accumulates weighted similarity and the weight actually
	// present, so resources missing a vector type renormalize over the
	// types they have.
	type accum struct {
		weighted    float64
		totalWeight float64
		bestType    string
		bestScore   float64
	}
	scores := make(map[string]*accum)

	for _, vt := range indexTypes {
		mc, configured := m.cfg.Models[vt]
		if !configured {
			m.logger.Warn("index contains unconfigured vector type, skipping", "vector_type", vt)
			continue
		}
		weight := m.weights[vt]
		if weight <= 0 {
			continue
		}

		queryVec, _, err := m.provider.Embed(ctx, mc.Model, query)
		if err != nil {
			return nil, fmt.Errorf("embedding query for %s: %w", vt, err)
		}
		queryNorm := vectorstore.Norm(queryVec)
		if queryNorm == 0 {
			continue
		}

		stored, err := m.vectors.ListByType(vt)
		if err != nil {
			return nil, fmt.Errorf("loading %s vectors: %w", vt, err)
		}
		for _, v := range stored {
			if v.Model != mc.Model {
				return nil, &ModelMismatchError{VectorType: vt, Stored: v.Model, Configured: mc.Model}
			}
			if _, ok := candidates[v.ResourceID]; !ok {
				continue
			}
			sim := float64(vectorstore.CosineWithNorm(queryVec, v.Embedding, queryNorm))
			a := scores[v.ResourceID]
			if a == nil {
				a = &accum{}
				scores[v.ResourceID] = a
			}
			a.weighted += weight * sim
			a.totalWeight += weight
			if a.bestType == "" || sim > a.bestScore {
				a.bestType, a.bestScore = vt, sim
			}
		}
	}

	// Resources with no vectors at all are excluded, never scored as zero.
	results := make([]MatchResult, 0, len(scores))
	for id, a := range scores {
		if a.totalWeight == 0 {
			continue
		}
		sim := a.weighted / a.totalWeight
		conf := Confidence(sim)
		if conf < minConfidence {
			continue
		}
		results = append(results, MatchResult{
			Resource:        candidates[id],
			SimilarityScore: sim,
			ConfidenceScore: conf,
			Reasoning: fmt.Sprintf("strongest signal from %s vector (cosine %.2f)",
				a.bestType, a.bestScore),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].ConfidenceScore != results[j].ConfidenceScore {
			return results[i].ConfidenceScore > results[j].ConfidenceScore
		}
		if results[i].SimilarityScore != results[j].SimilarityScore {
			return results[i].SimilarityScore > results[j].SimilarityScore
		}
		return results[i].Resource.ID < results[j].Resource.ID
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *Matcher) loadCandidates(resourceTypes []string) (map[string]storage.Resource, error) {
	candidates := make(map[string]storage.Resource)
	if len(resourceTypes) == 0 {
		active, err := m.registry.ListActive("")
		if err != nil {
			return nil, fmt.Errorf("listing active resources: %w", err)
		}
		for _, r := range active {
			candidates[r.ID] = r
		}
		return candidates, nil
	}
	for _, t := range resourceTypes {
		if !storage.ValidResourceType(t) {
			// Unknown filter types yield no candidates, not an error.
			continue
		}
		active, err := m.registry.ListActive(t)
		if err != nil {
			return nil, fmt.Errorf("listing active %s resources: %w", t, err)
		}
		for _, r := range active {
			candidates[r.ID] = r
		}
	}
	return candidates, nil
}

// Confidence calibrates a cosine similarity in [-1, 1] to a confidence in
// [0, 1] with the fixed affine rescale (sim + 1) / 2, clamped. The mapping
// is monotonic, independent of the batch, and must stay stable across
// releases: minConfidence thresholds in calling code are tuned against it.
func Confidence(sim float64) float64 {
	c := (sim + 1) / 2
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
