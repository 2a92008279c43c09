package matcher

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/kalambet/scout/internal/storage"
	"github.com/kalambet/scout/internal/vectorizer"
	"github.com/kalambet/scout/internal/vectorstore"
)

// stubProvider embeds queries to a fixed vector.
type stubProvider struct {
	vec   []float32
	err   error
	calls int
}

func (p *stubProvider) Embed(context.Context, string, string) ([]float32, int, error) {
	p.calls++
	if p.err != nil {
		return nil, 0, p.err
	}
	return p.vec, len(p.vec), nil
}

func (p *stubProvider) IsRunning(context.Context) bool { return true }

type stubVectors struct {
	byType map[string][]vectorstore.Vector
}

func (s *stubVectors) VectorTypes() ([]string, error) {
	var types []string
	for t := range s.byType {
		types = append(types, t)
	}
	return types, nil
}

func (s *stubVectors) ListByType(vectorType string) ([]vectorstore.Vector, error) {
	return s.byType[vectorType], nil
}

type stubRegistry struct {
	resources []storage.Resource
}

func (s *stubRegistry) ListActive(resourceType string) ([]storage.Resource, error) {
	var out []storage.Resource
	for _, r := range s.resources {
		if r.IsActive && (resourceType == "" || r.Type == resourceType) {
			out = append(out, r)
		}
	}
	return out, nil
}

func activeResource(id, resourceType string) storage.Resource {
	return storage.Resource{ID: id, Name: id, Type: resourceType, IsActive: true}
}

func storedVector(id, vectorType string, embedding []float32) vectorstore.Vector {
	return vectorstore.Vector{
		ResourceID: id,
		VectorType: vectorType,
		Embedding:  embedding,
		Dimension:  len(embedding),
		Model:      "nomic-embed-text",
	}
}

func TestMatch_EmptyQuery(t *testing.T) {
	m := New(&stubProvider{}, &stubVectors{}, &stubRegistry{}, vectorizer.Config{}, nil)

	results, err := m.Match(context.Background(), "   ", 5, nil, 0)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil for empty query", results)
	}
}

func TestMatch_RanksByConfidence(t *testing.T) {
	provider := &stubProvider{vec: []float32{1, 0}}
	vectors := &stubVectors{byType: map[string][]vectorstore.Vector{
		vectorizer.TypeDescription: {
			storedVector("db_far", "description", []float32{0, 1}),
			storedVector("db_near", "description", []float32{1, 0.1}),
		},
	}}
	registry := &stubRegistry{resources: []storage.Resource{
		activeResource("db_far", storage.TypeDatabase),
		activeResource("db_near", storage.TypeDatabase),
	}}
	m := New(provider, vectors, registry, vectorizer.Config{}, nil)

	results, err := m.Match(context.Background(), "customer orders", 5, nil, 0)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Resource.ID != "db_near" {
		t.Errorf("top result = %s, want db_near", results[0].Resource.ID)
	}
	if results[0].ConfidenceScore <= results[1].ConfidenceScore {
		t.Errorf("confidence not descending: %v then %v",
			results[0].ConfidenceScore, results[1].ConfidenceScore)
	}
	if !strings.Contains(results[0].Reasoning, "description vector") {
		t.Errorf("reasoning = %q", results[0].Reasoning)
	}
}

func TestMatch_RenormalizesOverPresentTypes(t *testing.T) {
	// db_both has both vector types; db_desc has only a description vector.
	// Both point exactly at the query, so both should score 1 after
	// renormalization even though db_desc is missing the capability facet.
	provider := &stubProvider{vec: []float32{1, 0}}
	vectors := &stubVectors{byType: map[string][]vectorstore.Vector{
		vectorizer.TypeDescription: {
			storedVector("db_both", "description", []float32{1, 0}),
			storedVector("db_desc", "description", []float32{1, 0}),
		},
		vectorizer.TypeCapability: {
			storedVector("db_both", "capability", []float32{1, 0}),
		},
	}}
	registry := &stubRegistry{resources: []storage.Resource{
		activeResource("db_both", storage.TypeDatabase),
		activeResource("db_desc", storage.TypeDatabase),
	}}
	m := New(provider, vectors, registry, vectorizer.Config{}, nil)

	results, err := m.Match(context.Background(), "anything", 5, nil, 0)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if math.Abs(r.SimilarityScore-1) > 1e-6 {
			t.Errorf("%s similarity = %v, want 1", r.Resource.ID, r.SimilarityScore)
		}
	}
	// Equal scores break the tie by resource_id.
	if results[0].Resource.ID != "db_both" || results[1].Resource.ID != "db_desc" {
		t.Errorf("order = [%s, %s]", results[0].Resource.ID, results[1].Resource.ID)
	}
}

func TestMatch_UnknownTypeFilterYieldsEmpty(t *testing.T) {
	provider := &stubProvider{vec: []float32{1, 0}}
	vectors := &stubVectors{byType: map[string][]vectorstore.Vector{
		vectorizer.TypeDescription: {storedVector("db_1", "description", []float32{1, 0})},
	}}
	registry := &stubRegistry{resources: []storage.Resource{
		activeResource("db_1", storage.TypeDatabase),
	}}
	m := New(provider, vectors, registry, vectorizer.Config{}, nil)

	results, err := m.Match(context.Background(), "query", 5, []string{"queue"}, 0)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want empty for unknown type filter", results)
	}
}

func TestMatch_TypeFilter(t *testing.T) {
	provider := &stubProvider{vec: []float32{1, 0}}
	vectors := &stubVectors{byType: map[string][]vectorstore.Vector{
		vectorizer.TypeDescription: {
			storedVector("db_1", "description", []float32{1, 0}),
			storedVector("api_1", "description", []float32{1, 0}),
		},
	}}
	registry := &stubRegistry{resources: []storage.Resource{
		activeResource("db_1", storage.TypeDatabase),
		activeResource("api_1", storage.TypeAPI),
	}}
	m := New(provider, vectors, registry, vectorizer.Config{}, nil)

	results, err := m.Match(context.Background(), "query", 5, []string{storage.TypeAPI}, 0)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(results) != 1 || results[0].Resource.ID != "api_1" {
		t.Errorf("results = %v, want [api_1]", results)
	}
}

func TestMatch_ResourceWithoutVectorsExcluded(t *testing.T) {
	provider := &stubProvider{vec: []float32{1, 0}}
	vectors := &stubVectors{byType: map[string][]vectorstore.Vector{
		vectorizer.TypeDescription: {storedVector("db_1", "description", []float32{1, 0})},
	}}
	registry := &stubRegistry{resources: []storage.Resource{
		activeResource("db_1", storage.TypeDatabase),
		activeResource("db_unindexed", storage.TypeDatabase),
	}}
	m := New(provider, vectors, registry, vectorizer.Config{}, nil)

	results, err := m.Match(context.Background(), "query", 5, nil, 0)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(results) != 1 || results[0].Resource.ID != "db_1" {
		t.Errorf("results include unindexed resource: %v", results)
	}
}

func TestMatch_MinConfidenceFilters(t *testing.T) {
	provider := &stubProvider{vec: []float32{1, 0}}
	vectors := &stubVectors{byType: map[string][]vectorstore.Vector{
		vectorizer.TypeDescription: {
			storedVector("db_near", "description", []float32{1, 0}),
			storedVector("db_far", "description", []float32{-1, 0}),
		},
	}}
	registry := &stubRegistry{resources: []storage.Resource{
		activeResource("db_near", storage.TypeDatabase),
		activeResource("db_far", storage.TypeDatabase),
	}}
	m := New(provider, vectors, registry, vectorizer.Config{}, nil)

	results, err := m.Match(context.Background(), "query", 5, nil, 0.5)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(results) != 1 || results[0].Resource.ID != "db_near" {
		t.Errorf("results = %v, want [db_near]", results)
	}
}

func TestMatch_TopKTruncates(t *testing.T) {
	provider := &stubProvider{vec: []float32{1, 0}}
	vecs := map[string][]vectorstore.Vector{vectorizer.TypeDescription: nil}
	registry := &stubRegistry{}
	for _, id := range []string{"db_a", "db_b", "db_c"} {
		vecs[vectorizer.TypeDescription] = append(vecs[vectorizer.TypeDescription],
			storedVector(id, "description", []float32{1, 0}))
		registry.resources = append(registry.resources, activeResource(id, storage.TypeDatabase))
	}
	m := New(provider, &stubVectors{byType: vecs}, registry, vectorizer.Config{}, nil)

	results, err := m.Match(context.Background(), "query", 2, nil, 0)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}

	// topK larger than the pool returns the whole pool.
	results, err = m.Match(context.Background(), "query", 50, nil, 0)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
}

func TestMatch_ModelMismatchIsHardError(t *testing.T) {
	provider := &stubProvider{vec: []float32{1, 0}}
	stale := storedVector("db_1", "description", []float32{1, 0})
	stale.Model = "all-minilm"
	vectors := &stubVectors{byType: map[string][]vectorstore.Vector{
		vectorizer.TypeDescription: {stale},
	}}
	registry := &stubRegistry{resources: []storage.Resource{
		activeResource("db_1", storage.TypeDatabase),
	}}
	m := New(provider, vectors, registry, vectorizer.Config{}, nil)

	_, err := m.Match(context.Background(), "query", 5, nil, 0)
	var mme *ModelMismatchError
	if !errors.As(err, &mme) {
		t.Fatalf("err = %v, want ModelMismatchError", err)
	}
	if mme.Stored != "all-minilm" || mme.Configured != "nomic-embed-text" {
		t.Errorf("ModelMismatchError = %+v", mme)
	}
}

func TestMatch_ProviderErrorPropagates(t *testing.T) {
	provider := &stubProvider{err: errors.New("connection refused")}
	vectors := &stubVectors{byType: map[string][]vectorstore.Vector{
		vectorizer.TypeDescription: {storedVector("db_1", "description", []float32{1, 0})},
	}}
	registry := &stubRegistry{resources: []storage.Resource{
		activeResource("db_1", storage.TypeDatabase),
	}}
	m := New(provider, vectors, registry, vectorizer.Config{}, nil)

	if _, err := m.Match(context.Background(), "query", 5, nil, 0); err == nil {
		t.Fatal("expected provider error to propagate")
	}
}

func TestMatch_UserStoreScenario(t *testing.T) {
	// A vectorized database resource must come back for a related query with
	// positive similarity and a bounded confidence.
	provider := &stubProvider{vec: []float32{0.8, 0.3, 0.1}}
	vectors := &stubVectors{byType: map[string][]vectorstore.Vector{
		vectorizer.TypeDescription: {storedVector("db_1", "description", []float32{0.7, 0.4, 0.2})},
		vectorizer.TypeCapability:  {storedVector("db_1", "capability", []float32{0.6, 0.5, 0.1})},
	}}
	registry := &stubRegistry{resources: []storage.Resource{{
		ID:           "db_1",
		Name:         "db_1",
		Type:         storage.TypeDatabase,
		Description:  "user account store",
		Capabilities: []string{"query", "join"},
		IsActive:     true,
	}}}
	m := New(provider, vectors, registry, vectorizer.Config{}, nil)

	results, err := m.Match(context.Background(), "find information about users", 5, nil, 0.1)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(results) != 1 || results[0].Resource.ID != "db_1" {
		t.Fatalf("results = %v, want db_1", results)
	}
	if results[0].SimilarityScore <= 0 {
		t.Errorf("similarity = %v, want > 0", results[0].SimilarityScore)
	}
	if c := results[0].ConfidenceScore; c < 0 || c > 1 {
		t.Errorf("confidence = %v, want within [0,1]", c)
	}
}

func TestConfidence(t *testing.T) {
	cases := []struct {
		sim, want float64
	}{
		{1, 1},
		{0, 0.5},
		{-1, 0},
		{0.5, 0.75},
		{1.2, 1},
		{-1.3, 0},
	}
	for _, tc := range cases {
		if got := Confidence(tc.sim); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Confidence(%v) = %v, want %v", tc.sim, got, tc.want)
		}
	}
}
