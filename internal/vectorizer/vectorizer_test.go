package vectorizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/scout/internal/embedding"
	"github.com/kalambet/scout/internal/storage"
	"github.com/kalambet/scout/internal/vectorstore"
)

// stubProvider returns canned embeddings keyed by text, or a per-text error.
type stubProvider struct {
	dim     int
	errFor  map[string]error
	calls   []string
	running bool
}

func (p *stubProvider) Embed(_ context.Context, _ string, text string) ([]float32, int, error) {
	p.calls = append(p.calls, text)
	if err, ok := p.errFor[text]; ok {
		return nil, 0, err
	}
	dim := p.dim
	if dim == 0 {
		dim = 4
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(len(text)%7) * 0.1
	}
	return vec, dim, nil
}

func (p *stubProvider) IsRunning(context.Context) bool { return p.running }

var _ embedding.Provider = (*stubProvider)(nil)

type stubWriter struct {
	upserted [][]vectorstore.Vector
	err      error
}

func (w *stubWriter) Upsert(vectors []vectorstore.Vector) error {
	if w.err != nil {
		return w.err
	}
	w.upserted = append(w.upserted, vectors)
	return nil
}

type stubStatus struct {
	transitions map[string][]string
}

func newStubStatus() *stubStatus {
	return &stubStatus{transitions: map[string][]string{}}
}

func (s *stubStatus) SetVectorizationStatus(id, status string) error {
	s.transitions[id] = append(s.transitions[id], status)
	return nil
}

func (s *stubStatus) MarkVectorized(id string, _ []string, status string) error {
	s.transitions[id] = append(s.transitions[id], status)
	return nil
}

func dbResource(id string) storage.Resource {
	return storage.Resource{
		ID:           id,
		Name:         "Customer DB",
		Type:         storage.TypeDatabase,
		Description:  "orders and customer accounts",
		Capabilities: []string{"query customer records", "join orders"},
		Tags:         []string{"sales"},
		IsActive:     true,
	}
}

func TestVectorize_Completed(t *testing.T) {
	provider := &stubProvider{}
	writer := &stubWriter{}
	status := newStubStatus()
	v := New(provider, writer, status, Config{})

	result, err := v.Vectorize(context.Background(), dbResource("db_1"))
	if err != nil {
		t.Fatalf("Vectorize: %v", err)
	}
	if result.Status != storage.VectorizationCompleted {
		t.Errorf("status = %q, want completed", result.Status)
	}
	if len(result.VectorizedTypes) != 2 {
		t.Fatalf("vectorized types = %v, want 2", result.VectorizedTypes)
	}
	// Sorted for deterministic embedding order.
	if result.VectorizedTypes[0] != TypeCapability || result.VectorizedTypes[1] != TypeDescription {
		t.Errorf("types = %v, want [capability, description]", result.VectorizedTypes)
	}

	got := status.transitions["db_1"]
	if len(got) != 2 || got[0] != storage.VectorizationInProgress || got[1] != storage.VectorizationCompleted {
		t.Errorf("transitions = %v, want [in_progress, completed]", got)
	}

	// Both vectors land in one batch.
	if len(writer.upserted) != 1 || len(writer.upserted[0]) != 2 {
		t.Fatalf("upserted = %v", writer.upserted)
	}
	for _, vec := range writer.upserted[0] {
		if vec.Model != "nomic-embed-text" || vec.Dimension != len(vec.Embedding) {
			t.Errorf("vector = %+v", vec)
		}
	}
}

func TestVectorize_PartialTypeFailure(t *testing.T) {
	res := dbResource("db_1")
	capText := strings.Join(res.Capabilities, ", ")
	provider := &stubProvider{errFor: map[string]error{
		capText: fmt.Errorf("embed capability: %w", embedding.ErrUnavailable),
	}}
	writer := &stubWriter{}
	status := newStubStatus()
	v := New(provider, writer, status, Config{})

	result, err := v.Vectorize(context.Background(), res)
	if err != nil {
		t.Fatalf("Vectorize: %v", err)
	}
	if result.Status != storage.VectorizationFailed {
		t.Errorf("status = %q, want failed", result.Status)
	}
	if len(result.VectorizedTypes) != 1 || result.VectorizedTypes[0] != TypeDescription {
		t.Errorf("vectorized types = %v, want [description]", result.VectorizedTypes)
	}
	if !errors.Is(result.Errs[TypeCapability], embedding.ErrUnavailable) {
		t.Errorf("capability error = %v, want ErrUnavailable", result.Errs[TypeCapability])
	}

	// The surviving type is still persisted.
	if len(writer.upserted) != 1 || writer.upserted[0][0].VectorType != TypeDescription {
		t.Errorf("upserted = %v", writer.upserted)
	}
}

func TestVectorize_DimensionMismatch(t *testing.T) {
	provider := &stubProvider{dim: 4}
	writer := &stubWriter{}
	status := newStubStatus()
	cfg := Config{Models: map[string]ModelConfig{
		TypeDescription: {Model: "nomic-embed-text", Dimension: 768},
		TypeCapability:  {Model: "nomic-embed-text", Dimension: 768},
	}}
	v := New(provider, writer, status, cfg)

	result, err := v.Vectorize(context.Background(), dbResource("db_1"))
	if err != nil {
		t.Fatalf("Vectorize: %v", err)
	}
	if result.Status != storage.VectorizationFailed {
		t.Errorf("status = %q, want failed", result.Status)
	}
	var ce *ConsistencyError
	if !errors.As(result.Errs[TypeDescription], &ce) {
		t.Fatalf("error = %v, want ConsistencyError", result.Errs[TypeDescription])
	}
	if ce.Want != 768 || ce.Got != 4 {
		t.Errorf("ConsistencyError = %+v", ce)
	}
	if len(writer.upserted) != 0 {
		t.Errorf("upserted = %v, want none", writer.upserted)
	}
}

func TestVectorize_BatchWriteFailureMarksAllTypes(t *testing.T) {
	provider := &stubProvider{}
	writer := &stubWriter{err: errors.New("disk full")}
	status := newStubStatus()
	v := New(provider, writer, status, Config{})

	result, err := v.Vectorize(context.Background(), dbResource("db_1"))
	if err != nil {
		t.Fatalf("Vectorize: %v", err)
	}
	if result.Status != storage.VectorizationFailed {
		t.Errorf("status = %q, want failed", result.Status)
	}
	if len(result.VectorizedTypes) != 0 {
		t.Errorf("vectorized types = %v, want none after rollback", result.VectorizedTypes)
	}
	if result.Errs[TypeDescription] == nil || result.Errs[TypeCapability] == nil {
		t.Errorf("errs = %v, want both types marked", result.Errs)
	}
}

func TestBuildTexts_Database(t *testing.T) {
	texts := BuildTexts(dbResource("db_1"))

	desc, ok := texts[TypeDescription]
	if !ok {
		t.Fatal("missing description text")
	}
	if !strings.Contains(desc, "Customer DB") || !strings.Contains(desc, "orders and customer accounts") {
		t.Errorf("description text = %q", desc)
	}
	if !strings.Contains(desc, "Tags: sales") {
		t.Errorf("description text missing tags: %q", desc)
	}

	if texts[TypeCapability] != "query customer records, join orders" {
		t.Errorf("capability text = %q", texts[TypeCapability])
	}
}

func TestBuildTexts_Text2SQLSkipsCapability(t *testing.T) {
	res := dbResource("sql_1")
	res.Type = storage.TypeText2SQL
	res.Description = "Q: top customers by revenue\nSQL: SELECT ..."

	texts := BuildTexts(res)
	if _, ok := texts[TypeCapability]; ok {
		t.Error("text2sql resource should not have a capability text")
	}
	if len(texts) != 1 {
		t.Errorf("texts = %v, want description only", texts)
	}
}

func TestBuildTexts_EmptyCapabilitiesOmitted(t *testing.T) {
	res := dbResource("db_1")
	res.Capabilities = nil

	texts := BuildTexts(res)
	if _, ok := texts[TypeCapability]; ok {
		t.Error("empty capability text should be omitted")
	}
}

func TestVectorize_EmptyCapabilityNotCountedAgainstCompletion(t *testing.T) {
	res := dbResource("db_1")
	res.Capabilities = nil
	provider := &stubProvider{}
	writer := &stubWriter{}
	status := newStubStatus()
	v := New(provider, writer, status, Config{})

	result, err := v.Vectorize(context.Background(), res)
	if err != nil {
		t.Fatalf("Vectorize: %v", err)
	}
	if result.Status != storage.VectorizationCompleted {
		t.Errorf("status = %q, want completed with description only", result.Status)
	}
	if len(result.VectorizedTypes) != 1 || result.VectorizedTypes[0] != TypeDescription {
		t.Errorf("vectorized types = %v", result.VectorizedTypes)
	}
}
