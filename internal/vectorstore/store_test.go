package vectorstore

import (
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE resource_vectors (
			resource_id TEXT NOT NULL,
			vector_type TEXT NOT NULL,
			embedding BLOB NOT NULL,
			embedding_dimension INTEGER NOT NULL,
			model TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (resource_id, vector_type)
		)`)
	if err != nil {
		t.Fatalf("creating table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func makeVector(id, vectorType string, embedding []float32) Vector {
	return Vector{
		ResourceID: id,
		VectorType: vectorType,
		Embedding:  embedding,
		Dimension:  len(embedding),
		Model:      "nomic-embed-text",
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestUpsertAndGetByResource(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	err := s.Upsert([]Vector{
		makeVector("db_1", "description", []float32{0.1, 0.2, 0.3}),
		makeVector("db_1", "capability", []float32{0.4, 0.5, 0.6}),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.GetByResource("db_1")
	if err != nil {
		t.Fatalf("GetByResource: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d vectors, want 2", len(got))
	}
	if got[0].VectorType != "capability" || got[1].VectorType != "description" {
		t.Errorf("types = [%s, %s], want [capability, description]", got[0].VectorType, got[1].VectorType)
	}
	if got[1].Embedding[2] != 0.3 {
		t.Errorf("embedding = %v", got[1].Embedding)
	}
	if got[0].Model != "nomic-embed-text" {
		t.Errorf("model = %q", got[0].Model)
	}
}

func TestUpsert_Replaces(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	if err := s.Upsert([]Vector{makeVector("db_1", "description", []float32{1, 0})}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert([]Vector{makeVector("db_1", "description", []float32{0, 1})}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err := s.GetByResource("db_1")
	if err != nil {
		t.Fatalf("GetByResource: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d vectors, want 1", len(got))
	}
	if got[0].Embedding[0] != 0 || got[0].Embedding[1] != 1 {
		t.Errorf("embedding = %v, want [0 1]", got[0].Embedding)
	}
}

func TestUpsert_DimensionMismatchRollsBack(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	bad := makeVector("db_1", "capability", []float32{1, 2, 3})
	bad.Dimension = 5
	err := s.Upsert([]Vector{
		makeVector("db_1", "description", []float32{1, 2, 3}),
		bad,
	})
	if err == nil {
		t.Fatal("expected error for dimension mismatch")
	}

	// The whole batch rolls back, including the valid vector.
	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d after failed batch, want 0", count)
	}
}

func TestListByType(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	err := s.Upsert([]Vector{
		makeVector("db_b", "description", []float32{1, 0}),
		makeVector("db_a", "description", []float32{0, 1}),
		makeVector("db_a", "capability", []float32{1, 1}),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.ListByType("description")
	if err != nil {
		t.Fatalf("ListByType: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d vectors, want 2", len(got))
	}
	if got[0].ResourceID != "db_a" || got[1].ResourceID != "db_b" {
		t.Errorf("order = [%s, %s], want [db_a, db_b]", got[0].ResourceID, got[1].ResourceID)
	}
}

func TestVectorTypesAndResourceIDs(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	err := s.Upsert([]Vector{
		makeVector("db_a", "description", []float32{1}),
		makeVector("db_b", "capability", []float32{1}),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	types, err := s.VectorTypes()
	if err != nil {
		t.Fatalf("VectorTypes: %v", err)
	}
	if len(types) != 2 || types[0] != "capability" || types[1] != "description" {
		t.Errorf("types = %v", types)
	}

	ids, err := s.ResourceIDs()
	if err != nil {
		t.Fatalf("ResourceIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "db_a" || ids[1] != "db_b" {
		t.Errorf("ids = %v", ids)
	}
}

func TestDeleteByResource(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	err := s.Upsert([]Vector{
		makeVector("db_a", "description", []float32{1}),
		makeVector("db_a", "capability", []float32{1}),
		makeVector("db_b", "description", []float32{1}),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := s.DeleteByResource("db_a"); err != nil {
		t.Fatalf("DeleteByResource: %v", err)
	}
	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	// No vectors is not an error.
	if err := s.DeleteByResource("db_missing"); err != nil {
		t.Errorf("DeleteByResource on absent resource: %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0, 1, -1, 0.5, float32(math.Pi)}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestDecodeFloat32s_Corrupt(t *testing.T) {
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Cosine(tc.a, tc.b)
			if math.Abs(float64(got-tc.want)) > 1e-6 {
				t.Errorf("Cosine = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCosineWithNorm_MatchesCosine(t *testing.T) {
	a := []float32{0.3, -0.4, 0.5}
	b := []float32{0.1, 0.9, -0.2}
	got := CosineWithNorm(a, b, Norm(a))
	want := Cosine(a, b)
	if math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("CosineWithNorm = %v, Cosine = %v", got, want)
	}
}
