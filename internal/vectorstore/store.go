// Package vectorstore persists resource embeddings in SQLite and provides
// the similarity primitives used by the matcher. Vectors are keyed by
// (resource_id, vector_type) and stored as little-endian float32 blobs;
// similarity search is a brute-force cosine scan, which is appropriate for
// registry-scale resource counts.
package vectorstore

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Vector is one stored embedding of a resource. A row always carries its
// dimension and source model together with the embedding; a vector write is
// all-or-nothing.
type Vector struct {
	ResourceID string
	VectorType string
	Embedding  []float32
	Dimension  int
	Model      string
	UpdatedAt  time.Time
}

// SQLiteStore operates on the resource_vectors table of the registry
// database. The vectorizer is the only writer; the matcher only reads.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The resource_vectors table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Upsert writes vectors in a single transaction, replacing any prior vector
// of the same (resource_id, vector_type). Either every vector in the batch
// is persisted or none is.
func (s *SQLiteStore) Upsert(vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO resource_vectors (resource_id, vector_type, embedding, embedding_dimension, model, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_id, vector_type) DO UPDATE SET
			embedding = excluded.embedding,
			embedding_dimension = excluded.embedding_dimension,
			model = excluded.model,
			updated_at = excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, v := range vectors {
		if v.Dimension != len(v.Embedding) {
			tx.Rollback()
			return fmt.Errorf("vector %s/%s: dimension %d does not match embedding length %d",
				v.ResourceID, v.VectorType, v.Dimension, len(v.Embedding))
		}
		updatedAt := v.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		blob := encodeFloat32s(v.Embedding)
		if _, err := stmt.Exec(v.ResourceID, v.VectorType, blob, v.Dimension, v.Model,
			updatedAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting vector %s/%s: %w", v.ResourceID, v.VectorType, err)
		}
	}

	return tx.Commit()
}

// GetByResource returns all vectors owned by a resource.
func (s *SQLiteStore) GetByResource(resourceID string) ([]Vector, error) {
	return s.queryVectors(`
		SELECT resource_id, vector_type, embedding, embedding_dimension, model, updated_at
		FROM resource_vectors WHERE resource_id = ? ORDER BY vector_type ASC`, resourceID)
}

// ListByType returns every stored vector of the given type. The matcher
// scans these against the embedded query.
func (s *SQLiteStore) ListByType(vectorType string) ([]Vector, error) {
	return s.queryVectors(`
		SELECT resource_id, vector_type, embedding, embedding_dimension, model, updated_at
		FROM resource_vectors WHERE vector_type = ? ORDER BY resource_id ASC`, vectorType)
}

// VectorTypes returns the distinct vector types present in the index.
func (s *SQLiteStore) VectorTypes() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT vector_type FROM resource_vectors ORDER BY vector_type ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying vector types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// ResourceIDs returns the distinct resource ids that own at least one vector.
// The synchronizer diffs this against the active registry set to detect
// deletions.
func (s *SQLiteStore) ResourceIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT resource_id FROM resource_vectors ORDER BY resource_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying vector resource ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteByResource removes every vector owned by a resource. Deleting a
// resource with no vectors is not an error.
func (s *SQLiteStore) DeleteByResource(resourceID string) error {
	if _, err := s.db.Exec(`DELETE FROM resource_vectors WHERE resource_id = ?`, resourceID); err != nil {
		return fmt.Errorf("deleting vectors for %s: %w", resourceID, err)
	}
	return nil
}

// Count returns the number of stored vectors.
func (s *SQLiteStore) Count() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM resource_vectors`).Scan(&count)
	return count, err
}

func (s *SQLiteStore) queryVectors(query string, args ...any) ([]Vector, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var vectors []Vector
	for rows.Next() {
		var v Vector
		var blob []byte
		var updatedAt string
		if err := rows.Scan(&v.ResourceID, &v.VectorType, &blob, &v.Dimension, &v.Model, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		if v.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s/%s: %w", v.ResourceID, v.VectorType, err)
		}
		if v.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for %s/%s: %w", v.ResourceID, v.VectorType, err)
		}
		vectors = append(vectors, v)
	}
	return vectors, rows.Err()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4
// (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// Norm returns the L2 norm of a vector.
func Norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// CosineWithNorm computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a, so callers scanning many
// vectors against one query pay the query-norm cost once.
func CosineWithNorm(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// Cosine computes cosine similarity between two vectors.
func Cosine(a, b []float32) float32 {
	return CosineWithNorm(a, b, Norm(a))
}
