package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the resource registry, resource
// vectors, and the sync audit log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "scout.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database for packages sharing the same file
// (the vector store operates on the resource_vectors table directly).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Resources ---

const resourceColumns = `resource_id, name, resource_type, description, capabilities, tags, metadata,
	is_active, status, vectorization_status, created_at, updated_at`

// UpsertResource creates or updates a resource by ID inside one transaction.
// Updating resets vectorization_status to pending whenever a field used for
// vectorization changes (name, description, capabilities, tags); metadata-only
// edits leave it untouched. Returns true if the resource was created.
func (s *Store) UpsertResource(r Resource) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}

	caps, tags, meta, err := encodeResourceJSON(r)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanResource(tx.QueryRow(
		`SELECT `+resourceColumns+` FROM resources WHERE resource_id = ?`, r.ID))
	if err != nil && err != ErrNotFound {
		return false, err
	}

	if err == ErrNotFound {
		status := r.Status
		if status == "" {
			status = "registered"
		}
		_, err = tx.Exec(`
			INSERT INTO resources (resource_id, name, resource_type, description, capabilities, tags, metadata,
				is_active, status, vectorization_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Name, r.Type, r.Description, caps, tags, meta,
			boolToInt(r.IsActive), status, VectorizationPending,
			now.Format(time.RFC3339), now.Format(time.RFC3339),
		)
		if err != nil {
			return false, fmt.Errorf("inserting resource %s: %w", r.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("committing insert: %w", err)
		}
		return true, nil
	}

	// resource_id is immutable; the type is part of the identity too.
	if existing.Type != r.Type {
		return false, &ValidationError{Field: "resource_type", Reason: fmt.Sprintf(
			"resource %s is %s, cannot change to %s", r.ID, existing.Type, r.Type)}
	}

	vecStatus := existing.VectorizationStatus
	if semanticFieldsChanged(existing, r) {
		vecStatus = VectorizationPending
	}

	status := r.Status
	if status == "" {
		status = existing.Status
	}

	_, err = tx.Exec(`
		UPDATE resources
		SET name = ?, description = ?, capabilities = ?, tags = ?, metadata = ?,
			is_active = ?, status = ?, vectorization_status = ?, updated_at = ?
		WHERE resource_id = ?`,
		r.Name, r.Description, caps, tags, meta,
		boolToInt(r.IsActive), status, vecStatus, now.Format(time.RFC3339), r.ID,
	)
	if err != nil {
		return false, fmt.Errorf("updating resource %s: %w", r.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing update: %w", err)
	}
	return false, nil
}

// semanticFieldsChanged reports whether any field that feeds vectorization
// text differs between the stored and incoming resource.
func semanticFieldsChanged(old, in Resource) bool {
	if old.Name != in.Name || old.Description != in.Description {
		return true
	}
	if !equalStrings(old.Capabilities, in.Capabilities) {
		return true
	}
	return !equalStringSets(old.Tags, in.Tags)
}

// equalStrings compares two slices element-wise (capabilities are ordered).
func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// equalStringSets compares two slices ignoring order (tags are a set).
func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
		if seen[s] < 0 {
			return false
		}
	}
	return true
}

// GetResource returns the resource with the given ID.
func (s *Store) GetResource(id string) (Resource, error) {
	return scanResource(s.db.QueryRow(
		`SELECT `+resourceColumns+` FROM resources WHERE resource_id = ?`, id))
}

// ListActive returns all active resources, optionally filtered by type.
// Results are ordered by resource_id for deterministic iteration.
func (s *Store) ListActive(resourceType string) ([]Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE is_active = 1`
	args := []any{}
	if resourceType != "" {
		query += ` AND resource_type = ?`
		args = append(args, resourceType)
	}
	query += ` ORDER BY resource_id ASC`
	return s.queryResources(query, args...)
}

// ListByType returns up to limit resources of the given type, active or not,
// newest first.
func (s *Store) ListByType(resourceType string, limit int) ([]Resource, error) {
	if !ValidResourceType(resourceType) {
		return nil, &ValidationError{Field: "resource_type", Reason: fmt.Sprintf("unknown type %q", resourceType)}
	}
	if limit <= 0 {
		limit = 50
	}
	return s.queryResources(`
		SELECT `+resourceColumns+` FROM resources
		WHERE resource_type = ? ORDER BY updated_at DESC, resource_id ASC LIMIT ?`,
		resourceType, limit)
}

// ListChangedSince returns active resources whose updated_at is strictly
// after t.
func (s *Store) ListChangedSince(t time.Time) ([]Resource, error) {
	return s.queryResources(`
		SELECT `+resourceColumns+` FROM resources
		WHERE is_active = 1 AND updated_at > ? ORDER BY resource_id ASC`,
		t.UTC().Format(time.RFC3339))
}

// ListWithStatus returns active resources whose vectorization_status is one
// of the given statuses.
func (s *Store) ListWithStatus(statuses ...string) ([]Resource, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat(",?", len(statuses)-1)
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return s.queryResources(`
		SELECT `+resourceColumns+` FROM resources
		WHERE is_active = 1 AND vectorization_status IN (?`+placeholders+`)
		ORDER BY resource_id ASC`, args...)
}

// SetVectorizationStatus updates a resource's vectorization status without
// touching updated_at, so status bookkeeping never re-triggers change
// detection.
func (s *Store) SetVectorizationStatus(id, status string) error {
	res, err := s.db.Exec(
		`UPDATE resources SET vectorization_status = ? WHERE resource_id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating vectorization status for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkVectorized records the terminal vectorization outcome for a resource.
// vectorTypes lists the facets that were embedded; a completed outcome with
// no vectorized types is rejected, since completion means every applicable
// facet was persisted. Like SetVectorizationStatus, updated_at is untouched.
func (s *Store) MarkVectorized(id string, vectorTypes []string, status string) error {
	if status != VectorizationCompleted && status != VectorizationFailed {
		return &ValidationError{Field: "vectorization_status",
			Reason: fmt.Sprintf("terminal status required, got %q", status)}
	}
	if status == VectorizationCompleted && len(vectorTypes) == 0 {
		return &ValidationError{Field: "vector_types",
			Reason: "completed outcome requires at least one vectorized type"}
	}
	return s.SetVectorizationStatus(id, status)
}

// DeleteResource removes a resource row. Vector cleanup is the caller's
// responsibility (the synchronizer removes orphaned vectors).
func (s *Store) DeleteResource(id string) error {
	res, err := s.db.Exec(`DELETE FROM resources WHERE resource_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting resource %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountsByType returns per-type totals for statistics.
func (s *Store) CountsByType() (map[string]TypeCounts, error) {
	rows, err := s.db.Query(`
		SELECT resource_type,
			COUNT(*),
			SUM(is_active),
			SUM(CASE WHEN vectorization_status = ? THEN 1 ELSE 0 END)
		FROM resources GROUP BY resource_type`, VectorizationCompleted)
	if err != nil {
		return nil, fmt.Errorf("counting resources: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]TypeCounts)
	for rows.Next() {
		var t string
		var c TypeCounts
		if err := rows.Scan(&t, &c.Total, &c.Active, &c.Vectorized); err != nil {
			return nil, err
		}
		counts[t] = c
	}
	return counts, rows.Err()
}

func (s *Store) queryResources(query string, args ...any) ([]Resource, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying resources: %w", err)
	}
	defer rows.Close()

	var results []Resource
	for rows.Next() {
		r, err := scanResourceRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row *sql.Row) (Resource, error) {
	r, err := scanResourceRow(row)
	if err == sql.ErrNoRows {
		return Resource{}, ErrNotFound
	}
	return r, err
}

func scanResourceRow(row rowScanner) (Resource, error) {
	var r Resource
	var caps, tags, meta string
	var active int
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.Name, &r.Type, &r.Description, &caps, &tags, &meta,
		&active, &r.Status, &r.VectorizationStatus, &createdAt, &updatedAt)
	if err != nil {
		return Resource{}, err
	}
	r.IsActive = active != 0
	if err := json.Unmarshal([]byte(caps), &r.Capabilities); err != nil {
		return Resource{}, fmt.Errorf("parsing capabilities for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return Resource{}, fmt.Errorf("parsing tags for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
		return Resource{}, fmt.Errorf("parsing metadata for %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Resource{}, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Resource{}, fmt.Errorf("parsing updated_at for %s: %w", r.ID, err)
	}
	return r, nil
}

func encodeResourceJSON(r Resource) (caps, tags, meta string, err error) {
	capsB, err := json.Marshal(emptyIfNil(r.Capabilities))
	if err != nil {
		return "", "", "", fmt.Errorf("encoding capabilities: %w", err)
	}
	tagsB, err := json.Marshal(emptyIfNil(r.Tags))
	if err != nil {
		return "", "", "", fmt.Errorf("encoding tags: %w", err)
	}
	m := r.Metadata
	if m == nil {
		m = map[string]string{}
	}
	metaB, err := json.Marshal(m)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(capsB), string(tagsB), string(metaB), nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Sync operations ---

// SaveSyncOperation appends an audit record. Records are never mutated after
// write.
func (s *Store) SaveSyncOperation(op SyncOperation) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_operations (id, operation_type, status, created_count, updated_count,
			deleted_count, failed_count, message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Type, op.Status, op.Created, op.Updated, op.Deleted, op.Failed,
		op.Message, op.StartedAt.UTC().Format(time.RFC3339), op.FinishedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving sync operation: %w", err)
	}
	return nil
}

// RecentSyncOperations returns the most recent audit records, newest first.
func (s *Store) RecentSyncOperations(limit int) ([]SyncOperation, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, operation_type, status, created_count, updated_count,
			deleted_count, failed_count, message, started_at, finished_at
		FROM sync_operations ORDER BY started_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync operations: %w", err)
	}
	defer rows.Close()

	var ops []SyncOperation
	for rows.Next() {
		var op SyncOperation
		var startedAt, finishedAt string
		if err := rows.Scan(&op.ID, &op.Type, &op.Status, &op.Created, &op.Updated,
			&op.Deleted, &op.Failed, &op.Message, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if op.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if op.FinishedAt, err = time.Parse(time.RFC3339, finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// LastSyncWatermark returns the start time of the most recent full or
// incremental run that ended success or partial. Failures left behind by a
// partial run are swept by status, not by timestamp, so partial runs advance
// the watermark too. ok is false when no such run exists.
func (s *Store) LastSyncWatermark() (time.Time, bool, error) {
	var startedAt string
	err := s.db.QueryRow(`
		SELECT started_at FROM sync_operations
		WHERE operation_type IN (?, ?) AND status IN (?, ?)
		ORDER BY started_at DESC LIMIT 1`,
		OpFullSync, OpIncrementalSync, OpStatusSuccess, OpStatusPartial,
	).Scan(&startedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing watermark: %w", err)
	}
	return t, true, nil
}
