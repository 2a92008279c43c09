package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Resource types known to the registry.
const (
	TypeDatabase = "database"
	TypeAPI      = "api"
	TypeTool     = "tool"
	TypeText2SQL = "text2sql"
)

// Vectorization statuses. Transitions only move forward except on failure,
// which may retry from pending.
const (
	VectorizationPending    = "pending"
	VectorizationInProgress = "in_progress"
	VectorizationCompleted  = "completed"
	VectorizationFailed     = "failed"
)

// Sync operation types and statuses.
const (
	OpFullSync          = "full_sync"
	OpIncrementalSync   = "incremental_sync"
	OpVectorizeResource = "vectorize_resource"

	OpStatusSuccess = "success"
	OpStatusPartial = "partial"
	OpStatusFailure = "failure"
)

// ValidResourceType reports whether t is one of the known resource types.
func ValidResourceType(t string) bool {
	switch t {
	case TypeDatabase, TypeAPI, TypeTool, TypeText2SQL:
		return true
	}
	return false
}

// Resource is a registry entry: a discoverable database connection, API,
// tool, or stored text-to-SQL exemplar.
type Resource struct {
	ID                  string
	Name                string
	Type                string
	Description         string
	Capabilities        []string
	Tags                []string
	Metadata            map[string]string
	IsActive            bool
	Status              string
	VectorizationStatus string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Validate checks the fields required before a resource can be stored.
func (r Resource) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "resource_id", Reason: "must not be empty"}
	}
	if r.Name == "" {
		return &ValidationError{Field: "resource_name", Reason: "must not be empty"}
	}
	if !ValidResourceType(r.Type) {
		return &ValidationError{Field: "resource_type", Reason: fmt.Sprintf("unknown type %q", r.Type)}
	}
	return nil
}

// ValidationError indicates malformed input rejected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SyncOperation is an append-only audit record of a synchronization run.
type SyncOperation struct {
	ID         string
	Type       string
	Status     string
	Created    int
	Updated    int
	Deleted    int
	Failed     int
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// TypeCounts summarizes resources of one type for statistics.
type TypeCounts struct {
	Total      int
	Active     int
	Vectorized int
}
