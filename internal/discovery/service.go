// Package discovery is the engine surface exposed to collaborators: the
// tool layer, HTTP layer, and CLI all speak to this facade. User-visible
// failures are structured results with success=false and a message, never
// unhandled faults propagating to the boundary.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/scout/internal/matcher"
	"github.com/kalambet/scout/internal/storage"
	"github.com/kalambet/scout/internal/syncer"
)

// Matcher is the ranking component behind Discover.
type Matcher interface {
	Match(ctx context.Context, query string, topK int, resourceTypes []string, minConfidence float64) ([]matcher.MatchResult, error)
}

// Synchronizer is the sync component behind Sync.
type Synchronizer interface {
	Sync(ctx context.Context, full bool) (storage.SyncOperation, error)
}

// Registry is the slice of storage the service exposes directly.
type Registry interface {
	UpsertResource(r storage.Resource) (bool, error)
	GetResource(id string) (storage.Resource, error)
	ListByType(resourceType string, limit int) ([]storage.Resource, error)
	DeleteResource(id string) error
	CountsByType() (map[string]storage.TypeCounts, error)
	RecentSyncOperations(limit int) ([]storage.SyncOperation, error)
}

// VectorCleaner removes a deleted resource's vectors immediately rather than
// waiting for the next sync run.
type VectorCleaner interface {
	DeleteByResource(resourceID string) error
}

// Service wires the matcher, synchronizer, and registry behind one facade.
type Service struct {
	registry Registry
	matcher  Matcher
	syncer   Synchronizer
	vectors  VectorCleaner
	logger   *slog.Logger
}

// NewService creates the discovery facade.
func NewService(registry Registry, m Matcher, s Synchronizer, vectors VectorCleaner) *Service {
	return &Service{
		registry: registry,
		matcher:  m,
		syncer:   s,
		vectors:  vectors,
		logger:   slog.Default(),
	}
}

// DiscoverResult is the structured outcome of a discovery query.
type DiscoverResult struct {
	Success bool
	Message string
	Results []matcher.MatchResult
}

// Discover ranks resources against the query. An empty query succeeds with
// an empty result set.
func (s *Service) Discover(ctx context.Context, query string, maxResults int, resourceTypes []string, minConfidence float64) DiscoverResult {
	results, err := s.matcher.Match(ctx, query, maxResults, resourceTypes, minConfidence)
	if err != nil {
		s.logger.Error("discover failed", "error", err)
		return DiscoverResult{Success: false, Message: err.Error()}
	}
	return DiscoverResult{
		Success: true,
		Message: fmt.Sprintf("%d resources matched", len(results)),
		Results: results,
	}
}

// SyncResult is the structured outcome of a synchronization request.
type SyncResult struct {
	Success   bool
	Message   string
	Operation storage.SyncOperation
}

// Sync runs a synchronization pass. A concurrent run is reported as a
// failed result, not an error: the caller simply retries later.
func (s *Service) Sync(ctx context.Context, forceFullSync bool) SyncResult {
	op, err := s.syncer.Sync(ctx, forceFullSync)
	if errors.Is(err, syncer.ErrSyncInProgress) {
		return SyncResult{Success: false, Message: err.Error()}
	}
	if err != nil {
		s.logger.Error("sync failed", "error", err)
		return SyncResult{Success: false, Message: err.Error(), Operation: op}
	}
	return SyncResult{Success: true, Message: op.Message, Operation: op}
}

// Statistics summarizes the registry per type plus recent operations.
type Statistics struct {
	PerType          map[string]storage.TypeCounts
	RecentOperations []storage.SyncOperation
}

// Statistics returns registry counts and the recent sync audit trail.
func (s *Service) Statistics() (Statistics, error) {
	counts, err := s.registry.CountsByType()
	if err != nil {
		return Statistics{}, fmt.Errorf("loading resource counts: %w", err)
	}
	ops, err := s.registry.RecentSyncOperations(10)
	if err != nil {
		return Statistics{}, fmt.Errorf("loading recent operations: %w", err)
	}
	return Statistics{PerType: counts, RecentOperations: ops}, nil
}

// ListByType returns up to limit resources of the given type.
func (s *Service) ListByType(resourceType string, limit int) ([]storage.Resource, error) {
	return s.registry.ListByType(resourceType, limit)
}

// Register creates or updates a resource. Returns true when the resource was
// created. The resource becomes discoverable after the next sync run embeds
// it.
func (s *Service) Register(r storage.Resource) (bool, error) {
	return s.registry.UpsertResource(r)
}

// Get returns a single resource by ID.
func (s *Service) Get(id string) (storage.Resource, error) {
	return s.registry.GetResource(id)
}

// Remove deletes a resource and its vectors. A discover issued afterwards
// never returns it.
func (s *Service) Remove(id string) error {
	if err := s.registry.DeleteResource(id); err != nil {
		return err
	}
	if err := s.vectors.DeleteByResource(id); err != nil {
		return fmt.Errorf("removing vectors for %s: %w", id, err)
	}
	return nil
}
