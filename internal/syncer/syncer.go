// Package syncer keeps the vector index consistent with the live resource
// registry. Runs are single-flight per process; individual resources within
// a run vectorize independently on a bounded worker pool, and one resource's
// failure never cancels sibling work.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/scout/internal/storage"
	"github.com/kalambet/scout/internal/vectorizer"
	"github.com/kalambet/scout/internal/vectorstore"
)

// ErrSyncInProgress is returned to a caller that tries to start a run while
// another run is active. The caller retries later; runs are never queued.
var ErrSyncInProgress = errors.New("a sync run is already in progress")

const defaultConcurrency = 4

// Progress is an incremental status update emitted during a run. The engine
// is the progress source; transports (HTTP, MCP, CLI) decide how to surface
// it.
type Progress struct {
	Percent int
	Step    string
	Message string
}

// Run steps reported through Progress.
const (
	StepStarted     = "started"
	StepScanning    = "scanning"
	StepVectorizing = "vectorizing"
	StepFinalizing  = "finalizing"
)

// Registry is the slice of the storage layer the synchronizer drives.
type Registry interface {
	ListActive(resourceType string) ([]storage.Resource, error)
	ListChangedSince(t time.Time) ([]storage.Resource, error)
	ListWithStatus(statuses ...string) ([]storage.Resource, error)
	SetVectorizationStatus(id, status string) error
	SaveSyncOperation(op storage.SyncOperation) error
	LastSyncWatermark() (time.Time, bool, error)
}

// VectorIndex is the slice of the vector store the synchronizer needs.
type VectorIndex interface {
	ResourceIDs() ([]string, error)
	DeleteByResource(resourceID string) error
}

// ResourceVectorizer embeds one resource. Satisfied by vectorizer.Vectorizer.
type ResourceVectorizer interface {
	Vectorize(ctx context.Context, res storage.Resource) (vectorizer.Result, error)
}

// Synchronizer detects registry changes and drives the vectorizer over the
// changed subset.
type Synchronizer struct {
	registry    Registry
	index       VectorIndex
	vectorizer  ResourceVectorizer
	concurrency int
	onProgress  func(Progress)
	logger      *slog.Logger

	mu sync.Mutex // single-flight guard, one run per registry per process
}

// New creates a Synchronizer. concurrency bounds the embedding fan-out
// (sized to the provider's throughput); <= 0 uses 4. onProgress may be nil.
func New(registry Registry, index VectorIndex, vec ResourceVectorizer, concurrency int, onProgress func(Progress)) *Synchronizer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Synchronizer{
		registry:    registry,
		index:       index,
		vectorizer:  vec,
		concurrency: concurrency,
		onProgress:  onProgress,
		logger:      slog.Default(),
	}
}

// Sync runs one synchronization pass and writes exactly one audit record,
// even on partial failure. Full runs re-vectorize every active resource;
// incremental runs cover resources changed since the last successful run
// plus everything still pending or failed. Returns ErrSyncInProgress when
// another run holds the guard.
func (s *Synchronizer) Sync(ctx context.Context, full bool) (storage.SyncOperation, error) {
	if !s.mu.TryLock() {
		return storage.SyncOperation{}, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	op := storage.SyncOperation{
		ID:        uuid.New().String(),
		Type:      storage.OpIncrementalSync,
		StartedAt: time.Now().UTC(),
	}
	if full {
		op.Type = storage.OpFullSync
	}
	s.progress(0, StepStarted, fmt.Sprintf("%s started", op.Type))

	runErr := s.run(ctx, full, &op)

	op.FinishedAt = time.Now().UTC()
	switch {
	case runErr != nil:
		op.Status = storage.OpStatusFailure
		op.Message = runErr.Error()
	case op.Failed > 0:
		op.Status = storage.OpStatusPartial
		op.Message = fmt.Sprintf("%d of %d resources failed, left for retry",
			op.Failed, op.Created+op.Updated+op.Failed)
	default:
		op.Status = storage.OpStatusSuccess
		op.Message = fmt.Sprintf("created %d, updated %d, deleted %d",
			op.Created, op.Updated, op.Deleted)
	}

	if err := s.registry.SaveSyncOperation(op); err != nil {
		s.logger.Error("failed to record sync operation", "operation_id", op.ID, "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	s.logger.Info("sync finished",
		"operation_id", op.ID, "type", op.Type, "status", op.Status,
		"created", op.Created, "updated", op.Updated,
		"deleted", op.Deleted, "failed", op.Failed)
	return op, runErr
}

func (s *Synchronizer) run(ctx context.Context, full bool, op *storage.SyncOperation) error {
	s.progress(5, StepScanning, "scanning registry for changes")

	vectorOwners, err := s.index.ResourceIDs()
	if err != nil {
		return fmt.Errorf("listing indexed resources: %w", err)
	}
	owned := make(map[string]bool, len(vectorOwners))
	for _, id := range vectorOwners {
		owned[id] = true
	}

	if err := s.repairCompleted(owned); err != nil {
		return err
	}

	targets, err := s.collectTargets(full)
	if err != nil {
		return err
	}

	deleted, err := s.removeOrphans(vectorOwners)
	if err != nil {
		return err
	}
	op.Deleted = deleted

	if len(targets) == 0 {
		s.progress(100, StepFinalizing, "nothing to vectorize")
		return ctx.Err()
	}

	s.progress(10, StepVectorizing, fmt.Sprintf("vectorizing %d resources", len(targets)))

	// Independent resources share no mutable state; fan out bounded to the
	// provider's throughput. Workers never return errors into the group so
	// one failure cannot cancel siblings.
	var progressMu sync.Mutex
	done := 0
	var created, updated, failed int

	g := &errgroup.Group{}
	g.SetLimit(s.concurrency)
	for _, res := range targets {
		if ctx.Err() != nil {
			break
		}
		res := res
		g.Go(func() error {
			result, err := s.vectorizer.Vectorize(ctx, res)
			ok := err == nil && result.Status == storage.VectorizationCompleted

			progressMu.Lock()
			defer progressMu.Unlock()
			done++
			switch {
			case !ok:
				failed++
				if err != nil {
					s.logger.Warn("vectorization errored", "resource_id", res.ID, "error", err)
				}
			case owned[res.ID]:
				updated++
			default:
				created++
			}
			pct := 10 + (85*done)/len(targets)
			s.progress(pct, StepVectorizing,
				fmt.Sprintf("vectorized %d/%d resources", done, len(targets)))
			return nil
		})
	}
	// Workers never return errors, so Wait only synchronizes.
	_ = g.Wait()

	op.Created, op.Updated, op.Failed = created, updated, failed
	s.progress(100, StepFinalizing, "sync complete")

	// A cancelled run is recorded as failed; the next invocation rediscovers
	// unfinished work via vectorization_status.
	return ctx.Err()
}

// repairCompleted resets completed resources that own no vectors back to
// pending. That state indicates a crash mid-pipeline and must be repaired by
// re-vectorization, not treated as silent success.
func (s *Synchronizer) repairCompleted(owned map[string]bool) error {
	completed, err := s.registry.ListWithStatus(storage.VectorizationCompleted)
	if err != nil {
		return fmt.Errorf("listing completed resources: %w", err)
	}
	for _, res := range completed {
		if owned[res.ID] {
			continue
		}
		s.logger.Warn("completed resource has no vectors, resetting to pending", "resource_id", res.ID)
		if err := s.registry.SetVectorizationStatus(res.ID, storage.VectorizationPending); err != nil {
			return fmt.Errorf("resetting %s: %w", res.ID, err)
		}
	}
	return nil
}

// collectTargets returns the resources this run will vectorize, de-duplicated
// and in stable order.
func (s *Synchronizer) collectTargets(full bool) ([]storage.Resource, error) {
	if full {
		targets, err := s.registry.ListActive("")
		if err != nil {
			return nil, fmt.Errorf("listing active resources: %w", err)
		}
		return targets, nil
	}

	watermark, ok, err := s.registry.LastSyncWatermark()
	if err != nil {
		return nil, fmt.Errorf("loading sync watermark: %w", err)
	}
	if !ok {
		watermark = time.Time{}
	}

	changed, err := s.registry.ListChangedSince(watermark)
	if err != nil {
		return nil, fmt.Errorf("listing changed resources: %w", err)
	}
	retry, err := s.registry.ListWithStatus(storage.VectorizationPending, storage.VectorizationFailed)
	if err != nil {
		return nil, fmt.Errorf("listing retryable resources: %w", err)
	}

	byID := make(map[string]storage.Resource, len(changed)+len(retry))
	for _, r := range changed {
		byID[r.ID] = r
	}
	for _, r := range retry {
		byID[r.ID] = r
	}
	targets := make([]storage.Resource, 0, len(byID))
	for _, r := range byID {
		targets = append(targets, r)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets, nil
}

// removeOrphans deletes vectors whose resource is no longer in the active
// set. The previous index contents serve as the deletion snapshot.
func (s *Synchronizer) removeOrphans(vectorOwners []string) (int, error) {
	active, err := s.registry.ListActive("")
	if err != nil {
		return 0, fmt.Errorf("listing active resources: %w", err)
	}
	activeIDs := make(map[string]bool, len(active))
	for _, r := range active {
		activeIDs[r.ID] = true
	}

	deleted := 0
	for _, id := range vectorOwners {
		if activeIDs[id] {
			continue
		}
		if err := s.index.DeleteByResource(id); err != nil {
			return deleted, fmt.Errorf("removing vectors for %s: %w", id, err)
		}
		s.logger.Info("removed vectors for inactive resource", "resource_id", id)
		deleted++
	}
	return deleted, nil
}

func (s *Synchronizer) progress(percent int, step, message string) {
	if s.onProgress == nil {
		return
	}
	s.onProgress(Progress{Percent: percent, Step: step, Message: message})
}

// Ensure the concrete vector store satisfies the index interface.
var _ VectorIndex = (*vectorstore.SQLiteStore)(nil)
