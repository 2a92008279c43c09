// Package api exposes the discovery engine over HTTP and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/scout/internal/discovery"
	"github.com/kalambet/scout/internal/storage"
)

const maxBodySize = 1 << 20 // 1MB

// AppDeps holds dependencies for the HTTP layer.
type AppDeps struct {
	Service *discovery.Service
	// Token enables bearer auth on all routes except /health when non-empty.
	Token string
}

// NewAppHandler builds the HTTP router for the discovery engine.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/discover", handleDiscover(deps))
		r.Post("/sync", handleSync(deps))
		r.Get("/statistics", handleStatistics(deps))
		r.Get("/resources", handleListResources(deps))
		r.Get("/resources/{id}", handleGetResource(deps))
		r.Put("/resources/{id}", handleUpsertResource(deps))
		r.Delete("/resources/{id}", handleDeleteResource(deps))
	})

	return r
}

// DiscoverRequest is the body of POST /discover.
type DiscoverRequest struct {
	Query         string   `json:"query"`
	MaxResults    int      `json:"max_results"`
	ResourceTypes []string `json:"resource_types,omitempty"`
	MinConfidence float64  `json:"min_confidence"`
}

// matchResultJSON is the wire form of one discovery hit.
type matchResultJSON struct {
	Resource        resourceJSON `json:"resource"`
	SimilarityScore float64      `json:"similarity_score"`
	ConfidenceScore float64      `json:"confidence_score"`
	Reasoning       string       `json:"reasoning"`
}

type resourceJSON struct {
	ResourceID          string            `json:"resource_id"`
	Name                string            `json:"resource_name"`
	Type                string            `json:"resource_type"`
	Description         string            `json:"description"`
	Capabilities        []string          `json:"capabilities"`
	Tags                []string          `json:"tags"`
	Metadata            map[string]string `json:"metadata"`
	IsActive            bool              `json:"is_active"`
	Status              string            `json:"status"`
	VectorizationStatus string            `json:"vectorization_status"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func toResourceJSON(r storage.Resource) resourceJSON {
	return resourceJSON{
		ResourceID:          r.ID,
		Name:                r.Name,
		Type:                r.Type,
		Description:         r.Description,
		Capabilities:        r.Capabilities,
		Tags:                r.Tags,
		Metadata:            r.Metadata,
		IsActive:            r.IsActive,
		Status:              r.Status,
		VectorizationStatus: r.VectorizationStatus,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func handleDiscover(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req DiscoverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		result := deps.Service.Discover(r.Context(), req.Query, req.MaxResults, req.ResourceTypes, req.MinConfidence)

		matches := make([]matchResultJSON, 0, len(result.Results))
		for _, m := range result.Results {
			matches = append(matches, matchResultJSON{
				Resource:        toResourceJSON(m.Resource),
				SimilarityScore: m.SimilarityScore,
				ConfidenceScore: m.ConfidenceScore,
				Reasoning:       m.Reasoning,
			})
		}

		status := http.StatusOK
		if !result.Success {
			status = http.StatusUnprocessableEntity
		}
		respondJSON(w, status, map[string]any{
			"success": result.Success,
			"message": result.Message,
			"results": matches,
		})
	}
}

// SyncRequest is the body of POST /sync.
type SyncRequest struct {
	ForceFullSync bool `json:"force_full_sync"`
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req SyncRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		result := deps.Service.Sync(r.Context(), req.ForceFullSync)
		status := http.StatusOK
		if !result.Success {
			status = http.StatusConflict
		}
		respondJSON(w, status, map[string]any{
			"success":   result.Success,
			"message":   result.Message,
			"operation": operationJSON(result.Operation),
		})
	}
}

func operationJSON(op storage.SyncOperation) map[string]any {
	return map[string]any{
		"id":          op.ID,
		"type":        op.Type,
		"status":      op.Status,
		"created":     op.Created,
		"updated":     op.Updated,
		"deleted":     op.Deleted,
		"failed":      op.Failed,
		"message":     op.Message,
		"started_at":  op.StartedAt,
		"finished_at": op.FinishedAt,
	}
}

func handleStatistics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats, err := deps.Service.Statistics()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading statistics: %v", err)
			return
		}

		perType := make(map[string]map[string]int, len(stats.PerType))
		for t, c := range stats.PerType {
			perType[t] = map[string]int{
				"total":      c.Total,
				"active":     c.Active,
				"vectorized": c.Vectorized,
			}
		}
		ops := make([]map[string]any, 0, len(stats.RecentOperations))
		for _, op := range stats.RecentOperations {
			ops = append(ops, operationJSON(op))
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"per_type":          perType,
			"recent_operations": ops,
		})
	}
}

func handleListResources(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resourceType := r.URL.Query().Get("type")
		if resourceType == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type query parameter is required")
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", v)
				return
			}
			limit = n
		}

		resources, err := deps.Service.ListByType(resourceType, limit)
		if err != nil {
			var verr *storage.ValidationError
			if errors.As(err, &verr) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", verr)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "listing resources: %v", err)
			return
		}

		out := make([]resourceJSON, 0, len(resources))
		for _, res := range resources {
			out = append(out, toResourceJSON(res))
		}
		respondJSON(w, http.StatusOK, out)
	}
}

func handleGetResource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res, err := deps.Service.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "resource %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading resource: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, toResourceJSON(res))
	}
}

// UpsertResourceRequest is the body of PUT /resources/{id}.
type UpsertResourceRequest struct {
	Name         string            `json:"resource_name"`
	Type         string            `json:"resource_type"`
	Description  string            `json:"description"`
	Capabilities []string          `json:"capabilities"`
	Tags         []string          `json:"tags"`
	Metadata     map[string]string `json:"metadata"`
	IsActive     *bool             `json:"is_active,omitempty"`
	Status       string            `json:"status"`
}

func handleUpsertResource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req UpsertResourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		active := true
		if req.IsActive != nil {
			active = *req.IsActive
		}
		created, err := deps.Service.Register(storage.Resource{
			ID:           chi.URLParam(r, "id"),
			Name:         req.Name,
			Type:         req.Type,
			Description:  req.Description,
			Capabilities: req.Capabilities,
			Tags:         req.Tags,
			Metadata:     req.Metadata,
			IsActive:     active,
			Status:       req.Status,
		})
		if err != nil {
			var verr *storage.ValidationError
			if errors.As(err, &verr) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", verr)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "storing resource: %v", err)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		respondJSON(w, status, map[string]any{"created": created})
	}
}

func handleDeleteResource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Service.Remove(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "resource %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting resource: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	respondJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
