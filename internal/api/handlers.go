package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bikeshare-atlas/pipeline/internal/crosswalk"
	"github.com/bikeshare-atlas/pipeline/internal/db"
	"github.com/bikeshare-atlas/pipeline/internal/station"
	"github.com/bikeshare-atlas/pipeline/internal/validate"
)

// Repository defines the read operations the query API serves
type Repository interface {
	ListCrosswalk(ctx context.Context, tier string) ([]db.CrosswalkRow, error)
	ReusedCrosswalk(ctx context.Context) ([]db.CrosswalkRow, error)
	GetCrosswalkEntry(ctx context.Context, legacyID string) (*db.CrosswalkRow, error)
	ListAudit(ctx context.Context, runID, classification string) ([]db.AuditRow, error)
	ListRuns(ctx context.Context, limit int) ([]db.Run, error)
	FilterCounts(ctx context.Context, runID string) ([]db.FileFilterCounts, error)
	Ping(ctx context.Context) error
}

// Handler handles HTTP requests for crosswalk, audit and run data
type Handler struct {
	repo Repository
}

// NewHandler creates a new handler with the given repository
func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// CrosswalkResponse is the JSON response for the crosswalk list endpoints
type CrosswalkResponse struct {
	Entries []db.CrosswalkRow `json:"entries"`
	Count   int               `json:"count"`
}

// AuditResponse is the JSON response for GET /api/audit
type AuditResponse struct {
	Stations []db.AuditRow `json:"stations"`
	Count    int           `json:"count"`
}

// RunsResponse is the JSON response for GET /api/runs
type RunsResponse struct {
	Runs  []db.Run `json:"runs"`
	Count int      `json:"count"`
}

// FilterCountsResponse is the JSON response for GET /api/runs/{runID}/filters
type FilterCountsResponse struct {
	RunID string                `json:"runId"`
	Files []db.FileFilterCounts `json:"files"`
	Total map[string]int        `json:"total"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = map[string]interface{}{"internal": err.Error()}
	}
	writeJSON(w, status, resp)
}

// GetCrosswalk handles GET /api/crosswalk
// Optional tier query parameter filters by match tier
func (h *Handler) GetCrosswalk(w http.ResponseWriter, r *http.Request) {
	tier := r.URL.Query().Get("tier")
	if tier != "" {
		if _, err := crosswalk.ParseTier(tier); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid tier parameter", err)
			return
		}
	}

	entries, err := h.repo.ListCrosswalk(r.Context(), tier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve crosswalk", err)
		return
	}
	writeJSON(w, http.StatusOK, CrosswalkResponse{Entries: entries, Count: len(entries)})
}

// GetReused handles GET /api/crosswalk/reused
func (h *Handler) GetReused(w http.ResponseWriter, r *http.Request) {
	entries, err := h.repo.ReusedCrosswalk(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve reused identifiers", err)
		return
	}
	writeJSON(w, http.StatusOK, CrosswalkResponse{Entries: entries, Count: len(entries)})
}

// GetCrosswalkEntry handles GET /api/crosswalk/{legacyID}
// The identifier is normalized first, so "72.0" finds "72"
func (h *Handler) GetCrosswalkEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := station.ParseID(chi.URLParam(r, "legacyID"))
	if !ok {
		writeError(w, http.StatusBadRequest, "legacyID parameter is required", nil)
		return
	}

	entry, err := h.repo.GetCrosswalkEntry(r.Context(), id.String())
	if errors.Is(err, db.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:   "Legacy identifier not found",
			Details: map[string]interface{}{"legacyId": id.String()},
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve crosswalk entry", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetAudit handles GET /api/audit
// Query parameters: classification, run_id (defaults to the latest validate run)
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	classification := q.Get("classification")
	if classification != "" {
		if _, err := validate.ParseClassification(classification); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid classification parameter", err)
			return
		}
	}

	stations, err := h.repo.ListAudit(r.Context(), q.Get("run_id"), classification)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "No validation run found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve audit", err)
		return
	}
	writeJSON(w, http.StatusOK, AuditResponse{Stations: stations, Count: len(stations)})
}

// GetRuns handles GET /api/runs
func (h *Handler) GetRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	runs, err := h.repo.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve runs", err)
		return
	}
	writeJSON(w, http.StatusOK, RunsResponse{Runs: runs, Count: len(runs)})
}

// GetFilterCounts handles GET /api/runs/{runID}/filters
func (h *Handler) GetFilterCounts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "runID parameter is required", nil)
		return
	}

	files, err := h.repo.FilterCounts(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve filter counts", err)
		return
	}

	total := make(map[string]int)
	for _, f := range files {
		for reason, n := range f.Filtered {
			total[reason] += n
		}
	}
	writeJSON(w, http.StatusOK, FilterCountsResponse{RunID: runID, Files: files, Total: total})
}

// Health handles GET /health with a database connectivity check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "error",
			"database":  "disconnected",
			"timestamp": time.Now().UTC(),
			"error":     err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	})
}
