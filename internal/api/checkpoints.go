package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/catalog"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/engine"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/storage"
)

type checkpointRequest struct {
	Step *int64 `json:"step"`
}

type checkpointResponse struct {
	RunID      string              `json:"run_id,omitempty"`
	Step       int64               `json:"step"`
	CreatedAt  time.Time           `json:"created_at"`
	Components []componentResponse `json:"components,omitempty"`
}

type componentResponse struct {
	Name      string `json:"name"`
	ObjectKey string `json:"object_key"`
	SizeBytes int64  `json:"size_bytes"`
	ETag      string `json:"etag,omitempty"`
}

type packedBatchResponse struct {
	RunID        string    `json:"run_id"`
	Sequence     int       `json:"sequence"`
	ObjectKey    string    `json:"object_key"`
	Examples     int       `json:"examples"`
	PackedLength int       `json:"packed_length"`
	HeaderCount  int       `json:"header_count"`
	CreatedAt    time.Time `json:"created_at"`
}

func handleListCheckpoints(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Checkpoints == nil {
		writeCheckpointsNotConfigured(w, r)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}

	checkpoints, err := deps.Checkpoints.ListCheckpoints(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", err.Error(), true, nil)
		return
	}
	items := make([]checkpointResponse, 0, len(checkpoints))
	for _, checkpoint := range checkpoints {
		items = append(items, newCheckpointResponse(checkpoint))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"components":  deps.Checkpoints.Components(),
		"checkpoints": items,
	})
}

func handleSaveCheckpoint(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Checkpoints == nil {
		writeCheckpointsNotConfigured(w, r)
		return
	}
	var request checkpointRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if request.Step == nil || *request.Step < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "STEP_REQUIRED", "a non-negative step is required", false, nil)
		return
	}

	checkpoint, err := deps.Checkpoints.SaveCheckpoint(r.Context(), *request.Step)
	if err != nil {
		writeCheckpointError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCheckpointResponse(checkpoint))
}

// handleRestoreCheckpoint restores the given step, or the newest checkpoint
// when no step is sent.
func handleRestoreCheckpoint(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Checkpoints == nil {
		writeCheckpointsNotConfigured(w, r)
		return
	}
	var request checkpointRequest
	if !decodeJSON(w, r, &request) {
		return
	}

	var (
		checkpoint catalog.Checkpoint
		err        error
	)
	if request.Step == nil {
		checkpoint, err = deps.Checkpoints.LoadLatest(r.Context())
	} else {
		checkpoint, err = deps.Checkpoints.LoadCheckpoint(r.Context(), *request.Step)
	}
	if err != nil {
		writeCheckpointError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCheckpointResponse(checkpoint))
}

func handleListPackedBatches(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.PackedBatches == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "packed batch catalog is not configured", false, nil)
		return
	}
	runID := strings.TrimSpace(r.URL.Query().Get("run_id"))
	if err := storage.ValidateName(runID, "run_id"); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_RUN_ID", err.Error(), false, nil)
		return
	}

	batches, err := deps.PackedBatches.ListPackedBatches(r.Context(), runID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", err.Error(), true, nil)
		return
	}
	items := make([]packedBatchResponse, 0, len(batches))
	for _, batch := range batches {
		items = append(items, packedBatchResponse{
			RunID:        batch.RunID,
			Sequence:     batch.Sequence,
			ObjectKey:    batch.ObjectKey,
			Examples:     batch.Examples,
			PackedLength: batch.PackedLength,
			HeaderCount:  batch.HeaderCount,
			CreatedAt:    batch.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "batches": items})
}

func writeCheckpointError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(r.Context(), w, http.StatusNotFound, "CHECKPOINT_NOT_FOUND", err.Error(), false, nil)
	case errors.Is(err, engine.ErrIncompatibleCheckpoint):
		writeError(r.Context(), w, http.StatusConflict, "INCOMPATIBLE_CHECKPOINT", err.Error(), false, nil)
	case errors.Is(err, storage.ErrObjectNotFound):
		writeError(r.Context(), w, http.StatusConflict, "CHECKPOINT_INCOMPLETE", err.Error(), false, nil)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "CHECKPOINT_FAILED", err.Error(), true, nil)
	}
}

func writeCheckpointsNotConfigured(w http.ResponseWriter, r *http.Request) {
	writeError(r.Context(), w, http.StatusNotImplemented, "CHECKPOINTS_NOT_CONFIGURED", "checkpoint storage is not configured", false, nil)
}

func newCheckpointResponse(checkpoint catalog.Checkpoint) checkpointResponse {
	out := checkpointResponse{
		RunID:     checkpoint.RunID,
		Step:      checkpoint.Step,
		CreatedAt: checkpoint.CreatedAt,
	}
	for _, component := range checkpoint.Components {
		out.Components = append(out.Components, componentResponse{
			Name:      component.Name,
			ObjectKey: component.ObjectKey,
			SizeBytes: component.SizeBytes,
			ETag:      component.ETag,
		})
	}
	return out
}

type integrityRequest struct {
	RunID string `json:"run_id"`
}

// handleRunIntegrity runs one integrity pass. Without a run id every
// configured run is checked.
func handleRunIntegrity(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Integrity == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "INTEGRITY_NOT_CONFIGURED", "integrity checks are not configured", false, nil)
		return
	}
	var request integrityRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	runID := strings.TrimSpace(request.RunID)
	if runID != "" {
		if err := storage.ValidateName(runID, "run_id"); err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_RUN_ID", err.Error(), false, nil)
			return
		}
	}

	summary, err := deps.Integrity.RunIntegrityCheckOnce(r.Context(), runID)
	if err != nil {
		extra := map[string]any{"summary": summary}
		if summary.MissingObjects > 0 || summary.SizeMismatchObjects > 0 {
			writeError(r.Context(), w, http.StatusConflict, "INTEGRITY_ISSUES", err.Error(), false, extra)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTEGRITY_CHECK_FAILED", err.Error(), true, extra)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "summary": summary})
}
