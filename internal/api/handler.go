package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/auth"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/catalog"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/config"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/maintenance"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/observability"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/packer"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/segment"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/sketch"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/unpacker"
)

type ReadinessCheck func(ctx context.Context) error

// CheckpointManager is the checkpoint surface of the engine.
type CheckpointManager interface {
	Components() []string
	SaveCheckpoint(ctx context.Context, step int64) (catalog.Checkpoint, error)
	LoadCheckpoint(ctx context.Context, step int64) (catalog.Checkpoint, error)
	LoadLatest(ctx context.Context) (catalog.Checkpoint, error)
	ListCheckpoints(ctx context.Context, limit int) ([]catalog.Checkpoint, error)
}

type PackedBatchLister interface {
	ListPackedBatches(ctx context.Context, runID string) ([]catalog.PackedBatch, error)
}

// IntegrityChecker verifies that catalogued blobs exist in the object store.
type IntegrityChecker interface {
	RunIntegrityCheckOnce(ctx context.Context, runID string) (maintenance.IntegritySummary, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Packer            *packer.Packer
	Unpacker          *unpacker.Unpacker
	Encoder           sketch.Encoder
	Checkpoints       CheckpointManager
	PackedBatches     PackedBatchLister
	Integrity         IntegrityChecker
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	maxBody := cfg.HTTP.MaxBodyBytes
	inference := []func(http.Handler) http.Handler{limitBody(maxBody), auth.RequireRole(auth.RoleInference)}
	admin := []func(http.Handler) http.Handler{limitBody(maxBody), auth.RequireRole(auth.RoleCheckpointAdmin)}

	protected := http.NewServeMux()
	protected.Handle("POST /v1/pack", chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePack(deps, w, r)
	}), inference...))
	protected.Handle("POST /v1/unpack", chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleUnpack(deps, w, r)
	}), inference...))
	protected.Handle("POST /v1/encode", chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleEncode(deps, w, r)
	}), inference...))
	protected.Handle("GET /v1/packed-batches", chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleListPackedBatches(deps, w, r)
	}), inference...))
	protected.Handle("GET /v1/checkpoints", chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleListCheckpoints(deps, w, r)
	}), admin...))
	protected.Handle("POST /v1/checkpoints", chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSaveCheckpoint(deps, w, r)
	}), admin...))
	protected.Handle("POST /v1/checkpoints/restore", chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleRestoreCheckpoint(deps, w, r)
	}), admin...))
	protected.Handle("POST /v1/integrity/run", chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleRunIntegrity(deps, w, r)
	}), admin...))

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for _, pattern := range []string{
		"POST /v1/pack",
		"POST /v1/unpack",
		"POST /v1/encode",
		"GET /v1/packed-batches",
		"GET /v1/checkpoints",
		"POST /v1/checkpoints",
		"POST /v1/checkpoints/restore",
		"POST /v1/integrity/run",
	} {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckCatalog(repo catalog.Repository) ReadinessCheck {
	return func(ctx context.Context) error {
		if repo == nil {
			return errors.New("catalog is not configured")
		}
		return repo.HealthCheck(ctx)
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func limitBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds the configured limit", false, map[string]any{"limit_bytes": tooLarge.Limit})
			return false
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

// writeStructureError maps packing and unpacking failures to client errors.
// Anything else is reported as an internal error.
func writeStructureError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sketch.ErrEncoder):
		writeError(r.Context(), w, http.StatusBadGateway, "ENCODER_FAILED", err.Error(), true, nil)
	case errors.Is(err, tensor.ErrShapeMismatch):
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SHAPE", err.Error(), false, nil)
	case errors.Is(err, segment.ErrMalformed):
		var rowErr *segment.RowError
		var extra map[string]any
		if errors.As(err, &rowErr) {
			extra = map[string]any{"example": rowErr.Example, "position": rowErr.Position}
		}
		writeError(r.Context(), w, http.StatusBadRequest, "MALFORMED_SEGMENTS", err.Error(), false, extra)
	case errors.Is(err, packer.ErrEmptyHeader):
		writeError(r.Context(), w, http.StatusBadRequest, "EMPTY_HEADER", err.Error(), false, nil)
	case errors.Is(err, unpacker.ErrHeaderCountMismatch):
		writeError(r.Context(), w, http.StatusBadRequest, "HEADER_COUNT_MISMATCH", err.Error(), false, nil)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
