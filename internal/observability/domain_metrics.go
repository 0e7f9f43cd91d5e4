package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/packer"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/segment"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/unpacker"
)

var (
	packBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sketchsql_pack_batches_total",
			Help: "Total number of batches packed.",
		},
	)
	packedPositionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sketchsql_packed_positions_total",
			Help: "Total number of packed positions by segment label.",
		},
		[]string{"label"},
	)
	packDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sketchsql_pack_duration_seconds",
			Help:    "Time spent packing one batch.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)
	unpackDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sketchsql_unpack_duration_seconds",
			Help:    "Time spent unpacking one batch of encoder output.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)
	unpackedHeadersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sketchsql_unpacked_headers_total",
			Help: "Total number of header runs recovered by the unpacker.",
		},
	)
	structureErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sketchsql_structure_errors_total",
			Help: "Total number of rejected batches by stage and error kind.",
		},
		[]string{"stage", "kind"},
	)
	checkpointOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sketchsql_checkpoint_operations_total",
			Help: "Total number of checkpoint operations by kind and status.",
		},
		[]string{"op", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		packBatchesTotal,
		packedPositionsTotal,
		packDurationSeconds,
		unpackDurationSeconds,
		unpackedHeadersTotal,
		structureErrorsTotal,
		checkpointOperationsTotal,
	)
}

func ObservePack(segments segment.Matrix, elapsed time.Duration) {
	packBatchesTotal.Inc()
	var counts [segment.SEP + 1]int
	for _, label := range segments.Data {
		if label.Valid() {
			counts[label]++
		}
	}
	for label, n := range counts {
		if n > 0 {
			packedPositionsTotal.WithLabelValues(segment.Label(label).String()).Add(float64(n))
		}
	}
	packDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveUnpack(headers int, elapsed time.Duration) {
	if headers > 0 {
		unpackedHeadersTotal.Add(float64(headers))
	}
	unpackDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveStructureError(stage string, err error) {
	structureErrorsTotal.WithLabelValues(stage, ErrorKind(err)).Inc()
}

func ObserveCheckpoint(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	checkpointOperationsTotal.WithLabelValues(op, status).Inc()
}

// ErrorKind maps structural errors to a short, bounded label.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, tensor.ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, segment.ErrMalformed):
		return "malformed_segments"
	case errors.Is(err, packer.ErrEmptyHeader):
		return "empty_header"
	case errors.Is(err, unpacker.ErrHeaderCountMismatch):
		return "header_count_mismatch"
	default:
		return "other"
	}
}
