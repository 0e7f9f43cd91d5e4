package catalog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("catalog: not found")

// Repository records which checkpoints and packed batches exist in the
// object store. Blobs live in storage; the catalog only indexes them.
type Repository interface {
	HealthCheck(ctx context.Context) error
	RecordCheckpoint(ctx context.Context, in RecordCheckpointInput) (Checkpoint, error)
	GetCheckpoint(ctx context.Context, runID string, step int64) (Checkpoint, error)
	GetLatestCheckpoint(ctx context.Context, runID string) (Checkpoint, error)
	ListCheckpoints(ctx context.Context, runID string, limit int) ([]Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, runID string, step int64) (bool, error)
	RecordPackedBatch(ctx context.Context, in RecordPackedBatchInput) (PackedBatch, error)
	ListPackedBatches(ctx context.Context, runID string) ([]PackedBatch, error)
}

type Checkpoint struct {
	RunID      string
	Step       int64
	CreatedAt  time.Time
	Components []CheckpointComponent
}

type CheckpointComponent struct {
	Name      string
	ObjectKey string
	SizeBytes int64
	ETag      string
}

type RecordCheckpointInput struct {
	RunID      string
	Step       int64
	Components []CheckpointComponent
}

type PackedBatch struct {
	RunID        string
	Sequence     int
	ObjectKey    string
	Examples     int
	PackedLength int
	HeaderCount  int
	CreatedAt    time.Time
}

type RecordPackedBatchInput struct {
	RunID        string
	Sequence     int
	ObjectKey    string
	Examples     int
	PackedLength int
	HeaderCount  int
}
