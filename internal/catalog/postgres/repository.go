package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/catalog"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	db *sql.DB
}

var _ catalog.Repository = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

// RecordCheckpoint registers a checkpoint and replaces its component list.
// Recording the same run and step again overwrites the previous entry.
func (r *Repository) RecordCheckpoint(ctx context.Context, in catalog.RecordCheckpointInput) (catalog.Checkpoint, error) {
	if in.RunID == "" {
		return catalog.Checkpoint{}, fmt.Errorf("run id is required")
	}
	if len(in.Components) == 0 {
		return catalog.Checkpoint{}, fmt.Errorf("at least one component is required")
	}

	out := catalog.Checkpoint{RunID: in.RunID, Step: in.Step}
	err := r.WithTx(ctx, func(tx *TxRepository) error {
		createdAt, err := tx.upsertCheckpoint(ctx, in.RunID, in.Step)
		if err != nil {
			return err
		}
		out.CreatedAt = createdAt
		if err := tx.clearComponents(ctx, in.RunID, in.Step); err != nil {
			return err
		}
		for _, component := range in.Components {
			if err := tx.insertComponent(ctx, in.RunID, in.Step, component); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return catalog.Checkpoint{}, err
	}
	out.Components = append([]catalog.CheckpointComponent(nil), in.Components...)
	return out, nil
}

func (r *Repository) GetCheckpoint(ctx context.Context, runID string, step int64) (catalog.Checkpoint, error) {
	query := `
SELECT run_id, step, created_at
FROM checkpoint
WHERE run_id = $1 AND step = $2`
	checkpoint, err := scanCheckpoint(r.db.QueryRowContext(ctx, query, runID, step))
	if err != nil {
		return catalog.Checkpoint{}, err
	}
	if checkpoint.Components, err = r.listComponents(ctx, runID, checkpoint.Step); err != nil {
		return catalog.Checkpoint{}, err
	}
	return checkpoint, nil
}

func (r *Repository) GetLatestCheckpoint(ctx context.Context, runID string) (catalog.Checkpoint, error) {
	query := `
SELECT run_id, step, created_at
FROM checkpoint
WHERE run_id = $1
ORDER BY step DESC
LIMIT 1`
	checkpoint, err := scanCheckpoint(r.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		return catalog.Checkpoint{}, err
	}
	if checkpoint.Components, err = r.listComponents(ctx, runID, checkpoint.Step); err != nil {
		return catalog.Checkpoint{}, err
	}
	return checkpoint, nil
}

// ListCheckpoints returns checkpoints newest first without their components.
func (r *Repository) ListCheckpoints(ctx context.Context, runID string, limit int) ([]catalog.Checkpoint, error) {
	query := `
SELECT run_id, step, created_at
FROM checkpoint
WHERE run_id = $1
ORDER BY step DESC`

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+`
LIMIT $2`, runID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	checkpoints := make([]catalog.Checkpoint, 0)
	for rows.Next() {
		var checkpoint catalog.Checkpoint
		if err := rows.Scan(&checkpoint.RunID, &checkpoint.Step, &checkpoint.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint rows: %w", err)
	}
	return checkpoints, nil
}

func (r *Repository) DeleteCheckpoint(ctx context.Context, runID string, step int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
DELETE FROM checkpoint
WHERE run_id = $1 AND step = $2`, runID, step)
	if err != nil {
		return false, fmt.Errorf("delete checkpoint: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete checkpoint rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *Repository) RecordPackedBatch(ctx context.Context, in catalog.RecordPackedBatchInput) (catalog.PackedBatch, error) {
	query := `
INSERT INTO packed_batch (run_id, sequence, object_key, examples, packed_length, header_count)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id, sequence)
DO UPDATE SET
    object_key = EXCLUDED.object_key,
    examples = EXCLUDED.examples,
    packed_length = EXCLUDED.packed_length,
    header_count = EXCLUDED.header_count,
    created_at = NOW()
RETURNING created_at`

	var createdAt time.Time
	if err := r.db.QueryRowContext(ctx, query, in.RunID, in.Sequence, in.ObjectKey, in.Examples, in.PackedLength, in.HeaderCount).Scan(&createdAt); err != nil {
		return catalog.PackedBatch{}, fmt.Errorf("record packed batch: %w", err)
	}
	return catalog.PackedBatch{
		RunID:        in.RunID,
		Sequence:     in.Sequence,
		ObjectKey:    in.ObjectKey,
		Examples:     in.Examples,
		PackedLength: in.PackedLength,
		HeaderCount:  in.HeaderCount,
		CreatedAt:    createdAt,
	}, nil
}

func (r *Repository) ListPackedBatches(ctx context.Context, runID string) ([]catalog.PackedBatch, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT run_id, sequence, object_key, examples, packed_length, header_count, created_at
FROM packed_batch
WHERE run_id = $1
ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list packed batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	batches := make([]catalog.PackedBatch, 0)
	for rows.Next() {
		var batch catalog.PackedBatch
		if err := rows.Scan(
			&batch.RunID,
			&batch.Sequence,
			&batch.ObjectKey,
			&batch.Examples,
			&batch.PackedLength,
			&batch.HeaderCount,
			&batch.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan packed batch row: %w", err)
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate packed batch rows: %w", err)
	}
	return batches, nil
}

func (r *Repository) listComponents(ctx context.Context, runID string, step int64) ([]catalog.CheckpointComponent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT component, object_key, size_bytes, etag
FROM checkpoint_component
WHERE run_id = $1 AND step = $2
ORDER BY component ASC`, runID, step)
	if err != nil {
		return nil, fmt.Errorf("list checkpoint components: %w", err)
	}
	defer func() { _ = rows.Close() }()

	components := make([]catalog.CheckpointComponent, 0)
	for rows.Next() {
		var component catalog.CheckpointComponent
		if err := rows.Scan(&component.Name, &component.ObjectKey, &component.SizeBytes, &component.ETag); err != nil {
			return nil, fmt.Errorf("scan checkpoint component row: %w", err)
		}
		components = append(components, component)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint component rows: %w", err)
	}
	return components, nil
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx *TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	txRepo := &TxRepository{q: tx}
	if err := fn(txRepo); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type TxRepository struct {
	q dbTX
}

func (r *TxRepository) upsertCheckpoint(ctx context.Context, runID string, step int64) (time.Time, error) {
	query := `
INSERT INTO checkpoint (run_id, step)
VALUES ($1, $2)
ON CONFLICT (run_id, step)
DO UPDATE SET created_at = NOW()
RETURNING created_at`
	var createdAt time.Time
	if err := r.q.QueryRowContext(ctx, query, runID, step).Scan(&createdAt); err != nil {
		return time.Time{}, fmt.Errorf("upsert checkpoint in tx: %w", err)
	}
	return createdAt, nil
}

func (r *TxRepository) clearComponents(ctx context.Context, runID string, step int64) error {
	query := `
DELETE FROM checkpoint_component
WHERE run_id = $1 AND step = $2`
	if _, err := r.q.ExecContext(ctx, query, runID, step); err != nil {
		return fmt.Errorf("clear checkpoint components in tx: %w", err)
	}
	return nil
}

func (r *TxRepository) insertComponent(ctx context.Context, runID string, step int64, component catalog.CheckpointComponent) error {
	query := `
INSERT INTO checkpoint_component (run_id, step, component, object_key, size_bytes, etag)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.q.ExecContext(ctx, query, runID, step, component.Name, component.ObjectKey, component.SizeBytes, component.ETag); err != nil {
		return fmt.Errorf("insert checkpoint component %q in tx: %w", component.Name, err)
	}
	return nil
}

func scanCheckpoint(row *sql.Row) (catalog.Checkpoint, error) {
	var checkpoint catalog.Checkpoint
	if err := row.Scan(&checkpoint.RunID, &checkpoint.Step, &checkpoint.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Checkpoint{}, catalog.ErrNotFound
		}
		return catalog.Checkpoint{}, fmt.Errorf("scan checkpoint: %w", err)
	}
	return checkpoint, nil
}
