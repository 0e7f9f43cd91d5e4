// Package packjob packs a stored example dataset offline: it reads examples
// in fixed-size batches, packs each batch, and publishes the packed batch as
// a Parquet object indexed in the catalog.
package packjob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/catalog"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/dataset"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/observability"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/packer"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/storage"
)

// Source serves examples in a stable order.
type Source interface {
	Count(ctx context.Context) (int, error)
	Batch(ctx context.Context, offset, limit int) ([]dataset.Example, error)
}

type Publisher interface {
	RecordPackedBatch(ctx context.Context, in catalog.RecordPackedBatchInput) (catalog.PackedBatch, error)
}

type Config struct {
	RunID     string
	BatchSize int
}

type Service struct {
	Source      Source
	Packer      *packer.Packer
	ObjectStore storage.ObjectStore
	Publisher   Publisher
	Config      Config
	Logger      *slog.Logger
}

type Summary struct {
	Batches  int
	Examples int
	Headers  int
}

// Run packs every example of the source. The first failing batch stops the
// job; batches published before it stay in place.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	if err := s.validate(); err != nil {
		return Summary{}, err
	}
	total, err := s.Source.Count(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("count examples: %w", err)
	}

	var summary Summary
	for offset, sequence := 0, 0; offset < total; offset, sequence = offset+s.Config.BatchSize, sequence+1 {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		examples, err := s.Source.Batch(ctx, offset, s.Config.BatchSize)
		if err != nil {
			return summary, fmt.Errorf("read examples at offset %d: %w", offset, err)
		}
		if len(examples) == 0 {
			break
		}
		record, err := s.ProcessBatch(ctx, sequence, examples)
		if err != nil {
			return summary, fmt.Errorf("batch %d: %w", sequence, err)
		}
		summary.Batches++
		summary.Examples += record.Examples
		summary.Headers += record.HeaderCount
	}

	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "pack job complete",
			slog.String("run_id", s.Config.RunID),
			slog.Int("batches", summary.Batches),
			slog.Int("examples", summary.Examples),
			slog.Int("headers", summary.Headers),
		)
	}
	return summary, nil
}

// ProcessBatch packs one batch and publishes it under the given sequence.
// Re-running a sequence overwrites the object and its catalog entry.
func (s *Service) ProcessBatch(ctx context.Context, sequence int, examples []dataset.Example) (catalog.PackedBatch, error) {
	batch, err := dataset.Collate(examples)
	if err != nil {
		observability.ObserveStructureError("pack", err)
		return catalog.PackedBatch{}, fmt.Errorf("collate examples: %w", err)
	}

	start := time.Now()
	packed, err := s.Packer.Pack(batch.Questions, batch.Headers, batch.HeaderCounts)
	if err != nil {
		observability.ObserveStructureError("pack", err)
		return catalog.PackedBatch{}, fmt.Errorf("pack examples: %w", err)
	}
	observability.ObservePack(packed.Segments, time.Since(start))

	encoded, err := dataset.EncodePackedBatch(int64(sequence), dataset.IDs(examples), packed, batch.HeaderCounts)
	if err != nil {
		return catalog.PackedBatch{}, fmt.Errorf("encode packed batch: %w", err)
	}
	key, err := storage.BuildPackedBatchPath(s.Config.RunID, sequence)
	if err != nil {
		return catalog.PackedBatch{}, fmt.Errorf("build packed batch path: %w", err)
	}
	if _, err := s.ObjectStore.Put(ctx, key, bytes.NewReader(encoded), int64(len(encoded)), storage.PutOptions{ContentType: "application/octet-stream"}); err != nil {
		return catalog.PackedBatch{}, fmt.Errorf("put packed batch: %w", err)
	}

	record, err := s.Publisher.RecordPackedBatch(ctx, catalog.RecordPackedBatchInput{
		RunID:        s.Config.RunID,
		Sequence:     sequence,
		ObjectKey:    key,
		Examples:     len(examples),
		PackedLength: packed.Tokens.Cols,
		HeaderCount:  batch.Headers.Rows,
	})
	if err != nil {
		return catalog.PackedBatch{}, fmt.Errorf("record packed batch: %w", err)
	}

	if s.Logger != nil {
		s.Logger.DebugContext(ctx, "packed batch published",
			slog.String("run_id", s.Config.RunID),
			slog.Int("sequence", sequence),
			slog.Int("examples", len(examples)),
			slog.Int("packed_length", packed.Tokens.Cols),
			slog.String("object_path", key),
		)
	}
	return record, nil
}

func (s *Service) validate() error {
	switch {
	case s.Source == nil:
		return fmt.Errorf("example source is required")
	case s.Packer == nil:
		return fmt.Errorf("packer is required")
	case s.ObjectStore == nil:
		return fmt.Errorf("object store is required")
	case s.Publisher == nil:
		return fmt.Errorf("packed batch publisher is required")
	case s.Config.BatchSize <= 0:
		return fmt.Errorf("batch size must be > 0")
	}
	return storage.ValidateName(s.Config.RunID, "run id")
}
