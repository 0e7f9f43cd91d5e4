// Package maintenance keeps the object store and the catalog consistent:
// integrity checks confirm every catalogued blob is present and intact, and
// orphan sweeps remove checkpoint blobs the catalog never recorded.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/catalog"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/storage"
)

type Catalog interface {
	ListCheckpoints(ctx context.Context, runID string, limit int) ([]catalog.Checkpoint, error)
	GetCheckpoint(ctx context.Context, runID string, step int64) (catalog.Checkpoint, error)
	ListPackedBatches(ctx context.Context, runID string) ([]catalog.PackedBatch, error)
}

type Config struct {
	// Runs are checked when no run id is passed explicitly.
	Runs                     []string
	IntegrityInterval        time.Duration
	SweepInterval            time.Duration
	IntegrityCheckpointLimit int
	OrphanSafetyAge          time.Duration
}

type Service struct {
	Catalog     Catalog
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time
}

type IntegritySummary struct {
	RunsScanned          int `json:"runs_scanned"`
	CheckpointsScanned   int `json:"checkpoints_scanned"`
	ComponentsChecked    int `json:"components_checked"`
	PackedBatchesChecked int `json:"packed_batches_checked"`
	MissingObjects       int `json:"missing_objects"`
	SizeMismatchObjects  int `json:"size_mismatch_objects"`
	OperationalFailures  int `json:"operational_failures"`
}

type SweepSummary struct {
	RunsScanned    int `json:"runs_scanned"`
	ObjectsListed  int `json:"objects_listed"`
	OrphansFound   int `json:"orphans_found"`
	ObjectsDeleted int `json:"objects_deleted"`
	Failures       int `json:"failures"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	integrityTicker := time.NewTicker(s.Config.IntegrityInterval)
	defer integrityTicker.Stop()
	sweepTicker := time.NewTicker(s.Config.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-integrityTicker.C:
			summary, err := s.RunIntegrityCheckOnce(ctx, "")
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "integrity cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if s.Logger != nil {
				s.Logger.InfoContext(ctx, "integrity cycle completed", slog.Any("summary", summary))
			}
		case <-sweepTicker.C:
			summary, err := s.RunOrphanSweepOnce(ctx, "")
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "orphan sweep failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if s.Logger != nil {
				s.Logger.InfoContext(ctx, "orphan sweep completed", slog.Any("summary", summary))
			}
		}
	}
}

// RunIntegrityCheckOnce stats every checkpoint component and packed batch
// the catalog records for a run and reports missing or resized objects.
// Packed batches carry no recorded size, so only their presence is checked.
func (s *Service) RunIntegrityCheckOnce(ctx context.Context, runID string) (IntegritySummary, error) {
	s.ensureDefaults()
	if err := s.validate(); err != nil {
		return IntegritySummary{}, err
	}

	runs, err := s.targetRuns(runID)
	if err != nil {
		return IntegritySummary{}, err
	}
	summary := IntegritySummary{RunsScanned: len(runs)}
	const maxIssueSamples = 20
	issueSamples := make([]string, 0, maxIssueSamples)
	issueCount := 0
	addIssue := func(message string) {
		issueCount++
		if len(issueSamples) < maxIssueSamples {
			issueSamples = append(issueSamples, message)
		}
	}
	check := func(run, key string, wantSize int64) {
		info, err := s.ObjectStore.Stat(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				summary.MissingObjects++
				addIssue(fmt.Sprintf("run %s missing object %s", run, key))
				return
			}
			summary.OperationalFailures++
			addIssue(fmt.Sprintf("run %s stat object %s: %v", run, key, err))
			return
		}
		if wantSize >= 0 && info.Size != wantSize {
			summary.SizeMismatchObjects++
			addIssue(fmt.Sprintf("run %s size mismatch for %s (expected=%d actual=%d)", run, key, wantSize, info.Size))
		}
	}

	for _, run := range runs {
		checkpoints, err := s.Catalog.ListCheckpoints(ctx, run, s.Config.IntegrityCheckpointLimit)
		if err != nil {
			summary.OperationalFailures++
			addIssue(fmt.Sprintf("run %s list checkpoints: %v", run, err))
		}
		summary.CheckpointsScanned += len(checkpoints)
		for _, header := range checkpoints {
			cp, err := s.Catalog.GetCheckpoint(ctx, run, header.Step)
			if err != nil {
				summary.OperationalFailures++
				addIssue(fmt.Sprintf("run %s checkpoint %d components: %v", run, header.Step, err))
				continue
			}
			for _, component := range cp.Components {
				summary.ComponentsChecked++
				check(run, component.ObjectKey, component.SizeBytes)
			}
		}

		batches, err := s.Catalog.ListPackedBatches(ctx, run)
		if err != nil {
			summary.OperationalFailures++
			addIssue(fmt.Sprintf("run %s list packed batches: %v", run, err))
			continue
		}
		for _, batch := range batches {
			summary.PackedBatchesChecked++
			check(run, batch.ObjectKey, -1)
		}
	}

	if checked := summary.ComponentsChecked + summary.PackedBatchesChecked; checked > 0 {
		integrityObjectsCheckedTotal.Add(float64(checked))
	}
	if summary.MissingObjects > 0 {
		integrityMissingObjectsTotal.Add(float64(summary.MissingObjects))
	}
	if summary.SizeMismatchObjects > 0 {
		integritySizeMismatchObjectsTotal.Add(float64(summary.SizeMismatchObjects))
	}
	if issueCount > 0 {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		extra := issueCount - len(issueSamples)
		if extra > 0 {
			return summary, fmt.Errorf("integrity check found %d issue(s): %s; ... plus %d more", issueCount, strings.Join(issueSamples, "; "), extra)
		}
		return summary, fmt.Errorf("integrity check found %d issue(s): %s", issueCount, strings.Join(issueSamples, "; "))
	}
	integrityRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

// RunOrphanSweepOnce deletes checkpoint blobs under a run's prefix that no
// catalogued checkpoint references. Blobs younger than OrphanSafetyAge are
// left alone: a save in flight writes its blobs before the catalog row.
func (s *Service) RunOrphanSweepOnce(ctx context.Context, runID string) (SweepSummary, error) {
	s.ensureDefaults()
	if err := s.validate(); err != nil {
		return SweepSummary{}, err
	}

	runs, err := s.targetRuns(runID)
	if err != nil {
		return SweepSummary{}, err
	}
	summary := SweepSummary{RunsScanned: len(runs)}
	failures := make([]string, 0)
	cutoff := s.Clock().Add(-s.Config.OrphanSafetyAge)

	for _, run := range runs {
		referenced, err := s.referencedKeys(ctx, run)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("run %s: %v", run, err))
			continue
		}
		prefix, err := storage.CheckpointRunPrefix(run)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("run %s: %v", run, err))
			continue
		}
		objects, err := s.ObjectStore.List(ctx, prefix)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("run %s list objects: %v", run, err))
			continue
		}
		summary.ObjectsListed += len(objects)

		for _, object := range objects {
			if _, ok := referenced[object.Key]; ok {
				continue
			}
			if object.LastModified.After(cutoff) {
				continue
			}
			summary.OrphansFound++
			if err := s.ObjectStore.Delete(ctx, object.Key); err != nil {
				summary.Failures++
				failures = append(failures, fmt.Sprintf("run %s delete object %s: %v", run, object.Key, err))
				continue
			}
			summary.ObjectsDeleted++
			if s.Logger != nil {
				s.Logger.DebugContext(ctx, "deleted orphan checkpoint blob", slog.String("run_id", run), slog.String("key", object.Key))
			}
		}
	}

	if summary.ObjectsDeleted > 0 {
		sweepObjectsDeletedTotal.Add(float64(summary.ObjectsDeleted))
	}
	if len(failures) > 0 {
		sweepRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("orphan sweep encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	sweepRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

func (s *Service) referencedKeys(ctx context.Context, runID string) (map[string]struct{}, error) {
	checkpoints, err := s.Catalog.ListCheckpoints(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	keys := make(map[string]struct{})
	for _, header := range checkpoints {
		cp, err := s.Catalog.GetCheckpoint(ctx, runID, header.Step)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %d components: %w", header.Step, err)
		}
		for _, component := range cp.Components {
			keys[component.ObjectKey] = struct{}{}
		}
	}
	return keys, nil
}

func (s *Service) targetRuns(runID string) ([]string, error) {
	if runID = strings.TrimSpace(runID); runID != "" {
		if err := storage.ValidateName(runID, "run id"); err != nil {
			return nil, err
		}
		return []string{runID}, nil
	}
	if len(s.Config.Runs) == 0 {
		return nil, fmt.Errorf("no runs configured")
	}
	return s.Config.Runs, nil
}

func (s *Service) validate() error {
	if s.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if s.ObjectStore == nil {
		return fmt.Errorf("object store is required")
	}
	return nil
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.IntegrityInterval <= 0 {
		s.Config.IntegrityInterval = 10 * time.Minute
	}
	if s.Config.SweepInterval <= 0 {
		s.Config.SweepInterval = 30 * time.Minute
	}
	if s.Config.IntegrityCheckpointLimit <= 0 {
		s.Config.IntegrityCheckpointLimit = 20
	}
	if s.Config.OrphanSafetyAge <= 0 {
		s.Config.OrphanSafetyAge = 30 * time.Minute
	}
}
