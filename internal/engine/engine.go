// Package engine bundles the sketch model with the stateful components that
// make up one checkpoint, and saves or restores them through the object store
// and the checkpoint catalog.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/catalog"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/observability"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/sketch"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/storage"
)

var ErrIncompatibleCheckpoint = errors.New("incompatible checkpoint")

// Stateful is implemented by anything whose state belongs in a checkpoint.
type Stateful interface {
	Snapshot(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, state []byte) error
}

type Component struct {
	Name  string
	State Stateful
}

type Config struct {
	RunID string
	// KeepLast bounds how many checkpoints of the run are retained after a
	// save. Zero keeps all of them.
	KeepLast int
}

type Deps struct {
	Model   *sketch.Model
	Store   storage.ObjectStore
	Catalog catalog.Repository
	Logger  *slog.Logger
}

type Engine struct {
	cfg        Config
	model      *sketch.Model
	store      storage.ObjectStore
	catalog    catalog.Repository
	logger     *slog.Logger
	components []Component
}

// New registers the checkpoint components. A component without state is
// logged and skipped; a missing or repeated name is an error.
func New(cfg Config, deps Deps, components ...Component) (*Engine, error) {
	if err := storage.ValidateName(cfg.RunID, "run id"); err != nil {
		return nil, err
	}
	if cfg.KeepLast < 0 {
		return nil, fmt.Errorf("keep last must be >= 0")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog repository is required")
	}

	e := &Engine{
		cfg:     cfg,
		model:   deps.Model,
		store:   deps.Store,
		catalog: deps.Catalog,
		logger:  deps.Logger,
	}
	seen := make(map[string]struct{}, len(components))
	for _, component := range components {
		if err := storage.ValidateName(component.Name, "checkpoint component name"); err != nil {
			return nil, err
		}
		if _, dup := seen[component.Name]; dup {
			return nil, fmt.Errorf("duplicate checkpoint component %q", component.Name)
		}
		seen[component.Name] = struct{}{}
		if component.State == nil {
			e.warn(context.Background(), "redundant checkpoint component", slog.String("component", component.Name))
			continue
		}
		e.components = append(e.components, component)
	}
	return e, nil
}

// Components returns the names of the registered components in order.
func (e *Engine) Components() []string {
	names := make([]string, len(e.components))
	for i, component := range e.components {
		names[i] = component.Name
	}
	return names
}

// Predict runs inference only.
func (e *Engine) Predict(ctx context.Context, batch sketch.Batch) (sketch.Prediction, error) {
	if e.model == nil {
		return sketch.Prediction{}, fmt.Errorf("engine has no model")
	}
	return e.model.Forward(ctx, batch)
}

// SaveCheckpoint snapshots every component, stores the blobs under
// checkpoints/<run>/step-<step>/ and records them in the catalog.
func (e *Engine) SaveCheckpoint(ctx context.Context, step int64) (checkpoint catalog.Checkpoint, err error) {
	defer func() { observability.ObserveCheckpoint("save", err) }()

	if len(e.components) == 0 {
		return catalog.Checkpoint{}, fmt.Errorf("no checkpoint components registered")
	}
	prefix, err := storage.CheckpointStepPrefix(e.cfg.RunID, step)
	if err != nil {
		return catalog.Checkpoint{}, err
	}
	e.info(ctx, "saving checkpoint", slog.String("prefix", prefix), slog.Int64("step", step))

	stored := make([]catalog.CheckpointComponent, len(e.components))
	g, gctx := errgroup.WithContext(ctx)
	for i, component := range e.components {
		g.Go(func() error {
			entry, err := e.saveComponent(gctx, step, component)
			if err != nil {
				return err
			}
			stored[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return catalog.Checkpoint{}, err
	}

	checkpoint, err = e.catalog.RecordCheckpoint(ctx, catalog.RecordCheckpointInput{
		RunID:      e.cfg.RunID,
		Step:       step,
		Components: stored,
	})
	if err != nil {
		return catalog.Checkpoint{}, fmt.Errorf("record checkpoint: %w", err)
	}

	if e.cfg.KeepLast > 0 {
		if pruned, err := e.prune(ctx); err != nil {
			e.warn(ctx, "checkpoint pruning failed", slog.Any("error", err))
		} else if pruned > 0 {
			e.info(ctx, "pruned old checkpoints", slog.Int("count", pruned), slog.Int("keep_last", e.cfg.KeepLast))
		}
	}
	return checkpoint, nil
}

func (e *Engine) saveComponent(ctx context.Context, step int64, component Component) (catalog.CheckpointComponent, error) {
	blob, err := component.State.Snapshot(ctx)
	if err != nil {
		return catalog.CheckpointComponent{}, fmt.Errorf("snapshot component %q: %w", component.Name, err)
	}
	key, err := storage.BuildCheckpointPath(e.cfg.RunID, step, component.Name)
	if err != nil {
		return catalog.CheckpointComponent{}, err
	}
	info, err := e.store.Put(ctx, key, bytes.NewReader(blob), int64(len(blob)), storage.PutOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return catalog.CheckpointComponent{}, fmt.Errorf("put component %q: %w", component.Name, err)
	}
	return catalog.CheckpointComponent{
		Name:      component.Name,
		ObjectKey: key,
		SizeBytes: int64(len(blob)),
		ETag:      info.ETag,
	}, nil
}

// LoadCheckpoint restores every registered component from the given step.
func (e *Engine) LoadCheckpoint(ctx context.Context, step int64) (checkpoint catalog.Checkpoint, err error) {
	defer func() { observability.ObserveCheckpoint("load", err) }()

	checkpoint, err = e.catalog.GetCheckpoint(ctx, e.cfg.RunID, step)
	if err != nil {
		return catalog.Checkpoint{}, fmt.Errorf("get checkpoint %d: %w", step, err)
	}
	if err := e.restore(ctx, checkpoint); err != nil {
		return catalog.Checkpoint{}, err
	}
	return checkpoint, nil
}

// LoadLatest restores the newest checkpoint of the run.
func (e *Engine) LoadLatest(ctx context.Context) (checkpoint catalog.Checkpoint, err error) {
	defer func() { observability.ObserveCheckpoint("load", err) }()

	checkpoint, err = e.catalog.GetLatestCheckpoint(ctx, e.cfg.RunID)
	if err != nil {
		return catalog.Checkpoint{}, fmt.Errorf("get latest checkpoint: %w", err)
	}
	if err := e.restore(ctx, checkpoint); err != nil {
		return catalog.Checkpoint{}, err
	}
	return checkpoint, nil
}

func (e *Engine) ListCheckpoints(ctx context.Context, limit int) ([]catalog.Checkpoint, error) {
	return e.catalog.ListCheckpoints(ctx, e.cfg.RunID, limit)
}

// restore fetches every blob first and only then restores, so a missing or
// truncated object leaves all components untouched.
func (e *Engine) restore(ctx context.Context, checkpoint catalog.Checkpoint) error {
	entries := make(map[string]catalog.CheckpointComponent, len(checkpoint.Components))
	for _, component := range checkpoint.Components {
		entries[component.Name] = component
	}
	registered := make(map[string]struct{}, len(e.components))
	for _, component := range e.components {
		if _, ok := entries[component.Name]; !ok {
			return fmt.Errorf("%w: checkpoint %d has no component %q", ErrIncompatibleCheckpoint, checkpoint.Step, component.Name)
		}
		registered[component.Name] = struct{}{}
	}
	for _, component := range checkpoint.Components {
		if _, ok := registered[component.Name]; !ok {
			e.warn(ctx, "checkpoint component not registered, skipping", slog.String("component", component.Name), slog.Int64("step", checkpoint.Step))
		}
	}

	blobs := make([][]byte, len(e.components))
	g, gctx := errgroup.WithContext(ctx)
	for i, component := range e.components {
		entry := entries[component.Name]
		g.Go(func() error {
			blob, err := e.fetch(gctx, entry)
			if err != nil {
				return err
			}
			blobs[i] = blob
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, component := range e.components {
		if err := component.State.Restore(ctx, blobs[i]); err != nil {
			return fmt.Errorf("restore component %q: %w", component.Name, err)
		}
	}
	e.info(ctx, "checkpoint restored", slog.Int64("step", checkpoint.Step), slog.Int("components", len(e.components)))
	return nil
}

func (e *Engine) fetch(ctx context.Context, entry catalog.CheckpointComponent) ([]byte, error) {
	reader, err := e.store.Get(ctx, entry.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("get component %q: %w", entry.Name, err)
	}
	defer func() { _ = reader.Close() }()

	blob, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read component %q: %w", entry.Name, err)
	}
	if int64(len(blob)) != entry.SizeBytes {
		return nil, fmt.Errorf("component %q has %d bytes, catalog recorded %d", entry.Name, len(blob), entry.SizeBytes)
	}
	return blob, nil
}

// prune deletes every checkpoint of the run beyond the newest KeepLast.
func (e *Engine) prune(ctx context.Context) (int, error) {
	checkpoints, err := e.catalog.ListCheckpoints(ctx, e.cfg.RunID, 0)
	if err != nil {
		return 0, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(checkpoints) <= e.cfg.KeepLast {
		return 0, nil
	}

	pruned := 0
	for _, old := range checkpoints[e.cfg.KeepLast:] {
		full, err := e.catalog.GetCheckpoint(ctx, old.RunID, old.Step)
		if err != nil {
			return pruned, fmt.Errorf("get checkpoint %d: %w", old.Step, err)
		}
		for _, component := range full.Components {
			if err := e.store.Delete(ctx, component.ObjectKey); err != nil {
				return pruned, fmt.Errorf("delete component %q of step %d: %w", component.Name, old.Step, err)
			}
		}
		if _, err := e.catalog.DeleteCheckpoint(ctx, old.RunID, old.Step); err != nil {
			return pruned, fmt.Errorf("delete checkpoint %d: %w", old.Step, err)
		}
		pruned++
	}
	return pruned, nil
}

func (e *Engine) info(ctx context.Context, msg string, attrs ...any) {
	if e.logger != nil {
		e.logger.InfoContext(ctx, msg, append([]any{slog.String("run_id", e.cfg.RunID)}, attrs...)...)
	}
}

func (e *Engine) warn(ctx context.Context, msg string, attrs ...any) {
	if e.logger != nil {
		e.logger.WarnContext(ctx, msg, append([]any{slog.String("run_id", e.cfg.RunID)}, attrs...)...)
	}
}
