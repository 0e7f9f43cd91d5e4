package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	catalogpostgres "github.com/Shichao-Wang/sketched-nl2sql/internal/catalog/postgres"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/config"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/dataset/duckdb"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/observability"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/packer"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/packjob"
	s3store "github.com/Shichao-Wang/sketched-nl2sql/internal/storage/s3"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/vocab"
)

func main() {
	cfg, err := config.LoadFromEnv("sketchsql-packjob")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	files := cfg.DatasetFiles()
	if len(files) == 0 {
		logger.Error("SKETCHSQL_DATASET_FILES is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := catalogpostgres.Open(ctx, cfg.Catalog)
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	p, err := packer.New(vocab.Special{Pad: cfg.Vocab.PadID, CLS: cfg.Vocab.CLSID, SEP: cfg.Vocab.SEPID}, packer.Options{Workers: cfg.Packing.Workers})
	if err != nil {
		logger.Error("failed to initialize packer", slog.Any("error", err))
		os.Exit(1)
	}

	source, err := duckdb.Open(ctx, store, files, logger)
	if err != nil {
		logger.Error("failed to open dataset", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = source.Close() }()

	svc := &packjob.Service{
		Source:      source,
		Packer:      p,
		ObjectStore: store,
		Publisher:   catalogpostgres.NewRepository(db),
		Config: packjob.Config{
			RunID:     cfg.PackJob.RunID,
			BatchSize: cfg.Packing.BatchSize,
		},
		Logger: logger,
	}

	logger.Info("pack job started", slog.String("run_id", cfg.PackJob.RunID), slog.Any("files", source.Files()))
	summary, err := svc.Run(ctx)
	if err != nil {
		logger.Error("pack job failed",
			slog.Any("error", err),
			slog.String("error_kind", observability.ErrorKind(err)),
			slog.Int("batches_published", summary.Batches),
		)
		os.Exit(1)
	}
	logger.Info("pack job stopped", slog.Int("batches", summary.Batches), slog.Int("examples", summary.Examples))
}
