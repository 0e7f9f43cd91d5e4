package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	catalogpostgres "github.com/Shichao-Wang/sketched-nl2sql/internal/catalog/postgres"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/config"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/maintenance"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/observability"
	s3store "github.com/Shichao-Wang/sketched-nl2sql/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("sketchsql-maintenance")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	db, err := catalogpostgres.Open(context.Background(), cfg.Catalog)
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := s3store.New(context.Background(), s3store.Config{
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

	svc := &maintenance.Service{
		Catalog:     catalogpostgres.NewRepository(db),
		ObjectStore: store,
		Config: maintenance.Config{
			Runs:                     cfg.MaintenanceRuns(),
			IntegrityInterval:        cfg.Maintenance.IntegrityInterval,
			SweepInterval:            cfg.Maintenance.SweepInterval,
			IntegrityCheckpointLimit: cfg.Maintenance.IntegrityCheckpointLimit,
			OrphanSafetyAge:          cfg.Maintenance.OrphanSafetyAge,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("maintenance worker started", slog.Any("runs", svc.Config.Runs))
	if err := svc.Run(ctx); err != nil {
		logger.Error("maintenance worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("maintenance worker stopped")
}
