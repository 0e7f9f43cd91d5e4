package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/api"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/auth"
	catalogpostgres "github.com/Shichao-Wang/sketched-nl2sql/internal/catalog/postgres"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/config"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/encoder/remote"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/engine"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/maintenance"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/observability"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/packer"
	s3store "github.com/Shichao-Wang/sketched-nl2sql/internal/storage/s3"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/unpacker"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/vocab"
)

func main() {
	cfg, err := config.LoadFromEnv("sketchsql-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	special := vocab.Special{Pad: cfg.Vocab.PadID, CLS: cfg.Vocab.CLSID, SEP: cfg.Vocab.SEPID}
	p, err := packer.New(special, packer.Options{Workers: cfg.Packing.Workers})
	if err != nil {
		logger.Error("failed to initialize packer", slog.Any("error", err))
		os.Exit(1)
	}
	u := unpacker.New(unpacker.Options{
		PadValue: float32(cfg.Packing.UnpackPadValue),
		Workers:  cfg.Packing.Workers,
	})

	deps := api.Dependencies{
		Logger:            logger,
		Packer:            p,
		Unpacker:          u,
		DependencyTimeout: time.Second,
	}

	if cfg.Encoder.Enabled {
		encoder, err := remote.New(remote.Config{
			BaseURL: cfg.Encoder.BaseURL,
			APIKey:  cfg.Encoder.APIKey,
			Model:   cfg.Encoder.Model,
			Timeout: cfg.Encoder.Timeout,
		})
		if err != nil {
			logger.Error("failed to initialize encoder client", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Encoder = encoder
		logger.Info("remote encoder enabled", slog.String("model", encoder.Model()))
	}

	if cfg.Catalog.DSN != "" {
		catalogDB, err := catalogpostgres.Open(context.Background(), cfg.Catalog)
		if err != nil {
			logger.Error("failed to open catalog db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = catalogDB.Close() }()
		catalogRepo := catalogpostgres.NewRepository(catalogDB)

		objectStore, err := s3store.New(context.Background(), s3store.Config{
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

		checkpoints, err := engine.New(
			engine.Config{RunID: cfg.Checkpoint.RunID, KeepLast: cfg.Checkpoint.KeepLast},
			engine.Deps{Store: objectStore, Catalog: catalogRepo, Logger: logger},
			engine.Component{Name: "vocab", State: engine.VocabGuard{Special: special}},
		)
		if err != nil {
			logger.Error("failed to initialize checkpoint engine", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Checkpoints = checkpoints
		deps.PackedBatches = catalogRepo
		deps.Integrity = &maintenance.Service{
			Catalog:     catalogRepo,
			ObjectStore: objectStore,
			Config: maintenance.Config{
				Runs:                     cfg.MaintenanceRuns(),
				IntegrityCheckpointLimit: cfg.Maintenance.IntegrityCheckpointLimit,
			},
			Logger: logger,
		}
		deps.Readiness = api.CombineReadinessChecks(
			api.CheckCatalog(catalogRepo),
			api.CheckObjectStoreConfig(cfg),
		)
	} else {
		logger.Warn("catalog dsn is empty; checkpoint endpoints are disabled")
	}

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
