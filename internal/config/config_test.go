package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	lookup := mapLookup(map[string]string{})
	cfg, err := Load("sketchsql-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Vocab.PadID != 0 || cfg.Vocab.CLSID != 101 || cfg.Vocab.SEPID != 102 {
		t.Fatalf("Vocab = %+v", cfg.Vocab)
	}
	if cfg.Packing.Workers != 4 {
		t.Fatalf("Packing.Workers = %d", cfg.Packing.Workers)
	}
	if cfg.Packing.BatchSize != 64 {
		t.Fatalf("Packing.BatchSize = %d", cfg.Packing.BatchSize)
	}
	if cfg.Encoder.Enabled {
		t.Fatal("Encoder.Enabled should default to false")
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Checkpoint.KeepLast != 5 {
		t.Fatalf("Checkpoint.KeepLast = %d", cfg.Checkpoint.KeepLast)
	}
	if cfg.ObjectStore.Endpoint != "localhost:9000" {
		t.Fatalf("ObjectStore.Endpoint = %q", cfg.ObjectStore.Endpoint)
	}
	if files := cfg.DatasetFiles(); len(files) != 0 {
		t.Fatalf("DatasetFiles() = %v", files)
	}
	if cfg.Maintenance.IntegrityInterval != 10*time.Minute || cfg.Maintenance.OrphanSafetyAge != 30*time.Minute {
		t.Fatalf("Maintenance = %+v", cfg.Maintenance)
	}
	if runs := cfg.MaintenanceRuns(); len(runs) != 1 || runs[0] != "default" {
		t.Fatalf("MaintenanceRuns() = %v", runs)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	lookup := mapLookup(map[string]string{"SKETCHSQL_PROFILE": "prod"})
	cfg, err := Load("sketchsql-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
	if cfg.ObjectStore.AutoCreateBucket {
		t.Fatal("ObjectStore.AutoCreateBucket should default to false in prod")
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"SKETCHSQL_PROFILE":                  "test",
		"SKETCHSQL_SERVICE_NAME":             "sketchsql-custom",
		"SKETCHSQL_HTTP_ADDR":                ":9999",
		"SKETCHSQL_HTTP_READ_TIMEOUT":        "2s",
		"SKETCHSQL_HTTP_WRITE_TIMEOUT":       "3s",
		"SKETCHSQL_HTTP_MAX_BODY_BYTES":      "1024",
		"SKETCHSQL_LOG_LEVEL":                "error",
		"SKETCHSQL_AUTH_REQUIRED":            "true",
		"SKETCHSQL_AUTH_STATIC_KEYS":         "k1:trainer:checkpoint_admin",
		"SKETCHSQL_CATALOG_DSN":              "postgres://example",
		"SKETCHSQL_CATALOG_MAX_OPEN_CONNS":   "42",
		"SKETCHSQL_OBJECTSTORE_BUCKET":       "sketchsql-prod",
		"SKETCHSQL_OBJECTSTORE_USE_SSL":      "true",
		"SKETCHSQL_OBJECTSTORE_PREFIX":       "tenant-root",
		"SKETCHSQL_VOCAB_PAD_ID":             "1",
		"SKETCHSQL_VOCAB_CLS_ID":             "2",
		"SKETCHSQL_VOCAB_SEP_ID":             "3",
		"SKETCHSQL_PACKING_WORKERS":          "8",
		"SKETCHSQL_PACKING_UNPACK_PAD_VALUE": "-1.5",
		"SKETCHSQL_PACKING_BATCH_SIZE":       "16",
		"SKETCHSQL_ENCODER_ENABLED":          "true",
		"SKETCHSQL_ENCODER_BASE_URL":         "https://encoder.example.com",
		"SKETCHSQL_ENCODER_API_KEY":          "secret-key",
		"SKETCHSQL_ENCODER_MODEL":            "bert-large-cased",
		"SKETCHSQL_ENCODER_TIMEOUT":          "21s",
		"SKETCHSQL_CHECKPOINT_RUN_ID":        "wikisql-1",
		"SKETCHSQL_CHECKPOINT_KEEP_LAST":     "2",
		"SKETCHSQL_DATASET_FILES":            " datasets/train.parquet, ,datasets/dev.parquet ",
		"SKETCHSQL_PACKJOB_RUN_ID":           "nightly",
	})
	cfg, err := Load("sketchsql-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "sketchsql-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second || cfg.HTTP.WriteTimeout != 3*time.Second {
		t.Fatalf("HTTP timeouts = %s/%s", cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout)
	}
	if cfg.HTTP.MaxBodyBytes != 1024 {
		t.Fatalf("HTTP.MaxBodyBytes = %d", cfg.HTTP.MaxBodyBytes)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:trainer:checkpoint_admin" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
	if cfg.Catalog.DSN != "postgres://example" || cfg.Catalog.MaxOpenConns != 42 {
		t.Fatalf("Catalog = %+v", cfg.Catalog)
	}
	if cfg.ObjectStore.Bucket != "sketchsql-prod" || !cfg.ObjectStore.UseSSL || cfg.ObjectStore.Prefix != "tenant-root" {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if cfg.Vocab.PadID != 1 || cfg.Vocab.CLSID != 2 || cfg.Vocab.SEPID != 3 {
		t.Fatalf("Vocab = %+v", cfg.Vocab)
	}
	if cfg.Packing.Workers != 8 || cfg.Packing.UnpackPadValue != -1.5 || cfg.Packing.BatchSize != 16 {
		t.Fatalf("Packing = %+v", cfg.Packing)
	}
	if !cfg.Encoder.Enabled {
		t.Fatal("Encoder.Enabled = false, want true")
	}
	if cfg.Encoder.BaseURL != "https://encoder.example.com" {
		t.Fatalf("Encoder.BaseURL = %q", cfg.Encoder.BaseURL)
	}
	if cfg.Encoder.APIKey != "secret-key" || cfg.Encoder.Model != "bert-large-cased" {
		t.Fatalf("Encoder = %+v", cfg.Encoder)
	}
	if cfg.Encoder.Timeout != 21*time.Second {
		t.Fatalf("Encoder.Timeout = %s", cfg.Encoder.Timeout)
	}
	if cfg.Checkpoint.RunID != "wikisql-1" || cfg.Checkpoint.KeepLast != 2 {
		t.Fatalf("Checkpoint = %+v", cfg.Checkpoint)
	}
	if cfg.PackJob.RunID != "nightly" {
		t.Fatalf("PackJob.RunID = %q", cfg.PackJob.RunID)
	}
	if runs := cfg.MaintenanceRuns(); len(runs) != 2 || runs[0] != "wikisql-1" || runs[1] != "nightly" {
		t.Fatalf("MaintenanceRuns() = %v", runs)
	}
	files := cfg.DatasetFiles()
	if len(files) != 2 || files[0] != "datasets/train.parquet" || files[1] != "datasets/dev.parquet" {
		t.Fatalf("DatasetFiles() = %v", files)
	}
}

func TestLoadMaintenanceOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"SKETCHSQL_MAINTENANCE_RUNS":                       " run-a ,run-b",
		"SKETCHSQL_MAINTENANCE_INTEGRITY_INTERVAL":         "1m",
		"SKETCHSQL_MAINTENANCE_SWEEP_INTERVAL":             "5m",
		"SKETCHSQL_MAINTENANCE_INTEGRITY_CHECKPOINT_LIMIT": "3",
		"SKETCHSQL_MAINTENANCE_ORPHAN_SAFETY_AGE":          "2h",
	})
	cfg, err := Load("sketchsql-maintenance", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Maintenance.IntegrityInterval != time.Minute || cfg.Maintenance.SweepInterval != 5*time.Minute {
		t.Fatalf("Maintenance = %+v", cfg.Maintenance)
	}
	if cfg.Maintenance.IntegrityCheckpointLimit != 3 || cfg.Maintenance.OrphanSafetyAge != 2*time.Hour {
		t.Fatalf("Maintenance = %+v", cfg.Maintenance)
	}
	if runs := cfg.MaintenanceRuns(); len(runs) != 2 || runs[0] != "run-a" || runs[1] != "run-b" {
		t.Fatalf("MaintenanceRuns() = %v", runs)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"SKETCHSQL_PROFILE": "oops"},
		{"SKETCHSQL_HTTP_READ_TIMEOUT": "NaN"},
		{"SKETCHSQL_CATALOG_MAX_OPEN_CONNS": "oops"},
		{"SKETCHSQL_PACKING_WORKERS": "-1"},
		{"SKETCHSQL_PACKING_BATCH_SIZE": "0"},
		{"SKETCHSQL_PACKING_UNPACK_PAD_VALUE": "bad"},
		{"SKETCHSQL_VOCAB_CLS_ID": "0"},
		{"SKETCHSQL_VOCAB_SEP_ID": "101"},
		{"SKETCHSQL_CHECKPOINT_KEEP_LAST": "-3"},
		{"SKETCHSQL_ENCODER_ENABLED": "not-bool"},
		{"SKETCHSQL_LOG_LEVEL": "verbose"},
		{"SKETCHSQL_AUTH_REQUIRED": "maybe"},
		{"SKETCHSQL_MAINTENANCE_INTEGRITY_CHECKPOINT_LIMIT": "-1"},
	}
	for _, env := range tests {
		_, err := Load("sketchsql-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
