package storage

import "testing"

func TestBuildCheckpointPath(t *testing.T) {
	key, err := BuildCheckpointPath("wikisql-1", 1200, "model")
	if err != nil {
		t.Fatalf("BuildCheckpointPath() error = %v", err)
	}
	want := "checkpoints/wikisql-1/step-0000001200/model.bin"
	if key != want {
		t.Fatalf("BuildCheckpointPath() = %q, want %q", key, want)
	}

	prefix, err := CheckpointStepPrefix("wikisql-1", 1200)
	if err != nil {
		t.Fatalf("CheckpointStepPrefix() error = %v", err)
	}
	if prefix != "checkpoints/wikisql-1/step-0000001200/" {
		t.Fatalf("CheckpointStepPrefix() = %q", prefix)
	}

	runPrefix, err := CheckpointRunPrefix("wikisql-1")
	if err != nil {
		t.Fatalf("CheckpointRunPrefix() error = %v", err)
	}
	if runPrefix != "checkpoints/wikisql-1/" {
		t.Fatalf("CheckpointRunPrefix() = %q", runPrefix)
	}
}

func TestBuildPackedBatchPath(t *testing.T) {
	key, err := BuildPackedBatchPath("nightly", 4)
	if err != nil {
		t.Fatalf("BuildPackedBatchPath() error = %v", err)
	}
	want := "packed/nightly/batch-00004.parquet"
	if key != want {
		t.Fatalf("BuildPackedBatchPath() = %q, want %q", key, want)
	}
}

func TestBuildPathRejectsInvalidComponent(t *testing.T) {
	if _, err := BuildCheckpointPath("../oops", 1, "model"); err == nil {
		t.Fatal("expected invalid run id error")
	}
	if _, err := BuildCheckpointPath("run", 1, "optimizer/state"); err == nil {
		t.Fatal("expected invalid component error")
	}
	if _, err := BuildCheckpointPath("run", -1, "model"); err == nil {
		t.Fatal("expected negative step error")
	}
	if _, err := BuildPackedBatchPath("run", -1); err == nil {
		t.Fatal("expected negative sequence error")
	}
}

func TestIsDirectoryKey(t *testing.T) {
	if !IsDirectoryKey("datasets/train/") {
		t.Fatal("IsDirectoryKey() = false for prefix")
	}
	if IsDirectoryKey("datasets/train.parquet") {
		t.Fatal("IsDirectoryKey() = true for object key")
	}
}
