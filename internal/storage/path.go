package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

const (
	checkpointRoot = "checkpoints"
	packedRoot     = "packed"
)

// BuildCheckpointPath returns checkpoints/<run>/step-<step>/<component>.bin.
func BuildCheckpointPath(runID string, step int64, component string) (string, error) {
	if err := validatePathComponent(runID, "run id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(component, "component name"); err != nil {
		return "", err
	}
	if step < 0 {
		return "", fmt.Errorf("step must be >= 0")
	}
	return path.Join(
		checkpointRoot,
		runID,
		fmt.Sprintf("step-%010d", step),
		component+".bin",
	), nil
}

// CheckpointRunPrefix is the key prefix of every checkpoint blob of a run.
func CheckpointRunPrefix(runID string) (string, error) {
	if err := validatePathComponent(runID, "run id"); err != nil {
		return "", err
	}
	return path.Join(checkpointRoot, runID) + "/", nil
}

// CheckpointStepPrefix is the key prefix shared by every component blob of
// one checkpoint.
func CheckpointStepPrefix(runID string, step int64) (string, error) {
	if err := validatePathComponent(runID, "run id"); err != nil {
		return "", err
	}
	if step < 0 {
		return "", fmt.Errorf("step must be >= 0")
	}
	return path.Join(checkpointRoot, runID, fmt.Sprintf("step-%010d", step)) + "/", nil
}

// BuildPackedBatchPath returns packed/<run>/batch-<seq>.parquet.
func BuildPackedBatchPath(runID string, sequence int) (string, error) {
	if err := validatePathComponent(runID, "run id"); err != nil {
		return "", err
	}
	if sequence < 0 {
		return "", fmt.Errorf("sequence must be >= 0")
	}
	return path.Join(
		packedRoot,
		runID,
		fmt.Sprintf("batch-%05d.parquet", sequence),
	), nil
}

// IsDirectoryKey reports whether key names a prefix rather than one object.
func IsDirectoryKey(key string) bool {
	return strings.HasSuffix(key, "/")
}

func ValidateName(value, field string) error {
	return validatePathComponent(value, field)
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
