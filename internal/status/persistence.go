// Package status provides per-dataset stage status tracking and persistence.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// StatusFileName is the name of the status file
	StatusFileName = "status.json"

	// DirName is the directory under the cache root holding status files
	DirName = ".status"
)

//go:generate mockgen -destination=mocks/mock_status_persistence.go -package=mocks -source=persistence.go StatusPersistence

// StatusPersistence defines the interface for dataset status persistence
//
//nolint:revive // This name is fine
type StatusPersistence interface {
	// SaveStatus saves the status of a dataset
	SaveStatus(ctx context.Context, key string, status *DatasetStatus) error

	// LoadStatus loads the status of a dataset.
	// Returns an empty DatasetStatus if the dataset has never run.
	LoadStatus(ctx context.Context, key string) (*DatasetStatus, error)

	// LoadAllStatus loads the status of every dataset that has one
	LoadAllStatus(ctx context.Context) (map[string]*DatasetStatus, error)
}

// fileStatusPersistence implements StatusPersistence using local filesystem
type fileStatusPersistence struct {
	basePath string
}

// NewFileStatusPersistence creates a new file-based status persistence.
// basePath is the directory where per-dataset status files are stored.
func NewFileStatusPersistence(basePath string) StatusPersistence {
	return &fileStatusPersistence{
		basePath: basePath,
	}
}

// SaveStatus saves the status to a JSON file in a dataset-specific directory
func (f *fileStatusPersistence) SaveStatus(_ context.Context, key string, status *DatasetStatus) error {
	dir := filepath.Join(f.basePath, key)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create status directory for dataset '%s': %w", key, err)
	}

	filePath := filepath.Join(dir, StatusFileName)

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status data for dataset '%s': %w", key, err)
	}

	// Concurrent writers each use their own temporary file
	tmp, err := os.CreateTemp(dir, StatusFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary status file for dataset '%s': %w", key, err)
	}
	tempPath := tmp.Name()
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to write temporary status file for dataset '%s': %w", key, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file for dataset '%s': %w", key, err)
	}

	return nil
}

// LoadStatus loads the status from the JSON file of a dataset
func (f *fileStatusPersistence) LoadStatus(_ context.Context, key string) (*DatasetStatus, error) {
	filePath := filepath.Join(f.basePath, key, StatusFileName)

	// #nosec G304 -- filePath is built from the status root and a registry key
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &DatasetStatus{}, nil
		}
		return nil, fmt.Errorf("failed to read status file for dataset '%s': %w", key, err)
	}

	var status DatasetStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status data for dataset '%s': %w", key, err)
	}

	return &status, nil
}

// LoadAllStatus loads the status of every dataset directory under the base path
func (f *fileStatusPersistence) LoadAllStatus(ctx context.Context) (map[string]*DatasetStatus, error) {
	result := make(map[string]*DatasetStatus)

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}
		return nil, fmt.Errorf("failed to read status directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		key := entry.Name()
		status, err := f.LoadStatus(ctx, key)
		if err != nil {
			// Unreadable files are skipped so that one bad dataset does not hide the rest
			continue
		}

		result[key] = status
	}

	return result, nil
}
