package fetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EntryFileName is the metadata file marking a cache entry as valid
const EntryFileName = "entry.json"

// Entry records a raw dataset file held in the cache
type Entry struct {
	// Key is the dataset key
	Key string `json:"key"`
	// Path is the absolute path of the raw file
	Path string `json:"path"`
	// Size is the number of bytes in the raw file
	Size int64 `json:"size"`
	// SHA256 is the hex digest of the raw file
	SHA256 string `json:"sha256"`
	// URL is the mirror that served the bytes
	URL string `json:"url"`
	// FetchedAt is when the download completed
	FetchedAt time.Time `json:"fetchedAt"`
}

// readEntry loads the entry of dir and checks it still describes the file on disk.
// It returns (nil, nil) when there is no valid entry.
func readEntry(dir string) (*Entry, error) {
	//nolint:gosec // path is internally managed by the fetcher
	data, err := os.ReadFile(filepath.Join(dir, EntryFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// A corrupt entry is treated as absent and overwritten by the next fetch
		return nil, nil
	}

	info, err := os.Stat(e.Path)
	if err != nil || info.Size() != e.Size || filepath.Dir(e.Path) != filepath.Clean(dir) {
		return nil, nil
	}
	return &e, nil
}

// writeEntry saves e atomically into dir
func writeEntry(dir string, e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	path := filepath.Join(dir, EntryFileName)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary cache entry: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename cache entry: %w", err)
	}
	return nil
}

// removeEntry invalidates the entry of dir
func removeEntry(dir string) error {
	if err := os.Remove(filepath.Join(dir, EntryFileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}
	return nil
}
