package store

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/clover-project/clover-datasets/internal/normalize"
)

// writeArtifact writes a CSV file to dir/name, syncs it and returns its digest
func writeArtifact(dir, name string, header []string, rows func(w *csv.Writer) error) (string, error) {
	path := filepath.Join(dir, name)
	//nolint:gosec // path is a fresh version directory under the output root
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	w := csv.NewWriter(io.MultiWriter(f, h))
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := rows(w); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeFeatures(dir string, ds *normalize.Dataset) (string, error) {
	return writeArtifact(dir, FeaturesFileName, ds.Columns, func(w *csv.Writer) error {
		record := make([]string, len(ds.Columns))
		for _, row := range ds.Features {
			for j, v := range row {
				record[j] = formatFloat(v)
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeTarget(dir string, ds *normalize.Dataset) (string, error) {
	return writeArtifact(dir, TargetFileName, []string{"target"}, func(w *csv.Writer) error {
		for _, v := range ds.Target {
			if err := w.Write([]string{formatFloat(v)}); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeSplit(dir string, ds *normalize.Dataset) (string, error) {
	return writeArtifact(dir, SplitFileName, []string{"split"}, func(w *csv.Writer) error {
		for _, p := range ds.Split {
			if err := w.Write([]string{p.String()}); err != nil {
				return err
			}
		}
		return nil
	})
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// verifyDigest checks that the file at path hashes to want
func verifyDigest(path, want string) error {
	//nolint:gosec // path is an artifact listed in a manifest
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return fmt.Errorf("%s: sha256 %s does not match manifest %s", filepath.Base(path), got, want)
	}
	return nil
}

// readArtifact reads a CSV artifact and checks its header
func readArtifact(path string, header []string) ([][]string, error) {
	//nolint:gosec // path is an artifact listed in a manifest
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer func() {
		_ = f.Close()
	}()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)
	got, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s is empty", filepath.Base(path))
		}
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	if !slices.Equal(got, header) {
		return nil, fmt.Errorf("%s: header %v does not match %v", filepath.Base(path), got, header)
	}
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

func parseFloats(records [][]string) ([][]float64, error) {
	out := make([][]float64, len(records))
	for i, record := range records {
		row := make([]float64, len(record))
		for j, s := range record {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			row[j] = v
		}
		out[i] = row
	}
	return out, nil
}
