package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/clover-project/clover-datasets/internal/logger"
	"github.com/clover-project/clover-datasets/internal/normalize"
	"github.com/clover-project/clover-datasets/internal/versions"
)

// FormatVersion is the layout version written into every manifest
const FormatVersion = 1

// Artifact file names inside a version directory
const (
	ManifestFileName = "manifest.json"
	FeaturesFileName = "features.csv"
	TargetFileName   = "target.csv"
	SplitFileName    = "split.csv"
)

// SplitFractions are the requested partition fractions
type SplitFractions struct {
	Train       float64 `json:"train"`
	Calibration float64 `json:"calibration"`
	Test        float64 `json:"test"`
}

// SplitCounts are the realized partition sizes
type SplitCounts struct {
	Train       int `json:"train"`
	Calibration int `json:"calibration"`
	Test        int `json:"test"`
}

// Manifest describes one stored version of a canonical dataset
type Manifest struct {
	FormatVersion int            `json:"formatVersion"`
	Key           string         `json:"key"`
	RunID         string         `json:"runId"`
	CreatedAt     time.Time      `json:"createdAt"`
	Writer        string         `json:"writer"`
	Columns       []string       `json:"columns"`
	Rows          int            `json:"rows"`
	Seed          int64          `json:"seed"`
	Fractions     SplitFractions `json:"fractions"`
	Counts        SplitCounts    `json:"counts"`

	// SHA256 maps each artifact file name to its hex digest
	SHA256 map[string]string `json:"sha256"`
}

func newManifest(ds *normalize.Dataset, runID string, createdAt time.Time) *Manifest {
	c := ds.Counts()
	return &Manifest{
		FormatVersion: FormatVersion,
		Key:           ds.Key,
		RunID:         runID,
		CreatedAt:     createdAt.UTC(),
		Writer:        versions.GetVersionInfo().Version,
		Columns:       ds.Columns,
		Rows:          ds.Rows(),
		Seed:          ds.Seed,
		Fractions: SplitFractions{
			Train:       ds.Fractions[normalize.Train],
			Calibration: ds.Fractions[normalize.Calibration],
			Test:        ds.Fractions[normalize.Test],
		},
		Counts: SplitCounts{
			Train:       c[normalize.Train],
			Calibration: c[normalize.Calibration],
			Test:        c[normalize.Test],
		},
		SHA256: make(map[string]string, 3),
	}
}

// fractions returns the fractions indexed by partition
func (m *Manifest) fractions() [3]float64 {
	return [3]float64{m.Fractions.Train, m.Fractions.Calibration, m.Fractions.Test}
}

// counts returns the split counts indexed by partition
func (m *Manifest) counts() [3]int {
	return [3]int{m.Counts.Train, m.Counts.Calibration, m.Counts.Test}
}

func readManifest(dir string) (*Manifest, error) {
	//nolint:gosec // dir is a version directory under the output root
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported manifest format version %d", m.FormatVersion)
	}
	if running := versions.GetVersionInfo().Version; versions.IsNewer(m.Writer, running) {
		logger.Warnw("Dataset was written by a newer clover-data", "dataset", m.Key, "writer", m.Writer, "running", running)
	}
	return &m, nil
}
