package normalize

import (
	"fmt"
	"math"
)

// Partition is the role a row plays in conformal experiments
type Partition uint8

const (
	// Train rows fit the underlying regressor
	Train Partition = iota
	// Calibration rows calibrate the conformity scores
	Calibration
	// Test rows evaluate coverage
	Test
)

// Partitions lists every partition in split order
var Partitions = [3]Partition{Train, Calibration, Test}

func (p Partition) String() string {
	switch p {
	case Train:
		return "train"
	case Calibration:
		return "calibration"
	case Test:
		return "test"
	default:
		return fmt.Sprintf("partition(%d)", uint8(p))
	}
}

// ParsePartition is the inverse of Partition.String
func ParsePartition(s string) (Partition, error) {
	for _, p := range Partitions {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown partition %q", s)
}

// Dataset is the canonical form of a regression dataset. Row i has features
// Features[i], target Target[i] and partition Split[i].
type Dataset struct {
	Key       string
	Columns   []string
	Features  [][]float64
	Target    []float64
	Split     []Partition
	Seed      int64
	Fractions [3]float64
}

// Rows returns the number of rows
func (d *Dataset) Rows() int {
	return len(d.Target)
}

// Counts returns the number of rows in each partition, indexed by Partition
func (d *Dataset) Counts() [3]int {
	var c [3]int
	for _, p := range d.Split {
		if int(p) < len(c) {
			c[p]++
		}
	}
	return c
}

// Indices returns the rows of partition p in ascending order
func (d *Dataset) Indices(p Partition) []int {
	var out []int
	for i, s := range d.Split {
		if s == p {
			out = append(out, i)
		}
	}
	return out
}

// Validate checks the structural invariants of the dataset
func (d *Dataset) Validate() error {
	if d.Key == "" {
		return fmt.Errorf("dataset key is empty")
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("dataset has no feature columns")
	}
	seen := make(map[string]bool, len(d.Columns))
	for _, c := range d.Columns {
		if c == "" || seen[c] {
			return fmt.Errorf("feature column names must be unique and non-empty, got %q", c)
		}
		seen[c] = true
	}
	n := len(d.Target)
	if n == 0 {
		return fmt.Errorf("dataset has no rows")
	}
	if len(d.Features) != n || len(d.Split) != n {
		return fmt.Errorf("length mismatch: %d feature rows, %d targets, %d split labels",
			len(d.Features), n, len(d.Split))
	}
	for i, row := range d.Features {
		if len(row) != len(d.Columns) {
			return fmt.Errorf("row %d has %d features, expected %d", i, len(row), len(d.Columns))
		}
		for j, v := range row {
			if !finite(v) {
				return fmt.Errorf("row %d column %s is not finite", i, d.Columns[j])
			}
		}
		if !finite(d.Target[i]) {
			return fmt.Errorf("row %d target is not finite", i)
		}
		if d.Split[i] > Test {
			return fmt.Errorf("row %d has invalid partition %d", i, d.Split[i])
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
