package normalize

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"math/rand/v2"
)

// fractionTolerance is the allowed deviation of the fraction sum from 1
const fractionTolerance = 1e-9

// SplitConfig holds the train/calibration/test fractions and the seed of the split
type SplitConfig struct {
	Train       float64
	Calibration float64
	Test        float64
	Seed        int64
}

// Fractions returns the fractions indexed by Partition
func (c SplitConfig) Fractions() [3]float64 {
	return [3]float64{c.Train, c.Calibration, c.Test}
}

// Validate checks that each fraction lies in [0, 1], that they sum to 1 and
// that the seed is non-negative
func (c SplitConfig) Validate() error {
	sum := 0.0
	for i, f := range c.Fractions() {
		if math.IsNaN(f) || f < 0 || f > 1 {
			return fmt.Errorf("%s fraction must be within [0, 1], got %v", Partitions[i], f)
		}
		sum += f
	}
	if math.Abs(sum-1) > fractionTolerance {
		return fmt.Errorf("split fractions must sum to 1, got %v", sum)
	}
	if c.Seed < 0 {
		return fmt.Errorf("seed must not be negative, got %d", c.Seed)
	}
	return nil
}

// Counts returns how many of n rows go to each partition. Each count is the
// floor of fraction*n; the rows left over go one each to the partitions with
// the largest fractional remainders, ties resolved in the order train,
// calibration, test.
func (c SplitConfig) Counts(n int) [3]int {
	var counts [3]int
	var rem [3]float64
	total := 0
	for i, f := range c.Fractions() {
		exact := f * float64(n)
		counts[i] = int(math.Floor(exact + fractionTolerance))
		rem[i] = exact - float64(counts[i])
		total += counts[i]
	}

	for ; total > n; total-- {
		counts[largest(counts[:])]--
	}
	for ; total < n; total++ {
		best := 0
		for i := 1; i < len(rem); i++ {
			if rem[i] > rem[best]+fractionTolerance {
				best = i
			}
		}
		counts[best]++
		rem[best] = math.Inf(-1)
	}
	return counts
}

func largest(v []int) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// Assign labels n rows. The rows are shuffled with a generator seeded from
// the dataset key and the seed; the first Counts[Train] shuffled positions are
// train, the next Counts[Calibration] calibration, the rest test.
func (c SplitConfig) Assign(key string, n int) []Partition {
	counts := c.Counts(n)
	perm := permutation(key, c.Seed, n)

	labels := make([]Partition, n)
	pos := 0
	for p, count := range counts {
		for range count {
			labels[perm[pos]] = Partition(p)
			pos++
		}
	}
	return labels
}

// permutation returns a Fisher-Yates shuffle of 0..n-1 driven by PCG seeded
// from SHA-256(key || seed)
func permutation(key string, seed int64, n int) []int {
	h := sha256.New()
	h.Write([]byte(key))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	h.Write(buf[:])
	sum := h.Sum(nil)

	src := rand.NewPCG(binary.BigEndian.Uint64(sum[0:8]), binary.BigEndian.Uint64(sum[8:16]))

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := int(uniform(src, uint64(i+1)))
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

// uniform returns a value in [0, n) from src by multiply-shift with rejection.
// Range reduction lives here so that assignments do not depend on the Go release.
func uniform(src *rand.PCG, n uint64) uint64 {
	hi, lo := bits.Mul64(src.Uint64(), n)
	if lo < n {
		threshold := -n % n
		for lo < threshold {
			hi, lo = bits.Mul64(src.Uint64(), n)
		}
	}
	return hi
}
