package normalize

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     SplitConfig
		wantErr string
	}{
		{name: "default", cfg: SplitConfig{Train: 0.6, Calibration: 0.2, Test: 0.2, Seed: 1250}},
		{name: "thirds", cfg: SplitConfig{Train: 1.0 / 3, Calibration: 1.0 / 3, Test: 1.0 / 3}},
		{name: "train only", cfg: SplitConfig{Train: 1}},
		{
			name:    "negative fraction",
			cfg:     SplitConfig{Train: 1.2, Calibration: -0.2, Test: 0},
			wantErr: "train fraction must be within [0, 1]",
		},
		{
			name:    "nan",
			cfg:     SplitConfig{Train: 0.5, Calibration: math.NaN(), Test: 0.5},
			wantErr: "calibration fraction must be within [0, 1]",
		},
		{
			name:    "sum below one",
			cfg:     SplitConfig{Train: 0.6, Calibration: 0.2, Test: 0.1},
			wantErr: "split fractions must sum to 1",
		},
		{
			name:    "negative seed",
			cfg:     SplitConfig{Train: 0.6, Calibration: 0.2, Test: 0.2, Seed: -1},
			wantErr: "seed must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplitConfig_Counts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  SplitConfig
		n    int
		want [3]int
	}{
		{name: "empty", cfg: SplitConfig{Train: 0.6, Calibration: 0.2, Test: 0.2}, n: 0, want: [3]int{0, 0, 0}},
		{name: "single row goes to train", cfg: SplitConfig{Train: 0.6, Calibration: 0.2, Test: 0.2}, n: 1, want: [3]int{1, 0, 0}},
		{name: "exact", cfg: SplitConfig{Train: 0.6, Calibration: 0.2, Test: 0.2}, n: 100, want: [3]int{60, 20, 20}},
		{name: "remainder tie favours calibration", cfg: SplitConfig{Train: 0.6, Calibration: 0.2, Test: 0.2}, n: 7, want: [3]int{4, 2, 1}},
		{name: "two leftovers", cfg: SplitConfig{Train: 0.5, Calibration: 0.25, Test: 0.25}, n: 3, want: [3]int{1, 1, 1}},
		{name: "thirds", cfg: SplitConfig{Train: 1.0 / 3, Calibration: 1.0 / 3, Test: 1.0 / 3}, n: 10, want: [3]int{4, 3, 3}},
		{name: "train only", cfg: SplitConfig{Train: 1}, n: 5, want: [3]int{5, 0, 0}},
		{name: "no train", cfg: SplitConfig{Calibration: 0.5, Test: 0.5}, n: 9, want: [3]int{0, 5, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.cfg.Counts(tt.n)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.n, got[0]+got[1]+got[2])
		})
	}
}

func TestSplitConfig_CountsAlwaysSumToN(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(1, 2))
	for range 500 {
		a, b := r.Float64(), r.Float64()
		if a > b {
			a, b = b, a
		}
		cfg := SplitConfig{Train: a, Calibration: b - a, Test: 1 - b}
		n := r.IntN(1000)
		c := cfg.Counts(n)
		require.Equal(t, n, c[0]+c[1]+c[2], "config %+v n=%d", cfg, n)
		for i, f := range cfg.Fractions() {
			assert.LessOrEqual(t, math.Abs(float64(c[i])-f*float64(n)), 1.0+1e-9)
		}
	}
}

func TestSplitConfig_Assign(t *testing.T) {
	t.Parallel()

	cfg := SplitConfig{Train: 0.6, Calibration: 0.2, Test: 0.2, Seed: 42}

	first := cfg.Assign("bike", 100)
	second := cfg.Assign("bike", 100)
	require.Len(t, first, 100)
	assert.Equal(t, first, second)

	ds := &Dataset{Split: first}
	assert.Equal(t, [3]int{60, 20, 20}, ds.Counts())

	otherSeed := cfg
	otherSeed.Seed = 43
	assert.NotEqual(t, first, otherSeed.Assign("bike", 100))
	assert.NotEqual(t, first, cfg.Assign("concrete", 100))

	assert.Empty(t, cfg.Assign("bike", 0))
}

func TestPermutation(t *testing.T) {
	t.Parallel()

	perm := permutation("wine", 7, 50)
	seen := make([]bool, 50)
	for _, p := range perm {
		require.False(t, seen[p], "duplicate %d", p)
		seen[p] = true
	}
	assert.Equal(t, perm, permutation("wine", 7, 50))
}

func TestUniform(t *testing.T) {
	t.Parallel()

	src := rand.NewPCG(3, 4)
	var hits [5]int
	for range 5000 {
		v := uniform(src, 5)
		require.Less(t, v, uint64(5))
		hits[v]++
	}
	for _, h := range hits {
		assert.Greater(t, h, 800)
	}
}

func TestPartition(t *testing.T) {
	t.Parallel()

	for _, p := range Partitions {
		got, err := ParsePartition(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePartition("validation")
	assert.Error(t, err)
	assert.Equal(t, "partition(7)", Partition(7).String())
}
