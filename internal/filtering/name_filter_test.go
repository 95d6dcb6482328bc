package filtering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clover-project/clover-datasets/internal/failures"
)

var registryKeys = []string{"abalone", "bike", "blog", "housing", "winered", "winewhite", "yacht"}

func TestKeyFilter_ShouldInclude(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		key      string
		include  []string
		exclude  []string
		expected bool
		reason   string
	}{
		{
			name:     "no filters - should include",
			key:      "bike",
			expected: true,
			reason:   "no filters specified",
		},
		{
			name:     "include wildcard match",
			key:      "winered",
			include:  []string{"wine*"},
			expected: true,
			reason:   "included by pattern 'wine*'",
		},
		{
			name:     "include no match",
			key:      "bike",
			include:  []string{"wine*"},
			expected: false,
			reason:   "no match found in include patterns",
		},
		{
			name:     "single character wildcard",
			key:      "blog",
			include:  []string{"blo?"},
			expected: true,
			reason:   "included by pattern 'blo?'",
		},
		{
			name:     "alternatives",
			key:      "housing",
			include:  []string{"{bike,housing}"},
			expected: true,
			reason:   "included by pattern '{bike,housing}'",
		},
		{
			name:     "exclude takes precedence",
			key:      "winewhite",
			include:  []string{"wine*"},
			exclude:  []string{"*white"},
			expected: false,
			reason:   "excluded by pattern '*white'",
		},
		{
			name:     "exclude only, no match",
			key:      "yacht",
			exclude:  []string{"wine*"},
			expected: true,
			reason:   "no match in exclude patterns",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := NewKeyFilter(tt.include, tt.exclude)
			require.NoError(t, err)

			got, reason := f.ShouldInclude(tt.key)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestNewKeyFilter_InvalidPattern(t *testing.T) {
	t.Parallel()

	_, err := NewKeyFilter([]string{"wine["}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern 'wine['")
}

func TestKeyFilter_Unmatched(t *testing.T) {
	t.Parallel()

	f, err := NewKeyFilter([]string{"wine*", "boston*", "y*"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"boston*"}, f.Unmatched(registryKeys))
}

func TestIsPattern(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPattern("wine*"))
	assert.True(t, IsPattern("blo?"))
	assert.True(t, IsPattern("[ab]*"))
	assert.True(t, IsPattern("{bike,blog}"))
	assert.False(t, IsPattern("cal_housing"))
	assert.False(t, IsPattern("wine-red"))
}

func TestSelect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		requested []string
		exclude   []string
		want      []string
		wantErr   error
	}{
		{
			name:      "exact keys pass through",
			requested: []string{"yacht", "bike"},
			want:      []string{"yacht", "bike"},
		},
		{
			name:      "unknown exact keys are left to the registry",
			requested: []string{"nope"},
			want:      []string{"nope"},
		},
		{
			name:      "patterns expand in registry order",
			requested: []string{"bike", "wine*"},
			want:      []string{"bike", "winered", "winewhite"},
		},
		{
			name:      "exclude applies to every selection",
			requested: []string{"b*", "yacht"},
			exclude:   []string{"blog", "y*"},
			want:      []string{"bike"},
		},
		{
			name:      "pattern without a match",
			requested: []string{"boston*"},
			wantErr:   failures.ErrUnknownDataset,
		},
		{
			name:      "invalid exclude",
			requested: []string{"bike"},
			exclude:   []string{"[b"},
			wantErr:   failures.ErrConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Select(registryKeys, tt.requested, tt.exclude)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
