package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/clover-project/clover-datasets/internal/config"
	"github.com/clover-project/clover-datasets/internal/normalize"
	"github.com/clover-project/clover-datasets/internal/pipeline"
	"github.com/clover-project/clover-datasets/internal/registry"
	"github.com/clover-project/clover-datasets/internal/status"
	"github.com/clover-project/clover-datasets/internal/status/mocks"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.CacheDir = filepath.Join(root, "cache")
	cfg.OutputDir = filepath.Join(root, "processed")
	cfg.Workers = 2
	return cfg
}

func localDataset(t *testing.T, key string, rows int) registry.Descriptor {
	t.Helper()
	var b strings.Builder
	b.WriteString("a,b,target\n")
	for i := range rows {
		fmt.Fprintf(&b, "%d,%d.25,%d\n", i, i%3, 2*i)
	}
	path := filepath.Join(t.TempDir(), key+".csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0600))
	return registry.Descriptor{
		Key:    key,
		URLs:   []string{"file://" + filepath.ToSlash(path)},
		Format: registry.FormatCSV,
		Target: "target",
	}
}

func TestBaseConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		built, err := baseConfig()
		require.NoError(t, err)
		assert.Equal(t, config.DefaultWorkers, built.config.Workers)
		assert.False(t, built.traceLog)
	})

	t.Run("nil config", func(t *testing.T) {
		t.Parallel()
		built, err := baseConfig(WithConfig(nil))
		require.Error(t, err)
		assert.Nil(t, built)
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		cfg := config.Default()
		cfg.Workers = 0
		_, err := baseConfig(WithConfig(cfg))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "workers must be at least 1")
	})

	t.Run("chained options", func(t *testing.T) {
		t.Parallel()
		built, err := baseConfig(WithConfig(config.Default()), WithTraceLog(true))
		require.NoError(t, err)
		assert.True(t, built.traceLog)
	})
}

func TestNewCloverApp_ProcessAndClean(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.Telemetry.MetricsFile = filepath.Join(t.TempDir(), "clover.prom")

	reg, err := registry.New(localDataset(t, "alpha", 40), localDataset(t, "beta", 25))
	require.NoError(t, err)

	a, err := NewCloverApp(ctx, WithConfig(cfg), WithRegistry(reg))
	require.NoError(t, err)
	assert.Same(t, cfg, a.Config())
	assert.Same(t, reg, a.Registry())

	descs, err := a.Registry().Resolve(nil, true)
	require.NoError(t, err)

	split := normalize.SplitConfig{Train: 0.6, Calibration: 0.2, Test: 0.2, Seed: 7}
	report := a.Runner().Process(ctx, descs, pipeline.ProcessOptions{Split: split, Fetch: true})
	require.NoError(t, report.Err())
	assert.Equal(t, "process: 2 succeeded, 0 failed", report.Summary())

	keys, err := a.Store().List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, keys)

	ds, err := a.Store().Load(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 40, ds.Rows())
	assert.Equal(t, []string{"a", "b"}, ds.Columns)

	st, err := a.Statuses().LoadStatus(ctx, "beta")
	require.NoError(t, err)
	require.NotNil(t, st.Process)
	assert.Equal(t, status.PhaseComplete, st.Process.Phase)
	assert.Equal(t, 25, st.Process.Rows)

	require.NoError(t, a.Clean(ctx, descs[:1], true, true))

	keys, err = a.Store().List()
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, keys)

	entry, err := a.Fetcher().Cached("alpha")
	require.NoError(t, err)
	assert.Nil(t, entry)
	entry, err = a.Fetcher().Cached("beta")
	require.NoError(t, err)
	assert.NotNil(t, entry)

	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))

	metrics, err := os.ReadFile(cfg.Telemetry.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "clover_fetch_attempts_total")
}

func TestNewCloverApp_StatusPersistenceErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	persistence := mocks.NewMockStatusPersistence(ctrl)
	persistence.EXPECT().LoadStatus(gomock.Any(), "alpha").
		Return(nil, fmt.Errorf("disk on fire")).AnyTimes()
	persistence.EXPECT().SaveStatus(gomock.Any(), "alpha", gomock.Any()).
		Return(fmt.Errorf("disk on fire")).AnyTimes()

	reg, err := registry.New(localDataset(t, "alpha", 10))
	require.NoError(t, err)

	a, err := NewCloverApp(ctx, WithConfig(testConfig(t)), WithRegistry(reg), WithStatusPersistence(persistence))
	require.NoError(t, err)
	defer func() { _ = a.Close(ctx) }()

	desc, err := reg.Lookup("alpha")
	require.NoError(t, err)

	report := a.Runner().Download(ctx, []registry.Descriptor{desc}, false)
	require.NoError(t, report.Err())
	assert.NotEmpty(t, report.Results[0].Entry.SHA256)
}

func TestNewCloverApp_BadRegistryFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Registry.File = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := NewCloverApp(context.Background(), WithConfig(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load dataset registry")
}

func TestClean_Cancelled(t *testing.T) {
	t.Parallel()

	reg, err := registry.New(localDataset(t, "alpha", 5))
	require.NoError(t, err)
	a, err := NewCloverApp(context.Background(), WithConfig(testConfig(t)), WithRegistry(reg))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	descs, err := reg.Resolve([]string{"alpha"}, false)
	require.NoError(t, err)
	require.ErrorIs(t, a.Clean(ctx, descs, true, true), context.Canceled)
}
