// Package store persists canonical datasets under an output root. Each save
// writes a fresh version directory and publishes it by atomically swapping the
// <root>/<key> symlink, so readers see either the previous or the new version.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/clover-project/clover-datasets/internal/failures"
	"github.com/clover-project/clover-datasets/internal/keylock"
	"github.com/clover-project/clover-datasets/internal/logger"
	"github.com/clover-project/clover-datasets/internal/normalize"
	"github.com/clover-project/clover-datasets/internal/otel"
	"github.com/clover-project/clover-datasets/internal/telemetry"
)

// VersionsDir holds the version directories of every dataset
const VersionsDir = ".versions"

// Store reads and writes canonical datasets
type Store struct {
	root    string
	locker  *keylock.Locker
	now     func() time.Time
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// Option configures a Store
type Option func(*Store)

// WithLocker shares a lock table with other components
func WithLocker(l *keylock.Locker) Option {
	return func(s *Store) {
		s.locker = l
	}
}

// WithMetrics records save durations
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithTracer records a span per save and load
func WithTracer(t trace.Tracer) Option {
	return func(s *Store) {
		s.tracer = t
	}
}

// New creates a Store rooted at root
func New(root string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory: %w", err)
	}
	s := &Store{root: abs, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = keylock.New(filepath.Join(abs, VersionsDir))
	}
	return s, nil
}

// Root returns the output root
func (s *Store) Root() string {
	return s.root
}

// Save writes ds as a new version and publishes it. The previous version is
// kept; older ones are removed.
func (s *Store) Save(ctx context.Context, ds *normalize.Dataset) (*Manifest, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "store.save", trace.WithAttributes(otel.AttrDataset.String(ds.Key)))
	defer span.End()

	start := time.Now()
	m, err := s.save(ctx, ds)
	s.metrics.RecordStageDuration(ctx, failures.StageStore, ds.Key, time.Since(start), err == nil)
	if err != nil {
		var fe *failures.Error
		if !errors.As(err, &fe) {
			err = failures.New(failures.ErrStore, failures.StageStore, ds.Key, err)
		}
		otel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(otel.AttrRows.Int(m.Rows))
	return m, nil
}

func (s *Store) save(ctx context.Context, ds *normalize.Dataset) (*Manifest, error) {
	if err := ds.Validate(); err != nil {
		return nil, failures.New(failures.ErrDecode, failures.StageStore, ds.Key, err)
	}

	unlock, err := s.locker.Lock(ctx, ds.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to lock dataset: %w", err)
	}
	defer unlock()

	keyDir := filepath.Join(s.root, VersionsDir, ds.Key)
	if err := os.MkdirAll(keyDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create version directory: %w", err)
	}

	runID := uuid.NewString()
	runDir := filepath.Join(keyDir, runID)
	if err := os.Mkdir(runDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create version directory: %w", err)
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(runDir)
		}
	}()

	m := newManifest(ds, runID, s.now())
	writers := []struct {
		name  string
		write func(string, *normalize.Dataset) (string, error)
	}{
		{FeaturesFileName, writeFeatures},
		{TargetFileName, writeTarget},
		{SplitFileName, writeSplit},
	}
	for _, w := range writers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		digest, err := w.write(runDir, ds)
		if err != nil {
			return nil, err
		}
		m.SHA256[w.name] = digest
	}
	if err := writeJSON(filepath.Join(runDir, ManifestFileName), m); err != nil {
		return nil, err
	}
	if err := syncDir(runDir); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	previous, _ := s.current(ds.Key)
	if err := s.publish(ds.Key, runID); err != nil {
		return nil, err
	}
	published = true

	keep := []string{runID}
	if previous != "" {
		keep = append(keep, previous)
	}
	s.prune(ds.Key, keep)

	logger.Infow("Stored dataset", "dataset", ds.Key, "run", runID, "rows", m.Rows)
	return m, nil
}

// publish points <root>/<key> at the version runID
func (s *Store) publish(key, runID string) error {
	target := filepath.Join(VersionsDir, key, runID)
	tmp := filepath.Join(s.root, fmt.Sprintf(".%s.link-%s", key, uuid.NewString()))
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create version link: %w", err)
	}
	if err := os.Rename(tmp, s.link(key)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to publish version: %w", err)
	}
	return syncDir(s.root)
}

// prune removes version directories of key other than keep
func (s *Store) prune(key string, keep []string) {
	keyDir := filepath.Join(s.root, VersionsDir, key)
	entries, err := os.ReadDir(keyDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || slices.Contains(keep, e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(keyDir, e.Name())); err != nil {
			logger.Warnw("Failed to remove old version", "dataset", key, "run", e.Name(), "error", err)
		}
	}
}

func (s *Store) link(key string) string {
	return filepath.Join(s.root, key)
}

// current returns the run id the link of key points at
func (s *Store) current(key string) (string, error) {
	target, err := os.Readlink(s.link(key))
	if err != nil {
		return "", err
	}
	return filepath.Base(target), nil
}

// versionDir resolves the published version directory of key
func (s *Store) versionDir(key string) (string, error) {
	if !validKey(key) {
		return "", failures.Newf(failures.ErrNotProcessed, failures.StageStore, key, "invalid dataset key")
	}
	runID, err := s.current(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", failures.New(failures.ErrNotProcessed, failures.StageStore, key, nil)
		}
		return "", fmt.Errorf("failed to resolve %s: %w", key, err)
	}
	return filepath.Join(s.root, VersionsDir, key, runID), nil
}

// Manifest returns the manifest of the published version of key
func (s *Store) Manifest(_ context.Context, key string) (*Manifest, error) {
	dir, err := s.versionDir(key)
	if err != nil {
		return nil, err
	}
	m, err := readManifest(dir)
	if err != nil {
		return nil, failures.New(failures.ErrIntegrity, failures.StageStore, key, err)
	}
	return m, nil
}

// Load reads the published version of key after verifying artifact checksums
func (s *Store) Load(ctx context.Context, key string) (*normalize.Dataset, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "store.load", trace.WithAttributes(otel.AttrDataset.String(key)))
	defer span.End()

	ds, err := s.load(ctx, key)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	return ds, nil
}

func (s *Store) load(ctx context.Context, key string) (*normalize.Dataset, error) {
	corrupt := func(err error) error {
		return failures.New(failures.ErrIntegrity, failures.StageStore, key, err)
	}

	dir, err := s.versionDir(key)
	if err != nil {
		return nil, err
	}
	m, err := readManifest(dir)
	if err != nil {
		return nil, corrupt(err)
	}
	if m.Key != key {
		return nil, corrupt(fmt.Errorf("manifest belongs to %q", m.Key))
	}
	for _, name := range []string{FeaturesFileName, TargetFileName, SplitFileName} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		want, ok := m.SHA256[name]
		if !ok {
			return nil, corrupt(fmt.Errorf("manifest lists no checksum for %s", name))
		}
		if err := verifyDigest(filepath.Join(dir, name), want); err != nil {
			return nil, corrupt(err)
		}
	}

	featureRecords, err := readArtifact(filepath.Join(dir, FeaturesFileName), m.Columns)
	if err != nil {
		return nil, corrupt(err)
	}
	features, err := parseFloats(featureRecords)
	if err != nil {
		return nil, corrupt(fmt.Errorf("%s: %w", FeaturesFileName, err))
	}

	targetRecords, err := readArtifact(filepath.Join(dir, TargetFileName), []string{"target"})
	if err != nil {
		return nil, corrupt(err)
	}
	targetRows, err := parseFloats(targetRecords)
	if err != nil {
		return nil, corrupt(fmt.Errorf("%s: %w", TargetFileName, err))
	}
	target := make([]float64, len(targetRows))
	for i, r := range targetRows {
		target[i] = r[0]
	}

	splitRecords, err := readArtifact(filepath.Join(dir, SplitFileName), []string{"split"})
	if err != nil {
		return nil, corrupt(err)
	}
	split := make([]normalize.Partition, len(splitRecords))
	for i, r := range splitRecords {
		p, err := normalize.ParsePartition(r[0])
		if err != nil {
			return nil, corrupt(fmt.Errorf("%s: row %d: %w", SplitFileName, i, err))
		}
		split[i] = p
	}

	ds := &normalize.Dataset{
		Key:       key,
		Columns:   m.Columns,
		Features:  features,
		Target:    target,
		Split:     split,
		Seed:      m.Seed,
		Fractions: m.fractions(),
	}
	if err := ds.Validate(); err != nil {
		return nil, corrupt(err)
	}
	if ds.Rows() != m.Rows || ds.Counts() != m.counts() {
		return nil, corrupt(fmt.Errorf("artifacts hold %d rows, manifest records %d", ds.Rows(), m.Rows))
	}
	return ds, nil
}

// List returns the keys with a published version, sorted
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || e.Type()&os.ModeSymlink == 0 {
			continue
		}
		keys = append(keys, e.Name())
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete removes every stored version of key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid dataset key %q", key)
	}
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return failures.New(failures.ErrStore, failures.StageStore, key, fmt.Errorf("failed to lock dataset: %w", err))
	}
	defer unlock()

	if err := os.Remove(s.link(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return failures.New(failures.ErrStore, failures.StageStore, key, err)
	}
	if err := os.RemoveAll(filepath.Join(s.root, VersionsDir, key)); err != nil {
		return failures.New(failures.ErrStore, failures.StageStore, key,
			fmt.Errorf("failed to remove versions: %w", err))
	}
	return nil
}

func validKey(key string) bool {
	return key != "" && filepath.IsLocal(key) && !strings.ContainsAny(key, `/\`) && !strings.HasPrefix(key, ".")
}
