// Package fetch retrieves raw dataset files into a local cache. Each dataset key
// owns one cache directory holding the raw file and an entry.json marking it valid.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/clover-project/clover-datasets/internal/failures"
	"github.com/clover-project/clover-datasets/internal/httpclient"
	"github.com/clover-project/clover-datasets/internal/keylock"
	"github.com/clover-project/clover-datasets/internal/logger"
	"github.com/clover-project/clover-datasets/internal/otel"
	"github.com/clover-project/clover-datasets/internal/registry"
	"github.com/clover-project/clover-datasets/internal/telemetry"
)

// Defaults
const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 30 * time.Second
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxElapsed     = 10 * time.Minute
)

// errTruncated is returned when a stream ends before its declared length
var errTruncated = errors.New("truncated transfer")

// Fetcher downloads dataset files into the cache
type Fetcher struct {
	cacheDir       string
	transports     map[string]Transport
	maxAttempts    int
	attemptTimeout time.Duration
	initialBackoff time.Duration
	maxElapsed     time.Duration
	s3Region       string
	locks          *keylock.Locker
	metrics        *telemetry.Metrics
	tracer         trace.Tracer
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithTransport serves URLs of scheme with t
func WithTransport(scheme string, t Transport) Option {
	return func(f *Fetcher) {
		f.transports[scheme] = t
	}
}

// WithMaxAttempts sets the number of attempts per mirror URL
func WithMaxAttempts(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithAttemptTimeout bounds each download attempt
func WithAttemptTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.attemptTimeout = d
		}
	}
}

// WithBackoff sets the first retry delay and the retry budget of a mirror
func WithBackoff(initial, maxElapsed time.Duration) Option {
	return func(f *Fetcher) {
		if initial > 0 {
			f.initialBackoff = initial
		}
		if maxElapsed > 0 {
			f.maxElapsed = maxElapsed
		}
	}
}

// WithS3Region sets the AWS region used for s3:// mirrors
func WithS3Region(region string) Option {
	return func(f *Fetcher) {
		f.s3Region = region
	}
}

// WithLocker shares a lock table with other components
func WithLocker(l *keylock.Locker) Option {
	return func(f *Fetcher) {
		f.locks = l
	}
}

// WithMetrics records download metrics
func WithMetrics(m *telemetry.Metrics) Option {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// WithTracer records a span per fetch
func WithTracer(t trace.Tracer) Option {
	return func(f *Fetcher) {
		f.tracer = t
	}
}

// New creates a Fetcher caching under cacheDir
func New(cacheDir string, opts ...Option) *Fetcher {
	if abs, err := filepath.Abs(cacheDir); err == nil {
		cacheDir = abs
	}
	f := &Fetcher{
		cacheDir:       cacheDir,
		transports:     make(map[string]Transport),
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		initialBackoff: DefaultInitialBackoff,
		maxElapsed:     DefaultMaxElapsed,
	}
	for _, opt := range opts {
		opt(f)
	}

	if _, ok := f.transports["http"]; !ok {
		f.transports["http"] = httpclient.NewDefaultClient(f.attemptTimeout)
	}
	if _, ok := f.transports["https"]; !ok {
		f.transports["https"] = f.transports["http"]
	}
	if _, ok := f.transports["file"]; !ok {
		f.transports["file"] = FileTransport{}
	}
	if _, ok := f.transports["s3"]; !ok {
		f.transports["s3"] = NewS3Transport(f.s3Region)
	}
	if f.locks == nil {
		f.locks = keylock.New(cacheDir)
	}
	return f
}

// Dir returns the cache directory of a dataset key
func (f *Fetcher) Dir(key string) string {
	return filepath.Join(f.cacheDir, key)
}

// Cached returns the valid cache entry of key, or nil when there is none
func (f *Fetcher) Cached(key string) (*Entry, error) {
	return readEntry(f.Dir(key))
}

// Evict removes the cached files of key
func (f *Fetcher) Evict(ctx context.Context, key string) error {
	unlock, err := f.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.RemoveAll(f.Dir(key)); err != nil {
		return fmt.Errorf("failed to remove cache of %s: %w", key, err)
	}
	return nil
}

// Fetch returns the cache entry of desc, downloading it when absent or when force is set.
// A valid entry is returned without any transport call unless force is set or
// the declared checksum no longer matches the cached one.
func (f *Fetcher) Fetch(ctx context.Context, desc registry.Descriptor, force bool) (*Entry, error) {
	ctx, span := otel.StartSpan(ctx, f.tracer, "fetch", trace.WithAttributes(otel.AttrDataset.String(desc.Key)))
	defer span.End()

	entry, err := f.fetch(ctx, desc, force)
	otel.RecordError(span, err)
	return entry, err
}

func (f *Fetcher) fetch(ctx context.Context, desc registry.Descriptor, force bool) (*Entry, error) {
	unlock, err := f.locks.Lock(ctx, desc.Key)
	if err != nil {
		return nil, failures.New(failures.ErrFetch, failures.StageFetch, desc.Key, err)
	}
	defer unlock()

	dir := f.Dir(desc.Key)
	if !force {
		cached, err := readEntry(dir)
		if err != nil {
			return nil, failures.New(failures.ErrFetch, failures.StageFetch, desc.Key, err)
		}
		if cached != nil && (desc.SHA256 == "" || strings.EqualFold(cached.SHA256, desc.SHA256)) {
			f.metrics.RecordFetchAttempt(ctx, desc.Key, telemetry.OutcomeCacheHit)
			logger.Debugw("Cache hit", "dataset", desc.Key, "path", cached.Path)
			return cached, nil
		}
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, failures.New(failures.ErrFetch, failures.StageFetch, desc.Key,
			fmt.Errorf("failed to create cache directory: %w", err))
	}
	if err := removeEntry(dir); err != nil {
		return nil, failures.New(failures.ErrFetch, failures.StageFetch, desc.Key, err)
	}

	var lastErr, integrityErr error
	for _, mirror := range desc.URLs {
		entry, err := f.fetchMirror(ctx, desc, dir, mirror)
		if err == nil {
			if err := writeEntry(dir, entry); err != nil {
				_ = os.Remove(entry.Path)
				return nil, failures.New(failures.ErrFetch, failures.StageFetch, desc.Key, err)
			}
			logger.Infow("Downloaded dataset",
				"dataset", desc.Key, "url", mirror, "bytes", entry.Size, "sha256", entry.SHA256)
			return entry, nil
		}

		if ctx.Err() != nil {
			return nil, failures.New(failures.ErrFetch, failures.StageFetch, desc.Key, ctx.Err())
		}
		if errors.Is(err, failures.ErrIntegrity) {
			integrityErr = err
		}
		lastErr = err
		logger.Warnw("Mirror failed", "dataset", desc.Key, "url", mirror, "error", err)
	}

	if integrityErr != nil {
		return nil, integrityErr
	}
	return nil, failures.New(failures.ErrFetch, failures.StageFetch, desc.Key, lastErr)
}

// fetchMirror downloads from one URL, retrying transient failures
func (f *Fetcher) fetchMirror(ctx context.Context, desc registry.Descriptor, dir, mirror string) (*Entry, error) {
	u, err := url.Parse(mirror)
	if err != nil {
		return nil, fmt.Errorf("invalid url %s: %w", mirror, err)
	}
	transport, ok := f.transports[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("no transport for scheme %q", u.Scheme)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialBackoff

	attempt := 0
	operation := func() (*Entry, error) {
		attempt++
		entry, err := f.download(ctx, transport, desc, dir, mirror)
		switch {
		case err == nil:
			f.metrics.RecordFetchAttempt(ctx, desc.Key, telemetry.OutcomeSuccess)
			return entry, nil
		case errors.Is(err, failures.ErrIntegrity):
			f.metrics.RecordFetchAttempt(ctx, desc.Key, telemetry.OutcomeIntegrity)
			return nil, backoff.Permanent(err)
		case ctx.Err() == nil && isTransient(err):
			f.metrics.RecordFetchAttempt(ctx, desc.Key, telemetry.OutcomeTransient)
			return nil, err
		default:
			f.metrics.RecordFetchAttempt(ctx, desc.Key, telemetry.OutcomePermanent)
			return nil, backoff.Permanent(err)
		}
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(f.maxAttempts)),
		backoff.WithMaxElapsedTime(f.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debugw("Retrying download",
				"dataset", desc.Key, "url", mirror, "attempt", attempt, "next", next, "error", err)
		}),
	)
}

// download performs a single attempt, streaming into a temp file that is
// renamed into place only after the size and checksum checks pass
func (f *Fetcher) download(
	ctx context.Context, transport Transport, desc registry.Descriptor, dir, mirror string,
) (*Entry, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
	defer cancel()

	body, declared, err := transport.Open(attemptCtx, mirror)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()

	tmp, err := os.CreateTemp(dir, ".download-"+uuid.NewString()+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", mirror, err)
	}
	if declared >= 0 && n != declared {
		return nil, fmt.Errorf("%w: got %d of %d bytes from %s", errTruncated, n, declared, mirror)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temporary file: %w", err)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if desc.Size > 0 && n != desc.Size {
		return nil, failures.Newf(failures.ErrIntegrity, failures.StageFetch, desc.Key,
			"size mismatch from %s: expected %d bytes, got %d", mirror, desc.Size, n)
	}
	if desc.SHA256 != "" && !strings.EqualFold(sum, desc.SHA256) {
		return nil, failures.Newf(failures.ErrIntegrity, failures.StageFetch, desc.Key,
			"sha256 mismatch from %s: expected %s, got %s", mirror, desc.SHA256, sum)
	}

	path := filepath.Join(dir, desc.FileName())
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("failed to move download into place: %w", err)
	}
	committed = true
	f.metrics.AddFetchBytes(ctx, desc.Key, n)

	return &Entry{
		Key:       desc.Key,
		Path:      path,
		Size:      n,
		SHA256:    sum,
		URL:       mirror,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// isTransient reports whether an attempt failure is worth retrying on the same URL
func isTransient(err error) bool {
	if errors.Is(err, errPermanent) {
		return false
	}
	if errors.Is(err, errTruncated) {
		return true
	}
	return httpclient.IsTransient(err)
}
