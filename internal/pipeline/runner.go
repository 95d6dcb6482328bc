// Package pipeline sequences the dataset stages and runs them for many
// datasets on a bounded worker pool. A failing dataset never stops the others;
// every outcome is collected into a Report.
package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clover-project/clover-datasets/internal/decode"
	"github.com/clover-project/clover-datasets/internal/failures"
	"github.com/clover-project/clover-datasets/internal/fetch"
	"github.com/clover-project/clover-datasets/internal/logger"
	"github.com/clover-project/clover-datasets/internal/normalize"
	"github.com/clover-project/clover-datasets/internal/registry"
	"github.com/clover-project/clover-datasets/internal/status"
	"github.com/clover-project/clover-datasets/internal/store"
)

// DefaultWorkers bounds concurrency when no worker count is configured
const DefaultWorkers = 4

// Fetcher retrieves raw dataset files into the cache
type Fetcher interface {
	Fetch(ctx context.Context, desc registry.Descriptor, force bool) (*fetch.Entry, error)
	Cached(key string) (*fetch.Entry, error)
}

// Decoder turns a cache entry into a raw table
type Decoder interface {
	Decode(ctx context.Context, entry *fetch.Entry, desc registry.Descriptor) (*decode.Table, error)
}

// Normalizer turns a raw table into a canonical dataset
type Normalizer interface {
	Normalize(ctx context.Context, table *decode.Table, desc registry.Descriptor, cfg normalize.SplitConfig) (*normalize.Dataset, error)
}

// Store persists canonical datasets
type Store interface {
	Save(ctx context.Context, ds *normalize.Dataset) (*store.Manifest, error)
}

// Runner runs pipeline stages for datasets
type Runner struct {
	fetcher    Fetcher
	decoder    Decoder
	normalizer Normalizer
	store      Store
	tracker    *status.Tracker
	workers    int
}

// Option configures a Runner
type Option func(*Runner)

// WithWorkers bounds the number of datasets handled concurrently
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithTracker records stage status for each dataset
func WithTracker(t *status.Tracker) Option {
	return func(r *Runner) {
		r.tracker = t
	}
}

// New creates a Runner
func New(f Fetcher, d Decoder, n Normalizer, s Store, opts ...Option) *Runner {
	r := &Runner{
		fetcher:    f,
		decoder:    d,
		normalizer: n,
		store:      s,
		workers:    DefaultWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ProcessOptions control a process run
type ProcessOptions struct {
	// Split is the partition configuration applied to every dataset
	Split normalize.SplitConfig
	// Fetch downloads raw data that is not cached yet
	Fetch bool
	// Force refetches raw data even when cached. Implies Fetch.
	Force bool
}

// Download fetches every descriptor into the cache
func (r *Runner) Download(ctx context.Context, descs []registry.Descriptor, force bool) *Report {
	return r.run(ctx, "download", descs, func(ctx context.Context, desc registry.Descriptor) Result {
		return r.DownloadOne(ctx, desc, force)
	})
}

// Process decodes, normalizes and stores every descriptor
func (r *Runner) Process(ctx context.Context, descs []registry.Descriptor, opts ProcessOptions) *Report {
	return r.run(ctx, "process", descs, func(ctx context.Context, desc registry.Descriptor) Result {
		return r.ProcessOne(ctx, desc, opts)
	})
}

// run executes job for every descriptor on the worker pool. Jobs never return
// errors to the group so that one failure does not cancel the others.
func (r *Runner) run(
	ctx context.Context, operation string, descs []registry.Descriptor,
	job func(context.Context, registry.Descriptor) Result,
) *Report {
	report := &Report{Operation: operation, Results: make([]Result, len(descs))}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, desc := range descs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				// Both operations start with the fetch stage
				report.Results[i] = Result{Key: desc.Key, Err: failures.New(err, failures.StageFetch, desc.Key, nil)}
				return nil
			}
			report.Results[i] = job(ctx, desc)
			return nil
		})
	}
	_ = g.Wait()

	logger.Infow("Run finished",
		"operation", operation, "succeeded", len(report.Succeeded()), "failed", len(report.Failed()))
	return report
}

// DownloadOne fetches a single dataset
func (r *Runner) DownloadOne(ctx context.Context, desc registry.Descriptor, force bool) Result {
	start := time.Now()
	r.tracker.Begin(ctx, desc.Key, status.StageDownload)

	entry, err := r.fetcher.Fetch(ctx, desc, force)
	res := Result{Key: desc.Key, Entry: entry, Err: err, Duration: time.Since(start)}
	if err != nil {
		r.tracker.Fail(ctx, desc.Key, status.StageDownload, err)
		logger.Errorw("Download failed", "dataset", desc.Key, "error", err)
		return res
	}

	r.tracker.Complete(ctx, desc.Key, status.StageDownload, func(s *status.StageStatus) {
		s.SHA256 = entry.SHA256
	})
	logger.Debugw("Download complete", "dataset", desc.Key, "path", entry.Path)
	return res
}

// ProcessOne runs decode, normalize and store for a single dataset
func (r *Runner) ProcessOne(ctx context.Context, desc registry.Descriptor, opts ProcessOptions) Result {
	start := time.Now()
	r.tracker.Begin(ctx, desc.Key, status.StageProcess)

	res := Result{Key: desc.Key}
	res.Entry, res.Manifest, res.Err = r.process(ctx, desc, opts)
	res.Duration = time.Since(start)
	if res.Err != nil {
		r.tracker.Fail(ctx, desc.Key, status.StageProcess, res.Err)
		logger.Errorw("Process failed", "dataset", desc.Key, "error", res.Err)
		return res
	}

	r.tracker.Complete(ctx, desc.Key, status.StageProcess, func(s *status.StageStatus) {
		s.Rows = res.Manifest.Rows
		s.RunID = res.Manifest.RunID
		s.SHA256 = res.Entry.SHA256
	})
	logger.Infow("Processed dataset",
		"dataset", desc.Key, "rows", res.Manifest.Rows, "run", res.Manifest.RunID,
		"duration", res.Duration.Round(time.Millisecond))
	return res
}

func (r *Runner) process(
	ctx context.Context, desc registry.Descriptor, opts ProcessOptions,
) (*fetch.Entry, *store.Manifest, error) {
	entry, err := r.entry(ctx, desc, opts)
	if err != nil {
		return nil, nil, err
	}

	table, err := r.decoder.Decode(ctx, entry, desc)
	if err != nil {
		return entry, nil, err
	}

	ds, err := r.normalizer.Normalize(ctx, table, desc, opts.Split)
	if err != nil {
		return entry, nil, err
	}

	m, err := r.store.Save(ctx, ds)
	if err != nil {
		return entry, nil, err
	}
	return entry, m, nil
}

// entry returns the cache entry to decode, fetching it when allowed
func (r *Runner) entry(ctx context.Context, desc registry.Descriptor, opts ProcessOptions) (*fetch.Entry, error) {
	if opts.Fetch || opts.Force {
		return r.fetcher.Fetch(ctx, desc, opts.Force)
	}
	entry, err := r.fetcher.Cached(desc.Key)
	if err != nil {
		return nil, failures.New(failures.ErrFetch, failures.StageFetch, desc.Key, err)
	}
	if entry == nil {
		return nil, failures.Newf(failures.ErrFetch, failures.StageFetch, desc.Key,
			"raw data not downloaded, run download first or pass --fetch")
	}
	return entry, nil
}
