// Package app wires the dataset pipeline components together for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/clover-project/clover-datasets/internal/config"
	"github.com/clover-project/clover-datasets/internal/fetch"
	"github.com/clover-project/clover-datasets/internal/logger"
	"github.com/clover-project/clover-datasets/internal/pipeline"
	"github.com/clover-project/clover-datasets/internal/registry"
	"github.com/clover-project/clover-datasets/internal/status"
	"github.com/clover-project/clover-datasets/internal/store"
	"github.com/clover-project/clover-datasets/internal/telemetry"
)

// CloverApp holds the components a command works with.
// Close must be called when the command finishes so metrics are flushed.
type CloverApp struct {
	config    *config.Config
	registry  *registry.Registry
	fetcher   *fetch.Fetcher
	store     *store.Store
	statuses  status.StatusPersistence
	runner    *pipeline.Runner
	telemetry *telemetry.Telemetry
}

// Config returns the effective configuration
func (a *CloverApp) Config() *config.Config {
	return a.config
}

// Registry returns the dataset registry
func (a *CloverApp) Registry() *registry.Registry {
	return a.registry
}

// Fetcher returns the raw cache fetcher
func (a *CloverApp) Fetcher() *fetch.Fetcher {
	return a.fetcher
}

// Store returns the canonical dataset store
func (a *CloverApp) Store() *store.Store {
	return a.store
}

// Statuses returns the per-dataset status persistence
func (a *CloverApp) Statuses() status.StatusPersistence {
	return a.statuses
}

// Runner returns the bulk pipeline runner
func (a *CloverApp) Runner() *pipeline.Runner {
	return a.runner
}

// Clean removes cached raw data and/or processed outputs of the given datasets.
// Every dataset is attempted; errors are joined.
func (a *CloverApp) Clean(ctx context.Context, descs []registry.Descriptor, cache, processed bool) error {
	var errs []error
	for _, desc := range descs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cache {
			if err := a.fetcher.Evict(ctx, desc.Key); err != nil {
				errs = append(errs, fmt.Errorf("failed to evict %s: %w", desc.Key, err))
			} else {
				logger.Infow("Evicted raw cache", "dataset", desc.Key)
			}
		}
		if processed {
			if err := a.store.Delete(ctx, desc.Key); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete %s outputs: %w", desc.Key, err))
			} else {
				logger.Infow("Deleted processed outputs", "dataset", desc.Key)
			}
		}
	}
	return errors.Join(errs...)
}

// Close flushes telemetry. It is safe to call more than once.
func (a *CloverApp) Close(ctx context.Context) error {
	if a.telemetry == nil {
		return nil
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown telemetry: %w", err)
	}
	return nil
}
