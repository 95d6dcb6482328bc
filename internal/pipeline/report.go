package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/clover-project/clover-datasets/internal/fetch"
	"github.com/clover-project/clover-datasets/internal/store"
)

// Result is the outcome of one dataset in a bulk run
type Result struct {
	Key      string
	Err      error
	Duration time.Duration

	// Entry is the cache entry used, set once the raw file is available
	Entry *fetch.Entry
	// Manifest describes the stored version, set by a successful process run
	Manifest *store.Manifest
}

// OK reports whether the dataset succeeded
func (r *Result) OK() bool {
	return r.Err == nil
}

// Report aggregates the results of a bulk run in input order
type Report struct {
	Operation string
	Results   []Result
}

// Succeeded returns the successful results
func (r *Report) Succeeded() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Failed returns the failed results
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Err joins the errors of every failed dataset, nil when all succeeded
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, res.Err)
	}
	return errors.Join(errs...)
}

// Summary returns a one-line description of the run
func (r *Report) Summary() string {
	return fmt.Sprintf("%s: %d succeeded, %d failed", r.Operation, len(r.Succeeded()), len(r.Failed()))
}
