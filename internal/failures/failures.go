// Package failures defines the typed errors raised by every stage of the dataset
// pipeline. Each error carries the dataset key and the stage that produced it, and
// matches one of the sentinel kinds below via errors.Is.
package failures

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Use errors.Is(err, failures.ErrFetch) to classify a failure.
var (
	// ErrUnknownDataset is returned when a key is absent from the registry
	ErrUnknownDataset = errors.New("unknown dataset")

	// ErrFetch is returned when every mirror of a dataset failed
	ErrFetch = errors.New("fetch failed")

	// ErrIntegrity is returned when bytes on disk or on the wire do not match their recorded checksum or size
	ErrIntegrity = errors.New("integrity check failed")

	// ErrDecode is returned for unparseable data, format mismatches or excessive row loss
	ErrDecode = errors.New("decode failed")

	// ErrConfig is returned for invalid split settings, seeds or descriptor columns
	ErrConfig = errors.New("invalid configuration")

	// ErrNotProcessed is returned when loading a dataset that has no canonical artifacts
	ErrNotProcessed = errors.New("dataset not processed")
	// ErrStore is returned when canonical artifacts cannot be written or published
	ErrStore = errors.New("store failed")
)

// Stage names used in error messages and reports
const (
	StageRegistry  = "registry"
	StageFetch     = "fetch"
	StageDecode    = "decode"
	StageNormalize = "normalize"
	StageStore     = "store"
)

// Error is a stage failure for a single dataset
type Error struct {
	// Kind is one of the sentinel errors of this package, or the context error
	// of a run cancelled before the dataset started
	Kind error
	// Key is the dataset key the failure belongs to
	Key string
	// Stage is the pipeline stage that failed
	Stage string
	// Err is the underlying cause, may be nil
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.Key, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Stage, e.Key, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New creates a stage error of the given kind
func New(kind error, stage, key string, err error) *Error {
	return &Error{Kind: kind, Key: key, Stage: stage, Err: err}
}

// Newf creates a stage error of the given kind with a formatted cause
func Newf(kind error, stage, key, format string, args ...any) *Error {
	return &Error{Kind: kind, Key: key, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the sentinel kind of err, or nil if err carries none
func KindOf(err error) error {
	for _, kind := range []error{
		ErrUnknownDataset, ErrFetch, ErrIntegrity, ErrDecode, ErrConfig, ErrNotProcessed, ErrStore,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
