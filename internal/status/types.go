package status

import "time"

// Phase represents the state of the last run of a stage
type Phase string

const (
	// PhaseRunning means the stage is currently in progress
	PhaseRunning Phase = "Running"

	// PhaseComplete means the stage completed successfully
	PhaseComplete Phase = "Complete"

	// PhaseFailed means the stage failed
	PhaseFailed Phase = "Failed"
)

// Stage names a tracked pipeline step
type Stage string

const (
	// StageDownload covers fetching raw files into the cache
	StageDownload Stage = "download"

	// StageProcess covers decoding, normalizing and storing
	StageProcess Stage = "process"
)

// StageStatus records the outcome of the runs of one stage for a dataset
type StageStatus struct {
	// Phase is the state of the last run
	Phase Phase `json:"phase"`

	// Message provides additional information, typically the last error
	Message string `json:"message,omitempty"`

	// LastAttempt is the timestamp of the last run
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`

	// AttemptCount is the number of runs since the last success
	AttemptCount int `json:"attemptCount,omitempty"`

	// LastSuccess is the timestamp of the last successful run
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`

	// SHA256 is the digest of the raw file the last successful run used
	SHA256 string `json:"sha256,omitempty"`

	// Rows is the number of canonical rows produced by the last successful run
	Rows int `json:"rows,omitempty"`

	// RunID identifies the stored version produced by the last successful run
	RunID string `json:"runId,omitempty"`
}

// DatasetStatus is the persisted status of one dataset
type DatasetStatus struct {
	Download *StageStatus `json:"download,omitempty"`
	Process  *StageStatus `json:"process,omitempty"`
}

// Stage returns the status of stage s, creating it when absent
func (d *DatasetStatus) Stage(s Stage) *StageStatus {
	switch s {
	case StageDownload:
		if d.Download == nil {
			d.Download = &StageStatus{}
		}
		return d.Download
	default:
		if d.Process == nil {
			d.Process = &StageStatus{}
		}
		return d.Process
	}
}
