package status

import (
	"context"
	"sync"
	"time"

	"github.com/clover-project/clover-datasets/internal/logger"
)

// Tracker records stage transitions. Status is advisory: persistence errors
// are logged and never fail the stage being tracked.
type Tracker struct {
	persistence StatusPersistence
	now         func() time.Time

	mu sync.Mutex
}

// NewTracker creates a Tracker writing through p
func NewTracker(p StatusPersistence) *Tracker {
	return &Tracker{persistence: p, now: time.Now}
}

// Begin marks stage as running for key
func (t *Tracker) Begin(ctx context.Context, key string, stage Stage) {
	t.update(ctx, key, stage, func(s *StageStatus, now time.Time) {
		s.Phase = PhaseRunning
		s.Message = ""
		s.LastAttempt = &now
		s.AttemptCount++
	})
}

// Complete marks stage as complete for key. apply, when non-nil, records
// stage-specific results.
func (t *Tracker) Complete(ctx context.Context, key string, stage Stage, apply func(*StageStatus)) {
	t.update(ctx, key, stage, func(s *StageStatus, now time.Time) {
		s.Phase = PhaseComplete
		s.Message = ""
		s.AttemptCount = 0
		s.LastSuccess = &now
		if apply != nil {
			apply(s)
		}
	})
}

// Fail marks stage as failed for key with the error message
func (t *Tracker) Fail(ctx context.Context, key string, stage Stage, err error) {
	t.update(ctx, key, stage, func(s *StageStatus, _ time.Time) {
		s.Phase = PhaseFailed
		if err != nil {
			s.Message = err.Error()
		}
	})
}

func (t *Tracker) update(ctx context.Context, key string, stage Stage, fn func(*StageStatus, time.Time)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	// Status writes must land even when the run itself was cancelled
	ctx = context.WithoutCancel(ctx)

	current, err := t.persistence.LoadStatus(ctx, key)
	if err != nil {
		logger.Warnw("Failed to load status, starting fresh", "dataset", key, "error", err)
		current = &DatasetStatus{}
	}
	fn(current.Stage(stage), t.now().UTC())
	if err := t.persistence.SaveStatus(ctx, key, current); err != nil {
		logger.Warnw("Failed to save status", "dataset", key, "stage", stage, "error", err)
	}
}
