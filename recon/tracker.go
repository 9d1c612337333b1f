package recon

import (
	"context"
	"sync"
)

// Runner executes a reconciliation window. Implemented by Reconciler and
// Tracker.
type Runner interface {
	Run(ctx context.Context, opts RunOptions) (*Report, error)
}

// Tracker wraps a Reconciler and retains the most recent report for the API
// surface.
type Tracker struct {
	reconciler *Reconciler

	mu   sync.RWMutex
	last *Report
}

// NewTracker wraps the reconciler.
func NewTracker(reconciler *Reconciler) *Tracker {
	return &Tracker{reconciler: reconciler}
}

// Run delegates to the wrapped reconciler and records the report.
func (t *Tracker) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	report, err := t.reconciler.Run(ctx, opts)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.last = report
	t.mu.Unlock()
	return report, nil
}

// Latest returns the most recent report, or nil before the first run.
func (t *Tracker) Latest() *Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}
