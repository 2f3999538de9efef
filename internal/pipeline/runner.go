// Package pipeline holds the run machinery shared by the export and import
// engines: an ordered step runner with progress reporting and cooperative
// cancellation, the issue list every run accumulates, and run results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCancelled is returned when a run is cancelled. Cancellation is only
// observed between steps; a running step always finishes.
var ErrCancelled = errors.New("run cancelled")

// Report lets a step publish intermediate progress within itself.
type Report func(fraction float64, detail string)

// Step is one stage of a run.
type Step struct {
	Label string
	Run   func(ctx context.Context, report Report) error
}

// StepError wraps the failure of one step.
type StepError struct {
	Step  int
	Label string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Step, e.Label, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Runner executes steps in order and reports progress for each.
type Runner struct {
	RunID string
	Sink  ProgressSink
	Now   func() time.Time
}

// Run executes steps. It returns the number of steps that completed and the
// error that stopped the run, if any: ErrCancelled when ctx was done at a
// step boundary, a *StepError when a step failed.
func (r *Runner) Run(ctx context.Context, steps []Step) (int, error) {
	total := len(steps)
	for i, st := range steps {
		n := i + 1
		if err := ctx.Err(); err != nil {
			return i, fmt.Errorf("%w before step %d (%s): %v", ErrCancelled, n, st.Label, err)
		}

		r.emit(n, total, st.Label, 0, "")
		report := func(fraction float64, detail string) {
			if fraction < 0 {
				fraction = 0
			}
			if fraction > 1 {
				fraction = 1
			}
			r.emit(n, total, st.Label, fraction, detail)
		}

		if err := st.Run(ctx, report); err != nil {
			return i, &StepError{Step: n, Label: st.Label, Err: err}
		}
		r.emit(n, total, st.Label, 1, "")
	}
	return total, nil
}

func (r *Runner) emit(step, total int, label string, fraction float64, detail string) {
	if r.Sink == nil {
		return
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	r.Sink.Report(ProgressEvent{
		RunID:    r.RunID,
		Step:     step,
		Total:    total,
		Label:    label,
		Fraction: fraction,
		Detail:   detail,
		Time:     now(),
	})
}
