package pipeline

import (
	"errors"
	"time"
)

// Kind names the two run flavours.
type Kind string

const (
	KindExport Kind = "export"
	KindImport Kind = "import"
)

// Status is the final state of a run.
type Status string

const (
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed-with-errors"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

// Result is what a run reports back to its caller.
type Result struct {
	RunID     string            `json:"run_id"`
	ProjectID string            `json:"project_id"`
	Kind      Kind              `json:"kind"`
	Status    Status            `json:"status"`
	Artifact  string            `json:"artifact,omitempty"`  // primary artifact key
	Artifacts map[string]string `json:"artifacts,omitempty"` // name -> storage key
	Issues    []Issue           `json:"issues"`
	Counts    map[string]int    `json:"counts,omitempty"`
	Error     string            `json:"error,omitempty"`
	Started   time.Time         `json:"started"`
	Finished  time.Time         `json:"finished"`
}

// Duration returns how long the run took.
func (r *Result) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Fail marks the result failed (or cancelled when err is ErrCancelled). err
// is recorded as an error issue unless the run already recorded one.
func (r *Result) Fail(err error, issues *Issues) {
	r.Status = StatusFailed
	code := CodeInternal
	if errors.Is(err, ErrCancelled) {
		r.Status = StatusCancelled
		code = CodeCancelled
	}
	r.Error = err.Error()
	if issues != nil && (code == CodeCancelled || !issues.HasErrors()) {
		issues.Error(code, err.Error())
	}
}

// StatusFor derives the outcome of a run that finished all its steps:
// completed when nothing went wrong, completed-with-errors otherwise.
func StatusFor(issues []Issue) Status {
	if len(issues) == 0 {
		return StatusCompleted
	}
	return StatusCompletedWithErrors
}
