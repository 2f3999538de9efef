package core

// run_limiter.go implements the two admission checks every run passes.
//
// RunGuard allows at most one active run per project: a second export or
// import for the same project is rejected at once with ErrRunActive rather
// than queued behind the first.
//
// RunLimiter caps concurrent runs across all projects with a semaphore. When
// all slots are occupied, new runs wait up to maxWait before failing with
// ErrTooManyRuns. WaitForDrain supports graceful shutdown by blocking until
// every active run finished.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrRunActive is returned when the project already has a run in progress.
	ErrRunActive = errors.New("run already active for project")

	// ErrTooManyRuns is returned when all run slots are occupied and the wait
	// timeout expires. Clients should retry after a short delay.
	ErrTooManyRuns = errors.New("too many concurrent runs, please try again later")
)

// DefaultMaxConcurrentRuns is the default limit for parallel runs.
const DefaultMaxConcurrentRuns = 4

// DefaultMaxWaitTime is how long to wait for a slot before rejecting.
const DefaultMaxWaitTime = 30 * time.Second

// RunGuard tracks the active run of every project.
type RunGuard struct {
	mu     sync.Mutex
	active map[string]string // project -> run id
}

// NewRunGuard creates an empty guard.
func NewRunGuard() *RunGuard {
	return &RunGuard{active: make(map[string]string)}
}

// Acquire marks runID as the project's active run. It fails with an error
// matching ErrRunActive when another run holds the project.
func (g *RunGuard) Acquire(projectID, runID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.active[projectID]; ok {
		return fmt.Errorf("%w: project %s is running %s", ErrRunActive, projectID, current)
	}
	g.active[projectID] = runID
	return nil
}

// Release frees the project if runID still holds it.
func (g *RunGuard) Release(projectID, runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[projectID] == runID {
		delete(g.active, projectID)
	}
}

// Active returns the project's active run.
func (g *RunGuard) Active(projectID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.active[projectID]
	return id, ok
}

// RunLimiter controls concurrent run processing using a semaphore pattern.
type RunLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
}

// NewRunLimiter creates a limiter that allows at most maxConcurrent
// simultaneous runs. Requests that cannot acquire a slot within maxWait
// receive ErrTooManyRuns.
func NewRunLimiter(maxConcurrent int, maxWait time.Duration) *RunLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentRuns
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}

	return &RunLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire attempts to acquire a run slot.
// Returns nil on success, ErrTooManyRuns if the wait expires.
// The caller MUST call Release() when the run completes.
func (l *RunLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil

	case <-waitCtx.Done():
		// Check if original context was cancelled vs timeout
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyRuns
	}
}

// TryAcquire attempts to acquire a slot without blocking.
func (l *RunLimiter) TryAcquire() bool {
	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release releases a previously acquired slot.
// Must be called exactly once for each successful Acquire/TryAcquire.
func (l *RunLimiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	<-l.semaphore
}

// ActiveCount returns the number of currently active runs.
func (l *RunLimiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// WaitForDrain blocks until all active runs complete or ctx is done.
func (l *RunLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunLimiterStatus is a snapshot of the limiter's state.
type RunLimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status returns the current limiter state for monitoring.
func (l *RunLimiter) Status() RunLimiterStatus {
	l.mu.RLock()
	active := l.active
	l.mu.RUnlock()

	return RunLimiterStatus{
		Active:        active,
		Available:     cap(l.semaphore) - len(l.semaphore),
		MaxConcurrent: cap(l.semaphore),
	}
}
