package core

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/trexsync/internal/catalog"
	"github.com/JonMunkholm/trexsync/internal/config"
	"github.com/JonMunkholm/trexsync/internal/export"
	"github.com/JonMunkholm/trexsync/internal/importer"
	"github.com/JonMunkholm/trexsync/internal/logging"
	"github.com/JonMunkholm/trexsync/internal/pipeline"
	"github.com/JonMunkholm/trexsync/internal/storage"
)

// ResultRetention is how long a finished run stays queryable in memory.
// After that only its history record remains.
var ResultRetention = 10 * time.Minute

var (
	// ErrRunNotFound is returned for unknown or expired run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidProject is returned for project ids that cannot name a
	// storage namespace.
	ErrInvalidProject = errors.New("invalid project id")

	// ErrForeignArtifact is returned when an import references another
	// project's artifact.
	ErrForeignArtifact = errors.New("artifact belongs to another project")

	errRunPanicked = errors.New("run panicked")
)

// Options configures a Service.
type Options struct {
	Pipeline config.PipelineConfig
	PageSize int // 0 uses the catalog client's page size

	// Connector opens the catalog per run. Nil runs everything without it.
	Connector Connector
	Now       func() time.Time
}

// Service runs exports and imports in the background and tracks them until
// they expire.
type Service struct {
	store    storage.Store
	connect  Connector
	pool     *catalog.Pool
	pageSize int
	limiter  *RunLimiter
	guard    *RunGuard
	timeout  time.Duration
	buffer   int
	now      func() time.Time

	mu   sync.RWMutex
	runs map[string]*activeRun
}

type activeRun struct {
	ID         string
	ProjectID  string
	Kind       pipeline.Kind
	Started    time.Time
	Requester  Requester
	Cancel     context.CancelFunc
	Progress   RunProgress
	Result     *pipeline.Result
	Done       chan struct{}
	Listeners  []chan RunProgress
	ListenerMu sync.Mutex
}

// NewService creates a Service on top of store.
func NewService(store storage.Store, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.Pipeline.RunTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Service{
		store:    store,
		connect:  opts.Connector,
		pool:     catalog.NewPool(opts.Pipeline.PoolWidth),
		pageSize: opts.PageSize,
		limiter:  NewRunLimiter(opts.Pipeline.MaxConcurrentRuns, opts.Pipeline.MaxWaitTime),
		guard:    NewRunGuard(),
		timeout:  timeout,
		buffer:   opts.Pipeline.ProgressBuffer,
		now:      now,
		runs:     make(map[string]*activeRun),
	}
}

// StartExport begins an asynchronous export for the project and returns
// the run id immediately. Use SubscribeProgress to follow it.
func (s *Service) StartExport(ctx context.Context, projectID string, req ExportRequest) (string, error) {
	run, runCtx, err := s.admit(ctx, projectID, pipeline.KindExport)
	if err != nil {
		return "", err
	}

	inputs := make([]export.Input, 0, len(req.Documents))
	for _, d := range req.Documents {
		id, err := s.saveUpload(ctx, run, d)
		if err != nil {
			s.abort(run)
			return "", err
		}
		inputs = append(inputs, export.Input{ID: id, Type: d.Type, Data: d.Data})
	}

	go s.execute(runCtx, run, func(ctx context.Context, sink pipeline.ProgressSink) (*pipeline.Result, error) {
		eng := &export.Engine{
			Pool:     s.pool,
			PageSize: s.pageSize,
			Storage:  s.store,
			Sink:     sink,
			Now:      s.now,
		}
		res, _, err := eng.Run(ctx, export.Request{
			RunID:     run.ID,
			ProjectID: run.ProjectID,
			Documents: inputs,
			Catalog:   s.openCatalog(ctx, run.ProjectID),
			Selection: req.Selection,
		})
		return res, err
	})

	return run.ID, nil
}

// StartImport begins an asynchronous import for the project and returns
// the run id immediately.
func (s *Service) StartImport(ctx context.Context, projectID string, req ImportRequest) (string, error) {
	run, runCtx, err := s.admit(ctx, projectID, pipeline.KindImport)
	if err != nil {
		return "", err
	}

	ireq, err := s.importRequest(ctx, run, req)
	if err != nil {
		s.abort(run)
		return "", err
	}

	go s.execute(runCtx, run, func(ctx context.Context, sink pipeline.ProgressSink) (*pipeline.Result, error) {
		if req.Push {
			ireq.Catalog = s.openCatalog(ctx, run.ProjectID)
		}
		eng := &importer.Engine{
			Pool:    s.pool,
			Storage: s.store,
			Ledger:  s.store,
			Sink:    sink,
			Now:     s.now,
		}
		res, _, err := eng.Run(ctx, ireq)
		return res, err
	})

	return run.ID, nil
}

// importRequest resolves referenced artifacts and stores the uploads.
func (s *Service) importRequest(ctx context.Context, run *activeRun, req ImportRequest) (importer.Request, error) {
	ireq := importer.Request{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Workbook:  req.Workbook,
		Baseline:  req.Baseline,
		Push:      req.Push,
	}

	if len(req.Workbook) > 0 {
		if _, err := s.store.Put(ctx, storage.UploadKey(run.ProjectID, run.ID, "workbook.xlsx"), req.Workbook); err != nil {
			return ireq, fmt.Errorf("store workbook: %w", err)
		}
	}

	if ireq.Baseline == nil && req.BaselineKey != "" {
		data, err := s.readProjectArtifact(ctx, run.ProjectID, req.BaselineKey)
		if err != nil {
			return ireq, fmt.Errorf("read baseline: %w", err)
		}
		ireq.Baseline = data
	}

	for _, key := range req.DocumentKeys {
		data, err := s.readProjectArtifact(ctx, run.ProjectID, key)
		if err != nil {
			return ireq, fmt.Errorf("read document %s: %w", key, err)
		}
		ireq.Documents = append(ireq.Documents, importer.Document{ID: path.Base(key), Data: data})
	}

	for _, d := range req.Documents {
		id, err := s.saveUpload(ctx, run, d)
		if err != nil {
			return ireq, err
		}
		ireq.Documents = append(ireq.Documents, importer.Document{ID: id, Type: d.Type, Data: d.Data})
	}

	return ireq, nil
}

// readProjectArtifact reads key, which must live in one of the project's
// namespaces.
func (s *Service) readProjectArtifact(ctx context.Context, projectID, key string) ([]byte, error) {
	clean, err := storage.CleanKey(key)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(clean, "/", 3)
	if len(parts) < 3 || parts[1] != projectID {
		return nil, fmt.Errorf("%w: %s", ErrForeignArtifact, key)
	}
	return s.store.Get(ctx, clean)
}

func (s *Service) saveUpload(ctx context.Context, run *activeRun, u Upload) (string, error) {
	id := path.Base(u.Name)
	if u.Name == "" || id == "." || id == "/" {
		return "", errors.New("upload without a file name")
	}
	if _, err := s.store.Put(ctx, storage.UploadKey(run.ProjectID, run.ID, id), u.Data); err != nil {
		return "", fmt.Errorf("store upload %s: %w", id, err)
	}
	return id, nil
}

// admit checks the project, takes the project's run slot and a global slot,
// and registers the run.
func (s *Service) admit(ctx context.Context, projectID string, kind pipeline.Kind) (*activeRun, context.Context, error) {
	if !validProjectID(projectID) {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidProject, projectID)
	}

	runID := uuid.New().String()
	if err := s.guard.Acquire(projectID, runID); err != nil {
		return nil, nil, err
	}
	if err := s.limiter.Acquire(ctx); err != nil {
		s.guard.Release(projectID, runID)
		return nil, nil, err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	runCtx, log := logging.WithRun(runCtx, runID, string(kind), projectID)

	run := &activeRun{
		ID:        runID,
		ProjectID: projectID,
		Kind:      kind,
		Started:   s.now(),
		Requester: RequesterFrom(ctx),
		Cancel:    cancel,
		Progress: RunProgress{
			RunID:     runID,
			ProjectID: projectID,
			Kind:      kind,
			Status:    pipeline.StatusRunning,
			Time:      s.now(),
		},
		Done:      make(chan struct{}),
		Listeners: make([]chan RunProgress, 0),
	}

	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()

	log.Info("run started",
		"ip", run.Requester.IP,
		"user_agent", run.Requester.UserAgent,
	)
	return run, runCtx, nil
}

// abort undoes admit for a run that never started.
func (s *Service) abort(run *activeRun) {
	run.Cancel()
	s.mu.Lock()
	delete(s.runs, run.ID)
	s.mu.Unlock()
	s.guard.Release(run.ProjectID, run.ID)
	s.limiter.Release()
}

type work func(ctx context.Context, sink pipeline.ProgressSink) (*pipeline.Result, error)

// execute runs w and publishes its outcome. The run's slots are released
// after its history is saved and before waiters are woken, also when w
// panics.
func (s *Service) execute(ctx context.Context, run *activeRun, w work) {
	log := logging.FromContext(ctx)

	sink := pipeline.NewAsyncSink(pipeline.SinkFunc(func(e pipeline.ProgressEvent) {
		s.notifyProgress(run, e)
	}), s.buffer)

	res, err := s.safely(ctx, sink, w)
	sink.Close()

	if res == nil {
		res = &pipeline.Result{
			RunID:     run.ID,
			ProjectID: run.ProjectID,
			Kind:      run.Kind,
			Started:   run.Started,
			Finished:  s.now(),
		}
		var issues pipeline.Issues
		res.Fail(err, &issues)
		res.Issues = issues.List()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Warn("run timed out", "timeout", s.timeout)
	}

	// History must survive the run's own cancellation.
	if serr := s.store.SaveRun(context.WithoutCancel(ctx), recordFor(res, run.Requester)); serr != nil {
		log.Error("failed to save run history", "error", serr)
	}

	run.Cancel()
	s.guard.Release(run.ProjectID, run.ID)
	s.limiter.Release()

	s.publish(run, res)
	log.Info("run finished", "status", res.Status, "duration", res.Duration())
}

func (s *Service) safely(ctx context.Context, sink pipeline.ProgressSink, w work) (res *pipeline.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.FromContext(ctx).Error("run panicked", "panic", p, "stack", string(debug.Stack()))
			res, err = nil, fmt.Errorf("%w: %v", errRunPanicked, p)
		}
	}()
	return w(ctx, sink)
}

// publish stores the result, sends the final snapshot and wakes everyone
// waiting on the run.
func (s *Service) publish(run *activeRun, res *pipeline.Result) {
	run.ListenerMu.Lock()
	run.Result = res
	run.Progress.Status = res.Status
	run.Progress.Error = res.Error
	run.Progress.Time = res.Finished
	if res.Status == pipeline.StatusCompleted || res.Status == pipeline.StatusCompletedWithErrors {
		run.Progress.Percent = 100
	}
	final := run.Progress
	for _, ch := range run.Listeners {
		select {
		case ch <- final:
		default:
		}
	}
	run.ListenerMu.Unlock()

	s.closeListeners(run)
	close(run.Done)
	s.cleanup(run.ID, ResultRetention)
}

func recordFor(res *pipeline.Result, req Requester) storage.RunRecord {
	return storage.RunRecord{
		ID:          res.RunID,
		ProjectID:   res.ProjectID,
		Kind:        string(res.Kind),
		Status:      string(res.Status),
		Artifact:    res.Artifact,
		Issues:      len(res.Issues),
		Error:       res.Error,
		RequestedBy: req.IP,
		UserAgent:   req.UserAgent,
		Started:     res.Started,
		Finished:    res.Finished,
	}
}

// openCatalog connects the run's catalog. A failed connection degrades the
// run to documents only; the engines report it as CATALOG_UNAVAILABLE.
func (s *Service) openCatalog(ctx context.Context, projectID string) catalog.Option {
	if s.connect == nil {
		return catalog.None()
	}
	opt, err := s.connect(ctx, projectID)
	if err != nil {
		logging.FromContext(ctx).Warn("catalog not available for run", "error", err)
		return catalog.None()
	}
	return opt
}

// SubscribeProgress returns a channel that receives progress updates.
// The channel is closed when the run completes. The current snapshot is
// sent immediately.
func (s *Service) SubscribeProgress(runID string) (<-chan RunProgress, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	ch := make(chan RunProgress, 10)

	run.ListenerMu.Lock()
	defer run.ListenerMu.Unlock()

	ch <- run.Progress
	if run.Result != nil {
		close(ch)
		return ch, nil
	}
	run.Listeners = append(run.Listeners, ch)
	return ch, nil
}

// CancelRun cancels a running export or import. The run stops at its next
// step boundary.
func (s *Service) CancelRun(runID string) error {
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}
	run.Cancel()
	return nil
}

// CancelAll cancels every run still in progress.
func (s *Service) CancelAll() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, run := range s.runs {
		select {
		case <-run.Done:
		default:
			run.Cancel()
			n++
		}
	}
	return n
}

// RunResult blocks until the run completes or ctx is done.
func (s *Service) RunResult(ctx context.Context, runID string) (*pipeline.Result, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	select {
	case <-run.Done:
		run.ListenerMu.Lock()
		defer run.ListenerMu.Unlock()
		return run.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunProgress returns the latest progress snapshot.
func (s *Service) RunProgress(runID string) (RunProgress, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return RunProgress{}, err
	}
	run.ListenerMu.Lock()
	defer run.ListenerMu.Unlock()
	return run.Progress, nil
}

// ActiveRun returns the id of the project's run in progress.
func (s *Service) ActiveRun(projectID string) (string, bool) {
	return s.guard.Active(projectID)
}

// History returns the project's finished runs, newest first.
func (s *Service) History(ctx context.Context, projectID string, limit int) ([]storage.RunRecord, error) {
	if !validProjectID(projectID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProject, projectID)
	}
	return s.store.Runs(ctx, projectID, limit)
}

// ReadArtifact returns a stored artifact.
func (s *Service) ReadArtifact(ctx context.Context, key string) ([]byte, error) {
	clean, err := storage.CleanKey(key)
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, clean)
}

// LimiterStatus reports run slot usage.
func (s *Service) LimiterStatus() RunLimiterStatus {
	return s.limiter.Status()
}

// WaitForRuns blocks until every active run finished or ctx is done.
// Used during graceful shutdown.
func (s *Service) WaitForRuns(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

func (s *Service) lookup(runID string) (*activeRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// notifyProgress updates the snapshot and sends it to all listeners
// without blocking.
func (s *Service) notifyProgress(run *activeRun, e pipeline.ProgressEvent) {
	run.ListenerMu.Lock()
	defer run.ListenerMu.Unlock()

	if run.Result != nil {
		return
	}
	run.Progress.Step = e.Step
	run.Progress.Total = e.Total
	run.Progress.Label = e.Label
	run.Progress.Detail = e.Detail
	run.Progress.Percent = e.Percent()
	run.Progress.Time = e.Time

	for _, ch := range run.Listeners {
		select {
		case ch <- run.Progress:
		default:
			// Listener is slow, skip
		}
	}
}

// closeListeners closes all listener channels.
func (s *Service) closeListeners(run *activeRun) {
	run.ListenerMu.Lock()
	defer run.ListenerMu.Unlock()

	for _, ch := range run.Listeners {
		close(ch)
	}
	run.Listeners = nil
}

// cleanup removes the run from tracking after a delay.
func (s *Service) cleanup(runID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	})
}

func validProjectID(id string) bool {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return false
	}
	return strings.TrimSpace(id) == id
}
