// Package export builds the translator workbook from a set of XML
// configuration documents and, optionally, the remote catalog.
//
// An export runs seven steps in order:
//
//	Init → LoadDocuments → ConnectCatalog → FetchLocales →
//	FetchSelectedEntities → BuildWorkbook → Finalize
//
// A document that fails to parse aborts the run: the workbook describes
// exactly the uploaded file set. Catalog problems only degrade the affected
// sheets and are listed as warnings in the workbook's Metadata sheet.
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/trexsync/internal/catalog"
	"github.com/JonMunkholm/trexsync/internal/document"
	"github.com/JonMunkholm/trexsync/internal/logging"
	"github.com/JonMunkholm/trexsync/internal/pipeline"
	"github.com/JonMunkholm/trexsync/internal/storage"
	"github.com/JonMunkholm/trexsync/internal/workbook"
)

// Step labels.
const (
	StepInit           = "Init"
	StepLoadDocuments  = "LoadDocuments"
	StepConnectCatalog = "ConnectCatalog"
	StepFetchLocales   = "FetchLocales"
	StepFetchEntities  = "FetchSelectedEntities"
	StepBuildWorkbook  = "BuildWorkbook"
	StepFinalize       = "Finalize"
)

// Input is one uploaded document. An empty Type is detected from the root
// element.
type Input struct {
	ID   string
	Type document.DocType
	Data []byte
}

// Request describes one export run.
type Request struct {
	RunID     string
	ProjectID string
	Documents []Input
	Catalog   catalog.Option
	Selection pipeline.Selection
}

// Engine runs exports. The zero value is usable: it keeps the workbook in
// memory only and reports progress nowhere.
type Engine struct {
	Pool     *catalog.Pool
	PageSize int // 0 uses the catalog client's configured page size

	// Storage receives the encoded workbook. Nil skips persistence.
	Storage storage.Storage
	Sink    pipeline.ProgressSink
	Now     func() time.Time
}

// run is the state of one export. Each step reads what earlier steps left.
type run struct {
	req    Request
	sel    pipeline.Selection
	issues pipeline.Issues

	docs      []*document.Document
	cat       catalog.Catalog
	connected bool
	fetched   map[string][]catalog.Entity // category -> entities

	wb       *workbook.Workbook
	artifact string
}

// Run executes the export. It returns the result in every case; the
// workbook is nil when the run did not complete. The error is an
// *ExtractionError for fatal input and storage problems, or wraps
// pipeline.ErrCancelled.
func (e *Engine) Run(ctx context.Context, req Request) (*pipeline.Result, *workbook.Workbook, error) {
	now := e.now()
	ctx, log := logging.WithRun(ctx, req.RunID, string(pipeline.KindExport), req.ProjectID)

	r := &run{req: req, fetched: make(map[string][]catalog.Entity)}
	res := &pipeline.Result{
		RunID:     req.RunID,
		ProjectID: req.ProjectID,
		Kind:      pipeline.KindExport,
		Status:    pipeline.StatusRunning,
		Started:   now,
	}

	runner := &pipeline.Runner{RunID: req.RunID, Sink: e.Sink, Now: e.Now}
	_, err := runner.Run(ctx, e.steps(r))

	res.Finished = e.now()
	res.Counts = r.counts()
	if err != nil {
		var se *pipeline.StepError
		if errors.As(err, &se) {
			err = se.Err
		}
		res.Fail(err, &r.issues)
		res.Issues = r.issues.List()
		log.Error("export failed", "error", err, "status", res.Status)
		return res, nil, err
	}

	res.Issues = r.issues.List()
	res.Status = pipeline.StatusFor(res.Issues)
	if r.artifact != "" {
		res.Artifact = r.artifact
		res.Artifacts = map[string]string{"workbook": r.artifact}
	}
	log.Info("export finished",
		"status", res.Status,
		"sheets", len(r.wb.Sheets),
		"warnings", len(res.Issues),
		"duration", res.Duration(),
	)
	return res, r.wb, nil
}

func (e *Engine) steps(r *run) []pipeline.Step {
	return []pipeline.Step{
		{Label: StepInit, Run: func(ctx context.Context, _ pipeline.Report) error { return e.init(r) }},
		{Label: StepLoadDocuments, Run: func(ctx context.Context, report pipeline.Report) error { return e.loadDocuments(ctx, r, report) }},
		{Label: StepConnectCatalog, Run: func(ctx context.Context, _ pipeline.Report) error { return e.connectCatalog(ctx, r) }},
		{Label: StepFetchLocales, Run: func(ctx context.Context, _ pipeline.Report) error { return e.fetchLocales(ctx, r) }},
		{Label: StepFetchEntities, Run: func(ctx context.Context, report pipeline.Report) error { return e.fetchEntities(ctx, r, report) }},
		{Label: StepBuildWorkbook, Run: func(ctx context.Context, _ pipeline.Report) error { return e.buildWorkbook(ctx, r) }},
		{Label: StepFinalize, Run: func(ctx context.Context, _ pipeline.Report) error { return e.finalize(ctx, r) }},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) pool() *catalog.Pool {
	if e.Pool != nil {
		return e.Pool
	}
	return catalog.NewPool(catalog.DefaultPoolWidth)
}

func (e *Engine) init(r *run) error {
	r.sel = r.req.Selection.Normalized()
	if len(r.req.Documents) == 0 && !r.sel.WantsCatalog() {
		return &ExtractionError{Step: StepInit, Err: ErrNothingSelected}
	}
	seen := make(map[string]bool, len(r.req.Documents))
	for _, in := range r.req.Documents {
		if in.ID == "" {
			return &ExtractionError{Step: StepInit, Err: errors.New("document without id")}
		}
		if seen[in.ID] {
			return &ExtractionError{Step: StepInit, DocumentID: in.ID, Err: ErrDuplicateDocument}
		}
		seen[in.ID] = true
	}
	return nil
}

// loadDocuments parses inputs one after another. The first failure ends
// the run.
func (e *Engine) loadDocuments(ctx context.Context, r *run, report pipeline.Report) error {
	log := logging.FromContext(ctx)
	total := len(r.req.Documents)
	for i, in := range r.req.Documents {
		t := in.Type
		if t == "" {
			detected, err := document.Detect(in.Data)
			if err != nil {
				r.issues.Error(pipeline.CodeParseFailed, err.Error(), "document", in.ID)
				return &ExtractionError{Step: StepLoadDocuments, DocumentID: in.ID, Err: err}
			}
			t = detected
		}
		doc, err := document.Parse(in.ID, in.Data, t)
		if err != nil {
			r.issues.Error(pipeline.CodeParseFailed, err.Error(), "document", in.ID, "doc_type", string(t))
			return &ExtractionError{Step: StepLoadDocuments, DocumentID: in.ID, Err: err}
		}
		log.Debug("document loaded", "document", in.ID, "doc_type", t, "elements", doc.Len())
		r.docs = append(r.docs, doc)
		report(float64(i+1)/float64(total), in.ID)
	}
	return nil
}

func (e *Engine) connectCatalog(ctx context.Context, r *run) error {
	cat, ok := r.req.Catalog.Get()
	if !ok {
		r.issues.Warn(pipeline.CodeCatalogUnavailable, "no catalog connection; catalog sheets omitted")
		return nil
	}
	if err := cat.Ping(context.WithoutCancel(ctx)); err != nil {
		r.issues.Warn(pipeline.CodeCatalogUnavailable,
			fmt.Sprintf("catalog unreachable; catalog sheets omitted: %v", err),
			"error_kind", catalog.KindOf(err).String())
		logging.FromContext(ctx).Warn("catalog unavailable", "error", err)
		return nil
	}
	r.cat = cat
	r.connected = true
	return nil
}

// fetchLocales flags selected locales the tenant does not have active.
// Inactive locales are still exported.
func (e *Engine) fetchLocales(ctx context.Context, r *run) error {
	if !r.connected {
		return nil
	}
	remote, err := r.cat.FetchLocales(context.WithoutCancel(ctx))
	if err != nil {
		r.issues.Warn(pipeline.CodeCatalogFetchFailed,
			fmt.Sprintf("could not list tenant locales: %v", err),
			"entity_type", "locales", "error_kind", catalog.KindOf(err).String())
		return nil
	}
	active := make(map[string]bool, len(remote))
	for _, l := range remote {
		if l.Active {
			active[l.Code] = true
		}
	}
	for _, code := range r.sel.Locales {
		if !active[code] {
			r.issues.Warn(pipeline.CodeLocaleInactive,
				fmt.Sprintf("locale %s is not active in the tenant", code), "locale", code)
		}
	}
	return nil
}

type fetchTask struct {
	entityType string
	category   string
	objects    bool // ObjectDefinitions metadata rather than entity paging
}

func (r *run) fetchTasks() []fetchTask {
	var tasks []fetchTask
	if r.sel.LegacyPicklists {
		tasks = append(tasks, fetchTask{entityType: catalog.TypePicklist, category: catalog.CategoryPicklists})
	}
	if r.sel.MDFPicklists {
		tasks = append(tasks, fetchTask{entityType: catalog.TypePickListV2, category: catalog.CategoryMDFPicklists})
	}
	if r.sel.FOTranslations {
		for _, t := range r.sel.EntityTypes {
			tasks = append(tasks, fetchTask{entityType: t, category: catalog.Lookup(t).Category})
		}
	}
	if len(r.sel.ObjectIDs) > 0 {
		tasks = append(tasks, fetchTask{entityType: catalog.TypeObjectDefinition, category: catalog.CategoryObjectDefinitions, objects: true})
	}
	return tasks
}

// fetchEntities pulls every selected entity type through the bounded pool.
// A failing type only loses its own sheet. In-flight fetches are not
// interrupted by cancellation.
func (e *Engine) fetchEntities(ctx context.Context, r *run, report pipeline.Report) error {
	if !r.connected {
		return nil
	}
	tasks := r.fetchTasks()
	if len(tasks) == 0 {
		return nil
	}
	log := logging.FromContext(ctx)

	results := make([][]catalog.Entity, len(tasks))
	progress := &progressCounter{report: report, total: len(tasks)}
	errs := e.pool().Run(context.WithoutCancel(ctx), len(tasks), func(ctx context.Context, i int) error {
		t := tasks[i]
		var (
			entities []catalog.Entity
			err      error
		)
		if t.objects {
			entities, err = r.cat.FetchObjectDefinitions(ctx, r.sel.ObjectIDs, r.sel.Locales)
		} else {
			entities, err = r.cat.FetchEntities(ctx, t.entityType, e.PageSize).Collect()
		}
		results[i] = entities
		progress.done(fmt.Sprintf("%s: %d records", t.entityType, len(entities)))
		return err
	})

	for i, t := range tasks {
		if err := errs[i]; err != nil {
			r.issues.Warn(pipeline.CodeCatalogFetchFailed,
				fmt.Sprintf("%s: %v; sheet %s omitted", t.entityType, err, t.category),
				"entity_type", t.entityType, "category", t.category, "error_kind", catalog.KindOf(err).String())
			log.Warn("entity fetch failed", "entity_type", t.entityType, "error", err)
			continue
		}
		r.fetched[t.category] = append(r.fetched[t.category], results[i]...)
	}
	return nil
}

func (e *Engine) buildWorkbook(ctx context.Context, r *run) error {
	b := &builder{
		sel:       r.sel,
		issues:    &r.issues,
		runID:     r.req.RunID,
		projectID: r.req.ProjectID,
		generated: e.now(),
		connected: r.connected,
	}
	r.wb = b.build(r.docs, r.fetched)
	return nil
}

func (e *Engine) finalize(ctx context.Context, r *run) error {
	data, err := workbook.Encode(r.wb)
	if err != nil {
		return &ExtractionError{Step: StepFinalize, Err: fmt.Errorf("encode workbook: %w", err)}
	}
	if e.Storage == nil {
		return nil
	}
	key, err := e.Storage.Put(ctx, storage.ExportKey(r.req.ProjectID, r.req.RunID), data)
	if err != nil {
		r.issues.Error(pipeline.CodeStorageFailed, err.Error())
		return &ExtractionError{Step: StepFinalize, Err: fmt.Errorf("store workbook: %w", err)}
	}
	r.artifact = key
	return nil
}

func (r *run) counts() map[string]int {
	c := map[string]int{"documents": len(r.docs)}
	elements := 0
	for _, d := range r.docs {
		elements += d.Len()
	}
	c["elements"] = elements
	entities := 0
	for _, list := range r.fetched {
		entities += len(list)
	}
	c["entities"] = entities
	if r.wb != nil {
		c["sheets"] = len(r.wb.Sheets)
	}
	return c
}
