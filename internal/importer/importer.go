// Package importer reads an edited translator workbook back, works out what
// the translators changed against the workbook as it was exported, and
// writes those changes into the XML documents and, on request, the remote
// catalog.
//
// An import runs these steps in order:
//
//	Init → LoadWorkbook → Validate → Categorize → ComputeChangeSet →
//	PatchDocuments → PushToCatalog → Finalize
//
// PushToCatalog is only part of the run when a push was requested.
// Validation failures abort before anything is written. Individual edits
// that cannot be applied are recorded in the changelog and do not stop the
// run; a run in which every attempted edit failed is reported as failed.
package importer

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
	StepInit             = "Init"
	StepLoadWorkbook     = "LoadWorkbook"
	StepValidate         = "Validate"
	StepCategorize       = "Categorize"
	StepComputeChangeSet = "ComputeChangeSet"
	StepPatchDocuments   = "PatchDocuments"
	StepPushToCatalog    = "PushToCatalog"
	StepFinalize         = "Finalize"
)

var (
	ErrNoWorkbook        = errors.New("no workbook uploaded")
	ErrNoBaseline        = errors.New("no baseline workbook")
	ErrDuplicateDocument = errors.New("duplicate document id")
	ErrNothingApplied    = errors.New("no change could be applied")
)

// ImportError is a fatal import failure.
type ImportError struct {
	Step string
	Err  error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("import %s: %v", e.Step, e.Err)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// Document is one XML document the edits may be written to. An empty Type
// is detected from the root element.
type Document struct {
	ID   string
	Type document.DocType
	Data []byte
}

// Request describes one import run.
type Request struct {
	RunID     string
	ProjectID string
	Workbook  []byte // edited workbook
	Baseline  []byte // workbook as exported
	Documents []Document
	Catalog   catalog.Option
	Push      bool
}

// Output is what an import produced.
type Output struct {
	ChangeSet *ChangeSet
	Documents map[string][]byte // patched documents by id, changed ones only
	Changelog []byte
}

// Engine runs imports. The zero value keeps outputs in memory and pushes
// without cross-run idempotence.
type Engine struct {
	Pool *catalog.Pool

	// Storage receives the changelog and patched documents. Nil skips
	// persistence.
	Storage storage.Storage
	Ledger  storage.PushLedger
	Sink    pipeline.ProgressSink
	Now     func() time.Time
}

type run struct {
	req    Request
	issues pipeline.Issues

	wb       *workbook.Workbook
	baseline *workbook.Workbook
	docs     map[string]*document.Document
	cats     Categories
	cs       *ChangeSet
	patched  map[string][]byte

	changelog []byte
	artifacts map[string]string
}

// Run executes the import. The result is returned in every case. Output is
// nil when validation or loading failed; when the run failed because no
// change could be applied, Output still carries the changelog. The error
// is an *ImportError, a *ValidationError (matching ErrInvalidWorkbook), or
// wraps pipeline.ErrCancelled.
func (e *Engine) Run(ctx context.Context, req Request) (*pipeline.Result, *Output, error) {
	ctx, log := logging.WithRun(ctx, req.RunID, string(pipeline.KindImport), req.ProjectID)

	r := &run{req: req, artifacts: make(map[string]string)}
	res := &pipeline.Result{
		RunID:     req.RunID,
		ProjectID: req.ProjectID,
		Kind:      pipeline.KindImport,
		Status:    pipeline.StatusRunning,
		Started:   e.now(),
	}

	runner := &pipeline.Runner{RunID: req.RunID, Sink: e.Sink, Now: e.Now}
	_, err := runner.Run(ctx, e.steps(r))

	res.Finished = e.now()
	res.Counts = r.counts()
	if len(r.artifacts) > 0 {
		res.Artifacts = r.artifacts
		res.Artifact = r.artifacts["changelog"]
	}

	if err != nil {
		var se *pipeline.StepError
		if errors.As(err, &se) {
			err = se.Err
		}
		res.Fail(err, &r.issues)
		res.Issues = r.issues.List()
		log.Error("import failed", "error", err, "status", res.Status)
		return res, nil, err
	}

	out := &Output{ChangeSet: r.cs, Documents: r.patched, Changelog: r.changelog}
	res.Issues = r.issues.List()

	if attempted, succeeded := r.tally(); attempted > 0 && succeeded == 0 {
		err := &ImportError{Step: StepFinalize, Err: fmt.Errorf("%w: %d attempted", ErrNothingApplied, attempted)}
		res.Fail(err, &r.issues)
		res.Issues = r.issues.List()
		log.Error("import failed", "error", err, "attempted", attempted)
		return res, out, err
	}

	res.Status = pipeline.StatusFor(res.Issues)
	log.Info("import finished",
		"status", res.Status,
		"changes", r.cs.Len(),
		"documents_patched", len(r.patched),
		"issues", len(res.Issues),
		"duration", res.Duration(),
	)
	return res, out, nil
}

func (e *Engine) steps(r *run) []pipeline.Step {
	steps := []pipeline.Step{
		{Label: StepInit, Run: func(ctx context.Context, _ pipeline.Report) error { return e.init(r) }},
		{Label: StepLoadWorkbook, Run: func(ctx context.Context, report pipeline.Report) error { return e.load(ctx, r, report) }},
		{Label: StepValidate, Run: func(ctx context.Context, _ pipeline.Report) error { return e.validate(ctx, r) }},
		{Label: StepCategorize, Run: func(ctx context.Context, _ pipeline.Report) error { r.cats = Categorize(r.wb); return nil }},
		{Label: StepComputeChangeSet, Run: func(ctx context.Context, _ pipeline.Report) error { return e.computeChangeSet(ctx, r) }},
		{Label: StepPatchDocuments, Run: func(ctx context.Context, _ pipeline.Report) error {
			r.patched = PatchDocuments(ctx, r.cs, r.docs, &r.issues)
			return nil
		}},
	}
	if r.req.Push {
		steps = append(steps, pipeline.Step{Label: StepPushToCatalog, Run: func(ctx context.Context, report pipeline.Report) error {
			return e.push(ctx, r, report)
		}})
	}
	return append(steps, pipeline.Step{Label: StepFinalize, Run: func(ctx context.Context, _ pipeline.Report) error { return e.finalize(ctx, r) }})
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) init(r *run) error {
	if len(r.req.Workbook) == 0 {
		return &ImportError{Step: StepInit, Err: ErrNoWorkbook}
	}
	if len(r.req.Baseline) == 0 {
		return &ImportError{Step: StepInit, Err: ErrNoBaseline}
	}
	seen := make(map[string]bool, len(r.req.Documents))
	for _, d := range r.req.Documents {
		if d.ID == "" {
			return &ImportError{Step: StepInit, Err: errors.New("document without id")}
		}
		if seen[d.ID] {
			return &ImportError{Step: StepInit, Err: fmt.Errorf("%w: %s", ErrDuplicateDocument, d.ID)}
		}
		seen[d.ID] = true
	}
	return nil
}

// load decodes both workbooks and parses the target documents. A document
// that does not parse ends the run before anything is written.
func (e *Engine) load(ctx context.Context, r *run, report pipeline.Report) error {
	wb, err := workbook.Decode(r.req.Workbook)
	if err != nil {
		r.issues.Error(pipeline.CodeWorkbookInvalid, err.Error(), "workbook", "edited")
		return &ImportError{Step: StepLoadWorkbook, Err: fmt.Errorf("edited workbook: %w", err)}
	}
	base, err := workbook.Decode(r.req.Baseline)
	if err != nil {
		r.issues.Error(pipeline.CodeWorkbookInvalid, err.Error(), "workbook", "baseline")
		return &ImportError{Step: StepLoadWorkbook, Err: fmt.Errorf("baseline workbook: %w", err)}
	}
	r.wb, r.baseline = wb, base

	total := len(r.req.Documents) + 1
	report(1/float64(total), "workbooks decoded")

	r.docs = make(map[string]*document.Document, len(r.req.Documents))
	for i, in := range r.req.Documents {
		t := in.Type
		if t == "" {
			if t, err = document.Detect(in.Data); err != nil {
				r.issues.Error(pipeline.CodeParseFailed, err.Error(), "document", in.ID)
				return &ImportError{Step: StepLoadWorkbook, Err: err}
			}
		}
		doc, err := document.Parse(in.ID, in.Data, t)
		if err != nil {
			r.issues.Error(pipeline.CodeParseFailed, err.Error(), "document", in.ID, "doc_type", string(t))
			return &ImportError{Step: StepLoadWorkbook, Err: err}
		}
		r.docs[in.ID] = doc
		report(float64(i+2)/float64(total), in.ID)
	}
	return nil
}

func (e *Engine) validate(ctx context.Context, r *run) error {
	err := Validate(r.wb)
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		for _, p := range ve.Problems {
			r.issues.Error(pipeline.CodeWorkbookInvalid, p.String(), "sheet", p.Sheet)
		}
	}
	logging.FromContext(ctx).Warn("workbook rejected", "error", err)
	return err
}

// computeChangeSet diffs against the baseline. Records decided during the
// diff are listed as warnings so the result names every edit that will not
// be written.
func (e *Engine) computeChangeSet(ctx context.Context, r *run) error {
	r.cs = ComputeChangeSet(r.cats, r.baseline)
	for _, rec := range r.cs.ByOutcome(OutcomeSkipped) {
		r.issues.Warn(rec.Code,
			fmt.Sprintf("%s %s [%s]: %s", rec.Sheet, rec.RowKey, rec.Locale, rec.Reason),
			"sheet", rec.Sheet, "row", rec.RowKey, "locale", rec.Locale)
	}
	logging.FromContext(ctx).Debug("change set computed",
		"records", r.cs.Len(),
		"document", len(r.cs.ByTarget(TargetDocument)),
		"catalog", len(r.cs.ByTarget(TargetCatalog)),
	)
	return nil
}

func (e *Engine) push(ctx context.Context, r *run, report pipeline.Report) error {
	t := Targets{
		ProjectID: r.req.ProjectID,
		Catalog:   r.req.Catalog,
		Push:      true,
		Ledger:    e.Ledger,
		Pool:      e.Pool,
	}
	PushToCatalog(ctx, r.cs, t, &r.issues, func(done, total int) {
		report(float64(done)/float64(total), fmt.Sprintf("%d/%d pushed", done, total))
	})
	return nil
}

// finalize marks catalog records that were never offered to the catalog,
// renders the changelog and stores it with every patched document.
func (e *Engine) finalize(ctx context.Context, r *run) error {
	if !r.req.Push {
		PushToCatalog(ctx, r.cs, Targets{}, &r.issues, nil)
	}

	data, err := Changelog(r.cs)
	if err != nil {
		return &ImportError{Step: StepFinalize, Err: err}
	}
	r.changelog = data

	if e.Storage == nil {
		return nil
	}
	key, err := e.Storage.Put(ctx, storage.ImportKey(r.req.ProjectID, r.req.RunID, "changelog.csv"), data)
	if err != nil {
		r.issues.Error(pipeline.CodeStorageFailed, err.Error(), "artifact", "changelog")
		return &ImportError{Step: StepFinalize, Err: fmt.Errorf("store changelog: %w", err)}
	}
	r.artifacts["changelog"] = key

	for _, d := range r.req.Documents {
		body, ok := r.patched[d.ID]
		if !ok {
			continue
		}
		key, err := e.Storage.Put(ctx, storage.ImportDocumentKey(r.req.ProjectID, r.req.RunID, d.ID), body)
		if err != nil {
			r.issues.Error(pipeline.CodeStorageFailed, err.Error(), "document", d.ID)
			return &ImportError{Step: StepFinalize, Err: fmt.Errorf("store document %s: %w", d.ID, err)}
		}
		r.artifacts["document:"+d.ID] = key
	}
	return nil
}

// tally counts records that reached a target. Records skipped before a
// write was tried are not attempts; values already pushed by an earlier
// run count as successes.
func (r *run) tally() (attempted, succeeded int) {
	if r.cs == nil {
		return 0, 0
	}
	for i := range r.cs.Records {
		rec := &r.cs.Records[i]
		switch {
		case rec.Satisfied():
			attempted++
			succeeded++
		case rec.Outcome == OutcomeFailed:
			attempted++
		}
	}
	return attempted, succeeded
}

func (r *run) counts() map[string]int {
	c := map[string]int{"documents": len(r.docs)}
	if r.wb != nil {
		c["sheets"] = len(r.wb.Sheets)
	}
	if r.cs != nil {
		c["changes"] = r.cs.Len()
		for o, n := range r.cs.Counts() {
			if o != OutcomePending {
				c[string(o)] = n
			}
		}
	}
	c["documents_patched"] = len(r.patched)
	return c
}
