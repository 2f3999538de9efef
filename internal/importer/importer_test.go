package importer

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/JonMunkholm/trexsync/internal/catalog"
	"github.com/JonMunkholm/trexsync/internal/catalog/catalogtest"
	"github.com/JonMunkholm/trexsync/internal/document"
	"github.com/JonMunkholm/trexsync/internal/export"
	"github.com/JonMunkholm/trexsync/internal/pipeline"
	"github.com/JonMunkholm/trexsync/internal/storage"
	"github.com/JonMunkholm/trexsync/internal/workbook"
)

var fixedNow = func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }

func readDoc(t *testing.T, name string, typ document.DocType) Document {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return Document{ID: name, Type: typ, Data: data}
}

// exported runs a real export of docs and returns the decoded workbook.
func exported(t *testing.T, docs ...Document) *workbook.Workbook {
	t.Helper()
	in := make([]export.Input, len(docs))
	for i, d := range docs {
		in[i] = export.Input{ID: d.ID, Type: d.Type, Data: d.Data}
	}
	e := &export.Engine{Now: fixedNow}
	_, wb, err := e.Run(context.Background(), export.Request{
		RunID:     "export-1",
		ProjectID: "acme",
		Documents: in,
		Catalog:   catalog.None(),
		Selection: pipeline.Selection{Locales: []string{"de_DE"}},
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	return wb
}

func encode(t *testing.T, wb *workbook.Workbook) []byte {
	t.Helper()
	data, err := workbook.Encode(wb)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func decode(t *testing.T, data []byte) *workbook.Workbook {
	t.Helper()
	wb, err := workbook.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return wb
}

// setCell edits the locale cell of the row whose Element ID is elementID.
func setCell(t *testing.T, wb *workbook.Workbook, sheet, elementID, text string) {
	t.Helper()
	s, ok := wb.Sheet(sheet)
	if !ok {
		t.Fatalf("no sheet %s", sheet)
	}
	idCol := s.Column(workbook.ColElementID)
	locCol := len(s.Header) - 1
	for i := range s.Rows {
		if s.Rows[i].Cell(idCol) == elementID {
			s.Rows[i].Cells[locCol] = text
			return
		}
	}
	t.Fatalf("sheet %s has no element %s", sheet, elementID)
}

func outcomes(cs *ChangeSet) []string {
	out := make([]string, len(cs.Records))
	for i, r := range cs.Records {
		out[i] = fmt.Sprintf("%s %s %s", r.ExternalID+r.ElementKey, r.Outcome, r.Code)
	}
	return out
}

func TestImportPatchesOnlyTheEditedNode(t *testing.T) {
	doc := readDoc(t, "sdm.xml", document.SDM)
	baseline := exported(t, doc)
	baseBytes := encode(t, baseline)

	edited := decode(t, baseBytes)
	setCell(t, edited, "SDM_de_DE", "jobInfo.title", "Berufsbezeichnung")

	store := storage.NewMemory()
	e := &Engine{Storage: store, Now: fixedNow}
	res, out, err := e.Run(context.Background(), Request{
		RunID:     "import-1",
		ProjectID: "acme",
		Workbook:  encode(t, edited),
		Baseline:  baseBytes,
		Documents: []Document{doc},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != pipeline.StatusCompleted {
		t.Errorf("status = %s, want %s (issues %v)", res.Status, pipeline.StatusCompleted, res.Issues)
	}

	if out.ChangeSet.Len() != 1 {
		t.Fatalf("change set has %d records, want 1: %+v", out.ChangeSet.Len(), out.ChangeSet.Records)
	}
	rec := out.ChangeSet.Records[0]
	want := ChangeRecord{
		Sheet:      "SDM_de_DE",
		RowKey:     "sdm.xml#/succession-data-model[1]/hris-element[1]/hris-field[1]/label",
		Locale:     "de_DE",
		Old:        "Titel",
		New:        "Berufsbezeichnung",
		Target:     TargetDocument,
		DocumentID: "sdm.xml",
		ElementKey: "/succession-data-model[1]/hris-element[1]/hris-field[1]/label",
		Outcome:    OutcomeApplied,
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	wantDoc := bytes.Replace(doc.Data,
		[]byte(`<label xml:lang="de-DE">Titel</label>`),
		[]byte(`<label xml:lang="de-DE">Berufsbezeichnung</label>`), 1)
	if diff := cmp.Diff(string(wantDoc), string(out.Documents["sdm.xml"])); diff != "" {
		t.Errorf("patched document mismatch (-want +got):\n%s", diff)
	}

	stored, err := store.Get(context.Background(), storage.ImportDocumentKey("acme", "import-1", "sdm.xml"))
	if err != nil {
		t.Fatalf("stored document: %v", err)
	}
	if !bytes.Equal(stored, out.Documents["sdm.xml"]) {
		t.Error("stored document differs from output")
	}
	if res.Artifact != storage.ImportKey("acme", "import-1", "changelog.csv") {
		t.Errorf("artifact = %q", res.Artifact)
	}
}

func TestImportUntouchedWorkbookIsNoOp(t *testing.T) {
	sdm := readDoc(t, "sdm.xml", document.SDM)
	cdm := readDoc(t, "cdm.xml", document.CDM)
	baseBytes := encode(t, exported(t, sdm, cdm))

	e := &Engine{Now: fixedNow}
	res, out, err := e.Run(context.Background(), Request{
		RunID:     "import-1",
		ProjectID: "acme",
		Workbook:  baseBytes,
		Baseline:  baseBytes,
		Documents: []Document{sdm, cdm},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.ChangeSet.Empty() {
		t.Errorf("change set = %+v, want empty", out.ChangeSet.Records)
	}
	if len(out.Documents) != 0 {
		t.Errorf("%d documents patched, want none", len(out.Documents))
	}
	if res.Status != pipeline.StatusCompleted {
		t.Errorf("status = %s, want %s", res.Status, pipeline.StatusCompleted)
	}
}

func TestImportRoundTripKeepsDocumentsIdentical(t *testing.T) {
	doc := readDoc(t, "sdm.xml", document.SDM)
	baseline := exported(t, doc)

	parsed, err := document.Parse(doc.ID, doc.Data, doc.Type)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Every exported text written back unchanged.
	cs := &ChangeSet{}
	s, _ := baseline.Sheet("SDM_de_DE")
	for _, row := range s.Rows {
		if text := row.Cell(5); text != "" {
			cs.Records = append(cs.Records, newRecord(s, row, "de_DE", "", text))
		}
	}

	var issues pipeline.Issues
	patched := PatchDocuments(context.Background(), cs, map[string]*document.Document{doc.ID: parsed}, &issues)
	if len(patched) != 0 {
		t.Errorf("document rewritten with its own texts: %s", patched[doc.ID])
	}
	for _, r := range cs.Records {
		if r.Outcome != OutcomeApplied || r.Code != CodeAlreadyCurrent {
			t.Errorf("record %s: outcome %s code %s, want applied %s", r.RowKey, r.Outcome, r.Code, CodeAlreadyCurrent)
		}
	}
	if issues.Len() != 0 {
		t.Errorf("issues = %v", issues.List())
	}
}

func TestPatchDocumentsSkipsIllegalText(t *testing.T) {
	doc := readDoc(t, "sdm.xml", document.SDM)
	baseline := exported(t, doc)

	parsed, err := document.Parse(doc.ID, doc.Data, doc.Type)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	edits := map[string]string{
		"jobInfo.title": "Berufsbezeichnung",
		"jobCode":       "Stellen\x0bcode",
	}
	cs := &ChangeSet{}
	s, _ := baseline.Sheet("SDM_de_DE")
	idCol := s.Column(workbook.ColElementID)
	for _, row := range s.Rows {
		if text, ok := edits[row.Cell(idCol)]; ok {
			cs.Records = append(cs.Records, newRecord(s, row, "de_DE", row.Cell(5), text))
		}
	}
	if len(cs.Records) != 2 {
		t.Fatalf("built %d records, want 2", len(cs.Records))
	}

	var issues pipeline.Issues
	patched := PatchDocuments(context.Background(), cs, map[string]*document.Document{doc.ID: parsed}, &issues)

	wantDoc := bytes.Replace(doc.Data,
		[]byte(`<label xml:lang="de-DE">Titel</label>`),
		[]byte(`<label xml:lang="de-DE">Berufsbezeichnung</label>`), 1)
	if diff := cmp.Diff(string(wantDoc), string(patched[doc.ID])); diff != "" {
		t.Errorf("patched document mismatch (-want +got):\n%s", diff)
	}

	got := make(map[string]string)
	for _, r := range cs.Records {
		got[r.New] = string(r.Outcome) + " " + r.Code
	}
	want := map[string]string{
		"Berufsbezeichnung": string(OutcomeApplied) + " ",
		"Stellen\x0bcode":   string(OutcomeSkipped) + " " + pipeline.CodePatchSkipped,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if issues.HasErrors() {
		t.Errorf("issues = %v, want warnings only", issues.List())
	}
}

// pushWorkbooks returns a baseline and an edited category sheet with ten
// rows whose de_DE cell was filled in.
func pushWorkbooks(t *testing.T) (baseline, edited []byte) {
	t.Helper()
	build := func(fill bool) []byte {
		s := workbook.NewSheet(catalog.CategoryMDFPicklists, workbook.CategoryHeader([]string{"de_DE"}))
		for i := 0; i < 10; i++ {
			de := ""
			if fill {
				de = fmt.Sprintf("Wert %d", i)
			}
			s.Append(catalog.TypePickListV2, fmt.Sprintf("v%d", i), "", fmt.Sprintf("Value %d", i), de)
		}
		wb := &workbook.Workbook{}
		wb.Add(s)
		return encode(t, wb)
	}
	return build(false), build(true)
}

func TestImportPartialPushFailure(t *testing.T) {
	baseline, edited := pushWorkbooks(t)
	fake := &catalogtest.Fake{
		PushErr: func(p catalogtest.Push) error {
			if p.ExternalID == "v3" || p.ExternalID == "v7" {
				return &catalog.Error{Kind: catalog.KindWrite, Op: "push translation", EntityType: p.EntityType, Err: errors.New("rejected")}
			}
			return nil
		},
	}
	ledger := storage.NewMemory()
	e := &Engine{Ledger: ledger, Pool: catalog.NewPool(3), Now: fixedNow}
	req := Request{
		RunID:     "import-1",
		ProjectID: "acme",
		Workbook:  edited,
		Baseline:  baseline,
		Catalog:   catalog.Some(fake),
		Push:      true,
	}

	res, out, err := e.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != pipeline.StatusCompletedWithErrors {
		t.Errorf("status = %s, want %s", res.Status, pipeline.StatusCompletedWithErrors)
	}
	counts := out.ChangeSet.Counts()
	if counts[OutcomeApplied] != 8 || counts[OutcomeFailed] != 2 {
		t.Errorf("counts = %v, want 8 applied and 2 failed", counts)
	}
	for _, r := range out.ChangeSet.ByOutcome(OutcomeFailed) {
		if r.Code != pipeline.CodePushFailed || !strings.Contains(r.Reason, "rejected") {
			t.Errorf("failed record %s: code %s reason %q", r.ExternalID, r.Code, r.Reason)
		}
	}

	lines, err := csv.NewReader(bytes.NewReader(out.Changelog)).ReadAll()
	if err != nil {
		t.Fatalf("read changelog: %v", err)
	}
	if len(lines) != 11 {
		t.Fatalf("changelog has %d lines, want header + 10", len(lines))
	}
	tally := map[string]int{}
	for _, l := range lines[1:] {
		tally[l[10]]++
	}
	if diff := cmp.Diff(map[string]int{"applied": 8, "failed": 2}, tally); diff != "" {
		t.Errorf("changelog outcomes mismatch (-want +got):\n%s", diff)
	}

	// The same import again only retries the two failures.
	req.RunID = "import-2"
	res, out, err = e.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := len(fake.Attempts()); got != 12 {
		t.Errorf("push attempts after second run = %d, want 12", got)
	}
	if got := len(fake.Pushed()); got != 8 {
		t.Errorf("accepted pushes = %d, want 8", got)
	}
	if n := len(out.ChangeSet.ByOutcome(OutcomeSkipped)); n != 8 {
		t.Errorf("second run skipped %d records, want 8", n)
	}
	if res.Status != pipeline.StatusCompletedWithErrors {
		t.Errorf("second status = %s, want %s", res.Status, pipeline.StatusCompletedWithErrors)
	}
}

func TestImportFailsWhenNothingApplies(t *testing.T) {
	baseline, edited := pushWorkbooks(t)
	fake := &catalogtest.Fake{
		PushErr: func(p catalogtest.Push) error {
			return &catalog.Error{Kind: catalog.KindWrite, Op: "push translation", Err: errors.New("read-only tenant")}
		},
	}
	store := storage.NewMemory()
	e := &Engine{Storage: store, Now: fixedNow}
	res, out, err := e.Run(context.Background(), Request{
		RunID:     "import-1",
		ProjectID: "acme",
		Workbook:  edited,
		Baseline:  baseline,
		Catalog:   catalog.Some(fake),
		Push:      true,
	})
	if !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("err = %v, want ErrNothingApplied", err)
	}
	if res.Status != pipeline.StatusFailed {
		t.Errorf("status = %s, want %s", res.Status, pipeline.StatusFailed)
	}
	if out == nil || len(out.Changelog) == 0 {
		t.Fatal("changelog missing from failed run")
	}
	if _, err := store.Get(context.Background(), storage.ImportKey("acme", "import-1", "changelog.csv")); err != nil {
		t.Errorf("changelog not stored: %v", err)
	}
}

func TestImportWithoutPushSkipsCatalogRecords(t *testing.T) {
	baseline, edited := pushWorkbooks(t)
	fake := &catalogtest.Fake{}

	var labels []string
	sink := pipeline.SinkFunc(func(ev pipeline.ProgressEvent) {
		if ev.Fraction == 0 {
			labels = append(labels, ev.Label)
		}
	})
	e := &Engine{Sink: sink, Now: fixedNow}
	res, out, err := e.Run(context.Background(), Request{
		RunID:     "import-1",
		ProjectID: "acme",
		Workbook:  edited,
		Baseline:  baseline,
		Catalog:   catalog.Some(fake),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fake.Attempts()) != 0 {
		t.Errorf("pushed %d records without push requested", len(fake.Attempts()))
	}
	for _, r := range out.ChangeSet.Records {
		if r.Outcome != OutcomeSkipped || r.Code != CodePushNotRequested {
			t.Errorf("record %s: %s %s", r.ExternalID, r.Outcome, r.Code)
		}
	}
	if res.Status != pipeline.StatusCompleted {
		t.Errorf("status = %s, want %s", res.Status, pipeline.StatusCompleted)
	}
	want := []string{StepInit, StepLoadWorkbook, StepValidate, StepCategorize, StepComputeChangeSet, StepPatchDocuments, StepFinalize}
	if diff := cmp.Diff(want, labels); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestImportUnavailableCatalog(t *testing.T) {
	baseline, edited := pushWorkbooks(t)
	e := &Engine{Now: fixedNow}
	res, out, err := e.Run(context.Background(), Request{
		RunID:     "import-1",
		ProjectID: "acme",
		Workbook:  edited,
		Baseline:  baseline,
		Catalog:   catalog.Some(&catalogtest.Fake{PingErr: &catalog.Error{Kind: catalog.KindAuth, Op: "ping", Status: 401, Err: errors.New("unauthorized")}}),
		Push:      true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(out.ChangeSet.ByOutcome(OutcomeSkipped)); got != 10 {
		t.Errorf("skipped = %d, want 10", got)
	}
	var unavailable int
	for _, is := range res.Issues {
		if is.Code == pipeline.CodeCatalogUnavailable {
			unavailable++
			if is.Context["error_kind"] != "auth" {
				t.Errorf("error_kind = %q, want auth", is.Context["error_kind"])
			}
		}
	}
	if unavailable != 1 {
		t.Errorf("%d CATALOG_UNAVAILABLE issues, want 1", unavailable)
	}
	if res.Status != pipeline.StatusCompletedWithErrors {
		t.Errorf("status = %s", res.Status)
	}
}

func TestImportRejectsInvalidWorkbook(t *testing.T) {
	doc := readDoc(t, "sdm.xml", document.SDM)
	baseBytes := encode(t, exported(t, doc))

	bad := decode(t, baseBytes)
	bad.Add(workbook.NewSheet("Scratch", []string{"notes"}))

	store := storage.NewMemory()
	e := &Engine{Storage: store, Now: fixedNow}
	res, out, err := e.Run(context.Background(), Request{
		RunID:     "import-1",
		ProjectID: "acme",
		Workbook:  encode(t, bad),
		Baseline:  baseBytes,
		Documents: []Document{doc},
	})
	if !errors.Is(err, ErrInvalidWorkbook) {
		t.Fatalf("err = %v, want ErrInvalidWorkbook", err)
	}
	if out != nil {
		t.Error("output returned for an invalid workbook")
	}
	if res.Status != pipeline.StatusFailed {
		t.Errorf("status = %s", res.Status)
	}
	if store.Keys() != 0 {
		t.Errorf("%d artifacts written for an invalid workbook", store.Keys())
	}
}

func TestImportParseFailureIsFatal(t *testing.T) {
	doc := readDoc(t, "sdm.xml", document.SDM)
	baseBytes := encode(t, exported(t, doc))

	e := &Engine{Now: fixedNow}
	_, _, err := e.Run(context.Background(), Request{
		RunID:     "import-1",
		Workbook:  baseBytes,
		Baseline:  baseBytes,
		Documents: []Document{{ID: "broken.xml", Type: document.SDM, Data: []byte("<succession-data-model><label>")}},
	})
	var pe *document.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *document.ParseError", err)
	}
}

func TestImportRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no workbook", Request{Baseline: []byte("x")}, ErrNoWorkbook},
		{"no baseline", Request{Workbook: []byte("x")}, ErrNoBaseline},
		{"duplicate documents", Request{Workbook: []byte("x"), Baseline: []byte("x"), Documents: []Document{{ID: "a"}, {ID: "a"}}}, ErrDuplicateDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := (&Engine{}).Run(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestImportCancelsBetweenSteps(t *testing.T) {
	doc := readDoc(t, "sdm.xml", document.SDM)
	baseBytes := encode(t, exported(t, doc))

	ctx, cancel := context.WithCancel(context.Background())
	sink := pipeline.SinkFunc(func(ev pipeline.ProgressEvent) {
		if ev.Label == StepValidate && ev.Fraction == 1 {
			cancel()
		}
	})
	e := &Engine{Sink: sink, Now: fixedNow}
	res, _, err := e.Run(ctx, Request{
		RunID:     "import-1",
		Workbook:  baseBytes,
		Baseline:  baseBytes,
		Documents: []Document{doc},
	})
	if !errors.Is(err, pipeline.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if res.Status != pipeline.StatusCancelled {
		t.Errorf("status = %s, want %s", res.Status, pipeline.StatusCancelled)
	}
}

func TestImportMissingDocument(t *testing.T) {
	doc := readDoc(t, "sdm.xml", document.SDM)
	baseBytes := encode(t, exported(t, doc))
	edited := decode(t, baseBytes)
	setCell(t, edited, "SDM_de_DE", "jobCode", "Stellenschlüssel")

	e := &Engine{Now: fixedNow}
	res, out, err := e.Run(context.Background(), Request{
		RunID:    "import-1",
		Workbook: encode(t, edited),
		Baseline: baseBytes,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"/succession-data-model[1]/standard-element[1]/label skipped DOCUMENT_MISSING"}, outcomes(out.ChangeSet)); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if res.Status != pipeline.StatusCompletedWithErrors {
		t.Errorf("status = %s", res.Status)
	}
}
