package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/JonMunkholm/trexsync/internal/catalog"
	"github.com/JonMunkholm/trexsync/internal/catalog/catalogtest"
	"github.com/JonMunkholm/trexsync/internal/document"
	"github.com/JonMunkholm/trexsync/internal/pipeline"
	"github.com/JonMunkholm/trexsync/internal/storage"
	"github.com/JonMunkholm/trexsync/internal/workbook"
)

var fixedNow = func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }

func readInput(t *testing.T, name string, typ document.DocType) Input {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return Input{ID: name, Type: typ, Data: data}
}

func rows(s *workbook.Sheet) [][]string {
	out := make([][]string, len(s.Rows))
	for i, r := range s.Rows {
		out[i] = r.Cells
	}
	return out
}

func codes(issues []pipeline.Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

func TestExportWithoutCatalog(t *testing.T) {
	e := &Engine{Now: fixedNow}
	res, wb, err := e.Run(context.Background(), Request{
		RunID:     "run-1",
		ProjectID: "acme",
		Documents: []Input{readInput(t, "sdm.xml", document.SDM)},
		Catalog:   catalog.None(),
		Selection: pipeline.Selection{Locales: []string{"en_US", "de_DE"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diff := cmp.Diff([]string{"SDM_de_DE", "SDM_en_US", "Metadata"}, wb.Names()); diff != "" {
		t.Errorf("sheet names mismatch (-want +got):\n%s", diff)
	}

	de, _ := wb.Sheet("SDM_de_DE")
	wantDE := [][]string{
		{"sdm.xml", "/succession-data-model[1]/hris-element[1]/hris-field[1]/label", "jobInfo.title", "field", "Title", "Titel"},
		{"sdm.xml", "/succession-data-model[1]/hris-element[1]/label", "jobInfo", "field", "Job Information", "Stelleninformationen"},
		{"sdm.xml", "/succession-data-model[1]/standard-element[1]/label", "jobCode", "field", "Job Code", "Stellencode"},
	}
	if diff := cmp.Diff(wantDE, rows(de)); diff != "" {
		t.Errorf("SDM_de_DE rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(workbook.DocumentHeader("de_DE"), de.Header); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}

	en, _ := wb.Sheet("SDM_en_US")
	if len(en.Rows) != 3 {
		t.Errorf("SDM_en_US has %d rows, want 3", len(en.Rows))
	}

	if diff := cmp.Diff([]string{pipeline.CodeCatalogUnavailable}, codes(res.Issues)); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
	if res.Status != pipeline.StatusCompletedWithErrors {
		t.Errorf("status = %s, want %s", res.Status, pipeline.StatusCompletedWithErrors)
	}
	if res.Counts["documents"] != 1 || res.Counts["elements"] != 3 {
		t.Errorf("counts = %v", res.Counts)
	}

	meta, _ := wb.Sheet(workbook.SheetMetadata)
	last := meta.Rows[len(meta.Rows)-1]
	if last.Cell(0) != MetaWarning || last.Cell(1) != pipeline.CodeCatalogUnavailable {
		t.Errorf("last metadata row = %v, want the catalog warning", last.Cells)
	}
}

func testCatalog() *catalogtest.Fake {
	return &catalogtest.Fake{
		Locales: catalogtest.ActiveLocales("en_US", "fr_FR"),
		Entities: map[string][]catalog.Entity{
			"FOCompany": {
				{Type: "FOCompany", ExternalID: "ACME_US", Description: "Acme Inc", Labels: map[string]string{"en_US": "Acme Inc"}},
				{Type: "FOCompany", ExternalID: "ACME_DE", Description: "Acme GmbH", Labels: map[string]string{"en_US": "Acme GmbH", "de_DE": "Acme GmbH"}},
			},
			catalog.TypePickListV2: {
				{Type: catalog.TypePickListV2, ExternalID: "ecJobFunction/ADMIN", Description: "Administration", Labels: map[string]string{"en_US": "Administration", "de_DE": "Verwaltung"}},
			},
		},
		FetchErr: map[string]error{
			"FOLocation": &catalog.Error{Kind: catalog.KindNotFound, Op: "fetch entities", EntityType: "FOLocation", Status: 404, Err: catalog.ErrNotFound},
		},
	}
}

func TestExportWithCatalog(t *testing.T) {
	fake := testCatalog()
	e := &Engine{Now: fixedNow, Pool: catalog.NewPool(2)}
	res, wb, err := e.Run(context.Background(), Request{
		RunID:     "run-2",
		ProjectID: "acme",
		Documents: []Input{readInput(t, "sdm.xml", document.SDM)},
		Catalog:   catalog.Some(fake),
		Selection: pipeline.Selection{
			Locales:        []string{"de_DE"},
			MDFPicklists:   true,
			FOTranslations: true,
			EntityTypes:    []string{"FOLocation", "FOCompany"},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"SDM_de_DE", "SDM_en_US", "FO_FOCompany", "MDFPicklists", "Metadata"}
	if diff := cmp.Diff(want, wb.Names()); diff != "" {
		t.Errorf("sheet names mismatch (-want +got):\n%s", diff)
	}

	fo, _ := wb.Sheet("FO_FOCompany")
	wantFO := [][]string{
		{"FOCompany", "ACME_DE", "Acme GmbH", "Acme GmbH", "Acme GmbH"},
		{"FOCompany", "ACME_US", "Acme Inc", "Acme Inc", ""},
	}
	if diff := cmp.Diff(wantFO, rows(fo)); diff != "" {
		t.Errorf("FO_FOCompany rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Entity Type", "External ID", "Description", "en_US", "de_DE"}, fo.Header); diff != "" {
		t.Errorf("category header mismatch (-want +got):\n%s", diff)
	}
	if fo.Kind() != workbook.CategorySheet {
		t.Errorf("FO_FOCompany kind = %v", fo.Kind())
	}

	// de_DE is not active remotely; FOLocation does not exist.
	if diff := cmp.Diff([]string{pipeline.CodeLocaleInactive, pipeline.CodeCatalogFetchFailed}, codes(res.Issues)); diff != "" {
		t.Fatalf("issues mismatch (-want +got):\n%s", diff)
	}
	failed := res.Issues[1]
	if failed.Context["entity_type"] != "FOLocation" || failed.Context["error_kind"] != "not_found" {
		t.Errorf("fetch failure context = %v", failed.Context)
	}
	if res.Status != pipeline.StatusCompletedWithErrors {
		t.Errorf("status = %s", res.Status)
	}
	if fake.Fetches("FOCompany") != 1 || fake.Fetches(catalog.TypePicklist) != 0 {
		t.Errorf("unexpected fetches: FOCompany=%d Picklist=%d", fake.Fetches("FOCompany"), fake.Fetches(catalog.TypePicklist))
	}
}

func TestExportIsDeterministic(t *testing.T) {
	req := func() Request {
		return Request{
			RunID:     "run-3",
			ProjectID: "acme",
			Documents: []Input{readInput(t, "sdm.xml", document.SDM), readInput(t, "cdm.xml", document.CDM)},
			Catalog:   catalog.Some(testCatalog()),
			Selection: pipeline.Selection{
				Locales:        []string{"fr_FR", "de_DE"},
				MDFPicklists:   true,
				FOTranslations: true,
				EntityTypes:    []string{"FOCompany", "FOLocation"},
			},
		}
	}
	e := &Engine{Now: fixedNow}

	_, first, err := e.Run(context.Background(), req())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	_, second, err := e.Run(context.Background(), req())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("exports differ (-first +second):\n%s", diff)
	}
	want := []string{
		"CDM_de_DE", "CDM_en_US", "CDM_fr_FR",
		"SDM_de_DE", "SDM_en_US", "SDM_fr_FR",
		"FO_FOCompany", "MDFPicklists", "Metadata",
	}
	if diff := cmp.Diff(want, first.Names()); diff != "" {
		t.Errorf("sheet order mismatch (-want +got):\n%s", diff)
	}
}

func TestExportParseFailureIsFatal(t *testing.T) {
	e := &Engine{Now: fixedNow}
	res, wb, err := e.Run(context.Background(), Request{
		RunID:     "run-4",
		ProjectID: "acme",
		Documents: []Input{
			readInput(t, "sdm.xml", document.SDM),
			{ID: "broken.xml", Type: document.CDM, Data: []byte("<corporate-data-model><hris-element>")},
		},
		Catalog:   catalog.None(),
		Selection: pipeline.Selection{Locales: []string{"de_DE"}},
	})

	var xe *ExtractionError
	if !errors.As(err, &xe) {
		t.Fatalf("error %v is not an *ExtractionError", err)
	}
	if xe.DocumentID != "broken.xml" || xe.Step != StepLoadDocuments {
		t.Errorf("ExtractionError = %+v", xe)
	}
	if !errors.Is(err, document.ErrMalformed) {
		t.Errorf("error does not wrap ErrMalformed: %v", err)
	}
	if wb != nil {
		t.Error("workbook returned for a failed run")
	}
	if res.Status != pipeline.StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if diff := cmp.Diff([]string{pipeline.CodeParseFailed}, codes(res.Issues)); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
}

func TestExportDetectsDocumentType(t *testing.T) {
	in := readInput(t, "cdm.xml", "")
	_, wb, err := (&Engine{Now: fixedNow}).Run(context.Background(), Request{
		RunID:     "run-5",
		Documents: []Input{in},
		Selection: pipeline.Selection{Locales: []string{"de_DE"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := wb.Sheet("CDM_de_DE"); !ok {
		t.Errorf("sheets = %v, want CDM_de_DE", wb.Names())
	}
}

func TestExportRejectsBadRequests(t *testing.T) {
	in := readInput(t, "sdm.xml", document.SDM)
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"nothing selected", Request{RunID: "r"}, ErrNothingSelected},
		{"duplicate ids", Request{RunID: "r", Documents: []Input{in, in}}, ErrDuplicateDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := (&Engine{}).Run(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExportCancelsBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	sink := pipeline.SinkFunc(func(ev pipeline.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Fraction == 0 {
			seen = append(seen, ev.Label)
		}
		if ev.Label == StepLoadDocuments && ev.Fraction == 1 {
			cancel()
		}
	})

	res, wb, err := (&Engine{Sink: sink, Now: fixedNow}).Run(ctx, Request{
		RunID:     "run-6",
		Documents: []Input{readInput(t, "sdm.xml", document.SDM)},
		Selection: pipeline.Selection{Locales: []string{"de_DE"}},
	})
	if !errors.Is(err, pipeline.ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	if wb != nil || res.Status != pipeline.StatusCancelled {
		t.Errorf("status = %s, workbook = %v", res.Status, wb)
	}
	if diff := cmp.Diff([]string{StepInit, StepLoadDocuments}, seen); diff != "" {
		t.Errorf("steps started mismatch (-want +got):\n%s", diff)
	}
}

func TestExportReportsEveryStep(t *testing.T) {
	var mu sync.Mutex
	var events []pipeline.ProgressEvent
	sink := pipeline.SinkFunc(func(ev pipeline.ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	_, _, err := (&Engine{Sink: sink, Now: fixedNow}).Run(context.Background(), Request{
		RunID:     "run-7",
		Documents: []Input{readInput(t, "sdm.xml", document.SDM)},
		Catalog:   catalog.Some(testCatalog()),
		Selection: pipeline.Selection{Locales: []string{"de_DE"}, FOTranslations: true, EntityTypes: []string{"FOCompany", "FOLocation"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var started []string
	for _, ev := range events {
		if ev.Total != 7 || ev.RunID != "run-7" {
			t.Fatalf("event %+v has wrong total or run id", ev)
		}
		if ev.Fraction == 0 {
			started = append(started, ev.Label)
		}
	}
	want := []string{StepInit, StepLoadDocuments, StepConnectCatalog, StepFetchLocales, StepFetchEntities, StepBuildWorkbook, StepFinalize}
	if diff := cmp.Diff(want, started); diff != "" {
		t.Errorf("step labels mismatch (-want +got):\n%s", diff)
	}
	last := events[len(events)-1]
	if last.Step != 7 || last.Fraction != 1 || last.Percent() != 100 {
		t.Errorf("last event = %+v", last)
	}
}

func TestExportStoresWorkbook(t *testing.T) {
	store := storage.NewMemory()
	res, wb, err := (&Engine{Storage: store, Now: fixedNow}).Run(context.Background(), Request{
		RunID:     "run-8",
		ProjectID: "acme",
		Documents: []Input{readInput(t, "sdm.xml", document.SDM)},
		Selection: pipeline.Selection{Locales: []string{"de_DE"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Artifact != "exports/acme/run-8/workbook.xlsx" {
		t.Errorf("artifact = %q", res.Artifact)
	}
	data, err := store.Get(context.Background(), res.Artifact)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	decoded, err := workbook.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(wb.Names(), decoded.Names()); diff != "" {
		t.Errorf("stored sheet names mismatch (-want +got):\n%s", diff)
	}
}

func TestExportOmitsUnstorableSheetNames(t *testing.T) {
	long := "cust_TranslatedLongObjectName"
	fake := &catalogtest.Fake{
		Locales: catalogtest.ActiveLocales("en_US", "de_DE"),
		Entities: map[string][]catalog.Entity{
			long: {{Type: long, ExternalID: "X", Labels: map[string]string{"en_US": "x"}}},
		},
	}
	res, wb, err := (&Engine{Now: fixedNow}).Run(context.Background(), Request{
		RunID:     "run-9",
		Catalog:   catalog.Some(fake),
		Selection: pipeline.Selection{Locales: []string{"de_DE"}, FOTranslations: true, EntityTypes: []string{long}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"Metadata"}, wb.Names()); diff != "" {
		t.Errorf("sheet names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{pipeline.CodeSheetNameTooLong}, codes(res.Issues)); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
}

func TestExportUnreachableCatalog(t *testing.T) {
	fake := testCatalog()
	fake.PingErr = &catalog.Error{Kind: catalog.KindAuth, Op: "ping", Status: 401, Err: catalog.ErrAuth}

	res, wb, err := (&Engine{Now: fixedNow}).Run(context.Background(), Request{
		RunID:     "run-10",
		Documents: []Input{readInput(t, "sdm.xml", document.SDM)},
		Catalog:   catalog.Some(fake),
		Selection: pipeline.Selection{Locales: []string{"de_DE"}, MDFPicklists: true},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"SDM_de_DE", "SDM_en_US", "Metadata"}, wb.Names()); diff != "" {
		t.Errorf("sheet names mismatch (-want +got):\n%s", diff)
	}
	if len(res.Issues) != 1 || res.Issues[0].Context["error_kind"] != "auth" {
		t.Errorf("issues = %v", res.Issues)
	}
	if fake.Fetches(catalog.TypePickListV2) != 0 {
		t.Error("entities fetched from an unreachable catalog")
	}
}

const twoCountryCSF = `<country-specific-fields>
  <country id="USA">
    <hris-element id="jobInfo">
      <hris-field id="custom-string1" visibility="both">
        <label>Union Code</label>
        <picklist id="unionCodes"/>
      </hris-field>
    </hris-element>
  </country>
  <country id="DEU">
    <hris-element id="jobInfo">
      <hris-field id="custom-string1" visibility="both">
        <label>Tarifgruppe</label>
        <picklist id="tariffGroups"/>
      </hris-field>
    </hris-element>
  </country>
</country-specific-fields>`

func TestExportFiltersCountries(t *testing.T) {
	e := &Engine{Now: fixedNow}
	_, wb, err := e.Run(context.Background(), Request{
		RunID:     "run-csf",
		ProjectID: "acme",
		Documents: []Input{{ID: "csf.xml", Type: document.CSFCDM, Data: []byte(twoCountryCSF)}},
		Catalog:   catalog.None(),
		Selection: pipeline.Selection{Locales: []string{"de_DE"}, Countries: []string{"usa"}, LegacyPicklists: true},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	de, _ := wb.Sheet("CSFCDM_de_DE")
	wantDE := [][]string{
		{"csf.xml", "/country-specific-fields[1]/country[1]/hris-element[1]/hris-field[1]/label", "USA.jobInfo.custom-string1", "field", "Union Code", ""},
	}
	if diff := cmp.Diff(wantDE, rows(de)); diff != "" {
		t.Errorf("CSFCDM_de_DE rows mismatch (-want +got):\n%s", diff)
	}

	meta, _ := wb.Sheet(workbook.SheetMetadata)
	var got [][]string
	for _, r := range meta.Rows {
		if k := r.Cell(0); k == MetaCountry || k == MetaPicklist {
			got = append(got, r.Cells)
		}
	}
	want := [][]string{
		{MetaCountry, "USA", ""},
		{MetaPicklist, "unionCodes", "csf.xml USA.jobInfo.custom-string1 (Union Code)"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metadata rows mismatch (-want +got):\n%s", diff)
	}
}

// cancellingCatalog cancels the run from inside Ping and fails calls whose
// context is already done.
type cancellingCatalog struct {
	*catalogtest.Fake
	cancel context.CancelFunc
}

func (c *cancellingCatalog) Ping(ctx context.Context) error {
	c.cancel()
	return ctx.Err()
}

func TestExportCatalogCallsOutliveCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat := &cancellingCatalog{Fake: testCatalog(), cancel: cancel}
	res, _, err := (&Engine{Now: fixedNow}).Run(ctx, Request{
		RunID:     "run-cancel-ping",
		Documents: []Input{readInput(t, "sdm.xml", document.SDM)},
		Catalog:   catalog.Some(cat),
		Selection: pipeline.Selection{Locales: []string{"de_DE"}},
	})
	if !errors.Is(err, pipeline.ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	for _, is := range res.Issues {
		if is.Code == pipeline.CodeCatalogUnavailable {
			t.Errorf("in-flight ping was cut short: %v", is)
		}
	}
}
