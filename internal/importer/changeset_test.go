package importer

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/JonMunkholm/trexsync/internal/pipeline"
	"github.com/JonMunkholm/trexsync/internal/workbook"
)

func docSheet(loc string, rows ...[]string) *workbook.Sheet {
	s := workbook.NewSheet("SDM_"+loc, workbook.DocumentHeader(loc))
	for _, r := range rows {
		s.Append(r...)
	}
	return s
}

func book(sheets ...*workbook.Sheet) *workbook.Workbook {
	wb := &workbook.Workbook{}
	for _, s := range sheets {
		wb.Add(s)
	}
	return wb
}

func TestValidate(t *testing.T) {
	good := docSheet("de_DE", []string{"a.xml", "/m[1]/label", "f", "field", "F", "X"})
	tests := []struct {
		name     string
		wb       *workbook.Workbook
		problems []string
	}{
		{
			name: "valid with informational sheets",
			wb:   book(good, workbook.NewSheet(workbook.SheetMetadata, workbook.MetadataHeader())),
		},
		{
			name:     "empty",
			wb:       &workbook.Workbook{},
			problems: []string{"workbook has no sheets"},
		},
		{
			name:     "only informational",
			wb:       book(workbook.NewSheet(workbook.SheetSummary, []string{"x"})),
			problems: []string{"workbook has no translation sheets"},
		},
		{
			name:     "unknown sheet",
			wb:       book(good, workbook.NewSheet("Notes", nil)),
			problems: []string{"sheet Notes: name matches neither <DocType>_<Locale> nor a catalog category"},
		},
		{
			name: "duplicate row",
			wb: book(docSheet("de_DE",
				[]string{"a.xml", "/m[1]/label", "f", "field", "F", "X"},
				[]string{"a.xml", " /m[1]/label ", "f", "field", "F", "Y"},
			)),
			problems: []string{"sheet SDM_de_DE row 3: duplicate row a.xml#/m[1]/label (first at row 2)"},
		},
		{
			name: "empty identity",
			wb: book(docSheet("de_DE",
				[]string{"", "/m[1]/label", "f", "field", "F", "X"},
			)),
			problems: []string{"sheet SDM_de_DE row 2: Document and Element Path must not be empty"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.wb)
			if len(tt.problems) == 0 {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidWorkbook) {
				t.Fatalf("err = %v, want ErrInvalidWorkbook", err)
			}
			var ve *ValidationError
			errors.As(err, &ve)
			got := make([]string, len(ve.Problems))
			for i, p := range ve.Problems {
				got[i] = p.String()
			}
			if diff := cmp.Diff(tt.problems, got); diff != "" {
				t.Errorf("problems mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidateReportsBadHeader(t *testing.T) {
	s := workbook.NewSheet("SDM_de_DE", []string{"Document", "Path", "de_DE"})
	err := Validate(book(s))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if len(ve.Problems) != 1 || ve.Problems[0].Row != 1 {
		t.Errorf("problems = %+v, want one header problem", ve.Problems)
	}
}

func TestCategorize(t *testing.T) {
	wb := book(
		workbook.NewSheet(workbook.SheetMetadata, workbook.MetadataHeader()),
		workbook.NewSheet("FO_FOCompany", workbook.CategoryHeader(nil)),
		docSheet("de_DE"),
		workbook.NewSheet("Picklists", workbook.CategoryHeader(nil)),
		workbook.NewSheet("ObjectDefinitions", workbook.CategoryHeader(nil)),
	)
	c := Categorize(wb)
	names := func(ss []*workbook.Sheet) []string {
		out := make([]string, len(ss))
		for i, s := range ss {
			out[i] = s.Name
		}
		return out
	}
	if diff := cmp.Diff([]string{"SDM_de_DE", "Picklists", "ObjectDefinitions", "FO_FOCompany"}, names(c.Diffable())); diff != "" {
		t.Errorf("diffable mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Metadata"}, names(c.Other)); diff != "" {
		t.Errorf("other mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeChangeSet(t *testing.T) {
	base := book(
		docSheet("de_DE",
			[]string{"a.xml", "/m[1]/label", "f", "field", "Title", "Titel"},
			[]string{"a.xml", "/m[2]/label", "g", "field", "Name", "Name"},
			[]string{"a.xml", "/m[3]/label", "h", "field", "City", "Stadt"},
		),
		func() *workbook.Sheet {
			s := workbook.NewSheet("ObjectDefinitions", workbook.CategoryHeader([]string{"de_DE"}))
			s.Append("ObjectDefinition", "cust_Bike.name", "", "Name", "Name")
			return s
		}(),
	)
	edited := book(
		docSheet("de_DE",
			[]string{"a.xml", "/m[1]/label", "f", "field", "Title", "Berufsbezeichnung"},
			[]string{"a.xml", "/m[2]/label", "g", "field", "Name", "Name  "},
			[]string{"a.xml", "/m[3]/label", "h", "field", "City", ""},
			[]string{"a.xml", "/m[4]/label", "i", "field", "Zip", "PLZ"},
			[]string{"a.xml", "/m[5]/label", "j", "field", "Fax", ""},
		),
		func() *workbook.Sheet {
			s := workbook.NewSheet("ObjectDefinitions", workbook.CategoryHeader([]string{"de_DE"}))
			s.Append("ObjectDefinition", "cust_Bike.name", "", "Name", "Bezeichnung")
			return s
		}(),
	)

	cs := ComputeChangeSet(Categorize(edited), base)

	type summary struct {
		Row, Old, New string
		Target        Target
		Outcome       Outcome
		Code          string
	}
	var got []summary
	for _, r := range cs.Records {
		got = append(got, summary{r.RowKey, r.Old, r.New, r.Target, r.Outcome, r.Code})
	}
	want := []summary{
		{"a.xml#/m[1]/label", "Titel", "Berufsbezeichnung", TargetDocument, OutcomePending, ""},
		{"a.xml#/m[3]/label", "Stadt", "", TargetDocument, OutcomeSkipped, pipeline.CodeCellCleared},
		{"a.xml#/m[4]/label", "", "PLZ", TargetDocument, OutcomeSkipped, pipeline.CodeRowNotInBaseline},
		{"ObjectDefinition#cust_Bike.name", "Name", "Bezeichnung", TargetCatalog, OutcomeSkipped, pipeline.CodeReadOnly},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("change set mismatch (-want +got):\n%s", diff)
	}
	if n := len(cs.ByTarget(TargetCatalog)); n != 1 {
		t.Errorf("catalog records = %d, want 1", n)
	}
	if cs.Records[3].ExternalID != "cust_Bike.name" || cs.Records[3].EntityType != "ObjectDefinition" {
		t.Errorf("catalog coordinates = %s/%s", cs.Records[3].EntityType, cs.Records[3].ExternalID)
	}
}

func TestComputeChangeSetNormalizesUnicode(t *testing.T) {
	// "é" precomposed in the baseline, decomposed in the edit.
	base := book(docSheet("fr_FR", []string{"a.xml", "/m[1]/label", "f", "field", "Cafe", "Caf\u00e9"}))
	edited := book(docSheet("fr_FR", []string{"a.xml", "/m[1]/label", "f", "field", "Cafe", "Cafe\u0301"}))
	if cs := ComputeChangeSet(Categorize(edited), base); !cs.Empty() {
		t.Errorf("records = %+v, want none", cs.Records)
	}
}

func TestComputeChangeSetMissingBaselineSheet(t *testing.T) {
	edited := book(docSheet("de_DE", []string{"a.xml", "/m[1]/label", "f", "field", "Title", "Titel"}))
	cs := ComputeChangeSet(Categorize(edited), &workbook.Workbook{})
	if cs.Len() != 1 || cs.Records[0].Reason != "sheet not in baseline" {
		t.Errorf("records = %+v, want one sheet-not-in-baseline skip", cs.Records)
	}
}

func TestChangelog(t *testing.T) {
	cs := &ChangeSet{Records: []ChangeRecord{
		{Sheet: "SDM_de_DE", RowKey: "a.xml#/m[1]/label", Locale: "de_DE", Old: "Titel", New: "Titel, neu", Target: TargetDocument, DocumentID: "a.xml", ElementKey: "/m[1]/label", Outcome: OutcomeApplied},
	}}
	data, err := Changelog(cs)
	if err != nil {
		t.Fatalf("Changelog: %v", err)
	}
	want := strings.Join([]string{
		"sheet,row_key,locale,target,document_id,element_key,entity_type,external_id,old,new,outcome,code,reason",
		`SDM_de_DE,a.xml#/m[1]/label,de_DE,document,a.xml,/m[1]/label,,,Titel,"Titel, neu",applied,,`,
		"",
	}, "\n")
	if diff := cmp.Diff(want, string(data)); diff != "" {
		t.Errorf("changelog mismatch (-want +got):\n%s", diff)
	}
}
