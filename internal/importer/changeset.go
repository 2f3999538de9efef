package importer

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/JonMunkholm/trexsync/internal/pipeline"
	"github.com/JonMunkholm/trexsync/internal/workbook"
)

// Target says where a change is written.
type Target string

const (
	TargetDocument Target = "document"
	TargetCatalog  Target = "catalog"
)

// Outcome of one change record. Records start out pending.
type Outcome string

const (
	OutcomePending Outcome = ""
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Record codes that never become run issues.
const (
	CodeAlreadyPushed    = "ALREADY_PUSHED"
	CodeAlreadyCurrent   = "ALREADY_CURRENT"
	CodePushNotRequested = "PUSH_NOT_REQUESTED"
)

// ChangeRecord is one edited cell and what became of it.
type ChangeRecord struct {
	Sheet  string `json:"sheet"`
	RowKey string `json:"row_key"`
	Locale string `json:"locale"`
	Old    string `json:"old"`
	New    string `json:"new"`

	Target     Target `json:"target"`
	DocumentID string `json:"document_id,omitempty"`
	ElementKey string `json:"element_key,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	ExternalID string `json:"external_id,omitempty"`

	Outcome Outcome `json:"outcome"`
	Code    string  `json:"code,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

func (r *ChangeRecord) skip(code, reason string) {
	r.Outcome, r.Code, r.Reason = OutcomeSkipped, code, reason
}

func (r *ChangeRecord) fail(code, reason string) {
	r.Outcome, r.Code, r.Reason = OutcomeFailed, code, reason
}

// Satisfied reports whether the target holds the new value after the run,
// either because this run wrote it or because an earlier run already did.
func (r *ChangeRecord) Satisfied() bool {
	return r.Outcome == OutcomeApplied || r.Code == CodeAlreadyPushed
}

// ChangeSet is the ordered list of changes found in an edited workbook.
// Order follows the workbook: sheet, then row, then locale column.
type ChangeSet struct {
	Records []ChangeRecord
}

// Len returns the number of records.
func (cs *ChangeSet) Len() int {
	return len(cs.Records)
}

// Empty reports whether the workbook carried no edits at all.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Records) == 0
}

// ByTarget returns pointers to the records written to t.
func (cs *ChangeSet) ByTarget(t Target) []*ChangeRecord {
	var out []*ChangeRecord
	for i := range cs.Records {
		if cs.Records[i].Target == t {
			out = append(out, &cs.Records[i])
		}
	}
	return out
}

// ByOutcome returns pointers to the records with outcome o.
func (cs *ChangeSet) ByOutcome(o Outcome) []*ChangeRecord {
	var out []*ChangeRecord
	for i := range cs.Records {
		if cs.Records[i].Outcome == o {
			out = append(out, &cs.Records[i])
		}
	}
	return out
}

// Counts tallies records per outcome.
func (cs *ChangeSet) Counts() map[Outcome]int {
	c := make(map[Outcome]int)
	for _, r := range cs.Records {
		c[r.Outcome]++
	}
	return c
}

// normalize compares cell values: NFC, trailing whitespace dropped.
func normalize(s string) string {
	return strings.TrimRight(norm.NFC.String(s), " \t\r\n")
}

// ComputeChangeSet compares every locale cell of every diffable sheet with
// the baseline workbook the sheet was exported in. Unchanged cells yield
// nothing, so an untouched workbook gives an empty ChangeSet.
//
// Some records are decided here and never reach a target: rows the baseline
// does not know, cleared cells (deletions are not written back) and edits on
// read-only sheets. Everything else is left pending for Apply.
func ComputeChangeSet(cats Categories, baseline *workbook.Workbook) *ChangeSet {
	cs := &ChangeSet{}
	for _, s := range cats.Diffable() {
		var base *workbook.Sheet
		if baseline != nil {
			base, _ = baseline.Sheet(s.Name)
		}
		diffSheet(cs, s, base)
	}
	return cs
}

func diffSheet(cs *ChangeSet, s, base *workbook.Sheet) {
	locs := localeColumns(s)

	var baseRows map[string]int
	var baseLocs map[string]int
	if base != nil {
		baseRows = base.Index()
		baseLocs = base.Locales()
	}

	for _, row := range s.Rows {
		bi, known := baseRows[row.Key]

		for _, lc := range locs {
			cur := normalize(row.Cell(lc.col))

			old := ""
			if known {
				if bc, ok := baseLocs[lc.code]; ok {
					old = base.Rows[bi].Cell(bc)
				}
			}
			if normalize(old) == cur {
				continue
			}

			rec := newRecord(s, row, lc.code, old, cur)
			switch {
			case !known:
				if cur == "" {
					continue
				}
				why := "row not in baseline"
				if base == nil {
					why = "sheet not in baseline"
				}
				rec.skip(pipeline.CodeRowNotInBaseline, why)
			case cur == "":
				rec.skip(pipeline.CodeCellCleared, "cleared cells are not written back")
			case s.Class.ReadOnly():
				rec.skip(pipeline.CodeReadOnly, fmt.Sprintf("%s is read-only", s.Name))
			}
			cs.Records = append(cs.Records, rec)
		}
	}
}

type localeColumn struct {
	code string
	col  int
}

// localeColumns lists a sheet's locale columns in header order.
func localeColumns(s *workbook.Sheet) []localeColumn {
	byCode := s.Locales()
	out := make([]localeColumn, 0, len(byCode))
	for code, col := range byCode {
		out = append(out, localeColumn{code: code, col: col})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].col < out[j].col })
	return out
}

func newRecord(s *workbook.Sheet, row workbook.Row, loc, old, cur string) ChangeRecord {
	rec := ChangeRecord{
		Sheet:  s.Name,
		RowKey: row.Key,
		Locale: loc,
		Old:    old,
		New:    cur,
	}
	if s.Kind() == workbook.DocumentSheet {
		rec.Target = TargetDocument
		rec.DocumentID = strings.TrimSpace(row.Cell(s.Column(workbook.ColDocument)))
		rec.ElementKey = strings.TrimSpace(row.Cell(s.Column(workbook.ColElementPath)))
	} else {
		rec.Target = TargetCatalog
		rec.EntityType = strings.TrimSpace(row.Cell(s.Column(workbook.ColEntityType)))
		rec.ExternalID = strings.TrimSpace(row.Cell(s.Column(workbook.ColExternalID)))
	}
	return rec
}
