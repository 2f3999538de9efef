package importer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/trexsync/internal/workbook"
)

// ErrInvalidWorkbook matches every *ValidationError.
var ErrInvalidWorkbook = errors.New("invalid workbook")

// Problem is one structural defect of an uploaded workbook. Row counts the
// header as row 1 and skips blank rows; it is 0 when the problem concerns the
// whole sheet.
type Problem struct {
	Sheet   string `json:"sheet,omitempty"`
	Row     int    `json:"row,omitempty"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	switch {
	case p.Sheet == "":
		return p.Message
	case p.Row == 0:
		return fmt.Sprintf("sheet %s: %s", p.Sheet, p.Message)
	}
	return fmt.Sprintf("sheet %s row %d: %s", p.Sheet, p.Row, p.Message)
}

// ValidationError lists every problem found in a workbook. An import that
// fails validation writes nothing.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return fmt.Sprintf("invalid workbook (%d problems): %s", len(e.Problems), strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidWorkbook
}

// Validate checks the structure of an edited workbook:
//
//   - every sheet is a document sheet, a category sheet or one of the
//     informational sheets (Metadata, Summary, Instructions)
//   - every diffable sheet's header matches its column contract
//   - identity cells are filled and no row key repeats within a sheet
func Validate(wb *workbook.Workbook) error {
	var problems []Problem
	add := func(sheet string, row int, format string, args ...any) {
		problems = append(problems, Problem{Sheet: sheet, Row: row, Message: fmt.Sprintf(format, args...)})
	}

	if wb == nil || len(wb.Sheets) == 0 {
		return &ValidationError{Problems: []Problem{{Message: "workbook has no sheets"}}}
	}

	diffable := 0
	for _, s := range wb.Sheets {
		c := workbook.Classify(s.Name)
		if c.Kind == workbook.OtherSheet {
			if !c.Reserved {
				add(s.Name, 0, "name matches neither <DocType>_<Locale> nor a catalog category")
			}
			continue
		}
		diffable++

		if err := workbook.CheckHeader(c, s.Header); err != nil {
			add(s.Name, 1, "%v", err)
			continue
		}

		first := make(map[string]int, len(s.Rows))
		for i, r := range s.Rows {
			rowNum := i + 2
			if strings.TrimSpace(r.Cell(0)) == "" || strings.TrimSpace(r.Cell(1)) == "" {
				add(s.Name, rowNum, "%s and %s must not be empty", s.Header[0], s.Header[1])
				continue
			}
			if prev, dup := first[r.Key]; dup {
				add(s.Name, rowNum, "duplicate row %s (first at row %d)", r.Key, prev)
				continue
			}
			first[r.Key] = rowNum
		}
	}
	if diffable == 0 && len(problems) == 0 {
		add("", 0, "workbook has no translation sheets")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Categories groups validated sheets for diffing. Sheets keep their
// workbook order within each group.
type Categories struct {
	Documents []*workbook.Sheet // <DocType>_<Locale>
	Picklists []*workbook.Sheet // Picklists, MDFPicklists, ObjectDefinitions
	Objects   []*workbook.Sheet // FO_<EntityType>
	Other     []*workbook.Sheet // informational, never diffed
}

// Diffable returns the sheets that take part in change detection, in
// group order.
func (c Categories) Diffable() []*workbook.Sheet {
	out := make([]*workbook.Sheet, 0, len(c.Documents)+len(c.Picklists)+len(c.Objects))
	out = append(out, c.Documents...)
	out = append(out, c.Picklists...)
	return append(out, c.Objects...)
}

// Categorize sorts sheets into their groups by the classification decided
// when the sheet was read.
func Categorize(wb *workbook.Workbook) Categories {
	var c Categories
	for _, s := range wb.Sheets {
		switch s.Kind() {
		case workbook.DocumentSheet:
			c.Documents = append(c.Documents, s)
		case workbook.CategorySheet:
			if s.Class.Group == workbook.ObjectGroup {
				c.Objects = append(c.Objects, s)
			} else {
				c.Picklists = append(c.Picklists, s)
			}
		default:
			c.Other = append(c.Other, s)
		}
	}
	return c
}
