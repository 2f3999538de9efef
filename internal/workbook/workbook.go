// Package workbook models the translator workbook: an ordered set of named
// sheets, each a header row plus data rows, and its xlsx encoding.
//
// Sheet names follow a stable contract (see Classify) so a workbook exported
// today can serve as the baseline for an import run by a later version.
package workbook

import (
	"strings"

	"github.com/JonMunkholm/trexsync/internal/locale"
)

// Row is one data row. Key identifies the row within its sheet and is
// derived from the identity columns (see RowKey).
type Row struct {
	Key   string
	Cells []string
}

// Cell returns the i-th cell, or "" when the row is shorter.
func (r Row) Cell(i int) string {
	if i < 0 || i >= len(r.Cells) {
		return ""
	}
	return r.Cells[i]
}

// Sheet is a named table.
type Sheet struct {
	Name   string
	Class  Classification
	Header []string
	Rows   []Row
}

// NewSheet creates an empty sheet classified by its name.
func NewSheet(name string, header []string) *Sheet {
	return &Sheet{
		Name:   name,
		Class:  Classify(name),
		Header: header,
	}
}

// Kind is shorthand for s.Class.Kind.
func (s *Sheet) Kind() SheetKind {
	return s.Class.Kind
}

// Append adds a row and fills in its key.
func (s *Sheet) Append(cells ...string) {
	s.Rows = append(s.Rows, Row{Key: RowKey(s.Class.Kind, cells), Cells: cells})
}

// Column returns the index of the named column, or -1.
func (s *Sheet) Column(name string) int {
	for i, h := range s.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Locales returns the locale columns with their indexes. For document sheets
// that is the single trailing column, for category sheets every column after
// the identity columns.
func (s *Sheet) Locales() map[string]int {
	out := make(map[string]int)
	var from int
	switch s.Class.Kind {
	case DocumentSheet:
		from = len(documentColumns)
	case CategorySheet:
		from = len(categoryColumns)
	default:
		return out
	}
	for i := from; i < len(s.Header); i++ {
		out[locale.Normalize(s.Header[i])] = i
	}
	return out
}

// Index maps row keys to row positions. Later duplicates do not overwrite
// earlier rows.
func (s *Sheet) Index() map[string]int {
	idx := make(map[string]int, len(s.Rows))
	for i, r := range s.Rows {
		if _, ok := idx[r.Key]; !ok {
			idx[r.Key] = i
		}
	}
	return idx
}

// RowKey derives the identity of a row from its cells: document id and
// element path on document sheets, entity type and external id on category
// sheets, the first cell elsewhere.
func RowKey(kind SheetKind, cells []string) string {
	cell := func(i int) string {
		if i < len(cells) {
			return strings.TrimSpace(cells[i])
		}
		return ""
	}
	switch kind {
	case DocumentSheet, CategorySheet:
		return cell(0) + "#" + cell(1)
	}
	return cell(0)
}

// Workbook is an ordered collection of sheets.
type Workbook struct {
	Sheets []*Sheet
}

// Add appends a sheet.
func (w *Workbook) Add(s *Sheet) {
	w.Sheets = append(w.Sheets, s)
}

// Sheet returns the sheet with the given name.
func (w *Workbook) Sheet(name string) (*Sheet, bool) {
	for _, s := range w.Sheets {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Names returns the sheet names in order.
func (w *Workbook) Names() []string {
	names := make([]string, len(w.Sheets))
	for i, s := range w.Sheets {
		names[i] = s.Name
	}
	return names
}
