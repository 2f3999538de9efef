package workbook

import (
	"fmt"
	"strings"

	"github.com/JonMunkholm/trexsync/internal/locale"
)

// Column titles.
const (
	ColDocument    = "Document"
	ColElementPath = "Element Path"
	ColElementID   = "Element ID"
	ColKind        = "Kind"
	ColSource      = "Source Text"

	ColEntityType  = "Entity Type"
	ColExternalID  = "External ID"
	ColDescription = "Description"

	ColKey    = "Key"
	ColValue  = "Value"
	ColDetail = "Detail"
)

var (
	documentColumns = []string{ColDocument, ColElementPath, ColElementID, ColKind, ColSource}
	categoryColumns = []string{ColEntityType, ColExternalID, ColDescription}
	metadataColumns = []string{ColKey, ColValue, ColDetail}
)

// DocumentHeader is the header of a "<DocType>_<Locale>" sheet. The last
// column carries the sheet's locale.
func DocumentHeader(loc string) []string {
	h := append([]string(nil), documentColumns...)
	return append(h, locale.Normalize(loc))
}

// CategoryHeader is the header of a catalog category sheet: the fixed
// identity columns followed by one column per locale, source locale first.
func CategoryHeader(locales []string) []string {
	h := append([]string(nil), categoryColumns...)
	return append(h, locale.Selection(locales)...)
}

// MetadataHeader is the header of the Metadata sheet.
func MetadataHeader() []string {
	return append([]string(nil), metadataColumns...)
}

// CheckHeader verifies header against the column contract of the sheet
// classification. Headers of other sheets are not checked.
func CheckHeader(c Classification, header []string) error {
	switch c.Kind {
	case DocumentSheet:
		want := DocumentHeader(c.Locale)
		if len(header) != len(want) {
			return fmt.Errorf("header has %d columns, want %d (%s)", len(header), len(want), strings.Join(want, " | "))
		}
		for i := range want {
			if header[i] != want[i] {
				return fmt.Errorf("column %d is %q, want %q", i+1, header[i], want[i])
			}
		}
		return nil

	case CategorySheet:
		if len(header) <= len(categoryColumns) {
			return fmt.Errorf("header has no locale columns")
		}
		for i, col := range categoryColumns {
			if header[i] != col {
				return fmt.Errorf("column %d is %q, want %q", i+1, header[i], col)
			}
		}
		locs := header[len(categoryColumns):]
		if locs[0] != locale.Source {
			return fmt.Errorf("first locale column is %q, want %q", locs[0], locale.Source)
		}
		seen := make(map[string]bool, len(locs))
		for i, loc := range locs {
			col := len(categoryColumns) + i + 1
			if !locale.Valid(loc) || locale.Normalize(loc) != loc {
				return fmt.Errorf("column %d: %q is not a locale code", col, loc)
			}
			if seen[loc] {
				return fmt.Errorf("column %d: duplicate locale %q", col, loc)
			}
			seen[loc] = true
		}
		return nil
	}
	return nil
}
