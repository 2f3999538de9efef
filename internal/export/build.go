package export

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/trexsync/internal/catalog"
	"github.com/JonMunkholm/trexsync/internal/document"
	"github.com/JonMunkholm/trexsync/internal/locale"
	"github.com/JonMunkholm/trexsync/internal/pipeline"
	"github.com/JonMunkholm/trexsync/internal/workbook"
)

// Metadata sheet keys.
const (
	MetaRunID     = "run_id"
	MetaProject   = "project"
	MetaGenerated = "generated_at"
	MetaCatalog   = "catalog"
	MetaLocale    = "locale"
	MetaDocument  = "document"
	MetaEntity    = "entity_type"
	MetaObject    = "object"
	MetaCountry   = "country"
	MetaPicklist  = "picklist_reference"
	MetaWarning   = "warning"
)

// builder lays out the workbook. Layout depends only on its inputs, so two
// exports of the same documents and selection produce the same sheets and
// rows in the same order.
type builder struct {
	sel       pipeline.Selection
	issues    *pipeline.Issues
	runID     string
	projectID string
	generated time.Time
	connected bool
}

func (b *builder) build(docs []*document.Document, fetched map[string][]catalog.Entity) *workbook.Workbook {
	wb := &workbook.Workbook{}

	for _, s := range b.documentSheets(docs) {
		b.add(wb, s)
	}
	for _, s := range b.categorySheets(fetched) {
		b.add(wb, s)
	}
	wb.Add(b.metadataSheet(docs))
	return wb
}

// add appends s unless its name cannot be stored, in which case the sheet is
// dropped with a warning.
func (b *builder) add(wb *workbook.Workbook, s *workbook.Sheet) {
	if err := workbook.CheckSheetName(s.Name); err != nil {
		b.issues.Warn(pipeline.CodeSheetNameTooLong,
			fmt.Sprintf("sheet %s omitted: %v", s.Name, err), "sheet", s.Name)
		return
	}
	wb.Add(s)
}

// documentSheets returns one sheet per (document type present, selected
// locale), ordered by type and then locale code.
func (b *builder) documentSheets(docs []*document.Document) []*workbook.Sheet {
	byType := make(map[document.DocType][]*document.Document)
	for _, d := range docs {
		if b.sel.WantsDocType(d.Type) {
			byType[d.Type] = append(byType[d.Type], d)
		}
	}
	types := make([]document.DocType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	locales := append([]string(nil), b.sel.Locales...)
	sort.Strings(locales)

	var sheets []*workbook.Sheet
	for _, t := range types {
		elements := sortedElements(byType[t])
		for _, loc := range locales {
			s := workbook.NewSheet(workbook.DocumentSheetName(t, loc), workbook.DocumentHeader(loc))
			for _, el := range elements {
				if !b.sel.WantsCountry(el.Country) {
					continue
				}
				s.Append(el.DocumentID, el.Key(), el.ElementID, string(el.Kind), el.Source, el.Texts[loc])
			}
			sheets = append(sheets, s)
		}
	}
	return sheets
}

// sortedElements orders elements by path, then by document id.
func sortedElements(docs []*document.Document) []document.Element {
	var all []document.Element
	for _, d := range docs {
		all = append(all, d.Extract()...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if c := document.ComparePaths(all[i].Key(), all[j].Key()); c != 0 {
			return c < 0
		}
		return all[i].DocumentID < all[j].DocumentID
	})
	return all
}

// categorySheets returns one sheet per fetched category, ordered by name.
func (b *builder) categorySheets(fetched map[string][]catalog.Entity) []*workbook.Sheet {
	names := make([]string, 0, len(fetched))
	for name := range fetched {
		names = append(names, name)
	}
	sort.Strings(names)

	header := workbook.CategoryHeader(b.sel.Locales)
	locs := header[len(header)-len(b.sel.Locales):]

	sheets := make([]*workbook.Sheet, 0, len(names))
	for _, name := range names {
		entities := append([]catalog.Entity(nil), fetched[name]...)
		sort.SliceStable(entities, func(i, j int) bool {
			if entities[i].Type != entities[j].Type {
				return entities[i].Type < entities[j].Type
			}
			return entities[i].ExternalID < entities[j].ExternalID
		})

		s := workbook.NewSheet(name, header)
		seen := make(map[string]bool, len(entities))
		for _, ent := range entities {
			id := ent.Type + "#" + ent.ExternalID
			if seen[id] {
				continue
			}
			seen[id] = true
			cells := []string{ent.Type, ent.ExternalID, ent.Description}
			for _, loc := range locs {
				cells = append(cells, ent.Labels[loc])
			}
			s.Append(cells...)
		}
		sheets = append(sheets, s)
	}
	return sheets
}

// metadataSheet describes the run. Warnings recorded so far are listed one
// per row.
func (b *builder) metadataSheet(docs []*document.Document) *workbook.Sheet {
	s := workbook.NewSheet(workbook.SheetMetadata, workbook.MetadataHeader())
	s.Append(MetaRunID, b.runID, "")
	s.Append(MetaProject, b.projectID, "")
	s.Append(MetaGenerated, b.generated.UTC().Format(time.RFC3339), "")

	cat := "absent"
	if b.connected {
		cat = "connected"
	}
	s.Append(MetaCatalog, cat, "")

	for _, loc := range b.sel.Locales {
		s.Append(MetaLocale, loc, locale.DisplayName(loc))
	}
	for _, d := range docs {
		s.Append(MetaDocument, d.ID, string(d.Type))
	}
	for _, t := range b.sel.EntityTypes {
		s.Append(MetaEntity, t, "")
	}
	for _, o := range b.sel.ObjectIDs {
		s.Append(MetaObject, o, "")
	}
	for _, c := range b.sel.Countries {
		s.Append(MetaCountry, c, "")
	}
	if b.sel.LegacyPicklists || b.sel.MDFPicklists {
		for _, ref := range b.picklistRefs(docs) {
			s.Append(MetaPicklist, ref.PicklistID, ref.DocumentID+" "+ref.where())
		}
	}
	for _, is := range b.issues.List() {
		s.Append(MetaWarning, is.Code, describe(is))
	}
	return s
}

type docRef struct {
	document.PicklistRef
	DocumentID string
}

func (r docRef) where() string {
	w := r.ElementID
	if w == "" {
		w = r.Path
	}
	if r.Label != "" {
		w += " (" + r.Label + ")"
	}
	return w
}

// picklistRefs lists the fields referencing picklists in the selected
// documents, ordered by picklist id and then by location.
func (b *builder) picklistRefs(docs []*document.Document) []docRef {
	var refs []docRef
	for _, d := range docs {
		if !b.sel.WantsDocType(d.Type) {
			continue
		}
		for _, ref := range d.PicklistRefs() {
			if b.sel.WantsCountry(ref.Country) {
				refs = append(refs, docRef{PicklistRef: ref, DocumentID: d.ID})
			}
		}
	}
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].PicklistID != refs[j].PicklistID {
			return refs[i].PicklistID < refs[j].PicklistID
		}
		if refs[i].DocumentID != refs[j].DocumentID {
			return refs[i].DocumentID < refs[j].DocumentID
		}
		return document.ComparePaths(refs[i].Path, refs[j].Path) < 0
	})
	return refs
}

func describe(is pipeline.Issue) string {
	if len(is.Context) == 0 {
		return is.Message
	}
	keys := make([]string, 0, len(is.Context))
	for k := range is.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + is.Context[k]
	}
	return is.Message + " (" + strings.Join(parts, ", ") + ")"
}
