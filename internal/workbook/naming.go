package workbook

import (
	"strings"

	"github.com/JonMunkholm/trexsync/internal/document"
	"github.com/JonMunkholm/trexsync/internal/locale"
)

// SheetKind is the closed set of sheet flavours. It is decided once, when a
// sheet is classified, and carried on the Sheet from then on.
type SheetKind int

const (
	OtherSheet SheetKind = iota
	DocumentSheet
	CategorySheet
)

func (k SheetKind) String() string {
	switch k {
	case DocumentSheet:
		return "document"
	case CategorySheet:
		return "category"
	}
	return "other"
}

// Group splits category sheets into picklist-style templates and generic
// object templates.
type Group int

const (
	NoGroup Group = iota
	PicklistGroup
	ObjectGroup
)

func (g Group) String() string {
	switch g {
	case PicklistGroup:
		return "picklist"
	case ObjectGroup:
		return "object"
	}
	return "none"
}

// Catalog category sheet names.
const (
	CategoryPicklists         = "Picklists"
	CategoryMDFPicklists      = "MDFPicklists"
	CategoryObjectDefinitions = "ObjectDefinitions"

	objectPrefix = "FO_"
)

// Informational sheets. They are carried through imports but never diffed.
const (
	SheetMetadata     = "Metadata"
	SheetSummary      = "Summary"
	SheetInstructions = "Instructions"
)

// MaxSheetNameLength is the longest sheet name a spreadsheet accepts.
const MaxSheetNameLength = 31

// DocumentSheetName returns "<DocType>_<Locale>".
func DocumentSheetName(t document.DocType, loc string) string {
	return string(t) + "_" + locale.Normalize(loc)
}

// ObjectSheetName returns the category sheet name of a foundation object
// entity type, "FO_<EntityType>".
func ObjectSheetName(entityType string) string {
	return objectPrefix + entityType
}

// Classification is the result of matching a sheet name against the naming
// contract.
type Classification struct {
	Kind     SheetKind
	DocType  document.DocType // DocumentSheet only
	Locale   string           // DocumentSheet only
	Category string           // CategorySheet only
	Group    Group            // CategorySheet only
	Reserved bool             // OtherSheet with one of the informational names
}

// ReadOnly reports whether edits to the sheet are never written back.
func (c Classification) ReadOnly() bool {
	return c.Kind == CategorySheet && c.Category == CategoryObjectDefinitions
}

// Classify matches name against the sheet-naming contract:
//
//	<DocType>_<Locale>   document translations, e.g. "SDM_de_DE"
//	Picklists            legacy picklist options
//	MDFPicklists         MDF picklist values
//	ObjectDefinitions    MDF object property labels
//	FO_<EntityType>      foundation object records, e.g. "FO_FOCompany"
//
// Anything else is an OtherSheet.
func Classify(name string) Classification {
	if prefix, rest, ok := strings.Cut(name, "_"); ok {
		if t := document.DocType(prefix); t.Valid() && rest != "" && locale.Valid(rest) && locale.Normalize(rest) == rest {
			return Classification{Kind: DocumentSheet, DocType: t, Locale: rest}
		}
	}

	switch name {
	case CategoryPicklists, CategoryMDFPicklists, CategoryObjectDefinitions:
		return Classification{Kind: CategorySheet, Category: name, Group: PicklistGroup}
	case SheetMetadata, SheetSummary, SheetInstructions:
		return Classification{Kind: OtherSheet, Reserved: true}
	}

	if strings.HasPrefix(name, objectPrefix) && len(name) > len(objectPrefix) {
		return Classification{Kind: CategorySheet, Category: name, Group: ObjectGroup}
	}

	return Classification{Kind: OtherSheet}
}

// ObjectEntityType returns the entity type encoded in an "FO_" category name.
func ObjectEntityType(category string) (string, bool) {
	if !strings.HasPrefix(category, objectPrefix) || len(category) == len(objectPrefix) {
		return "", false
	}
	return category[len(objectPrefix):], true
}
