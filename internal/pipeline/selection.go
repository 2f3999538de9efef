package pipeline

import (
	"sort"
	"strings"

	"github.com/JonMunkholm/trexsync/internal/document"
	"github.com/JonMunkholm/trexsync/internal/locale"
)

// Selection says what an export should contain.
type Selection struct {
	Locales         []string           `json:"locales"`
	DocTypes        []document.DocType `json:"doc_types,omitempty"`    // empty means every type present in the input
	EntityTypes     []string           `json:"entity_types,omitempty"` // foundation object types
	ObjectIDs       []string           `json:"object_ids,omitempty"`   // MDF objects for ObjectDefinitions
	Countries       []string           `json:"countries,omitempty"`    // active countries for country-specific fields; empty means all
	LegacyPicklists bool               `json:"legacy_picklists"`
	MDFPicklists    bool               `json:"mdf_picklists"`
	FOTranslations  bool               `json:"fo_translations"`
}

// Normalized returns a copy with canonical locale codes (source locale first,
// de-duplicated, sorted) and sorted, de-duplicated type, object and country
// lists. Country codes are upper-cased.
// The receiver is not modified.
func (s Selection) Normalized() Selection {
	out := s
	out.Locales = locale.Selection(s.Locales)

	seenType := make(map[document.DocType]bool)
	out.DocTypes = nil
	for _, t := range s.DocTypes {
		if !seenType[t] {
			seenType[t] = true
			out.DocTypes = append(out.DocTypes, t)
		}
	}
	sort.Slice(out.DocTypes, func(i, j int) bool { return out.DocTypes[i] < out.DocTypes[j] })

	out.EntityTypes = uniqueSorted(s.EntityTypes)
	out.ObjectIDs = uniqueSorted(s.ObjectIDs)

	countries := make([]string, len(s.Countries))
	for i, c := range s.Countries {
		countries[i] = strings.ToUpper(strings.TrimSpace(c))
	}
	out.Countries = uniqueSorted(countries)
	return out
}

// WantsDocType reports whether documents of type t are selected.
func (s Selection) WantsDocType(t document.DocType) bool {
	if len(s.DocTypes) == 0 {
		return true
	}
	for _, d := range s.DocTypes {
		if d == t {
			return true
		}
	}
	return false
}

// WantsCountry reports whether country-specific elements of country are
// selected. Elements outside any country are always selected.
func (s Selection) WantsCountry(country string) bool {
	if country == "" || len(s.Countries) == 0 {
		return true
	}
	for _, c := range s.Countries {
		if strings.EqualFold(c, country) {
			return true
		}
	}
	return false
}

// WantsCatalog reports whether any catalog category is selected.
func (s Selection) WantsCatalog() bool {
	return s.LegacyPicklists || s.MDFPicklists || (s.FOTranslations && len(s.EntityTypes) > 0) || len(s.ObjectIDs) > 0
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
