package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/trexsync/internal/locale"
)

// Entity is one remote record with its localized labels.
type Entity struct {
	Type        string            // entity type the record was fetched as
	ExternalID  string            // unique within Type
	Description string            // human context for translators
	Labels      map[string]string // canonical locale -> label
}

// Category names shared with the workbook's sheet contract.
const (
	CategoryPicklists         = "Picklists"
	CategoryMDFPicklists      = "MDFPicklists"
	CategoryObjectDefinitions = "ObjectDefinitions"
)

// Built-in entity type names.
const (
	TypePicklist         = "Picklist"
	TypePickListV2       = "PickListV2"
	TypeObjectDefinition = "ObjectDefinition"
)

// EntityType describes how one kind of record is paged, decoded and written.
type EntityType struct {
	Name      string
	EntitySet string
	Expand    string
	OrderBy   string
	Category  string

	// ReadOnly types cannot be pushed.
	ReadOnly bool

	decode func(raw json.RawMessage) ([]Entity, error)
	target func(externalID, loc string) (uri, field string, err error)
}

// Lookup returns the definition of an entity type. The two picklist flavours
// have dedicated definitions; every other name is treated as a foundation
// object with name_<locale> properties.
func Lookup(name string) EntityType {
	switch name {
	case TypePicklist:
		return EntityType{
			Name:      TypePicklist,
			EntitySet: "Picklist",
			Expand:    "picklistOptions/picklistLabels",
			OrderBy:   "picklistId",
			Category:  CategoryPicklists,
			decode:    decodeLegacyPicklist,
			target:    legacyPicklistTarget,
		}
	case TypePickListV2:
		return EntityType{
			Name:      TypePickListV2,
			EntitySet: "PickListV2",
			Expand:    "values",
			OrderBy:   "id",
			Category:  CategoryMDFPicklists,
			decode:    decodePickListV2,
			target:    pickListV2Target,
		}
	case TypeObjectDefinition:
		return EntityType{Name: TypeObjectDefinition, Category: CategoryObjectDefinitions, ReadOnly: true}
	}
	return EntityType{
		Name:      name,
		EntitySet: name,
		OrderBy:   "externalCode",
		Category:  "FO_" + name,
		decode:    decodeFoundationObject(name),
		target:    foundationObjectTarget(name),
	}
}

// IsFoundationObject applies the naming rule for translatable foundation
// objects: FO* and cust_* entity sets, except workflow (FOW*) and default
// (*DEFLT) variants.
func IsFoundationObject(name string) bool {
	if !strings.HasPrefix(name, "FO") && !strings.HasPrefix(name, "cust_") {
		return false
	}
	return !strings.HasPrefix(name, "FOW") && !strings.HasSuffix(name, "DEFLT")
}

// FoundationObjects filters entity set names down to foundation objects,
// sorted.
func FoundationObjects(sets []string) []string {
	var out []string
	for _, s := range sets {
		if IsFoundationObject(s) {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Properties that look like localized labels but are not locales.
var nonLocaleSuffixes = map[string]bool{
	"defaultValue": true,
	"localized":    true,
	"en_DEBUG":     true,
}

// localizedProps collects <prefix><locale> string properties of a record.
func localizedProps(rec map[string]json.RawMessage, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range rec {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		suffix := k[len(prefix):]
		if suffix == "" || nonLocaleSuffixes[suffix] || !locale.Valid(suffix) {
			continue
		}
		var s *string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		if s != nil {
			out[locale.Normalize(suffix)] = *s
		}
	}
	return out
}

func stringProp(rec map[string]json.RawMessage, name string) string {
	raw, ok := rec[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// results unwraps an OData v2 collection, either {"results":[...]} or a bare
// array.
func results(raw json.RawMessage) ([]map[string]json.RawMessage, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var recs []map[string]json.RawMessage
	if raw[0] == '[' {
		err := json.Unmarshal(raw, &recs)
		return recs, err
	}
	var wrapped struct {
		Results []map[string]json.RawMessage `json:"results"`
	}
	err := json.Unmarshal(raw, &wrapped)
	return wrapped.Results, err
}

func decodeLegacyPicklist(raw json.RawMessage) ([]Entity, error) {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	picklistID := stringProp(rec, "picklistId")
	options, err := results(rec["picklistOptions"])
	if err != nil {
		return nil, fmt.Errorf("picklist %s options: %w", picklistID, err)
	}

	out := make([]Entity, 0, len(options))
	for _, opt := range options {
		labels, err := results(opt["picklistLabels"])
		if err != nil {
			return nil, fmt.Errorf("picklist %s labels: %w", picklistID, err)
		}
		e := Entity{
			Type:        TypePicklist,
			ExternalID:  picklistID + "/" + stringProp(opt, "id"),
			Description: stringProp(opt, "externalCode"),
			Labels:      make(map[string]string, len(labels)),
		}
		for _, l := range labels {
			if loc := stringProp(l, "locale"); locale.Valid(loc) {
				e.Labels[locale.Normalize(loc)] = stringProp(l, "label")
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func legacyPicklistTarget(externalID, loc string) (string, string, error) {
	_, optionID, ok := strings.Cut(externalID, "/")
	if !ok || optionID == "" {
		return "", "", fmt.Errorf("picklist option id %q is not <picklist>/<option>", externalID)
	}
	return fmt.Sprintf("PicklistLabel(locale='%s',optionId=%sL)", odataEscape(loc), odataEscape(optionID)), "label", nil
}

func decodePickListV2(raw json.RawMessage) ([]Entity, error) {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	picklistID := stringProp(rec, "id")
	values, err := results(rec["values"])
	if err != nil {
		return nil, fmt.Errorf("picklist %s values: %w", picklistID, err)
	}

	out := make([]Entity, 0, len(values))
	for _, v := range values {
		out = append(out, Entity{
			Type:        TypePickListV2,
			ExternalID:  picklistID + "/" + stringProp(v, "externalCode"),
			Description: stringProp(v, "label_defaultValue"),
			Labels:      localizedProps(v, "label_"),
		})
	}
	return out, nil
}

func pickListV2Target(externalID, loc string) (string, string, error) {
	picklistID, code, ok := strings.Cut(externalID, "/")
	if !ok || picklistID == "" || code == "" {
		return "", "", fmt.Errorf("picklist value id %q is not <picklist>/<value>", externalID)
	}
	return fmt.Sprintf("PickListValueV2(PickListV2_id='%s',externalCode='%s')", odataEscape(picklistID), odataEscape(code)),
		"label_" + loc, nil
}

func decodeFoundationObject(name string) func(json.RawMessage) ([]Entity, error) {
	return func(raw json.RawMessage) ([]Entity, error) {
		var rec map[string]json.RawMessage
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		desc := stringProp(rec, "name_defaultValue")
		if desc == "" {
			desc = stringProp(rec, "name")
		}
		return []Entity{{
			Type:        name,
			ExternalID:  stringProp(rec, "externalCode"),
			Description: desc,
			Labels:      localizedProps(rec, "name_"),
		}}, nil
	}
}

func foundationObjectTarget(name string) func(string, string) (string, string, error) {
	return func(externalID, loc string) (string, string, error) {
		if externalID == "" {
			return "", "", fmt.Errorf("empty external id")
		}
		return fmt.Sprintf("%s(externalCode='%s')", name, odataEscape(externalID)), "name_" + loc, nil
	}
}

// odataEscape doubles single quotes inside an OData string literal.
func odataEscape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
