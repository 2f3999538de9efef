package catalog

import (
	"context"
	"encoding/xml"
	"net/url"
	"sort"
	"strings"

	"github.com/JonMunkholm/trexsync/internal/locale"
)

// edmx is the subset of an OData v2 metadata document the client reads.
type edmx struct {
	Schemas []struct {
		EntityTypes []edmEntityType `xml:"EntityType"`
	} `xml:"DataServices>Schema"`
}

type edmEntityType struct {
	Name       string        `xml:"Name,attr"`
	Properties []edmProperty `xml:"Property"`
}

type edmProperty struct {
	Name  string     `xml:"Name,attr"`
	Type  string     `xml:"Type,attr"`
	Attrs []xml.Attr `xml:",any,attr"`
}

// label returns the sap:label annotation.
func (p edmProperty) label() string {
	for _, a := range p.Attrs {
		if a.Name.Local == "label" && a.Name.Space != "" {
			return a.Value
		}
	}
	return ""
}

func (c *Client) metadata(ctx context.Context, op, entityType string, query url.Values) (*edmx, error) {
	body, err := c.get(ctx, op, entityType, "/"+entityType+"/$metadata", query)
	if err != nil {
		return nil, err
	}
	var doc edmx
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: op, EntityType: entityType, Err: err}
	}
	return &doc, nil
}

func (d *edmx) entityType(name string) (edmEntityType, bool) {
	for _, s := range d.Schemas {
		for _, et := range s.EntityTypes {
			if et.Name == name {
				return et, true
			}
		}
	}
	return edmEntityType{}, false
}

// FetchLocales returns the locales enabled on the tenant, read from the
// label_<locale> properties of the picklist value type. The source locale
// comes first, the rest in code order, all active.
func (c *Client) FetchLocales(ctx context.Context) ([]locale.Locale, error) {
	const op = "fetch locales"
	doc, err := c.metadata(ctx, op, "PickListValueV2", nil)
	if err != nil {
		return nil, err
	}
	et, ok := doc.entityType("PickListValueV2")
	if !ok {
		return nil, &Error{Kind: KindProtocol, Op: op, EntityType: "PickListValueV2", Err: ErrProtocol}
	}

	seen := make(map[string]bool)
	var out []locale.Locale
	for _, p := range et.Properties {
		suffix, ok := strings.CutPrefix(p.Name, "label_")
		if !ok || nonLocaleSuffixes[suffix] || !locale.Valid(suffix) {
			continue
		}
		code := locale.Normalize(suffix)
		if seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, locale.Locale{Code: code, Active: true})
	}
	locale.Sort(out)
	return out, nil
}

// FetchObjectDefinitions returns one entity per property of each MDF object,
// labelled with the property's sap:label in every requested locale. These
// records are informational and cannot be pushed back.
func (c *Client) FetchObjectDefinitions(ctx context.Context, objects, locales []string) ([]Entity, error) {
	const op = "fetch object definitions"
	locales = locale.Selection(locales)

	var out []Entity
	for _, obj := range objects {
		byProp := make(map[string]*Entity)
		var order []string

		for _, loc := range locales {
			doc, err := c.metadata(ctx, op, obj, url.Values{"sap-language": {loc}})
			if err != nil {
				return nil, err
			}
			et, ok := doc.entityType(obj)
			if !ok {
				return nil, &Error{Kind: KindNotFound, Op: op, EntityType: obj, Err: ErrNotFound}
			}
			for _, p := range et.Properties {
				e, ok := byProp[p.Name]
				if !ok {
					e = &Entity{
						Type:       obj,
						ExternalID: obj + "." + p.Name,
						Labels:     make(map[string]string),
					}
					byProp[p.Name] = e
					order = append(order, p.Name)
				}
				lbl := p.label()
				e.Labels[loc] = lbl
				if loc == locale.Source {
					e.Description = lbl
				}
			}
		}

		sort.Strings(order)
		for _, name := range order {
			out = append(out, *byProp[name])
		}
	}
	return out, nil
}
