// Package document parses the platform's XML configuration documents,
// enumerates their translatable text and writes edited translations back.
//
// A Document keeps the exact source bytes. Extract works from byte offsets
// recorded while tokenizing, and Patch splices replacement text into those
// offsets, so everything outside an edited text node is reproduced verbatim:
// attribute order, quoting, whitespace, comments and the DOCTYPE all survive.
//
// Translatable elements are elements owning one or more direct <label> or
// <instruction> children. Each child carries one locale variant through its
// xml:lang attribute; a child without xml:lang is the default text.
//
//	<hris-field id="title">
//	  <label>Title</label>
//	  <label xml:lang="de-DE">Titel</label>
//	</hris-field>
//
// Elements are addressed by a structural path built from ancestor tag names
// and a 1-based index among same-named siblings in encounter order:
//
//	/succession-data-model[1]/hris-element[3]/hris-field[2]
//
// The path plus the marker tag ("label" or "instruction") forms the element
// key used by workbook rows and by Patch.
//
// Elements with visibility="none" and the template and permission blocks
// listed in ignoredTags are not translatable; nothing below them is
// extracted. They still count toward sibling indexes, so keys do not
// depend on which subtrees are hidden.
package document

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/JonMunkholm/trexsync/internal/locale"
	"golang.org/x/text/encoding"
)

// Marker tags that carry translatable text.
const (
	MarkerLabel       = "label"
	MarkerInstruction = "instruction"
)

// ignoredTags are subtrees whose text is never shown to end users.
var ignoredTags = map[string]bool{
	"tab-element":   true,
	"view-template": true,
	"edit-template": true,
	"fm-competency": true,
	"permission":    true,
}

const (
	picklistTag = "picklist"
	countryTag  = "country"
)

// Kind is a coarse classification of a translatable element, derived from
// its tag name.
type Kind string

const (
	KindField   Kind = "field"
	KindSection Kind = "section"
	KindOption  Kind = "option"
	KindOther   Kind = "other"
)

// Element is one translatable node of a document.
type Element struct {
	DocumentID string
	Path       string            // structural path of the owning element
	Marker     string            // child tag holding the text
	Tag        string            // tag name of the owning element
	Kind       Kind              // classification of Tag
	ElementID  string            // dotted chain of id attributes, e.g. "jobInfo.title"
	Country    string            // enclosing country id in country-specific documents
	Source     string            // default text (unqualified child, else en_US)
	Texts      map[string]string // canonical locale code -> text
}

// Key identifies the element within its document.
func (e Element) Key() string {
	return e.Path + "/" + e.Marker
}

// textNode locates one locale variant in the decoded body.
type textNode struct {
	start, end           int64 // the whole child element
	innerStart, innerEnd int64 // its content; unused when selfClosing
	selfClosing          bool
	openTag              []byte // start tag without "/>", for self-closing expansion
	text                 string
}

// owner collects the variants of one element/marker pair.
type owner struct {
	elem       Element
	start      int64
	variants   map[string]textNode
	hasDefault bool
	insertAt   int64  // end of the last marker child
	indent     []byte // whitespace preceding the last marker child
}

// Document is a parsed configuration document.
type Document struct {
	ID   string
	Type DocType

	src     []byte
	body    []byte // UTF-8 text the offsets refer to, without BOM
	bom     bool
	charset string
	enc     encoding.Encoding // nil for UTF-8
	sep     string            // xml:lang separator used by this document

	elements []Element
	index    map[string]*owner
	refs     []PicklistRef
}

// PicklistRef is a field that takes its values from a picklist.
type PicklistRef struct {
	PicklistID string
	Path       string // structural path of the referencing field
	ElementID  string
	Country    string
	Label      string // default label of the referencing field
}

// Parse tokenizes data as a document of the given type. It fails with a
// *ParseError when the XML is malformed or the root element does not match
// docType.
func Parse(id string, data []byte, docType DocType) (*Document, error) {
	if !docType.Valid() {
		return nil, &ParseError{DocumentID: id, DocType: docType, Offset: -1, Err: ErrUnknownType}
	}

	body, enc, charset, bom, err := decodeBody(data)
	if err != nil {
		return nil, &ParseError{DocumentID: id, DocType: docType, Offset: -1, Err: err}
	}

	doc := &Document{
		ID:      id,
		Type:    docType,
		src:     data,
		body:    body,
		bom:     bom,
		charset: charset,
		enc:     enc,
		sep:     "-",
		index:   make(map[string]*owner),
	}

	sc := &scanner{doc: doc}
	if err := sc.scan(); err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, &ParseError{DocumentID: id, DocType: docType, Offset: sc.offset, Err: err}
	}

	switch {
	case docType == CSFSDM && !sc.formatGroup:
		return nil, &ParseError{DocumentID: id, DocType: docType, Offset: -1,
			Err: schemaMismatch("country-specific fields without %s elements belong to %s", formatGroupTag, CSFCDM)}
	case docType == CSFCDM && sc.formatGroup:
		return nil, &ParseError{DocumentID: id, DocType: docType, Offset: -1,
			Err: schemaMismatch("country-specific fields with %s elements belong to %s", formatGroupTag, CSFSDM)}
	}

	sort.SliceStable(sc.owners, func(i, j int) bool {
		return sc.owners[i].start < sc.owners[j].start
	})
	doc.elements = make([]Element, 0, len(sc.owners))
	for _, ow := range sc.owners {
		if !ow.hasDefault {
			ow.elem.Source = ow.elem.Texts[locale.Source]
		}
		doc.index[ow.elem.Key()] = ow
		doc.elements = append(doc.elements, ow.elem)
	}

	return doc, nil
}

// Extract returns the translatable elements in document order. The returned
// slice and maps are copies.
func (d *Document) Extract() []Element {
	out := make([]Element, len(d.elements))
	for i, e := range d.elements {
		texts := make(map[string]string, len(e.Texts))
		for k, v := range e.Texts {
			texts[k] = v
		}
		e.Texts = texts
		out[i] = e
	}
	return out
}

// Element returns the element with the given key.
func (d *Document) Element(key string) (Element, bool) {
	ow, ok := d.index[key]
	if !ok {
		return Element{}, false
	}
	return ow.elem, true
}

// Len returns the number of translatable elements.
func (d *Document) Len() int {
	return len(d.elements)
}

// Locales returns the canonical locale codes present in the document, sorted.
func (d *Document) Locales() []string {
	seen := make(map[string]bool)
	for _, e := range d.elements {
		for code := range e.Texts {
			seen[code] = true
		}
	}
	out := make([]string, 0, len(seen))
	for code := range seen {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// PicklistRefs returns the picklist references of visible fields in
// document order.
func (d *Document) PicklistRefs() []PicklistRef {
	out := make([]PicklistRef, len(d.refs))
	for i, ref := range d.refs {
		if ow, ok := d.index[ref.Path+"/"+MarkerLabel]; ok {
			ref.Label = ow.elem.Source
		}
		out[i] = ref
	}
	return out
}

// Bytes returns a copy of the source bytes.
func (d *Document) Bytes() []byte {
	return bytes.Clone(d.src)
}

// Charset returns the declared character set, or "UTF-8".
func (d *Document) Charset() string {
	if d.charset == "" {
		return "UTF-8"
	}
	return d.charset
}

// scanner walks the token stream once and records element structure.
type scanner struct {
	doc         *Document
	dec         *xml.Decoder
	stack       []*frame
	root        string
	formatGroup bool
	sepSeen     bool
	label       *labelState
	prevWS      []byte
	owners      []*owner
	offset      int64
}

type frame struct {
	name    string
	path    string
	start   int64
	ids     string
	country string
	hidden  bool
	counts  map[string]int
	owners  map[string]*owner
}

type labelState struct {
	owner     *owner
	locale    string
	isDefault bool
	node      textNode
	depth     int
	text      strings.Builder
	indent    []byte
}

func (s *scanner) scan() error {
	s.dec = xml.NewDecoder(bytes.NewReader(s.doc.body))
	s.dec.Strict = true
	s.dec.Entity = xml.HTMLEntity
	// The body has already been transcoded to UTF-8.
	s.dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }

	for {
		start := s.dec.InputOffset()
		s.offset = start
		tok, err := s.dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return wrapMalformed(err)
		}
		end := s.dec.InputOffset()

		switch t := tok.(type) {
		case xml.StartElement:
			if err := s.startElement(t, start, end); err != nil {
				return err
			}
			s.prevWS = s.prevWS[:0]
		case xml.EndElement:
			s.endElement(start, end)
			s.prevWS = s.prevWS[:0]
		case xml.CharData:
			if s.label != nil {
				s.label.text.Write(t)
			}
			if len(bytes.TrimSpace(t)) == 0 {
				s.prevWS = append(s.prevWS[:0], t...)
			} else {
				s.prevWS = s.prevWS[:0]
			}
		default:
			s.prevWS = s.prevWS[:0]
		}
	}

	if s.root == "" {
		s.offset = -1
		return wrapMalformed(errors.New("no root element"))
	}
	return nil
}

func (s *scanner) top() *frame {
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

func (s *scanner) startElement(t xml.StartElement, start, end int64) error {
	name := t.Name.Local

	if s.label != nil {
		s.label.depth++
		return nil
	}

	parent := s.top()
	if parent == nil {
		if s.root != "" {
			return wrapMalformed(errors.New("multiple root elements"))
		}
		s.root = name
		if want := s.doc.Type.RootElement(); name != want {
			return &ParseError{DocumentID: s.doc.ID, DocType: s.doc.Type, Offset: start,
				Err: schemaMismatch("root element is <%s>, want <%s>", name, want)}
		}
	}
	if name == formatGroupTag {
		s.formatGroup = true
	}

	path := "/" + name + "[1]"
	if parent != nil {
		parent.counts[name]++
		path = parent.path + "/" + name + "[" + strconv.Itoa(parent.counts[name]) + "]"
	}

	if parent != nil && !parent.hidden && isMarker(name) && attr(t, "id") == "" && attr(t, "rule") == "" {
		s.beginText(parent, name, t, start, end)
		return nil
	}

	ids, country := "", ""
	hidden := ignoredTags[name] || attr(t, "visibility") == "none"
	if parent != nil {
		ids, country = parent.ids, parent.country
		hidden = hidden || parent.hidden
		if name == countryTag && len(s.stack) == 1 && s.root == rootCountry {
			country = attr(t, "id")
		}
		if name == picklistTag && !hidden && attr(t, "id") != "" {
			s.doc.refs = append(s.doc.refs, PicklistRef{
				PicklistID: attr(t, "id"),
				Path:       parent.path,
				ElementID:  parent.ids,
				Country:    parent.country,
			})
		}
	}
	if id := attr(t, "id"); id != "" {
		if ids != "" {
			ids += "."
		}
		ids += id
	}

	s.stack = append(s.stack, &frame{
		name:    name,
		path:    path,
		start:   start,
		ids:     ids,
		country: country,
		hidden:  hidden,
		counts:  make(map[string]int),
	})
	return nil
}

func (s *scanner) beginText(parent *frame, marker string, t xml.StartElement, start, end int64) {
	if parent.owners == nil {
		parent.owners = make(map[string]*owner)
	}
	ow := parent.owners[marker]
	if ow == nil {
		ow = &owner{
			elem: Element{
				DocumentID: s.doc.ID,
				Path:       parent.path,
				Marker:     marker,
				Tag:        parent.name,
				Kind:       kindOf(parent.name),
				ElementID:  parent.ids,
				Country:    parent.country,
				Texts:      make(map[string]string),
			},
			start:    parent.start,
			variants: make(map[string]textNode),
		}
		parent.owners[marker] = ow
		s.owners = append(s.owners, ow)
	}

	st := &labelState{
		owner:  ow,
		node:   textNode{start: start, innerStart: end},
		indent: indentOf(s.prevWS),
	}
	body := s.doc.body
	if end-start >= 2 && body[end-2] == '/' && body[end-1] == '>' {
		st.node.selfClosing = true
		st.node.openTag = bytes.TrimRight(bytes.Clone(body[start:end-2]), " \t\r\n")
	}

	if lang := langAttr(t); lang != "" {
		st.locale = locale.Normalize(lang)
		if !s.sepSeen {
			if strings.Contains(lang, "_") {
				s.doc.sep = "_"
			}
			s.sepSeen = true
		}
	} else {
		st.isDefault = true
	}
	s.label = st
}

func (s *scanner) endElement(start, end int64) {
	if s.label != nil {
		if s.label.depth > 0 {
			s.label.depth--
			return
		}
		s.finishText(start, end)
		return
	}
	if len(s.stack) > 0 {
		s.stack = s.stack[:len(s.stack)-1]
	}
}

func (s *scanner) finishText(start, end int64) {
	st := s.label
	s.label = nil

	st.node.end = end
	if st.node.selfClosing {
		st.node.innerStart, st.node.innerEnd = -1, -1
	} else {
		st.node.innerEnd = start
	}
	st.node.text = st.text.String()

	ow := st.owner
	ow.insertAt = end
	ow.indent = st.indent

	if st.isDefault {
		if !ow.hasDefault {
			ow.elem.Source = st.node.text
			ow.hasDefault = true
		}
		return
	}
	if _, dup := ow.variants[st.locale]; dup {
		return
	}
	ow.variants[st.locale] = st.node
	ow.elem.Texts[st.locale] = st.node.text
}

func isMarker(name string) bool {
	return name == MarkerLabel || name == MarkerInstruction
}

func attr(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}

// langAttr returns the xml:lang value, falling back to a plain lang attribute.
func langAttr(t xml.StartElement) string {
	var plain string
	for _, a := range t.Attr {
		if a.Name.Local != "lang" {
			continue
		}
		if a.Name.Space == "" {
			plain = a.Value
			continue
		}
		return strings.TrimSpace(a.Value)
	}
	return strings.TrimSpace(plain)
}

// indentOf keeps the whitespace from the last line break on, which is the
// indentation an inserted sibling should reuse.
func indentOf(ws []byte) []byte {
	if len(ws) == 0 {
		return nil
	}
	if i := bytes.LastIndexByte(ws, '\n'); i >= 0 {
		ws = ws[i:]
	}
	return bytes.Clone(ws)
}

func kindOf(tag string) Kind {
	switch {
	case strings.Contains(tag, "section"):
		return KindSection
	case strings.Contains(tag, "enum"), strings.Contains(tag, "option"), strings.HasSuffix(tag, "-value"):
		return KindOption
	case strings.Contains(tag, "field"), strings.Contains(tag, "element"):
		return KindField
	}
	return KindOther
}
