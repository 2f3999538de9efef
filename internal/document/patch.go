package document

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/JonMunkholm/trexsync/internal/locale"
)

// Edits maps an element key to the locale texts that should be written.
type Edits map[string]map[string]string

// Set records text for key and locale.
func (e Edits) Set(key, loc, text string) {
	m, ok := e[key]
	if !ok {
		m = make(map[string]string)
		e[key] = m
	}
	m[loc] = text
}

// EditsFrom builds the edits that would rewrite every element with its
// current texts. Patching with them is a no-op.
func EditsFrom(elements []Element) Edits {
	edits := make(Edits, len(elements))
	for _, el := range elements {
		for loc, text := range el.Texts {
			edits.Set(el.Key(), loc, text)
		}
	}
	return edits
}

// Change describes one applied edit.
type Change struct {
	Key      string
	Locale   string
	Old      string
	New      string
	Inserted bool // a new variant element was created
}

// PatchResult is the outcome of Patch.
type PatchResult struct {
	Data    []byte
	Applied []Change
	Skipped []*PatchError
}

// Changed reports whether Data differs from the source document.
func (r *PatchResult) Changed() bool {
	return len(r.Applied) > 0
}

type splice struct {
	start, end int64
	repl       []byte
	seq        int
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Patch writes the given texts into the document and returns the resulting
// bytes. Existing variants are rewritten in place, self-closing variants are
// expanded, and missing variants are inserted after the element's last
// variant with the same indentation. Keys that do not resolve and texts
// XML cannot carry are reported in PatchResult.Skipped and the remaining
// edits still apply. Texts equal to
// the current value are left alone, so nodes outside edits are never touched.
//
// The returned error is reserved for failures that make the whole patch
// unusable, such as a result that no longer parses.
func (d *Document) Patch(edits Edits) (*PatchResult, error) {
	res := &PatchResult{}

	keys := make([]string, 0, len(edits))
	for k := range edits {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var splices []splice
	for _, key := range keys {
		texts := edits[key]
		locs := make([]string, 0, len(texts))
		for loc := range texts {
			locs = append(locs, loc)
		}
		sort.Strings(locs)

		ow, ok := d.index[key]
		if !ok {
			for _, loc := range locs {
				res.Skipped = append(res.Skipped, &PatchError{DocumentID: d.ID, Key: key, Locale: loc, Err: ErrUnresolvedPath})
			}
			continue
		}

		for _, loc := range locs {
			text := texts[loc]
			code := locale.Normalize(loc)
			if !locale.Valid(code) {
				res.Skipped = append(res.Skipped, &PatchError{DocumentID: d.ID, Key: key, Locale: loc, Err: ErrInvalidLocale})
				continue
			}

			if !validText(text) {
				res.Skipped = append(res.Skipped, &PatchError{DocumentID: d.ID, Key: key, Locale: loc, Err: ErrInvalidText})
				continue
			}

			node, exists := ow.variants[code]
			switch {
			case exists && node.text == text:
				continue
			case exists && !node.selfClosing:
				splices = append(splices, splice{start: node.innerStart, end: node.innerEnd, repl: []byte(textEscaper.Replace(text))})
			case exists:
				var b bytes.Buffer
				b.Write(node.openTag)
				b.WriteByte('>')
				b.WriteString(textEscaper.Replace(text))
				fmt.Fprintf(&b, "</%s>", ow.elem.Marker)
				splices = append(splices, splice{start: node.start, end: node.end, repl: b.Bytes()})
			case text == "":
				continue
			default:
				var b bytes.Buffer
				b.Write(ow.indent)
				fmt.Fprintf(&b, `<%s xml:lang="%s">`, ow.elem.Marker, locale.Format(code, d.sep))
				b.WriteString(textEscaper.Replace(text))
				fmt.Fprintf(&b, "</%s>", ow.elem.Marker)
				splices = append(splices, splice{start: ow.insertAt, end: ow.insertAt, repl: b.Bytes()})
			}

			splices[len(splices)-1].seq = len(splices) - 1
			res.Applied = append(res.Applied, Change{
				Key:      key,
				Locale:   code,
				Old:      node.text,
				New:      text,
				Inserted: !exists,
			})
		}
	}

	if len(splices) == 0 {
		res.Data = d.Bytes()
		return res, nil
	}

	sort.Slice(splices, func(i, j int) bool {
		if splices[i].start != splices[j].start {
			return splices[i].start < splices[j].start
		}
		return splices[i].seq < splices[j].seq
	})

	var out bytes.Buffer
	out.Grow(len(d.body) + 256)
	var pos int64
	for _, sp := range splices {
		out.Write(d.body[pos:sp.start])
		out.Write(sp.repl)
		pos = sp.end
	}
	out.Write(d.body[pos:])

	data, err := d.encodeBody(out.Bytes())
	if err != nil {
		return nil, err
	}
	if _, err := Parse(d.ID, data, d.Type); err != nil {
		return nil, fmt.Errorf("patched document %q no longer parses: %w", d.ID, err)
	}

	res.Data = data
	return res, nil
}

// validText reports whether every rune of s is a legal XML 1.0 character.
func validText(s string) bool {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return false
		}
		switch {
		case r == 0x09 || r == 0x0A || r == 0x0D:
		case r >= 0x20 && r <= 0xD7FF:
		case r >= 0xE000 && r <= 0xFFFD:
		case r >= 0x10000 && r <= 0x10FFFF:
		default:
			return false
		}
		i += size
	}
	return true
}
