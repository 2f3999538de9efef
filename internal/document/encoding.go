package document

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var encodingDecl = regexp.MustCompile(`^<\?xml[^>]*?encoding\s*=\s*["']([A-Za-z0-9._:-]+)["']`)

// decodeBody strips a UTF-8 byte order mark and transcodes documents that
// declare another character set. Offsets recorded while scanning refer to the
// returned UTF-8 body.
func decodeBody(data []byte) (body []byte, enc encoding.Encoding, charset string, bom bool, err error) {
	if bytes.HasPrefix(data, []byte{0xFE, 0xFF}) || bytes.HasPrefix(data, []byte{0xFF, 0xFE}) {
		return nil, nil, "", false, fmt.Errorf("%w: UTF-16", ErrUnsupportedEncoding)
	}

	body = data
	if bytes.HasPrefix(body, utf8BOM) {
		body = body[len(utf8BOM):]
		bom = true
	}

	head := body
	if len(head) > 256 {
		head = head[:256]
	}
	m := encodingDecl.FindSubmatch(head)
	if m == nil {
		return body, nil, "", bom, nil
	}

	charset = string(m[1])
	switch strings.ToLower(charset) {
	case "utf-8", "utf8":
		return body, nil, charset, bom, nil
	}
	if bom {
		return nil, nil, "", false, fmt.Errorf("%w: %s with UTF-8 byte order mark", ErrUnsupportedEncoding, charset)
	}

	enc, err = ianaindex.IANA.Encoding(charset)
	if err != nil || enc == nil {
		return nil, nil, "", false, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, charset)
	}
	body, err = enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, nil, "", false, fmt.Errorf("%w: %s: %v", ErrUnsupportedEncoding, charset, err)
	}
	return body, enc, charset, false, nil
}

// encodeBody is the inverse of decodeBody. Runes the target character set
// cannot represent are written as numeric character references.
func (d *Document) encodeBody(body []byte) ([]byte, error) {
	out := body
	if d.enc != nil {
		var err error
		out, err = encoding.HTMLEscapeUnsupported(d.enc.NewEncoder()).Bytes(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", d.charset, err)
		}
	}
	if d.bom {
		out = append(bytes.Clone(utf8BOM), out...)
	}
	return out, nil
}

// Detect inspects the root element (and for country-specific fields the
// presence of format groups) to determine the document type.
func Detect(data []byte) (DocType, error) {
	body, _, _, _, err := decodeBody(data)
	if err != nil {
		return "", err
	}

	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }

	root := ""
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", wrapMalformed(err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if root == "" {
			root = se.Name.Local
			switch root {
			case rootSuccession:
				return SDM, nil
			case rootCorporate:
				return CDM, nil
			case rootCountry:
				continue
			default:
				return "", fmt.Errorf("%w: root element <%s>", ErrUnknownType, root)
			}
		}
		if se.Name.Local == formatGroupTag {
			return CSFSDM, nil
		}
	}

	if root == "" {
		return "", wrapMalformed(errors.New("no root element"))
	}
	return CSFCDM, nil
}
