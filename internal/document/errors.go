package document

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is wrapped by ParseError when the input is not well-formed XML.
	ErrMalformed = errors.New("malformed document")

	// ErrSchemaMismatch is wrapped by ParseError when the root element does not
	// match the declared document type.
	ErrSchemaMismatch = errors.New("document schema mismatch")

	// ErrUnknownType is returned for document type codes that are not supported.
	ErrUnknownType = errors.New("unknown document type")

	// ErrUnsupportedEncoding is wrapped by ParseError when the declared
	// character set cannot be decoded.
	ErrUnsupportedEncoding = errors.New("unsupported document encoding")

	// ErrUnresolvedPath is wrapped by PatchError when an element key does not
	// name a translatable element of the document.
	ErrUnresolvedPath = errors.New("element path does not resolve")

	// ErrInvalidLocale is wrapped by PatchError when an edit names a locale
	// code that is not well formed.
	ErrInvalidLocale = errors.New("invalid locale code")

	// ErrInvalidText is wrapped by PatchError when an edit holds characters
	// XML 1.0 does not allow, such as control characters.
	ErrInvalidText = errors.New("text contains characters not allowed in XML")
)

// ParseError reports a document that could not be loaded. It is fatal to the
// run that tried to load it.
type ParseError struct {
	DocumentID string
	DocType    DocType
	Offset     int64 // byte offset in the decoded body, -1 when unknown
	Err        error
}

func (e *ParseError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("parse %s document %q at byte %d: %v", e.DocType, e.DocumentID, e.Offset, e.Err)
	}
	return fmt.Sprintf("parse %s document %q: %v", e.DocType, e.DocumentID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// PatchError reports one edit that could not be applied. Patch collects these
// and carries on with the remaining edits.
type PatchError struct {
	DocumentID string
	Key        string
	Locale     string
	Err        error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("patch %q %s [%s]: %v", e.DocumentID, e.Key, e.Locale, e.Err)
}

func (e *PatchError) Unwrap() error {
	return e.Err
}

func wrapMalformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

func schemaMismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchemaMismatch, fmt.Sprintf(format, args...))
}
