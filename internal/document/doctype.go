package document

import (
	"fmt"
	"strings"
)

// DocType identifies one of the configuration document flavours.
// Codes never contain an underscore so they can prefix "<DocType>_<Locale>"
// sheet names without ambiguity.
type DocType string

const (
	SDM    DocType = "SDM"    // Succession data model
	CDM    DocType = "CDM"    // Corporate data model
	CSFSDM DocType = "CSFSDM" // Country-specific fields for the succession data model
	CSFCDM DocType = "CSFCDM" // Country-specific fields for the corporate data model
)

// Root elements of each flavour.
const (
	rootSuccession = "succession-data-model"
	rootCorporate  = "corporate-data-model"
	rootCountry    = "country-specific-fields"
	formatGroupTag = "format-group"
)

// Types lists the supported document types in code order.
var Types = []DocType{CDM, CSFCDM, CSFSDM, SDM}

// Valid reports whether t is a supported document type.
func (t DocType) Valid() bool {
	switch t {
	case SDM, CDM, CSFSDM, CSFCDM:
		return true
	}
	return false
}

// RootElement returns the tag name the document's root must carry.
func (t DocType) RootElement() string {
	switch t {
	case SDM:
		return rootSuccession
	case CDM:
		return rootCorporate
	case CSFSDM, CSFCDM:
		return rootCountry
	}
	return ""
}

// Label returns a human readable name for the type.
func (t DocType) Label() string {
	switch t {
	case SDM:
		return "Succession Data Model"
	case CDM:
		return "Corporate Data Model"
	case CSFSDM:
		return "CSF Succession Data Model"
	case CSFCDM:
		return "CSF Corporate Data Model"
	}
	return string(t)
}

// ParseDocType accepts a type code in any case, with or without separators
// ("csf_sdm", "CSF-SDM", "CSFSDM").
func ParseDocType(s string) (DocType, error) {
	code := strings.ToUpper(strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(s)))
	t := DocType(code)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}
