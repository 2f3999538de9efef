package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

var changelogHeader = []string{
	"sheet", "row_key", "locale", "target",
	"document_id", "element_key", "entity_type", "external_id",
	"old", "new", "outcome", "code", "reason",
}

// Changelog renders every record of cs as CSV, one line per record in
// change set order.
func Changelog(cs *ChangeSet) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(changelogHeader); err != nil {
		return nil, fmt.Errorf("write changelog header: %w", err)
	}
	for _, r := range cs.Records {
		row := []string{
			r.Sheet, r.RowKey, r.Locale, string(r.Target),
			r.DocumentID, r.ElementKey, r.EntityType, r.ExternalID,
			r.Old, r.New, string(r.Outcome), r.Code, r.Reason,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write changelog row %s: %w", r.RowKey, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush changelog: %w", err)
	}
	return buf.Bytes(), nil
}
