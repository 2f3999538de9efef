package core

import (
	"time"

	"github.com/JonMunkholm/trexsync/internal/document"
	"github.com/JonMunkholm/trexsync/internal/pipeline"
)

// Upload is one file received with a run request.
type Upload struct {
	Name string           // file name; becomes the document id
	Type document.DocType // empty: detect from the root element
	Data []byte
}

// ExportRequest starts an export.
type ExportRequest struct {
	Documents []Upload
	Selection pipeline.Selection
}

// ImportRequest starts an import. Documents can be uploaded again or
// referenced by the storage keys of an earlier run's uploads; both lists
// are combined.
type ImportRequest struct {
	Workbook []byte

	// Baseline is the workbook as exported. When nil it is read from
	// BaselineKey.
	Baseline    []byte
	BaselineKey string

	Documents    []Upload
	DocumentKeys []string
	Push         bool
}

// RunProgress is the progress snapshot sent to subscribers.
type RunProgress struct {
	RunID     string          `json:"run_id"`
	ProjectID string          `json:"project_id"`
	Kind      pipeline.Kind   `json:"kind"`
	Status    pipeline.Status `json:"status"`
	Step      int             `json:"step"`
	Total     int             `json:"total"`
	Label     string          `json:"label,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Percent   int             `json:"percent"`
	Error     string          `json:"error,omitempty"`
	Time      time.Time       `json:"time"`
}

// Done reports whether this is the final snapshot of the run.
func (p RunProgress) Done() bool {
	return p.Status.Terminal()
}
