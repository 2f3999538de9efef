package pipeline

import (
	"fmt"
	"sync"
)

// Severity of an issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Stable issue codes. They appear in results, changelogs and the workbook's
// Metadata sheet, so they never change meaning.
const (
	CodeParseFailed        = "PARSE_FAILED"
	CodeCatalogUnavailable = "CATALOG_UNAVAILABLE"
	CodeCatalogFetchFailed = "CATALOG_FETCH_FAILED"
	CodeLocaleInactive     = "LOCALE_INACTIVE"
	CodeSheetNameTooLong   = "SHEET_NAME_TOO_LONG"
	CodeWorkbookInvalid    = "WORKBOOK_INVALID"
	CodePatchSkipped       = "PATCH_SKIPPED"
	CodePatchFailed        = "PATCH_FAILED"
	CodePushFailed         = "PUSH_FAILED"
	CodePushSkipped        = "PUSH_SKIPPED"
	CodeRowNotInBaseline   = "ROW_NOT_IN_BASELINE"
	CodeCellCleared        = "CELL_CLEARED"
	CodeReadOnly           = "READ_ONLY"
	CodeDocumentMissing    = "DOCUMENT_MISSING"
	CodeStorageFailed      = "STORAGE_FAILED"
	CodeCancelled          = "RUN_CANCELLED"
	CodeInternal           = "INTERNAL"
)

// Issue is one warning or error recorded during a run.
type Issue struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	Severity Severity          `json:"severity"`
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Code, i.Message)
}

// Issues collects issues. It is safe for concurrent use.
type Issues struct {
	mu   sync.Mutex
	list []Issue
}

// Add records an issue.
func (s *Issues) Add(i Issue) {
	s.mu.Lock()
	s.list = append(s.list, i)
	s.mu.Unlock()
}

// Warn records a warning. ctx holds alternating keys and values.
func (s *Issues) Warn(code, msg string, ctx ...string) {
	s.Add(Issue{Code: code, Message: msg, Context: pairs(ctx), Severity: SeverityWarning})
}

// Error records an error.
func (s *Issues) Error(code, msg string, ctx ...string) {
	s.Add(Issue{Code: code, Message: msg, Context: pairs(ctx), Severity: SeverityError})
}

// List returns a copy of the recorded issues in order.
func (s *Issues) List() []Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Issue(nil), s.list...)
}

// Len returns the number of issues.
func (s *Issues) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Count returns the number of issues with the given code.
func (s *Issues) Count(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, i := range s.list {
		if i.Code == code {
			n++
		}
	}
	return n
}

// HasErrors reports whether any error-severity issue was recorded.
func (s *Issues) HasErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.list {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

func pairs(kv []string) map[string]string {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}
