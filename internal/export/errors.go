package export

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JonMunkholm/trexsync/internal/pipeline"
)

var (
	ErrNothingSelected   = errors.New("no documents and no catalog data selected")
	ErrDuplicateDocument = errors.New("duplicate document id")
)

// ExtractionError is a fatal export failure.
type ExtractionError struct {
	Step       string
	DocumentID string // set when one input caused the failure
	Err        error
}

func (e *ExtractionError) Error() string {
	if e.DocumentID != "" {
		return fmt.Sprintf("export %s: document %s: %v", e.Step, e.DocumentID, e.Err)
	}
	return fmt.Sprintf("export %s: %v", e.Step, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// progressCounter serialises progress reports from pool workers.
type progressCounter struct {
	mu     sync.Mutex
	n      int
	total  int
	report pipeline.Report
}

func (p *progressCounter) done(detail string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	p.report(float64(p.n)/float64(p.total), detail)
}
