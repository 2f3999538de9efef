// Package storage holds the persistence collaborators of the pipeline:
// artifact bytes (uploaded documents, workbooks, changelogs), the push
// ledger that makes catalog pushes idempotent, and run history.
//
// Four backends implement the same Store interface: PostgreSQL, SQLite,
// a plain directory, and memory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get for an unknown key.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidKey is returned for keys that are empty, absolute or escape
	// their namespace.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Storage stores artifact bytes under slash-separated keys.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores data and returns the key it was stored under.
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// PushKey identifies one pushed catalog translation.
type PushKey struct {
	Project    string
	EntityType string
	ExternalID string
	Locale     string
}

func (k PushKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Project, k.EntityType, k.ExternalID, k.Locale)
}

// PushLedger remembers the last value successfully pushed per key.
type PushLedger interface {
	// Pushed returns the last pushed value and whether one exists.
	Pushed(ctx context.Context, key PushKey) (string, bool, error)
	RecordPush(ctx context.Context, key PushKey, value string) error
}

// RunRecord is the persisted summary of one pipeline run.
type RunRecord struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Artifact    string    `json:"artifact,omitempty"`
	Issues      int       `json:"issues"`
	Error       string    `json:"error,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"` // client address that started the run
	UserAgent   string    `json:"user_agent,omitempty"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
}

// RunStore keeps run history.
type RunStore interface {
	SaveRun(ctx context.Context, r RunRecord) error
	// Runs returns a project's runs, newest first. limit <= 0 means all.
	Runs(ctx context.Context, projectID string, limit int) ([]RunRecord, error)
}

// Store is what a backend provides.
type Store interface {
	Storage
	PushLedger
	RunStore

	// Purge deletes artifacts and run records older than before and returns
	// how many items were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// CleanKey validates key and returns its canonical form.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

// ExportKey is where an export run stores its workbook.
func ExportKey(project, run string) string {
	return path.Join("exports", project, run, "workbook.xlsx")
}

// ImportKey is where an import run stores the named artifact.
func ImportKey(project, run, name string) string {
	return path.Join("imports", project, run, name)
}

// ImportDocumentKey is where an import run stores a patched document.
func ImportDocumentKey(project, run, documentID string) string {
	return path.Join("imports", project, run, "documents", documentID)
}

// UploadKey is where the service keeps an uploaded input file.
func UploadKey(project, run, name string) string {
	return path.Join("uploads", project, run, path.Base(name))
}

func sortRuns(runs []RunRecord, limit int) []RunRecord {
	sort.SliceStable(runs, func(i, j int) bool { return newer(runs[i], runs[j]) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

func newer(a, b RunRecord) bool {
	if !a.Started.Equal(b.Started) {
		return a.Started.After(b.Started)
	}
	return a.ID > b.ID
}
