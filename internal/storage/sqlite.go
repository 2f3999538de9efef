package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// sqliteTime is fixed width so stored timestamps compare as strings.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB
	sq sq.StatementBuilderType
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens the database at dbPath, applies migrations and returns
// the store. ":memory:" opens a private in-memory database.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("make db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	if err := applySQLiteMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, sq: sq.StatementBuilder}, nil
}

func applySQLiteMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        name TEXT NOT NULL UNIQUE,
        applied_at TEXT NOT NULL
    )`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	files, err := migrationFiles("sqlite")
	if err != nil {
		return err
	}
	for _, name := range files {
		var n int
		err := db.QueryRow(`SELECT 1 FROM schema_migrations WHERE name = ?`, name).Scan(&n)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		b, err := migrationsFS.ReadFile(path.Join("migrations", "sqlite", name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.Exec(string(b)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations(name, applied_at) VALUES (?, ?)`, name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// migrationFiles lists the .sql files of one dialect in apply order.
func migrationFiles(dialect string) ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, path.Join("migrations", dialect))
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	q, args, _ := s.sq.Select("data").From("artifacts").Where(sq.Eq{"key": key}).ToSql()
	var data []byte
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (s *SQLite) Put(ctx context.Context, key string, data []byte) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if data == nil {
		data = []byte{}
	}
	q, args, _ := s.sq.Insert("artifacts").
		Columns("key", "data", "size", "created_at").
		Values(key, data, len(data), time.Now().UTC().Format(sqliteTime)).
		Suffix("ON CONFLICT(key) DO UPDATE SET data=excluded.data, size=excluded.size, created_at=excluded.created_at").
		ToSql()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func (s *SQLite) Pushed(ctx context.Context, key PushKey) (string, bool, error) {
	q, args, _ := s.sq.Select("value").From("push_ledger").Where(sq.Eq{
		"project":     key.Project,
		"entity_type": key.EntityType,
		"external_id": key.ExternalID,
		"locale":      key.Locale,
	}).ToSql()
	var v string
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("ledger lookup %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLite) RecordPush(ctx context.Context, key PushKey, value string) error {
	q, args, _ := s.sq.Insert("push_ledger").
		Columns("project", "entity_type", "external_id", "locale", "value", "pushed_at").
		Values(key.Project, key.EntityType, key.ExternalID, key.Locale, value, time.Now().UTC().Format(sqliteTime)).
		Suffix("ON CONFLICT(project, entity_type, external_id, locale) DO UPDATE SET value=excluded.value, pushed_at=excluded.pushed_at").
		ToSql()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("ledger record %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) SaveRun(ctx context.Context, r RunRecord) error {
	finished := ""
	if !r.Finished.IsZero() {
		finished = r.Finished.UTC().Format(sqliteTime)
	}
	q, args, _ := s.sq.Insert("runs").
		Columns("id", "project_id", "kind", "status", "artifact", "issues", "error", "requested_by", "user_agent", "started_at", "finished_at").
		Values(r.ID, r.ProjectID, r.Kind, r.Status, r.Artifact, r.Issues, r.Error, r.RequestedBy, r.UserAgent, r.Started.UTC().Format(sqliteTime), finished).
		Suffix(`ON CONFLICT(id) DO UPDATE SET status=excluded.status, artifact=excluded.artifact,
			issues=excluded.issues, error=excluded.error, finished_at=excluded.finished_at`).
		ToSql()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLite) Runs(ctx context.Context, projectID string, limit int) ([]RunRecord, error) {
	b := s.sq.Select("id", "project_id", "kind", "status", "artifact", "issues", "error", "requested_by", "user_agent", "started_at", "finished_at").
		From("runs").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("started_at DESC", "id DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	q, args, _ := b.ToSql()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Kind, &r.Status, &r.Artifact, &r.Issues, &r.Error, &r.RequestedBy, &r.UserAgent, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started, _ = time.Parse(sqliteTime, started)
		if finished != "" {
			r.Finished, _ = time.Parse(sqliteTime, finished)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Purge(ctx context.Context, before time.Time) (int, error) {
	cutoff := before.UTC().Format(sqliteTime)
	total := 0
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		stmts := []sq.DeleteBuilder{
			s.sq.Delete("artifacts").Where(sq.Lt{"created_at": cutoff}),
			s.sq.Delete("runs").Where(sq.And{sq.NotEq{"finished_at": ""}, sq.Lt{"finished_at": cutoff}}),
		}
		for _, d := range stmts {
			q, args, _ := d.ToSql()
			res, err := tx.ExecContext(ctx, q, args...)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return total, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
