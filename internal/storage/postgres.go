package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig sizes the PostgreSQL connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects, verifies the connection and applies migrations.
func OpenPostgres(ctx context.Context, url string, pc PoolConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if pc.MaxConns > 0 {
		poolConfig.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		poolConfig.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = pc.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if dbName := poolConfig.ConnConfig.Database; dbName != "" {
		slog.Info("connected to database", "name", dbName)
	}

	s := &Postgres{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres wraps an existing pool. Migrations are not applied.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        name TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	files, err := migrationFiles("postgres")
	if err != nil {
		return err
	}
	for _, name := range files {
		var n int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM schema_migrations WHERE name = $1`, name).Scan(&n)
		if err == nil {
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		b, err := migrationsFS.ReadFile(path.Join("migrations", "postgres", name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(b)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations(name) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		slog.Info("applied migration", "name", name)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.pool.QueryRow(ctx, `SELECT data FROM artifacts WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (s *Postgres) Put(ctx context.Context, key string, data []byte) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if data == nil {
		data = []byte{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO artifacts (key, data, size, created_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, size = EXCLUDED.size, created_at = now()`,
		key, data, len(data))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func (s *Postgres) Pushed(ctx context.Context, key PushKey) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM push_ledger
		WHERE project = $1 AND entity_type = $2 AND external_id = $3 AND locale = $4`,
		key.Project, key.EntityType, key.ExternalID, key.Locale).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ledger lookup %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Postgres) RecordPush(ctx context.Context, key PushKey, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO push_ledger (project, entity_type, external_id, locale, value, pushed_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (project, entity_type, external_id, locale)
		DO UPDATE SET value = EXCLUDED.value, pushed_at = now()`,
		key.Project, key.EntityType, key.ExternalID, key.Locale, value)
	if err != nil {
		return fmt.Errorf("ledger record %s: %w", key, err)
	}
	return nil
}

func (s *Postgres) SaveRun(ctx context.Context, r RunRecord) error {
	finished := pgtype.Timestamptz{Time: r.Finished, Valid: !r.Finished.IsZero()}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, project_id, kind, status, artifact, issues, error, requested_by, user_agent, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			artifact = EXCLUDED.artifact,
			issues = EXCLUDED.issues,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`,
		r.ID, r.ProjectID, r.Kind, r.Status, r.Artifact, r.Issues, r.Error, r.RequestedBy, r.UserAgent, r.Started, finished)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Postgres) Runs(ctx context.Context, projectID string, limit int) ([]RunRecord, error) {
	query := `
		SELECT id, project_id, kind, status, artifact, issues, error, requested_by, user_agent, started_at, finished_at
		FROM runs WHERE project_id = $1
		ORDER BY started_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var finished pgtype.Timestamptz
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Kind, &r.Status, &r.Artifact, &r.Issues, &r.Error, &r.RequestedBy, &r.UserAgent, &r.Started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			r.Finished = finished.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) Purge(ctx context.Context, before time.Time) (int, error) {
	total := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM artifacts WHERE created_at < $1`, before)
		if err != nil {
			return err
		}
		total += int(tag.RowsAffected())
		tag, err = tx.Exec(ctx, `DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < $1`, before)
		if err != nil {
			return err
		}
		total += int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return total, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
