package storage

import (
	"context"
	"fmt"
)

// Drivers.
const (
	DriverPostgres   = "postgres"
	DriverSQLite     = "sqlite"
	DriverFilesystem = "filesystem"
	DriverMemory     = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
	Dir         string
	Pool        PoolConfig
}

// Open creates the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverPostgres:
		return OpenPostgres(ctx, opts.DatabaseURL, opts.Pool)
	case DriverSQLite:
		return OpenSQLite(opts.SQLitePath)
	case DriverFilesystem:
		return NewFilesystem(opts.Dir)
	case DriverMemory, "":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
}
