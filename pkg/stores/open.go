package stores

import (
	"context"
	"fmt"
	"time"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
	DriverMemory   = "memory"
)

// Options selects and configures a backend for Open.
type Options struct {
	Driver string

	// Path is the SQLite file or Badger directory.
	Path string

	// DSN is the PostgreSQL connection string.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open builds the backend named by opts.Driver, connects it and applies
// pending migrations. An empty driver selects SQLite.
func Open(ctx context.Context, opts Options) (Backend, error) {
	var (
		backend Backend
		err     error
	)
	switch opts.Driver {
	case "", DriverSQLite:
		backend, err = NewSQLiteStore(Config{
			Path:            opts.Path,
			MaxOpenConns:    opts.MaxOpenConns,
			MaxIdleConns:    opts.MaxIdleConns,
			ConnMaxLifetime: opts.ConnMaxLifetime,
		})
	case DriverPostgres:
		backend, err = NewPostgresStore(PostgresConfig{
			DSN:             opts.DSN,
			MaxOpenConns:    opts.MaxOpenConns,
			MaxIdleConns:    opts.MaxIdleConns,
			ConnMaxLifetime: opts.ConnMaxLifetime,
		})
	case DriverBadger:
		backend, err = NewBadgerStore(DefaultBadgerConfig(opts.Path))
	case DriverMemory:
		backend = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := backend.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", driverName(opts.Driver), err)
	}
	if err := backend.Migrate(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to migrate %s store: %w", driverName(opts.Driver), err)
	}
	return backend, nil
}

func driverName(driver string) string {
	if driver == "" {
		return DriverSQLite
	}
	return driver
}
