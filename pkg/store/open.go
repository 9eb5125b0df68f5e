package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config selects and locates the message store.
type Config struct {
	Driver string
	DSN    string
	// Path is used by the sqlite driver when DSN is empty.
	Path string
}

// Open returns the store described by cfg.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		log.Debug().Msg("using in-memory message store")
		return NewMemoryStore(), nil
	case "", DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			if cfg.Path == "" {
				return nil, fmt.Errorf("sqlite store: path or dsn is required")
			}
			if dir := filepath.Dir(cfg.Path); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, errors.Wrapf(err, "create directory for %s", cfg.Path)
				}
			}
			dsn = SQLiteDSNForFile(cfg.Path)
		}
		log.Debug().Str("dsn", dsn).Msg("opening sqlite message store")
		return NewSQLiteStore(dsn)
	case DriverPostgres:
		log.Debug().Msg("opening postgres message store")
		return NewPostgresStore(cfg.DSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
