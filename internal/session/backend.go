package session

import (
	"fmt"
	"strings"
	"time"

	"accession/internal/config"
	"accession/internal/coord"
	"accession/internal/coord/memstore"
	"accession/internal/coord/sqlstore"
)

// BackendOptions configures OpenBackend.
type BackendOptions struct {
	SessionTimeout time.Duration
	Owner          string
}

// OpenBackend opens the store named by a connection string: "mem://" or
// "sqlite://<path>".
func OpenBackend(connect string, opts BackendOptions) (coord.Backend, error) {
	connect = strings.TrimSpace(connect)
	switch {
	case connect == config.SchemeMemory:
		return memstore.New(memstore.Options{
			SessionTimeout: opts.SessionTimeout,
			Keepalive:      opts.SessionTimeout / 3,
		}), nil
	case strings.HasPrefix(connect, config.SchemeSQLite):
		path := strings.TrimPrefix(connect, config.SchemeSQLite)
		store, err := sqlstore.Open(path, sqlstore.Options{
			SessionTimeout: opts.SessionTimeout,
			Owner:          opts.Owner,
		})
		if err != nil {
			return nil, fmt.Errorf("open coordination store %s: %w", path, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported coordination store %q", connect)
	}
}
