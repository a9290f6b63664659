// Package db implements the opening and graceful closing of database connections.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tarancss/fundflow/lib/store"
	"github.com/tarancss/fundflow/lib/store/memory"
	"github.com/tarancss/fundflow/lib/store/mongo"
	"github.com/tarancss/fundflow/lib/store/postgres"
)

// Database types.
const (
	MEMORY   string = "memory"
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
)

// ErrUnknownType is returned for a database type not listed above.
var ErrUnknownType = errors.New("unknown database type")

type migrator interface {
	Migrate(ctx context.Context) error
}

// New returns a new database connection according to the options (database type). Schemas and indexes are created
// when missing.
func New(options, connection string) (store.Store, error) {
	var (
		dh  store.Store
		err error
	)

	switch options {
	case MEMORY:
		return memory.New(), nil
	case MONGODB:
		dh, err = mongo.New(connection)
	case POSTGRES:
		dh, err = postgres.New(connection)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, options)
	}

	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second) //nolint:gomnd // migrations timeout
	defer cancel()

	if m, ok := dh.(migrator); ok {
		if err = m.Migrate(ctx); err != nil {
			dh.Close()

			return nil, fmt.Errorf("migrate %s: %w", options, err)
		}
	}

	return dh, nil
}

// Close gracefully closes the database connection.
func Close(dh store.Store) error {
	if dh == nil {
		return nil
	}

	return dh.Close()
}
