// Package source opens the label source named in the configuration.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tarancss/fundflow/lib/labels"
	"github.com/tarancss/fundflow/lib/labels/postgres"
	"github.com/tarancss/fundflow/lib/labels/redis"
)

// Label source types.
const (
	NONE     string = ""
	FILE     string = "file"
	POSTGRES string = "postgresql"
	REDIS    string = "redis"
)

// ErrUnknownType is returned for an unsupported source type.
var ErrUnknownType = errors.New("unknown label source type")

// New returns the label source of the given type. conn is a file name for FILE, a connection string otherwise.
func New(typ, conn string) (labels.Source, error) {
	switch typ {
	case NONE:
		return labels.Static{}, nil
	case FILE:
		return labels.File(conn), nil
	case POSTGRES:
		src, err := postgres.New(conn)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second) //nolint:gomnd // migrations timeout
		defer cancel()

		if err = src.Migrate(ctx); err != nil {
			src.Close()

			return nil, fmt.Errorf("migrate label source: %w", err)
		}

		return src, nil
	case REDIS:
		return redis.New(conn, "")
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
}

// Close closes src if it holds a connection.
func Close(src labels.Source) error {
	if c, ok := src.(interface{ Close() error }); ok {
		return c.Close()
	}

	return nil
}
