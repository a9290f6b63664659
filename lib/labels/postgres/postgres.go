// Package postgres implements a label source over an address_labels table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" //nolint:gci // load the postgres driver that is used by the system

	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/labels"
)

// Schema creates the table read by Source.
const Schema = `
CREATE TABLE IF NOT EXISTS address_labels (
	address TEXT PRIMARY KEY,
	kind    TEXT NOT NULL DEFAULT 'unknown',
	label   TEXT NOT NULL DEFAULT ''
)`

// Source loads labels from PostgreSQL. Rows of kind "mixer" name the mixing contract.
type Source struct {
	db *sql.DB
}

// New opens the database in connection.
func New(connection string) (*Source, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB: %w", err)
	}

	return &Source{db: db}, nil
}

// Migrate creates the table if missing.
func (s *Source) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)

	return err
}

// Upsert sets the kind and label of an address.
func (s *Source) Upsert(ctx context.Context, address, kind, label string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO address_labels (address, kind, label) VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET kind = EXCLUDED.kind, label = EXCLUDED.label
	`, address, kind, label)
	if err != nil {
		return fmt.Errorf("upsert address label: %w", err)
	}

	return nil
}

// Close closes the database.
func (s *Source) Close() error {
	return s.db.Close()
}

// Load implements labels.Source.
func (s *Source) Load(ctx context.Context) (labels.Data, error) {
	d := labels.Data{Labels: map[string]string{}}

	rows, err := s.db.QueryContext(ctx, `SELECT address, kind, label FROM address_labels`)
	if err != nil {
		return d, fmt.Errorf("query address labels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr, kind, label string
		if err := rows.Scan(&addr, &kind, &label); err != nil {
			return d, fmt.Errorf("scan address label: %w", err)
		}

		switch kind {
		case flow.KindExchange.String():
			d.Exchanges = append(d.Exchanges, addr)
		case flow.KindSmartContract.String():
			d.SmartContracts = append(d.SmartContracts, addr)
		case "mixer":
			d.Mixer = addr
		}

		if label != "" {
			d.Labels[addr] = label
		}
	}

	return d, rows.Err()
}
