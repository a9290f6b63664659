// Package postgres implements the ledger over a PostgreSQL transfers table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tarancss/fundflow/lib/flow"
)

// Schema creates the transfers table and the index used by the queries.
const Schema = `
CREATE TABLE IF NOT EXISTS transfers (
	tick        BIGINT      NOT NULL,
	seq         BIGINT      NOT NULL,
	tx_id       TEXT        NOT NULL,
	source      TEXT        NOT NULL,
	destination TEXT        NOT NULL,
	amount      BIGINT      NOT NULL,
	ts          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tx_id, seq)
);
CREATE INDEX IF NOT EXISTS transfers_source_tick ON transfers (source, tick, seq)`

// Ledger reads transfers from PostgreSQL.
type Ledger struct {
	db *sql.DB
}

// New opens the database in connection.
func New(connection string) (*Ledger, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Migrate creates the schema if missing.
func (l *Ledger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, Schema)

	return err
}

// Insert stores transfers, ignoring those already present.
func (l *Ledger) Insert(ctx context.Context, ts ...flow.Transfer) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transfers (tick, seq, tx_id, source, destination, amount, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_id, seq) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare insert transfer: %w", err)
	}
	defer stmt.Close()

	for _, t := range ts {
		if _, err = stmt.ExecContext(ctx, t.Tick, t.Sequence, t.TxID, t.Source, t.Destination, t.Amount,
			t.Timestamp.UTC()); err != nil {
			return fmt.Errorf("insert transfer %s: %w", t.TxID, err)
		}
	}

	return tx.Commit()
}

// GetOutgoingTransfers implements ledger.Ledger.
func (l *Ledger) GetOutgoingTransfers(ctx context.Context, addrs []string, start, end uint32) ([]flow.Transfer, error) {
	if len(addrs) == 0 {
		return nil, nil
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT tick, seq, tx_id, source, destination, amount, ts
		FROM transfers
		WHERE source = ANY($1) AND tick BETWEEN $2 AND $3
		ORDER BY tick, seq, tx_id
	`, pq.Array(addrs), start, end)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var r []flow.Transfer

	for rows.Next() {
		var (
			t  flow.Transfer
			ts time.Time
		)

		if err := rows.Scan(&t.Tick, &t.Sequence, &t.TxID, &t.Source, &t.Destination, &t.Amount, &ts); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}

		t.Timestamp = ts.UTC()
		r = append(r, t)
	}

	return r, rows.Err()
}

// GetTransfersFrom implements ledger.Ledger.
func (l *Ledger) GetTransfersFrom(ctx context.Context, addr string, start, end uint32) ([]flow.Output, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT tick, seq, tx_id, destination, amount, ts
		FROM transfers
		WHERE source = $1 AND tick BETWEEN $2 AND $3
		ORDER BY tick, seq, tx_id
	`, addr, start, end)
	if err != nil {
		return nil, fmt.Errorf("query outputs: %w", err)
	}
	defer rows.Close()

	var r []flow.Output

	for rows.Next() {
		var (
			o  flow.Output
			ts time.Time
		)

		if err := rows.Scan(&o.Tick, &o.Sequence, &o.TxID, &o.Destination, &o.Amount, &ts); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}

		o.Timestamp = ts.UTC()
		r = append(r, o)
	}

	return r, rows.Err()
}

// GetHeadTick implements ledger.Ledger.
func (l *Ledger) GetHeadTick(ctx context.Context) (uint32, error) {
	var head int64
	if err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(tick), 0) FROM transfers`).Scan(&head); err != nil {
		return 0, fmt.Errorf("query head tick: %w", err)
	}

	return uint32(head), nil
}
