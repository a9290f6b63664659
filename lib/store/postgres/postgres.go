// Package postgres implements the store for PostgreSQL. A checkpoint is committed in a single transaction that locks
// the job row, so two writers of the same job are serialized and a stale checkpoint is detected under the lock.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/store"
)

// Schema creates the three tables of the store.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY,
	source              TEXT        NOT NULL,
	epoch               BIGINT      NOT NULL DEFAULT 0,
	origins             JSONB       NOT NULL,
	start_tick          BIGINT      NOT NULL,
	max_hops            INTEGER     NOT NULL,
	status              TEXT        NOT NULL,
	last_processed_tick BIGINT      NOT NULL DEFAULT 0,
	windows             BIGINT      NOT NULL DEFAULT 0,
	hops                BIGINT      NOT NULL DEFAULT 0,
	terminal            BIGINT      NOT NULL DEFAULT 0,
	pending             BIGINT      NOT NULL DEFAULT 0,
	destroyed           BIGINT      NOT NULL DEFAULT 0,
	dropped             BIGINT      NOT NULL DEFAULT 0,
	error               TEXT        NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
ALTER TABLE jobs ADD COLUMN IF NOT EXISTS windows BIGINT NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS jobs_status_updated ON jobs (status, updated_at);

CREATE TABLE IF NOT EXISTS tracking_state (
	job_id    TEXT    NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
	address   TEXT    NOT NULL,
	origin    TEXT    NOT NULL,
	kind      TEXT    NOT NULL,
	received  BIGINT  NOT NULL,
	sent      BIGINT  NOT NULL,
	pending   BIGINT  NOT NULL,
	hop_level INTEGER NOT NULL,
	last_tick BIGINT  NOT NULL,
	terminal  BOOLEAN NOT NULL,
	complete  BOOLEAN NOT NULL,
	PRIMARY KEY (job_id, address, origin)
);
CREATE INDEX IF NOT EXISTS tracking_state_pending ON tracking_state (job_id) WHERE pending > 0;

CREATE TABLE IF NOT EXISTS hop_records (
	n                 BIGSERIAL,
	id                TEXT        PRIMARY KEY,
	job_id            TEXT        NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
	tick              BIGINT      NOT NULL,
	ts                TIMESTAMPTZ NOT NULL,
	tx_id             TEXT        NOT NULL,
	source            TEXT        NOT NULL,
	destination       TEXT        NOT NULL,
	amount            BIGINT      NOT NULL,
	origin            TEXT        NOT NULL,
	hop_level         INTEGER     NOT NULL,
	destination_kind  TEXT        NOT NULL,
	destination_label TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS hop_records_job ON hop_records (job_id, n)`

const (
	jobColumns = `id, source, epoch, origins, start_tick, max_hops, status, last_processed_tick, windows,
		hops, terminal, pending, destroyed, dropped, error, created_at, updated_at`
	stateColumns = `job_id, address, origin, kind, received, sent, pending, hop_level, last_tick, terminal, complete`
	hopColumns   = `id, job_id, tick, ts, tx_id, source, destination, amount, origin, hop_level, destination_kind,
		destination_label`
)

// Postgres implements store.Store.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// New returns a postgres client connection to the specified database in 'connection'.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB: %w", err)
	}

	return &Postgres{db: db, now: time.Now}, nil
}

// Migrate creates the schema if missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	return nil
}

// Close closes the database connection. Must be called at termination time.
func (p *Postgres) Close() error {
	return p.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (flow.Job, error) {
	var (
		j       flow.Job
		origins []byte
		status  string
		source  string
	)

	err := row.Scan(&j.ID, &source, &j.Epoch, &origins, &j.StartTick, &j.MaxHops, &status, &j.LastProcessedTick,
		&j.Windows, &j.Totals.Hops, &j.Totals.Terminal, &j.Totals.Pending, &j.Totals.Destroyed, &j.Totals.Dropped, &j.Error,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return j, store.ErrJobNotFound
	}

	if err != nil {
		return j, fmt.Errorf("scan job: %w", err)
	}

	if err = json.Unmarshal(origins, &j.Origins); err != nil {
		return j, fmt.Errorf("decode origins of job %s: %w", j.ID, err)
	}

	j.Source = flow.Source(source)
	j.Status = flow.Status(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()

	return j, nil
}

func scanState(row scanner) (flow.TrackingState, error) {
	var (
		s    flow.TrackingState
		kind string
	)

	if err := row.Scan(&s.JobID, &s.Address, &s.Origin, &kind, &s.Received, &s.Sent, &s.Pending, &s.HopLevel,
		&s.LastTick, &s.Terminal, &s.Complete); err != nil {
		return s, fmt.Errorf("scan tracking state: %w", err)
	}

	k, err := flow.ParseKind(kind)
	if err != nil {
		return s, err
	}

	s.Kind = k

	return s, nil
}

// CreateJob implements store.Store.
func (p *Postgres) CreateJob(ctx context.Context, job flow.Job, seeds []flow.TrackingState) error {
	origins, err := json.Marshal(job.Origins)
	if err != nil {
		return fmt.Errorf("encode origins: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, string(job.Source), job.Epoch, origins, job.StartTick, job.MaxHops, string(job.Status),
		job.LastProcessedTick, job.Windows, job.Totals.Hops, job.Totals.Terminal, job.Totals.Pending, job.Totals.Destroyed,
		job.Totals.Dropped, job.Error, job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", store.ErrJobExists, job.ID)
	}

	if err = upsertStates(ctx, tx, seeds); err != nil {
		return err
	}

	return tx.Commit()
}

// GetJob implements store.Store.
func (p *Postgres) GetJob(ctx context.Context, id string) (flow.Job, error) {
	return scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// ListJobs implements store.Store. Jobs are returned least recently updated first.
func (p *Postgres) ListJobs(ctx context.Context, statuses []flow.Status, limit int) ([]flow.Job, error) {
	var (
		q    strings.Builder
		args []interface{}
	)

	q.WriteString(`SELECT ` + jobColumns + ` FROM jobs`)

	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}

		args = append(args, pq.Array(ss))
		q.WriteString(` WHERE status = ANY($1)`)
	}

	q.WriteString(` ORDER BY updated_at, id`)

	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&q, ` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []flow.Job{}

	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

// DeleteJob implements store.Store. Rows and hops go with the job.
func (p *Postgres) DeleteJob(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrJobNotFound
	}

	return nil
}

// SetStatus implements store.Store.
func (p *Postgres) SetStatus(ctx context.Context, id string, status flow.Status, msg string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %s", store.ErrBadStatus, status)
	}

	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET status = $2, error = $3, updated_at = $4 WHERE id = $1`,
		id, string(status), msg, p.now().UTC())
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrJobNotFound
	}

	return nil
}

// GetPending implements store.Store.
func (p *Postgres) GetPending(ctx context.Context, id string) ([]flow.TrackingState, error) {
	return p.states(ctx, id, true)
}

// GetAll implements store.Store.
func (p *Postgres) GetAll(ctx context.Context, id string) ([]flow.TrackingState, error) {
	return p.states(ctx, id, false)
}

func (p *Postgres) states(ctx context.Context, id string, pending bool) ([]flow.TrackingState, error) {
	if _, err := p.GetJob(ctx, id); err != nil {
		return nil, err
	}

	q := `SELECT ` + stateColumns + ` FROM tracking_state WHERE job_id = $1`
	if pending {
		q += ` AND pending > 0`
	}

	rows, err := p.db.QueryContext(ctx, q+` ORDER BY address, origin`, id)
	if err != nil {
		return nil, fmt.Errorf("query tracking state: %w", err)
	}
	defer rows.Close()

	states := []flow.TrackingState{}

	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}

		states = append(states, s)
	}

	return states, rows.Err()
}

// GetHops implements store.Store. Hops are returned in insertion order.
func (p *Postgres) GetHops(ctx context.Context, id string, maxDepth int) ([]flow.HopRecord, error) {
	if _, err := p.GetJob(ctx, id); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `SELECT `+hopColumns+` FROM hop_records
		WHERE job_id = $1 AND ($2 <= 0 OR hop_level <= $2)
		ORDER BY n`, id, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("query hop records: %w", err)
	}
	defer rows.Close()

	hops := []flow.HopRecord{}

	for rows.Next() {
		var (
			h    flow.HopRecord
			kind string
		)

		if err := rows.Scan(&h.ID, &h.JobID, &h.Tick, &h.Timestamp, &h.TxID, &h.Source, &h.Destination, &h.Amount,
			&h.Origin, &h.HopLevel, &kind, &h.DestinationLabel); err != nil {
			return nil, fmt.Errorf("scan hop record: %w", err)
		}

		if h.DestinationKind, err = flow.ParseKind(kind); err != nil {
			return nil, err
		}

		h.Timestamp = h.Timestamp.UTC()
		hops = append(hops, h)
	}

	return hops, rows.Err()
}

// ApplyUpdates implements store.Store. It returns false when cp is stale.
func (p *Postgres) ApplyUpdates(ctx context.Context, cp store.Checkpoint) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, cp.JobID))
	if err != nil {
		return false, err
	}

	if cp.Stale(job) {
		return false, nil
	}

	merged, err := mergeStates(ctx, tx, cp)
	if err != nil {
		return false, err
	}

	if err = upsertStates(ctx, tx, merged); err != nil {
		return false, err
	}

	if err = insertHops(ctx, tx, cp.Hops); err != nil {
		return false, err
	}

	job = cp.Advance(job, p.now().UTC())

	if _, err = tx.ExecContext(ctx, `UPDATE jobs SET status = $2, last_processed_tick = $3, windows = $4, hops = $5,
		terminal = $6, pending = $7, destroyed = $8, dropped = $9, error = $10, updated_at = $11 WHERE id = $1`,
		job.ID, string(job.Status), job.LastProcessedTick, job.Windows, job.Totals.Hops, job.Totals.Terminal,
		job.Totals.Pending, job.Totals.Destroyed, job.Totals.Dropped, job.Error, job.UpdatedAt); err != nil {
		return false, fmt.Errorf("update job checkpoint: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	return true, nil
}

// mergeStates reads the rows touched by cp under lock and returns them with the deltas applied.
func mergeStates(ctx context.Context, tx *sql.Tx, cp store.Checkpoint) ([]flow.TrackingState, error) {
	if len(cp.Deltas) == 0 {
		return nil, nil
	}

	addrs := make([]string, 0, len(cp.Deltas))
	seen := make(map[string]struct{}, len(cp.Deltas))

	for _, d := range cp.Deltas {
		if _, ok := seen[d.Address]; !ok {
			seen[d.Address] = struct{}{}
			addrs = append(addrs, d.Address)
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+stateColumns+` FROM tracking_state
		WHERE job_id = $1 AND address = ANY($2) FOR UPDATE`, cp.JobID, pq.Array(addrs))
	if err != nil {
		return nil, fmt.Errorf("query tracking state: %w", err)
	}
	defer rows.Close()

	current := make(map[flow.Key]flow.TrackingState)

	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}

		current[s.Key()] = s
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	next := make(map[flow.Key]flow.TrackingState, len(cp.Deltas))
	merged := make([]flow.Key, 0, len(cp.Deltas))

	for _, d := range cp.Deltas {
		k := d.Key()

		s, ok := next[k]
		if !ok {
			s = current[k]
			merged = append(merged, k)
		}

		next[k] = s.Apply(d)
	}

	states := make([]flow.TrackingState, len(merged))
	for i, k := range merged {
		states[i] = next[k]
	}

	return states, nil
}

func upsertStates(ctx context.Context, tx *sql.Tx, states []flow.TrackingState) error {
	if len(states) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tracking_state (`+stateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_id, address, origin) DO UPDATE SET
			kind = EXCLUDED.kind,
			received = EXCLUDED.received,
			sent = EXCLUDED.sent,
			pending = EXCLUDED.pending,
			hop_level = EXCLUDED.hop_level,
			last_tick = EXCLUDED.last_tick,
			terminal = EXCLUDED.terminal,
			complete = EXCLUDED.complete`)
	if err != nil {
		return fmt.Errorf("prepare upsert tracking state: %w", err)
	}
	defer stmt.Close()

	for _, s := range states {
		if _, err = stmt.ExecContext(ctx, s.JobID, s.Address, s.Origin, s.Kind.String(), s.Received, s.Sent,
			s.Pending, s.HopLevel, s.LastTick, s.Terminal, s.Complete); err != nil {
			return fmt.Errorf("upsert tracking state %s/%s: %w", s.Address, s.Origin, err)
		}
	}

	return nil
}

func insertHops(ctx context.Context, tx *sql.Tx, hops []flow.HopRecord) error {
	if len(hops) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO hop_records (`+hopColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare insert hop record: %w", err)
	}
	defer stmt.Close()

	for _, h := range hops {
		if _, err = stmt.ExecContext(ctx, h.ID, h.JobID, h.Tick, h.Timestamp.UTC(), h.TxID, h.Source, h.Destination,
			h.Amount, h.Origin, h.HopLevel, h.DestinationKind.String(), h.DestinationLabel); err != nil {
			return fmt.Errorf("insert hop record %s: %w", h.ID, err)
		}
	}

	return nil
}
