// Package storetest holds the behaviour every store implementation must have, as a test suite run by each of them.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/store"
)

// Run runs the suite against stores returned by open. Each call to open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"ApplyUpdates", testApplyUpdates},
		{"StaleCheckpoint", testStaleCheckpoint},
		{"StaleAtTickZero", testStaleAtTickZero},
		{"HopsWrittenOnce", testHopsWrittenOnce},
		{"ListJobs", testListJobs},
		{"SetStatus", testSetStatus},
		{"DeleteJob", testDeleteJob},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func newJob(t *testing.T, id string, now time.Time) (flow.Job, []flow.TrackingState) {
	t.Helper()

	job, seeds, err := flow.NewJob(id, flow.SourceUser,
		[]flow.Origin{{Address: "A", Balance: 700}, {Address: "B", Balance: 300}}, 10, 5, now)
	require.NoError(t, err)

	return job, seeds
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func window1(jobID string) store.Checkpoint {
	return store.Checkpoint{
		JobID:    jobID,
		LastTick: 100,
		Deltas: []flow.Delta{
			{JobID: jobID, Address: "A", Origin: "A", Kind: flow.KindOrigin, Sent: 700, Tick: 20},
			{JobID: jobID, Address: "I", Origin: "A", Kind: flow.KindIntermediary, Received: 700, HopLevel: 1, Tick: 20},
			{JobID: jobID, Address: "B", Origin: "B", Kind: flow.KindOrigin, Sent: 300, Tick: 21},
			{JobID: jobID, Address: "E", Origin: "B", Kind: flow.KindExchange, Received: 300, Sent: 300, HopLevel: 1,
				Tick: 21, Terminal: true},
		},
		Hops: []flow.HopRecord{
			{ID: flow.HopID(jobID, "t1", 0, 0, "A", "I"), JobID: jobID, Tick: 20, Timestamp: now(), TxID: "t1",
				Source: "A", Destination: "I", Amount: 700, Origin: "A", HopLevel: 1,
				DestinationKind: flow.KindIntermediary},
			{ID: flow.HopID(jobID, "t2", 0, 0, "B", "E"), JobID: jobID, Tick: 21, Timestamp: now(), TxID: "t2",
				Source: "B", Destination: "E", Amount: 300, Origin: "B", HopLevel: 1,
				DestinationKind: flow.KindExchange, DestinationLabel: "Exchange E"},
		},
		Totals: flow.Totals{Hops: 2, Terminal: 300, Pending: -300},
		Status: flow.StatusProcessing,
	}
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	job, seeds := newJob(t, "job-create", now())

	require.NoError(t, s.CreateJob(ctx, job, seeds))
	require.ErrorIs(t, s.CreateJob(ctx, job, seeds), store.ErrJobExists)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Origins, got.Origins)
	assert.Equal(t, flow.StatusPending, got.Status)
	assert.Equal(t, uint32(10), got.StartTick)
	assert.Equal(t, 5, got.MaxHops)
	assert.Equal(t, int64(1000), got.Totals.Pending)
	assert.False(t, got.Processed())

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, store.ErrJobNotFound)

	pending, err := s.GetPending(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "A", pending[0].Address)
	assert.Equal(t, int64(700), pending[0].Pending)
	assert.Equal(t, flow.KindOrigin, pending[0].Kind)
}

func testApplyUpdates(t *testing.T, s store.Store) {
	ctx := context.Background()
	job, seeds := newJob(t, "job-apply", now())
	require.NoError(t, s.CreateJob(ctx, job, seeds))

	ok, err := s.ApplyUpdates(ctx, window1(job.ID))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), got.LastProcessedTick)
	assert.Equal(t, int64(1), got.Windows)
	assert.Equal(t, flow.StatusProcessing, got.Status)
	assert.Equal(t, flow.Totals{Hops: 2, Terminal: 300, Pending: 700}, got.Totals)

	pending, err := s.GetPending(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "I", pending[0].Address)
	assert.Equal(t, int64(700), pending[0].Pending)
	assert.Equal(t, 1, pending[0].HopLevel)

	all, err := s.GetAll(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, all, 4)

	for _, r := range all {
		assert.Equal(t, r.Received, r.Sent+r.Pending, r.Address)

		if r.Address == "E" {
			assert.True(t, r.Terminal)
			assert.True(t, r.Complete)
		}
	}

	// a later window merges into existing rows and keeps the shallowest hop level
	cp := store.Checkpoint{
		JobID:    job.ID,
		LastTick: 200,
		Deltas: []flow.Delta{
			{JobID: job.ID, Address: "I", Origin: "A", Kind: flow.KindIntermediary, Sent: 200, HopLevel: 1, Tick: 150},
			{JobID: job.ID, Address: "E", Origin: "B", Kind: flow.KindExchange, Received: 10, Sent: 10, HopLevel: 3,
				Tick: 150, Terminal: true},
		},
		Totals: flow.Totals{Pending: -200, Dropped: 190, Terminal: 10},
		Status: flow.StatusProcessing,
	}
	ok, err = s.ApplyUpdates(ctx, cp)
	require.NoError(t, err)
	assert.True(t, ok)

	all, err = s.GetAll(ctx, job.ID)
	require.NoError(t, err)

	for _, r := range all {
		switch r.Address {
		case "I":
			assert.Equal(t, int64(500), r.Pending)
			assert.Equal(t, uint32(150), r.LastTick)
		case "E":
			assert.Equal(t, int64(310), r.Received)
			assert.Equal(t, 1, r.HopLevel)
		}
	}

	hops, err := s.GetHops(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, hops, 2)
	assert.Equal(t, "Exchange E", hops[1].DestinationLabel)
	assert.Equal(t, flow.KindExchange, hops[1].DestinationKind)
}

func testStaleCheckpoint(t *testing.T, s store.Store) {
	ctx := context.Background()
	job, seeds := newJob(t, "job-stale", now())
	require.NoError(t, s.CreateJob(ctx, job, seeds))

	ok, err := s.ApplyUpdates(ctx, window1(job.ID))
	require.NoError(t, err)
	assert.True(t, ok)

	before, err := s.GetAll(ctx, job.ID)
	require.NoError(t, err)

	// the same window delivered again is ignored
	ok, err = s.ApplyUpdates(ctx, window1(job.ID))
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := s.GetAll(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Totals.Hops)

	_, err = s.ApplyUpdates(ctx, store.Checkpoint{JobID: "missing", LastTick: 1})
	require.ErrorIs(t, err, store.ErrJobNotFound)
}

func testStaleAtTickZero(t *testing.T, s store.Store) {
	ctx := context.Background()

	job, seeds, err := flow.NewJob("job-zero", flow.SourceUser, []flow.Origin{{Address: "O", Balance: 600}}, 0, 5, now())
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, job, seeds))

	cp := store.Checkpoint{
		JobID:    job.ID,
		LastTick: 0,
		Deltas: []flow.Delta{
			{JobID: job.ID, Address: "O", Origin: "O", Kind: flow.KindOrigin, Sent: 600},
			{JobID: job.ID, Address: "I", Origin: "O", Kind: flow.KindIntermediary, Received: 600, HopLevel: 1},
		},
		Totals: flow.Totals{Hops: 1},
		Status: flow.StatusProcessing,
	}

	ok, err := s.ApplyUpdates(ctx, cp)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed())
	assert.Equal(t, uint32(1), got.NextTick())

	// the window [0, 0] is committed once
	ok, err = s.ApplyUpdates(ctx, cp)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := s.GetPending(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "I", pending[0].Address)
	assert.Equal(t, int64(600), pending[0].Pending)

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Windows)
	assert.Equal(t, int64(1), got.Totals.Hops)
}

func testHopsWrittenOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	job, seeds := newJob(t, "job-hops", now())
	require.NoError(t, s.CreateJob(ctx, job, seeds))

	cp := window1(job.ID)
	_, err := s.ApplyUpdates(ctx, cp)
	require.NoError(t, err)

	cp.LastTick = 300
	cp.Deltas = nil
	cp.Totals = flow.Totals{}
	_, err = s.ApplyUpdates(ctx, cp)
	require.NoError(t, err)

	hops, err := s.GetHops(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hops, 2)

	deeper := cp.Hops[0]
	deeper.ID = flow.HopID(job.ID, "t3", 0, 0, "A", "J")
	deeper.Source, deeper.Destination, deeper.HopLevel = "I", "J", 2
	cp.LastTick = 400
	cp.Hops = []flow.HopRecord{deeper}
	_, err = s.ApplyUpdates(ctx, cp)
	require.NoError(t, err)

	hops, err = s.GetHops(ctx, job.ID, 1)
	require.NoError(t, err)
	assert.Len(t, hops, 2)

	hops, err = s.GetHops(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hops, 3)
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now()

	for i, id := range []string{"job-l1", "job-l2", "job-l3"} {
		job, seeds := newJob(t, id, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.CreateJob(ctx, job, seeds))
	}

	require.NoError(t, s.SetStatus(ctx, "job-l2", flow.StatusComplete, ""))

	jobs, err := s.ListJobs(ctx, flow.Runnable, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-l1", jobs[0].ID)
	assert.Equal(t, "job-l3", jobs[1].ID)

	jobs, err = s.ListJobs(ctx, flow.Runnable, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-l1", jobs[0].ID)

	jobs, err = s.ListJobs(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func testSetStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	job, seeds := newJob(t, "job-status", now())
	require.NoError(t, s.CreateJob(ctx, job, seeds))

	_, err := s.ApplyUpdates(ctx, window1(job.ID))
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(ctx, job.ID, flow.StatusError, "ledger down"))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusError, got.Status)
	assert.Equal(t, "ledger down", got.Error)
	// the checkpoint is kept
	assert.Equal(t, uint32(100), got.LastProcessedTick)
	assert.Equal(t, int64(2), got.Totals.Hops)

	require.ErrorIs(t, s.SetStatus(ctx, "missing", flow.StatusError, ""), store.ErrJobNotFound)
	require.ErrorIs(t, s.SetStatus(ctx, job.ID, "bogus", ""), store.ErrBadStatus)
}

func testDeleteJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	job, seeds := newJob(t, "job-delete", now())
	require.NoError(t, s.CreateJob(ctx, job, seeds))

	_, err := s.ApplyUpdates(ctx, window1(job.ID))
	require.NoError(t, err)

	require.NoError(t, s.DeleteJob(ctx, job.ID))
	require.ErrorIs(t, s.DeleteJob(ctx, job.ID), store.ErrJobNotFound)

	_, err = s.GetJob(ctx, job.ID)
	require.ErrorIs(t, err, store.ErrJobNotFound)

	// the id can be reused, with no leftovers
	require.NoError(t, s.CreateJob(ctx, job, seeds))

	hops, err := s.GetHops(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, hops)

	all, err := s.GetAll(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
