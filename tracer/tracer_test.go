package tracer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/fundflow/lib/config"
	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/labels"
	lmem "github.com/tarancss/fundflow/lib/ledger/memory"
	"github.com/tarancss/fundflow/lib/msg"
	bmem "github.com/tarancss/fundflow/lib/msg/memory"
	"github.com/tarancss/fundflow/lib/store"
	smem "github.com/tarancss/fundflow/lib/store/memory"
)

type fixture struct {
	tr  *Tracer
	db  *smem.Memory
	ldg *lmem.Ledger
	mb  *bmem.Memory
}

func newFixture(t *testing.T, opts Options, ts ...flow.Transfer) fixture {
	t.Helper()

	for i := range ts {
		if ts[i].TxID == "" {
			ts[i].TxID = ts[i].Source + ">" + ts[i].Destination
		}
	}

	dir := labels.NewDirectory(labels.Static{
		Exchanges: []string{"E"},
		Labels:    map[string]string{"E": "Exchange E"},
		Mixer:     "MIX",
	}, "", zap.NewNop())
	require.NoError(t, dir.Refresh(context.Background()))

	f := fixture{db: smem.New(), ldg: lmem.New(ts...), mb: bmem.New()}
	f.tr = New(f.db, f.ldg, dir, f.mb, opts, zap.NewNop())

	t.Cleanup(func() { f.mb.Close() })

	return f
}

func (f fixture) create(t *testing.T, id string, start uint32, origins ...flow.Origin) {
	t.Helper()

	job, seeds, err := flow.NewJob(id, flow.SourceUser, origins, start, 5, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.db.CreateJob(context.Background(), job, seeds))
}

func (f fixture) job(t *testing.T, id string) flow.Job {
	t.Helper()

	job, err := f.db.GetJob(context.Background(), id)
	require.NoError(t, err)

	return job
}

// events drains the job events published so far.
func (f fixture) events(t *testing.T) []msg.JobEvent {
	t.Helper()

	mut := new(sync.Mutex)
	mut.Lock()

	ch, _, err := f.mb.GetEvents(mut)
	require.NoError(t, err)

	var evs []msg.JobEvent

	for {
		select {
		case ev := <-ch:
			evs = append(evs, ev)
			mut.Unlock()
		case <-time.After(50 * time.Millisecond):
			return evs
		}
	}
}

func TestProcessJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{},
		flow.Transfer{Source: "O", Destination: "I", Amount: 1000, Tick: 1},
		flow.Transfer{Source: "I", Destination: "E", Amount: 600, Tick: 2},
		flow.Transfer{Source: "I", Destination: "J", Amount: 400, Tick: 3},
	)
	f.create(t, "job", 1, flow.Origin{Address: "O", Balance: 1000})

	// I and J receive inside the window and are followed in the same window
	require.NoError(t, f.tr.ProcessJob(ctx, "job"))

	job := f.job(t, "job")
	assert.Equal(t, flow.StatusProcessing, job.Status)
	assert.Equal(t, uint32(3), job.LastProcessedTick)
	assert.Equal(t, flow.Totals{Hops: 3, Terminal: 600, Pending: 400}, job.Totals)

	pending, err := f.db.GetPending(ctx, "job")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "J", pending[0].Address)
	assert.Equal(t, 2, pending[0].HopLevel)

	// caught up: nothing changes
	require.NoError(t, f.tr.ProcessJob(ctx, "job"))
	assert.Equal(t, job, f.job(t, "job"))

	// the ledger moves on
	f.ldg.Add(flow.Transfer{Source: "J", Destination: "E", Amount: 400, Tick: 5, TxID: "tx5"})
	require.NoError(t, f.tr.ProcessJob(ctx, "job"))

	job = f.job(t, "job")
	assert.Equal(t, flow.StatusComplete, job.Status)
	assert.Equal(t, uint32(5), job.LastProcessedTick)
	assert.Equal(t, flow.Totals{Hops: 4, Terminal: 1000, Pending: 0}, job.Totals)

	hops, err := f.db.GetHops(ctx, "job", 0)
	require.NoError(t, err)
	require.Len(t, hops, 4)
	assert.Equal(t, "Exchange E", hops[3].DestinationLabel)

	evs := f.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, flow.StatusProcessing, evs[0].Status)
	assert.Equal(t, flow.StatusComplete, evs[1].Status)

	// complete jobs are left alone
	require.NoError(t, f.tr.ProcessJob(ctx, "job"))
	assert.Equal(t, job, f.job(t, "job"))
}

func TestTickZero(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f := newFixture(t, Options{}, flow.Transfer{Source: "O", Destination: "I", Amount: 600, Tick: 0})
	f.create(t, "job", 0, flow.Origin{Address: "O", Balance: 600})

	// the ledger head is tick 0: one window, committed once
	require.NoError(t, f.tr.ProcessJob(ctx, "job"))

	job := f.job(t, "job")
	assert.Equal(t, int64(1), job.Windows)
	assert.Equal(t, uint32(0), job.LastProcessedTick)
	assert.Equal(t, flow.Totals{Hops: 1, Pending: 600}, job.Totals)

	require.NoError(t, f.tr.ProcessJob(ctx, "job"))
	assert.Equal(t, job, f.job(t, "job"))

	pending, err := f.db.GetPending(ctx, "job")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "I", pending[0].Address)
	assert.Equal(t, int64(600), pending[0].Pending)

	assert.Len(t, f.events(t), 1)
}

func TestPublishFullQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, flow.Transfer{Source: "O", Destination: "I", Amount: 100, Tick: 1})
	f.create(t, "job", 1, flow.Origin{Address: "O", Balance: 100})

	// nobody consumes events
	for {
		if err := f.mb.SendEvents([]msg.JobEvent{{JobID: "filler"}}); err != nil {
			require.ErrorIs(t, err, bmem.ErrFull)

			break
		}
	}

	done := make(chan error)

	go func() { done <- f.tr.ProcessJob(ctx, "job") }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("processing blocked on the event queue")
	}

	assert.Equal(t, uint32(1), f.job(t, "job").LastProcessedTick)
	require.NoError(t, f.mb.Close())
}

func TestWindows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Width: 10},
		flow.Transfer{Source: "O", Destination: "I", Amount: 100, Tick: 5},
		flow.Transfer{Source: "I", Destination: "E", Amount: 100, Tick: 25},
	)
	f.ldg.SetHead(40)
	f.create(t, "job", 1, flow.Origin{Address: "O", Balance: 100})

	require.NoError(t, f.tr.ProcessJob(ctx, "job"))

	// windows 1-10, 11-20 and 21-30; the last one empties the trace
	job := f.job(t, "job")
	assert.Equal(t, flow.StatusComplete, job.Status)
	assert.Equal(t, uint32(30), job.LastProcessedTick)
	assert.Len(t, f.events(t), 3)
}

func TestMixer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{},
		flow.Transfer{Source: "O", Destination: "MIX", Amount: 100, Tick: 1, Sequence: 0},
		flow.Transfer{Source: "MIX", Destination: "X", Amount: 70, Tick: 1, Sequence: 1},
		flow.Transfer{Source: "MIX", Destination: "E", Amount: 30, Tick: 1, Sequence: 2},
	)
	f.create(t, "job", 1, flow.Origin{Address: "O", Balance: 100})

	require.NoError(t, f.tr.ProcessJob(ctx, "job"))

	job := f.job(t, "job")
	assert.Equal(t, int64(30), job.Totals.Terminal)
	assert.Equal(t, int64(70), job.Totals.Pending)

	all, err := f.db.GetAll(ctx, "job")
	require.NoError(t, err)

	for _, s := range all {
		assert.NotEqual(t, "MIX", s.Address)
	}
}

func TestErrorKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{},
		flow.Transfer{Source: "O", Destination: "E", Amount: 100, Tick: 1},
	)
	f.create(t, "job", 1, flow.Origin{Address: "O", Balance: 100})

	f.ldg.Fail(errors.New("ledger down"))
	require.Error(t, f.tr.ProcessJob(ctx, "job"))

	job := f.job(t, "job")
	assert.Equal(t, flow.StatusError, job.Status)
	assert.Contains(t, job.Error, "ledger down")
	assert.False(t, job.Processed())
	assert.Equal(t, int64(100), job.Totals.Pending)

	// the next run resumes from the untouched checkpoint
	f.ldg.Fail(nil)
	require.NoError(t, f.tr.ProcessJob(ctx, "job"))

	job = f.job(t, "job")
	assert.Equal(t, flow.StatusComplete, job.Status)
	assert.Empty(t, job.Error)
	assert.Equal(t, int64(100), job.Totals.Terminal)
}

func TestCancelled(t *testing.T) {
	f := newFixture(t, Options{}, flow.Transfer{Source: "O", Destination: "E", Amount: 100, Tick: 1})
	f.create(t, "job", 1, flow.Origin{Address: "O", Balance: 100})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, f.tr.ProcessJob(ctx, "job"), context.Canceled)
	assert.Equal(t, flow.StatusPending, f.job(t, "job").Status)
}

func TestStop(t *testing.T) {
	f := newFixture(t, Options{}, flow.Transfer{Source: "O", Destination: "E", Amount: 100, Tick: 1})
	f.create(t, "job", 1, flow.Origin{Address: "O", Balance: 100})

	f.tr.Stop()
	require.NoError(t, f.tr.Cycle(context.Background()))
	assert.Equal(t, flow.StatusPending, f.job(t, "job").Status)
	assert.Empty(t, f.tr.Running())
}

func TestCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{JobsPerCycle: 2, Workers: 2},
		flow.Transfer{Source: "A", Destination: "E", Amount: 10, Tick: 1},
		flow.Transfer{Source: "B", Destination: "E", Amount: 10, Tick: 1},
		flow.Transfer{Source: "C", Destination: "E", Amount: 10, Tick: 1},
	)
	f.create(t, "a", 1, flow.Origin{Address: "A", Balance: 10})
	f.create(t, "b", 1, flow.Origin{Address: "B", Balance: 10})
	f.create(t, "c", 1, flow.Origin{Address: "C", Balance: 10})

	require.NoError(t, f.tr.Cycle(ctx))

	complete, err := f.db.ListJobs(ctx, []flow.Status{flow.StatusComplete}, 0)
	require.NoError(t, err)
	assert.Len(t, complete, 2)

	require.NoError(t, f.tr.Cycle(ctx))

	complete, err = f.db.ListJobs(ctx, []flow.Status{flow.StatusComplete}, 0)
	require.NoError(t, err)
	assert.Len(t, complete, 3)
}

// failing refuses to commit the windows of one job.
type failing struct {
	*smem.Memory
	id string
}

func (f failing) ApplyUpdates(ctx context.Context, cp store.Checkpoint) (bool, error) {
	if cp.JobID == f.id {
		return false, errors.New("disk full")
	}

	return f.Memory.ApplyUpdates(ctx, cp)
}

func TestCycleIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{},
		flow.Transfer{Source: "A", Destination: "E", Amount: 10, Tick: 1},
		flow.Transfer{Source: "B", Destination: "E", Amount: 10, Tick: 1},
	)
	f.create(t, "a", 1, flow.Origin{Address: "A", Balance: 10})
	f.create(t, "b", 1, flow.Origin{Address: "B", Balance: 10})
	f.tr.db = failing{Memory: f.db, id: "b"}

	err := f.tr.Cycle(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, flow.StatusComplete, f.job(t, "a").Status)

	b := f.job(t, "b")
	assert.Equal(t, flow.StatusError, b.Status)
	assert.False(t, b.Processed())
}

func TestEmissionJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Emissions: []config.EmissionConfig{
		{Epoch: 7, Emitter: "EM", Tick: 10},
		{Epoch: 8, Emitter: "EM", Tick: 20},
	}},
		flow.Transfer{Source: "EM", Destination: "A", Amount: 300, Tick: 10, Sequence: 0},
		flow.Transfer{Source: "EM", Destination: "B", Amount: 200, Tick: 10, Sequence: 1},
		flow.Transfer{Source: "EM", Destination: "A", Amount: 100, Tick: 10, Sequence: 2},
	)

	// epoch 8 has not been emitted yet
	require.ErrorIs(t, f.tr.EnsureEmissionJobs(ctx), flow.ErrNoOrigins)

	job := f.job(t, flow.EmissionJobID(7))
	assert.Equal(t, flow.SourceEmission, job.Source)
	assert.Equal(t, uint32(7), job.Epoch)
	assert.Equal(t, uint32(11), job.StartTick)
	assert.Equal(t, DefaultHops, job.MaxHops)
	assert.Equal(t, []flow.Origin{{Address: "A", Balance: 400}, {Address: "B", Balance: 200}}, job.Origins)

	_, err := f.db.GetJob(ctx, flow.EmissionJobID(8))
	require.ErrorIs(t, err, store.ErrJobNotFound)

	// seeding again leaves the job alone
	require.NoError(t, f.db.SetStatus(ctx, job.ID, flow.StatusProcessing, ""))
	f.tr.EnsureEmissionJobs(ctx) //nolint:errcheck // epoch 8 still fails
	assert.Equal(t, flow.StatusProcessing, f.job(t, job.ID).Status)
}

func TestEmissionOrigins(t *testing.T) {
	origins := EmissionOrigins("EM", []flow.Output{
		{Destination: "B", Amount: 5},
		{Destination: "EM", Amount: 9},
		{Destination: "A", Amount: 0},
		{Destination: "A", Amount: 3},
		{Destination: "B", Amount: 1},
	})
	assert.Equal(t, []flow.Origin{{Address: "A", Balance: 3}, {Address: "B", Balance: 6}}, origins)
}

func TestManageJobRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, Options{}, flow.Transfer{Source: "O", Destination: "E", Amount: 100, Tick: 1})
	f.create(t, "job", 1, flow.Origin{Address: "O", Balance: 100})

	require.NoError(t, f.tr.ManageJobRequests(ctx))
	require.NoError(t, f.mb.SendRequest(msg.JobReq{JobID: "missing", Act: msg.PROCESS}))
	require.NoError(t, f.mb.SendRequest(msg.JobReq{JobID: "job", Act: msg.PROCESS}))

	assert.Eventually(t, func() bool {
		job, err := f.db.GetJob(ctx, "job")

		return err == nil && job.Status == flow.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)
}
