package attribution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/labels"
	"github.com/tarancss/fundflow/lib/ledger/memory"
	"github.com/tarancss/fundflow/tracer/ingest"
	"github.com/tarancss/fundflow/tracer/window"
)

var snap = labels.NewSnapshot(labels.Data{ //nolint:gochecknoglobals // test fixture
	Exchanges:      []string{"E"},
	SmartContracts: []string{"SC"},
	Labels:         map[string]string{"E": "Exchange E"},
	Mixer:          "MIX",
}, time.Now())

func job(t *testing.T, maxHops int, origins ...flow.Origin) (flow.Job, []flow.TrackingState) {
	t.Helper()

	j, seeds, err := flow.NewJob("job", flow.SourceUser, origins, 1, maxHops, time.Now())
	require.NoError(t, err)

	return j, seeds
}

func batch(t *testing.T, addrs []string, ts ...flow.Transfer) *ingest.Batch {
	t.Helper()

	for i := range ts {
		if ts[i].TxID == "" {
			ts[i].TxID = ts[i].Source + ">" + ts[i].Destination
		}
	}

	b, err := ingest.New(memory.New(ts...), "BURN", "MIX").Fetch(context.Background(), addrs, window.Window{Start: 1, End: 100})
	require.NoError(t, err)

	return b
}

// apply merges the result into rows the way a store does.
func apply(rows []flow.TrackingState, r Result) map[flow.Key]flow.TrackingState {
	m := make(map[flow.Key]flow.TrackingState)
	for _, s := range rows {
		m[s.Key()] = s
	}

	for _, d := range r.Deltas {
		m[d.Key()] = m[d.Key()].Apply(d)
	}

	return m
}

func checkRows(t *testing.T, rows map[flow.Key]flow.TrackingState) {
	t.Helper()

	for k, s := range rows {
		assert.Equal(t, s.Received, s.Sent+s.Pending, k)
		assert.GreaterOrEqual(t, s.Pending, int64(0), k)

		if s.Terminal || s.Complete {
			assert.Zero(t, s.Pending, k)
		}
	}
}

func TestEndToEnd(t *testing.T) {
	j, seeds := job(t, 5, flow.Origin{Address: "O", Balance: 1000})
	b := batch(t, []string{"O", "I"},
		flow.Transfer{Source: "O", Destination: "I", Amount: 1000, Tick: 1},
		flow.Transfer{Source: "I", Destination: "E", Amount: 600, Tick: 2},
		flow.Transfer{Source: "I", Destination: "J", Amount: 400, Tick: 3},
	)

	r := Process(j, snap, seeds, b)

	assert.Equal(t, 3, r.Processed)
	assert.Equal(t, int64(600), r.Totals.Terminal)
	assert.Equal(t, int64(400), j.Totals.Pending+r.Totals.Pending)
	assert.Equal(t, int64(3), r.Totals.Hops)
	assert.Equal(t, []string{"J"}, r.Pending)
	assert.Equal(t, 1, r.Remaining)

	require.Len(t, r.Hops, 3)
	assert.Equal(t, 1, r.Hops[0].HopLevel)
	assert.Equal(t, 2, r.Hops[1].HopLevel)
	assert.Equal(t, 2, r.Hops[2].HopLevel)
	assert.Equal(t, flow.KindExchange, r.Hops[1].DestinationKind)
	assert.Equal(t, "Exchange E", r.Hops[1].DestinationLabel)

	rows := apply(seeds, r)
	checkRows(t, rows)

	jr := rows[flow.Key{Address: "J", Origin: "O"}]
	assert.Equal(t, int64(400), jr.Pending)
	assert.Equal(t, 2, jr.HopLevel)

	er := rows[flow.Key{Address: "E", Origin: "O"}]
	assert.True(t, er.Terminal)
	assert.Equal(t, int64(600), er.Received)
	assert.Zero(t, er.Pending)

	assert.True(t, rows[flow.Key{Address: "O", Origin: "O"}].Complete)
	assert.True(t, rows[flow.Key{Address: "I", Origin: "O"}].Complete)
}

func TestPartitionAcrossOrigins(t *testing.T) {
	j, _ := job(t, 5, flow.Origin{Address: "A", Balance: 700}, flow.Origin{Address: "B", Balance: 300})
	pending := []flow.TrackingState{
		flow.NewState("job", "I", "A", flow.KindIntermediary, 1).Receive(700, 1),
		flow.NewState("job", "I", "B", flow.KindIntermediary, 1).Receive(300, 1),
	}
	b := batch(t, []string{"I"}, flow.Transfer{Source: "I", Destination: "X", Amount: 333, Tick: 5})

	r := Process(j, snap, pending, b)
	require.Len(t, r.Hops, 2)
	assert.Equal(t, "A", r.Hops[0].Origin)
	assert.Equal(t, int64(233), r.Hops[0].Amount)
	assert.Equal(t, "B", r.Hops[1].Origin)
	assert.Equal(t, int64(100), r.Hops[1].Amount)

	rows := apply(pending, r)
	checkRows(t, rows)
	assert.Equal(t, int64(467), rows[flow.Key{Address: "I", Origin: "A"}].Pending)
	assert.Equal(t, int64(200), rows[flow.Key{Address: "I", Origin: "B"}].Pending)
	assert.Equal(t, int64(0), r.Totals.Pending)
}

func TestAmountAboveTracked(t *testing.T) {
	j, seeds := job(t, 5, flow.Origin{Address: "O", Balance: 100})
	b := batch(t, []string{"O"}, flow.Transfer{Source: "O", Destination: "I", Amount: 250, Tick: 2})

	r := Process(j, snap, seeds, b)
	require.Len(t, r.Hops, 1)
	assert.Equal(t, int64(100), r.Hops[0].Amount)
	assert.Zero(t, j.Totals.Pending+r.Totals.Pending-100)
}

func TestTerminalAbsorbs(t *testing.T) {
	j, seeds := job(t, 5, flow.Origin{Address: "O", Balance: 100})
	b := batch(t, []string{"O", "E"},
		flow.Transfer{Source: "O", Destination: "E", Amount: 100, Tick: 1},
		flow.Transfer{Source: "E", Destination: "X", Amount: 100, Tick: 2},
	)

	r := Process(j, snap, seeds, b)
	assert.Equal(t, 1, r.Processed)
	assert.Equal(t, 1, r.Skipped)
	require.Len(t, r.Hops, 1)
	assert.Equal(t, int64(100), r.Totals.Terminal)
	assert.True(t, r.Done())
	assert.Empty(t, r.Pending)
}

func TestReclassifiedTerminal(t *testing.T) {
	j, seeds := job(t, 5, flow.Origin{Address: "O", Balance: 150})
	// E was traced as an intermediary before it was labelled an exchange
	rows := []flow.TrackingState{
		seeds[0].Send(100, 1),
		flow.NewState("job", "E", "O", flow.KindIntermediary, 1).Receive(100, 1),
	}
	b := batch(t, []string{"O"}, flow.Transfer{Source: "O", Destination: "E", Amount: 50, Tick: 2})

	r := Process(j, snap, rows, b)
	require.Len(t, r.Hops, 1)
	assert.Equal(t, int64(150), r.Totals.Terminal)
	assert.Equal(t, int64(-150), r.Totals.Pending)
	assert.Empty(t, r.Pending)
	assert.True(t, r.Done())

	var d flow.Delta

	for _, x := range r.Deltas {
		if x.Address == "E" {
			d = x
		}
	}

	assert.True(t, d.Terminal)
	assert.Equal(t, flow.KindExchange, d.Kind)
	assert.Equal(t, int64(50), d.Received)
	assert.Equal(t, int64(150), d.Sent)

	got := apply(rows, r)
	checkRows(t, got)

	e := got[flow.Key{Address: "E", Origin: "O"}]
	assert.True(t, e.Terminal)
	assert.Equal(t, flow.KindExchange, e.Kind)
	assert.Equal(t, int64(150), e.Received)
	assert.Zero(t, e.Pending)
	assert.Zero(t, got[flow.Key{Address: "O", Origin: "O"}].Pending)
}

func TestHopBudget(t *testing.T) {
	j, seeds := job(t, 1, flow.Origin{Address: "O", Balance: 100})
	b := batch(t, []string{"O", "I"},
		flow.Transfer{Source: "O", Destination: "I", Amount: 100, Tick: 1},
		flow.Transfer{Source: "I", Destination: "J", Amount: 30, Tick: 2},
		flow.Transfer{Source: "I", Destination: "SC", Amount: 20, Tick: 3},
	)

	r := Process(j, snap, seeds, b)
	require.Len(t, r.Hops, 2)
	assert.Equal(t, "I", r.Hops[0].Destination)
	assert.Equal(t, "SC", r.Hops[1].Destination)
	assert.Equal(t, 2, r.Hops[1].HopLevel)
	assert.Equal(t, int64(30), r.Totals.Dropped)
	assert.Equal(t, int64(20), r.Totals.Terminal)
	assert.Equal(t, int64(50), j.Totals.Pending+r.Totals.Pending)
}

func TestBackToOrigin(t *testing.T) {
	j, seeds := job(t, 5, flow.Origin{Address: "O", Balance: 100}, flow.Origin{Address: "P", Balance: 50})
	b := batch(t, []string{"O"}, flow.Transfer{Source: "O", Destination: "P", Amount: 40, Tick: 1})

	r := Process(j, snap, seeds, b)
	assert.Empty(t, r.Hops)
	assert.Equal(t, int64(40), r.Totals.Dropped)

	rows := apply(seeds, r)
	assert.Equal(t, int64(50), rows[flow.Key{Address: "P", Origin: "P"}].Pending)
	assert.Equal(t, int64(60), rows[flow.Key{Address: "O", Origin: "O"}].Pending)
	assert.Len(t, rows, 2)
}

func TestSkips(t *testing.T) {
	j, seeds := job(t, 5, flow.Origin{Address: "O", Balance: 100})
	b := batch(t, []string{"O", "U"},
		flow.Transfer{Source: "O", Destination: "O", Amount: 10, Tick: 1},
		flow.Transfer{Source: "U", Destination: "X", Amount: 10, Tick: 1, Sequence: 1},
	)

	r := Process(j, snap, seeds, b)
	assert.Equal(t, 2, r.Skipped)
	assert.Zero(t, r.Processed)
	assert.Empty(t, r.Deltas)
	assert.Equal(t, []string{"O"}, r.Pending)
}

func TestBurn(t *testing.T) {
	j, seeds := job(t, 5, flow.Origin{Address: "O", Balance: 100})
	b := batch(t, []string{"O"},
		flow.Transfer{Source: "O", Destination: "BURN", Amount: 30, Tick: 1},
		flow.Transfer{Source: "O", Destination: "I", Amount: 100, Tick: 2},
	)

	r := Process(j, snap, seeds, b)
	assert.Equal(t, int64(30), r.Totals.Destroyed)
	require.Len(t, r.Hops, 1)
	assert.Equal(t, int64(70), r.Hops[0].Amount)
	// conservation without terminals: pending == seed - burned
	assert.Equal(t, j.SeedTotal()-r.Totals.Destroyed, j.Totals.Pending+r.Totals.Pending)
}

func TestMixerExpansion(t *testing.T) {
	j, seeds := job(t, 5, flow.Origin{Address: "O", Balance: 100})
	b := batch(t, []string{"O"},
		flow.Transfer{Source: "O", Destination: "MIX", Amount: 100, Tick: 4, TxID: "in"},
		flow.Transfer{Source: "MIX", Destination: "Y", Amount: 70, Tick: 4, Sequence: 1, TxID: "out1"},
		flow.Transfer{Source: "MIX", Destination: "Z", Amount: 25, Tick: 4, Sequence: 2, TxID: "out2"},
		flow.Transfer{Source: "MIX", Destination: "W", Amount: 99, Tick: 5, Sequence: 0, TxID: "other"},
	)

	r := Process(j, snap, seeds, b)
	require.Len(t, r.Hops, 2)

	for _, h := range r.Hops {
		assert.NotEqual(t, "MIX", h.Destination)
		assert.Equal(t, "O", h.Source)
		assert.Equal(t, 1, h.HopLevel)
	}

	assert.Equal(t, "Y", r.Hops[0].Destination)
	assert.Equal(t, int64(70), r.Hops[0].Amount)
	assert.Equal(t, "out1", r.Hops[0].TxID)
	assert.Equal(t, "Z", r.Hops[1].Destination)
	assert.Equal(t, int64(25), r.Hops[1].Amount)
	assert.NotEqual(t, r.Hops[0].ID, r.Hops[1].ID)

	// the source is reduced by the inbound amount, what the mixer kept is dropped
	assert.Equal(t, int64(5), r.Totals.Dropped)

	rows := apply(seeds, r)
	checkRows(t, rows)
	assert.Zero(t, rows[flow.Key{Address: "O", Origin: "O"}].Pending)
}

func TestMixerMultiOrigin(t *testing.T) {
	j, _ := job(t, 5, flow.Origin{Address: "A", Balance: 60}, flow.Origin{Address: "B", Balance: 40})
	pending := []flow.TrackingState{
		flow.NewState("job", "I", "A", flow.KindIntermediary, 1).Receive(60, 1),
		flow.NewState("job", "I", "B", flow.KindIntermediary, 1).Receive(40, 1),
	}
	b := batch(t, []string{"I"},
		flow.Transfer{Source: "I", Destination: "MIX", Amount: 100, Tick: 4},
		flow.Transfer{Source: "MIX", Destination: "Y", Amount: 70, Tick: 4, Sequence: 1},
		flow.Transfer{Source: "MIX", Destination: "Z", Amount: 30, Tick: 4, Sequence: 2},
	)

	r := Process(j, snap, pending, b)
	require.Len(t, r.Hops, 4)

	perDest := map[string]int64{}
	for _, h := range r.Hops {
		perDest[h.Destination] += h.Amount
		assert.Equal(t, 2, h.HopLevel)
	}

	assert.Equal(t, map[string]int64{"Y": 70, "Z": 30}, perDest)
	assert.Zero(t, r.Totals.Dropped)
}

func TestMixerOutputsScaled(t *testing.T) {
	j, seeds := job(t, 5, flow.Origin{Address: "O", Balance: 1000})
	b := batch(t, []string{"O"},
		flow.Transfer{Source: "O", Destination: "MIX", Amount: 50, Tick: 4},
		flow.Transfer{Source: "MIX", Destination: "Y", Amount: 60, Tick: 4, Sequence: 1},
		flow.Transfer{Source: "MIX", Destination: "Z", Amount: 40, Tick: 4, Sequence: 2},
	)

	r := Process(j, snap, seeds, b)
	require.Len(t, r.Hops, 2)
	assert.Equal(t, int64(30), r.Hops[0].Amount)
	assert.Equal(t, int64(20), r.Hops[1].Amount)
	assert.Zero(t, r.Totals.Dropped)
	assert.Equal(t, int64(1000), j.Totals.Pending+r.Totals.Pending)
}

func TestMixerPendingBelowInbound(t *testing.T) {
	tests := map[string]struct {
		outputs []int64
		hops    []int64
		dropped int64
	}{
		"fullyPaid":    {outputs: []int64{60, 40}, hops: []int64{24, 16}},
		"partlyPaid":   {outputs: []int64{60, 20}, hops: []int64{24, 8}, dropped: 8},
		"overpaidCaps": {outputs: []int64{90, 60}, hops: []int64{24, 16}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			j, seeds := job(t, 5, flow.Origin{Address: "O", Balance: 40})
			ts := []flow.Transfer{{Source: "O", Destination: "MIX", Amount: 100, Tick: 4}}

			for i, amt := range tc.outputs {
				ts = append(ts, flow.Transfer{
					Source: "MIX", Destination: string(rune('Y' + i)), Amount: amt, Tick: 4, Sequence: uint32(i + 1),
				})
			}

			r := Process(j, snap, seeds, batch(t, []string{"O"}, ts...))
			require.Len(t, r.Hops, len(tc.hops))

			for i, h := range tc.hops {
				assert.Equal(t, h, r.Hops[i].Amount)
			}

			assert.Equal(t, tc.dropped, r.Totals.Dropped)

			rows := apply(seeds, r)
			checkRows(t, rows)
			assert.Zero(t, rows[flow.Key{Address: "O", Origin: "O"}].Pending)
			assert.Equal(t, int64(40), j.Totals.Pending+r.Totals.Pending+tc.dropped)
		})
	}
}

func TestOverlayVisibility(t *testing.T) {
	j, seeds := job(t, 5, flow.Origin{Address: "O", Balance: 500})
	b := batch(t, []string{"O", "I"},
		flow.Transfer{Source: "I", Destination: "K", Amount: 100, Tick: 1},
		flow.Transfer{Source: "O", Destination: "I", Amount: 500, Tick: 2},
		flow.Transfer{Source: "I", Destination: "J", Amount: 300, Tick: 3},
		flow.Transfer{Source: "I", Destination: "J", Amount: 300, Tick: 4, TxID: "again"},
	)

	r := Process(j, snap, seeds, b)
	// the first transfer happens before I holds anything
	assert.Equal(t, 1, r.Skipped)
	require.Len(t, r.Hops, 3)

	rows := apply(seeds, r)
	checkRows(t, rows)
	assert.Equal(t, int64(500), rows[flow.Key{Address: "J", Origin: "O"}].Pending)
	assert.Zero(t, rows[flow.Key{Address: "I", Origin: "O"}].Pending)
}

func TestDeterministicReplay(t *testing.T) {
	j, _ := job(t, 5, flow.Origin{Address: "A", Balance: 7}, flow.Origin{Address: "B", Balance: 11})
	pending := []flow.TrackingState{
		flow.NewState("job", "I", "B", flow.KindIntermediary, 1).Receive(11, 1),
		flow.NewState("job", "I", "A", flow.KindIntermediary, 1).Receive(7, 1),
	}
	transfers := []flow.Transfer{
		{Source: "I", Destination: "X", Amount: 5, Tick: 2},
		{Source: "I", Destination: "E", Amount: 3, Tick: 3},
		{Source: "X", Destination: "Y", Amount: 4, Tick: 4},
	}

	r1 := Process(j, snap, pending, batch(t, []string{"I", "X"}, transfers...))
	r2 := Process(j, snap, pending, batch(t, []string{"X", "I"}, transfers...))
	assert.Equal(t, r1, r2)

	// the input rows are untouched
	assert.Equal(t, int64(11), pending[0].Pending)
	assert.Equal(t, apply(pending, r1), apply(pending, r2))
}
