package conservation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/fundflow/lib/flow"
)

func endToEnd() (flow.Job, []flow.TrackingState, []flow.HopRecord) {
	job := flow.Job{
		ID:      "job",
		Origins: []flow.Origin{{Address: "O", Balance: 1000}},
		Totals:  flow.Totals{Terminal: 600, Pending: 400},
	}

	o := flow.NewState("job", "O", "O", flow.KindOrigin, 0).Receive(1000, 1).Send(1000, 1)
	i := flow.NewState("job", "I", "O", flow.KindIntermediary, 1).Receive(1000, 1).Send(1000, 2)
	e := flow.NewState("job", "E", "O", flow.KindExchange, 2).Receive(600, 2)
	j := flow.NewState("job", "J", "O", flow.KindIntermediary, 2).Receive(400, 3)

	hops := []flow.HopRecord{
		{Source: "O", Destination: "I", Amount: 1000, Origin: "O", HopLevel: 1},
		{Source: "I", Destination: "E", Amount: 600, Origin: "O", HopLevel: 2},
		{Source: "I", Destination: "J", Amount: 400, Origin: "O", HopLevel: 2},
	}

	return job, []flow.TrackingState{o, i, e, j}, hops
}

func TestBalanced(t *testing.T) {
	job, states, hops := endToEnd()

	r := Validate(job, states, hops, Options{})
	assert.True(t, r.Balanced)
	assert.Equal(t, int64(1000), r.Expected)
	assert.Equal(t, int64(600), r.Terminal)
	assert.Equal(t, int64(400), r.Pending)
	assert.Zero(t, r.Discrepancy)
	assert.Empty(t, r.Anomalies)
	assert.Empty(t, r.Contributors)
	assert.WithinDuration(t, time.Now(), r.CheckedAt, time.Minute)
}

func TestDestroyedAndDropped(t *testing.T) {
	job, states, hops := endToEnd()
	job.Origins[0].Balance = 1100
	job.Totals.Destroyed = 60
	job.Totals.Dropped = 40

	r := Validate(job, states, hops, Options{})
	assert.Equal(t, int64(1000), r.Expected)
	assert.True(t, r.Balanced)
}

func TestDiscrepancy(t *testing.T) {
	job, states, hops := endToEnd()
	// J lost 10 without a trace and E received 5 that no hop brought
	states[3].Received, states[3].Pending = 390, 390
	states[2].Received, states[2].Sent = 605, 605

	r := Validate(job, states, hops, Options{Tolerance: 4, TopN: 1})
	assert.False(t, r.Balanced)
	assert.Equal(t, int64(-5), r.Discrepancy)
	require.Len(t, r.Contributors, 1)
	assert.Equal(t, "J", r.Contributors[0].Address)
	assert.Equal(t, int64(10), r.Contributors[0].Imbalance)

	r = Validate(job, states, hops, Options{Tolerance: 5})
	assert.True(t, r.Balanced)
	assert.Len(t, r.Contributors, 2)
}

func TestAnomalies(t *testing.T) {
	job, states, hops := endToEnd()
	states[3].Pending = -1
	states[2].Pending = 3
	states[1].Pending = 2

	r := Validate(job, states, hops, Options{})

	kinds := map[string]int{}
	for _, a := range r.Anomalies {
		kinds[a.Kind]++
	}

	assert.Equal(t, 1, kinds[NegativePending])
	assert.Equal(t, 3, kinds[Unbalanced])
	assert.Equal(t, 1, kinds[CompletePending])
	assert.Equal(t, 1, kinds[TerminalPending])
}
