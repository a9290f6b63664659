//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/pgtest"
)

func TestLedger(t *testing.T) {
	ctx := context.Background()

	l, err := New(pgtest.URL(t))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	require.NoError(t, l.Migrate(ctx))

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, l.Insert(ctx,
		flow.Transfer{Source: "A", Destination: "B", Amount: 10, Tick: 1, Sequence: 0, TxID: "lt1", Timestamp: now},
		flow.Transfer{Source: "B", Destination: "C", Amount: 5, Tick: 2, Sequence: 1, TxID: "lt2", Timestamp: now},
		flow.Transfer{Source: "A", Destination: "C", Amount: 1, Tick: 2, Sequence: 0, TxID: "lt3", Timestamp: now},
	))
	// inserting twice is a no-op
	require.NoError(t, l.Insert(ctx, flow.Transfer{Source: "A", Destination: "B", Amount: 10, Tick: 1, TxID: "lt1",
		Timestamp: now}))

	ts, err := l.GetOutgoingTransfers(ctx, []string{"A", "B"}, 1, 2)
	require.NoError(t, err)
	require.Len(t, ts, 3)
	assert.Equal(t, []string{"lt1", "lt3", "lt2"}, []string{ts[0].TxID, ts[1].TxID, ts[2].TxID})
	assert.True(t, now.Equal(ts[0].Timestamp))

	outs, err := l.GetTransfersFrom(ctx, "A", 2, 2)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, int64(1), outs[0].Amount)

	head, err := l.GetHeadTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), head)
}
