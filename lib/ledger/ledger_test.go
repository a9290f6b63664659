package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/ledger"
	"github.com/tarancss/fundflow/lib/ledger/memory"
)

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := memory.New(
		flow.Transfer{Source: "B", Destination: "C", Amount: 5, Tick: 2, Sequence: 1, TxID: "t3"},
		flow.Transfer{Source: "A", Destination: "B", Amount: 10, Tick: 1, Sequence: 0, TxID: "t1"},
		flow.Transfer{Source: "A", Destination: "C", Amount: 1, Tick: 2, Sequence: 0, TxID: "t2"},
		flow.Transfer{Source: "A", Destination: "D", Amount: 1, Tick: 9, Sequence: 0, TxID: "t4"},
	)

	ts, err := l.GetOutgoingTransfers(ctx, []string{"A", "B"}, 1, 5)
	require.NoError(t, err)
	require.Len(t, ts, 3)
	assert.Equal(t, []string{"t1", "t2", "t3"}, []string{ts[0].TxID, ts[1].TxID, ts[2].TxID})

	outs, err := l.GetTransfersFrom(ctx, "A", 2, 9)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "C", outs[0].Destination)

	head, err := l.GetHeadTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), head)

	l.SetHead(100)
	head, _ = l.GetHeadTick(ctx)
	assert.Equal(t, uint32(100), head)

	down := errors.New("down")
	l.Fail(down)
	_, err = l.GetOutgoingTransfers(ctx, []string{"A"}, 1, 5)
	require.ErrorIs(t, err, down)
}

func TestLimit(t *testing.T) {
	l := memory.New()
	assert.Same(t, l, ledger.Limit(l, 0, 0))

	lim := ledger.Limit(l, 1, 1)
	require.IsType(t, &ledger.Limited{}, lim)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// the first call takes the burst token, the second cannot wait a full second
	_, err := lim.GetHeadTick(ctx)
	require.NoError(t, err)
	_, err = lim.GetHeadTick(ctx)
	require.Error(t, err)
}
