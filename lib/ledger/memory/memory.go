// Package memory implements an in-memory ledger, used by tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/tarancss/fundflow/lib/flow"
)

// Ledger holds transfers in memory.
type Ledger struct {
	mu        sync.RWMutex
	transfers []flow.Transfer
	head      uint32
	headSet   bool
	err       error
}

// New returns a ledger holding ts.
func New(ts ...flow.Transfer) *Ledger {
	l := &Ledger{}
	l.Add(ts...)

	return l
}

// Add appends transfers.
func (l *Ledger) Add(ts ...flow.Transfer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.transfers = append(l.transfers, ts...)
	flow.SortTransfers(l.transfers)
}

// SetHead fixes the head tick. Without it the head is the last tick holding a transfer.
func (l *Ledger) SetHead(tick uint32) {
	l.mu.Lock()
	l.head, l.headSet = tick, true
	l.mu.Unlock()
}

// Fail makes every query return err until called with nil.
func (l *Ledger) Fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// GetOutgoingTransfers implements ledger.Ledger.
func (l *Ledger) GetOutgoingTransfers(_ context.Context, addrs []string, start, end uint32) ([]flow.Transfer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.err != nil {
		return nil, l.err
	}

	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}

	var r []flow.Transfer

	for _, t := range l.transfers {
		if t.Tick < start || t.Tick > end {
			continue
		}

		if _, ok := set[t.Source]; ok {
			r = append(r, t)
		}
	}

	return r, nil
}

// GetTransfersFrom implements ledger.Ledger.
func (l *Ledger) GetTransfersFrom(_ context.Context, addr string, start, end uint32) ([]flow.Output, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.err != nil {
		return nil, l.err
	}

	var r []flow.Output

	for _, t := range l.transfers {
		if t.Source == addr && t.Tick >= start && t.Tick <= end {
			r = append(r, flow.Output{
				Destination: t.Destination,
				Amount:      t.Amount,
				Tick:        t.Tick,
				Sequence:    t.Sequence,
				TxID:        t.TxID,
				Timestamp:   t.Timestamp,
			})
		}
	}

	return r, nil
}

// GetHeadTick implements ledger.Ledger.
func (l *Ledger) GetHeadTick(context.Context) (uint32, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.err != nil {
		return 0, l.err
	}

	if l.headSet {
		return l.head, nil
	}

	var head uint32
	for _, t := range l.transfers {
		if t.Tick > head {
			head = t.Tick
		}
	}

	return head, nil
}
