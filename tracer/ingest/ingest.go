// Package ingest reads the transfers a job has to fold in a window.
package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/ledger"
	"github.com/tarancss/fundflow/tracer/window"
)

// Batch holds the input of one window.
type Batch struct {
	Window window.Window
	// Transfers sent by the fetched addresses, ordered by tick, sequence and transaction id. Burns are not included.
	Transfers []flow.Transfer
	// Burns are the transfers to the burn address, in the same order.
	Burns []flow.Transfer
	// MixerOutputs are the outputs paid by the mixing contract in the window, per tick and ordered by sequence. It
	// is nil unless some transfer targets the mixer.
	MixerOutputs map[uint32][]flow.Output

	addrs map[string]struct{}
}

// Fetched reports whether the transfers of addr are in the batch.
func (b *Batch) Fetched(addr string) bool {
	_, ok := b.addrs[addr]

	return ok
}

// Addresses returns the number of addresses fetched.
func (b *Batch) Addresses() int {
	return len(b.addrs)
}

// Ingester fetches batches from a ledger.
type Ingester struct {
	l     ledger.Ledger
	burn  string
	mixer string
}

// New returns an ingester. burn and mixer may be empty.
func New(l ledger.Ledger, burn, mixer string) *Ingester {
	return &Ingester{l: l, burn: burn, mixer: mixer}
}

// Fetch returns the batch of addrs in w.
func (in *Ingester) Fetch(ctx context.Context, addrs []string, w window.Window) (*Batch, error) {
	b := &Batch{Window: w, addrs: make(map[string]struct{}, len(addrs))}

	if _, err := in.Extend(ctx, b, addrs); err != nil {
		return nil, err
	}

	return b, nil
}

// Extend adds to b the transfers of the addresses in addrs not fetched yet and returns how many transfers were
// added. The order of b is kept.
func (in *Ingester) Extend(ctx context.Context, b *Batch, addrs []string) (int, error) {
	var todo []string

	for _, a := range addrs {
		if _, ok := b.addrs[a]; !ok {
			todo = append(todo, a)
			b.addrs[a] = struct{}{}
		}
	}

	if len(todo) == 0 {
		return 0, nil
	}

	sort.Strings(todo)

	ts, err := in.l.GetOutgoingTransfers(ctx, todo, b.Window.Start, b.Window.End)
	if err != nil {
		for _, a := range todo {
			delete(b.addrs, a)
		}

		return 0, fmt.Errorf("ingest: cannot get transfers: %w", err)
	}

	var added, burns int

	needMixer := false

	for _, t := range ts {
		if !b.Window.Contains(t.Tick) {
			continue
		}

		if in.burn != "" && t.Destination == in.burn {
			b.Burns = append(b.Burns, t)
			burns++

			continue
		}

		if in.mixer != "" && t.Destination == in.mixer {
			needMixer = true
		}

		b.Transfers = append(b.Transfers, t)
		added++
	}

	flow.SortTransfers(b.Transfers)

	if burns > 0 {
		flow.SortTransfers(b.Burns)
	}

	if needMixer && b.MixerOutputs == nil {
		if err := in.loadMixer(ctx, b); err != nil {
			return added, err
		}
	}

	return added + burns, nil
}

func (in *Ingester) loadMixer(ctx context.Context, b *Batch) error {
	outs, err := in.l.GetTransfersFrom(ctx, in.mixer, b.Window.Start, b.Window.End)
	if err != nil {
		return fmt.Errorf("ingest: cannot get mixer outputs: %w", err)
	}

	b.MixerOutputs = make(map[uint32][]flow.Output)

	for _, o := range outs {
		if o.Amount <= 0 {
			continue
		}

		b.MixerOutputs[o.Tick] = append(b.MixerOutputs[o.Tick], o)
	}

	for _, list := range b.MixerOutputs {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Sequence != list[j].Sequence {
				return list[i].Sequence < list[j].Sequence
			}

			return list[i].TxID < list[j].TxID
		})
	}

	return nil
}
