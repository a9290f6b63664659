// Package attribution folds the transfers of a window into the tracking state of a job.
//
// The fold runs over a two tier overlay: a dirty map holding the rows changed by the window on top of the read only
// rows that were pending when the window started. Every transfer sees the changes of the transfers before it, and
// nothing is written until the caller commits the Result.
package attribution

import (
	"sort"

	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/labels"
	"github.com/tarancss/fundflow/tracer/ingest"
)

// Result is the outcome of folding one batch.
type Result struct {
	// Deltas to merge into the store, one per changed row, ordered by address and origin.
	Deltas []flow.Delta
	// Hops recorded, in fold order.
	Hops []flow.HopRecord
	// Totals are increments to add to the job totals.
	Totals flow.Totals
	// Pending lists the addresses holding pending value after the fold, sorted.
	Pending []string
	// Remaining is the number of rows still pending after the fold.
	Remaining int
	// Processed and Skipped count the transfers and burns folded and those whose source held nothing.
	Processed int
	Skipped   int
}

// Done reports whether no value is left to trace.
func (r Result) Done() bool {
	return r.Remaining == 0
}

type overlay struct {
	base    map[flow.Key]flow.TrackingState
	dirty   map[flow.Key]flow.TrackingState
	origins map[string][]string // origins held per address, sorted
}

func newOverlay(pending []flow.TrackingState) *overlay {
	o := &overlay{
		base:    make(map[flow.Key]flow.TrackingState, len(pending)),
		dirty:   make(map[flow.Key]flow.TrackingState),
		origins: make(map[string][]string),
	}

	for _, s := range pending {
		if s.Pending <= 0 || s.Terminal {
			continue
		}

		o.base[s.Key()] = s
		o.addOrigin(s.Address, s.Origin)
	}

	return o
}

func (o *overlay) addOrigin(addr, origin string) {
	list := o.origins[addr]

	i := sort.SearchStrings(list, origin)
	if i < len(list) && list[i] == origin {
		return
	}

	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = origin
	o.origins[addr] = list
}

func (o *overlay) get(k flow.Key) (flow.TrackingState, bool) {
	if s, ok := o.dirty[k]; ok {
		return s, true
	}

	s, ok := o.base[k]

	return s, ok
}

func (o *overlay) put(s flow.TrackingState) {
	if _, ok := o.get(s.Key()); !ok {
		o.addOrigin(s.Address, s.Origin)
	}

	o.dirty[s.Key()] = s
}

// sources returns the rows of addr with pending value, ordered by origin.
func (o *overlay) sources(addr string) []flow.TrackingState {
	var rows []flow.TrackingState

	for _, origin := range o.origins[addr] {
		if s, ok := o.get(flow.Key{Address: addr, Origin: origin}); ok && s.Pending > 0 && !s.Terminal {
			rows = append(rows, s)
		}
	}

	return rows
}

type processor struct {
	job  flow.Job
	snap *labels.Snapshot
	ov   *overlay
	res  Result
}

type item struct {
	flow.Transfer
	burn bool
}

// Process folds batch b into the pending rows of job. pending must hold every row of the job with pending value as
// persisted before the window; it is not modified. The fold is deterministic: the same inputs always give the same
// Result.
func Process(job flow.Job, snap *labels.Snapshot, pending []flow.TrackingState, b *ingest.Batch) Result {
	p := &processor{job: job, snap: snap, ov: newOverlay(pending)}

	for _, it := range merge(b) {
		switch {
		case it.Source == it.Destination:
			p.res.Skipped++
		case it.burn:
			p.burn(it.Transfer)
		case snap.IsMixer(it.Destination):
			p.mix(it.Transfer, b.MixerOutputs[it.Tick])
		default:
			p.direct(it.Transfer)
		}
	}

	p.finish()

	return p.res
}

// merge returns transfers and burns in ledger order.
func merge(b *ingest.Batch) []item {
	items := make([]item, 0, len(b.Transfers)+len(b.Burns))

	for _, t := range b.Transfers {
		items = append(items, item{Transfer: t})
	}

	for _, t := range b.Burns {
		items = append(items, item{Transfer: t, burn: true})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, c := items[i], items[j]
		if a.Tick != c.Tick {
			return a.Tick < c.Tick
		}

		if a.Sequence != c.Sequence {
			return a.Sequence < c.Sequence
		}

		return a.TxID < c.TxID
	})

	return items
}

// take reduces the pending rows of the transfer source by up to amount and returns the rows and the share taken
// from each. ok is false when the source holds nothing.
func (p *processor) take(t flow.Transfer) (rows []flow.TrackingState, shares []int64, ok bool) {
	rows = p.ov.sources(t.Source)
	if len(rows) == 0 || t.Amount <= 0 {
		p.res.Skipped++

		return nil, nil, false
	}

	weights := make([]int64, len(rows))

	var total int64
	for i, r := range rows {
		weights[i] = r.Pending
		total += r.Pending
	}

	if total <= 0 {
		p.res.Skipped++

		return nil, nil, false
	}

	tracked := t.Amount
	if tracked > total {
		tracked = total
	}

	shares = Partition(tracked, weights)

	for i, r := range rows {
		if shares[i] > 0 {
			p.ov.put(r.Send(shares[i], t.Tick))
		}
	}

	p.res.Processed++

	return rows, shares, true
}

func (p *processor) burn(t flow.Transfer) {
	_, shares, ok := p.take(t)
	if !ok {
		return
	}

	for _, s := range shares {
		p.res.Totals.Destroyed += s
	}
}

func (p *processor) direct(t flow.Transfer) {
	rows, shares, ok := p.take(t)
	if !ok {
		return
	}

	for i, r := range rows {
		p.attribute(r, shares[i], t, 0, nil)
	}
}

// mix treats the transfer to the mixer as a pass-through: only the outputs paid by the mixer in the same tick become
// hops. When the outputs exceed what was sent in, they are scaled down to the tracked amount; value sent in and not
// paid out is dropped.
func (p *processor) mix(t flow.Transfer, outs []flow.Output) {
	rows, shares, ok := p.take(t)
	if !ok {
		return
	}

	var tracked, paid int64
	for _, s := range shares {
		tracked += s
	}

	weights := make([]int64, len(outs))
	for k, o := range outs {
		weights[k] = o.Amount
		paid += o.Amount
	}

	denom := t.Amount
	if paid > denom {
		denom = paid
	}

	var pass int64
	if paid > 0 {
		pass, _ = mulDiv(tracked, paid, denom)
	}

	p.res.Totals.Dropped += tracked - pass

	for k, amt := range Partition(pass, weights) {
		for i, part := range Partition(amt, shares) {
			p.attribute(rows[i], part, t, k+1, &outs[k])
		}
	}
}

// attribute moves amount of the origin of src to the destination of t, or to the destination of out when the
// transfer went through the mixer. leg numbers the hops produced by one transfer.
func (p *processor) attribute(src flow.TrackingState, amount int64, t flow.Transfer, leg int, out *flow.Output) {
	if amount <= 0 {
		return
	}

	dest, txID, ts := t.Destination, t.TxID, t.Timestamp
	if out != nil {
		dest = out.Destination

		if out.TxID != "" {
			txID = out.TxID
		}

		if !out.Timestamp.IsZero() {
			ts = out.Timestamp
		}
	}

	hop := src.HopLevel + 1
	kind := p.snap.Classify(dest)

	if p.job.IsOrigin(dest) || (!kind.Terminal() && hop > p.job.MaxHops) {
		p.res.Totals.Dropped += amount

		return
	}

	if kind.Terminal() {
		p.absorb(dest, kind, t.Tick)
	}

	k := flow.Key{Address: dest, Origin: src.Origin}

	row, ok := p.ov.get(k)
	if !ok {
		row = flow.NewState(p.job.ID, dest, src.Origin, kind, hop)
	} else if hop < row.HopLevel {
		row.HopLevel = hop
	}

	p.ov.put(row.Receive(amount, t.Tick))

	if kind.Terminal() {
		p.res.Totals.Terminal += amount
	}

	label, _ := p.snap.Label(dest)

	p.res.Hops = append(p.res.Hops, flow.HopRecord{
		ID:               flow.HopID(p.job.ID, t.TxID, t.Sequence, leg, src.Origin, dest),
		JobID:            p.job.ID,
		Tick:             t.Tick,
		Timestamp:        ts,
		TxID:             txID,
		Source:           src.Address,
		Destination:      dest,
		Amount:           amount,
		Origin:           src.Origin,
		HopLevel:         hop,
		DestinationKind:  kind,
		DestinationLabel: label,
	})
	p.res.Totals.Hops++
}

// absorb turns the rows of addr that were traced as non-terminal into terminal rows of kind. Their pending value
// leaves the trace at the terminal, so it stops being a source.
func (p *processor) absorb(addr string, kind flow.Kind, tick uint32) {
	for _, origin := range p.ov.origins[addr] {
		row, ok := p.ov.get(flow.Key{Address: addr, Origin: origin})
		if !ok || row.Terminal {
			continue
		}

		p.res.Totals.Terminal += row.Pending

		row.Kind, row.Terminal = kind, true
		row.Sent += row.Pending
		row.Pending = 0
		row.Complete = true

		if tick > row.LastTick {
			row.LastTick = tick
		}

		p.ov.put(row)
	}
}

func (p *processor) finish() {
	keys := make([]flow.Key, 0, len(p.ov.dirty))
	for k := range p.ov.dirty {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Address != keys[j].Address {
			return keys[i].Address < keys[j].Address
		}

		return keys[i].Origin < keys[j].Origin
	})

	for _, k := range keys {
		after := p.ov.dirty[k]
		before := p.ov.base[k]

		d := flow.Diff(before, after)
		if d.Received == 0 && d.Sent == 0 {
			continue
		}

		p.res.Deltas = append(p.res.Deltas, d)
		p.res.Totals.Pending += after.Pending - before.Pending
	}

	addrs := make(map[string]struct{})

	for k, s := range p.ov.base {
		if _, ok := p.ov.dirty[k]; !ok && s.Pending > 0 {
			p.res.Remaining++
			addrs[s.Address] = struct{}{}
		}
	}

	for _, s := range p.ov.dirty {
		if s.Pending > 0 && !s.Terminal {
			p.res.Remaining++
			addrs[s.Address] = struct{}{}
		}
	}

	for a := range addrs {
		p.res.Pending = append(p.res.Pending, a)
	}

	sort.Strings(p.res.Pending)
}
