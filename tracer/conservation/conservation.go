// Package conservation checks that the value of a job is accounted for: what reached terminals plus what is still
// pending must match the seeded balances minus what was destroyed or dropped along the way.
package conservation

import (
	"sort"
	"time"

	"github.com/tarancss/fundflow/lib/flow"
)

// DefaultTopN is the number of contributors reported when Options.TopN is 0.
const DefaultTopN = 10

// Options tune a validation.
type Options struct {
	Tolerance int64 // absolute discrepancy accepted as balanced
	TopN      int
}

// Anomaly kinds.
const (
	NegativePending  = "negative_pending"
	Unbalanced       = "received_ne_sent_plus_pending"
	CompletePending  = "complete_with_pending"
	TerminalPending  = "terminal_with_pending"
	NegativeReceived = "negative_received"
)

// Anomaly is a row whose amounts do not add up.
type Anomaly struct {
	Kind     string `json:"kind"`
	Address  string `json:"address"`
	Origin   string `json:"origin"`
	Received int64  `json:"received"`
	Sent     int64  `json:"sent"`
	Pending  int64  `json:"pending"`
}

// Contributor is an address whose recorded inflow differs from what its rows received.
type Contributor struct {
	Address   string `json:"address"`
	HopInflow int64  `json:"hopInflow"`
	Received  int64  `json:"received"`
	Imbalance int64  `json:"imbalance"`
}

// Report is the outcome of a validation. It is a diagnostic: data problems never make Validate fail.
type Report struct {
	JobID        string        `json:"jobId"`
	Seed         int64         `json:"seed"`
	Destroyed    int64         `json:"destroyed"`
	Dropped      int64         `json:"dropped"`
	Expected     int64         `json:"expected"`
	Terminal     int64         `json:"terminal"`
	Pending      int64         `json:"pending"`
	Actual       int64         `json:"actual"`
	Discrepancy  int64         `json:"discrepancy"`
	Tolerance    int64         `json:"tolerance"`
	Balanced     bool          `json:"balanced"`
	Anomalies    []Anomaly     `json:"anomalies,omitempty"`
	Contributors []Contributor `json:"contributors,omitempty"`
	CheckedAt    time.Time     `json:"checkedAt"`
}

// Validate checks the rows and hops of job.
func Validate(job flow.Job, states []flow.TrackingState, hops []flow.HopRecord, opts Options) Report {
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}

	if opts.Tolerance < 0 {
		opts.Tolerance = -opts.Tolerance
	}

	r := Report{
		JobID:     job.ID,
		Seed:      job.SeedTotal(),
		Destroyed: job.Totals.Destroyed,
		Dropped:   job.Totals.Dropped,
		Tolerance: opts.Tolerance,
		CheckedAt: time.Now().UTC(),
	}
	r.Expected = r.Seed - r.Destroyed - r.Dropped

	received := make(map[string]int64)

	for _, s := range states {
		if s.Terminal {
			r.Terminal += s.Received
		} else if !s.Complete {
			r.Pending += s.Pending
		}

		if s.HopLevel > 0 {
			received[s.Address] += s.Received
		}

		r.Anomalies = append(r.Anomalies, check(s)...)
	}

	r.Actual = r.Terminal + r.Pending
	r.Discrepancy = r.Actual - r.Expected
	r.Balanced = abs(r.Discrepancy) <= r.Tolerance

	inflow := make(map[string]int64)
	for _, h := range hops {
		inflow[h.Destination] += h.Amount
	}

	r.Contributors = contributors(inflow, received, opts.TopN)

	return r
}

func check(s flow.TrackingState) (as []Anomaly) {
	add := func(kind string) {
		as = append(as, Anomaly{Kind: kind, Address: s.Address, Origin: s.Origin, Received: s.Received, Sent: s.Sent,
			Pending: s.Pending})
	}

	if s.Received < 0 {
		add(NegativeReceived)
	}

	if s.Pending < 0 {
		add(NegativePending)
	}

	if s.Received != s.Sent+s.Pending {
		add(Unbalanced)
	}

	if s.Complete && !s.Terminal && s.Pending != 0 {
		add(CompletePending)
	}

	if s.Terminal && s.Pending != 0 {
		add(TerminalPending)
	}

	return as
}

func contributors(inflow, received map[string]int64, n int) []Contributor {
	var cs []Contributor

	seen := make(map[string]struct{}, len(inflow))

	for a, in := range inflow {
		seen[a] = struct{}{}
		if d := in - received[a]; d != 0 {
			cs = append(cs, Contributor{Address: a, HopInflow: in, Received: received[a], Imbalance: d})
		}
	}

	for a, rcv := range received {
		if _, ok := seen[a]; !ok && rcv != 0 {
			cs = append(cs, Contributor{Address: a, Received: rcv, Imbalance: -rcv})
		}
	}

	sort.Slice(cs, func(i, j int) bool {
		if abs(cs[i].Imbalance) != abs(cs[j].Imbalance) {
			return abs(cs[i].Imbalance) > abs(cs[j].Imbalance)
		}

		return cs[i].Address < cs[j].Address
	})

	if len(cs) > n {
		cs = cs[:n]
	}

	return cs
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}

	return x
}
