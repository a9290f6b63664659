// Package flow defines the types shared by the fund-flow tracing engine: jobs, per-origin tracking state, hop
// records and the ledger transfers they are built from.
package flow

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an address from the point of view of a trace. It is a closed set: use Kind values, never free
// form strings, when branching on the class of a destination.
type Kind uint8

// Kind values.
const (
	KindUnknown Kind = iota
	KindOrigin
	KindIntermediary
	KindExchange
	KindSmartContract
)

var kindNames = [...]string{"unknown", "origin", "intermediary", "exchange", "smartcontract"}

// String returns the lower case name of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Terminal reports whether value reaching an address of this kind leaves the trace.
func (k Kind) Terminal() bool {
	return k == KindExchange || k == KindSmartContract
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if int(k) >= len(kindNames) {
		return nil, fmt.Errorf("%w: %d", ErrBadKind, k)
	}

	return []byte(kindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}

	*k = v

	return nil
}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if strings.EqualFold(n, s) {
			return Kind(i), nil
		}
	}

	return KindUnknown, fmt.Errorf("%w: %q", ErrBadKind, s)
}

// Status of a job.
type Status string

// Job status values. A job is created pending, moves to processing on its first committed window and ends complete
// once nothing is pending. Error keeps the last committed checkpoint so the job is retried by the next cycle.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Runnable lists the statuses picked up by the tracer.
var Runnable = []Status{StatusPending, StatusProcessing, StatusError} //nolint:gochecknoglobals // read only

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusError:
		return true
	}

	return false
}

// Source tells which call site created a job.
type Source string

// Job sources.
const (
	SourceEmission Source = "emission"
	SourceUser     Source = "user"
)

// Origin is an address seeding a trace with its starting balance.
type Origin struct {
	Address string `json:"address" bson:"address"`
	Balance int64  `json:"balance" bson:"balance"`
}

// Totals are the running totals of a job. In a checkpoint they are increments.
type Totals struct {
	Hops      int64 `json:"hops"`
	Terminal  int64 `json:"terminal"`
	Pending   int64 `json:"pending"`
	Destroyed int64 `json:"destroyed"` // burned along the way
	Dropped   int64 `json:"dropped"`   // left tracking without reaching a terminal
}

// Add returns the sum of t and d.
func (t Totals) Add(d Totals) Totals {
	return Totals{
		Hops:      t.Hops + d.Hops,
		Terminal:  t.Terminal + d.Terminal,
		Pending:   t.Pending + d.Pending,
		Destroyed: t.Destroyed + d.Destroyed,
		Dropped:   t.Dropped + d.Dropped,
	}
}

// Job is a trace of a set of origins through the ledger.
type Job struct {
	ID                string    `json:"id"`
	Source            Source    `json:"source"`
	Epoch             uint32    `json:"epoch,omitempty"`
	Origins           []Origin  `json:"origins"`
	StartTick         uint32    `json:"startTick"`
	MaxHops           int       `json:"maxHops"`
	Status            Status    `json:"status"`
	LastProcessedTick uint32    `json:"lastProcessedTick"`
	Windows           int64     `json:"windows"` // windows committed
	Totals            Totals    `json:"totals"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Processed reports whether at least one window has been committed for the job.
func (j Job) Processed() bool {
	return j.Windows > 0
}

// NextTick returns the first tick not yet processed.
func (j Job) NextTick() uint32 {
	if !j.Processed() {
		return j.StartTick
	}

	return j.LastProcessedTick + 1
}

// SeedTotal returns the sum of the origin balances.
func (j Job) SeedTotal() (total int64) {
	for _, o := range j.Origins {
		total += o.Balance
	}

	return
}

// IsOrigin reports whether addr seeds the job.
func (j Job) IsOrigin(addr string) bool {
	for _, o := range j.Origins {
		if o.Address == addr {
			return true
		}
	}

	return false
}

// Errors returned when validating a job.
var (
	ErrNoOrigins       = errors.New("at least one origin address is required")
	ErrDuplicateOrigin = errors.New("origin address given more than once")
	ErrEmptyAddress    = errors.New("origin address is empty")
	ErrBadBalance      = errors.New("origin balance must be positive")
	ErrMaxHops         = errors.New("max hops must be positive")
	ErrBadKind         = errors.New("unknown address kind")
)

// EmissionJobID returns the id of the periodic job seeded by the emission of epoch.
func EmissionJobID(epoch uint32) string {
	return "emission-" + strconv.FormatUint(uint64(epoch), 10)
}

// NewJob validates the job parameters and returns a pending job together with the tracking state rows seeding it.
// An empty id gets a random UUID.
func NewJob(id string, src Source, origins []Origin, startTick uint32, maxHops int, now time.Time) (Job, []TrackingState, error) {
	if len(origins) == 0 {
		return Job{}, nil, ErrNoOrigins
	}

	if maxHops <= 0 {
		return Job{}, nil, ErrMaxHops
	}

	seen := make(map[string]bool, len(origins))

	for _, o := range origins {
		switch {
		case o.Address == "":
			return Job{}, nil, ErrEmptyAddress
		case seen[o.Address]:
			return Job{}, nil, fmt.Errorf("%w: %s", ErrDuplicateOrigin, o.Address)
		case o.Balance <= 0:
			return Job{}, nil, fmt.Errorf("%w: %s has %d", ErrBadBalance, o.Address, o.Balance)
		}

		seen[o.Address] = true
	}

	if id == "" {
		id = uuid.NewString()
	}

	job := Job{
		ID:        id,
		Source:    src,
		Origins:   append([]Origin(nil), origins...),
		StartTick: startTick,
		MaxHops:   maxHops,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	seeds := make([]TrackingState, 0, len(origins))
	for _, o := range job.Origins {
		seeds = append(seeds, NewState(id, o.Address, o.Address, KindOrigin, 0).Receive(o.Balance, startTick))
		job.Totals.Pending += o.Balance
	}

	return job, seeds, nil
}

// Transfer is an outgoing ledger transfer.
type Transfer struct {
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Amount      int64     `json:"amount"`
	Tick        uint32    `json:"tick"`
	Sequence    uint32    `json:"sequence"`
	TxID        string    `json:"txId"`
	Timestamp   time.Time `json:"timestamp"`
}

// Output is one fan-out leg paid by the mixing contract.
type Output struct {
	Destination string    `json:"destination"`
	Amount      int64     `json:"amount"`
	Tick        uint32    `json:"tick"`
	Sequence    uint32    `json:"sequence"`
	TxID        string    `json:"txId"`
	Timestamp   time.Time `json:"timestamp"`
}

// SortTransfers orders transfers by tick, then sequence, then transaction id.
func SortTransfers(ts []Transfer) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Tick != ts[j].Tick {
			return ts[i].Tick < ts[j].Tick
		}

		if ts[i].Sequence != ts[j].Sequence {
			return ts[i].Sequence < ts[j].Sequence
		}

		return ts[i].TxID < ts[j].TxID
	})
}
