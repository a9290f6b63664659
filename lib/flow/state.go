package flow

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Key identifies a tracking state row within a job.
type Key struct {
	Address string `json:"address"`
	Origin  string `json:"origin"`
}

// TrackingState is the value of one origin held by one address. Rows are values: the methods below return
// modified copies.
//
// Received == Sent + Pending always holds. Terminal rows absorb what they receive, so for them the absorbed
// amount is counted as sent and Pending stays 0.
type TrackingState struct {
	JobID    string `json:"jobId"`
	Address  string `json:"address"`
	Origin   string `json:"origin"`
	Kind     Kind   `json:"kind"`
	Received int64  `json:"received"`
	Sent     int64  `json:"sent"`
	Pending  int64  `json:"pending"`
	HopLevel int    `json:"hopLevel"`
	LastTick uint32 `json:"lastTick"`
	Terminal bool   `json:"terminal"`
	Complete bool   `json:"complete"`
}

// NewState returns an empty row.
func NewState(jobID, address, origin string, kind Kind, hop int) TrackingState {
	return TrackingState{
		JobID:    jobID,
		Address:  address,
		Origin:   origin,
		Kind:     kind,
		HopLevel: hop,
		Terminal: kind.Terminal(),
		Complete: true,
	}
}

// Key returns the row key.
func (s TrackingState) Key() Key {
	return Key{Address: s.Address, Origin: s.Origin}
}

// Receive returns s after receiving amount at tick.
func (s TrackingState) Receive(amount int64, tick uint32) TrackingState {
	s.Received += amount
	if s.Terminal {
		s.Sent += amount
	} else {
		s.Pending += amount
	}

	if tick > s.LastTick {
		s.LastTick = tick
	}

	s.Complete = s.Terminal || s.Pending <= 0

	return s
}

// Send returns s after sending amount at tick. The amount is capped to what is pending.
func (s TrackingState) Send(amount int64, tick uint32) TrackingState {
	if amount > s.Pending {
		amount = s.Pending
	}

	s.Sent += amount
	s.Pending -= amount

	if tick > s.LastTick {
		s.LastTick = tick
	}

	s.Complete = s.Terminal || s.Pending <= 0

	return s
}

// Apply merges d into s. It is the upsert rule every store implements: increments add up, the hop level keeps the
// shallowest reach and the terminal flag sticks.
func (s TrackingState) Apply(d Delta) TrackingState {
	if s.Address == "" {
		s = NewState(d.JobID, d.Address, d.Origin, d.Kind, d.HopLevel)
	} else if d.HopLevel < s.HopLevel {
		s.HopLevel = d.HopLevel
	}

	if s.Kind == KindUnknown || (d.Terminal && !s.Terminal) {
		s.Kind = d.Kind
	}

	s.Terminal = s.Terminal || d.Terminal
	s.Received += d.Received
	s.Sent += d.Sent
	s.Pending = s.Received - s.Sent

	if s.Terminal && s.Pending != 0 {
		s.Sent = s.Received
		s.Pending = 0
	}

	if d.Tick > s.LastTick {
		s.LastTick = d.Tick
	}

	s.Complete = s.Terminal || s.Pending <= 0

	return s
}

// Delta is the change of one row produced by one window.
type Delta struct {
	JobID    string `json:"jobId"`
	Address  string `json:"address"`
	Origin   string `json:"origin"`
	Kind     Kind   `json:"kind"`
	Received int64  `json:"received"`
	Sent     int64  `json:"sent"`
	HopLevel int    `json:"hopLevel"`
	Tick     uint32 `json:"tick"`
	Terminal bool   `json:"terminal"`
}

// Key returns the key of the row the delta applies to.
func (d Delta) Key() Key {
	return Key{Address: d.Address, Origin: d.Origin}
}

// Diff returns the delta turning before into after. before is the zero value for new rows.
func Diff(before, after TrackingState) Delta {
	return Delta{
		JobID:    after.JobID,
		Address:  after.Address,
		Origin:   after.Origin,
		Kind:     after.Kind,
		Received: after.Received - before.Received,
		Sent:     after.Sent - before.Sent,
		HopLevel: after.HopLevel,
		Tick:     after.LastTick,
		Terminal: after.Terminal,
	}
}

// HopRecord is one attributed edge. Records are written once and never modified.
type HopRecord struct {
	ID               string    `json:"id"`
	JobID            string    `json:"jobId"`
	Tick             uint32    `json:"tick"`
	Timestamp        time.Time `json:"timestamp"`
	TxID             string    `json:"txId"`
	Source           string    `json:"source"`
	Destination      string    `json:"destination"`
	Amount           int64     `json:"amount"`
	Origin           string    `json:"origin"`
	HopLevel         int       `json:"hopLevel"`
	DestinationKind  Kind      `json:"destinationKind"`
	DestinationLabel string    `json:"destinationLabel,omitempty"`
}

var hopNamespace = uuid.MustParse("6f1c3e0a-5b8e-4a55-9d2a-0c2f9e7b51d4") //nolint:gochecknoglobals // constant

// HopID returns the deterministic id of the hop attributing leg of the transfer (txID, seq) to origin. Replaying a
// window yields the same ids.
func HopID(jobID, txID string, seq uint32, leg int, origin, destination string) string {
	name := jobID + "|" + txID + "|" + strconv.FormatUint(uint64(seq), 10) + "|" + strconv.Itoa(leg) + "|" + origin +
		"|" + destination

	return uuid.NewSHA1(hopNamespace, []byte(name)).String()
}
