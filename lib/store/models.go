package store

import (
	"time"

	"github.com/tarancss/fundflow/lib/flow"
)

// Checkpoint is the outcome of one window of a job. ApplyUpdates commits all of it or nothing: the deltas are merged
// into the tracking state, the hops are inserted, the totals are added to the job and the job advances to LastTick.
type Checkpoint struct {
	JobID    string           `json:"jobId"`
	LastTick uint32           `json:"lastTick"`
	Deltas   []flow.Delta     `json:"deltas"`
	Hops     []flow.HopRecord `json:"hops"`
	Totals   flow.Totals      `json:"totals"` // increments
	Status   flow.Status      `json:"status"`
}

// Stale reports whether cp was already committed for job: a window ending at or before the job checkpoint has been
// applied and must not be applied twice.
func (cp Checkpoint) Stale(job flow.Job) bool {
	return job.Processed() && cp.LastTick <= job.LastProcessedTick
}

// Advance returns job after committing cp at now.
func (cp Checkpoint) Advance(job flow.Job, now time.Time) flow.Job {
	job.LastProcessedTick = cp.LastTick
	job.Windows++
	job.Totals = job.Totals.Add(cp.Totals)

	if cp.Status != "" {
		job.Status = cp.Status
	}

	job.Error = ""
	job.UpdatedAt = now

	return job
}
