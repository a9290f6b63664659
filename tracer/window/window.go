// Package window computes the next tick range a job has to process.
package window

import (
	"math"

	"github.com/tarancss/fundflow/lib/flow"
)

// DefaultWidth is the number of ticks in a window when none is configured.
const DefaultWidth uint32 = 50000

// Window is a closed tick range [Start, End].
type Window struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// Len returns the number of ticks in w.
func (w Window) Len() uint32 {
	return w.End - w.Start + 1
}

// Contains reports whether tick is inside w.
func (w Window) Contains(tick uint32) bool {
	return tick >= w.Start && tick <= w.End
}

// Next returns the window following the job checkpoint, capped at the ledger head. It returns false when the job is
// caught up. Calling it again with the same checkpoint returns the same window.
func Next(job flow.Job, head, width uint32) (Window, bool) {
	if width == 0 {
		width = DefaultWidth
	}

	if job.Processed() && job.LastProcessedTick == math.MaxUint32 {
		return Window{}, false
	}

	start := job.NextTick()
	if start > head {
		return Window{}, false
	}

	end := head
	if head-start >= width {
		end = start + width - 1
	}

	return Window{Start: start, End: end}, true
}
