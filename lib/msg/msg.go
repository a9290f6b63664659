// Package msg defines the interface for different message brokers.
//
// The api service publishes job requests that the tracer consumes, and the tracer publishes job events that the api
// consumes.
package msg

import (
	"sync"
	"time"

	"github.com/tarancss/fundflow/lib/flow"
)

// Actions requested on a job.
const (
	EXIT    = -1 // stop consuming requests
	PROCESS = 0  // run the job now instead of waiting for the next cycle
)

// JobReq defines the message that the api service publishes to the tracer to act on a job.
type JobReq struct {
	JobID string `json:"jobId"`
	Act   int    `json:"act"` // action to be applied
}

// JobEvent is published by the tracer after every committed window and every status change of a job.
type JobEvent struct {
	JobID             string      `json:"jobId"`
	Status            flow.Status `json:"status"`
	LastProcessedTick uint32      `json:"lastProcessedTick"`
	Totals            flow.Totals `json:"totals"`
	Error             string      `json:"error,omitempty"`
	TS                time.Time   `json:"ts"`
}

// EventOf returns the event describing the current state of job.
func EventOf(job flow.Job) JobEvent {
	return JobEvent{
		JobID:             job.ID,
		Status:            job.Status,
		LastProcessedTick: job.LastProcessedTick,
		Totals:            job.Totals,
		Error:             job.Error,
		TS:                job.UpdatedAt,
	}
}

// MsgBroker is implemented by every broker. Consumers receive a mutex that must be unlocked once a message has been
// dealt with; the message is only acknowledged then.
type MsgBroker interface { //nolint:revive // name kept for callers
	Setup() error
	Close() error

	// methods for the api service
	SendRequest(r JobReq) error
	GetEvents(mut *sync.Mutex) (<-chan JobEvent, <-chan error, error)

	// methods for the tracer service
	GetReqs(mut *sync.Mutex) (<-chan JobReq, <-chan error, error)
	SendEvents(evs []JobEvent) error
}
