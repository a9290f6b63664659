// Package store defines the persistence of jobs, tracking state and hop records used by the tracer and the API.
package store

import (
	"context"
	"errors"

	"github.com/tarancss/fundflow/lib/flow"
)

// Store persists the three tables of a trace: jobs, tracking state and hop records, all keyed by job id.
type Store interface {
	// methods for the API
	CreateJob(ctx context.Context, job flow.Job, seeds []flow.TrackingState) error
	GetJob(ctx context.Context, id string) (flow.Job, error)
	ListJobs(ctx context.Context, statuses []flow.Status, limit int) ([]flow.Job, error)
	DeleteJob(ctx context.Context, id string) error
	GetAll(ctx context.Context, id string) ([]flow.TrackingState, error)
	GetHops(ctx context.Context, id string, maxDepth int) ([]flow.HopRecord, error)
	// methods for the tracer
	GetPending(ctx context.Context, id string) ([]flow.TrackingState, error)
	ApplyUpdates(ctx context.Context, cp Checkpoint) (bool, error)
	SetStatus(ctx context.Context, id string, status flow.Status, msg string) error

	Close() error
}

// Errors returned.
var (
	ErrJobNotFound = errors.New("job was not found in store")
	ErrJobExists   = errors.New("job already exists in store")
	ErrBadStatus   = errors.New("invalid job status")
)
