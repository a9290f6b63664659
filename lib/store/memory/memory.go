// Package memory implements the store in memory. A single mutex makes every ApplyUpdates atomic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/store"
)

// Memory is an in-memory store.
type Memory struct {
	mu     sync.RWMutex
	jobs   map[string]flow.Job
	states map[string]map[flow.Key]flow.TrackingState
	hops   map[string][]flow.HopRecord
	hopIDs map[string]struct{}
	now    func() time.Time
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		jobs:   make(map[string]flow.Job),
		states: make(map[string]map[flow.Key]flow.TrackingState),
		hops:   make(map[string][]flow.HopRecord),
		hopIDs: make(map[string]struct{}),
		now:    time.Now,
	}
}

// Close implements store.Store.
func (m *Memory) Close() error {
	return nil
}

// CreateJob implements store.Store.
func (m *Memory) CreateJob(_ context.Context, job flow.Job, seeds []flow.TrackingState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", store.ErrJobExists, job.ID)
	}

	m.jobs[job.ID] = job
	rows := make(map[flow.Key]flow.TrackingState, len(seeds))

	for _, s := range seeds {
		rows[s.Key()] = s
	}

	m.states[job.ID] = rows

	return nil
}

// GetJob implements store.Store.
func (m *Memory) GetJob(_ context.Context, id string) (flow.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return flow.Job{}, store.ErrJobNotFound
	}

	return job, nil
}

// ListJobs implements store.Store. Jobs are returned least recently updated first.
func (m *Memory) ListJobs(_ context.Context, statuses []flow.Status, limit int) ([]flow.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := []flow.Job{}

	for _, j := range m.jobs {
		if len(statuses) == 0 || hasStatus(statuses, j.Status) {
			jobs = append(jobs, j)
		}
	}

	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].UpdatedAt.Equal(jobs[b].UpdatedAt) {
			return jobs[a].UpdatedAt.Before(jobs[b].UpdatedAt)
		}

		return jobs[a].ID < jobs[b].ID
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return jobs, nil
}

func hasStatus(ss []flow.Status, s flow.Status) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}

	return false
}

// DeleteJob implements store.Store.
func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return store.ErrJobNotFound
	}

	for _, h := range m.hops[id] {
		delete(m.hopIDs, h.ID)
	}

	delete(m.jobs, id)
	delete(m.states, id)
	delete(m.hops, id)

	return nil
}

// SetStatus implements store.Store.
func (m *Memory) SetStatus(_ context.Context, id string, status flow.Status, msg string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %s", store.ErrBadStatus, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}

	job.Status = status
	job.Error = msg
	job.UpdatedAt = m.now()
	m.jobs[id] = job

	return nil
}

// GetPending implements store.Store.
func (m *Memory) GetPending(_ context.Context, id string) ([]flow.TrackingState, error) {
	return m.rows(id, true)
}

// GetAll implements store.Store.
func (m *Memory) GetAll(_ context.Context, id string) ([]flow.TrackingState, error) {
	return m.rows(id, false)
}

func (m *Memory) rows(id string, pending bool) ([]flow.TrackingState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[id]; !ok {
		return nil, store.ErrJobNotFound
	}

	rows := []flow.TrackingState{}

	for _, s := range m.states[id] {
		if !pending || s.Pending > 0 {
			rows = append(rows, s)
		}
	}

	sort.Slice(rows, func(a, b int) bool {
		if rows[a].Address != rows[b].Address {
			return rows[a].Address < rows[b].Address
		}

		return rows[a].Origin < rows[b].Origin
	})

	return rows, nil
}

// GetHops implements store.Store. Hops are returned in insertion order.
func (m *Memory) GetHops(_ context.Context, id string, maxDepth int) ([]flow.HopRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[id]; !ok {
		return nil, store.ErrJobNotFound
	}

	hops := []flow.HopRecord{}

	for _, h := range m.hops[id] {
		if maxDepth <= 0 || h.HopLevel <= maxDepth {
			hops = append(hops, h)
		}
	}

	return hops, nil
}

// ApplyUpdates implements store.Store. It returns false when cp is stale.
func (m *Memory) ApplyUpdates(_ context.Context, cp store.Checkpoint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[cp.JobID]
	if !ok {
		return false, store.ErrJobNotFound
	}

	if cp.Stale(job) {
		return false, nil
	}

	rows := m.states[cp.JobID]
	for _, d := range cp.Deltas {
		rows[d.Key()] = rows[d.Key()].Apply(d)
	}

	for _, h := range cp.Hops {
		if _, dup := m.hopIDs[h.ID]; dup {
			continue
		}

		m.hopIDs[h.ID] = struct{}{}
		m.hops[cp.JobID] = append(m.hops[cp.JobID], h)
	}

	m.jobs[cp.JobID] = cp.Advance(job, m.now())

	return true, nil
}
