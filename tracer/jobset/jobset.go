// Package jobset keeps the set of jobs being processed by a tracer and whether the tracer is to keep working.
package jobset

import (
	"sort"
	"sync"
)

// Status possible values, control whether the tracer is working or is/has to stop
const (
	WORK int = 0
	STOP int = 1
)

// JobSet is safe for concurrent use.
type JobSet struct {
	l      sync.Mutex
	status int
	m      map[string]struct{}
}

// New returns an empty set in WORK status.
func New() *JobSet {
	return &JobSet{m: make(map[string]struct{})}
}

// Add marks id as running. It returns false if id was already running or the set has been stopped.
func (s *JobSet) Add(id string) bool {
	s.l.Lock()
	defer s.l.Unlock()

	if _, ok := s.m[id]; ok || s.status == STOP {
		return false
	}

	s.m[id] = struct{}{}

	return true
}

// Del marks id as no longer running.
func (s *JobSet) Del(id string) {
	s.l.Lock()
	delete(s.m, id)
	s.l.Unlock()
}

// Running returns the ids running, sorted.
func (s *JobSet) Running() []string {
	s.l.Lock()
	defer s.l.Unlock()

	ids := make([]string, 0, len(s.m))
	for id := range s.m {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Stop sets status to STOP
func (s *JobSet) Stop() {
	s.l.Lock()
	s.status = STOP
	s.l.Unlock()
}

// Start sets status to WORK
func (s *JobSet) Start() {
	s.l.Lock()
	s.status = WORK
	s.l.Unlock()
}

// Status returns the current status
func (s *JobSet) Status() int {
	s.l.Lock()
	defer s.l.Unlock()

	return s.status
}
