// Package memory implements the message broker in process, for single binary deployments and tests.
package memory

import (
	"errors"
	"sync"

	"github.com/tarancss/fundflow/lib/msg"
)

const queueLen = 1024

var (
	// ErrClosed is returned when sending on a closed broker.
	ErrClosed = errors.New("broker is closed")
	// ErrFull is returned when a queue has no room left. Messages are never waited on.
	ErrFull = errors.New("broker queue is full")
)

// Memory is a broker backed by buffered channels. Messages are delivered once, to the single consumer of each queue.
type Memory struct {
	l      sync.Mutex
	closed bool
	reqs   chan msg.JobReq
	eves   chan msg.JobEvent
}

// New returns a broker ready to use.
func New() *Memory {
	return &Memory{
		reqs: make(chan msg.JobReq, queueLen),
		eves: make(chan msg.JobEvent, queueLen),
	}
}

// Setup implements msg.MsgBroker.
func (m *Memory) Setup() error { return nil }

// Close stops the consumers.
func (m *Memory) Close() error {
	m.l.Lock()
	defer m.l.Unlock()

	if !m.closed {
		m.closed = true
		close(m.reqs)
		close(m.eves)
	}

	return nil
}

// SendRequest implements msg.MsgBroker.
func (m *Memory) SendRequest(r msg.JobReq) error {
	m.l.Lock()
	defer m.l.Unlock()

	if m.closed {
		return ErrClosed
	}

	select {
	case m.reqs <- r:
		return nil
	default:
		return ErrFull
	}
}

// SendEvents implements msg.MsgBroker.
func (m *Memory) SendEvents(evs []msg.JobEvent) error {
	m.l.Lock()
	defer m.l.Unlock()

	if m.closed {
		return ErrClosed
	}

	for _, e := range evs {
		select {
		case m.eves <- e:
		default:
			return ErrFull
		}
	}

	return nil
}

// GetReqs implements msg.MsgBroker.
func (m *Memory) GetReqs(mut *sync.Mutex) (<-chan msg.JobReq, <-chan error, error) {
	return relay(m.reqs, mut), make(chan error), nil
}

// GetEvents implements msg.MsgBroker.
func (m *Memory) GetEvents(mut *sync.Mutex) (<-chan msg.JobEvent, <-chan error, error) {
	return relay(m.eves, mut), make(chan error), nil
}

func relay[T any](in <-chan T, mut *sync.Mutex) <-chan T {
	out := make(chan T)

	go func() {
		defer close(out)

		for v := range in {
			out <- v
			mut.Lock() // wait for the consumer to deal with v
		}
	}()

	return out
}
