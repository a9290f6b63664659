// Package labels provides the address classification used by traces: which addresses are exchanges, which are smart
// contracts, their human readable labels and the identity of the mixing contract.
//
// A Directory loads the classification from a Source and hands out immutable Snapshots. A processing cycle takes one
// snapshot and uses it for every job it runs, so a refresh never changes the classification in the middle of a job.
package labels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/fundflow/lib/flow"
)

// Errors returned.
var (
	ErrNoSource  = errors.New("no label source configured")
	ErrBadFormat = errors.New("unsupported label file format")
)

// Data is the raw classification as loaded from a source.
type Data struct {
	Exchanges      []string          `json:"exchanges" yaml:"exchanges"`
	SmartContracts []string          `json:"smartContracts" yaml:"smartContracts"`
	Labels         map[string]string `json:"labels" yaml:"labels"`
	Mixer          string            `json:"mixer" yaml:"mixer"`
}

// Snapshot is a read only view of the classification. The zero value classifies every address as intermediary.
type Snapshot struct {
	exchanges map[string]struct{}
	contracts map[string]struct{}
	labels    map[string]string
	mixer     string
	loadedAt  time.Time
}

// NewSnapshot builds a snapshot from d. The mixer is a smart contract even when d does not list it.
func NewSnapshot(d Data, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		exchanges: make(map[string]struct{}, len(d.Exchanges)),
		contracts: make(map[string]struct{}, len(d.SmartContracts)+1),
		labels:    make(map[string]string, len(d.Labels)),
		mixer:     d.Mixer,
		loadedAt:  loadedAt,
	}

	for _, a := range d.Exchanges {
		s.exchanges[a] = struct{}{}
	}

	for _, a := range d.SmartContracts {
		s.contracts[a] = struct{}{}
	}

	if d.Mixer != "" {
		s.contracts[d.Mixer] = struct{}{}
	}

	for a, l := range d.Labels {
		s.labels[a] = l
	}

	return s
}

// IsExchange reports whether addr is a known exchange.
func (s *Snapshot) IsExchange(addr string) bool {
	if s == nil {
		return false
	}

	_, ok := s.exchanges[addr]

	return ok
}

// IsSmartContract reports whether addr is a known smart contract.
func (s *Snapshot) IsSmartContract(addr string) bool {
	if s == nil {
		return false
	}

	_, ok := s.contracts[addr]

	return ok
}

// Label returns the label of addr and whether it has one.
func (s *Snapshot) Label(addr string) (string, bool) {
	if s == nil {
		return "", false
	}

	l, ok := s.labels[addr]

	return l, ok
}

// Mixer returns the address of the mixing contract, empty if there is none.
func (s *Snapshot) Mixer() string {
	if s == nil {
		return ""
	}

	return s.mixer
}

// IsMixer reports whether addr is the mixing contract.
func (s *Snapshot) IsMixer(addr string) bool {
	return addr != "" && addr == s.Mixer()
}

// Classify returns the kind of a destination address. Exchanges win over smart contracts.
func (s *Snapshot) Classify(addr string) flow.Kind {
	switch {
	case s.IsExchange(addr):
		return flow.KindExchange
	case s.IsSmartContract(addr):
		return flow.KindSmartContract
	default:
		return flow.KindIntermediary
	}
}

// LoadedAt returns when the snapshot was loaded.
func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}

	return s.loadedAt
}

// Size returns the number of exchanges, smart contracts and labels held.
func (s *Snapshot) Size() (exchanges, contracts, labels int) {
	if s == nil {
		return
	}

	return len(s.exchanges), len(s.contracts), len(s.labels)
}

// Source loads the classification.
type Source interface {
	Load(ctx context.Context) (Data, error)
}

// Static is a Source returning fixed data.
type Static Data

// Load implements Source.
func (st Static) Load(context.Context) (Data, error) {
	return Data(st), nil
}

// Directory keeps the current snapshot of a Source. mixer overrides the mixer of the loaded data when not empty.
type Directory struct {
	src    Source
	mixer  string
	logger *zap.Logger

	mu   sync.RWMutex
	snap *Snapshot
}

// NewDirectory returns a directory over src. Call Refresh before the first Current.
func NewDirectory(src Source, mixer string, logger *zap.Logger) *Directory {
	return &Directory{src: src, mixer: mixer, logger: logger.With(zap.String("component", "labels"))}
}

// Refresh loads a new snapshot. On error the previous snapshot is kept.
func (d *Directory) Refresh(ctx context.Context) error {
	if d.src == nil {
		return ErrNoSource
	}

	data, err := d.src.Load(ctx)
	if err != nil {
		return fmt.Errorf("labels: cannot load: %w", err)
	}

	if d.mixer != "" {
		data.Mixer = d.mixer
	}

	snap := NewSnapshot(data, time.Now())

	d.mu.Lock()
	d.snap = snap
	d.mu.Unlock()

	ex, sc, lb := snap.Size()
	d.logger.Debug("labels refreshed", zap.Int("exchanges", ex), zap.Int("contracts", sc), zap.Int("labels", lb))

	return nil
}

// Current returns the last loaded snapshot. It never returns nil.
func (d *Directory) Current() *Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.snap == nil {
		return NewSnapshot(Data{Mixer: d.mixer}, time.Time{})
	}

	return d.snap
}

// Run refreshes the directory every interval until ctx is done.
func (d *Directory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := d.Refresh(ctx); err != nil {
				d.logger.Warn("cannot refresh labels", zap.Error(err))
			}
		}
	}
}
