// Package ledger defines the read surface of the append-only transfer ledger traces are built from.
package ledger

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/tarancss/fundflow/lib/flow"
)

// Ledger is the query surface consumed by the tracer. Implementations must return transfers ordered by tick, then
// sequence.
type Ledger interface {
	// GetOutgoingTransfers returns the transfers sent by any of addrs in [start, end].
	GetOutgoingTransfers(ctx context.Context, addrs []string, start, end uint32) ([]flow.Transfer, error)
	// GetTransfersFrom returns the outputs paid by addr in [start, end].
	GetTransfersFrom(ctx context.Context, addr string, start, end uint32) ([]flow.Output, error)
	// GetHeadTick returns the last tick available.
	GetHeadTick(ctx context.Context) (uint32, error)
}

// ErrUnavailable is returned by ledgers that cannot be reached.
var ErrUnavailable = errors.New("ledger unavailable")

// Limited caps the query rate of a ledger shared by concurrent jobs.
type Limited struct {
	l   Ledger
	lim *rate.Limiter
}

// Limit wraps l so that at most r queries per second, with bursts of burst, reach it. A non positive r disables the
// limit and returns l itself.
func Limit(l Ledger, r float64, burst int) Ledger {
	if r <= 0 {
		return l
	}

	if burst <= 0 {
		burst = 1
	}

	return &Limited{l: l, lim: rate.NewLimiter(rate.Limit(r), burst)}
}

// GetOutgoingTransfers implements Ledger.
func (l *Limited) GetOutgoingTransfers(ctx context.Context, addrs []string, start, end uint32) ([]flow.Transfer, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return nil, err
	}

	return l.l.GetOutgoingTransfers(ctx, addrs, start, end)
}

// GetTransfersFrom implements Ledger.
func (l *Limited) GetTransfersFrom(ctx context.Context, addr string, start, end uint32) ([]flow.Output, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return nil, err
	}

	return l.l.GetTransfersFrom(ctx, addr, start, end)
}

// GetHeadTick implements Ledger.
func (l *Limited) GetHeadTick(ctx context.Context) (uint32, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return 0, err
	}

	return l.l.GetHeadTick(ctx)
}
