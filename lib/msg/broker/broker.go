// Package broker opens message brokers by type.
package broker

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tarancss/fundflow/lib/msg"
	"github.com/tarancss/fundflow/lib/msg/amqp"
	"github.com/tarancss/fundflow/lib/msg/memory"
)

// Broker types.
const (
	AMQP   string = "amqp"
	MEMORY string = "memory"
)

// ErrUnknownType is returned for a broker type not listed above.
var ErrUnknownType = errors.New("unknown message broker type")

// New returns a broker of type typ connected to conn, with its exchanges declared.
func New(typ, conn string, log *zap.Logger) (msg.MsgBroker, error) {
	var (
		mb  msg.MsgBroker
		err error
	)

	switch typ {
	case AMQP:
		mb, err = amqp.New(conn, log)
	case MEMORY:
		mb = memory.New()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	if err != nil {
		return nil, err
	}

	if err = mb.Setup(); err != nil {
		mb.Close()

		return nil, fmt.Errorf("setup broker: %w", err)
	}

	return mb, nil
}
