// Package node defines the balance lookup used to resolve the starting balance of origins submitted without one.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/tarancss/fundflow/lib/config"
	"github.com/tarancss/fundflow/lib/node/ethereum"
)

// Node returns the current balance of an address in base units.
type Node interface {
	Balance(ctx context.Context, address string) (int64, error)
	Close()
}

// Errors returned.
var (
	ErrNoNodes    = errors.New("no balance node configured")
	ErrNoAccount  = errors.New("address unknown to static node")
	ErrBadBalance = errors.New("balance must be positive")
)

// Init connects to all the balance nodes read from the config, in order.
func Init(nc []config.NodeConfig, log *zap.Logger) (nodes []Node, err error) {
	for _, n := range nc {
		e, err := ethereum.Init(n.Node, n.Secret)
		if err != nil {
			End(nodes)

			return nil, fmt.Errorf("node %s: %w", n.Name, err)
		}

		log.Info("balance node connected", zap.String("name", n.Name))

		nodes = append(nodes, e)
	}

	return nodes, nil
}

// End closes gracefully all the nodes opened.
func End(nodes []Node) {
	for _, n := range nodes {
		n.Close()
	}
}

// Lookup asks each node in turn for the balance of address and returns the first positive answer.
func Lookup(ctx context.Context, nodes []Node, address string) (int64, error) {
	if len(nodes) == 0 {
		return 0, ErrNoNodes
	}

	var errs *multierror.Error

	for _, n := range nodes {
		bal, err := n.Balance(ctx, address)
		if err == nil && bal <= 0 {
			err = fmt.Errorf("%w: %s has %d", ErrBadBalance, address, bal)
		}

		if err == nil {
			return bal, nil
		}

		errs = multierror.Append(errs, err)
	}

	return 0, errs.ErrorOrNil()
}

// Static is a node answering from a fixed table.
type Static map[string]int64

// Balance implements Node.
func (s Static) Balance(_ context.Context, address string) (int64, error) {
	bal, ok := s[address]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoAccount, address)
	}

	return bal, nil
}

// Close implements Node.
func (s Static) Close() {}
