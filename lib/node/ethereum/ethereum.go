// Package ethereum implements balance lookups against ethereum-type nodes.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/tarancss/ethcli"
)

// Errors returned.
var (
	ErrConnect  = errors.New("cannot connect to ethereum node")
	ErrOverflow = errors.New("balance does not fit 64 bits")
)

// Ethereum implements a connection to an ethereum-type node.
type Ethereum struct {
	c *ethcli.EthCli
}

// Init returns a connection to an ethereum node, using secret if necessary for authentication.
func Init(node, secret string) (*Ethereum, error) {
	c := ethcli.Init(node, secret)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrConnect, node)
	}

	return &Ethereum{c: c}, nil
}

// Close ends a connection
func (e *Ethereum) Close() {
	e.c.End()
}

// Balance returns the ether balance of address in wei.
func (e *Ethereum) Balance(ctx context.Context, address string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	bal, tokBal := new(big.Int), new(big.Int)
	if err := e.c.GetBalance(address, "", bal, tokBal); err != nil {
		return 0, fmt.Errorf("get balance of %s: %w", address, err)
	}

	return toInt64(bal)
}

func toInt64(b *big.Int) (int64, error) {
	if !b.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, b)
	}

	return b.Int64(), nil
}
