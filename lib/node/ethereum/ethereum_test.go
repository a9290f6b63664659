package ethereum

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestToInt64 tests the conversion only as the other functions are direct calls to the ethcli package.
func TestToInt64(t *testing.T) {
	v, err := toInt64(big.NewInt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), v)

	wei, ok := new(big.Int).SetString("100000000000000000000", 10) // 100 ether
	require.True(t, ok)

	_, err = toInt64(wei)
	require.ErrorIs(t, err, ErrOverflow)
}
