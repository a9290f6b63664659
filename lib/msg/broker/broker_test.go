package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/fundflow/lib/msg/memory"
)

func TestNew(t *testing.T) {
	mb, err := New(MEMORY, "", zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &memory.Memory{}, mb)
	require.NoError(t, mb.Close())

	_, err = New("kafka", "", zap.NewNop())
	require.ErrorIs(t, err, ErrUnknownType)
}
