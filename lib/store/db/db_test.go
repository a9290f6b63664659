package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/fundflow/lib/store/memory"
)

func TestNew(t *testing.T) {
	dh, err := New(MEMORY, "")
	require.NoError(t, err)
	assert.IsType(t, &memory.Memory{}, dh)
	require.NoError(t, Close(dh))

	_, err = New("sqlite", "x")
	require.ErrorIs(t, err, ErrUnknownType)

	require.NoError(t, Close(nil))
}
