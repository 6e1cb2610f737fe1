package hci

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResetSequenceOrder(t *testing.T) {
	seq := ResetSequence()
	require.Len(t, seq, 3)
	require.Equal(t, OpReset, seq[0].Opcode())
	require.Equal(t, OpSetEventMask, seq[1].Opcode())
	require.Equal(t, OpLESetEventMask, seq[2].Opcode())
}
