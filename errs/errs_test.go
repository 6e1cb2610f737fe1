package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransportErrorUnwraps(t *testing.T) {
	inner := errors.New("socket closed")
	err := &TransportError{Op: "write", Err: inner}
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "write")
}

func TestErrorsAsMatchesConcreteType(t *testing.T) {
	var err error = &AttError{Opcode: 0x0A, Handle: 0x0010, Code: 0x02}

	var ae *AttError
	require.True(t, errors.As(err, &ae))
	require.Equal(t, uint16(0x0010), ae.Handle)

	var te *TransportError
	require.False(t, errors.As(err, &te))
}
