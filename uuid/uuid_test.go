package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrom16RoundTripsThroughWire(t *testing.T) {
	u := From16(0x180D)
	wire := u.LEBytes16()
	got, err := FromLEBytes(wire[:])
	require.NoError(t, err)
	require.True(t, got.Equal(u))

	short, ok := got.Short16()
	require.True(t, ok)
	require.Equal(t, uint16(0x180D), short)
}

func TestFrom128RoundTripsThroughWire(t *testing.T) {
	u := MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	wire := u.LEBytes128()
	got, err := FromLEBytes(wire)
	require.NoError(t, err)
	require.True(t, got.Equal(u))
	require.False(t, got.Is16())
}

func TestFromLEBytesRejectsBadLength(t *testing.T) {
	_, err := FromLEBytes([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
}

func TestParseShortForm(t *testing.T) {
	u, err := Parse("180d")
	require.NoError(t, err)
	require.True(t, u.Equal(From16(0x180D)))
}
