package buf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	addr := Addr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	w := NewWriter(0)
	w.U8(0xAB).U16(0x1234).U32(0xDEADBEEF).U64(0x0102030405060708).Addr(addr).Raw([]byte{0xFF, 0xEE})

	r := NewReader(w.Bytes())
	u8, err := r.U8()
	require.NoError(t, err)
	require.Equal(t, uint8(0xAB), u8)

	u16, err := r.U16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), u16)

	u32, err := r.U32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), u32)

	u64, err := r.U64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), u64)

	gotAddr, err := r.Addr()
	require.NoError(t, err)
	require.Equal(t, addr, gotAddr)

	rest := r.Rest()
	require.Equal(t, []byte{0xFF, 0xEE}, rest)
	require.Equal(t, 0, r.Len())
}

func TestReaderShortBuffer(t *testing.T) {
	r := NewReader([]byte{0x01})
	_, err := r.U16()
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestAddrString(t *testing.T) {
	a := Addr{0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	require.Equal(t, "01:02:03:04:05:06", a.String())
	require.Equal(t, a, a.Reversed().Reversed())
}
