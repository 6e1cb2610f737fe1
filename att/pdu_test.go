package att

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corebt/ble/uuid"
)

func TestParseHeaderExtractsOpcode(t *testing.T) {
	raw := MarshalReadReq(0x0012)
	op, rest, err := ParseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, OpReadReq, op)
	require.Len(t, rest, 2)
}

func TestParseHeaderRejectsEmpty(t *testing.T) {
	_, _, err := ParseHeader(nil)
	require.Error(t, err)
}

func TestMarshalParseErrorRsp(t *testing.T) {
	raw := MarshalErrorRsp(OpReadReq, 0x0042, ErrAttributeNotFound)
	op, rest, err := ParseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, OpErrorRsp, op)

	reqOp, handle, code, err := ParseErrorRsp(rest)
	require.NoError(t, err)
	require.Equal(t, OpReadReq, reqOp)
	require.Equal(t, uint16(0x0042), handle)
	require.Equal(t, ErrAttributeNotFound, code)
}

func TestMarshalFindInformationRsp16Bit(t *testing.T) {
	pairs := []HandleUUID{
		{Handle: 0x0001, UUID: uuid.From16(0x2800)},
		{Handle: 0x0002, UUID: uuid.From16(0x2803)},
	}
	raw := MarshalFindInformationRsp(InfoFormat16, pairs)
	op, rest, err := ParseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, OpFindInformationRsp, op)
	require.Equal(t, uint8(InfoFormat16), rest[0])
	// 2 handle+uuid pairs, each 2+2 bytes, after the format byte.
	require.Len(t, rest[1:], 2*(2+2))
}

func TestMarshalReadByGroupTypeRspLayout(t *testing.T) {
	data := []GroupData{
		{Handle: 0x0001, EndGroup: 0x0005, Value: []byte{0x00, 0x18}},
	}
	raw := MarshalReadByGroupTypeRsp(data)
	op, rest, err := ParseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, OpReadByGroupTypeRsp, op)
	require.Equal(t, uint8(6), rest[0]) // 4 header bytes + 2-byte value
}

func TestMarshalWriteReqRoundTrip(t *testing.T) {
	raw := MarshalWriteReq(0x0010, []byte{0xDE, 0xAD})
	op, rest, err := ParseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, OpWriteReq, op)
	require.Equal(t, []byte{0x10, 0x00, 0xDE, 0xAD}, rest)
}

func TestMarshalEmptyReadByTypeRspIsNil(t *testing.T) {
	require.Nil(t, MarshalReadByTypeRsp(nil))
	require.Nil(t, MarshalReadByGroupTypeRsp(nil))
}
