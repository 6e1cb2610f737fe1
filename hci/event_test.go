package hci

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corebt/ble/buf"
)

func TestParseEventHeaderSplitsParams(t *testing.T) {
	raw := []byte{uint8(EventDisconnectionComplete), 0x04, 0x00, 0x01, 0x00, 0x13, 0xFF}
	h, params, err := ParseEventHeader(raw)
	require.NoError(t, err)
	require.Equal(t, EventDisconnectionComplete, h.Code)
	require.Equal(t, uint8(4), h.Plen)
	require.Equal(t, []byte{0x00, 0x01, 0x00, 0x13}, params)
}

func TestParseEventHeaderRejectsTruncatedBody(t *testing.T) {
	raw := []byte{uint8(EventCommandComplete), 0x05, 0x01}
	_, _, err := ParseEventHeader(raw)
	require.Error(t, err)
}

func TestParseCommandComplete(t *testing.T) {
	raw := buf.NewWriter(8).U8(1).U16(uint16(OpReset)).Raw([]byte{0x00}).Bytes()
	ev, err := ParseCommandComplete(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(1), ev.NumHCICommandPackets)
	require.Equal(t, OpReset, ev.Opcode)
	require.Equal(t, []byte{0x00}, ev.ReturnParameters)
}

func TestParseCommandStatus(t *testing.T) {
	raw := buf.NewWriter(4).U8(0x00).U8(1).U16(uint16(OpLECreateConn)).Bytes()
	ev, err := ParseCommandStatus(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(0), ev.Status)
	require.Equal(t, OpLECreateConn, ev.Opcode)
}

func TestParseDisconnectionCompleteMasksHandle(t *testing.T) {
	raw := buf.NewWriter(4).U8(0).U16(0xF042).U8(0x13).Bytes()
	ev, err := ParseDisconnectionComplete(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0042), ev.ConnectionHandle)
	require.Equal(t, uint8(0x13), ev.Reason)
}

func TestParseNumberOfCompletedPkts(t *testing.T) {
	raw := buf.NewWriter(9).U8(2).U16(0x0001).U16(0x0003).U16(0x0002).U16(0x0001).Bytes()
	ev, err := ParseNumberOfCompletedPkts(raw)
	require.NoError(t, err)
	require.Len(t, ev.Packets, 2)
	require.Equal(t, CompletedPkt{ConnectionHandle: 1, NumCompleted: 3}, ev.Packets[0])
	require.Equal(t, CompletedPkt{ConnectionHandle: 2, NumCompleted: 1}, ev.Packets[1])
}

func TestParseLEMetaConnectionComplete(t *testing.T) {
	w := buf.NewWriter(32).U8(uint8(LESubEventConnectionComplete)).
		U8(0).        // status
		U16(0x0005).  // handle
		U8(0).        // role
		U8(0).        // peer addr type
		Addr(buf.Addr{1, 2, 3, 4, 5, 6}).
		U16(0x0010). // conn interval
		U16(0x0000). // latency
		U16(0x0C80). // supervision timeout
		U8(0)        // clock accuracy

	ev, err := ParseLEMeta(w.Bytes())
	require.NoError(t, err)
	require.Equal(t, LESubEventConnectionComplete, ev.SubEvent)
	require.NotNil(t, ev.ConnectionComplete)
	require.Equal(t, uint16(5), ev.ConnectionComplete.ConnectionHandle)
}

func TestParseLEMetaAdvertisingReport(t *testing.T) {
	w := buf.NewWriter(32).U8(uint8(LESubEventAdvertisingReport)).
		U8(1).              // num reports
		U8(AdvInd).          // event type
		U8(0).               // addr type
		Addr(buf.Addr{1, 2, 3, 4, 5, 6}).
		U8(2).               // data length
		Raw([]byte{0xAA, 0xBB}).
		U8(0xCE) // RSSI = -50 as two's complement

	ev, err := ParseLEMeta(w.Bytes())
	require.NoError(t, err)
	require.NotNil(t, ev.AdvertisingReport)
	require.Len(t, ev.AdvertisingReport.Reports, 1)
	r := ev.AdvertisingReport.Reports[0]
	require.True(t, r.Connectable())
	require.Equal(t, []byte{0xAA, 0xBB}, r.Data)
	require.Equal(t, int8(-50), r.RSSI)
}

func TestParseLEMetaRejectsUnknownSubEvent(t *testing.T) {
	_, err := ParseLEMeta([]byte{0xFF})
	require.Error(t, err)
}
