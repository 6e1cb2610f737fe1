package att

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corebt/ble/uuid"
)

func serveOverPipe(t *testing.T, s *Server, connID uint64) (client net.Conn, stop func()) {
	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx, connID, serverSide)
	return clientSide, func() {
		cancel()
		clientSide.Close()
	}
}

func readResponse(t *testing.T, c net.Conn) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := c.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestServerHandleReadReq(t *testing.T) {
	s := NewServer()
	s.AddAttribute(&Attribute{Handle: 0x0003, UUID: uuid.From16(0x2A00), Perm: PermRead, StaticValue: []byte("device")})

	client, stop := serveOverPipe(t, s, 1)
	defer stop()

	_, err := client.Write(MarshalReadReq(0x0003))
	require.NoError(t, err)

	rsp := readResponse(t, client)
	op, body, err := ParseHeader(rsp)
	require.NoError(t, err)
	require.Equal(t, OpReadRsp, op)
	require.Equal(t, []byte("device"), body)
}

func TestServerHandleReadReqUnknownHandle(t *testing.T) {
	s := NewServer()
	client, stop := serveOverPipe(t, s, 1)
	defer stop()

	_, err := client.Write(MarshalReadReq(0x0099))
	require.NoError(t, err)

	rsp := readResponse(t, client)
	op, body, err := ParseHeader(rsp)
	require.NoError(t, err)
	require.Equal(t, OpErrorRsp, op)
	_, handle, code, err := ParseErrorRsp(body)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0099), handle)
	require.Equal(t, ErrInvalidHandle, code)
}

func TestServerHandleReadReqNotPermitted(t *testing.T) {
	s := NewServer()
	s.AddAttribute(&Attribute{Handle: 0x0004, UUID: uuid.From16(0x2A01), Perm: 0, StaticValue: []byte{0x01}})

	client, stop := serveOverPipe(t, s, 1)
	defer stop()

	_, err := client.Write(MarshalReadReq(0x0004))
	require.NoError(t, err)

	rsp := readResponse(t, client)
	op, body, err := ParseHeader(rsp)
	require.NoError(t, err)
	require.Equal(t, OpErrorRsp, op)
	_, _, code, err := ParseErrorRsp(body)
	require.NoError(t, err)
	require.Equal(t, ErrReadNotPermitted, code)
}

// subListener records subscription changes fired by CCCD writes.
type subListener struct {
	notify, indicate bool
	handle           uint16
	fired            chan struct{}
}

func (l *subListener) OnSubscriptionChanged(connID uint64, handle uint16, notify, indicate bool) {
	l.handle, l.notify, l.indicate = handle, notify, indicate
	close(l.fired)
}

func TestServerHandleWriteCCCDFiresSubscription(t *testing.T) {
	s := NewServer()
	s.AddAttribute(&Attribute{Handle: 0x0006, UUID: uuid.CCCD, Perm: PermWrite})
	l := &subListener{fired: make(chan struct{})}
	s.AddListener(l)

	client, stop := serveOverPipe(t, s, 1)
	defer stop()

	_, err := client.Write(MarshalWriteReq(0x0006, []byte{0x01, 0x00}))
	require.NoError(t, err)

	rsp := readResponse(t, client)
	op, _, err := ParseHeader(rsp)
	require.NoError(t, err)
	require.Equal(t, OpWriteRsp, op)

	select {
	case <-l.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription listener was not notified")
	}
	require.Equal(t, uint16(0x0006), l.handle)
	require.True(t, l.notify)
	require.False(t, l.indicate)
}

func TestServerReadByGroupTypeFindsService(t *testing.T) {
	s := NewServer()
	s.AddAttribute(&Attribute{Handle: 0x0001, UUID: uuid.From16(0x2800), IsService: true, EndGroup: 0x0005, StaticValue: func() []byte { b := uuid.From16(0x180D).LEBytes16(); return b[:] }()})

	client, stop := serveOverPipe(t, s, 1)
	defer stop()

	_, err := client.Write(MarshalReadByGroupTypeReq(0x0001, 0xFFFF, uuid.From16(0x2800)))
	require.NoError(t, err)

	rsp := readResponse(t, client)
	op, _, err := ParseHeader(rsp)
	require.NoError(t, err)
	require.Equal(t, OpReadByGroupTypeRsp, op)
}

func TestServerExchangeMtuShrinksToPeer(t *testing.T) {
	s := NewServer()
	client, stop := serveOverPipe(t, s, 1)
	defer stop()

	_, err := client.Write(MarshalExchangeMtuReq(20))
	require.NoError(t, err)

	rsp := readResponse(t, client)
	op, body, err := ParseHeader(rsp)
	require.NoError(t, err)
	require.Equal(t, OpExchangeMtuRsp, op)
	require.Equal(t, []byte{20, 0}, body)
}
