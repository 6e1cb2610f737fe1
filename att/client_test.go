package att

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corebt/ble/uuid"
)

// newClientServerPair wires a Client and Server over an in-memory pipe so
// GATT operations can be exercised end to end without a real transport.
func newClientServerPair(t *testing.T, s *Server) *Client {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx, 1, serverSide)
	t.Cleanup(func() {
		cancel()
		clientSide.Close()
	})
	return NewClient(clientSide)
}

func TestClientExchangeMTU(t *testing.T) {
	s := NewServer()
	c := newClientServerPair(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mtu, err := c.ExchangeMTU(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, uint16(100), mtu)
}

func TestClientDiscoverPrimaryServices(t *testing.T) {
	s := NewServer()
	s.AddAttribute(&Attribute{
		Handle: 0x0001, UUID: uuid.PrimaryService, IsService: true, EndGroup: 0x0005,
		StaticValue: func() []byte { b := uuid.From16(0x180D).LEBytes16(); return b[:] }(),
	})

	c := newClientServerPair(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	svcs, err := c.DiscoverPrimaryServices(ctx)
	require.NoError(t, err)
	require.Len(t, svcs, 1)
	require.Equal(t, uint16(0x0001), svcs[0].Handle)
	require.Equal(t, uint16(0x0005), svcs[0].EndGroup)
	require.True(t, svcs[0].UUID.Equal(uuid.From16(0x180D)))
}

func TestClientDiscoverPrimaryServicesEmpty(t *testing.T) {
	s := NewServer()
	c := newClientServerPair(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	svcs, err := c.DiscoverPrimaryServices(ctx)
	require.NoError(t, err)
	require.Empty(t, svcs)
}

func TestClientReadAndWriteValue(t *testing.T) {
	s := NewServer()
	var written []byte
	s.AddAttribute(&Attribute{
		Handle: 0x0010, UUID: uuid.From16(0x2A00), Perm: PermRead | PermWrite,
		StaticValue: []byte("hello"),
		OnWrite: func(ctx context.Context, connID uint64, value []byte) ErrorCode {
			written = append([]byte(nil), value...)
			return 0
		},
	})

	c := newClientServerPair(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := c.ReadValue(ctx, 0x0010)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), val)

	require.NoError(t, c.WriteValue(ctx, 0x0010, []byte("world")))
	require.Equal(t, []byte("world"), written)
}

func TestClientReadValueUnknownHandleReturnsAttError(t *testing.T) {
	s := NewServer()
	c := newClientServerPair(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.ReadValue(ctx, 0x0099)
	require.Error(t, err)
}

func TestClientNotificationHandlerInvoked(t *testing.T) {
	s := NewServer()
	s.AddAttribute(&Attribute{Handle: 0x0020, UUID: uuid.From16(0x2A37), Perm: PermRead | PermNotify})
	s.AddAttribute(&Attribute{Handle: 0x0021, UUID: uuid.CCCD, Perm: PermRead | PermWrite})

	c := newClientServerPair(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WriteCCCD(ctx, 0x0021, 0x0001))

	received := make(chan []byte, 1)
	c.SetNotificationHandler(func(handle uint16, value []byte, isIndication bool) {
		require.Equal(t, uint16(0x0020), handle)
		require.False(t, isIndication)
		received <- value
	})

	require.NoError(t, s.SendNotification(1, 0x0020, []byte{0x01, 0x02}))

	select {
	case v := <-received:
		require.Equal(t, []byte{0x01, 0x02}, v)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered to client handler")
	}
}

func TestServerSendNotificationIsNoOpWithoutSubscription(t *testing.T) {
	s := NewServer()
	s.AddAttribute(&Attribute{Handle: 0x0020, UUID: uuid.From16(0x2A37), Perm: PermRead | PermNotify})
	s.AddAttribute(&Attribute{Handle: 0x0021, UUID: uuid.CCCD, Perm: PermRead | PermWrite})

	c := newClientServerPair(t, s)

	received := make(chan []byte, 1)
	c.SetNotificationHandler(func(handle uint16, value []byte, isIndication bool) {
		received <- value
	})

	require.NoError(t, s.SendNotification(1, 0x0020, []byte{0x01, 0x02}))

	select {
	case <-received:
		t.Fatal("notification must not be sent when the CCCD notify bit is clear")
	case <-time.After(200 * time.Millisecond):
	}
}
