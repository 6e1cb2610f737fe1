package l2cap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corebt/ble/hci"
)

// fakeEngine is a minimal frontend that loops WriteACL straight back into
// a subscribed handler, letting tests drive fragmentation/reassembly
// without a real HCI socket.
type fakeEngine struct {
	mu      sync.Mutex
	handler func(handle uint16, pbFlag uint8, payload []byte)
	written [][]byte
}

func (f *fakeEngine) SubscribeACL(h hci.ACLHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeEngine) WriteACL(handle uint16, pbFlag uint8, payload []byte) error {
	f.mu.Lock()
	cp := append([]byte(nil), payload...)
	f.written = append(f.written, cp)
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(handle, pbFlag, cp)
	}
	return nil
}

func TestConnSendFragmentsAndLoopbackReassembles(t *testing.T) {
	eng := &fakeEngine{}
	c := NewConn(eng, 7)

	payload := make([]byte, 80)
	for i := range payload {
		payload[i] = byte(i)
	}

	_, err := c.ATT().Write(payload)
	require.NoError(t, err)

	require.Greater(t, len(eng.written), 1, "80 bytes should not fit one 27-byte fragment")

	got, err := c.att.ReadContext(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestConnReassembleRoutesByCID(t *testing.T) {
	eng := &fakeEngine{}
	c := NewConn(eng, 7)

	attSDU := []byte{0xAA, 0xBB}
	smpSDU := []byte{0xCC, 0xDD, 0xEE}

	c.onACL(7, pbFirstFlushable, firstFragment(CIDATT, attSDU))
	c.onACL(7, pbFirstFlushable, firstFragment(CIDSMP, smpSDU))

	gotATT, err := c.att.ReadContext(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, attSDU, gotATT)

	gotSMP, err := c.smp.ReadContext(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, smpSDU, gotSMP)
}

func TestConnIgnoresOtherHandle(t *testing.T) {
	eng := &fakeEngine{}
	c := NewConn(eng, 7)

	c.onACL(99, pbFirstFlushable, firstFragment(CIDATT, []byte{0x01}))

	select {
	case <-c.att.rx:
		t.Fatal("delivery for a foreign connection handle must be dropped")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestConnCloseUnblocksReaders(t *testing.T) {
	eng := &fakeEngine{}
	c := NewConn(eng, 7)
	require.NoError(t, c.Close())

	_, err := c.att.ReadContext(testCtx(t))
	require.ErrorIs(t, err, ErrClosed)
}

func firstFragment(cid uint16, sdu []byte) []byte {
	hdr := make([]byte, 4)
	hdr[0] = byte(len(sdu))
	hdr[1] = byte(len(sdu) >> 8)
	hdr[2] = byte(cid)
	hdr[3] = byte(cid >> 8)
	return append(hdr, sdu...)
}

// testCtx bounds test reads to 2s so a bug in reassembly hangs the test
// instead of the suite.
func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
