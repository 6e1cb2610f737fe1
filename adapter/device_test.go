package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corebt/ble/att"
	"github.com/corebt/ble/buf"
)

func TestNewDeviceStartsDiscovered(t *testing.T) {
	a := &Adapter{}
	d := newDevice(a, buf.Addr{1, 2, 3, 4, 5, 6}, buf.AddrPublic, RoleCentral)
	require.Equal(t, StateDiscovered, d.State())
	require.Equal(t, RoleCentral, d.Role)
}

func TestDeviceSetStateTracksConnectedCountUnderPauseWhenConnected(t *testing.T) {
	a := &Adapter{discoveryPolicy: PolicyPauseWhenConnected}
	d := newDevice(a, buf.Addr{1, 2, 3, 4, 5, 6}, buf.AddrPublic, RoleCentral)

	d.setState(StateConnected)
	require.Equal(t, 1, a.connectedCount)

	d.setState(StateDisconnected)
	require.Equal(t, 0, a.connectedCount)
}

func TestDeviceSetStateNoOpWhenUnchanged(t *testing.T) {
	a := &Adapter{discoveryPolicy: PolicyPauseWhenConnected}
	d := newDevice(a, buf.Addr{1, 2, 3, 4, 5, 6}, buf.AddrPublic, RoleCentral)

	d.setState(StateConnected)
	d.setState(StateConnected)
	require.Equal(t, 1, a.connectedCount, "repeating the same state must not double-count")
}

func TestDeviceStringIncludesAddrAndState(t *testing.T) {
	a := &Adapter{}
	d := newDevice(a, buf.Addr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, buf.AddrPublic, RoleCentral)
	require.Contains(t, d.String(), "Discovered")
	require.Contains(t, d.String(), d.Addr.String())
}

func TestGetGattServicesNotReadyBeforeConnect(t *testing.T) {
	a := &Adapter{}
	d := newDevice(a, buf.Addr{1, 2, 3, 4, 5, 6}, buf.AddrPublic, RoleCentral)
	_, err := d.GetGattServices(nil)
	require.Error(t, err)
}

type recordingCharListener struct {
	notified []string
}

func (l *recordingCharListener) NotificationReceived(char att.Characteristic, value []byte, at time.Time) {
	l.notified = append(l.notified, string(value))
}

func (l *recordingCharListener) IndicationReceived(att.Characteristic, []byte, time.Time, bool) {}

func TestFireNotificationFansOutToRegisteredListeners(t *testing.T) {
	a := &Adapter{}
	d := newDevice(a, buf.Addr{1, 2, 3, 4, 5, 6}, buf.AddrPublic, RoleCentral)

	l := &recordingCharListener{}
	d.AddCharListener(l)
	d.fireNotification(att.Characteristic{ValueHandle: 0x10}, []byte("hello"), false)

	require.Equal(t, []string{"hello"}, l.notified)

	d.RemoveAllCharListener()
	d.fireNotification(att.Characteristic{ValueHandle: 0x10}, []byte("again"), false)
	require.Equal(t, []string{"hello"}, l.notified, "listeners cleared by RemoveAllCharListener must not fire")
}
