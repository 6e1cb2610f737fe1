package adapter

import (
	"errors"
	"testing"

	"github.com/cornelk/hashmap"
	lru "github.com/hashicorp/golang-lru"
	"github.com/stretchr/testify/require"

	"github.com/corebt/ble/buf"
	"github.com/corebt/ble/hci"
)

func newBareAdapter(t *testing.T) *Adapter {
	t.Helper()
	rejected, err := lru.New(rejectedAddrsCacheSize)
	require.NoError(t, err)
	return &Adapter{
		devices:       make(map[buf.Addr]*Device),
		handles:       hashmap.New[uint16, *Device](),
		rejectedAddrs: rejected,
	}
}

type recordingStatusListener struct {
	NoopAdapterListener
	found   []*Device
	updated []*Device
	allow   bool
}

func (l *recordingStatusListener) DeviceFound(d *Device) bool {
	l.found = append(l.found, d)
	return l.allow
}

func (l *recordingStatusListener) DeviceUpdated(d *Device) {
	l.updated = append(l.updated, d)
}

func TestOnAdvertisingReportAddsNewDevice(t *testing.T) {
	a := newBareAdapter(t)
	l := &recordingStatusListener{allow: true}
	a.AddStatusListener(l)

	addr := buf.Addr{1, 2, 3, 4, 5, 6}
	a.onAdvertisingReport(hci.AdvertisingReport{Address: addr, RSSI: -40, Data: []byte{0x02, 0x01, 0x06}})

	require.Len(t, l.found, 1)
	a.devicesMu.RLock()
	d, ok := a.devices[addr]
	a.devicesMu.RUnlock()
	require.True(t, ok)
	require.Equal(t, int8(-40), d.RSSI())
}

func TestOnAdvertisingReportRejectedAddrIsCachedAndNotRetried(t *testing.T) {
	a := newBareAdapter(t)
	l := &recordingStatusListener{allow: false}
	a.AddStatusListener(l)

	addr := buf.Addr{9, 9, 9, 9, 9, 9}
	a.onAdvertisingReport(hci.AdvertisingReport{Address: addr})
	a.onAdvertisingReport(hci.AdvertisingReport{Address: addr})

	require.Len(t, l.found, 1, "a previously rejected address must not be re-offered to listeners")
	a.devicesMu.RLock()
	_, known := a.devices[addr]
	a.devicesMu.RUnlock()
	require.False(t, known)
}

func TestOnAdvertisingReportUpdatesKnownDevice(t *testing.T) {
	a := newBareAdapter(t)
	l := &recordingStatusListener{allow: true}
	a.AddStatusListener(l)

	addr := buf.Addr{1, 1, 1, 1, 1, 1}
	a.onAdvertisingReport(hci.AdvertisingReport{Address: addr, RSSI: -60})
	a.onAdvertisingReport(hci.AdvertisingReport{Address: addr, RSSI: -55})

	require.Len(t, l.found, 1)
	require.Len(t, l.updated, 1)
}

func TestOnDeviceStateChangedTracksConnectedCountOnlyUnderPausePolicy(t *testing.T) {
	a := newBareAdapter(t)
	a.discoveryPolicy = PolicyAuto
	d := newDevice(a, buf.Addr{1, 2, 3, 4, 5, 6}, buf.AddrPublic, RoleCentral)

	a.onDeviceStateChanged(d, StateDiscovered, StateConnected)
	require.Equal(t, 0, a.connectedCount, "connected count is only tracked under PolicyPauseWhenConnected")
}

func TestSetDiscoveringFiresListenerOnlyOnChange(t *testing.T) {
	a := newBareAdapter(t)
	var changes []bool
	a.AddStatusListener(&funcStatusListener{onDiscoveringChanged: func(v bool) {
		changes = append(changes, v)
	}})

	a.setDiscovering(true)
	a.setDiscovering(true)
	a.setDiscovering(false)

	require.Equal(t, []bool{true, false}, changes)
}

type funcStatusListener struct {
	NoopAdapterListener
	onDiscoveringChanged func(bool)
}

func (l *funcStatusListener) DiscoveringChanged(v bool) {
	if l.onDiscoveringChanged != nil {
		l.onDiscoveringChanged(v)
	}
}

func TestOnConnectionCompleteIgnoresUnknownPeer(t *testing.T) {
	a := newBareAdapter(t)
	a.onConnectionComplete(&hci.LEConnectionCompleteEvent{Status: 0, PeerAddress: buf.Addr{1, 2, 3, 4, 5, 6}, ConnectionHandle: 0x40})
	_, ok := a.handles.Get(0x40)
	require.False(t, ok)
}

func TestOnConnectionCompleteMapsHandleForKnownPeer(t *testing.T) {
	a := newBareAdapter(t)
	addr := buf.Addr{1, 2, 3, 4, 5, 6}
	d := newDevice(a, addr, buf.AddrPublic, RoleCentral)
	a.devices[addr] = d

	a.onConnectionComplete(&hci.LEConnectionCompleteEvent{Status: 0, PeerAddress: addr, ConnectionHandle: 0x40})

	got, ok := a.handles.Get(0x40)
	require.True(t, ok)
	require.Same(t, d, got)
}

func TestOnConnectionCompleteIgnoresFailedStatus(t *testing.T) {
	a := newBareAdapter(t)
	addr := buf.Addr{1, 2, 3, 4, 5, 6}
	a.devices[addr] = newDevice(a, addr, buf.AddrPublic, RoleCentral)

	a.onConnectionComplete(&hci.LEConnectionCompleteEvent{Status: 0x0E, PeerAddress: addr, ConnectionHandle: 0x41})

	_, ok := a.handles.Get(0x41)
	require.False(t, ok)
}

func TestRemoveDeviceClearsTrackingMapAndHandle(t *testing.T) {
	a := newBareAdapter(t)
	addr := buf.Addr{1, 2, 3, 4, 5, 6}
	d := newDevice(a, addr, buf.AddrPublic, RoleCentral)
	d.handle = 0x50
	a.devices[addr] = d
	a.handles.Insert(0x50, d)

	a.removeDevice(d)

	_, knownAddr := a.devices[addr]
	require.False(t, knownAddr)
	_, knownHandle := a.handles.Get(0x50)
	require.False(t, knownHandle)
}

func TestOnDeviceDisconnectedNotifiesListenersAndClearsHandle(t *testing.T) {
	a := newBareAdapter(t)
	addr := buf.Addr{1, 2, 3, 4, 5, 6}
	d := newDevice(a, addr, buf.AddrPublic, RoleCentral)
	d.handle = 0x60
	a.handles.Insert(0x60, d)

	var gotReason error
	a.AddStatusListener(&disconnectListener{onDisconnected: func(dev *Device, reason error) { gotReason = reason }})

	wantErr := errors.New("link loss")
	a.onDeviceDisconnected(d, wantErr)

	require.Equal(t, wantErr, gotReason)
	_, known := a.handles.Get(0x60)
	require.False(t, known)
}

type disconnectListener struct {
	NoopAdapterListener
	onDisconnected func(*Device, error)
}

func (l *disconnectListener) DeviceDisconnected(d *Device, reason error) {
	if l.onDisconnected != nil {
		l.onDisconnected(d, reason)
	}
}
