package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/corebt/ble/att"
	"github.com/corebt/ble/buf"
	"github.com/corebt/ble/errs"
	"github.com/corebt/ble/l2cap"
	"github.com/corebt/ble/smp"
)

// Role is the link role a Device was created under.
type Role uint8

const (
	RoleCentral Role = iota
	RolePeripheral
)

// Device represents one remote peer, owned exclusively by its Adapter
// as a strong reference for the lifetime of the connection.
type Device struct {
	Adapter *Adapter

	Addr     buf.Addr
	AddrType buf.AddrType
	Role     Role

	mu          sync.RWMutex
	state       DeviceState
	handle      uint16
	rssi        int8
	eir         []byte
	pairingMode smp.PairingMode

	conn   *l2cap.Conn
	client *att.Client
	sm     *smp.StateMachine

	charListeners listenerList[GattCharListener]

	discoveryPaused bool
}

func newDevice(a *Adapter, addr buf.Addr, addrType buf.AddrType, role Role) *Device {
	return &Device{Adapter: a, Addr: addr, AddrType: addrType, Role: role, state: StateDiscovered}
}

// State reports the device's current position in its role's state
// machine.
func (d *Device) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// setState reports whether it actually changed d's state, so callers can
// tell a genuine transition apart from a repeat of the current state.
func (d *Device) setState(s DeviceState) bool {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev == s {
		return false
	}
	d.Adapter.onDeviceStateChanged(d, prev, s)
	return true
}

// RSSI returns the most recently observed advertising RSSI.
func (d *Device) RSSI() int8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

// AddCharListener registers l for notifications/indications on this
// device's subscribed characteristics.
func (d *Device) AddCharListener(l GattCharListener) {
	d.charListeners.add(l)
}

// RemoveAllCharListener clears every registered GattCharListener.
func (d *Device) RemoveAllCharListener() {
	d.charListeners.clear()
}

func (d *Device) fireNotification(char att.Characteristic, value []byte, isIndication bool) {
	ls := d.charListeners.snapshot()
	now := d.Adapter.clock()
	for _, l := range ls {
		if isIndication {
			l.IndicationReceived(char, value, now, true)
		} else {
			l.NotificationReceived(char, value, now)
		}
	}
}

// ConnectLE establishes an ACL connection as Central and upgrades to L2CAP
// ATT. It does not start SMP pairing; if a valid key file exists for the
// peer, the device is marked pre-paired and moved straight to Ready.
func (d *Device) ConnectLE(ctx context.Context) error {
	d.setState(StateConnecting)
	handle, err := d.Adapter.createConnection(ctx, d.Addr, d.AddrType)
	if err != nil {
		d.setState(StateDisconnected)
		return err
	}
	d.mu.Lock()
	d.handle = handle
	d.conn = l2cap.NewConn(d.Adapter.engine(), handle)
	d.mu.Unlock()
	d.setState(StateConnected)
	d.Adapter.onDeviceConnected(d)

	d.mu.Lock()
	d.client = att.NewClient(d.conn.ATT())
	d.client.SetNotificationHandler(d.onNotification)
	d.mu.Unlock()

	if existing, err := d.Adapter.keyStore.Read(d.Adapter.localAddr, d.Addr); err == nil && existing.Valid {
		d.mu.Lock()
		d.pairingMode = smp.PairingModePrePaired
		d.mu.Unlock()
		d.setState(StateReady)
		d.Adapter.onDeviceReady(d)
		return nil
	}
	return nil
}

func (d *Device) onNotification(handle uint16, value []byte, isIndication bool) {
	d.fireNotification(att.Characteristic{ValueHandle: handle}, value, isIndication)
}

// Pair drives SMP pairing to completion over the SMP fixed channel.
func (d *Device) Pair(ctx context.Context, ioCap smp.IOCapability, mitm bool, cb smp.Callbacks) error {
	d.setState(StatePairing)
	d.Adapter.onDevicePairingState(d, "Pairing")

	role := smp.RoleInitiator
	if d.Role == RolePeripheral {
		role = smp.RoleResponder
	}
	sm := smp.New(smp.Config{
		LocalAddr:      d.Adapter.localAddr,
		RemoteAddr:     d.Addr,
		LocalAddrType:  uint8(d.Adapter.localAddrType),
		RemoteAddrType: uint8(d.AddrType),
		IOCapability:   ioCap,
		MITM:           mitm,
		BondingFlag:    true,
		OwnSC:          true,
		Role:           role,
		Channel:        d.conn.SMP(),
		Callbacks:      cb,
		Store:          d.Adapter.keyStore,
	})
	d.mu.Lock()
	d.sm = sm
	d.mu.Unlock()

	sm.Start(ctx)
	bundle, err := sm.Wait(ctx)
	if err != nil {
		d.Adapter.onDevicePairingState(d, "Failed")
		var sf *errs.SmpFailed
		if errors.As(err, &sf) {
			return sf
		}
		return &errs.SmpFailed{Reason: 0}
	}
	d.mu.Lock()
	d.pairingMode = bundle.PairingMode
	d.mu.Unlock()
	d.Adapter.onDevicePairingState(d, "Completed")
	d.setState(StateReady)
	d.Adapter.onDeviceReady(d)
	return nil
}

// GetGattServices runs full discovery (services, characteristics,
// descriptors) against the connected peer.
func (d *Device) GetGattServices(ctx context.Context) ([]att.Service, error) {
	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()
	if client == nil {
		return nil, &errs.NotReady{Op: "GetGattServices", State: d.State().String()}
	}
	return client.DiscoverPrimaryServices(ctx)
}

// Disconnect tears down the ACL connection.
func (d *Device) Disconnect(ctx context.Context, reason uint8) error {
	d.mu.RLock()
	handle := d.handle
	d.mu.RUnlock()
	err := d.Adapter.disconnect(ctx, handle, reason)
	d.handleDisconnected(err)
	return err
}

// handleDisconnected marks d disconnected exactly once — guarding
// against both an explicit Disconnect() call and the asynchronous
// DisconnectionComplete event racing each other — closes its L2CAP
// connection, and notifies listeners. Safe to call from either path.
func (d *Device) handleDisconnected(reason error) {
	d.mu.Lock()
	if d.state == StateDisconnected || d.state == StateRemoved {
		d.mu.Unlock()
		return
	}
	prev := d.state
	d.state = StateDisconnected
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	d.Adapter.onDeviceStateChanged(d, prev, StateDisconnected)
	d.Adapter.onDeviceDisconnected(d, reason)
}

// Remove drops d from the Adapter's device and handle maps and marks it
// Removed. It does not cancel in-flight operations or close the L2CAP
// connection.
func (d *Device) Remove() {
	d.Adapter.removeDevice(d)
	d.setState(StateRemoved)
}

func (d *Device) String() string {
	return fmt.Sprintf("Device(%s, %s)", d.Addr, d.State())
}
