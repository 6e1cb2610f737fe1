// Package adapter implements Manager/Adapter/Device orchestration:
// controller lifecycle, discovery (recording one of five pause policies;
// scanning is not paused automatically),
// advertising, per-device state machines for the Central and
// Peripheral roles, and the copy-on-write listener fan-out both
// layers share.
package adapter

import (
	"sync/atomic"
	"time"

	"github.com/corebt/ble/att"
)

// DiscoveryPolicy selects how active scanning interacts with device
// connection state (the complete set of five).
type DiscoveryPolicy uint8

const (
	PolicyAuto DiscoveryPolicy = iota
	PolicyPauseWhenConnected
	PolicyPauseUntilConnected
	PolicyPauseUntilReady
	PolicyPauseUntilDisconnected
)

// DeviceState is a Device's position in its role-specific state machine.
type DeviceState uint8

const (
	StateDiscovered DeviceState = iota
	StateConnecting
	StateAdvertising
	StateConnected
	StatePairing
	StateReady
	StateDisconnected
	StateRemoved
)

func (s DeviceState) String() string {
	switch s {
	case StateDiscovered:
		return "Discovered"
	case StateConnecting:
		return "Connecting"
	case StateAdvertising:
		return "Advertising"
	case StateConnected:
		return "Connected"
	case StatePairing:
		return "Pairing"
	case StateReady:
		return "Ready"
	case StateDisconnected:
		return "Disconnected"
	case StateRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// AdapterStatusListener mirrors the application callback surface.
// Every method must be safely implementable as a no-op; embed
// NoopAdapterListener to get that for free.
type AdapterStatusListener interface {
	AdapterSettingsChanged(powered, discoverable bool)
	DiscoveringChanged(discovering bool)
	DeviceFound(d *Device) bool
	DeviceUpdated(d *Device)
	DeviceConnected(d *Device)
	DevicePairingState(d *Device, state string)
	DeviceReady(d *Device)
	DeviceDisconnected(d *Device, reason error)
}

// NoopAdapterListener gives embedders every method as a no-op so they
// only need to override what they care about.
type NoopAdapterListener struct{}

func (NoopAdapterListener) AdapterSettingsChanged(bool, bool)  {}
func (NoopAdapterListener) DiscoveringChanged(bool)            {}
func (NoopAdapterListener) DeviceFound(*Device) bool           { return true }
func (NoopAdapterListener) DeviceUpdated(*Device)              {}
func (NoopAdapterListener) DeviceConnected(*Device)            {}
func (NoopAdapterListener) DevicePairingState(*Device, string) {}
func (NoopAdapterListener) DeviceReady(*Device)                {}
func (NoopAdapterListener) DeviceDisconnected(*Device, error)  {}

// GattCharListener receives inbound notifications/indications for
// characteristics the application subscribed to.
type GattCharListener interface {
	NotificationReceived(char att.Characteristic, value []byte, at time.Time)
	IndicationReceived(char att.Characteristic, value []byte, at time.Time, confirmationSent bool)
}

// ChangedAdapterSetListener is notified when Manager's adapter set
// changes.
type ChangedAdapterSetListener interface {
	AdapterAdded(a *Adapter)
	AdapterRemoved(a *Adapter)
}

// listenerList is a copy-on-write slice so dispatch never blocks on
// concurrent registration/deregistration.
type listenerList[T any] struct {
	p atomic.Pointer[[]T]
}

func (l *listenerList[T]) add(v T) {
	for {
		old := l.p.Load()
		var base []T
		if old != nil {
			base = *old
		}
		next := make([]T, len(base)+1)
		copy(next, base)
		next[len(base)] = v
		if l.p.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (l *listenerList[T]) snapshot() []T {
	p := l.p.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (l *listenerList[T]) clear() {
	empty := []T(nil)
	l.p.Store(&empty)
}
