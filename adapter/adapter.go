package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	lru "github.com/hashicorp/golang-lru"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/corebt/ble/buf"
	"github.com/corebt/ble/errs"
	"github.com/corebt/ble/hci"
	"github.com/corebt/ble/mgmt"
	"github.com/corebt/ble/smp"
)

var log = logrus.WithField("pkg", "adapter")

// Config bundles the environment knobs for the adapter layer: timeouts,
// ring sizes and the key-store directory, defaulted via struct tags.
type Config struct {
	CmdCompleteTimeoutMS int    `default:"10000"`
	CmdStatusTimeoutMS   int    `default:"3000"`
	EventRingSize        int    `default:"64"`
	MgmtCmdTimeoutMS     int    `default:"3000"`
	MgmtRingSize         int    `default:"64"`
	KeyStoreDir          string `default:"."`
}

// NewConfig returns a Config with every default.* tag applied.
func NewConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// DefaultConnParams mirrors mgmt.DefaultConnParams for Adapter's public
// surface, avoiding a direct mgmt-package dependency in caller code.
type DefaultConnParams = mgmt.DefaultConnParams

// Manager enumerates and owns every local controller-backed Adapter,
// the top-level application-facing surface of this module.
type Manager struct {
	mu       sync.RWMutex
	adapters map[int]*Adapter

	listeners listenerList[ChangedAdapterSetListener]
}

// NewManager constructs an empty Manager; adapters are discovered and
// added by the caller via AddAdapter (controller enumeration is
// platform-specific and out of this package's scope).
func NewManager() *Manager {
	return &Manager{adapters: make(map[int]*Adapter)}
}

// AddAdapter registers a newly discovered controller index idx.
func (m *Manager) AddAdapter(idx int, cfg *Config) (*Adapter, error) {
	a, err := newAdapter(idx, cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.adapters[idx] = a
	m.mu.Unlock()
	for _, l := range m.listeners.snapshot() {
		l.AdapterAdded(a)
	}
	return a, nil
}

// RemoveAdapter tears down and unregisters adapter index idx.
func (m *Manager) RemoveAdapter(idx int) {
	m.mu.Lock()
	a, ok := m.adapters[idx]
	delete(m.adapters, idx)
	m.mu.Unlock()
	if !ok {
		return
	}
	a.Close()
	for _, l := range m.listeners.snapshot() {
		l.AdapterRemoved(a)
	}
}

// Adapters returns a snapshot of every currently registered Adapter.
func (m *Manager) Adapters() []*Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a)
	}
	return out
}

// AddChangedAdapterSetListener registers l for adapter add/remove events.
func (m *Manager) AddChangedAdapterSetListener(l ChangedAdapterSetListener) {
	m.listeners.add(l)
}

// Adapter owns a single controller's HCI engine, management channel,
// device map, and the discovery/advertising state layered on top.
// It is created explicitly through its Manager, never a singleton —
// a process may own several.
type Adapter struct {
	Index int
	cfg   *Config

	eng *hci.Engine
	mc  mgmt.Channel

	localAddr     buf.Addr
	localAddrType buf.AddrType

	keyStore *smp.Store

	devicesMu sync.RWMutex
	devices   map[buf.Addr]*Device
	handles   *hashmap.Map[uint16, *Device]

	// rejectedAddrs bounds memory spent on addresses a status listener has
	// already declined via DeviceFound, so a busy scan full of transient
	// broadcasters doesn't re-run listener fan-out on every report.
	rejectedAddrs *lru.Cache

	discoveryMu     sync.Mutex
	discoveryPolicy DiscoveryPolicy
	discovering     bool
	connectedCount  int

	statusListeners listenerList[AdapterStatusListener]

	closeOnce sync.Once
}

func newAdapter(idx int, cfg *Config) (*Adapter, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	eng, err := hci.NewEngine(idx)
	if err != nil {
		return nil, fmt.Errorf("adapter: hci engine: %w", err)
	}
	mc, err := mgmt.Open(uint16(idx))
	if err != nil {
		return nil, fmt.Errorf("adapter: mgmt channel: %w", err)
	}
	store, err := smp.NewStore(cfg.KeyStoreDir)
	if err != nil {
		return nil, err
	}
	rejected, err := lru.New(rejectedAddrsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("adapter: rejected-address cache: %w", err)
	}
	return &Adapter{
		Index:         idx,
		cfg:           cfg,
		eng:           eng,
		mc:            mc,
		keyStore:      store,
		devices:       make(map[buf.Addr]*Device),
		handles:       hashmap.New[uint16, *Device](),
		rejectedAddrs: rejected,
	}, nil
}

// rejectedAddrsCacheSize bounds the DeviceFound-rejection dedup cache.
const rejectedAddrsCacheSize = 256

func (a *Adapter) engine() *hci.Engine { return a.eng }
func (a *Adapter) clock() time.Time    { return time.Now() }

// Initialize runs the controller setup sequence: power off, configure,
// power on.
func (a *Adapter) Initialize(ctx context.Context, powerOn bool) error {
	if err := a.mc.SetPowered(ctx, false); err != nil {
		return err
	}
	for _, cp := range hci.ResetSequence() {
		if _, err := a.eng.SendCommand(ctx, cp); err != nil {
			return fmt.Errorf("adapter: init: %w", err)
		}
	}
	if err := a.mc.SetSecureConnections(ctx, mgmt.SCOn); err != nil {
		log.WithError(err).Warn("adapter: controller rejected secure connections mode")
	}
	a.eng.SubscribeEvents(a.onHCIEvent)
	if powerOn {
		return a.mc.SetPowered(ctx, true)
	}
	return nil
}

// SetPowered toggles the controller's radio.
func (a *Adapter) SetPowered(ctx context.Context, on bool) error { return a.mc.SetPowered(ctx, on) }

// SetName sets the adapter's advertised and GAP device names.
func (a *Adapter) SetName(ctx context.Context, name, shortName string) error {
	return a.mc.SetName(ctx, name, shortName)
}

// SetDefaultConnParams configures the default LE connection parameters
// new connections are created with.
func (a *Adapter) SetDefaultConnParams(ctx context.Context, p DefaultConnParams) error {
	return a.mc.SetDefaultConnParams(ctx, p)
}

// SetSecureConnections controls whether LE Secure Connections pairing is
// offered, required, or disabled.
func (a *Adapter) SetSecureConnections(ctx context.Context, mode mgmt.SecureConnectionsMode) error {
	return a.mc.SetSecureConnections(ctx, mode)
}

// AddStatusListener registers l for adapter/device lifecycle events.
func (a *Adapter) AddStatusListener(l AdapterStatusListener) { a.statusListeners.add(l) }

// StartDiscovery programs the controller for LE scanning and enables it.
// The pause policy is recorded; scanning is not paused or resumed
// automatically on connection changes.
func (a *Adapter) StartDiscovery(ctx context.Context, policy DiscoveryPolicy, activeScan bool, interval, window uint16, filterDup bool) error {
	a.discoveryMu.Lock()
	a.discoveryPolicy = policy
	a.discoveryMu.Unlock()

	scanType := uint8(0)
	if activeScan {
		scanType = 1
	}
	if _, err := a.eng.SendCommand(ctx, hci.LESetScanParameters{
		ScanType: scanType, ScanInterval: interval, ScanWindow: window,
	}); err != nil {
		return err
	}
	dup := uint8(0)
	if filterDup {
		dup = 1
	}
	if _, err := a.eng.SendCommand(ctx, hci.LESetScanEnable{Enable: 1, FilterDuplicates: dup}); err != nil {
		return err
	}
	a.setDiscovering(true)
	return nil
}

// StopDiscovery disables LE scanning.
func (a *Adapter) StopDiscovery(ctx context.Context) error {
	_, err := a.eng.SendCommand(ctx, hci.LESetScanEnable{Enable: 0})
	a.setDiscovering(false)
	return err
}

func (a *Adapter) setDiscovering(v bool) {
	a.discoveryMu.Lock()
	changed := a.discovering != v
	a.discovering = v
	a.discoveryMu.Unlock()
	if changed {
		for _, l := range a.statusListeners.snapshot() {
			l.DiscoveringChanged(v)
		}
	}
}

// StartAdvertising configures and enables LE advertising for a
// Peripheral-role session.
func (a *Adapter) StartAdvertising(ctx context.Context, eir, scanRsp []byte, intervalMin, intervalMax uint16, advType uint8) error {
	if _, err := a.eng.SendCommand(ctx, hci.LESetAdvertisingParams{
		IntervalMin: intervalMin, IntervalMax: intervalMax, AdvType: advType, ChannelMap: 0x07,
	}); err != nil {
		return err
	}
	if _, err := a.eng.SendCommand(ctx, hci.LESetAdvertisingData{Data: eir}); err != nil {
		return err
	}
	if len(scanRsp) > 0 {
		if _, err := a.eng.SendCommand(ctx, hci.LESetScanResponseData{Data: scanRsp}); err != nil {
			return err
		}
	}
	_, err := a.eng.SendCommand(ctx, hci.LESetAdvertiseEnable{Enable: 1})
	return err
}

// StopAdvertising disables LE advertising.
func (a *Adapter) StopAdvertising(ctx context.Context) error {
	_, err := a.eng.SendCommand(ctx, hci.LESetAdvertiseEnable{Enable: 0})
	return err
}

func (a *Adapter) onHCIEvent(code hci.EventCode, raw []byte, le *hci.LEMetaEvent) {
	if code == hci.EventDisconnectionComplete {
		a.onDisconnectionComplete(raw)
		return
	}
	if le == nil {
		return
	}
	switch le.SubEvent {
	case hci.LESubEventAdvertisingReport:
		for _, r := range le.AdvertisingReport.Reports {
			a.onAdvertisingReport(r)
		}
	case hci.LESubEventConnectionComplete:
		a.onConnectionComplete(le.ConnectionComplete)
	}
}

// onDisconnectionComplete handles a peer- or controller-initiated
// teardown: DisconnectionComplete is a plain HCI event, not an LE-meta
// sub-event, so it is dispatched here rather than through onHCIEvent's
// LE-meta switch.
func (a *Adapter) onDisconnectionComplete(raw []byte) {
	ev, err := hci.ParseDisconnectionComplete(raw)
	if err != nil {
		log.WithError(err).Debug("adapter: malformed DisconnectionComplete")
		return
	}
	d, ok := a.handles.Get(ev.ConnectionHandle)
	if !ok {
		return
	}
	d.handleDisconnected(&errs.TransportError{
		Op:  "disconnect",
		Err: fmt.Errorf("link lost, reason=0x%02X", ev.Reason),
	})
}

func (a *Adapter) onAdvertisingReport(r hci.AdvertisingReport) {
	a.devicesMu.Lock()
	d, known := a.devices[r.Address]
	a.devicesMu.Unlock()

	if !known {
		if _, rejected := a.rejectedAddrs.Get(r.Address); rejected {
			return
		}
		d = newDevice(a, r.Address, buf.AddrType(r.AddressType), RoleCentral)
		keep := true
		for _, l := range a.statusListeners.snapshot() {
			if !l.DeviceFound(d) {
				keep = false
			}
		}
		if !keep {
			a.rejectedAddrs.Add(r.Address, struct{}{})
			return
		}
		a.devicesMu.Lock()
		a.devices[r.Address] = d
		a.devicesMu.Unlock()
	}
	d.mu.Lock()
	d.rssi = r.RSSI
	d.eir = append(d.eir[:0], r.Data...)
	d.mu.Unlock()
	if known {
		for _, l := range a.statusListeners.snapshot() {
			l.DeviceUpdated(d)
		}
	}
}

func (a *Adapter) onConnectionComplete(ev *hci.LEConnectionCompleteEvent) {
	if ev == nil || ev.Status != 0 {
		return
	}
	a.devicesMu.RLock()
	d, ok := a.devices[ev.PeerAddress]
	a.devicesMu.RUnlock()
	if !ok {
		return
	}
	a.handles.Insert(ev.ConnectionHandle, d)
}

func (a *Adapter) onDeviceStateChanged(d *Device, prev, next DeviceState) {
	a.discoveryMu.Lock()
	switch a.discoveryPolicy {
	case PolicyPauseWhenConnected:
		if next == StateConnected {
			a.connectedCount++
		} else if prev == StateConnected {
			a.connectedCount--
		}
	}
	a.discoveryMu.Unlock()
}

func (a *Adapter) onDeviceConnected(d *Device) {
	for _, l := range a.statusListeners.snapshot() {
		l.DeviceConnected(d)
	}
}

func (a *Adapter) onDevicePairingState(d *Device, state string) {
	for _, l := range a.statusListeners.snapshot() {
		l.DevicePairingState(d, state)
	}
}

func (a *Adapter) onDeviceReady(d *Device) {
	for _, l := range a.statusListeners.snapshot() {
		l.DeviceReady(d)
	}
}

func (a *Adapter) onDeviceDisconnected(d *Device, reason error) {
	a.handles.Delete(d.handle)
	for _, l := range a.statusListeners.snapshot() {
		l.DeviceDisconnected(d, reason)
	}
}

// createConnection issues HCI_LE_Create_Connection and waits for the
// corresponding LE Connection Complete event.
func (a *Adapter) createConnection(ctx context.Context, addr buf.Addr, addrType buf.AddrType) (uint16, error) {
	done := make(chan uint16, 1)
	failed := make(chan struct{}, 1)
	handler := func(code hci.EventCode, raw []byte, le *hci.LEMetaEvent) {
		if le == nil || le.SubEvent != hci.LESubEventConnectionComplete {
			return
		}
		ev := le.ConnectionComplete
		if ev.PeerAddress != addr {
			return
		}
		if ev.Status != 0 {
			failed <- struct{}{}
			return
		}
		done <- ev.ConnectionHandle
	}
	unsubscribe := a.eng.SubscribeEvents(handler)
	defer unsubscribe()

	if _, err := a.eng.SendCommand(ctx, hci.LECreateConn{
		PeerAddressType: uint8(addrType), PeerAddress: addr,
		ConnIntervalMin: 24, ConnIntervalMax: 40, SupervisionTimeout: 400,
	}); err != nil {
		return 0, err
	}

	select {
	case h := <-done:
		return h, nil
	case <-failed:
		return 0, &errs.TransportError{Op: "createConnection", Err: fmt.Errorf("connection failed")}
	case <-ctx.Done():
		_, _ = a.eng.SendCommand(ctx, hci.LECreateConnCancel{})
		return 0, ctx.Err()
	}
}

func (a *Adapter) disconnect(ctx context.Context, handle uint16, reason uint8) error {
	_, err := a.eng.SendCommand(ctx, hci.Disconnect{ConnectionHandle: handle, Reason: reason})
	return err
}

// removeDevice drops d from the Adapter's device and handle maps; it does
// not cancel in-flight operations on d.
func (a *Adapter) removeDevice(d *Device) {
	a.devicesMu.Lock()
	delete(a.devices, d.Addr)
	a.devicesMu.Unlock()
	a.handles.Delete(d.handle)
}

// Close shuts down this adapter's HCI engine and management channel.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		_ = a.eng.Close()
		_ = a.mc.Close()
	})
}
