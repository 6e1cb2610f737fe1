// Package mgmt implements the thin adapter-control surface: power, name,
// secure-connections mode, default connection parameters, and
// long-term/identity-resolving/link-key upload. The wire dialect is an
// implementation choice; this one speaks a BlueZ-mgmt-shaped
// opcode/index/param header over HCI_CHANNEL_CONTROL, matching the
// channel-select-by-number convention already used for the raw HCI
// socket.
package mgmt

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corebt/ble/buf"
	"github.com/corebt/ble/internal/hcisock"
)

var log = logrus.WithField("pkg", "mgmt")

// Opcode identifies a management command/event.
type Opcode uint16

const (
	OpSetPowered            Opcode = 0x0005
	OpSetName               Opcode = 0x000F
	OpSetSecureConnections  Opcode = 0x002D
	OpSetDefaultConnParams  Opcode = 0x0039
	OpLoadLongTermKeys      Opcode = 0x0013
	OpLoadIdentityResKeys   Opcode = 0x0030
	OpLoadLinkKeys          Opcode = 0x0012
	OpAddDeviceToWhitelist  Opcode = 0x0033
	OpRemoveDeviceWhitelist Opcode = 0x0034

	EvCommandComplete Opcode = 0x0001
	EvCommandStatus   Opcode = 0x0002
	EvSettingsChanged Opcode = 0x0006
)

// SecureConnectionsMode is the set_secure_connections argument.
type SecureConnectionsMode uint8

const (
	SCOff  SecureConnectionsMode = 0x00
	SCOn   SecureConnectionsMode = 0x01
	SCOnly SecureConnectionsMode = 0x02
)

// DefaultConnParams is the set_default_conn_params argument.
type DefaultConnParams struct {
	Min, Max           uint16
	Latency            uint16
	SupervisionTimeout uint16
}

// LongTermKey mirrors the mgmt LTK upload record.
type LongTermKey struct {
	Addr          buf.Addr
	AddrType      uint8
	Authenticated uint8
	Master        uint8
	EncSize       uint8
	EDIV          uint16
	Rand          uint64
	Value         [16]byte
}

// IdentityResolvingKey mirrors the mgmt IRK upload record.
type IdentityResolvingKey struct {
	Addr     buf.Addr
	AddrType uint8
	Value    [16]byte
}

// LinkKey mirrors the mgmt classic link-key upload record.
type LinkKey struct {
	Addr     buf.Addr
	AddrType uint8
	KeyType  uint8
	Value    [16]byte
	PINLen   uint8
}

// AutoConnectPolicy controls how add_device_to_whitelist configures the
// controller's auto-connection behavior for a whitelisted peer.
type AutoConnectPolicy uint8

const (
	AutoConnectDisabled AutoConnectPolicy = iota
	AutoConnectDirect
	AutoConnectReportFilterPolicy
)

// Channel is the management-channel interface the Adapter depends on, so
// an alternate wire dialect can be substituted without touching adapter
// code.
type Channel interface {
	SetPowered(ctx context.Context, on bool) error
	SetName(ctx context.Context, name, shortName string) error
	SetSecureConnections(ctx context.Context, mode SecureConnectionsMode) error
	SetDefaultConnParams(ctx context.Context, p DefaultConnParams) error
	UploadLongTermKeys(ctx context.Context, keys []LongTermKey) error
	UploadIdentityResolvingKeys(ctx context.Context, keys []IdentityResolvingKey) error
	UploadLinkKeys(ctx context.Context, keys []LinkKey) error
	AddDeviceToWhitelist(ctx context.Context, addr buf.Addr, addrType uint8, policy AutoConnectPolicy) error
	RemoveDeviceFromWhitelist(ctx context.Context, addr buf.Addr, addrType uint8) error
	SettingsChanged() <-chan uint32
	Close() error
}

// socketChannel is the default Channel implementation.
type socketChannel struct {
	sock  *hcisock.Socket
	index uint16

	mu      sync.Mutex
	pending map[Opcode]chan []byte
	timeout time.Duration

	settings chan uint32

	closeOnce sync.Once
	done      chan struct{}
}

// Open binds the management control channel for controller index idx.
func Open(idx uint16) (Channel, error) {
	sock, err := hcisock.OpenManagement()
	if err != nil {
		return nil, fmt.Errorf("mgmt: open: %w", err)
	}
	c := &socketChannel{
		sock:     sock,
		index:    idx,
		pending:  make(map[Opcode]chan []byte),
		timeout:  3 * time.Second,
		settings: make(chan uint32, 8),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *socketChannel) readLoop() {
	b := make([]byte, 4096)
	for {
		n, err := c.sock.Read(b)
		select {
		case <-c.done:
			return
		default:
		}
		if err != nil {
			log.WithError(err).Warn("mgmt socket read failed; channel shutting down")
			return
		}
		if n < 6 {
			continue
		}
		ev := Opcode(binary.LittleEndian.Uint16(b[0:2]))
		idx := binary.LittleEndian.Uint16(b[2:4])
		plen := binary.LittleEndian.Uint16(b[4:6])
		if int(plen)+6 > n {
			continue
		}
		params := b[6 : 6+plen]
		if idx != c.index && idx != 0xFFFF {
			continue
		}
		switch ev {
		case EvCommandComplete:
			if len(params) < 3 {
				continue
			}
			op := Opcode(binary.LittleEndian.Uint16(params[0:2]))
			c.resolve(op, append([]byte(nil), params[3:]...))
		case EvCommandStatus:
			if len(params) < 3 {
				continue
			}
			op := Opcode(binary.LittleEndian.Uint16(params[0:2]))
			c.resolve(op, nil)
		case EvSettingsChanged:
			if len(params) >= 4 {
				select {
				case c.settings <- binary.LittleEndian.Uint32(params):
				default:
				}
			}
		}
	}
}

func (c *socketChannel) resolve(op Opcode, params []byte) {
	c.mu.Lock()
	ch, ok := c.pending[op]
	if ok {
		delete(c.pending, op)
	}
	c.mu.Unlock()
	if !ok {
		log.WithField("opcode", op).Debug("mgmt: unmatched command reply")
		return
	}
	ch <- params
}

func (c *socketChannel) send(ctx context.Context, op Opcode, params []byte) ([]byte, error) {
	reply := make(chan []byte, 1)
	c.mu.Lock()
	c.pending[op] = reply
	c.mu.Unlock()

	w := buf.NewWriter(6 + len(params))
	w.U16(uint16(op)).U16(c.index).U16(uint16(len(params))).Raw(params)
	if _, err := c.sock.Write(w.Bytes()); err != nil {
		return nil, fmt.Errorf("mgmt: write: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case p := <-reply:
		return p, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, op)
		c.mu.Unlock()
		return nil, fmt.Errorf("mgmt: command 0x%04X timed out", uint16(op))
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("mgmt: channel closed")
	}
}

func (c *socketChannel) SetPowered(ctx context.Context, on bool) error {
	v := uint8(0)
	if on {
		v = 1
	}
	_, err := c.send(ctx, OpSetPowered, []byte{v})
	return err
}

func (c *socketChannel) SetName(ctx context.Context, name, shortName string) error {
	var params [260]byte
	copy(params[0:249], name)
	copy(params[249:260], shortName)
	_, err := c.send(ctx, OpSetName, params[:])
	return err
}

func (c *socketChannel) SetSecureConnections(ctx context.Context, mode SecureConnectionsMode) error {
	_, err := c.send(ctx, OpSetSecureConnections, []byte{uint8(mode)})
	return err
}

func (c *socketChannel) SetDefaultConnParams(ctx context.Context, p DefaultConnParams) error {
	w := buf.NewWriter(8).U16(p.Min).U16(p.Max).U16(p.Latency).U16(p.SupervisionTimeout)
	_, err := c.send(ctx, OpSetDefaultConnParams, w.Bytes())
	return err
}

func (c *socketChannel) UploadLongTermKeys(ctx context.Context, keys []LongTermKey) error {
	w := buf.NewWriter(2 + 28*len(keys)).U16(uint16(len(keys)))
	for _, k := range keys {
		w.Addr(k.Addr).U8(k.AddrType).U8(k.Authenticated).U8(k.Master).
			U8(k.EncSize).U16(k.EDIV).U64(k.Rand).Raw(k.Value[:])
	}
	_, err := c.send(ctx, OpLoadLongTermKeys, w.Bytes())
	return err
}

func (c *socketChannel) UploadIdentityResolvingKeys(ctx context.Context, keys []IdentityResolvingKey) error {
	w := buf.NewWriter(2 + 23*len(keys)).U16(uint16(len(keys)))
	for _, k := range keys {
		w.Addr(k.Addr).U8(k.AddrType).Raw(k.Value[:])
	}
	_, err := c.send(ctx, OpLoadIdentityResKeys, w.Bytes())
	return err
}

func (c *socketChannel) UploadLinkKeys(ctx context.Context, keys []LinkKey) error {
	w := buf.NewWriter(1 + 25*len(keys)).U8(uint8(len(keys)))
	for _, k := range keys {
		w.Addr(k.Addr).U8(k.AddrType).U8(k.KeyType).Raw(k.Value[:]).U8(k.PINLen)
	}
	_, err := c.send(ctx, OpLoadLinkKeys, w.Bytes())
	return err
}

func (c *socketChannel) AddDeviceToWhitelist(ctx context.Context, addr buf.Addr, addrType uint8, policy AutoConnectPolicy) error {
	w := buf.NewWriter(8).Addr(addr).U8(addrType).U8(uint8(policy))
	_, err := c.send(ctx, OpAddDeviceToWhitelist, w.Bytes())
	return err
}

func (c *socketChannel) RemoveDeviceFromWhitelist(ctx context.Context, addr buf.Addr, addrType uint8) error {
	w := buf.NewWriter(7).Addr(addr).U8(addrType)
	_, err := c.send(ctx, OpRemoveDeviceWhitelist, w.Bytes())
	return err
}

func (c *socketChannel) SettingsChanged() <-chan uint32 { return c.settings }

func (c *socketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.sock.Close()
	})
	return err
}
