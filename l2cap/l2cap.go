// Package l2cap implements the fixed-channel L2CAP layer that ATT and SMP
// ride on: per-connection ACL fragmentation/reassembly and
// a Conn abstraction exposing the two fixed CIDs (0x0004 ATT, 0x0006 SMP)
// as ordinary io.ReadWriteClosers.
package l2cap

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/corebt/ble/hci"
)

var log = logrus.WithField("pkg", "l2cap")

// Fixed channel identifiers (Bluetooth Core spec, assigned numbers).
const (
	CIDATT uint16 = 0x0004
	CIDSMP uint16 = 0x0006
)

// ACL packet-boundary flags (matching hci.ACLFlag*).
const (
	pbFirstNonFlushable = 0x00
	pbContinuing        = 0x01
	pbFirstFlushable    = 0x02
)

// ErrClosed is returned by Read/Write after Close.
var ErrClosed = fmt.Errorf("l2cap: connection closed")

// frontend is the subset of hci.Engine a Conn depends on, so tests can
// substitute a fake transport without a real HCI socket.
type frontend interface {
	WriteACL(handle uint16, pbFlag uint8, payload []byte) error
	SubscribeACL(h hci.ACLHandler)
}

// Conn multiplexes the fixed ATT and SMP channels of a single ACL
// connection handle. restarts counts, per CID, how often a full receive
// queue had its oldest SDU discarded to make room for a new one; past
// maxRestarts, a new SDU that finds the queue full is dropped instead.
type Conn struct {
	eng    frontend
	handle uint16
	mtu    int

	mu        sync.Mutex
	reassembly map[uint16][]byte // CID -> partial SDU being reassembled
	expected   map[uint16]int    // CID -> expected total SDU length
	restarts   map[uint16]int

	att *bearer
	smp *bearer

	closeOnce sync.Once
	closed    chan struct{}
}

// bearer is one fixed channel's read side: inbound SDUs delivered whole.
type bearer struct {
	cid  uint16
	conn *Conn
	rx   chan []byte
}

const maxRestarts = 3

// NewConn wires a Conn to eng for the given connection handle. The
// default L2CAP MTU for LE is 23 octets absent a later negotiation by
// ATT's exchange_mtu.
func NewConn(eng frontend, handle uint16) *Conn {
	c := &Conn{
		eng:        eng,
		handle:     handle,
		mtu:        23,
		reassembly: make(map[uint16][]byte),
		expected:   make(map[uint16]int),
		restarts:   make(map[uint16]int),
		closed:     make(chan struct{}),
	}
	c.att = &bearer{cid: CIDATT, conn: c, rx: make(chan []byte, 16)}
	c.smp = &bearer{cid: CIDSMP, conn: c, rx: make(chan []byte, 16)}
	eng.SubscribeACL(c.onACL)
	return c
}

// ATT returns the fixed ATT channel bearer.
func (c *Conn) ATT() io.ReadWriteCloser { return c.att }

// SMP returns the fixed SMP channel bearer.
func (c *Conn) SMP() io.ReadWriteCloser { return c.smp }

func (c *Conn) onACL(handle uint16, pbFlag uint8, payload []byte) {
	if handle != c.handle {
		return
	}
	if err := c.reassemble(pbFlag, payload); err != nil {
		log.WithError(err).WithField("handle", c.handle).Warn("l2cap reassembly error")
	}
}

// reassemble implements the B-frame fragmentation rule: a first fragment
// carries a 2-byte length + 2-byte CID header followed by as much of the
// SDU as fits the current ACL data length; continuation fragments carry
// raw payload until the declared length is reached.
func (c *Conn) reassemble(pbFlag uint8, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch pbFlag {
	case pbFirstNonFlushable, pbFirstFlushable:
		if len(payload) < 4 {
			return fmt.Errorf("l2cap: short first fragment")
		}
		sduLen := binary.LittleEndian.Uint16(payload[0:2])
		cid := binary.LittleEndian.Uint16(payload[2:4])
		body := payload[4:]
		if len(body) >= int(sduLen) {
			c.deliver(cid, body[:sduLen])
			return nil
		}
		// A new first fragment abandons any other partial SDU.
		for k := range c.reassembly {
			delete(c.reassembly, k)
			delete(c.expected, k)
		}
		c.reassembly[cid] = append([]byte(nil), body...)
		c.expected[cid] = int(sduLen)
		return nil
	case pbContinuing:
		cid, sdu, done := c.appendContinuation(payload)
		if done {
			c.deliver(cid, sdu)
		}
		return nil
	default:
		return fmt.Errorf("l2cap: unexpected pb flag %d", pbFlag)
	}
}

// appendContinuation appends a continuation fragment to whichever CID is
// mid-reassembly. LE has one ACL connection carrying interleaved fixed
// channels but the controller does not interleave fragments of a single
// SDU, so the most-recently-started reassembly is the continuation's
// target.
func (c *Conn) appendContinuation(payload []byte) (cid uint16, sdu []byte, done bool) {
	for k, buf := range c.reassembly {
		want := c.expected[k]
		buf = append(buf, payload...)
		if len(buf) >= want {
			delete(c.reassembly, k)
			delete(c.expected, k)
			return k, buf[:want], true
		}
		c.reassembly[k] = buf
		return k, nil, false
	}
	return 0, nil, false
}

func (c *Conn) deliver(cid uint16, sdu []byte) {
	var b *bearer
	switch cid {
	case CIDATT:
		b = c.att
	case CIDSMP:
		b = c.smp
	default:
		log.WithField("cid", cid).Debug("l2cap: unhandled fixed channel")
		return
	}
	cp := append([]byte(nil), sdu...)
	select {
	case b.rx <- cp:
	default:
		c.restarts[cid]++
		if c.restarts[cid] > maxRestarts {
			log.WithField("cid", cid).Error("l2cap: receive queue stalled past restart.count, dropping")
			return
		}
		select {
		case <-b.rx:
		default:
		}
		b.rx <- cp
	}
}

// send fragments sdu into ACL frames of at most maxFrag (27) bytes and
// writes each to the engine in order.
func (c *Conn) send(cid uint16, sdu []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(len(sdu)))
	binary.LittleEndian.PutUint16(hdr[2:4], cid)
	first := append(hdr, sdu...)

	const maxFrag = 27 // default LE ACL data length absent DLE negotiation
	pb := uint8(pbFirstFlushable)
	for len(first) > 0 {
		n := len(first)
		if n > maxFrag {
			n = maxFrag
		}
		if err := c.eng.WriteACL(c.handle, pb, first[:n]); err != nil {
			return fmt.Errorf("l2cap: write: %w", err)
		}
		first = first[n:]
		pb = pbContinuing
	}
	return nil
}

// Close tears down both fixed-channel bearers.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (b *bearer) Read(p []byte) (int, error) {
	select {
	case sdu, ok := <-b.rx:
		if !ok {
			return 0, ErrClosed
		}
		return copy(p, sdu), nil
	case <-b.conn.closed:
		return 0, ErrClosed
	}
}

// ReadContext blocks for the next SDU or ctx cancellation, returning the
// whole SDU (unlike Read, which truncates to len(p)).
func (b *bearer) ReadContext(ctx context.Context) ([]byte, error) {
	select {
	case sdu, ok := <-b.rx:
		if !ok {
			return nil, ErrClosed
		}
		return sdu, nil
	case <-b.conn.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *bearer) Write(p []byte) (int, error) {
	if err := b.conn.send(b.cid, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *bearer) Close() error { return b.conn.Close() }
