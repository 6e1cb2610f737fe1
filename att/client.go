package att

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corebt/ble/errs"
	"github.com/corebt/ble/uuid"
)

var log = logrus.WithField("pkg", "att")

// transactionTimeout bounds one ATT req/rsp exchange; it is the only
// timeout roundTrip applies besides the caller's context.
const transactionTimeout = 30 * time.Second

// Service describes one discovered primary or secondary service.
type Service struct {
	Handle    uint16
	EndGroup  uint16
	UUID      uuid.UUID
	Secondary bool
}

// Characteristic describes one discovered characteristic.
type Characteristic struct {
	DeclHandle  uint16
	ValueHandle uint16
	Properties  uint8
	UUID        uuid.UUID
}

// Descriptor describes one discovered descriptor.
type Descriptor struct {
	Handle uint16
	UUID   uuid.UUID
}

// Characteristic property bits (Core Spec Vol 3 Part G §3.3.1.1).
const (
	PropBroadcast   uint8 = 0x01
	PropRead        uint8 = 0x02
	PropWriteNoRsp  uint8 = 0x04
	PropWrite       uint8 = 0x08
	PropNotify      uint8 = 0x10
	PropIndicate    uint8 = 0x20
	PropAuthSignedWr uint8 = 0x40
	PropExtended    uint8 = 0x80
)

// NotificationHandler receives inbound notifications/indications for a
// value handle, isIndication distinguishing the two so the caller can
// tell whether a confirmation was already sent.
type NotificationHandler func(handle uint16, value []byte, isIndication bool)

// Client drives GATT operations against a remote ATT server over a
// single fixed ATT channel.
type Client struct {
	ch  io.ReadWriter
	mtu int

	mu      sync.Mutex
	pending chan []byte

	notifyMu sync.RWMutex
	notify   NotificationHandler

	closed chan struct{}
	readErr error
}

// NewClient wraps ch (the L2CAP ATT bearer) with GATT client operations.
func NewClient(ch io.ReadWriter) *Client {
	c := &Client{ch: ch, mtu: DefaultMTU, pending: make(chan []byte, 1), closed: make(chan struct{})}
	go c.readLoop()
	return c
}

// SetNotificationHandler installs the callback for inbound
// HandleValueNtf/HandleValueInd; confirmations for indications are sent
// automatically before the handler is invoked.
func (c *Client) SetNotificationHandler(h NotificationHandler) {
	c.notifyMu.Lock()
	c.notify = h
	c.notifyMu.Unlock()
}

func (c *Client) readLoop() {
	buf := make([]byte, 512)
	for {
		n, err := c.ch.Read(buf)
		if err != nil {
			c.readErr = err
			close(c.closed)
			return
		}
		pdu := append([]byte(nil), buf[:n]...)
		op, body, perr := ParseHeader(pdu)
		if perr != nil {
			continue
		}
		switch op {
		case OpHandleValueNtf, OpHandleValueInd:
			c.deliverNotification(op, body)
		default:
			select {
			case c.pending <- pdu:
			default:
				log.Warn("att: dropped unsolicited response, no pending request")
			}
		}
	}
}

func (c *Client) deliverNotification(op Opcode, body []byte) {
	if len(body) < 2 {
		return
	}
	handle := uint16(body[0]) | uint16(body[1])<<8
	value := body[2:]
	c.notifyMu.RLock()
	h := c.notify
	c.notifyMu.RUnlock()
	if op == OpHandleValueInd {
		_, _ = c.ch.Write(MarshalHandleValueCnf())
	}
	if h != nil {
		h(handle, value, op == OpHandleValueInd)
	}
}

// roundTrip serializes one ATT request/response transaction: only one
// request may be in flight per bearer.
func (c *Client) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.ch.Write(req); err != nil {
		return nil, &errs.TransportError{Op: "att write", Err: err}
	}

	tctx, cancel := context.WithTimeout(ctx, transactionTimeout)
	defer cancel()
	select {
	case pdu := <-c.pending:
		return pdu, nil
	case <-c.closed:
		return nil, &errs.TransportError{Op: "att read", Err: c.readErr}
	case <-tctx.Done():
		return nil, fmt.Errorf("att: transaction timeout: %w", tctx.Err())
	}
}

func asError(pdu []byte) error {
	op, body, err := ParseHeader(pdu)
	if err != nil || op != OpErrorRsp {
		return nil
	}
	reqOp, handle, code, perr := ParseErrorRsp(body)
	if perr != nil {
		return perr
	}
	return &errs.AttError{Opcode: uint8(reqOp), Handle: handle, Code: uint8(code)}
}

// ExchangeMTU negotiates the ATT MTU.
func (c *Client) ExchangeMTU(ctx context.Context, proposed uint16) (uint16, error) {
	pdu, err := c.roundTrip(ctx, MarshalExchangeMtuReq(proposed))
	if err != nil {
		return 0, err
	}
	if e := asError(pdu); e != nil {
		return 0, e
	}
	op, body, err := ParseHeader(pdu)
	if err != nil || op != OpExchangeMtuRsp || len(body) < 2 {
		return 0, &errs.ProtocolError{Layer: "att", Detail: "malformed ExchangeMtuRsp"}
	}
	mtu := uint16(body[0]) | uint16(body[1])<<8
	if mtu < proposed {
		c.mtu = int(mtu)
	} else {
		c.mtu = int(proposed)
	}
	return uint16(c.mtu), nil
}

// DiscoverPrimaryServices walks ReadByGroupType over the GATT Primary
// Service declaration UUID across the full handle range.
func (c *Client) DiscoverPrimaryServices(ctx context.Context) ([]Service, error) {
	var out []Service
	start := uint16(0x0001)
	for {
		pdu, err := c.roundTrip(ctx, MarshalReadByGroupTypeReq(start, 0xFFFF, uuid.PrimaryService))
		if err != nil {
			return nil, err
		}
		if e := asError(pdu); e != nil {
			if ae, ok := e.(*errs.AttError); ok && ErrorCode(ae.Code) == ErrAttributeNotFound {
				break
			}
			return nil, e
		}
		op, body, err := ParseHeader(pdu)
		if err != nil || op != OpReadByGroupTypeRsp || len(body) < 1 {
			return nil, &errs.ProtocolError{Layer: "att", Detail: "malformed ReadByGroupTypeRsp"}
		}
		elemLen := int(body[0])
		items := body[1:]
		var last uint16
		for len(items) >= elemLen {
			handle := uint16(items[0]) | uint16(items[1])<<8
			end := uint16(items[2]) | uint16(items[3])<<8
			valBytes := items[4:elemLen]
			u, err := uuid.FromLEBytes(valBytes)
			if err != nil {
				return nil, &errs.ProtocolError{Layer: "att", Detail: "malformed service UUID"}
			}
			out = append(out, Service{Handle: handle, EndGroup: end, UUID: u})
			last = end
			items = items[elemLen:]
		}
		if last == 0xFFFF || last < start {
			break
		}
		start = last + 1
	}
	return out, nil
}

// DiscoverCharacteristics walks ReadByType over the Characteristic
// declaration UUID within [start,end].
func (c *Client) DiscoverCharacteristics(ctx context.Context, start, end uint16) ([]Characteristic, error) {
	var out []Characteristic
	for start <= end {
		pdu, err := c.roundTrip(ctx, MarshalReadByTypeReq(start, end, uuid.Characteristic))
		if err != nil {
			return nil, err
		}
		if e := asError(pdu); e != nil {
			if ae, ok := e.(*errs.AttError); ok && ErrorCode(ae.Code) == ErrAttributeNotFound {
				break
			}
			return nil, e
		}
		op, body, err := ParseHeader(pdu)
		if err != nil || op != OpReadByTypeRsp || len(body) < 1 {
			return nil, &errs.ProtocolError{Layer: "att", Detail: "malformed ReadByTypeRsp"}
		}
		elemLen := int(body[0])
		items := body[1:]
		var last uint16
		for len(items) >= elemLen {
			declHandle := uint16(items[0]) | uint16(items[1])<<8
			props := items[2]
			valueHandle := uint16(items[3]) | uint16(items[4])<<8
			uuidBytes := items[5:elemLen]
			u, err := uuid.FromLEBytes(uuidBytes)
			if err != nil {
				return nil, &errs.ProtocolError{Layer: "att", Detail: "malformed characteristic UUID"}
			}
			out = append(out, Characteristic{
				DeclHandle:  declHandle,
				ValueHandle: valueHandle,
				Properties:  props,
				UUID:        u,
			})
			last = declHandle
			items = items[elemLen:]
		}
		if last >= end {
			break
		}
		start = last + 1
	}
	return out, nil
}

// DiscoverDescriptors walks FindInformation within [start,end].
func (c *Client) DiscoverDescriptors(ctx context.Context, start, end uint16) ([]Descriptor, error) {
	var out []Descriptor
	for start <= end {
		pdu, err := c.roundTrip(ctx, MarshalFindInformationReq(start, end))
		if err != nil {
			return nil, err
		}
		if e := asError(pdu); e != nil {
			if ae, ok := e.(*errs.AttError); ok && ErrorCode(ae.Code) == ErrAttributeNotFound {
				break
			}
			return nil, e
		}
		op, body, err := ParseHeader(pdu)
		if err != nil || op != OpFindInformationRsp || len(body) < 1 {
			return nil, &errs.ProtocolError{Layer: "att", Detail: "malformed FindInformationRsp"}
		}
		format := body[0]
		items := body[1:]
		step := 2 + 2
		if format == InfoFormat128 {
			step = 2 + 16
		}
		var last uint16
		for len(items) >= step {
			handle := uint16(items[0]) | uint16(items[1])<<8
			uBytes := items[2:step]
			u, err := uuid.FromLEBytes(uBytes)
			if err != nil {
				return nil, &errs.ProtocolError{Layer: "att", Detail: "malformed descriptor UUID"}
			}
			out = append(out, Descriptor{Handle: handle, UUID: u})
			last = handle
			items = items[step:]
		}
		if last >= end || last == 0 {
			break
		}
		start = last + 1
	}
	return out, nil
}

// ReadValue reads handle, automatically issuing ReadBlob continuations
// when the response fills the MTU exactly (the GATT "long-read" case).
func (c *Client) ReadValue(ctx context.Context, handle uint16) ([]byte, error) {
	pdu, err := c.roundTrip(ctx, MarshalReadReq(handle))
	if err != nil {
		return nil, err
	}
	if e := asError(pdu); e != nil {
		return nil, e
	}
	op, body, err := ParseHeader(pdu)
	if err != nil || op != OpReadRsp {
		return nil, &errs.ProtocolError{Layer: "att", Detail: "malformed ReadRsp"}
	}
	value := append([]byte(nil), body...)
	for len(body) == c.mtu-1 {
		pdu, err := c.roundTrip(ctx, MarshalReadBlobReq(handle, uint16(len(value))))
		if err != nil {
			return nil, err
		}
		if e := asError(pdu); e != nil {
			if ae, ok := e.(*errs.AttError); ok && ErrorCode(ae.Code) == ErrInvalidOffset {
				break
			}
			return nil, e
		}
		bop, bbody, err := ParseHeader(pdu)
		if err != nil || bop != OpReadBlobRsp {
			return nil, &errs.ProtocolError{Layer: "att", Detail: "malformed ReadBlobRsp"}
		}
		if len(bbody) == 0 {
			break
		}
		value = append(value, bbody...)
		body = bbody
	}
	return value, nil
}

// WriteValue performs a confirmed write (ATT Write Request).
func (c *Client) WriteValue(ctx context.Context, handle uint16, value []byte) error {
	pdu, err := c.roundTrip(ctx, MarshalWriteReq(handle, value))
	if err != nil {
		return err
	}
	if e := asError(pdu); e != nil {
		return e
	}
	op, _, err := ParseHeader(pdu)
	if err != nil || op != OpWriteRsp {
		return &errs.ProtocolError{Layer: "att", Detail: "malformed WriteRsp"}
	}
	return nil
}

// WriteCommand performs an unconfirmed write (no response expected).
func (c *Client) WriteCommand(handle uint16, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ch.Write(MarshalWriteCmd(handle, value)); err != nil {
		return &errs.TransportError{Op: "att write cmd", Err: err}
	}
	return nil
}

// WriteCCCD writes the Client Characteristic Configuration descriptor
// to enable notifications (0x0001) and/or indications (0x0002).
func (c *Client) WriteCCCD(ctx context.Context, handle uint16, value uint16) error {
	var v [2]byte
	v[0] = byte(value)
	v[1] = byte(value >> 8)
	return c.WriteValue(ctx, handle, v[:])
}
