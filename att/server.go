package att

import (
	"context"
	"io"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/corebt/ble/errs"
	"github.com/corebt/ble/uuid"
)

// indicationTimeout bounds how long SendIndication waits for the peer's
// confirmation.
const indicationTimeout = 30 * time.Second

// AttrPermission gates read/write access on a server attribute.
type AttrPermission uint8

const (
	PermRead AttrPermission = 1 << iota
	PermWrite
	PermWriteNoRsp
	PermNotify
	PermIndicate
)

// ReadHandler serves a ReadReq/ReadBlobReq for one attribute.
type ReadHandler func(ctx context.Context, connID uint64, offset int) ([]byte, ErrorCode)

// WriteHandler serves a WriteReq/WriteCmd for one attribute.
type WriteHandler func(ctx context.Context, connID uint64, value []byte) ErrorCode

// Attribute is one node in the server's declarative tree: a service,
// characteristic value, or descriptor.
type Attribute struct {
	Handle     uint16
	UUID       uuid.UUID
	Perm       AttrPermission
	IsService  bool
	EndGroup   uint16 // valid when IsService
	OnRead     ReadHandler
	OnWrite    WriteHandler
	StaticValue []byte // served verbatim when OnRead is nil
}

// Server is a declarative GATT server: a fixed attribute table shared
// across connections, with per-connection CCCD state.
type Server struct {
	mu    sync.RWMutex
	attrs *orderedmap.OrderedMap[uint16, *Attribute]

	connsMu sync.Mutex
	conns   map[uint64]*serverConn

	listenersMu sync.RWMutex
	listeners   []ServerListener
}

// ServerListener is notified of server-side GATT events.
type ServerListener interface {
	OnSubscriptionChanged(connID uint64, handle uint16, notify, indicate bool)
}

type serverConn struct {
	ch  io.ReadWriter
	mtu int

	cccdMu sync.Mutex
	cccd   *orderedmap.OrderedMap[uint16, uint16]

	indicationMu sync.Mutex
	indicationAck chan struct{}
}

// NewServer creates an empty GATT server; attributes are added with
// AddAttribute before any connection is attached.
func NewServer() *Server {
	return &Server{
		attrs: orderedmap.New[uint16, *Attribute](),
		conns: make(map[uint64]*serverConn),
	}
}

// AddAttribute inserts a into the handle table.
func (s *Server) AddAttribute(a *Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs.Set(a.Handle, a)
}

// AddListener registers l for subscription-change notifications.
func (s *Server) AddListener(l ServerListener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

func (s *Server) fireSubscription(connID uint64, handle uint16, notify, indicate bool) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, l := range s.listeners {
		l.OnSubscriptionChanged(connID, handle, notify, indicate)
	}
}

// Serve attaches ch as a new connection's ATT bearer and processes
// inbound requests until ch is closed or ctx is done.
func (s *Server) Serve(ctx context.Context, connID uint64, ch io.ReadWriter) error {
	sc := &serverConn{
		ch:            ch,
		mtu:           DefaultMTU,
		cccd:          orderedmap.New[uint16, uint16](),
		indicationAck: make(chan struct{}, 1),
	}
	s.connsMu.Lock()
	s.conns[connID] = sc
	s.connsMu.Unlock()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, connID)
		s.connsMu.Unlock()
	}()

	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := ch.Read(buf)
		if err != nil {
			return &errs.TransportError{Op: "att server read", Err: err}
		}
		s.handleRequest(ctx, connID, sc, buf[:n])
	}
}

func (s *Server) handleRequest(ctx context.Context, connID uint64, sc *serverConn, pdu []byte) {
	op, body, err := ParseHeader(pdu)
	if err != nil {
		return
	}
	switch op {
	case OpExchangeMtuReq:
		s.handleExchangeMtu(sc, body)
	case OpReadByGroupTypeReq:
		s.handleReadByGroupType(sc, body)
	case OpReadByTypeReq:
		s.handleReadByType(ctx, connID, sc, body)
	case OpFindInformationReq:
		s.handleFindInformation(sc, body)
	case OpReadReq:
		s.handleRead(ctx, connID, sc, body)
	case OpReadBlobReq:
		s.handleReadBlob(ctx, connID, sc, body)
	case OpWriteReq:
		s.handleWrite(ctx, connID, sc, body, true)
	case OpWriteCmd:
		s.handleWrite(ctx, connID, sc, body, false)
	case OpHandleValueCnf:
		select {
		case sc.indicationAck <- struct{}{}:
		default:
		}
	default:
		_, _ = sc.ch.Write(MarshalErrorRsp(op, 0, ErrRequestNotSupported))
	}
}

func (s *Server) handleExchangeMtu(sc *serverConn, body []byte) {
	if len(body) < 2 {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpExchangeMtuReq, 0, ErrInvalidPDU))
		return
	}
	// serverMaxMTU matches the 512-byte read buffer Serve uses.
	const serverMaxMTU = 512
	peer := uint16(body[0]) | uint16(body[1])<<8
	if peer > serverMaxMTU {
		peer = serverMaxMTU
	}
	sc.mtu = int(peer)
	_, _ = sc.ch.Write(MarshalExchangeMtuRsp(uint16(sc.mtu)))
}

func (s *Server) attrsInOrder() []*Attribute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Attribute, 0, s.attrs.Len())
	for pair := s.attrs.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (s *Server) handleReadByGroupType(sc *serverConn, body []byte) {
	if len(body) < 6 {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadByGroupTypeReq, 0, ErrInvalidPDU))
		return
	}
	start := uint16(body[0]) | uint16(body[1])<<8
	end := uint16(body[2]) | uint16(body[3])<<8
	typ, err := uuid.FromLEBytes(body[4:])
	if err != nil {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadByGroupTypeReq, start, ErrInvalidPDU))
		return
	}

	var data []GroupData
	for _, a := range s.attrsInOrder() {
		if a.Handle < start || a.Handle > end {
			continue
		}
		if !a.IsService || !a.UUID.Equal(typ) {
			continue
		}
		data = append(data, GroupData{Handle: a.Handle, EndGroup: a.EndGroup, Value: a.StaticValue})
	}
	if len(data) == 0 {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadByGroupTypeReq, start, ErrAttributeNotFound))
		return
	}
	_, _ = sc.ch.Write(MarshalReadByGroupTypeRsp(data))
}

func (s *Server) handleReadByType(ctx context.Context, connID uint64, sc *serverConn, body []byte) {
	if len(body) < 6 {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadByTypeReq, 0, ErrInvalidPDU))
		return
	}
	start := uint16(body[0]) | uint16(body[1])<<8
	end := uint16(body[2]) | uint16(body[3])<<8
	typ, err := uuid.FromLEBytes(body[4:])
	if err != nil {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadByTypeReq, start, ErrInvalidPDU))
		return
	}

	var data []AttributeData
	for _, a := range s.attrsInOrder() {
		if a.Handle < start || a.Handle > end || !a.UUID.Equal(typ) {
			continue
		}
		if a.Perm&PermRead == 0 {
			_, _ = sc.ch.Write(MarshalErrorRsp(OpReadByTypeReq, a.Handle, ErrReadNotPermitted))
			return
		}
		val, code := s.readAttr(ctx, connID, a, 0)
		if code != 0 {
			_, _ = sc.ch.Write(MarshalErrorRsp(OpReadByTypeReq, a.Handle, code))
			return
		}
		data = append(data, AttributeData{Handle: a.Handle, Value: val})
	}
	if len(data) == 0 {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadByTypeReq, start, ErrAttributeNotFound))
		return
	}
	_, _ = sc.ch.Write(MarshalReadByTypeRsp(data))
}

func (s *Server) handleFindInformation(sc *serverConn, body []byte) {
	if len(body) < 4 {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpFindInformationReq, 0, ErrInvalidPDU))
		return
	}
	start := uint16(body[0]) | uint16(body[1])<<8
	end := uint16(body[2]) | uint16(body[3])<<8

	var pairs []HandleUUID
	format := uint8(InfoFormat16)
	for _, a := range s.attrsInOrder() {
		if a.Handle < start || a.Handle > end {
			continue
		}
		if !a.UUID.Is16() {
			format = InfoFormat128
		}
		pairs = append(pairs, HandleUUID{Handle: a.Handle, UUID: a.UUID})
	}
	if len(pairs) == 0 {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpFindInformationReq, start, ErrAttributeNotFound))
		return
	}
	_, _ = sc.ch.Write(MarshalFindInformationRsp(format, pairs))
}

func (s *Server) findAttr(handle uint16) (*Attribute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attrs.Get(handle)
}

// readAttr serves CCCD handles from per-connection state and defers to
// the attribute's OnRead/StaticValue otherwise.
func (s *Server) readAttr(ctx context.Context, connID uint64, a *Attribute, offset int) ([]byte, ErrorCode) {
	if a.UUID.Equal(uuid.CCCD) {
		s.connsMu.Lock()
		sc := s.conns[connID]
		s.connsMu.Unlock()
		if sc == nil {
			return nil, ErrUnlikelyError
		}
		sc.cccdMu.Lock()
		v, _ := sc.cccd.Get(a.Handle)
		sc.cccdMu.Unlock()
		var out [2]byte
		out[0] = byte(v)
		out[1] = byte(v >> 8)
		return out[:], 0
	}
	if a.OnRead != nil {
		return a.OnRead(ctx, connID, offset)
	}
	if offset > len(a.StaticValue) {
		return nil, ErrInvalidOffset
	}
	return a.StaticValue[offset:], 0
}

func (s *Server) handleRead(ctx context.Context, connID uint64, sc *serverConn, body []byte) {
	if len(body) < 2 {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadReq, 0, ErrInvalidPDU))
		return
	}
	handle := uint16(body[0]) | uint16(body[1])<<8
	a, ok := s.findAttr(handle)
	if !ok {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadReq, handle, ErrInvalidHandle))
		return
	}
	if a.Perm&PermRead == 0 {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadReq, handle, ErrReadNotPermitted))
		return
	}
	val, code := s.readAttr(ctx, connID, a, 0)
	if code != 0 {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadReq, handle, code))
		return
	}
	_, _ = sc.ch.Write(MarshalReadRsp(val))
}

func (s *Server) handleReadBlob(ctx context.Context, connID uint64, sc *serverConn, body []byte) {
	if len(body) < 4 {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadBlobReq, 0, ErrInvalidPDU))
		return
	}
	handle := uint16(body[0]) | uint16(body[1])<<8
	offset := int(uint16(body[2]) | uint16(body[3])<<8)
	a, ok := s.findAttr(handle)
	if !ok {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadBlobReq, handle, ErrInvalidHandle))
		return
	}
	val, code := s.readAttr(ctx, connID, a, offset)
	if code != 0 {
		_, _ = sc.ch.Write(MarshalErrorRsp(OpReadBlobReq, handle, code))
		return
	}
	_, _ = sc.ch.Write(MarshalReadBlobRsp(val))
}

func (s *Server) handleWrite(ctx context.Context, connID uint64, sc *serverConn, body []byte, withRsp bool) {
	if len(body) < 2 {
		if withRsp {
			_, _ = sc.ch.Write(MarshalErrorRsp(OpWriteReq, 0, ErrInvalidPDU))
		}
		return
	}
	handle := uint16(body[0]) | uint16(body[1])<<8
	value := body[2:]
	a, ok := s.findAttr(handle)
	if !ok {
		if withRsp {
			_, _ = sc.ch.Write(MarshalErrorRsp(OpWriteReq, handle, ErrInvalidHandle))
		}
		return
	}

	if a.UUID.Equal(uuid.CCCD) {
		if len(value) < 2 {
			if withRsp {
				_, _ = sc.ch.Write(MarshalErrorRsp(OpWriteReq, handle, ErrInvalidAttributeValueLen))
			}
			return
		}
		v := uint16(value[0]) | uint16(value[1])<<8
		sc.cccdMu.Lock()
		sc.cccd.Set(handle, v)
		sc.cccdMu.Unlock()
		s.fireSubscription(connID, handle, v&cccdNotifyBit != 0, v&cccdIndicateBit != 0)
		if withRsp {
			_, _ = sc.ch.Write(MarshalWriteRsp())
		}
		return
	}

	perm := PermWrite
	if !withRsp {
		perm = PermWriteNoRsp
	}
	if a.Perm&perm == 0 {
		if withRsp {
			_, _ = sc.ch.Write(MarshalErrorRsp(OpWriteReq, handle, ErrWriteNotPermitted))
		}
		return
	}
	var code ErrorCode
	if a.OnWrite != nil {
		code = a.OnWrite(ctx, connID, value)
	}
	if code != 0 {
		if withRsp {
			_, _ = sc.ch.Write(MarshalErrorRsp(OpWriteReq, handle, code))
		}
		return
	}
	if withRsp {
		_, _ = sc.ch.Write(MarshalWriteRsp())
	}
}

const (
	cccdNotifyBit   uint16 = 0x0001
	cccdIndicateBit uint16 = 0x0002
)

// cccdHandleFor locates the CCCD descriptor belonging to a characteristic's
// value handle. The attribute table stores no back-reference, so this walks
// forward from valueHandle to the next attribute, which is the CCCD when one
// exists, stopping at the next characteristic or service boundary.
func (s *Server) cccdHandleFor(valueHandle uint16) (uint16, bool) {
	attrs := s.attrsInOrder()
	for i, a := range attrs {
		if a.Handle != valueHandle {
			continue
		}
		if i+1 >= len(attrs) {
			return 0, false
		}
		next := attrs[i+1]
		if next.IsService || next.UUID.Equal(uuid.Characteristic) {
			return 0, false
		}
		if !next.UUID.Equal(uuid.CCCD) {
			return 0, false
		}
		return next.Handle, true
	}
	return 0, false
}

// subscribed reports whether sc's CCCD for valueHandle has bit set.
func (s *Server) subscribed(sc *serverConn, valueHandle uint16, bit uint16) bool {
	cccdHandle, ok := s.cccdHandleFor(valueHandle)
	if !ok {
		return false
	}
	sc.cccdMu.Lock()
	v, _ := sc.cccd.Get(cccdHandle)
	sc.cccdMu.Unlock()
	return v&bit != 0
}

// SendNotification writes an unconfirmed HandleValueNtf to connID if
// that connection has notifications enabled for handle. It is a no-op
// otherwise.
func (s *Server) SendNotification(connID uint64, handle uint16, value []byte) error {
	sc, ok := s.connFor(connID)
	if !ok {
		return &errs.NotReady{Op: "SendNotification", State: "no such connection"}
	}
	if !s.subscribed(sc, handle, cccdNotifyBit) {
		return nil
	}
	_, err := sc.ch.Write(MarshalHandleValueNtf(handle, value))
	return err
}

// SendIndication writes a confirmed HandleValueInd and blocks until the
// peer's confirmation or indicationTimeout. It is a no-op if connID has not
// enabled indications for handle.
func (s *Server) SendIndication(ctx context.Context, connID uint64, handle uint16, value []byte) error {
	sc, ok := s.connFor(connID)
	if !ok {
		return &errs.NotReady{Op: "SendIndication", State: "no such connection"}
	}
	if !s.subscribed(sc, handle, cccdIndicateBit) {
		return nil
	}
	sc.indicationMu.Lock()
	defer sc.indicationMu.Unlock()

	if _, err := sc.ch.Write(MarshalHandleValueInd(handle, value)); err != nil {
		return &errs.TransportError{Op: "att indicate", Err: err}
	}
	tctx, cancel := context.WithTimeout(ctx, indicationTimeout)
	defer cancel()
	select {
	case <-sc.indicationAck:
		return nil
	case <-tctx.Done():
		return &errs.NotReady{Op: "SendIndication", State: "confirmation timeout"}
	}
}

func (s *Server) connFor(connID uint64) (*serverConn, bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	sc, ok := s.conns[connID]
	return sc, ok
}

// FindCharacteristic returns the first attribute, in handle order, whose
// type is target within a service's handle range.
func (s *Server) FindCharacteristic(serviceStart, serviceEnd uint16, target uuid.UUID) (*Attribute, bool) {
	for _, a := range s.attrsInOrder() {
		if a.Handle < serviceStart || a.Handle > serviceEnd {
			continue
		}
		if a.UUID.Equal(target) {
			return a, true
		}
	}
	return nil, false
}

// FindDescriptor locates a descriptor attribute within [start,end].
func (s *Server) FindDescriptor(start, end uint16, target uuid.UUID) (*Attribute, bool) {
	return s.FindCharacteristic(start, end, target)
}
