// Package hci implements the HCI transport and engine:
// framed packet I/O over a raw socket, command/event correlation with
// asynchronous status, and filtered event dispatch to subscribed
// listeners.
package hci

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/corebt/ble/buf"
	"github.com/corebt/ble/internal/hcisock"
)

var log = logrus.WithField("pkg", "hci")

// Errors returned by Engine operations.
var (
	ErrCommandTimeout = errors.New("hci: command timed out")
	ErrTransport      = errors.New("hci: transport error")
	ErrClosed         = errors.New("hci: engine closed")
)

// CommandFailedError wraps a non-zero controller status byte returned in
// a CommandComplete/CommandStatus event.
type CommandFailedError struct {
	Opcode Opcode
	Status uint8
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("hci: command %04X failed, status=0x%02X", uint16(e.Opcode), e.Status)
}

// Default command timeouts (complete vs. status-only reply).
const (
	DefaultCompleteTimeout = 10 * time.Second
	DefaultStatusTimeout   = 3 * time.Second
	DefaultRingSize        = 64
)

// ACLHandler receives reassembled-at-the-frame-level ACL payloads
// (L2CAP framing is the caller's responsibility) for one connection
// handle, along with the packet-boundary flag.
type ACLHandler func(handle uint16, pbFlag uint8, payload []byte)

// EventListener receives a classified asynchronous event. LE Meta events
// are pre-parsed into LEMetaEvent; all others are handed the raw
// parameter bytes following the 2-byte event header.
type EventListener func(code EventCode, raw []byte, le *LEMetaEvent)

// Engine owns one raw HCI socket, serializes outbound commands, and fans
// out asynchronous events and ACL data to registered listeners. One
// Engine per adapter.
type Engine struct {
	sock *hcisock.Socket

	completeTimeout time.Duration
	statusTimeout   time.Duration

	cmdMu   sync.Mutex // single outbound-command-issuer lock
	pending []*pendingCmd

	ring        *ringbuffer.RingBuffer
	ringDropped uint64

	aclMu   sync.RWMutex
	aclSubs []ACLHandler

	evMu   sync.RWMutex
	evSubs []eventSub
	evSeq  uint64

	handles *hashmap.Map[uint16, struct{}] // live connection handles

	closeOnce sync.Once
	done      chan struct{}
}

type pendingCmd struct {
	op       Opcode
	complete chan CommandCompleteEvent
	status   chan CommandStatusEvent
}

// statusOnlyOpcodes are commands the controller only ever acknowledges
// with CommandStatus; per the Core spec they never produce a matching
// CommandComplete, so SendCommand must not wait for one.
var statusOnlyOpcodes = map[Opcode]bool{
	OpLECreateConn: true,
	OpDisconnect:   true,
}

// NewEngine opens the HCI socket for adapter index dev, installs the
// default event filter, and starts the background reader task.
func NewEngine(dev int) (*Engine, error) {
	sock, err := hcisock.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("hci: open adapter %d: %w", dev, err)
	}
	if err := sock.SetFilter(hcisock.DefaultFilter()); err != nil {
		sock.Close()
		return nil, fmt.Errorf("hci: set filter: %w", err)
	}
	e := &Engine{
		sock:            sock,
		completeTimeout: DefaultCompleteTimeout,
		statusTimeout:   DefaultStatusTimeout,
		ring:            ringbuffer.New(DefaultRingSize * 256),
		handles:         hashmap.New[uint16, struct{}](),
		done:            make(chan struct{}),
	}
	go e.readLoop()
	go e.dispatchLoop()
	return e, nil
}

// eventSub pairs a registered EventListener with a unique id so a single
// subscription can be removed without disturbing the others.
type eventSub struct {
	id uint64
	fn EventListener
}

// SubscribeEvents registers l for every classified asynchronous event
// (anything not consumed as a CommandComplete/CommandStatus reply).
// Copy-on-write: safe to call while dispatch is in flight. The returned
// func removes l; callers that subscribe for the duration of a single
// operation (e.g. awaiting a connection attempt) must call it once done
// so the subscriber list doesn't grow without bound.
func (e *Engine) SubscribeEvents(l EventListener) func() {
	e.evMu.Lock()
	id := e.evSeq
	e.evSeq++
	next := make([]eventSub, len(e.evSubs)+1)
	copy(next, e.evSubs)
	next[len(e.evSubs)] = eventSub{id: id, fn: l}
	e.evSubs = next
	e.evMu.Unlock()
	return func() { e.unsubscribeEvents(id) }
}

func (e *Engine) unsubscribeEvents(id uint64) {
	e.evMu.Lock()
	defer e.evMu.Unlock()
	next := make([]eventSub, 0, len(e.evSubs))
	for _, s := range e.evSubs {
		if s.id != id {
			next = append(next, s)
		}
	}
	e.evSubs = next
}

// SubscribeACL registers l for every inbound ACL-Data frame.
func (e *Engine) SubscribeACL(l ACLHandler) {
	e.aclMu.Lock()
	defer e.aclMu.Unlock()
	next := make([]ACLHandler, len(e.aclSubs)+1)
	copy(next, e.aclSubs)
	next[len(e.aclSubs)] = l
	e.aclSubs = next
}

// WriteACL sends one already-segmented ACL-Data frame (4-byte L2CAP
// header + payload, handle+flags, length) as a complete HCI ACL packet.
// The L2CAP layer is responsible for fragmenting payloads larger than
// the negotiated buffer size.
func (e *Engine) WriteACL(handle uint16, pbFlag uint8, payload []byte) error {
	w := buf.NewWriter(5 + len(payload))
	w.U8(uint8(PacketACLData))
	w.U16(handle&0x0FFF | uint16(pbFlag)<<12)
	w.U16(uint16(len(payload)))
	w.Raw(payload)
	_, err := e.sock.Write(w.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// SendCommand issues cp and blocks until a matching CommandStatus (if the
// command only produces one) or CommandComplete arrives, or either
// timeout elapses. It returns the CommandComplete return-parameter bytes
// (nil if the command resolved via CommandStatus alone).
func (e *Engine) SendCommand(ctx context.Context, cp CommandParam) ([]byte, error) {
	p := &pendingCmd{op: cp.Opcode(), complete: make(chan CommandCompleteEvent, 1), status: make(chan CommandStatusEvent, 1)}

	e.cmdMu.Lock()
	e.pending = append(e.pending, p)
	raw := frame(cp)
	_, err := e.sock.Write(raw)
	e.cmdMu.Unlock()
	if err != nil {
		e.removePending(p)
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	statusTimer := time.NewTimer(e.statusTimeout)
	defer statusTimer.Stop()
	select {
	case s := <-p.status:
		if s.Status != 0 {
			e.removePending(p)
			return nil, &CommandFailedError{Opcode: cp.Opcode(), Status: s.Status}
		}
		if statusOnlyOpcodes[cp.Opcode()] {
			e.removePending(p)
			return nil, nil
		}
		// Status-only reply on a command that also produces
		// CommandComplete: fall through to await it, bounded by
		// completeTimeout.
	case c, ok := <-p.complete:
		if !ok {
			return nil, ErrClosed
		}
		return c.ReturnParameters, nil
	case <-statusTimer.C:
		e.removePending(p)
		return nil, fmt.Errorf("%w (status, opcode=%04X)", ErrCommandTimeout, uint16(cp.Opcode()))
	case <-ctx.Done():
		e.removePending(p)
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	}

	completeTimer := time.NewTimer(e.completeTimeout)
	defer completeTimer.Stop()
	select {
	case c, ok := <-p.complete:
		if !ok {
			return nil, ErrClosed
		}
		return c.ReturnParameters, nil
	case <-completeTimer.C:
		e.removePending(p)
		return nil, fmt.Errorf("%w (complete, opcode=%04X)", ErrCommandTimeout, uint16(cp.Opcode()))
	case <-ctx.Done():
		e.removePending(p)
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	}
}

func (e *Engine) removePending(p *pendingCmd) {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	for i, q := range e.pending {
		if q == p {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

// Close idempotently shuts down the engine: it closes the socket (which
// unblocks the reader) and fails every pending command with ErrClosed.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.sock.Close()
		e.cmdMu.Lock()
		for _, p := range e.pending {
			close(p.complete)
		}
		e.pending = nil
		e.cmdMu.Unlock()
	})
	return err
}

// readLoop is the single background reader task: it reads
// raw frames off the socket, pushes length-prefixed Event frames into
// the bounded ring, and hands ACL frames directly to subscribers since
// ACL data is latency sensitive and already handle-addressed.
func (e *Engine) readLoop() {
	b := make([]byte, 4096)
	for {
		n, err := e.sock.Read(b)
		select {
		case <-e.done:
			return
		default:
		}
		if err != nil || n == 0 {
			log.WithError(err).Warn("hci socket read failed; engine shutting down")
			return
		}
		frame := make([]byte, n)
		copy(frame, b[:n])
		e.handleFrame(frame)
	}
}

func (e *Engine) handleFrame(b []byte) {
	if len(b) == 0 {
		return
	}
	t, body := PacketType(b[0]), b[1:]
	switch t {
	case PacketEvent:
		e.enqueueEvent(body)
	case PacketACLData:
		e.handleACL(body)
	default:
		log.WithField("type", t).Debug("hci: dropping unsupported packet type")
	}
}

// enqueueEvent pushes a length-prefixed raw event frame onto the ring.
// On overflow it drops the single oldest queued frame and retries once
// rather than blocking the reader task; if the retry also fails, the new
// frame is dropped and counted in ringDropped.
func (e *Engine) enqueueEvent(body []byte) {
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(body)))
	if _, err := e.ring.TryWrite(append(hdr[:], body...)); err != nil {
		e.dropOldestLocked()
		if _, err := e.ring.TryWrite(append(hdr[:], body...)); err != nil {
			e.ringDropped++
			log.WithField("dropped", e.ringDropped).Warn("hci: event ring overflow, dropping event")
		}
	}
}

func (e *Engine) dropOldestLocked() {
	var hdr [2]byte
	if _, err := e.ring.TryRead(hdr[:]); err != nil {
		return
	}
	n := binary.LittleEndian.Uint16(hdr[:])
	discard := make([]byte, n)
	e.ring.TryRead(discard)
}

// dispatchLoop pops framed events off the ring and classifies each as a
// command reply or an asynchronous event for listener fan-out. The ring
// is non-blocking (TryRead), so an empty ring is polled with a short
// backoff rather than parking the goroutine on a condvar.
func (e *Engine) dispatchLoop() {
	var hdr [2]byte
	for {
		select {
		case <-e.done:
			return
		default:
		}
		if _, err := e.ring.TryRead(hdr[:]); err != nil {
			if errors.Is(err, ringbuffer.ErrIsEmpty) {
				time.Sleep(time.Millisecond)
				continue
			}
			return
		}
		n := binary.LittleEndian.Uint16(hdr[:])
		body := make([]byte, n)
		if _, err := e.ring.TryRead(body); err != nil {
			continue
		}
		e.dispatchEvent(body)
	}
}

func (e *Engine) dispatchEvent(raw []byte) {
	h, params, err := ParseEventHeader(raw)
	if err != nil {
		log.WithError(err).Debug("hci: malformed event header")
		return
	}
	switch h.Code {
	case EventCommandComplete:
		ev, err := ParseCommandComplete(params)
		if err != nil {
			log.WithError(err).Debug("hci: malformed CommandComplete")
			return
		}
		e.resolveComplete(ev)
	case EventCommandStatus:
		ev, err := ParseCommandStatus(params)
		if err != nil {
			log.WithError(err).Debug("hci: malformed CommandStatus")
			return
		}
		e.resolveStatus(ev)
	default:
		var le *LEMetaEvent
		if h.Code == EventLEMeta {
			v, err := ParseLEMeta(params)
			if err != nil {
				log.WithError(err).Debug("hci: malformed LE meta event")
				return
			}
			le = &v
			if v.ConnectionComplete != nil && v.ConnectionComplete.Status == 0 {
				e.handles.Insert(v.ConnectionComplete.ConnectionHandle, struct{}{})
			}
		}
		if h.Code == EventDisconnectionComplete {
			if ev, err := ParseDisconnectionComplete(params); err == nil {
				e.handles.Delete(ev.ConnectionHandle)
			}
		}
		e.fanOut(h.Code, params, le)
	}
}

func (e *Engine) resolveComplete(ev CommandCompleteEvent) {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	for i, p := range e.pending {
		if p.op == ev.Opcode {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			p.complete <- ev
			return
		}
	}
	log.WithField("opcode", ev.Opcode).Debug("hci: unmatched CommandComplete")
}

func (e *Engine) resolveStatus(ev CommandStatusEvent) {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	for _, p := range e.pending {
		if p.op == ev.Opcode {
			p.status <- ev
			return
		}
	}
	log.WithField("opcode", ev.Opcode).Debug("hci: unmatched CommandStatus")
}

func (e *Engine) fanOut(code EventCode, raw []byte, le *LEMetaEvent) {
	e.evMu.RLock()
	subs := e.evSubs
	e.evMu.RUnlock()
	for _, s := range subs {
		s.fn(code, raw, le)
	}
}

func (e *Engine) handleACL(body []byte) {
	if len(body) < 4 {
		return
	}
	handle := binary.LittleEndian.Uint16(body[0:2])
	pbFlag := uint8(handle>>12) & 0x3
	handle &= 0x0FFF
	dlen := binary.LittleEndian.Uint16(body[2:4])
	if len(body) < 4+int(dlen) {
		return
	}
	payload := body[4 : 4+dlen]
	e.aclMu.RLock()
	subs := e.aclSubs
	e.aclMu.RUnlock()
	for _, l := range subs {
		l(handle, pbFlag, payload)
	}
}

// LiveHandle reports whether handle currently corresponds to an active
// connection.
func (e *Engine) LiveHandle(handle uint16) bool {
	_, ok := e.handles.Get(handle)
	return ok
}
