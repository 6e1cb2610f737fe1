// Package buf provides little-endian octet codec primitives shared by the
// HCI, L2CAP, ATT and SMP layers: integer read/write, BD_ADDR formatting,
// and zero-copy slicing of inbound frames.
package buf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned by Reader methods when fewer bytes remain
// than the value being decoded requires.
var ErrShortBuffer = errors.New("buf: short buffer")

// Addr is a 48-bit Bluetooth device address, stored little-endian on the
// wire (as HCI and ATT carry it) but printed most-significant byte first,
// matching convention (e.g. "AA:BB:CC:DD:EE:FF").
type Addr [6]byte

// AddrType distinguishes the LE address types a Device can present.
type AddrType uint8

const (
	AddrPublic              AddrType = 0x00
	AddrRandomStatic        AddrType = 0x01
	AddrRandomNonResolvable AddrType = 0x02
	AddrRandomResolvable    AddrType = 0x03
)

func (t AddrType) String() string {
	switch t {
	case AddrPublic:
		return "public"
	case AddrRandomStatic:
		return "random-static"
	case AddrRandomNonResolvable:
		return "random-non-resolvable"
	case AddrRandomResolvable:
		return "random-resolvable"
	default:
		return fmt.Sprintf("addr-type(%d)", uint8(t))
	}
}

func (a Addr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}

// Reversed returns the address with byte order reversed; BD_ADDR is
// transmitted little-endian but is conventionally displayed and compared
// most-significant-byte first.
func (a Addr) Reversed() Addr {
	return Addr{a[5], a[4], a[3], a[2], a[1], a[0]}
}

// Reader decodes little-endian primitives from a shared, non-owned byte
// slice. Callers that need to retain decoded byte slices past the
// lifetime of the underlying frame must copy them explicitly.
type Reader struct {
	b   []byte
	pos int
}

// NewReader wraps b for sequential little-endian decoding. The returned
// Reader aliases b; it performs no copy.
func NewReader(b []byte) *Reader { return &Reader{b: b} }

// Len reports the number of unread bytes.
func (r *Reader) Len() int { return len(r.b) - r.pos }

// Bytes returns the unread tail of the buffer, aliasing the backing array.
func (r *Reader) Bytes() []byte { return r.b[r.pos:] }

func (r *Reader) need(n int) error {
	if r.Len() < n {
		return ErrShortBuffer
	}
	return nil
}

// U8 reads one byte.
func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

// U16 reads a little-endian uint16.
func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v, nil
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

// I8 reads a signed byte (used for RSSI and TX power fields).
func (r *Reader) I8() (int8, error) {
	v, err := r.U8()
	return int8(v), err
}

// Addr reads a 6-byte BD_ADDR, as transmitted (no byte-order change).
func (r *Reader) Addr() (Addr, error) {
	var a Addr
	if err := r.need(6); err != nil {
		return a, err
	}
	copy(a[:], r.b[r.pos:r.pos+6])
	r.pos += 6
	return a, nil
}

// Skip advances the read position by n bytes.
func (r *Reader) Skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.pos += n
	return nil
}

// Slice returns the next n bytes, aliasing the backing array.
func (r *Reader) Slice(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.b[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Rest returns and consumes every remaining byte, aliasing the backing array.
func (r *Reader) Rest() []byte {
	b := r.b[r.pos:]
	r.pos = len(r.b)
	return b
}

// Writer accumulates little-endian primitives into a growable buffer.
type Writer struct {
	b []byte
}

// NewWriter returns an empty Writer with capacity hint n.
func NewWriter(n int) *Writer { return &Writer{b: make([]byte, 0, n)} }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.b }

// Len reports the number of bytes written so far.
func (w *Writer) Len() int { return len(w.b) }

// U8 appends one byte.
func (w *Writer) U8(v uint8) *Writer {
	w.b = append(w.b, v)
	return w
}

// U16 appends a little-endian uint16.
func (w *Writer) U16(v uint16) *Writer {
	w.b = append(w.b, byte(v), byte(v>>8))
	return w
}

// U32 appends a little-endian uint32.
func (w *Writer) U32(v uint32) *Writer {
	w.b = append(w.b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	return w
}

// U64 appends a little-endian uint64.
func (w *Writer) U64(v uint64) *Writer {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
	return w
}

// Addr appends a 6-byte BD_ADDR verbatim.
func (w *Writer) Addr(a Addr) *Writer {
	w.b = append(w.b, a[:]...)
	return w
}

// Raw appends raw bytes.
func (w *Writer) Raw(b []byte) *Writer {
	w.b = append(w.b, b...)
	return w
}
