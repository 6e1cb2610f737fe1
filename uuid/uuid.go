// Package uuid implements the Bluetooth UUID registry: 16- and 32-bit
// short UUIDs expand into the Bluetooth Base UUID, and equality always
// operates on the canonical 128-bit form.
package uuid

import (
	"encoding/hex"
	"fmt"
	"strings"

	satori "github.com/satori/go.uuid"
)

// UUID is a canonical 128-bit Bluetooth UUID, stored big-endian (the byte
// order satori's RFC-4122 UUID and the Bluetooth Base UUID agree on).
type UUID [16]byte

// BaseUUID is the Bluetooth Base UUID: 00000000-0000-1000-8000-00805F9B34FB.
// 16- and 32-bit short UUIDs are substituted into its first 4 bytes.
var BaseUUID = UUID{
	0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x80, 0x5F, 0x9B, 0x34, 0xFB,
}

// From16 expands a 16-bit assigned number into the Base UUID.
func From16(v uint16) UUID {
	u := BaseUUID
	u[2] = byte(v >> 8)
	u[3] = byte(v)
	return u
}

// From32 expands a 32-bit assigned number into the Base UUID.
func From32(v uint32) UUID {
	u := BaseUUID
	u[0] = byte(v >> 24)
	u[1] = byte(v >> 16)
	u[2] = byte(v >> 8)
	u[3] = byte(v)
	return u
}

// From128 builds a UUID from a raw 16-byte big-endian value.
func From128(b [16]byte) UUID { return UUID(b) }

// FromLE16 expands a little-endian-on-the-wire 16-bit UUID, as carried by
// ATT/GATT PDUs.
func FromLE16(lo, hi byte) UUID {
	return From16(uint16(lo) | uint16(hi)<<8)
}

// FromLEBytes builds a UUID from wire bytes: 2 bytes (LE short), 4 bytes
// (LE short, reserved for 32-bit forms used in EIR), or 16 bytes
// (little-endian 128-bit, as ATT/EIR transmit full UUIDs).
func FromLEBytes(b []byte) (UUID, error) {
	switch len(b) {
	case 2:
		return From16(uint16(b[0]) | uint16(b[1])<<8), nil
	case 4:
		return From32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24), nil
	case 16:
		var rev [16]byte
		for i := 0; i < 16; i++ {
			rev[i] = b[15-i]
		}
		return From128(rev), nil
	default:
		return UUID{}, fmt.Errorf("uuid: invalid wire length %d", len(b))
	}
}

// LEBytes16 returns the wire (little-endian) form of a short UUID, valid
// only when Is16 reports true.
func (u UUID) LEBytes16() [2]byte {
	return [2]byte{u[3], u[2]}
}

// LEBytes128 returns the full 128-bit UUID in little-endian wire order.
func (u UUID) LEBytes128() []byte {
	b := make([]byte, 16)
	for i := 0; i < 16; i++ {
		b[i] = u[15-i]
	}
	return b
}

// Is16 reports whether u is representable as a 16-bit short UUID (i.e. it
// differs from BaseUUID only in bytes [2:4]).
func (u UUID) Is16() bool {
	for i, b := range BaseUUID {
		if i == 2 || i == 3 {
			continue
		}
		if u[i] != b {
			return false
		}
	}
	return true
}

// Short16 returns the 16-bit assigned number and true if Is16.
func (u UUID) Short16() (uint16, bool) {
	if !u.Is16() {
		return 0, false
	}
	return uint16(u[2])<<8 | uint16(u[3]), true
}

// Equal compares the canonical 128-bit form.
func (u UUID) Equal(o UUID) bool { return u == o }

// String renders a UUID that has a 16-bit short form as four hex digits
// followed by " (short)"; any other UUID is rendered in the canonical
// hyphenated form, delegating to satori's UUID formatter (the only
// UUID-formatting library present in the retrieved corpus).
func (u UUID) String() string {
	if v, ok := u.Short16(); ok {
		return fmt.Sprintf("%04x (short)", v)
	}
	su := satori.UUID(u)
	return su.String()
}

// Parse accepts either a bare 4-hex-digit short form ("180d"), an 8-hex-digit
// 32-bit short form, or a full hyphenated/bare 128-bit UUID string (parsed
// via satori/go.uuid), returning the canonical UUID.
func Parse(s string) (UUID, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 4:
		b, err := hex.DecodeString(s)
		if err != nil {
			return UUID{}, err
		}
		return From16(uint16(b[0])<<8 | uint16(b[1])), nil
	case 8:
		if b, err := hex.DecodeString(s); err == nil {
			return From32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])), nil
		}
	}
	su, err := satori.FromString(s)
	if err != nil {
		return UUID{}, fmt.Errorf("uuid: parse %q: %w", s, err)
	}
	return UUID(su), nil
}

// MustParse panics if Parse fails; intended for static UUID tables below.
func MustParse(s string) UUID {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Assigned GATT/GAP UUIDs used by the declarative server tree and the
// client's well-known descriptor/service lookups.
var (
	GAPService          = From16(0x1800)
	GATTService         = From16(0x1801)
	PrimaryService      = From16(0x2800)
	SecondaryService    = From16(0x2801)
	Include             = From16(0x2802)
	Characteristic      = From16(0x2803)
	CCCD                = From16(0x2902)
	ServerConfig        = From16(0x2903)
	DeviceName          = From16(0x2A00)
	Appearance          = From16(0x2A01)
	PeripheralPrivacy   = From16(0x2A02)
	ReconnectionAddress = From16(0x2A03)
	PrefConnParams      = From16(0x2A04)
)
