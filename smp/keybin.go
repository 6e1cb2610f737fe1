package smp

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"

	"github.com/corebt/ble/buf"
)

// KeyBin is the persisted pairing key bundle for one local-adapter +
// remote-device pair. Only format version 5 is supported;
// version 4 files are refused outright rather than upgraded in place,
// per the Open Question resolution recorded alongside this package.
const keyBinMagic = "BLEK"
const keyBinVersion = 5

// Flag bits in the KeyBin header.
const (
	FlagValid         uint8 = 0x01
	FlagSC            uint8 = 0x02
	FlagAuthenticated uint8 = 0x04
)

// Role is the pairing role this bundle was negotiated under.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

// SecurityLevel mirrors set_conn_security's argument and the negotiated
// outcome recorded in a key bundle.
type SecurityLevel uint8

const (
	SecurityNone SecurityLevel = iota
	SecurityUnauthenticatedPairing
	SecurityAuthenticatedPairing
	SecurityAuthenticatedSC
)

// LTK is the long-term key plus, for Legacy pairing, the EDIV/Rand the
// peripheral echoes back on reconnection. SC LTKs always carry
// EDIV=0, Rand=0.
type LTK struct {
	Value [16]byte
	EDIV  uint16
	Rand  uint64
}

// record type tags for the KeyBin's length-prefixed optional fields.
const (
	recLTKInitiator uint8 = 0x01
	recLTKResponder uint8 = 0x02
	recIRK          uint8 = 0x03
	recCSRK         uint8 = 0x04
	recLinkKey      uint8 = 0x05
)

// KeyBin is the in-memory form of the persisted key bundle.
type KeyBin struct {
	Valid         bool
	SC            bool
	Authenticated bool

	LocalAddr  buf.Addr
	LocalType  uint8
	RemoteAddr buf.Addr
	RemoteType uint8

	SecurityLevel SecurityLevel
	IOCapability  IOCapability
	Role          Role
	PairingMode   PairingMode

	LTKInitiator *LTK
	LTKResponder *LTK
	IRK          *[16]byte
	CSRK         *[16]byte
	LinkKey      *[16]byte
}

// PairingMode records how a Device reached its current key state
// (fresh pairing vs reuse of a persisted bundle).
type PairingMode uint8

const (
	PairingModeNone PairingMode = iota
	PairingModeFresh
	PairingModePrePaired
)

func (k *KeyBin) flags() uint8 {
	var f uint8
	if k.Valid {
		f |= FlagValid
	}
	if k.SC {
		f |= FlagSC
	}
	if k.Authenticated {
		f |= FlagAuthenticated
	}
	return f
}

// Encode serializes k into the versioned binary KeyBin format, including
// the trailing CRC32.
func (k *KeyBin) Encode() []byte {
	w := buf.NewWriter(128)
	w.Raw([]byte(keyBinMagic)).U8(keyBinVersion).U8(k.flags()).U16(0)
	w.Addr(k.LocalAddr).U8(k.LocalType)
	w.Addr(k.RemoteAddr).U8(k.RemoteType)
	w.U8(uint8(k.SecurityLevel)).U8(uint8(k.IOCapability)).U8(uint8(k.Role)).U8(uint8(k.PairingMode))

	writeRecord := func(tag uint8, v []byte) {
		w.U8(tag).U16(uint16(len(v))).Raw(v)
	}
	if k.LTKInitiator != nil {
		writeRecord(recLTKInitiator, encodeLTK(k.LTKInitiator))
	}
	if k.LTKResponder != nil {
		writeRecord(recLTKResponder, encodeLTK(k.LTKResponder))
	}
	if k.IRK != nil {
		writeRecord(recIRK, k.IRK[:])
	}
	if k.CSRK != nil {
		writeRecord(recCSRK, k.CSRK[:])
	}
	if k.LinkKey != nil {
		writeRecord(recLinkKey, k.LinkKey[:])
	}

	body := w.Bytes()
	crc := crc32.ChecksumIEEE(body)
	out := buf.NewWriter(len(body) + 4)
	out.Raw(body).U32(crc)
	return out.Bytes()
}

func encodeLTK(l *LTK) []byte {
	w := buf.NewWriter(26)
	w.Raw(l.Value[:]).U16(l.EDIV).U64(l.Rand)
	return w.Bytes()
}

func decodeLTK(b []byte) (*LTK, error) {
	r := buf.NewReader(b)
	var l LTK
	v, err := r.Slice(16)
	if err != nil {
		return nil, err
	}
	copy(l.Value[:], v)
	ediv, err := r.U16()
	if err != nil {
		return nil, err
	}
	rnd, err := r.U64()
	if err != nil {
		return nil, err
	}
	l.EDIV = ediv
	l.Rand = rnd
	return &l, nil
}

// ErrUnsupportedVersion is returned by Decode for any version other
// than 5, including the legacy v4 format.
var ErrUnsupportedVersion = fmt.Errorf("smp: unsupported key-bin version")

// ErrCorrupt is returned by Decode when the trailing CRC32 does not
// match, or the file is too short to contain a header.
var ErrCorrupt = fmt.Errorf("smp: key-bin file corrupt")

// Decode parses and validates a KeyBin file's bytes, checking the
// trailing CRC32 before interpreting the header.
func Decode(raw []byte) (*KeyBin, error) {
	if len(raw) < 4 {
		return nil, ErrCorrupt
	}
	body, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	want := binary.LittleEndian.Uint32(trailer)
	if crc32.ChecksumIEEE(body) != want {
		return nil, ErrCorrupt
	}

	r := buf.NewReader(body)
	magic, err := r.Slice(4)
	if err != nil || string(magic) != keyBinMagic {
		return nil, ErrCorrupt
	}
	version, err := r.U8()
	if err != nil {
		return nil, err
	}
	if version != keyBinVersion {
		return nil, ErrUnsupportedVersion
	}
	flags, err := r.U8()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(2); err != nil {
		return nil, err
	}

	k := &KeyBin{
		Valid:         flags&FlagValid != 0,
		SC:            flags&FlagSC != 0,
		Authenticated: flags&FlagAuthenticated != 0,
	}
	if k.LocalAddr, err = r.Addr(); err != nil {
		return nil, err
	}
	if lt, err := r.U8(); err != nil {
		return nil, err
	} else {
		k.LocalType = lt
	}
	if k.RemoteAddr, err = r.Addr(); err != nil {
		return nil, err
	}
	if rt, err := r.U8(); err != nil {
		return nil, err
	} else {
		k.RemoteType = rt
	}
	sl, err := r.U8()
	if err != nil {
		return nil, err
	}
	iocap, err := r.U8()
	if err != nil {
		return nil, err
	}
	role, err := r.U8()
	if err != nil {
		return nil, err
	}
	mode, err := r.U8()
	if err != nil {
		return nil, err
	}
	k.SecurityLevel = SecurityLevel(sl)
	k.IOCapability = IOCapability(iocap)
	k.Role = Role(role)
	k.PairingMode = PairingMode(mode)

	for r.Len() > 0 {
		tag, err := r.U8()
		if err != nil {
			return nil, err
		}
		l, err := r.U16()
		if err != nil {
			return nil, err
		}
		rec, err := r.Slice(int(l))
		if err != nil {
			return nil, err
		}
		switch tag {
		case recLTKInitiator:
			ltk, err := decodeLTK(rec)
			if err != nil {
				return nil, err
			}
			k.LTKInitiator = ltk
		case recLTKResponder:
			ltk, err := decodeLTK(rec)
			if err != nil {
				return nil, err
			}
			k.LTKResponder = ltk
		case recIRK:
			var v [16]byte
			copy(v[:], rec)
			k.IRK = &v
		case recCSRK:
			var v [16]byte
			copy(v[:], rec)
			k.CSRK = &v
		case recLinkKey:
			var v [16]byte
			copy(v[:], rec)
			k.LinkKey = &v
		}
	}
	return k, nil
}

// FileName derives the `<local>_<remote>.key` on-disk name:
// colons removed, uppercased.
func FileName(local, remote buf.Addr) string {
	norm := func(a buf.Addr) string {
		s := strings.ReplaceAll(a.String(), ":", "")
		return strings.ToUpper(s)
	}
	return fmt.Sprintf("%s_%s.key", norm(local), norm(remote))
}

// Store persists and loads KeyBin files under a single directory.
type Store struct {
	Dir string
}

// NewStore returns a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("smp: keybin store: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(local, remote buf.Addr) string {
	return filepath.Join(s.Dir, FileName(local, remote))
}

// Write persists k, writing to a temp file and renaming into place so a
// reader never observes a partial file.
func (s *Store) Write(k *KeyBin) error {
	path := s.path(k.LocalAddr, k.RemoteAddr)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, k.Encode(), 0600); err != nil {
		return fmt.Errorf("smp: keybin write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("smp: keybin rename: %w", err)
	}
	return nil
}

// Read loads and decodes the bundle for local/remote, if present.
func (s *Store) Read(local, remote buf.Addr) (*KeyBin, error) {
	raw, err := os.ReadFile(s.path(local, remote))
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Remove deletes the persisted bundle for local/remote, if any; called
// when pairing fails so a stale key file is never left behind.
func (s *Store) Remove(local, remote buf.Addr) error {
	err := os.Remove(s.path(local, remote))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
