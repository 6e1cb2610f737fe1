package smp

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corebt/ble/buf"
)

func sampleKeyBin() *KeyBin {
	return &KeyBin{
		Valid:         true,
		SC:            true,
		Authenticated: true,
		LocalAddr:     buf.Addr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		LocalType:     0,
		RemoteAddr:    buf.Addr{0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F},
		RemoteType:    1,
		SecurityLevel: SecurityAuthenticatedSC,
		IOCapability:  IONoInputNoOutput,
		Role:          RoleInitiator,
		PairingMode:   PairingModeFresh,
		LTKInitiator: &LTK{
			Value: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		},
		IRK: &[16]byte{9, 9, 9},
	}
}

func TestKeyBinEncodeDecodeRoundTrip(t *testing.T) {
	k := sampleKeyBin()
	raw := k.Encode()

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, k.Valid, got.Valid)
	require.Equal(t, k.SC, got.SC)
	require.Equal(t, k.Authenticated, got.Authenticated)
	require.Equal(t, k.LocalAddr, got.LocalAddr)
	require.Equal(t, k.RemoteAddr, got.RemoteAddr)
	require.Equal(t, k.SecurityLevel, got.SecurityLevel)
	require.NotNil(t, got.LTKInitiator)
	require.Equal(t, k.LTKInitiator.Value, got.LTKInitiator.Value)
	require.Nil(t, got.LTKResponder)
	require.NotNil(t, got.IRK)
	require.Equal(t, *k.IRK, *got.IRK)
}

func TestKeyBinDecodeRejectsUnsupportedVersion(t *testing.T) {
	raw := sampleKeyBin().Encode()
	raw[4] = 4 // version byte follows the 4-byte magic
	fixupCRC(raw)

	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

// TestKeyBinDecodeDetectsMutation flips a single byte in an otherwise
// valid encoding and checks the trailing CRC32 catches it, whatever byte
// it happens to land on.
func TestKeyBinDecodeDetectsMutation(t *testing.T) {
	raw := sampleKeyBin().Encode()
	for i := range raw {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0xFF
		_, err := Decode(mutated)
		require.Error(t, err, "byte %d mutation went undetected", i)
	}
}

func TestKeyBinDecodeRejectsShortFile(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestFileNameNormalizesAddress(t *testing.T) {
	local := buf.Addr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	remote := buf.Addr{0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F}
	name := FileName(local, remote)
	require.Equal(t, "060504030201_0F0E0D0C0B0A.key", name)
}

// fixupCRC recomputes and rewrites the trailing CRC32 in place, for tests
// that mutate the header and want to isolate the version/field check from
// the CRC check.
func fixupCRC(raw []byte) {
	body := raw[:len(raw)-4]
	binary.LittleEndian.PutUint32(raw[len(raw)-4:], crc32.ChecksumIEEE(body))
}
