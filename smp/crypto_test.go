package smp

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func hexBytes(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// TestAESCMACNISTVectors checks cmac against the published NIST SP 800-38B
// AES-128 CMAC example vectors, independent of any Bluetooth-specific
// derivation.
func TestAESCMACNISTVectors(t *testing.T) {
	key := hexBytes(t, "2b7e151628aed2a6abf7158809cf4f3c")

	cases := []struct {
		msg  string
		want string
	}{
		{"", "bb1d6929e95937287fa37d129b756746"},
		{"6bc1bee22e409f96e93d7e117393172a", "070a16b46b4d4144f79bdd9dd04a287c"},
		{
			"6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411",
			"dfa66747de9ae63030ca32611497c827",
		},
	}
	for _, c := range cases {
		msg := hexBytes(t, c.msg)
		want := hexBytes(t, c.want)
		got, err := cmac(key, msg)
		require.NoError(t, err)
		require.Equal(t, want, got[:])
	}
}

func TestECDHSharedSecretAgrees(t *testing.T) {
	a, err := GenerateECDHKeyPair()
	require.NoError(t, err)
	b, err := GenerateECDHKeyPair()
	require.NoError(t, err)

	secretA, err := a.SharedSecret(b.PublicCoords())
	require.NoError(t, err)
	secretB, err := b.SharedSecret(a.PublicCoords())
	require.NoError(t, err)
	require.Equal(t, secretA, secretB)
}

func TestF5DerivesDistinctMacKeyAndLTK(t *testing.T) {
	a, err := GenerateECDHKeyPair()
	require.NoError(t, err)
	b, err := GenerateECDHKeyPair()
	require.NoError(t, err)
	dhKey, err := a.SharedSecret(b.PublicCoords())
	require.NoError(t, err)

	var n1, n2 [16]byte
	n1[0], n2[0] = 0x01, 0x02
	var a1, a2 [7]byte
	a1[0], a2[0] = 0xAA, 0xBB

	macKey, ltk, err := f5(dhKey, n1, n2, a1, a2)
	require.NoError(t, err)
	require.NotEqual(t, macKey, ltk)

	macKey2, ltk2, err := f5(dhKey, n1, n2, a1, a2)
	require.NoError(t, err)
	require.Equal(t, macKey, macKey2, "f5 must be deterministic for identical inputs")
	require.Equal(t, ltk, ltk2)
}

func TestF4IsDeterministicAndInputSensitive(t *testing.T) {
	var u, v [32]byte
	u[0], v[0] = 1, 2
	var x [16]byte
	x[0] = 3

	got1, err := f4(u, v, x, 0)
	require.NoError(t, err)
	got2, err := f4(u, v, x, 0)
	require.NoError(t, err)
	require.Equal(t, got1, got2)

	gotOtherZ, err := f4(u, v, x, 1)
	require.NoError(t, err)
	require.NotEqual(t, got1, gotOtherZ)
}

func TestG2RangeBoundedToSixDigits(t *testing.T) {
	var u, v [32]byte
	var x, y [16]byte
	for i := 0; i < 20; i++ {
		u[0] = byte(i)
		val, err := g2(u, v, x, y)
		require.NoError(t, err)
		require.Less(t, val, uint32(1000000))
	}
}

func TestC1ConfirmChangesWithRand(t *testing.T) {
	var tk [16]byte
	var r1, r2 [16]byte
	r2[0] = 0x01
	pres := []byte{0x02, 0x03, 0x00, 0x00, 0x08, 0x00, 0x05}
	preq := []byte{0x03, 0x00, 0x00, 0x00, 0x08, 0x00, 0x05}
	var ia, ra [6]byte

	out1, err := c1Confirm(tk, r1, pres, preq, 0, 0, ia, ra)
	require.NoError(t, err)
	out2, err := c1Confirm(tk, r2, pres, preq, 0, 0, ia, ra)
	require.NoError(t, err)
	require.NotEqual(t, out1, out2)
}

func TestS1IsDeterministic(t *testing.T) {
	var tk, r1, r2 [16]byte
	r1[0], r2[0] = 0x11, 0x22
	out1, err := s1(tk, r1, r2)
	require.NoError(t, err)
	out2, err := s1(tk, r1, r2)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}
