package smp

import (
	"crypto/aes"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrUnknownCode is returned by Parse for an SMP opcode this layer does
// not implement.
var ErrUnknownCode = errors.New("smp: unknown pdu code")

// No third-party library in the reference set implements Bluetooth's
// exact key-derivation functions (c1/s1 for Legacy pairing, f4/f5/f6/g2
// for Secure Connections per Core Spec Vol 3 Part H §2.2/§2.3); this
// file builds them directly on crypto/aes and crypto/ecdh, with AES-CMAC
// implemented here on top of crypto/aes.

// e is the raw AES-128 block encryption primitive both c1 and s1 build on.
func e(key, data [16]byte) ([16]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return [16]byte{}, err
	}
	var out [16]byte
	block.Encrypt(out[:], data[:])
	return out, nil
}

func xor16(a, b [16]byte) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// c1Confirm implements the Legacy pairing confirm value function c1.
func c1Confirm(tk, rand16 [16]byte, pres, preq []byte, iat, rat uint8, ia, ra [6]byte) ([16]byte, error) {
	var p1 [16]byte
	copy(p1[0:7], pres)
	copy(p1[7:14], preq)
	p1[14] = rat
	p1[15] = iat

	var p2 [16]byte
	copy(p2[0:6], ia[:])
	copy(p2[6:12], ra[:])

	res := xor16(rand16, p1)
	res, err := e(tk, res)
	if err != nil {
		return res, err
	}
	res = xor16(res, p2)
	return e(tk, res)
}

// s1 implements the Legacy short-term-key generation function s1.
func s1(tk, r1, r2 [16]byte) ([16]byte, error) {
	var r [16]byte
	copy(r[0:8], r2[8:16])
	copy(r[8:16], r1[8:16])
	return e(tk, r)
}

func aesCMAC(key []byte, msg []byte) ([16]byte, error) {
	return cmac(key, msg)
}

// cmac implements AES-CMAC (NIST SP 800-38B / RFC 4493), the primitive
// f4/f5/f6/g2 share.
func cmac(key, msg []byte) ([16]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return [16]byte{}, err
	}
	const bs = 16
	var zero [bs]byte
	l := make([]byte, bs)
	block.Encrypt(l, zero[:])

	k1 := shiftLeftXorRb(l)
	k2 := shiftLeftXorRb(k1[:])

	n := (len(msg) + bs - 1) / bs
	var lastBlock [bs]byte
	var complete bool
	if n == 0 {
		n = 1
		complete = false
	} else {
		complete = len(msg)%bs == 0
	}

	if complete {
		copy(lastBlock[:], msg[(n-1)*bs:])
		lastBlock = xor16(lastBlock, k1)
	} else {
		tail := msg[(n-1)*bs:]
		copy(lastBlock[:], tail)
		lastBlock[len(tail)] = 0x80
		lastBlock = xor16(lastBlock, k2)
	}

	var x [bs]byte
	for i := 0; i < n-1; i++ {
		var blk [bs]byte
		copy(blk[:], msg[i*bs:(i+1)*bs])
		in := xor16(x, blk)
		var out [bs]byte
		block.Encrypt(out[:], in[:])
		x = out
	}
	in := xor16(x, lastBlock)
	var mac [bs]byte
	block.Encrypt(mac[:], in[:])
	return mac, nil
}

func shiftLeftXorRb(in []byte) [16]byte {
	var out [16]byte
	var carry byte
	for i := 15; i >= 0; i-- {
		v := in[i]
		out[i] = (v << 1) | carry
		carry = v >> 7
	}
	if carry != 0 {
		out[15] ^= 0x87
	}
	return out
}

// f4 is the SC confirm-value function: f4(U, V, X, Z).
func f4(u, v [32]byte, x [16]byte, z uint8) ([16]byte, error) {
	msg := make([]byte, 0, 65)
	msg = append(msg, u[:]...)
	msg = append(msg, v[:]...)
	msg = append(msg, z)
	return cmac(x[:], msg)
}

// f5 derives the SC LTK (and MacKey) from the ECDH shared secret.
func f5(dhKey []byte, n1, n2 [16]byte, a1, a2 [7]byte) (macKey, ltk [16]byte, err error) {
	salt := [16]byte{0x6C, 0x88, 0x83, 0x9B, 0x9F, 0xA9, 0x90, 0xC6, 0xB9, 0x34, 0x7A, 0xB6, 0xDC, 0xAB, 0xA5, 0xC9}
	t, err := cmac(salt[:], dhKey)
	if err != nil {
		return macKey, ltk, err
	}
	counterMsg := func(counter byte, out *[16]byte) error {
		msg := make([]byte, 0, 1+4+1+16+16+7+7+2)
		msg = append(msg, counter)
		msg = append(msg, "btle"...)
		msg = append(msg, n1[:]...)
		msg = append(msg, n2[:]...)
		msg = append(msg, a1[:]...)
		msg = append(msg, a2[:]...)
		msg = append(msg, 0x00, 0x01) // length = 256 bits
		mac, err := cmac(t[:], msg)
		if err != nil {
			return err
		}
		*out = mac
		return nil
	}
	if err := counterMsg(0, &macKey); err != nil {
		return macKey, ltk, err
	}
	if err := counterMsg(1, &ltk); err != nil {
		return macKey, ltk, err
	}
	return macKey, ltk, nil
}

// f6 derives the DHKey check values Ea/Eb.
func f6(macKey [16]byte, n1, n2 [16]byte, r [16]byte, ioCap [3]byte, a1, a2 [7]byte) ([16]byte, error) {
	msg := make([]byte, 0, 16+16+16+3+7+7)
	msg = append(msg, n1[:]...)
	msg = append(msg, n2[:]...)
	msg = append(msg, r[:]...)
	msg = append(msg, ioCap[:]...)
	msg = append(msg, a1[:]...)
	msg = append(msg, a2[:]...)
	return cmac(macKey[:], msg)
}

// g2 derives the 6-digit numeric-comparison value shown to the user.
func g2(u, v [32]byte, x, y [16]byte) (uint32, error) {
	msg := make([]byte, 0, 32+32+16)
	msg = append(msg, u[:]...)
	msg = append(msg, v[:]...)
	msg = append(msg, y[:]...)
	mac, err := cmac(x[:], msg)
	if err != nil {
		return 0, err
	}
	v32 := uint32(mac[12])<<24 | uint32(mac[13])<<16 | uint32(mac[14])<<8 | uint32(mac[15])
	return v32 % 1000000, nil
}

// ECDHKeyPair is this host's SC key exchange material for one pairing.
type ECDHKeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateECDHKeyPair creates a fresh P-256 key pair for an SC pairing
// attempt.
func GenerateECDHKeyPair() (*ECDHKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("smp: ecdh keygen: %w", err)
	}
	return &ECDHKeyPair{priv: priv}, nil
}

// PublicCoords returns this key pair's public key in the X||Y form SMP
// transmits on the wire.
func (k *ECDHKeyPair) PublicCoords() PublicKey {
	raw := k.priv.PublicKey().Bytes() // uncompressed: 0x04 || X(32) || Y(32)
	var out PublicKey
	copy(out.X[:], raw[1:33])
	copy(out.Y[:], raw[33:65])
	return out
}

// SharedSecret computes the ECDH shared secret (DHKey) with the peer's
// public key coordinates.
func (k *ECDHKeyPair) SharedSecret(peer PublicKey) ([]byte, error) {
	raw := make([]byte, 65)
	raw[0] = 0x04
	copy(raw[1:33], peer.X[:])
	copy(raw[33:65], peer.Y[:])
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("smp: invalid peer public key: %w", err)
	}
	secret, err := k.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("smp: ecdh: %w", err)
	}
	return secret, nil
}
