package smp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corebt/ble/buf"
)

func TestParsePairingRequestRoundTrip(t *testing.T) {
	p := PairingReqRsp{
		IOCap: IODisplayYesNo, OOBDataFlag: 0, AuthReq: AuthReqBonding | AuthReqMITM,
		MaxKeySize: 16, InitKeyDist: KeyDistEncKey, RespKeyDist: KeyDistIDKey,
	}
	raw := MarshalPairingRequest(p)

	code, v, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, CodePairingRequest, code)
	got, ok := v.(PairingReqRsp)
	require.True(t, ok)
	require.Equal(t, p, got)
}

func TestParsePairingConfirmRoundTrip(t *testing.T) {
	var val [16]byte
	val[0], val[15] = 0xAB, 0xCD
	raw := MarshalPairingConfirm(val)

	code, v, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, CodePairingConfirm, code)
	require.Equal(t, val, v.(Value16).V)
}

func TestParsePairingFailedRoundTrip(t *testing.T) {
	raw := MarshalPairingFailed(ReasonConfirmValueFailed)
	code, v, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, CodePairingFailed, code)
	require.Equal(t, ReasonConfirmValueFailed, v.(FailReason))
}

func TestParseMasterIdentificationRoundTrip(t *testing.T) {
	m := MasterIdentification{EDIV: 0x1234, Rand: 0x0102030405060708}
	raw := MarshalMasterIdentification(m)
	code, v, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, CodeMasterIdentification, code)
	require.Equal(t, m, v.(MasterIdentification))
}

func TestParseIdentityAddressInformationRoundTrip(t *testing.T) {
	a := IdentityAddressInformation{AddrType: 1, Addr: buf.Addr{1, 2, 3, 4, 5, 6}}
	raw := MarshalIdentityAddressInformation(a)
	code, v, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, CodeIdentityAddressInformation, code)
	require.Equal(t, a, v.(IdentityAddressInformation))
}

func TestParsePairingPublicKeyRoundTrip(t *testing.T) {
	var k PublicKey
	k.X[0] = 0x11
	k.Y[31] = 0x22
	raw := MarshalPairingPublicKey(k)
	code, v, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, CodePairingPublicKey, code)
	require.Equal(t, k, v.(PublicKey))
}

func TestParseSecurityRequestRoundTrip(t *testing.T) {
	raw := MarshalSecurityRequest(AuthReqBonding)
	code, v, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, CodeSecurityRequest, code)
	require.Equal(t, AuthReqBonding, v.(uint8))
}

func TestParseRejectsUnknownCode(t *testing.T) {
	_, _, err := Parse([]byte{0xFE})
	require.ErrorIs(t, err, ErrUnknownCode)
}

func TestParseRejectsEmptyBuffer(t *testing.T) {
	_, _, err := Parse(nil)
	require.ErrorIs(t, err, buf.ErrShortBuffer)
}

func TestParseValue16RejectsShortBody(t *testing.T) {
	raw := []byte{uint8(CodePairingConfirm), 0x01, 0x02}
	_, _, err := Parse(raw)
	require.ErrorIs(t, err, buf.ErrShortBuffer)
}
