package smp

import "github.com/corebt/ble/buf"

// Code is the first octet of every SMP PDU.
type Code uint8

const (
	CodePairingRequest             Code = 0x01
	CodePairingResponse            Code = 0x02
	CodePairingConfirm             Code = 0x03
	CodePairingRandom              Code = 0x04
	CodePairingFailed              Code = 0x05
	CodeEncryptionInformation      Code = 0x06
	CodeMasterIdentification       Code = 0x07
	CodeIdentityInformation        Code = 0x08
	CodeIdentityAddressInformation Code = 0x09
	CodeSigningInformation         Code = 0x0A
	CodeSecurityRequest            Code = 0x0B
	CodePairingPublicKey           Code = 0x0C
	CodePairingDhKeyCheck          Code = 0x0D
	CodeKeypressNotification       Code = 0x0E
)

// IOCapability is the Pairing Request/Response IO capability field.
type IOCapability uint8

const (
	IODisplayOnly     IOCapability = 0x00
	IODisplayYesNo    IOCapability = 0x01
	IOKeyboardOnly    IOCapability = 0x02
	IONoInputNoOutput IOCapability = 0x03
	IOKeyboardDisplay IOCapability = 0x04
)

// AuthReq bit flags carried in Pairing Request/Response.
const (
	AuthReqBonding       uint8 = 0x01
	AuthReqMITM          uint8 = 0x04
	AuthReqSC            uint8 = 0x08
	AuthReqKeypress      uint8 = 0x10
)

// KeyDistFlags mark which keys each side will distribute.
const (
	KeyDistEncKey  uint8 = 0x01 // LTK + EDIV + Rand
	KeyDistIDKey   uint8 = 0x02 // IRK + identity address
	KeyDistSign    uint8 = 0x04 // CSRK
	KeyDistLinkKey uint8 = 0x08
)

// FailReason is the single-byte Pairing Failed reason code.
type FailReason uint8

const (
	ReasonPasskeyEntryFailed   FailReason = 0x01
	ReasonOOBNotAvailable      FailReason = 0x02
	ReasonAuthRequirements     FailReason = 0x03
	ReasonConfirmValueFailed   FailReason = 0x04
	ReasonPairingNotSupported  FailReason = 0x05
	ReasonEncKeySize           FailReason = 0x06
	ReasonCommandNotSupported  FailReason = 0x07
	ReasonUnspecifiedReason    FailReason = 0x08
	ReasonRepeatedAttempts     FailReason = 0x09
	ReasonInvalidParameters    FailReason = 0x0A
	ReasonDHKeyCheckFailed     FailReason = 0x0B
	ReasonNumericComparisonFailed FailReason = 0x0C
)

// PairingReqRsp is the shared layout of PairingRequest/PairingResponse.
type PairingReqRsp struct {
	IOCap       IOCapability
	OOBDataFlag uint8
	AuthReq     uint8
	MaxKeySize  uint8
	InitKeyDist uint8
	RespKeyDist uint8
}

func (p PairingReqRsp) marshal(code Code) []byte {
	return buf.NewWriter(7).U8(uint8(code)).U8(uint8(p.IOCap)).U8(p.OOBDataFlag).
		U8(p.AuthReq).U8(p.MaxKeySize).U8(p.InitKeyDist).U8(p.RespKeyDist).Bytes()
}

func parsePairingReqRsp(body []byte) (PairingReqRsp, error) {
	r := buf.NewReader(body)
	var p PairingReqRsp
	iocap, err := r.U8()
	if err != nil {
		return p, err
	}
	oob, err := r.U8()
	if err != nil {
		return p, err
	}
	auth, err := r.U8()
	if err != nil {
		return p, err
	}
	mks, err := r.U8()
	if err != nil {
		return p, err
	}
	ikd, err := r.U8()
	if err != nil {
		return p, err
	}
	rkd, err := r.U8()
	if err != nil {
		return p, err
	}
	p.IOCap = IOCapability(iocap)
	p.OOBDataFlag = oob
	p.AuthReq = auth
	p.MaxKeySize = mks
	p.InitKeyDist = ikd
	p.RespKeyDist = rkd
	return p, nil
}

// MarshalPairingRequest/Response wrap PairingReqRsp with the leading code.
func MarshalPairingRequest(p PairingReqRsp) []byte  { return p.marshal(CodePairingRequest) }
func MarshalPairingResponse(p PairingReqRsp) []byte { return p.marshal(CodePairingResponse) }

// PairingConfirm/PairingRandom carry a single 16-byte value.
type Value16 struct{ V [16]byte }

func (v Value16) marshal(code Code) []byte {
	return buf.NewWriter(17).U8(uint8(code)).Raw(v.V[:]).Bytes()
}

func MarshalPairingConfirm(v [16]byte) []byte { return Value16{v}.marshal(CodePairingConfirm) }
func MarshalPairingRandom(v [16]byte) []byte  { return Value16{v}.marshal(CodePairingRandom) }

func parseValue16(body []byte) ([16]byte, error) {
	var v [16]byte
	if len(body) < 16 {
		return v, buf.ErrShortBuffer
	}
	copy(v[:], body[:16])
	return v, nil
}

// MarshalPairingFailed encodes the single-byte failure reason.
func MarshalPairingFailed(reason FailReason) []byte {
	return buf.NewWriter(2).U8(uint8(CodePairingFailed)).U8(uint8(reason)).Bytes()
}

// EncryptionInformation carries the LTK during key distribution.
func MarshalEncryptionInformation(ltk [16]byte) []byte {
	return buf.NewWriter(17).U8(uint8(CodeEncryptionInformation)).Raw(ltk[:]).Bytes()
}

// MasterIdentification carries EDIV+Rand alongside the LTK.
type MasterIdentification struct {
	EDIV uint16
	Rand uint64
}

func MarshalMasterIdentification(m MasterIdentification) []byte {
	return buf.NewWriter(11).U8(uint8(CodeMasterIdentification)).U16(m.EDIV).U64(m.Rand).Bytes()
}

func parseMasterIdentification(body []byte) (MasterIdentification, error) {
	r := buf.NewReader(body)
	var m MasterIdentification
	ediv, err := r.U16()
	if err != nil {
		return m, err
	}
	rnd, err := r.U64()
	if err != nil {
		return m, err
	}
	m.EDIV = ediv
	m.Rand = rnd
	return m, nil
}

// MarshalIdentityInformation carries the IRK.
func MarshalIdentityInformation(irk [16]byte) []byte {
	return buf.NewWriter(17).U8(uint8(CodeIdentityInformation)).Raw(irk[:]).Bytes()
}

// IdentityAddressInformation carries the peer's identity address.
type IdentityAddressInformation struct {
	AddrType uint8
	Addr     buf.Addr
}

func MarshalIdentityAddressInformation(a IdentityAddressInformation) []byte {
	return buf.NewWriter(8).U8(uint8(CodeIdentityAddressInformation)).U8(a.AddrType).Addr(a.Addr).Bytes()
}

func parseIdentityAddressInformation(body []byte) (IdentityAddressInformation, error) {
	r := buf.NewReader(body)
	var a IdentityAddressInformation
	t, err := r.U8()
	if err != nil {
		return a, err
	}
	addr, err := r.Addr()
	if err != nil {
		return a, err
	}
	a.AddrType = t
	a.Addr = addr
	return a, nil
}

// MarshalSigningInformation carries the CSRK.
func MarshalSigningInformation(csrk [16]byte) []byte {
	return buf.NewWriter(17).U8(uint8(CodeSigningInformation)).Raw(csrk[:]).Bytes()
}

// MarshalSecurityRequest encodes the responder-initiated AuthReq nudge.
func MarshalSecurityRequest(authReq uint8) []byte {
	return buf.NewWriter(2).U8(uint8(CodeSecurityRequest)).U8(authReq).Bytes()
}

// PublicKey carries the SC ECDH public key coordinates, each 32 bytes.
type PublicKey struct {
	X, Y [32]byte
}

func MarshalPairingPublicKey(k PublicKey) []byte {
	return buf.NewWriter(65).U8(uint8(CodePairingPublicKey)).Raw(k.X[:]).Raw(k.Y[:]).Bytes()
}

func parsePairingPublicKey(body []byte) (PublicKey, error) {
	var k PublicKey
	if len(body) < 64 {
		return k, buf.ErrShortBuffer
	}
	copy(k.X[:], body[0:32])
	copy(k.Y[:], body[32:64])
	return k, nil
}

// DhKeyCheck carries the SC confirmation check value Ea/Eb.
func MarshalPairingDhKeyCheck(e [16]byte) []byte {
	return buf.NewWriter(17).U8(uint8(CodePairingDhKeyCheck)).Raw(e[:]).Bytes()
}

// MarshalKeypressNotification encodes the passkey-entry keypress type.
func MarshalKeypressNotification(notifType uint8) []byte {
	return buf.NewWriter(2).U8(uint8(CodeKeypressNotification)).U8(notifType).Bytes()
}

// Parse dispatches an inbound SMP PDU by its leading code byte.
func Parse(raw []byte) (Code, any, error) {
	if len(raw) < 1 {
		return 0, nil, buf.ErrShortBuffer
	}
	code := Code(raw[0])
	body := raw[1:]
	switch code {
	case CodePairingRequest, CodePairingResponse:
		v, err := parsePairingReqRsp(body)
		return code, v, err
	case CodePairingConfirm, CodePairingRandom:
		v, err := parseValue16(body)
		return code, Value16{v}, err
	case CodePairingFailed:
		if len(body) < 1 {
			return code, nil, buf.ErrShortBuffer
		}
		return code, FailReason(body[0]), nil
	case CodeEncryptionInformation:
		v, err := parseValue16(body)
		return code, Value16{v}, err
	case CodeMasterIdentification:
		v, err := parseMasterIdentification(body)
		return code, v, err
	case CodeIdentityInformation:
		v, err := parseValue16(body)
		return code, Value16{v}, err
	case CodeIdentityAddressInformation:
		v, err := parseIdentityAddressInformation(body)
		return code, v, err
	case CodeSigningInformation:
		v, err := parseValue16(body)
		return code, Value16{v}, err
	case CodeSecurityRequest:
		if len(body) < 1 {
			return code, nil, buf.ErrShortBuffer
		}
		return code, body[0], nil
	case CodePairingPublicKey:
		v, err := parsePairingPublicKey(body)
		return code, v, err
	case CodePairingDhKeyCheck:
		v, err := parseValue16(body)
		return code, Value16{v}, err
	case CodeKeypressNotification:
		if len(body) < 1 {
			return code, nil, buf.ErrShortBuffer
		}
		return code, body[0], nil
	default:
		return code, nil, ErrUnknownCode
	}
}
