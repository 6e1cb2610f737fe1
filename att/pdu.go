// Package att implements the Attribute Protocol client and server that
// ride the fixed ATT channel: PDU codec, a GATT
// client driving discovery/read/write/notify against a remote server,
// and a declarative local server with per-connection CCCD state.
package att

import (
	"github.com/corebt/ble/buf"
	"github.com/corebt/ble/uuid"
)

// Opcode is the single-byte ATT PDU method/response identifier.
type Opcode uint8

const (
	OpErrorRsp             Opcode = 0x01
	OpExchangeMtuReq       Opcode = 0x02
	OpExchangeMtuRsp       Opcode = 0x03
	OpFindInformationReq   Opcode = 0x04
	OpFindInformationRsp   Opcode = 0x05
	OpFindByTypeValueReq   Opcode = 0x06
	OpFindByTypeValueRsp   Opcode = 0x07
	OpReadByTypeReq        Opcode = 0x08
	OpReadByTypeRsp        Opcode = 0x09
	OpReadReq              Opcode = 0x0A
	OpReadRsp              Opcode = 0x0B
	OpReadBlobReq          Opcode = 0x0C
	OpReadBlobRsp          Opcode = 0x0D
	OpReadByGroupTypeReq   Opcode = 0x10
	OpReadByGroupTypeRsp   Opcode = 0x11
	OpWriteReq             Opcode = 0x12
	OpWriteRsp             Opcode = 0x13
	OpWriteCmd             Opcode = 0x52
	OpHandleValueNtf       Opcode = 0x1B
	OpHandleValueInd       Opcode = 0x1D
	OpHandleValueCnf       Opcode = 0x1E
)

// ErrorCode is the ATT-level negative response code (Core Spec Vol 3
// Part F §3.4.1.1).
type ErrorCode uint8

const (
	ErrInvalidHandle             ErrorCode = 0x01
	ErrReadNotPermitted          ErrorCode = 0x02
	ErrWriteNotPermitted         ErrorCode = 0x03
	ErrInvalidPDU                ErrorCode = 0x04
	ErrInsufficientAuthentication ErrorCode = 0x05
	ErrRequestNotSupported       ErrorCode = 0x06
	ErrInvalidOffset             ErrorCode = 0x07
	ErrInsufficientAuthorization ErrorCode = 0x08
	ErrAttributeNotFound         ErrorCode = 0x0A
	ErrAttributeNotLong          ErrorCode = 0x0B
	ErrInsufficientEncKeySize    ErrorCode = 0x0C
	ErrInvalidAttributeValueLen  ErrorCode = 0x0D
	ErrUnlikelyError             ErrorCode = 0x0E
	ErrInsufficientEncryption    ErrorCode = 0x0F
	ErrUnsupportedGroupType      ErrorCode = 0x10
	ErrInsufficientResources     ErrorCode = 0x11
)

// DefaultMTU is the ATT MTU in force until ExchangeMtu completes.
const DefaultMTU = 23

func MarshalExchangeMtuReq(mtu uint16) []byte {
	return buf.NewWriter(3).U8(uint8(OpExchangeMtuReq)).U16(mtu).Bytes()
}

func MarshalExchangeMtuRsp(mtu uint16) []byte {
	return buf.NewWriter(3).U8(uint8(OpExchangeMtuRsp)).U16(mtu).Bytes()
}

func MarshalErrorRsp(opcode Opcode, handle uint16, code ErrorCode) []byte {
	return buf.NewWriter(5).U8(uint8(OpErrorRsp)).U8(uint8(opcode)).U16(handle).U8(uint8(code)).Bytes()
}

func MarshalFindInformationReq(startHandle, endHandle uint16) []byte {
	return buf.NewWriter(5).U8(uint8(OpFindInformationReq)).U16(startHandle).U16(endHandle).Bytes()
}

// InfoFormat distinguishes 16-bit vs 128-bit UUID records in a
// FindInformationRsp.
const (
	InfoFormat16  uint8 = 0x01
	InfoFormat128 uint8 = 0x02
)

type HandleUUID struct {
	Handle uint16
	UUID   uuid.UUID
}

func MarshalFindInformationRsp(format uint8, pairs []HandleUUID) []byte {
	w := buf.NewWriter(64).U8(uint8(OpFindInformationRsp)).U8(format)
	for _, p := range pairs {
		w.U16(p.Handle)
		if format == InfoFormat16 {
			u16 := p.UUID.LEBytes16()
			w.Raw(u16[:])
		} else {
			w.Raw(p.UUID.LEBytes128())
		}
	}
	return w.Bytes()
}

func MarshalReadByTypeReq(startHandle, endHandle uint16, typ uuid.UUID) []byte {
	w := buf.NewWriter(7).U8(uint8(OpReadByTypeReq)).U16(startHandle).U16(endHandle)
	if typ.Is16() {
		u16 := typ.LEBytes16()
		w.Raw(u16[:])
	} else {
		w.Raw(typ.LEBytes128())
	}
	return w.Bytes()
}

type AttributeData struct {
	Handle uint16
	Value  []byte
}

func MarshalReadByTypeRsp(data []AttributeData) []byte {
	if len(data) == 0 {
		return nil
	}
	elemLen := 2 + len(data[0].Value)
	w := buf.NewWriter(2 + elemLen*len(data)).U8(uint8(OpReadByTypeRsp)).U8(uint8(elemLen))
	for _, d := range data {
		w.U16(d.Handle).Raw(d.Value)
	}
	return w.Bytes()
}

func MarshalReadByGroupTypeReq(startHandle, endHandle uint16, typ uuid.UUID) []byte {
	b := MarshalReadByTypeReq(startHandle, endHandle, typ) // same wire shape, different opcode
	b[0] = uint8(OpReadByGroupTypeReq)
	return b
}

type GroupData struct {
	Handle    uint16
	EndGroup  uint16
	Value     []byte
}

func MarshalReadByGroupTypeRsp(data []GroupData) []byte {
	if len(data) == 0 {
		return nil
	}
	elemLen := 4 + len(data[0].Value)
	w := buf.NewWriter(2 + elemLen*len(data)).U8(uint8(OpReadByGroupTypeRsp)).U8(uint8(elemLen))
	for _, d := range data {
		w.U16(d.Handle).U16(d.EndGroup).Raw(d.Value)
	}
	return w.Bytes()
}

func MarshalReadReq(handle uint16) []byte {
	return buf.NewWriter(3).U8(uint8(OpReadReq)).U16(handle).Bytes()
}

func MarshalReadRsp(value []byte) []byte {
	return buf.NewWriter(1 + len(value)).U8(uint8(OpReadRsp)).Raw(value).Bytes()
}

func MarshalReadBlobReq(handle, offset uint16) []byte {
	return buf.NewWriter(5).U8(uint8(OpReadBlobReq)).U16(handle).U16(offset).Bytes()
}

func MarshalReadBlobRsp(value []byte) []byte {
	return buf.NewWriter(1 + len(value)).U8(uint8(OpReadBlobRsp)).Raw(value).Bytes()
}

func MarshalWriteReq(handle uint16, value []byte) []byte {
	return buf.NewWriter(3 + len(value)).U8(uint8(OpWriteReq)).U16(handle).Raw(value).Bytes()
}

func MarshalWriteCmd(handle uint16, value []byte) []byte {
	return buf.NewWriter(3 + len(value)).U8(uint8(OpWriteCmd)).U16(handle).Raw(value).Bytes()
}

func MarshalWriteRsp() []byte { return []byte{uint8(OpWriteRsp)} }

func MarshalHandleValueNtf(handle uint16, value []byte) []byte {
	return buf.NewWriter(3 + len(value)).U8(uint8(OpHandleValueNtf)).U16(handle).Raw(value).Bytes()
}

func MarshalHandleValueInd(handle uint16, value []byte) []byte {
	return buf.NewWriter(3 + len(value)).U8(uint8(OpHandleValueInd)).U16(handle).Raw(value).Bytes()
}

func MarshalHandleValueCnf() []byte { return []byte{uint8(OpHandleValueCnf)} }

func MarshalFindByTypeValueReq(startHandle, endHandle uint16, typ uuid.UUID, value []byte) []byte {
	u16 := typ.LEBytes16()
	w := buf.NewWriter(7 + len(value)).U8(uint8(OpFindByTypeValueReq)).U16(startHandle).U16(endHandle).
		Raw(u16[:]).Raw(value)
	return w.Bytes()
}

type HandleRange struct{ Found, Group uint16 }

func MarshalFindByTypeValueRsp(ranges []HandleRange) []byte {
	w := buf.NewWriter(1 + 4*len(ranges)).U8(uint8(OpFindByTypeValueRsp))
	for _, r := range ranges {
		w.U16(r.Found).U16(r.Group)
	}
	return w.Bytes()
}

// ParseHeader reads the single leading opcode byte.
func ParseHeader(raw []byte) (Opcode, []byte, error) {
	if len(raw) < 1 {
		return 0, nil, buf.ErrShortBuffer
	}
	return Opcode(raw[0]), raw[1:], nil
}

// ParseErrorRsp decodes an ErrorRsp body.
func ParseErrorRsp(body []byte) (reqOpcode Opcode, handle uint16, code ErrorCode, err error) {
	r := buf.NewReader(body)
	op, err := r.U8()
	if err != nil {
		return
	}
	h, err := r.U16()
	if err != nil {
		return
	}
	c, err := r.U8()
	if err != nil {
		return
	}
	return Opcode(op), h, ErrorCode(c), nil
}
