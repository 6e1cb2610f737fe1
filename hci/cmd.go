package hci

import "github.com/corebt/ble/buf"

// CommandParam is implemented by every outbound HCI command payload; the
// engine prefixes Marshal's output with the 3-byte command header
// (opcode + length).
type CommandParam interface {
	Opcode() Opcode
	Marshal() []byte
}

// Reset is HCI_Reset (OGF 3, OCF 0x03).
type Reset struct{}

func (Reset) Opcode() Opcode   { return OpReset }
func (Reset) Marshal() []byte { return nil }

// SetEventMask is HCI_Set_Event_Mask.
type SetEventMask struct{ Mask uint64 }

func (SetEventMask) Opcode() Opcode { return OpSetEventMask }
func (c SetEventMask) Marshal() []byte {
	return buf.NewWriter(8).U64(c.Mask).Bytes()
}

// LESetEventMask is HCI_LE_Set_Event_Mask.
type LESetEventMask struct{ Mask uint64 }

func (LESetEventMask) Opcode() Opcode { return OpLESetEventMask }
func (c LESetEventMask) Marshal() []byte {
	return buf.NewWriter(8).U64(c.Mask).Bytes()
}

// ReadBufferSize is HCI_Read_Buffer_Size, a parameterless command that
// can serve as a no-op controller liveness ping.
type ReadBufferSize struct{}

func (ReadBufferSize) Opcode() Opcode  { return OpReadBufferSize }
func (ReadBufferSize) Marshal() []byte { return nil }

// Disconnect is HCI_Disconnect.
type Disconnect struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (Disconnect) Opcode() Opcode { return OpDisconnect }
func (c Disconnect) Marshal() []byte {
	return buf.NewWriter(3).U16(c.ConnectionHandle).U8(c.Reason).Bytes()
}

// LESetScanParameters is HCI_LE_Set_Scan_Parameters.
type LESetScanParameters struct {
	ScanType             uint8
	ScanInterval         uint16
	ScanWindow           uint16
	OwnAddressType       uint8
	ScanningFilterPolicy uint8
}

func (LESetScanParameters) Opcode() Opcode { return OpLESetScanParameters }
func (c LESetScanParameters) Marshal() []byte {
	return buf.NewWriter(7).U8(c.ScanType).U16(c.ScanInterval).U16(c.ScanWindow).
		U8(c.OwnAddressType).U8(c.ScanningFilterPolicy).Bytes()
}

// LESetScanEnable is HCI_LE_Set_Scan_Enable.
type LESetScanEnable struct {
	Enable           uint8
	FilterDuplicates uint8
}

func (LESetScanEnable) Opcode() Opcode { return OpLESetScanEnable }
func (c LESetScanEnable) Marshal() []byte {
	return buf.NewWriter(2).U8(c.Enable).U8(c.FilterDuplicates).Bytes()
}

// LECreateConn is HCI_LE_Create_Connection.
type LECreateConn struct {
	ScanInterval          uint16
	ScanWindow            uint16
	InitiatorFilterPolicy uint8
	PeerAddressType       uint8
	PeerAddress           buf.Addr
	OwnAddressType        uint8
	ConnIntervalMin       uint16
	ConnIntervalMax       uint16
	ConnLatency           uint16
	SupervisionTimeout    uint16
	MinCELength           uint16
	MaxCELength           uint16
}

func (LECreateConn) Opcode() Opcode { return OpLECreateConn }
func (c LECreateConn) Marshal() []byte {
	w := buf.NewWriter(25)
	w.U16(c.ScanInterval).U16(c.ScanWindow).U8(c.InitiatorFilterPolicy).
		U8(c.PeerAddressType).Addr(c.PeerAddress).U8(c.OwnAddressType).
		U16(c.ConnIntervalMin).U16(c.ConnIntervalMax).U16(c.ConnLatency).
		U16(c.SupervisionTimeout).U16(c.MinCELength).U16(c.MaxCELength)
	return w.Bytes()
}

// LECreateConnCancel is HCI_LE_Create_Connection_Cancel.
type LECreateConnCancel struct{}

func (LECreateConnCancel) Opcode() Opcode  { return OpLECreateConnCancel }
func (LECreateConnCancel) Marshal() []byte { return nil }

// LESetAdvertisingParams is HCI_LE_Set_Advertising_Parameters.
type LESetAdvertisingParams struct {
	IntervalMin    uint16
	IntervalMax    uint16
	AdvType        uint8
	OwnAddrType    uint8
	DirectAddrType uint8
	DirectAddr     buf.Addr
	ChannelMap     uint8
	FilterPolicy   uint8
}

func (LESetAdvertisingParams) Opcode() Opcode { return OpLESetAdvertisingParams }
func (c LESetAdvertisingParams) Marshal() []byte {
	w := buf.NewWriter(15)
	w.U16(c.IntervalMin).U16(c.IntervalMax).U8(c.AdvType).U8(c.OwnAddrType).
		U8(c.DirectAddrType).Addr(c.DirectAddr).U8(c.ChannelMap).U8(c.FilterPolicy)
	return w.Bytes()
}

// LESetAdvertisingData is HCI_LE_Set_Advertising_Data; Data is padded to
// 31 bytes by Marshal as the command requires.
type LESetAdvertisingData struct{ Data []byte }

func (LESetAdvertisingData) Opcode() Opcode { return OpLESetAdvertisingData }
func (c LESetAdvertisingData) Marshal() []byte {
	var padded [31]byte
	n := copy(padded[:], c.Data)
	return buf.NewWriter(32).U8(uint8(n)).Raw(padded[:]).Bytes()
}

// LESetScanResponseData is HCI_LE_Set_Scan_Response_Data.
type LESetScanResponseData struct{ Data []byte }

func (LESetScanResponseData) Opcode() Opcode { return OpLESetScanResponseData }
func (c LESetScanResponseData) Marshal() []byte {
	var padded [31]byte
	n := copy(padded[:], c.Data)
	return buf.NewWriter(32).U8(uint8(n)).Raw(padded[:]).Bytes()
}

// LESetAdvertiseEnable is HCI_LE_Set_Advertise_Enable.
type LESetAdvertiseEnable struct{ Enable uint8 }

func (LESetAdvertiseEnable) Opcode() Opcode  { return OpLESetAdvertiseEnable }
func (c LESetAdvertiseEnable) Marshal() []byte { return buf.NewWriter(1).U8(c.Enable).Bytes() }

// LELTKReqReply is HCI_LE_Long_Term_Key_Request_Reply: the host supplies
// the LTK for a pending LELTKRequestEvent.
type LELTKReqReply struct {
	ConnectionHandle uint16
	LTK              [16]byte
}

func (LELTKReqReply) Opcode() Opcode { return OpLELTKReqReply }
func (c LELTKReqReply) Marshal() []byte {
	return buf.NewWriter(18).U16(c.ConnectionHandle).Raw(c.LTK[:]).Bytes()
}

// LELTKReqNegReply is HCI_LE_Long_Term_Key_Request_Negative_Reply.
type LELTKReqNegReply struct{ ConnectionHandle uint16 }

func (LELTKReqNegReply) Opcode() Opcode { return OpLELTKReqNegReply }
func (c LELTKReqNegReply) Marshal() []byte {
	return buf.NewWriter(2).U16(c.ConnectionHandle).Bytes()
}

// LEStartEncryption is HCI_LE_Start_Encryption, used by the initiator to
// resume encryption from a persisted LTK (pre-paired reconnection).
type LEStartEncryption struct {
	ConnectionHandle uint16
	Rand             uint64
	EDIV             uint16
	LTK              [16]byte
}

func (LEStartEncryption) Opcode() Opcode { return OpLEStartEncryption }
func (c LEStartEncryption) Marshal() []byte {
	return buf.NewWriter(28).U16(c.ConnectionHandle).U64(c.Rand).U16(c.EDIV).Raw(c.LTK[:]).Bytes()
}

// LEConnUpdate is HCI_LE_Connection_Update.
type LEConnUpdate struct {
	ConnectionHandle   uint16
	ConnIntervalMin    uint16
	ConnIntervalMax    uint16
	ConnLatency        uint16
	SupervisionTimeout uint16
	MinCELength        uint16
	MaxCELength        uint16
}

func (LEConnUpdate) Opcode() Opcode { return OpLEConnUpdate }
func (c LEConnUpdate) Marshal() []byte {
	w := buf.NewWriter(14)
	w.U16(c.ConnectionHandle).U16(c.ConnIntervalMin).U16(c.ConnIntervalMax).
		U16(c.ConnLatency).U16(c.SupervisionTimeout).U16(c.MinCELength).U16(c.MaxCELength)
	return w.Bytes()
}

// frame prefixes p's opcode and length header, forming a complete
// outbound Command packet (including the leading PacketCommand byte).
func frame(p CommandParam) []byte {
	body := p.Marshal()
	w := buf.NewWriter(4 + len(body))
	w.U8(uint8(PacketCommand)).U16(uint16(p.Opcode())).U8(uint8(len(body))).Raw(body)
	return w.Bytes()
}
