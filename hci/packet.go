package hci

// PacketType is the 1-byte HCI H4-style indicator prefixing every frame
// exchanged over the raw socket.
type PacketType uint8

const (
	PacketCommand PacketType = 0x01
	PacketACLData PacketType = 0x02
	PacketSCOData PacketType = 0x03
	PacketEvent   PacketType = 0x04
	PacketVendor  PacketType = 0xFF
)

// EventCode identifies an HCI event.
type EventCode uint8

const (
	EventDisconnectionComplete EventCode = 0x05
	EventCommandComplete       EventCode = 0x0E
	EventCommandStatus         EventCode = 0x0F
	EventNumberOfCompletedPkts EventCode = 0x13
	EventLEMeta                EventCode = 0x3E
)

// LESubEventCode identifies an LE Meta sub-event.
type LESubEventCode uint8

const (
	LESubEventConnectionComplete         LESubEventCode = 0x01
	LESubEventAdvertisingReport          LESubEventCode = 0x02
	LESubEventConnectionUpdateComplete   LESubEventCode = 0x03
	LESubEventReadRemoteFeaturesComplete LESubEventCode = 0x04
	LESubEventLTKRequest                 LESubEventCode = 0x05
	LESubEventExtendedAdvertisingReport  LESubEventCode = 0x0D
	LESubEventPHYUpdateComplete          LESubEventCode = 0x0C
)

// Opcode is OGF(6 bits)<<10 | OCF(10 bits), little-endian on the wire.
type Opcode uint16

func MakeOpcode(ogf uint8, ocf uint16) Opcode {
	return Opcode(uint16(ogf)<<10 | (ocf & 0x03FF))
}

func (op Opcode) OGF() uint8  { return uint8(op >> 10) }
func (op Opcode) OCF() uint16 { return uint16(op) & 0x03FF }

// Well-known opcodes used by this stack.
const (
	OpReset                    = Opcode(0x0C03) // OGF 3 controller&baseband
	OpSetEventMask             = Opcode(0x0C01)
	OpReadBufferSize           = Opcode(0x1005) // OGF 4 informational
	OpDisconnect               = Opcode(0x0406) // OGF 1 link control
	OpLESetEventMask           = Opcode(0x2001) // OGF 8 LE controller
	OpLEReadBufferSize         = Opcode(0x2002)
	OpLESetScanParameters      = Opcode(0x200B)
	OpLESetScanEnable          = Opcode(0x200C)
	OpLECreateConn             = Opcode(0x200D)
	OpLECreateConnCancel       = Opcode(0x200E)
	OpLESetAdvertisingParams   = Opcode(0x2006)
	OpLESetAdvertisingData     = Opcode(0x2008)
	OpLESetScanResponseData    = Opcode(0x2009)
	OpLESetAdvertiseEnable     = Opcode(0x200A)
	OpLELTKReqReply            = Opcode(0x201A)
	OpLELTKReqNegReply         = Opcode(0x201B)
	OpLEStartEncryption        = Opcode(0x2019)
	OpLEConnUpdate             = Opcode(0x2013)
)

// ACL packet-boundary flags, packed into the high nibble of byte 2 of the
// ACL header alongside the upper 4 bits of the connection handle.
const (
	ACLFlagFirstNonFlushable = 0x0
	ACLFlagContinuing        = 0x1
	ACLFlagFirstFlushable    = 0x2
)
