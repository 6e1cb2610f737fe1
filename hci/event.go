package hci

import (
	"fmt"

	"github.com/corebt/ble/buf"
)

// EventHeader is the 2-byte header prefixing every Event frame's
// parameters: event code and parameter length.
type EventHeader struct {
	Code EventCode
	Plen uint8
}

func ParseEventHeader(b []byte) (EventHeader, []byte, error) {
	r := buf.NewReader(b)
	code, err := r.U8()
	if err != nil {
		return EventHeader{}, nil, err
	}
	plen, err := r.U8()
	if err != nil {
		return EventHeader{}, nil, err
	}
	if r.Len() < int(plen) {
		return EventHeader{}, nil, fmt.Errorf("hci: event plen %d exceeds buffer", plen)
	}
	return EventHeader{Code: EventCode(code), Plen: plen}, r.Bytes()[:plen], nil
}

// CommandCompleteEvent carries the return parameters for the opcode at
// the head of the command queue.
type CommandCompleteEvent struct {
	NumHCICommandPackets uint8
	Opcode               Opcode
	ReturnParameters      []byte
}

func ParseCommandComplete(b []byte) (CommandCompleteEvent, error) {
	r := buf.NewReader(b)
	n, err := r.U8()
	if err != nil {
		return CommandCompleteEvent{}, err
	}
	op, err := r.U16()
	if err != nil {
		return CommandCompleteEvent{}, err
	}
	return CommandCompleteEvent{NumHCICommandPackets: n, Opcode: Opcode(op), ReturnParameters: r.Rest()}, nil
}

// CommandStatusEvent signals early acceptance/rejection of a command
// whose final result arrives asynchronously (e.g. LE Create Connection).
type CommandStatusEvent struct {
	Status               uint8
	NumHCICommandPackets uint8
	Opcode               Opcode
}

func ParseCommandStatus(b []byte) (CommandStatusEvent, error) {
	r := buf.NewReader(b)
	status, err := r.U8()
	if err != nil {
		return CommandStatusEvent{}, err
	}
	n, err := r.U8()
	if err != nil {
		return CommandStatusEvent{}, err
	}
	op, err := r.U16()
	if err != nil {
		return CommandStatusEvent{}, err
	}
	return CommandStatusEvent{Status: status, NumHCICommandPackets: n, Opcode: Opcode(op)}, nil
}

// DisconnectionCompleteEvent reports a connection handle has torn down.
type DisconnectionCompleteEvent struct {
	Status           uint8
	ConnectionHandle uint16
	Reason           uint8
}

func ParseDisconnectionComplete(b []byte) (DisconnectionCompleteEvent, error) {
	r := buf.NewReader(b)
	var ev DisconnectionCompleteEvent
	var err error
	if ev.Status, err = r.U8(); err != nil {
		return ev, err
	}
	if ev.ConnectionHandle, err = r.U16(); err != nil {
		return ev, err
	}
	ev.ConnectionHandle &= 0x0FFF
	ev.Reason, err = r.U8()
	return ev, err
}

// CompletedPkt is one (handle, count) pair within a Number Of Completed
// Packets event, used for ACL write-credit pacing.
type CompletedPkt struct {
	ConnectionHandle uint16
	NumCompleted     uint16
}

type NumberOfCompletedPktsEvent struct {
	Packets []CompletedPkt
}

func ParseNumberOfCompletedPkts(b []byte) (NumberOfCompletedPktsEvent, error) {
	r := buf.NewReader(b)
	n, err := r.U8()
	if err != nil {
		return NumberOfCompletedPktsEvent{}, err
	}
	ev := NumberOfCompletedPktsEvent{Packets: make([]CompletedPkt, 0, n)}
	for i := 0; i < int(n); i++ {
		h, err := r.U16()
		if err != nil {
			return ev, err
		}
		c, err := r.U16()
		if err != nil {
			return ev, err
		}
		ev.Packets = append(ev.Packets, CompletedPkt{ConnectionHandle: h & 0x0FFF, NumCompleted: c})
	}
	return ev, nil
}

// LEConnectionCompleteEvent is LE Meta sub-event 0x01.
type LEConnectionCompleteEvent struct {
	Status              uint8
	ConnectionHandle    uint16
	Role                uint8
	PeerAddressType     uint8
	PeerAddress         buf.Addr
	ConnInterval        uint16
	ConnLatency         uint16
	SupervisionTimeout  uint16
	MasterClockAccuracy uint8
}

func parseLEConnectionComplete(r *buf.Reader) (LEConnectionCompleteEvent, error) {
	var ev LEConnectionCompleteEvent
	var err error
	if ev.Status, err = r.U8(); err != nil {
		return ev, err
	}
	if ev.ConnectionHandle, err = r.U16(); err != nil {
		return ev, err
	}
	ev.ConnectionHandle &= 0x0FFF
	if ev.Role, err = r.U8(); err != nil {
		return ev, err
	}
	if ev.PeerAddressType, err = r.U8(); err != nil {
		return ev, err
	}
	if ev.PeerAddress, err = r.Addr(); err != nil {
		return ev, err
	}
	if ev.ConnInterval, err = r.U16(); err != nil {
		return ev, err
	}
	if ev.ConnLatency, err = r.U16(); err != nil {
		return ev, err
	}
	if ev.SupervisionTimeout, err = r.U16(); err != nil {
		return ev, err
	}
	ev.MasterClockAccuracy, err = r.U8()
	return ev, err
}

// AdvertisingReport is one report within an LE Advertising Report event.
type AdvertisingReport struct {
	EventType   uint8
	AddressType uint8
	Address     buf.Addr
	Data        []byte
	RSSI        int8
}

const (
	AdvInd        = 0x00
	AdvDirectInd  = 0x01
	AdvScanInd    = 0x02
	AdvNonconnInd = 0x03
	AdvScanRsp    = 0x04
)

func (r AdvertisingReport) Connectable() bool {
	return r.EventType == AdvInd || r.EventType == AdvDirectInd
}
func (r AdvertisingReport) Scannable() bool {
	return r.EventType == AdvInd || r.EventType == AdvScanInd
}
func (r AdvertisingReport) IsScanResponse() bool { return r.EventType == AdvScanRsp }

type LEAdvertisingReportEvent struct {
	Reports []AdvertisingReport
}

func parseLEAdvertisingReport(r *buf.Reader) (LEAdvertisingReportEvent, error) {
	n, err := r.U8()
	if err != nil {
		return LEAdvertisingReportEvent{}, err
	}
	num := int(n)
	evType := make([]uint8, num)
	addrType := make([]uint8, num)
	addr := make([]buf.Addr, num)
	dlen := make([]uint8, num)
	for i := 0; i < num; i++ {
		if evType[i], err = r.U8(); err != nil {
			return LEAdvertisingReportEvent{}, err
		}
	}
	for i := 0; i < num; i++ {
		if addrType[i], err = r.U8(); err != nil {
			return LEAdvertisingReportEvent{}, err
		}
	}
	for i := 0; i < num; i++ {
		if addr[i], err = r.Addr(); err != nil {
			return LEAdvertisingReportEvent{}, err
		}
	}
	for i := 0; i < num; i++ {
		if dlen[i], err = r.U8(); err != nil {
			return LEAdvertisingReportEvent{}, err
		}
	}
	reports := make([]AdvertisingReport, num)
	for i := 0; i < num; i++ {
		data, err := r.Slice(int(dlen[i]))
		if err != nil {
			return LEAdvertisingReportEvent{}, err
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		reports[i] = AdvertisingReport{EventType: evType[i], AddressType: addrType[i], Address: addr[i], Data: cp}
	}
	for i := 0; i < num; i++ {
		rssi, err := r.I8()
		if err != nil {
			return LEAdvertisingReportEvent{}, err
		}
		reports[i].RSSI = rssi
	}
	return LEAdvertisingReportEvent{Reports: reports}, nil
}

// LEConnectionUpdateCompleteEvent is LE Meta sub-event 0x03.
type LEConnectionUpdateCompleteEvent struct {
	Status             uint8
	ConnectionHandle   uint16
	ConnInterval       uint16
	ConnLatency        uint16
	SupervisionTimeout uint16
}

func parseLEConnectionUpdateComplete(r *buf.Reader) (LEConnectionUpdateCompleteEvent, error) {
	var ev LEConnectionUpdateCompleteEvent
	var err error
	if ev.Status, err = r.U8(); err != nil {
		return ev, err
	}
	if ev.ConnectionHandle, err = r.U16(); err != nil {
		return ev, err
	}
	ev.ConnectionHandle &= 0x0FFF
	if ev.ConnInterval, err = r.U16(); err != nil {
		return ev, err
	}
	if ev.ConnLatency, err = r.U16(); err != nil {
		return ev, err
	}
	ev.SupervisionTimeout, err = r.U16()
	return ev, err
}

// LEReadRemoteFeaturesCompleteEvent is LE Meta sub-event 0x04.
type LEReadRemoteFeaturesCompleteEvent struct {
	Status           uint8
	ConnectionHandle uint16
	LEFeatures       uint64
}

func parseLEReadRemoteFeaturesComplete(r *buf.Reader) (LEReadRemoteFeaturesCompleteEvent, error) {
	var ev LEReadRemoteFeaturesCompleteEvent
	var err error
	if ev.Status, err = r.U8(); err != nil {
		return ev, err
	}
	if ev.ConnectionHandle, err = r.U16(); err != nil {
		return ev, err
	}
	ev.ConnectionHandle &= 0x0FFF
	ev.LEFeatures, err = r.U64()
	return ev, err
}

// LELTKRequestEvent is LE Meta sub-event 0x05: the controller, acting as
// responder, asks the host for the LTK matching (Rand, EDIV).
type LELTKRequestEvent struct {
	ConnectionHandle uint16
	Rand             uint64
	EDIV             uint16
}

func parseLELTKRequest(r *buf.Reader) (LELTKRequestEvent, error) {
	var ev LELTKRequestEvent
	var err error
	if ev.ConnectionHandle, err = r.U16(); err != nil {
		return ev, err
	}
	ev.ConnectionHandle &= 0x0FFF
	if ev.Rand, err = r.U64(); err != nil {
		return ev, err
	}
	ev.EDIV, err = r.U16()
	return ev, err
}

// LEPHYUpdateCompleteEvent is LE Meta sub-event 0x0C.
type LEPHYUpdateCompleteEvent struct {
	Status           uint8
	ConnectionHandle uint16
	TxPHY            uint8
	RxPHY            uint8
}

func parseLEPHYUpdateComplete(r *buf.Reader) (LEPHYUpdateCompleteEvent, error) {
	var ev LEPHYUpdateCompleteEvent
	var err error
	if ev.Status, err = r.U8(); err != nil {
		return ev, err
	}
	if ev.ConnectionHandle, err = r.U16(); err != nil {
		return ev, err
	}
	ev.ConnectionHandle &= 0x0FFF
	if ev.TxPHY, err = r.U8(); err != nil {
		return ev, err
	}
	ev.RxPHY, err = r.U8()
	return ev, err
}

// LEMetaEvent is the demultiplexed LE Meta event: SubEvent identifies
// which of the typed payloads below is populated.
type LEMetaEvent struct {
	SubEvent               LESubEventCode
	ConnectionComplete     *LEConnectionCompleteEvent
	AdvertisingReport      *LEAdvertisingReportEvent
	ConnectionUpdate       *LEConnectionUpdateCompleteEvent
	ReadRemoteFeatures     *LEReadRemoteFeaturesCompleteEvent
	LTKRequest             *LELTKRequestEvent
	PHYUpdateComplete      *LEPHYUpdateCompleteEvent
}

func ParseLEMeta(b []byte) (LEMetaEvent, error) {
	r := buf.NewReader(b)
	sub, err := r.U8()
	if err != nil {
		return LEMetaEvent{}, err
	}
	ev := LEMetaEvent{SubEvent: LESubEventCode(sub)}
	switch ev.SubEvent {
	case LESubEventConnectionComplete:
		v, err := parseLEConnectionComplete(r)
		if err != nil {
			return ev, err
		}
		ev.ConnectionComplete = &v
	case LESubEventAdvertisingReport:
		v, err := parseLEAdvertisingReport(r)
		if err != nil {
			return ev, err
		}
		ev.AdvertisingReport = &v
	case LESubEventConnectionUpdateComplete:
		v, err := parseLEConnectionUpdateComplete(r)
		if err != nil {
			return ev, err
		}
		ev.ConnectionUpdate = &v
	case LESubEventReadRemoteFeaturesComplete:
		v, err := parseLEReadRemoteFeaturesComplete(r)
		if err != nil {
			return ev, err
		}
		ev.ReadRemoteFeatures = &v
	case LESubEventLTKRequest:
		v, err := parseLELTKRequest(r)
		if err != nil {
			return ev, err
		}
		ev.LTKRequest = &v
	case LESubEventPHYUpdateComplete:
		v, err := parseLEPHYUpdateComplete(r)
		if err != nil {
			return ev, err
		}
		ev.PHYUpdateComplete = &v
	default:
		return ev, fmt.Errorf("hci: unhandled LE sub-event 0x%02X", sub)
	}
	return ev, nil
}
