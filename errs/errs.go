// Package errs holds the typed error taxonomy shared across the HCI,
// L2CAP, SMP, ATT and adapter layers, so callers can
// errors.As/errors.Is against a stable set of types regardless of which
// layer raised the fault.
package errs

import "fmt"

// TransportError wraps a socket-level fault: closed, write failed, or
// framing violated. It cascades a device disconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError marks a malformed PDU, unexpected opcode, or out-of-range
// handle. The offending PDU is dropped and logged; the connection is kept
// open unless the fault repeats.
type ProtocolError struct {
	Layer  string
	Detail string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error (%s): %s", e.Layer, e.Detail) }

// AttError is a normal GATT-level negative response (Core Spec Vol 3
// Part F §3.4.1.1).
type AttError struct {
	Opcode uint8
	Handle uint16
	Code   uint8
}

func (e *AttError) Error() string {
	return fmt.Sprintf("att error: opcode=0x%02X handle=0x%04X code=0x%02X", e.Opcode, e.Handle, e.Code)
}

// SmpFailed marks an aborted pairing attempt. Reason is the peer- or
// locally-raised SMP failure reason code.
type SmpFailed struct {
	Reason uint8
}

func (e *SmpFailed) Error() string { return fmt.Sprintf("smp pairing failed: reason=0x%02X", e.Reason) }

// NotReady means the operation requires a device/connection state that
// has not yet been reached (e.g. write before Ready).
type NotReady struct {
	Op    string
	State string
}

func (e *NotReady) Error() string { return fmt.Sprintf("%s: not ready (state=%s)", e.Op, e.State) }

// InvalidArgument marks a caller contract violation. Never retried.
type InvalidArgument struct {
	Arg    string
	Reason string
}

func (e *InvalidArgument) Error() string { return fmt.Sprintf("invalid argument %s: %s", e.Arg, e.Reason) }

// Cancelled marks an operation aborted by shutdown or explicit close.
type Cancelled struct {
	Op string
}

func (e *Cancelled) Error() string { return fmt.Sprintf("%s: cancelled", e.Op) }
