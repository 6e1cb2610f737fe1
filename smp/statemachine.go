package smp

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corebt/ble/buf"
	"github.com/corebt/ble/errs"
)

var log = logrus.WithField("pkg", "smp")

// State is one of the enumerated SMP pairing states. The
// state machine dispatches on the inbound PDU's Code and rejects any PDU
// invalid for the current state with a ProtocolError.
type State uint8

const (
	StateIdle State = iota
	StateFeatureExchangeStarted
	StateFeatureExchangeCompleted
	StatePasskeyExpected
	StateNumericCompareExpected
	StatePasskeyNotify
	StateOOBExpected
	StateKeyDistribution
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateFeatureExchangeStarted:
		return "FeatureExchangeStarted"
	case StateFeatureExchangeCompleted:
		return "FeatureExchangeCompleted"
	case StatePasskeyExpected:
		return "PasskeyExpected"
	case StateNumericCompareExpected:
		return "NumericCompareExpected"
	case StatePasskeyNotify:
		return "PasskeyNotify"
	case StateOOBExpected:
		return "OOBExpected"
	case StateKeyDistribution:
		return "KeyDistribution"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

const watchdogTimeout = 3 * time.Second
const legacyRetryCount = 1

// Callbacks lets the application answer the IO-capability decisions the
// state machine raises mid-pairing. Every method is
// invoked from the state machine's own goroutine and must not block
// indefinitely.
type Callbacks struct {
	PasskeyExpected       func() (uint32, error)
	NumericCompareExpected func(value uint32) (bool, error)
	PasskeyNotify         func(value uint32)
}

// Channel is the SMP fixed-channel transport a StateMachine drives.
type Channel interface {
	io.Reader
	io.Writer
}

// Config bundles the fixed inputs a pairing attempt needs.
type Config struct {
	LocalAddr, RemoteAddr   buf.Addr
	LocalAddrType, RemoteAddrType uint8
	IOCapability            IOCapability
	MITM                    bool
	BondingFlag             bool
	OwnSC                   bool
	Role                    Role
	Channel                 Channel
	Callbacks               Callbacks
	Store                   *Store
}

// StateMachine drives one SMP pairing attempt to Completed or Failed.
type StateMachine struct {
	cfg Config

	mu    sync.Mutex
	state State

	preq, pres []byte
	legacy     bool
	mitmAgreed bool

	tk       [16]byte
	confirm  [16]byte
	rand16   [16]byte
	peerRand [16]byte
	peerConfirm [16]byte

	ecdh      *ECDHKeyPair
	peerPub   PublicKey
	dhKey     []byte
	macKey    [16]byte
	ltkSC     [16]byte

	bundle *KeyBin

	pendingLTK  *[16]byte
	pendingIRK  *[16]byte
	pendingCSRK *[16]byte

	watchdog *time.Timer
	retries  int

	done chan struct{}
	err  error
}

// New creates a StateMachine in StateIdle.
func New(cfg Config) *StateMachine {
	return &StateMachine{cfg: cfg, state: StateIdle, done: make(chan struct{})}
}

// State reports the current pairing state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Wait blocks until the state machine reaches Completed or Failed.
func (m *StateMachine) Wait(ctx context.Context) (*KeyBin, error) {
	select {
	case <-m.done:
		return m.bundle, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *StateMachine) transition(s State) {
	log.WithFields(logrus.Fields{"from": m.state, "to": s}).Debug("smp state transition")
	m.state = s
}

// Start begins pairing, sending the initial Pairing Request (initiator)
// or waiting to read one (responder), then reads inbound
// PDUs until completion.
func (m *StateMachine) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *StateMachine) run(ctx context.Context) {
	defer close(m.done)

	if existing, err := m.cfg.Store.Read(m.cfg.LocalAddr, m.cfg.RemoteAddr); err == nil && existing.Valid {
		existing.PairingMode = PairingModePrePaired
		m.bundle = existing
		m.mu.Lock()
		m.transition(StateCompleted)
		m.mu.Unlock()
		return
	}

	if m.cfg.Role == RoleInitiator {
		req := PairingReqRsp{
			IOCap:       m.cfg.IOCapability,
			AuthReq:     m.authReq(),
			MaxKeySize:  16,
			InitKeyDist: KeyDistEncKey | KeyDistIDKey | KeyDistSign,
			RespKeyDist: KeyDistEncKey | KeyDistIDKey | KeyDistSign,
		}
		m.preq = MarshalPairingRequest(req)
		if _, err := m.cfg.Channel.Write(m.preq); err != nil {
			m.fail(0, err)
			return
		}
	}
	m.mu.Lock()
	m.transition(StateFeatureExchangeStarted)
	m.mu.Unlock()

	rxBuf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			m.fail(0, ctx.Err())
			return
		default:
		}
		n, err := m.cfg.Channel.Read(rxBuf)
		if err != nil {
			m.fail(0, err)
			return
		}
		if m.handle(ctx, rxBuf[:n]) {
			return
		}
	}
}

func (m *StateMachine) authReq() uint8 {
	a := AuthReqBonding
	if m.cfg.MITM {
		a |= AuthReqMITM
	}
	if m.cfg.OwnSC {
		a |= AuthReqSC
	}
	return a
}

// handle dispatches one inbound PDU and returns true once the state
// machine has reached a terminal state.
func (m *StateMachine) handle(ctx context.Context, raw []byte) bool {
	code, val, err := Parse(raw)
	if err != nil {
		m.fail(uint8(ReasonInvalidParameters), &errs.ProtocolError{Layer: "smp", Detail: err.Error()})
		return true
	}

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch code {
	case CodePairingRequest:
		if state != StateFeatureExchangeStarted || m.cfg.Role != RoleResponder {
			return m.reject(state, code)
		}
		req := val.(PairingReqRsp)
		m.preq = raw
		return m.respondToPairingRequest(req)

	case CodePairingResponse:
		if state != StateFeatureExchangeStarted || m.cfg.Role != RoleInitiator {
			return m.reject(state, code)
		}
		rsp := val.(PairingReqRsp)
		m.pres = raw
		return m.onPairingResponse(rsp)

	case CodePairingConfirm:
		if state != StateFeatureExchangeCompleted && state != StateKeyDistribution {
			return m.reject(state, code)
		}
		v := val.(Value16)
		m.peerConfirm = v.V
		return m.onPairingConfirm(ctx)

	case CodePairingRandom:
		if state != StateFeatureExchangeCompleted && state != StatePasskeyExpected &&
			state != StateNumericCompareExpected && state != StatePasskeyNotify {
			return m.reject(state, code)
		}
		v := val.(Value16)
		m.peerRand = v.V
		return m.onPairingRandom()

	case CodePairingPublicKey:
		if state != StateFeatureExchangeCompleted {
			return m.reject(state, code)
		}
		m.peerPub = val.(PublicKey)
		return m.onPublicKey()

	case CodePairingDhKeyCheck:
		if state != StateNumericCompareExpected && state != StateKeyDistribution {
			return m.reject(state, code)
		}
		return m.onDHKeyCheck(val.(Value16).V)

	case CodePairingFailed:
		reason := val.(FailReason)
		m.fail(uint8(reason), &errs.SmpFailed{Reason: uint8(reason)})
		return true

	case CodeEncryptionInformation:
		v := val.(Value16)
		m.pendingLTK = &v.V
		return false

	case CodeMasterIdentification:
		mi := val.(MasterIdentification)
		return m.onMasterIdentification(mi)

	case CodeIdentityInformation:
		v := val.(Value16)
		m.pendingIRK = &v.V
		return false

	case CodeIdentityAddressInformation:
		return false

	case CodeSigningInformation:
		v := val.(Value16)
		m.pendingCSRK = &v.V
		return false

	case CodeSecurityRequest:
		return false

	case CodeKeypressNotification:
		return false

	default:
		return m.reject(state, code)
	}
}

func (m *StateMachine) reject(state State, code Code) bool {
	log.WithFields(logrus.Fields{"state": state, "code": code}).Warn("smp: pdu invalid for current state")
	m.fail(uint8(ReasonInvalidParameters), &errs.ProtocolError{Layer: "smp", Detail: "pdu invalid for state"})
	return true
}

func (m *StateMachine) fail(reason uint8, err error) {
	m.mu.Lock()
	m.transition(StateFailed)
	m.mu.Unlock()
	m.stopWatchdog()
	m.err = err
	if m.cfg.Store != nil {
		_ = m.cfg.Store.Remove(m.cfg.LocalAddr, m.cfg.RemoteAddr)
	}
	if reason != 0 {
		_, _ = m.cfg.Channel.Write(MarshalPairingFailed(FailReason(reason)))
	}
}

func (m *StateMachine) complete() {
	m.mu.Lock()
	m.transition(StateCompleted)
	m.mu.Unlock()
	m.stopWatchdog()
	if m.cfg.Store != nil && m.bundle != nil {
		m.bundle.Valid = true
		if err := m.cfg.Store.Write(m.bundle); err != nil {
			log.WithError(err).Warn("smp: failed to persist key bundle")
		}
	}
}

func (m *StateMachine) armWatchdog() {
	m.watchdog = time.AfterFunc(watchdogTimeout, m.onWatchdog)
}

func (m *StateMachine) stopWatchdog() {
	if m.watchdog != nil {
		m.watchdog.Stop()
	}
}

// onWatchdog fires if key distribution does not complete in time. On
// Legacy pairing some controllers omit the final "new key" management
// notification, so the first timeout is treated as a transient miss and
// retried once; a second timeout, or any SC timeout, is terminal.
func (m *StateMachine) onWatchdog() {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != StateKeyDistribution {
		return
	}
	if m.legacy && m.retries < legacyRetryCount {
		m.retries++
		log.Warn("smp: key distribution watchdog fired, retrying (legacy mitigation)")
		m.armWatchdog()
		return
	}
	m.fail(uint8(ReasonUnspecifiedReason), fmt.Errorf("smp: key distribution watchdog timeout"))
}
