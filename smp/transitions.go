package smp

import (
	"context"
	"crypto/rand"
)

// respondToPairingRequest handles an inbound Pairing Request as
// responder: answers with a Pairing Response and decides Legacy vs SC.
func (m *StateMachine) respondToPairingRequest(req PairingReqRsp) bool {
	m.legacy = req.AuthReq&AuthReqSC == 0 || !m.cfg.OwnSC
	rsp := PairingReqRsp{
		IOCap:       m.cfg.IOCapability,
		AuthReq:     m.authReq(),
		MaxKeySize:  16,
		InitKeyDist: req.InitKeyDist,
		RespKeyDist: req.RespKeyDist,
	}
	m.pres = MarshalPairingResponse(rsp)
	if _, err := m.cfg.Channel.Write(m.pres); err != nil {
		m.fail(0, err)
		return true
	}
	m.mu.Lock()
	m.transition(StateFeatureExchangeCompleted)
	m.mu.Unlock()

	if m.legacy {
		return false // await PairingConfirm from initiator
	}
	return m.beginPublicKeyExchange()
}

// onPairingResponse handles the initiator side of feature exchange.
func (m *StateMachine) onPairingResponse(rsp PairingReqRsp) bool {
	reqAuth := m.authReq()
	m.legacy = rsp.AuthReq&AuthReqSC == 0 || reqAuth&AuthReqSC == 0 || !m.cfg.OwnSC

	m.mu.Lock()
	m.transition(StateFeatureExchangeCompleted)
	m.mu.Unlock()

	if m.legacy {
		return m.beginLegacyConfirm()
	}
	return m.beginPublicKeyExchange()
}

// beginLegacyConfirm generates a local TK/rand and, as initiator, sends
// the first Pairing Confirm.
func (m *StateMachine) beginLegacyConfirm() bool {
	// Just Works / unauthenticated path: TK is all-zero unless a passkey
	// or OOB flow is negotiated via IOCapability matrix.
	switch {
	case m.cfg.IOCapability == IOKeyboardOnly || m.cfg.Callbacks.PasskeyExpected != nil && m.requiresPasskey():
		m.mu.Lock()
		m.transition(StatePasskeyExpected)
		m.mu.Unlock()
		passkey, err := m.cfg.Callbacks.PasskeyExpected()
		if err != nil {
			m.fail(uint8(ReasonPasskeyEntryFailed), err)
			return true
		}
		var tk [16]byte
		tk[12] = byte(passkey >> 24)
		tk[13] = byte(passkey >> 16)
		tk[14] = byte(passkey >> 8)
		tk[15] = byte(passkey)
		m.tk = tk
	default:
		m.tk = [16]byte{}
	}

	if _, err := rand.Read(m.rand16[:]); err != nil {
		m.fail(0, err)
		return true
	}
	confirm, err := c1Confirm(m.tk, m.rand16, m.pres, m.preq,
		m.cfg.RemoteAddrType, m.cfg.LocalAddrType, m.cfg.LocalAddr, m.cfg.RemoteAddr)
	if err != nil {
		m.fail(0, err)
		return true
	}
	m.confirm = confirm

	if m.cfg.Role == RoleInitiator {
		if _, err := m.cfg.Channel.Write(MarshalPairingConfirm(m.confirm)); err != nil {
			m.fail(0, err)
			return true
		}
	}
	return false
}

func (m *StateMachine) requiresPasskey() bool {
	return m.cfg.MITM && m.cfg.IOCapability != IONoInputNoOutput
}

// onPairingConfirm is reached once the peer's confirm value has arrived;
// the responder replies with its own confirm, the initiator proceeds to
// send its random value.
func (m *StateMachine) onPairingConfirm(ctx context.Context) bool {
	if m.cfg.Role == RoleResponder && m.confirm == ([16]byte{}) {
		if m.beginLegacyConfirm() {
			return true
		}
		if _, err := m.cfg.Channel.Write(MarshalPairingConfirm(m.confirm)); err != nil {
			m.fail(0, err)
			return true
		}
		return false
	}
	if _, err := m.cfg.Channel.Write(MarshalPairingRandom(m.rand16)); err != nil {
		m.fail(0, err)
		return true
	}
	return false
}

// onPairingRandom validates the peer's confirm value against their
// disclosed random, then (as responder) sends its own random.
func (m *StateMachine) onPairingRandom() bool {
	if !m.legacy {
		return m.onPairingRandomSC()
	}

	expect, err := c1Confirm(m.tk, m.peerRand, m.pres, m.preq,
		m.cfg.RemoteAddrType, m.cfg.LocalAddrType, m.cfg.LocalAddr, m.cfg.RemoteAddr)
	if err != nil {
		m.fail(0, err)
		return true
	}
	if expect != m.peerConfirm {
		m.fail(uint8(ReasonConfirmValueFailed), &wrongConfirmError{})
		return true
	}

	if m.cfg.Role == RoleResponder {
		if _, err := m.cfg.Channel.Write(MarshalPairingRandom(m.rand16)); err != nil {
			m.fail(0, err)
			return true
		}
	}

	stk, err := s1(m.tk, m.peerRand, m.rand16)
	if err != nil {
		m.fail(0, err)
		return true
	}
	m.ltkSC = stk
	return m.beginKeyDistribution()
}

// onPairingRandomSC validates the peer's SC confirm value via f4, shows
// the user the numeric comparison value via g2, and (responder) sends
// its own random before the comparison is shown.
func (m *StateMachine) onPairingRandomSC() bool {
	expect, err := f4(m.peerPub.X, m.ecdh.PublicCoords().X, m.peerRand, 0)
	if err != nil {
		m.fail(0, err)
		return true
	}
	if expect != m.peerConfirm {
		m.fail(uint8(ReasonConfirmValueFailed), &wrongConfirmError{})
		return true
	}

	if m.cfg.Role == RoleResponder {
		if _, err := m.cfg.Channel.Write(MarshalPairingRandom(m.rand16)); err != nil {
			m.fail(0, err)
			return true
		}
	}

	if m.cfg.Callbacks.NumericCompareExpected != nil {
		value, err := g2(m.ecdh.PublicCoords().X, m.peerPub.X, m.rand16, m.peerRand)
		if err != nil {
			m.fail(0, err)
			return true
		}
		accepted, err := m.cfg.Callbacks.NumericCompareExpected(value)
		if err != nil || !accepted {
			m.fail(uint8(ReasonNumericComparisonFailed), &wrongConfirmError{})
			return true
		}
	}

	return m.sendDHKeyCheck()
}

// sendDHKeyCheck derives MacKey/LTK via f5 and sends this side's DHKey
// check value; onDHKeyCheck validates the peer's check against the same
// derivation once it arrives.
func (m *StateMachine) sendDHKeyCheck() bool {
	a1 := addrField(m.cfg.LocalAddrType, m.cfg.LocalAddr)
	a2 := addrField(m.cfg.RemoteAddrType, m.cfg.RemoteAddr)
	ioCap := [3]byte{uint8(m.cfg.IOCapability), 0, m.authReq()}

	macKey, ltk, err := f5(m.dhKey, m.rand16, m.peerRand, a1, a2)
	if err != nil {
		m.fail(0, err)
		return true
	}
	m.macKey = macKey
	m.ltkSC = ltk

	check, err := f6(m.macKey, m.rand16, m.peerRand, m.peerRand, ioCap, a1, a2)
	if err != nil {
		m.fail(0, err)
		return true
	}
	if _, err := m.cfg.Channel.Write(MarshalPairingDhKeyCheck(check)); err != nil {
		m.fail(0, err)
		return true
	}
	return false
}

// beginPublicKeyExchange starts the SC path.
func (m *StateMachine) beginPublicKeyExchange() bool {
	kp, err := GenerateECDHKeyPair()
	if err != nil {
		m.fail(0, err)
		return true
	}
	m.ecdh = kp
	if _, err := m.cfg.Channel.Write(MarshalPairingPublicKey(kp.PublicCoords())); err != nil {
		m.fail(0, err)
		return true
	}
	return false
}

// onPublicKey completes the ECDH exchange once both public keys are
// known, then proceeds to the Numeric Comparison confirm/check phase
// (the Just Works/Numeric Comparison SC association model; passkey and
// OOB SC models are not implemented).
func (m *StateMachine) onPublicKey() bool {
	secret, err := m.ecdh.SharedSecret(m.peerPub)
	if err != nil {
		m.fail(uint8(ReasonDHKeyCheckFailed), err)
		return true
	}
	m.dhKey = secret

	if _, err := rand.Read(m.rand16[:]); err != nil {
		m.fail(0, err)
		return true
	}
	local := m.ecdh.PublicCoords()
	confirm, err := f4(local.X, m.peerPub.X, m.rand16, 0)
	if err != nil {
		m.fail(0, err)
		return true
	}
	m.confirm = confirm

	m.mu.Lock()
	m.transition(StateNumericCompareExpected)
	m.mu.Unlock()

	if m.cfg.Role == RoleInitiator {
		if _, err := m.cfg.Channel.Write(MarshalPairingConfirm(m.confirm)); err != nil {
			m.fail(0, err)
			return true
		}
	}
	return false
}

// onDHKeyCheck validates the peer's Ea/Eb check value against the one
// sendDHKeyCheck already derived and, if it matches, enters key
// distribution.
func (m *StateMachine) onDHKeyCheck(peerCheck [16]byte) bool {
	a1 := addrField(m.cfg.LocalAddrType, m.cfg.LocalAddr)
	a2 := addrField(m.cfg.RemoteAddrType, m.cfg.RemoteAddr)
	ioCap := [3]byte{uint8(m.cfg.IOCapability), 0, m.authReq()}

	// The peer computed its check with its own address ordering as a1/a2;
	// from this side the roles of a1/a2 swap.
	peerExpect, err := f6(m.macKey, m.peerRand, m.rand16, m.rand16, ioCap, a2, a1)
	if err != nil {
		m.fail(0, err)
		return true
	}
	if peerExpect != peerCheck {
		m.fail(uint8(ReasonDHKeyCheckFailed), &wrongConfirmError{})
		return true
	}
	return m.beginKeyDistribution()
}

func addrField(t uint8, a [6]byte) (out [7]byte) {
	out[0] = t
	copy(out[1:], a[:])
	return out
}

// beginKeyDistribution arms the watchdog and, for the initiator, starts
// sending its own distributed keys; the responder waits for the
// initiator's keys before sending its own.
func (m *StateMachine) beginKeyDistribution() bool {
	m.mu.Lock()
	m.transition(StateKeyDistribution)
	m.mu.Unlock()
	m.armWatchdog()

	m.bundle = &KeyBin{
		SC:            !m.legacy,
		Authenticated: m.cfg.MITM,
		LocalAddr:     m.cfg.LocalAddr,
		LocalType:     m.cfg.LocalAddrType,
		RemoteAddr:    m.cfg.RemoteAddr,
		RemoteType:    m.cfg.RemoteAddrType,
		IOCapability:  m.cfg.IOCapability,
		Role:          m.cfg.Role,
		PairingMode:   PairingModeFresh,
	}
	if !m.legacy {
		m.bundle.LTKResponder = &LTK{Value: m.ltkSC}
	} else if m.cfg.Role == RoleResponder {
		var edivBuf [2]byte
		var randBuf [8]byte
		_, _ = rand.Read(edivBuf[:])
		_, _ = rand.Read(randBuf[:])
		ediv := uint16(edivBuf[0]) | uint16(edivBuf[1])<<8
		var rnd uint64
		for i := 0; i < 8; i++ {
			rnd |= uint64(randBuf[i]) << (8 * i)
		}
		m.bundle.LTKResponder = &LTK{Value: m.ltkSC, EDIV: ediv, Rand: rnd}
		_, _ = m.cfg.Channel.Write(MarshalEncryptionInformation(m.ltkSC))
		_, _ = m.cfg.Channel.Write(MarshalMasterIdentification(MasterIdentification{EDIV: ediv, Rand: rnd}))
	}

	var irk [16]byte
	_, _ = rand.Read(irk[:])
	m.bundle.IRK = &irk
	_, _ = m.cfg.Channel.Write(MarshalIdentityInformation(irk))
	_, _ = m.cfg.Channel.Write(MarshalIdentityAddressInformation(IdentityAddressInformation{
		AddrType: m.cfg.LocalAddrType,
		Addr:     m.cfg.LocalAddr,
	}))

	return m.maybeFinishKeyDistribution()
}

func (m *StateMachine) onMasterIdentification(mi MasterIdentification) bool {
	if m.pendingLTK != nil {
		m.bundle.LTKInitiator = &LTK{Value: *m.pendingLTK, EDIV: mi.EDIV, Rand: mi.Rand}
		m.pendingLTK = nil
	}
	return m.maybeFinishKeyDistribution()
}

// maybeFinishKeyDistribution completes pairing once every key both sides
// advertised in their key-distribution fields has arrived. This
// simplified gate treats IRK receipt as the completion signal for the
// common bonding case (enc + id keys); full per-flag bookkeeping against
// InitKeyDist/RespKeyDist is left for a future pass.
func (m *StateMachine) maybeFinishKeyDistribution() bool {
	if m.pendingIRK == nil {
		return false
	}
	if m.bundle.CSRK == nil && m.pendingCSRK != nil {
		m.bundle.CSRK = m.pendingCSRK
	}
	m.complete()
	return true
}

type wrongConfirmError struct{}

func (*wrongConfirmError) Error() string { return "smp: confirm value mismatch" }
