// Package handshake implements the ordered key-exchange and authentication
// state machine shared by both ends of a connection: INIT -> KEY_EXCHANGE
// -> AUTHENTICATING -> READY | FAILED.
package handshake

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"asciiconf/internal/crypto"
	"asciiconf/internal/wire"
)

// State is one of the handshake's terminal or intermediate states.
type State int

const (
	Init State = iota
	KeyExchange
	Authenticating
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case KeyExchange:
		return "KEY_EXCHANGE"
	case Authenticating:
		return "AUTHENTICATING"
	case Ready:
		return "READY"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// FailCause explains why a handshake reached Failed.
type FailCause int

const (
	CauseNone FailCause = iota
	CauseUnauthorized
	CauseBadSignature
	CauseBadPassword
	CauseProtocolViolation
	CauseTimeout
)

func (c FailCause) String() string {
	switch c {
	case CauseUnauthorized:
		return "unauthorized"
	case CauseBadSignature:
		return "bad signature"
	case CauseBadPassword:
		return "bad password"
	case CauseProtocolViolation:
		return "protocol violation"
	case CauseTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// DefaultBudget is the wall-clock budget a single handshake has to complete.
const DefaultBudget = 10 * time.Second

// roleTag distinguishes the bytes signed by a client offer from a server
// accept, so one side's signature can never be replayed as the other's.
var (
	roleTagClient = []byte("client")
	roleTagServer = []byte("server")
)

// Role identifies which side of the handshake this machine drives.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// AllowlistFunc reports whether a peer's identity public key is authorized.
// On the client it checks against a single pinned server_key (if any is
// configured); on the server it checks the authorized-clients allowlist.
type AllowlistFunc func(peerIdentity ed25519.PublicKey) bool

// Machine drives one side of the handshake. Both client and server own an
// independent instance; they progress by consuming packets produced by the
// other side (ProduceX) and feeding them to the peer's Handle method.
type Machine struct {
	role  Role
	state State
	cause FailCause

	crypto *crypto.Context

	password bool

	allow AllowlistFunc

	peerIdentity  ed25519.PublicKey
	ourEphemeral  []byte
	localIdentity ed25519.PublicKey

	challenge []byte

	deadline time.Time
}

// NewPubkeyMachine creates a handshake Machine for identity/ECDH mode.
func NewPubkeyMachine(role Role, ctx *crypto.Context, allow AllowlistFunc, budget time.Duration) *Machine {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Machine{
		role:          role,
		state:         Init,
		crypto:        ctx,
		allow:         allow,
		localIdentity: ctx.IdentityPublicKey(),
		deadline:      time.Now().Add(budget),
	}
}

// NewPasswordMachine creates a handshake Machine for password mode, which
// skips identity signatures entirely.
func NewPasswordMachine(role Role, ctx *crypto.Context, budget time.Duration) *Machine {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Machine{
		role:     role,
		state:    Init,
		crypto:   ctx,
		password: true,
		deadline: time.Now().Add(budget),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Cause returns the reason the machine failed, if it has.
func (m *Machine) Cause() FailCause { return m.cause }

// PeerIdentity returns the authenticated peer's identity public key, once
// known. Valid once state has passed KeyExchange in pubkey mode.
func (m *Machine) PeerIdentity() ed25519.PublicKey { return m.peerIdentity }

func (m *Machine) fail(cause FailCause) error {
	m.state = Failed
	m.cause = cause
	return fmt.Errorf("handshake: failed: %s", cause)
}

// checkDeadline fails the machine with CauseTimeout if its budget expired.
func (m *Machine) checkDeadline() error {
	if m.state == Failed || m.state == Ready {
		return nil
	}
	if time.Now().After(m.deadline) {
		return m.fail(CauseTimeout)
	}
	return nil
}

// --- Client-side producers ---

// ProduceOffer builds the client's PUBKEY_OFFER (INIT -> KEY_EXCHANGE).
func (m *Machine) ProduceOffer() (wire.Type, []byte, error) {
	if m.role != RoleClient || m.state != Init || m.password {
		return 0, nil, m.fail(CauseProtocolViolation)
	}
	if err := m.checkDeadline(); err != nil {
		return 0, nil, err
	}
	eph := m.crypto.EphemeralPublicKey()
	sig := m.crypto.Sign(signedOffer(m.localIdentity, eph, roleTagClient))
	body := encodeOfferAccept(m.localIdentity, eph, sig)
	m.state = KeyExchange
	return wire.TypePubkeyOffer, body, nil
}

// HandleAccept consumes the server's PUBKEY_ACCEPT (KEY_EXCHANGE -> Authenticating).
func (m *Machine) HandleAccept(body []byte) error {
	if m.role != RoleClient || m.state != KeyExchange {
		return m.fail(CauseProtocolViolation)
	}
	if err := m.checkDeadline(); err != nil {
		return err
	}
	identity, eph, sig, err := decodeOfferAccept(body)
	if err != nil {
		return m.fail(CauseProtocolViolation)
	}
	if !ed25519.Verify(identity, signedOffer(identity, eph, roleTagServer), sig) {
		return m.fail(CauseBadSignature)
	}
	if m.allow != nil && !m.allow(identity) {
		return m.fail(CauseUnauthorized)
	}
	if err := m.crypto.SetPeerEphemeral(eph); err != nil {
		return m.fail(CauseProtocolViolation)
	}
	m.peerIdentity = identity
	m.state = Authenticating
	return nil
}

// HandleChallenge consumes AUTH_CHALLENGE and produces AUTH_RESPONSE.
func (m *Machine) HandleChallenge(body []byte) (wire.Type, []byte, error) {
	if m.role != RoleClient || (m.state != Authenticating && !(m.password && m.state == Init)) {
		return 0, nil, m.fail(CauseProtocolViolation)
	}
	if err := m.checkDeadline(); err != nil {
		return 0, nil, err
	}
	if len(body) != 32 {
		return 0, nil, m.fail(CauseProtocolViolation)
	}
	m.state = Authenticating
	m.challenge = append([]byte(nil), body...)

	var proof []byte
	if m.password {
		// No identity key in password mode: prove possession of the shared
		// derived key by encrypting the challenge under it instead.
		ct, err := m.crypto.Encrypt(m.challenge)
		if err != nil {
			return 0, nil, m.fail(CauseBadPassword)
		}
		proof = ct
	} else {
		proof = m.crypto.Sign(m.challenge)
	}
	return wire.TypeAuthResponse, proof, nil
}

// HandleSessionReady consumes SESSION_READY (Authenticating -> Ready).
func (m *Machine) HandleSessionReady(_ []byte) error {
	if m.role != RoleClient || m.state != Authenticating {
		return m.fail(CauseProtocolViolation)
	}
	if err := m.checkDeadline(); err != nil {
		return err
	}
	m.state = Ready
	return nil
}

// --- Server-side producers ---

// HandleOffer consumes the client's PUBKEY_OFFER and produces PUBKEY_ACCEPT
// (INIT -> KeyExchange), verifying the offered identity against the
// allowlist before any further packet is sent.
func (m *Machine) HandleOffer(body []byte) (wire.Type, []byte, error) {
	if m.role != RoleServer || m.state != Init || m.password {
		return 0, nil, m.fail(CauseProtocolViolation)
	}
	if err := m.checkDeadline(); err != nil {
		return 0, nil, err
	}
	identity, eph, sig, err := decodeOfferAccept(body)
	if err != nil {
		return 0, nil, m.fail(CauseProtocolViolation)
	}
	if !ed25519.Verify(identity, signedOffer(identity, eph, roleTagClient), sig) {
		return 0, nil, m.fail(CauseBadSignature)
	}
	if m.allow != nil && !m.allow(identity) {
		return 0, nil, m.fail(CauseUnauthorized)
	}
	if err := m.crypto.SetPeerEphemeral(eph); err != nil {
		return 0, nil, m.fail(CauseProtocolViolation)
	}
	m.peerIdentity = identity

	ourEph := m.crypto.EphemeralPublicKey()
	ourSig := m.crypto.Sign(signedOffer(m.localIdentity, ourEph, roleTagServer))
	body2 := encodeOfferAccept(m.localIdentity, ourEph, ourSig)
	m.state = KeyExchange
	return wire.TypePubkeyAccept, body2, nil
}

// ProduceChallenge emits AUTH_CHALLENGE (KeyExchange -> Authenticating).
func (m *Machine) ProduceChallenge() (wire.Type, []byte, error) {
	if m.role != RoleServer || (m.state != KeyExchange && !(m.password && m.state == Init)) {
		return 0, nil, m.fail(CauseProtocolViolation)
	}
	if err := m.checkDeadline(); err != nil {
		return 0, nil, err
	}
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return 0, nil, m.fail(CauseProtocolViolation)
	}
	m.challenge = challenge
	m.state = Authenticating
	return wire.TypeAuthChallenge, challenge, nil
}

// HandleResponse consumes AUTH_RESPONSE and produces SESSION_READY
// (Authenticating -> Ready), or fails.
func (m *Machine) HandleResponse(body []byte) (wire.Type, []byte, error) {
	if m.role != RoleServer || m.state != Authenticating {
		return 0, nil, m.fail(CauseProtocolViolation)
	}
	if err := m.checkDeadline(); err != nil {
		return 0, nil, err
	}

	if m.password {
		if !verifyPasswordMAC(m.crypto, body, m.challenge) {
			return 0, nil, m.fail(CauseBadPassword)
		}
	} else {
		if m.peerIdentity == nil {
			return 0, nil, m.fail(CauseProtocolViolation)
		}
		if !ed25519.Verify(m.peerIdentity, m.challenge, body) {
			return 0, nil, m.fail(CauseBadSignature)
		}
	}
	m.state = Ready
	return wire.TypeSessionReady, nil, nil
}

// verifyPasswordMAC is used by the server side to check a client's password
// proof without requiring a second round trip for decryption mismatches to
// surface as a distinct error: any Decrypt failure is treated as bad
// password.
func verifyPasswordMAC(ctx *crypto.Context, proof, challenge []byte) bool {
	pt, err := ctx.Decrypt(proof)
	if err != nil {
		return false
	}
	return crypto.ConstantTimeEqual(pt, challenge)
}

func signedOffer(identity ed25519.PublicKey, ephemeral []byte, roleTag []byte) []byte {
	out := make([]byte, 0, len(identity)+len(ephemeral)+len(roleTag))
	out = append(out, identity...)
	out = append(out, ephemeral...)
	out = append(out, roleTag...)
	return out
}

func encodeOfferAccept(identity ed25519.PublicKey, ephemeral, sig []byte) []byte {
	out := make([]byte, 0, len(identity)+len(ephemeral)+len(sig))
	out = append(out, identity...)
	out = append(out, ephemeral...)
	out = append(out, sig...)
	return out
}

func decodeOfferAccept(body []byte) (identity ed25519.PublicKey, ephemeral, sig []byte, err error) {
	if len(body) != ed25519.PublicKeySize+32+ed25519.SignatureSize {
		return nil, nil, nil, errors.New("handshake: malformed offer/accept body")
	}
	identity = ed25519.PublicKey(body[0:ed25519.PublicKeySize])
	ephemeral = body[ed25519.PublicKeySize : ed25519.PublicKeySize+32]
	sig = body[ed25519.PublicKeySize+32:]
	return identity, ephemeral, sig, nil
}
