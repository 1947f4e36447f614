// Package crypto implements the per-connection authenticated key exchange
// and record-layer encryption: Ed25519 identity, X25519 ECDH session key
// agreement, XChaCha20-Poly1305 AEAD framing, and the Argon2id-based
// password mode. None of this package logs — callers decide what to do
// with returned errors (propagation policy: leaves run the errors up).
package crypto

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// Error kinds, mirroring the Crypto{} family in the error taxonomy.
var (
	ErrKeyExchangeIncomplete = errors.New("crypto: key exchange incomplete")
	ErrAuthFailed            = errors.New("crypto: authentication failed")
	ErrNonceExhausted        = errors.New("crypto: nonce counter exhausted")
	ErrBufferTooSmall        = errors.New("crypto: ciphertext buffer too small")
)

const (
	// SessionKeySize is the derived symmetric key length.
	SessionKeySize = 32
	// nonceCounterSize is the width of the on-wire nonce counter prefix.
	nonceCounterSize = 8
	// noncePrefixSize is the width of the per-session, per-direction random
	// prefix that fills the rest of the 24-byte XChaCha20 nonce. It is never
	// transmitted — both ends derive it independently from the session key
	// material, which is why it must differ by direction: otherwise the two
	// peers would each start their own counter at 0 under the same key.
	noncePrefixSize = chacha20poly1305.NonceSizeX - nonceCounterSize
	// saltSize is the Argon2id salt length for password mode.
	saltSize = 16
)

// argon2Params are interactive-strength Argon2id parameters.
var (
	argon2Time    uint32 = 2
	argon2Memory  uint32 = 64 * 1024 // 64 MiB
	argon2Threads uint8  = 4
)

// Role distinguishes the two sides of a session key agreement so that each
// side's outbound nonce space never overlaps the other's.
type Role int

const (
	RoleInitiator Role = iota // the client, which sends the first handshake packet
	RoleResponder             // the server
)

// Context holds one connection's identity keys, ephemeral ECDH state,
// derived session key, and strictly monotonic nonce counter. A Context is
// owned by exactly one connection session and mutated only by that
// session's reader/writer pair (see the ordering guarantees in the
// concurrency model).
type Context struct {
	identityPub  ed25519.PublicKey
	identityPriv ed25519.PrivateKey

	ephemeralPriv *ecdh.PrivateKey
	ephemeralPub  *ecdh.PublicKey

	remoteEphemeral *ecdh.PublicKey

	role Role

	sessionKey [SessionKeySize]byte
	aead       cipher.AEAD

	sendPrefix [noncePrefixSize]byte
	recvPrefix [noncePrefixSize]byte

	nonceCounter uint64
	nonceUsed    bool

	hasEphemeral        bool
	peerKeyReceived     bool
	keyExchangeComplete bool
	hasPassword         bool

	passwordSalt [saltSize]byte
}

// NewIdentity generates a fresh Ed25519 identity key pair.
func NewIdentity() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// InitPubkeyMode loads the given long-term identity and generates a fresh
// ephemeral X25519 key pair for this connection. role must match which side
// of the handshake this context will drive.
func InitPubkeyMode(role Role, pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Context, error) {
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ephemeral key: %w", err)
	}
	return &Context{
		role:          role,
		identityPub:   pub,
		identityPriv:  priv,
		ephemeralPriv: eph,
		ephemeralPub:  eph.PublicKey(),
		hasEphemeral:  true,
	}, nil
}

// InitPasswordMode derives the session key immediately from a shared
// password, skipping identity-based ECDH entirely. The salt is derived
// deterministically from the password itself so both sides, without any
// out-of-band exchange, compute the same salt and therefore the same key.
func InitPasswordMode(role Role, password string) (*Context, error) {
	c := &Context{role: role, hasPassword: true}
	h, err := blake2b.New256([]byte("asciiconf-password-salt"))
	if err != nil {
		return nil, err
	}
	h.Write([]byte(password))
	copy(c.passwordSalt[:], h.Sum(nil)[:saltSize])

	key := argon2.IDKey([]byte(password), c.passwordSalt[:], argon2Time, argon2Memory, argon2Threads, SessionKeySize)
	copy(c.sessionKey[:], key)
	if err := c.finishKeyAgreement(key); err != nil {
		return nil, err
	}
	return c, nil
}

// EphemeralPublicKey returns this context's ephemeral X25519 public key.
func (c *Context) EphemeralPublicKey() []byte {
	if !c.hasEphemeral {
		return nil
	}
	return c.ephemeralPub.Bytes()
}

// IdentityPublicKey returns the long-term Ed25519 identity public key.
func (c *Context) IdentityPublicKey() ed25519.PublicKey {
	return c.identityPub
}

// Sign signs msg with the long-term identity key.
func (c *Context) Sign(msg []byte) []byte {
	return ed25519.Sign(c.identityPriv, msg)
}

// SetPeerEphemeral computes the ECDH shared secret against the peer's
// ephemeral public key, derives the session key via a KDF over
// shared_secret || our_pk || their_pk, and marks key exchange complete.
func (c *Context) SetPeerEphemeral(peerPub []byte) error {
	remote, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return fmt.Errorf("crypto: invalid peer ephemeral key: %w", err)
	}
	shared, err := c.ephemeralPriv.ECDH(remote)
	if err != nil {
		return fmt.Errorf("crypto: ecdh: %w", err)
	}
	c.remoteEphemeral = remote
	c.peerKeyReceived = true

	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	h.Write(shared)
	h.Write(c.ephemeralPub.Bytes())
	h.Write(peerPub)
	key := h.Sum(nil)
	copy(c.sessionKey[:], key[:SessionKeySize])

	return c.finishKeyAgreement(c.sessionKey[:])
}

// finishKeyAgreement derives the AEAD and the two directional nonce
// prefixes from the agreed key material, then marks the context ready.
func (c *Context) finishKeyAgreement(keyMaterial []byte) error {
	aead, err := chacha20poly1305.NewX(c.sessionKey[:])
	if err != nil {
		return fmt.Errorf("crypto: init aead: %w", err)
	}
	c.aead = aead

	c2s := derivePrefix(keyMaterial, "asciiconf-nonce-c2s")
	s2c := derivePrefix(keyMaterial, "asciiconf-nonce-s2c")
	if c.role == RoleInitiator {
		c.sendPrefix, c.recvPrefix = c2s, s2c
	} else {
		c.sendPrefix, c.recvPrefix = s2c, c2s
	}

	c.keyExchangeComplete = true
	return nil
}

func derivePrefix(keyMaterial []byte, label string) [noncePrefixSize]byte {
	h, _ := blake2b.New256([]byte(label))
	h.Write(keyMaterial)
	sum := h.Sum(nil)
	var out [noncePrefixSize]byte
	copy(out[:], sum[:noncePrefixSize])
	return out
}

// Ready reports whether a session key has been established.
func (c *Context) Ready() bool {
	return c.keyExchangeComplete
}

// Encrypt seals plaintext under the session key, using a nonce built from
// this direction's fixed prefix plus the strictly monotonic counter. The
// returned ciphertext layout is [nonce_counter(8) | ciphertext+tag]; only
// the counter travels on the wire; the prefix is never transmitted. The
// counter increments on success; wrapping to 0 after having been used
// exhausts the context permanently.
func (c *Context) Encrypt(plaintext []byte) ([]byte, error) {
	if !c.keyExchangeComplete {
		return nil, ErrKeyExchangeIncomplete
	}
	if c.nonceUsed && c.nonceCounter == 0 {
		return nil, ErrNonceExhausted
	}

	nonce := c.buildNonce(c.sendPrefix, c.nonceCounter)
	ct := c.aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, nonceCounterSize+len(ct))
	binary.BigEndian.PutUint64(out[:nonceCounterSize], c.nonceCounter)
	copy(out[nonceCounterSize:], ct)

	c.nonceUsed = true
	c.nonceCounter++
	return out, nil
}

// Decrypt verifies and opens a ciphertext produced by the peer's Encrypt.
func (c *Context) Decrypt(ciphertext []byte) ([]byte, error) {
	if !c.keyExchangeComplete {
		return nil, ErrKeyExchangeIncomplete
	}
	if len(ciphertext) < nonceCounterSize+c.aead.Overhead() {
		return nil, ErrBufferTooSmall
	}
	counter := binary.BigEndian.Uint64(ciphertext[:nonceCounterSize])
	nonce := c.buildNonce(c.recvPrefix, counter)

	pt, err := c.aead.Open(nil, nonce, ciphertext[nonceCounterSize:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

func (c *Context) buildNonce(prefix [noncePrefixSize]byte, counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, prefix[:])
	binary.BigEndian.PutUint64(nonce[noncePrefixSize:], counter)
	return nonce
}

// VerifyPassword constant-time compares the Argon2id derivation of input
// (under this context's salt) against the already-derived session key.
// Only meaningful in password mode.
func (c *Context) VerifyPassword(input string) bool {
	candidate := argon2.IDKey([]byte(input), c.passwordSalt[:], argon2Time, argon2Memory, argon2Threads, SessionKeySize)
	return subtle.ConstantTimeCompare(candidate, c.sessionKey[:]) == 1
}

// ConstantTimeEqual is the constant-time equality primitive used for all
// MAC and fingerprint comparisons outside the AEAD itself (e.g. the
// password-mode challenge proof check in the handshake).
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
