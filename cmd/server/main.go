// Command server accepts connections, runs the authenticated key exchange
// with each, and relays ASCII video, image, and audio frames between every
// connected participant through a single shared hub.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"

	"asciiconf/internal/config"
	"asciiconf/internal/crypto"
	"asciiconf/internal/handshake"
	"asciiconf/internal/hub"
	"asciiconf/internal/keysource"
	"asciiconf/internal/session"
	"asciiconf/internal/wire"
)

// Exit codes, per the CLI contract shared by both binaries.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitIOError       = 2
	exitHandshakeFail = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("address", "", "listen address (overrides config network.address/port)")
	configPath := flag.String("config", "asciiconf.toml", "path to the TOML config file")
	key := flag.String("key", "", "password or key reference (hex Ed25519 identity, github:/gitlab:/ssh-ed25519; otherwise treated as a shared password)")
	clientKeys := flag.String("client-keys", "", "path to a newline-delimited allowlist of authorized client identity keys")
	noEncrypt := flag.Bool("no-encrypt", false, "disable the record-layer encryption entirely (testing only)")
	flag.Parse()

	cfg, err := config.LoadIfExists(*configPath, true)
	if err != nil {
		log.Printf("[server] config: %v", err)
		return exitConfigError
	}
	listenAddr := fmt.Sprintf("%s:%d", cfg.Network.Address, cfg.Network.Port)
	if *addr != "" {
		listenAddr = *addr
	}

	var allowlist []ed25519.PublicKey
	if *clientKeys != "" {
		data, err := os.ReadFile(*clientKeys)
		if err != nil {
			log.Printf("[server] read client-keys: %v", err)
			return exitConfigError
		}
		allowlist, err = keysource.ResolveAll(string(data), nil)
		if err != nil {
			log.Printf("[server] resolve client-keys: %v", err)
			return exitConfigError
		}
	}

	var identityPub ed25519.PublicKey
	var identityPriv ed25519.PrivateKey
	var password string
	usePassword := false

	switch classifyKeyLiteral(*key) {
	case keyLiteralEmpty:
		identityPub, identityPriv, err = crypto.NewIdentity()
	case keyLiteralIdentityHex:
		identityPriv, err = parsePrivateKeyHex(*key)
		if err == nil {
			identityPub = identityPriv.Public().(ed25519.PublicKey)
		}
	case keyLiteralReference:
		// A key reference only yields a public key, never material this
		// process can sign with, so it augments the client allowlist
		// (a single trusted peer specified inline) while a fresh identity
		// is generated for this process itself.
		var pinned ed25519.PublicKey
		pinned, err = keysource.Resolve(*key, nil)
		if err == nil {
			allowlist = append(allowlist, pinned)
			identityPub, identityPriv, err = crypto.NewIdentity()
		}
	default:
		usePassword = true
		password = *key
	}
	if err != nil {
		log.Printf("[server] key: %v", err)
		return exitConfigError
	}

	allow := func(peer ed25519.PublicKey) bool {
		if len(allowlist) == 0 {
			return true // no allowlist configured: accept any identity
		}
		for _, k := range allowlist {
			if k.Equal(peer) {
				return true
			}
		}
		return false
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Printf("[server] listen: %v", err)
		return exitIOError
	}
	defer ln.Close()
	log.Printf("[server] listening on %s", listenAddr)

	h := hub.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return exitOK
			}
			log.Printf("[server] accept: %v", err)
			continue
		}
		go serveConn(conn, h, identityPub, identityPriv, usePassword, password, *noEncrypt, allow)
	}
}

func serveConn(conn net.Conn, h *hub.Hub, identityPub ed25519.PublicKey, identityPriv ed25519.PrivateKey, usePassword bool, password string, noEncrypt bool, allow handshake.AllowlistFunc) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[server] connection panic: %v", r)
		}
	}()

	var cryptoCtx *crypto.Context
	var err error
	if usePassword {
		cryptoCtx, err = crypto.InitPasswordMode(crypto.RoleResponder, password)
	} else {
		cryptoCtx, err = crypto.InitPubkeyMode(crypto.RoleResponder, identityPub, identityPriv)
	}
	if err != nil {
		log.Printf("[server] %s: crypto init: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	sess := session.New(conn, nil)
	go sess.Run()

	var m *handshake.Machine
	if usePassword {
		m = handshake.NewPasswordMachine(handshake.RoleServer, cryptoCtx, handshake.DefaultBudget)
	} else {
		m = handshake.NewPubkeyMachine(handshake.RoleServer, cryptoCtx, allow, handshake.DefaultBudget)
	}

	if err := runServerHandshake(sess, m, usePassword); err != nil {
		log.Printf("[server] %s: handshake failed: %v", conn.RemoteAddr(), err)
		sess.Close()
		return
	}

	if !noEncrypt {
		sess.SetCrypto(cryptoCtx)
	}

	member := h.Join(sess, conn.RemoteAddr().String(), m.PeerIdentity())
	defer h.Leave(member.ID)

	for {
		pkt, err := sess.Recv()
		if err != nil {
			return
		}
		switch pkt.Type {
		case wire.TypeAudioFrame, wire.TypeASCIIFrame, wire.TypeImageFrame:
			h.Relay(member.ID, pkt.Type, pkt.Body)
		case wire.TypePing:
			sess.Send(wire.TypePong, pkt.Body)
		case wire.TypeBye:
			return
		}
	}
}

// runServerHandshake drives the server side of the handshake state machine
// to completion against a single Session, exchanging packets synchronously.
func runServerHandshake(sess *session.Session, m *handshake.Machine, usePassword bool) error {
	if usePassword {
		t, body, err := m.ProduceChallenge()
		if err != nil {
			return err
		}
		if err := sess.Send(t, body); err != nil {
			return err
		}
	} else {
		offer, err := sess.Recv()
		if err != nil {
			return err
		}
		t, body, err := m.HandleOffer(offer.Body)
		if err != nil {
			return err
		}
		if err := sess.Send(t, body); err != nil {
			return err
		}
		t, body, err = m.ProduceChallenge()
		if err != nil {
			return err
		}
		if err := sess.Send(t, body); err != nil {
			return err
		}
	}

	resp, err := sess.Recv()
	if err != nil {
		return err
	}
	t, body, err := m.HandleResponse(resp.Body)
	if err != nil {
		return err
	}
	if err := sess.Send(t, body); err != nil {
		return err
	}
	if m.State() != handshake.Ready {
		return fmt.Errorf("handshake: unexpected final state %s", m.State())
	}
	return nil
}

// keyLiteralKind classifies a --key CLI literal per the combined
// password-or-key-reference contract shared by both binaries.
type keyLiteralKind int

const (
	keyLiteralEmpty keyLiteralKind = iota
	keyLiteralIdentityHex
	keyLiteralReference
	keyLiteralPassword
)

// classifyKeyLiteral decides what a --key value means: nothing supplied,
// a hex-encoded Ed25519 identity to sign with directly, a github:/gitlab:/
// gpg:/ssh-ed25519 reference to a peer's public key, or (the fallback) a
// plain shared password.
func classifyKeyLiteral(literal string) keyLiteralKind {
	if literal == "" {
		return keyLiteralEmpty
	}
	if _, err := parsePrivateKeyHex(literal); err == nil {
		return keyLiteralIdentityHex
	}
	switch {
	case strings.HasPrefix(literal, "github:"),
		strings.HasPrefix(literal, "gitlab:"),
		strings.HasPrefix(literal, "gpg:"),
		strings.HasPrefix(literal, "ssh-ed25519 "):
		return keyLiteralReference
	default:
		return keyLiteralPassword
	}
}

func parsePrivateKeyHex(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key: want %d hex-decoded bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
