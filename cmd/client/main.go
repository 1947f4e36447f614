// Command client connects to a server, completes the key exchange, and
// exchanges ASCII video and audio frames with every other connected
// participant via the shared hub running there.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"asciiconf/internal/clientmedia"
	"asciiconf/internal/config"
	"asciiconf/internal/crypto"
	"asciiconf/internal/handshake"
	"asciiconf/internal/keysource"
	"asciiconf/internal/session"
	"asciiconf/internal/wire"
)

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
	addr := flag.String("address", "", "server address host:port (overrides config)")
	configPath := flag.String("config", "asciiconf.toml", "path to the TOML config file")
	key := flag.String("key", "", "password or key reference (hex Ed25519 identity, github:/gitlab:/ssh-ed25519; otherwise treated as a shared password)")
	serverKey := flag.String("server-key", "", "the server's identity key literal; pins it in pubkey mode")
	noEncrypt := flag.Bool("no-encrypt", false, "disable the record-layer encryption entirely (testing only)")
	flag.Parse()

	cfg, err := config.LoadIfExists(*configPath, true)
	if err != nil {
		log.Printf("[client] config: %v", err)
		return exitConfigError
	}
	dialAddr := fmt.Sprintf("%s:%d", cfg.Network.Address, cfg.Network.Port)
	if *addr != "" {
		dialAddr = *addr
	}

	var identityPub ed25519.PublicKey
	var identityPriv ed25519.PrivateKey
	var password string
	var pinnedServerKey ed25519.PublicKey
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
		// process can sign with, so it pins the expected server identity
		// (the same role --server-key plays) while a fresh identity is
		// generated for this process itself.
		pinnedServerKey, err = keysource.Resolve(*key, nil)
		if err == nil {
			identityPub, identityPriv, err = crypto.NewIdentity()
		}
	default:
		usePassword = true
		password = *key
	}
	if err != nil {
		log.Printf("[client] key: %v", err)
		return exitConfigError
	}

	if !usePassword && *serverKey != "" {
		pinnedServerKey, err = keysource.Resolve(*serverKey, nil)
		if err != nil {
			log.Printf("[client] server-key: %v", err)
			return exitConfigError
		}
	}

	conn, err := net.Dial("tcp", dialAddr)
	if err != nil {
		log.Printf("[client] dial %s: %v", dialAddr, err)
		return exitIOError
	}

	var cryptoCtx *crypto.Context
	if usePassword {
		cryptoCtx, err = crypto.InitPasswordMode(crypto.RoleInitiator, password)
	} else {
		cryptoCtx, err = crypto.InitPubkeyMode(crypto.RoleInitiator, identityPub, identityPriv)
	}
	if err != nil {
		log.Printf("[client] crypto init: %v", err)
		return exitConfigError
	}

	sess := session.New(conn, nil)
	go sess.Run()

	allow := func(peer ed25519.PublicKey) bool {
		if pinnedServerKey == nil {
			return true
		}
		return pinnedServerKey.Equal(peer)
	}

	var m *handshake.Machine
	if usePassword {
		m = handshake.NewPasswordMachine(handshake.RoleClient, cryptoCtx, handshake.DefaultBudget)
	} else {
		m = handshake.NewPubkeyMachine(handshake.RoleClient, cryptoCtx, allow, handshake.DefaultBudget)
	}

	if err := runClientHandshake(sess, m, usePassword); err != nil {
		log.Printf("[client] handshake failed: %v", err)
		sess.Close()
		return exitHandshakeFail
	}
	if !*noEncrypt {
		sess.SetCrypto(cryptoCtx)
	}
	log.Printf("[client] connected and authenticated to %s", dialAddr)

	engine := clientmedia.New(sess, clientmedia.NullDevice{}, clientmedia.NullDevice{}, nil, nil)
	go engine.RunCaptureLoop()
	go engine.RunMixer()
	defer engine.Stop()

	for {
		pkt, err := sess.Recv()
		if err != nil {
			log.Printf("[client] connection closed: %v", err)
			return exitOK
		}
		switch pkt.Type {
		case wire.TypeAudioFrame:
			engine.HandleAudioFrame(0, pkt.Body)
		case wire.TypeASCIIFrame:
			engine.HandleASCIIFrame(0, pkt.Body)
		case wire.TypeRoster:
			// Roster membership is consumed by higher-level UI layers, which
			// are outside this orchestration core.
		case wire.TypePing:
			sess.Send(wire.TypePong, pkt.Body)
		}
	}
}

func runClientHandshake(sess *session.Session, m *handshake.Machine, usePassword bool) error {
	if !usePassword {
		t, body, err := m.ProduceOffer()
		if err != nil {
			return err
		}
		if err := sess.Send(t, body); err != nil {
			return err
		}
		accept, err := sess.Recv()
		if err != nil {
			return err
		}
		if err := m.HandleAccept(accept.Body); err != nil {
			return err
		}
	}

	challenge, err := sess.Recv()
	if err != nil {
		return err
	}
	t, body, err := m.HandleChallenge(challenge.Body)
	if err != nil {
		return err
	}
	if err := sess.Send(t, body); err != nil {
		return err
	}

	ready, err := sess.Recv()
	if err != nil {
		return err
	}
	if err := m.HandleSessionReady(ready.Body); err != nil {
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

// classifyKeyLiteral decides what a --key value means: nothing supplied, a
// hex-encoded Ed25519 identity to sign with directly, a github:/gitlab:/
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
