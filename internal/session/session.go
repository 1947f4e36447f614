// Package session wraps one accepted or dialed net.Conn in the framed,
// optionally encrypted record layer: a read loop that decodes wire packets
// and an independent write loop that encodes and flushes them, connected to
// the rest of the program only through Send/Recv/Close. Mirrors the
// goroutine-per-connection shape used throughout the transport layer this
// was grown from, with control traffic never dropped and media traffic
// shed under backpressure instead of blocking the sender.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"asciiconf/internal/crypto"
	"asciiconf/internal/wire"
)

// Tuning constants for liveness and queue depth.
const (
	ReadTimeout     = 30 * time.Second
	PingInterval    = 10 * time.Second
	readBufferSize  = 64 * 1024
	ctrlQueueDepth  = 64
	mediaQueueDepth = 256
)

var (
	// ErrClosed is returned by Send/Recv once the session has shut down.
	ErrClosed = errors.New("session: closed")
)

// packetKind distinguishes queueing policy: control packets are never
// dropped, media packets are dropped-oldest under backpressure.
func isControl(t wire.Type) bool {
	switch t {
	case wire.TypeAudioFrame, wire.TypeASCIIFrame, wire.TypeImageFrame:
		return false
	default:
		return true
	}
}

// Metrics holds counters a caller can sample for diagnostics. All fields
// are updated atomically and safe to read concurrently.
type Metrics struct {
	BytesSent       atomic.Uint64
	BytesReceived   atomic.Uint64
	PacketsSent     atomic.Uint64
	PacketsReceived atomic.Uint64
	MediaDropped    atomic.Uint64 // outbound or inbound media packets shed under backpressure
	LastPongUnixMs  atomic.Int64
}

// Session owns one connection's read and write goroutines. Construct with
// New, then call Run to start the loops; Send enqueues outbound packets,
// Recv drains decoded inbound packets, Close tears everything down.
type Session struct {
	conn   net.Conn
	crypto *crypto.Context // nil when running with encryption disabled

	ctrlOut  chan wire.Packet
	mediaOut chan wire.Packet
	inbound  chan wire.Packet

	Metrics Metrics

	lastWriteUnixNano atomic.Int64
	pingNonce         atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
	doneCh    chan struct{}
}

// New wraps conn. Once ctx is non-nil and ready, every outbound packet of an
// encryptable type is framed whole (header and body), sealed with
// ctx.Encrypt and carried inside a TypeEncryptedEnvelope frame, and every
// inbound TypeEncryptedEnvelope frame is opened with ctx.Decrypt and decoded
// back into its inner packet before being handed to the caller. The
// handshake itself runs unencrypted over the same Session, so callers pass
// nil here and install the context with SetCrypto after the handshake
// reaches Ready.
func New(conn net.Conn, ctx *crypto.Context) *Session {
	return &Session{
		conn:     conn,
		crypto:   ctx,
		ctrlOut:  make(chan wire.Packet, ctrlQueueDepth),
		mediaOut: make(chan wire.Packet, mediaQueueDepth),
		inbound:  make(chan wire.Packet, ctrlQueueDepth+mediaQueueDepth),
		doneCh:   make(chan struct{}),
	}
}

// SetCrypto installs the session key to use from this point forward. Call
// once, after the handshake machine reaches Ready, before any further
// Send/Recv traffic needs confidentiality.
func (s *Session) SetCrypto(ctx *crypto.Context) {
	s.crypto = ctx
}

// Run starts the read and write goroutines and blocks until either fails
// or Close is called. Callers typically invoke it in its own goroutine.
func (s *Session) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.readLoop() }()
	go func() { defer wg.Done(); s.writeLoop() }()
	wg.Wait()
	s.Close()
}

// Send enqueues a packet for transmission. Control packets block until
// there is room (or the session closes); media packets are dropped
// (oldest-first) rather than blocking the sender.
func (s *Session) Send(t wire.Type, body []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	pkt := wire.Packet{Type: t, Body: body}
	if isControl(t) {
		select {
		case s.ctrlOut <- pkt:
			return nil
		case <-s.doneCh:
			return ErrClosed
		}
	}
	select {
	case s.mediaOut <- pkt:
		return nil
	case <-s.doneCh:
		return ErrClosed
	default:
		// Queue full: drop the oldest queued media packet to make room for
		// the newest one, matching the jitter buffer's overflow policy of
		// preferring freshness over completeness.
		select {
		case <-s.mediaOut:
			s.Metrics.MediaDropped.Add(1)
		default:
		}
		select {
		case s.mediaOut <- pkt:
		default:
			s.Metrics.MediaDropped.Add(1)
		}
		return nil
	}
}

// Recv returns the next decoded inbound packet, blocking until one arrives
// or the session closes.
func (s *Session) Recv() (wire.Packet, error) {
	select {
	case pkt, ok := <-s.inbound:
		if !ok {
			return wire.Packet{}, ErrClosed
		}
		return pkt, nil
	case <-s.doneCh:
		return wire.Packet{}, ErrClosed
	}
}

// Close tears down the connection and both loops. Safe to call more than
// once and from any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.doneCh)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) readLoop() {
	dec := wire.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		if s.closed.Load() {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.Metrics.BytesReceived.Add(uint64(n))
			dec.Feed(buf[:n])
			for {
				pkt, derr := dec.Next()
				if derr == wire.ErrNeedMore {
					break
				}
				if derr != nil {
					log.Printf("[session] frame decode error: %v", derr)
					continue
				}
				pkt, derr = s.maybeDecrypt(pkt)
				if derr != nil {
					log.Printf("[session] decrypt error: %v", derr)
					continue
				}
				s.Metrics.PacketsReceived.Add(1)
				if pkt.Type == wire.TypePong {
					if len(pkt.Body) != 8 || binary.BigEndian.Uint64(pkt.Body) != s.pingNonce.Load() {
						log.Printf("[session] pong nonce mismatch, discarding")
					} else {
						s.Metrics.LastPongUnixMs.Store(time.Now().UnixMilli())
					}
				}
				s.deliver(pkt)
			}
		}
		if err != nil {
			if s.closed.Load() || errors.Is(err, io.EOF) {
				return
			}
			if isTimeout(err) {
				log.Printf("[session] read timeout, closing")
			} else {
				log.Printf("[session] read error: %v", err)
			}
			return
		}
	}
}

// deliver enqueues a decoded inbound packet, dropping oldest media under
// backpressure but never dropping control/handshake packets.
func (s *Session) deliver(pkt wire.Packet) {
	if isControl(pkt.Type) {
		select {
		case s.inbound <- pkt:
		case <-s.doneCh:
		}
		return
	}
	select {
	case s.inbound <- pkt:
	default:
		select {
		case <-s.inbound:
			s.Metrics.MediaDropped.Add(1)
		default:
		}
		select {
		case s.inbound <- pkt:
		default:
			s.Metrics.MediaDropped.Add(1)
		}
	}
}

func (s *Session) writeLoop() {
	pingTimer := time.NewTimer(PingInterval)
	defer pingTimer.Stop()
	for {
		select {
		case <-s.doneCh:
			return
		case <-pingTimer.C:
			if idle := time.Since(s.lastWriteTime()); idle >= PingInterval {
				if err := s.sendPing(); err != nil {
					return
				}
			}
			pingTimer.Reset(PingInterval)
		case pkt := <-s.ctrlOut:
			if err := s.writePacket(pkt); err != nil {
				return
			}
		case pkt, ok := <-s.mediaOut:
			if !ok {
				return
			}
			if err := s.writePacket(pkt); err != nil {
				return
			}
		}
	}
}

// sendPing emits a PING carrying a fresh 64-bit nonce, which the peer must
// echo back verbatim in its PONG so lastWriteTime-based idleness on our side
// can be correlated with round-trip liveness rather than just one-way flow.
func (s *Session) sendPing() error {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	s.pingNonce.Store(binary.BigEndian.Uint64(nonce[:]))
	return s.writePacket(wire.Packet{Type: wire.TypePing, Body: nonce[:]})
}

func (s *Session) lastWriteTime() time.Time {
	return time.Unix(0, s.lastWriteUnixNano.Load())
}

func (s *Session) writePacket(pkt wire.Packet) error {
	pkt, err := s.maybeEncrypt(pkt)
	if err != nil {
		log.Printf("[session] encrypt error: %v", err)
		return nil
	}
	frame, err := wire.Encode(pkt.Type, pkt.Body)
	if err != nil {
		log.Printf("[session] encode error: %v", err)
		return nil
	}
	if err := s.writeAll(frame); err != nil {
		if !s.closed.Load() {
			log.Printf("[session] write error: %v", err)
		}
		return err
	}
	s.Metrics.PacketsSent.Add(1)
	s.Metrics.BytesSent.Add(uint64(len(frame)))
	s.lastWriteUnixNano.Store(time.Now().UnixNano())
	return nil
}

// writeAll loops on Conn.Write to absorb short writes; net.Conn does not
// guarantee a single Write flushes the whole buffer.
func (s *Session) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := s.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// maybeEncrypt seals the full framed inner packet (header and body both)
// under the session key and carries the result as an opaque envelope body.
// The envelope itself is [nonce_counter(8) | ciphertext+tag], produced by
// crypto.Context.Encrypt; no part of the inner packet travels in the clear.
func (s *Session) maybeEncrypt(pkt wire.Packet) (wire.Packet, error) {
	if s.crypto == nil || !s.crypto.Ready() || !encryptable(pkt.Type) {
		return pkt, nil
	}
	inner, err := wire.Encode(pkt.Type, pkt.Body)
	if err != nil {
		return wire.Packet{}, err
	}
	ct, err := s.crypto.Encrypt(inner)
	if err != nil {
		return wire.Packet{}, err
	}
	return wire.Packet{Type: wire.TypeEncryptedEnvelope, Body: ct}, nil
}

func (s *Session) maybeDecrypt(pkt wire.Packet) (wire.Packet, error) {
	if pkt.Type != wire.TypeEncryptedEnvelope {
		return pkt, nil
	}
	if s.crypto == nil || !s.crypto.Ready() {
		return wire.Packet{}, errors.New("session: received encrypted envelope before key exchange")
	}
	inner, err := s.crypto.Decrypt(pkt.Body)
	if err != nil {
		return wire.Packet{}, err
	}
	dec := wire.NewDecoder()
	dec.Feed(inner)
	return dec.Next()
}

// encryptable excludes the handshake packet types, which must travel in
// the clear because the peer has no session key yet to decrypt them with,
// and also HELLO and ERROR, which always travel in the clear.
func encryptable(t wire.Type) bool {
	switch t {
	case wire.TypePubkeyOffer, wire.TypePubkeyAccept, wire.TypeAuthChallenge,
		wire.TypeAuthResponse, wire.TypeSessionReady, wire.TypeHello, wire.TypeError:
		return false
	default:
		return true
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
