// Package hub implements the server-side room: the registry of connected
// clients keyed by a stable ClientId, join/leave sequencing, and fan-out of
// media and control packets between them. Grounded on the same
// snapshot-under-read-lock, release-before-send pattern used for datagram
// broadcast in the connection layer this was grown from, generalized from
// one shared voice channel to the flat single-room roster this system
// specifies.
package hub

import (
	"crypto/ed25519"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"asciiconf/internal/session"
	"asciiconf/internal/wire"
)

// ClientId is the server-assigned, stable identifier for one connected
// participant. It never changes across a session's lifetime and never
// collides with another currently-connected or recently-departed client
// in the same hub.
type ClientId uint32

// Member is the hub's view of one connected, fully authenticated client.
type Member struct {
	ID        ClientId
	Name      string
	PublicKey ed25519.PublicKey
	sess      *session.Session
	joinedAt  uint64 // roster generation at join time, for stable ordering
}

// Hub is the single-room client registry and fan-out point. The zero value
// is not usable; construct with New.
type Hub struct {
	mu      sync.RWMutex
	members map[ClientId]*Member
	nextID  atomic.Uint32
	gen     atomic.Uint64 // monotonically increasing roster generation
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{members: make(map[ClientId]*Member)}
}

// Join assigns a fresh ClientId to sess, inserts it into the registry, sends
// the newly-joined client the current roster first, then broadcasts the
// updated roster (including the new member) to everyone else. identityKey is
// the peer's authenticated identity public key from the handshake. Returns
// the assigned Member.
func (h *Hub) Join(sess *session.Session, name string, identityKey ed25519.PublicKey) *Member {
	id := ClientId(h.nextID.Add(1))
	m := &Member{ID: id, Name: name, PublicKey: identityKey, sess: sess}

	h.mu.Lock()
	h.members[id] = m
	gen := h.gen.Add(1)
	m.joinedAt = gen
	roster := h.snapshotLocked()
	h.mu.Unlock()

	log.Printf("[hub] client %d (%s) joined, total=%d", id, name, len(roster))

	body := encodeRoster(gen, roster)
	if err := sess.Send(wire.TypeRoster, body); err != nil {
		log.Printf("[hub] client %d: send initial roster: %v", id, err)
	}
	h.broadcastExcept(id, wire.TypeRoster, body)
	return m
}

// Leave removes id from the registry, closes its session, and broadcasts
// the updated roster to the remaining members. Safe to call more than once;
// the second call is a no-op.
func (h *Hub) Leave(id ClientId) {
	h.mu.Lock()
	m, ok := h.members[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.members, id)
	gen := h.gen.Add(1)
	roster := h.snapshotLocked()
	h.mu.Unlock()

	m.sess.Close()
	log.Printf("[hub] client %d (%s) left, total=%d", id, m.Name, len(roster))

	body := encodeRoster(gen, roster)
	h.broadcastExcept(0, wire.TypeRoster, body)
}

// rosterEntry is a snapshot of one member for roster encoding.
type rosterEntry struct {
	ID        ClientId
	Name      string
	PublicKey ed25519.PublicKey
}

// snapshotLocked must be called with mu held (read or write). Entries are
// ordered by join generation.
func (h *Hub) snapshotLocked() []rosterEntry {
	members := make([]*Member, 0, len(h.members))
	for _, m := range h.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].joinedAt < members[j].joinedAt })
	out := make([]rosterEntry, 0, len(members))
	for _, m := range members {
		out = append(out, rosterEntry{ID: m.ID, Name: m.Name, PublicKey: m.PublicKey})
	}
	return out
}

// fanoutTarget is a snapshot of one member's session, captured under the
// read lock so the lock can be released before the (possibly slow) send.
type fanoutTarget struct {
	id   ClientId
	sess *session.Session
}

// Relay fans a media or control packet from sourceID out to every other
// member. Per-receiver backpressure is handled by the receiver's own
// Session.Send. Media packets are dropped oldest-first rather than blocking,
// so a slow receiver never blocks or reorders media delivery to any other
// receiver. Control packets are never dropped: Send waits for room in the
// receiver's control queue, which holds up the remaining sends of this
// fan-out until it has room.
func (h *Hub) Relay(sourceID ClientId, t wire.Type, body []byte) {
	h.broadcastExcept(sourceID, t, body)
}

func (h *Hub) broadcastExcept(excludeID ClientId, t wire.Type, body []byte) {
	h.mu.RLock()
	targets := make([]fanoutTarget, 0, len(h.members))
	for id, m := range h.members {
		if id == excludeID {
			continue
		}
		targets = append(targets, fanoutTarget{id: id, sess: m.sess})
	}
	h.mu.RUnlock()

	for _, t2 := range targets {
		if err := t2.sess.Send(t, body); err != nil {
			log.Printf("[hub] client %d: relay send failed: %v", t2.id, err)
		}
	}
}

// Count returns the number of currently connected members.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// encodeRoster builds a ROSTER packet body: generation(u64) + count(u16) +
// count * (client_id(u32) + identity_pk(32) + name_len(u16) + name).
func encodeRoster(gen uint64, entries []rosterEntry) []byte {
	size := 8 + 2
	for _, e := range entries {
		size += 4 + ed25519.PublicKeySize + 2 + len(e.Name)
	}
	out := make([]byte, 0, size)
	out = appendU64(out, gen)
	out = appendU16(out, uint16(len(entries)))
	for _, e := range entries {
		out = appendU32(out, uint32(e.ID))
		var pk [ed25519.PublicKeySize]byte
		copy(pk[:], e.PublicKey)
		out = append(out, pk[:]...)
		out = appendU16(out, uint16(len(e.Name)))
		out = append(out, e.Name...)
	}
	return out
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendU64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
