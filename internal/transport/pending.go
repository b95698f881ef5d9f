package transport

import (
	"bytes"
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/roomchat/internal/protocol"
)

// DefaultPendingTTL is the age after which an unresolved request is purged.
const DefaultPendingTTL = 10 * time.Minute

const (
	statePending int32 = iota
	stateReceived
	stateRejected
)

// Request is an expectation that a specific reply will arrive from a peer.
// Once registered, its fields are guarded by the owning PendingTable.
type Request struct {
	From netip.AddrPort // expected source: IP and announced port
	Room int8
	Kind protocol.Kind
	Arg  []byte // optional correlation argument (negotiated room id)

	// Origin is the room the peer is registered in while a room-id
	// negotiation runs. It is only meaningful for negotiation entries.
	Origin int8

	created time.Time
	state   int32
	reply   *protocol.Message
	done    chan struct{}
	waiters int
}

// NewRequest creates an expectation for a reply of kind from the given peer
// in room.
func NewRequest(from netip.AddrPort, room int8, kind protocol.Kind) *Request {
	return &Request{From: from, Room: room, Kind: kind}
}

// Negotiating turns r into a room-id negotiation expectation: an ACK from the
// peer in room, which moves the peer out of origin once matched.
func (r *Request) Negotiating(origin int8) *Request {
	r.Origin = origin
	r.Arg = []byte{byte(r.Room)}
	return r
}

// Negotiation reports whether r is a room-id negotiation expectation.
func (r *Request) Negotiation() bool {
	return r.Kind == protocol.KindAck && r.Arg != nil
}

// Done is closed when the request is received or rejected.
func (r *Request) Done() <-chan struct{} { return r.done }

func (r *Request) equal(o *Request) bool {
	return r.From == o.From && r.Room == o.Room && r.Kind == o.Kind && bytes.Equal(r.Arg, o.Arg)
}

func (r *Request) matches(from netip.AddrPort, m *protocol.Message) bool {
	return r.Kind == m.Kind && r.Room == m.Room && r.From == from
}

// PendingTable tracks outstanding requests and matches incoming messages
// against them. All operations are atomic with respect to each other.
type PendingTable struct {
	mu      sync.Mutex
	entries []*Request
	ttl     time.Duration
	now     func() time.Time
}

// NewPendingTable returns an empty table. A non-positive ttl selects
// DefaultPendingTTL.
func NewPendingTable(ttl time.Duration) *PendingTable {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &PendingTable{ttl: ttl, now: time.Now}
}

// Register adds r and returns the live entry callers must wait on. When an
// equal entry is already waiting, that entry is returned instead so every
// waiter is released by the same reply.
func (t *PendingTable) Register(r *Request) *Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(r, 1)
}

// Expect registers r without a waiter. The entry stays until a reply resolves
// it or it expires.
func (t *PendingTable) Expect(r *Request) *Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(r, 0)
}

func (t *PendingTable) registerLocked(r *Request, waiters int) *Request {
	t.sweepLocked()

	for _, e := range t.entries {
		if e.state == statePending && e.equal(r) {
			e.waiters += waiters
			return e
		}
	}

	r.created = t.now()
	r.state = statePending
	r.done = make(chan struct{})
	r.waiters = waiters
	t.entries = append(t.entries, r)
	return r
}

// Remove releases one waiter of r and drops the entry once nobody waits on it.
func (t *PendingTable) Remove(r *Request) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r.waiters--
	if r.waiters <= 0 {
		t.deleteLocked(r)
	}
}

// Resolve marks the first pending entry matching m (received from the peer
// at from) as received and returns it. onMatch, when non-nil, runs inside the
// same critical section so follow-up state changes are atomic with the match.
func (t *PendingTable) Resolve(from netip.AddrPort, m *protocol.Message, onMatch func(*Request)) (*Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.state != statePending || !e.matches(from, m) {
			continue
		}
		if onMatch != nil {
			onMatch(e)
		}
		e.reply = m
		t.finishLocked(e, stateReceived)
		return e, true
	}
	return nil, false
}

// Reject clears every pending entry from the peer in room, releasing its
// waiters with a failure. It reports whether any entry was found.
func (t *PendingTable) Reject(from netip.AddrPort, room int8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := false
	for _, e := range append([]*Request(nil), t.entries...) {
		if e.state == statePending && e.From == from && e.Room == room {
			t.finishLocked(e, stateRejected)
			found = true
		}
	}
	return found
}

// Retarget points the pending negotiation with the peer at a new room id,
// after a counter-offer has been sent.
func (t *PendingTable) Retarget(from netip.AddrPort, room int8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e := t.negotiationLocked(from); e != nil {
		e.Room = room
		e.Arg = []byte{byte(room)}
		return true
	}
	return false
}

// Complete finishes the pending negotiation with the peer locally, when this
// side committed room and sent the final ACK itself.
func (t *PendingTable) Complete(from netip.AddrPort, room int8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e := t.negotiationLocked(from); e != nil {
		e.Room = room
		e.Arg = []byte{byte(room)}
		t.finishLocked(e, stateReceived)
		return true
	}
	return false
}

// Abort fails the pending negotiation with the peer.
func (t *PendingTable) Abort(from netip.AddrPort) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e := t.negotiationLocked(from); e != nil {
		t.finishLocked(e, stateRejected)
		return true
	}
	return false
}

// NegotiationRoom returns the room currently targeted by the pending
// negotiation with the peer.
func (t *PendingTable) NegotiationRoom(from netip.AddrPort) (int8, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e := t.negotiationLocked(from); e != nil {
		return e.Room, true
	}
	return 0, false
}

// Reserved reports whether room is targeted by a pending negotiation with any
// peer other than except.
func (t *PendingTable) Reserved(room int8, except netip.AddrPort) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.state == statePending && e.Negotiation() && e.Room == room && e.From != except {
			return true
		}
	}
	return false
}

// Sweep removes entries older than the table's ttl and returns how many
// were dropped.
func (t *PendingTable) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked()
}

// Len returns the number of tracked entries.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Received reports whether r was matched by a reply.
func (t *PendingTable) Received(r *Request) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return r.state == stateReceived
}

// Reply returns the message that resolved r, if any.
func (t *PendingTable) Reply(r *Request) *protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return r.reply
}

// Room returns the room r currently expects, which may have been retargeted.
func (t *PendingTable) Room(r *Request) int8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return r.Room
}

func (t *PendingTable) negotiationLocked(from netip.AddrPort) *Request {
	for _, e := range t.entries {
		if e.state == statePending && e.From == from && e.Negotiation() {
			return e
		}
	}
	return nil
}

// finishLocked settles e and drops it when nobody waits on it.
func (t *PendingTable) finishLocked(e *Request, state int32) {
	e.state = state
	close(e.done)
	if e.waiters <= 0 {
		t.deleteLocked(e)
	}
}

func (t *PendingTable) deleteLocked(r *Request) {
	for i, e := range t.entries {
		if e == r {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

func (t *PendingTable) sweepLocked() int {
	cutoff := t.now().Add(-t.ttl)
	kept := t.entries[:0]
	dropped := 0
	for _, e := range t.entries {
		if e.created.Before(cutoff) {
			if e.state == statePending {
				e.state = stateRejected
				close(e.done)
			}
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	clear(t.entries[len(kept):])
	t.entries = kept
	return dropped
}
