package transport

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roomchat/internal/protocol"
)

var (
	peerA = netip.MustParseAddrPort("127.0.0.1:7001")
	peerB = netip.MustParseAddrPort("127.0.0.1:7002")
)

func ack(room int8) *protocol.Message {
	return &protocol.Message{Kind: protocol.KindAck, Room: room}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestPendingResolveMatchesKindRoomAndSource(t *testing.T) {
	table := NewPendingTable(0)
	r := table.Register(NewRequest(peerA, 3, protocol.KindAck))

	_, ok := table.Resolve(peerB, ack(3), nil)
	assert.False(t, ok, "other source")
	_, ok = table.Resolve(peerA, ack(4), nil)
	assert.False(t, ok, "other room")
	_, ok = table.Resolve(peerA, &protocol.Message{Kind: protocol.KindNack, Room: 3}, nil)
	assert.False(t, ok, "other kind")
	assert.False(t, isClosed(r.Done()))

	got, ok := table.Resolve(peerA, ack(3), nil)
	require.True(t, ok)
	assert.Same(t, r, got)
	assert.True(t, isClosed(r.Done()))
	assert.True(t, table.Received(r))

	_, ok = table.Resolve(peerA, ack(3), nil)
	assert.False(t, ok, "a resolved entry is not matched twice")

	table.Remove(r)
	assert.Zero(t, table.Len())
}

func TestPendingDuplicateRegistrationShares(t *testing.T) {
	table := NewPendingTable(0)
	r1 := table.Register(NewRequest(peerA, 3, protocol.KindAck))
	r2 := table.Register(NewRequest(peerA, 3, protocol.KindAck))
	require.Same(t, r1, r2)
	assert.Equal(t, 1, table.Len())

	table.Resolve(peerA, ack(3), nil)
	assert.True(t, isClosed(r1.Done()))

	table.Remove(r1)
	assert.Equal(t, 1, table.Len(), "second waiter still holds the entry")
	table.Remove(r2)
	assert.Zero(t, table.Len())
}

func TestPendingOnMatchRunsBeforeRelease(t *testing.T) {
	table := NewPendingTable(0)
	r := table.Register(NewRequest(peerA, 9, protocol.KindAck).Negotiating(3))

	var seen []byte
	table.Resolve(peerA, ack(9), func(e *Request) {
		seen = e.Arg
		assert.False(t, isClosed(e.Done()))
	})
	assert.Equal(t, []byte{9}, seen)
	assert.True(t, isClosed(r.Done()))
}

func TestPendingExpectWithoutWaiter(t *testing.T) {
	table := NewPendingTable(0)
	table.Expect(NewRequest(peerA, 5, protocol.KindAck).Negotiating(3))
	assert.Equal(t, 1, table.Len())

	_, ok := table.Resolve(peerA, ack(5), nil)
	assert.True(t, ok)
	assert.Zero(t, table.Len(), "entries without waiters are dropped once resolved")
}

func TestPendingExpectRacingReply(t *testing.T) {
	table := NewPendingTable(0)
	for i := range 200 {
		room := int8(i % 100)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			table.Expect(NewRequest(peerA, room, protocol.KindAck))
		}()
		go func() {
			defer wg.Done()
			for {
				if _, ok := table.Resolve(peerA, ack(room), nil); ok {
					return
				}
			}
		}()
		wg.Wait()

		require.Zero(t, table.Len(), "iteration %d", i)
	}
}

func TestPendingExpectJoinsWaitingEntry(t *testing.T) {
	table := NewPendingTable(0)
	r := table.Register(NewRequest(peerA, 5, protocol.KindAck))
	e := table.Expect(NewRequest(peerA, 5, protocol.KindAck))
	assert.Same(t, r, e)

	table.Remove(r)
	assert.Zero(t, table.Len(), "an expectation adds no waiter")
}

func TestPendingReject(t *testing.T) {
	table := NewPendingTable(0)
	r := table.Register(NewRequest(peerA, 5, protocol.KindAck).Negotiating(3))

	assert.False(t, table.Reject(peerB, 5))
	assert.True(t, table.Reject(peerA, 5))
	assert.True(t, isClosed(r.Done()))
	assert.False(t, table.Received(r))
}

func TestPendingNegotiationRetargetAndComplete(t *testing.T) {
	table := NewPendingTable(0)
	r := table.Register(NewRequest(peerA, 5, protocol.KindAck).Negotiating(3))

	assert.True(t, table.Reserved(5, peerB))
	assert.False(t, table.Reserved(5, peerA), "a peer's own negotiation does not reserve the id against it")

	require.True(t, table.Retarget(peerA, 2))
	assert.Equal(t, int8(2), table.Room(r))
	room, ok := table.NegotiationRoom(peerA)
	assert.True(t, ok)
	assert.Equal(t, int8(2), room)

	_, ok = table.Resolve(peerA, ack(5), nil)
	assert.False(t, ok)

	require.True(t, table.Complete(peerA, 2))
	assert.True(t, table.Received(r))
	assert.False(t, table.Retarget(peerA, 1), "completed negotiations are not retargeted")

	plain := table.Register(NewRequest(peerB, 1, protocol.KindAck))
	assert.False(t, table.Abort(peerB), "plain ACK expectations are not negotiations")
	table.Remove(plain)
}

func TestPendingSweep(t *testing.T) {
	table := NewPendingTable(time.Minute)
	now := time.Now()
	table.now = func() time.Time { return now }

	old := table.Register(NewRequest(peerA, 1, protocol.KindAck))
	now = now.Add(2 * time.Minute)
	fresh := table.Register(NewRequest(peerB, 1, protocol.KindAck))

	assert.Equal(t, 1, table.Len(), "register sweeps stale entries")
	assert.True(t, isClosed(old.Done()))
	assert.False(t, isClosed(fresh.Done()))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, table.Sweep())
	assert.Zero(t, table.Len())
}
