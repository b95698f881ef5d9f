package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roomchat/internal/config"
	"github.com/1ureka/roomchat/internal/peer"
	"github.com/1ureka/roomchat/internal/protocol"
	"github.com/1ureka/roomchat/internal/transport"
	"github.com/1ureka/roomchat/internal/util"
)

const waitFor = 2 * time.Second

type message struct {
	from    netip.AddrPort
	kind    protocol.Kind
	payload string
}

// recorder is a Notifier that keeps every event.
type recorder struct {
	mu       sync.Mutex
	joined   []netip.AddrPort
	failed   []netip.AddrPort
	messages []message
	infos    []string
}

func (r *recorder) RoomMemberAdded(_ int8, h *peer.Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = append(r.joined, h.Addr())
}

func (r *recorder) PrivateConversationFailed(h *peer.Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, h.Addr())
}

func (r *recorder) MessageReceived(from *peer.Host, kind protocol.Kind, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message{from.Addr(), kind, string(payload)})
}

func (r *recorder) InfoReceived(_ *peer.Host, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, text)
}

func (r *recorder) received() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message(nil), r.messages...)
}

type testNode struct {
	*Node
	events *recorder
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MinRTO = 50 * time.Millisecond
	cfg.Tries = 3
	cfg.Workers = 8
	cfg.SweepInterval = time.Second
	cfg.DBPath = ""
	cfg.APIAddr = ""
	cfg.FeedAddr = ""
	return cfg
}

func start(t *testing.T, cfg config.Config) *testNode {
	t.Helper()
	events := &recorder{}
	n, err := New(context.Background(), cfg, Deps{Notifier: events})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background()) }()
	t.Cleanup(func() {
		n.Close()
		assert.NoError(t, <-done)
	})
	return &testNode{Node: n, events: events}
}

// deadAddr returns a loopback address nobody listens on.
func deadAddr(t *testing.T) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	conn.Close()
	return addr
}

// occupy registers unreachable placeholder peers in the given rooms.
func occupy(t *testing.T, n *testNode, rooms ...int8) {
	t.Helper()
	for i, room := range rooms {
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 99, byte(i >> 8), byte(i)}), 7070)
		require.True(t, n.Hosts().Add(n.Hosts().NewHost(room, addr)))
	}
}

func member(n *testNode, room int8, addr netip.AddrPort) func() bool {
	return func() bool {
		_, ok := n.Hosts().Find(room, addr)
		return ok
	}
}

func TestJoinRoomPullsMembers(t *testing.T) {
	ctx := context.Background()
	a, b, c := start(t, testConfig()), start(t, testConfig()), start(t, testConfig())

	_, found, err := c.JoinRoom(ctx, b.Addr(), 3)
	require.NoError(t, err)
	assert.Empty(t, found)

	h, found, err := a.JoinRoom(ctx, b.Addr(), 3)
	require.NoError(t, err)
	assert.Equal(t, b.Addr(), h.Addr())
	require.Len(t, found, 1)
	assert.Equal(t, c.Addr(), found[0].Addr())

	assert.True(t, member(b, 3, a.Addr())())
	assert.True(t, member(c, 3, a.Addr())())
	assert.True(t, member(a, 3, c.Addr())())
	assert.Len(t, a.ListRoomMembers(3), 2)

	b.events.mu.Lock()
	assert.ElementsMatch(t, []netip.AddrPort{c.Addr(), a.Addr()}, b.events.joined)
	b.events.mu.Unlock()
}

func TestJoinRoomRejects(t *testing.T) {
	ctx := context.Background()
	a, b := start(t, testConfig()), start(t, testConfig())

	_, _, err := a.JoinRoom(ctx, b.Addr(), protocol.SentinelRoom)
	assert.ErrorIs(t, err, ErrSentinelRoom)

	_, _, err = a.JoinRoom(ctx, a.Addr(), 1)
	assert.ErrorIs(t, err, ErrSelf)

	_, _, err = a.JoinRoom(ctx, b.Addr(), 1)
	require.NoError(t, err)
	_, _, err = a.JoinRoom(ctx, b.Addr(), 1)
	assert.ErrorIs(t, err, ErrAlreadyMember)

	_, _, err = a.JoinRoom(ctx, deadAddr(t), 1)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestBroadcastReportsUnreachable(t *testing.T) {
	ctx := context.Background()
	a, b := start(t, testConfig()), start(t, testConfig())

	_, _, err := a.JoinRoom(ctx, b.Addr(), 3)
	require.NoError(t, err)
	dead := a.Hosts().NewHost(3, deadAddr(t))
	require.True(t, a.Hosts().Add(dead))

	failed, err := a.Broadcast(ctx, 3, "hi")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, dead.Addr(), failed[0].Addr())

	got := b.events.received()
	require.Len(t, got, 1)
	assert.Equal(t, message{a.Addr(), protocol.KindPlain, "hi"}, got[0])
}

func TestBroadcastReassemblesFragments(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.BufferSize = 64
	a, b := start(t, cfg), start(t, cfg)

	_, _, err := a.JoinRoom(ctx, b.Addr(), 5)
	require.NoError(t, err)

	text := strings.Repeat("fragmented text ", 20) + "CONT"
	failed, err := a.Broadcast(ctx, 5, text)
	require.NoError(t, err)
	assert.Empty(t, failed)

	data := []byte(strings.Repeat("\x00\x01\x02", 50))
	failed, err = a.SendData(ctx, 5, data)
	require.NoError(t, err)
	assert.Empty(t, failed)

	got := b.events.received()
	require.Len(t, got, 2)
	assert.Equal(t, text, got[0].payload)
	assert.Equal(t, protocol.KindData, got[1].kind)
	assert.Equal(t, string(data), got[1].payload)
}

func TestSendInfo(t *testing.T) {
	ctx := context.Background()
	a, b := start(t, testConfig()), start(t, testConfig())

	h, _, err := a.JoinRoom(ctx, b.Addr(), 2)
	require.NoError(t, err)
	require.NoError(t, a.SendInfo(ctx, h, "typing"))

	b.events.mu.Lock()
	assert.Equal(t, []string{"typing"}, b.events.infos)
	b.events.mu.Unlock()

	err = a.SendInfo(ctx, h, strings.Repeat("x", 2000))
	assert.ErrorIs(t, err, protocol.ErrCapacity)
}

func TestLeaveRoom(t *testing.T) {
	ctx := context.Background()
	a, b := start(t, testConfig()), start(t, testConfig())

	_, _, err := a.JoinRoom(ctx, b.Addr(), 3)
	require.NoError(t, err)
	require.NoError(t, a.LeaveRoom(ctx, 3))

	assert.Empty(t, a.ListRoomMembers(3))
	assert.Empty(t, b.ListRoomMembers(3))

	require.True(t, a.Hosts().Add(a.Hosts().NewHost(4, deadAddr(t))))
	err = a.LeaveRoom(ctx, 4)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Empty(t, a.ListRoomMembers(4), "unreachable members are removed anyway")

	assert.ErrorIs(t, a.LeaveRoom(ctx, 4), ErrNotMember)
}

func TestCheckAllConnections(t *testing.T) {
	ctx := context.Background()
	a, b := start(t, testConfig()), start(t, testConfig())

	_, _, err := a.JoinRoom(ctx, b.Addr(), 3)
	require.NoError(t, err)
	dead := a.Hosts().NewHost(3, deadAddr(t))
	require.True(t, a.Hosts().Add(dead))

	lost := a.CheckAllConnections(ctx)
	require.Len(t, lost, 1)
	assert.Equal(t, dead.Addr(), lost[0].Addr())
	assert.Equal(t, 1, a.Hosts().Len())
}

func TestPrivateConversationAccepted(t *testing.T) {
	ctx := context.Background()
	a, b := start(t, testConfig()), start(t, testConfig())

	h, _, err := a.JoinRoom(ctx, b.Addr(), 3)
	require.NoError(t, err)

	room, err := a.StartPrivateConversation(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int8(0), room)

	assert.True(t, member(a, 0, b.Addr())())
	assert.False(t, member(a, 3, b.Addr())())
	require.Eventually(t, member(b, 0, a.Addr()), waitFor, 10*time.Millisecond)
	assert.False(t, member(b, 3, a.Addr())())
	assert.Zero(t, a.pending.Len())
	assert.Zero(t, b.pending.Len())
}

func TestPrivateConversationCountered(t *testing.T) {
	ctx := context.Background()
	a, b := start(t, testConfig()), start(t, testConfig())

	h, _, err := a.JoinRoom(ctx, b.Addr(), 3)
	require.NoError(t, err)

	// a proposes 0; b counters with 2; a has 2 taken and counters with 4.
	occupy(t, a, 2)
	occupy(t, b, 0, 1)

	room, err := a.StartPrivateConversation(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int8(4), room)

	assert.True(t, member(a, 4, b.Addr())())
	require.Eventually(t, member(b, 4, a.Addr()), waitFor, 10*time.Millisecond)

	free, ok := a.FindFreeRoomID()
	require.True(t, ok)
	assert.Equal(t, int8(0), free)
}

func TestPrivateConversationNoFreeRoom(t *testing.T) {
	ctx := context.Background()
	a, b := start(t, testConfig()), start(t, testConfig())

	h, _, err := a.JoinRoom(ctx, b.Addr(), 3)
	require.NoError(t, err)

	var rooms []int8
	for i := 0; i < 256; i++ {
		if room := int8(byte(i)); room != 3 && room != protocol.SentinelRoom {
			rooms = append(rooms, room)
		}
	}
	occupy(t, b, rooms...)

	_, err = a.StartPrivateConversation(ctx, h)
	assert.ErrorIs(t, err, transport.ErrRejected)
	assert.True(t, member(a, 3, b.Addr())())

	a.events.mu.Lock()
	assert.Equal(t, []netip.AddrPort{b.Addr()}, a.events.failed)
	a.events.mu.Unlock()

	occupy(t, a, rooms...)
	_, ok := a.FindFreeRoomID()
	assert.False(t, ok)
	_, err = a.StartPrivateConversation(ctx, h)
	assert.True(t, errors.Is(err, ErrNoFreeRoom), fmt.Sprint(err))
}

func TestUnknownSenderDropped(t *testing.T) {
	b := start(t, testConfig())

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	port := uint32(conn.LocalAddr().(*net.UDPAddr).Port)
	frame, err := protocol.Encode(&protocol.Message{Kind: protocol.KindPlain, Room: 3, Port: port, Payload: []byte("hi")})
	require.NoError(t, err)

	_, err = conn.WriteToUDPAddrPort(frame, b.Addr())
	require.NoError(t, err)
	_, err = conn.WriteToUDPAddrPort([]byte("garbage"), b.Addr())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Stats().Dropped.Load() == 2 }, waitFor, 10*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = conn.ReadFromUDPAddrPort(make([]byte, 64))
	assert.Error(t, err, "unknown senders get no reply")
	assert.Empty(t, b.events.received())
}

func TestDeps(t *testing.T) {
	n, err := New(context.Background(), testConfig(), Deps{Log: util.Discard()})
	require.NoError(t, err)
	defer n.Close()

	_, err = New(context.Background(), config.Config{}, Deps{})
	assert.Error(t, err)
}

// rawPeer speaks the wire protocol directly over its own socket.
type rawPeer struct {
	conn *net.UDPConn
}

func newRawPeer(t *testing.T) *rawPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{conn: conn}
}

func (p *rawPeer) addr() netip.AddrPort {
	return p.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (p *rawPeer) send(t *testing.T, to netip.AddrPort, m *protocol.Message) {
	t.Helper()
	m.Port = uint32(p.addr().Port())
	frame, err := protocol.Encode(m)
	require.NoError(t, err)
	p.sendFrame(t, to, frame)
}

func (p *rawPeer) sendFrame(t *testing.T, to netip.AddrPort, frame []byte) {
	t.Helper()
	_, err := p.conn.WriteToUDPAddrPort(frame, to)
	require.NoError(t, err)
}

// recv returns the next frame of kind, skipping others.
func (p *rawPeer) recv(t *testing.T, kind protocol.Kind) *protocol.Message {
	t.Helper()
	buf := make([]byte, 2048)
	p.conn.SetReadDeadline(time.Now().Add(waitFor))
	for {
		n, _, err := p.conn.ReadFromUDPAddrPort(buf)
		require.NoError(t, err)
		m, err := protocol.Decode(buf[:n])
		require.NoError(t, err)
		if m.Kind == kind {
			return m
		}
	}
}

// greet registers p in room at n.
func (p *rawPeer) greet(t *testing.T, n *testNode, room int8) {
	t.Helper()
	p.send(t, n.Addr(), &protocol.Message{Kind: protocol.KindHello, Room: room})
	ack := p.recv(t, protocol.KindAck)
	require.Equal(t, room, ack.Room)
}

func TestNegotiationDontCareProposal(t *testing.T) {
	b := start(t, testConfig())
	occupy(t, b, 0, 1)

	r := newRawPeer(t)
	r.greet(t, b, 3)

	r.send(t, b.Addr(), &protocol.Message{Kind: protocol.KindChangeReq, Room: 3, Proposal: protocol.SentinelRoom})
	resp := r.recv(t, protocol.KindChangeResp)
	assert.Equal(t, int8(3), resp.Room)
	require.True(t, resp.Counter)
	assert.Equal(t, int8(2), resp.Proposal)

	r.send(t, b.Addr(), &protocol.Message{Kind: protocol.KindAck, Room: resp.Proposal})
	require.Eventually(t, member(b, 2, r.addr()), waitFor, 10*time.Millisecond)
	assert.False(t, member(b, 3, r.addr())())
	assert.Zero(t, b.pending.Len())
}

func TestNegotiationAbortedBySentinelCounter(t *testing.T) {
	a := start(t, testConfig())
	r := newRawPeer(t)
	h := a.Hosts().NewHost(3, r.addr())
	require.True(t, a.Hosts().Add(h))

	type result struct {
		room int8
		err  error
	}
	done := make(chan result, 1)
	go func() {
		room, err := a.StartPrivateConversation(context.Background(), h)
		done <- result{room, err}
	}()

	req := r.recv(t, protocol.KindChangeReq)
	assert.Equal(t, int8(3), req.Room)
	assert.Equal(t, int8(0), req.Proposal)
	r.send(t, a.Addr(), &protocol.Message{Kind: protocol.KindChangeResp, Room: 3, Proposal: protocol.SentinelRoom, Counter: true})

	res := <-done
	assert.ErrorIs(t, res.err, transport.ErrRejected)
	assert.True(t, member(a, 3, r.addr())())
	assert.Equal(t, 1, a.Hosts().Len())

	a.events.mu.Lock()
	assert.Equal(t, []netip.AddrPort{r.addr()}, a.events.failed)
	a.events.mu.Unlock()
}

func TestRetransmittedFragmentDeliveredOnce(t *testing.T) {
	b := start(t, testConfig())
	r := newRawPeer(t)
	r.greet(t, b, 3)

	payload := "aaaaaaaaaabbbbbbbbbbccccccccccdddddddddd"
	frames, err := protocol.Fragment(protocol.KindPlain, 3, uint32(r.addr().Port()), []byte(payload), 32)
	require.NoError(t, err)
	require.Greater(t, len(frames), 2)

	// The ACK for the second frame is treated as lost and the frame sent again.
	sent := append([][]byte{frames[0], frames[1]}, frames[1:]...)
	for _, frame := range sent {
		r.sendFrame(t, b.Addr(), frame)
		r.recv(t, protocol.KindAck)
	}

	got := b.events.received()
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0].payload)
}
