// Package node runs one peer of the room protocol: a single receive loop that
// fans datagrams out to handlers, and the room operations (join, leave,
// private conversations, broadcast) built on the reliable transport.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/1ureka/roomchat/internal/config"
	"github.com/1ureka/roomchat/internal/peer"
	"github.com/1ureka/roomchat/internal/protocol"
	"github.com/1ureka/roomchat/internal/registry"
	"github.com/1ureka/roomchat/internal/transport"
	"github.com/1ureka/roomchat/internal/util"
)

var (
	ErrNoFreeRoom    = errors.New("no free room id")
	ErrAlreadyMember = errors.New("peer already registered in room")
	ErrSentinelRoom  = errors.New("room id 127 is reserved")
	ErrNotMember     = errors.New("peer not registered in room")
	ErrSelf          = errors.New("address is the local node")
)

// Notifier is told about membership changes and incoming content.
type Notifier interface {
	RoomMemberAdded(room int8, h *peer.Host)
	PrivateConversationFailed(h *peer.Host)
	MessageReceived(from *peer.Host, kind protocol.Kind, payload []byte)
	InfoReceived(from *peer.Host, text string)
}

type nopNotifier struct{}

func (nopNotifier) RoomMemberAdded(int8, *peer.Host)                  {}
func (nopNotifier) PrivateConversationFailed(*peer.Host)              {}
func (nopNotifier) MessageReceived(*peer.Host, protocol.Kind, []byte) {}
func (nopNotifier) InfoReceived(*peer.Host, string)                   {}

// Deps are the collaborators of a node. Zero fields get defaults.
type Deps struct {
	Log      util.Logger
	Stats    *util.Stats
	Notifier Notifier
}

// Node is the explicit context shared by the receive loop, the handlers and
// the room operations.
type Node struct {
	cfg    config.Config
	log    util.Logger
	stats  *util.Stats
	notify Notifier

	tr      *transport.Transport
	hosts   *registry.HostsList
	pending *transport.PendingTable
	reasm   *Reassembler

	// negMu serializes free-room selection with registration of the
	// negotiation that reserves the chosen id.
	negMu sync.Mutex

	localIPs map[netip.Addr]bool
}

// New binds the node's socket. Call Run to start serving.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Log == nil {
		deps.Log = util.Discard()
	}
	if deps.Stats == nil {
		deps.Stats = util.NewStats()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}

	tr, err := transport.Listen(ctx, cfg.ListenAddr, deps.Log, deps.Stats)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		log:      deps.Log,
		stats:    deps.Stats,
		notify:   deps.Notifier,
		tr:       tr,
		hosts:    registry.New(cfg.MinRTO),
		pending:  transport.NewPendingTable(cfg.PendingTTL),
		reasm:    NewReassembler(),
		localIPs: interfaceIPs(),
	}
	return n, nil
}

// Addr returns the UDP address the node is bound to.
func (n *Node) Addr() netip.AddrPort { return n.tr.LocalAddr() }

// Hosts returns the peer registry.
func (n *Node) Hosts() *registry.HostsList { return n.hosts }

// Stats returns the traffic counters.
func (n *Node) Stats() *util.Stats { return n.stats }

// Close shuts down the socket, which ends Run.
func (n *Node) Close() error {
	return n.tr.Close()
}

// isSelf reports whether addr designates this node.
func (n *Node) isSelf(addr netip.AddrPort) bool {
	local := n.tr.LocalAddr()
	if addr.Port() != local.Port() {
		return false
	}
	ip := addr.Addr().Unmap()
	if ip == local.Addr() {
		return true
	}
	return local.Addr().IsUnspecified() && (ip.IsLoopback() || n.localIPs[ip])
}

// channel returns a reliable channel to h.
func (n *Node) channel(h *peer.Host) *transport.Channel {
	return transport.NewChannel(n.tr, n.pending, h)
}

// frame encodes a control message carrying this node's port.
func (n *Node) frame(kind protocol.Kind, room int8) []byte {
	return n.encode(&protocol.Message{Kind: kind, Room: room})
}

func (n *Node) encode(m *protocol.Message) []byte {
	m.Port = n.tr.Port()
	frame, err := protocol.Encode(m)
	if err != nil {
		// Only unknown kinds fail, which is a programming error.
		panic(err)
	}
	return frame
}

// reply sends a control message to addr without waiting for an answer.
func (n *Node) reply(to netip.AddrPort, kind protocol.Kind, room int8) {
	n.tr.Send(to, n.frame(kind, room))
}

func interfaceIPs() map[netip.Addr]bool {
	ips := make(map[netip.Addr]bool)
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			if ip, ok := netip.AddrFromSlice(ipNet.IP); ok {
				ips[ip.Unmap()] = true
			}
		}
	}
	return ips
}
