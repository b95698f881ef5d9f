package node

import (
	"net/netip"

	"github.com/1ureka/roomchat/internal/peer"
	"github.com/1ureka/roomchat/internal/protocol"
	"github.com/1ureka/roomchat/internal/transport"
)

// known looks up the sender of m. Unknown senders are logged and dropped
// without reply.
func (n *Node) known(from netip.AddrPort, m *protocol.Message) (*peer.Host, bool) {
	h, ok := n.hosts.Find(m.Room, from)
	if !ok {
		n.stats.AddDropped()
		n.log.Warn("%s from unknown peer %s in room %d, dropped", m.Kind, from, m.Room)
	}
	return h, ok
}

func (n *Node) handleHello(from netip.AddrPort, m *protocol.Message) {
	if m.Room == protocol.SentinelRoom {
		n.stats.AddDropped()
		n.log.Warn("HELLO from %s for reserved room %d, dropped", from, m.Room)
		return
	}

	h, ok := n.hosts.Find(m.Room, from)
	if !ok {
		h = n.hosts.NewHost(m.Room, from)
		if n.hosts.Add(h) {
			n.log.Info("%s joined room %d", from, m.Room)
			n.notify.RoomMemberAdded(m.Room, h)
		}
	}
	h.Touch()
	n.reply(from, protocol.KindAck, m.Room)
}

func (n *Node) handleBye(from netip.AddrPort, m *protocol.Message) {
	h, ok := n.known(from, m)
	if !ok {
		return
	}
	n.hosts.Remove(h)
	n.log.Info("%s left room %d", from, m.Room)
	n.reply(from, protocol.KindAck, m.Room)
}

func (n *Node) handleCheckCon(from netip.AddrPort, m *protocol.Message) {
	h, ok := n.known(from, m)
	if !ok {
		return
	}
	h.Touch()
	n.reply(from, protocol.KindAck, m.Room)
}

// handleAck resolves the matching request. A negotiation ACK moves the sender
// into the agreed room within the same critical section.
func (n *Node) handleAck(from netip.AddrPort, m *protocol.Message) {
	_, ok := n.pending.Resolve(from, m, func(r *transport.Request) {
		if !r.Negotiation() {
			return
		}
		if _, err := n.hosts.ChangeRoom(from, r.Origin, r.Room); err != nil {
			n.log.Warn("cannot move %s from room %d to %d: %v", from, r.Origin, r.Room, err)
			return
		}
		n.log.Info("%s moved from room %d to room %d", from, r.Origin, r.Room)
	})
	if !ok {
		n.log.Debug("unexpected ACK from %s in room %d, possibly a duplicate", from, m.Room)
	}
}

func (n *Node) handleNack(from netip.AddrPort, m *protocol.Message) {
	if !n.pending.Reject(from, m.Room) {
		n.log.Debug("unexpected NACK from %s in room %d", from, m.Room)
		return
	}
	n.log.Warn("%s rejected request for room %d", from, m.Room)
}

func (n *Node) handleHostsReq(from netip.AddrPort, m *protocol.Message) {
	if _, ok := n.known(from, m); !ok {
		return
	}

	payload, err := n.hosts.ExportRoom(m.Room)
	if err != nil {
		n.log.Error("cannot export room %d: %v", m.Room, err)
		return
	}

	// HOSTS_RESP is never fragmented; keep whole records that fit.
	limit := n.cfg.BufferSize - protocol.KindHostsResp.MinLen()
	if len(payload) > limit {
		limit -= limit % protocol.RecordLen
		n.log.Warn("room %d peer list truncated to %d of %d peers", m.Room, limit/protocol.RecordLen, len(payload)/protocol.RecordLen)
		payload = payload[:limit]
	}

	n.tr.Send(from, n.encode(&protocol.Message{Kind: protocol.KindHostsResp, Room: m.Room, Payload: payload}))
}

// handleHostsResp hands the peer list to the waiting join; the joiner
// imports it.
func (n *Node) handleHostsResp(from netip.AddrPort, m *protocol.Message) {
	if _, ok := n.pending.Resolve(from, m, nil); !ok {
		n.stats.AddDropped()
		n.log.Warn("unsolicited HOSTS_RESP from %s in room %d, dropped", from, m.Room)
	}
}

// handleContent acknowledges PLAIN, DATA and CONT frames and surfaces a
// message once its last fragment arrived.
func (n *Node) handleContent(from netip.AddrPort, m *protocol.Message) {
	h, ok := n.known(from, m)
	if !ok {
		return
	}
	h.Touch()

	key := peer.Key{Room: m.Room, Addr: from}
	if m.Kind == protocol.KindCont && !n.reasm.Pending(key) {
		n.log.Warn("CONT from %s in room %d without a message head", from, m.Room)
	}

	if kind, payload, done := n.reasm.Feed(key, m); done {
		n.log.Debug("%s from %s in room %d: %d bytes", kind, from, m.Room, len(payload))
		n.notify.MessageReceived(h, kind, payload)
	}
	n.reply(from, protocol.KindAck, m.Room)
}

func (n *Node) handleInfo(from netip.AddrPort, m *protocol.Message) {
	h, ok := n.known(from, m)
	if !ok {
		return
	}
	h.Touch()
	n.notify.InfoReceived(h, string(m.Payload))
	n.reply(from, protocol.KindAck, m.Room)
}
