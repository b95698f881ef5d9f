package node

import (
	"net/netip"

	"github.com/1ureka/roomchat/internal/protocol"
	"github.com/1ureka/roomchat/internal/transport"
)

// free reports whether room can be assigned to a new conversation with the
// peer at with. Rooms reserved by a negotiation with that same peer count as
// free. Callers hold negMu.
func (n *Node) free(room int8, with netip.AddrPort) bool {
	return room != protocol.SentinelRoom &&
		!n.hosts.InUse(room) &&
		!n.pending.Reserved(room, with)
}

// lowestFree scans 0..126 then -128..-1.
func (n *Node) lowestFree(with netip.AddrPort) (int8, bool) {
	for i := 0; i < 256; i++ {
		room := int8(byte(i))
		if n.free(room, with) {
			return room, true
		}
	}
	return 0, false
}

// nextFree returns the first free id in [from, 126].
func (n *Node) nextFree(from int8, with netip.AddrPort) (int8, bool) {
	for room := int(from); room < int(protocol.SentinelRoom); room++ {
		if n.free(int8(room), with) {
			return int8(room), true
		}
	}
	return 0, false
}

// FindFreeRoomID returns the lowest room id that is neither used by a
// registered peer nor reserved by a running negotiation.
func (n *Node) FindFreeRoomID() (int8, bool) {
	n.negMu.Lock()
	defer n.negMu.Unlock()
	return n.lowestFree(netip.AddrPort{})
}

func (n *Node) changeResp(origin int8, counter *int8) []byte {
	m := &protocol.Message{Kind: protocol.KindChangeResp, Room: origin}
	if counter != nil {
		m.Proposal = *counter
		m.Counter = true
	}
	return n.encode(m)
}

// handleChangeReq answers a peer that wants to move the conversation in
// m.Room to a private room.
func (n *Node) handleChangeReq(from netip.AddrPort, m *protocol.Message) {
	if _, ok := n.known(from, m); !ok {
		return
	}

	n.negMu.Lock()
	defer n.negMu.Unlock()

	// A retransmitted request gets the decision already taken.
	if room, ok := n.pending.NegotiationRoom(from); ok {
		n.sendDecision(from, m.Room, m.Proposal, room)
		return
	}

	var (
		choice int8
		ok     bool
	)
	if m.Proposal != protocol.SentinelRoom && n.free(m.Proposal, from) {
		choice, ok = m.Proposal, true
	} else {
		choice, ok = n.lowestFree(from)
	}
	if !ok {
		n.log.Warn("no free room for private conversation with %s", from)
		n.reply(from, protocol.KindNack, m.Proposal)
		return
	}

	n.pending.Expect(transport.NewRequest(from, choice, protocol.KindAck).Negotiating(m.Room))
	n.sendDecision(from, m.Room, m.Proposal, choice)
}

func (n *Node) sendDecision(to netip.AddrPort, origin, proposal, choice int8) {
	if choice == proposal {
		n.log.Info("accepting room %d proposed by %s", choice, to)
		n.tr.Send(to, n.changeResp(origin, nil))
		return
	}
	n.log.Info("room %d proposed by %s is taken, offering %d", proposal, to, choice)
	n.tr.Send(to, n.changeResp(origin, &choice))
}

// handleChangeResp processes the peer's answer to a proposal or
// counter-offer made by this node.
func (n *Node) handleChangeResp(from netip.AddrPort, m *protocol.Message) {
	if _, ok := n.known(from, m); !ok {
		return
	}

	n.negMu.Lock()
	defer n.negMu.Unlock()

	current, ok := n.pending.NegotiationRoom(from)
	if !ok {
		n.log.Warn("CHNG_DF_RESP from %s without a negotiation, dropped", from)
		return
	}

	switch {
	case !m.Counter:
		n.commit(from, m.Room, current)

	case m.Proposal == protocol.SentinelRoom:
		n.log.Warn("%s gave up negotiating a private room", from)
		n.pending.Abort(from)

	case n.free(m.Proposal, from):
		n.commit(from, m.Room, m.Proposal)

	default:
		next, ok := n.nextFree(m.Proposal, from)
		if !ok {
			n.log.Warn("no free room left to counter %s, aborting", from)
			sentinel := protocol.SentinelRoom
			n.tr.Send(from, n.changeResp(m.Room, &sentinel))
			n.pending.Abort(from)
			return
		}
		n.log.Info("room %d offered by %s is taken, offering %d", m.Proposal, from, next)
		n.pending.Retarget(from, next)
		n.tr.Send(from, n.changeResp(m.Room, &next))
	}
}

// commit moves the peer into room and confirms with an ACK in that room.
// Callers hold negMu.
func (n *Node) commit(from netip.AddrPort, origin, room int8) {
	if _, err := n.hosts.ChangeRoom(from, origin, room); err != nil {
		n.log.Warn("cannot move %s to room %d: %v", from, room, err)
		n.pending.Abort(from)
		return
	}
	n.log.Info("%s moved from room %d to room %d", from, origin, room)
	n.reply(from, protocol.KindAck, room)
	n.pending.Complete(from, room)
}
