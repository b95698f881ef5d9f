package node

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/roomchat/internal/peer"
	"github.com/1ureka/roomchat/internal/protocol"
	"github.com/1ureka/roomchat/internal/registry"
	"github.com/1ureka/roomchat/internal/transport"
)

// Probe performs a HELLO/ACK handshake with h in its current room.
func (n *Node) Probe(ctx context.Context, h *peer.Host) error {
	req := transport.NewRequest(h.Addr(), h.Room(), protocol.KindAck)
	_, err := n.channel(h).Send(ctx, n.frame(protocol.KindHello, h.Room()), req, n.cfg.Tries)
	return err
}

// JoinRoom greets the peer at addr in room, registers it, and pulls in the
// other members it knows for that room. It returns the joined peer and the
// members discovered through it.
func (n *Node) JoinRoom(ctx context.Context, addr netip.AddrPort, room int8) (*peer.Host, []*peer.Host, error) {
	if room == protocol.SentinelRoom {
		return nil, nil, ErrSentinelRoom
	}
	if n.isSelf(addr) {
		return nil, nil, fmt.Errorf("%w: %s", ErrSelf, addr)
	}
	if _, ok := n.hosts.Find(room, addr); ok {
		return nil, nil, fmt.Errorf("%w: %s in room %d", ErrAlreadyMember, addr, room)
	}

	h := n.hosts.NewHost(room, addr)
	if err := n.Probe(ctx, h); err != nil {
		return nil, nil, fmt.Errorf("failed to greet %s: %w", addr, err)
	}
	n.hosts.Add(h)
	n.log.Info("joined room %d at %s", room, addr)

	req := transport.NewRequest(addr, room, protocol.KindHostsResp)
	resp, err := n.channel(h).Send(ctx, n.frame(protocol.KindHostsReq, room), req, 1)
	if err != nil {
		return h, nil, fmt.Errorf("failed to fetch members of room %d: %w", room, err)
	}

	found, err := n.hosts.Import(ctx, resp.Payload, n.isSelf, n)
	if err != nil {
		return h, nil, fmt.Errorf("invalid member list from %s: %w", addr, err)
	}
	for _, m := range found {
		n.log.Info("discovered %s in room %d", m.Addr(), room)
	}
	return h, found, nil
}

// LeaveRoom says goodbye to every member of room. Members are removed even
// when they do not answer; the returned error lists those that did not.
func (n *Node) LeaveRoom(ctx context.Context, room int8) error {
	members := n.hosts.ByRoom(room)
	if len(members) == 0 {
		return fmt.Errorf("%w: room %d has no members", ErrNotMember, room)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := n.group()
	frame := n.frame(protocol.KindBye, room)
	for _, h := range members {
		g.Go(func() error {
			req := transport.NewRequest(h.Addr(), room, protocol.KindAck)
			_, err := n.channel(h).Send(ctx, frame, req, n.cfg.Tries)
			n.hosts.Remove(h)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("bye to %s: %w", h.Addr(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	n.log.Info("left room %d (%d members)", room, len(members))
	return errors.Join(errs...)
}

// StartPrivateConversation negotiates a room id that is free on both sides
// and moves h into it. It returns the agreed room.
func (n *Node) StartPrivateConversation(ctx context.Context, h *peer.Host) (int8, error) {
	if !n.hosts.Contains(h) {
		return 0, fmt.Errorf("%w: %s", ErrNotMember, h)
	}
	origin := h.Room()

	n.negMu.Lock()
	proposal, ok := n.lowestFree(h.Addr())
	if !ok {
		n.negMu.Unlock()
		n.notify.PrivateConversationFailed(h)
		return 0, ErrNoFreeRoom
	}
	req := n.pending.Register(transport.NewRequest(h.Addr(), proposal, protocol.KindAck).Negotiating(origin))
	n.negMu.Unlock()
	defer n.pending.Remove(req)

	n.log.Info("proposing room %d to %s", proposal, h)
	frame := n.encode(&protocol.Message{Kind: protocol.KindChangeReq, Room: origin, Proposal: proposal})
	if _, err := n.channel(h).Send(ctx, frame, req, n.cfg.Tries); err != nil {
		n.notify.PrivateConversationFailed(h)
		return 0, fmt.Errorf("private conversation with %s failed: %w", h.Addr(), err)
	}

	room := n.pending.Room(req)
	n.log.Info("private conversation with %s in room %d", h.Addr(), room)
	return room, nil
}

// EndPrivateConversation leaves the private room.
func (n *Node) EndPrivateConversation(ctx context.Context, room int8) error {
	return n.LeaveRoom(ctx, room)
}

// Broadcast sends text to every member of room and returns the members that
// never acknowledged it.
func (n *Node) Broadcast(ctx context.Context, room int8, text string) ([]*peer.Host, error) {
	return n.sendContent(ctx, protocol.KindPlain, room, []byte(text))
}

// SendData sends a binary payload to every member of room and returns the
// members that never acknowledged it.
func (n *Node) SendData(ctx context.Context, room int8, data []byte) ([]*peer.Host, error) {
	return n.sendContent(ctx, protocol.KindData, room, data)
}

func (n *Node) sendContent(ctx context.Context, kind protocol.Kind, room int8, payload []byte) ([]*peer.Host, error) {
	frames, err := protocol.Fragment(kind, room, n.tr.Port(), payload, n.cfg.BufferSize)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		failed []*peer.Host
	)
	g := n.group()
	for _, h := range n.hosts.ByRoom(room) {
		g.Go(func() error {
			if err := n.sendFrames(ctx, h, frames); err != nil {
				n.log.Warn("%s to %s failed: %v", kind, h.Addr(), err)
				mu.Lock()
				failed = append(failed, h)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	slices.SortFunc(failed, func(a, b *peer.Host) int { return a.Addr().Compare(b.Addr()) })
	return failed, ctx.Err()
}

// sendFrames delivers the fragments of one message in order, each one
// acknowledged before the next is sent.
func (n *Node) sendFrames(ctx context.Context, h *peer.Host, frames [][]byte) error {
	ch := n.channel(h)
	for _, frame := range frames {
		req := transport.NewRequest(h.Addr(), h.Room(), protocol.KindAck)
		if _, err := ch.Send(ctx, frame, req, n.cfg.Tries); err != nil {
			return err
		}
	}
	return nil
}

// SendInfo sends a short notice to h. INFO frames are never fragmented.
func (n *Node) SendInfo(ctx context.Context, h *peer.Host, text string) error {
	frame := n.encode(&protocol.Message{Kind: protocol.KindInfo, Room: h.Room(), Payload: []byte(text)})
	if len(frame) > n.cfg.BufferSize {
		return fmt.Errorf("%w: INFO of %d bytes exceeds %d", protocol.ErrCapacity, len(frame), n.cfg.BufferSize)
	}
	req := transport.NewRequest(h.Addr(), h.Room(), protocol.KindAck)
	_, err := n.channel(h).Send(ctx, frame, req, n.cfg.Tries)
	return err
}

// CheckAllConnections probes every registered peer with CHECK_CON and
// removes those that do not answer. It returns the removed peers.
func (n *Node) CheckAllConnections(ctx context.Context) []*peer.Host {
	var (
		mu   sync.Mutex
		lost []*peer.Host
	)
	g := n.group()
	for _, h := range n.hosts.All() {
		g.Go(func() error {
			req := transport.NewRequest(h.Addr(), h.Room(), protocol.KindAck)
			if _, err := n.channel(h).Send(ctx, n.frame(protocol.KindCheckCon, h.Room()), req, n.cfg.Tries); err != nil {
				n.hosts.Remove(h)
				n.log.Warn("%s is unreachable, removed", h)
				mu.Lock()
				lost = append(lost, h)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return lost
}

// ListRoomMembers returns the members of room ordered by address.
func (n *Node) ListRoomMembers(room int8) []*peer.Host {
	return n.hosts.ByRoom(room)
}

// LoadPeers merges the persisted peer list into the registry.
func (n *Node) LoadPeers(ctx context.Context, s registry.Store) (int, error) {
	added, err := n.hosts.Load(ctx, s)
	if err != nil {
		return 0, err
	}
	n.log.Info("loaded %d peers", added)
	return added, nil
}

// SavePeers persists the registry.
func (n *Node) SavePeers(ctx context.Context, s registry.Store) error {
	if err := n.hosts.Save(ctx, s); err != nil {
		return err
	}
	n.log.Info("saved %d peers", n.hosts.Len())
	return nil
}

// group returns a worker group for fan-out sends, bounded like the handler
// pool.
func (n *Node) group() *errgroup.Group {
	g := new(errgroup.Group)
	g.SetLimit(n.cfg.Workers)
	return g
}
