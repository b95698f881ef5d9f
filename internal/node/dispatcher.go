package node

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/roomchat/internal/protocol"
	"github.com/1ureka/roomchat/internal/transport"
)

// Run owns the receive loop. It only reads datagrams and hands each one to
// a handler on the bounded worker pool; datagrams arriving while every
// worker is busy are dropped. Run returns when the node is closed or ctx is
// cancelled, after running handlers have finished.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		n.tr.Close()
	}()
	go n.sweepLoop(ctx)

	var workers errgroup.Group
	workers.SetLimit(n.cfg.Workers)
	defer workers.Wait()

	buf := make([]byte, n.cfg.BufferSize)
	for {
		size, from, err := n.tr.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			n.log.Error("receive failed: %v", err)
			continue
		}

		frame := bytes.Clone(buf[:size])
		if !workers.TryGo(func() error {
			n.dispatch(from, frame)
			return nil
		}) {
			n.stats.AddDropped()
			n.log.Warn("all %d workers busy, dropping %d bytes from %s", n.cfg.Workers, size, from)
		}
	}
}

// sweepLoop periodically purges stale pending requests and partial messages.
func (n *Node) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if dropped := n.pending.Sweep(); dropped > 0 {
				n.log.Debug("purged %d stale pending requests", dropped)
			}
			if dropped := n.reasm.Sweep(n.cfg.PendingTTL); dropped > 0 {
				n.log.Debug("purged %d unfinished messages", dropped)
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch decodes one datagram and runs the handler for its kind.
func (n *Node) dispatch(src netip.AddrPort, frame []byte) {
	m, err := protocol.Decode(frame)
	if err != nil {
		n.stats.AddDropped()
		n.log.Warn("dropping malformed frame from %s: %v", src, err)
		return
	}
	if m.Port == 0 || m.Port > 0xFFFF {
		n.stats.AddDropped()
		n.log.Warn("dropping %s from %s: invalid port %d", m.Kind, src, m.Port)
		return
	}

	// Peers are identified by source IP and the port they announce.
	from := netip.AddrPortFrom(src.Addr(), uint16(m.Port))
	n.log.Debug("%s room=%d from %s (%d bytes)", m.Kind, m.Room, from, len(frame))

	switch m.Kind {
	case protocol.KindHello:
		n.handleHello(from, m)
	case protocol.KindBye:
		n.handleBye(from, m)
	case protocol.KindCheckCon:
		n.handleCheckCon(from, m)
	case protocol.KindAck:
		n.handleAck(from, m)
	case protocol.KindNack:
		n.handleNack(from, m)
	case protocol.KindHostsReq:
		n.handleHostsReq(from, m)
	case protocol.KindHostsResp:
		n.handleHostsResp(from, m)
	case protocol.KindChangeReq:
		n.handleChangeReq(from, m)
	case protocol.KindChangeResp:
		n.handleChangeResp(from, m)
	case protocol.KindPlain, protocol.KindData, protocol.KindCont:
		n.handleContent(from, m)
	case protocol.KindInfo:
		n.handleInfo(from, m)
	}
}
