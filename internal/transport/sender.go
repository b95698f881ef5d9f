package transport

import (
	"context"
	"net"
	"net/netip"

	"github.com/1ureka/roomchat/internal/util"
)

const sendBufferSize = 256 // outgoing datagram channel capacity

type datagram struct {
	to    netip.AddrPort
	frame []byte
}

// sender is the single writer of the socket. All outgoing datagrams pass
// through its inbox so that socket writes never race with each other.
type sender struct {
	inbox chan datagram
}

// newSender starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, conn *net.UDPConn, log util.Logger, stats *util.Stats) *sender {
	s := &sender{
		inbox: make(chan datagram, sendBufferSize),
	}
	go s.loop(ctx, conn, log, stats)
	return s
}

func (s *sender) loop(ctx context.Context, conn *net.UDPConn, log util.Logger, stats *util.Stats) {
	for {
		select {
		case d := <-s.inbox:
			n, err := conn.WriteToUDPAddrPort(d.frame, d.to)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				log.Error("failed to send %d bytes to %s: %v", len(d.frame), d.to, err)
				continue
			}
			stats.AddSent(n)

		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a datagram. It blocks if the internal buffer is full and
// returns silently when ctx is already cancelled.
func (s *sender) send(ctx context.Context, d datagram) {
	select {
	case s.inbox <- d:
	case <-ctx.Done():
	}
}
