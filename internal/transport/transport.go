// Package transport moves frames between peers over UDP. It owns the socket,
// correlates requests with their replies and retransmits unanswered frames
// with an adaptive timeout.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/1ureka/roomchat/internal/util"
)

var ErrClosed = errors.New("transport closed")

// Transport wraps one UDP socket. Writes are serialized through a sender
// goroutine; reads are left to a single receive loop owned by the caller.
//
// Its lifecycle is governed by the context passed at construction time and
// by Close.
type Transport struct {
	conn   *net.UDPConn
	sender *sender
	local  netip.AddrPort

	log   util.Logger
	stats *util.Stats

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Listen binds a UDP socket on addr (e.g. "0.0.0.0:7070", ":0").
func Listen(ctx context.Context, addr string, log util.Logger, stats *util.Stats) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	tCtx, tCancel := context.WithCancel(ctx)
	t := &Transport{
		conn:   conn,
		local:  conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		log:    log,
		stats:  stats,
		ctx:    tCtx,
		cancel: tCancel,
	}
	t.sender = newSender(tCtx, conn, log, stats)

	// Parent cancellation closes the socket and unblocks the receive loop.
	go func() {
		<-tCtx.Done()
		t.Close()
	}()

	return t, nil
}

// LocalAddr returns the bound address.
func (t *Transport) LocalAddr() netip.AddrPort { return t.local }

// Port returns the listening port announced in every frame.
func (t *Transport) Port() uint32 { return uint32(t.local.Port()) }

// Stats returns the traffic counters of the transport.
func (t *Transport) Stats() *util.Stats { return t.stats }

// Send enqueues frame for to without waiting for any reply.
func (t *Transport) Send(to netip.AddrPort, frame []byte) {
	t.sender.send(t.ctx, datagram{to: to, frame: frame})
}

// ReadFrom blocks until a datagram arrives. It returns ErrClosed once the
// transport has been shut down.
func (t *Transport) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	n, from, err := t.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
			return 0, netip.AddrPort{}, ErrClosed
		}
		return 0, netip.AddrPort{}, err
	}
	t.stats.AddRecv(n)
	return n, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), nil
}

// Done returns a channel that is closed when the transport shuts down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the sender and the socket.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
	})
	return err
}
