package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/roomchat/internal/peer"
	"github.com/1ureka/roomchat/internal/protocol"
)

var (
	ErrTimeout  = errors.New("no reply")
	ErrRejected = errors.New("request rejected")
)

// Channel sends frames to one remote peer and waits for their replies,
// retransmitting after the peer's current RTO.
type Channel struct {
	tr      *Transport
	pending *PendingTable
	host    *peer.Host
}

// NewChannel binds a reliable channel to host.
func NewChannel(tr *Transport, pending *PendingTable, host *peer.Host) *Channel {
	return &Channel{tr: tr, pending: pending, host: host}
}

// Host returns the remote peer of the channel.
func (c *Channel) Host() *peer.Host { return c.host }

// Post sends frame once without expecting a reply.
func (c *Channel) Post(frame []byte) {
	c.tr.Send(c.host.Addr(), frame)
}

// Send transmits frame up to tries times until expect is resolved. Each
// attempt waits one RTO. Round-trip samples are only taken from attempts that
// were not retransmissions.
//
// It returns the matching reply, ErrRejected when the request was cleared by
// a NACK, ErrTimeout when tries ran out, or ctx.Err() when the caller gave up.
func (c *Channel) Send(ctx context.Context, frame []byte, expect *Request, tries int) (*protocol.Message, error) {
	r := c.pending.Register(expect)
	defer c.pending.Remove(r)

	retransmitted := false
	for attempt := 0; attempt < tries; attempt++ {
		rto := c.host.Estimator().RTO()
		if retransmitted {
			c.tr.Stats().AddRetransmit()
		}

		start := time.Now()
		c.tr.Send(c.host.Addr(), frame)

		timer := time.NewTimer(rto)
		select {
		case <-r.Done():
			timer.Stop()
			return c.settle(r, retransmitted, time.Since(start))

		case <-timer.C:
			retransmitted = true

		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()

		case <-c.tr.Done():
			timer.Stop()
			return nil, ErrClosed
		}
	}

	// A late reply may still have arrived after the last timer fired.
	if c.pending.Received(r) {
		c.host.Touch()
		return c.pending.Reply(r), nil
	}
	return nil, fmt.Errorf("%w from %s after %d tries", ErrTimeout, c.host, tries)
}

func (c *Channel) settle(r *Request, retransmitted bool, elapsed time.Duration) (*protocol.Message, error) {
	if !c.pending.Received(r) {
		return nil, fmt.Errorf("%w by %s", ErrRejected, c.host)
	}

	c.host.Touch()
	if !retransmitted {
		c.host.Estimator().Sample(elapsed)
	}
	return c.pending.Reply(r), nil
}
