// Package peer describes a remote peer and the per-peer round-trip state used
// to time retransmissions.
package peer

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/1ureka/roomchat/internal/protocol"
)

// Key is the registry identity of a remote peer.
type Key struct {
	Room int8
	Addr netip.AddrPort
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.Addr, k.Room)
}

// Host is a remote peer. Its room id may change after a successful
// renegotiation; every other field is safe for concurrent use.
type Host struct {
	room atomic.Int32
	addr netip.AddrPort

	lastContact atomic.Int64 // unix nanoseconds
	rto         *Estimator
}

// New creates a host in the given room. minRTO bounds its retransmission
// timeout from below.
func New(room int8, addr netip.AddrPort, minRTO time.Duration) *Host {
	h := &Host{
		addr: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
		rto:  NewEstimator(minRTO),
	}
	h.room.Store(int32(room))
	return h
}

// FromRecord creates a host from its wire record.
func FromRecord(r protocol.Record, minRTO time.Duration) *Host {
	return New(r.Room, r.Addr, minRTO)
}

func (h *Host) Room() int8            { return int8(h.room.Load()) }
func (h *Host) Addr() netip.AddrPort  { return h.addr }
func (h *Host) Estimator() *Estimator { return h.rto }

// Key returns the registry identity of h.
func (h *Host) Key() Key {
	return Key{Room: h.Room(), Addr: h.addr}
}

// Record returns the wire record of h.
func (h *Host) Record() protocol.Record {
	return protocol.Record{Room: h.Room(), Addr: h.addr}
}

// SetRoom moves h into another room. Callers holding the registry lock use it
// to keep the registry index consistent.
func (h *Host) SetRoom(room int8) {
	h.room.Store(int32(room))
}

// Touch records a successful contact.
func (h *Host) Touch() {
	h.lastContact.Store(time.Now().UnixNano())
}

// LastContact returns the time of the last successful contact, or the zero
// time when the host never answered.
func (h *Host) LastContact() time.Time {
	ns := h.lastContact.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (h *Host) String() string {
	return h.Key().String()
}
