// Package registry keeps the set of known remote peers, grouped by room.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/roomchat/internal/peer"
	"github.com/1ureka/roomchat/internal/protocol"
)

var ErrNotFound = errors.New("peer not registered")

// Prober performs a liveness handshake with a newly discovered peer.
type Prober interface {
	Probe(ctx context.Context, h *peer.Host) error
}

// Store is the persistence collaborator of the registry.
type Store interface {
	LoadPeers(ctx context.Context) ([]protocol.Record, error)
	SavePeers(ctx context.Context, records []protocol.Record) error
}

// HostsList is the set of known remote peers. No two entries share the same
// (room, address, port).
type HostsList struct {
	mu     sync.RWMutex
	hosts  map[peer.Key]*peer.Host
	minRTO time.Duration
}

// New returns an empty registry. minRTO is applied to hosts created from
// imported or loaded records.
func New(minRTO time.Duration) *HostsList {
	return &HostsList{
		hosts:  make(map[peer.Key]*peer.Host),
		minRTO: minRTO,
	}
}

// NewHost creates an unregistered host with the registry's RTO settings.
func (l *HostsList) NewHost(room int8, addr netip.AddrPort) *peer.Host {
	return peer.New(room, addr, l.minRTO)
}

// Add registers h. It reports false when an equal peer is already present.
func (l *HostsList) Add(h *peer.Host) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := h.Key()
	if _, ok := l.hosts[k]; ok {
		return false
	}
	l.hosts[k] = h
	return true
}

// Remove unregisters h. It reports whether h was registered.
func (l *HostsList) Remove(h *peer.Host) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := h.Key()
	if cur, ok := l.hosts[k]; ok && cur == h {
		delete(l.hosts, k)
		return true
	}
	return false
}

// Contains reports whether a peer equal to h is registered.
func (l *HostsList) Contains(h *peer.Host) bool {
	_, ok := l.Find(h.Room(), h.Addr())
	return ok
}

// Find returns the peer at addr in room.
func (l *HostsList) Find(room int8, addr netip.AddrPort) (*peer.Host, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.hosts[peer.Key{Room: room, Addr: addr}]
	return h, ok
}

// FindAddr returns the first peer in room with the given IP, whatever its port.
func (l *HostsList) FindAddr(room int8, ip netip.Addr) (*peer.Host, bool) {
	for _, h := range l.ByRoom(room) {
		if h.Addr().Addr() == ip {
			return h, true
		}
	}
	return nil, false
}

// ByRoom returns the members of room ordered by address.
func (l *HostsList) ByRoom(room int8) []*peer.Host {
	l.mu.RLock()
	var out []*peer.Host
	for k, h := range l.hosts {
		if k.Room == room {
			out = append(out, h)
		}
	}
	l.mu.RUnlock()

	sortHosts(out)
	return out
}

// All returns every registered peer ordered by room then address.
func (l *HostsList) All() []*peer.Host {
	l.mu.RLock()
	out := make([]*peer.Host, 0, len(l.hosts))
	for _, h := range l.hosts {
		out = append(out, h)
	}
	l.mu.RUnlock()

	sortHosts(out)
	return out
}

// InUse reports whether any registered peer is in room.
func (l *HostsList) InUse(room int8) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for k := range l.hosts {
		if k.Room == room {
			return true
		}
	}
	return false
}

// Len returns the number of registered peers.
func (l *HostsList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.hosts)
}

// ChangeRoom moves the peer at addr from one room to another in a single
// step. If the peer is already registered in the target room, the old entry
// is dropped.
func (l *HostsList) ChangeRoom(addr netip.AddrPort, from, to int8) (*peer.Host, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := peer.Key{Room: from, Addr: addr}
	h, ok := l.hosts[old]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, old)
	}
	delete(l.hosts, old)

	target := peer.Key{Room: to, Addr: addr}
	if cur, exists := l.hosts[target]; exists {
		return cur, nil
	}
	h.SetRoom(to)
	l.hosts[target] = h
	return h, nil
}

// ExportRoom encodes every member of room as a HOSTS_RESP payload.
func (l *HostsList) ExportRoom(room int8) ([]byte, error) {
	members := l.ByRoom(room)
	buf := make([]byte, 0, len(members)*protocol.RecordLen)
	for _, h := range members {
		var err error
		if buf, err = protocol.AppendRecord(buf, h.Record()); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Import decodes a HOSTS_RESP payload and registers every peer that is not
// the local node, not yet known and answers a handshake. It returns the newly
// discovered peers. Records in the sentinel room are ignored. A payload whose
// length is not a multiple of the record size yields
// protocol.ErrMalformedRecords.
func (l *HostsList) Import(ctx context.Context, payload []byte, isSelf func(netip.AddrPort) bool, prober Prober) ([]*peer.Host, error) {
	records, err := protocol.DecodeRecords(payload)
	if err != nil {
		return nil, err
	}

	var found []*peer.Host
	for _, r := range records {
		if r.Room == protocol.SentinelRoom {
			continue
		}
		if isSelf != nil && isSelf(r.Addr) {
			continue
		}
		if _, ok := l.Find(r.Room, r.Addr); ok {
			continue
		}

		h := peer.FromRecord(r, l.minRTO)
		if prober != nil {
			if err := prober.Probe(ctx, h); err != nil {
				continue
			}
		}
		if l.Add(h) {
			found = append(found, h)
		}
	}
	return found, nil
}

// Load merges the stored peer list into the registry without duplicating
// peers already present. It returns the number of peers added.
func (l *HostsList) Load(ctx context.Context, s Store) (int, error) {
	records, err := s.LoadPeers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load peers: %w", err)
	}

	added := 0
	for _, r := range records {
		if r.Room == protocol.SentinelRoom {
			continue
		}
		if l.Add(peer.FromRecord(r, l.minRTO)) {
			added++
		}
	}
	return added, nil
}

// Save writes every registered peer to s.
func (l *HostsList) Save(ctx context.Context, s Store) error {
	hosts := l.All()
	records := make([]protocol.Record, 0, len(hosts))
	for _, h := range hosts {
		records = append(records, h.Record())
	}
	if err := s.SavePeers(ctx, records); err != nil {
		return fmt.Errorf("failed to save peers: %w", err)
	}
	return nil
}

func sortHosts(hosts []*peer.Host) {
	slices.SortFunc(hosts, func(a, b *peer.Host) int {
		if a.Room() != b.Room() {
			return int(a.Room()) - int(b.Room())
		}
		return a.Addr().Compare(b.Addr())
	})
}
