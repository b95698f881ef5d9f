package node

import (
	"bytes"
	"sync"
	"time"

	"github.com/1ureka/roomchat/internal/peer"
	"github.com/1ureka/roomchat/internal/protocol"
)

// partial is a fragmented message whose final CONT frame has not arrived.
type partial struct {
	kind    protocol.Kind
	head    []byte // payload of the head frame
	last    []byte // payload of the last appended CONT frame, nil before the first
	payload []byte
	updated time.Time
}

// Reassembler joins PLAIN/DATA head frames with their CONT continuations,
// keyed by sender and room. It is shared by all handler goroutines.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[peer.Key]*partial
	now     func() time.Time
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		buffers: make(map[peer.Key]*partial),
		now:     time.Now,
	}
}

// Feed processes one decoded content frame and returns the complete message
// once its last fragment arrived. ok is false while more fragments are
// expected, or when a CONT frame arrives without a head.
//
// Fragments are sent one at a time, each after the previous one was
// acknowledged, so a frame equal to the one just buffered is a
// retransmission and is not appended again.
func (r *Reassembler) Feed(key peer.Key, m *protocol.Message) (kind protocol.Kind, payload []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch m.Kind {
	case protocol.KindPlain, protocol.KindData:
		if !m.More {
			// A new head replaces any unfinished message from the same sender.
			delete(r.buffers, key)
			return m.Kind, m.Payload, true
		}
		if p, exists := r.buffers[key]; exists && p.kind == m.Kind && bytes.Equal(p.head, m.Payload) {
			p.updated = r.now()
			return 0, nil, false
		}
		r.buffers[key] = &partial{
			kind:    m.Kind,
			head:    append([]byte(nil), m.Payload...),
			payload: append([]byte(nil), m.Payload...),
			updated: r.now(),
		}
		return 0, nil, false

	case protocol.KindCont:
		p, exists := r.buffers[key]
		if !exists {
			return 0, nil, false
		}
		p.updated = r.now()
		if m.More {
			if p.last != nil && bytes.Equal(p.last, m.Payload) {
				return 0, nil, false
			}
			p.last = append([]byte(nil), m.Payload...)
			p.payload = append(p.payload, m.Payload...)
			return 0, nil, false
		}
		p.payload = append(p.payload, m.Payload...)
		delete(r.buffers, key)
		return p.kind, p.payload, true
	}
	return 0, nil, false
}

// Pending reports whether a partial message from key is buffered.
func (r *Reassembler) Pending(key peer.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.buffers[key]
	return ok
}

// Sweep drops partial messages that saw no fragment for longer than ttl.
func (r *Reassembler) Sweep(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	dropped := 0
	for k, p := range r.buffers {
		if p.updated.Before(cutoff) {
			delete(r.buffers, k)
			dropped++
		}
	}
	return dropped
}
