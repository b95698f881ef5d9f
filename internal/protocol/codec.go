package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnknownFrame = errors.New("unknown frame")
	ErrShortFrame   = errors.New("frame too short")
	ErrUnknownKind  = errors.New("unknown kind")
	ErrCapacity     = errors.New("buffer capacity too small")
)

// Message is the decoded form of a frame.
type Message struct {
	Kind Kind
	Room int8
	Port uint32 // listening port of the sender

	// Proposal is the proposed room id of CHNG_DF_REQ, or the counter-offer
	// of CHNG_DF_RESP when Counter is set.
	Proposal int8
	Counter  bool

	Payload []byte // trailing bytes of variable kinds, marker stripped
	More    bool   // a CONT marker was stripped: more fragments follow
}

// Encode serializes m into a single frame. Payloads are not fragmented here;
// use Fragment for PLAIN and DATA.
func Encode(m *Message) ([]byte, error) {
	spec, ok := kinds[m.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, m.Kind)
	}

	buf := make([]byte, 0, m.Kind.MinLen()+1+len(m.Payload)+markerLen)
	buf = append(buf, spec.group, byte(m.Room))
	buf = append(buf, spec.tag...)
	buf = binary.BigEndian.AppendUint32(buf, m.Port)

	switch m.Kind {
	case KindChangeReq:
		buf = append(buf, byte(m.Proposal))
	case KindChangeResp:
		if m.Counter {
			buf = append(buf, byte(m.Proposal))
		}
	}

	if spec.variable {
		buf = append(buf, m.Payload...)
		if m.More {
			buf = append(buf, contMarker...)
		}
	}
	return buf, nil
}

// Check returns the kind of frame, or KindUnknown when no kind predicate
// accepts it.
func Check(frame []byte) Kind {
	for _, k := range decodeOrder {
		if matches(k, frame) {
			return k
		}
	}
	return KindUnknown
}

// matches checks the group, the exact tag bytes and the frame length of kind k.
func matches(k Kind, frame []byte) bool {
	spec := kinds[k]
	want := k.MinLen()

	if len(frame) < want {
		return false
	}
	if frame[0] != spec.group {
		return false
	}
	if !bytes.Equal(frame[2:2+len(spec.tag)], []byte(spec.tag)) {
		return false
	}

	switch {
	case spec.variable:
		return true
	case k == KindChangeResp:
		return len(frame) == want || len(frame) == want+1
	default:
		return len(frame) == want
	}
}

// Decode parses a frame. Frames no predicate accepts yield ErrUnknownFrame.
func Decode(frame []byte) (*Message, error) {
	if len(frame) < 2 {
		return nil, ErrShortFrame
	}

	k := Check(frame)
	if k == KindUnknown {
		return nil, fmt.Errorf("%w (%d bytes)", ErrUnknownFrame, len(frame))
	}

	off := k.HeaderLen()
	m := &Message{
		Kind: k,
		Room: int8(frame[1]),
		Port: binary.BigEndian.Uint32(frame[off : off+portLen]),
	}
	off += portLen

	switch k {
	case KindChangeReq:
		m.Proposal = int8(frame[off])
	case KindChangeResp:
		if len(frame) > off {
			m.Proposal = int8(frame[off])
			m.Counter = true
		}
	}

	if k.Variable() {
		rest := frame[off:]
		if (k == KindPlain || k == KindData || k == KindCont) && bytes.HasSuffix(rest, contMarker) {
			rest = rest[:len(rest)-markerLen]
			m.More = true
		}
		m.Payload = append([]byte(nil), rest...)
	}
	return m, nil
}
