// Package protocol defines the datagram format shared by all peers: the kind
// table, frame encoding/decoding, payload fragmentation and peer records.
package protocol

// Kind identifies the message carried by a frame.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAck
	KindNack
	KindHostsReq
	KindHostsResp
	KindHello
	KindBye
	KindCheckCon
	KindCont
	KindChangeReq
	KindChangeResp
	KindInfo
	KindPlain
	KindData
)

// Frame groups (byte 0 of every frame).
const (
	GroupControl byte = 0
	GroupContent byte = 1
)

// SentinelRoom is the "don't care" room id used during negotiation only.
// It is never assigned to a room.
const SentinelRoom int8 = 127

const (
	portLen   = 4
	markerLen = 4
)

// contMarker is appended to a fragment when more continuation frames follow.
var contMarker = []byte("CONT")

// kindSpec is the static wire description of a kind.
//
// args is the number of fixed argument bytes following the tag; variable kinds
// accept any number of trailing payload bytes after them.
type kindSpec struct {
	tag      string
	group    byte
	args     int
	variable bool
}

var kinds = map[Kind]kindSpec{
	KindAck:        {tag: "ACK", group: GroupControl, args: portLen},
	KindNack:       {tag: "NACK", group: GroupControl, args: portLen},
	KindHostsReq:   {tag: "HOSTS_REQ", group: GroupControl, args: portLen},
	KindHostsResp:  {tag: "HOSTS_RESP", group: GroupControl, args: portLen, variable: true},
	KindHello:      {tag: "HELLO", group: GroupControl, args: portLen},
	KindBye:        {tag: "BYE", group: GroupControl, args: portLen},
	KindCheckCon:   {tag: "CHECK_CON", group: GroupControl, args: portLen},
	KindCont:       {tag: "CONT", group: GroupContent, args: portLen, variable: true},
	KindChangeReq:  {tag: "CHNG_DF_REQ", group: GroupControl, args: portLen + 1},
	KindChangeResp: {tag: "CHNG_DF_RESP", group: GroupControl, args: portLen},
	KindInfo:       {tag: "INFO", group: GroupControl, args: portLen, variable: true},
	KindPlain:      {tag: "PLAIN", group: GroupContent, args: portLen, variable: true},
	KindData:       {tag: "DATA", group: GroupContent, args: portLen, variable: true},
}

// decodeOrder is the priority in which frame predicates are tried.
var decodeOrder = []Kind{
	KindAck,
	KindNack,
	KindHello,
	KindBye,
	KindCheckCon,
	KindHostsReq,
	KindHostsResp,
	KindChangeReq,
	KindChangeResp,
	KindPlain,
	KindData,
	KindCont,
	KindInfo,
}

// String returns the wire tag of the kind.
func (k Kind) String() string {
	if s, ok := kinds[k]; ok {
		return s.tag
	}
	return "UNKNOWN"
}

// Group returns the frame group of the kind.
func (k Kind) Group() byte {
	return kinds[k].group
}

// HeaderLen returns the number of bytes taken by group, room and tag.
func (k Kind) HeaderLen() int {
	s, ok := kinds[k]
	if !ok {
		return 0
	}
	return 2 + len(s.tag)
}

// MinLen returns the smallest valid frame size for the kind.
func (k Kind) MinLen() int {
	return k.HeaderLen() + kinds[k].args
}

// Variable reports whether frames of this kind carry a trailing payload.
func (k Kind) Variable() bool {
	return kinds[k].variable
}
