// Package feed streams node events to local websocket clients.
package feed

import (
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/roomchat/internal/peer"
	"github.com/1ureka/roomchat/internal/protocol"
)

// EventType identifies the kind of feed event.
type EventType string

const (
	EventMemberAdded   EventType = "member_added"
	EventPrivateFailed EventType = "private_failed"
	EventMessage       EventType = "message"
	EventInfo          EventType = "info"
)

// Event is the JSON structure pushed to every subscriber.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Room int8      `json:"room"`
	Peer string    `json:"peer"`
	Kind string    `json:"kind,omitempty"`
	Text string    `json:"text,omitempty"`
	Data []byte    `json:"data,omitempty"` // DATA payloads, base64 in JSON
}

func newEvent(typ EventType, h *peer.Host) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: typ,
		Time: time.Now(),
		Room: h.Room(),
		Peer: h.Addr().String(),
	}
}

// RoomMemberAdded implements the node notifier.
func (f *Feed) RoomMemberAdded(room int8, h *peer.Host) {
	e := newEvent(EventMemberAdded, h)
	e.Room = room
	f.publish(e)
}

// PrivateConversationFailed implements the node notifier.
func (f *Feed) PrivateConversationFailed(h *peer.Host) {
	f.publish(newEvent(EventPrivateFailed, h))
}

// MessageReceived implements the node notifier.
func (f *Feed) MessageReceived(from *peer.Host, kind protocol.Kind, payload []byte) {
	e := newEvent(EventMessage, from)
	e.Kind = kind.String()
	if kind == protocol.KindData {
		e.Data = payload
	} else {
		e.Text = string(payload)
	}
	f.publish(e)
}

// InfoReceived implements the node notifier.
func (f *Feed) InfoReceived(from *peer.Host, text string) {
	e := newEvent(EventInfo, from)
	e.Text = text
	f.publish(e)
}
