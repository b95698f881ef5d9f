package main

import (
	"github.com/pterm/pterm"

	"github.com/1ureka/roomchat/internal/node"
	"github.com/1ureka/roomchat/internal/peer"
	"github.com/1ureka/roomchat/internal/protocol"
)

// notifiers fans node events out to several sinks.
type notifiers []node.Notifier

func (ns notifiers) RoomMemberAdded(room int8, h *peer.Host) {
	for _, n := range ns {
		n.RoomMemberAdded(room, h)
	}
}

func (ns notifiers) PrivateConversationFailed(h *peer.Host) {
	for _, n := range ns {
		n.PrivateConversationFailed(h)
	}
}

func (ns notifiers) MessageReceived(from *peer.Host, kind protocol.Kind, payload []byte) {
	for _, n := range ns {
		n.MessageReceived(from, kind, payload)
	}
}

func (ns notifiers) InfoReceived(from *peer.Host, text string) {
	for _, n := range ns {
		n.InfoReceived(from, text)
	}
}

// console prints events to the terminal.
type console struct{}

func (console) RoomMemberAdded(room int8, h *peer.Host) {
	pterm.Info.Printfln("%s joined room %d", h.Addr(), room)
}

func (console) PrivateConversationFailed(h *peer.Host) {
	pterm.Warning.Printfln("private conversation with %s failed", h.Addr())
}

func (console) MessageReceived(from *peer.Host, kind protocol.Kind, payload []byte) {
	if kind == protocol.KindData {
		pterm.Info.Printfln("[room %d] %s sent %d bytes of data", from.Room(), from.Addr(), len(payload))
		return
	}
	pterm.Printfln("[room %d] %s: %s", from.Room(), from.Addr(), payload)
}

func (console) InfoReceived(from *peer.Host, text string) {
	pterm.Info.Printfln("[room %d] %s %s", from.Room(), from.Addr(), text)
}
