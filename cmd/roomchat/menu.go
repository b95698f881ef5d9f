package main

import (
	"context"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/roomchat/internal/node"
	"github.com/1ureka/roomchat/internal/peer"
	"github.com/1ureka/roomchat/internal/util"
)

const (
	optJoin      = "Join a room"
	optLeave     = "Leave a room"
	optBroadcast = "Send a message"
	optMembers   = "List room members"
	optPrivate   = "Start a private conversation"
	optEnd       = "End a private conversation"
	optCheck     = "Check all connections"
	optQuit      = "Quit"
)

// runMenu shows the interactive menu until the user quits or ctx ends.
func runMenu(ctx context.Context, n *node.Node, log util.Logger) {
	options := []string{optJoin, optLeave, optBroadcast, optMembers, optPrivate, optEnd, optCheck, optQuit}

	for ctx.Err() == nil {
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions(options).
			WithDefaultText("Select an action").
			Show()
		if err != nil || choice == optQuit {
			return
		}
		pterm.Println()

		switch choice {
		case optJoin:
			addr := askAddr("Peer address (host:port)")
			room := askRoom()
			if _, found, err := n.JoinRoom(ctx, addr, room); err != nil {
				log.Error("%v", err)
			} else {
				pterm.Success.Printfln("joined room %d (%d other members)", room, len(found))
			}

		case optLeave:
			if err := n.LeaveRoom(ctx, askRoom()); err != nil {
				log.Warn("%v", err)
			}

		case optBroadcast:
			room := askRoom()
			text := ask("Message")
			failed, err := n.Broadcast(ctx, room, text)
			if err != nil {
				log.Error("%v", err)
			}
			for _, h := range failed {
				log.Warn("%s did not receive the message", h.Addr())
			}

		case optMembers:
			printMembers(n.ListRoomMembers(askRoom()))

		case optPrivate:
			room := askRoom()
			h, ok := pickMember(n.ListRoomMembers(room))
			if !ok {
				log.Warn("room %d has no members", room)
				continue
			}
			if private, err := n.StartPrivateConversation(ctx, h); err != nil {
				log.Error("%v", err)
			} else {
				pterm.Success.Printfln("private conversation with %s in room %d", h.Addr(), private)
			}

		case optEnd:
			if err := n.EndPrivateConversation(ctx, askRoom()); err != nil {
				log.Warn("%v", err)
			}

		case optCheck:
			lost := n.CheckAllConnections(ctx)
			pterm.Info.Printfln("%d peers reachable, %d removed", n.Hosts().Len(), len(lost))
		}
		pterm.Println()
	}
}

func printMembers(hosts []*peer.Host) {
	data := pterm.TableData{{"Room", "Address", "Last contact", "SRTT"}}
	for _, h := range hosts {
		srtt := "-"
		if d, ok := h.Estimator().SRTT(); ok {
			srtt = d.String()
		}
		last := "-"
		if t := h.LastContact(); !t.IsZero() {
			last = t.Format("15:04:05")
		}
		data = append(data, []string{strconv.Itoa(int(h.Room())), h.Addr().String(), last, srtt})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func pickMember(hosts []*peer.Host) (*peer.Host, bool) {
	if len(hosts) == 0 {
		return nil, false
	}
	options := make([]string, len(hosts))
	for i, h := range hosts {
		options[i] = h.Addr().String()
	}
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select a peer").
		Show()
	pterm.Println()
	for _, h := range hosts {
		if h.Addr().String() == choice {
			return h, true
		}
	}
	return nil, false
}

func ask(prompt string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(prompt).
		Show()
	pterm.Println()
	return strings.TrimSpace(raw)
}

// askRoom prompts for a room id until a valid one is entered.
func askRoom() int8 {
	for {
		room, err := strconv.Atoi(ask("Room (-128 ~ 126)"))
		if err == nil && room >= -128 && room <= 126 {
			return int8(room)
		}
		pterm.Warning.Println("invalid room: must be -128 ~ 126")
	}
}

// askAddr prompts for a peer address until a valid one is entered.
func askAddr(prompt string) netip.AddrPort {
	for {
		addr, err := netip.ParseAddrPort(ask(prompt))
		if err == nil && addr.Addr().Unmap().Is4() {
			return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		}
		pterm.Warning.Println("invalid address: expected an IPv4 host:port")
	}
}
