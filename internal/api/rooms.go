package api

import (
	"errors"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/1ureka/roomchat/internal/node"
	"github.com/1ureka/roomchat/internal/peer"
	"github.com/1ureka/roomchat/internal/protocol"
	"github.com/1ureka/roomchat/internal/transport"
)

// PeerInfo describes one registered peer.
type PeerInfo struct {
	Room        int8   `json:"room"`
	Addr        string `json:"addr"`
	LastContact int64  `json:"lastContact,omitempty"` // unix seconds
	SRTTMillis  int64  `json:"srttMs,omitempty"`
}

// PeerRequest names a peer by address.
type PeerRequest struct {
	Addr string `json:"addr" binding:"required"`
}

// TextRequest carries a message for a room or peer.
type TextRequest struct {
	Addr string `json:"addr"`
	Text string `json:"text" binding:"required"`
}

// JoinResponse is returned by POST /rooms/:room/join.
type JoinResponse struct {
	Peer       PeerInfo   `json:"peer"`
	Discovered []PeerInfo `json:"discovered"`
}

// BroadcastResponse lists the members that did not acknowledge.
type BroadcastResponse struct {
	Unreachable []PeerInfo `json:"unreachable"`
}

// RoomResponse carries a room id.
type RoomResponse struct {
	Room int8 `json:"room"`
}

func peerInfo(h *peer.Host) PeerInfo {
	info := PeerInfo{Room: h.Room(), Addr: h.Addr().String()}
	if t := h.LastContact(); !t.IsZero() {
		info.LastContact = t.Unix()
	}
	if srtt, ok := h.Estimator().SRTT(); ok {
		info.SRTTMillis = srtt.Milliseconds()
	}
	return info
}

func peerInfos(hosts []*peer.Host) []PeerInfo {
	infos := make([]PeerInfo, 0, len(hosts))
	for _, h := range hosts {
		infos = append(infos, peerInfo(h))
	}
	return infos
}

// roomParam parses the :room path parameter as a signed byte.
func roomParam(c *gin.Context) (int8, bool) {
	room, err := strconv.ParseInt(c.Param("room"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid room",
			Message: "Room must be a number between -128 and 127",
		})
		return 0, false
	}
	return int8(room), true
}

func parseAddr(c *gin.Context, raw string) (netip.AddrPort, bool) {
	addr, err := netip.ParseAddrPort(raw)
	if err != nil || !addr.Addr().Unmap().Is4() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid address",
			Message: "Address must be an IPv4 host:port",
		})
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), true
}

// member looks up a peer of room by address.
func (s *Server) member(c *gin.Context, room int8, raw string) (*peer.Host, bool) {
	addr, ok := parseAddr(c, raw)
	if !ok {
		return nil, false
	}
	for _, h := range s.node.ListRoomMembers(room) {
		if h.Addr() == addr {
			return h, true
		}
	}
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "Unknown peer",
		Message: addr.String() + " is not a member of room " + strconv.Itoa(int(room)),
	})
	return nil, false
}

// fail maps node errors to HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, node.ErrSentinelRoom), errors.Is(err, node.ErrSelf), errors.Is(err, protocol.ErrCapacity):
		status = http.StatusBadRequest
	case errors.Is(err, node.ErrNotMember):
		status = http.StatusNotFound
	case errors.Is(err, node.ErrAlreadyMember), errors.Is(err, node.ErrNoFreeRoom):
		status = http.StatusConflict
	case errors.Is(err, transport.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, transport.ErrRejected), errors.Is(err, protocol.ErrMalformedRecords):
		status = http.StatusBadGateway
	}
	c.JSON(status, ErrorResponse{Error: http.StatusText(status), Message: err.Error()})
}

// handleMembers handles GET /api/v1/rooms/:room/members
func (s *Server) handleMembers(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, peerInfos(s.node.ListRoomMembers(room)))
}

// handleFreeRoom handles GET /api/v1/rooms/free
func (s *Server) handleFreeRoom(c *gin.Context) {
	room, ok := s.node.FindFreeRoomID()
	if !ok {
		fail(c, node.ErrNoFreeRoom)
		return
	}
	c.JSON(http.StatusOK, RoomResponse{Room: room})
}

// handleJoin handles POST /api/v1/rooms/:room/join
func (s *Server) handleJoin(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	var req PeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	addr, ok := parseAddr(c, req.Addr)
	if !ok {
		return
	}

	h, found, err := s.node.JoinRoom(c.Request.Context(), addr, room)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, JoinResponse{Peer: peerInfo(h), Discovered: peerInfos(found)})
}

// handleLeave handles POST /api/v1/rooms/:room/leave
func (s *Server) handleLeave(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	if err := s.node.LeaveRoom(c.Request.Context(), room); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleBroadcast handles POST /api/v1/rooms/:room/broadcast
func (s *Server) handleBroadcast(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	var req TextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	failed, err := s.node.Broadcast(c.Request.Context(), room, req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, BroadcastResponse{Unreachable: peerInfos(failed)})
}

// handleInfo handles POST /api/v1/rooms/:room/info
func (s *Server) handleInfo(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	var req TextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	h, ok := s.member(c, room, req.Addr)
	if !ok {
		return
	}

	if err := s.node.SendInfo(c.Request.Context(), h, req.Text); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleStartPrivate handles POST /api/v1/rooms/:room/private
func (s *Server) handleStartPrivate(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	var req PeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	h, ok := s.member(c, room, req.Addr)
	if !ok {
		return
	}

	private, err := s.node.StartPrivateConversation(c.Request.Context(), h)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, RoomResponse{Room: private})
}

// handleEndPrivate handles DELETE /api/v1/private/:room
func (s *Server) handleEndPrivate(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	if err := s.node.EndPrivateConversation(c.Request.Context(), room); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleCheck handles POST /api/v1/peers/check
func (s *Server) handleCheck(c *gin.Context) {
	lost := s.node.CheckAllConnections(c.Request.Context())
	c.JSON(http.StatusOK, BroadcastResponse{Unreachable: peerInfos(lost)})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Stats().Snapshot())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
