// Package api exposes the room operations of a node over a local HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/1ureka/roomchat/internal/peer"
	"github.com/1ureka/roomchat/internal/util"
)

// Node is the subset of the node the API drives.
type Node interface {
	JoinRoom(ctx context.Context, addr netip.AddrPort, room int8) (*peer.Host, []*peer.Host, error)
	LeaveRoom(ctx context.Context, room int8) error
	StartPrivateConversation(ctx context.Context, h *peer.Host) (int8, error)
	EndPrivateConversation(ctx context.Context, room int8) error
	Broadcast(ctx context.Context, room int8, text string) ([]*peer.Host, error)
	SendInfo(ctx context.Context, h *peer.Host, text string) error
	CheckAllConnections(ctx context.Context) []*peer.Host
	ListRoomMembers(room int8) []*peer.Host
	FindFreeRoomID() (int8, bool)
	Stats() *util.Stats
}

// Server is the HTTP control API.
type Server struct {
	node       Node
	log        util.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates the API server and its routes.
func NewServer(node Node, log util.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		node:   node,
		log:    log,
		router: gin.New(),
	}
	s.router.Use(LoggingMiddleware(log), gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		rooms := v1.Group("/rooms")
		{
			rooms.GET("/free", s.handleFreeRoom)
			rooms.GET("/:room/members", s.handleMembers)
			rooms.POST("/:room/join", s.handleJoin)
			rooms.POST("/:room/leave", s.handleLeave)
			rooms.POST("/:room/broadcast", s.handleBroadcast)
			rooms.POST("/:room/info", s.handleInfo)
			rooms.POST("/:room/private", s.handleStartPrivate)
		}

		private := v1.Group("/private")
		{
			private.DELETE("/:room", s.handleEndPrivate)
		}

		peers := v1.Group("/peers")
		{
			peers.POST("/check", s.handleCheck)
		}

		v1.GET("/stats", s.handleStats)
	}

	s.router.GET("/health", s.handleHealth)
}

// Start listens on addr and serves until Stop. Returns the bound address.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start API server: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // room operations wait for retransmissions
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("API server stopped: %v", err)
		}
	}()

	return listener.Addr(), nil
}

// Stop stops the HTTP server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }
