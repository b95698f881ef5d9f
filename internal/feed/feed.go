package feed

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/roomchat/internal/util"
)

const (
	pinLength   = 6
	queueLength = 64 // per-client backlog before events are dropped
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Feed is a websocket server broadcasting node events. Clients connect to
// /ws?pin=<PIN>.
type Feed struct {
	pin      string
	log      util.Logger
	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn  *websocket.Conn
	queue chan Event
}

// New creates a feed protected by a random PIN.
func New(log util.Logger) *Feed {
	return &Feed{
		pin:     generatePIN(pinLength),
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

// PIN returns the PIN clients must present.
func (f *Feed) PIN() string { return f.pin }

// Start begins listening on addr (e.g. "127.0.0.1:0"). Returns the bound
// address.
func (f *Feed) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start feed server: %w", err)
	}
	f.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWS)
	f.server = &http.Server{Handler: mux}

	go func() {
		if err := f.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.log.Error("feed server stopped: %v", err)
		}
	}()

	return listener.Addr(), nil
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("pin") != f.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, queue: make(chan Event, queueLength)}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	f.log.Info("feed client %s connected", conn.RemoteAddr())
	go f.write(c)
	go f.read(c)
}

// write drains the client's queue. It is the only writer of the connection.
func (f *Feed) write(c *client) {
	for e := range c.queue {
		if err := c.conn.WriteJSON(e); err != nil {
			f.drop(c)
			c.conn.Close()
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "feed closed"))
	c.conn.Close()
}

// read discards client input and notices disconnects.
func (f *Feed) read(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			f.drop(c)
			return
		}
	}
}

func (f *Feed) drop(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; !ok {
		return
	}
	delete(f.clients, c)
	close(c.queue)
	f.log.Info("feed client %s disconnected", c.conn.RemoteAddr())
}

// publish queues e for every client. Slow clients lose events.
func (f *Feed) publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.queue <- e:
		default:
			f.log.Warn("feed client %s is slow, event %s dropped", c.conn.RemoteAddr(), e.ID)
		}
	}
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close disconnects every client and stops the listener.
func (f *Feed) Close() error {
	f.mu.Lock()
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		close(c.queue)
	}
	f.mu.Unlock()

	if f.server != nil {
		return f.server.Close()
	}
	return nil
}

// generatePIN returns a random numeric PIN of the specified length.
func generatePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
