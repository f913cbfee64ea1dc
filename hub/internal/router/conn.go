package router

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hereliesaz/hashkitty/hub/internal/sniff"
)

var (
	// ErrSendBufferFull is returned when a peer is not draining its queue.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnClosed is returned for sends to a closed connection.
	ErrConnClosed = errors.New("connection closed")
)

// Conn is one accepted WebSocket peer. All writes go through its outbound
// queue, drained by writePump.
type Conn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	writeMu    sync.Mutex // guards ws writes (pump and keepalive pings)

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	room        string
	session     *sniff.Session
	msgTokens   float64
	msgLastTime time.Time
}

func newConn(id, remoteAddr string, ws *websocket.Conn, buffer int) *Conn {
	return &Conn{
		id:         id,
		remoteAddr: remoteAddr,
		ws:         ws,
		send:       make(chan []byte, buffer),
		closed:     make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Send queues msg without blocking.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Room returns the joined room, or "" before the first join.
func (c *Conn) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Conn) setRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

// swapSession replaces the connection's capture session and returns the
// previous one.
func (c *Conn) swapSession(s *sniff.Session) *sniff.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.session
	c.session = s
	return prev
}

func (c *Conn) writePump(writeWait time.Duration) {
	for {
		select {
		case msg := <-c.send:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.TextMessage, msg)
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// shutdown stops the writer and closes the socket, which also ends the
// read loop. Safe to call more than once.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// allowMessage is a token bucket over inbound frames.
func (c *Conn) allowMessage(rate float64, burst int) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.msgLastTime.IsZero() {
		c.msgTokens = float64(burst)
		c.msgLastTime = now
	}

	elapsed := now.Sub(c.msgLastTime).Seconds()
	c.msgTokens += elapsed * rate
	if c.msgTokens > float64(burst) {
		c.msgTokens = float64(burst)
	}
	c.msgLastTime = now

	if c.msgTokens < 1 {
		return false
	}
	c.msgTokens--
	return true
}
