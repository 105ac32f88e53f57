package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendQueueSize = 64
	writeTimeout  = 10 * time.Second
)

// Conn wraps one client socket. All writes go through the send queue and
// a single writer goroutine, which is the concurrency model gorilla
// requires. The userID field belongs to the read goroutine alone.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	remoteAddr string
	userID     string
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:         ws,
		send:       make(chan []byte, sendQueueSize),
		closed:     make(chan struct{}),
		remoteAddr: ws.RemoteAddr().String(),
	}
	go c.writePump()
	return c
}

// Send queues a frame for delivery. Frames to a closed connection are
// silently dropped; a full queue drops the frame rather than letting a
// slow consumer stall the relay.
func (c *Conn) Send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("RELAY: encode frame: %v", err)
		return
	}
	select {
	case <-c.closed:
	case c.send <- b:
	default:
		log.Printf("RELAY: dropping frame to %s (send queue full)", c.remoteAddr)
	}
}

// Close marks the connection for teardown. The writer goroutine drains
// any queued frames first so a final register_error or shutdown notice
// still reaches the wire. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case b := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.Close()
				c.ws.Close()
				return
			}
		case <-c.closed:
			c.drainAndClose()
			return
		}
	}
}

func (c *Conn) drainAndClose() {
	for {
		select {
		case b := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.ws.Close()
				return
			}
		default:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.ws.Close()
			return
		}
	}
}
