package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/teranos/beacon/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Inbound frame cap when the configuration does not set one.
	defaultMaxMessageBytes = 512 * 1024

	// Outbound queue depth per connection.
	sendQueueSize = 256
)

// Client is one WebSocket connection. A read pump drives the protocol
// handlers; a write pump owns the socket's write side and drains the send
// channel of pre-encoded frames.
type Client struct {
	relay *Relay
	conn  *websocket.Conn

	id   string
	send chan []byte

	// publishLimiter throttles EVENT messages; nil means unlimited.
	publishLimiter *rate.Limiter

	// sendMu makes enqueue and close mutually exclusive: a broadcast may
	// hold a reference to a client whose read pump is tearing it down.
	sendMu   sync.Mutex
	sendShut bool
}

// enqueue queues a pre-encoded frame for delivery. Frames are dropped when
// the client's queue is full rather than blocking a broadcast, and silently
// discarded once the connection is closing.
func (c *Client) enqueue(frame []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendShut {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.relay.logger.Warnw("Client send queue full, dropping frame",
			"conn_id", c.id,
		)
	}
}

func (c *Client) sendOK(eventID string, success bool, message string) {
	frame, err := wire.MarshalOK(eventID, success, message)
	if err != nil {
		c.relay.logger.Errorw("Failed to encode OK", "error", err)
		return
	}
	c.enqueue(frame)
}

func (c *Client) sendClosed(subID, message string) {
	frame, err := wire.MarshalClosed(subID, message)
	if err != nil {
		c.relay.logger.Errorw("Failed to encode CLOSED", "error", err)
		return
	}
	c.enqueue(frame)
}

func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendShut {
		return
	}
	c.sendShut = true
	close(c.send)
}

// readPump reads frames from the socket and dispatches decoded messages.
// Runs in a per-connection goroutine; exactly one reader per connection.
func (c *Client) readPump(maxMessageBytes int64) {
	defer func() {
		c.relay.handleDisconnect(c)
		c.close()
		c.conn.Close()
		c.relay.wg.Done()
	}()

	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	c.conn.SetReadLimit(maxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.relay.logger.Debugw("WebSocket closed unexpectedly",
					"conn_id", c.id,
					"error", err,
				)
			}
			return
		}

		msg, err := wire.Decode(frame)
		if err != nil {
			c.relay.logger.Debugw("Dropping unparseable frame",
				"conn_id", c.id,
				"error", err,
			)
			continue
		}

		c.relay.dispatch(c, msg)
	}
}

// writePump owns the write side of the socket: it drains the send channel
// and keeps the connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.relay.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
