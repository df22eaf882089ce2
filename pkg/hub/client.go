package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mindline-server/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 60 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
	chatBuffer     = 16
)

// Client is one connected websocket peer. It satisfies the registry's live
// channel contract: Send never blocks the caller, a slow consumer drops
// frames instead of stalling the hub.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	chatQueue chan Envelope
	logger    *logrus.Entry

	userID string
	role   string

	closeMutex sync.Mutex
	closed     bool
}

func newClient(h *Hub, conn *websocket.Conn, userID, role string) *Client {
	return &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		chatQueue: make(chan Envelope, chatBuffer),
		logger: h.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"role":    role,
		}),
		userID: userID,
		role:   role,
	}
}

// Send marshals an event envelope and queues it for delivery
func (c *Client) Send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	c.closeMutex.Lock()
	defer c.closeMutex.Unlock()
	if c.closed {
		return nil
	}

	select {
	case c.send <- frame:
		return nil
	default:
		if metrics.IsMetricsEnabled() && metrics.EventsDropped != nil {
			metrics.EventsDropped.WithLabelValues(event).Inc()
		}
		c.logger.WithField("event", event).Warning("Dropping event for slow client")
		return nil
	}
}

// Close shuts the outbound queue down once; writePump closes the connection
func (c *Client) Close() {
	c.closeMutex.Lock()
	defer c.closeMutex.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump reads inbound envelopes and dispatches them until the connection
// dies, then unregisters the user.
func (c *Client) readPump() {
	defer func() {
		close(c.chatQueue)
		c.hub.registry.DisconnectChannel(c.userID, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("Unexpected websocket close")
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.sendError("INVALID_INPUT", "malformed event envelope")
			continue
		}

		// The chat pipeline can block on the generative backend, so it runs
		// on the chat worker instead of the read pump. The queue preserves
		// the order messages arrived in; a full queue back-pressures the
		// connection rather than reordering.
		if envelope.Event == EventChatMessage {
			c.chatQueue <- envelope
			continue
		}
		c.hub.dispatch(c, envelope)
	}
}

// chatPump drains queued chat messages one at a time so a client's messages
// are processed in the order they were sent.
func (c *Client) chatPump() {
	for envelope := range c.chatQueue {
		c.hub.dispatch(c, envelope)
	}
}

// writePump pumps queued frames to the connection and keeps it alive with
// periodic pings.
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
		}
	}
}

func (c *Client) sendError(code, message string) {
	_ = c.Send(EventError, map[string]interface{}{
		"code":    code,
		"message": message,
	})
}
