package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	// Scene element batches can be large; cursor frames are tiny.
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

// Client binds one websocket connection to the relay. Its read pump
// dispatches inbound events; its write pump drains the send queue in FIFO
// order, which is what preserves per-sender delivery order downstream.
type Client struct {
	conn     *websocket.Conn
	relay    *Relay
	logger   *zap.Logger
	send     chan *ServerEvent
	stop     chan struct{}
	stopOnce sync.Once
}

// NewClient wraps an upgraded websocket connection.
func NewClient(conn *websocket.Conn, r *Relay, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conn:   conn,
		relay:  r,
		logger: logger,
		send:   make(chan *ServerEvent, sendBufferSize),
		stop:   make(chan struct{}),
	}
}

// Queue enqueues an event without blocking. It reports false when the send
// buffer is full.
func (c *Client) Queue(event *ServerEvent) bool {
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// Kick stops the write pump, which closes the connection and unwinds the
// read pump as well.
func (c *Client) Kick() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// ReadPump consumes inbound events until the connection drops, then removes
// this client from every room it joined. It must run on the handler
// goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.conn.Close()
		c.relay.Disconnect(c)
		c.Kick()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var event ClientEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			c.logger.Warn("discarding malformed client event", zap.Error(err))
			continue
		}
		c.dispatch(&event)
	}
}

func (c *Client) dispatch(event *ClientEvent) {
	if event.DocumentID == "" {
		c.logger.Warn("discarding event without document id", zap.String("type", event.Type))
		return
	}

	switch event.Type {
	case EventJoin:
		if event.Participant == nil || event.Participant.ID == "" {
			c.logger.Warn("discarding join without participant", zap.String("document_id", event.DocumentID))
			return
		}
		participant := *event.Participant
		participant.Active = true
		c.relay.Join(event.DocumentID, participant, c)
	case EventCursor:
		c.relay.CursorMove(event.DocumentID, c, event.Payload)
	case EventElement:
		c.relay.ElementUpdate(event.DocumentID, c, event.Payload)
	case EventActivity:
		if event.Active == nil {
			return
		}
		c.relay.SetActivity(event.DocumentID, c, *event.Active)
	default:
		c.logger.Debug("ignoring unknown event type", zap.String("type", event.Type))
	}
}

// WritePump drains queued events to the peer and keeps the connection alive
// with pings. Run it on its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event := <-c.send:
			raw, err := json.Marshal(event)
			if err != nil {
				c.logger.Warn("failed to serialize server event", zap.Error(err))
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.stop:
			return
		}
	}
}
