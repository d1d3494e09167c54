package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 5 * time.Second
	defaultPongWait   = 60 * time.Second
	maxInboundMessage = 512
)

// Client is a tail subscriber on one websocket connection. The hub writes
// records through Send; Listen owns the read side and the keepalive.
type Client struct {
	conn       *websocket.Conn
	log        *slog.Logger
	pongWait   time.Duration
	pingPeriod time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps conn. A peer that stops answering pings within a minute is
// disconnected.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{conn: conn, log: logger, done: make(chan struct{})}
	c.setPongWait(defaultPongWait)
	return c
}

func (c *Client) setPongWait(wait time.Duration) {
	c.pongWait = wait
	c.pingPeriod = wait * 9 / 10
}

// Send writes one record to the peer.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.Close()
		return err
	}
	return nil
}

// Listen blocks until the peer goes away or misses a pong. Inbound data
// messages are discarded; the tail is one-way.
func (c *Client) Listen() {
	defer c.Close()
	c.conn.SetReadLimit(maxInboundMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	go c.keepalive()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !isTimeout(err) {
				c.log.Debug("websocket read ended", "error", err)
			}
			return
		}
	}
}

// keepalive uses WriteControl, which is safe alongside the hub's Send.
func (c *Client) keepalive() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Close terminates the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func isTimeout(err error) bool {
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
