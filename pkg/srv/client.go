package srv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/gitnotify/pkg/logger"
	"github.com/codeGROOVE-dev/gitnotify/pkg/protocol"
)

const sendBufferSize = 100

// Client is the server's handle on one subscriber connection.
// Connection management follows a simple pattern:
//   - ONE goroutine (Run) handles ALL writes, so messages leave in the order queued
//   - Send only enqueues; it never blocks the webhook path
//   - Pings start once the subscriber registers; the read loop (websocket.go)
//     owns the read deadline and detects disconnects
type Client struct {
	conn      *websocket.Conn
	send      chan protocol.Message
	done      chan struct{}
	live      chan struct{}
	ID        string
	closeOnce sync.Once
	liveOnce  sync.Once
}

// NewClient creates a client for conn. conn may be nil in tests that never call Run.
func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		send: make(chan protocol.Message, sendBufferSize),
		done: make(chan struct{}),
		live: make(chan struct{}),
	}
}

// Send queues msg for delivery. It fails when the connection is closed or its
// queue is full; the caller decides whether that matters.
func (c *Client) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return goerr.Wrap(protocol.ErrDelivery, "connection closed", goerr.V("client_id", c.ID))
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return goerr.Wrap(protocol.ErrDelivery, "connection closed", goerr.V("client_id", c.ID))
	default:
		return goerr.Wrap(protocol.ErrDelivery, "send buffer full", goerr.V("client_id", c.ID))
	}
}

// StartKeepalive begins periodic pings. Safe to call more than once.
func (c *Client) StartKeepalive() {
	c.liveOnce.Do(func() { close(c.live) })
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Run drains the send queue and, after StartKeepalive, sends pings.
// CRITICAL: This is the ONLY goroutine that writes to the WebSocket connection.
// Any write error closes the connection.
func (c *Client) Run(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer c.Close()

	var pings <-chan time.Time
	live := c.live
	var pingSeq int64

	for {
		select {
		case <-ctx.Done():
			logger.Debug("client context cancelled, shutting down", logger.Fields{"client_id": c.ID})
			return

		case <-c.done:
			logger.Debug("client done signal received", logger.Fields{"client_id": c.ID})
			return

		case <-live:
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			pings = ticker.C
			live = nil

		case <-pings:
			pingSeq++
			if err := c.write(protocol.Ping(pingSeq), writeTimeout); err != nil {
				logger.Warn("client ping failed", logger.Fields{
					"client_id": c.ID,
					"error":     err.Error(),
				})
				return
			}

		case msg := <-c.send:
			if err := c.write(msg, writeTimeout); err != nil {
				logger.Warn("client message send failed", logger.Fields{
					"client_id": c.ID,
					"command":   string(msg.Command),
					"error":     err.Error(),
				})
				return
			}
		}
	}
}

// write sends one frame with a write deadline.
func (c *Client) write(msg protocol.Message, timeout time.Duration) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.Message.Send(c.conn, string(frame)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close stops the writer and closes the underlying connection, which also
// unblocks the read loop.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			if err := c.conn.Close(); err != nil {
				logger.Debug("websocket close", logger.Fields{"client_id": c.ID, "error": err.Error()})
			}
		}
	})
}
