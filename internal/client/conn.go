package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64
)

// connect dials the signaling server.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	return conn, nil
}

// signalConn serializes writes to the websocket through writePump.
type signalConn struct {
	ws   *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool

	logger *zerolog.Logger
}

func newSignalConn(ws *websocket.Conn, logger *zerolog.Logger) *signalConn {
	return &signalConn{ws: ws, send: make(chan core.Frame, sendBuffer), logger: logger}
}

// Send encodes v and queues it without blocking.
func (c *signalConn) Send(v any) error {
	b, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return c.TrySend(b)
}

func (c *signalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close stops writePump; it closes the socket after flushing queued frames.
func (c *signalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *signalConn) writePump() {
	defer c.ws.Close()
	for f := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, f); err != nil {
			c.logger.Warn().Err(err).Msg("signal write")
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
