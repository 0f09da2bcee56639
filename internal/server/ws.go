package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avetra/sessionlink/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// wsTransport is the subset of *websocket.Conn the pumps use, split out so
// tests can substitute a fake.
type wsTransport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// wsConn implements core.SignalConnection over a WebSocket: a buffered send
// channel drained by the write pump, with sends dropped under backpressure
// rather than blocking a broadcast.
type wsConn struct {
	conn wsTransport
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWSConn(conn wsTransport) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan core.Frame, 32),
	}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsConn) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			log.Error().Err(err).Str("module", "server.ws").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "server.ws").Msg("writePump write error")
			return
		}
	}
}
