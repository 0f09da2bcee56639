// Package realtime provides the shared signaling connection used by every
// consumer in a process: one WebSocket, acquired and released through a
// reference-counted Manager.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/avetra/sessionlink/internal/domain"
	"github.com/avetra/sessionlink/internal/protocol"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection closed")
)

// State of the underlying transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Transport is an indirection over *websocket.Conn to ease testing.
type Transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens one transport connection authenticated as identity.
// The Manager injects it so tests can substitute a scripted transport.
type DialFunc func(ctx context.Context, identity domain.UserID) (Transport, error)

// WebsocketDialer dials a gorilla WebSocket against rawURL, passing the
// identity credential as a query parameter.
func WebsocketDialer(rawURL string) DialFunc {
	return func(ctx context.Context, identity domain.UserID) (Transport, error) {
		u := fmt.Sprintf("%s?identity=%s", rawURL, url.QueryEscape(string(identity)))
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
		if err != nil {
			return nil, fmt.Errorf("dial signaling: %w", err)
		}
		return ws, nil
	}
}

// Conn is the shared connection handle. Consumers receive it from
// Manager.Acquire and must not close it themselves; the Manager tears it
// down when the last subscriber releases.
type Conn struct {
	dial     DialFunc
	attempts int
	delay    time.Duration
	logger   zerolog.Logger

	mu        sync.RWMutex
	identity  domain.UserID
	state     State
	tr        Transport
	closed    bool
	running   bool
	nextID    int
	handlers  map[string]map[int]func(json.RawMessage)
	stateSubs map[int]func(State)

	send   chan []byte
	cancel context.CancelFunc
}

func newConn(dial DialFunc, attempts int, delay time.Duration, logger zerolog.Logger) *Conn {
	return &Conn{
		dial:      dial,
		attempts:  attempts,
		delay:     delay,
		logger:    logger,
		handlers:  make(map[string]map[int]func(json.RawMessage)),
		stateSubs: make(map[int]func(State)),
		send:      make(chan []byte, 32),
	}
}

// SetIdentity updates the auth identity. It takes effect on the next
// (re)connect attempt; an already-established transport is not re-dialed.
func (c *Conn) SetIdentity(id domain.UserID) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Conn) Connected() bool { return c.State() == StateConnected }

// On registers a handler for a named event and returns its unsubscribe func.
// Lifecycle pseudo-events (connect, disconnect, connect_error) are dispatched
// through the same mechanism.
func (c *Conn) On(event string, fn func(json.RawMessage)) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(json.RawMessage))
	}
	c.handlers[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if hs, ok := c.handlers[event]; ok {
			delete(hs, id)
		}
	}
}

// OnStateChange registers an observer for transport state transitions.
func (c *Conn) OnStateChange(fn func(State)) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.stateSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateSubs, id)
	}
}

// Emit queues an envelope for sending. It fails fast when the transport is
// absent or the send buffer is full; it never blocks.
func (c *Conn) Emit(event string, v any) error {
	env, err := protocol.NewEnvelope(event, v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StateConnected {
		return ErrNotConnected
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// ensureRunning starts the connect/read loop once. Subsequent calls while
// the loop is alive are no-ops, so concurrent acquires share one dial.
func (c *Conn) ensureRunning(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.running {
		return
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Close tears the connection down: all listeners removed, transport closed.
// After Close the handle is dead; the Manager hands out a fresh one on the
// next acquire.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.handlers = make(map[string]map[int]func(json.RawMessage))
	c.stateSubs = make(map[int]func(State))
	tr := c.tr
	c.tr = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr != nil {
		_ = tr.Close()
	}
}

func (c *Conn) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.RLock()
		identity := c.identity
		c.mu.RUnlock()

		c.setState(StateConnecting)
		tr, err := c.dial(ctx, identity)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("dial failed")
			c.dispatch(protocol.EventConnectError, mustRaw(protocol.ErrorPayload{Error: err.Error()}))
			attempt++
			if attempt >= c.attempts {
				c.logger.Error().Int("attempts", attempt).Msg("reconnect attempts exhausted")
				c.setState(StateDisconnected)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.delay):
			}
			continue
		}
		attempt = 0

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = tr.Close()
			return
		}
		c.tr = tr
		c.mu.Unlock()

		c.setState(StateConnected)
		c.dispatch(protocol.EventConnect, nil)

		connCtx, connCancel := context.WithCancel(ctx)
		go c.writePump(connCtx, tr)
		c.readLoop(connCtx, tr)
		connCancel()
		_ = tr.Close()

		c.mu.Lock()
		c.tr = nil
		c.mu.Unlock()

		c.setState(StateDisconnected)
		c.dispatch(protocol.EventDisconnect, nil)

		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.delay):
		}
	}
}

func (c *Conn) writePump(ctx context.Context, tr Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := tr.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := tr.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, tr Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := tr.ReadMessage()
			if err != nil {
				c.logger.Info().Err(err).Msg("read loop ended")
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.logger.Warn().Err(err).Msg("bad envelope")
				continue
			}
			c.dispatch(env.Event, env.Data)
		}
	}
}

func (c *Conn) dispatch(event string, data json.RawMessage) {
	c.mu.RLock()
	hs := make([]func(json.RawMessage), 0, len(c.handlers[event]))
	for _, fn := range c.handlers[event] {
		hs = append(hs, fn)
	}
	c.mu.RUnlock()
	for _, fn := range hs {
		fn(data)
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	subs := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
