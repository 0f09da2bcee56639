// Package chat implements per-session room membership and message exchange
// over the shared signaling connection.
package chat

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avetra/sessionlink/internal/domain"
	"github.com/avetra/sessionlink/internal/protocol"
)

// Conn is the slice of the shared connection a room needs.
// *realtime.Conn satisfies it.
type Conn interface {
	Emit(event string, v any) error
	On(event string, fn func(json.RawMessage)) (off func())
	Connected() bool
}

// Room tracks membership in one session room and the ordered message list.
//
// Messages are appended strictly in transport delivery order; there is no
// reordering or deduplication, and no optimistic local echo: a sent message
// shows up only once the server rebroadcasts it to the room.
type Room struct {
	conn    Conn
	session domain.SessionID
	self    domain.UserID
	logger  zerolog.Logger

	mu        sync.RWMutex
	joined    bool
	msgs      []domain.Message
	offs      []func()
	onMessage func(domain.Message)
}

func NewRoom(conn Conn, session domain.SessionID, self domain.UserID) *Room {
	return &Room{
		conn:    conn,
		session: session,
		self:    self,
		logger:  log.With().Str("module", "chat").Str("session", string(session)).Logger(),
	}
}

// OnMessage sets the callback invoked for each appended message.
func (r *Room) OnMessage(fn func(domain.Message)) {
	r.mu.Lock()
	r.onMessage = fn
	r.mu.Unlock()
}

// Join subscribes to inbound messages and emits the membership intent.
// Idempotent: a second call while joined is a no-op, so joining twice never
// duplicates delivered messages.
func (r *Room) Join() error {
	r.mu.Lock()
	if r.joined {
		r.mu.Unlock()
		return nil
	}
	r.joined = true
	offMsg := r.conn.On(protocol.EventMessageReceive, r.handleMessage)
	// Membership is transient server-side state: re-declare it after every
	// reconnect.
	offConn := r.conn.On(protocol.EventConnect, func(json.RawMessage) {
		if err := r.conn.Emit(protocol.EventSessionJoin, protocol.SessionRef{SessionID: r.session}); err != nil {
			r.logger.Warn().Err(err).Msg("rejoin emit failed")
		}
	})
	r.offs = []func(){offMsg, offConn}
	r.mu.Unlock()

	if err := r.conn.Emit(protocol.EventSessionJoin, protocol.SessionRef{SessionID: r.session}); err != nil {
		r.logger.Warn().Err(err).Msg("join emit failed")
		return err
	}
	return nil
}

// Leave emits the leave intent and unsubscribes. Idempotent.
func (r *Room) Leave() error {
	r.mu.Lock()
	if !r.joined {
		r.mu.Unlock()
		return nil
	}
	r.joined = false
	offs := r.offs
	r.offs = nil
	r.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if err := r.conn.Emit(protocol.EventSessionLeave, protocol.SessionRef{SessionID: r.session}); err != nil {
		r.logger.Warn().Err(err).Msg("leave emit failed")
		return err
	}
	return nil
}

// Send emits a message intent. Empty or whitespace-only text and an absent
// connection are both silent no-ops; the message itself arrives back through
// the server rebroadcast.
func (r *Room) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if r.conn == nil || !r.conn.Connected() {
		return nil
	}
	return r.conn.Emit(protocol.EventMessageSend, protocol.MessageSend{SessionID: r.session, Text: text})
}

// SeedHistory installs the one-shot history fetch result as the initial
// message list. Messages that arrived live before the fetch finished are
// kept after the seeded prefix.
func (r *Room) SeedHistory(history []domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(append([]domain.Message{}, history...), r.msgs...)
}

// Messages returns a snapshot of the ordered message list.
func (r *Room) Messages() []domain.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// IsMine attributes a message to the local user, matching either sender-id
// field convention.
func (r *Room) IsMine(m domain.Message) bool {
	return m.IsFrom(r.self)
}

func (r *Room) handleMessage(data json.RawMessage) {
	var m domain.Message
	if err := json.Unmarshal(data, &m); err != nil {
		r.logger.Warn().Err(err).Msg("bad message payload")
		return
	}
	if m.SessionID != "" && m.SessionID != r.session {
		return
	}

	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	fn := r.onMessage
	r.mu.Unlock()

	if fn != nil {
		fn(m)
	}
}
