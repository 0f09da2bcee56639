package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avetra/sessionlink/internal/config"
	"github.com/avetra/sessionlink/internal/core"
	"github.com/avetra/sessionlink/internal/domain"
	"github.com/avetra/sessionlink/internal/history"
	"github.com/avetra/sessionlink/internal/protocol"
	"github.com/avetra/sessionlink/internal/sfu"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller terminates signaling WebSockets and routes their envelopes to
// the chat rooms and the media relay.
type Controller struct {
	cfg   *config.Config
	reg   *Registry
	rooms core.RoomFactory
	store history.Store

	channels *channelSet
}

func NewController(cfg *config.Config, rooms core.RoomFactory, store history.Store) *Controller {
	return &Controller{
		cfg:      cfg,
		reg:      NewRegistry(),
		rooms:    rooms,
		store:    store,
		channels: newChannelSet(),
	}
}

// HandleWS upgrades the request and runs the connection until the peer
// drops or ctx is canceled.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	user, err := domain.NewUser(domain.UserID(c.Query("identity")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("ws upgrade")
		return
	}
	if ctl.cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.cfg.ReadLimit)
	}

	cid := domain.ConnID(uuid.NewString())
	log.Info().Str("module", "server.ws").Str("cid", string(cid)).Str("identity", string(user.ID)).Msg("new WS connection")

	conn := newWSConn(ws)
	ctx, cancel := context.WithCancel(ctx)
	ctl.reg.Bind(cid, user, conn, cancel)

	go conn.writePump()
	ctl.readPump(ctx, cid, conn)
}

func (ctl *Controller) readPump(ctx context.Context, cid domain.ConnID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "server.ws").Str("cid", string(cid)).Msg("readPump closing")
		ctl.disconnect(cid)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.handleFrame(ctx, cid, c, data)
		}
	}
}

func (ctl *Controller) handleFrame(ctx context.Context, cid domain.ConnID, c *wsConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("bad envelope")
		return
	}

	switch env.Event {
	case protocol.EventSessionJoin:
		ctl.handleSessionJoin(cid, c, env.Data)
	case protocol.EventSessionLeave:
		ctl.handleSessionLeave(cid)
	case protocol.EventMessageSend:
		ctl.handleMessageSend(ctx, cid, c, env.Data)
	case protocol.EventRTCOffer:
		ctl.handleOffer(ctx, cid, c, env.Data)
	case protocol.EventRTCCandidate:
		ctl.handleCandidate(cid, env.Data)
	case protocol.EventRTCLeave:
		ctl.handleRTCLeave(cid, env.Data)
	default:
		log.Warn().Str("module", "server.ws").Str("event", env.Event).Msg("unknown event")
	}
}

// disconnect tears down everything the connection held: chat membership,
// media relays, and the registry entry.
func (ctl *Controller) disconnect(cid domain.ConnID) {
	if sid, ok := ctl.reg.ClearSession(cid); ok {
		ctl.rooms.GetOrCreate(sid).RemoveMember(cid)
	}
	ctl.teardownMedia(cid)
	ctl.reg.Cancel(cid)
	ctl.reg.Unbind(cid)
}

func (ctl *Controller) handleSessionJoin(cid domain.ConnID, c *wsConn, data json.RawMessage) {
	var p protocol.SessionRef
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		ctl.sendError(c, "bad_payload")
		return
	}

	// Joining a second session implicitly leaves the first.
	if prev, ok := ctl.reg.ClearSession(cid); ok && prev != p.SessionID {
		ctl.rooms.GetOrCreate(prev).RemoveMember(cid)
	}

	user, ok := ctl.reg.User(cid)
	if !ok {
		return
	}
	sig, _ := ctl.reg.Signal(cid)

	room := ctl.rooms.GetOrCreate(p.SessionID)
	room.AddMember(cid, core.NewMemberSession(user, sig))
	ctl.reg.SetSession(cid, p.SessionID)
	log.Info().Str("module", "server.ws").Str("cid", string(cid)).Str("session", string(p.SessionID)).Msg("joined session")
}

func (ctl *Controller) handleSessionLeave(cid domain.ConnID) {
	sid, ok := ctl.reg.ClearSession(cid)
	if !ok {
		return
	}
	room := ctl.rooms.GetOrCreate(sid)
	room.RemoveMember(cid)
	if room.MemberCount() == 0 {
		ctl.rooms.StopRoom(sid)
	}
	log.Info().Str("module", "server.ws").Str("cid", string(cid)).Str("session", string(sid)).Msg("left session")
}

func (ctl *Controller) handleMessageSend(ctx context.Context, cid domain.ConnID, c *wsConn, data json.RawMessage) {
	var p protocol.MessageSend
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad_payload")
		return
	}
	sid, ok := ctl.reg.SessionOf(cid)
	if !ok || sid != p.SessionID {
		ctl.sendError(c, "not in session")
		return
	}
	if p.Text == "" {
		return
	}
	user, ok := ctl.reg.User(cid)
	if !ok {
		return
	}

	msg := domain.Message{
		ID:         uuid.NewString(),
		SessionID:  sid,
		SenderID:   user.ID,
		FromUserID: user.ID,
		Text:       p.Text,
		SentAt:     time.Now().UTC(),
	}

	if err := ctl.store.Append(ctx, sid, msg); err != nil {
		log.Error().Err(err).Str("module", "server.ws").Str("session", string(sid)).Msg("history append")
	}

	env, err := protocol.NewEnvelope(protocol.EventMessageReceive, msg)
	if err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("marshal message")
		return
	}
	frame, _ := json.Marshal(env)

	// The sender gets its own message back through the same broadcast, so
	// there is exactly one delivery path.
	res := ctl.rooms.GetOrCreate(sid).Broadcast(frame)
	if len(res.Dropped) > 0 {
		log.Warn().
			Str("module", "server.ws").
			Str("session", string(sid)).
			Int("dropped", len(res.Dropped)).
			Msg("broadcast backpressure")
	}
}

func (ctl *Controller) sendError(c *wsConn, msg string) {
	ctl.sendJSONTo(c, "error", protocol.ErrorPayload{Error: msg})
}

func (ctl *Controller) sendJSONTo(sig core.SignalConnection, event string, v any) {
	env, err := protocol.NewEnvelope(event, v)
	if err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("marshal envelope")
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("marshal envelope")
		return
	}
	_ = sig.TrySend(b)
}

func (ctl *Controller) broadcastChannel(channel, event string, v any) {
	for _, m := range ctl.reg.MembersOfChannel(channel) {
		if m.Signal == nil {
			continue
		}
		ctl.sendJSONTo(m.Signal, event, v)
	}
}

// channel returns the channel's relay manager, creating it on first use
// with the unpublish broadcast wired in.
func (ctl *Controller) channel(name string) *sfu.Manager {
	return ctl.channels.get(name, func() *sfu.Manager {
		mgr := sfu.NewManager(name)
		mgr.OnSourceStopped(func(src sfu.SourceKey) {
			ctl.handleSourceStopped(name, src)
		})
		return mgr
	})
}

// channelSet lazily creates one sfu.Manager per media channel.
type channelSet struct {
	mu   sync.Mutex
	mgrs map[string]*sfu.Manager
}

func newChannelSet() *channelSet {
	return &channelSet{mgrs: make(map[string]*sfu.Manager)}
}

func (s *channelSet) get(channel string, create func() *sfu.Manager) *sfu.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	mgr, ok := s.mgrs[channel]
	if !ok {
		mgr = create()
		s.mgrs[channel] = mgr
	}
	return mgr
}
