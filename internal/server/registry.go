// Package server is sessiond's transport layer: the signaling WebSocket
// endpoint, the REST surface, and the media relay glue between peer
// connections and the SFU.
package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avetra/sessionlink/internal/core"
	"github.com/avetra/sessionlink/internal/domain"
	"github.com/avetra/sessionlink/internal/rtc"
)

// MediaBinding is the media half of a connection: the channel it joined,
// its participant id, and the answering peer connection.
type MediaBinding struct {
	Channel string
	PID     domain.ParticipantID
	Conn    *rtc.Connection
}

type connEntry struct {
	user    *domain.User
	session domain.SessionID
	signal  core.SignalConnection
	cancel  context.CancelFunc
	media   *MediaBinding
}

// Registry tracks every live WebSocket connection together with its chat
// session and media bindings.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ConnID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.ConnID]*connEntry)}
}

func (r *Registry) Bind(cid domain.ConnID, user *domain.User, signal core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[cid] = &connEntry{user: user, signal: signal, cancel: cancel}
	log.Info().Str("module", "server.registry").Str("cid", string(cid)).Str("user", string(user.ID)).Msg("bound connection")
}

func (r *Registry) Unbind(cid domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, cid)
	log.Info().Str("module", "server.registry").Str("cid", string(cid)).Msg("unbound connection")
}

func (r *Registry) User(cid domain.ConnID) (*domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[cid]
	if !ok {
		return nil, false
	}
	return e.user, true
}

func (r *Registry) Signal(cid domain.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[cid]
	if !ok {
		return nil, false
	}
	return e.signal, true
}

// SetSession records which chat session the connection has joined.
func (r *Registry) SetSession(cid domain.ConnID, sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[cid]; ok {
		e.session = sid
	}
}

// ClearSession returns the session the connection was in, if any.
func (r *Registry) ClearSession(cid domain.ConnID) (domain.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[cid]
	if !ok || e.session == "" {
		return "", false
	}
	sid := e.session
	e.session = ""
	return sid, true
}

func (r *Registry) SessionOf(cid domain.ConnID) (domain.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[cid]
	if !ok || e.session == "" {
		return "", false
	}
	return e.session, true
}

func (r *Registry) SetMedia(cid domain.ConnID, mb *MediaBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[cid]; ok {
		e.media = mb
	}
}

func (r *Registry) Media(cid domain.ConnID) (*MediaBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[cid]
	if !ok || e.media == nil {
		return nil, false
	}
	return e.media, true
}

// ClearMedia detaches and returns the media binding. The second call for
// the same connection returns false, which makes teardown idempotent.
func (r *Registry) ClearMedia(cid domain.ConnID) (*MediaBinding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[cid]
	if !ok || e.media == nil {
		return nil, false
	}
	mb := e.media
	e.media = nil
	return mb, true
}

// ChannelMember is a snapshot of one connection bound to a media channel.
type ChannelMember struct {
	CID    domain.ConnID
	PID    domain.ParticipantID
	Media  *rtc.Connection
	Signal core.SignalConnection
}

func (r *Registry) MembersOfChannel(channel string) []ChannelMember {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChannelMember, 0, len(r.conns))
	for cid, e := range r.conns {
		if e.media == nil || e.media.Channel != channel {
			continue
		}
		out = append(out, ChannelMember{
			CID:    cid,
			PID:    e.media.PID,
			Media:  e.media.Conn,
			Signal: e.signal,
		})
	}
	return out
}

func (r *Registry) Cancel(cid domain.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[cid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	return true
}
