// Package sfu forwards published RTP tracks to every other connection in a
// media channel without decoding them.
package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avetra/sessionlink/internal/domain"
)

// SourceKey identifies one published track inside a channel: a participant
// publishes at most one track per media kind.
type SourceKey struct {
	Participant domain.ParticipantID
	Kind        domain.MediaKind
}

func (k SourceKey) String() string {
	return fmt.Sprintf("%d/%s", k.Participant, k.Kind)
}

// Manager owns the relays of a single media channel.
type Manager struct {
	channel string

	mu        sync.RWMutex
	relays    map[SourceKey]*Relay
	onStopped func(SourceKey)
}

func NewManager(channel string) *Manager {
	return &Manager{
		channel: channel,
		relays:  make(map[SourceKey]*Relay),
	}
}

// OnSourceStopped registers the callback invoked exactly once whenever a
// source leaves the manager, whether its read loop ended or it was stopped
// explicitly. A replaced relay does not count: the source is still live.
func (m *Manager) OnSourceStopped(fn func(SourceKey)) {
	m.mu.Lock()
	m.onStopped = fn
	m.mu.Unlock()
}

// StartRelay begins forwarding the given remote track. A second publish of
// the same source replaces the previous relay.
func (m *Manager) StartRelay(ctx context.Context, src SourceKey, track *webrtc.TrackRemote) {
	relayCtx, cancel := context.WithCancel(ctx)
	m.start(relayCtx, src, newRelay(track, track, cancel))
}

// start installs the relay and runs its loop. When the loop ends for any
// reason the source is retired so stale relays never linger in the map.
func (m *Manager) start(ctx context.Context, src SourceKey, relay *Relay) {
	logger := log.With().
		Str("module", "sfu").
		Str("channel", m.channel).
		Str("source", src.String()).
		Logger()

	m.mu.Lock()
	if old, ok := m.relays[src]; ok {
		logger.Info().Msg("replacing existing relay")
		old.markAllStale()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[src] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go func() {
		relay.loop(ctx, &logger)
		m.retire(src, relay)
	}()
}

// retire drops the source if the ended relay is still the installed one. A
// relay that was replaced or explicitly stopped retires silently.
func (m *Manager) retire(src SourceKey, relay *Relay) {
	m.mu.Lock()
	current, ok := m.relays[src]
	if ok && current == relay {
		delete(m.relays, src)
	} else {
		ok = false
	}
	fn := m.onStopped
	m.mu.Unlock()
	if ok && fn != nil {
		fn(src)
	}
}

// AddSubscriber attaches an out track carrying src to the subscriber's
// connection.
func (m *Manager) AddSubscriber(src SourceKey, subscriber domain.ConnID, localTrack *webrtc.TrackLocalStaticRTP) {
	m.mu.RLock()
	relay, ok := m.relays[src]
	m.mu.RUnlock()
	if !ok {
		return
	}
	relay.AddOutTrack(subscriber, NewOutTrack(localTrack))
}

// DropSubscriber retires the subscriber's out track for src.
func (m *Manager) DropSubscriber(src SourceKey, subscriber domain.ConnID) {
	m.mu.RLock()
	relay, ok := m.relays[src]
	m.mu.RUnlock()
	if !ok {
		return
	}

	relay.mu.RLock()
	ot, ok := relay.outs[subscriber]
	relay.mu.RUnlock()
	if !ok {
		return
	}
	ot.MarkStale()
}

// StopRelay stops forwarding src, removes its relay, and reports the stop.
func (m *Manager) StopRelay(src SourceKey) {
	m.mu.Lock()
	relay, ok := m.relays[src]
	if ok {
		delete(m.relays, src)
	}
	fn := m.onStopped
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllStale()
	if relay.cancel != nil {
		relay.cancel()
	}
	if fn != nil {
		fn(src)
	}
}

// StopParticipant stops every relay the participant publishes and returns
// the keys that were removed.
func (m *Manager) StopParticipant(pid domain.ParticipantID) []SourceKey {
	m.mu.RLock()
	keys := make([]SourceKey, 0, 2)
	for key := range m.relays {
		if key.Participant == pid {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	for _, key := range keys {
		m.StopRelay(key)
	}
	return keys
}

// HasRelay reports whether src is currently being forwarded.
func (m *Manager) HasRelay(src SourceKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[src]
	return ok
}

// Sources lists every track currently being forwarded.
func (m *Manager) Sources() []SourceKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]SourceKey, 0, len(m.relays))
	for key := range m.relays {
		keys = append(keys, key)
	}
	return keys
}

// SrcTrack returns the remote track behind a relay.
func (m *Manager) SrcTrack(src SourceKey) (*webrtc.TrackRemote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[src]
	if !ok {
		return nil, false
	}
	return relay.Src, true
}
