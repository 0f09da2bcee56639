// Package rtcengine implements media.Engine over pion WebRTC, with SDP
// offer/answer and participant events exchanged through the shared
// signaling connection.
package rtcengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avetra/sessionlink/internal/domain"
	"github.com/avetra/sessionlink/internal/media"
	"github.com/avetra/sessionlink/internal/protocol"
	"github.com/avetra/sessionlink/internal/rtc"
)

var (
	ErrNotJoined    = errors.New("media channel not joined")
	ErrForeignTrack = errors.New("track was not created by this engine")
)

// Signaler is the slice of the shared connection the engine needs.
// *realtime.Conn satisfies it.
type Signaler interface {
	Emit(event string, v any) error
	On(event string, fn func(json.RawMessage)) (off func())
}

type Engine struct {
	sig    Signaler
	cfg    webrtc.Configuration
	logger zerolog.Logger
	events chan media.Event

	mu      sync.Mutex
	conn    *rtc.Connection
	req     media.JoinRequest
	senders map[*Track]*webrtc.RTPSender
	offs    []func()
	joined  bool
}

func New(sig Signaler, stunURLs []string) *Engine {
	return &Engine{
		sig:     sig,
		cfg:     rtc.Config(stunURLs),
		logger:  log.With().Str("module", "media.rtc").Logger(),
		events:  make(chan media.Event, 32),
		senders: make(map[*Track]*webrtc.RTPSender),
	}
}

func (e *Engine) Events() <-chan media.Event { return e.events }

// Join opens a peer connection and sends the initial offer, carrying the
// channel credentials for server-side verification. Completion surfaces as
// EventConnected once the answer arrives.
func (e *Engine) Join(ctx context.Context, req media.JoinRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.joined {
		return nil
	}

	conn, err := rtc.NewConnection(e.cfg, fmt.Sprintf("%s/%d", req.Channel, req.ParticipantID))
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		cand := protocol.Candidate{Channel: req.Channel, Candidate: ci.Candidate}
		if ci.SDPMid != nil {
			cand.SDPMid = *ci.SDPMid
		}
		if ci.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *ci.SDPMLineIndex
		}
		if err := e.sig.Emit(protocol.EventRTCCandidate, cand); err != nil {
			e.logger.Debug().Err(err).Msg("candidate emit failed")
		}
	})

	conn.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.handleRemoteTrack(track)
	})

	conn.OnClosed(func() {
		e.push(media.Event{Kind: media.EventDisconnected})
	})

	if err := conn.Start(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("start peer connection: %w", err)
	}

	// Declare receive interest up front so the first offer already has
	// audio and video sections.
	if err := conn.AddRecvTransceiver(webrtc.RTPCodecTypeAudio); err != nil {
		conn.Close()
		return fmt.Errorf("add audio transceiver: %w", err)
	}
	if err := conn.AddRecvTransceiver(webrtc.RTPCodecTypeVideo); err != nil {
		conn.Close()
		return fmt.Errorf("add video transceiver: %w", err)
	}

	offAnswer := e.sig.On(protocol.EventRTCAnswer, func(data json.RawMessage) {
		var ans protocol.Answer
		if err := json.Unmarshal(data, &ans); err != nil || ans.Channel != req.Channel {
			return
		}
		e.mu.Lock()
		c := e.conn
		e.mu.Unlock()
		if c == nil {
			return
		}
		if err := c.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: ans.SDP}); err != nil {
			e.push(media.Event{Kind: media.EventError, Err: fmt.Errorf("apply answer: %w", err)})
			return
		}
		e.push(media.Event{Kind: media.EventConnected})
	})

	offCand := e.sig.On(protocol.EventRTCCandidate, func(data json.RawMessage) {
		var cand protocol.Candidate
		if err := json.Unmarshal(data, &cand); err != nil || cand.Channel != req.Channel {
			return
		}
		e.mu.Lock()
		c := e.conn
		e.mu.Unlock()
		if c == nil {
			return
		}
		ci := webrtc.ICECandidateInit{Candidate: cand.Candidate}
		if cand.SDPMid != "" {
			ci.SDPMid = &cand.SDPMid
		}
		ci.SDPMLineIndex = &cand.SDPMLineIndex
		if err := c.AddICECandidate(ci); err != nil {
			e.logger.Debug().Err(err).Msg("add remote candidate")
		}
	})

	offPart := e.sig.On(protocol.EventRTCParticipant, func(data json.RawMessage) {
		var pe protocol.ParticipantEvent
		if err := json.Unmarshal(data, &pe); err != nil || pe.Channel != req.Channel {
			return
		}
		if pe.ParticipantID == req.ParticipantID {
			return
		}
		ev := media.Event{Participant: pe.ParticipantID, Media: pe.Kind}
		switch pe.State {
		case protocol.ParticipantPublished:
			ev.Kind = media.EventParticipantPublished
		case protocol.ParticipantUnpublished:
			ev.Kind = media.EventParticipantUnpublished
		case protocol.ParticipantLeft:
			ev.Kind = media.EventParticipantLeft
		default:
			return
		}
		e.push(ev)
	})

	e.conn = conn
	e.req = req
	e.offs = []func(){offAnswer, offCand, offPart}
	e.joined = true

	if err := e.sendOfferLocked(); err != nil {
		e.teardownLocked()
		return err
	}
	return nil
}

// Publish attaches the given local tracks and renegotiates. Tracks must
// have been created by this package; the controller owns them afterwards.
func (e *Engine) Publish(_ context.Context, tracks []media.LocalTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.joined || e.conn == nil {
		return ErrNotJoined
	}
	for _, lt := range tracks {
		t, ok := lt.(*Track)
		if !ok {
			return ErrForeignTrack
		}
		sender, err := e.conn.AddLocalTrack(t.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		e.senders[t] = sender
	}
	return e.sendOfferLocked()
}

// Unpublish detaches the given tracks and renegotiates.
func (e *Engine) Unpublish(_ context.Context, tracks []media.LocalTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.joined || e.conn == nil {
		return nil
	}
	for _, lt := range tracks {
		t, ok := lt.(*Track)
		if !ok {
			continue
		}
		if sender, found := e.senders[t]; found {
			if err := e.conn.RemoveTrack(sender); err != nil {
				e.logger.Warn().Err(err).Str("kind", string(t.Kind())).Msg("remove track")
			}
			delete(e.senders, t)
		}
	}
	return e.sendOfferLocked()
}

// Leave announces departure and closes the peer connection. Idempotent.
func (e *Engine) Leave() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.joined {
		return nil
	}
	if err := e.sig.Emit(protocol.EventRTCLeave, protocol.RTCLeave{Channel: e.req.Channel, ParticipantID: e.req.ParticipantID}); err != nil {
		e.logger.Debug().Err(err).Msg("leave emit failed")
	}
	e.teardownLocked()
	return nil
}

func (e *Engine) sendOfferLocked() error {
	offer, err := e.conn.CreateAndSetOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return e.sig.Emit(protocol.EventRTCOffer, protocol.Offer{
		Channel:       e.req.Channel,
		Token:         e.req.Token,
		ParticipantID: e.req.ParticipantID,
		SDP:           offer.SDP,
	})
}

func (e *Engine) teardownLocked() {
	for _, off := range e.offs {
		off()
	}
	e.offs = nil
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.senders = make(map[*Track]*webrtc.RTPSender)
	e.joined = false
}

func (e *Engine) handleRemoteTrack(track *webrtc.TrackRemote) {
	pid, err := strconv.ParseUint(track.StreamID(), 10, 32)
	if err != nil {
		e.logger.Warn().Str("stream_id", track.StreamID()).Msg("remote track without participant stream id")
		return
	}
	kind := domain.MediaAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaVideo
	}
	e.push(media.Event{
		Kind:        media.EventParticipantPublished,
		Participant: domain.ParticipantID(pid),
		Media:       kind,
		Track:       remoteTrack{tr: track},
	})
}

// push delivers an event without ever blocking the signaling goroutines.
func (e *Engine) push(ev media.Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn().Str("kind", ev.Kind.String()).Msg("event dropped, consumer too slow")
	}
}

type remoteTrack struct {
	tr *webrtc.TrackRemote
}

func (r remoteTrack) ID() string { return r.tr.ID() }

func (r remoteTrack) Kind() domain.MediaKind {
	if r.tr.Kind() == webrtc.RTPCodecTypeVideo {
		return domain.MediaVideo
	}
	return domain.MediaAudio
}
