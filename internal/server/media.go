package server

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avetra/sessionlink/internal/domain"
	"github.com/avetra/sessionlink/internal/protocol"
	"github.com/avetra/sessionlink/internal/rtc"
	"github.com/avetra/sessionlink/internal/sfu"
	"github.com/avetra/sessionlink/internal/token"
)

// handleOffer answers a client's SDP offer after verifying its channel
// token. A repeat offer on the same channel is a renegotiation and reuses
// the existing peer connection.
func (ctl *Controller) handleOffer(ctx context.Context, cid domain.ConnID, c *wsConn, data json.RawMessage) {
	var p protocol.Offer
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "bad_payload")
		return
	}

	claims, err := token.Verify(ctl.cfg.Secret, p.Channel, p.Token)
	if err != nil {
		log.Warn().Err(err).Str("module", "server.media").Str("cid", string(cid)).Msg("token rejected")
		ctl.sendError(c, "invalid token")
		return
	}
	if claims.ParticipantID != 0 && claims.ParticipantID != p.ParticipantID {
		ctl.sendError(c, "participant mismatch")
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}

	if mb, ok := ctl.reg.Media(cid); ok && mb.Channel == p.Channel {
		answer, err := mb.Conn.ApplyOfferAndCreateAnswer(offer)
		if err != nil {
			log.Error().Err(err).Str("module", "server.media").Str("cid", string(cid)).Msg("renegotiation")
			ctl.sendError(c, "renegotiation failed")
			return
		}
		ctl.sendJSONTo(c, protocol.EventRTCAnswer, protocol.Answer{Channel: p.Channel, SDP: answer.SDP})
		return
	}

	wc, err := rtc.NewConnection(rtc.Config(ctl.cfg.STUNServers), string(cid))
	if err != nil {
		log.Error().Err(err).Str("module", "server.media").Msg("new peer connection")
		ctl.sendError(c, "media unavailable")
		return
	}

	wc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		cand := protocol.Candidate{Channel: p.Channel, Candidate: ci.Candidate}
		if ci.SDPMid != nil {
			cand.SDPMid = *ci.SDPMid
		}
		if ci.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *ci.SDPMLineIndex
		}
		ctl.sendJSONTo(c, protocol.EventRTCCandidate, cand)
	})
	wc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		ctl.onTrack(trackCtx, cid, p.Channel, p.ParticipantID, track)
	})
	wc.OnClosed(func() { ctl.teardownMedia(cid) })

	if err := wc.Start(ctx); err != nil {
		log.Error().Err(err).Str("module", "server.media").Msg("peer connection start")
		wc.Close()
		ctl.sendError(c, "media unavailable")
		return
	}

	answer, err := wc.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		log.Error().Err(err).Str("module", "server.media").Msg("apply offer")
		wc.Close()
		ctl.sendError(c, "bad offer")
		return
	}

	ctl.reg.SetMedia(cid, &MediaBinding{Channel: p.Channel, PID: p.ParticipantID, Conn: wc})
	ctl.sendJSONTo(c, protocol.EventRTCAnswer, protocol.Answer{Channel: p.Channel, SDP: answer.SDP})

	ctl.subscribeExisting(cid, c, p.Channel, p.ParticipantID, wc)
}

// subscribeExisting wires a newly joined connection into every relay that
// already runs in its channel, then tells it who is publishing.
func (ctl *Controller) subscribeExisting(cid domain.ConnID, c *wsConn, channel string, pid domain.ParticipantID, wc *rtc.Connection) {
	mgr := ctl.channel(channel)
	for _, src := range mgr.Sources() {
		if src.Participant == pid {
			continue
		}
		srcTrack, ok := mgr.SrcTrack(src)
		if !ok {
			continue
		}
		if err := ctl.attachOutTrack(mgr, src, cid, wc, srcTrack); err != nil {
			log.Error().Err(err).Str("module", "server.media").Str("source", src.String()).Msg("subscribe existing")
			continue
		}
		ctl.sendJSONTo(c, protocol.EventRTCParticipant, protocol.ParticipantEvent{
			Channel:       channel,
			ParticipantID: src.Participant,
			State:         protocol.ParticipantPublished,
			Kind:          src.Kind,
		})
	}
}

// attachOutTrack creates the subscriber's copy of a source track. The out
// track's stream id carries the publisher's participant id so the far end
// can attribute it.
func (ctl *Controller) attachOutTrack(mgr *sfu.Manager, src sfu.SourceKey, subscriber domain.ConnID, wc *rtc.Connection, srcTrack *webrtc.TrackRemote) error {
	out, err := webrtc.NewTrackLocalStaticRTP(
		srcTrack.Codec().RTPCodecCapability,
		srcTrack.ID(),
		strconv.FormatUint(uint64(src.Participant), 10),
	)
	if err != nil {
		return err
	}
	if _, err := wc.AddLocalTrack(out); err != nil {
		return err
	}
	mgr.AddSubscriber(src, subscriber, out)
	return nil
}

// onTrack runs when a publisher's track reaches the server: start a relay
// for it, fan it out to the channel, and announce the publish.
func (ctl *Controller) onTrack(ctx context.Context, cid domain.ConnID, channel string, pid domain.ParticipantID, track *webrtc.TrackRemote) {
	kind := domain.MediaAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaVideo
	}
	src := sfu.SourceKey{Participant: pid, Kind: kind}

	mgr := ctl.channel(channel)
	mgr.StartRelay(ctx, src, track)

	for _, m := range ctl.reg.MembersOfChannel(channel) {
		if m.CID == cid || m.Media == nil {
			continue
		}
		if err := ctl.attachOutTrack(mgr, src, m.CID, m.Media, track); err != nil {
			log.Error().Err(err).Str("module", "server.media").Str("subscriber", string(m.CID)).Msg("fan out track")
		}
	}

	ctl.broadcastChannel(channel, protocol.EventRTCParticipant, protocol.ParticipantEvent{
		Channel:       channel,
		ParticipantID: pid,
		State:         protocol.ParticipantPublished,
		Kind:          kind,
	})
}

func (ctl *Controller) handleCandidate(cid domain.ConnID, data json.RawMessage) {
	var p protocol.Candidate
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "server.media").Msg("bad candidate payload")
		return
	}

	mb, ok := ctl.reg.Media(cid)
	if !ok {
		log.Warn().Str("module", "server.media").Str("cid", string(cid)).Msg("candidate without media session")
		return
	}

	cand := webrtc.ICECandidateInit{Candidate: p.Candidate}
	if p.SDPMid != "" {
		cand.SDPMid = &p.SDPMid
	}
	cand.SDPMLineIndex = &p.SDPMLineIndex

	if err := mb.Conn.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "server.media").Msg("add ice candidate")
	}
}

func (ctl *Controller) handleRTCLeave(cid domain.ConnID, data json.RawMessage) {
	var p protocol.RTCLeave
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "server.media").Msg("bad leave payload")
		return
	}
	ctl.teardownMedia(cid)
}

// teardownMedia stops the connection's relays, drops its subscriptions,
// announces the departure, and closes the peer connection. Safe to call
// more than once.
func (ctl *Controller) teardownMedia(cid domain.ConnID) {
	mb, ok := ctl.reg.ClearMedia(cid)
	if !ok {
		return
	}

	mgr := ctl.channel(mb.Channel)
	mgr.StopParticipant(mb.PID)
	for _, src := range mgr.Sources() {
		mgr.DropSubscriber(src, cid)
	}

	ctl.broadcastChannel(mb.Channel, protocol.EventRTCParticipant, protocol.ParticipantEvent{
		Channel:       mb.Channel,
		ParticipantID: mb.PID,
		State:         protocol.ParticipantLeft,
	})

	if mb.Conn != nil {
		mb.Conn.Close()
	}
	log.Info().Str("module", "server.media").Str("cid", string(cid)).Str("channel", mb.Channel).Msg("media torn down")
}

// handleSourceStopped announces that a published track went away, whether
// the publisher unpublished it or its relay died. Without this, remote
// peers would show the participant as publishing forever.
func (ctl *Controller) handleSourceStopped(channel string, src sfu.SourceKey) {
	log.Info().
		Str("module", "server.media").
		Str("channel", channel).
		Str("source", src.String()).
		Msg("source stopped, announcing unpublish")

	ctl.broadcastChannel(channel, protocol.EventRTCParticipant, protocol.ParticipantEvent{
		Channel:       channel,
		ParticipantID: src.Participant,
		State:         protocol.ParticipantUnpublished,
		Kind:          src.Kind,
	})
}
