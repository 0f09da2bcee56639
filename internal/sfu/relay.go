package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/avetra/sessionlink/internal/domain"
)

// rtpSource is the read side of a published track. *webrtc.TrackRemote
// satisfies it.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay pumps RTP packets from one published remote track to every
// subscriber's OutTrack.
type Relay struct {
	Src *webrtc.TrackRemote

	reader rtpSource

	mu   sync.RWMutex
	outs map[domain.ConnID]*OutTrack

	cancel context.CancelFunc
}

func newRelay(src *webrtc.TrackRemote, reader rtpSource, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:    src,
		reader: reader,
		outs:   make(map[domain.ConnID]*OutTrack),
		cancel: cancel,
	}
}

func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay stopped, retiring out tracks")
			r.markAllStale()
			return
		default:
		}
		pkt, _, err := r.reader.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay read ended, stopping")
			r.markAllStale()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	snapshot := make(map[domain.ConnID]*OutTrack, len(r.outs))
	r.mu.RLock()
	maps.Copy(snapshot, r.outs)
	r.mu.RUnlock()

	stale := make([]domain.ConnID, 0, len(snapshot))
	for cid, ot := range snapshot {
		switch ot.State() {
		case OutStale:
			stale = append(stale, cid)
		case OutActive:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("subscriber", string(cid)).
					Msg("relay write failed, retiring out track")
				ot.MarkStale()
				stale = append(stale, cid)
			}
		}
	}

	// Removal happens outside the read lock.
	if len(stale) > 0 {
		r.dropStale(stale)
	}
}

func (r *Relay) dropStale(stale []domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cid := range stale {
		delete(r.outs, cid)
	}
}

func (r *Relay) markAllStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outs {
		ot.MarkStale()
	}
}

func (r *Relay) AddOutTrack(subscriber domain.ConnID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs[subscriber] = ot
}
