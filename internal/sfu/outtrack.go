package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

// RTPWriter is the write side of a subscriber's out track.
// *webrtc.TrackLocalStaticRTP satisfies it.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

type OutState int32

const (
	OutActive OutState = iota
	OutStale
)

// OutTrack is one outgoing copy of a published track, bound to a single
// subscriber connection. Once stale it is never written again and the next
// forward pass removes it.
type OutTrack struct {
	Track RTPWriter
	state atomic.Int32 // zero value is OutActive
}

func NewOutTrack(track RTPWriter) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) State() OutState {
	return OutState(ot.state.Load())
}

func (ot *OutTrack) MarkStale() {
	ot.state.Store(int32(OutStale))
}
