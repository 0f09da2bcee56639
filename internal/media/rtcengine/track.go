package rtcengine

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/avetra/sessionlink/internal/domain"
)

// Track is a locally captured track handed to the controller for
// publishing. Capture (microphone/camera pipeline) happens outside: the
// producer pushes encoded samples through WriteSample.
//
// The enabled flag is a local mute: while disabled, samples are dropped on
// the floor and the track stays published.
type Track struct {
	kind    domain.MediaKind
	sample  *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	closed  atomic.Bool
}

// NewMicrophoneTrack builds an Opus audio track.
func NewMicrophoneTrack() (*Track, error) {
	return NewTrack(domain.MediaAudio, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus})
}

// NewCameraTrack builds a VP8 video track.
func NewCameraTrack() (*Track, error) {
	return NewTrack(domain.MediaVideo, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8})
}

func NewTrack(kind domain.MediaKind, codec webrtc.RTPCodecCapability) (*Track, error) {
	id := fmt.Sprintf("%s-%s", kind, uuid.NewString())
	sample, err := webrtc.NewTrackLocalStaticSample(codec, id, "local")
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	t := &Track{kind: kind, sample: sample}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Kind() domain.MediaKind { return t.kind }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }

// Close releases the track for the publisher side. The capture pipeline
// observes it through WriteSample returning ErrTrackClosed.
func (t *Track) Close() error {
	t.closed.Store(true)
	return nil
}

var ErrTrackClosed = fmt.Errorf("track closed")

// WriteSample feeds one captured sample into the track. Disabled tracks
// swallow samples silently (mute); closed tracks reject them.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if t.closed.Load() {
		return ErrTrackClosed
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.sample.WriteSample(s)
}

// Local exposes the underlying pion track for the engine.
func (t *Track) Local() webrtc.TrackLocal { return t.sample }
