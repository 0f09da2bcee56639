// Package media manages one call's media session: join, publish local
// tracks, track remote participants, tear down. The transport itself lives
// behind the Engine interface; the controller only runs the state machine.
package media

import (
	"context"

	"github.com/avetra/sessionlink/internal/domain"
)

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventParticipantPublished
	EventParticipantUnpublished
	EventParticipantLeft
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventParticipantPublished:
		return "participant_published"
	case EventParticipantUnpublished:
		return "participant_unpublished"
	case EventParticipantLeft:
		return "participant_left"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// RemoteTrack is an opaque handle to a remote participant's track. The
// engine implementation decides how it is rendered or played back.
type RemoteTrack interface {
	ID() string
	Kind() domain.MediaKind
}

// Event is one occurrence on the media transport. Participant, Media and
// Track are set for participant events; Err for EventError.
type Event struct {
	Kind        EventKind
	Participant domain.ParticipantID
	Media       domain.MediaKind
	Track       RemoteTrack
	Err         error
}

// JoinRequest carries everything required to enter a media channel.
type JoinRequest struct {
	AppID         string
	Channel       string
	Token         string
	ParticipantID domain.ParticipantID
}

// LocalTrack is a locally captured media track. The controller owns tracks
// exclusively once published and closes them on cleanup; capture itself is
// the caller's concern.
type LocalTrack interface {
	Kind() domain.MediaKind
	Enabled() bool
	SetEnabled(bool)
	Close() error
}

// Engine is the transport half of a media session. Join, Publish and
// Unpublish are asynchronous at the network level: completion and failures
// after return surface on Events.
type Engine interface {
	Join(ctx context.Context, req JoinRequest) error
	Publish(ctx context.Context, tracks []LocalTrack) error
	Unpublish(ctx context.Context, tracks []LocalTrack) error
	Leave() error
	Events() <-chan Event
}
