package domain

// ParticipantID is the numeric id a peer joins a media channel with.
type ParticipantID uint32

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Participant is a remote peer in a media session together with the
// media kinds it currently publishes.
type Participant struct {
	ID    ParticipantID
	Audio bool
	Video bool
}

// SetKind marks the given kind as published (on=true) or withdrawn.
func (p *Participant) SetKind(kind MediaKind, on bool) {
	switch kind {
	case MediaAudio:
		p.Audio = on
	case MediaVideo:
		p.Video = on
	}
}

// Publishing reports whether the participant still publishes anything.
func (p *Participant) Publishing() bool {
	return p.Audio || p.Video
}
