package sfu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutTrackStateTransitions(t *testing.T) {
	ot := NewOutTrack(nil)
	assert.Equal(t, OutActive, ot.State())

	ot.MarkStale()
	assert.Equal(t, OutStale, ot.State())
}

func TestSourceKeyString(t *testing.T) {
	key := SourceKey{Participant: 42, Kind: "audio"}
	assert.Equal(t, "42/audio", key.String())
}

func TestManagerUnknownSourceIsNoop(t *testing.T) {
	m := NewManager("room-1")
	key := SourceKey{Participant: 7, Kind: "video"}

	assert.False(t, m.HasRelay(key))
	assert.Empty(t, m.Sources())

	// None of these should panic or create state for an unknown source.
	m.AddSubscriber(key, "conn-1", nil)
	m.DropSubscriber(key, "conn-1")
	m.StopRelay(key)
	assert.Empty(t, m.StopParticipant(7))

	_, ok := m.SrcTrack(key)
	assert.False(t, ok)
}
