package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avetra/sessionlink/internal/config"
	"github.com/avetra/sessionlink/internal/core"
	"github.com/avetra/sessionlink/internal/domain"
	"github.com/avetra/sessionlink/internal/history"
	"github.com/avetra/sessionlink/internal/protocol"
	"github.com/avetra/sessionlink/internal/sfu"
)

// fakeSignal records the frames a channel member would receive.
type fakeSignal struct {
	mu     sync.Mutex
	frames []core.Frame
}

func (f *fakeSignal) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {}

func (f *fakeSignal) participantEvents(t *testing.T) []protocol.ParticipantEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.ParticipantEvent
	for _, fr := range f.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(fr, &env))
		if env.Event != protocol.EventRTCParticipant {
			continue
		}
		var pe protocol.ParticipantEvent
		require.NoError(t, json.Unmarshal(env.Data, &pe))
		out = append(out, pe)
	}
	return out
}

func mediaTestController() *Controller {
	cfg := &config.Config{Mode: "release", Secret: "test-secret"}
	return NewController(cfg, core.NewRoomManager(), history.NewMemoryStore(10))
}

func bindChannelMember(ctl *Controller, cid domain.ConnID, id domain.UserID, channel string, pid domain.ParticipantID) *fakeSignal {
	sig := &fakeSignal{}
	_, cancel := context.WithCancel(context.Background())
	ctl.reg.Bind(cid, &domain.User{ID: id}, sig, cancel)
	ctl.reg.SetMedia(cid, &MediaBinding{Channel: channel, PID: pid})
	return sig
}

func TestSourceStopBroadcastsUnpublishToChannel(t *testing.T) {
	ctl := mediaTestController()
	alice := bindChannelMember(ctl, "c1", "alice", "room-7", 1)
	bob := bindChannelMember(ctl, "c2", "bob", "room-7", 2)
	outsider := bindChannelMember(ctl, "c3", "carol", "room-8", 3)

	ctl.channel("room-7")
	ctl.handleSourceStopped("room-7", sfu.SourceKey{Participant: 1, Kind: domain.MediaAudio})

	for _, sig := range []*fakeSignal{alice, bob} {
		events := sig.participantEvents(t)
		require.Len(t, events, 1)
		assert.Equal(t, protocol.ParticipantUnpublished, events[0].State)
		assert.EqualValues(t, 1, events[0].ParticipantID)
		assert.Equal(t, domain.MediaAudio, events[0].Kind)
		assert.Equal(t, "room-7", events[0].Channel)
	}
	assert.Empty(t, outsider.participantEvents(t), "other channels stay quiet")
}

func TestTeardownMediaAnnouncesLeaveOnce(t *testing.T) {
	ctl := mediaTestController()
	bindChannelMember(ctl, "c1", "alice", "room-7", 1)
	bob := bindChannelMember(ctl, "c2", "bob", "room-7", 2)

	ctl.teardownMedia("c1")
	ctl.teardownMedia("c1")

	events := bob.participantEvents(t)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.ParticipantLeft, events[0].State)
	assert.EqualValues(t, 1, events[0].ParticipantID)
}
