package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avetra/sessionlink/internal/domain"
)

type fakeTrack struct {
	kind    domain.MediaKind
	mu      sync.Mutex
	enabled bool
	closed  int
}

func newFakeTrack(kind domain.MediaKind) *fakeTrack {
	return &fakeTrack{kind: kind, enabled: true}
}

func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTrack) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeEngine scripts transport behaviour and records calls.
type fakeEngine struct {
	mu          sync.Mutex
	events      chan Event
	joins       []JoinRequest
	published   [][]LocalTrack
	unpublished [][]LocalTrack
	leaves      int
	joinErr     error
	publishErr  error
	autoConnect bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan Event, 16), autoConnect: true}
}

func (e *fakeEngine) Join(_ context.Context, req JoinRequest) error {
	e.mu.Lock()
	e.joins = append(e.joins, req)
	auto := e.autoConnect
	err := e.joinErr
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		e.events <- Event{Kind: EventConnected}
	}
	return nil
}

func (e *fakeEngine) Publish(_ context.Context, tracks []LocalTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.publishErr != nil {
		return e.publishErr
	}
	e.published = append(e.published, tracks)
	return nil
}

func (e *fakeEngine) Unpublish(_ context.Context, tracks []LocalTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unpublished = append(e.unpublished, tracks)
	return nil
}

func (e *fakeEngine) Leave() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leaves++
	return nil
}

func (e *fakeEngine) Events() <-chan Event { return e.events }

func (e *fakeEngine) joinCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.joins)
}

func (e *fakeEngine) leaveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaves
}

func connectedController(t *testing.T, eng *fakeEngine, opts Options) *Controller {
	t.Helper()
	c := NewController(eng, opts)
	t.Cleanup(c.Close)
	require.NoError(t, c.Join(context.Background(), JoinRequest{
		AppID: "app", Channel: "ch", Token: "tok", ParticipantID: 7,
	}))
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)
	return c
}

func TestJoinWithoutCredentialsStaysIdle(t *testing.T) {
	eng := newFakeEngine()
	c := NewController(eng, Options{})
	defer c.Close()

	require.NoError(t, c.Join(context.Background(), JoinRequest{Channel: "ch"}))
	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.Join(context.Background(), JoinRequest{Token: "tok"}))
	assert.Equal(t, StateIdle, c.State())

	assert.Equal(t, 0, eng.joinCount(), "no transport call without full credentials")
}

func TestJoinReachesConnected(t *testing.T) {
	eng := newFakeEngine()
	c := connectedController(t, eng, Options{})

	assert.Equal(t, 1, eng.joinCount())
	assert.EqualValues(t, 7, eng.joins[0].ParticipantID)

	// A second join while connected is a no-op.
	require.NoError(t, c.Join(context.Background(), JoinRequest{Channel: "ch", Token: "tok"}))
	assert.Equal(t, 1, eng.joinCount())
}

func TestJoinFailureRevertsToIdle(t *testing.T) {
	eng := newFakeEngine()
	eng.joinErr = errors.New("gateway unreachable")
	c := NewController(eng, Options{})
	defer c.Close()

	err := c.Join(context.Background(), JoinRequest{Channel: "ch", Token: "tok"})
	require.Error(t, err)
	assert.Equal(t, StateIdle, c.State())
}

func TestJoinTimeoutFallsBackToIdle(t *testing.T) {
	eng := newFakeEngine()
	eng.autoConnect = false

	var mu sync.Mutex
	var got error
	c := NewController(eng, Options{
		JoinTimeout: 20 * time.Millisecond,
		OnError: func(err error) {
			mu.Lock()
			got = err
			mu.Unlock()
		},
	})
	defer c.Close()

	require.NoError(t, c.Join(context.Background(), JoinRequest{Channel: "ch", Token: "tok"}))
	assert.Equal(t, StateConnecting, c.State())

	require.Eventually(t, func() bool { return c.State() == StateIdle }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, got, ErrJoinTimeout)
}

func TestPublishRequiresConnected(t *testing.T) {
	eng := newFakeEngine()
	c := NewController(eng, Options{})
	defer c.Close()

	require.NoError(t, c.Publish(context.Background(), newFakeTrack(domain.MediaAudio)))
	assert.Equal(t, StateIdle, c.State())
	eng.mu.Lock()
	assert.Empty(t, eng.published)
	eng.mu.Unlock()
}

func TestPublishTransitionsAndStartsDuration(t *testing.T) {
	eng := newFakeEngine()
	c := connectedController(t, eng, Options{})
	c.tickEvery = 5 * time.Millisecond

	mic := newFakeTrack(domain.MediaAudio)
	require.NoError(t, c.Publish(context.Background(), mic))
	assert.Equal(t, StatePublishing, c.State())

	require.Eventually(t, func() bool { return c.Duration() >= 2 }, time.Second, time.Millisecond)

	c.EndCall()
	frozen := c.Duration()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, c.Duration(), "duration frozen after end")
}

func TestDurationNeverStartsWithoutPublish(t *testing.T) {
	eng := newFakeEngine()
	c := connectedController(t, eng, Options{})
	c.tickEvery = 5 * time.Millisecond

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, c.Duration())
}

func TestRemoteParticipantBookkeeping(t *testing.T) {
	eng := newFakeEngine()
	c := connectedController(t, eng, Options{})

	eng.events <- Event{Kind: EventParticipantPublished, Participant: 42, Media: domain.MediaAudio}
	require.Eventually(t, func() bool { return len(c.Participants()) == 1 }, time.Second, time.Millisecond)

	// Same id again with another kind: update, never duplicate.
	eng.events <- Event{Kind: EventParticipantPublished, Participant: 42, Media: domain.MediaVideo}
	require.Eventually(t, func() bool {
		ps := c.Participants()
		return len(ps) == 1 && ps[0].Audio && ps[0].Video
	}, time.Second, time.Millisecond)

	eng.events <- Event{Kind: EventParticipantUnpublished, Participant: 42, Media: domain.MediaVideo}
	require.Eventually(t, func() bool {
		ps := c.Participants()
		return len(ps) == 1 && ps[0].Audio && !ps[0].Video
	}, time.Second, time.Millisecond)

	eng.events <- Event{Kind: EventParticipantUnpublished, Participant: 42, Media: domain.MediaAudio}
	require.Eventually(t, func() bool { return len(c.Participants()) == 0 }, time.Second, time.Millisecond)
}

func TestParticipantLeftRemoves(t *testing.T) {
	eng := newFakeEngine()
	c := connectedController(t, eng, Options{})

	eng.events <- Event{Kind: EventParticipantPublished, Participant: 9, Media: domain.MediaVideo}
	require.Eventually(t, func() bool { return len(c.Participants()) == 1 }, time.Second, time.Millisecond)

	eng.events <- Event{Kind: EventParticipantLeft, Participant: 9}
	require.Eventually(t, func() bool { return len(c.Participants()) == 0 }, time.Second, time.Millisecond)
}

func TestToggleWithoutTrackIsNoop(t *testing.T) {
	eng := newFakeEngine()
	c := connectedController(t, eng, Options{})

	_, ok := c.ToggleAudio()
	assert.False(t, ok)
	_, ok = c.ToggleVideo()
	assert.False(t, ok)
}

func TestToggleFlipsEnabledOnly(t *testing.T) {
	eng := newFakeEngine()
	c := connectedController(t, eng, Options{})

	mic := newFakeTrack(domain.MediaAudio)
	cam := newFakeTrack(domain.MediaVideo)
	require.NoError(t, c.Publish(context.Background(), mic, cam))

	enabled, ok := c.ToggleAudio()
	require.True(t, ok)
	assert.False(t, enabled)
	assert.False(t, mic.Enabled())
	assert.True(t, cam.Enabled(), "toggling audio leaves video alone")

	enabled, ok = c.ToggleAudio()
	require.True(t, ok)
	assert.True(t, enabled)

	// Mute is track-level: nothing was unpublished.
	eng.mu.Lock()
	assert.Empty(t, eng.unpublished)
	eng.mu.Unlock()
}

func TestEndCallIdempotentAndComplete(t *testing.T) {
	eng := newFakeEngine()
	c := connectedController(t, eng, Options{})

	mic := newFakeTrack(domain.MediaAudio)
	cam := newFakeTrack(domain.MediaVideo)
	require.NoError(t, c.Publish(context.Background(), mic, cam))

	eng.events <- Event{Kind: EventParticipantPublished, Participant: 3, Media: domain.MediaAudio}
	require.Eventually(t, func() bool { return len(c.Participants()) == 1 }, time.Second, time.Millisecond)

	c.EndCall()
	c.EndCall()

	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.Participants())
	assert.Equal(t, 1, mic.closeCount(), "capture hardware released exactly once")
	assert.Equal(t, 1, cam.closeCount())
	assert.Equal(t, 1, eng.leaveCount())

	// Late events after teardown are ignored.
	eng.events <- Event{Kind: EventParticipantPublished, Participant: 4, Media: domain.MediaAudio}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.Participants())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestTransportErrorKeepsState(t *testing.T) {
	eng := newFakeEngine()

	var mu sync.Mutex
	var got error
	c := connectedController(t, eng, Options{OnError: func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	}})

	eng.events <- Event{Kind: EventError, Err: errors.New("ice failed")}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, time.Second, time.Millisecond)
	assert.Equal(t, StateConnected, c.State(), "state unchanged on transport error")
}
