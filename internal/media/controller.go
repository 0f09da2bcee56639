package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avetra/sessionlink/internal/domain"
)

const DefaultJoinTimeout = 30 * time.Second

// ErrJoinTimeout is surfaced when the channel join does not complete within
// the configured bound.
var ErrJoinTimeout = errors.New("media join timed out")

// State of one call instance.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StatePublishing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePublishing:
		return "publishing"
	case StateDisconnected:
		return "disconnected"
	default:
		return "idle"
	}
}

// Options tune a Controller. Zero values fall back to defaults.
type Options struct {
	JoinTimeout   time.Duration
	OnError       func(error)
	OnParticipant func(Event)
	Logger        *zerolog.Logger
}

// Controller drives one call's media session state machine. It is safe for
// concurrent use; all engine events are serialized through one pump
// goroutine. Late events after EndCall are ignored, so a screen that has
// torn down never sees a state update again.
type Controller struct {
	eng    Engine
	logger zerolog.Logger

	joinTimeout   time.Duration
	onError       func(error)
	onParticipant func(Event)

	tickEvery time.Duration

	mu         sync.Mutex
	state      State
	local      []LocalTrack
	remote     map[domain.ParticipantID]*domain.Participant
	seconds    int
	timerStop  chan struct{}
	joinExpire *time.Timer
	ended      bool

	done chan struct{}
}

func NewController(eng Engine, opts Options) *Controller {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.Logger == nil {
		l := log.With().Str("module", "media").Logger()
		opts.Logger = &l
	}
	c := &Controller{
		eng:           eng,
		logger:        *opts.Logger,
		joinTimeout:   opts.JoinTimeout,
		onError:       opts.OnError,
		onParticipant: opts.OnParticipant,
		tickEvery:     time.Second,
		state:         StateIdle,
		remote:        make(map[domain.ParticipantID]*domain.Participant),
		done:          make(chan struct{}),
	}
	go c.pump()
	return c
}

// State returns the current call state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join enters the media channel. Without both a channel name and a token
// the controller stays idle and no transport call is attempted. A join that
// does not reach connected within the configured timeout falls back to idle
// and the timeout is surfaced through the error callback.
func (c *Controller) Join(ctx context.Context, req JoinRequest) error {
	if req.Channel == "" || req.Token == "" {
		c.logger.Debug().Str("channel", req.Channel).Msg("join skipped, credentials incomplete")
		return nil
	}

	c.mu.Lock()
	if c.ended || c.state != StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.joinExpire = time.AfterFunc(c.joinTimeout, c.expireJoin)
	c.mu.Unlock()

	if err := c.eng.Join(ctx, req); err != nil {
		c.mu.Lock()
		c.cancelJoinTimerLocked()
		if c.state == StateConnecting {
			c.state = StateIdle
		}
		c.mu.Unlock()
		c.logger.Error().Err(err).Str("channel", req.Channel).Msg("join failed")
		return err
	}
	return nil
}

// Publish hands freshly captured local tracks to the transport. A no-op
// unless the call is connected. The duration counter starts after the first
// successful publish.
func (c *Controller) Publish(ctx context.Context, tracks ...LocalTrack) error {
	c.mu.Lock()
	if c.ended || (c.state != StateConnected && c.state != StatePublishing) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.eng.Publish(ctx, tracks); err != nil {
		c.logger.Error().Err(err).Msg("publish failed")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return nil
	}
	c.local = append(c.local, tracks...)
	c.state = StatePublishing
	c.startTimerLocked()
	return nil
}

// ToggleAudio flips the enabled flag of the owned audio track. This is a
// local mute, not an unpublish. The second return is false when no audio
// track is owned (the call is then a no-op).
func (c *Controller) ToggleAudio() (enabled, ok bool) { return c.toggle(domain.MediaAudio) }

// ToggleVideo flips the enabled flag of the owned video track.
func (c *Controller) ToggleVideo() (enabled, ok bool) { return c.toggle(domain.MediaVideo) }

func (c *Controller) toggle(kind domain.MediaKind) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tr := range c.local {
		if tr.Kind() == kind {
			next := !tr.Enabled()
			tr.SetEnabled(next)
			return next, true
		}
	}
	return false, false
}

// Participants returns a snapshot of the remote participant set.
func (c *Controller) Participants() []domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Participant, 0, len(c.remote))
	for _, p := range c.remote {
		out = append(out, *p)
	}
	return out
}

// Duration reports elapsed active-call seconds. It stays 0 until the first
// successful publish and freezes at EndCall.
func (c *Controller) Duration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seconds
}

// EndCall tears the session down: duration frozen, local tracks unpublished
// and closed (releasing capture hardware), channel left, remote set cleared.
// Idempotent, and it runs to completion even when individual steps fail.
func (c *Controller) EndCall() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.cancelJoinTimerLocked()
	c.stopTimerLocked()
	local := c.local
	c.local = nil
	c.remote = make(map[domain.ParticipantID]*domain.Participant)
	c.state = StateDisconnected
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(local) > 0 {
		if err := c.eng.Unpublish(ctx, local); err != nil {
			c.logger.Error().Err(err).Msg("unpublish during teardown")
		}
	}
	for _, tr := range local {
		if err := tr.Close(); err != nil {
			c.logger.Error().Err(err).Str("kind", string(tr.Kind())).Msg("close local track")
		}
	}
	if err := c.eng.Leave(); err != nil {
		c.logger.Error().Err(err).Msg("leave during teardown")
	}
	c.logger.Info().Msg("call ended")
}

// Close disposes the controller: EndCall plus stopping the event pump.
// Safe to call multiple times.
func (c *Controller) Close() {
	c.EndCall()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Controller) pump() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.eng.Events():
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Controller) handleEvent(ev Event) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}

	switch ev.Kind {
	case EventConnected:
		c.cancelJoinTimerLocked()
		if c.state == StateConnecting {
			c.state = StateConnected
		}
	case EventDisconnected:
		c.stopTimerLocked()
		c.state = StateDisconnected
	case EventParticipantPublished:
		p, ok := c.remote[ev.Participant]
		if !ok {
			p = &domain.Participant{ID: ev.Participant}
			c.remote[ev.Participant] = p
		}
		p.SetKind(ev.Media, true)
	case EventParticipantUnpublished:
		if p, ok := c.remote[ev.Participant]; ok {
			p.SetKind(ev.Media, false)
			if !p.Publishing() {
				delete(c.remote, ev.Participant)
			}
		}
	case EventParticipantLeft:
		delete(c.remote, ev.Participant)
	case EventError:
		// State machine stays in its last good state.
	}
	onErr := c.onError
	onPart := c.onParticipant
	c.mu.Unlock()

	switch ev.Kind {
	case EventError:
		c.logger.Error().Err(ev.Err).Msg("media transport error")
		if onErr != nil && ev.Err != nil {
			onErr(ev.Err)
		}
	case EventParticipantPublished, EventParticipantUnpublished, EventParticipantLeft:
		if onPart != nil {
			onPart(ev)
		}
	}
}

func (c *Controller) expireJoin() {
	c.mu.Lock()
	if c.ended || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	onErr := c.onError
	c.mu.Unlock()

	c.logger.Warn().Dur("timeout", c.joinTimeout).Msg("join timed out")
	if err := c.eng.Leave(); err != nil {
		c.logger.Debug().Err(err).Msg("leave after join timeout")
	}
	if onErr != nil {
		onErr(ErrJoinTimeout)
	}
}

func (c *Controller) startTimerLocked() {
	if c.timerStop != nil {
		return
	}
	stop := make(chan struct{})
	c.timerStop = stop
	go func() {
		t := time.NewTicker(c.tickEvery)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				c.mu.Lock()
				c.seconds++
				c.mu.Unlock()
			}
		}
	}()
}

func (c *Controller) stopTimerLocked() {
	if c.timerStop != nil {
		close(c.timerStop)
		c.timerStop = nil
	}
}

func (c *Controller) cancelJoinTimerLocked() {
	if c.joinExpire != nil {
		c.joinExpire.Stop()
		c.joinExpire = nil
	}
}
