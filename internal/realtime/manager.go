package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avetra/sessionlink/internal/domain"
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 2 * time.Second
)

// Options tune the managed connection. Zero values fall back to defaults.
type Options struct {
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Logger            *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.Logger == nil {
		l := log.With().Str("module", "realtime").Logger()
		o.Logger = &l
	}
	return o
}

// Manager hands out at most one live signaling connection per process,
// shared by any number of concurrent consumers. The connection is created
// lazily on the first acquire and torn down exactly when the subscriber
// count returns to zero.
type Manager struct {
	dial DialFunc
	opts Options

	mu   sync.Mutex
	conn *Conn
	subs int
}

func NewManager(dial DialFunc, opts Options) *Manager {
	return &Manager{dial: dial, opts: opts.withDefaults()}
}

// Acquire registers a subscriber and returns the shared handle.
// An empty identity is rejected before any connection is created. If the
// identity differs from the handle's current one it is updated and applied
// on the next (re)connect. If the transport is not yet connected the
// connect loop is initiated; concurrent acquires share a single dial.
func (m *Manager) Acquire(ctx context.Context, identity domain.UserID) (*Conn, error) {
	if err := domain.ValidateIdentity(identity); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		m.conn = newConn(m.dial, m.opts.ReconnectAttempts, m.opts.ReconnectDelay, *m.opts.Logger)
	}
	m.conn.SetIdentity(identity)
	m.conn.ensureRunning(ctx)
	m.subs++
	m.opts.Logger.Debug().Int("subscribers", m.subs).Msg("acquired")
	return m.conn, nil
}

// Release drops one subscription. When the count reaches zero the handle is
// closed (listeners removed, transport shut) and discarded, so the next
// Acquire starts from a brand-new connection.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs == 0 {
		return
	}
	m.subs--
	m.opts.Logger.Debug().Int("subscribers", m.subs).Msg("released")
	if m.subs == 0 && m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// Subscribers reports the current subscriber count.
func (m *Manager) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs
}
