package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avetra/sessionlink/internal/domain"
)

type fakeTransport struct {
	mu     sync.Mutex
	wrote  [][]byte
	inbox  chan []byte
	done   chan struct{}
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox: make(chan []byte, 16),
		done:  make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case b := <-t.inbox:
		return websocket.TextMessage, b, nil
	case <-t.done:
		return 0, nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteMessage(_ int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.wrote = append(t.wrote, data)
	return nil
}

func (t *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failFirst  int
	identities []domain.UserID
	transports []*fakeTransport
}

func (d *fakeDialer) dial(_ context.Context, identity domain.UserID) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.identities = append(d.identities, identity)
	if d.dials <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	tr := newFakeTransport()
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func fastOpts() Options {
	return Options{ReconnectAttempts: 3, ReconnectDelay: 5 * time.Millisecond}
}

func TestAcquireEmptyIdentityFails(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, fastOpts())

	_, err := m.Acquire(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrIdentityEmpty)
	assert.Equal(t, 0, d.dialCount(), "no connection may be created for an empty identity")
	assert.Equal(t, 0, m.Subscribers())
}

func TestConcurrentAcquireOpensSingleConnection(t *testing.T) {
	const n = 8
	d := &fakeDialer{}
	m := NewManager(d.dial, fastOpts())

	var wg sync.WaitGroup
	conns := make([]*Conn, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.Acquire(context.Background(), "user-1")
			assert.NoError(t, err)
			conns[i] = c
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return d.dialCount() == 1 }, time.Second, 5*time.Millisecond)
	for _, c := range conns[1:] {
		assert.Same(t, conns[0], c, "all consumers share one handle")
	}

	// Connection survives every release but the last.
	for range n - 1 {
		m.Release()
	}
	time.Sleep(20 * time.Millisecond)
	require.False(t, d.transport(0).isClosed(), "connection closed before last release")

	m.Release()
	assert.Eventually(t, func() bool { return d.transport(0).isClosed() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "exactly one connection opened and closed")
}

func TestReacquireAfterTeardownStartsFresh(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, fastOpts())

	c1, err := m.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	require.Eventually(t, c1.Connected, time.Second, 5*time.Millisecond)
	m.Release()

	c2, err := m.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2, "stale handle must not be reused")
	require.Eventually(t, c2.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, d.dialCount())
}

func TestIdentityReappliedBeforeReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, fastOpts())

	c, err := m.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	// A second consumer arrives with a newer credential.
	_, err = m.Acquire(context.Background(), "user-2")
	require.NoError(t, err)

	// Drop the transport; the reconnect must authenticate as user-2.
	d.transport(0).Close()
	require.Eventually(t, func() bool { return d.dialCount() == 2 }, time.Second, 5*time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, domain.UserID("user-1"), d.identities[0])
	assert.Equal(t, domain.UserID("user-2"), d.identities[1])
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, fastOpts())
	m.Release()
	assert.Equal(t, 0, m.Subscribers())
}
