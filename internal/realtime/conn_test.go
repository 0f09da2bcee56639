package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avetra/sessionlink/internal/protocol"
)

func TestDialFailureRetriesBoundedThenDisconnected(t *testing.T) {
	d := &fakeDialer{failFirst: 100}
	m := NewManager(d.dial, Options{ReconnectAttempts: 3, ReconnectDelay: time.Millisecond})

	var mu sync.Mutex
	var connectErrors int
	c, err := m.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	c.On(protocol.EventConnectError, func(json.RawMessage) {
		mu.Lock()
		connectErrors++
		mu.Unlock()
	})

	assert.Eventually(t, func() bool { return d.dialCount() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, d.dialCount(), "retry attempts are bounded")
	assert.Equal(t, StateDisconnected, c.State())

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, connectErrors, 1, "connect errors are observable, not thrown")
}

func TestEmitRequiresConnection(t *testing.T) {
	d := &fakeDialer{failFirst: 100}
	m := NewManager(d.dial, Options{ReconnectAttempts: 1, ReconnectDelay: time.Millisecond})

	c, err := m.Acquire(context.Background(), "user-1")
	require.NoError(t, err)

	err = c.Emit(protocol.EventMessageSend, protocol.MessageSend{SessionID: "s", Text: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)

	m.Release()
	err = c.Emit(protocol.EventMessageSend, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEmitWritesEnvelopeToTransport(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, fastOpts())

	c, err := m.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Emit(protocol.EventSessionJoin, protocol.SessionRef{SessionID: "s-9"}))

	tr := d.transport(0)
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.wrote) == 1
	}, time.Second, 5*time.Millisecond)

	var env protocol.Envelope
	tr.mu.Lock()
	require.NoError(t, json.Unmarshal(tr.wrote[0], &env))
	tr.mu.Unlock()
	assert.Equal(t, protocol.EventSessionJoin, env.Event)

	var ref protocol.SessionRef
	require.NoError(t, json.Unmarshal(env.Data, &ref))
	assert.EqualValues(t, "s-9", ref.SessionID)
}

func TestInboundEnvelopeDispatchedToHandlers(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, fastOpts())

	c, err := m.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	got := make(chan json.RawMessage, 1)
	off := c.On(protocol.EventMessageReceive, func(data json.RawMessage) { got <- data })

	env, _ := protocol.NewEnvelope(protocol.EventMessageReceive, map[string]string{"text": "hello"})
	b, _ := json.Marshal(env)
	d.transport(0).inbox <- b

	select {
	case data := <-got:
		assert.JSONEq(t, `{"text":"hello"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	// After unsubscribe no further delivery.
	off()
	d.transport(0).inbox <- b
	select {
	case <-got:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStateObserverSeesTransitions(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d.dial, fastOpts())

	c, err := m.Acquire(context.Background(), "user-1")
	require.NoError(t, err)

	states := make(chan State, 8)
	c.OnStateChange(func(s State) { states <- s })
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	// Kill the transport: observer must see disconnected, then connected
	// again once the built-in reconnect succeeds.
	d.transport(0).Close()

	seen := map[State]bool{}
	deadline := time.After(2 * time.Second)
	for !(seen[StateDisconnected] && seen[StateConnected]) {
		select {
		case s := <-states:
			seen[s] = true
		case <-deadline:
			t.Fatalf("missing transitions, saw %v", seen)
		}
	}
}
