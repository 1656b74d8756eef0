package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trader-space/internal/apperrors"
	"trader-space/internal/credential"
	"trader-space/internal/metrics"
	"trader-space/internal/phemex"
	"trader-space/internal/transport"
)

// recordingHandler collects data events.
type recordingHandler struct {
	mu     sync.Mutex
	events []phemex.Event
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev phemex.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) kinds() []phemex.EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]phemex.EventKind, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Kind())
	}
	return out
}

func testSessionConfig(url string) SessionConfig {
	return SessionConfig{
		URL:                url,
		Credential:         credential.Credential{UserID: 1, Broker: "Phemex", APIKey: "key", APISecret: "secret"},
		Symbol:             "BTCUSD",
		Streams:            []string{"trade", "order", "position"},
		HeartbeatInterval:  50 * time.Millisecond,
		DeadAfterIntervals: 4,
		AuthTimeout:        time.Second,
	}
}

func newTestSession(cfg SessionConfig, handler Handler, opts ...SessionOption) *Session {
	dial := WebSocketDialer(transport.NewDialer(zap.NewNop()))
	return NewSession(cfg, dial, handler, zap.NewNop(), metrics.New(), opts...)
}

func runAsync(ctx context.Context, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not return")
		return nil
	}
}

func TestSessionHandshakeAndHeartbeat(t *testing.T) {
	fake := newFakeExchange(t, func(f *fakeExchange) {
		f.afterSubscribed = func(ws *websocket.Conn, _ int) {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(
				`{"positions":[{"symbol":"BTCUSD","posSide":"Long","size":1,"avgEntryPriceEp":450000000}],"sequence":1}`))
			_ = ws.WriteMessage(websocket.TextMessage, []byte(
				`{"tick":{"last":4500000,"scale":2,"symbol":".BTC","timestamp":1700000000000000000}}`))
		}
	})

	var mu sync.Mutex
	var states []State
	handler := &recordingHandler{}
	session := newTestSession(testSessionConfig(fake.url()), handler, WithStateObserver(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, session)

	require.Eventually(t, func() bool { return session.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, session.ReachedStreaming())

	// A ping goes out on the heartbeat without any inbound prompt.
	require.Eventually(t, func() bool {
		for _, m := range fake.methods(0) {
			if m == "server.ping" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(handler.kinds()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []phemex.EventKind{phemex.EventPositions, phemex.EventTick}, handler.kinds())

	cancel()
	assert.NoError(t, waitResult(t, done))
	assert.Equal(t, StateClosed, session.State())

	reqs := fake.requestsOf(0)
	require.GreaterOrEqual(t, len(reqs), 5)

	auth := reqs[0]
	assert.Equal(t, int64(1), auth.ID)
	assert.Equal(t, "user.auth", auth.Method)
	require.Len(t, auth.Params, 4)
	assert.Equal(t, "API", auth.Params[0])
	assert.Equal(t, "key", auth.Params[1])
	expiry := int64(auth.Params[3].(float64))
	assert.Equal(t, phemex.Sign("key", "", expiry, "secret"), auth.Params[2])

	ids := map[int64]bool{}
	for i, want := range []string{"trade.subscribe", "order.subscribe", "position.subscribe"} {
		sub := reqs[i+1]
		assert.Equal(t, want, sub.Method)
		assert.Equal(t, []interface{}{"BTCUSD"}, sub.Params)
		assert.NotEqual(t, int64(1), sub.ID)
		ids[sub.ID] = true
	}
	assert.Len(t, ids, 3, "subscribe ids must be unique")

	for _, r := range reqs[4:] {
		assert.Equal(t, "server.ping", r.Method)
		assert.False(t, ids[r.ID])
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateAuthenticating, StateSubscribing, StateStreaming, StateClosed}, states)
}

func TestSessionAuthRejected(t *testing.T) {
	fake := newFakeExchange(t, func(f *fakeExchange) { f.rejectAuth = true })
	session := newTestSession(testSessionConfig(fake.url()), &recordingHandler{})

	err := waitResult(t, runAsync(context.Background(), session))

	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
	assert.True(t, apperrors.IsFatal(err))
	assert.Equal(t, StateClosed, session.State())
	assert.False(t, session.ReachedStreaming())
	assert.Equal(t, []string{"user.auth"}, fake.methods(0))
}

func TestSessionAuthTimeout(t *testing.T) {
	fake := newFakeExchange(t, func(f *fakeExchange) { f.ignoreAuth = true })
	cfg := testSessionConfig(fake.url())
	cfg.AuthTimeout = 100 * time.Millisecond
	session := newTestSession(cfg, &recordingHandler{})

	start := time.Now()
	err := waitResult(t, runAsync(context.Background(), session))

	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, StateClosed, session.State())
	// No ping is sent before authentication.
	assert.Equal(t, []string{"user.auth"}, fake.methods(0))
}

func TestSessionPartialSubscriptionFailure(t *testing.T) {
	fake := newFakeExchange(t, func(f *fakeExchange) { f.rejectStreams["order.subscribe"] = true })
	session := newTestSession(testSessionConfig(fake.url()), &recordingHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, session)

	require.Eventually(t, func() bool { return session.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, waitResult(t, done))
}

func TestSessionAllSubscriptionsRejected(t *testing.T) {
	fake := newFakeExchange(t, func(f *fakeExchange) {
		f.rejectStreams["trade.subscribe"] = true
		f.rejectStreams["order.subscribe"] = true
		f.rejectStreams["position.subscribe"] = true
	})
	session := newTestSession(testSessionConfig(fake.url()), &recordingHandler{})

	err := waitResult(t, runAsync(context.Background(), session))

	assert.ErrorIs(t, err, apperrors.ErrSubscription)
	assert.False(t, apperrors.IsFatal(err))
	assert.Equal(t, StateDisconnected, session.State())
}

func TestSessionUnansweredSubscriptionExpires(t *testing.T) {
	fake := newFakeExchange(t, func(f *fakeExchange) { f.ignoreStreams["position.subscribe"] = true })
	cfg := testSessionConfig(fake.url())
	cfg.AuthTimeout = 200 * time.Millisecond
	session := newTestSession(cfg, &recordingHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, session)

	require.Eventually(t, func() bool { return session.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, waitResult(t, done))
}

func TestSessionNoSubscriptionAnswered(t *testing.T) {
	fake := newFakeExchange(t, func(f *fakeExchange) {
		f.ignoreStreams["trade.subscribe"] = true
		f.ignoreStreams["order.subscribe"] = true
		f.ignoreStreams["position.subscribe"] = true
	})
	cfg := testSessionConfig(fake.url())
	cfg.AuthTimeout = 200 * time.Millisecond
	session := newTestSession(cfg, &recordingHandler{})

	err := waitResult(t, runAsync(context.Background(), session))

	assert.ErrorIs(t, err, apperrors.ErrSubscription)
	assert.False(t, session.ReachedStreaming())
	assert.Equal(t, StateDisconnected, session.State())
}

func TestSessionTickSubscription(t *testing.T) {
	fake := newFakeExchange(t, func(f *fakeExchange) { f.subscriptions = 4 })
	cfg := testSessionConfig(fake.url())
	cfg.TickSymbol = ".BTC"
	session := newTestSession(cfg, &recordingHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, session)
	require.Eventually(t, func() bool { return session.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitResult(t, done))

	reqs := fake.requestsOf(0)
	require.GreaterOrEqual(t, len(reqs), 5)
	assert.Equal(t, "tick.subscribe", reqs[4].Method)
	assert.Equal(t, []interface{}{".BTC"}, reqs[4].Params)
}

func TestSessionRemoteClose(t *testing.T) {
	fake := newFakeExchange(t, func(f *fakeExchange) {
		f.afterSubscribed = func(ws *websocket.Conn, _ int) {
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance"))
			_ = ws.Close()
		}
	})
	session := newTestSession(testSessionConfig(fake.url()), &recordingHandler{})

	err := waitResult(t, runAsync(context.Background(), session))

	assert.ErrorIs(t, err, apperrors.ErrTransport)
	assert.True(t, session.ReachedStreaming())
	assert.Equal(t, StateDisconnected, session.State())
}

func TestSessionDeadConnection(t *testing.T) {
	fake := newFakeExchange(t, func(f *fakeExchange) { f.ignorePings = true })
	cfg := testSessionConfig(fake.url())
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.DeadAfterIntervals = 2
	session := newTestSession(cfg, &recordingHandler{})

	err := waitResult(t, runAsync(context.Background(), session))

	assert.ErrorIs(t, err, apperrors.ErrTransport)
	assert.Contains(t, err.Error(), "no traffic")
	assert.True(t, session.ReachedStreaming())
}

func TestSessionDialFailure(t *testing.T) {
	session := newTestSession(testSessionConfig("ws://127.0.0.1:1"), &recordingHandler{})

	err := session.Run(context.Background())

	assert.ErrorIs(t, err, apperrors.ErrTransport)
	assert.Equal(t, StateDisconnected, session.State())
}

func TestSessionMissingCredential(t *testing.T) {
	fake := newFakeExchange(t, nil)
	cfg := testSessionConfig(fake.url())
	cfg.Credential = credential.Credential{UserID: 1, Broker: "Phemex"}
	session := newTestSession(cfg, &recordingHandler{})

	err := waitResult(t, runAsync(context.Background(), session))

	assert.True(t, errors.Is(err, apperrors.ErrCredentialNotFound))
	assert.True(t, apperrors.IsFatal(err))
	assert.Equal(t, StateClosed, session.State())
}
