package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trader-space/internal/apperrors"
	"trader-space/internal/metrics"
	"trader-space/internal/transport"
)

// scriptedRunner returns a fixed outcome.
type scriptedRunner struct {
	err       error
	streaming bool
}

func (r scriptedRunner) Run(context.Context) error { return r.err }
func (r scriptedRunner) ReachedStreaming() bool    { return r.streaming }

var fastPolicy = SupervisorConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxConsecutiveFailures: 3}

func TestSupervisorStopsAfterConsecutiveFailures(t *testing.T) {
	m := metrics.New()
	attempts := 0
	sup := NewSupervisor(fastPolicy, func(attempt int) Runner {
		attempts++
		assert.Equal(t, attempts, attempt)
		return scriptedRunner{err: fmt.Errorf("%w: refused", apperrors.ErrTransport)}
	}, zap.NewNop(), m)

	err := sup.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTransport)
	assert.Contains(t, err.Error(), "giving up after 3")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Sessions.WithLabelValues("failed")))
}

func TestSupervisorStreamingResetsFailureCount(t *testing.T) {
	lost := fmt.Errorf("%w: lost", apperrors.ErrTransport)
	script := []scriptedRunner{
		{err: lost}, {err: lost}, {err: lost, streaming: true},
		{err: lost}, {err: lost}, {err: lost},
	}
	attempts := 0
	sup := NewSupervisor(fastPolicy, func(int) Runner {
		r := script[attempts]
		attempts++
		return r
	}, zap.NewNop(), metrics.New())

	err := sup.Run(context.Background())

	assert.Error(t, err)
	assert.Equal(t, 6, attempts)
}

func TestSupervisorFatalErrorStops(t *testing.T) {
	attempts := 0
	sup := NewSupervisor(fastPolicy, func(int) Runner {
		attempts++
		return scriptedRunner{err: fmt.Errorf("%w: bad key", apperrors.ErrAuthenticationFailed)}
	}, zap.NewNop(), metrics.New())

	err := sup.Run(context.Background())

	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
	assert.Equal(t, 1, attempts)
}

func TestSupervisorCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sup := NewSupervisor(SupervisorConfig{InitialDelay: time.Hour}, func(int) Runner {
		return scriptedRunner{err: errors.New("boom")}
	}, zap.NewNop(), metrics.New())

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisorReconnectRestartsRequestIDs(t *testing.T) {
	var once sync.Once
	fake := newFakeExchange(t, func(f *fakeExchange) {
		f.afterSubscribed = func(ws *websocket.Conn, conn int) {
			if conn == 0 {
				once.Do(func() { _ = ws.Close() })
			}
		}
	})

	dial := WebSocketDialer(transport.NewDialer(zap.NewNop()))
	var mu sync.Mutex
	var sessions []*Session
	sup := NewSupervisor(SupervisorConfig{InitialDelay: 20 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxConsecutiveFailures: 3},
		func(int) Runner {
			s := NewSession(testSessionConfig(fake.url()), dial, &recordingHandler{}, zap.NewNop(), metrics.New())
			mu.Lock()
			sessions = append(sessions, s)
			mu.Unlock()
			return s
		}, zap.NewNop(), metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sessions) == 2 && sessions[1].State() == StateStreaming
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.True(t, sessions[0].ReachedStreaming())
	assert.Equal(t, StateDisconnected, sessions[0].State())
	mu.Unlock()

	first, second := fake.requestsOf(0), fake.requestsOf(1)
	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	assert.Equal(t, "user.auth", first[0].Method)
	assert.Equal(t, int64(1), first[0].ID)
	assert.Equal(t, "user.auth", second[0].Method)
	assert.Equal(t, int64(1), second[0].ID)
	assert.Equal(t, 2, fake.connections())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
