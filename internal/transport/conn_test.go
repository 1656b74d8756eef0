package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trader-space/internal/apperrors"
)

var upgrader = websocket.Upgrader{}

// newServer runs handle on every upgraded connection.
func newServer(t *testing.T, handle func(ws *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(server.Close)
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func echo(ws *websocket.Conn) {
	for {
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := ws.WriteMessage(mt, msg); err != nil {
			return
		}
	}
}

func TestConnSendReceive(t *testing.T) {
	_, url := newServer(t, echo)

	conn, err := NewDialer(zap.NewNop()).Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan string, 2)
	conn.Start(func(b []byte) { received <- string(b) }, func(error) {})

	require.NoError(t, conn.Send([]byte(`{"id":1}`)))
	require.NoError(t, conn.Send([]byte(`{"id":2}`)))

	for _, want := range []string{`{"id":1}`, `{"id":2}`} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestConnRemoteCloseFiresOnce(t *testing.T) {
	_, url := newServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte("bye"))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
	})

	conn, err := NewDialer(zap.NewNop()).Dial(context.Background(), url)
	require.NoError(t, err)

	var calls atomic.Int32
	closed := make(chan error, 1)
	conn.Start(func([]byte) {}, func(err error) {
		calls.Add(1)
		closed <- err
	})

	select {
	case err := <-closed:
		assert.True(t, errors.Is(err, apperrors.ErrTransport))
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not fired")
	}

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	err = conn.Send([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, apperrors.ErrTransport)
}

func TestConnLocalClose(t *testing.T) {
	_, url := newServer(t, echo)

	conn, err := NewDialer(zap.NewNop()).Dial(context.Background(), url)
	require.NoError(t, err)

	closed := make(chan error, 1)
	conn.Start(func([]byte) {}, func(err error) { closed <- err })

	require.NoError(t, conn.Close())

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not fired")
	}
	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	conn, err := NewDialer(zap.NewNop()).Dial(context.Background(), url)

	assert.Nil(t, conn)
	assert.ErrorIs(t, err, apperrors.ErrTransport)
}

func TestDialRejectedUpgrade(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := NewDialer(zap.NewNop()).Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.ErrorIs(t, err, apperrors.ErrTransport)
}
