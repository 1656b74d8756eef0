package listener

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"trader-space/internal/phemex"
)

// fakeExchange is a minimal streaming endpoint speaking the exchange's request/response protocol.
type fakeExchange struct {
	server *httptest.Server

	// rejectAuth answers user.auth with an error; ignoreAuth never answers it.
	rejectAuth bool
	ignoreAuth bool
	// rejectStreams answers these subscribe methods with an error.
	rejectStreams map[string]bool
	// ignoreStreams never answers these subscribe methods.
	ignoreStreams map[string]bool
	// ignorePings drops server.ping requests.
	ignorePings bool
	// subscriptions is the number of subscribe requests a session sends. Default 3.
	subscriptions int
	// afterSubscribed runs on the connection's goroutine once every subscribe request was answered.
	afterSubscribed func(ws *websocket.Conn, conn int)

	mu       sync.Mutex
	requests [][]phemex.Request
}

func newFakeExchange(t *testing.T, configure func(f *fakeExchange)) *fakeExchange {
	t.Helper()
	f := &fakeExchange{rejectStreams: map[string]bool{}, ignoreStreams: map[string]bool{}, subscriptions: 3}
	if configure != nil {
		configure(f)
	}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		f.serve(ws)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeExchange) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeExchange) serve(ws *websocket.Conn) {
	f.mu.Lock()
	f.requests = append(f.requests, nil)
	conn := len(f.requests) - 1
	f.mu.Unlock()

	subscribes := 0
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req phemex.Request
		if err := json.Unmarshal(msg, &req); err != nil {
			return
		}
		f.mu.Lock()
		f.requests[conn] = append(f.requests[conn], req)
		f.mu.Unlock()

		var reply string
		switch {
		case req.Method == "user.auth":
			if f.ignoreAuth {
				continue
			}
			if f.rejectAuth {
				reply = `{"id":%d,"error":{"code":6001,"message":"invalid argument"},"result":null}`
			} else {
				reply = `{"id":%d,"result":{"status":"success"},"error":null}`
			}
		case strings.HasSuffix(req.Method, ".subscribe"):
			subscribes++
			if f.ignoreStreams[req.Method] {
				continue
			}
			if f.rejectStreams[req.Method] {
				reply = `{"id":%d,"error":{"code":6002,"message":"invalid symbol"},"result":null}`
			} else {
				reply = `{"id":%d,"result":{"status":"success"},"error":null}`
			}
		case req.Method == "server.ping":
			if f.ignorePings {
				continue
			}
			reply = `{"id":%d,"result":"pong","error":null}`
		default:
			continue
		}
		if err := ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(reply, req.ID))); err != nil {
			return
		}
		if strings.HasSuffix(req.Method, ".subscribe") && subscribes == f.subscriptions && f.afterSubscribed != nil {
			f.afterSubscribed(ws, conn)
		}
	}
}

func (f *fakeExchange) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeExchange) requestsOf(conn int) []phemex.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conn >= len(f.requests) {
		return nil
	}
	return append([]phemex.Request(nil), f.requests[conn]...)
}

func (f *fakeExchange) methods(conn int) []string {
	var out []string
	for _, r := range f.requestsOf(conn) {
		out = append(out, r.Method)
	}
	return out
}
