// Package transport owns the single WebSocket connection to the exchange.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trader-space/internal/apperrors"
)

// ErrClosed is returned by Send after the connection has closed.
var ErrClosed = fmt.Errorf("connection closed: %w", apperrors.ErrTransport)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadLimit        = 1 << 20
)

// Dialer opens WebSocket connections.
type Dialer struct {
	dialer       *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
	readLimit    int64
	logger       *zap.Logger
}

// NewDialer creates a Dialer with default timeouts.
func NewDialer(logger *zap.Logger) *Dialer {
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
		logger:       logger.Named("transport"),
	}
}

// Dial connects to url. Failures wrap apperrors.ErrTransport.
func (d *Dialer) Dial(ctx context.Context, url string) (*Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %s: %v: %w", url, resp.Status, err, apperrors.ErrTransport)
		}
		return nil, fmt.Errorf("dial %s: %v: %w", url, err, apperrors.ErrTransport)
	}
	ws.SetReadLimit(d.readLimit)
	d.logger.Info("WebSocket connected", zap.String("url", url))
	return &Conn{
		ws:           ws,
		writeTimeout: d.writeTimeout,
		logger:       d.logger,
		closed:       make(chan struct{}),
	}, nil
}

// Conn is one open WebSocket connection. Frames are delivered in arrival order
// from a single read goroutine; the close callback runs exactly once.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	logger       *zap.Logger

	writeMu   sync.Mutex
	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	cbMu       sync.Mutex
	onClose    func(error)
	notifyOnce sync.Once
}

// Start begins reading. onMessage receives every text or binary frame; onClose
// receives the reason the connection ended. Subsequent calls are ignored.
func (c *Conn) Start(onMessage func([]byte), onClose func(error)) {
	c.startOnce.Do(func() {
		c.cbMu.Lock()
		c.onClose = onClose
		c.cbMu.Unlock()
		go c.readLoop(onMessage)
	})
}

func (c *Conn) readLoop(onMessage func([]byte)) {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				c.notify(ErrClosed)
			default:
				c.notify(fmt.Errorf("read: %v: %w", err, apperrors.ErrTransport))
			}
			c.shutdown()
			return
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

// Send writes one text frame.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %v: %w", err, apperrors.ErrTransport)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %v: %w", err, apperrors.ErrTransport)
	}
	return nil
}

// Close sends a close frame and releases the socket. It is idempotent.
// If Start was never called the close callback is not run.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// Done is closed once Close has been called or the read loop has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *Conn) notify(reason error) {
	c.notifyOnce.Do(func() {
		c.cbMu.Lock()
		fn := c.onClose
		c.cbMu.Unlock()
		c.logger.Info("WebSocket closed", zap.Error(reason))
		if fn != nil {
			fn(reason)
		}
	})
}
