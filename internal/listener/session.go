// Package listener runs the authenticated streaming session against the exchange
// and keeps it alive across disconnects.
package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"trader-space/internal/apperrors"
	"trader-space/internal/credential"
	"trader-space/internal/metrics"
	"trader-space/internal/phemex"
	"trader-space/internal/transport"
)

// State is the protocol state of one session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is an open transport connection.
type Connection interface {
	Start(onMessage func([]byte), onClose func(error))
	Send(data []byte) error
	Close() error
}

// DialFunc opens a Connection.
type DialFunc func(ctx context.Context, url string) (Connection, error)

// WebSocketDialer adapts a transport.Dialer.
func WebSocketDialer(d *transport.Dialer) DialFunc {
	return func(ctx context.Context, url string) (Connection, error) {
		conn, err := d.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Handler receives data events in arrival order.
type Handler interface {
	HandleEvent(ctx context.Context, ev phemex.Event)
}

// SessionConfig describes one streaming session.
type SessionConfig struct {
	URL                string
	Credential         credential.Credential
	Symbol             string
	Streams            []string
	TickSymbol         string
	HeartbeatInterval  time.Duration
	DeadAfterIntervals int
	AuthTimeout        time.Duration
	AuthExpiry         time.Duration
	InboxSize          int
}

func (c *SessionConfig) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.DeadAfterIntervals <= 0 {
		c.DeadAfterIntervals = 3
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.AuthExpiry <= 0 {
		c.AuthExpiry = 2 * time.Minute
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
}

type pendingRequest struct {
	kind   phemex.RequestKind
	stream string
	sentAt time.Time
}

type inbound struct {
	frame  []byte
	closed bool
	err    error
}

// Session is a single connection attempt: connect, authenticate, subscribe, stream.
// All protocol state is owned by the goroutine running Run.
type Session struct {
	cfg     SessionConfig
	dial    DialFunc
	handler Handler
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	observe func(State)

	state     atomic.Int32
	streaming atomic.Bool

	conn          Connection
	nextID        int64
	pending       map[int64]pendingRequest
	subscriptions int
	subscribed    int
	lastTraffic   time.Time
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithStateObserver is called on every state transition, from the session goroutine.
func WithStateObserver(fn func(State)) SessionOption {
	return func(s *Session) { s.observe = fn }
}

// WithSessionClock replaces time.Now for signature expiry and traffic accounting.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// NewSession creates a Session. Request ids start at 1.
func NewSession(cfg SessionConfig, dial DialFunc, handler Handler, logger *zap.Logger, m *metrics.Metrics, opts ...SessionOption) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg:     cfg,
		dial:    dial,
		handler: handler,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		pending: make(map[int64]pendingRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ReachedStreaming reports whether the session ever entered Streaming.
func (s *Session) ReachedStreaming() bool {
	return s.streaming.Load()
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	if st == StateStreaming {
		s.streaming.Store(true)
	}
	s.metrics.SessionState.Set(float64(st))
	s.logger.Info("Session state changed", zap.Stringer("from", prev), zap.Stringer("to", st))
	if s.observe != nil {
		s.observe(st)
	}
}

// Run drives the session until the connection is lost, authentication fails or
// ctx is canceled. It returns nil only on cancellation.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateConnecting)
	conn, err := s.dial(ctx, s.cfg.URL)
	if err != nil {
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, apperrors.ErrTransport) {
			err = fmt.Errorf("%w: %v", apperrors.ErrTransport, err)
		}
		return err
	}
	s.conn = conn

	done := make(chan struct{})
	defer close(done)
	inbox := make(chan inbound, s.cfg.InboxSize)
	conn.Start(
		func(frame []byte) {
			select {
			case inbox <- inbound{frame: frame}:
			case <-done:
			}
		},
		func(err error) {
			select {
			case inbox <- inbound{closed: true, err: err}:
			case <-done:
			}
		},
	)

	s.lastTraffic = s.now()
	if err := s.authenticate(); err != nil {
		if apperrors.IsFatal(err) {
			return s.fail(StateClosed, err)
		}
		return s.fail(StateDisconnected, err)
	}

	authTimer := time.NewTimer(s.cfg.AuthTimeout)
	defer authTimer.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		var authTimeout <-chan time.Time
		if s.State() == StateAuthenticating {
			authTimeout = authTimer.C
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			s.setState(StateClosed)
			return nil

		case in := <-inbox:
			if in.closed {
				s.setState(StateDisconnected)
				err := in.err
				if err == nil || !errors.Is(err, apperrors.ErrTransport) {
					err = fmt.Errorf("%w: connection closed: %v", apperrors.ErrTransport, in.err)
				}
				return err
			}
			s.lastTraffic = s.now()
			if err := s.handleFrame(ctx, in.frame); err != nil {
				if apperrors.IsFatal(err) {
					return s.fail(StateClosed, err)
				}
				return s.fail(StateDisconnected, err)
			}

		case <-authTimeout:
			return s.fail(StateClosed, fmt.Errorf("%w: no response to auth request within %s",
				apperrors.ErrAuthenticationFailed, s.cfg.AuthTimeout))

		case <-heartbeat.C:
			if err := s.tick(); err != nil {
				return s.fail(StateDisconnected, err)
			}
		}
	}
}

// fail closes the connection and records the terminal state.
func (s *Session) fail(st State, err error) error {
	_ = s.conn.Close()
	s.setState(st)
	return err
}

func (s *Session) send(req phemex.Request, p pendingRequest) error {
	b, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Method, err)
	}
	p.sentAt = s.now()
	s.pending[req.ID] = p
	if err := s.conn.Send(b); err != nil {
		delete(s.pending, req.ID)
		return fmt.Errorf("send %s: %w", req.Method, err)
	}
	s.logger.Debug("Sent request", zap.Int64("id", req.ID), zap.String("method", req.Method))
	return nil
}

func (s *Session) newID() int64 {
	s.nextID++
	return s.nextID
}

func (s *Session) lookup(id int64) (phemex.RequestKind, bool) {
	p, ok := s.pending[id]
	return p.kind, ok
}

func (s *Session) authenticate() error {
	cred := s.cfg.Credential
	if err := cred.Validate(); err != nil {
		return err
	}
	expiry := phemex.Expiry(s.now(), s.cfg.AuthExpiry)
	signature := phemex.Sign(cred.APIKey, "", expiry, cred.APISecret.Reveal())
	s.setState(StateAuthenticating)
	return s.send(phemex.AuthRequest(s.newID(), cred.APIKey, signature, expiry), pendingRequest{kind: phemex.KindAuth})
}

func (s *Session) subscribe() error {
	s.setState(StateSubscribing)
	for _, stream := range s.cfg.Streams {
		stream = strings.ToLower(strings.TrimSpace(stream))
		var params []interface{}
		if stream != "aop" && s.cfg.Symbol != "" {
			params = append(params, s.cfg.Symbol)
		}
		if err := s.send(phemex.SubscribeRequest(s.newID(), stream, params...), pendingRequest{kind: phemex.KindSubscribe, stream: stream}); err != nil {
			return err
		}
		s.subscriptions++
	}
	if s.cfg.TickSymbol != "" {
		if err := s.send(phemex.SubscribeRequest(s.newID(), "tick", s.cfg.TickSymbol), pendingRequest{kind: phemex.KindSubscribe, stream: "tick"}); err != nil {
			return err
		}
		s.subscriptions++
	}
	return s.maybeStreaming()
}

// maybeStreaming enters Streaming once no subscribe request is outstanding.
func (s *Session) maybeStreaming() error {
	for _, p := range s.pending {
		if p.kind == phemex.KindSubscribe {
			return nil
		}
	}
	if s.subscriptions > 0 && s.subscribed == 0 {
		return fmt.Errorf("%w: every subscription was rejected", apperrors.ErrSubscription)
	}
	s.setState(StateStreaming)
	return nil
}

func (s *Session) tick() error {
	deadAfter := time.Duration(s.cfg.DeadAfterIntervals) * s.cfg.HeartbeatInterval
	if silence := s.now().Sub(s.lastTraffic); silence > deadAfter {
		return fmt.Errorf("%w: no traffic for %s", apperrors.ErrTransport, silence.Round(time.Millisecond))
	}
	st := s.State()
	if st != StateSubscribing && st != StateStreaming {
		return nil
	}
	for id, p := range s.pending {
		if p.kind == phemex.KindPing && s.now().Sub(p.sentAt) > deadAfter {
			delete(s.pending, id)
		}
	}
	if st == StateSubscribing {
		if err := s.expireSubscriptions(); err != nil {
			return err
		}
	}
	return s.send(phemex.PingRequest(s.newID()), pendingRequest{kind: phemex.KindPing})
}

// expireSubscriptions gives up on subscribe requests left unanswered for AuthTimeout.
func (s *Session) expireSubscriptions() error {
	expired := 0
	for id, p := range s.pending {
		if p.kind != phemex.KindSubscribe || s.now().Sub(p.sentAt) <= s.cfg.AuthTimeout {
			continue
		}
		delete(s.pending, id)
		expired++
		s.logger.Warn("Subscription failed",
			zap.Int64("id", id),
			zap.String("stream", p.stream),
			zap.Error(fmt.Errorf("%w: no response within %s", apperrors.ErrSubscription, s.cfg.AuthTimeout)),
		)
	}
	if expired == 0 {
		return nil
	}
	return s.maybeStreaming()
}

func (s *Session) handleFrame(ctx context.Context, frame []byte) error {
	for _, ev := range phemex.Classify(frame, s.lookup) {
		s.metrics.Frames.WithLabelValues(string(ev.Kind())).Inc()
		if err := s.handleEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleEvent(ctx context.Context, ev phemex.Event) error {
	switch e := ev.(type) {
	case phemex.AuthResult:
		delete(s.pending, e.ID)
		if s.State() != StateAuthenticating {
			s.logger.Warn("Unexpected auth response", zap.Int64("id", e.ID), zap.Stringer("state", s.State()))
			return nil
		}
		if !e.Success {
			if e.Error != nil {
				return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, e.Error)
			}
			return fmt.Errorf("%w: result %s", apperrors.ErrAuthenticationFailed, string(e.RawResult))
		}
		s.logger.Info("Authenticated")
		return s.subscribe()

	case phemex.SubscribeAck:
		p := s.pending[e.ID]
		delete(s.pending, e.ID)
		if e.Success {
			s.subscribed++
			s.logger.Info("Subscribed", zap.Int64("id", e.ID), zap.String("stream", p.stream))
		} else {
			s.logger.Warn("Subscription failed",
				zap.Int64("id", e.ID),
				zap.String("stream", p.stream),
				zap.Error(fmt.Errorf("%w: %v", apperrors.ErrSubscription, e.Error)),
			)
		}
		if s.State() == StateSubscribing {
			return s.maybeStreaming()
		}
		return nil

	case phemex.PingAck:
		delete(s.pending, e.ID)
		return nil

	case phemex.ErrorFrame:
		fields := []zap.Field{zap.Int("code", e.Code), zap.String("message", e.Message)}
		if e.ID != nil {
			delete(s.pending, *e.ID)
			fields = append(fields, zap.Int64("id", *e.ID))
		}
		s.logger.Warn("Exchange error frame", fields...)
		return nil

	case phemex.Unrecognized:
		s.logger.Warn("Dropping unrecognized frame",
			zap.String("reason", e.Reason),
			zap.ByteString("frame", truncate(e.Raw, 512)),
			zap.Error(apperrors.ErrProtocol),
		)
		return nil
	}

	st := s.State()
	if st != StateSubscribing && st != StateStreaming {
		s.logger.Warn("Dropping data event before authentication", zap.String("kind", string(ev.Kind())))
		return nil
	}
	s.handler.HandleEvent(ctx, ev)
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
