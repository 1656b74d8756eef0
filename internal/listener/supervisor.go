package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"trader-space/internal/apperrors"
	"trader-space/internal/metrics"
)

// Runner is one session attempt.
type Runner interface {
	Run(ctx context.Context) error
	ReachedStreaming() bool
}

// SupervisorConfig is the reconnect policy.
type SupervisorConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxConsecutiveFailures bounds attempts that never reach Streaming. Zero means unbounded.
	MaxConsecutiveFailures int
}

// Supervisor restarts sessions with exponential backoff until ctx is canceled,
// a fatal error occurs or too many consecutive attempts fail.
type Supervisor struct {
	cfg        SupervisorConfig
	newSession func(attempt int) Runner
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewSupervisor creates a Supervisor. newSession is called once per attempt and
// must return a fresh session.
func NewSupervisor(cfg SupervisorConfig, newSession func(attempt int) Runner, logger *zap.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{cfg: cfg, newSession: newSession, logger: logger.Named("supervisor"), metrics: m}
}

// Run blocks until the supervisor stops. It returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	if s.cfg.InitialDelay > 0 {
		backoffCfg.InitialInterval = s.cfg.InitialDelay
	}
	if s.cfg.MaxDelay > 0 {
		backoffCfg.MaxInterval = s.cfg.MaxDelay
	}
	backoffCfg.Reset()

	failures := 0
	for attempt := 1; ; attempt++ {
		session := s.newSession(attempt)
		err := session.Run(ctx)

		if ctx.Err() != nil {
			s.metrics.Sessions.WithLabelValues("canceled").Inc()
			s.logger.Info("Supervisor stopped", zap.Int("attempt", attempt))
			return nil
		}
		if apperrors.IsFatal(err) {
			s.metrics.Sessions.WithLabelValues("fatal").Inc()
			s.logger.Error("Session failed fatally, not reconnecting", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}

		if session.ReachedStreaming() {
			s.metrics.Sessions.WithLabelValues("streaming").Inc()
			failures = 0
			backoffCfg.Reset()
		} else {
			s.metrics.Sessions.WithLabelValues("failed").Inc()
			failures++
		}

		if s.cfg.MaxConsecutiveFailures > 0 && failures >= s.cfg.MaxConsecutiveFailures {
			s.logger.Error("Giving up after consecutive failures", zap.Int("failures", failures), zap.Error(err))
			return fmt.Errorf("giving up after %d consecutive failed sessions: %w", failures, err)
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = backoffCfg.MaxInterval
		}
		s.logger.Warn("Session ended, reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("consecutive_failures", failures),
			zap.Duration("delay", sleep),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			s.metrics.Sessions.WithLabelValues("canceled").Inc()
			return nil
		case <-time.After(sleep):
		}
	}
}
