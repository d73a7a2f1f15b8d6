package network

import (
	"context"
	"errors"
	"time"
)

// RunWithReconnect runs the session and redials whenever the connection
// drops, backing off exponentially while dials keep failing. The window is
// kept across connections. It returns when ctx is cancelled.
func (s *Session) RunWithReconnect(ctx context.Context) error {
	backoff := s.cfg.MinBackoff

	for {
		err := s.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, ErrConnect) {
			s.logger.WithError(err).Warn("❌ Reconnection failed")
		} else {
			// the previous connection was up, start over
			backoff = s.cfg.MinBackoff
			s.logger.WithError(err).Warn("🔄 Connection lost")
		}

		s.logger.WithField("backoff", backoff).Info("🔄 Reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if errors.Is(err, ErrConnect) {
			backoff = nextBackoff(backoff, s.cfg.MaxBackoff)
		}
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}
