package service

import (
	"time"

	"bookingcoord/internal/backoff"
	"bookingcoord/internal/metrics"

	"github.com/rs/zerolog"
)

// instrument adds retry logging and metrics to p, keeping any hook already set.
func instrument(p backoff.Policy, operation string, logger *zerolog.Logger) backoff.Policy {
	prev := p.OnRetry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.IncRetry(operation)
		logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retrying")
		if prev != nil {
			prev(attempt, delay, err)
		}
	}
	return p
}

func defaultPolicy(p backoff.Policy, attempts int, base time.Duration) backoff.Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = attempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = base
	}
	return p
}
