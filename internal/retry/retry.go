// Package retry provides the exponential backoff policy shared by the
// connection manager and the degrader, plus the connection quality tracker
// fed by request outcomes.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/protocol"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	MaxAttempts  int
	BaseInterval time.Duration
	MaxInterval  time.Duration
	Multiplier   float64
	Jitter       bool
}

// Delay returns the wait before the given attempt (1-based), capped at
// MaxInterval. With Jitter enabled the result is spread +/-25% so that a
// fleet of reconnecting servers does not stampede.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseInterval)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.MaxInterval {
			d = float64(p.MaxInterval)
			break
		}
	}
	if time.Duration(d) > p.MaxInterval {
		d = float64(p.MaxInterval)
	}
	if p.Jitter {
		d *= 0.75 + rand.Float64()*0.5
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt (1-based) exceeds the policy budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Do runs fn until it succeeds, fails with a non-retryable code, the policy
// is exhausted, or ctx is done. Waits between attempts follow Delay.
func Do(ctx context.Context, p Policy, log zerolog.Logger, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !protocol.CodeOf(err).Retryable() {
			return err
		}
		if p.Exhausted(attempt + 1) {
			log.Warn().Str("op", op).Int("attempts", attempt).Err(err).Msg("Retry budget exhausted")
			return err
		}
		delay := p.Delay(attempt)
		log.Debug().Str("op", op).Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("Retrying after failure")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
