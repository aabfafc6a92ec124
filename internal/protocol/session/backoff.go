package session

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	mult := math.Max(cfg.Multiplier, 1.0)
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// DialWithBackoff is caller-side retry policy: it calls Connect up to
// maxAttempts times (zero means until ctx ends), sleeping between attempts.
// Only ErrConnect failures are retried.
func DialWithBackoff(ctx context.Context, addr string, cfg Config, maxAttempts int) (*Client, error) {
	cfg = cfg.WithDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	c := NewClient(cfg)
	for attempt := 1; ; attempt++ {
		err := c.Connect(ctx, addr)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrConnect) || (maxAttempts > 0 && attempt >= maxAttempts) {
			return nil, err
		}
		delay := NextBackoffDelay(cfg.Backoff, attempt, rng)
		log.Warn().Str("addr", addr).Int("attempt", attempt).Dur("retry_in", delay).Err(err).Msg("session dial retry")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
