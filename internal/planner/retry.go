package planner

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Retrying wraps a Generator with a bounded fixed-delay retry. It is only
// installed when more than one attempt is configured.
type Retrying struct {
	next     Generator
	attempts int
	delay    time.Duration
	logger   zerolog.Logger
}

// NewRetrying wraps next. Attempts below one are treated as one.
func NewRetrying(next Generator, attempts int, delay time.Duration, logger zerolog.Logger) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{
		next:     next,
		attempts: attempts,
		delay:    delay,
		logger:   logger.With().Str("component", "synthesis_retry").Logger(),
	}
}

// Generate implements Generator.
func (r *Retrying) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		text, err := r.next.Generate(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if attempt == r.attempts || ctx.Err() != nil {
			break
		}
		r.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", r.attempts).
			Msg("Generation failed, retrying")

		select {
		case <-ctx.Done():
			return "", lastErr
		case <-time.After(r.delay):
		}
	}
	return "", lastErr
}
