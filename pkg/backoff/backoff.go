package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy calculates the delay before the given retry attempt.
// Attempt starts at 1 for the first retry.
type Strategy interface {
	Next(attempt int) time.Duration
}

// Policy is an exponential backoff with an upper bound.
// Zero values fall back to Default settings, so Policy{} is usable.
type Policy struct {
	Base       time.Duration `env:"BASE" envDefault:"500ms"`
	Max        time.Duration `env:"MAX" envDefault:"30s"`
	Multiplier float64       `env:"MULTIPLIER" envDefault:"2"`
	Jitter     float64       `env:"JITTER" envDefault:"0"`
}

// Default returns the policy used by the stream read loop: 500ms doubling up to 30s.
func Default() Policy {
	return Policy{
		Base:       500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

// Next returns min(Base * Multiplier^(attempt-1) * (1 ± Jitter), Max).
func (p Policy) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	interval := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if p.Jitter > 0 {
		interval *= 1 + (rand.Float64()*2-1)*p.Jitter
	}
	if interval > float64(ceiling) || math.IsInf(interval, 0) || math.IsNaN(interval) {
		interval = float64(ceiling)
	}

	return time.Duration(interval)
}

// Sleep waits for the delay of the given attempt or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	return Wait(ctx, p.Next(attempt))
}

// Constant always returns the same delay.
type Constant time.Duration

// Next implements Strategy.
func (c Constant) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(c)
}

// Wait blocks for d or until ctx is done, returning ctx.Err() in the latter case.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn until it succeeds, returns a Permanent error, the context is done
// or maxAttempts is reached. maxAttempts <= 0 retries until the context is done.
func Retry(ctx context.Context, s Strategy, maxAttempts int, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		lastErr = err
		if maxAttempts > 0 && attempt >= maxAttempts {
			return errors.Join(ErrAttemptsExhausted, lastErr)
		}

		if werr := Wait(ctx, s.Next(attempt)); werr != nil {
			return errors.Join(werr, lastErr)
		}
	}
}
