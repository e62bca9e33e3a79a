// Package retry runs collaborator calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds the attempts and backoff for one call.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
)

// Normalize fills unset fields with defaults.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// schedule is the wait sequence between attempts: doubling from
// InitialBackoff, capped at MaxBackoff, without jitter, stopping after
// MaxAttempts-1 retries.
func (p Policy) schedule(ctx context.Context) backoff.BackOffContext {
	p = p.Normalize()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	exp.MaxInterval = p.MaxBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out, or ctx is done. The last error fn returned is always part of the
// result; a permanent error is returned unwrapped.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	var (
		attempt int
		lastErr error
	)

	err := backoff.Retry(func() error {
		attempt++
		lastErr = fn(ctx, attempt)
		return lastErr
	}, policy.schedule(ctx))

	if err != nil && lastErr != nil && ctx.Err() != nil && !errors.Is(err, lastErr) {
		return errors.Join(lastErr, err)
	}
	return err
}
