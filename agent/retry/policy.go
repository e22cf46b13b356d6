package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
)

type Config struct {
	MaxAttempts    int             `split_words:"true" default:"3"`
	Backoff        []time.Duration `split_words:"true" default:"0s,1s,2s"`
	AttemptTimeout time.Duration   `split_words:"true" default:"30s"`
}

// Policy is a bounded-attempt retry schedule. Backoff[i] is the wait before
// attempt i; attempts past the schedule reuse its last entry.
type Policy struct {
	MaxAttempts    int
	Backoff        []time.Duration
	AttemptTimeout time.Duration
	Retryable      func(error) bool
	// NewTimer builds the timer used for backoff waits. Nil uses a real timer.
	NewTimer func() backoff.Timer
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		Backoff:        []time.Duration{0, time.Second, 2 * time.Second},
		AttemptTimeout: 30 * time.Second,
		Retryable:      contractx.IsTransient,
	}
}

func FromConfig(cfg Config) Policy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if len(cfg.Backoff) > 0 {
		p.Backoff = cfg.Backoff
	}
	if cfg.AttemptTimeout > 0 {
		p.AttemptTimeout = cfg.AttemptTimeout
	}
	return p
}

// WithAttemptTimeout returns a copy of p with a different per-attempt timeout.
func (p Policy) WithAttemptTimeout(d time.Duration) Policy {
	if d > 0 {
		p.AttemptTimeout = d
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error or the attempts
// run out. An attempt that overruns its timeout counts as transient. Exhausted
// retries are reported as ErrFatal wrapping the last failure.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = contractx.IsTransient
	}
	var timer backoff.Timer
	if p.NewTimer != nil {
		timer = p.NewTimer()
	}

	if wait := p.delay(0); wait > 0 {
		if err := waitFor(ctx, timer, wait); err != nil {
			return 0, err
		}
	}

	attempts := 0
	stopped := false
	op := func() error {
		attempts++
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			stopped = true
			return backoff.Permanent(err)
		}
		return err
	}
	schedule := backoff.WithContext(backoff.WithMaxRetries(&scheduleBackOff{steps: p.Backoff}, uint64(maxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Int("attempt", attempts).Dur("wait", wait).Msg("retrying")
	}

	err := backoff.RetryNotifyWithTimer(op, schedule, notify, timer)
	if err == nil || stopped || ctx.Err() != nil {
		return attempts, err
	}
	return attempts, fmt.Errorf("%w: after %d attempts: %w", contractx.ErrFatal, attempts, err)
}

func (p Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	attemptCtx := ctx
	if p.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
	}

	err := fn(attemptCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, contractx.ErrTransient) {
		return fmt.Errorf("%w: attempt timed out: %w", contractx.ErrTransient, err)
	}
	return err
}

func (p Policy) delay(attempt int) time.Duration {
	return stepAt(p.Backoff, attempt)
}

func stepAt(steps []time.Duration, i int) time.Duration {
	if len(steps) == 0 {
		return 0
	}
	if i >= len(steps) {
		return steps[len(steps)-1]
	}
	return steps[i]
}

// scheduleBackOff walks a fixed list of waits. The first retry gets steps[1].
type scheduleBackOff struct {
	steps []time.Duration
	n     int
}

func (s *scheduleBackOff) NextBackOff() time.Duration {
	s.n++
	return stepAt(s.steps, s.n)
}

func (s *scheduleBackOff) Reset() { s.n = 0 }

func waitFor(ctx context.Context, timer backoff.Timer, d time.Duration) error {
	if timer == nil {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	timer.Start(d)
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}
