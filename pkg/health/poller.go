package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollExhausted is returned when every attempt of a poll failed
var ErrPollExhausted = errors.New("health poll exhausted")

// ErrCheckFailed is returned when a check reports a final failure
var ErrCheckFailed = errors.New("health check failed")

// Default poll bounds for container and heartbeat checks
const (
	DefaultInterval             = time.Second
	DefaultMaxAttempts          = 60
	DefaultHeartbeatMaxAttempts = 600

	// DefaultHealthcheckMaxAttempts bounds the wait for a container's own
	// HEALTHCHECK to report healthy
	DefaultHealthcheckMaxAttempts = 900
)

// Poller runs a checker at a fixed interval for a fixed number of attempts.
// There is no jitter and no backoff: a poll that never succeeds takes
// exactly MaxAttempts × Interval.
//
// A Poller holds no per-poll state and may be shared between goroutines.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int

	// OnAttempt, when set, is called after every check with the running status
	OnAttempt func(status *Status)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poller with the given bounds
func NewPoller(interval time.Duration, maxAttempts int) *Poller {
	return &Poller{
		Interval:    interval,
		MaxAttempts: maxAttempts,
	}
}

// DefaultPoller returns the 1s × 60 poller used after container start
func DefaultPoller() *Poller {
	return NewPoller(DefaultInterval, DefaultMaxAttempts)
}

// WithOnAttempt returns a copy of p that reports every attempt to fn
func (p *Poller) WithOnAttempt(fn func(status *Status)) *Poller {
	cp := *p
	cp.OnAttempt = fn
	return &cp
}

// Poll runs checker until it reports healthy or the attempts are used up.
// It returns nil on the first healthy result without waiting further, and
// ErrCheckFailed at once on a Final result.
func (p *Poller) Poll(ctx context.Context, checker Checker) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	status := &Status{}
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		result := checker.Check(ctx)
		status.Update(result)
		if p.OnAttempt != nil {
			p.OnAttempt(status)
		}
		if result.Healthy {
			return nil
		}
		if result.Final {
			return fmt.Errorf("%w after %d attempts: %s", ErrCheckFailed, status.Attempts, result.Message)
		}

		if err := sleep(ctx, p.Interval); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %s", ErrPollExhausted, status.Attempts, status.LastResult.Message)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
