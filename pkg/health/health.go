package health

import (
	"context"
	"time"
)

// Result is the outcome of one check
type Result struct {
	Healthy bool
	// Final marks a failure that no further attempt can turn around
	Final     bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is one readiness check of a container, pod or ExApp
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckFunc adapts a driver predicate, such as "container is running", to
// Checker. The string is reported as the result message.
type CheckFunc func(ctx context.Context) (bool, string)

// Check calls f and times it
func (f CheckFunc) Check(ctx context.Context) Result {
	start := time.Now()
	ok, msg := f(ctx)
	return Result{Healthy: ok, Message: msg, CheckedAt: start, Duration: time.Since(start)}
}

// Status is the running tally of one poll
type Status struct {
	Attempts            int
	ConsecutiveFailures int
	LastResult          Result
}

// Update folds result into the tally
func (s *Status) Update(result Result) {
	s.Attempts++
	s.LastResult = result
	if result.Healthy {
		s.ConsecutiveFailures = 0
		return
	}
	s.ConsecutiveFailures++
}
