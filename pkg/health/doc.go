/*
Package health provides the bounded readiness polling used after an ExApp
container or pod is started, and the HTTP checkers it drives.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                         Poller                              │
	│  Interval × MaxAttempts, no jitter, no backoff              │
	└─────┬───────────────────────────────────────────────────────┘
	      │ Check(ctx) every Interval until healthy
	      ▼
	┌──────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	└────────┬──────────────────┬───────────────────┬──────────────┘
	         ▼                  ▼                   ▼
	┌────────────────┐  ┌────────────────┐  ┌────────────────┐
	│  HTTPChecker   │  │   Heartbeat    │  │   CheckFunc    │
	│ GET + Accept   │  │ GET /heartbeat │  │ driver predicate│
	│ + headers      │  │ {"status":"ok"}│  │ (State.Status) │
	└────────────────┘  └────────────────┘  └────────────────┘

# Poll Bounds

A poll that never succeeds returns ErrPollExhausted after exactly
MaxAttempts checks and MaxAttempts sleeps, so callers can treat
Interval × MaxAttempts as a hard timeout. A poll returns as soon as the
first check succeeds, and with ErrCheckFailed as soon as a check reports a
Final result. Pollers carry no state between calls, so the same
value serves initial deploys and updates concurrently.

Defaults:

  - Container running: 1s × 60
  - Container HEALTHCHECK: 1s × 900
  - ExApp heartbeat: 1s × 600 (60 for the test app)

# Usage

	running := health.CheckFunc(func(ctx context.Context) (bool, string) {
		state, err := driver.ContainerState(ctx, "foo")
		if err != nil {
			return false, err.Error()
		}
		return state == "running", state
	})
	if err := health.DefaultPoller().Poll(ctx, running); err != nil {
		return err
	}

	hb := health.NewHeartbeatChecker(exAppURL, client)
	err := health.NewPoller(time.Second, 600).
		WithOnAttempt(func(s *health.Status) {
			if s.ConsecutiveFailures%10 == 0 {
				// log and bump status.heartbeat_count
			}
		}).
		Poll(ctx, hb)
*/
package health
