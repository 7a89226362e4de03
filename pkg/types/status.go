package types

import "time"

// State is the coarse lifecycle state of an ExApp
type State string

const (
	StatePending State = "pending"
	StateFailed  State = "failed"
	StateReady   State = "ready"
)

// Status actions
const (
	ActionDeploy = "deploy"
	ActionUpdate = "update"
	ActionInit   = "init"
)

// Status is the persisted deploy/init progress of an ExApp.
//
// Exactly one of the three shapes is meaningful at a time:
// Pending{Progress}, Failed{Error} or Ready. Construct values with
// Pending, Failed and Ready rather than by hand.
type Status struct {
	State          State      `json:"state"`
	Action         string     `json:"action,omitempty"`
	Progress       int        `json:"progress"`
	Error          string     `json:"error,omitempty"`
	InitStartTime  *time.Time `json:"init_start_time,omitempty"`
	HeartbeatCount int        `json:"heartbeat_count,omitempty"`
	Active         bool       `json:"active"`
}

// Pending returns an in-progress status
func Pending(action string, progress int) Status {
	return Status{State: StatePending, Action: action, Progress: clampProgress(progress)}
}

// Failed returns a terminal failure status that keeps the progress reached
func Failed(action string, progress int, message string) Status {
	if message == "" {
		message = "unknown error"
	}
	return Status{State: StateFailed, Action: action, Progress: clampProgress(progress), Error: message}
}

// Ready returns the status of a deployed and initialized ExApp
func Ready() Status {
	return Status{State: StateReady, Progress: 100, Active: true}
}

// IsFailed reports whether the status carries an error
func (s Status) IsFailed() bool {
	return s.State == StateFailed
}

// IsReady reports whether the ExApp finished deploy and init
func (s Status) IsReady() bool {
	return s.State == StateReady
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
