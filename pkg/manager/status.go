package manager

import (
	"errors"
	"fmt"
	"time"

	"github.com/nextcloud/app-api-sub001/pkg/events"
	"github.com/nextcloud/app-api-sub001/pkg/storage"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// errUnchanged aborts a status mutation that would not change anything
var errUnchanged = errors.New("status unchanged")

// StatusService is the only writer of ExApp.Status. The deploy paths, the
// init protocol and the init-timeout reconciler all go through it, and every
// write is a read-modify-write inside one store transaction.
type StatusService struct {
	store  storage.Store
	events events.Publisher
	now    func() time.Time
}

// NewStatusService creates a status service; publisher may be nil
func NewStatusService(store storage.Store, publisher events.Publisher) *StatusService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &StatusService{store: store, events: publisher, now: time.Now}
}

func (s *StatusService) mutate(appID string, fn func(status *types.Status) error) (*types.ExApp, bool, error) {
	app, err := s.store.MutateExApp(appID, func(app *types.ExApp) error {
		next := app.Status
		if err := fn(&next); err != nil {
			return err
		}
		next.HeartbeatCount = app.Status.HeartbeatCount
		app.Status = next
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return app, true, nil
}

// Progress records deploy or update progress and publishes it
func (s *StatusService) Progress(appID, action string, progress int) error {
	_, _, err := s.mutate(appID, func(status *types.Status) error {
		*status = types.Pending(action, progress)
		return nil
	})
	if err != nil {
		return err
	}
	s.events.Publish(&events.Event{
		Type:     events.EventDeployProgress,
		AppID:    appID,
		Progress: progress,
		Metadata: map[string]string{"action": action},
	})
	return nil
}

// Fail marks the current action as failed, keeping the progress reached
func (s *StatusService) Fail(appID, action string, progress int, message string) error {
	_, _, err := s.mutate(appID, func(status *types.Status) error {
		*status = types.Failed(action, progress, message)
		return nil
	})
	return err
}

// Ready marks deploy and init as complete
func (s *StatusService) Ready(appID string) error {
	_, _, err := s.mutate(appID, func(status *types.Status) error {
		*status = types.Ready()
		return nil
	})
	return err
}

// StartInit resets the status to init at 0% and stamps the start time
func (s *StatusService) StartInit(appID string) error {
	_, _, err := s.mutate(appID, func(status *types.Status) error {
		*status = s.initStarted()
		return nil
	})
	return err
}

func (s *StatusService) initStarted() types.Status {
	now := s.now()
	status := types.Pending(types.ActionInit, 0)
	status.InitStartTime = &now
	return status
}

// InitProgress applies an init progress report from the ExApp. A report that
// arrives after init already reached 100 is ignored unless it restarts init
// at 0. It returns true when the report completed init.
func (s *StatusService) InitProgress(appID string, progress int, errMsg string) (bool, error) {
	if progress < 0 || progress > 100 {
		return false, fmt.Errorf("%w: init progress must be between 0 and 100, got %d", ErrInvalidRequest, progress)
	}

	_, changed, err := s.mutate(appID, func(status *types.Status) error {
		if progress != 0 && status.Progress == 100 && (status.IsReady() || status.Action == types.ActionInit) {
			return errUnchanged
		}
		switch {
		case errMsg != "":
			*status = types.Failed(types.ActionInit, progress, errMsg)
		case progress == 0:
			*status = s.initStarted()
		case progress == 100:
			*status = types.Ready()
		default:
			start := status.InitStartTime
			*status = types.Pending(types.ActionInit, progress)
			status.InitStartTime = start
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed && errMsg == "" && progress == 100, nil
}

// AddHeartbeatFailures adds n to the persisted heartbeat failure counter
func (s *StatusService) AddHeartbeatFailures(appID string, n int) error {
	_, err := s.store.MutateExApp(appID, func(app *types.ExApp) error {
		app.Status.HeartbeatCount += n
		return nil
	})
	return err
}

// FailIfInitTimedOut fails an ExApp whose init started more than timeout ago
// and has not finished. It reports whether the status was changed.
func (s *StatusService) FailIfInitTimedOut(appID string, timeout time.Duration) (bool, error) {
	now := s.now()
	_, changed, err := s.mutate(appID, func(status *types.Status) error {
		if status.State != types.StatePending || status.Action != types.ActionInit || status.InitStartTime == nil {
			return errUnchanged
		}
		if now.Before(status.InitStartTime.Add(timeout)) {
			return errUnchanged
		}
		*status = types.Failed(types.ActionInit, status.Progress,
			fmt.Sprintf("ExApp %s initialization timed out (%dm)", appID, int(timeout.Minutes())))
		return nil
	})
	if err != nil || !changed {
		return false, err
	}
	s.events.Publish(&events.Event{
		Type:    events.EventExAppInitTimedOut,
		AppID:   appID,
		Message: fmt.Sprintf("initialization timed out after %s", timeout),
	})
	return true, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(*events.Event) {}
