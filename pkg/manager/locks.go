package manager

import (
	"fmt"
	"sync"
	"time"
)

// appLock is held by the operation currently running against one ExApp
type appLock struct {
	Operation string
	AppID     string
	StartedAt time.Time
}

// appLocks serializes deploy, update, remove and toggle per appid. A second
// operation fails fast with ErrBusy instead of waiting.
type appLocks struct {
	held map[string]*appLock
	mu   sync.Mutex
}

func newAppLocks() *appLocks {
	return &appLocks{
		held: make(map[string]*appLock),
	}
}

// tryLock takes the lock for appID or returns ErrBusy
func (l *appLocks) tryLock(appID, operation string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if held, busy := l.held[appID]; busy {
		return nil, fmt.Errorf("%w: %s running for %s", ErrBusy, held.Operation, time.Since(held.StartedAt).Round(time.Second))
	}

	lock := &appLock{
		Operation: operation,
		AppID:     appID,
		StartedAt: time.Now(),
	}
	l.held[appID] = lock

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[appID] == lock {
				delete(l.held, appID)
			}
			l.mu.Unlock()
		})
	}, nil
}

// running returns the operation in flight for appID, if any
func (l *appLocks) running(appID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.held[appID]
	if !ok {
		return "", false
	}
	return lock.Operation, true
}

// portReservations holds ports picked for deploys whose ExApp row does not
// exist yet, so concurrent deploys of different appids never share a port
type portReservations struct {
	held map[int]string
	mu   sync.Mutex
}

func newPortReservations() *portReservations {
	return &portReservations{held: make(map[int]string)}
}
