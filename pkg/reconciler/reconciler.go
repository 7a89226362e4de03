package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nextcloud/app-api-sub001/pkg/log"
	"github.com/nextcloud/app-api-sub001/pkg/manager"
	"github.com/nextcloud/app-api-sub001/pkg/metrics"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// DefaultInterval is how often ExApp status is reconciled
const DefaultInterval = 60 * time.Second

// Config tunes the reconciliation loop
type Config struct {
	Interval time.Duration

	// CheckDaemons pings every daemon each cycle and reports the result as
	// the "daemons" health component
	CheckDaemons bool
}

// Reconciler fails ExApps whose initialization outlived the init timeout
// and, optionally, tracks daemon reachability
type Reconciler struct {
	manager *manager.Manager
	cfg     Config
	logger  zerolog.Logger
	mu      sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
}

// NewReconciler creates a new reconciler
func NewReconciler(mgr *manager.Manager, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Reconciler{
		manager: mgr,
		cfg:     cfg,
		logger:  log.WithComponent("reconciler"),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) {
	if r.started.CompareAndSwap(false, true) {
		go r.run(ctx)
	}
}

// Stop stops the reconciler and waits for the running cycle to finish
func (r *Reconciler) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	if r.started.Load() {
		<-r.done
	}
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation failed")
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Reconcile performs one reconciliation cycle
func (r *Reconciler) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reconcileInitTimeouts(); err != nil {
		return err
	}
	if r.cfg.CheckDaemons {
		r.reconcileDaemons(ctx)
	}
	return nil
}

// reconcileInitTimeouts fails every ExApp stuck in init past the deadline
func (r *Reconciler) reconcileInitTimeouts() error {
	apps, err := r.manager.ListExApps()
	if err != nil {
		return fmt.Errorf("failed to list ExApps: %w", err)
	}

	timeout := r.manager.InitTimeout()
	for _, app := range apps {
		if !initRunning(app) {
			continue
		}
		changed, err := r.manager.Status().FailIfInitTimedOut(app.AppID, timeout)
		if err != nil {
			r.logger.Warn().Err(err).Str("app_id", app.AppID).Msg("Failed to check init timeout")
			continue
		}
		if changed {
			metrics.InitTimeoutsTotal.Inc()
			r.logger.Warn().
				Str("app_id", app.AppID).
				Dur("timeout", timeout).
				Msg("ExApp initialization timed out")
		}
	}
	return nil
}

func initRunning(app *types.ExApp) bool {
	return app.Status.State == types.StatePending &&
		app.Status.Action == types.ActionInit &&
		app.Status.InitStartTime != nil
}

func (r *Reconciler) reconcileDaemons(ctx context.Context) {
	results, err := r.manager.HealthcheckAll(ctx)
	if err != nil {
		metrics.UpdateComponent("daemons", false, err.Error())
		return
	}

	var down []string
	for name, err := range results {
		if err != nil {
			down = append(down, name)
			r.logger.Warn().Err(err).Str("daemon", name).Msg("Daemon is not reachable")
		}
	}
	if len(down) == 0 {
		metrics.UpdateComponent("daemons", true, fmt.Sprintf("%d reachable", len(results)))
		return
	}
	sort.Strings(down)
	metrics.UpdateComponent("daemons", false, "unreachable: "+strings.Join(down, ", "))
}
