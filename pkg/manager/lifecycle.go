package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nextcloud/app-api-sub001/pkg/deploy"
	"github.com/nextcloud/app-api-sub001/pkg/events"
	"github.com/nextcloud/app-api-sub001/pkg/storage"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// Enable starts a registered ExApp, waits for its heartbeat and notifies it.
// If the ExApp does not accept the notification it stays disabled.
func (m *Manager) Enable(ctx context.Context, appID string) (*types.ExApp, error) {
	unlock, err := m.locks.tryLock(appID, "enable")
	if err != nil {
		return nil, err
	}
	defer unlock()

	app, err := m.store.GetExApp(appID)
	if err != nil {
		return nil, err
	}
	if app.Enabled {
		return app, nil
	}
	daemon, driver, err := m.daemonAndDriver(app.DaemonConfigName)
	if err != nil {
		return nil, err
	}
	if err := m.enable(ctx, appID, daemon, driver); err != nil {
		return nil, err
	}
	return m.store.GetExApp(appID)
}

// Disable notifies a registered ExApp and stops it. Notification and stop
// failures are logged; the ExApp is marked disabled regardless.
func (m *Manager) Disable(ctx context.Context, appID string) (*types.ExApp, error) {
	unlock, err := m.locks.tryLock(appID, "disable")
	if err != nil {
		return nil, err
	}
	defer unlock()

	app, err := m.store.GetExApp(appID)
	if err != nil {
		return nil, err
	}
	if !app.Enabled {
		return app, nil
	}
	daemon, driver, err := m.daemonAndDriver(app.DaemonConfigName)
	if err != nil {
		return nil, err
	}
	return m.disable(ctx, app, daemon, driver), nil
}

func (m *Manager) enable(ctx context.Context, appID string, daemon *types.DaemonConfig, driver deploy.Driver) error {
	app, err := m.store.GetExApp(appID)
	if err != nil {
		return err
	}
	logger := m.logger.With().Str("appid", appID).Str("daemon", daemon.Name).Str("operation", "enable").Logger()

	if toggler, ok := driver.(deploy.Toggler); ok {
		if err := toggler.StartExApp(ctx, daemon, appID, true); err != nil {
			return fmt.Errorf("failed to start ExApp %s: %w", appID, err)
		}
		if err := driver.WaitReady(ctx, daemon, appID); err != nil {
			return fmt.Errorf("ExApp %s did not start: %w", appID, err)
		}
	}

	if err := m.heartbeat(ctx, daemon, driver, app); err != nil {
		return err
	}
	if err := m.notifyEnabled(ctx, daemon, driver, app, true); err != nil {
		logger.Warn().Err(err).Msg("ExApp refused enable, keeping it disabled")
		return fmt.Errorf("failed to enable ExApp %s: %w", appID, err)
	}

	app, err = m.store.MutateExApp(appID, func(a *types.ExApp) error {
		a.Enabled = true
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.harp.Add(ctx, daemon, app); err != nil {
		logger.Warn().Err(err).Msg("Failed to update ExApp in HaRP")
	}

	m.publish(events.EventExAppEnabled, app, "")
	logger.Info().Msg("ExApp enabled")
	return nil
}

func (m *Manager) disable(ctx context.Context, app *types.ExApp, daemon *types.DaemonConfig, driver deploy.Driver) *types.ExApp {
	logger := m.logger.With().Str("appid", app.AppID).Str("daemon", daemon.Name).Str("operation", "disable").Logger()

	if err := m.notifyEnabled(ctx, daemon, driver, app, false); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify ExApp of disable")
	}
	if toggler, ok := driver.(deploy.Toggler); ok {
		if err := toggler.StopExApp(ctx, daemon, app.AppID, true); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop ExApp")
		}
	}

	updated, err := m.store.MutateExApp(app.AppID, func(a *types.ExApp) error {
		a.Enabled = false
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to mark ExApp disabled")
		return app
	}
	if err := m.harp.Add(ctx, daemon, updated); err != nil {
		logger.Warn().Err(err).Msg("Failed to update ExApp in HaRP")
	}

	m.publish(events.EventExAppDisabled, updated, "")
	logger.Info().Msg("ExApp disabled")
	return updated
}

// LoadInfo reads an ExApp's identity back from its daemon. daemonName may be
// empty for a registered ExApp, in which case its own daemon is asked.
func (m *Manager) LoadInfo(ctx context.Context, appID, daemonName string) (*types.ExAppInfo, error) {
	app, err := m.store.GetExApp(appID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if daemonName == "" {
		if app == nil {
			return nil, err
		}
		daemonName = app.DaemonConfigName
	}

	daemon, driver, err := m.daemonAndDriver(daemonName)
	if err != nil {
		return nil, err
	}

	var params *types.DeployParams
	if daemon.AcceptsDeployID == types.DeployKindManual && app != nil {
		params, err = driver.BuildDeployParams(daemon, nil, types.DeployOptions{JSONInfo: manualInfo(app, nil)})
		if err != nil {
			return nil, err
		}
	}
	return driver.LoadExAppInfo(ctx, daemon, appID, params)
}

// Healthcheck pings a daemon through its driver
func (m *Manager) Healthcheck(ctx context.Context, daemonName string) error {
	daemon, driver, err := m.daemonAndDriver(daemonName)
	if err != nil {
		return err
	}
	if err := driver.Ping(ctx, daemon); err != nil {
		return fmt.Errorf("daemon %s is not reachable: %w", daemonName, err)
	}
	return nil
}

// HealthcheckAll pings every registered daemon in parallel. The result maps
// daemon name to the failure, or nil when the daemon answered.
func (m *Manager) HealthcheckAll(ctx context.Context) (map[string]error, error) {
	daemons, err := m.store.ListDaemonConfigs()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := make(map[string]error, len(daemons))
	g, gctx := errgroup.WithContext(ctx)
	for _, daemon := range daemons {
		name := daemon.Name
		g.Go(func() error {
			err := m.Healthcheck(gctx, name)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
