package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextcloud/app-api-sub001/pkg/deploy"
	"github.com/nextcloud/app-api-sub001/pkg/events"
	"github.com/nextcloud/app-api-sub001/pkg/metrics"
	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/storage"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// DeployRequest asks for a fresh install of an ExApp
type DeployRequest struct {
	AppID    string            `json:"appid" validate:"required,max=32"`
	Daemon   string            `json:"daemon" validate:"required"`
	Manifest *types.Manifest   `json:"manifest"`
	Env      map[string]string `json:"env,omitempty"`
	// JSONInfo is the identity of an already running manual-install ExApp
	JSONInfo []byte `json:"json_info,omitempty"`
}

// UpdateRequest asks for an ExApp to be redeployed from a new manifest
type UpdateRequest struct {
	Manifest *types.Manifest   `json:"manifest" validate:"required"`
	Env      map[string]string `json:"env,omitempty"`
	// ApprovedScopes are the scopes the admin accepted for this update
	ApprovedScopes []string `json:"approved_scopes,omitempty"`
	RotateSecret   bool     `json:"rotate_secret,omitempty"`
}

// RemoveOptions control what Remove tears down
type RemoveOptions struct {
	// KeepContainer only unregisters the ExApp
	KeepContainer bool
	// RemoveData also deletes the <appid>_data volume
	RemoveData bool
	// Force unregisters even when the remote removal failed
	Force bool
}

// Deploy installs an ExApp on a daemon and registers it. Any failure after
// the ExApp row was created removes the row again, and the remote instance
// when one was created, so no record outlives a failed deploy.
func (m *Manager) Deploy(ctx context.Context, req DeployRequest) (*types.ExApp, error) {
	prepared, err := m.PrepareDeploy(req)
	if err != nil {
		return nil, err
	}
	return prepared.Run(ctx)
}

// PreparedDeploy is a deploy that passed every check that needs no remote
// call. It holds the appid lock and the reserved port until Run returns.
type PreparedDeploy struct {
	m       *Manager
	req     DeployRequest
	daemon  *types.DaemonConfig
	driver  deploy.Driver
	params  *types.DeployParams
	release func()
}

// PrepareDeploy validates req, takes the appid lock, resolves the daemon and
// builds the deploy params. Validation, policy, busy and not-found errors
// are all reported here, before anything is changed.
func (m *Manager) PrepareDeploy(req DeployRequest) (*PreparedDeploy, error) {
	if err := types.Validate(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Manifest == nil && len(req.JSONInfo) == 0 {
		return nil, fmt.Errorf("%w: a manifest is required", ErrInvalidRequest)
	}
	if req.Manifest != nil {
		if err := types.Validate(req.Manifest); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if req.Manifest.ID != req.AppID {
			return nil, policyErrorf(req.AppID, nil, "manifest is for %s, not %s", req.Manifest.ID, req.AppID)
		}
	}

	unlock, err := m.locks.tryLock(req.AppID, "deploy")
	if err != nil {
		return nil, err
	}
	release := unlock
	ok := false
	defer func() {
		if !ok {
			release()
		}
	}()

	if _, err := m.store.GetExApp(req.AppID); err == nil {
		return nil, fmt.Errorf("ExApp %s is already registered: %w", req.AppID, storage.ErrAlreadyExists)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	daemon, driver, err := m.daemonAndDriver(req.Daemon)
	if err != nil {
		return nil, err
	}
	if err := m.verifyCertificate(req.AppID, req.Manifest); err != nil {
		return nil, err
	}

	opts := types.DeployOptions{EnvOverrides: req.Env, JSONInfo: req.JSONInfo}
	if req.Manifest == nil || req.Manifest.Port == 0 {
		port, releasePort, err := m.reservePort(req.AppID)
		if err != nil {
			return nil, err
		}
		release = func() {
			releasePort()
			unlock()
		}
		opts.Port = port
	}

	params, err := driver.BuildDeployParams(daemon, req.Manifest, opts)
	if err != nil {
		return nil, policyErrorf(req.AppID, err, "cannot deploy %s to daemon %s", req.AppID, daemon.Name)
	}

	ok = true
	return &PreparedDeploy{
		m:       m,
		req:     req,
		daemon:  daemon,
		driver:  driver,
		params:  params,
		release: release,
	}, nil
}

// AppID returns the ExApp being deployed
func (p *PreparedDeploy) AppID() string {
	return p.req.AppID
}

// Run performs the remote deploy and registers the ExApp. It releases the
// appid lock and the reserved port when done.
func (p *PreparedDeploy) Run(ctx context.Context) (*types.ExApp, error) {
	defer p.release()
	m, daemon, driver, params := p.m, p.daemon, p.driver, p.params

	kind := string(driver.AcceptsDeployID())
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DeployDuration, kind)

	app := m.provisionalExApp(p.req.AppID, daemon, driver, p.req.Manifest, params)
	if err := m.store.CreateExApp(app); err != nil {
		metrics.DeploysTotal.WithLabelValues(kind, "failure").Inc()
		return nil, fmt.Errorf("failed to register ExApp %s: %w", p.req.AppID, err)
	}

	logger := m.logger.With().Str("appid", app.AppID).Str("daemon", daemon.Name).Str("operation", "deploy").Logger()
	logger.Info().Str("image", params.Image.Ref()).Int("port", params.Container.Port).Msg("Deploying ExApp")

	err := driver.DeployExApp(ctx, daemon, params, m.progressFunc(app.AppID, types.ActionDeploy))
	if err != nil {
		var stageErr *deploy.StageError
		mutated := !errors.As(err, &stageErr) || stageErr.MutatedRemote()
		m.rollback(ctx, app, daemon, driver, mutated, err)
		metrics.DeploysTotal.WithLabelValues(kind, "failure").Inc()
		return nil, fmt.Errorf("failed to deploy ExApp %s: %w", app.AppID, err)
	}

	registered, err := m.register(ctx, app, daemon, driver, p.req.Manifest, params, nil)
	if err != nil {
		m.rollback(ctx, app, daemon, driver, true, err)
		metrics.DeploysTotal.WithLabelValues(kind, "failure").Inc()
		return nil, err
	}

	metrics.DeploysTotal.WithLabelValues(kind, "success").Inc()
	m.publish(events.EventExAppDeployed, registered, "")
	logger.Info().Str("version", registered.Version).Msg("ExApp deployed")

	return m.initialize(ctx, registered, daemon, driver)
}

// Update redeploys a registered ExApp from a new manifest. The port and
// secret of the running instance are kept unless RotateSecret is set.
// Newly required scopes must be approved or nothing is changed.
func (m *Manager) Update(ctx context.Context, appID string, req UpdateRequest) (*types.ExApp, error) {
	if err := types.Validate(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := types.Validate(req.Manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Manifest.ID != appID {
		return nil, policyErrorf(appID, nil, "manifest is for %s, not %s", req.Manifest.ID, appID)
	}

	unlock, err := m.locks.tryLock(appID, "update")
	if err != nil {
		return nil, err
	}
	defer unlock()

	app, err := m.store.GetExApp(appID)
	if err != nil {
		return nil, err
	}
	daemon, driver, err := m.daemonAndDriver(app.DaemonConfigName)
	if err != nil {
		return nil, err
	}

	granted, err := m.store.ListScopes(appID)
	if err != nil {
		return nil, err
	}
	scopes, err := diffScopes(appID, granted, req.Manifest, req.ApprovedScopes)
	if err != nil {
		return nil, err
	}
	if err := m.verifyCertificate(appID, req.Manifest); err != nil {
		return nil, err
	}

	logger := m.logger.With().Str("appid", appID).Str("daemon", daemon.Name).Str("operation", "update").Logger()

	opts := types.DeployOptions{
		EnvOverrides: req.Env,
		RotateSecret: req.RotateSecret,
		Port:         app.Port,
	}
	if !req.RotateSecret {
		opts.Secret = app.Secret
	}
	if prev, err := driver.InspectEnv(ctx, daemon, appID); err != nil {
		logger.Warn().Err(err).Msg("Failed to inspect running ExApp, using stored identity")
	} else {
		opts.PreviousEnv = prev
	}
	if daemon.AcceptsDeployID == types.DeployKindManual {
		opts.JSONInfo = manualInfo(app, req.Manifest)
	}

	params, err := driver.BuildDeployParams(daemon, req.Manifest, opts)
	if err != nil {
		return nil, policyErrorf(appID, err, "cannot update %s on daemon %s", appID, daemon.Name)
	}

	kind := string(driver.AcceptsDeployID())
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DeployDuration, kind)

	wasEnabled := app.Enabled
	if wasEnabled {
		if err := m.notifyEnabled(ctx, daemon, driver, app, false); err != nil {
			logger.Warn().Err(err).Msg("Failed to notify ExApp before update")
		}
	}
	app, err = m.store.MutateExApp(appID, func(a *types.ExApp) error {
		a.Enabled = false
		a.Status = types.Pending(types.ActionUpdate, 0)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info().Str("image", params.Image.Ref()).Str("version", req.Manifest.Version).Msg("Updating ExApp")

	err = driver.DeployExApp(ctx, daemon, params, m.progressFunc(appID, types.ActionUpdate))
	if err != nil {
		var stageErr *deploy.StageError
		if errors.As(err, &stageErr) && !stageErr.MutatedRemote() {
			// the previous instance is untouched and stays registered
			enabled := wasEnabled
			if wasEnabled {
				if nerr := m.notifyEnabled(ctx, daemon, driver, app, true); nerr != nil {
					logger.Warn().Err(nerr).Msg("Failed to re-enable ExApp after failed update, leaving it disabled")
					enabled = false
				}
			}
			if _, serr := m.store.MutateExApp(appID, func(a *types.ExApp) error {
				a.Enabled = enabled
				a.Status = types.Failed(types.ActionUpdate, stageErr.Progress, err.Error())
				return nil
			}); serr != nil {
				logger.Warn().Err(serr).Msg("Failed to record update failure")
			}
			metrics.DeploysTotal.WithLabelValues(kind, "failure").Inc()
			return nil, fmt.Errorf("failed to update ExApp %s: %w", appID, err)
		}
		m.rollback(ctx, app, daemon, driver, true, err)
		metrics.DeploysTotal.WithLabelValues(kind, "failure").Inc()
		return nil, fmt.Errorf("failed to update ExApp %s: %w", appID, err)
	}

	registered, err := m.register(ctx, app, daemon, driver, req.Manifest, params, scopes)
	if err != nil {
		m.rollback(ctx, app, daemon, driver, true, err)
		metrics.DeploysTotal.WithLabelValues(kind, "failure").Inc()
		return nil, err
	}

	metrics.DeploysTotal.WithLabelValues(kind, "success").Inc()
	m.publish(events.EventExAppUpdated, registered, "")
	logger.Info().Str("version", registered.Version).Msg("ExApp updated")

	return m.initialize(ctx, registered, daemon, driver)
}

// Remove unregisters an ExApp and, unless KeepContainer is set, deletes its
// remote instance
func (m *Manager) Remove(ctx context.Context, appID string, opts RemoveOptions) error {
	unlock, err := m.locks.tryLock(appID, "remove")
	if err != nil {
		return err
	}
	defer unlock()

	return m.remove(ctx, appID, opts)
}

func (m *Manager) remove(ctx context.Context, appID string, opts RemoveOptions) error {
	app, err := m.store.GetExApp(appID)
	if err != nil {
		return err
	}
	logger := m.logger.With().Str("appid", appID).Str("daemon", app.DaemonConfigName).Str("operation", "remove").Logger()

	daemon, driver, err := m.daemonAndDriver(app.DaemonConfigName)
	switch {
	case err == nil:
		if app.Enabled {
			m.disable(ctx, app, daemon, driver)
		}
		if !opts.KeepContainer {
			if err := driver.RemoveExApp(ctx, daemon, appID, opts.RemoveData); err != nil {
				if !opts.Force {
					return fmt.Errorf("failed to remove ExApp %s from daemon %s: %w", appID, daemon.Name, err)
				}
				logger.Warn().Err(err).Msg("Remote removal failed, unregistering anyway")
			}
		}
		if err := m.harp.Remove(ctx, daemon, appID); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove ExApp from HaRP")
		}
	case errors.Is(err, storage.ErrNotFound):
		logger.Warn().Msg("Daemon of ExApp is gone, unregistering only")
	default:
		return err
	}

	if err := m.store.DeleteExApp(appID); err != nil {
		return fmt.Errorf("failed to unregister ExApp %s: %w", appID, err)
	}
	m.publish(events.EventExAppRemoved, app, "")
	logger.Info().Bool("keep_container", opts.KeepContainer).Bool("remove_data", opts.RemoveData).Msg("ExApp removed")
	return nil
}

// provisionalExApp is the row recorded while the remote deploy runs
func (m *Manager) provisionalExApp(appID string, daemon *types.DaemonConfig, driver deploy.Driver, manifest *types.Manifest, params *types.DeployParams) *types.ExApp {
	app := &types.ExApp{
		AppID:            appID,
		DaemonConfigName: daemon.Name,
		AcceptsDeployID:  daemon.AcceptsDeployID,
		Protocol:         "http",
		Host:             driver.ResolveDeployExAppHost(appID, daemon),
		Status:           types.Pending(types.ActionDeploy, 0),
		ServiceRoles:     params.ServiceRoles,
		CreatedAt:        time.Now(),
	}
	if manifest != nil {
		app.Version = manifest.Version
		app.Name = manifest.Name
		app.Protocol = manifest.ProtocolOrDefault()
		app.IsSystem = manifest.SystemApp
		app.Routes = manifest.Routes
	}
	applyParams(app, params)
	if daemon.AcceptsDeployID == types.DeployKindManual {
		if host := deploy.ParseEnv(params.Container.Env)[deploy.EnvAppHost]; host != "" {
			app.Host = host
		}
	}
	return app
}

// manualInfo rebuilds the operator identity of a manual-install ExApp
func manualInfo(app *types.ExApp, manifest *types.Manifest) []byte {
	info := deploy.ManualInfo{
		AppID:     app.AppID,
		Version:   app.Version,
		Name:      app.Name,
		Protocol:  app.Protocol,
		Port:      app.Port,
		Host:      app.Host,
		Secret:    app.Secret,
		SystemApp: app.IsSystem,
	}
	if manifest != nil {
		info.Version = manifest.Version
		info.Name = manifest.Name
	}
	data, _ := json.Marshal(info)
	return data
}

// register confirms a deployed instance answers its heartbeat, reads back
// its identity and records it with its scopes. scopes nil means every
// manifest scope.
func (m *Manager) register(ctx context.Context, app *types.ExApp, daemon *types.DaemonConfig, driver deploy.Driver, manifest *types.Manifest, params *types.DeployParams, scopes []types.Scope) (*types.ExApp, error) {
	candidate := *app
	applyParams(&candidate, params)
	if err := m.heartbeat(ctx, daemon, driver, &candidate); err != nil {
		return nil, err
	}

	info, err := driver.LoadExAppInfo(ctx, daemon, app.AppID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to load ExApp %s info: %w", app.AppID, err)
	}
	if info.AppID != app.AppID {
		return nil, fmt.Errorf("daemon reports ExApp %s instead of %s", info.AppID, app.AppID)
	}

	registered, err := m.store.MutateExApp(app.AppID, func(a *types.ExApp) error {
		applyParams(a, params)
		applyInfo(a, info)
		if manifest != nil {
			a.Routes = manifest.Routes
		}
		a.ServiceRoles = params.ServiceRoles
		a.LastCheckTime = time.Now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record ExApp %s: %w", app.AppID, err)
	}

	if scopes == nil && manifest != nil {
		scopes = manifestScopes(app.AppID, manifest)
	}
	if scopes != nil {
		if err := m.store.SetScopes(app.AppID, scopes); err != nil {
			return nil, fmt.Errorf("failed to record ExApp %s scopes: %w", app.AppID, err)
		}
	}

	if err := m.harp.Add(ctx, daemon, registered); err != nil {
		m.logger.Warn().Err(err).Str("appid", app.AppID).Msg("Failed to add ExApp to HaRP")
	}
	return registered, nil
}

// applyParams copies the identity a deploy was built with onto app
func applyParams(app *types.ExApp, params *types.DeployParams) {
	env := deploy.ParseEnv(params.Container.Env)
	if v := env[deploy.EnvAppVersion]; v != "" {
		app.Version = v
	}
	if v := env[deploy.EnvAppDisplayName]; v != "" {
		app.Name = v
	}
	if v := env[deploy.EnvAppProtocol]; v != "" {
		app.Protocol = v
	}
	if v := env[deploy.EnvAppSecret]; v != "" {
		app.Secret = v
	}
	if params.Container.Port != 0 {
		app.Port = params.Container.Port
	}
}

func applyInfo(app *types.ExApp, info *types.ExAppInfo) {
	if info.Version != "" {
		app.Version = info.Version
	}
	if info.Name != "" {
		app.Name = info.Name
	}
	if info.Secret != "" {
		app.Secret = info.Secret
	}
	if info.Port != 0 {
		app.Port = info.Port
	}
	if info.Protocol != "" {
		app.Protocol = info.Protocol
	}
	if info.Host != "" && app.AcceptsDeployID == types.DeployKindManual {
		app.Host = info.Host
	}
	app.IsSystem = info.IsSystemApp
}

// rollback undoes a failed deploy: the remote instance is removed when it was
// touched, then the row. Its own failures are logged and never returned.
func (m *Manager) rollback(ctx context.Context, app *types.ExApp, daemon *types.DaemonConfig, driver deploy.Driver, removeRemote bool, cause error) {
	ctx = context.WithoutCancel(ctx)
	logger := m.logger.With().Str("appid", app.AppID).Str("daemon", daemon.Name).Str("operation", "rollback").Logger()
	logger.Warn().Err(cause).Bool("remove_remote", removeRemote).Msg("Rolling back ExApp registration")

	metrics.RollbacksTotal.Inc()
	if removeRemote {
		if err := driver.RemoveExApp(ctx, daemon, app.AppID, false); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove ExApp instance during rollback")
		}
		if err := m.harp.Remove(ctx, daemon, app.AppID); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove ExApp from HaRP during rollback")
		}
	}
	if err := m.store.DeleteExApp(app.AppID); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete ExApp row during rollback")
	}
	m.publish(events.EventDeployFailed, app, cause.Error())
}

// initialize starts the ExApp init protocol. An ExApp without /init is
// enabled right away; otherwise it stays in init until it reports 100.
func (m *Manager) initialize(ctx context.Context, app *types.ExApp, daemon *types.DaemonConfig, driver deploy.Driver) (*types.ExApp, error) {
	logger := m.logger.With().Str("appid", app.AppID).Str("operation", "init").Logger()

	if err := m.status.StartInit(app.AppID); err != nil {
		return nil, err
	}

	err := m.triggerInit(ctx, daemon, driver, app)
	switch {
	case errors.Is(err, errNoInit):
		if err := m.status.Ready(app.AppID); err != nil {
			return nil, err
		}
		if err := m.enable(ctx, app.AppID, daemon, driver); err != nil {
			logger.Warn().Err(err).Msg("ExApp initialized but could not be enabled")
		}
	case err != nil:
		logger.Warn().Err(err).Msg("ExApp init failed")
		if serr := m.status.Fail(app.AppID, types.ActionInit, 0, err.Error()); serr != nil {
			return nil, serr
		}
	default:
		logger.Info().Msg("ExApp init started")
	}

	return m.store.GetExApp(app.AppID)
}

// SetInitProgress records init progress reported by the ExApp. Reaching 100
// marks the ExApp ready and enables it.
func (m *Manager) SetInitProgress(ctx context.Context, appID string, progress int, errMsg string) error {
	done, err := m.status.InitProgress(appID, progress, errMsg)
	if err != nil || !done {
		return err
	}
	app, err := m.store.GetExApp(appID)
	if err != nil {
		return err
	}
	daemon, driver, err := m.daemonAndDriver(app.DaemonConfigName)
	if err != nil {
		return err
	}
	return m.enable(ctx, appID, daemon, driver)
}

func (m *Manager) progressFunc(appID, action string) deploy.ProgressFunc {
	return func(progress int) {
		if err := m.status.Progress(appID, action, progress); err != nil {
			m.logger.Debug().Err(err).Str("appid", appID).Msg("Failed to record progress")
		}
	}
}

// verifyCertificate checks a manifest's code-signing certificate when roots
// are configured
func (m *Manager) verifyCertificate(appID string, manifest *types.Manifest) error {
	if manifest == nil || manifest.Certificate == "" || m.cfg.CodeSigningRoots == nil {
		return nil
	}
	if _, err := security.VerifyAppCertificate(appID, []byte(manifest.Certificate), m.cfg.CodeSigningRoots, m.cfg.RevocationList); err != nil {
		if security.IsVerificationError(err, security.Revoked) {
			m.logger.Warn().Str("appid", appID).Msg("Refusing an ExApp with a revoked certificate")
		}
		return policyErrorf(appID, err, "certificate of %s was rejected", appID)
	}
	return nil
}

func manifestScopes(appID string, manifest *types.Manifest) []types.Scope {
	scopes := make([]types.Scope, 0, len(manifest.Scopes)+len(manifest.OptionalScopes))
	for _, name := range manifest.Scopes {
		scopes = append(scopes, types.Scope{AppID: appID, Name: name})
	}
	for _, name := range manifest.OptionalScopes {
		scopes = append(scopes, types.Scope{AppID: appID, Name: name, Optional: true})
	}
	return scopes
}

// diffScopes computes the scopes an update ends with. Scopes already
// granted carry over. New required scopes must be approved or the update is
// refused; new optional scopes are only granted when approved.
func diffScopes(appID string, granted []types.Scope, manifest *types.Manifest, approved []string) ([]types.Scope, error) {
	have := make(map[string]bool, len(granted))
	for _, s := range granted {
		have[s.Name] = true
	}
	ok := make(map[string]bool, len(approved))
	for _, name := range approved {
		ok[name] = true
	}

	scopes := make([]types.Scope, 0, len(manifest.Scopes)+len(manifest.OptionalScopes))
	var missing []string
	for _, name := range manifest.Scopes {
		if !have[name] && !ok[name] {
			missing = append(missing, name)
			continue
		}
		scopes = append(scopes, types.Scope{AppID: appID, Name: name})
	}
	if len(missing) > 0 {
		return nil, policyErrorf(appID, nil, "ExApp %s requests new required scopes that were not approved: %v", appID, missing)
	}
	for _, name := range manifest.OptionalScopes {
		if have[name] || ok[name] {
			scopes = append(scopes, types.Scope{AppID: appID, Name: name, Optional: true})
		}
	}
	return scopes, nil
}
