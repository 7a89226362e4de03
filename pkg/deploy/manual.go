package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// ManualInfo is the identity an operator supplies for a manually run ExApp
type ManualInfo struct {
	AppID     string `json:"appid"`
	Version   string `json:"version"`
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	Port      int    `json:"port"`
	Host      string `json:"host"`
	Secret    string `json:"secret"`
	SystemApp bool   `json:"system_app"`
}

// ParseManualInfo decodes and checks the operator supplied JSON
func ParseManualInfo(data []byte) (*ManualInfo, error) {
	var info ManualInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid json info: %w", err)
	}
	if info.AppID == "" {
		return nil, errors.New("json info has no appid")
	}
	if info.Port <= 0 || info.Port > 65535 {
		return nil, fmt.Errorf("json info has an invalid port %d", info.Port)
	}
	if info.Protocol == "" {
		info.Protocol = "http"
	}
	return &info, nil
}

// ManualDriver handles ExApps the operator runs by hand: nothing is deployed
// and the identity comes from the supplied JSON
type ManualDriver struct {
	settings Settings
}

// NewManualDriver creates the manual-install driver
func NewManualDriver(settings Settings) *ManualDriver {
	return &ManualDriver{settings: settings.WithDefaults()}
}

// AcceptsDeployID implements Driver
func (m *ManualDriver) AcceptsDeployID() types.DeployKind {
	return types.DeployKindManual
}

// BuildDeployParams implements Driver. The identity is carried in the
// whitelist envs so LoadExAppInfo can read it back like any other driver.
func (m *ManualDriver) BuildDeployParams(daemon *types.DaemonConfig, manifest *types.Manifest, opts types.DeployOptions) (*types.DeployParams, error) {
	info := &ManualInfo{}
	if len(opts.JSONInfo) > 0 {
		parsed, err := ParseManualInfo(opts.JSONInfo)
		if err != nil {
			return nil, err
		}
		info = parsed
	} else {
		if manifest == nil {
			return nil, errors.New("manual deploy needs json info or a manifest")
		}
		secret, port, err := identity(manifest, opts)
		if err != nil {
			return nil, err
		}
		*info = ManualInfo{
			AppID:     manifest.ID,
			Version:   manifest.Version,
			Name:      manifest.Name,
			Protocol:  manifest.ProtocolOrDefault(),
			Port:      port,
			Host:      daemon.Host,
			Secret:    secret,
			SystemApp: manifest.SystemApp,
		}
	}
	if manifest != nil && manifest.ID != "" && info.AppID != manifest.ID {
		return nil, fmt.Errorf("ExApp appid %s does not match to json info appid %s", manifest.ID, info.AppID)
	}
	if info.Secret == "" {
		return nil, fmt.Errorf("json info for %s has no secret", info.AppID)
	}

	b := newEnvBuilder()
	b.set(EnvAEVersion, m.settings.AppAPIVersion)
	b.set(EnvAppSecret, info.Secret)
	b.set(EnvAppID, info.AppID)
	b.set(EnvAppDisplayName, info.Name)
	b.set(EnvAppVersion, info.Version)
	b.set(EnvAppProtocol, info.Protocol)
	b.set(EnvAppHost, info.Host)
	b.set(EnvAppPort, strconv.Itoa(info.Port))
	b.set(EnvIsSystemApp, strconv.FormatBool(info.SystemApp))

	return &types.DeployParams{
		Container: types.ContainerParams{
			Name:     info.AppID,
			Hostname: info.Host,
			Port:     info.Port,
			Env:      b.list(),
		},
	}, nil
}

// DeployExApp implements Driver; the ExApp is already running
func (m *ManualDriver) DeployExApp(_ context.Context, _ *types.DaemonConfig, _ *types.DeployParams, progress ProgressFunc) error {
	progress.report(100)
	return nil
}

// LoadExAppInfo implements Driver
func (m *ManualDriver) LoadExAppInfo(_ context.Context, _ *types.DaemonConfig, appID string, params *types.DeployParams) (*types.ExAppInfo, error) {
	if params == nil {
		return nil, fmt.Errorf("manual ExApp %s has no json info", appID)
	}
	return infoFromEnv(appID, ParseEnv(params.Container.Env), params.Container.Hostname)
}

// InspectEnv implements Driver. Nothing can be inspected, so updates never
// preserve values.
func (m *ManualDriver) InspectEnv(context.Context, *types.DaemonConfig, string) (map[string]string, error) {
	return map[string]string{}, nil
}

// WaitReady implements Driver
func (m *ManualDriver) WaitReady(context.Context, *types.DaemonConfig, string) error {
	return nil
}

// RemoveExApp implements Driver
func (m *ManualDriver) RemoveExApp(context.Context, *types.DaemonConfig, string, bool) error {
	return nil
}

// Ping implements Driver
func (m *ManualDriver) Ping(context.Context, *types.DaemonConfig) error {
	return nil
}

// ResolveDeployExAppHost implements Driver
func (m *ManualDriver) ResolveDeployExAppHost(_ string, daemon *types.DaemonConfig) string {
	return daemon.Host
}

// ResolveExAppURL implements Driver. Manual ExApps are reached at the host
// they registered with unless HaRP fronts the daemon.
func (m *ManualDriver) ResolveExAppURL(daemon *types.DaemonConfig, app *types.ExApp) (string, *BasicAuth, error) {
	if daemon.IsHarp() {
		return harpExAppURL(m.settings, daemon, app.AppID), nil, nil
	}
	protocol := app.Protocol
	if protocol == "" {
		protocol = "http"
	}
	host := app.Host
	if host == "" {
		host = daemon.Host
	}
	return fmt.Sprintf("%s://%s:%d", protocol, host, app.Port), nil, nil
}
