package deploy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// Environment variables set on every container-based ExApp
const (
	EnvAEVersion         = "AE_VERSION"
	EnvAppSecret         = "APP_SECRET"
	EnvAppID             = "APP_ID"
	EnvAppDisplayName    = "APP_DISPLAY_NAME"
	EnvAppVersion        = "APP_VERSION"
	EnvAppProtocol       = "APP_PROTOCOL"
	EnvAppHost           = "APP_HOST"
	EnvAppPort           = "APP_PORT"
	EnvIsSystemApp       = "IS_SYSTEM_APP"
	EnvNextcloudURL      = "NEXTCLOUD_URL"
	EnvPersistentStorage = "APP_PERSISTENT_STORAGE"
	EnvComputeDevice     = "COMPUTE_DEVICE"
)

// RequiredEnvs is the whitelist an ExApp identity is recovered from
var RequiredEnvs = []string{
	EnvAEVersion,
	EnvAppSecret,
	EnvAppID,
	EnvAppDisplayName,
	EnvAppVersion,
	EnvAppProtocol,
	EnvAppHost,
	EnvAppPort,
	EnvIsSystemApp,
	EnvNextcloudURL,
}

// reservedEnvs may not be overridden by manifest variables
var reservedEnvs = map[string]bool{
	EnvPersistentStorage: true,
	EnvComputeDevice:     true,
}

func init() {
	for _, name := range RequiredEnvs {
		reservedEnvs[name] = true
	}
}

// Default image coordinates when the manifest leaves them out
const (
	DefaultRegistry = "docker.io"
	DefaultImageTag = "latest"
)

// wildcard addresses are never used as an ExApp host override
var wildcardHosts = map[string]bool{
	"0.0.0.0":   true,
	"127.0.0.1": true,
	"::":        true,
	"::1":       true,
}

// VolumeName is the dedicated data volume of an ExApp
func VolumeName(appID string) string {
	return appID + "_data"
}

// VolumeTarget is where the data volume is mounted inside the container
func VolumeTarget(appID string) string {
	return "/" + VolumeName(appID)
}

// ParseEnv splits KEY=VALUE entries. Entries without '=' map to "".
func ParseEnv(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, entry := range env {
		key, value, _ := strings.Cut(entry, "=")
		if key == "" {
			continue
		}
		out[key] = value
	}
	return out
}

// ExtractRequiredEnvs keeps only the whitelisted variables
func ExtractRequiredEnvs(env map[string]string) map[string]string {
	out := make(map[string]string, len(RequiredEnvs))
	for _, name := range RequiredEnvs {
		if v, ok := env[name]; ok {
			out[name] = v
		}
	}
	return out
}

// infoFromEnv rebuilds the ExApp identity from a container environment
func infoFromEnv(appID string, env map[string]string, host string) (*types.ExAppInfo, error) {
	required := ExtractRequiredEnvs(env)

	deployed, ok := required[EnvAppID]
	if !ok {
		return nil, fmt.Errorf("ExApp %s has no %s in its environment", appID, EnvAppID)
	}
	if deployed != appID {
		return nil, fmt.Errorf("ExApp appid %s does not match to deployed APP_ID %s", appID, deployed)
	}

	port, err := strconv.Atoi(required[EnvAppPort])
	if err != nil {
		return nil, fmt.Errorf("ExApp %s has an invalid %s %q", appID, EnvAppPort, required[EnvAppPort])
	}

	protocol := required[EnvAppProtocol]
	if protocol == "" {
		protocol = "http"
	}

	isSystem, _ := strconv.ParseBool(required[EnvIsSystemApp])

	return &types.ExAppInfo{
		AppID:       deployed,
		Name:        required[EnvAppDisplayName],
		Version:     required[EnvAppVersion],
		Secret:      required[EnvAppSecret],
		Host:        host,
		Port:        port,
		Protocol:    protocol,
		IsSystemApp: isSystem,
	}, nil
}

// buildExAppHost is the address the ExApp binds to inside its container
func buildExAppHost(daemon *types.DaemonConfig) string {
	if daemon.IsHarp() && !daemon.IsHarpDirectConnect() {
		return "127.0.0.1"
	}
	if override := daemon.DeployConfig.AdditionalOptions["OVERRIDE_APP_HOST"]; override != "" {
		return override
	}
	if daemon.DeployConfig.Net != "" && daemon.DeployConfig.Net != types.NetworkHost {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// resolveImage applies defaults and the daemon's registry rewrites
func resolveImage(daemon *types.DaemonConfig, manifest *types.Manifest) (types.ImageParams, bool) {
	img := types.ImageParams{
		Registry: manifest.DockerInstall.Registry,
		Image:    manifest.DockerInstall.Image,
		Tag:      manifest.DockerInstall.ImageTag,
	}
	if img.Registry == "" {
		img.Registry = DefaultRegistry
	}
	if img.Image == "" {
		img.Image = manifest.ID
	}
	if img.Tag == "" {
		img.Tag = DefaultImageTag
	}

	for _, m := range daemon.DeployConfig.Registries {
		if m.From != img.Registry {
			continue
		}
		if m.To == types.RegistryLocal {
			return img, true
		}
		img.Registry = strings.TrimRight(m.To, "/")
		break
	}
	return img, false
}

// identity picks the secret and port, preserving the previous instance's
// values on update unless rotation was requested
func identity(manifest *types.Manifest, opts types.DeployOptions) (string, int, error) {
	secret := ""
	if !opts.RotateSecret {
		secret = opts.PreviousEnv[EnvAppSecret]
	}
	if secret == "" {
		secret = opts.Secret
	}
	if secret == "" {
		generated, err := security.GenerateSecret(security.DefaultSecretLength)
		if err != nil {
			return "", 0, err
		}
		secret = generated
	}

	port := 0
	if prev, ok := opts.PreviousEnv[EnvAppPort]; ok {
		if p, err := strconv.Atoi(prev); err == nil && p > 0 {
			port = p
		}
	}
	if port == 0 {
		port = opts.Port
	}
	if port == 0 {
		port = manifest.Port
	}
	if port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("no valid port for ExApp %s", manifest.ID)
	}
	return secret, port, nil
}

// envBuilder keeps insertion order and lets later required keys win
type envBuilder struct {
	order  []string
	values map[string]string
}

func newEnvBuilder() *envBuilder {
	return &envBuilder{values: make(map[string]string)}
}

func (b *envBuilder) set(key, value string) {
	if _, ok := b.values[key]; !ok {
		b.order = append(b.order, key)
	}
	b.values[key] = value
}

func (b *envBuilder) list() []string {
	out := make([]string, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, k+"="+b.values[k])
	}
	return out
}

// buildEnv assembles the container environment in a fixed order:
// whitelist, storage and compute device, manifest variables, HaRP variables
func buildEnv(s Settings, daemon *types.DaemonConfig, manifest *types.Manifest, opts types.DeployOptions, secret string, port int) ([]string, error) {
	nextcloudURL := daemon.DeployConfig.NextcloudURL
	if nextcloudURL == "" {
		nextcloudURL = s.NextcloudURL
	}

	b := newEnvBuilder()
	b.set(EnvAEVersion, s.AppAPIVersion)
	b.set(EnvAppSecret, secret)
	b.set(EnvAppID, manifest.ID)
	b.set(EnvAppDisplayName, manifest.Name)
	b.set(EnvAppVersion, manifest.Version)
	b.set(EnvAppProtocol, manifest.ProtocolOrDefault())
	b.set(EnvAppHost, buildExAppHost(daemon))
	b.set(EnvAppPort, strconv.Itoa(port))
	b.set(EnvIsSystemApp, strconv.FormatBool(manifest.SystemApp))
	b.set(EnvNextcloudURL, nextcloudURL)
	b.set(EnvPersistentStorage, VolumeTarget(manifest.ID))

	device := daemon.ComputeDeviceID()
	b.set(EnvComputeDevice, strings.ToUpper(device))
	if device == "cuda" {
		b.set("NVIDIA_VISIBLE_DEVICES", "all")
		b.set("NVIDIA_DRIVER_CAPABILITIES", "compute,utility")
	}

	for _, v := range manifest.EnvironmentVariables {
		if reservedEnvs[v.Name] {
			continue
		}
		value := v.Default
		if prev, ok := opts.PreviousEnv[v.Name]; ok {
			value = prev
		}
		if override, ok := opts.EnvOverrides[v.Name]; ok {
			value = override
		}
		b.set(v.Name, value)
	}

	if daemon.IsHarp() && !daemon.IsHarpDirectConnect() {
		host, port, ok := strings.Cut(daemon.DeployConfig.Harp.FRPAddress, ":")
		if !ok {
			return nil, fmt.Errorf("daemon %s has an invalid frp_address %q", daemon.Name, daemon.DeployConfig.Harp.FRPAddress)
		}
		key, err := s.decryptSharedKey(daemon)
		if err != nil {
			return nil, err
		}
		b.set("HP_FRP_ADDRESS", host)
		b.set("HP_FRP_PORT", port)
		b.set("HP_SHARED_KEY", key)
	}

	return b.list(), nil
}

// buildContainerParams is shared by the Docker, AIO and Kubernetes drivers
func buildContainerParams(s Settings, daemon *types.DaemonConfig, manifest *types.Manifest, opts types.DeployOptions) (*types.DeployParams, error) {
	if manifest.ID == "" {
		return nil, fmt.Errorf("manifest has no app id")
	}

	secret, port, err := identity(manifest, opts)
	if err != nil {
		return nil, err
	}

	env, err := buildEnv(s, daemon, manifest, opts, secret, port)
	if err != nil {
		return nil, err
	}

	image, skipPull := resolveImage(daemon, manifest)

	devices := append([]string(nil), daemon.DeployConfig.Devices...)
	if daemon.ComputeDeviceID() == "rocm" {
		devices = append(devices, "/dev/kfd", "/dev/dri")
	}

	return &types.DeployParams{
		Image: image,
		Container: types.ContainerParams{
			Name:           manifest.ID,
			Hostname:       manifest.ID,
			Port:           port,
			NetworkMode:    daemon.NetworkMode(),
			Env:            env,
			Devices:        devices,
			ComputeDevice:  daemon.DeployConfig.ComputeDevice,
			ResourceLimits: daemon.DeployConfig.ResourceLimits,
			Mounts:         manifest.Mounts,
		},
		SkipPull: skipPull,
	}, nil
}

// resolveDeployExAppHost is the host rule shared by the container drivers
func resolveDeployExAppHost(appID string, daemon *types.DaemonConfig) string {
	if daemon.NetworkMode() == types.NetworkHost {
		if daemon.Host != "" && !daemon.IsLocalSocket() {
			host, _, _ := strings.Cut(daemon.Host, ":")
			return host
		}
		return "localhost"
	}
	return appID
}
