package deploy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/nextcloud/app-api-sub001/pkg/health"
	"github.com/nextcloud/app-api-sub001/pkg/log"
	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// DockerAPIVersion is the Engine API version requests are pinned to
const DockerAPIVersion = "1.41"

// Pull progress occupies 0..pullMaxProgress of the deploy
const pullMaxProgress = 94

const pingTimeout = 3 * time.Second

// harpDockerWaitTimeout bounds docker/exapp/wait_for_start
const harpDockerWaitTimeout = 150 * time.Second

var (
	pullLayerActive   = []string{"preparing", "waiting", "pulling fs layer", "download", "extracting", "verifying checksum"}
	pullLayerFinished = []string{"already exists", "pull complete"}
)

// DockerDriver deploys ExApps as containers on a Docker Engine, either
// directly or through a HaRP agent
type DockerDriver struct {
	settings Settings
}

// NewDockerDriver creates the docker-install driver
func NewDockerDriver(settings Settings) *DockerDriver {
	return &DockerDriver{settings: settings.WithDefaults()}
}

// AcceptsDeployID implements Driver
func (d *DockerDriver) AcceptsDeployID() types.DeployKind {
	return types.DeployKindDocker
}

// client builds an Engine API client for one daemon. HaRP daemons are
// reached through HaRP's engine passthrough.
func (d *DockerDriver) client(daemon *types.DaemonConfig) (*client.Client, error) {
	httpClient, err := newDaemonHTTPClient(d.settings, daemon, false)
	if err != nil {
		return nil, err
	}

	opts := []client.Opt{
		client.WithVersion(DockerAPIVersion),
		client.WithHTTPClient(httpClient),
	}

	if daemon.IsLocalSocket() {
		opts = append(opts, client.WithHost("unix://"+daemon.Host))
	} else {
		host := "tcp://" + strings.TrimRight(daemon.Host, "/")
		if daemon.IsHarp() {
			host += harpBasePath
		}
		opts = append(opts, client.WithHost(host))
		if daemon.Protocol == types.ProtocolHTTPS {
			opts = append(opts, client.WithScheme("https"))
		}
	}

	key, err := d.settings.decryptSharedKey(daemon)
	if err != nil {
		return nil, err
	}
	if key != "" {
		headers := map[string]string{
			"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(HaproxyUser+":"+key)),
		}
		if daemon.IsHarp() {
			headers[security.HeaderHarpSharedKey] = key
			headers["docker-engine-port"] = strconv.Itoa(daemon.DeployConfig.Harp.DockerSocketPort)
		}
		opts = append(opts, client.WithHTTPHeaders(headers))
	}

	return client.NewClientWithOpts(opts...)
}

// BuildDeployParams implements Driver
func (d *DockerDriver) BuildDeployParams(daemon *types.DaemonConfig, manifest *types.Manifest, opts types.DeployOptions) (*types.DeployParams, error) {
	return buildContainerParams(d.settings, daemon, manifest, opts)
}

// DeployExApp implements Driver. Progress: 0..94 pull, 95 remove old,
// 96 create, 97 certificates, 98 start, 99 wait running, 100 done.
func (d *DockerDriver) DeployExApp(ctx context.Context, daemon *types.DaemonConfig, params *types.DeployParams, progress ProgressFunc) error {
	if params == nil {
		return stageErr(StageCreate, 0, false, errors.New("missing deploy params"))
	}
	logger := log.WithOperation("docker", params.Container.Name, daemon.Name, "deploy")

	cli, err := d.client(daemon)
	if err != nil {
		return stageErr(StagePull, 0, false, err)
	}
	defer cli.Close()

	progress.report(0)
	imageRef, err := d.pullImage(ctx, cli, daemon, params, progress, logger)
	if err != nil {
		logger.Error().Err(err).Msg("image pull failed")
		return stageErr(StagePull, 0, false, err)
	}

	if daemon.IsHarp() {
		return d.deployHarp(ctx, daemon, params, imageRef, progress, logger)
	}

	name := params.Container.Name
	progress.report(95)
	removed, err := d.removeContainer(ctx, cli, name)
	if err != nil {
		logger.Error().Err(err).Msg("failed to remove previous container")
		return stageErr(StageRemove, 95, removed, err)
	}

	progress.report(96)
	if err := d.createContainer(ctx, cli, daemon, params, imageRef, logger); err != nil {
		logger.Error().Err(err).Msg("container create failed")
		return stageErr(StageCreate, 96, removed, err)
	}

	progress.report(97)
	d.installCertificates(ctx, cli, name, logger)

	progress.report(98)
	if err := cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		logger.Error().Err(err).Msg("container start failed")
		return stageErr(StageStart, 98, true, fmt.Errorf("failed to start container %s: %w", name, err))
	}

	progress.report(99)
	if err := d.waitReady(ctx, cli, name); err != nil {
		logger.Error().Err(err).Msg("container did not become ready")
		return stageErr(StageWaitReady, 99, true, err)
	}

	progress.report(100)
	logger.Info().Str("image", imageRef).Msg("ExApp container deployed")
	return nil
}

// pullImage pulls the compute-device image when one is configured, falling
// back to the base image. With a "local" registry mapping nothing is pulled
// and the image is only looked up.
func (d *DockerDriver) pullImage(ctx context.Context, cli client.APIClient, daemon *types.DaemonConfig, params *types.DeployParams, progress ProgressFunc, logger zerolog.Logger) (string, error) {
	base := params.Image.Ref()

	candidates := []string{}
	if device := daemon.DeployConfig.ComputeDevice; device != nil && device.ID != "" {
		candidates = append(candidates, base+"-"+device.ID)
	}
	candidates = append(candidates, base)

	if params.SkipPull {
		for _, ref := range candidates {
			if _, err := cli.ImageInspect(ctx, ref); err == nil {
				logger.Info().Str("image", ref).Msg("registry mapped to local, skipping image pull")
				progress.report(pullMaxProgress)
				return ref, nil
			}
		}
		logger.Warn().Str("image", base).Msg("image not found locally, skipping image pull")
		return base, nil
	}

	var lastErr error
	for _, ref := range candidates {
		err := d.pull(ctx, cli, ref, progress)
		if err == nil {
			logger.Info().Str("image", ref).Msg("image pulled")
			return ref, nil
		}
		logger.Info().Err(err).Str("image", ref).Msg("image pull failed")
		lastErr = err
	}
	return "", fmt.Errorf("failed to pull image %s: %w", base, lastErr)
}

func (d *DockerDriver) pull(ctx context.Context, cli client.APIClient, ref string, progress ProgressFunc) error {
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	return trackPullProgress(reader, progress)
}

// trackPullProgress reads the pull message stream and reports the share of
// finished layers scaled to 0..94. An error message in the stream fails the pull.
func trackPullProgress(r io.Reader, progress ProgressFunc) error {
	layers := make(map[string]bool)
	last := -1
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read pull progress: %w", err)
		}
		if msg.Error != nil {
			return errors.New(msg.Error.Message)
		}
		if msg.ID == "" || msg.Status == "" {
			continue
		}

		status := strings.ToLower(msg.Status)
		switch {
		case containsAny(status, pullLayerFinished):
			layers[msg.ID] = true
		case containsAny(status, pullLayerActive):
			layers[msg.ID] = false
		default:
			continue
		}

		done := 0
		for _, finished := range layers {
			if finished {
				done++
			}
		}
		percent := done * pullMaxProgress / len(layers)
		if percent != last {
			progress.report(percent)
			last = percent
		}
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// removeContainer stops and force-removes a container if present. The bool
// reports whether anything was removed.
func (d *DockerDriver) removeContainer(ctx context.Context, cli client.APIClient, name string) (bool, error) {
	if _, err := cli.ContainerInspect(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	if err := cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return false, fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	if err := cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
			return true, nil
		}
		return true, fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return true, nil
}

// createVolume is best effort: a volume that cannot be created is left for
// the engine to create implicitly on mount
func (d *DockerDriver) createVolume(ctx context.Context, cli client.APIClient, appID string, logger zerolog.Logger) {
	if _, err := cli.VolumeCreate(ctx, volume.CreateOptions{Name: VolumeName(appID)}); err != nil {
		logger.Warn().Err(err).Str("volume", VolumeName(appID)).Msg("failed to create volume")
	}
}

func (d *DockerDriver) createContainer(ctx context.Context, cli client.APIClient, daemon *types.DaemonConfig, params *types.DeployParams, imageRef string, logger zerolog.Logger) error {
	name := params.Container.Name
	d.createVolume(ctx, cli, name, logger)

	cfg, hostCfg, netCfg := containerSpec(daemon, params, imageRef)
	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", name, err)
	}
	for _, w := range resp.Warnings {
		logger.Warn().Str("container", name).Msg(w)
	}
	return nil
}

// containerSpec translates deploy params into the Engine create request
func containerSpec(daemon *types.DaemonConfig, params *types.DeployParams, imageRef string) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	c := params.Container
	netMode := c.NetworkMode
	if netMode == "" {
		netMode = types.NetworkHost
	}

	cfg := &container.Config{
		Image:    imageRef,
		Hostname: c.Hostname,
		Env:      c.Env,
	}

	hostCfg := &container.HostConfig{
		NetworkMode:   container.NetworkMode(netMode),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: VolumeName(c.Name),
			Target: VolumeTarget(c.Name),
		}},
	}

	for _, m := range c.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.Mode == "ro",
		})
	}

	for _, dev := range c.Devices {
		hostCfg.Resources.Devices = append(hostCfg.Resources.Devices, container.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}
	if c.ComputeDevice != nil && c.ComputeDevice.ID == "cuda" {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"compute", "utility"}},
		}}
	}
	if l := c.ResourceLimits; l != nil {
		hostCfg.Resources.Memory = l.Memory
		hostCfg.Resources.NanoCPUs = l.NanoCPUs
	}

	if daemon.Protocol == types.ProtocolHTTPS && netMode != types.NetworkHost && c.Port > 0 {
		port := strconv.Itoa(c.Port)
		cfg.ExposedPorts = nat.PortSet{}
		hostCfg.PortBindings = nat.PortMap{}
		for _, proto := range []string{"tcp", "udp"} {
			p := nat.Port(port + "/" + proto)
			cfg.ExposedPorts[p] = struct{}{}
			hostCfg.PortBindings[p] = []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: port},
				{HostIP: "::1", HostPort: port},
			}
		}
	}

	var netCfg *network.NetworkingConfig
	if netMode != types.NetworkHost && netMode != types.NetworkBridge {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				netMode: {Aliases: []string{c.Hostname}},
			},
		}
	}

	return cfg, hostCfg, netCfg
}

// waitReady waits for the container to run, then for its HEALTHCHECK
func (d *DockerDriver) waitReady(ctx context.Context, cli client.APIClient, name string) error {
	if err := d.waitRunning(ctx, cli, name); err != nil {
		return err
	}
	return d.waitHealthy(ctx, cli, name)
}

// waitRunning polls until State.Status is running
func (d *DockerDriver) waitRunning(ctx context.Context, cli client.APIClient, name string) error {
	check := health.CheckFunc(func(ctx context.Context) (bool, string) {
		info, err := cli.ContainerInspect(ctx, name)
		if err != nil {
			return false, err.Error()
		}
		if info.State == nil {
			return false, "no state reported"
		}
		if info.State.Status != "running" {
			return false, "container is " + info.State.Status
		}
		return true, "running"
	})
	if err := d.settings.Poller.Poll(ctx, check); err != nil {
		return fmt.Errorf("container %s %w: %v", name, ErrNotReady, err)
	}
	return nil
}

// containerHealth reports the image HEALTHCHECK status. An image without a
// healthcheck counts as healthy; unhealthy is final.
type containerHealth struct {
	cli  client.APIClient
	name string
}

func (c containerHealth) Check(ctx context.Context) (result health.Result) {
	start := time.Now()
	result.CheckedAt = start
	defer func() { result.Duration = time.Since(start) }()

	info, err := c.cli.ContainerInspect(ctx, c.name)
	switch {
	case err != nil:
		result.Message = err.Error()
	case info.State == nil || info.State.Health == nil || info.State.Health.Status == "" || info.State.Health.Status == container.NoHealthcheck:
		result.Healthy, result.Message = true, "no healthcheck"
	case info.State.Health.Status == container.Healthy:
		result.Healthy, result.Message = true, "healthy"
	case info.State.Health.Status == container.Unhealthy:
		result.Final, result.Message = true, "container health is unhealthy"
	default:
		result.Message = "container health is " + info.State.Health.Status
	}
	return result
}

// waitHealthy polls the container HEALTHCHECK with the healthcheck poller
func (d *DockerDriver) waitHealthy(ctx context.Context, cli client.APIClient, name string) error {
	if err := d.settings.HealthcheckPoller.Poll(ctx, containerHealth{cli: cli, name: name}); err != nil {
		return fmt.Errorf("container %s %w: %v", name, ErrNotReady, err)
	}
	return nil
}

// WaitReady implements Driver
func (d *DockerDriver) WaitReady(ctx context.Context, daemon *types.DaemonConfig, appID string) error {
	if daemon.IsHarp() {
		agent, err := d.harpAgent(daemon, appID)
		if err != nil {
			return err
		}
		return agent.waitForStart(ctx, appID, "", harpDockerWaitTimeout)
	}
	cli, err := d.client(daemon)
	if err != nil {
		return err
	}
	defer cli.Close()
	return d.waitReady(ctx, cli, appID)
}

// InspectEnv implements Driver
func (d *DockerDriver) InspectEnv(ctx context.Context, daemon *types.DaemonConfig, appID string) (map[string]string, error) {
	cli, err := d.client(daemon)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	info, err := cli.ContainerInspect(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", appID, err)
	}
	if info.Config == nil {
		return nil, fmt.Errorf("container %s reports no config", appID)
	}
	return ExtractRequiredEnvs(ParseEnv(info.Config.Env)), nil
}

// LoadExAppInfo implements Driver
func (d *DockerDriver) LoadExAppInfo(ctx context.Context, daemon *types.DaemonConfig, appID string, _ *types.DeployParams) (*types.ExAppInfo, error) {
	env, err := d.InspectEnv(ctx, daemon, appID)
	if err != nil {
		return nil, err
	}
	return infoFromEnv(appID, env, d.ResolveDeployExAppHost(appID, daemon))
}

// ResolveDeployExAppHost implements Driver
func (d *DockerDriver) ResolveDeployExAppHost(appID string, daemon *types.DaemonConfig) string {
	return resolveDeployExAppHost(appID, daemon)
}

// ResolveExAppURL implements Driver
func (d *DockerDriver) ResolveExAppURL(daemon *types.DaemonConfig, app *types.ExApp) (string, *BasicAuth, error) {
	return resolveExAppURL(d.settings, daemon, app)
}

// RemoveExApp implements Driver. Missing containers and volumes are not errors.
func (d *DockerDriver) RemoveExApp(ctx context.Context, daemon *types.DaemonConfig, appID string, removeData bool) error {
	logger := log.WithOperation("docker", appID, daemon.Name, "remove")

	if daemon.IsHarp() {
		agent, err := d.harpAgent(daemon, appID)
		if err != nil {
			return err
		}
		return agent.remove(ctx, appID, "", removeData)
	}

	cli, err := d.client(daemon)
	if err != nil {
		return err
	}
	defer cli.Close()

	if _, err := d.removeContainer(ctx, cli, appID); err != nil {
		logger.Error().Err(err).Msg("container removal failed")
		return err
	}
	if removeData {
		if err := cli.VolumeRemove(ctx, VolumeName(appID), true); err != nil && !errdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("volume removal failed")
			return fmt.Errorf("failed to remove volume %s: %w", VolumeName(appID), err)
		}
	}
	logger.Info().Bool("remove_data", removeData).Msg("ExApp container removed")
	return nil
}

// StartExApp implements Toggler
func (d *DockerDriver) StartExApp(ctx context.Context, daemon *types.DaemonConfig, appID string, ignoreIfAlready bool) error {
	if daemon.IsHarp() {
		agent, err := d.harpAgent(daemon, appID)
		if err != nil {
			return err
		}
		return agent.toggle(ctx, "start", appID, "", ignoreIfAlready)
	}

	cli, err := d.client(daemon)
	if err != nil {
		return err
	}
	defer cli.Close()

	info, err := cli.ContainerInspect(ctx, appID)
	if err != nil {
		return fmt.Errorf("failed to inspect container %s: %w", appID, err)
	}
	if info.State != nil && info.State.Running {
		if ignoreIfAlready {
			return nil
		}
		return fmt.Errorf("container %s: %w", appID, ErrAlreadyInState)
	}
	if err := cli.ContainerStart(ctx, appID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", appID, err)
	}
	return nil
}

// StopExApp implements Toggler
func (d *DockerDriver) StopExApp(ctx context.Context, daemon *types.DaemonConfig, appID string, ignoreIfAlready bool) error {
	if daemon.IsHarp() {
		agent, err := d.harpAgent(daemon, appID)
		if err != nil {
			return err
		}
		return agent.toggle(ctx, "stop", appID, "", ignoreIfAlready)
	}

	cli, err := d.client(daemon)
	if err != nil {
		return err
	}
	defer cli.Close()

	info, err := cli.ContainerInspect(ctx, appID)
	if err != nil {
		return fmt.Errorf("failed to inspect container %s: %w", appID, err)
	}
	if info.State != nil && !info.State.Running {
		if ignoreIfAlready {
			return nil
		}
		return fmt.Errorf("container %s: %w", appID, ErrAlreadyInState)
	}
	if err := cli.ContainerStop(ctx, appID, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", appID, err)
	}
	return nil
}

// Ping implements Driver. HaRP daemons answer on /info, plain engines on /_ping.
func (d *DockerDriver) Ping(ctx context.Context, daemon *types.DaemonConfig) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if daemon.IsHarp() {
		return harpPing(ctx, d.settings, daemon)
	}

	cli, err := d.client(daemon)
	if err != nil {
		return err
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("daemon %s did not answer ping: %w", daemon.Name, err)
	}
	return nil
}

func (d *DockerDriver) harpAgent(daemon *types.DaemonConfig, appID string) (*harpAgent, error) {
	h, err := newHarpClient(d.settings, daemon)
	if err != nil {
		return nil, err
	}
	return newHarpAgent(h, "docker/exapp", "container", log.WithOperation("docker", appID, daemon.Name, "harp")), nil
}
