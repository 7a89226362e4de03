package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nextcloud/app-api-sub001/pkg/health"
	"github.com/nextcloud/app-api-sub001/pkg/log"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// AIO master container coordinates
const (
	AIOMasterContainerHost = "https://nextcloud-aio-mastercontainer:8080"
	AIODaemonName          = "docker_aio"
	AIOHarpDaemonName      = "harp_aio"
	AIONetwork             = "nextcloud-aio"
	AIONextcloudContainer  = "nextcloud-aio-nextcloud"
	AIODockerSocketProxy   = "nextcloud-aio-docker-socket-proxy:2375"
	AIOHarpHost            = "nextcloud-aio-harp:8780"

	aioAPIPrefix = "api/docker/app_ecosystem_v2"
)

// AIODriver deploys ExApps through the Nextcloud AIO master container API,
// which owns the actual Docker calls
type AIODriver struct {
	settings Settings
}

// NewAIODriver creates the aio-docker-install driver
func NewAIODriver(settings Settings) *AIODriver {
	return &AIODriver{settings: settings.WithDefaults()}
}

// AcceptsDeployID implements Driver
func (a *AIODriver) AcceptsDeployID() types.DeployKind {
	return types.DeployKindAIO
}

// aioTrustedLocal reports whether TLS verification is skipped for the master
// container. Unset means trusted only for the default AIO daemon.
func aioTrustedLocal(daemon *types.DaemonConfig) bool {
	if daemon.DeployConfig.TrustedLocal != nil {
		return *daemon.DeployConfig.TrustedLocal
	}
	return daemon.Name == AIODaemonName
}

func aioBaseURL(daemon *types.DaemonConfig) string {
	if daemon.Name == AIODaemonName {
		return AIOMasterContainerHost
	}
	return daemonBaseURL(daemon)
}

// aioClient wraps the master container JSON API for one daemon
type aioClient struct {
	*harpClient
}

func (a *AIODriver) client(daemon *types.DaemonConfig) (*aioClient, error) {
	base := aioBaseURL(daemon)
	target := *daemon
	if strings.HasPrefix(base, "https://") {
		target.Protocol = types.ProtocolHTTPS
	}
	httpClient, err := newDaemonHTTPClient(a.settings, &target, aioTrustedLocal(daemon))
	if err != nil {
		return nil, err
	}
	return &aioClient{&harpClient{
		baseURL: base + "/" + aioAPIPrefix,
		client:  httpClient,
		timeout: a.settings.HTTPTimeout,
	}}, nil
}

// aioVolume is a volume entry of the AIO container schema
type aioVolume struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Writeable   bool   `json:"writeable"`
}

// AIOContainer is the declarative container document the master container accepts
type AIOContainer struct {
	ContainerName string      `json:"container_name"`
	DisplayName   string      `json:"display_name"`
	Image         string      `json:"image"`
	DependsOn     []string    `json:"depends_on"`
	Init          bool        `json:"init"`
	Secrets       []string    `json:"secrets"`
	Volumes       []aioVolume `json:"volumes"`
	Environment   []string    `json:"environment"`
	Devices       []string    `json:"devices"`
	Networks      []string    `json:"networks"`
	Restart       string      `json:"restart"`
	ReadOnly      bool        `json:"read_only"`
}

// NewAIOContainer converts deploy params into the AIO container document
func NewAIOContainer(params *types.DeployParams) AIOContainer {
	c := params.Container
	volumes := []aioVolume{{Source: VolumeName(c.Name), Destination: VolumeTarget(c.Name), Writeable: true}}
	for _, m := range c.Mounts {
		volumes = append(volumes, aioVolume{Source: m.Source, Destination: m.Target, Writeable: m.Mode != "ro"})
	}
	devices := c.Devices
	if devices == nil {
		devices = []string{}
	}
	netMode := c.NetworkMode
	if netMode == "" || netMode == types.NetworkHost {
		netMode = AIONetwork
	}
	return AIOContainer{
		ContainerName: c.Name,
		DisplayName:   ParseEnv(c.Env)[EnvAppDisplayName],
		Image:         params.Image.Ref(),
		DependsOn:     []string{AIONextcloudContainer},
		Init:          true,
		Secrets:       []string{},
		Volumes:       volumes,
		Environment:   c.Env,
		Devices:       devices,
		Networks:      []string{netMode},
		Restart:       "no",
		ReadOnly:      false,
	}
}

// aioInspect is the part of the master container inspect answer we read
type aioInspect struct {
	State struct {
		Status string `json:"Status"`
	} `json:"State"`
	Config struct {
		Env []string `json:"Env"`
	} `json:"Config"`
}

var errAIONotFound = errors.New("container not found")

func (c *aioClient) inspect(ctx context.Context, name string) (*aioInspect, error) {
	reply, err := c.do(ctx, http.MethodGet, "containers/"+name, nil, 0)
	if err != nil {
		return nil, err
	}
	if reply.Status == http.StatusNotFound {
		return nil, errAIONotFound
	}
	if reply.Status != http.StatusOK {
		return nil, fmt.Errorf("inspect container %s returned status %d: %s", name, reply.Status, reply.text())
	}
	var info aioInspect
	if err := reply.decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// BuildDeployParams implements Driver
func (a *AIODriver) BuildDeployParams(daemon *types.DaemonConfig, manifest *types.Manifest, opts types.DeployOptions) (*types.DeployParams, error) {
	params, err := buildContainerParams(a.settings, daemon, manifest, opts)
	if err != nil {
		return nil, err
	}
	params.SkipPull = false
	return params, nil
}

// DeployExApp implements Driver. An existing container is updated in place,
// otherwise a new one is created; the master container pulls the image.
func (a *AIODriver) DeployExApp(ctx context.Context, daemon *types.DaemonConfig, params *types.DeployParams, progress ProgressFunc) error {
	if params == nil {
		return stageErr(StageCreate, 0, false, errors.New("missing deploy params"))
	}
	name := params.Container.Name
	logger := log.WithOperation("aio", name, daemon.Name, "deploy")

	c, err := a.client(daemon)
	if err != nil {
		return stageErr(StageCheckExists, 0, false, err)
	}

	progress.report(0)
	route := "containers"
	if _, err := c.inspect(ctx, name); err == nil {
		route = "containers/" + name + "/update"
	} else if !errors.Is(err, errAIONotFound) {
		logger.Error().Err(err).Msg("inspect failed")
		return stageErr(StageCheckExists, 0, false, err)
	}

	body := map[string]AIOContainer{"container": NewAIOContainer(params)}
	reply, err := c.post(ctx, route, body, 0)
	if err != nil {
		return stageErr(StageCreate, 0, false, fmt.Errorf("failed to reach AIO master container: %w", err))
	}
	if reply.Status/100 != 2 {
		logger.Error().Int("status", reply.Status).Str("body", reply.text()).Msg("create failed")
		return stageErr(StageCreate, 0, true, fmt.Errorf("AIO master container returned status %d: %s", reply.Status, reply.text()))
	}

	progress.report(50)
	if err := a.waitRunning(ctx, c, name); err != nil {
		logger.Error().Err(err).Msg("container did not start")
		return stageErr(StageWaitReady, 50, true, err)
	}

	progress.report(100)
	logger.Info().Str("image", params.Image.Ref()).Msg("ExApp deployed through AIO")
	return nil
}

func (a *AIODriver) waitRunning(ctx context.Context, c *aioClient, name string) error {
	check := health.CheckFunc(func(ctx context.Context) (bool, string) {
		info, err := c.inspect(ctx, name)
		if err != nil {
			return false, err.Error()
		}
		return info.State.Status == "running", "container is " + info.State.Status
	})
	if err := a.settings.Poller.Poll(ctx, check); err != nil {
		return fmt.Errorf("container %s %w: %v", name, ErrNotReady, err)
	}
	return nil
}

// WaitReady implements Driver
func (a *AIODriver) WaitReady(ctx context.Context, daemon *types.DaemonConfig, appID string) error {
	c, err := a.client(daemon)
	if err != nil {
		return err
	}
	return a.waitRunning(ctx, c, appID)
}

// InspectEnv implements Driver
func (a *AIODriver) InspectEnv(ctx context.Context, daemon *types.DaemonConfig, appID string) (map[string]string, error) {
	c, err := a.client(daemon)
	if err != nil {
		return nil, err
	}
	info, err := c.inspect(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect ExApp %s container: %w", appID, err)
	}
	return ExtractRequiredEnvs(ParseEnv(info.Config.Env)), nil
}

// LoadExAppInfo implements Driver
func (a *AIODriver) LoadExAppInfo(ctx context.Context, daemon *types.DaemonConfig, appID string, _ *types.DeployParams) (*types.ExAppInfo, error) {
	env, err := a.InspectEnv(ctx, daemon, appID)
	if err != nil {
		return nil, err
	}
	return infoFromEnv(appID, env, a.ResolveDeployExAppHost(appID, daemon))
}

// ResolveDeployExAppHost implements Driver
func (a *AIODriver) ResolveDeployExAppHost(appID string, daemon *types.DaemonConfig) string {
	return resolveDeployExAppHost(appID, daemon)
}

// ResolveExAppURL implements Driver
func (a *AIODriver) ResolveExAppURL(daemon *types.DaemonConfig, app *types.ExApp) (string, *BasicAuth, error) {
	return resolveExAppURL(a.settings, daemon, app)
}

// RemoveExApp implements Driver
func (a *AIODriver) RemoveExApp(ctx context.Context, daemon *types.DaemonConfig, appID string, removeData bool) error {
	logger := log.WithOperation("aio", appID, daemon.Name, "remove")
	c, err := a.client(daemon)
	if err != nil {
		return err
	}

	reply, err := c.do(ctx, http.MethodDelete, "containers/"+appID, nil, 0)
	if err != nil {
		return fmt.Errorf("failed to reach AIO master container: %w", err)
	}
	if reply.Status/100 != 2 && reply.Status != http.StatusNotFound {
		logger.Error().Int("status", reply.Status).Str("body", reply.text()).Msg("remove failed")
		return fmt.Errorf("failed to remove container %s (status %d): %s", appID, reply.Status, reply.text())
	}

	if removeData {
		reply, err := c.do(ctx, http.MethodDelete, "volumes", map[string]string{"volume": VolumeName(appID)}, 0)
		if err != nil {
			return fmt.Errorf("failed to reach AIO master container: %w", err)
		}
		if reply.Status/100 != 2 && reply.Status != http.StatusNotFound {
			return fmt.Errorf("failed to remove volume %s (status %d): %s", VolumeName(appID), reply.Status, reply.text())
		}
	}
	return nil
}

// Ping implements Driver
func (a *AIODriver) Ping(ctx context.Context, daemon *types.DaemonConfig) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	c, err := a.client(daemon)
	if err != nil {
		return err
	}
	reply, err := c.do(ctx, http.MethodGet, "_ping", nil, 0)
	if err != nil {
		return fmt.Errorf("AIO master container did not answer: %w", err)
	}
	if reply.Status != http.StatusOK {
		return fmt.Errorf("AIO master container answered ping with status %d", reply.Status)
	}
	return nil
}

// DetectAIO reports whether this host runs inside Nextcloud AIO: the flag is
// set, THIS_IS_AIO is true or an AIO_TOKEN is present
func DetectAIO(flag bool, lookupEnv func(string) (string, bool)) bool {
	if flag {
		return true
	}
	if v, ok := lookupEnv("THIS_IS_AIO"); ok {
		if b, err := strconv.ParseBool(v); err == nil && b {
			return true
		}
	}
	token, _ := lookupEnv("AIO_TOKEN")
	return token != ""
}

func envEnabled(lookupEnv func(string) (string, bool), name string) bool {
	v, _ := lookupEnv(name)
	switch strings.ToLower(v) {
	case "yes", "true", "1":
		return true
	}
	return false
}

// AIODaemons returns the daemons an AIO host registers by default: the
// docker socket proxy and, when enabled with a shared key, HaRP. The HaRP
// shared key is returned in plaintext and must be encrypted on registration.
func AIODaemons(lookupEnv func(string) (string, bool)) []*types.DaemonConfig {
	domain, _ := lookupEnv("NC_DOMAIN")
	nextcloudURL := "https://" + domain
	cpu := &types.ComputeDevice{ID: "cpu", Label: "CPU"}

	daemons := []*types.DaemonConfig{{
		Name:            AIODaemonName,
		DisplayName:     "AIO Docker Socket Proxy",
		AcceptsDeployID: types.DeployKindDocker,
		Protocol:        types.ProtocolHTTP,
		Host:            AIODockerSocketProxy,
		DeployConfig: types.DeployConfig{
			Net:           AIONetwork,
			NextcloudURL:  nextcloudURL,
			ComputeDevice: cpu,
		},
	}}

	key, _ := lookupEnv("HP_SHARED_KEY")
	if envEnabled(lookupEnv, "HARP_ENABLED") && key != "" {
		daemons = append(daemons, &types.DaemonConfig{
			Name:            AIOHarpDaemonName,
			DisplayName:     "AIO HaRP",
			AcceptsDeployID: types.DeployKindDocker,
			Protocol:        types.ProtocolHTTP,
			Host:            AIOHarpHost,
			DeployConfig: types.DeployConfig{
				Net:             AIONetwork,
				NextcloudURL:    nextcloudURL,
				HaproxyPassword: key,
				Harp:            &types.HarpConfig{ExAppDirect: true},
				ComputeDevice:   cpu,
			},
		})
	}
	return daemons
}
