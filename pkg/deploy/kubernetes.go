package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/nextcloud/app-api-sub001/pkg/log"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

const k8sRoute = "k8s/exapp"

// Defaults HaRP applies when a Kubernetes daemon leaves them unset
const (
	DefaultExposeType      = "clusterip"
	DefaultNodeAddressType = "InternalIP"
)

// ErrNoExposedRole is returned when a multi-role ExApp marks no role for exposure
var ErrNoExposedRole = errors.New("no exposed roles found in k8s-service-roles configuration")

// RoleLookup returns the service roles an ExApp was deployed with
type RoleLookup func(appID string) []types.ServiceRole

// KubernetesDriver deploys ExApps to a Kubernetes cluster through HaRP's
// k8s routes. Each ExApp is one Deployment, or one per service role.
type KubernetesDriver struct {
	settings Settings
	roles    RoleLookup
}

// NewKubernetesDriver creates the kubernetes-install driver
func NewKubernetesDriver(settings Settings) *KubernetesDriver {
	return &KubernetesDriver{settings: settings.WithDefaults()}
}

// WithRoleLookup makes lifecycle calls address every role of multi-role ExApps
func (k *KubernetesDriver) WithRoleLookup(fn RoleLookup) *KubernetesDriver {
	k.roles = fn
	return k
}

// AcceptsDeployID implements Driver
func (k *KubernetesDriver) AcceptsDeployID() types.DeployKind {
	return types.DeployKindKubernetes
}

func (k *KubernetesDriver) agent(daemon *types.DaemonConfig, appID, op string) (*harpAgent, zerolog.Logger, error) {
	logger := log.WithOperation("kubernetes", appID, daemon.Name, op)
	h, err := newHarpClient(k.settings, daemon)
	if err != nil {
		return nil, logger, err
	}
	return newHarpAgent(h, k8sRoute, "K8s", logger), logger, nil
}

// roleNames returns the role suffixes of an ExApp, or a single "" for
// single-deployment ExApps
func (k *KubernetesDriver) roleNames(appID string) []string {
	if k.roles != nil {
		if roles := k.roles(appID); len(roles) > 0 {
			names := make([]string, 0, len(roles))
			for _, r := range roles {
				names = append(names, r.Name)
			}
			return names
		}
	}
	return []string{""}
}

// BuildDeployParams implements Driver. Pods always use the bridge network
// and host mounts are not supported.
func (k *KubernetesDriver) BuildDeployParams(daemon *types.DaemonConfig, manifest *types.Manifest, opts types.DeployOptions) (*types.DeployParams, error) {
	params, err := buildContainerParams(k.settings, daemon, manifest, opts)
	if err != nil {
		return nil, err
	}
	params.Container.NetworkMode = types.NetworkBridge
	params.Container.Mounts = nil
	params.SkipPull = false
	params.ServiceRoles = append([]types.ServiceRole(nil), manifest.ServiceRoles...)
	return params, nil
}

// k8sCreatePayload is the body of k8s/exapp/create
type k8sCreatePayload struct {
	namePayload
	Image                string                `json:"image"`
	EnvironmentVariables []string              `json:"environment_variables"`
	ComputeDevice        string                `json:"compute_device"`
	ResourceLimits       *types.ResourceLimits `json:"resource_limits,omitempty"`
}

func newK8sCreatePayload(params *types.DeployParams, role, roleEnv string) k8sCreatePayload {
	c := params.Container
	env := append([]string{}, c.Env...)
	if roleEnv != "" {
		env = append(env, roleEnv)
	}
	device := "cpu"
	if c.ComputeDevice != nil && c.ComputeDevice.ID != "" {
		device = c.ComputeDevice.ID
	}
	var limits *types.ResourceLimits
	if l := c.ResourceLimits; l != nil && (l.Memory != 0 || l.NanoCPUs != 0) {
		limits = l
	}
	return k8sCreatePayload{
		namePayload:          namePayload{Name: c.Name, RoleSuffix: role},
		Image:                params.Image.Ref(),
		EnvironmentVariables: env,
		ComputeDevice:        device,
		ResourceLimits:       limits,
	}
}

// DeployExApp implements Driver
func (k *KubernetesDriver) DeployExApp(ctx context.Context, daemon *types.DaemonConfig, params *types.DeployParams, progress ProgressFunc) error {
	if params == nil {
		return stageErr(StageCreate, 0, false, errors.New("missing deploy params"))
	}
	agent, logger, err := k.agent(daemon, params.Container.Name, "deploy")
	if err != nil {
		return stageErr(StageCheckExists, 0, false, err)
	}
	if len(params.ServiceRoles) == 0 {
		return k.deploySingle(ctx, agent, params, progress, logger)
	}
	return k.deployRoles(ctx, agent, params, progress, logger)
}

func (k *KubernetesDriver) deploySingle(ctx context.Context, agent *harpAgent, params *types.DeployParams, progress ProgressFunc, logger zerolog.Logger) error {
	name := params.Container.Name

	progress.report(0)
	exists, _, err := agent.exists(ctx, name, "")
	if err != nil {
		return stageErr(StageCheckExists, 0, false, err)
	}
	mutated := false
	if exists {
		logger.Info().Msg("K8s deployment exists, removing for clean install")
		if err := agent.remove(ctx, name, "", false); err != nil {
			return stageErr(StageRemove, 0, false, err)
		}
		mutated = true
	}

	progress.report(50)
	if err := agent.create(ctx, name, "", newK8sCreatePayload(params, "", "")); err != nil {
		return stageErr(StageCreate, 50, mutated, err)
	}

	progress.report(70)
	if err := agent.toggle(ctx, "start", name, "", false); err != nil {
		return stageErr(StageStart, 70, true, err)
	}

	progress.report(80)
	agent.installCertificates(ctx, name, "", k.settings.CABundlePath, false, k.settings.InstallCertsTimeout)

	progress.report(90)
	if err := agent.waitForStart(ctx, name, "", k.settings.WaitForStartTimeout); err != nil {
		return stageErr(StageWaitReady, 90, true, err)
	}

	progress.report(100)
	logger.Info().Str("image", params.Image.Ref()).Msg("ExApp deployed to Kubernetes")
	return nil
}

// deployRoles creates one Deployment per service role. Progress: 20 once
// old roles are gone, up to 80 while roles are created, 100 when all run.
func (k *KubernetesDriver) deployRoles(ctx context.Context, agent *harpAgent, params *types.DeployParams, progress ProgressFunc, logger zerolog.Logger) error {
	name := params.Container.Name
	roles := params.ServiceRoles
	total := len(roles)
	logger.Info().Int("roles", total).Msg("deploying ExApp with K8s service roles")

	progress.report(0)
	mutated := false
	for _, role := range roles {
		exists, _, err := agent.exists(ctx, name, role.Name)
		if err != nil {
			return stageErr(StageCheckExists, 0, mutated, err)
		}
		if !exists {
			continue
		}
		if err := agent.remove(ctx, name, role.Name, false); err != nil {
			return stageErr(StageRemove, 0, mutated, err)
		}
		mutated = true
	}
	progress.report(20)

	for i, role := range roles {
		logger.Info().Str("role", role.Name).Int("index", i+1).Int("total", total).Msg("creating K8s deployment for role")
		if err := agent.create(ctx, name, role.Name, newK8sCreatePayload(params, role.Name, role.Env)); err != nil {
			return stageErr(StageCreate, 20, mutated || i > 0, err)
		}
		mutated = true
		if err := agent.toggle(ctx, "start", name, role.Name, false); err != nil {
			return stageErr(StageStart, 20, true, err)
		}
		agent.installCertificates(ctx, name, role.Name, k.settings.CABundlePath, false, k.settings.InstallCertsTimeout)

		p := 20 + (i+1)*60/total
		if p > 80 {
			p = 80
		}
		progress.report(p)
	}
	progress.report(80)

	for _, role := range roles {
		if err := agent.waitForStart(ctx, name, role.Name, k.settings.WaitForStartTimeout); err != nil {
			return stageErr(StageWaitReady, 80, true, fmt.Errorf("role %q: %w", role.Name, err))
		}
	}

	progress.report(100)
	logger.Info().Str("image", params.Image.Ref()).Msg("multi-role ExApp deployed to Kubernetes")
	return nil
}

// existsReply is the k8s/exapp/exists answer including the deployed env
type existsReply struct {
	Exists               bool     `json:"exists"`
	EnvironmentVariables []string `json:"environment_variables"`
}

// InspectEnv implements Driver. The environment is read from the first
// role of multi-role ExApps.
func (k *KubernetesDriver) InspectEnv(ctx context.Context, daemon *types.DaemonConfig, appID string) (map[string]string, error) {
	agent, _, err := k.agent(daemon, appID, "inspect")
	if err != nil {
		return nil, err
	}
	role := k.roleNames(appID)[0]
	exists, reply, err := agent.exists(ctx, appID, role)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("K8s ExApp %q does not exist", logName(appID, role))
	}
	var data existsReply
	if err := reply.decode(&data); err != nil {
		return nil, err
	}
	if data.EnvironmentVariables == nil {
		return nil, fmt.Errorf("HaRP did not report the environment of K8s ExApp %q", logName(appID, role))
	}
	return ExtractRequiredEnvs(ParseEnv(data.EnvironmentVariables)), nil
}

// LoadExAppInfo implements Driver
func (k *KubernetesDriver) LoadExAppInfo(ctx context.Context, daemon *types.DaemonConfig, appID string, _ *types.DeployParams) (*types.ExAppInfo, error) {
	env, err := k.InspectEnv(ctx, daemon, appID)
	if err != nil {
		return nil, err
	}
	return infoFromEnv(appID, env, k.ResolveDeployExAppHost(appID, daemon))
}

// ResolveDeployExAppHost implements Driver. Pods are addressed by their
// Service name, which is the app id.
func (k *KubernetesDriver) ResolveDeployExAppHost(appID string, _ *types.DaemonConfig) string {
	return appID
}

// ResolveExAppURL implements Driver. Kubernetes ExApps are always routed
// through HaRP.
func (k *KubernetesDriver) ResolveExAppURL(daemon *types.DaemonConfig, app *types.ExApp) (string, *BasicAuth, error) {
	return harpExAppURL(k.settings, daemon, app.AppID), nil, nil
}

// WaitReady implements Driver
func (k *KubernetesDriver) WaitReady(ctx context.Context, daemon *types.DaemonConfig, appID string) error {
	agent, _, err := k.agent(daemon, appID, "wait")
	if err != nil {
		return err
	}
	for _, role := range k.roleNames(appID) {
		if err := agent.waitForStart(ctx, appID, role, k.settings.WaitForStartTimeout); err != nil {
			return err
		}
	}
	return nil
}

// RemoveExApp implements Driver
func (k *KubernetesDriver) RemoveExApp(ctx context.Context, daemon *types.DaemonConfig, appID string, removeData bool) error {
	agent, _, err := k.agent(daemon, appID, "remove")
	if err != nil {
		return err
	}
	for _, role := range k.roleNames(appID) {
		if err := agent.remove(ctx, appID, role, removeData); err != nil {
			return err
		}
	}
	return nil
}

// StartExApp implements Toggler
func (k *KubernetesDriver) StartExApp(ctx context.Context, daemon *types.DaemonConfig, appID string, ignoreIfAlready bool) error {
	return k.toggleAll(ctx, daemon, appID, "start", ignoreIfAlready)
}

// StopExApp implements Toggler
func (k *KubernetesDriver) StopExApp(ctx context.Context, daemon *types.DaemonConfig, appID string, ignoreIfAlready bool) error {
	return k.toggleAll(ctx, daemon, appID, "stop", ignoreIfAlready)
}

func (k *KubernetesDriver) toggleAll(ctx context.Context, daemon *types.DaemonConfig, appID, action string, ignoreIfAlready bool) error {
	agent, _, err := k.agent(daemon, appID, action)
	if err != nil {
		return err
	}
	for _, role := range k.roleNames(appID) {
		if err := agent.toggle(ctx, action, appID, role, ignoreIfAlready); err != nil {
			return err
		}
	}
	return nil
}

// exposePayload is the body of k8s/exapp/expose
type exposePayload struct {
	namePayload
	Port                  int     `json:"port"`
	ExposeType            string  `json:"expose_type"`
	UpstreamHost          *string `json:"upstream_host"`
	NodePort              *int    `json:"node_port"`
	ExternalTrafficPolicy *string `json:"external_traffic_policy"`
	LoadBalancerIP        *string `json:"load_balancer_ip"`
	NodeAddressType       string  `json:"node_address_type"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func newExposePayload(daemon *types.DaemonConfig, appID, role string, port int) exposePayload {
	cfg := types.KubernetesConfig{}
	if daemon.DeployConfig.Kubernetes != nil {
		cfg = *daemon.DeployConfig.Kubernetes
	}
	p := exposePayload{
		namePayload:           namePayload{Name: appID, RoleSuffix: role},
		Port:                  port,
		ExposeType:            cfg.ExposeType,
		UpstreamHost:          optional(cfg.UpstreamHost),
		NodePort:              cfg.NodePort,
		ExternalTrafficPolicy: optional(cfg.ExternalTrafficPolicy),
		LoadBalancerIP:        optional(cfg.LoadBalancerIP),
		NodeAddressType:       cfg.NodeAddressType,
	}
	if p.ExposeType == "" {
		p.ExposeType = DefaultExposeType
	}
	if p.NodeAddressType == "" {
		p.NodeAddressType = DefaultNodeAddressType
	}
	return p
}

// ExposeExApp implements Exposer. For multi-role ExApps the first role
// marked expose is published.
func (k *KubernetesDriver) ExposeExApp(ctx context.Context, daemon *types.DaemonConfig, appID string, port int) (*ExposeResult, error) {
	agent, logger, err := k.agent(daemon, appID, "expose")
	if err != nil {
		return nil, err
	}

	role := ""
	if k.roles != nil {
		if roles := k.roles(appID); len(roles) > 0 {
			found := false
			for _, r := range roles {
				if r.Expose {
					role, found = r.Name, true
					break
				}
			}
			if !found {
				return nil, ErrNoExposedRole
			}
		}
	}

	reply, err := agent.post(ctx, agent.route("expose"), newExposePayload(daemon, appID, role, port), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to communicate with HaRP to expose K8s ExApp %q: %w", logName(appID, role), err)
	}
	if reply.Status != http.StatusOK {
		logger.Error().Int("status", reply.Status).Str("body", reply.text()).Msg("expose failed")
		return nil, fmt.Errorf("failed to expose K8s ExApp %q (status %d). Details: %s", logName(appID, role), reply.Status, reply.text())
	}
	var result ExposeResult
	if err := reply.decode(&result); err != nil {
		return nil, fmt.Errorf("invalid JSON response from HaRP k8s/exapp/expose for ExApp %q", logName(appID, role))
	}
	logger.Info().Str("host", result.Host).Int("port", result.Port).Msg("K8s ExApp exposed")
	return &result, nil
}

// Ping implements Driver
func (k *KubernetesDriver) Ping(ctx context.Context, daemon *types.DaemonConfig) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return harpPing(ctx, k.settings, daemon)
}
