package types

import (
	"fmt"
	"strings"
	"time"
)

// DeployKind selects the driver that handles a daemon
type DeployKind string

const (
	DeployKindDocker     DeployKind = "docker-install"
	DeployKindAIO        DeployKind = "aio-docker-install"
	DeployKindKubernetes DeployKind = "kubernetes-install"
	DeployKindManual     DeployKind = "manual-install"
)

// DaemonProtocol is the transport used to reach a daemon
type DaemonProtocol string

const (
	ProtocolUnixSocket DaemonProtocol = "unix-socket"
	ProtocolHTTP       DaemonProtocol = "http"
	ProtocolHTTPS      DaemonProtocol = "https"
)

// Network modes with special meaning for container drivers
const (
	NetworkHost   = "host"
	NetworkBridge = "bridge"
)

// DaemonConfig describes one remote deployment target
type DaemonConfig struct {
	Name            string         `json:"name" yaml:"name" validate:"required,max=255"`
	DisplayName     string         `json:"display_name" yaml:"display_name"`
	AcceptsDeployID DeployKind     `json:"accepts_deploy_id" yaml:"accepts_deploy_id" validate:"required,oneof=docker-install aio-docker-install kubernetes-install manual-install"`
	Protocol        DaemonProtocol `json:"protocol" yaml:"protocol" validate:"required,oneof=unix-socket http https"`
	Host            string         `json:"host" yaml:"host" validate:"required"`
	DeployConfig    DeployConfig   `json:"deploy_config" yaml:"deploy_config"`
	CreatedAt       time.Time      `json:"created_at" yaml:"-"`
}

// DeployConfig is the free-form deployment blob attached to a daemon
type DeployConfig struct {
	Net               string            `json:"net,omitempty" yaml:"net,omitempty"`
	NextcloudURL      string            `json:"nextcloud_url,omitempty" yaml:"nextcloud_url,omitempty"`
	HaproxyPassword   string            `json:"haproxy_password,omitempty" yaml:"haproxy_password,omitempty"` // encrypted at rest
	SSLKey            string            `json:"ssl_key,omitempty" yaml:"ssl_key,omitempty"`
	SSLKeyPassword    string            `json:"ssl_key_password,omitempty" yaml:"ssl_key_password,omitempty"`
	SSLCert           string            `json:"ssl_cert,omitempty" yaml:"ssl_cert,omitempty"`
	ComputeDevice     *ComputeDevice    `json:"computeDevice,omitempty" yaml:"computeDevice,omitempty"`
	Devices           []string          `json:"devices,omitempty" yaml:"devices,omitempty"`
	ResourceLimits    *ResourceLimits   `json:"resourceLimits,omitempty" yaml:"resourceLimits,omitempty"`
	Registries        []RegistryMapping `json:"registries,omitempty" yaml:"registries,omitempty" validate:"dive"`
	Harp              *HarpConfig       `json:"harp,omitempty" yaml:"harp,omitempty"`
	Kubernetes        *KubernetesConfig `json:"kubernetes,omitempty" yaml:"kubernetes,omitempty"`
	AdditionalOptions map[string]string `json:"additional_options,omitempty" yaml:"additional_options,omitempty"`
	TrustedLocal      *bool             `json:"trusted_local,omitempty" yaml:"trusted_local,omitempty"`
}

// ComputeDevice selects GPU passthrough for ExApp containers
type ComputeDevice struct {
	ID    string `json:"id" yaml:"id" validate:"oneof=cpu cuda rocm"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// ResourceLimits caps ExApp container resources
type ResourceLimits struct {
	Memory   int64 `json:"memory,omitempty" yaml:"memory,omitempty"`     // bytes
	NanoCPUs int64 `json:"nanoCPUs,omitempty" yaml:"nanoCPUs,omitempty"` // 1e9 = one CPU
}

// RegistryMapping rewrites image registries before pulling
type RegistryMapping struct {
	From string `json:"from" yaml:"from" validate:"required"`
	To   string `json:"to" yaml:"to" validate:"required"`
}

// RegistryLocal as a mapping target means "image is already present, skip pull"
const RegistryLocal = "local"

// HarpConfig is present when the daemon is fronted by HaRP
type HarpConfig struct {
	FRPAddress       string `json:"frp_address,omitempty" yaml:"frp_address,omitempty"`
	DockerSocketPort int    `json:"docker_socket_port,omitempty" yaml:"docker_socket_port,omitempty"`
	ExAppDirect      bool   `json:"exapp_direct,omitempty" yaml:"exapp_direct,omitempty"`
}

// KubernetesConfig holds the Service exposure parameters passed to HaRP verbatim
type KubernetesConfig struct {
	ExposeType            string `json:"expose_type,omitempty" yaml:"expose_type,omitempty"`
	UpstreamHost          string `json:"upstream_host,omitempty" yaml:"upstream_host,omitempty"`
	NodePort              *int   `json:"node_port,omitempty" yaml:"node_port,omitempty"`
	ExternalTrafficPolicy string `json:"external_traffic_policy,omitempty" yaml:"external_traffic_policy,omitempty"`
	LoadBalancerIP        string `json:"load_balancer_ip,omitempty" yaml:"load_balancer_ip,omitempty"`
	NodeAddressType       string `json:"node_address_type,omitempty" yaml:"node_address_type,omitempty"`
}

// IsHarp reports whether the daemon is reached through HaRP
func (d *DaemonConfig) IsHarp() bool {
	return d.DeployConfig.Harp != nil
}

// IsHarpDirectConnect reports whether ExApps are reached directly even though HaRP fronts the daemon
func (d *DaemonConfig) IsHarpDirectConnect() bool {
	return d.DeployConfig.Harp != nil && d.DeployConfig.Harp.ExAppDirect
}

// NetworkMode returns the configured container network, defaulting to host
func (d *DaemonConfig) NetworkMode() string {
	if d.DeployConfig.Net == "" {
		return NetworkHost
	}
	return d.DeployConfig.Net
}

// ComputeDeviceID returns the compute device id, defaulting to cpu
func (d *DaemonConfig) ComputeDeviceID() string {
	if d.DeployConfig.ComputeDevice == nil || d.DeployConfig.ComputeDevice.ID == "" {
		return "cpu"
	}
	return d.DeployConfig.ComputeDevice.ID
}

// IsLocalSocket reports whether Host is a unix socket path
func (d *DaemonConfig) IsLocalSocket() bool {
	return d.Protocol == ProtocolUnixSocket || strings.HasPrefix(d.Host, "/")
}

// AccessLevel gates who may call an ExApp route through the proxy
type AccessLevel int

const (
	AccessPublic AccessLevel = 0
	AccessUser   AccessLevel = 1
	AccessAdmin  AccessLevel = 2
)

func (a AccessLevel) String() string {
	switch a {
	case AccessPublic:
		return "PUBLIC"
	case AccessUser:
		return "USER"
	case AccessAdmin:
		return "ADMIN"
	default:
		return fmt.Sprintf("AccessLevel(%d)", int(a))
	}
}

// ParseAccessLevel accepts both the numeric and the named form
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "0", "PUBLIC":
		return AccessPublic, nil
	case "1", "USER", "":
		return AccessUser, nil
	case "2", "ADMIN":
		return AccessAdmin, nil
	default:
		return 0, fmt.Errorf("unknown access level: %s", s)
	}
}

// Route is an HTTP route an ExApp registers for itself
type Route struct {
	URL                  string      `json:"url" yaml:"url" validate:"required"`
	Verb                 string      `json:"verb" yaml:"verb" validate:"required"`
	AccessLevel          AccessLevel `json:"access_level" yaml:"access_level" validate:"gte=0,lte=2"`
	HeadersToExclude     []string    `json:"headers_to_exclude,omitempty" yaml:"headers_to_exclude,omitempty"`
	BruteforceProtection []int       `json:"bruteforce_protection,omitempty" yaml:"bruteforce_protection,omitempty"`
}

// ExApp is a registered external application
type ExApp struct {
	AppID            string     `json:"appid"`
	Version          string     `json:"version"`
	Name             string     `json:"name"`
	DaemonConfigName string     `json:"daemon_config_name"`
	AcceptsDeployID  DeployKind `json:"accepts_deploy_id"`
	Protocol         string     `json:"protocol"`
	Host             string     `json:"host"`
	Port             int        `json:"port"`
	Secret           string     `json:"secret"`
	Status           Status     `json:"status"`
	Enabled          bool       `json:"enabled"`
	IsSystem         bool       `json:"is_system"`
	Routes           []Route    `json:"routes,omitempty"`
	// ServiceRoles is set for Kubernetes ExApps deployed as several Deployments
	ServiceRoles  []ServiceRole `json:"k8s_service_roles,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	LastCheckTime time.Time     `json:"last_check_time"`
}

// Scope is a permission group granted to an ExApp
type Scope struct {
	AppID    string `json:"appid"`
	Name     string `json:"name"`
	Optional bool   `json:"optional"`
}

// ImageParams are the resolved image coordinates of a deployment
type ImageParams struct {
	Registry string `json:"image_src"`
	Image    string `json:"image_name"`
	Tag      string `json:"image_tag"`
}

// Ref returns the full image reference registry/image:tag
func (p ImageParams) Ref() string {
	if p.Registry == "" {
		return fmt.Sprintf("%s:%s", p.Image, p.Tag)
	}
	return fmt.Sprintf("%s/%s:%s", p.Registry, p.Image, p.Tag)
}

// ContainerParams describe the container or pod to create
type ContainerParams struct {
	Name           string          `json:"name"`
	Hostname       string          `json:"hostname"`
	Port           int             `json:"port"`
	NetworkMode    string          `json:"net"`
	Env            []string        `json:"env"`
	Devices        []string        `json:"devices,omitempty"`
	ComputeDevice  *ComputeDevice  `json:"computeDevice,omitempty"`
	ResourceLimits *ResourceLimits `json:"resourceLimits,omitempty"`
	Mounts         []Mount         `json:"mounts,omitempty"`
}

// DeployParams are built fresh for every deploy or update call
type DeployParams struct {
	Image     ImageParams     `json:"image_params"`
	Container ContainerParams `json:"container_params"`
	SkipPull  bool            `json:"skip_pull,omitempty"`
	// ServiceRoles is only used by the Kubernetes driver
	ServiceRoles []ServiceRole `json:"k8s_service_roles,omitempty"`
}

// DeployOptions carries caller-supplied and update-time inputs to BuildDeployParams
type DeployOptions struct {
	// PreviousEnv is the inspected environment of the running instance on update
	PreviousEnv map[string]string
	// EnvOverrides replace manifest environment-variable defaults
	EnvOverrides map[string]string
	// RotateSecret discards the previous APP_SECRET
	RotateSecret bool
	// Secret and Port are used when no previous value is preserved
	Secret string
	Port   int
	// JSONInfo is the operator-supplied identity of a manual-install ExApp
	JSONInfo []byte
}

// ExAppInfo is the identity reconstructed from a running instance
type ExAppInfo struct {
	AppID       string `json:"appid"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Secret      string `json:"secret"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	IsSystemApp bool   `json:"system_app"`
}
