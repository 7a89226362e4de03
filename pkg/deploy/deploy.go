package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nextcloud/app-api-sub001/pkg/health"
	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// ErrNotReady is returned when an ExApp instance was created but never
// reported ready
var ErrNotReady = errors.New("did not become ready")

// ErrUnknownDeployKind is returned when no driver accepts a daemon's deploy id
var ErrUnknownDeployKind = errors.New("no driver accepts deploy id")

// ErrAlreadyInState is returned by Toggler implementations when the instance
// is already started/stopped and ignoreIfAlready was not set
var ErrAlreadyInState = errors.New("already in requested state")

// Deploy stages, in the order the container drivers run them
const (
	StagePull        = "pull"
	StageCheckExists = "check-exists"
	StageRemove      = "remove-existing"
	StageCreate      = "create"
	StageStart       = "start"
	StageCerts       = "install-certificates"
	StageWaitReady   = "wait-ready"
)

// StageError reports the step of a multi-step deploy that failed and the
// progress that had been reached
type StageError struct {
	Stage    string
	Progress int
	Err      error

	mutated bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed at %d%%: %v", e.Stage, e.Progress, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// MutatedRemote reports whether the daemon state had already been changed
// (an old instance removed or a new one created) when the stage failed
func (e *StageError) MutatedRemote() bool {
	return e.mutated
}

func stageErr(stage string, progress int, mutated bool, err error) *StageError {
	return &StageError{Stage: stage, Progress: progress, Err: err, mutated: mutated}
}

// ProgressFunc receives deploy progress in percent
type ProgressFunc func(progress int)

func (f ProgressFunc) report(progress int) {
	if f != nil {
		f(progress)
	}
}

// BasicAuth is the credential pair needed to reach an ExApp behind HAProxy/HaRP
type BasicAuth struct {
	Username string
	Password string
}

// Driver is implemented once per deploy kind
type Driver interface {
	// AcceptsDeployID is the discriminator this driver handles
	AcceptsDeployID() types.DeployKind

	// BuildDeployParams derives image coordinates and the container
	// environment from a manifest. It performs no I/O.
	BuildDeployParams(daemon *types.DaemonConfig, manifest *types.Manifest, opts types.DeployOptions) (*types.DeployParams, error)

	// DeployExApp runs the remote create and start sequence, ending when the
	// instance is running. Failures are returned as *StageError.
	DeployExApp(ctx context.Context, daemon *types.DaemonConfig, params *types.DeployParams, progress ProgressFunc) error

	// LoadExAppInfo reconstructs the ExApp identity from what the daemon
	// reports. params is the deployment input when known and may be nil.
	LoadExAppInfo(ctx context.Context, daemon *types.DaemonConfig, appID string, params *types.DeployParams) (*types.ExAppInfo, error)

	// ResolveDeployExAppHost returns the host the ExApp is reachable at
	ResolveDeployExAppHost(appID string, daemon *types.DaemonConfig) string

	// ResolveExAppURL returns the base URL requests to a registered ExApp go to
	ResolveExAppURL(daemon *types.DaemonConfig, app *types.ExApp) (string, *BasicAuth, error)

	// InspectEnv returns the whitelisted environment of the running instance
	InspectEnv(ctx context.Context, daemon *types.DaemonConfig, appID string) (map[string]string, error)

	// WaitReady blocks until the instance runs or the driver's poll bounds are exhausted
	WaitReady(ctx context.Context, daemon *types.DaemonConfig, appID string) error

	// RemoveExApp deletes the instance and, when removeData is set, its data
	RemoveExApp(ctx context.Context, daemon *types.DaemonConfig, appID string, removeData bool) error

	// Ping checks that the daemon answers
	Ping(ctx context.Context, daemon *types.DaemonConfig) error
}

// Toggler is implemented by drivers that can start and stop an instance
// without redeploying it
type Toggler interface {
	StartExApp(ctx context.Context, daemon *types.DaemonConfig, appID string, ignoreIfAlready bool) error
	StopExApp(ctx context.Context, daemon *types.DaemonConfig, appID string, ignoreIfAlready bool) error
}

// ExposeResult is where an exposed ExApp can be reached
type ExposeResult struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Exposer is implemented by drivers that publish an ExApp as a service
type Exposer interface {
	ExposeExApp(ctx context.Context, daemon *types.DaemonConfig, appID string, port int) (*ExposeResult, error)
}

// Settings are the host-wide inputs shared by every driver
type Settings struct {
	// AppAPIVersion is advertised to ExApps as AE_VERSION
	AppAPIVersion string
	// NextcloudURL is used when a daemon does not set nextcloud_url
	NextcloudURL string
	// CABundlePath verifies https daemons and is installed into ExApps
	CABundlePath string
	// Secrets decrypts daemon shared keys stored at rest
	Secrets *security.SecretsManager

	HTTPTimeout         time.Duration
	WaitForStartTimeout time.Duration
	InstallCertsTimeout time.Duration

	// Poller bounds the container running check
	Poller *health.Poller
	// HealthcheckPoller bounds the wait for the image HEALTHCHECK
	HealthcheckPoller *health.Poller
}

// DefaultSettings returns the settings used when nothing is configured
func DefaultSettings() Settings {
	return Settings{
		AppAPIVersion:       "3.0.0",
		NextcloudURL:        "http://localhost",
		HTTPTimeout:         60 * time.Second,
		WaitForStartTimeout: 3700 * time.Second,
		InstallCertsTimeout: 180 * time.Second,
		Poller:              health.DefaultPoller(),
		HealthcheckPoller:   health.NewPoller(health.DefaultInterval, health.DefaultHealthcheckMaxAttempts),
	}
}

// WithDefaults fills unset fields from DefaultSettings
func (s Settings) WithDefaults() Settings {
	def := DefaultSettings()
	if s.AppAPIVersion == "" {
		s.AppAPIVersion = def.AppAPIVersion
	}
	if s.NextcloudURL == "" {
		s.NextcloudURL = def.NextcloudURL
	}
	if s.HTTPTimeout == 0 {
		s.HTTPTimeout = def.HTTPTimeout
	}
	if s.WaitForStartTimeout == 0 {
		s.WaitForStartTimeout = def.WaitForStartTimeout
	}
	if s.InstallCertsTimeout == 0 {
		s.InstallCertsTimeout = def.InstallCertsTimeout
	}
	if s.Poller == nil {
		s.Poller = def.Poller
	}
	if s.HealthcheckPoller == nil {
		s.HealthcheckPoller = def.HealthcheckPoller
	}
	return s
}

// SharedKey returns the plaintext haproxy_password of a daemon, or "" when
// none is set
func (s Settings) SharedKey(daemon *types.DaemonConfig) (string, error) {
	return s.decryptSharedKey(daemon)
}

func (s Settings) decryptSharedKey(daemon *types.DaemonConfig) (string, error) {
	encrypted := daemon.DeployConfig.HaproxyPassword
	if encrypted == "" {
		return "", nil
	}
	if s.Secrets == nil {
		return "", fmt.Errorf("daemon %s has a shared key but no secrets manager is configured", daemon.Name)
	}
	key, err := s.Secrets.DecryptString(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt shared key of daemon %s: %w", daemon.Name, err)
	}
	return key, nil
}

// Registry dispatches daemons to drivers by their deploy id
type Registry struct {
	drivers map[types.DeployKind]Driver
}

// NewRegistry creates a registry holding the given drivers
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[types.DeployKind]Driver)}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

// NewDefaultRegistry registers the four built-in drivers
func NewDefaultRegistry(settings Settings) *Registry {
	return NewRegistry(
		NewDockerDriver(settings),
		NewAIODriver(settings),
		NewKubernetesDriver(settings),
		NewManualDriver(settings),
	)
}

// Register adds or replaces the driver for its deploy id
func (r *Registry) Register(d Driver) {
	r.drivers[d.AcceptsDeployID()] = d
}

// Get returns the driver for a deploy id
func (r *Registry) Get(kind types.DeployKind) (Driver, error) {
	d, ok := r.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDeployKind, kind)
	}
	return d, nil
}

// ForDaemon returns the driver matching a daemon's accepts-deploy-id
func (r *Registry) ForDaemon(daemon *types.DaemonConfig) (Driver, error) {
	return r.Get(daemon.AcceptsDeployID)
}

// Kinds lists the registered deploy ids
func (r *Registry) Kinds() []types.DeployKind {
	kinds := make([]types.DeployKind, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
