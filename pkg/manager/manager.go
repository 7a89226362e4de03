package manager

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nextcloud/app-api-sub001/pkg/deploy"
	"github.com/nextcloud/app-api-sub001/pkg/events"
	"github.com/nextcloud/app-api-sub001/pkg/health"
	"github.com/nextcloud/app-api-sub001/pkg/log"
	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/storage"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// Free ports handed to new ExApps that do not declare one
const (
	PortRangeStart = 23000
	PortRangeEnd   = 23999
)

// DefaultInitTimeout bounds how long an ExApp may stay in init
const DefaultInitTimeout = 40 * time.Minute

// Config holds configuration for creating a Manager
type Config struct {
	// Settings are shared with every deploy driver
	Settings deploy.Settings

	// Registry overrides the built-in drivers when set
	Registry *deploy.Registry

	// HeartbeatPoller bounds the ExApp heartbeat after deploy and enable
	HeartbeatPoller *health.Poller

	// InitTimeout is how long an ExApp may take to report init 100
	InitTimeout time.Duration

	// CodeSigningRoots, when set, are required to verify manifests that
	// carry a certificate. RevocationList is optional.
	CodeSigningRoots *x509.CertPool
	RevocationList   *x509.RevocationList

	// RequireSignature rejects ExApp→host calls without AE-SIGNATURE
	RequireSignature bool

	// HTTPClient is used for calls into ExApps
	HTTPClient *http.Client
}

// Manager is the orchestration façade over the deploy drivers. It owns the
// ExApp and daemon records and keeps them consistent with remote state.
type Manager struct {
	cfg      Config
	settings deploy.Settings
	store    storage.Store
	registry *deploy.Registry
	harp     *deploy.HarpStorage
	status   *StatusService
	events   events.Publisher
	locks    *appLocks
	ports    *portReservations
	signer   *security.Signer
	verifier *security.Verifier
	client   *http.Client
	logger   zerolog.Logger
}

// NewManager creates a new Manager. publisher may be nil.
func NewManager(cfg Config, store storage.Store, publisher events.Publisher) (*Manager, error) {
	if store == nil {
		return nil, errors.New("manager requires a store")
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}

	settings := cfg.Settings.WithDefaults()
	if cfg.HeartbeatPoller == nil {
		cfg.HeartbeatPoller = health.NewPoller(health.DefaultInterval, health.DefaultHeartbeatMaxAttempts)
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		tlsConfig, err := security.NewClientTLSConfig(security.ClientTLSOptions{CABundlePath: settings.CABundlePath})
		if err != nil {
			return nil, fmt.Errorf("failed to create ExApp TLS config: %w", err)
		}
		client = &http.Client{
			Timeout:   settings.HTTPTimeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig, Proxy: http.ProxyFromEnvironment},
		}
	}

	m := &Manager{
		cfg:      cfg,
		settings: settings,
		store:    store,
		harp:     deploy.NewHarpStorage(settings),
		status:   NewStatusService(store, publisher),
		events:   publisher,
		locks:    newAppLocks(),
		ports:    newPortReservations(),
		signer:   security.NewSigner(settings.AppAPIVersion),
		verifier: security.NewVerifier(cfg.RequireSignature),
		client:   client,
		logger:   log.WithComponent("manager"),
	}

	m.registry = cfg.Registry
	if m.registry == nil {
		m.registry = deploy.NewDefaultRegistry(settings)
		m.registry.Register(deploy.NewKubernetesDriver(settings).WithRoleLookup(m.serviceRoles))
	}

	return m, nil
}

// Status returns the status service, for background jobs that update ExApp status
func (m *Manager) Status() *StatusService {
	return m.status
}

// Store returns the underlying bookkeeping store
func (m *Manager) Store() storage.Store {
	return m.store
}

// InitTimeout is the configured init deadline
func (m *Manager) InitTimeout() time.Duration {
	return m.cfg.InitTimeout
}

// Operation returns the operation currently running against appID, if any
func (m *Manager) Operation(appID string) (string, bool) {
	return m.locks.running(appID)
}

// DeployKinds lists the deploy ids the registry accepts
func (m *Manager) DeployKinds() []types.DeployKind {
	return m.registry.Kinds()
}

// serviceRoles feeds the Kubernetes driver the roles recorded at deploy time
func (m *Manager) serviceRoles(appID string) []types.ServiceRole {
	app, err := m.store.GetExApp(appID)
	if err != nil {
		return nil
	}
	return app.ServiceRoles
}

// daemonAndDriver looks up a daemon and the driver for its deploy kind
func (m *Manager) daemonAndDriver(name string) (*types.DaemonConfig, deploy.Driver, error) {
	daemon, err := m.store.GetDaemonConfig(name)
	if err != nil {
		return nil, nil, err
	}
	driver, err := m.registry.ForDaemon(daemon)
	if err != nil {
		return nil, nil, policyErrorf("", err, "daemon %s cannot be used", name)
	}
	return daemon, driver, nil
}

// GetExApp returns a registered ExApp
func (m *Manager) GetExApp(appID string) (*types.ExApp, error) {
	return m.store.GetExApp(appID)
}

// ListExApps returns every registered ExApp
func (m *Manager) ListExApps() ([]*types.ExApp, error) {
	return m.store.ListExApps()
}

// ListScopes returns the scopes granted to an ExApp
func (m *Manager) ListScopes(appID string) ([]types.Scope, error) {
	if _, err := m.store.GetExApp(appID); err != nil {
		return nil, err
	}
	return m.store.ListScopes(appID)
}

// ExAppURL returns the base URL of a registered ExApp and the credentials
// needed to reach it
func (m *Manager) ExAppURL(appID string) (string, *deploy.BasicAuth, error) {
	app, err := m.store.GetExApp(appID)
	if err != nil {
		return "", nil, err
	}
	daemon, driver, err := m.daemonAndDriver(app.DaemonConfigName)
	if err != nil {
		return "", nil, err
	}
	return driver.ResolveExAppURL(daemon, app)
}

// reservePort picks the first port in the ExApp range that no registered
// ExApp uses and no other deploy has reserved. The reservation lasts until
// release is called.
func (m *Manager) reservePort(appID string) (int, func(), error) {
	m.ports.mu.Lock()
	defer m.ports.mu.Unlock()

	apps, err := m.store.ListExApps()
	if err != nil {
		return 0, nil, err
	}
	used := make(map[int]bool, len(apps))
	for _, app := range apps {
		used[app.Port] = true
	}
	for port := PortRangeStart; port <= PortRangeEnd; port++ {
		if used[port] {
			continue
		}
		if _, reserved := m.ports.held[port]; reserved {
			continue
		}
		m.ports.held[port] = appID
		var once sync.Once
		return port, func() {
			once.Do(func() {
				m.ports.mu.Lock()
				delete(m.ports.held, port)
				m.ports.mu.Unlock()
			})
		}, nil
	}
	return 0, nil, fmt.Errorf("no free ExApp port left in %d-%d", PortRangeStart, PortRangeEnd)
}

func (m *Manager) publish(eventType events.EventType, app *types.ExApp, message string) {
	m.events.Publish(&events.Event{
		Type:    eventType,
		AppID:   app.AppID,
		Daemon:  app.DaemonConfigName,
		Message: message,
		Metadata: map[string]string{
			"version": app.Version,
		},
	})
}
