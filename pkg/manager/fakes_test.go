package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextcloud/app-api-sub001/pkg/deploy"
	"github.com/nextcloud/app-api-sub001/pkg/events"
	"github.com/nextcloud/app-api-sub001/pkg/health"
	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/storage"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// fakeDriver builds real Docker params but keeps the "instance" in memory
type fakeDriver struct {
	mu       sync.Mutex
	builder  *deploy.DockerDriver
	url      string
	env      map[string]string
	calls    []string
	removed  map[string]bool
	progress []int

	deployErr  error
	loadErr    error
	inspectErr error
}

func newFakeDriver(settings deploy.Settings, url string) *fakeDriver {
	return &fakeDriver{
		builder: deploy.NewDockerDriver(settings),
		url:     url,
		removed: make(map[string]bool),
	}
}

func (f *fakeDriver) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDriver) called(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeDriver) AcceptsDeployID() types.DeployKind {
	return types.DeployKindDocker
}

func (f *fakeDriver) BuildDeployParams(daemon *types.DaemonConfig, manifest *types.Manifest, opts types.DeployOptions) (*types.DeployParams, error) {
	return f.builder.BuildDeployParams(daemon, manifest, opts)
}

func (f *fakeDriver) DeployExApp(_ context.Context, _ *types.DaemonConfig, params *types.DeployParams, progress deploy.ProgressFunc) error {
	f.record("deploy")
	if progress != nil {
		progress(0)
	}
	if f.deployErr != nil {
		return f.deployErr
	}
	f.mu.Lock()
	f.env = deploy.ExtractRequiredEnvs(deploy.ParseEnv(params.Container.Env))
	f.mu.Unlock()
	if progress != nil {
		progress(100)
	}
	return nil
}

func (f *fakeDriver) LoadExAppInfo(_ context.Context, _ *types.DaemonConfig, appID string, _ *types.DeployParams) (*types.ExAppInfo, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	port, _ := strconv.Atoi(f.env[deploy.EnvAppPort])
	return &types.ExAppInfo{
		AppID:    f.env[deploy.EnvAppID],
		Name:     f.env[deploy.EnvAppDisplayName],
		Version:  f.env[deploy.EnvAppVersion],
		Secret:   f.env[deploy.EnvAppSecret],
		Port:     port,
		Protocol: f.env[deploy.EnvAppProtocol],
	}, nil
}

func (f *fakeDriver) ResolveDeployExAppHost(appID string, _ *types.DaemonConfig) string {
	return appID
}

func (f *fakeDriver) ResolveExAppURL(_ *types.DaemonConfig, _ *types.ExApp) (string, *deploy.BasicAuth, error) {
	return f.url, nil, nil
}

func (f *fakeDriver) InspectEnv(context.Context, *types.DaemonConfig, string) (map[string]string, error) {
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	env := make(map[string]string, len(f.env))
	for k, v := range f.env {
		env[k] = v
	}
	return env, nil
}

func (f *fakeDriver) WaitReady(context.Context, *types.DaemonConfig, string) error {
	return nil
}

func (f *fakeDriver) RemoveExApp(_ context.Context, _ *types.DaemonConfig, appID string, removeData bool) error {
	f.record("remove")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[appID] = removeData
	f.env = nil
	return nil
}

func (f *fakeDriver) Ping(context.Context, *types.DaemonConfig) error {
	return nil
}

func (f *fakeDriver) StartExApp(context.Context, *types.DaemonConfig, string, bool) error {
	f.record("start")
	return nil
}

func (f *fakeDriver) StopExApp(context.Context, *types.DaemonConfig, string, bool) error {
	f.record("stop")
	return nil
}

// fakeExApp answers the ExApp side of the protocol
type fakeExApp struct {
	mu         sync.Mutex
	calls      []string
	headers    []http.Header
	heartbeat  string
	initStatus int
	enabledErr string
}

func newFakeExApp(t *testing.T) (*fakeExApp, *httptest.Server) {
	f := &fakeExApp{heartbeat: "ok", initStatus: http.StatusNotFound}
	server := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeExApp) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, r.Method+" "+r.URL.RequestURI())
	f.headers = append(f.headers, r.Header.Clone())

	switch r.URL.Path {
	case "/heartbeat":
		_ = json.NewEncoder(w).Encode(map[string]string{"status": f.heartbeat})
	case "/init":
		w.WriteHeader(f.initStatus)
	case "/enabled":
		_ = json.NewEncoder(w).Encode(map[string]string{"error": f.enabledErr})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeExApp) called(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// last returns the most recent call starting with prefix
func (f *fakeExApp) last(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if strings.HasPrefix(f.calls[i], prefix) {
			return f.calls[i]
		}
	}
	return ""
}

func (f *fakeExApp) set(fn func(f *fakeExApp)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// recorder collects published events
type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, e := range r.events {
		if e.Type != events.EventDeployProgress {
			out = append(out, e.Type)
		}
	}
	return out
}

type testEnv struct {
	mgr    *Manager
	store  *storage.BoltStore
	driver *fakeDriver
	exapp  *fakeExApp
	events *recorder
	daemon *types.DaemonConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	secrets, err := security.NewSecretsManagerFromPassword("manager-test")
	require.NoError(t, err)

	settings := deploy.Settings{
		NextcloudURL: "http://nextcloud.local",
		Secrets:      secrets,
	}

	exapp, server := newFakeExApp(t)
	driver := newFakeDriver(settings, server.URL)
	rec := &recorder{}

	mgr, err := NewManager(Config{
		Settings:        settings,
		Registry:        deploy.NewRegistry(driver),
		HeartbeatPoller: health.NewPoller(time.Millisecond, 3),
	}, store, rec)
	require.NoError(t, err)

	daemon := &types.DaemonConfig{
		Name:            "docker_local",
		AcceptsDeployID: types.DeployKindDocker,
		Protocol:        types.ProtocolUnixSocket,
		Host:            "/var/run/docker.sock",
		DeployConfig:    types.DeployConfig{Net: "bridge"},
	}
	require.NoError(t, store.CreateDaemonConfig(daemon))

	return &testEnv{mgr: mgr, store: store, driver: driver, exapp: exapp, events: rec, daemon: daemon}
}

func fooManifest(version string) *types.Manifest {
	return &types.Manifest{
		ID:      "foo",
		Name:    "Foo",
		Version: version,
		DockerInstall: types.DockerInstall{
			Registry: "docker.io",
			Image:    "vendor/foo",
			ImageTag: version,
		},
		Routes: []types.Route{{URL: "^api/.*", Verb: "GET,POST", AccessLevel: types.AccessUser}},
		Scopes: []string{"FILES"},
	}
}

func (e *testEnv) deployFoo(t *testing.T) *types.ExApp {
	t.Helper()
	app, err := e.mgr.Deploy(context.Background(), DeployRequest{
		AppID:    "foo",
		Daemon:   e.daemon.Name,
		Manifest: fooManifest("1.0"),
	})
	require.NoError(t, err)
	return app
}
