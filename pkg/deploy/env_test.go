package deploy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud/app-api-sub001/pkg/types"
)

func envKeys(env []string) []string {
	keys := make([]string, 0, len(env))
	for _, e := range env {
		k, _, _ := strings.Cut(e, "=")
		keys = append(keys, k)
	}
	return keys
}

func TestBuildContainerParams_EnvOrder(t *testing.T) {
	daemon := &types.DaemonConfig{Name: "d", Host: "/var/run/docker.sock", Protocol: types.ProtocolUnixSocket}
	manifest := fooManifest("1.0")
	manifest.EnvironmentVariables = []types.ManifestEnv{
		{Name: "LOG_LEVEL", Default: "info"},
		{Name: "APP_SECRET", Default: "hijack"},
	}

	params, err := buildContainerParams(testSettings(), daemon, manifest, types.DeployOptions{Port: 23000, Secret: "s"})
	require.NoError(t, err)

	keys := envKeys(params.Container.Env)
	assert.Equal(t, RequiredEnvs, keys[:len(RequiredEnvs)], "whitelist comes first, in order")
	assert.Equal(t, []string{EnvPersistentStorage, EnvComputeDevice, "LOG_LEVEL"}, keys[len(RequiredEnvs):])

	env := ParseEnv(params.Container.Env)
	assert.Equal(t, "s", env[EnvAppSecret], "manifest cannot override reserved variables")
	assert.Equal(t, "/foo_data", env[EnvPersistentStorage])
	assert.Equal(t, "CPU", env[EnvComputeDevice])
	assert.Equal(t, "http://nextcloud.local", env[EnvNextcloudURL])
	assert.Equal(t, "127.0.0.1", env[EnvAppHost])
	assert.Equal(t, types.NetworkHost, params.Container.NetworkMode)
}

// the env must be enough to rebuild the identity it was built from
func TestEnvIdentityRoundTrip(t *testing.T) {
	daemon := &types.DaemonConfig{Name: "d", Host: "10.0.0.2:2375", DeployConfig: types.DeployConfig{Net: "host"}}
	manifest := fooManifest("2.1")
	manifest.SystemApp = true
	manifest.Protocol = "https"

	params, err := buildContainerParams(testSettings(), daemon, manifest, types.DeployOptions{Port: 24001, Secret: "top"})
	require.NoError(t, err)

	info, err := infoFromEnv("foo", ParseEnv(params.Container.Env), "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, &types.ExAppInfo{
		AppID:       "foo",
		Name:        "Foo",
		Version:     "2.1",
		Secret:      "top",
		Host:        "10.0.0.2",
		Port:        24001,
		Protocol:    "https",
		IsSystemApp: true,
	}, info)
}

func TestInfoFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"no app id", map[string]string{EnvAppPort: "1"}, "has no APP_ID"},
		{"other app", map[string]string{EnvAppID: "bar", EnvAppPort: "1"}, "does not match"},
		{"bad port", map[string]string{EnvAppID: "foo", EnvAppPort: "x"}, "invalid APP_PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := infoFromEnv("foo", tt.env, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestIdentity(t *testing.T) {
	manifest := fooManifest("1.0")
	manifest.Port = 9000
	prev := map[string]string{EnvAppSecret: "old", EnvAppPort: "5000"}

	tests := []struct {
		name       string
		opts       types.DeployOptions
		wantSecret string
		wantPort   int
	}{
		{"update preserves", types.DeployOptions{PreviousEnv: prev, Secret: "new", Port: 6000}, "old", 5000},
		{"rotation keeps port", types.DeployOptions{PreviousEnv: prev, Secret: "new", Port: 6000, RotateSecret: true}, "new", 5000},
		{"fresh install", types.DeployOptions{Secret: "new", Port: 6000}, "new", 6000},
		{"manifest port", types.DeployOptions{Secret: "new"}, "new", 9000},
		{"bad previous port", types.DeployOptions{PreviousEnv: map[string]string{EnvAppPort: "x"}, Secret: "n", Port: 6000}, "n", 6000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret, port, err := identity(manifest, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSecret, secret)
			assert.Equal(t, tt.wantPort, port)
		})
	}

	secret, _, err := identity(manifest, types.DeployOptions{})
	require.NoError(t, err)
	assert.Len(t, secret, 128, "missing secrets are generated")

	_, _, err = identity(fooManifest("1.0"), types.DeployOptions{Secret: "s"})
	assert.Error(t, err, "no port anywhere")
}

func TestBuildEnv_PreviousAndOverrides(t *testing.T) {
	daemon := &types.DaemonConfig{Name: "d", Host: "h:1"}
	manifest := fooManifest("1.0")
	manifest.EnvironmentVariables = []types.ManifestEnv{
		{Name: "A", Default: "a"},
		{Name: "B", Default: "b"},
		{Name: "C", Default: "c"},
	}
	opts := types.DeployOptions{
		PreviousEnv:  map[string]string{"B": "prev-b", "C": "prev-c"},
		EnvOverrides: map[string]string{"C": "override-c"},
	}
	env, err := buildEnv(testSettings(), daemon, manifest, opts, "s", 1)
	require.NoError(t, err)

	got := ParseEnv(env)
	assert.Equal(t, "a", got["A"])
	assert.Equal(t, "prev-b", got["B"])
	assert.Equal(t, "override-c", got["C"])
}

func TestBuildEnv_ComputeDevice(t *testing.T) {
	daemon := &types.DaemonConfig{
		Name: "d",
		Host: "h:1",
		DeployConfig: types.DeployConfig{
			ComputeDevice: &types.ComputeDevice{ID: "cuda"},
		},
	}
	env, err := buildEnv(testSettings(), daemon, fooManifest("1.0"), types.DeployOptions{}, "s", 1)
	require.NoError(t, err)

	got := ParseEnv(env)
	assert.Equal(t, "CUDA", got[EnvComputeDevice])
	assert.Equal(t, "all", got["NVIDIA_VISIBLE_DEVICES"])

	daemon.DeployConfig.ComputeDevice.ID = "rocm"
	params, err := buildContainerParams(testSettings(), daemon, func() *types.Manifest {
		m := fooManifest("1.0")
		m.Port = 1
		return m
	}(), types.DeployOptions{Secret: "s"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/kfd", "/dev/dri"}, params.Container.Devices)
}

func TestBuildEnv_InvalidFRPAddress(t *testing.T) {
	daemon := &types.DaemonConfig{
		Name:         "d",
		DeployConfig: types.DeployConfig{Harp: &types.HarpConfig{FRPAddress: "no-port"}},
	}
	_, err := buildEnv(testSettings(), daemon, fooManifest("1.0"), types.DeployOptions{}, "s", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frp_address")
}

func TestBuildExAppHost(t *testing.T) {
	tests := []struct {
		name   string
		config types.DeployConfig
		want   string
	}{
		{"host network", types.DeployConfig{}, "127.0.0.1"},
		{"bridge", types.DeployConfig{Net: "bridge"}, "0.0.0.0"},
		{"override", types.DeployConfig{Net: "bridge", AdditionalOptions: map[string]string{"OVERRIDE_APP_HOST": "10.1.1.1"}}, "10.1.1.1"},
		{"harp tunnel", types.DeployConfig{Net: "bridge", Harp: &types.HarpConfig{}}, "127.0.0.1"},
		{"harp direct", types.DeployConfig{Net: "bridge", Harp: &types.HarpConfig{ExAppDirect: true}}, "0.0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildExAppHost(&types.DaemonConfig{DeployConfig: tt.config})
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestResolveImage(t *testing.T) {
	manifest := fooManifest("1.0")

	tests := []struct {
		name       string
		registries []types.RegistryMapping
		want       string
		skipPull   bool
	}{
		{"no mapping", nil, "docker.io/vendor/foo:1.0", false},
		{"rewrite", []types.RegistryMapping{{From: "docker.io", To: "mirror.local:5000/"}}, "mirror.local:5000/vendor/foo:1.0", false},
		{"other registry", []types.RegistryMapping{{From: "ghcr.io", To: "mirror.local"}}, "docker.io/vendor/foo:1.0", false},
		{"local", []types.RegistryMapping{{From: "docker.io", To: types.RegistryLocal}}, "docker.io/vendor/foo:1.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			daemon := &types.DaemonConfig{DeployConfig: types.DeployConfig{Registries: tt.registries}}
			img, skip := resolveImage(daemon, manifest)
			assert.Equal(t, tt.want, img.Ref())
			assert.Equal(t, tt.skipPull, skip)
		})
	}

	bare := &types.Manifest{ID: "bar"}
	img, _ := resolveImage(&types.DaemonConfig{}, bare)
	assert.Equal(t, "docker.io/bar:latest", img.Ref())
}

func TestResolveDeployExAppHost(t *testing.T) {
	tests := []struct {
		name   string
		daemon *types.DaemonConfig
		want   string
	}{
		{"remote host network", &types.DaemonConfig{Host: "10.0.0.2:2375", Protocol: types.ProtocolHTTP}, "10.0.0.2"},
		{"local socket", &types.DaemonConfig{Host: "/var/run/docker.sock", Protocol: types.ProtocolUnixSocket}, "localhost"},
		{"bridge", &types.DaemonConfig{Host: "10.0.0.2:2375", DeployConfig: types.DeployConfig{Net: "bridge"}}, "foo"},
	}
	drivers := []Driver{
		NewDockerDriver(testSettings()),
		NewAIODriver(testSettings()),
	}
	for _, tt := range tests {
		for _, d := range drivers {
			t.Run(tt.name+"/"+string(d.AcceptsDeployID()), func(t *testing.T) {
				assert.Equal(t, tt.want, d.ResolveDeployExAppHost("foo", tt.daemon))
			})
		}
		t.Run(tt.name+"/kubernetes", func(t *testing.T) {
			assert.Equal(t, "foo", NewKubernetesDriver(testSettings()).ResolveDeployExAppHost("foo", tt.daemon))
		})
	}
}

func TestExtractRequiredEnvs(t *testing.T) {
	got := ExtractRequiredEnvs(ParseEnv([]string{"APP_ID=foo", "PATH=/bin", "APP_PORT=1", "EMPTY"}))
	assert.Equal(t, map[string]string{EnvAppID: "foo", EnvAppPort: "1"}, got)
}
