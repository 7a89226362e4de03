package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud/app-api-sub001/pkg/types"
)

func TestParseManualInfo(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"valid", `{"appid":"foo","port":9030,"secret":"s","host":"10.0.0.9"}`, ""},
		{"bad json", `{`, "invalid json info"},
		{"no appid", `{"port":9030}`, "no appid"},
		{"bad port", `{"appid":"foo","port":70000}`, "invalid port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ParseManualInfo([]byte(tt.data))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "http", info.Protocol)
		})
	}
}

func TestManualDriver(t *testing.T) {
	driver := NewManualDriver(testSettings())
	daemon := &types.DaemonConfig{Name: "manual", AcceptsDeployID: types.DeployKindManual, Host: "10.0.0.9"}
	ctx := context.Background()

	params, err := driver.BuildDeployParams(daemon, fooManifest("1.0"), types.DeployOptions{
		JSONInfo: []byte(`{"appid":"foo","version":"1.0","name":"Foo","port":9030,"secret":"s","host":"10.0.0.9"}`),
	})
	require.NoError(t, err)

	progress := &progressLog{}
	require.NoError(t, driver.DeployExApp(ctx, daemon, params, progress.fn()))
	assert.Equal(t, []int{100}, progress.values)

	info, err := driver.LoadExAppInfo(ctx, daemon, "foo", params)
	require.NoError(t, err)
	assert.Equal(t, "s", info.Secret)
	assert.Equal(t, 9030, info.Port)
	assert.Equal(t, "10.0.0.9", info.Host)

	_, err = driver.LoadExAppInfo(ctx, daemon, "foo", nil)
	assert.Error(t, err)

	env, err := driver.InspectEnv(ctx, daemon, "foo")
	require.NoError(t, err)
	assert.Empty(t, env)

	assert.NoError(t, driver.WaitReady(ctx, daemon, "foo"))
	assert.NoError(t, driver.RemoveExApp(ctx, daemon, "foo", true))
	assert.NoError(t, driver.Ping(ctx, daemon))
	assert.Equal(t, "10.0.0.9", driver.ResolveDeployExAppHost("foo", daemon))
}

func TestManualDriver_Mismatch(t *testing.T) {
	driver := NewManualDriver(testSettings())
	daemon := &types.DaemonConfig{Name: "manual", Host: "10.0.0.9"}

	_, err := driver.BuildDeployParams(daemon, fooManifest("1.0"), types.DeployOptions{
		JSONInfo: []byte(`{"appid":"bar","port":9030,"secret":"s"}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	_, err = driver.BuildDeployParams(daemon, nil, types.DeployOptions{})
	assert.Error(t, err)

	_, err = driver.BuildDeployParams(daemon, nil, types.DeployOptions{
		JSONInfo: []byte(`{"appid":"bar","port":9030}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no secret")
}

func TestManualDriver_FromManifest(t *testing.T) {
	driver := NewManualDriver(testSettings())
	daemon := &types.DaemonConfig{Name: "manual", Host: "apps.local"}
	manifest := fooManifest("1.0")
	manifest.Port = 9031

	params, err := driver.BuildDeployParams(daemon, manifest, types.DeployOptions{Secret: "x"})
	require.NoError(t, err)

	env := ParseEnv(params.Container.Env)
	assert.Equal(t, "apps.local", env[EnvAppHost])
	assert.Equal(t, "9031", env[EnvAppPort])
	assert.Equal(t, "x", env[EnvAppSecret])
}

func TestManualResolveExAppURL(t *testing.T) {
	driver := NewManualDriver(testSettings())
	url, _, err := driver.ResolveExAppURL(&types.DaemonConfig{Host: "fallback"}, &types.ExApp{AppID: "foo", Host: "10.0.0.9", Port: 9030})
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.9:9030", url)

	url, _, err = driver.ResolveExAppURL(&types.DaemonConfig{Host: "fallback"}, &types.ExApp{AppID: "foo", Port: 9030, Protocol: "https"})
	require.NoError(t, err)
	assert.Equal(t, "https://fallback:9030", url)
}
