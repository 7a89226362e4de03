package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud/app-api-sub001/pkg/events"
	"github.com/nextcloud/app-api-sub001/pkg/storage"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

func harpDaemonConfig(name string) *types.DaemonConfig {
	return &types.DaemonConfig{
		Name:            name,
		AcceptsDeployID: types.DeployKindDocker,
		Protocol:        types.ProtocolHTTP,
		Host:            "appapi-harp:8780",
		DeployConfig: types.DeployConfig{
			HaproxyPassword: "plain-key",
			Harp:            &types.HarpConfig{FRPAddress: "appapi-harp:8782"},
		},
	}
}

func TestRegisterDaemon(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stored, err := env.mgr.RegisterDaemon(ctx, harpDaemonConfig("harp_proxy"))
	require.NoError(t, err)
	assert.NotEqual(t, "plain-key", stored.DeployConfig.HaproxyPassword, "shared key is encrypted at rest")
	assert.Equal(t, "harp_proxy", stored.DisplayName)
	assert.False(t, stored.CreatedAt.IsZero())

	key, err := env.mgr.settings.SharedKey(stored)
	require.NoError(t, err)
	assert.Equal(t, "plain-key", key)

	_, err = env.mgr.RegisterDaemon(ctx, harpDaemonConfig("harp_proxy"))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	assert.Contains(t, env.events.types(), events.EventDaemonRegistered)

	daemons, err := env.mgr.ListDaemons()
	require.NoError(t, err)
	assert.Len(t, daemons, 2)
}

func TestRegisterDaemon_Invalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		daemon *types.DaemonConfig
		policy bool
	}{
		{"no host", &types.DaemonConfig{Name: "d", AcceptsDeployID: types.DeployKindDocker, Protocol: types.ProtocolHTTP}, false},
		{"bad protocol", &types.DaemonConfig{Name: "d", AcceptsDeployID: types.DeployKindDocker, Protocol: "ftp", Host: "h"}, false},
		{"harp without key", &types.DaemonConfig{Name: "d", AcceptsDeployID: types.DeployKindDocker, Protocol: types.ProtocolHTTP, Host: "h",
			DeployConfig: types.DeployConfig{Harp: &types.HarpConfig{}}}, false},
		{"kind without driver", &types.DaemonConfig{Name: "d", AcceptsDeployID: types.DeployKindKubernetes, Protocol: types.ProtocolHTTP, Host: "h"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.mgr.RegisterDaemon(ctx, tt.daemon)
			require.Error(t, err)
			if tt.policy {
				assert.True(t, IsPolicyError(err))
			} else {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			}
		})
	}
}

func TestUnregisterDaemon_RemovesExApps(t *testing.T) {
	env := newTestEnv(t)
	env.deployFoo(t)

	require.NoError(t, env.mgr.UnregisterDaemon(context.Background(), env.daemon.Name))

	_, err := env.mgr.GetExApp("foo")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = env.mgr.GetDaemon(env.daemon.Name)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.True(t, env.driver.removed["foo"], "data volume removed with the daemon")

	published := env.events.types()
	assert.Equal(t, events.EventDaemonUnregistered, published[len(published)-1])
}

func TestRegistryMappings(t *testing.T) {
	env := newTestEnv(t)

	daemon, err := env.mgr.AddRegistryMapping(env.daemon.Name, types.RegistryMapping{From: "docker.io", To: "mirror.local"})
	require.NoError(t, err)
	assert.Len(t, daemon.DeployConfig.Registries, 1)

	daemon, err = env.mgr.AddRegistryMapping(env.daemon.Name, types.RegistryMapping{From: "docker.io", To: types.RegistryLocal})
	require.NoError(t, err)
	require.Len(t, daemon.DeployConfig.Registries, 1, "same source replaces")
	assert.Equal(t, types.RegistryLocal, daemon.DeployConfig.Registries[0].To)

	_, err = env.mgr.AddRegistryMapping(env.daemon.Name, types.RegistryMapping{From: "ghcr.io"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	daemon, err = env.mgr.RemoveRegistryMapping(env.daemon.Name, "docker.io")
	require.NoError(t, err)
	assert.Empty(t, daemon.DeployConfig.Registries)

	_, err = env.mgr.RemoveRegistryMapping(env.daemon.Name, "docker.io")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHealthcheckAll(t *testing.T) {
	env := newTestEnv(t)

	results, err := env.mgr.HealthcheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]error{env.daemon.Name: nil}, results)

	assert.ErrorIs(t, env.mgr.Healthcheck(context.Background(), "missing"), storage.ErrNotFound)
}

func TestEnsureAIODaemons(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lookup := func(env map[string]string) func(string) (string, bool) {
		return func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		}
	}

	require.NoError(t, env.mgr.EnsureAIODaemons(ctx, false, lookup(nil)))
	daemons, err := env.mgr.ListDaemons()
	require.NoError(t, err)
	assert.Len(t, daemons, 1, "not AIO")

	aio := lookup(map[string]string{"THIS_IS_AIO": "true", "NC_DOMAIN": "cloud.example.com"})
	require.NoError(t, env.mgr.EnsureAIODaemons(ctx, false, aio))
	require.NoError(t, env.mgr.EnsureAIODaemons(ctx, false, aio), "idempotent")

	daemons, err = env.mgr.ListDaemons()
	require.NoError(t, err)
	assert.Len(t, daemons, 2)
}
