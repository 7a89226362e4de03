package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

func TestResolveExAppURL(t *testing.T) {
	sm, err := security.NewSecretsManagerFromPassword("url-test")
	require.NoError(t, err)
	encrypted, err := sm.EncryptString("pw")
	require.NoError(t, err)

	s := testSettings()
	s.Secrets = sm

	app := &types.ExApp{AppID: "foo", Port: 23000, Protocol: "http"}
	httpsApp := &types.ExApp{AppID: "foo", Port: 23000, Protocol: "https"}

	tests := []struct {
		name     string
		daemon   *types.DaemonConfig
		app      *types.ExApp
		want     string
		wantAuth *BasicAuth
	}{
		{
			name:   "host network",
			daemon: &types.DaemonConfig{Host: "10.0.0.2:2375"},
			app:    app,
			want:   "http://localhost:23000",
		},
		{
			name:   "bridge network",
			daemon: &types.DaemonConfig{Host: "10.0.0.2:2375", DeployConfig: types.DeployConfig{Net: "bridge"}},
			app:    app,
			want:   "http://foo:23000",
		},
		{
			name:   "https uses daemon host",
			daemon: &types.DaemonConfig{Host: "10.0.0.2:2375", DeployConfig: types.DeployConfig{HaproxyPassword: encrypted}},
			app:    httpsApp,
			want:   "https://10.0.0.2:23000",
			wantAuth: &BasicAuth{
				Username: HaproxyUser,
				Password: "pw",
			},
		},
		{
			name: "override host",
			daemon: &types.DaemonConfig{Host: "10.0.0.2:2375", DeployConfig: types.DeployConfig{
				AdditionalOptions: map[string]string{"OVERRIDE_APP_HOST": "apps.internal"},
			}},
			app:  app,
			want: "http://apps.internal:23000",
		},
		{
			name: "wildcard override ignored",
			daemon: &types.DaemonConfig{Host: "10.0.0.2:2375", DeployConfig: types.DeployConfig{
				Net:               "bridge",
				AdditionalOptions: map[string]string{"OVERRIDE_APP_HOST": "0.0.0.0"},
			}},
			app:  app,
			want: "http://foo:23000",
		},
		{
			name: "harp",
			daemon: &types.DaemonConfig{Host: "harp:8780", DeployConfig: types.DeployConfig{
				NextcloudURL: "https://cloud.example.com/",
				Harp:         &types.HarpConfig{},
			}},
			app:  app,
			want: "https://cloud.example.com/exapps/foo",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, auth, err := resolveExAppURL(s, tt.daemon, tt.app)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantAuth, auth)
		})
	}
}

func TestHarpExAppURL_FallsBackToSettings(t *testing.T) {
	got := harpExAppURL(testSettings(), &types.DaemonConfig{}, "foo")
	assert.Equal(t, "http://nextcloud.local/exapps/foo", got)
}
