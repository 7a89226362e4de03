package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", env(nil))
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "http://localhost", cfg.Nextcloud.URL)
	assert.Equal(t, "3.0.0", cfg.Nextcloud.AppAPIVersion)
	assert.Equal(t, 40*time.Minute, cfg.InitTimeout)
	assert.Equal(t, PollerConfig{Interval: time.Second, MaxAttempts: 60}, cfg.HealthPoller)
	assert.Equal(t, PollerConfig{Interval: time.Second, MaxAttempts: 900}, cfg.HealthcheckPoller)
	assert.Equal(t, PollerConfig{Interval: time.Second, MaxAttempts: 600}, cfg.HeartbeatPoller)
	assert.Equal(t, 3600*time.Second, cfg.Proxy.CacheTTL)
	assert.Equal(t, 1024, cfg.Proxy.CacheSize)
	assert.Equal(t, 60*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 3700*time.Second, cfg.WaitForStartTimeout)
	assert.Equal(t, 180*time.Second, cfg.InstallCertsTimeout)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/appapi
listen: 127.0.0.1:9000
log:
  level: debug
nextcloud:
  url: https://cloud.example.com
init_timeout: 10m
proxy:
  cache_size: 16
`), 0600))

	cfg, err := Load(path, env(map[string]string{
		"APPAPI_LISTEN":       ":9100",
		"APPAPI_LOG_JSON":     "true",
		"APPAPI_SECRET_KEY":   "master",
		"APPAPI_INIT_TIMEOUT": "5m",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/appapi", cfg.DataDir)
	assert.Equal(t, ":9100", cfg.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "https://cloud.example.com", cfg.Nextcloud.URL)
	assert.Equal(t, "3.0.0", cfg.Nextcloud.AppAPIVersion)
	assert.Equal(t, 5*time.Minute, cfg.InitTimeout)
	assert.Equal(t, 16, cfg.Proxy.CacheSize)
	assert.Equal(t, 3600*time.Second, cfg.Proxy.CacheTTL)
	assert.Equal(t, "master", cfg.SecretKey)

	settings, err := cfg.DeploySettings()
	require.NoError(t, err)
	assert.NotNil(t, settings.Secrets)
	assert.Equal(t, "https://cloud.example.com", settings.NextcloudURL)
	assert.Equal(t, 60, settings.Poller.MaxAttempts)
	assert.Equal(t, 900, settings.HealthcheckPoller.MaxAttempts)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "bad log level", env: map[string]string{"APPAPI_LOG_LEVEL": "loud"}},
		{name: "bad bool", env: map[string]string{"APPAPI_AIO": "sometimes"}},
		{name: "bad duration", env: map[string]string{"APPAPI_INIT_TIMEOUT": "soon"}},
		{name: "zero init timeout", env: map[string]string{"APPAPI_INIT_TIMEOUT": "0s"}},
		{name: "bad nextcloud url", env: map[string]string{"APPAPI_NEXTCLOUD_URL": "not a url"}},
		{name: "empty listen", env: map[string]string{"APPAPI_LISTEN": ""}},
		{name: "bad yaml", file: "listen: [", env: nil},
		{name: "negative cache size", file: "proxy:\n  cache_size: -1\n", env: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = filepath.Join(t.TempDir(), "appapi.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0600))
			}
			_, err := Load(path, env(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.Error(t, err)
}

func TestCodeSigning(t *testing.T) {
	cfg := Default()
	roots, crl, err := cfg.CodeSigning()
	require.NoError(t, err)
	assert.Nil(t, roots)
	assert.Nil(t, crl)

	cfg.RevocationList = "/tmp/crl.pem"
	_, _, err = cfg.CodeSigning()
	assert.Error(t, err)

	cfg = Default()
	cfg.CodeSigningRoots = filepath.Join(t.TempDir(), "missing.pem")
	_, _, err = cfg.CodeSigning()
	assert.Error(t, err)
}
