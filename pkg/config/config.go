package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nextcloud/app-api-sub001/pkg/deploy"
	"github.com/nextcloud/app-api-sub001/pkg/health"
	"github.com/nextcloud/app-api-sub001/pkg/security"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "APPAPI_"

// Config is the appapi serve configuration
type Config struct {
	DataDir string `yaml:"data_dir" validate:"required"`
	// Listen is the TCP address of the full API
	Listen string `yaml:"listen" validate:"required"`
	// Socket optionally serves the read-only API on a unix socket
	Socket string `yaml:"socket,omitempty"`
	// AdminToken protects /api; empty leaves it open
	AdminToken string `yaml:"admin_token,omitempty"`

	Log       LogConfig       `yaml:"log"`
	Nextcloud NextcloudConfig `yaml:"nextcloud"`

	// CABundlePath verifies https daemons; empty uses the system roots
	CABundlePath string `yaml:"ca_bundle_path,omitempty"`
	// SecretKey encrypts daemon shared keys at rest. Only read from
	// APPAPI_SECRET_KEY.
	SecretKey string `yaml:"-"`

	// CodeSigningRoots and RevocationList are PEM files used to verify
	// manifest certificates
	CodeSigningRoots string `yaml:"code_signing_roots,omitempty"`
	RevocationList   string `yaml:"revocation_list,omitempty"`
	RequireSignature bool   `yaml:"require_signature,omitempty"`

	InitTimeout         time.Duration `yaml:"init_timeout" validate:"gt=0"`
	HTTPTimeout         time.Duration `yaml:"http_timeout" validate:"gt=0"`
	WaitForStartTimeout time.Duration `yaml:"wait_for_start_timeout" validate:"gt=0"`
	InstallCertsTimeout time.Duration `yaml:"install_certs_timeout" validate:"gt=0"`

	HealthPoller      PollerConfig `yaml:"health_poller"`
	HealthcheckPoller PollerConfig `yaml:"healthcheck_poller"`
	HeartbeatPoller   PollerConfig `yaml:"heartbeat_poller"`

	Proxy     ProxyConfig     `yaml:"proxy"`
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// AIO forces All-In-One detection on; THIS_IS_AIO also enables it
	AIO bool `yaml:"aio,omitempty"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json,omitempty"`
}

// NextcloudConfig describes the Nextcloud instance ExApps call back
type NextcloudConfig struct {
	URL           string `yaml:"url" validate:"required,url"`
	AppAPIVersion string `yaml:"app_api_version" validate:"required"`
}

// PollerConfig bounds a readiness or heartbeat poll
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gt=0"`
}

// ProxyConfig tunes the ExApp reverse proxy
type ProxyConfig struct {
	CacheTTL       time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	CacheSize      int           `yaml:"cache_size" validate:"gte=0"`
	ThrottleBurst  int           `yaml:"throttle_burst" validate:"gte=0"`
	ThrottleEvery  time.Duration `yaml:"throttle_every" validate:"gte=0"`
	TrustForwarded bool          `yaml:"trust_forwarded,omitempty"`
}

// ReconcileConfig tunes the background reconciler
type ReconcileConfig struct {
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	CheckDaemons bool          `yaml:"check_daemons"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Listen:  ":8080",
		Log:     LogConfig{Level: "info"},
		Nextcloud: NextcloudConfig{
			URL:           "http://localhost",
			AppAPIVersion: "3.0.0",
		},
		InitTimeout:         40 * time.Minute,
		HTTPTimeout:         60 * time.Second,
		WaitForStartTimeout: 3700 * time.Second,
		InstallCertsTimeout: 180 * time.Second,
		HealthPoller:        PollerConfig{Interval: health.DefaultInterval, MaxAttempts: health.DefaultMaxAttempts},
		HealthcheckPoller:   PollerConfig{Interval: health.DefaultInterval, MaxAttempts: health.DefaultHealthcheckMaxAttempts},
		HeartbeatPoller:     PollerConfig{Interval: health.DefaultInterval, MaxAttempts: health.DefaultHeartbeatMaxAttempts},
		Proxy: ProxyConfig{
			CacheTTL:      3600 * time.Second,
			CacheSize:     1024,
			ThrottleBurst: 10,
			ThrottleEvery: 30 * time.Second,
		},
		Reconcile: ReconcileConfig{Interval: 60 * time.Second, CheckDaemons: true},
	}
}

// Load reads path over the defaults, applies APPAPI_* overrides from
// lookupEnv and validates the result. An empty path skips the file.
func Load(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	if err := cfg.applyEnv(lookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	str := map[string]*string{
		"DATA_DIR":           &c.DataDir,
		"LISTEN":             &c.Listen,
		"SOCKET":             &c.Socket,
		"ADMIN_TOKEN":        &c.AdminToken,
		"LOG_LEVEL":          &c.Log.Level,
		"NEXTCLOUD_URL":      &c.Nextcloud.URL,
		"VERSION":            &c.Nextcloud.AppAPIVersion,
		"CA_BUNDLE":          &c.CABundlePath,
		"SECRET_KEY":         &c.SecretKey,
		"CODE_SIGNING_ROOTS": &c.CodeSigningRoots,
		"REVOCATION_LIST":    &c.RevocationList,
	}
	for key, dst := range str {
		if v, ok := lookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	flags := map[string]*bool{
		"LOG_JSON":          &c.Log.JSON,
		"REQUIRE_SIGNATURE": &c.RequireSignature,
		"AIO":               &c.AIO,
		"TRUST_FORWARDED":   &c.Proxy.TrustForwarded,
	}
	for key, dst := range flags {
		if v, ok := lookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"INIT_TIMEOUT":       &c.InitTimeout,
		"HTTP_TIMEOUT":       &c.HTTPTimeout,
		"RECONCILE_INTERVAL": &c.Reconcile.Interval,
	}
	for key, dst := range durations {
		if v, ok := lookupEnv(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}
	return nil
}

// DeploySettings builds the settings shared by the deploy drivers. Without a
// secret key, daemons with a HaRP shared key cannot be registered.
func (c *Config) DeploySettings() (deploy.Settings, error) {
	settings := deploy.Settings{
		AppAPIVersion:       c.Nextcloud.AppAPIVersion,
		NextcloudURL:        c.Nextcloud.URL,
		CABundlePath:        c.CABundlePath,
		HTTPTimeout:         c.HTTPTimeout,
		WaitForStartTimeout: c.WaitForStartTimeout,
		InstallCertsTimeout: c.InstallCertsTimeout,
		Poller:              health.NewPoller(c.HealthPoller.Interval, c.HealthPoller.MaxAttempts),
		HealthcheckPoller:   health.NewPoller(c.HealthcheckPoller.Interval, c.HealthcheckPoller.MaxAttempts),
	}
	if c.SecretKey != "" {
		secrets, err := security.NewSecretsManagerFromPassword(c.SecretKey)
		if err != nil {
			return deploy.Settings{}, fmt.Errorf("failed to initialize secrets: %w", err)
		}
		settings.Secrets = secrets
	}
	return settings, nil
}

// CodeSigning loads the manifest code-signing roots and revocation list.
// Both are nil when not configured.
func (c *Config) CodeSigning() (*x509.CertPool, *x509.RevocationList, error) {
	if c.CodeSigningRoots == "" {
		if c.RevocationList != "" {
			return nil, nil, errors.New("revocation_list needs code_signing_roots")
		}
		return nil, nil, nil
	}
	roots, err := security.LoadCertPool(c.CodeSigningRoots)
	if err != nil {
		return nil, nil, err
	}
	if c.RevocationList == "" {
		return roots, nil, nil
	}
	data, err := os.ReadFile(c.RevocationList)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read revocation list: %w", err)
	}
	crl, err := security.LoadCRL(data, nil)
	if err != nil {
		return nil, nil, err
	}
	return roots, crl, nil
}
