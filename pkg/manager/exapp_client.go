package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nextcloud/app-api-sub001/pkg/deploy"
	"github.com/nextcloud/app-api-sub001/pkg/health"
	"github.com/nextcloud/app-api-sub001/pkg/metrics"
	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// heartbeatReportEvery is how many heartbeat failures are counted and
// logged together
const heartbeatReportEvery = 10

// errNoInit means the ExApp has no init step
var errNoInit = errors.New("ExApp has no init step")

// RequestOptions describe the caller side of a host→ExApp call
type RequestOptions struct {
	UserID    string
	RequestID string
	Header    http.Header
}

// NewExAppRequest builds a signed request to path on a registered ExApp.
// body must be the exact bytes that will be sent.
func (m *Manager) NewExAppRequest(ctx context.Context, app *types.ExApp, method, path string, body []byte, opts RequestOptions) (*http.Request, error) {
	daemon, driver, err := m.daemonAndDriver(app.DaemonConfigName)
	if err != nil {
		return nil, err
	}
	return m.newExAppRequest(ctx, daemon, driver, app, method, path, body, opts)
}

func (m *Manager) newExAppRequest(ctx context.Context, daemon *types.DaemonConfig, driver deploy.Driver, app *types.ExApp, method, path string, body []byte, opts RequestOptions) (*http.Request, error) {
	base, auth, err := driver.ResolveExAppURL(daemon, app)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ExApp %s URL: %w", app.AppID, err)
	}

	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+"/"+strings.TrimLeft(path, "/"), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request to ExApp %s: %w", app.AppID, err)
	}
	for key, values := range opts.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	m.signer.Sign(req, security.Credentials{
		AppID:   app.AppID,
		Version: app.Version,
		Secret:  app.Secret,
	}, opts.UserID, opts.RequestID, body)

	if auth != nil {
		req.SetBasicAuth(auth.Username, auth.Password)
	}

	if daemon.IsHarp() {
		key, err := m.settings.SharedKey(daemon)
		if err != nil {
			return nil, err
		}
		harpApp := deploy.BuildHarpExApp(daemon, app)
		req.Header.Set(security.HeaderHarpSharedKey, key)
		req.Header.Set(security.HeaderExAppHost, harpApp.Host)
		req.Header.Set(security.HeaderExAppPort, strconv.Itoa(harpApp.Port))
	}

	return req, nil
}

// Do sends a request built by NewExAppRequest with the ExApp HTTP client
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	return m.client.Do(req)
}

// callExApp sends a signed request and returns the status and body
func (m *Manager) callExApp(ctx context.Context, daemon *types.DaemonConfig, driver deploy.Driver, app *types.ExApp, method, path string, body []byte) (int, []byte, error) {
	req, err := m.newExAppRequest(ctx, daemon, driver, app, method, path, body, RequestOptions{})
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request %s %s to ExApp %s failed: %w", method, path, app.AppID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read ExApp %s response: %w", app.AppID, err)
	}
	return resp.StatusCode, data, nil
}

// heartbeat polls GET /heartbeat until the ExApp answers {"status":"ok"}.
// Every tenth failure is logged and added to status.heartbeat_count.
func (m *Manager) heartbeat(ctx context.Context, daemon *types.DaemonConfig, driver deploy.Driver, app *types.ExApp) error {
	base, auth, err := driver.ResolveExAppURL(daemon, app)
	if err != nil {
		return fmt.Errorf("failed to resolve ExApp %s URL: %w", app.AppID, err)
	}

	checker := health.NewHeartbeatChecker(base, m.client)
	if daemon.IsHarp() {
		req, err := m.newExAppRequest(ctx, daemon, driver, app, http.MethodGet, "/heartbeat", nil, RequestOptions{})
		if err != nil {
			return err
		}
		checker.WithHeaders(req.Header)
	} else if auth != nil {
		checker.Header.Set("Authorization", basicAuthHeader(auth))
	}

	logger := m.logger.With().Str("appid", app.AppID).Str("daemon", daemon.Name).Logger()
	poller := m.cfg.HeartbeatPoller.WithOnAttempt(func(status *health.Status) {
		if status.LastResult.Healthy || status.ConsecutiveFailures%heartbeatReportEvery != 0 {
			return
		}
		logger.Warn().
			Int("failures", status.ConsecutiveFailures).
			Str("reason", status.LastResult.Message).
			Msg("ExApp heartbeat failing")
		if err := m.status.AddHeartbeatFailures(app.AppID, heartbeatReportEvery); err != nil {
			logger.Debug().Err(err).Msg("Failed to record heartbeat failures")
		}
	})

	if err := poller.Poll(ctx, checker); err != nil {
		metrics.HealthPollsTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("ExApp %s heartbeat failed: %w", app.AppID, err)
	}
	metrics.HealthPollsTotal.WithLabelValues("success").Inc()
	return nil
}

func basicAuthHeader(auth *deploy.BasicAuth) string {
	req := &http.Request{Header: http.Header{}}
	req.SetBasicAuth(auth.Username, auth.Password)
	return req.Header.Get("Authorization")
}

// triggerInit POSTs /init. errNoInit means the ExApp has nothing to initialize.
func (m *Manager) triggerInit(ctx context.Context, daemon *types.DaemonConfig, driver deploy.Driver, app *types.ExApp) error {
	status, body, err := m.callExApp(ctx, daemon, driver, app, http.MethodPost, "/init", []byte("{}"))
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusNotImplemented:
		return errNoInit
	case status/100 != 2:
		return fmt.Errorf("ExApp %s init returned status %d: %s", app.AppID, status, strings.TrimSpace(string(body)))
	}
	return nil
}

// notifyEnabled tells the ExApp it was enabled or disabled. The ExApp
// answers {"error": ""} on success.
func (m *Manager) notifyEnabled(ctx context.Context, daemon *types.DaemonConfig, driver deploy.Driver, app *types.ExApp, enabled bool) error {
	flag := "0"
	if enabled {
		flag = "1"
	}
	status, body, err := m.callExApp(ctx, daemon, driver, app, http.MethodPut, "/enabled?enabled="+flag, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("ExApp %s /enabled returned status %d: %s", app.AppID, status, strings.TrimSpace(string(body)))
	}

	var reply struct {
		Error string `json:"error"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &reply); err != nil {
			return fmt.Errorf("invalid /enabled reply from ExApp %s: %w", app.AppID, err)
		}
	}
	if reply.Error != "" {
		return fmt.Errorf("ExApp %s refused to change enabled state: %s", app.AppID, reply.Error)
	}
	return nil
}
