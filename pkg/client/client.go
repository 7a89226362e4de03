package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nextcloud/app-api-sub001/pkg/api"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

const (
	defaultTimeout = 30 * time.Second
	// deployTimeout covers image pulls and the ExApp heartbeat
	deployTimeout = 45 * time.Minute

	unixScheme = "unix://"
)

// APIError is a non-2xx answer from the API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// IsValidation reports whether err is an API refusal of the request itself,
// as opposed to an operational failure
func IsValidation(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnprocessableEntity
}

// Client talks to the AppAPI HTTP API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for addr, either an http(s) URL or
// unix:///path/to/appapi.sock. token may be empty.
func NewClient(addr, token string) (*Client, error) {
	if path, ok := strings.CutPrefix(addr, unixScheme); ok {
		if path == "" {
			return nil, errors.New("unix socket path is empty")
		}
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		}
		return &Client{baseURL: "http://appapi", token: token, http: &http.Client{Transport: transport}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid API address %q: %w", addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API address %q: scheme must be http, https or unix", addr)
	}
	return &Client{baseURL: strings.TrimRight(addr, "/"), token: token, http: &http.Client{}}, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// RegisterDaemon registers a deploy daemon
func (c *Client) RegisterDaemon(daemon *types.DaemonConfig) (*types.DaemonConfig, error) {
	var out types.DaemonConfig
	if err := c.call(defaultTimeout, http.MethodPost, "/api/daemons", daemon, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDaemons lists all daemons
func (c *Client) ListDaemons() ([]*types.DaemonConfig, error) {
	var out []*types.DaemonConfig
	if err := c.call(defaultTimeout, http.MethodGet, "/api/daemons", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDaemon gets a daemon by name
func (c *Client) GetDaemon(name string) (*types.DaemonConfig, error) {
	var out types.DaemonConfig
	if err := c.call(defaultTimeout, http.MethodGet, "/api/daemons/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UnregisterDaemon removes a daemon and the ExApps deployed to it
func (c *Client) UnregisterDaemon(name string) error {
	return c.call(defaultTimeout, http.MethodDelete, "/api/daemons/"+url.PathEscape(name), nil, nil)
}

// HealthcheckDaemon pings a daemon
func (c *Client) HealthcheckDaemon(name string) (*api.HealthcheckResponse, error) {
	var out api.HealthcheckResponse
	if err := c.call(defaultTimeout, http.MethodGet, "/api/daemons/"+url.PathEscape(name)+"/healthcheck", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddRegistryMapping adds or replaces a registry mapping of a daemon
func (c *Client) AddRegistryMapping(name string, mapping types.RegistryMapping) (*types.DaemonConfig, error) {
	var out types.DaemonConfig
	if err := c.call(defaultTimeout, http.MethodPost, "/api/daemons/"+url.PathEscape(name)+"/registries", mapping, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveRegistryMapping removes the mapping of registry from
func (c *Client) RemoveRegistryMapping(name, from string) (*types.DaemonConfig, error) {
	path := "/api/daemons/" + url.PathEscape(name) + "/registries?from=" + url.QueryEscape(from)
	var out types.DaemonConfig
	if err := c.call(defaultTimeout, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeployExApp deploys an ExApp and waits for it to be ready
func (c *Client) DeployExApp(req api.DeployExApp) (*types.ExApp, error) {
	var out types.ExApp
	if err := c.call(deployTimeout, http.MethodPost, "/api/exapps", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateExApp redeploys an ExApp from a new manifest
func (c *Client) UpdateExApp(appID string, req api.UpdateExApp) (*types.ExApp, error) {
	var out types.ExApp
	if err := c.call(deployTimeout, http.MethodPut, "/api/exapps/"+url.PathEscape(appID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveExApp unregisters an ExApp and removes its instance
func (c *Client) RemoveExApp(appID string, keepContainer, removeData, force bool) error {
	q := url.Values{}
	q.Set("keep_container", strconv.FormatBool(keepContainer))
	q.Set("remove_data", strconv.FormatBool(removeData))
	q.Set("force", strconv.FormatBool(force))
	return c.call(defaultTimeout, http.MethodDelete, "/api/exapps/"+url.PathEscape(appID)+"?"+q.Encode(), nil, nil)
}

// GetExApp gets a registered ExApp
func (c *Client) GetExApp(appID string) (*types.ExApp, error) {
	var out types.ExApp
	if err := c.call(defaultTimeout, http.MethodGet, "/api/exapps/"+url.PathEscape(appID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListExApps lists all registered ExApps
func (c *Client) ListExApps() ([]*types.ExApp, error) {
	var out []*types.ExApp
	if err := c.call(defaultTimeout, http.MethodGet, "/api/exapps", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExAppInfo reads an ExApp identity back from its daemon. daemon may be
// empty for registered ExApps.
func (c *Client) ExAppInfo(appID, daemon string) (*types.ExAppInfo, error) {
	path := "/api/exapps/" + url.PathEscape(appID) + "/info"
	if daemon != "" {
		path += "?daemon=" + url.QueryEscape(daemon)
	}
	var out types.ExAppInfo
	if err := c.call(defaultTimeout, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnableExApp enables an ExApp
func (c *Client) EnableExApp(appID string) (*types.ExApp, error) {
	var out types.ExApp
	if err := c.call(deployTimeout, http.MethodPost, "/api/exapps/"+url.PathEscape(appID)+"/enable", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DisableExApp disables an ExApp
func (c *Client) DisableExApp(appID string) (*types.ExApp, error) {
	var out types.ExApp
	if err := c.call(defaultTimeout, http.MethodPost, "/api/exapps/"+url.PathEscape(appID)+"/disable", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(timeout time.Duration, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach AppAPI: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var apiErr api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
