package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// harpBasePath is where HaRP serves the AppAPI control routes
const harpBasePath = "/exapps/app_api"

// maxHarpBody bounds how much of a HaRP response is read
const maxHarpBody = 4 << 20

// harpClient speaks HaRP's JSON control protocol for one daemon
type harpClient struct {
	baseURL   string
	client    *http.Client
	sharedKey string
	timeout   time.Duration
}

func newHarpClient(s Settings, daemon *types.DaemonConfig) (*harpClient, error) {
	client, err := newDaemonHTTPClient(s, daemon, false)
	if err != nil {
		return nil, err
	}
	key, err := s.decryptSharedKey(daemon)
	if err != nil {
		return nil, err
	}
	return &harpClient{
		baseURL:   daemonBaseURL(daemon) + harpBasePath,
		client:    client,
		sharedKey: key,
		timeout:   s.HTTPTimeout,
	}, nil
}

// harpReply is a raw HaRP response; non-2xx statuses are not errors here
type harpReply struct {
	Status int
	Body   []byte
}

func (r *harpReply) decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("invalid JSON response from HaRP: %w", err)
	}
	return nil
}

func (r *harpReply) text() string {
	return strings.TrimSpace(string(r.Body))
}

// do sends one request. route is relative to /exapps/app_api. A zero timeout
// uses the client default.
func (h *harpClient) do(ctx context.Context, method, route string, payload interface{}, timeout time.Duration) (*harpReply, error) {
	if timeout == 0 {
		timeout = h.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := h.baseURL + "/" + strings.TrimLeft(route, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.sharedKey != "" {
		req.Header.Set(security.HeaderHarpSharedKey, h.sharedKey)
		req.SetBasicAuth(HaproxyUser, h.sharedKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHarpBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read HaRP response: %w", err)
	}
	return &harpReply{Status: resp.StatusCode, Body: data}, nil
}

func (h *harpClient) post(ctx context.Context, route string, payload interface{}, timeout time.Duration) (*harpReply, error) {
	return h.do(ctx, http.MethodPost, route, payload, timeout)
}

// namePayload identifies an ExApp (and optionally one of its roles) to HaRP
type namePayload struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
	RoleSuffix string `json:"role_suffix,omitempty"`
}

// waitForStartReply is the answer of */exapp/wait_for_start
type waitForStartReply struct {
	Started bool   `json:"started"`
	Status  string `json:"status"`
	Health  string `json:"health"`
	Reason  string `json:"reason"`
}

// certsPayload is the body of */exapp/install_certificates
type certsPayload struct {
	namePayload
	SystemCertsBundle *string `json:"system_certs_bundle"`
	InstallFRPCerts   bool    `json:"install_frp_certs"`
}

// HarpRoute is one ExApp route as HaRP enforces it
type HarpRoute struct {
	URL                  string            `json:"url"`
	AccessLevel          types.AccessLevel `json:"access_level"`
	BruteforceProtection []int             `json:"bruteforce_protection"`
}

// HarpExApp is what HaRP stores per ExApp to route and authenticate it
type HarpExApp struct {
	Token   string      `json:"exapp_token"`
	Version string      `json:"exapp_version"`
	Host    string      `json:"host"`
	Port    int         `json:"port"`
	Routes  []HarpRoute `json:"routes"`
}

// HarpStorage keeps HaRP's ExApp registry in sync with local registrations
type HarpStorage struct {
	settings Settings
}

// NewHarpStorage creates a HaRP registry syncer
func NewHarpStorage(settings Settings) *HarpStorage {
	return &HarpStorage{settings: settings.WithDefaults()}
}

// harpExAppHost is the host HaRP forwards to for a registered ExApp
func harpExAppHost(daemon *types.DaemonConfig, app *types.ExApp) string {
	if daemon.IsHarpDirectConnect() {
		if override := daemon.DeployConfig.AdditionalOptions["OVERRIDE_APP_HOST"]; override != "" && !wildcardHosts[override] {
			return override
		}
		if app.AcceptsDeployID != types.DeployKindManual {
			return app.AppID
		}
	}
	return "127.0.0.1"
}

// BuildHarpExApp converts a registered ExApp into HaRP's record
func BuildHarpExApp(daemon *types.DaemonConfig, app *types.ExApp) HarpExApp {
	routes := make([]HarpRoute, 0, len(app.Routes))
	for _, r := range app.Routes {
		bp := r.BruteforceProtection
		if bp == nil {
			bp = []int{}
		}
		routes = append(routes, HarpRoute{URL: r.URL, AccessLevel: r.AccessLevel, BruteforceProtection: bp})
	}
	return HarpExApp{
		Token:   app.Secret,
		Version: app.Version,
		Host:    harpExAppHost(daemon, app),
		Port:    app.Port,
		Routes:  routes,
	}
}

// Add publishes app to HaRP. It is a no-op for daemons without HaRP.
func (hs *HarpStorage) Add(ctx context.Context, daemon *types.DaemonConfig, app *types.ExApp) error {
	if !daemon.IsHarp() {
		return nil
	}
	h, err := newHarpClient(hs.settings, daemon)
	if err != nil {
		return err
	}
	reply, err := h.post(ctx, "exapp_storage/"+app.AppID, BuildHarpExApp(daemon, app), 0)
	if err != nil {
		return fmt.Errorf("failed to add ExApp %s to HaRP: %w", app.AppID, err)
	}
	if reply.Status/100 != 2 {
		return fmt.Errorf("failed to add ExApp %s to HaRP (status %d): %s", app.AppID, reply.Status, reply.text())
	}
	return nil
}

// Remove drops app from HaRP. A 404 counts as success.
func (hs *HarpStorage) Remove(ctx context.Context, daemon *types.DaemonConfig, appID string) error {
	if !daemon.IsHarp() {
		return nil
	}
	h, err := newHarpClient(hs.settings, daemon)
	if err != nil {
		return err
	}
	reply, err := h.do(ctx, http.MethodDelete, "exapp_storage/"+appID, nil, 0)
	if err != nil {
		return fmt.Errorf("failed to remove ExApp %s from HaRP: %w", appID, err)
	}
	if reply.Status/100 != 2 && reply.Status != http.StatusNotFound {
		return fmt.Errorf("failed to remove ExApp %s from HaRP (status %d): %s", appID, reply.Status, reply.text())
	}
	return nil
}

// readCABundle returns the bundle contents for install_certificates, or nil
// when no bundle is configured or readable
func readCABundle(path string, read func(string) ([]byte, error)) *string {
	if path == "" {
		return nil
	}
	data, err := read(path)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}
