package deploy

import (
	"fmt"
	"strings"

	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// HaproxyUser is the basic-auth user HAProxy and HaRP expect
const HaproxyUser = "app_api_haproxy_user"

// harpExAppURL is <nextcloud_url>/exapps/<appid>, the route HaRP serves ExApps on
func harpExAppURL(s Settings, daemon *types.DaemonConfig, appID string) string {
	base := daemon.DeployConfig.NextcloudURL
	if base == "" {
		base = s.NextcloudURL
	}
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/index.php")
	return fmt.Sprintf("%s/exapps/%s", base, appID)
}

// resolveExAppURL is the URL rule for directly reachable ExApps
func resolveExAppURL(s Settings, daemon *types.DaemonConfig, app *types.ExApp) (string, *BasicAuth, error) {
	if daemon.IsHarp() {
		return harpExAppURL(s, daemon, app.AppID), nil, nil
	}

	protocol := app.Protocol
	if protocol == "" {
		protocol = "http"
	}

	if override := daemon.DeployConfig.AdditionalOptions["OVERRIDE_APP_HOST"]; override != "" && !wildcardHosts[override] {
		return fmt.Sprintf("%s://%s:%d", protocol, override, app.Port), nil, nil
	}

	host, _, _ := strings.Cut(daemon.Host, ":")
	var exAppHost string
	switch {
	case protocol == "https":
		exAppHost = host
	case daemon.NetworkMode() == types.NetworkHost:
		exAppHost = "localhost"
	default:
		exAppHost = app.AppID
	}

	var auth *BasicAuth
	if protocol == "https" && daemon.DeployConfig.HaproxyPassword != "" {
		key, err := s.decryptSharedKey(daemon)
		if err != nil {
			return "", nil, err
		}
		auth = &BasicAuth{Username: HaproxyUser, Password: key}
	}

	return fmt.Sprintf("%s://%s:%d", protocol, exAppHost, app.Port), auth, nil
}
