package manager

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// Endpoints a disabled ExApp may still call
const (
	StatePath = "/ex-app/state"
	// InitStatusPathFormat is where an ExApp reports init progress, before
	// it is enabled
	InitStatusPathFormat = "/api/exapps/%s/status"
)

// ValidateExAppRequest authenticates an ExApp→host call and returns the
// calling ExApp and the user it acts for. A higher EX-APP-VERSION than the
// stored one updates the record.
func (m *Manager) ValidateExAppRequest(r *http.Request, body []byte) (*types.ExApp, string, error) {
	appID := r.Header.Get(security.HeaderExAppID)
	if appID == "" {
		return nil, "", security.ErrMissingAppID
	}
	app, err := m.store.GetExApp(appID)
	if err != nil {
		return nil, "", err
	}

	userID, err := m.verifier.Verify(r, body, app.Secret)
	if err != nil {
		return nil, "", fmt.Errorf("ExApp %s request rejected: %w", appID, err)
	}

	if !app.Enabled && !allowedWhileDisabled(appID, r.URL.Path) {
		return nil, "", fmt.Errorf("%w: %s", ErrDisabled, appID)
	}

	version := r.Header.Get(security.HeaderExAppVersion)
	if version == "" {
		return nil, "", fmt.Errorf("ExApp %s request rejected: missing %s header", appID, security.HeaderExAppVersion)
	}
	if compareVersions(version, app.Version) > 0 {
		updated, err := m.store.MutateExApp(appID, func(a *types.ExApp) error {
			a.Version = version
			return nil
		})
		if err != nil {
			return nil, "", err
		}
		m.logger.Info().Str("appid", appID).Str("from", app.Version).Str("to", version).Msg("ExApp reported a new version")
		app = updated
	}

	return app, userID, nil
}

func allowedWhileDisabled(appID, path string) bool {
	path = strings.TrimRight(path, "/")
	return strings.HasSuffix(path, StatePath) || path == fmt.Sprintf(InitStatusPathFormat, appID)
}

// compareVersions compares dotted numeric versions. Non-numeric parts
// compare as strings.
func compareVersions(a, b string) int {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var sa, sb string
		if i < len(pa) {
			sa = pa[i]
		}
		if i < len(pb) {
			sb = pb[i]
		}
		na, errA := strconv.Atoi(nonEmpty(sa))
		nb, errB := strconv.Atoi(nonEmpty(sb))
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
		case sa != sb:
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func nonEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
