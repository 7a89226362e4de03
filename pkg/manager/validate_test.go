package manager

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

func signedRequest(app *types.ExApp, version, path string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	security.NewSigner("3.0.0").Sign(req, security.Credentials{
		AppID:   app.AppID,
		Version: version,
		Secret:  app.Secret,
	}, "admin", "", body)
	return req
}

func TestValidateExAppRequest(t *testing.T) {
	env := newTestEnv(t)
	app := env.deployFoo(t)
	body := []byte(`{"progress":10}`)

	got, userID, err := env.mgr.ValidateExAppRequest(signedRequest(app, "1.0", "/ocs/v1.php/apps/app_api/api/v1/notification", body), body)
	require.NoError(t, err)
	assert.Equal(t, "foo", got.AppID)
	assert.Equal(t, "admin", userID)

	// tampered body
	_, _, err = env.mgr.ValidateExAppRequest(signedRequest(app, "1.0", "/x", body), []byte(`{}`))
	assert.ErrorIs(t, err, security.ErrDataHashMismatch)

	// wrong secret
	other := *app
	other.Secret = "nope"
	_, _, err = env.mgr.ValidateExAppRequest(signedRequest(&other, "1.0", "/x", body), body)
	assert.ErrorIs(t, err, security.ErrInvalidAuthorization)

	// missing app id
	_, _, err = env.mgr.ValidateExAppRequest(httptest.NewRequest(http.MethodGet, "/x", nil), nil)
	assert.ErrorIs(t, err, security.ErrMissingAppID)
}

func TestValidateExAppRequest_VersionBump(t *testing.T) {
	env := newTestEnv(t)
	app := env.deployFoo(t)

	got, _, err := env.mgr.ValidateExAppRequest(signedRequest(app, "1.2.0", "/x", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", got.Version)

	// an older version never downgrades the record
	got, _, err = env.mgr.ValidateExAppRequest(signedRequest(app, "1.1", "/x", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", got.Version)

	req := signedRequest(app, "1.2.0", "/x", nil)
	req.Header.Del(security.HeaderExAppVersion)
	_, _, err = env.mgr.ValidateExAppRequest(req, nil)
	require.Error(t, err)
}

func TestValidateExAppRequest_Disabled(t *testing.T) {
	env := newTestEnv(t)
	app := env.deployFoo(t)
	_, err := env.mgr.Disable(context.Background(), "foo")
	require.NoError(t, err)

	_, _, err = env.mgr.ValidateExAppRequest(signedRequest(app, "1.0", "/ocs/v1.php/apps/app_api/api/v1/log", nil), nil)
	assert.ErrorIs(t, err, ErrDisabled)

	_, _, err = env.mgr.ValidateExAppRequest(signedRequest(app, "1.0", "/ocs/v1.php/apps/app_api"+StatePath, nil), nil)
	assert.NoError(t, err)

	_, _, err = env.mgr.ValidateExAppRequest(signedRequest(app, "1.0", "/api/exapps/foo/status", nil), nil)
	assert.NoError(t, err)

	_, _, err = env.mgr.ValidateExAppRequest(signedRequest(app, "1.0", "/api/exapps/bar/status", nil), nil)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.0.0", 0},
		{"1.1", "1.0.9", 1},
		{"1.10", "1.9", 1},
		{"2.0.0", "10.0.0", -1},
		{"1.0.0-beta", "1.0.0-alpha", 1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			if got := compareVersions(tt.a, tt.b); got != tt.want {
				t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
