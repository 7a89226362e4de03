package client

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud/app-api-sub001/pkg/api"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

func TestNewClient_Addresses(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{"http://127.0.0.1:8780", false},
		{"https://appapi.example.com/", false},
		{"unix:///run/appapi.sock", false},
		{"unix://", true},
		{"127.0.0.1:8780", true},
		{"ftp://host", true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			_, err := NewClient(tt.addr, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
		})
	}
}

func TestClient_SendsTokenAndDecodes(t *testing.T) {
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.RequestURI()
		_ = json.NewEncoder(w).Encode([]*types.ExApp{{AppID: "foo", Enabled: true}})
	}))
	t.Cleanup(server.Close)

	c, err := NewClient(server.URL, "tok")
	require.NoError(t, err)

	apps, err := c.ListExApps()
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "foo", apps[0].AppID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/api/exapps", gotPath)

	require.NoError(t, c.RemoveExApp("foo", true, false, false))
	assert.Equal(t, "/api/exapps/foo?force=false&keep_container=true&remove_data=false", gotPath)
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		message    string
		validation bool
	}{
		{"json error", http.StatusBadRequest, `{"error":"validation error"}`, "validation error", true},
		{"policy", http.StatusUnprocessableEntity, `{"error":"unapproved scopes"}`, "unapproved scopes", true},
		{"plain text", http.StatusBadGateway, "upstream down\n", "upstream down", false},
		{"empty body", http.StatusNotFound, "", "Not Found", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c, err := NewClient(server.URL, "")
			require.NoError(t, err)

			_, err = c.GetExApp("foo")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.message, apiErr.Message)
			assert.Equal(t, tt.validation, IsValidation(err))
		})
	}
}

func TestClient_UnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "appapi.sock")
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)

	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.HealthcheckResponse{Name: "docker_local", Healthy: true})
	}))
	server.Listener = lis
	server.Start()
	t.Cleanup(server.Close)

	c, err := NewClient("unix://"+sock, "")
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.HealthcheckDaemon("docker_local")
	require.NoError(t, err)
	assert.True(t, resp.Healthy)
}
