package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	components = newComponentRegistry()
	t.Cleanup(func() { components = newComponentRegistry() })
}

func TestRegisterComponent(t *testing.T) {
	resetHealth(t)

	RegisterComponent("storage", true, "bolt open")
	UpdateComponent("storage", false, "disk full")

	comp := components.components["storage"]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "disk full", comp.Message)
	assert.False(t, comp.Updated.IsZero())
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"all healthy", map[string]bool{"storage": true, "daemons": true}, StatusHealthy},
		{"nothing registered", nil, StatusHealthy},
		{"daemon unreachable", map[string]bool{"storage": true, "daemons": false}, StatusDegraded},
		{"storage failed", map[string]bool{"storage": false, "daemons": true}, StatusUnhealthy},
		{"critical wins over degraded", map[string]bool{"api": false, "daemons": false}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "reason")
			}
			assert.Equal(t, tt.want, GetHealth().Status)
		})
	}
}

func TestGetHealth_ComponentMessages(t *testing.T) {
	resetHealth(t)
	SetVersion("3.0.0")
	RegisterComponent("storage", true, "")
	RegisterComponent("daemons", false, "unreachable: docker_gone")

	health := GetHealth()
	assert.Equal(t, "3.0.0", health.Version)
	assert.Equal(t, StatusHealthy, health.Components["storage"])
	assert.Equal(t, "unhealthy: unreachable: docker_gone", health.Components["daemons"])
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"all critical ready", map[string]bool{"storage": true, "api": true}, StatusReady},
		{"api missing", map[string]bool{"storage": true}, StatusNotReady},
		{"storage unhealthy", map[string]bool{"storage": false, "api": true}, StatusNotReady},
		{"non-critical ignored", map[string]bool{"storage": true, "api": true, "daemons": false}, StatusReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}
			readiness := GetReadiness()
			assert.Equal(t, tt.want, readiness.Status, readiness.Message)
		})
	}
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealth(t)
	SetCriticalComponents("storage")
	RegisterComponent("storage", true, "")
	RegisterComponent("api", false, "not started")

	assert.Equal(t, StatusReady, GetReadiness().Status)
	assert.Equal(t, StatusDegraded, GetHealth().Status)
}

func TestHandlers(t *testing.T) {
	resetHealth(t)
	RegisterComponent("storage", true, "")
	RegisterComponent("daemons", false, "unreachable: docker_gone")

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantCode   int
		wantStatus string
	}{
		{"degraded health is still 200", HealthHandler(), http.StatusOK, StatusDegraded},
		{"ready without api", ReadyHandler(), http.StatusServiceUnavailable, StatusNotReady},
		{"live", LivenessHandler(), http.StatusOK, "alive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantStatus, body["status"])
		})
	}
}

func TestHealthHandler_CriticalFailure(t *testing.T) {
	resetHealth(t)
	RegisterComponent("storage", false, "disk full")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
