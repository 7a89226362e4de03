package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Overall states reported by /health and /ready
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus is the body of /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// DefaultCriticalComponents gate readiness. A failing non-critical
// component, such as an unreachable daemon, only degrades /health.
var DefaultCriticalComponents = []string{"storage", "api"}

// ComponentHealth is the last report of one component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

type componentRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   map[string]bool
	startTime  time.Time
	version    string
}

var components = newComponentRegistry()

func newComponentRegistry() *componentRegistry {
	r := &componentRegistry{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
	r.setCritical(DefaultCriticalComponents)
	return r
}

func (r *componentRegistry) setCritical(names []string) {
	r.critical = make(map[string]bool, len(names))
	for _, name := range names {
		r.critical[name] = true
	}
}

func (r *componentRegistry) status(status, message string, comps map[string]string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: comps,
		Message:    message,
		Version:    r.version,
		Uptime:     time.Since(r.startTime).Round(time.Second).String(),
	}
}

// SetCriticalComponents replaces the components checked by readiness
func SetCriticalComponents(names ...string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.setCritical(names)
}

// SetVersion sets the version reported by /health and /ready
func SetVersion(version string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.version = version
}

// RegisterComponent records the state of a component, replacing any
// earlier report
func RegisterComponent(name string, healthy bool, message string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent is RegisterComponent, named for periodic reporters
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth is unhealthy when a critical component fails and degraded when
// any other component does
func GetHealth() HealthStatus {
	components.mu.RLock()
	defer components.mu.RUnlock()

	status := StatusHealthy
	comps := make(map[string]string, len(components.components))
	for name, comp := range components.components {
		if comp.Healthy {
			comps[name] = StatusHealthy
			continue
		}
		comps[name] = StatusUnhealthy + ": " + comp.Message
		if components.critical[name] {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}
	return components.status(status, "", comps)
}

// GetReadiness is ready once every critical component reported healthy
func GetReadiness() HealthStatus {
	components.mu.RLock()
	defer components.mu.RUnlock()

	status := StatusReady
	message := ""
	comps := make(map[string]string, len(components.critical))
	for name := range components.critical {
		comp, ok := components.components[name]
		switch {
		case !ok:
			status = StatusNotReady
			message = "waiting for " + name + " initialization"
			comps[name] = "not registered"
		case !comp.Healthy:
			status = StatusNotReady
			message = "waiting for " + name
			comps[name] = "not ready: " + comp.Message
		default:
			comps[name] = StatusReady
		}
	}
	return components.status(status, message, comps)
}

func writeHealth(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves /health. Only an unhealthy critical component turns
// it into a 503.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, health)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, readiness)
	}
}

// LivenessHandler serves /live, 200 for as long as the process answers
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components.mu.RLock()
		uptime := time.Since(components.startTime).Round(time.Second)
		components.mu.RUnlock()
		writeHealth(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": uptime.String(),
		})
	}
}
