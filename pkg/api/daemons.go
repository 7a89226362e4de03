package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// maskedSecret replaces stored credentials in API responses
const maskedSecret = "dummySecret123"

// HealthcheckResponse is the body of GET /api/daemons/{name}/healthcheck
type HealthcheckResponse struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// registryFromParam selects the mapping removed by DELETE .../registries
const registryFromParam = "from"

func (s *Server) registerDaemon(w http.ResponseWriter, r *http.Request) {
	var daemon types.DaemonConfig
	if err := decode(r, &daemon); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.manager.RegisterDaemon(r.Context(), &daemon)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, maskDaemon(created))
}

func (s *Server) listDaemons(w http.ResponseWriter, r *http.Request) {
	daemons, err := s.manager.ListDaemons()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]*types.DaemonConfig, 0, len(daemons))
	for _, d := range daemons {
		out = append(out, maskDaemon(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getDaemon(w http.ResponseWriter, r *http.Request) {
	daemon, err := s.manager.GetDaemon(chi.URLParam(r, "name"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maskDaemon(daemon))
}

func (s *Server) unregisterDaemon(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.UnregisterDaemon(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) healthcheckDaemon(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.manager.GetDaemon(name); err != nil {
		writeServiceError(w, err)
		return
	}

	resp := HealthcheckResponse{Name: name, Healthy: true}
	if err := s.manager.Healthcheck(r.Context(), name); err != nil {
		resp.Healthy = false
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) addRegistryMapping(w http.ResponseWriter, r *http.Request) {
	var mapping types.RegistryMapping
	if err := decode(r, &mapping); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	daemon, err := s.manager.AddRegistryMapping(chi.URLParam(r, "name"), mapping)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maskDaemon(daemon))
}

func (s *Server) removeRegistryMapping(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get(registryFromParam)
	if from == "" {
		writeError(w, http.StatusBadRequest, "query parameter from is required")
		return
	}

	daemon, err := s.manager.RemoveRegistryMapping(chi.URLParam(r, "name"), from)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maskDaemon(daemon))
}

// maskDaemon returns a copy without the HaRP shared key
func maskDaemon(d *types.DaemonConfig) *types.DaemonConfig {
	out := *d
	if out.DeployConfig.HaproxyPassword != "" {
		out.DeployConfig.HaproxyPassword = maskedSecret
	}
	if out.DeployConfig.SSLKeyPassword != "" {
		out.DeployConfig.SSLKeyPassword = maskedSecret
	}
	return &out
}
