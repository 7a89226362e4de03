package api

import (
	"fmt"
	"net/http"

	"github.com/nextcloud/app-api-sub001/pkg/metrics"
)

// readyHandler implements the /ready endpoint. It checks storage before
// reporting the readiness of the critical components.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.checkStorage()
	metrics.ReadyHandler()(w, r)
}

// checkStorage records whether the store still answers a simple read
func (s *Server) checkStorage() {
	if s.manager == nil {
		metrics.UpdateComponent("storage", false, "manager not initialized")
		return
	}
	if _, err := s.manager.ListDaemons(); err != nil {
		metrics.UpdateComponent("storage", false, fmt.Sprintf("error: %v", err))
		return
	}
	metrics.UpdateComponent("storage", true, "ok")
}
