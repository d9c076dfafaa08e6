package webapi

import (
	"net/http"

	"github.com/marcuscabrera/simple-webmail-imap/pkg/health"
)

type HealthResponse struct {
	Status  health.ComponentStatus `json:"status"`
	Service string                 `json:"service"`
	Checks  []health.CheckResult   `json:"checks,omitempty"`
}

// handleHealth reports the last known state of the cache database and the
// upstream servers. Only an unhealthy critical component fails the check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: health.StatusHealthy, Service: serviceName}
	if s.health != nil {
		resp.Status = s.health.GetOverallStatus()
		resp.Checks = s.health.Results()
	}

	status := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
