package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// HealthResponse is the body served by HealthHandler.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthHandler reports the live session count and worker queue depth. The server is healthy
// until Shutdown begins.
func (s *Server) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{
			Status: "healthy",
			Checks: map[string]string{
				"sessions":    fmt.Sprintf("ok: %d", s.sessions.Len()),
				"worker_pool": fmt.Sprintf("ok: queued %d", s.pool.QueueDepth()),
			},
			Version: s.info.Version,
		}

		status := http.StatusOK
		s.lifecycle.Lock()
		if s.shuttingDown {
			resp.Status = "shutting_down"
			status = http.StatusServiceUnavailable
		}
		s.lifecycle.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})
}
