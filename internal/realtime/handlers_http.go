package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthCheck probes one dependency for /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	healthy := true
	for _, hc := range s.health {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = err.Error()
			healthy = false
			continue
		}
		checks[hc.Name] = "ok"
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":      status,
		"checks":      checks,
		"connections": atomic.LoadInt64(&s.currentConns),
		"max":         s.config.MaxConnections,
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.system != nil {
		resp["system"] = s.system.Snapshot()
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}
