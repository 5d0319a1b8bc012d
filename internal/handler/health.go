package handler

import (
	"context"
	"net/http"
	"time"
)

const readyTimeout = 5 * time.Second

// HealthChecker is a dependency that can be pinged.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	checks []namedCheck
}

// NewHealthHandler creates a new HealthHandler. A nil db or cache is
// reported as "not configured" and does not fail readiness.
func NewHealthHandler(db, cache HealthChecker) *HealthHandler {
	return &HealthHandler{checks: []namedCheck{
		{name: "postgres", checker: db},
		{name: "redis", checker: cache},
	}}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz handles GET /healthz. It only reports that the process serves.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Readyz handles GET /readyz: 200 only when PostgreSQL and Redis answer.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for _, c := range h.checks {
		if c.checker == nil {
			resp.Checks[c.name] = "not configured"
			continue
		}
		if err := c.checker.Ping(ctx); err != nil {
			resp.Checks[c.name] = "error: " + err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}

	writeJSON(w, status, resp)
}
