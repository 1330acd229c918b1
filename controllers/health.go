package controllers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"shopassist/utils"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type HealthController struct {
	Name    string
	Version string
	Checks  map[string]HealthCheck
	Timeout time.Duration
}

// GET /health
func (c *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	names := make([]string, 0, len(c.Checks))
	for name := range c.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := c.Checks[name](ctx); err != nil {
			healthy = false
			checks[name] = "unavailable"
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	utils.WriteJSON(w, code, utils.APIResponse{
		Success: healthy,
		Message: status,
		Data:    map[string]interface{}{"status": status, "checks": checks},
	})
}

// GET /
func (c *HealthController) Info(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, utils.APIResponse{
		Success: true,
		Message: "Successfully",
		Data: map[string]interface{}{
			"name":    c.Name,
			"version": c.Version,
			"status":  "running",
		},
	})
}
