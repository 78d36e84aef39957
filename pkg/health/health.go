// Package health provides the liveness and readiness HTTP handlers.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/veridata/dnipipe/pkg/storage"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// Handler serves /health and /ready.
type Handler struct {
	store   storage.Store
	version string
	start   time.Time
}

// NewHandler creates a health handler over the store.
func NewHandler(store storage.Store, version string) *Handler {
	return &Handler{store: store, version: version, start: time.Now()}
}

// Health reports process liveness. Always 200 while the process serves.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
		Uptime:    time.Since(h.start).String(),
	})
}

// Ready reports whether the store is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := "ready"
	code := http.StatusOK
	message := ""

	if err := h.store.Ping(); err != nil {
		checks["storage"] = "not ready: " + err.Error()
		status = "not_ready"
		code = http.StatusServiceUnavailable
		message = "waiting for storage"
	} else {
		checks["storage"] = "ready"
	}

	writeJSON(w, code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
