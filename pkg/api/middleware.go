package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/veridata/dnipipe/pkg/metrics"
)

// sessionHeader carries the tenant identity. Anything at least
// minSessionLen characters is accepted; the server never mints ids.
const (
	sessionHeader = "X-Session-ID"
	minSessionLen = 8
)

// tenantHandler is a handler that has already passed session extraction.
type tenantHandler func(w http.ResponseWriter, r *http.Request, tenantID string)

// withSession extracts and validates the session header, touches the
// session registry, and passes the tenant id down.
func (s *Server) withSession(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(sessionHeader)
		if len(tenantID) < minSessionLen {
			writeError(w, http.StatusBadRequest, "X-Session-ID header required (at least 8 characters)")
			return
		}
		s.deps.Sessions.Touch(tenantID)
		next(w, r, tenantID)
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with request counting and duration metrics.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(route))
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
