package api

import (
	"net/http"
	"strconv"

	"github.com/cuemby/warren/pkg/metrics"
)

// statusRecorder captures the status code written by a handler so the
// instrumentation wrapper can log/measure it without the handler itself
// needing to know about metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps h to log and record Prometheus metrics for route,
// mirroring the teacher's Info-on-completion/Error-on-failure request
// logging convention (§10).
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()

		h(rec, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()

		logEvent := s.log.Info()
		if rec.status >= 500 {
			logEvent = s.log.Error()
		} else if rec.status >= 400 {
			logEvent = s.log.Warn()
		}
		logEvent.
			Str("route", route).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("request handled")
	}
}
