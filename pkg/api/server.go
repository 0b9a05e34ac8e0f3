// Package api implements the HTTP surface (C8) described in
// SPEC_FULL.md §4.9/§6: a conventional REST shape built on Go 1.22+'s
// enhanced net/http.ServeMux method+path patterns, grounded on the
// teacher's pkg/api/health.go mux-and-timeout shape and generalized to
// the full build/worker route table.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warren/pkg/auth"
	"github.com/cuemby/warren/pkg/controller"
	"github.com/cuemby/warren/pkg/metrics"
)

// Server holds every dependency an HTTP handler needs and owns the
// http.Server lifecycle.
type Server struct {
	ctl            *controller.Controller
	verifier       *auth.Verifier
	maxUploadBytes int64
	log            zerolog.Logger

	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer wires the full route table against ctl and verifier.
func NewServer(ctl *controller.Controller, verifier *auth.Verifier, maxUploadBytes int64, logger zerolog.Logger) *Server {
	s := &Server{
		ctl:            ctl,
		verifier:       verifier,
		maxUploadBytes: maxUploadBytes,
		log:            logger,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Public, unauthenticated surface.
	s.mux.HandleFunc("GET /health", s.instrument("health", s.handleHealth))
	s.mux.HandleFunc("GET /api/stats", s.instrument("stats", s.handleStats))
	s.mux.HandleFunc("GET /public/stats", s.instrument("public_stats", s.handleStats))
	s.mux.Handle("GET /metrics", metrics.Handler())

	// Admin-authenticated dashboard event stream.
	s.mux.HandleFunc("GET /api/events", s.instrument("events", s.handleEvents))

	// Build submission, listing, and lifecycle (admin or submitter).
	s.mux.HandleFunc("POST /api/builds", s.instrument("builds.submit", s.handleSubmitBuild))
	s.mux.HandleFunc("POST /api/builds/submit", s.instrument("builds.submit", s.handleSubmitBuild))
	s.mux.HandleFunc("GET /api/builds", s.instrument("builds.list", s.handleListBuilds))
	s.mux.HandleFunc("GET /api/builds/active", s.instrument("builds.active", s.handleActiveBuilds))
	s.mux.HandleFunc("GET /api/builds/statistics", s.instrument("builds.statistics", s.handleBuildStatistics))
	s.mux.HandleFunc("GET /api/builds/{id}", s.instrument("builds.get", s.handleGetBuild))
	s.mux.HandleFunc("GET /api/builds/{id}/status", s.instrument("builds.status", s.handleBuildStatus))
	s.mux.HandleFunc("GET /api/builds/{id}/logs", s.instrument("builds.logs", s.handleBuildLogs))
	s.mux.HandleFunc("GET /api/builds/{id}/download", s.instrument("builds.download", s.handleDownload))
	s.mux.HandleFunc("GET /api/builds/{id}/download/{type}", s.instrument("builds.download", s.handleDownload))
	s.mux.HandleFunc("POST /api/builds/{id}/cancel", s.instrument("builds.cancel", s.handleCancelBuild))
	s.mux.HandleFunc("POST /api/builds/{id}/retry", s.instrument("builds.retry", s.handleRetryBuild))

	// VM credential exchange and worker-scoped artifact access.
	s.mux.HandleFunc("POST /api/builds/{id}/authenticate", s.instrument("builds.authenticate", s.handleAuthenticateVM))
	s.mux.HandleFunc("GET /api/builds/{id}/source", s.instrument("builds.source", s.handleWorkerArtifact))
	s.mux.HandleFunc("GET /api/builds/{id}/certs", s.instrument("builds.certs", s.handleWorkerArtifact))
	s.mux.HandleFunc("GET /api/builds/{id}/certs-secure", s.instrument("builds.certs_secure", s.handleCertsSecure))
	s.mux.HandleFunc("POST /api/builds/{id}/heartbeat", s.instrument("builds.vm_heartbeat", s.handleVMHeartbeat))
	s.mux.HandleFunc("POST /api/builds/{id}/telemetry", s.instrument("builds.vm_telemetry", s.handleVMTelemetry))
	s.mux.HandleFunc("POST /api/builds/{id}/logs", s.instrument("builds.vm_logs", s.handleVMLogs))

	// Worker registry.
	s.mux.HandleFunc("POST /api/workers/register", s.instrument("workers.register", s.handleRegisterWorker))
	s.mux.HandleFunc("POST /api/workers/unregister", s.instrument("workers.unregister", s.handleUnregisterWorker))
	s.mux.HandleFunc("POST /api/workers/abandon", s.instrument("workers.abandon", s.handleAbandonBuild))
	s.mux.HandleFunc("GET /api/workers/poll", s.instrument("workers.poll", s.handlePollWorker))
	s.mux.HandleFunc("POST /api/workers/result", s.instrument("workers.result", s.handleWorkerResult))
	s.mux.HandleFunc("POST /api/workers/upload", s.instrument("workers.result", s.handleWorkerResult))
	s.mux.HandleFunc("POST /api/workers/fail", s.instrument("workers.fail", s.handleWorkerFail))
	s.mux.HandleFunc("POST /api/workers/heartbeat", s.instrument("workers.heartbeat", s.handleWorkerHeartbeat))
	s.mux.HandleFunc("GET /api/workers/{id}/stats", s.instrument("workers.stats", s.handleWorkerStats))
}

// Handler exposes the wired mux, e.g. for httptest in package tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start runs the HTTP server on addr until Shutdown is called.
// ReadTimeout/WriteTimeout are intentionally left unbounded unlike the
// teacher's health-only server (§10): build artifacts stream up to
// max_upload_bytes and a fixed deadline would abort legitimate large
// transfers. ReadHeaderTimeout and IdleTimeout still bound a slow-loris
// client.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
