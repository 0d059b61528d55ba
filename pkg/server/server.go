/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server exposes the subsystem over HTTP: destination health and
// admission probes, DLQ metrics, and the archival operations, all behind
// header-based identity and per-operation authorization.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"

	"github.com/jordigilh/audittrail/pkg/archival"
	"github.com/jordigilh/audittrail/pkg/audit"
	"github.com/jordigilh/audittrail/pkg/auth"
	"github.com/jordigilh/audittrail/pkg/dlq"
	"github.com/jordigilh/audittrail/pkg/health"
)

// HealthAPI is the slice of the health tracker the server exposes.
type HealthAPI interface {
	GetHealth(ctx context.Context, destinationID string) (*health.DestinationHealth, error)
	ShouldAllowDelivery(ctx context.Context, destinationID string) (bool, error)
}

// DLQAPI reads the dead-letter metrics snapshot.
type DLQAPI interface {
	Metrics(ctx context.Context) (dlq.Metrics, error)
}

// ArchiveAPI is the slice of the archival engine the server exposes.
type ArchiveAPI interface {
	CreateArchive(ctx context.Context, records []*audit.Record, req archival.CreateRequest) (*archival.ArchiveResult, error)
	RetrieveArchivedData(ctx context.Context, req archival.RetrievalRequest) (*archival.RetrievalResult, error)
	ValidateAllArchives(ctx context.Context) (*archival.ValidationResult, error)
	CleanupOldArchives(ctx context.Context, dryRun bool) (*archival.CleanupResult, error)
	ArchiveByRetentionPolicies(ctx context.Context, dryRun bool) ([]archival.PolicyRunResult, error)
}

// Pinger checks one backing dependency for readiness.
type Pinger func(ctx context.Context) error

// MetricsRecorder receives HTTP instrumentation. pkg/metrics implements it.
type MetricsRecorder interface {
	ObserveHTTPRequest(method, route, status string, seconds float64)
}

type noopRecorder struct{}

func (noopRecorder) ObserveHTTPRequest(string, string, string, float64) {}

// Deps are the wired components behind the routes. MetricsHandler serves
// GET /metrics; a nil handler disables the route.
type Deps struct {
	Health         HealthAPI
	DLQ            DLQAPI
	Archives       ArchiveAPI
	ReadyChecks    map[string]Pinger
	MetricsHandler http.Handler
	Recorder       MetricsRecorder
}

// Config tunes the HTTP surface.
type Config struct {
	AllowedOrigins []string
}

// Server is the chi-backed HTTP surface.
type Server struct {
	deps     Deps
	cfg      Config
	log      logr.Logger
	recorder MetricsRecorder
	router   chi.Router

	shuttingDown atomic.Bool
}

// New builds the router.
func New(deps Deps, cfg Config, logger logr.Logger) *Server {
	recorder := deps.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	s := &Server{
		deps:     deps,
		cfg:      cfg,
		log:      logger.WithName("http"),
		recorder: recorder,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// SetShuttingDown flips readiness to 503. Liveness stays green so the
// orchestrator does not kill the process mid-drain.
func (s *Server) SetShuttingDown() { s.shuttingDown.Store(true) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(s.observeRequests)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", headerUserID, headerOrganization, headerRole, headerPermissions},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.userContext)
		r.Get("/destinations/{destinationID}/health",
			s.requireOperation(auth.OperationViewDestinationHealth, s.handleDestinationHealth))
		r.Post("/destinations/{destinationID}/admission",
			s.requireOperation(auth.OperationProbeAdmission, s.handleAdmission))
		r.Get("/dlq/metrics",
			s.requireOperation(auth.OperationViewDLQMetrics, s.handleDLQMetrics))
		r.Post("/archives",
			s.requireOperation(auth.OperationCreateArchive, s.handleCreateArchive))
		r.Get("/archives",
			s.requireOperation(auth.OperationViewArchives, s.handleRetrieveArchives))
		r.Post("/archives/validate",
			s.requireOperation(auth.OperationValidateArchives, s.handleValidateArchives))
		r.Post("/archives/cleanup",
			s.requireOperation(auth.OperationDeleteArchive, s.handleCleanup))
		r.Post("/retention/run",
			s.requireOperation(auth.OperationRunRetention, s.handleRetentionRun))
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is draining")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	for name, ping := range s.deps.ReadyChecks {
		if err := ping(ctx); err != nil {
			s.log.Error(err, "readiness check failed", "dependency", name)
			writeError(w, http.StatusServiceUnavailable, "not_ready", name+" unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleDestinationHealth(w http.ResponseWriter, r *http.Request) {
	destinationID := chi.URLParam(r, "destinationID")
	h, err := s.deps.Health.GetHealth(r.Context(), destinationID)
	if errors.Is(err, health.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "destination health not found")
		return
	}
	if err != nil {
		s.log.Error(err, "destination health lookup failed", "destination", destinationID)
		writeError(w, http.StatusInternalServerError, "internal", "health lookup failed")
		return
	}
	// Health rows written before multi-tenancy carry no organization; those
	// stay visible to any authenticated caller.
	if h.OrganizationID != "" {
		if err := userFrom(r.Context()).PreventCrossOrganizationAccess(h.OrganizationID); err != nil {
			writeError(w, http.StatusForbidden, "forbidden", auth.ReasonResourceDenied)
			return
		}
	}
	writeJSON(w, http.StatusOK, destinationHealthBody(h))
}

func (s *Server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	destinationID := chi.URLParam(r, "destinationID")
	allowed, err := s.deps.Health.ShouldAllowDelivery(r.Context(), destinationID)
	if err != nil {
		s.log.Error(err, "admission probe failed", "destination", destinationID)
		writeError(w, http.StatusInternalServerError, "internal", "admission probe failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"destinationId": destinationID,
		"allowed":       allowed,
	})
}

func (s *Server) handleDLQMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.deps.DLQ.Metrics(r.Context())
	if err != nil {
		s.log.Error(err, "DLQ metrics snapshot failed")
		writeError(w, http.StatusInternalServerError, "internal", "DLQ metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

type createArchiveRequest struct {
	Records            []*audit.Record `json:"records"`
	RetentionPolicy    string          `json:"retentionPolicy"`
	DataClassification string          `json:"dataClassification"`
}

func (s *Server) handleCreateArchive(w http.ResponseWriter, r *http.Request) {
	var req createArchiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}
	result, err := s.deps.Archives.CreateArchive(r.Context(), req.Records, archival.CreateRequest{
		RetentionPolicy:    req.RetentionPolicy,
		DataClassification: req.DataClassification,
	})
	if errors.Is(err, archival.ErrNoRecords) {
		writeError(w, http.StatusBadRequest, "bad_request", "no records to archive")
		return
	}
	if err != nil {
		var formatErr *archival.UnsupportedFormatError
		var compressionErr *archival.UnsupportedCompressionError
		if errors.As(err, &formatErr) || errors.As(err, &compressionErr) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		s.log.Error(err, "archive creation failed")
		writeError(w, http.StatusInternalServerError, "internal", "archive creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleRetrieveArchives(w http.ResponseWriter, r *http.Request) {
	req, err := retrievalRequestFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	result, err := s.deps.Archives.RetrieveArchivedData(r.Context(), req)
	if errors.Is(err, archival.ErrArchiveNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "archive not found")
		return
	}
	if err != nil {
		s.log.Error(err, "archive retrieval failed")
		writeError(w, http.StatusInternalServerError, "internal", "archive retrieval failed")
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Data: result,
		Pagination: &pagination{
			Limit:   req.Limit,
			Offset:  req.Offset,
			Total:   result.RecordCount,
			HasMore: req.Limit > 0 && result.RecordCount >= req.Limit,
		},
	})
}

func (s *Server) handleValidateArchives(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Archives.ValidateAllArchives(r.Context())
	if err != nil {
		s.log.Error(err, "archive validation sweep failed")
		writeError(w, http.StatusInternalServerError, "internal", "validation sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type dryRunRequest struct {
	DryRun bool `json:"dryRun"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req dryRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
			return
		}
	}
	result, err := s.deps.Archives.CleanupOldArchives(r.Context(), req.DryRun)
	if err != nil {
		s.log.Error(err, "archive cleanup failed")
		writeError(w, http.StatusInternalServerError, "internal", "archive cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRetentionRun(w http.ResponseWriter, r *http.Request) {
	var req dryRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
			return
		}
	}
	results, err := s.deps.Archives.ArchiveByRetentionPolicies(r.Context(), req.DryRun)
	if err != nil {
		s.log.Error(err, "retention run failed")
		writeError(w, http.StatusInternalServerError, "internal", "retention run failed")
		return
	}
	// Per-policy failures ride along as strings; the sweep itself succeeded.
	type policyBody struct {
		archival.PolicyRunResult
		Error string `json:"error,omitempty"`
	}
	body := make([]policyBody, 0, len(results))
	for _, result := range results {
		p := policyBody{PolicyRunResult: result}
		if result.Err != nil {
			p.Error = result.Err.Error()
		}
		body = append(body, p)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": body})
}

func retrievalRequestFromQuery(r *http.Request) (archival.RetrievalRequest, error) {
	q := r.URL.Query()
	req := archival.RetrievalRequest{
		ArchiveID:           q.Get("archive_id"),
		PrincipalID:         q.Get("principal_id"),
		DataClassifications: splitParam(q.Get("classification")),
		RetentionPolicies:   splitParam(q.Get("policy")),
		Actions:             splitParam(q.Get("actions")),
	}
	var err error
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		return req, errors.New("limit must be an integer")
	}
	if req.Offset, err = intParam(q.Get("offset")); err != nil {
		return req, errors.New("offset must be an integer")
	}
	start, end := q.Get("start"), q.Get("end")
	if start != "" || end != "" {
		dr := &archival.DateRange{}
		if start != "" {
			if dr.Start, err = time.Parse(time.RFC3339, start); err != nil {
				return req, errors.New("start must be RFC3339")
			}
		}
		if end != "" {
			if dr.End, err = time.Parse(time.RFC3339, end); err != nil {
				return req, errors.New("end must be RFC3339")
			}
		}
		req.DateRange = dr
	}
	return req, nil
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// destinationHealthBody shapes the health row for the wire.
func destinationHealthBody(h *health.DestinationHealth) map[string]interface{} {
	return map[string]interface{}{
		"destinationId":         h.DestinationID,
		"organizationId":        h.OrganizationID,
		"status":                string(h.Status),
		"circuitState":          string(h.CircuitState),
		"consecutiveFailures":   h.ConsecutiveFailures,
		"consecutiveSuccesses":  h.ConsecutiveSuccesses,
		"totalDeliveries":       h.TotalDeliveries,
		"totalFailures":         h.TotalFailures,
		"successRate":           h.SuccessRate(),
		"lastSuccessAt":         h.LastSuccessAt,
		"lastFailureAt":         h.LastFailureAt,
		"lastError":             h.LastError,
		"circuitOpenedAt":       h.CircuitOpenedAt,
		"disabledAt":            h.DisabledAt,
		"disabledReason":        h.DisabledReason,
		"averageResponseTimeMs": h.AverageResponseTimeMs,
		"updatedAt":             h.UpdatedAt,
	}
}
