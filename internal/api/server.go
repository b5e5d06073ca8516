package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/execution"
	"github.com/JakeFAU/nfse-harvester/internal/harvest"
	"github.com/JakeFAU/nfse-harvester/internal/metrics"
)

const defaultRequestTimeout = 30 * time.Second

// Executions is the subset of the execution manager the API drives.
type Executions interface {
	StartExecution(params harvest.JobParameters) (int64, error)
	GetExecution(id int64) (execution.Job, error)
	ListExecutions(f execution.ListFilter) execution.ListPage
	CancelExecution(id int64) bool
	Accepting() bool
}

// Options configures the HTTP surface.
type Options struct {
	APIKey          string
	RequestTimeout  time.Duration
	DefaultHeadless bool
	Gatherer        prometheus.Gatherer
	HTTPMetrics     *metrics.HTTP
}

// Server wires HTTP handlers to the execution manager.
type Server struct {
	router   chi.Router
	execs    Executions
	validate *validator.Validate
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(execs Executions, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		execs:    execs,
		validate: newValidator(),
		opts:     opts,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	if opts.HTTPMetrics != nil {
		r.Use(opts.HTTPMetrics.Middleware)
	}
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(opts.Gatherer))

	r.Route("/v1/executions", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/", s.startExecution)
		r.Get("/", s.listExecutions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getExecution)
			r.Post("/cancel", s.cancelExecution)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.execs.Accepting() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var req executionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := toParameters(s.validate, req, s.opts.DefaultHeadless)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.execs.StartExecution(params)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, harvest.ErrShuttingDown):
			status = http.StatusServiceUnavailable
		case errors.Is(err, harvest.ErrCapacityExceeded):
			status = http.StatusTooManyRequests
		case harvest.KindOf(err) == harvest.KindValidation:
			status = http.StatusBadRequest
		default:
			s.logger.Error("start execution failed",
				zap.String("request_id", RequestID(r.Context())),
				zap.Error(err),
			)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": id,
		"status": harvest.JobStatusStarting,
	})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page := s.execs.ListExecutions(execution.ListFilter{Status: status, Offset: offset, Limit: limit})
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.execs.GetExecution(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.execs.GetExecution(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if !s.execs.CancelExecution(id) {
		writeError(w, http.StatusConflict, "execution already "+string(job.Status))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": harvest.JobStatusCancelled})
}

func parseJobID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid execution id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit := 0
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (harvest.JobStatus, error) {
	status := harvest.JobStatus(strings.ToLower(strings.TrimSpace(input)))
	switch status {
	case "", harvest.JobStatusStarting, harvest.JobStatusRunning, harvest.JobStatusCompleted,
		harvest.JobStatusFailed, harvest.JobStatusCancelled:
		return status, nil
	default:
		return "", errors.New("invalid status")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
