package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	requestrouter "edgeway/contexts/edge-inference/request-router"
	routerdomainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
	routerhttp "edgeway/contexts/edge-inference/request-router/transport/http"

	_ "edgeway/internal/platform/httpserver/docs"
	httpSwagger "github.com/swaggo/http-swagger"
)

const defaultMaxBodyBytes int64 = 8 << 20

type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	MaxBodyBytes      int64
	EnableSwagger     bool
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

type Server struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	opts    Options
	gateway requestrouter.Module
	server  *http.Server
}

func New(gateway requestrouter.Module, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		mux:     http.NewServeMux(),
		logger:  logger,
		opts:    opts,
		gateway: gateway,
	}
	s.registerRoutes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server starting",
		"event", "http_server_starting",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.opts.Addr,
	)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server stopping",
		"event", "http_server_stopping",
		"module", "internal/platform/httpserver",
		"layer", "platform",
	)
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	if s.opts.EnableSwagger {
		s.mux.Handle("/swagger/", httpSwagger.Handler(
			httpSwagger.URL("/swagger/doc.json"),
		))
	}
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}

	s.mux.HandleFunc("POST /v1/mcp/completions", s.handleSubmitCompletion)
	s.mux.HandleFunc("GET /v1/queue/status", s.handleQueueStatus)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/requests/{request_id}", s.handleGetRequest)
	s.mux.HandleFunc("GET /v1/dead-letters", s.handleListDeadLetters)
	s.mux.HandleFunc("POST /v1/dead-letters/{request_id}/replay", s.handleReplayDeadLetter)
}

func (s *Server) handleSubmitCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "request body could not be read")
		return
	}
	req, err := routerhttp.DecodeCompletionRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")

	resp, err := s.gateway.Handler.SubmitCompletionHandler(r.Context(), req)
	if err != nil {
		if resp.RequestID != "" {
			w.Header().Set("X-Request-Id", resp.RequestID)
		}
		writeDomainError(w, err)
		return
	}
	w.Header().Set("X-Request-Id", resp.RequestID)
	if resp.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}

	if resp.StatusURL != "" {
		w.Header().Set("Location", resp.StatusURL)
		writeJSON(w, http.StatusAccepted, routerhttp.QueuedResponse{
			Status:    resp.Status,
			RequestID: resp.RequestID,
			StatusURL: resp.StatusURL,
			Replayed:  resp.Replayed,
		})
		return
	}
	if len(resp.Body) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if resp.Backend != "" {
		w.Header().Set("X-Backend", resp.Backend)
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.gateway.Handler.QueueStatusHandler(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := s.gateway.Handler.HealthHandler(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	resp, err := s.gateway.Handler.GetRequestHandler(r.Context(), r.PathValue("request_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	resp, err := s.gateway.Handler.ListDeadLettersHandler(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	resp, err := s.gateway.Handler.ReplayDeadLetterHandler(r.Context(), r.PathValue("request_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if resp.StatusURL != "" {
		w.Header().Set("Location", resp.StatusURL)
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, routerdomainerrors.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, routerdomainerrors.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "request_not_found", err.Error())
	case errors.Is(err, routerdomainerrors.ErrIdempotencyKeyConflict):
		writeError(w, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, routerdomainerrors.ErrNotDeadLettered):
		writeError(w, http.StatusConflict, "not_dead_lettered", err.Error())
	case errors.Is(err, routerdomainerrors.ErrDeadlineExpired):
		writeError(w, http.StatusGone, "deadline_expired", err.Error())
	case errors.Is(err, routerdomainerrors.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
	case errors.Is(err, routerdomainerrors.ErrAdmissionDenied):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "over_capacity", err.Error())
	case errors.Is(err, routerdomainerrors.ErrAccountingInvariant):
		writeError(w, http.StatusServiceUnavailable, "accounting_invariant", err.Error())
	case errors.Is(err, routerdomainerrors.ErrDeadLettered):
		writeError(w, http.StatusBadGateway, "dead_lettered", err.Error())
	case errors.Is(err, routerdomainerrors.ErrBackendDispatch),
		errors.Is(err, routerdomainerrors.ErrNoBackendAvailable):
		writeError(w, http.StatusBadGateway, "dispatch_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, routerhttp.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
