package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"recurring-scheduler/internal/logging"
	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/ratelimit"
	"recurring-scheduler/internal/scheduler"
	"recurring-scheduler/internal/store"
	"recurring-scheduler/internal/telemetry"
)

// Server wires HTTP handlers for the job management API.
type Server struct {
	svc     *scheduler.Service
	store   store.Store
	limiter ratelimit.Limiter
	log     *zap.SugaredLogger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(svc *scheduler.Service, st store.Store, limiter ratelimit.Limiter, log *zap.SugaredLogger) *Server {
	return &Server{
		svc:     svc,
		store:   st,
		limiter: limiter,
		log:     log.With(logging.FieldComponent, "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.With(s.rateLimit).Post("/interval", s.handleRegisterInterval)
		r.With(s.rateLimit).Post("/cron", s.handleRegisterCron)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleDelete)
		r.Get("/by-name/{name}", s.handleGetByName)
		r.Delete("/by-name/{name}", s.handleDeleteByName)
	})
	r.With(contentTypeJSON).Get("/calls/{handle}", s.handleGetCall)
	return r
}

type registerIntervalRequest struct {
	Name     string      `json:"name"`
	PeriodMs int64       `json:"period_ms"`
	Target   string      `json:"target"`
	Args     models.Args `json:"args"`
}

type registerCronRequest struct {
	Name     string      `json:"name"`
	Cronspec string      `json:"cronspec"`
	Target   string      `json:"target"`
	Args     models.Args `json:"args"`
}

type registerResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func (s *Server) handleRegisterInterval(w http.ResponseWriter, r *http.Request) {
	var req registerIntervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid json"))
		return
	}
	period, err := periodFromMillis(req.PeriodMs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.svc.RegisterInterval(r.Context(), req.Name, period, req.Target, req.Args)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{ID: id})
}

// maxPeriodMs is the longest period in milliseconds that fits a time.Duration.
const maxPeriodMs = math.MaxInt64 / int64(time.Millisecond)

func periodFromMillis(ms int64) (time.Duration, error) {
	if ms > maxPeriodMs {
		return 0, errors.WithHint(errors.Wrapf(scheduler.ErrIntervalTooLong, "period_ms %d", ms),
			"use a period_ms of at most 9223372036854")
	}
	if ms < 0 {
		return 0, errors.Wrapf(scheduler.ErrIntervalTooShort, "period_ms %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s *Server) handleRegisterCron(w http.ResponseWriter, r *http.Request) {
	var req registerCronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid json"))
		return
	}
	id, err := s.svc.RegisterCron(r.Context(), req.Name, req.Cronspec, req.Target, req.Args)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{ID: id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, found, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	s.writeJob(w, r, job, found, err)
}

func (s *Server) handleGetByName(w http.ResponseWriter, r *http.Request) {
	job, found, err := s.svc.GetByName(r.Context(), chi.URLParam(r, "name"))
	s.writeJob(w, r, job, found, err)
}

func (s *Server) writeJob(w http.ResponseWriter, r *http.Request, job models.Job, found bool, err error) {
	switch {
	case err != nil:
		s.fail(w, r, err)
	case !found:
		writeError(w, http.StatusNotFound, scheduler.ErrNotFound)
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteByName(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteByName(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	handle := models.Handle(chi.URLParam(r, "handle"))
	call, err := store.InTx(r.Context(), s.store, func(ctx context.Context, tx store.Tx) (models.ScheduledCall, error) {
		return tx.GetCall(ctx, handle)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		client := clientFromRequest(r)
		allowed, _, err := s.limiter.Allow(r.Context(), client)
		if err != nil {
			s.log.Errorw("rate limiter", "client", client, logging.FieldError, err)
			writeError(w, http.StatusInternalServerError, errors.New("rate limit error"))
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, errors.New("rate limited"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fail maps service errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case scheduler.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, scheduler.ErrDuplicateName):
		writeError(w, http.StatusConflict, err)
	default:
		s.log.Errorw("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), logging.FieldError, err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, err error) {
	resp := errorResponse{Error: err.Error()}
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		resp.Hint = hints[0]
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
