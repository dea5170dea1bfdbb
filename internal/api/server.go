// Package api exposes the job service over HTTP.
package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"videogen-queue/internal/models"
	"videogen-queue/internal/ratelimit"
	"videogen-queue/internal/service"
	"videogen-queue/internal/store"
	"videogen-queue/internal/telemetry"
)

//go:embed static
var staticFiles embed.FS

// Limiter throttles submissions per client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// History reads a job's recorded lifecycle events.
type History interface {
	History(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

// Options are the optional collaborators of a Server.
type Options struct {
	Limiter        Limiter
	History        History
	OutputDir      string
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// Server wires HTTP handlers onto the job service.
type Server struct {
	svc     *service.Service
	limiter Limiter
	history History
	opts    Options
	logger  zerolog.Logger
}

// New constructs the API server.
func New(svc *service.Service, opts Options) *Server {
	return &Server{
		svc:     svc,
		limiter: opts.Limiter,
		history: opts.History,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, requestLogger(s.logger))
	r.Use(cors(s.opts.AllowedOrigins))

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/video", s.handleVideo)
		r.Get("/jobs/{id}/events", s.handleEvents)
	})
	return r
}

type generateRequest struct {
	Prompt *string `json:"prompt"`
	models.Params
}

type generateResponse struct {
	JobID  string        `json:"job_id"`
	Status models.Status `json:"status"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req := generateRequest{Params: s.svc.DefaultParams()}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Prompt == nil {
		writeError(w, http.StatusBadRequest, "Missing required field: prompt")
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.svc.Submit(r.Context(), *req.Prompt, req.Params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.svc.ListJobs()})
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	art, err := s.svc.FetchArtifact(chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer art.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `inline; filename="`+art.Name+`"`)
	http.ServeContent(w, r, art.Name, art.ModTime, art.File)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "event history is not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.svc.GetStatus(id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	evs, err := s.history.History(r.Context(), id, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if evs == nil {
		evs = []models.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

type healthResponse struct {
	service.Health
	System telemetry.SystemStats `json:"system"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Health: s.svc.Health(r.Context()),
		System: telemetry.CollectSystemStats(r.Context(), s.opts.OutputDir),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := fs.ReadFile(staticFiles, "static/index.html")
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		vErr  *service.ValidationError
		nrErr *service.NotReadyError
	)
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Message)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.As(err, &nrErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Video not ready", "status": nrErr.Status})
	case errors.Is(err, service.ErrArtifactMissing):
		writeError(w, http.StatusNotFound, "Video file not found")
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error().Err(err).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// clientIP is the rate-limit key. RealIP has already rewritten RemoteAddr
// from X-Forwarded-For / X-Real-IP when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
