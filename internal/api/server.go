package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"campaign-pipeline/internal/config"
	"campaign-pipeline/internal/errs"
	"campaign-pipeline/internal/logging"
	"campaign-pipeline/internal/models"
	"campaign-pipeline/internal/ratelimit"
	"campaign-pipeline/internal/session"
	"campaign-pipeline/internal/stage"
	"campaign-pipeline/internal/telemetry"
)

// Pipeline is the orchestrator surface the HTTP layer drives.
type Pipeline interface {
	Campaign() models.Campaign
	Tracking() bool
	SubmitProductInfo(ctx context.Context, info models.ProductInfo) (models.Campaign, error)
	SubmitResearch(ctx context.Context, in models.ResearchInput) (models.Campaign, error)
	SkipResearch(ctx context.Context) (models.Campaign, error)
	GenerateIdeas(ctx context.Context, custom models.Customization) (models.Campaign, error)
	SelectIdeas(ctx context.Context, ideaIDs []string) (models.Campaign, error)
	BeginGeneration(ctx context.Context) error
	StopTracking()
	Reset(ctx context.Context) error
}

// Limiter throttles stage submissions.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the control API.
type Server struct {
	cfg      config.Config
	pipeline Pipeline
	limiter  Limiter
	history  session.History
	logger   *zap.Logger
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(cfg config.Config, p Pipeline, limiter Limiter, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: p,
		limiter:  limiter,
		logger:   logging.Module(logger, "api"),
	}
}

// WithHistory enables GET /campaign/history backed by h.
func (s *Server) WithHistory(h session.History) *Server {
	s.history = h
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/campaign", func(r chi.Router) {
		r.Get("/", s.handleGetCampaign)
		r.Delete("/", s.handleReset)
		r.Get("/history", s.handleHistory)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/product-info", s.handleProductInfo)
			r.Post("/research", s.handleResearch)
			r.Post("/research/skip", s.handleSkipResearch)
			r.Post("/ideas/generate", s.handleGenerateIdeas)
			r.Post("/ideas/select", s.handleSelectIdeas)
		})

		r.Post("/generation/resume", s.handleResumeGeneration)
		r.Delete("/generation", s.handleStopGeneration)
	})
	return r
}

type campaignResponse struct {
	Campaign models.Campaign `json:"campaign"`
	Next     []stage.Event   `json:"next_events"`
	Tracking bool            `json:"tracking"`
}

func (s *Server) campaignView() campaignResponse {
	c := s.pipeline.Campaign()
	return campaignResponse{Campaign: c, Next: nonNil(stage.Allowed(c.Stage)), Tracking: s.pipeline.Tracking()}
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.campaignView())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "session backend keeps no history"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer", Kind: string(errs.KindValidation)})
			return
		}
		limit = n
	}
	id := s.pipeline.Campaign().ID
	if id == "" {
		writeJSON(w, http.StatusOK, []session.Event{})
		return
	}
	evs, err := s.history.RecentEvents(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if evs == nil {
		evs = []session.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleProductInfo(w http.ResponseWriter, r *http.Request) {
	var info models.ProductInfo
	if !decodeBody(w, r, &info) {
		return
	}
	c, err := s.pipeline.SubmitProductInfo(r.Context(), info)
	s.respond(w, http.StatusCreated, c, err)
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var in models.ResearchInput
	if !decodeBody(w, r, &in) {
		return
	}
	c, err := s.pipeline.SubmitResearch(r.Context(), in)
	s.respond(w, http.StatusOK, c, err)
}

func (s *Server) handleSkipResearch(w http.ResponseWriter, r *http.Request) {
	c, err := s.pipeline.SkipResearch(r.Context())
	s.respond(w, http.StatusOK, c, err)
}

func (s *Server) handleGenerateIdeas(w http.ResponseWriter, r *http.Request) {
	var custom models.Customization
	if r.ContentLength != 0 && !decodeBody(w, r, &custom) {
		return
	}
	c, err := s.pipeline.GenerateIdeas(r.Context(), custom)
	s.respond(w, http.StatusOK, c, err)
}

type selectRequest struct {
	IdeaIDs []string `json:"idea_ids"`
}

func (s *Server) handleSelectIdeas(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := s.pipeline.SelectIdeas(r.Context(), req.IdeaIDs)
	s.respond(w, http.StatusAccepted, c, err)
}

func (s *Server) handleResumeGeneration(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.BeginGeneration(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.campaignView())
}

func (s *Server) handleStopGeneration(w http.ResponseWriter, _ *http.Request) {
	s.pipeline.StopTracking()
	writeJSON(w, http.StatusOK, s.campaignView())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Reset(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.campaignView())
}

func (s *Server) respond(w http.ResponseWriter, code int, c models.Campaign, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, code, campaignResponse{Campaign: c, Next: nonNil(stage.Allowed(c.Stage)), Tracking: s.pipeline.Tracking()})
}

// rateLimit spends one token of the profile's bucket per stage submission.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), s.cfg.Profile)
		if err != nil {
			s.logger.Error("rate limit check", zap.Error(err))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited", Kind: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindStageViolation:
		return http.StatusConflict
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindTransientNetwork:
		return http.StatusServiceUnavailable
	case errs.KindRemoteFailure:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: string(errs.KindOf(err))})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json", Kind: string(errs.KindValidation)})
		return false
	}
	return true
}

func nonNil(evs []stage.Event) []stage.Event {
	if evs == nil {
		return []stage.Event{}
	}
	return evs
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
