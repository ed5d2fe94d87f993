package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/commute-matching/internal/matcher"
	"github.com/example/commute-matching/internal/models"
)

// Matcher answers match queries.
type Matcher interface {
	FindMatches(ctx context.Context, requesterID string, q matcher.Query) ([]models.MatchCandidate, error)
}

// Profiles is the participant write path.
type Profiles interface {
	Create(ctx context.Context, p models.Participant) (models.Participant, error)
	Update(ctx context.Context, p models.Participant) (models.Participant, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (models.Participant, error)
}

type Options struct {
	Matcher  Matcher
	Profiles Profiles
	// Ready reports whether backing stores are reachable; nil means always ready.
	Ready func(ctx context.Context) error
	// JWTSecret enables bearer-token checks on participant routes when set.
	JWTSecret string
	Logger    *slog.Logger
}

type Server struct {
	matcher   Matcher
	profiles  Profiles
	ready     func(ctx context.Context) error
	jwtSecret []byte
	validate  *validator.Validate
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		matcher:  opts.Matcher,
		profiles: opts.Profiles,
		ready:    opts.Ready,
		validate: validator.New(),
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	if opts.JWTSecret != "" {
		s.jwtSecret = []byte(opts.JWTSecret)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/participants", s.handleCreate).Methods(http.MethodPost)

	s.mux.Handle("/api/v1/participants/{id}", s.requireOwner(s.handleGet)).Methods(http.MethodGet)
	s.mux.Handle("/api/v1/participants/{id}", s.requireOwner(s.handleUpdate)).Methods(http.MethodPut)
	s.mux.Handle("/api/v1/participants/{id}", s.requireOwner(s.handleDelete)).Methods(http.MethodDelete)
	s.mux.Handle("/api/v1/participants/{id}/matches", s.requireOwner(s.handleMatches)).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeParticipant(w, r)
	if !ok {
		return
	}
	created, err := s.profiles.Create(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipantResponse(created))
}

// handleUpdate replaces route and schedule of an existing participant. The
// alias is kept unless the body supplies a new one.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeParticipant(w, r)
	if !ok {
		return
	}
	p.ID = mux.Vars(r)["id"]
	updated, err := s.profiles.Update(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantResponse(updated))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantResponse(p))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	matches, err := s.matcher.FindMatches(r.Context(), mux.Vars(r)["id"], q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matchesResponse{Matches: matches})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.log(r.Context()).Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "not ready"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) decodeParticipant(w http.ResponseWriter, r *http.Request) (models.Participant, bool) {
	var req participantRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body: " + err.Error()})
		return models.Participant{}, false
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return models.Participant{}, false
	}
	p, err := req.toModel()
	if err != nil {
		s.writeError(w, r, err)
		return models.Participant{}, false
	}
	return p, true
}

// parseQuery reads optional home_radius_m, dest_radius_m and min_score.
// Missing values fall back to the engine defaults.
func parseQuery(r *http.Request) (matcher.Query, error) {
	q := matcher.Query{MinScore: -1}
	v := r.URL.Query()
	for _, f := range []struct {
		name   string
		target *float64
	}{
		{"home_radius_m", &q.HomeRadiusM},
		{"dest_radius_m", &q.DestRadiusM},
		{"min_score", &q.MinScore},
	} {
		raw := v.Get(f.name)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil || n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return matcher.Query{}, errors.New("invalid " + f.name)
		}
		*f.target = n
	}
	return q, nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidPoint),
		errors.Is(err, models.ErrInvalidSchedule),
		errors.Is(err, models.ErrInvalidParticipant):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrParticipantNotFound):
		return http.StatusNotFound, "participant not found"
	case errors.Is(err, models.ErrAliasTaken):
		return http.StatusConflict, "alias already taken"
	case errors.Is(err, models.ErrCancelled):
		return http.StatusServiceUnavailable, "request cancelled"
	case errors.Is(err, models.ErrRegistryUnavailable):
		return http.StatusServiceUnavailable, "registry unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log(r.Context()).Error("request failed", "route", routeTemplate(r), "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
