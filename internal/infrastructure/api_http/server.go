// Package api_http serves the runner's HTTP API: event intake,
// manual dispatch, and read access to archived runs.
package api_http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/davarch/gridci/internal/domain"
)

// Service is the slice of the application layer the API needs.
type Service interface {
	Trigger(ev domain.Event) []string
	Dispatch(name string, ev domain.Event) (string, error)
	Workflows() []domain.WorkflowSummary
}

type Server struct {
	log   *zap.Logger
	svc   Service
	store domain.RunStore
	token string
}

// NewServer wires the API against the run service and the archive.
// An empty token leaves the API open, for localhost setups.
func NewServer(log *zap.Logger, svc Service, store domain.RunStore, token string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log, svc: svc, store: store, token: token}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth)

		r.Post("/events/push", s.handleEvent(domain.EventPush))
		r.Post("/events/pull_request", s.handleEvent(domain.EventPullRequest))
		r.Post("/workflows/{name}/dispatch", s.handleDispatch)

		r.Get("/workflows", s.handleWorkflows)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}", s.handleRun)
		r.Get("/runs/{id}/logs/{instance}/{step}", s.handleStepLog)
	})

	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// auth requires Authorization: Bearer <token> when a token is
// configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.respondError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvent accepts a push or pull_request event and starts every
// matching workflow. Runs execute in the background; the response
// carries their IDs.
func (s *Server) handleEvent(typ domain.EventType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := decodeEvent(r, typ)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid event payload: "+err.Error())
			return
		}

		ids := s.svc.Trigger(ev)
		if ids == nil {
			ids = []string{}
		}
		s.respond(w, http.StatusAccepted, map[string]any{"runs": ids})
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	ev, err := decodeEvent(r, domain.EventDispatch)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dispatch payload: "+err.Error())
		return
	}

	id, err := s.svc.Dispatch(name, ev)
	switch {
	case errors.Is(err, domain.ErrWorkflowNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrWorkflowDisabled):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTriggerMismatch):
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		s.log.Error("dispatch failed", zap.String("workflow", name), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	default:
		s.respond(w, http.StatusAccepted, map[string]string{"run_id": id})
	}
}

func (s *Server) handleWorkflows(w http.ResponseWriter, _ *http.Request) {
	summaries := s.svc.Workflows()
	out := make([]workflowDTO, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, workflowDTO{
			Name:     sum.Name,
			Path:     sum.Path,
			Enabled:  sum.Enabled,
			Triggers: sum.Triggers,
		})
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.Runs(r.Context())
	if err != nil {
		s.log.Error("failed to list runs", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	out := make([]runSummaryDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunSummary(run))
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.Run(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.log.Error("failed to read run", zap.String("run_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to read run")
	default:
		s.respond(w, http.StatusOK, toRunDetail(run))
	}
}

// handleStepLog streams one step's captured output as plain text.
func (s *Server) handleStepLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	instance := chi.URLParam(r, "instance")

	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil || step < 0 {
		s.respondError(w, http.StatusBadRequest, "step must be a non-negative index")
		return
	}

	b, err := s.store.Log(r.Context(), id, instance, step)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.respondError(w, http.StatusNotFound, "log not found")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// eventRequest is the JSON body of event and dispatch posts. Every
// field is optional; a bare POST dispatches with an empty event.
type eventRequest struct {
	Repo       string            `json:"repo"`
	Ref        string            `json:"ref"`
	Branch     string            `json:"branch"`
	BaseBranch string            `json:"base_branch"`
	HeadSHA    string            `json:"head_sha"`
	Inputs     map[string]string `json:"inputs"`
}

func decodeEvent(r *http.Request, typ domain.EventType) (domain.Event, error) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return domain.Event{}, err
	}

	return domain.Event{
		Type:       typ,
		Repo:       req.Repo,
		Ref:        req.Ref,
		Branch:     req.Branch,
		BaseBranch: req.BaseBranch,
		HeadSHA:    req.HeadSHA,
		Inputs:     req.Inputs,
	}, nil
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}
