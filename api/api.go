// Package api exposes the workflow orchestrator over HTTP: template
// discovery, trigger management, run submission, and run inspection.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/dshills/wirlflow/checkpoint"
	"github.com/dshills/wirlflow/cron"
	"github.com/dshills/wirlflow/details"
	"github.com/dshills/wirlflow/scheduler"
	"github.com/dshills/wirlflow/store"
	"github.com/dshills/wirlflow/template"
)

// Server wires the HTTP handlers to their backends.
type Server struct {
	store     store.Store
	saver     checkpoint.Saver
	templates *template.Loader
	log       *zap.Logger
}

// New creates a Server.
func New(st store.Store, saver checkpoint.Saver, templates *template.Loader, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: st, saver: saver, templates: templates, log: log}
}

// Router builds the route table. CORS is wide open: the API is meant
// to sit behind whatever ingress the deployment provides.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.AllowAll().Handler)

	r.Get("/workflow-templates", s.listTemplates)

	r.Route("/workflow-triggers", func(r chi.Router) {
		r.Get("/", s.listTriggers)
		r.Post("/", s.createTrigger)
		r.Patch("/{triggerID}", s.updateTrigger)
		r.Delete("/{triggerID}", s.deleteTrigger)
	})

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Post("/", s.startRun)
		r.Get("/{runID}", s.getRun)
		r.Get("/{runID}/run-details", s.getRunDetails)
		r.Post("/{runID}/continue", s.continueRun)
		r.Post("/{runID}/cancel", s.cancelRun)
	})

	return r
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	infos, err := s.templates.List()
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// triggerResponse is the wire form of a trigger.
type triggerResponse struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	TemplateName string                 `json:"template_name"`
	Cron         string                 `json:"cron"`
	Timezone     string                 `json:"timezone"`
	Inputs       map[string]interface{} `json:"inputs"`
	IsActive     bool                   `json:"is_active"`
	NextRunAt    *time.Time             `json:"next_run_at"`
	LastRunAt    *time.Time             `json:"last_run_at"`
	LastError    *string                `json:"last_error"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    *time.Time             `json:"updated_at"`
}

func toTriggerResponse(t store.Trigger) triggerResponse {
	return triggerResponse{
		ID:           t.ID,
		Name:         t.Name,
		TemplateName: t.TemplateName,
		Cron:         t.Cron,
		Timezone:     t.Timezone,
		Inputs:       t.Inputs,
		IsActive:     t.IsActive,
		NextRunAt:    t.NextRunAt,
		LastRunAt:    t.LastRunAt,
		LastError:    t.LastError,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.store.ListTriggers(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]triggerResponse, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, toTriggerResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

type createTriggerRequest struct {
	Name         string                 `json:"name"`
	TemplateName string                 `json:"template_name"`
	Cron         string                 `json:"cron"`
	Timezone     string                 `json:"timezone"`
	Inputs       map[string]interface{} `json:"inputs"`
	IsActive     *bool                  `json:"is_active"`
}

func (s *Server) createTrigger(w http.ResponseWriter, r *http.Request) {
	var req createTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	tpl, ok, err := s.templates.Get(req.TemplateName)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Template not found")
		return
	}

	nextRunAt, err := scheduler.InitializeSchedule(req.Cron, req.Timezone, isActive, time.Now().UTC())
	if err != nil {
		writeScheduleError(w, err, req.Timezone)
		return
	}

	created, err := s.store.CreateTrigger(r.Context(), store.Trigger{
		Name:         req.Name,
		TemplateName: tpl.ID,
		Cron:         req.Cron,
		Timezone:     req.Timezone,
		Inputs:       req.Inputs,
		IsActive:     isActive,
		NextRunAt:    nextRunAt,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTriggerResponse(created))
}

type updateTriggerRequest struct {
	Name         *string                 `json:"name"`
	TemplateName *string                 `json:"template_name"`
	Cron         *string                 `json:"cron"`
	Timezone     *string                 `json:"timezone"`
	Inputs       *map[string]interface{} `json:"inputs"`
	IsActive     *bool                   `json:"is_active"`
}

func (s *Server) updateTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "triggerID")

	var req updateTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	trigger, err := s.store.GetTrigger(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Trigger not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	if req.Name != nil {
		trigger.Name = *req.Name
	}
	if req.TemplateName != nil {
		tpl, ok, err := s.templates.Get(*req.TemplateName)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "Template not found")
			return
		}
		trigger.TemplateName = tpl.ID
	}
	if req.Cron != nil {
		trigger.Cron = *req.Cron
	}
	if req.Timezone != nil {
		trigger.Timezone = *req.Timezone
	}
	if req.Inputs != nil {
		trigger.Inputs = *req.Inputs
	}
	if req.IsActive != nil {
		trigger.IsActive = *req.IsActive
	}

	// Any edit re-derives the schedule from the current settings.
	nextRunAt, err := scheduler.InitializeSchedule(trigger.Cron, trigger.Timezone, trigger.IsActive, time.Now().UTC())
	if err != nil {
		writeScheduleError(w, err, trigger.Timezone)
		return
	}
	trigger.NextRunAt = nextRunAt
	if trigger.IsActive {
		trigger.LastError = nil
	}

	updated, err := s.store.UpdateTrigger(r.Context(), trigger)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTriggerResponse(updated))
}

func (s *Server) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "triggerID")
	err := s.store.DeleteTrigger(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Trigger not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// historyItem is one row of the run history listing.
type historyItem struct {
	ID        string `json:"id"`
	Template  string `json:"template"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type historyPage struct {
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
	Items  []historyItem `json:"items"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	if limit < 1 || limit > 100 {
		writeError(w, http.StatusBadRequest, "Limit must be between 1 and 100")
		return
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		writeError(w, http.StatusBadRequest, "Offset must be non-negative")
		return
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	items := make([]historyItem, 0, len(runs))
	for _, run := range runs {
		items = append(items, historyItem{
			ID:        run.ID,
			Template:  run.GraphName,
			Status:    string(run.State),
			CreatedAt: run.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, historyPage{Total: total, Limit: limit, Offset: offset, Items: items})
}

type startRunRequest struct {
	TemplateName string                 `json:"template_name"`
	Inputs       map[string]interface{} `json:"inputs"`
}

// runResponse is the wire form returned by run mutations.
type runResponse struct {
	ID     string                 `json:"id"`
	Status string                 `json:"status"`
	Result map[string]interface{} `json:"result"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tpl, ok, err := s.templates.Get(req.TemplateName)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Template not found")
		return
	}

	run, err := s.store.CreateRun(r.Context(), tpl.ID, req.Inputs)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.log.Info("workflow queued", zap.String("run_id", run.ID), zap.String("template", tpl.ID))
	writeJSON(w, http.StatusOK, runResponse{ID: run.ID, Status: string(run.State), Result: map[string]interface{}{}})
}

// runDetailResponse is the full view of one run.
type runDetailResponse struct {
	ID       string                 `json:"id"`
	Inputs   map[string]interface{} `json:"inputs"`
	Template string                 `json:"template"`
	Status   string                 `json:"status"`
	Result   map[string]interface{} `json:"result"`
	Error    *string                `json:"error"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	inputs := run.Inputs
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	result := run.Result
	if result == nil {
		result = map[string]interface{}{}
	}
	writeJSON(w, http.StatusOK, runDetailResponse{
		ID:       run.ID,
		Inputs:   inputs,
		Template: run.GraphName,
		Status:   string(run.State),
		Result:   result,
		Error:    run.Error,
	})
}

func (s *Server) getRunDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	cps, err := s.saver.List(r.Context(), run.ThreadID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	// List returns newest first; the replay wants oldest first.
	oldest := make([]checkpoint.Checkpoint, len(cps))
	for i, cp := range cps {
		oldest[len(cps)-1-i] = cp
	}
	writeJSON(w, http.StatusOK, details.Build(run.ID, oldest))
}

type continueRunRequest struct {
	Inputs map[string]interface{} `json:"inputs"`
}

func (s *Server) continueRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")

	var req continueRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	run, err := s.store.ContinueRun(r.Context(), id, req.Inputs)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, "Workflow can't be continued")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}

	s.log.Info("workflow continued", zap.String("run_id", run.ID))
	writeJSON(w, http.StatusOK, runResponse{ID: run.ID, Status: string(run.State), Result: run.Result})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")

	run, err := s.store.CancelRun(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, "Workflow not running")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}

	s.log.Info("workflow canceled", zap.String("run_id", run.ID))
	writeJSON(w, http.StatusOK, runResponse{ID: run.ID, Status: string(run.State), Result: run.Result})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// writeScheduleError maps schedule validation failures to 400s with
// messages a trigger editor can act on.
func writeScheduleError(w http.ResponseWriter, err error, timezone string) {
	switch {
	case errors.Is(err, cron.ErrUnknownTimezone):
		writeError(w, http.StatusBadRequest, "Unknown timezone '"+timezone+"'")
	case errors.Is(err, cron.ErrInvalidCron):
		writeError(w, http.StatusBadRequest, "Invalid cron expression: "+err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
