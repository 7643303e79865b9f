package api

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"registrar/internal/config"
	"registrar/internal/directory"
	"registrar/internal/engine"
	"registrar/internal/lock"
	"registrar/internal/middleware"
	"registrar/internal/models"
	"registrar/internal/rate"
	"registrar/internal/store"
	"registrar/internal/tasks"
	"registrar/internal/util"
	"registrar/internal/version"
)

type Handlers struct {
	cfg     config.Config
	db      *sql.DB
	st      *store.Store
	eng     *engine.Engine
	sched   *tasks.Scheduler
	limiter *rate.Limiter
}

func NewRouter(cfg config.Config, db *sql.DB, st *store.Store, eng *engine.Engine, sched *tasks.Scheduler) http.Handler {
	h := &Handlers{
		cfg:     cfg,
		db:      db,
		st:      st,
		eng:     eng,
		sched:   sched,
		limiter: rate.NewLimiter(),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Admin-Token"},
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]any{"status": "ok", "version": version.Current()})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ready := map[string]any{
			"checked_at": time.Now().UTC().Format(time.RFC3339),
		}
		if err := h.db.PingContext(r.Context()); err != nil {
			ready["status"] = "degraded"
			ready["error"] = err.Error()
			util.WriteJSON(w, 503, ready)
			return
		}
		ready["status"] = "ready"
		util.WriteJSON(w, 200, ready)
	})

	r.Route("/api/v1", func(r chi.Router) {
		limited := func(route string, limit int) func(http.Handler) http.Handler {
			return middleware.RateLimit(h.limiter, route, limit, time.Minute, cfg.TrustProxy)
		}
		r.With(limited("register", 30)).Post("/registrations", h.Register)
		r.With(limited("unregister", 30)).Post("/registrations/unregister", h.Unregister)
		r.With(limited("predict", 60)).Post("/registrations/predict", h.Predict)
		r.Get("/activities/{id}/waitlist-rank", h.WaitlistRank)
		r.Get("/activities/{id}/registrations", h.ActivityRegistrations)
		r.Get("/users/{email}/registrations", h.UserRegistrations)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminToken(cfg.AdminToken))
			r.Put("/owners/{id}/rules", h.UpdateOwnerRules)
			r.Post("/owners/{id}/sync", h.SyncOwner)
			r.Delete("/owners/{id}", h.DeleteOwner)
			r.Post("/offline/run", h.RunOffline)
			r.Post("/approvals/{id}", h.DecideApproval)
			r.Put("/programs", h.SaveProgram)
			r.Put("/activities", h.SaveActivity)
			r.Put("/schedules", h.SaveSchedule)
			r.Put("/access-points", h.SaveAccessPoint)
		})
	})

	return r
}

// writeEngineError maps engine and collaborator sentinels onto HTTP
// statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.RequestID(r.Context())
	switch {
	case errors.Is(err, engine.ErrInvalidSelection):
		util.WriteError(w, http.StatusBadRequest, "invalid_selection", err.Error(), rid)
	case errors.Is(err, engine.ErrUnknownRule):
		util.WriteError(w, http.StatusBadRequest, "unknown_rule", err.Error(), rid)
	case errors.Is(err, store.ErrNotFound):
		util.WriteError(w, http.StatusNotFound, "not_found", err.Error(), rid)
	case errors.Is(err, engine.ErrBadTransition):
		util.WriteError(w, http.StatusConflict, "bad_transition", err.Error(), rid)
	case errors.Is(err, lock.ErrNotAcquired):
		util.WriteError(w, http.StatusServiceUnavailable, "busy", "try again shortly", rid)
	case errors.Is(err, directory.ErrUnavailable):
		util.WriteError(w, http.StatusBadGateway, "directory_unavailable", "user directory is unreachable", rid)
	default:
		util.WriteError(w, http.StatusInternalServerError, "internal_error", err.Error(), rid)
	}
}

type registrationRequest struct {
	UserEmail      string   `json:"user_email"`
	CreatorEmail   string   `json:"creator_email,omitempty"`
	ActivityID     string   `json:"activity_id"`
	ScheduleIDs    []string `json:"schedule_ids"`
	AccessPointIDs []string `json:"access_point_ids"`
	Force          bool     `json:"force,omitempty"`
	Notify         bool     `json:"notify"`
}

func (rr registrationRequest) toEngine() engine.Request {
	return engine.Request{
		UserEmail:      rr.UserEmail,
		CreatorEmail:   rr.CreatorEmail,
		ActivityID:     rr.ActivityID,
		ScheduleIDs:    rr.ScheduleIDs,
		AccessPointIDs: rr.AccessPointIDs,
		Force:          rr.Force,
		Notify:         rr.Notify,
	}
}

type registrationResponse struct {
	Status  models.Status `json:"status"`
	Reasons []string      `json:"reasons,omitempty"`
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if req.UserEmail == "" || req.ActivityID == "" {
		util.WriteError(w, 400, "bad_request", "user_email and activity_id are required", middleware.RequestID(r.Context()))
		return
	}
	status, reasons, err := h.eng.RegisterOnline(r.Context(), req.toEngine())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	h.kickOffline()
	util.WriteJSON(w, 200, registrationResponse{Status: status, Reasons: reasons})
}

func (h *Handlers) Unregister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if req.UserEmail == "" || req.ActivityID == "" {
		util.WriteError(w, 400, "bad_request", "user_email and activity_id are required", middleware.RequestID(r.Context()))
		return
	}
	status, reasons, err := h.eng.UnregisterOnline(r.Context(), req.toEngine())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	h.kickOffline()
	util.WriteJSON(w, 200, registrationResponse{Status: status, Reasons: reasons})
}

func (h *Handlers) Predict(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	p, err := h.eng.Predict(r.Context(), req.toEngine())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{
		"status":            p.Status,
		"reasons":           p.Reasons,
		"slots_remaining":   p.SlotsRemaining,
		"has_capacity_rule": p.HasCapacityRule,
		"capacity_decisive": p.CapacityDecisive,
	})
}

func (h *Handlers) WaitlistRank(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user_email")
	if user == "" {
		util.WriteError(w, 400, "bad_request", "user_email query parameter is required", middleware.RequestID(r.Context()))
		return
	}
	rank, err := h.eng.WaitlistRank(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]int{"rank": rank})
}

func (h *Handlers) ActivityRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := h.st.RegistrationsByActivity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{"registrations": regs})
}

func (h *Handlers) UserRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := h.st.RegistrationsByUser(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{"registrations": regs})
}

type ownerRulesRequest struct {
	Rules []models.RuleConfig `json:"rules"`
}

// UpdateOwnerRules replaces the rule set of an activity or program.
// Retired and added rules queue the affected waitlisted registrations
// for offline reconsideration.
func (h *Handlers) UpdateOwnerRules(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "id")
	var req ownerRulesRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}

	activity, err := h.st.GetActivity(r.Context(), ownerID)
	switch {
	case err == nil:
		schedules, serr := h.st.SchedulesByActivity(r.Context(), ownerID)
		if serr != nil {
			writeEngineError(w, r, serr)
			return
		}
		ids := make([]string, 0, len(schedules))
		for _, sc := range schedules {
			ids = append(ids, sc.ID)
		}
		next, uerr := h.eng.UpdateOwnerRules(r.Context(), ownerID, activity.Rules, req.Rules, ids)
		if uerr != nil {
			writeEngineError(w, r, uerr)
			return
		}
		activity.Rules = next
		if err := h.st.SaveActivity(r.Context(), activity); err != nil {
			writeEngineError(w, r, err)
			return
		}
		h.kickOffline()
		util.WriteJSON(w, 200, ownerRulesRequest{Rules: next})
	case errors.Is(err, store.ErrNotFound):
		program, perr := h.st.GetProgram(r.Context(), ownerID)
		if perr != nil {
			writeEngineError(w, r, perr)
			return
		}
		next, uerr := h.eng.UpdateOwnerRules(r.Context(), ownerID, program.Rules, req.Rules, nil)
		if uerr != nil {
			writeEngineError(w, r, uerr)
			return
		}
		program.Rules = next
		if err := h.st.SaveProgram(r.Context(), program); err != nil {
			writeEngineError(w, r, err)
			return
		}
		h.kickOffline()
		util.WriteJSON(w, 200, ownerRulesRequest{Rules: next})
	default:
		writeEngineError(w, r, err)
	}
}

func (h *Handlers) SyncOwner(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NotifyUsers bool `json:"notify_users"`
	}
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if err := h.eng.SyncActivityRegistrations(r.Context(), chi.URLParam(r, "id"), req.NotifyUsers); err != nil {
		writeEngineError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

// DeleteOwner starts or continues owner deletion. done=false means
// active registrations were queued for forced unregistration; the
// caller re-invokes once the offline loop drains them.
func (h *Handlers) DeleteOwner(w http.ResponseWriter, r *http.Request) {
	done, err := h.eng.DeleteOwner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if !done {
		h.kickOffline()
		util.WriteJSON(w, 202, map[string]any{"done": false})
		return
	}
	util.WriteJSON(w, 200, map[string]any{"done": true})
}

func (h *Handlers) RunOffline(w http.ResponseWriter, r *http.Request) {
	// The run outlives the request.
	h.sched.Defer(context.Background(), "offline-run", 0, func(ctx context.Context) {
		if err := h.eng.RunOffline(ctx); err != nil {
			log.Printf("level=error msg=\"offline run failed\" err=%q", err)
		}
	})
	util.WriteJSON(w, 202, map[string]string{"status": "scheduled"})
}

type approvalDecision struct {
	Approved bool `json:"approved"`
}

// DecideApproval records a manager's decision and queues the candidate's
// waitlisted registration for reconsideration.
func (h *Handlers) DecideApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req approvalDecision
	if err := util.DecodeJSON(r, &req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	a, err := h.st.GetApproval(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	a.ManagerDecision = true
	a.Approved = req.Approved
	a.LastUpdate = time.Now().UTC()
	if err := h.st.SaveApproval(r.Context(), a); err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := h.eng.SaveReprocessTags(r.Context(), []string{id}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	h.kickOffline()
	util.WriteJSON(w, 200, map[string]any{"approved": a.Approved})
}

func (h *Handlers) SaveProgram(w http.ResponseWriter, r *http.Request) {
	var p models.Program
	if err := util.DecodeJSON(r, &p); err != nil || p.ID == "" {
		util.WriteError(w, 400, "bad_request", "invalid program", middleware.RequestID(r.Context()))
		return
	}
	if err := h.st.SaveProgram(r.Context(), p); err != nil {
		writeEngineError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"id": p.ID})
}

func (h *Handlers) SaveActivity(w http.ResponseWriter, r *http.Request) {
	var a models.Activity
	if err := util.DecodeJSON(r, &a); err != nil || a.ID == "" || a.ProgramID == "" {
		util.WriteError(w, 400, "bad_request", "invalid activity", middleware.RequestID(r.Context()))
		return
	}
	if err := h.st.SaveActivity(r.Context(), a); err != nil {
		writeEngineError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"id": a.ID})
}

func (h *Handlers) SaveSchedule(w http.ResponseWriter, r *http.Request) {
	var sc models.Schedule
	if err := util.DecodeJSON(r, &sc); err != nil || sc.ID == "" || sc.ActivityID == "" {
		util.WriteError(w, 400, "bad_request", "invalid schedule", middleware.RequestID(r.Context()))
		return
	}
	if err := h.st.SaveSchedule(r.Context(), sc); err != nil {
		writeEngineError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"id": sc.ID})
}

func (h *Handlers) SaveAccessPoint(w http.ResponseWriter, r *http.Request) {
	var ap models.AccessPoint
	if err := util.DecodeJSON(r, &ap); err != nil || ap.ID == "" {
		util.WriteError(w, 400, "bad_request", "invalid access point", middleware.RequestID(r.Context()))
		return
	}
	if err := h.st.SaveAccessPoint(r.Context(), ap); err != nil {
		writeEngineError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]string{"id": ap.ID})
}

// kickOffline schedules a deferred offline run after online mutations
// so accepted work is confirmed without waiting for the next trigger.
func (h *Handlers) kickOffline() {
	if !h.cfg.OfflineAutoRun {
		return
	}
	h.sched.Defer(context.Background(), "offline-run", h.cfg.OfflineDelay, func(ctx context.Context) {
		if err := h.eng.RunOffline(ctx); err != nil {
			log.Printf("level=error msg=\"offline run failed\" err=%q", err)
		}
	})
}
