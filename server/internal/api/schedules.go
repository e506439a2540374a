package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/server/internal/aggregator"
	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
	"github.com/kaonis/woly-server-sub003/server/internal/schedule"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

// ScheduleHandler serves wake-schedule CRUD. The next trigger is computed
// server-side from the schedule's wall-clock time, frequency and timezone so
// the poll worker only ever compares against a ready column.
type ScheduleHandler struct {
	schedules repositories.ScheduleRepository
	agg       *aggregator.Aggregator
	logger    *zap.Logger
}

func NewScheduleHandler(schedules repositories.ScheduleRepository, agg *aggregator.Aggregator, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		schedules: schedules,
		agg:       agg,
		logger:    logger.Named("api.schedules"),
	}
}

type scheduleRequest struct {
	HostFQN       string `json:"hostFqn,omitempty"`
	ScheduledTime string `json:"scheduledTime"`
	Timezone      string `json:"timezone,omitempty"`
	Frequency     string `json:"frequency"`
	Enabled       *bool  `json:"enabled,omitempty"`
	NotifyOnWake  bool   `json:"notifyOnWake,omitempty"`
}

// validate parses and checks the request, returning the model-ready values.
func (h *ScheduleHandler) validate(w http.ResponseWriter, req *scheduleRequest, fqnFromPath string) (*db.WakeSchedule, bool) {
	fqn := req.HostFQN
	if fqnFromPath != "" {
		fqn = fqnFromPath
	}
	if fqn == "" {
		ErrBadRequest(w, "hostFqn is required")
		return nil, false
	}
	if _, ok := h.agg.Get(fqn); !ok {
		ErrNotFound(w)
		return nil, false
	}

	freq := protocol.Frequency(req.Frequency)
	if !freq.Valid() {
		ErrBadRequest(w, "frequency must be one of once, daily, weekly, weekdays, weekends")
		return nil, false
	}

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		ErrBadRequest(w, "unknown timezone: "+tz)
		return nil, false
	}

	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledTime)
	if err != nil {
		ErrBadRequest(w, "scheduledTime must be an RFC 3339 timestamp")
		return nil, false
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	s := &db.WakeSchedule{
		HostFQN:       fqn,
		ScheduledTime: scheduledAt,
		Timezone:      tz,
		Frequency:     string(freq),
		Enabled:       enabled,
		NotifyOnWake:  req.NotifyOnWake,
	}

	if enabled {
		next, err := schedule.NextTrigger(scheduledAt, freq, tz, time.Now())
		if err != nil {
			ErrBadRequest(w, "cannot compute next trigger: "+err.Error())
			return nil, false
		}
		if next == nil {
			ErrBadRequest(w, "scheduledTime is in the past for a one-shot schedule")
			return nil, false
		}
		s.NextTrigger = next
	}
	return s, true
}

// Create handles POST /api/schedules and POST /api/hosts/{fqn}/schedules.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s, ok := h.validate(w, &req, chi.URLParam(r, "fqn"))
	if !ok {
		return
	}

	if err := h.schedules.Create(r.Context(), s); err != nil {
		h.logger.Error("creating schedule", zap.Error(err))
		ErrInternal(w, r)
		return
	}
	JSON(w, http.StatusCreated, s)
}

// List handles GET /api/schedules and GET /api/hosts/{fqn}/schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		schedules []db.WakeSchedule
		err       error
	)
	if fqn := chi.URLParam(r, "fqn"); fqn != "" {
		schedules, err = h.schedules.ListByHost(r.Context(), fqn)
	} else {
		schedules, err = h.schedules.List(r.Context())
	}
	if err != nil {
		h.logger.Error("listing schedules", zap.Error(err))
		ErrInternal(w, r)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"schedules": schedules, "total": len(schedules)})
}

// Get handles GET /api/schedules/{id}.
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid schedule id")
		return
	}
	s, err := h.schedules.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("loading schedule", zap.Error(err))
		ErrInternal(w, r)
		return
	}
	JSON(w, http.StatusOK, s)
}

// Update handles PUT /api/schedules/{id}. The full schedule is replaced and
// the next trigger recomputed.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid schedule id")
		return
	}

	existing, err := h.schedules.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("loading schedule", zap.Error(err))
		ErrInternal(w, r)
		return
	}

	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.HostFQN == "" {
		req.HostFQN = existing.HostFQN
	}

	s, ok := h.validate(w, &req, "")
	if !ok {
		return
	}
	s.ID = existing.ID
	s.CreatedAt = existing.CreatedAt
	s.LastTriggered = existing.LastTriggered

	if err := h.schedules.Update(r.Context(), s); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("updating schedule", zap.Error(err))
		ErrInternal(w, r)
		return
	}
	JSON(w, http.StatusOK, s)
}

// Delete handles DELETE /api/schedules/{id}.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid schedule id")
		return
	}
	if err := h.schedules.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("deleting schedule", zap.Error(err))
		ErrInternal(w, r)
		return
	}
	NoContent(w)
}
