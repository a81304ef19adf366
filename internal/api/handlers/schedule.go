// Package handlers provides HTTP request handlers for the network scanner
// API. This file implements schedule CRUD and the immediate-trigger
// endpoint that fires a schedule's scan outside its cron cadence.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/metrics"
	"github.com/bryankemp/network-scanner/internal/orchestrator"
	"github.com/bryankemp/network-scanner/internal/scheduler"
)

// ScheduleHandler handles schedule CRUD and trigger endpoints.
type ScheduleHandler struct {
	schedules    *db.ScheduleRepository
	scans        *db.ScanRepository
	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	logger       *slog.Logger
	metrics      metrics.MetricsRegistry
}

// NewScheduleHandler creates a new schedule handler. sched mirrors every
// create/update/delete into the running cron table so a schedule starts
// firing immediately instead of only after the next process restart.
func NewScheduleHandler(
	schedules *db.ScheduleRepository,
	scans *db.ScanRepository,
	orch *orchestrator.Orchestrator,
	sched *scheduler.Scheduler,
	logger *slog.Logger,
	metricsRegistry metrics.MetricsRegistry,
) *ScheduleHandler {
	return &ScheduleHandler{
		schedules:    schedules,
		scans:        scans,
		orchestrator: orch,
		scheduler:    sched,
		logger:       logger.With("handler", "schedule"),
		metrics:      metricsRegistry,
	}
}

// ScheduleRequest is the POST/PUT /api/schedules body.
type ScheduleRequest struct {
	Name           string `json:"name" validate:"required"`
	CronExpression string `json:"cron_expression" validate:"required,cron"`
	NetworkRange   string `json:"network_range" validate:"required,cidr"`
	Enabled        bool   `json:"enabled"`
}

// Create handles POST /api/schedules.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}

	schedule := &db.Schedule{
		Name:           req.Name,
		CronExpression: req.CronExpression,
		NetworkRange:   req.NetworkRange,
		Enabled:        req.Enabled,
	}
	if err := h.schedules.Create(r.Context(), schedule); err != nil {
		handleDatabaseError(w, r, err, "create", "schedule", h.logger)
		return
	}
	if err := h.scheduler.Add(schedule); err != nil {
		h.logger.Warn("failed to register schedule in cron table", "schedule_id", schedule.ID, "error", err)
	}

	recordCRUDMetric(h.metrics, "schedules_created_total", nil)
	writeJSON(w, r, http.StatusCreated, schedule)
}

// List handles GET /api/schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.schedules.List(r.Context())
	if err != nil {
		handleDatabaseError(w, r, err, "list", "schedules", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, schedules)
}

// Get handles GET /api/schedules/{id}.
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	schedule, err := h.schedules.GetByID(r.Context(), id)
	if err != nil {
		handleDatabaseError(w, r, err, "get", "schedule", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, schedule)
}

// Update handles PUT /api/schedules/{id}.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	var req ScheduleRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}

	schedule, err := h.schedules.GetByID(r.Context(), id)
	if err != nil {
		handleDatabaseError(w, r, err, "get", "schedule", h.logger)
		return
	}

	schedule.Name = req.Name
	schedule.CronExpression = req.CronExpression
	schedule.NetworkRange = req.NetworkRange
	schedule.Enabled = req.Enabled

	if err := h.schedules.Update(r.Context(), schedule); err != nil {
		handleDatabaseError(w, r, err, "update", "schedule", h.logger)
		return
	}
	if err := h.scheduler.Update(schedule); err != nil {
		h.logger.Warn("failed to update schedule in cron table", "schedule_id", schedule.ID, "error", err)
	}

	recordCRUDMetric(h.metrics, "schedules_updated_total", nil)
	writeJSON(w, r, http.StatusOK, schedule)
}

// Delete handles DELETE /api/schedules/{id}.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if err := h.schedules.Delete(r.Context(), id); err != nil {
		handleDatabaseError(w, r, err, "delete", "schedule", h.logger)
		return
	}
	h.scheduler.Remove(id)

	recordCRUDMetric(h.metrics, "schedules_deleted_total", nil)
	w.WriteHeader(http.StatusNoContent)
}

// Trigger handles POST /api/schedules/{id}/trigger: fires the schedule's
// scan immediately, outside its cron cadence.
func (h *ScheduleHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	schedule, err := h.schedules.GetByID(r.Context(), id)
	if err != nil {
		handleDatabaseError(w, r, err, "get", "schedule", h.logger)
		return
	}

	networks := splitNetworks(schedule.NetworkRange)
	scan := &db.Scan{NetworkRange: schedule.NetworkRange, ScheduleID: &schedule.ID}
	if err := h.scans.Create(r.Context(), scan); err != nil {
		handleDatabaseError(w, r, err, "create", "scan", h.logger)
		return
	}

	scanID := scan.ID
	h.logger.Info("schedule triggered, launching scan", "schedule_id", id, "scan_id", scanID)

	go func() {
		ctx := context.Background()
		if err := h.orchestrator.Execute(ctx, scanID, networks); err != nil {
			h.logger.Error("triggered scan execution failed", "scan_id", scanID, "error", err)
		}
	}()

	now := time.Now().UTC()
	if err := h.schedules.UpdateRunTimes(r.Context(), id, &now, schedule.NextRunAt); err != nil {
		h.logger.Warn("failed to record trigger run time", "schedule_id", id, "error", err)
	}

	recordCRUDMetric(h.metrics, "schedules_triggered_total", nil)
	writeJSON(w, r, http.StatusAccepted, scan)
}

func splitNetworks(networkRange string) []string {
	return strings.Split(networkRange, ",")
}
