// Package handlers provides HTTP request handlers for the network scanner
// API. This file implements the live-tunable settings endpoint.
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/metrics"
)

// Setting keys and their defaults/clamps.
const (
	SettingScanParallelism = "scan_parallelism"
	SettingDataRetention   = "data_retention_days"
	defaultScanParallelism = 8
	minScanParallelism     = 1
	maxScanParallelism     = 32
	defaultDataRetention   = 90
	minDataRetentionDays   = 1
	maxDataRetentionDays   = 365
)

// SettingsHandler handles the GET/PUT /api/settings endpoint.
type SettingsHandler struct {
	settings *db.SettingRepository
	logger   *slog.Logger
	metrics  metrics.MetricsRegistry
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(settings *db.SettingRepository, logger *slog.Logger, metricsRegistry metrics.MetricsRegistry) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
		logger:   logger.With("handler", "settings"),
		metrics:  metricsRegistry,
	}
}

// SettingsResponse is the current value of every live-tunable setting.
type SettingsResponse struct {
	ScanParallelism   int `json:"scan_parallelism"`
	DataRetentionDays int `json:"data_retention_days"`
}

// Get handles GET /api/settings.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := SettingsResponse{
		ScanParallelism:   h.settings.GetIntOrDefault(r.Context(), SettingScanParallelism, defaultScanParallelism),
		DataRetentionDays: h.settings.GetIntOrDefault(r.Context(), SettingDataRetention, defaultDataRetention),
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// Update handles PUT /api/settings.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req SettingsResponse
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if req.ScanParallelism < minScanParallelism || req.ScanParallelism > maxScanParallelism {
		writeError(w, r, http.StatusBadRequest,
			fmt.Errorf("scan_parallelism must be between %d and %d", minScanParallelism, maxScanParallelism))
		return
	}
	if req.DataRetentionDays < minDataRetentionDays || req.DataRetentionDays > maxDataRetentionDays {
		writeError(w, r, http.StatusBadRequest,
			fmt.Errorf("data_retention_days must be between %d and %d", minDataRetentionDays, maxDataRetentionDays))
		return
	}

	if err := h.settings.Set(r.Context(), SettingScanParallelism, fmt.Sprintf("%d", req.ScanParallelism)); err != nil {
		handleDatabaseError(w, r, err, "update", "settings", h.logger)
		return
	}
	if err := h.settings.Set(r.Context(), SettingDataRetention, fmt.Sprintf("%d", req.DataRetentionDays)); err != nil {
		handleDatabaseError(w, r, err, "update", "settings", h.logger)
		return
	}

	recordCRUDMetric(h.metrics, "settings_updated_total", nil)
	writeJSON(w, r, http.StatusOK, req)
}
