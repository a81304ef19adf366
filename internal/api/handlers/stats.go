// Package handlers provides HTTP request handlers for the network scanner
// API. This file implements the aggregate rollup endpoints: headline totals
// and the cross-scan unique-service breakdown.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/metrics"
)

// StatsHandler handles the headline-totals and service-rollup endpoints.
type StatsHandler struct {
	stats   *db.StatsRepository
	logger  *slog.Logger
	metrics metrics.MetricsRegistry
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(stats *db.StatsRepository, logger *slog.Logger, metricsRegistry metrics.MetricsRegistry) *StatsHandler {
	return &StatsHandler{
		stats:   stats,
		logger:  logger.With("handler", "stats"),
		metrics: metricsRegistry,
	}
}

// Get handles GET /api/stats: unique host/VM/service counts and scan totals.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	totals, err := h.stats.Get(r.Context())
	if err != nil {
		handleDatabaseError(w, r, err, "get", "stats", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, totals)
}

// UniqueServices handles GET /api/services/unique: every distinct
// host/port/service combination ever seen, grouped by service name.
func (h *StatsHandler) UniqueServices(w http.ResponseWriter, r *http.Request) {
	rows, err := h.stats.ServiceRollup(r.Context())
	if err != nil {
		handleDatabaseError(w, r, err, "list", "unique services", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, rows)
}
