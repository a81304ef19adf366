// Package handlers provides HTTP request handlers for the network scanner
// API. This file implements the cross-scan unique-host and unique-VM
// rollup endpoints, deduplicating every host ever seen down to its most
// recent sighting.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/metrics"
)

// HostHandler handles the unique-host and unique-VM rollup endpoints.
type HostHandler struct {
	stats   *db.StatsRepository
	logger  *slog.Logger
	metrics metrics.MetricsRegistry
}

// NewHostHandler creates a new host handler.
func NewHostHandler(stats *db.StatsRepository, logger *slog.Logger, metricsRegistry metrics.MetricsRegistry) *HostHandler {
	return &HostHandler{
		stats:   stats,
		logger:  logger.With("handler", "host"),
		metrics: metricsRegistry,
	}
}

// UniqueHosts handles GET /api/hosts/unique: every distinct IP ever seen,
// deduplicated to its most recent sighting across all scans.
func (h *HostHandler) UniqueHosts(w http.ResponseWriter, r *http.Request) {
	rows, err := h.stats.UniqueHosts(r.Context(), false)
	if err != nil {
		handleDatabaseError(w, r, err, "list", "unique hosts", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, rows)
}

// UniqueVMs handles GET /api/vms/unique: the same rollup, restricted to
// hosts classified as virtual machines.
func (h *HostHandler) UniqueVMs(w http.ResponseWriter, r *http.Request) {
	rows, err := h.stats.UniqueHosts(r.Context(), true)
	if err != nil {
		handleDatabaseError(w, r, err, "list", "unique VMs", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, rows)
}
