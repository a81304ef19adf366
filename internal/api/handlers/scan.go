// Package handlers provides HTTP request handlers for the network scanner
// API. This file implements scan management endpoints: create (with
// optional auto-detected target networks), list, deep get, and delete.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/errors"
	"github.com/bryankemp/network-scanner/internal/metrics"
	"github.com/bryankemp/network-scanner/internal/orchestrator"
)

// ScanHandler handles scan-related API endpoints.
type ScanHandler struct {
	scans        *db.ScanRepository
	hosts        *db.HostRepository
	ports        *db.PortRepository
	traceroutes  *db.TracerouteRepository
	artifacts    *db.ArtifactRepository
	orchestrator *orchestrator.Orchestrator
	logger       *slog.Logger
	metrics      metrics.MetricsRegistry
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(
	scans *db.ScanRepository,
	hosts *db.HostRepository,
	ports *db.PortRepository,
	traceroutes *db.TracerouteRepository,
	artifacts *db.ArtifactRepository,
	orch *orchestrator.Orchestrator,
	logger *slog.Logger,
	metricsRegistry metrics.MetricsRegistry,
) *ScanHandler {
	return &ScanHandler{
		scans:        scans,
		hosts:        hosts,
		ports:        ports,
		traceroutes:  traceroutes,
		artifacts:    artifacts,
		orchestrator: orch,
		logger:       logger.With("handler", "scan"),
		metrics:      metricsRegistry,
	}
}

// CreateScanRequest is the POST /api/scans body. Networks is optional; an
// empty or omitted list triggers local-network auto-detection. Any network
// that is given must be a well-formed CIDR range.
type CreateScanRequest struct {
	Networks []string `json:"networks,omitempty" validate:"omitempty,dive,cidr"`
}

// HostDetail nests a Host's ports under the host for the scan deep-get view.
type HostDetail struct {
	*db.Host
	Ports      []*db.Port          `json:"ports"`
	Traceroute []*db.TracerouteHop `json:"traceroute,omitempty"`
}

// ScanDetail is the deep GET /api/scans/{id} response: the scan plus every
// host (with its ports and traceroute) and every generated artifact.
type ScanDetail struct {
	*db.Scan
	Hosts     []HostDetail  `json:"hosts"`
	Artifacts []*db.Artifact `json:"artifacts"`
}

// Create handles POST /api/scans.
func (h *ScanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateScanRequest
	if r.ContentLength != 0 {
		if err := parseJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if err := validateRequest(&req); err != nil {
			writeError(w, r, http.StatusUnprocessableEntity, err)
			return
		}
	}

	networks := req.Networks
	if len(networks) == 0 {
		detected, err := orchestrator.LocalNetworks()
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, fmt.Errorf("auto-detecting local networks: %w", err))
			return
		}
		if len(detected) == 0 {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("no networks given and none could be auto-detected"))
			return
		}
		networks = detected
	}

	scan := &db.Scan{NetworkRange: joinNetworks(networks)}
	if err := h.scans.Create(r.Context(), scan); err != nil {
		handleDatabaseError(w, r, err, "create", "scan", h.logger)
		return
	}

	scanID := scan.ID
	h.logger.Info("scan created, launching execution", "scan_id", scanID, "networks", networks)

	go func() {
		ctx := context.Background()
		if err := h.orchestrator.Execute(ctx, scanID, networks); err != nil {
			h.logger.Error("scan execution failed", "scan_id", scanID, "error", err)
		}
	}()

	recordCRUDMetric(h.metrics, "scans_created_total", nil)
	writeJSON(w, r, http.StatusCreated, scan)
}

// List handles GET /api/scans?skip&limit.
func (h *ScanHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("skip"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	scans, err := h.scans.List(r.Context(), db.ScanListFilter{Limit: limit, Offset: offset})
	if err != nil {
		handleDatabaseError(w, r, err, "list", "scans", h.logger)
		return
	}

	writeJSON(w, r, http.StatusOK, scans)
}

// Get handles GET /api/scans/{id}.
func (h *ScanHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	scan, err := h.scans.GetByID(r.Context(), id)
	if err != nil {
		handleDatabaseError(w, r, err, "get", "scan", h.logger)
		return
	}

	hosts, err := h.hosts.ListByScan(r.Context(), id)
	if err != nil {
		handleDatabaseError(w, r, err, "list hosts for", "scan", h.logger)
		return
	}

	details := make([]HostDetail, 0, len(hosts))
	for _, host := range hosts {
		ports, err := h.ports.ListByHost(r.Context(), host.ID)
		if err != nil {
			handleDatabaseError(w, r, err, "list ports for", "host", h.logger)
			return
		}
		hops, err := h.traceroutes.ListByHost(r.Context(), host.ID)
		if err != nil {
			handleDatabaseError(w, r, err, "list traceroute for", "host", h.logger)
			return
		}
		details = append(details, HostDetail{Host: host, Ports: ports, Traceroute: hops})
	}

	artifacts, err := h.artifacts.ListByScan(r.Context(), id)
	if err != nil {
		handleDatabaseError(w, r, err, "list artifacts for", "scan", h.logger)
		return
	}

	writeJSON(w, r, http.StatusOK, ScanDetail{Scan: scan, Hosts: details, Artifacts: artifacts})
}

// Delete handles DELETE /api/scans/{id}, removing artifact files from disk
// before the database cascade removes the rows.
func (h *ScanHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	artifacts, err := h.artifacts.ListByScan(r.Context(), id)
	if err != nil && !errors.IsNotFound(err) {
		handleDatabaseError(w, r, err, "list artifacts for", "scan", h.logger)
		return
	}
	for _, artifact := range artifacts {
		if err := os.Remove(artifact.FilePath); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("failed to remove artifact file", "path", artifact.FilePath, "error", err)
		}
	}

	if err := h.scans.Delete(r.Context(), id); err != nil {
		handleDatabaseError(w, r, err, "delete", "scan", h.logger)
		return
	}

	recordCRUDMetric(h.metrics, "scans_deleted_total", nil)
	w.WriteHeader(http.StatusNoContent)
}

func joinNetworks(networks []string) string {
	out := networks[0]
	for _, n := range networks[1:] {
		out += "," + n
	}
	return out
}
