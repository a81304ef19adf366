// Package handlers provides HTTP request handlers for the network scanner
// API. This file serves a scan's generated artifact files (reports,
// diagrams, exports) straight off disk.
package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/metrics"
)

// ArtifactHandler handles the artifact download endpoint.
type ArtifactHandler struct {
	artifacts *db.ArtifactRepository
	logger    *slog.Logger
	metrics   metrics.MetricsRegistry
}

// NewArtifactHandler creates a new artifact handler.
func NewArtifactHandler(artifacts *db.ArtifactRepository, logger *slog.Logger, metricsRegistry metrics.MetricsRegistry) *ArtifactHandler {
	return &ArtifactHandler{
		artifacts: artifacts,
		logger:    logger.With("handler", "artifact"),
		metrics:   metricsRegistry,
	}
}

// contentTypeByArtifactType maps artifact types to their download content type.
var contentTypeByArtifactType = map[string]string{
	db.ArtifactTypeHTML: "text/html",
	db.ArtifactTypePNG:  "image/png",
	db.ArtifactTypeSVG:  "image/svg+xml",
	db.ArtifactTypeXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	db.ArtifactTypeXML:  "application/xml",
	db.ArtifactTypeDOT:  "text/vnd.graphviz",
}

// Get handles GET /api/artifacts/{scan_id}/{type}: serves the matching
// artifact file generated for a scan, or 404 if it hasn't been generated.
func (h *ArtifactHandler) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	scanID, err := uuid.Parse(vars["scan_id"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid scan_id: %s", vars["scan_id"]))
		return
	}
	artifactType := vars["type"]
	if _, ok := contentTypeByArtifactType[artifactType]; !ok {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("unsupported artifact type: %s", artifactType))
		return
	}

	artifacts, err := h.artifacts.ListByScan(r.Context(), scanID)
	if err != nil {
		handleDatabaseError(w, r, err, "list artifacts for", "scan", h.logger)
		return
	}

	for _, artifact := range artifacts {
		if artifact.Type != artifactType {
			continue
		}
		file, err := os.Open(artifact.FilePath)
		if err != nil {
			if os.IsNotExist(err) {
				writeError(w, r, http.StatusNotFound, fmt.Errorf("artifact file missing on disk"))
				return
			}
			h.logger.Error("failed to open artifact file", "path", artifact.FilePath, "error", err)
			writeError(w, r, http.StatusInternalServerError, fmt.Errorf("failed to read artifact file"))
			return
		}
		defer file.Close()

		w.Header().Set("Content-Type", contentTypeByArtifactType[artifactType])
		recordCRUDMetric(h.metrics, "artifacts_downloaded_total", map[string]string{"type": artifactType})
		if _, err := io.Copy(w, file); err != nil {
			h.logger.Warn("failed to stream artifact file", "path", artifact.FilePath, "error", err)
		}
		return
	}

	writeError(w, r, http.StatusNotFound, fmt.Errorf("no %s artifact for this scan", artifactType))
}
