package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go-shot-diagnostics/internal/detector"
	"go-shot-diagnostics/internal/index"
	"go-shot-diagnostics/internal/model"
	"go-shot-diagnostics/internal/store"
	"go-shot-diagnostics/internal/syncloop"
	"go-shot-diagnostics/pkg/utils"
)

// Handler serves the read-only status API over the result store.
type Handler struct {
	store   *store.Store
	reports *utils.OutputManager
	sync    func() syncloop.Status

	detectors func() detector.Map
}

// New creates a handler. reports and sync may be nil when run reports or a
// sync loop are not available in this process.
func New(st *store.Store, reports *utils.OutputManager, sync func() syncloop.Status) *Handler {
	return &Handler{store: st, reports: reports, sync: sync}
}

// SetDetectors exposes the live channel-type to detector map.
func (h *Handler) SetDetectors(fn func() detector.Map) {
	h.detectors = fn
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// pathParts splits the request path into its segments.
func pathParts(r *http.Request) []string {
	return strings.Split(strings.Trim(r.URL.Path, "/"), "/")
}

func shotParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	parts := pathParts(r)
	if len(parts) < 4 {
		http.Error(w, "Invalid URL format", http.StatusBadRequest)
		return 0, false
	}
	shot, err := strconv.Atoi(parts[3])
	if err != nil || shot <= 0 {
		http.Error(w, "Invalid shot number", http.StatusBadRequest)
		return 0, false
	}
	return shot, true
}

func (h *Handler) shardParam(w http.ResponseWriter, r *http.Request) (store.Shard, bool) {
	parts := pathParts(r)
	if len(parts) < 4 {
		http.Error(w, "Invalid URL format", http.StatusBadRequest)
		return store.Shard{}, false
	}
	sh, err := h.store.ShardByName(r.Context(), parts[3])
	if err != nil {
		http.Error(w, "Shard not found", http.StatusNotFound)
		return store.Shard{}, false
	}
	return sh, true
}

// Health reports liveness
// @Summary Health check
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{} "Service is up"
// @Router /health [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"status": "ok"})
}

// ListShards lists every shard
// @Summary List shards
// @Description List every shard with its shot range, ordered by start shot
// @Tags shards
// @Produce json
// @Success 200 {object} map[string]interface{} "Shards"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /shards [get]
func (h *Handler) ListShards(w http.ResponseWriter, r *http.Request) {
	shards, err := h.store.Shards(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch shards", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"shards": shards,
		"count":  len(shards),
	})
}

// GetShotRecords returns the outcome list of a shot
// @Summary Get shot records
// @Description Retrieve the per-channel outcome records of a shot, optionally filtered
// @Tags shots
// @Produce json
// @Param shot path int true "Shot number"
// @Param status query string false "Keep only records with this status"
// @Param channel_type query string false "Keep only records of this channel type"
// @Success 200 {object} map[string]interface{} "Outcome records"
// @Failure 400 {object} map[string]interface{} "Invalid shot number"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /shots/{shot}/records [get]
func (h *Handler) GetShotRecords(w http.ResponseWriter, r *http.Request) {
	shot, ok := shotParam(w, r)
	if !ok {
		return
	}
	status := model.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, fmt.Sprintf("Unknown status %q", status), http.StatusBadRequest)
		return
	}
	channelType := r.URL.Query().Get("channel_type")

	recs, err := h.store.Outcomes(r.Context(), shot)
	if err != nil {
		http.Error(w, "Failed to retrieve records", http.StatusInternalServerError)
		return
	}
	out := make([]model.OutcomeRecord, 0, len(recs))
	for _, rec := range recs {
		if status != "" && rec.Status != status {
			continue
		}
		if channelType != "" && !strings.EqualFold(rec.ChannelType, channelType) {
			continue
		}
		out = append(out, rec)
	}
	writeJSON(w, map[string]interface{}{
		"shot_number": shot,
		"records":     out,
		"count":       len(out),
	})
}

// GetShotAnomalies returns the anomalies of a shot
// @Summary Get shot anomalies
// @Description Retrieve the anomaly records detected on a shot
// @Tags shots
// @Produce json
// @Param shot path int true "Shot number"
// @Success 200 {object} map[string]interface{} "Anomaly records"
// @Failure 400 {object} map[string]interface{} "Invalid shot number"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /shots/{shot}/anomalies [get]
func (h *Handler) GetShotAnomalies(w http.ResponseWriter, r *http.Request) {
	shot, ok := shotParam(w, r)
	if !ok {
		return
	}
	anomalies, err := h.store.Anomalies(r.Context(), shot)
	if err != nil {
		http.Error(w, "Failed to retrieve anomalies", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"shot_number": shot,
		"anomalies":   anomalies,
		"count":       len(anomalies),
	})
}

// GetShotIndex returns the index of a shot
// @Summary Get shot index
// @Description Retrieve attribute -> value -> record positions for a shot
// @Tags shots
// @Produce json
// @Param shot path int true "Shot number"
// @Success 200 {object} map[string]interface{} "Shot index"
// @Failure 400 {object} map[string]interface{} "Invalid shot number"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /shots/{shot}/index [get]
func (h *Handler) GetShotIndex(w http.ResponseWriter, r *http.Request) {
	shot, ok := shotParam(w, r)
	if !ok {
		return
	}
	idx, err := h.store.ShotIndex(r.Context(), shot)
	if err != nil {
		http.Error(w, "Failed to retrieve index", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"shot_number": shot,
		"index":       idx,
	})
}

// GetShardStats returns statistics documents of a shard
// @Summary Get shard statistics
// @Description List the statistics keys of a shard, or return one document with ?key=
// @Tags shards
// @Produce json
// @Param name path string true "Shard name or start_end range"
// @Param key query string false "Statistics key, e.g. shot:123 or range:100_199"
// @Success 200 {object} map[string]interface{} "Statistics"
// @Failure 404 {object} map[string]interface{} "Shard or key not found"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /shards/{name}/stats [get]
func (h *Handler) GetShardStats(w http.ResponseWriter, r *http.Request) {
	sh, ok := h.shardParam(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		keys, err := h.store.StatsKeys(r.Context(), sh.Name)
		if err != nil {
			http.Error(w, "Failed to retrieve statistics", http.StatusInternalServerError)
			return
		}
		if keys == nil {
			keys = []string{}
		}
		writeJSON(w, map[string]interface{}{
			"shard": sh.Name,
			"keys":  keys,
			"count": len(keys),
		})
		return
	}

	var doc json.RawMessage
	if err := h.store.Stats(r.Context(), sh.Name, key, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Statistics not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to retrieve statistics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"shard":      sh.Name,
		"key":        key,
		"statistics": doc,
	})
}

// GetShardIndex returns one attribute index document of a shard
// @Summary Get shard attribute index
// @Description Retrieve shot -> value -> positions for one indexed attribute
// @Tags shards
// @Produce json
// @Param name path string true "Shard name or start_end range"
// @Param attribute path string true "shot_number, channel_name, channel_type, db_name or error_name"
// @Success 200 {object} map[string]interface{} "Attribute index"
// @Failure 400 {object} map[string]interface{} "Unknown attribute"
// @Failure 404 {object} map[string]interface{} "Shard not found"
// @Router /shards/{name}/index/{attribute} [get]
func (h *Handler) GetShardIndex(w http.ResponseWriter, r *http.Request) {
	sh, ok := h.shardParam(w, r)
	if !ok {
		return
	}
	parts := pathParts(r)
	attr := parts[len(parts)-1]
	known := false
	for _, a := range index.Attributes {
		known = known || a == attr
	}
	if !known {
		http.Error(w, fmt.Sprintf("Unknown attribute %q", attr), http.StatusBadRequest)
		return
	}
	entries, err := h.store.AttributeIndex(r.Context(), sh.Name, attr)
	if err != nil {
		http.Error(w, "Failed to retrieve index", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"shard":     sh.Name,
		"attribute": attr,
		"index":     entries,
	})
}

// ListRuns lists processing runs
// @Summary List runs
// @Description Get every run, backfill and sync batch with its status, newest first
// @Tags runs
// @Produce json
// @Success 200 {array} map[string]interface{} "Runs"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs [get]
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.RunInfo{}
	}
	writeJSON(w, runs)
}

// GetRun returns one run
// @Summary Get run
// @Description Retrieve a run with its request and final statistics
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run details"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id} [get]
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r)
	if len(parts) < 4 || parts[3] == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}
	run, err := h.store.GetRun(r.Context(), parts[3])
	if err != nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, run)
}

// GetRunErrors returns the errors recorded for a run
// @Summary Get run errors
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run errors"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs/{id}/errors [get]
func (h *Handler) GetRunErrors(w http.ResponseWriter, r *http.Request) {
	runID := pathParts(r)[3]
	errs, err := h.store.RunErrors(r.Context(), runID)
	if err != nil {
		http.Error(w, "Failed to retrieve errors", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"run_id": runID,
		"errors": errs,
		"count":  len(errs),
	})
}

// DownloadRunReport serves the JSON summary report of a run
// @Summary Download run report
// @Tags runs
// @Produce application/octet-stream
// @Param id path string true "Run ID"
// @Success 200 {file} file "Report download"
// @Failure 404 {object} map[string]interface{} "Report not found"
// @Router /runs/{id}/report [get]
func (h *Handler) DownloadRunReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		http.Error(w, "Reports are not enabled", http.StatusNotFound)
		return
	}
	runID := pathParts(r)[3]
	filePath, err := h.reports.ReportPath(runID, utils.ReportFile)
	if err != nil {
		http.Error(w, "Report not found", http.StatusNotFound)
		return
	}
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		http.Error(w, "Report not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", utils.ReportFile))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, filePath)
}

// GetSyncStatus returns the sync loop's latest observations
// @Summary Get sync status
// @Tags sync
// @Produce json
// @Success 200 {object} map[string]interface{} "Sync status"
// @Failure 404 {object} map[string]interface{} "No sync loop in this process"
// @Router /sync [get]
func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		http.Error(w, "Sync loop is not running", http.StatusNotFound)
		return
	}
	writeJSON(w, h.sync())
}

// ListDetectors returns the detectors active per channel type with their
// channel allow-lists
// @Summary List active detectors
// @Tags detectors
// @Produce json
// @Success 200 {object} map[string]interface{} "Detectors per channel type"
// @Failure 404 {object} map[string]interface{} "No detector registry in this process"
// @Router /detectors [get]
func (h *Handler) ListDetectors(w http.ResponseWriter, r *http.Request) {
	if h.detectors == nil {
		http.Error(w, "Detector registry is not loaded", http.StatusNotFound)
		return
	}
	writeJSON(w, h.detectors())
}
