package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
	"github.com/knowledgebase/kbsubsystem/internal/reconcile"
	"github.com/knowledgebase/kbsubsystem/internal/sourceadapter/upload"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// handleHealth is an unconditional liveness probe: if the process can
// answer at all, it's alive.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
}

// handleReady reports whether the daemon has finished wiring its
// collaborators and is accepting sync/retrieve traffic.
func (d *Daemon) handleReady(w http.ResponseWriter, r *http.Request) {
	if !d.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	uptime := time.Since(d.startTime)
	d.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": uptime.Seconds(),
		"socket":         d.cfg.SocketPath,
	})
}

func (d *Daemon) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := d.syncManager.Fetch(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSyncTrigger kicks off a portal+website sync run under the Sync Job
// Manager's single-flight lock. When the stored job state is already
// "running" it answers 409 with claimed=false rather than queuing a second
// run; otherwise it answers 202 and claims and runs the job in the
// background, where a trigger that loses a concurrent claim exits without
// running.
func (d *Daemon) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	triggeredBy := r.URL.Query().Get("triggered_by")

	if current, err := d.syncManager.Fetch(r.Context()); err == nil && current.State == "running" {
		writeJSON(w, http.StatusConflict, map[string]any{"status": "already_running", "claimed": false, "sync": current})
		return
	}

	go func() {
		ctx := context.Background()
		claimed, final, err := d.syncManager.Run(ctx, "http", triggeredBy, func(ctx context.Context) (map[string]any, error) {
			return d.runSync(ctx, "http", triggeredBy)
		})
		if err != nil {
			d.logger.Error().Err(err).Msg("sync run failed")
			return
		}
		if !claimed {
			return
		}
		observability.LogEvent(d.logger, observability.EventSyncFinished, observability.SanitizeForLog(map[string]interface{}{
			"state":  final.State,
			"result": final.Result,
		}))
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "triggered"})
}

// runSync pulls the portal documents and website pages in sequence, bracketed
// by a sync_logs header row so the per-item detail rows logged from within
// the adapters (LogItem) have somewhere to attach.
func (d *Daemon) runSync(ctx context.Context, triggerSource, triggeredBy string) (map[string]any, error) {
	start := time.Now()
	if _, err := d.syncLogger.StartSyncLog(ctx, "portal", triggerSource, triggeredBy); err != nil {
		d.logger.Warn().Err(err).Msg("starting sync log")
	}

	observability.LogEvent(d.logger, observability.EventSyncClaimed, nil)

	portalSummary, portalErr := d.portalAdapter.Run(ctx, d.syncLogger)
	if portalErr != nil {
		observability.LogEvent(d.logger, observability.EventSyncItemFailed, map[string]interface{}{
			"source": "portal",
			"error":  portalErr.Error(),
		})
	}

	websiteSummary, websiteErr := d.websiteAdapter.Run(ctx, d.syncLogger)
	if websiteErr != nil {
		observability.LogEvent(d.logger, observability.EventSyncItemFailed, map[string]interface{}{
			"source": "website",
			"error":  websiteErr.Error(),
		})
	}

	result := map[string]any{
		"portal":  portalSummary,
		"website": websiteSummary,
	}

	logStatus := "success"
	errMsg := ""
	if portalErr != nil {
		logStatus = "failed"
		errMsg = portalErr.Error()
	}
	if websiteErr != nil {
		logStatus = "failed"
		if errMsg != "" {
			errMsg += "; "
		}
		errMsg += websiteErr.Error()
	}
	if err := d.syncLogger.FinishSyncLog(ctx, logStatus, time.Since(start).Seconds(), errMsg, map[string]any{
		"trigger_source": triggerSource,
		"triggered_by":   triggeredBy,
	}); err != nil {
		d.logger.Warn().Err(err).Msg("finishing sync log")
	}

	if portalErr != nil {
		return result, portalErr
	}
	if websiteErr != nil {
		return result, websiteErr
	}
	return result, nil
}

// handleUpload accepts a multipart file plus source_type, optional
// uploaded_by, and optional chat_id, and routes it through the Upload
// Handler into the ingestion pipeline.
func (d *Daemon) handleUpload(w http.ResponseWriter, r *http.Request) {
	const maxUploadMemory = 32 << 20
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid multipart form"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "file is required"})
		return
	}
	defer file.Close()

	sourceType := catalog.SourceType(r.FormValue("source_type"))
	req := upload.Request{
		SourceType:       sourceType,
		OriginalFilename: header.Filename,
		MimeType:         header.Header.Get("Content-Type"),
		UploadedBy:       r.FormValue("uploaded_by"),
		Content:          file,
	}

	if chatIDRaw := r.FormValue("chat_id"); chatIDRaw != "" {
		chatID, parseErr := uuid.Parse(chatIDRaw)
		if parseErr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "chat_id must be a UUID"})
			return
		}
		req.ChatID = &chatID
	}

	result, err := d.uploadHandler.Upload(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (d *Daemon) handleSettingsList(w http.ResponseWriter, r *http.Request) {
	all, err := d.settings.All(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (d *Daemon) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var value any
	err := d.settings.Get(r.Context(), key, &value)
	if err != nil {
		if kberrors.IsKind(err, kberrors.NotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

func (d *Daemon) handleSettingsSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var value any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if err := d.settings.Set(r.Context(), key, value); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

func (d *Daemon) handleSettingsDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := d.settings.Delete(r.Context(), key); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reconcileRequest struct {
	SourceType string `json:"source_type"`
	DryRun     bool   `json:"dry_run"`
	Repair     bool   `json:"repair"`
}

// handleReconcileRun runs the orphan cleanup pass for a source type, and
// optionally the embedding-repair pass, returning both reports.
func (d *Daemon) handleReconcileRun(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.SourceType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "source_type is required"})
		return
	}

	sourceType := catalog.SourceType(req.SourceType)
	observability.LogEvent(d.logger, observability.EventReconcileStarted, map[string]interface{}{
		"source_type": req.SourceType,
	})

	orphans, err := d.reconciler.CleanupOrphans(r.Context(), sourceType)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	var repair reconcile.RepairReport
	if req.Repair {
		repair, err = d.reconciler.EmbedRepair(r.Context(), sourceType, req.DryRun)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
	}

	observability.LogEvent(d.logger, observability.EventReconcileFinished, map[string]interface{}{
		"source_type": req.SourceType,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"orphans": orphans,
		"repair":  repair,
	})
}
