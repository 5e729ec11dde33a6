package syncjob

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
)

// ItemType distinguishes a sync_log_details row for a pulled document from
// one for a crawled website page.
type ItemType string

const (
	ItemDocument ItemType = "document"
	ItemWebsite  ItemType = "website"
)

// ItemResult is what a source adapter reports back to the Logger for one
// processed item.
type ItemResult struct {
	ItemType         ItemType
	ItemURL          string
	ItemSource       string
	DocumentTitle    string
	DocumentFilename string
	DocumentID       string
	Status           string // "success" or "failed"
	ErrorMessage     string
	FileSize         int64
	Metadata         map[string]any
}

// Logger records one sync run's lifecycle into sync_logs/sync_log_details:
// a starting row, a per-item detail row for each document or website page
// processed, and a final summary row with aggregated counts.
type Logger struct {
	pool    *pgxpool.Pool
	logger  zerolog.Logger
	syncID  uuid.UUID
	results []ItemResult
}

// NewLogger constructs a Logger bound to a pool; call StartSyncLog before
// logging items.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool, logger: observability.Logger("syncjob.logger")}
}

// StartSyncLog inserts the opening sync_logs row and returns its ID.
func (l *Logger) StartSyncLog(ctx context.Context, syncType, triggerSource, triggeredBy string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := l.pool.Exec(ctx, `
		INSERT INTO sync_logs (id, sync_type, status, trigger_source, triggered_by, started_at, metadata)
		VALUES ($1, $2, 'running', $3, $4, now(), '{}'::jsonb)`,
		id, syncType, nullableString(triggerSource), nullableString(triggeredBy))
	if err != nil {
		return uuid.Nil, kberrors.Wrap(kberrors.Storage, err, "starting sync log")
	}

	l.syncID = id
	l.results = nil
	return id, nil
}

// LogItem records the outcome of processing one document or website page.
// Failures to write the detail row are logged but not propagated, matching
// the source behavior of never letting logging interrupt the sync itself.
func (l *Logger) LogItem(ctx context.Context, item ItemResult) {
	if l.syncID == uuid.Nil {
		l.logger.Warn().Msg("LogItem called with no active sync log")
		return
	}

	metaJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		l.logger.Warn().Err(err).Msg("marshaling sync item metadata")
		metaJSON = []byte("{}")
	}

	var docID *uuid.UUID
	if item.DocumentID != "" {
		if parsed, err := uuid.Parse(item.DocumentID); err == nil {
			docID = &parsed
		}
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO sync_log_details
			(sync_log_id, item_type, item_url, item_source, document_title, document_filename,
			 document_id, status, error_message, file_size, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		l.syncID, string(item.ItemType), nullableString(item.ItemURL), nullableString(item.ItemSource),
		nullableString(item.DocumentTitle), nullableString(item.DocumentFilename), docID,
		item.Status, nullableString(item.ErrorMessage), item.FileSize, metaJSON)
	if err != nil {
		// Older deployments may not have the item_type/item_url/item_source
		// columns yet; retry against the narrower legacy shape before giving up.
		_, legacyErr := l.pool.Exec(ctx, `
			INSERT INTO sync_log_details
				(sync_log_id, document_title, document_filename, document_id, status, error_message, file_size, metadata)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			l.syncID, nullableString(item.DocumentTitle), nullableString(item.DocumentFilename), docID,
			item.Status, nullableString(item.ErrorMessage), item.FileSize, metaJSON)
		if legacyErr != nil {
			l.logger.Warn().Err(err).Msg("logging sync item detail")
		}
	}

	l.results = append(l.results, item)
}

// summary tallies recorded items by item type and outcome.
type summary struct {
	total, ok, failed int
}

func (l *Logger) tally(itemType ItemType) summary {
	var s summary
	for _, r := range l.results {
		if r.ItemType != itemType {
			continue
		}
		s.total++
		if r.Status == "success" {
			s.ok++
		} else {
			s.failed++
		}
	}
	return s
}

// FinishSyncLog closes out the sync_logs row: aggregate counts derived from
// LogItem calls, the final status (overridden to "partial_success" when
// some but not all items failed), runtime, and any run-level error.
func (l *Logger) FinishSyncLog(ctx context.Context, status string, runtimeSeconds float64, errMsg string, extraMetadata map[string]any) error {
	if l.syncID == uuid.Nil {
		l.logger.Warn().Msg("FinishSyncLog called with no active sync log")
		return nil
	}

	docs := l.tally(ItemDocument)
	sites := l.tally(ItemWebsite)

	finalStatus := status
	if finalStatus == "succeeded" {
		finalStatus = "success"
	}
	failedTotal := docs.failed + sites.failed
	okTotal := docs.ok + sites.ok
	if finalStatus == "success" && failedTotal > 0 {
		if okTotal > 0 {
			finalStatus = "partial_success"
		} else {
			finalStatus = "failed"
		}
	}

	metadata := map[string]any{
		"document_summary": map[string]int{"total": docs.total, "successful": docs.ok, "failed": docs.failed},
		"website_summary":  map[string]int{"total": sites.total, "successful": sites.ok, "failed": sites.failed},
		"overall_summary": map[string]int{
			"total": docs.total + sites.total, "successful": okTotal, "failed": failedTotal,
		},
	}
	for k, v := range extraMetadata {
		metadata[k] = v
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return kberrors.Wrap(kberrors.BadInput, err, "marshaling sync log summary metadata")
	}

	_, err = l.pool.Exec(ctx, `
		UPDATE sync_logs
		SET status = $1, documents_total = $2, documents_ok = $3, documents_failed = $4,
		    websites_total = $5, websites_ok = $6, websites_failed = $7,
		    finished_at = now(), runtime_seconds = $8, error_message = $9, metadata = $10
		WHERE id = $11`,
		finalStatus, docs.total, docs.ok, docs.failed, sites.total, sites.ok, sites.failed,
		runtimeSeconds, nullableString(errMsg), metaJSON, l.syncID)
	if err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "finishing sync log %s", l.syncID)
	}

	l.logger.Info().
		Str("sync_log_id", l.syncID.String()).
		Str("status", finalStatus).
		Int("documents_ok", docs.ok).
		Int("documents_total", docs.total).
		Msg("sync log finished")

	l.syncID = uuid.Nil
	l.results = nil
	return nil
}
