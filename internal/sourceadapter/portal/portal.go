// Package portal implements the Portal Puller: it fetches the document list
// from the configured document portal, downloads newly published or changed
// files, and routes them through the Ingestion Pipeline.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/knowledgebase/kbsubsystem/internal/blobstore"
	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/config"
	"github.com/knowledgebase/kbsubsystem/internal/ingest"
	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
	"github.com/knowledgebase/kbsubsystem/internal/syncjob"
	"github.com/knowledgebase/kbsubsystem/internal/vectorindex"
)

// Summary reports the outcome of one Run, returned as the sync job's result
// payload.
type Summary struct {
	Processed       int
	Created         int
	Updated         int
	Skipped         int
	Errors          []string
	DownloadedFiles []string
}

// Adapter pulls the portal's published document list and ingests it.
type Adapter struct {
	pipeline *ingest.Pipeline
	catalog  *catalog.Store
	vectors  *vectorindex.Store
	blobs    *blobstore.Store
	http     *http.Client
	cfg      config.PortalConfig
	logger   zerolog.Logger
}

// New constructs an Adapter from its collaborators and config.PortalConfig.
func New(pipeline *ingest.Pipeline, cat *catalog.Store, vectors *vectorindex.Store, blobs *blobstore.Store, cfg config.PortalConfig) *Adapter {
	return &Adapter{
		pipeline: pipeline,
		catalog:  cat,
		vectors:  vectors,
		blobs:    blobs,
		http:     &http.Client{Timeout: cfg.DownloadTimeout},
		cfg:      cfg,
		logger:   observability.Logger("sourceadapter.portal"),
	}
}

// listItem is one entry of the portal's document list, read permissively
// since the portal API mixes PascalCase and camelCase keys across fields.
type listItem map[string]any

func (i listItem) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := i[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func (i listItem) boolean(key string) bool {
	v, ok := i[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Run fetches the document list, downloads and ingests every published item
// whose filename has changed or whose embeddings are missing, and logs each
// outcome to log (if non-nil).
func (a *Adapter) Run(ctx context.Context, log *syncjob.Logger) (Summary, error) {
	var summary Summary

	items, err := a.fetchDocumentList(ctx)
	if err != nil {
		if log != nil {
			log.LogItem(ctx, syncjob.ItemResult{
				ItemType:      syncjob.ItemDocument,
				DocumentTitle: "Portal API Request",
				Status:        "failed",
				ErrorMessage:  err.Error(),
			})
		}
		return summary, err
	}
	a.logger.Info().Int("count", len(items)).Msg("fetched portal document list")

	existing, err := a.loadExisting(ctx)
	if err != nil {
		return summary, err
	}

	for _, item := range items {
		a.processItem(ctx, item, existing, &summary, log)
	}

	return summary, nil
}

// fetchDocumentList retrieves and decodes the portal's document list,
// tolerating a top-level object with a "data" or "items" array, or a bare
// array, matching the source API's inconsistent response shape.
func (a *Adapter) fetchDocumentList(ctx context.Context) ([]listItem, error) {
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + a.cfg.ListEndpoint
	if a.cfg.AuthToken != "" {
		endpoint += "?q=" + url.QueryEscape(a.cfg.AuthToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Upstream, err, "building portal list request")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Upstream, err, "fetching document list from portal")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, kberrors.New(kberrors.Upstream, "portal document list returned status %d", resp.StatusCode)
	}

	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, kberrors.Wrap(kberrors.Upstream, err, "decoding portal document list")
	}

	var rawItems []any
	switch v := raw.(type) {
	case map[string]any:
		if data, ok := v["data"].([]any); ok {
			rawItems = data
		} else if data, ok := v["items"].([]any); ok {
			rawItems = data
		}
	case []any:
		rawItems = v
	}

	items := make([]listItem, 0, len(rawItems))
	for _, r := range rawItems {
		if m, ok := r.(map[string]any); ok {
			items = append(items, listItem(m))
		}
	}
	return items, nil
}

// loadExisting indexes already-cataloged portal documents by their
// source FileName field, the same dedup key the source API's original
// filename comparison used.
func (a *Adapter) loadExisting(ctx context.Context) (map[string]*catalog.Document, error) {
	docs, err := a.catalog.ListBySourceType(ctx, catalog.SourcePortal)
	if err != nil {
		return nil, err
	}
	byFileName := make(map[string]*catalog.Document, len(docs))
	for _, d := range docs {
		if fn, ok := d.Metadata["FileName"].(string); ok && fn != "" {
			byFileName[fn] = d
		}
	}
	return byFileName, nil
}

func (a *Adapter) processItem(ctx context.Context, item listItem, existing map[string]*catalog.Document, summary *Summary, log *syncjob.Logger) {
	title := item.str("Title")
	origFilename := item.str("FileName")
	documentID := item.str("Id", "ID")

	logFailure := func(msg string, meta map[string]any) {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", origFilename, msg))
		if log != nil {
			log.LogItem(ctx, syncjob.ItemResult{
				ItemType:         syncjob.ItemDocument,
				DocumentTitle:    title,
				DocumentFilename: origFilename,
				Status:           "failed",
				ErrorMessage:     msg,
				Metadata:         meta,
			})
		}
	}

	if !item.boolean("IsPublished") {
		summary.Skipped++
		logFailure("document not published", map[string]any{"is_published": false})
		return
	}

	documentSource := normalizeFilename(origFilename)
	if documentSource == "" {
		documentSource = fmt.Sprintf("%s%s", documentID, filepath.Ext(origFilename))
	}

	if prior, ok := existing[origFilename]; ok {
		vectorCount, err := a.vectors.CountByDocument(ctx, prior.ID)
		if err != nil {
			a.logger.Warn().Err(err).Str("document_id", prior.ID.String()).Msg("checking existing vectors")
		}
		blobPresent := a.blobs.Exists(prior.SourceType, prior.StoredFilename)
		if vectorCount > 0 && prior.OriginalFilename == documentSource && blobPresent {
			summary.Skipped++
			return
		}
		// Filename changed, embeddings are missing, or the stored blob was
		// removed out from under the catalog; tear down the stale document
		// so reprocessing starts clean.
		if err := a.pipeline.Remove(ctx, prior); err != nil {
			a.logger.Warn().Err(err).Str("document_id", prior.ID.String()).Msg("removing stale portal document")
		}
	}

	fileURL := item.str("DownloadUrl", "downloadUrl", "FileUrl", "fileUrl")
	if fileURL == "" {
		fileURL = strings.TrimRight(a.cfg.BaseURL, "/") + "/DocAnnouncements/" + origFilename
	}

	data, err := a.downloadWithRetry(ctx, fileURL)
	if err != nil {
		logFailure(err.Error(), map[string]any{"file_url": fileURL})
		return
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(documentSource)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	metadata := map[string]any(item)

	result, err := a.pipeline.Ingest(ctx, ingest.Input{
		SourceType:       catalog.SourcePortal,
		OriginalFilename: documentSource,
		MimeType:         mimeType,
		Metadata:         metadata,
		Content:          bytes.NewReader(data),
	})
	if err != nil {
		logFailure(err.Error(), map[string]any{"error_type": "ingest_error"})
		return
	}

	summary.Processed++
	summary.DownloadedFiles = append(summary.DownloadedFiles, documentSource)
	if _, ok := existing[origFilename]; ok {
		summary.Updated++
	} else {
		summary.Created++
	}

	if log != nil {
		log.LogItem(ctx, syncjob.ItemResult{
			ItemType:         syncjob.ItemDocument,
			DocumentTitle:    title,
			DocumentFilename: origFilename,
			DocumentID:       documentID,
			Status:           "success",
			FileSize:         int64(len(data)),
			Metadata: map[string]any{
				"document_id": result.DocumentID.String(),
				"chunk_count": result.ChunkCount,
			},
		})
	}
}

// downloadWithRetry makes up to cfg.MaxRetries download attempts in total,
// retrying only after a timeout, matching the source's retry-on-timeout-only
// behavior.
func (a *Adapter) downloadWithRetry(ctx context.Context, fileURL string) ([]byte, error) {
	maxRetries := a.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
		if err != nil {
			return nil, kberrors.Wrap(kberrors.Upstream, err, "building download request for %s", fileURL)
		}

		resp, err := a.http.Do(req)
		if err != nil {
			lastErr = err
			if isTimeout(err) {
				a.logger.Warn().Err(err).Str("url", fileURL).Int("attempt", attempt).Int("max_retries", maxRetries).Msg("timeout downloading portal file")
				if attempt < maxRetries {
					time.Sleep(time.Second)
					continue
				}
			}
			return nil, kberrors.Wrap(kberrors.Upstream, err, "downloading %s", fileURL)
		}

		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, kberrors.New(kberrors.Upstream, "downloading %s returned status %d", fileURL, resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, kberrors.Wrap(kberrors.Upstream, err, "reading download body for %s", fileURL)
		}
		return data, nil
	}
	return nil, kberrors.Wrap(kberrors.Upstream, lastErr, "downloading %s after %d attempts", fileURL, maxRetries)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	for e := err; e != nil; {
		if te, ok := e.(timeouter); ok {
			t = te
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return t != nil && t.Timeout()
}

// normalizeFilename mirrors the source's filename normalization: trim,
// replace whitespace and path separators with underscores.
func normalizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
