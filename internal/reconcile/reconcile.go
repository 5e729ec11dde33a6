// Package reconcile implements the Consistency Reconciler: it repairs
// drift between the Blob Store, the Document Catalog, and the Vector Index
// that crashes or manual edits can introduce, for the portal and website
// source types that are populated without a human in the loop.
package reconcile

import (
	"context"
	"mime"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/knowledgebase/kbsubsystem/internal/blobstore"
	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/ingest"
	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
)

// Reconciler holds the three stores the portal/website source types touch.
type Reconciler struct {
	blobs    *blobstore.Store
	catalog  *catalog.Store
	pipeline *ingest.Pipeline
	logger   zerolog.Logger
}

// New constructs a Reconciler.
func New(blobs *blobstore.Store, cat *catalog.Store, pipeline *ingest.Pipeline) *Reconciler {
	return &Reconciler{
		blobs:    blobs,
		catalog:  cat,
		pipeline: pipeline,
		logger:   observability.Logger("reconcile"),
	}
}

// OrphanReport is the outcome of CleanupOrphans.
type OrphanReport struct {
	Checked int
	Kept    int
	Deleted int
	Errors  []string
}

// CleanupOrphans walks the blob directory for sourceType and removes any
// file with no catalog row referencing it by stored filename.
func (r *Reconciler) CleanupOrphans(ctx context.Context, sourceType catalog.SourceType) (OrphanReport, error) {
	var report OrphanReport

	names, err := r.blobs.List(sourceType)
	if err != nil {
		return report, err
	}

	for _, name := range names {
		report.Checked++

		_, err := r.catalog.GetByStoredFilename(ctx, name)
		if err == nil {
			report.Kept++
			continue
		}
		if !kberrors.IsKind(err, kberrors.NotFound) {
			report.Errors = append(report.Errors, err.Error())
			continue
		}

		if err := r.blobs.Remove(sourceType, name); err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Deleted++
		r.logger.Info().Str("source_type", string(sourceType)).Str("file", name).Msg("deleted orphan blob")
	}

	return report, nil
}

// RepairReport is the outcome of EmbedRepair.
type RepairReport struct {
	CheckedDB               int
	CheckedFS               int
	ReembeddedDBMissingFile int
	ReembeddedFSMissingDB   int
	CreatedDBRecords        int
	Errors                  []string
}

// EmbedRepair reconciles catalog rows whose blob has disappeared (re-ingest
// from storage_path when it still resolves) and blobs with no catalog row
// (create a minimal row, then ingest). When dryRun is true, counters are
// still produced but no writes are performed.
func (r *Reconciler) EmbedRepair(ctx context.Context, sourceType catalog.SourceType, dryRun bool) (RepairReport, error) {
	var report RepairReport

	docs, err := r.catalog.ListBySourceType(ctx, sourceType)
	if err != nil {
		return report, err
	}

	known := make(map[string]bool, len(docs))
	for _, doc := range docs {
		report.CheckedDB++
		known[doc.StoredFilename] = true

		if r.blobs.Exists(doc.SourceType, doc.StoredFilename) {
			continue
		}

		// The computed blob path is missing; storage_path is the only
		// other place the file could live, matching the source's
		// candidate-path fallback.
		if _, statErr := os.Stat(doc.StoragePath); statErr != nil {
			report.Errors = append(report.Errors, "document "+doc.ID.String()+": file missing, no fallback at "+doc.StoragePath)
			continue
		}

		report.ReembeddedDBMissingFile++
		if dryRun {
			continue
		}
		if _, err := r.pipeline.Reingest(ctx, doc); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	names, err := r.blobs.List(sourceType)
	if err != nil {
		return report, err
	}

	for _, name := range names {
		report.CheckedFS++
		if known[name] {
			continue
		}

		report.ReembeddedFSMissingDB++
		report.CreatedDBRecords++
		if dryRun {
			continue
		}

		if err := r.adoptOrphanFile(ctx, sourceType, name); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	return report, nil
}

// adoptOrphanFile creates a minimal catalog row for a file found on disk
// with no corresponding document, then ingests it.
func (r *Reconciler) adoptOrphanFile(ctx context.Context, sourceType catalog.SourceType, storedFilename string) error {
	path := r.blobs.Path(sourceType, storedFilename)
	info, err := os.Stat(path)
	if err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "statting orphan file %s", path)
	}

	ext := filepath.Ext(storedFilename)
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	doc := &catalog.Document{
		ID:               uuid.New(),
		SourceType:       sourceType,
		OriginalFilename: storedFilename,
		StoredFilename:   storedFilename,
		StoragePath:      path,
		MimeType:         mimeType,
		SizeBytes:        info.Size(),
		Metadata:         map[string]any{"reconciled": true},
	}

	if err := r.catalog.Create(ctx, doc); err != nil {
		return err
	}

	if _, err := r.pipeline.Reingest(ctx, doc); err != nil {
		return err
	}
	return nil
}
