package reconcile

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/knowledgebase/kbsubsystem/internal/blobstore"
	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/extract"
	"github.com/knowledgebase/kbsubsystem/internal/ingest"
	"github.com/knowledgebase/kbsubsystem/internal/vectorindex"
)

type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, f.dim), nil
}
func (f fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}
func (f fakeEmbedder) Dimension() int { return f.dim }
func (f fakeEmbedder) Model() string  { return "fake" }

func setup(t *testing.T) (*Reconciler, *blobstore.Store, *catalog.Store, *vectorindex.Store) {
	t.Helper()
	dsn := os.Getenv("KB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KB_TEST_POSTGRES_DSN not set, skipping integration test")
	}
	ctx := context.Background()

	cat, err := catalog.Connect(ctx, dsn, 4, 8)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(cat.Close)
	vectors := vectorindex.New(cat.Pool())

	dir := t.TempDir()
	blobs := blobstore.New(dir)
	if err := blobs.EnsureLayout(); err != nil {
		t.Fatalf("ensure layout: %v", err)
	}

	extractor := extract.NewExtractorRegistry(extract.Options{})
	pipeline := ingest.New(blobs, cat, vectors, extractor, fakeEmbedder{dim: 8}, ingest.Options{
		MaxFileSizeMB: 10, MinFileSizeB: 1,
	})

	return New(blobs, cat, pipeline), blobs, cat, vectors
}

func TestCleanupOrphansDeletesUnreferencedFile(t *testing.T) {
	r, blobs, cat, _ := setup(t)
	ctx := context.Background()

	name := blobstore.NewStoredName("orphan.txt")
	if _, _, err := blobs.Put(catalog.SourcePortal, name, bytes.NewReader([]byte("hello world"))); err != nil {
		t.Fatalf("put: %v", err)
	}

	report, err := r.CleanupOrphans(ctx, catalog.SourcePortal)
	if err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if report.Checked != 1 || report.Deleted != 1 || report.Kept != 0 {
		t.Errorf("report = %+v", report)
	}
	if blobs.Exists(catalog.SourcePortal, name) {
		t.Error("expected orphan file to be removed")
	}
	_ = cat
}

func TestEmbedRepairDryRunDoesNotWrite(t *testing.T) {
	r, blobs, cat, vectors := setup(t)
	ctx := context.Background()

	result, err := ingest.New(blobs, cat, vectors, extract.NewExtractorRegistry(extract.Options{}), fakeEmbedder{dim: 8}, ingest.Options{MaxFileSizeMB: 10, MinFileSizeB: 1}).
		Ingest(ctx, ingest.Input{
			SourceType:       catalog.SourcePortal,
			OriginalFilename: "dry-run.txt",
			MimeType:         "text/plain",
			Content:          bytes.NewReader([]byte("dry run content")),
		})
	if err != nil {
		t.Fatalf("seeding ingest: %v", err)
	}

	doc, err := cat.Get(ctx, result.DocumentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := blobs.Remove(catalog.SourcePortal, doc.StoredFilename); err != nil {
		t.Fatalf("remove: %v", err)
	}

	report, err := r.EmbedRepair(ctx, catalog.SourcePortal, true)
	if err != nil {
		t.Fatalf("EmbedRepair: %v", err)
	}
	if report.CheckedDB != 1 {
		t.Errorf("CheckedDB = %d, want 1", report.CheckedDB)
	}
	// storage_path equals the now-deleted blob path, so neither the
	// primary nor the fallback check finds the file, and it is reported
	// as an unrepairable error rather than a reembed.
	if len(report.Errors) != 1 {
		t.Errorf("Errors = %+v, want exactly one missing-file error", report.Errors)
	}
	if report.ReembeddedDBMissingFile != 0 {
		t.Errorf("ReembeddedDBMissingFile = %d, want 0 since the file has no fallback", report.ReembeddedDBMissingFile)
	}
}
