// Package ingest implements the Ingestion Pipeline: the sequence that turns
// a source file into catalog metadata, extracted text, chunks, embeddings,
// and vector index rows, with compensating rollback on failure partway
// through.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/charmap"

	"github.com/knowledgebase/kbsubsystem/internal/blobstore"
	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/embed"
	"github.com/knowledgebase/kbsubsystem/internal/extract"
	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
	"github.com/knowledgebase/kbsubsystem/internal/vectorindex"
)

// Chunk is one piece of a chunked document, before embedding.
type Chunk struct {
	ChunkID   string
	Index     int
	Content   string
	StartChar int
	EndChar   int
	Metadata  map[string]string
}

// ChunkOptions controls the recursive character splitter.
type ChunkOptions struct {
	MaxSize   int
	Overlap   int
	Splitters []string
}

// Options configures a Pipeline's size and chunking limits, normally sourced
// from config.IngestConfig.
type Options struct {
	MaxFileSizeMB  int64
	MinFileSizeB   int64
	ChunkSize      int
	ChunkOverlap   int
	EmbedBatchSize int
}

// Input describes a file to be ingested: its bytes, original name, and the
// catalog fields that classify and scope it.
type Input struct {
	SourceType       catalog.SourceType
	OriginalFilename string
	MimeType         string
	UploadedBy       string
	ChatID           *uuid.UUID
	Metadata         map[string]any
	Content          io.Reader
	// SourceURL, when set, is recorded in Metadata["url"] so
	// catalog.Store.GetByURL (and its unique index for source_type=website)
	// can find this document again on the next crawl.
	SourceURL string
}

// Pipeline wires together the Blob Store, Document Catalog, Text Extractor,
// Chunker, Embedder, and Vector Index into the single-document ingestion
// flow described by spec.md's Ingestion Pipeline component.
type Pipeline struct {
	blobs      *blobstore.Store
	catalog    *catalog.Store
	vectors    *vectorindex.Store
	extractor  *extract.ExtractorRegistry
	chunker    *Chunker
	embedder   embed.Embedder
	opts       Options
	logger     zerolog.Logger
}

// New constructs a Pipeline from its collaborators.
func New(blobs *blobstore.Store, cat *catalog.Store, vectors *vectorindex.Store, extractor *extract.ExtractorRegistry, embedder embed.Embedder, opts Options) *Pipeline {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1200
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = 200
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 1000
	}
	return &Pipeline{
		blobs:     blobs,
		catalog:   cat,
		vectors:   vectors,
		extractor: extractor,
		chunker:   NewChunker(),
		embedder:  embedder,
		opts:      opts,
		logger:    observability.Logger("ingest.pipeline"),
	}
}

// Result reports what a successful Ingest produced.
type Result struct {
	DocumentID uuid.UUID
	ChunkCount int
}

// Ingest runs the full pipeline for one file: size validation, blob
// placement, catalog insert, text extraction, chunking, embedding, and
// vector index writes. On any failure after the blob and catalog row are
// created, it removes both so a retry starts from a clean slate rather than
// leaving an orphaned file or a document with no searchable chunks.
func (p *Pipeline) Ingest(ctx context.Context, in Input) (*Result, error) {
	data, err := io.ReadAll(io.LimitReader(in.Content, p.opts.MaxFileSizeMB*1024*1024+1))
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Storage, err, "reading input %s", in.OriginalFilename)
	}
	if err := p.validateSize(int64(len(data)), in.OriginalFilename); err != nil {
		return nil, err
	}
	if err := p.validateContent(data, in.OriginalFilename); err != nil {
		return nil, err
	}

	storedName := blobstore.NewStoredName(in.OriginalFilename)
	path, size, err := p.blobs.Put(in.SourceType, storedName, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if in.SourceURL != "" {
		metadata["url"] = in.SourceURL
	}

	doc := &catalog.Document{
		ID:               uuid.New(),
		SourceType:       in.SourceType,
		OriginalFilename: in.OriginalFilename,
		StoredFilename:   storedName,
		StoragePath:      path,
		MimeType:         in.MimeType,
		SizeBytes:        size,
		Metadata:         metadata,
		UploadedBy:       in.UploadedBy,
		ChatID:           in.ChatID,
	}

	if err := p.catalog.Create(ctx, doc); err != nil {
		p.blobs.Remove(in.SourceType, storedName)
		return nil, err
	}

	chunkCount, err := p.extractChunkEmbed(ctx, doc, path)
	if err != nil {
		p.rollback(ctx, doc)
		return nil, err
	}

	return &Result{DocumentID: doc.ID, ChunkCount: chunkCount}, nil
}

// extractChunkEmbed runs steps 4 through 8 of the pipeline for an
// already-cataloged document: extract text, split into chunks, embed in
// batches, and write vectors.
func (p *Pipeline) extractChunkEmbed(ctx context.Context, doc *catalog.Document, path string) (int, error) {
	text, err := p.extractor.Extract(path)
	if err != nil {
		return 0, kberrors.Wrap(kberrors.Extraction, err, "extracting text from %s", doc.OriginalFilename)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, kberrors.New(kberrors.Extraction, "no extractable text in %s", doc.OriginalFilename)
	}

	chunks := p.chunker.Chunk(text, ChunkOptions{
		MaxSize:   p.opts.ChunkSize,
		Overlap:   p.opts.ChunkOverlap,
		Splitters: []string{"\n\n", "\n", ". ", " ", ""},
	})
	if len(chunks) == 0 {
		return 0, kberrors.New(kberrors.Extraction, "chunking produced no chunks for %s", doc.OriginalFilename)
	}

	for i := 0; i < len(chunks); i += p.opts.EmbedBatchSize {
		end := i + p.opts.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]

		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Content
		}

		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, err
		}

		rows := make([]*vectorindex.Chunk, len(batch))
		for j, c := range batch {
			meta := make(map[string]any, len(c.Metadata)+1)
			for k, v := range c.Metadata {
				meta[k] = v
			}
			meta["source_type"] = string(doc.SourceType)

			rows[j] = &vectorindex.Chunk{
				ID:         chunkUUID(doc.ID, c.Index),
				DocumentID: doc.ID,
				ChunkIndex: c.Index,
				Content:    c.Content,
				Embedding:  vectors[j],
				Metadata:   meta,
			}
		}

		if err := p.vectors.UpsertBatch(ctx, rows); err != nil {
			return 0, err
		}
	}

	return len(chunks), nil
}

// chunkUUID derives a deterministic chunk ID from the document ID and chunk
// index so re-ingesting the same document overwrites its prior chunks
// instead of accumulating duplicates.
func chunkUUID(documentID uuid.UUID, index int) uuid.UUID {
	return uuid.NewSHA1(documentID, []byte(fmt.Sprintf("chunk-%d", index)))
}

// rollback removes the blob and catalog row for a document whose extraction
// or embedding step failed, per spec.md's full-rollback requirement.
func (p *Pipeline) rollback(ctx context.Context, doc *catalog.Document) {
	if err := p.vectors.DeleteByDocument(ctx, doc.ID); err != nil {
		p.logger.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("rollback: failed to delete partial vectors")
	}
	if err := p.catalog.Delete(ctx, doc.ID); err != nil {
		p.logger.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("rollback: failed to delete catalog row")
	}
	if err := p.blobs.Remove(doc.SourceType, doc.StoredFilename); err != nil {
		p.logger.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("rollback: failed to remove blob")
	}
}

// validateSize enforces the configured min/max file size bounds.
func (p *Pipeline) validateSize(size int64, filename string) error {
	if p.opts.MinFileSizeB > 0 && size < p.opts.MinFileSizeB {
		return kberrors.New(kberrors.BadInput, "file %s is %d bytes, below the %d byte minimum", filename, size, p.opts.MinFileSizeB)
	}
	maxBytes := p.opts.MaxFileSizeMB * 1024 * 1024
	if maxBytes > 0 && size > maxBytes {
		return kberrors.New(kberrors.BadInput, "file %s is %d bytes, exceeds the %d MB limit", filename, size, p.opts.MaxFileSizeMB)
	}
	return nil
}

// htmlDisguiseIndicators are substrings found in HTML error pages that a
// misconfigured download sometimes serves up in place of a requested PDF.
var htmlDisguiseIndicators = []string{"<!doctype html", "<html>", "not found", "404 error", "error page"}

// validateContent rejects PDFs without a valid header (or an HTML error page
// disguised as one) and text documents that decode as neither UTF-8 nor
// Latin-1, before anything is written to the blob store.
func (p *Pipeline) validateContent(data []byte, filename string) error {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		if !bytes.HasPrefix(data, []byte("%PDF-")) {
			return kberrors.New(kberrors.BadInput, "file %s is not a valid PDF (missing %%PDF- header)", filename)
		}
		content := strings.ToLower(string(data))
		for _, indicator := range htmlDisguiseIndicators {
			if strings.Contains(content, indicator) {
				return kberrors.New(kberrors.BadInput, "file %s looks like an HTML error page, not a valid PDF", filename)
			}
		}
	case strings.HasSuffix(lower, ".txt"), strings.HasSuffix(lower, ".doc"), strings.HasSuffix(lower, ".docx"):
		if !utf8.Valid(data) {
			if _, err := charmap.ISO8859_1.NewDecoder().Bytes(data); err != nil {
				return kberrors.New(kberrors.BadInput, "file %s cannot be decoded as UTF-8 or Latin-1", filename)
			}
		}
	}
	return nil
}

// Reingest re-runs extraction, chunking, embedding, and vector writes for a
// document already present in the catalog, used by the reconciler's
// embed-repair and orphan-adoption passes.
func (p *Pipeline) Reingest(ctx context.Context, doc *catalog.Document) (int, error) {
	if err := p.vectors.DeleteByDocument(ctx, doc.ID); err != nil {
		return 0, err
	}
	return p.extractChunkEmbed(ctx, doc, doc.StoragePath)
}

// Remove deletes a document's blob, catalog row, and vectors, used by the
// portal and website adapters to drop the stale copy of a changed item
// before ingesting it again.
func (p *Pipeline) Remove(ctx context.Context, doc *catalog.Document) error {
	if err := p.vectors.DeleteByDocument(ctx, doc.ID); err != nil {
		return err
	}
	if err := p.catalog.Delete(ctx, doc.ID); err != nil {
		return err
	}
	return p.blobs.Remove(doc.SourceType, doc.StoredFilename)
}

// DetectExtension picks a sensible original filename extension from a
// content type, for source adapters that receive a mime type but no
// filename extension to go with it.
func DetectExtension(mimeType string) string {
	switch mimeType {
	case "application/pdf":
		return ".pdf"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return ".docx"
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return ".xlsx"
	case "application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return ".pptx"
	case "text/html":
		return ".html"
	case "text/plain":
		return ".txt"
	default:
		return filepath.Ext(mimeType)
	}
}
