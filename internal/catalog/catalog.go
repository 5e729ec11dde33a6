// Package catalog implements the Document Catalog: the Postgres-backed
// system of record for document metadata, independent of file bytes (held
// by internal/blobstore) and embeddings (held by internal/vectorindex).
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
)

// SourceType enumerates where a document originated.
type SourceType string

const (
	SourcePortal  SourceType = "portal"
	SourceAdmin   SourceType = "admin"
	SourceUser    SourceType = "user"
	SourceWebsite SourceType = "website"
)

// Document is a row of the documents table.
type Document struct {
	ID               uuid.UUID
	SourceType       SourceType
	OriginalFilename string
	StoredFilename   string
	StoragePath      string
	MimeType         string
	SizeBytes        int64
	Metadata         map[string]any
	UploadedBy       string
	ChatID           *uuid.UUID
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store wraps a pgx connection pool with the Document Catalog's schema and
// CRUD operations.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a connection pool to Postgres and applies migrations,
// mirroring the teacher's store.New inline-migration-on-startup idiom.
func Connect(ctx context.Context, dsn string, maxConns int32, embeddingDim int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Storage, err, "parsing postgres dsn")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Storage, err, "connecting to postgres")
	}

	if err := migrate(ctx, pool, embeddingDim); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for packages (vectorindex, syncjob) that
// share the same Postgres connection.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS documents (
			id                UUID PRIMARY KEY,
			source_type       TEXT NOT NULL CHECK (source_type IN ('portal','admin','user','website')),
			original_filename TEXT NOT NULL,
			stored_filename   TEXT NOT NULL UNIQUE,
			storage_path      TEXT NOT NULL,
			mime_type         TEXT NOT NULL,
			size_bytes        BIGINT NOT NULL,
			metadata          JSONB NOT NULL DEFAULT '{}',
			uploaded_by       TEXT,
			chat_id           UUID,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS documents_website_url_uidx ON documents ((metadata->>'url')) WHERE source_type = 'website'`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents_vectors (
			id            UUID PRIMARY KEY,
			document_id   UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index   INT NOT NULL,
			content       TEXT NOT NULL,
			embedding     vector(%d) NOT NULL,
			metadata      JSONB NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (document_id, chunk_index)
		)`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS documents_vectors_document_id_idx ON documents_vectors (document_id)`,
		`CREATE TABLE IF NOT EXISTS document_sync (
			job_name        TEXT PRIMARY KEY,
			state           TEXT NOT NULL,
			trigger_source  TEXT,
			triggered_by    TEXT,
			started_at      TIMESTAMPTZ,
			finished_at     TIMESTAMPTZ,
			runtime_seconds DOUBLE PRECISION,
			result          JSONB,
			error           TEXT,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id               UUID PRIMARY KEY,
			sync_type        TEXT NOT NULL,
			status           TEXT NOT NULL,
			documents_total  INT NOT NULL DEFAULT 0,
			documents_ok     INT NOT NULL DEFAULT 0,
			documents_failed INT NOT NULL DEFAULT 0,
			websites_total   INT NOT NULL DEFAULT 0,
			websites_ok      INT NOT NULL DEFAULT 0,
			websites_failed  INT NOT NULL DEFAULT 0,
			trigger_source   TEXT,
			triggered_by     TEXT,
			started_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			finished_at      TIMESTAMPTZ,
			runtime_seconds  DOUBLE PRECISION,
			error_message    TEXT,
			metadata         JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS sync_log_details (
			id                 BIGSERIAL PRIMARY KEY,
			sync_log_id        UUID NOT NULL REFERENCES sync_logs(id) ON DELETE CASCADE,
			item_type          TEXT NOT NULL CHECK (item_type IN ('document','website')),
			item_url           TEXT,
			item_source        TEXT,
			document_title     TEXT,
			document_filename  TEXT,
			document_id        UUID,
			status             TEXT NOT NULL CHECK (status IN ('success','failed')),
			error_message      TEXT,
			file_size          BIGINT,
			metadata           JSONB NOT NULL DEFAULT '{}',
			processed_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS users_documents (
			users_id     TEXT NOT NULL,
			documents_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			PRIMARY KEY (users_id, documents_id)
		)`,
		`CREATE TABLE IF NOT EXISTS runtime_settings (
			key        TEXT PRIMARY KEY,
			value      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return kberrors.Wrap(kberrors.Storage, err, "running catalog migration")
		}
	}
	return nil
}

// Create inserts a new document row.
func (s *Store) Create(ctx context.Context, doc *Document) error {
	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return kberrors.Wrap(kberrors.BadInput, err, "marshaling document metadata")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents
			(id, source_type, original_filename, stored_filename, storage_path, mime_type, size_bytes, metadata, uploaded_by, chat_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		doc.ID, doc.SourceType, doc.OriginalFilename, doc.StoredFilename, doc.StoragePath,
		doc.MimeType, doc.SizeBytes, metaJSON, nullableString(doc.UploadedBy), doc.ChatID)
	if err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "inserting document %s", doc.ID)
	}
	return nil
}

// Get fetches a document by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, source_type, original_filename, stored_filename, storage_path, mime_type,
		       size_bytes, metadata, COALESCE(uploaded_by, ''), chat_id, created_at, updated_at
		FROM documents WHERE id = $1`, id)

	doc, err := scanDocument(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, kberrors.New(kberrors.NotFound, "document %s not found", id)
		}
		return nil, kberrors.Wrap(kberrors.Storage, err, "fetching document %s", id)
	}
	return doc, nil
}

// GetByStoredFilename fetches a document by its unique stored filename, used
// by the reconciler to check for orphan blobs.
func (s *Store) GetByStoredFilename(ctx context.Context, storedFilename string) (*Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, source_type, original_filename, stored_filename, storage_path, mime_type,
		       size_bytes, metadata, COALESCE(uploaded_by, ''), chat_id, created_at, updated_at
		FROM documents WHERE stored_filename = $1`, storedFilename)

	doc, err := scanDocument(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, kberrors.New(kberrors.NotFound, "document with stored filename %s not found", storedFilename)
		}
		return nil, kberrors.Wrap(kberrors.Storage, err, "fetching document by stored filename")
	}
	return doc, nil
}

// GetByURL fetches a website-sourced document by its metadata url, used for
// website re-crawl dedup.
func (s *Store) GetByURL(ctx context.Context, url string) (*Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, source_type, original_filename, stored_filename, storage_path, mime_type,
		       size_bytes, metadata, COALESCE(uploaded_by, ''), chat_id, created_at, updated_at
		FROM documents WHERE source_type = 'website' AND metadata->>'url' = $1`, url)

	doc, err := scanDocument(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, kberrors.New(kberrors.NotFound, "website document for url %s not found", url)
		}
		return nil, kberrors.Wrap(kberrors.Storage, err, "fetching document by url")
	}
	return doc, nil
}

// Delete removes a document row; vectors cascade via FK.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "deleting document %s", id)
	}
	if tag.RowsAffected() == 0 {
		return kberrors.New(kberrors.NotFound, "document %s not found", id)
	}
	return nil
}

// ListBySourceType lists all documents of a given source type, used by the
// reconciler for FS<->DB consistency checks.
func (s *Store) ListBySourceType(ctx context.Context, sourceType SourceType) ([]*Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_type, original_filename, stored_filename, storage_path, mime_type,
		       size_bytes, metadata, COALESCE(uploaded_by, ''), chat_id, created_at, updated_at
		FROM documents WHERE source_type = $1 ORDER BY created_at`, sourceType)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Storage, err, "listing documents by source type")
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, kberrors.Wrap(kberrors.Storage, err, "scanning document row")
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateMetadata merges newMetadata into an existing document's metadata
// column (shallow merge, matching Postgres' jsonb `||` operator semantics).
func (s *Store) UpdateMetadata(ctx context.Context, id uuid.UUID, newMetadata map[string]any) error {
	metaJSON, err := json.Marshal(newMetadata)
	if err != nil {
		return kberrors.Wrap(kberrors.BadInput, err, "marshaling metadata patch")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET metadata = metadata || $2::jsonb, updated_at = now() WHERE id = $1`,
		id, metaJSON)
	if err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "updating document metadata")
	}
	if tag.RowsAffected() == 0 {
		return kberrors.New(kberrors.NotFound, "document %s not found", id)
	}
	return nil
}

// GrantUser adds a users_documents mapping row, allowing a non-admin portal
// user to retrieve that portal document per §4.5.5's permission scoping.
func (s *Store) GrantUser(ctx context.Context, userID string, documentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users_documents (users_id, documents_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, documentID)
	if err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "granting user access to document")
	}
	return nil
}

// ListDocumentIDsForUser returns every document id userID has an explicit
// users_documents grant for, used by §4.5.5's portal-user permission scoping.
func (s *Store) ListDocumentIDsForUser(ctx context.Context, userID string) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT documents_id FROM users_documents WHERE users_id = $1`, userID)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Storage, err, "listing document grants for user %s", userID)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, kberrors.Wrap(kberrors.Storage, err, "scanning document grant row")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UserHasAccess reports whether userID has an explicit grant for documentID.
func (s *Store) UserHasAccess(ctx context.Context, userID string, documentID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM users_documents WHERE users_id = $1 AND documents_id = $2)`,
		userID, documentID).Scan(&exists)
	if err != nil {
		return false, kberrors.Wrap(kberrors.Storage, err, "checking user document access")
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var metaJSON []byte
	var uploadedBy string
	var chatID *uuid.UUID

	err := row.Scan(&doc.ID, &doc.SourceType, &doc.OriginalFilename, &doc.StoredFilename,
		&doc.StoragePath, &doc.MimeType, &doc.SizeBytes, &metaJSON, &uploadedBy, &chatID,
		&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}

	doc.UploadedBy = uploadedBy
	doc.ChatID = chatID
	doc.Metadata = map[string]any{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling document metadata: %w", err)
		}
	}
	return &doc, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
