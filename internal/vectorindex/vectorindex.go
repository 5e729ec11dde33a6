// Package vectorindex wraps the pgvector-backed documents_vectors table:
// chunk storage, dense similarity search, and the permission-scoped,
// source-priority-ordered search used by internal/retrieve.
package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
)

// Chunk is a row of documents_vectors.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
	Content    string
	Embedding  []float32
	Metadata   map[string]any
}

// Candidate is a search hit, carrying the owning document's catalog fields
// needed by retrieval's fusion and permission logic without a second round
// trip to the catalog.
type Candidate struct {
	ChunkID          uuid.UUID
	DocumentID       uuid.UUID
	Content          string
	Similarity       float64
	ChunkIndex       int
	Metadata         map[string]any
	DocumentName     string
	DocumentSource   string
	DocumentMetadata map[string]any
	SourceType       catalog.SourceType
}

// Store wraps the documents_vectors table.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a pool shared with internal/catalog.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Upsert inserts or updates a single chunk's embedding.
func (s *Store) Upsert(ctx context.Context, chunk *Chunk) error {
	metaJSON, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return kberrors.Wrap(kberrors.BadInput, err, "marshaling chunk metadata")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents_vectors (id, document_id, chunk_index, content, embedding, metadata)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (document_id, chunk_index) DO UPDATE
		SET content = EXCLUDED.content, embedding = EXCLUDED.embedding,
		    metadata = EXCLUDED.metadata, updated_at = now()`,
		chunk.ID, chunk.DocumentID, chunk.ChunkIndex, chunk.Content,
		pgvector.NewVector(chunk.Embedding), metaJSON)
	if err != nil {
		return kberrors.Wrap(kberrors.Embedding, err, "upserting chunk %s", chunk.ID)
	}
	return nil
}

// UpsertBatch upserts many chunks in one round trip via a transaction,
// matching the teacher's indexer pattern of batching embedding writes.
func (s *Store) UpsertBatch(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "beginning vector batch transaction")
	}
	defer tx.Rollback(ctx)

	for _, chunk := range chunks {
		metaJSON, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return kberrors.Wrap(kberrors.BadInput, err, "marshaling chunk metadata")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO documents_vectors (id, document_id, chunk_index, content, embedding, metadata)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (document_id, chunk_index) DO UPDATE
			SET content = EXCLUDED.content, embedding = EXCLUDED.embedding,
			    metadata = EXCLUDED.metadata, updated_at = now()`,
			chunk.ID, chunk.DocumentID, chunk.ChunkIndex, chunk.Content,
			pgvector.NewVector(chunk.Embedding), metaJSON)
		if err != nil {
			return kberrors.Wrap(kberrors.Embedding, err, "upserting chunk %s", chunk.ID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "committing vector batch")
	}
	return nil
}

// DeleteByDocument removes all chunks belonging to a document, used on
// ingestion rollback and document deletion.
func (s *Store) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM documents_vectors WHERE document_id = $1`, documentID)
	if err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "deleting vectors for document %s", documentID)
	}
	return nil
}

// DeleteAll removes every chunk, used by administrative re-index flows.
func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM documents_vectors`)
	if err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "deleting all vectors")
	}
	return nil
}

// DeleteByMetadata removes chunks whose metadata matches every key/value
// pair given, mirroring the original's exact-match `metadata->key = value`
// filter semantics.
func (s *Store) DeleteByMetadata(ctx context.Context, filter map[string]any) error {
	if len(filter) == 0 {
		return kberrors.New(kberrors.BadInput, "metadata filter must not be empty")
	}

	args := make([]any, 0, len(filter)*2)
	clauseParts := make([]string, 0, len(filter))
	argIdx := 1
	for key, value := range filter {
		valJSON, err := json.Marshal(value)
		if err != nil {
			return kberrors.Wrap(kberrors.BadInput, err, "marshaling metadata filter value for %s", key)
		}
		clauseParts = append(clauseParts, fmt.Sprintf("metadata->>$%d = $%d", argIdx, argIdx+1))
		args = append(args, key, trimJSONString(valJSON))
		argIdx += 2
	}

	query := fmt.Sprintf("DELETE FROM documents_vectors WHERE %s", strings.Join(clauseParts, " AND "))
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "deleting vectors by metadata filter")
	}
	return nil
}

func trimJSONString(raw []byte) string {
	s := string(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// Stats reports the total chunk count across all documents.
func (s *Store) Stats(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM documents_vectors`).Scan(&count); err != nil {
		return 0, kberrors.Wrap(kberrors.Storage, err, "counting vectors")
	}
	return count, nil
}

// CountByDocument reports how many chunks exist for a document, used by
// the portal and website adapters to decide whether a document's
// embeddings are intact before skipping reprocessing.
func (s *Store) CountByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM documents_vectors WHERE document_id = $1`, documentID).Scan(&count); err != nil {
		return 0, kberrors.Wrap(kberrors.Storage, err, "counting vectors for document %s", documentID)
	}
	return count, nil
}

// SearchOptions configures a dense similarity search.
type SearchOptions struct {
	K                    int
	SimilarityThreshold  float64
	AllowedSourceTypes   []catalog.SourceType
	AllowedDocumentIDs   []uuid.UUID // portal-user restriction: non-portal sources pass through, portal is limited to this set
	RestrictPortalToDocs bool
}

// Search runs dense cosine similarity search over documents_vectors, joined
// against documents for permission scoping and source-priority ordering,
// following pgvectorstore.py's similarity_search_with_score exactly
// (portal < website < admin < user tie-break order, then distance).
func (s *Store) Search(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]Candidate, error) {
	if len(opts.AllowedSourceTypes) == 0 {
		return nil, kberrors.New(kberrors.BadInput, "at least one allowed source type is required")
	}

	vec := pgvector.NewVector(queryEmbedding)

	var conditions []string
	args := []any{vec, vec, opts.SimilarityThreshold}
	argIdx := 4

	if opts.RestrictPortalToDocs {
		if len(opts.AllowedDocumentIDs) > 0 {
			conditions = append(conditions, fmt.Sprintf("(d.source_type <> 'portal' OR d.id = ANY($%d))", argIdx))
			args = append(args, opts.AllowedDocumentIDs)
			argIdx++
		} else {
			conditions = append(conditions, "d.source_type <> 'portal'")
		}
	}

	sourcePlaceholders := make([]string, len(opts.AllowedSourceTypes))
	for i, st := range opts.AllowedSourceTypes {
		sourcePlaceholders[i] = fmt.Sprintf("$%d", argIdx)
		args = append(args, st)
		argIdx++
	}
	conditions = append(conditions, fmt.Sprintf("d.source_type IN (%s)", strings.Join(sourcePlaceholders, ", ")))

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " AND " + strings.Join(conditions, " AND ")
	}

	args = append(args, vec)
	orderVecIdx := argIdx
	argIdx++

	args = append(args, opts.K)
	limitIdx := argIdx

	query := fmt.Sprintf(`
		SELECT
			dv.id, dv.document_id, dv.content, 1 - (dv.embedding <=> $1) AS similarity,
			dv.metadata, dv.chunk_index, d.original_filename, d.storage_path, d.metadata, d.source_type
		FROM documents_vectors dv
		JOIN documents d ON dv.document_id = d.id
		WHERE 1 - (dv.embedding <=> $2) > $3 %s
		ORDER BY CASE
			WHEN d.source_type = 'portal' THEN 1
			WHEN d.source_type = 'website' THEN 2
			WHEN d.source_type = 'admin' THEN 3
			WHEN d.source_type = 'user' THEN 4
			ELSE 5
		END, dv.embedding <=> $%d
		LIMIT $%d`, whereClause, orderVecIdx, limitIdx)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Storage, err, "running dense similarity search")
	}
	defer rows.Close()

	return scanCandidates(rows)
}

// HybridCandidates falls back to a combined dense-distance + lexical-rank
// query when a pure dense search returns nothing, implementing the same
// contract the original reserves for its search_hybrid_vectors SQL function
// (§9 Open Question 3 — not reproduced as a stored procedure; done in Go
// over one query here instead).
func (s *Store) HybridCandidates(ctx context.Context, queryEmbedding []float32, queryText string, opts SearchOptions) ([]Candidate, error) {
	if len(opts.AllowedSourceTypes) == 0 {
		return nil, kberrors.New(kberrors.BadInput, "at least one allowed source type is required")
	}

	vec := pgvector.NewVector(queryEmbedding)
	sourcePlaceholders := make([]string, len(opts.AllowedSourceTypes))
	args := []any{vec, queryText}
	for i, st := range opts.AllowedSourceTypes {
		sourcePlaceholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, st)
	}
	args = append(args, opts.K)

	query := fmt.Sprintf(`
		SELECT
			dv.id, dv.document_id, dv.content, 1 - (dv.embedding <=> $1) AS similarity,
			dv.metadata, dv.chunk_index, d.original_filename, d.storage_path, d.metadata, d.source_type
		FROM documents_vectors dv
		JOIN documents d ON dv.document_id = d.id
		WHERE d.source_type IN (%s)
		ORDER BY (dv.embedding <=> $1) - ts_rank(to_tsvector('english', dv.content), plainto_tsquery('english', $2)) ASC
		LIMIT $%d`, strings.Join(sourcePlaceholders, ", "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Storage, err, "running hybrid candidate fallback query")
	}
	defer rows.Close()

	return scanCandidates(rows)
}

// AttachmentCandidates returns chunks belonging to documents carrying
// chatID, restricted to sourceTypes when non-empty. When queryEmbedding is
// non-nil, candidates are scored by cosine similarity above
// similarityThreshold and ordered by similarity descending, matching
// retrieve_attachments_with_score's embedding branch. When queryEmbedding
// is nil, every chunk is returned unscored (Similarity is left at its zero
// value; the caller assigns the synthetic 1.0 attachment-priority score)
// ordered by (stored_filename, chunk_index), matching that function's
// no-embedding fallback branch.
func (s *Store) AttachmentCandidates(ctx context.Context, chatID uuid.UUID, sourceTypes []catalog.SourceType, queryEmbedding []float32, similarityThreshold float64, limit int) ([]Candidate, error) {
	if len(queryEmbedding) == 0 {
		args := []any{chatID}
		argIdx := 2
		var sourceClause string
		if len(sourceTypes) > 0 {
			placeholders := make([]string, len(sourceTypes))
			for i, st := range sourceTypes {
				placeholders[i] = fmt.Sprintf("$%d", argIdx)
				args = append(args, st)
				argIdx++
			}
			sourceClause = fmt.Sprintf(" AND d.source_type IN (%s)", strings.Join(placeholders, ", "))
		}
		args = append(args, limit)

		query := fmt.Sprintf(`
			SELECT
				dv.id, dv.document_id, dv.content, 0, dv.metadata, dv.chunk_index,
				d.original_filename, d.storage_path, d.metadata, d.source_type
			FROM documents_vectors dv
			JOIN documents d ON dv.document_id = d.id
			WHERE d.chat_id = $1 %s
			ORDER BY d.stored_filename, dv.chunk_index
			LIMIT $%d`, sourceClause, argIdx)

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, kberrors.Wrap(kberrors.Storage, err, "listing attachment chunks without an embedding")
		}
		defer rows.Close()
		return scanCandidates(rows)
	}

	vec := pgvector.NewVector(queryEmbedding)
	args := []any{vec, chatID, similarityThreshold}
	argIdx := 4
	var sourceClause string
	if len(sourceTypes) > 0 {
		placeholders := make([]string, len(sourceTypes))
		for i, st := range sourceTypes {
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, st)
			argIdx++
		}
		sourceClause = fmt.Sprintf(" AND d.source_type IN (%s)", strings.Join(placeholders, ", "))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT
			dv.id, dv.document_id, dv.content, 1 - (dv.embedding <=> $1) AS similarity,
			dv.metadata, dv.chunk_index, d.original_filename, d.storage_path, d.metadata, d.source_type
		FROM documents_vectors dv
		JOIN documents d ON dv.document_id = d.id
		WHERE d.chat_id = $2 AND 1 - (dv.embedding <=> $1) > $3 %s
		ORDER BY dv.embedding <=> $1
		LIMIT $%d`, sourceClause, argIdx)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Storage, err, "searching attachment chunks by similarity")
	}
	defer rows.Close()
	return scanCandidates(rows)
}

type rowsScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanCandidates(rows rowsScanner) ([]Candidate, error) {
	var out []Candidate
	for rows.Next() {
		var c Candidate
		var chunkMetaJSON, docMetaJSON []byte
		var sourceType catalog.SourceType

		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Content, &c.Similarity,
			&chunkMetaJSON, &c.ChunkIndex, &c.DocumentName, &c.DocumentSource,
			&docMetaJSON, &sourceType); err != nil {
			return nil, kberrors.Wrap(kberrors.Storage, err, "scanning search row")
		}

		c.SourceType = sourceType
		c.Metadata = map[string]any{}
		if len(chunkMetaJSON) > 0 {
			_ = json.Unmarshal(chunkMetaJSON, &c.Metadata)
		}
		c.DocumentMetadata = map[string]any{}
		if len(docMetaJSON) > 0 {
			_ = json.Unmarshal(docMetaJSON, &c.DocumentMetadata)
		}

		out = append(out, c)
	}
	return out, rows.Err()
}
